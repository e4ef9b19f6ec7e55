// Package torrent wires a single torrent's metainfo, storage, piece
// manager, swarm, tracker and downloader together into one runnable unit.
package torrent

import (
	"context"
	"crypto/sha1"
	"fmt"
	"log/slog"
	"time"

	"github.com/google/uuid"
	"golang.org/x/sync/errgroup"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/downloader"
	"github.com/prxssh/rabbit/internal/meta"
	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/storage"
	"github.com/prxssh/rabbit/internal/tracker"
)

// announcePollInterval is how often Manage checks the swarm for peers it
// hasn't yet started a worker for.
const announcePollInterval = 2 * time.Second

// Torrent is a single download in progress: one parsed .torrent file, one
// on-disk layout, one piece manager, one swarm of peer connections, and the
// downloader driving them.
type Torrent struct {
	ID       string
	Metainfo *meta.Metainfo

	clientID [sha1.Size]byte
	cfg      *config.Config
	log      *slog.Logger

	store      *storage.Store
	pieces     *piece.Manager
	swarm      *peer.Swarm
	tracker    *tracker.HTTPTracker
	downloader *downloader.Downloader

	cancel context.CancelFunc
}

// New parses data as a .torrent file and prepares every component needed to
// run it, without starting any network activity yet.
func New(data []byte, downloadDir string, cfg *config.Config, log *slog.Logger) (*Torrent, error) {
	m, err := meta.ParseMetainfo(data)
	if err != nil {
		return nil, fmt.Errorf("torrent: parse metainfo: %w", err)
	}

	log = log.With("torrent", m.Info.Name, "info_hash", fmt.Sprintf("%x", m.InfoHash))

	store, err := storage.Open(m, downloadDir)
	if err != nil {
		return nil, fmt.Errorf("torrent: open storage: %w", err)
	}

	hashes := make([][20]byte, len(m.Info.Pieces)/20)
	for i := range hashes {
		copy(hashes[i][:], m.Info.Pieces[i*20:(i+1)*20])
	}
	pieces := piece.NewManager(uint64(m.Size()), uint32(m.Info.PieceLength), hashes)

	swarmCfg := peer.DefaultSwarmConfig(m.InfoHash, cfg.ClientID)
	swarmCfg.MaxPeers = cfg.MaxPeers
	swarmCfg.MaxDialWorkers = cfg.MaxDialWorkers
	swarmCfg.DialTimeout = cfg.DialTimeout
	swarmCfg.IdleTimeout = cfg.PeerInactivityDuration
	swarm := peer.NewSwarm(swarmCfg, log, func(p *peer.Peer) {
		p.SetPieceCount(int(pieces.PieceCount()))
	})

	t := &Torrent{
		ID:         uuid.NewString(),
		Metainfo:   m,
		clientID:   cfg.ClientID,
		cfg:        cfg,
		log:        log,
		store:      store,
		pieces:     pieces,
		swarm:      swarm,
		tracker:    tracker.NewHTTPTracker(m.Announce),
		downloader: downloader.NewWithConfig(pieces, store, log, cfg.MaxInflightRequestsPerPeer, cfg.RequestTimeout),
	}
	return t, nil
}

// Run starts the swarm's dial pool, the periodic tracker announce loop, and
// the downloader, returning once the torrent completes, ctx is cancelled,
// or any subsystem fails.
func (t *Torrent) Run(ctx context.Context) error {
	ctx, cancel := context.WithCancel(ctx)
	t.cancel = cancel
	defer t.store.Close()

	g, gctx := errgroup.WithContext(ctx)

	g.Go(func() error { return t.swarm.Run(gctx) })
	g.Go(func() error { return t.announceLoop(gctx) })
	g.Go(func() error { return t.downloader.Manage(gctx, t.swarm, announcePollInterval) })

	return g.Wait()
}

// Stop cancels the torrent's run context.
func (t *Torrent) Stop() {
	if t.cancel != nil {
		t.cancel()
	}
}

// announceLoop announces to the tracker immediately, then again every
// interval it returns (or MinAnnounceInterval, whichever is larger), adding
// every peer it learns about as a swarm dial candidate.
func (t *Torrent) announceLoop(ctx context.Context) error {
	interval, err := t.announceOnce(ctx, tracker.EventStarted)
	if err != nil {
		t.log.Warn("initial announce failed", "err", err)
		interval = t.cfg.MinAnnounceInterval
	}

	for {
		if interval < t.cfg.MinAnnounceInterval {
			interval = t.cfg.MinAnnounceInterval
		}

		select {
		case <-ctx.Done():
			return nil
		case <-time.After(interval):
		}

		if t.pieces.Complete() {
			return nil
		}

		next, err := t.announceOnce(ctx, tracker.EventNone)
		if err != nil {
			t.log.Warn("announce failed", "err", err)
			continue
		}
		interval = next
	}
}

func (t *Torrent) announceOnce(ctx context.Context, event tracker.Event) (time.Duration, error) {
	left := t.Metainfo.Size() - int64(t.downloadedBytes())

	result, err := t.tracker.Announce(ctx, tracker.AnnounceParams{
		InfoHash: t.Metainfo.InfoHash,
		PeerID:   t.clientID,
		Port:     t.cfg.Port,
		Left:     left,
		NumWant:  t.cfg.NumWant,
		Event:    event,
	})
	if err != nil {
		return 0, err
	}

	t.swarm.AddCandidates(result.Peers)
	return time.Duration(result.Interval) * time.Second, nil
}

func (t *Torrent) downloadedBytes() uint64 {
	return t.pieces.BytesCompleted()
}

// Stats is a point-in-time snapshot of a torrent's progress.
type Stats struct {
	Name            string
	InfoHash        string
	TotalPieces     int
	CompletedPieces int
	Progress        float64
	ConnectedPeers  int
}

// Stats returns a snapshot of the torrent's current progress.
func (t *Torrent) Stats() Stats {
	total := int(t.pieces.PieceCount())
	completed := t.pieces.HaveBitfield().Count()
	progress := 0.0
	if total > 0 {
		progress = float64(completed) / float64(total) * 100
	}

	return Stats{
		Name:            t.Metainfo.Info.Name,
		InfoHash:        fmt.Sprintf("%x", t.Metainfo.InfoHash),
		TotalPieces:     total,
		CompletedPieces: completed,
		Progress:        progress,
		ConnectedPeers:  len(t.swarm.Peers()),
	}
}
