// Package downloader drives the per-piece synchronous request loop: one
// worker goroutine per connected peer, selecting pieces from the shared
// piece.Manager and requesting their blocks within a bounded inflight
// window.
package downloader

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/prxssh/rabbit/internal/peer"
	"github.com/prxssh/rabbit/internal/piece"
	"github.com/prxssh/rabbit/internal/protocol"
	"github.com/prxssh/rabbit/internal/storage"
)

// DefaultMaxInflightPerPeer bounds the number of outstanding REQUEST
// messages any single worker may have in flight at once, absent an
// explicit config value.
const DefaultMaxInflightPerPeer = 10

// DefaultRequestTimeout bounds how long a worker waits for a message before
// treating the peer as unresponsive and abandoning its current piece,
// absent an explicit config value.
const DefaultRequestTimeout = 15 * time.Second

var errChoked = errors.New("downloader: peer choked mid-piece")

// Downloader coordinates a pool of per-peer workers against a shared
// piece.Manager and storage.Store.
type Downloader struct {
	manager *piece.Manager
	store   *storage.Store
	log     *slog.Logger

	maxInflightPerPeer int
	requestTimeout     time.Duration
}

// New builds a Downloader using DefaultMaxInflightPerPeer and
// DefaultRequestTimeout. Use NewWithConfig to source these from a
// config.Config instead.
func New(manager *piece.Manager, store *storage.Store, log *slog.Logger) *Downloader {
	return NewWithConfig(manager, store, log, DefaultMaxInflightPerPeer, DefaultRequestTimeout)
}

// NewWithConfig builds a Downloader whose per-peer inflight cap and
// response timeout come from the caller (normally config.Config's
// MaxInflightRequestsPerPeer and RequestTimeout), rather than the
// package defaults.
func NewWithConfig(manager *piece.Manager, store *storage.Store, log *slog.Logger, maxInflightPerPeer int, requestTimeout time.Duration) *Downloader {
	if maxInflightPerPeer <= 0 {
		maxInflightPerPeer = DefaultMaxInflightPerPeer
	}
	if requestTimeout <= 0 {
		requestTimeout = DefaultRequestTimeout
	}
	return &Downloader{
		manager:            manager,
		store:              store,
		log:                log.With("component", "downloader"),
		maxInflightPerPeer: maxInflightPerPeer,
		requestTimeout:     requestTimeout,
	}
}

// Run spawns one worker per peer in peers and waits for all of them to
// exit (either because no peer has any piece left to offer, or ctx was
// cancelled).
func (d *Downloader) Run(ctx context.Context, peers []*peer.Peer) error {
	g, ctx := errgroup.WithContext(ctx)

	for _, p := range peers {
		p := p
		g.Go(func() error {
			return d.worker(ctx, p)
		})
	}

	return g.Wait()
}

// swarmPeerLister is the subset of peer.Swarm that Manage needs; satisfied
// by *peer.Swarm, narrowed here so this package doesn't have to depend on
// the whole Swarm API surface.
type swarmPeerLister interface {
	Peers() []*peer.Peer
}

// Manage polls swarm for newly connected peers and spawns one worker per
// peer it hasn't already started a worker for, until the torrent is
// complete or ctx is cancelled. Unlike Run, which expects a static peer
// list known up front, Manage is meant to run for the torrent's whole
// lifetime alongside a Swarm that connects to peers as the tracker and
// dial pool discover them.
func (d *Downloader) Manage(ctx context.Context, swarm swarmPeerLister, pollInterval time.Duration) error {
	var (
		mu      sync.Mutex
		started = make(map[string]bool)
	)

	g, ctx := errgroup.WithContext(ctx)
	ticker := time.NewTicker(pollInterval)
	defer ticker.Stop()

	for {
		if d.manager.Complete() {
			break
		}

		select {
		case <-ctx.Done():
			return g.Wait()
		case <-ticker.C:
		}

		for _, p := range swarm.Peers() {
			p := p
			mu.Lock()
			already := started[p.ID]
			started[p.ID] = true
			mu.Unlock()
			if already {
				continue
			}

			g.Go(func() error {
				err := d.worker(ctx, p)
				mu.Lock()
				delete(started, p.ID)
				mu.Unlock()
				return err
			})
		}
	}

	return g.Wait()
}

// worker repeatedly selects a piece this peer advertises, downloads it
// fully (or abandons it on timeout/choke/disconnect), and exits once no
// piece remains that this peer can offer. Peer-scoped failures (a dead
// connection, a read timeout, a mid-piece choke) only end this worker; they
// never propagate past it, since one uncooperative peer must not cancel
// every other peer's download.
func (d *Downloader) worker(ctx context.Context, p *peer.Peer) error {
	log := d.log.With("peer", p.Addr.String())

	if err := d.awaitInitialPieces(p); err != nil {
		log.Debug("peer probe failed, dropping peer", "err", err)
		return nil
	}

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		pieces := p.Pieces()
		if pieces == nil {
			return nil
		}

		index, ok := d.manager.NextPieceFor(pieces)
		if !ok {
			return nil
		}

		if err := d.downloadPiece(ctx, p, index); err != nil {
			d.manager.Abandon(index)
			if errors.Is(err, context.Canceled) || errors.Is(err, context.DeadlineExceeded) {
				return err
			}
			log.Debug("piece download failed, dropping peer", "index", index, "err", err)
			return nil
		}
	}
}

// awaitInitialPieces returns at once if p already advertises at least one
// piece. Otherwise it pumps messages off p until a BITFIELD or HAVE arrives
// or a bounded number of other messages have been drained. Pieces() stays
// nil for a peer that sent neither and whose piece count was never set with
// SetPieceCount, and the caller treats that as "nothing to do". Read errors
// here (timeout, connection closed, ...) are peer-scoped and simply end the
// probe; the caller drops the peer rather than propagating them.
func (d *Downloader) awaitInitialPieces(p *peer.Peer) error {
	const maxProbe = 8
	for i := 0; i < maxProbe; i++ {
		if pieces := p.Pieces(); pieces != nil && pieces.Any() {
			return nil
		}
		m, err := p.ReadMessage(d.requestTimeout)
		if err != nil {
			return err
		}
		if m != nil && (m.ID == protocol.Bitfield || m.ID == protocol.Have) {
			return nil
		}
	}
	return nil
}

// downloadPiece requests every block of index from p, feeding received
// blocks to the piece manager, and writes the piece to storage once
// complete.
func (d *Downloader) downloadPiece(ctx context.Context, p *peer.Peer, index int) error {
	reqs, err := d.manager.InitPieceDownload(index)
	if err != nil {
		return err
	}

	if err := p.SendInterested(); err != nil {
		return err
	}

	next := 0
	inflight := 0
	unchoked := false

	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		if !p.PeerChoking() {
			unchoked = true
			for inflight < d.maxInflightPerPeer && next < len(reqs) {
				r := reqs[next]
				if err := p.SendRequest(uint32(index), r.Begin, r.Length); err != nil {
					return err
				}
				next++
				inflight++
			}
		} else if unchoked {
			// was unchoked and received a CHOKE mid-piece: give up on it.
			return errChoked
		}

		m, err := p.ReadMessage(d.requestTimeout)
		if err != nil {
			return err
		}
		if m == nil {
			continue // keep-alive
		}

		switch m.ID {
		case protocol.Piece:
			gotIndex, begin, block, perr := protocol.ParsePiece(m)
			if perr != nil {
				continue
			}
			if gotIndex != uint32(index) {
				continue // PIECE for another index: ignore
			}

			complete, accepted, aerr := d.manager.AddBlock(index, begin, block)
			if accepted {
				inflight--
			}
			if aerr != nil {
				var mismatch *piece.DigestMismatch
				if errors.As(aerr, &mismatch) {
					// non-fatal: the piece manager already reverted the
					// piece to absent; the caller's loop will re-select it
					return nil
				}
				return aerr
			}
			if complete {
				return d.flushPiece(index)
			}
		}
	}
}

// flushPiece claims the assembled bytes of a just-completed piece from the
// piece manager and writes them to disk.
func (d *Downloader) flushPiece(index int) error {
	data, err := d.manager.PieceBytes(index)
	if err != nil {
		return err
	}
	return d.store.WritePiece(index, data)
}
