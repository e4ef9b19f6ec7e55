package peer

import (
	"context"
	"log/slog"
	"net/netip"
	"sync"
	"time"

	"github.com/samber/lo"
)

// SwarmConfig bounds the dial-pool/active-session behaviour of a Swarm.
type SwarmConfig struct {
	MaxPeers       int           // maximum active sessions
	MaxDialWorkers int           // concurrent outstanding dial attempts
	DialTimeout    time.Duration
	IdleTimeout    time.Duration // maintenance loop evicts sessions idle longer than this
	InfoHash       [20]byte
	OurPeerID      [20]byte
}

// DefaultSwarmConfig mirrors the resource caps of §5/§6.
func DefaultSwarmConfig(infoHash, peerID [20]byte) SwarmConfig {
	return SwarmConfig{
		MaxPeers:       20,
		MaxDialWorkers: 10,
		DialTimeout:    5 * time.Second,
		IdleTimeout:    2 * time.Minute,
		InfoHash:       infoHash,
		OurPeerID:      peerID,
	}
}

// Swarm manages the set of live peer sessions for one torrent: a pool of
// dial workers draining a buffered candidate channel, and a maintenance
// loop that evicts idle sessions.
type Swarm struct {
	cfg SwarmConfig
	log *slog.Logger

	connectCh chan netip.AddrPort

	mu    sync.RWMutex
	peers map[netip.AddrPort]*Peer

	onConnected func(*Peer)
}

// NewSwarm builds a Swarm. onConnected is invoked once per successfully
// connected peer, from a dial worker goroutine.
func NewSwarm(cfg SwarmConfig, log *slog.Logger, onConnected func(*Peer)) *Swarm {
	return &Swarm{
		cfg:         cfg,
		log:         log.With("component", "swarm"),
		connectCh:   make(chan netip.AddrPort, 256),
		peers:       make(map[netip.AddrPort]*Peer),
		onConnected: onConnected,
	}
}

// AddCandidates enqueues dial candidates discovered via a tracker
// announce. Candidates already connected are filtered out here; the dial
// workers skip a queued candidate while MaxPeers sessions are active.
func (s *Swarm) AddCandidates(candidates []netip.AddrPort) {
	known := s.connectedAddrs()
	fresh := lo.Filter(candidates, func(a netip.AddrPort, _ int) bool {
		return !lo.Contains(known, a)
	})

	for _, addr := range fresh {
		select {
		case s.connectCh <- addr:
		default:
			// candidate channel full; drop, the next announce will resupply
		}
	}
}

func (s *Swarm) connectedAddrs() []netip.AddrPort {
	s.mu.RLock()
	defer s.mu.RUnlock()

	addrs := make([]netip.AddrPort, 0, len(s.peers))
	for a := range s.peers {
		addrs = append(addrs, a)
	}
	return addrs
}

func (s *Swarm) activeCount() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.peers)
}

// Run starts the dial worker pool and the maintenance loop. It returns
// when ctx is cancelled.
func (s *Swarm) Run(ctx context.Context) error {
	var wg sync.WaitGroup

	for i := 0; i < s.cfg.MaxDialWorkers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			s.dialWorker(ctx)
		}()
	}

	wg.Add(1)
	go func() {
		defer wg.Done()
		s.maintenanceLoop(ctx)
	}()

	wg.Wait()
	return ctx.Err()
}

func (s *Swarm) dialWorker(ctx context.Context) {
	for {
		select {
		case <-ctx.Done():
			return
		case addr := <-s.connectCh:
			if s.activeCount() >= s.cfg.MaxPeers {
				continue
			}

			p, err := Dial(ctx, addr, s.cfg.DialTimeout, s.cfg.InfoHash, s.cfg.OurPeerID, s.log)
			if err != nil {
				s.log.Debug("dial failed", "addr", addr, "err", err)
				continue
			}

			s.mu.Lock()
			s.peers[addr] = p
			s.mu.Unlock()

			if s.onConnected != nil {
				s.onConnected(p)
			}
		}
	}
}

// maintenanceLoop periodically evicts sessions that have gone quiet for
// longer than IdleTimeout.
func (s *Swarm) maintenanceLoop(ctx context.Context) {
	ticker := time.NewTicker(30 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.evictStale()
		}
	}
}

// evictStale drops sessions whose connection already closed, and sessions
// that are still open but have exchanged no message in over IdleTimeout.
func (s *Swarm) evictStale() {
	s.mu.Lock()
	defer s.mu.Unlock()

	for addr, p := range s.peers {
		stale := false
		select {
		case <-p.closed:
			stale = true
		default:
			if s.cfg.IdleTimeout > 0 && time.Since(p.LastActive()) > s.cfg.IdleTimeout {
				stale = true
			}
		}
		if !stale {
			continue
		}
		delete(s.peers, addr)
		p.Close()
	}
}

// Remove drops addr from the active set, closing its session if still
// open. Nothing in this module calls it; the downloader leaves failed
// sessions to evictStale.
func (s *Swarm) Remove(addr netip.AddrPort) {
	s.mu.Lock()
	p, ok := s.peers[addr]
	if ok {
		delete(s.peers, addr)
	}
	s.mu.Unlock()

	if ok {
		p.Close()
	}
}

// Peers returns a snapshot of the currently active peer sessions.
func (s *Swarm) Peers() []*Peer {
	s.mu.RLock()
	defer s.mu.RUnlock()

	out := make([]*Peer, 0, len(s.peers))
	for _, p := range s.peers {
		out = append(out, p)
	}
	return out
}
