package peer

import (
	"log/slog"
	"net"
	"net/netip"
	"testing"
	"time"
)

func TestEvictStaleRemovesClosedSessions(t *testing.T) {
	s := NewSwarm(DefaultSwarmConfig([20]byte{}, [20]byte{}), slog.Default(), nil)

	local, remote := net.Pipe()
	defer remote.Close()

	addr := netip.MustParseAddrPort("127.0.0.1:6881")
	p := newTestPeer(t, local)

	s.mu.Lock()
	s.peers[addr] = p
	s.mu.Unlock()

	if s.activeCount() != 1 {
		t.Fatalf("activeCount = %d, want 1", s.activeCount())
	}

	p.Close()
	s.evictStale()

	if s.activeCount() != 0 {
		t.Fatalf("activeCount after eviction = %d, want 0", s.activeCount())
	}
}

// TestEvictStaleRemovesIdleSessions covers the case evictDisconnected used
// to miss entirely: a session whose connection is still open but which has
// exchanged no message in over IdleTimeout must also be dropped.
func TestEvictStaleRemovesIdleSessions(t *testing.T) {
	cfg := DefaultSwarmConfig([20]byte{}, [20]byte{})
	cfg.IdleTimeout = time.Millisecond
	s := NewSwarm(cfg, slog.Default(), nil)

	local, remote := net.Pipe()
	defer remote.Close()
	defer local.Close()

	addr := netip.MustParseAddrPort("127.0.0.1:6881")
	p := newTestPeer(t, local)

	s.mu.Lock()
	s.peers[addr] = p
	s.mu.Unlock()

	time.Sleep(5 * time.Millisecond)
	s.evictStale()

	if s.activeCount() != 0 {
		t.Fatalf("activeCount after idle eviction = %d, want 0", s.activeCount())
	}
}

func TestAddCandidates_SkipsAlreadyConnected(t *testing.T) {
	s := NewSwarm(DefaultSwarmConfig([20]byte{}, [20]byte{}), slog.Default(), nil)

	local, remote := net.Pipe()
	defer remote.Close()

	addr := netip.MustParseAddrPort("127.0.0.1:6881")
	p := newTestPeer(t, local)

	s.mu.Lock()
	s.peers[addr] = p
	s.mu.Unlock()

	other := netip.MustParseAddrPort("127.0.0.1:6882")
	s.AddCandidates([]netip.AddrPort{addr, other})

	if len(s.connectCh) != 1 {
		t.Fatalf("len(connectCh) = %d, want 1 (already-connected addr skipped)", len(s.connectCh))
	}
	if got := <-s.connectCh; got != other {
		t.Fatalf("queued candidate = %v, want %v", got, other)
	}
}
