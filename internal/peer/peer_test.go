package peer

import (
	"net"
	"log/slog"
	"testing"

	"github.com/prxssh/rabbit/internal/protocol"
)

func newTestPeer(t *testing.T, conn net.Conn) *Peer {
	t.Helper()
	return &Peer{
		ID:     "test",
		conn:   conn,
		state:  maskAmChoking | maskPeerChoking,
		closed: make(chan struct{}),
		log:    slog.Default(),
	}
}

func TestChokeInterestStateTransitions(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	p := newTestPeer(t, local)

	if !p.AmChoking() || !p.PeerChoking() {
		t.Fatal("initial state must be am-choking and peer-choking")
	}

	p.applyIncomingState(&protocol.Message{ID: protocol.Unchoke})
	if p.PeerChoking() {
		t.Fatal("PeerChoking should clear on UNCHOKE")
	}

	p.applyIncomingState(&protocol.Message{ID: protocol.Interested})
	if !p.PeerInterested() {
		t.Fatal("PeerInterested should set on INTERESTED")
	}

	p.applyIncomingState(&protocol.Message{ID: protocol.NotInterested})
	if p.PeerInterested() {
		t.Fatal("PeerInterested should clear on NOT_INTERESTED")
	}
}

// TestHaveAndBitfieldUpdatePeerPieces is the REDESIGN FLAG (a) regression
// test: peer_pieces must be populated from both HAVE and BITFIELD.
func TestHaveAndBitfieldUpdatePeerPieces(t *testing.T) {
	local, remote := net.Pipe()
	defer remote.Close()

	p := newTestPeer(t, local)
	p.SetPieceCount(9)

	p.applyIncomingState(protocol.MessageBitfield([]byte{0b10100000, 0}))
	if !p.Pieces().Has(0) || !p.Pieces().Has(2) {
		t.Fatalf("bitfield should set pieces 0 and 2, got %s", p.Pieces())
	}

	p.applyIncomingState(protocol.MessageHave(5))
	if !p.Pieces().Has(5) {
		t.Fatal("HAVE(5) should set piece 5")
	}
	if !p.Pieces().Has(0) {
		t.Fatal("HAVE must not clear prior bitfield-derived pieces")
	}
}

func TestReadMessage_AppliesStateBeforeReturning(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()

	p := newTestPeer(t, local)
	p.SetPieceCount(1)

	go func() {
		protocol.WriteMessage(remote, protocol.MessageUnchoke())
		protocol.WriteMessage(remote, protocol.MessageHave(0))
	}()

	m, err := p.ReadMessage(0)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.ID != protocol.Unchoke {
		t.Fatalf("got %v, want Unchoke", m.ID)
	}
	if p.PeerChoking() {
		t.Fatal("PeerChoking must already be false once ReadMessage returns UNCHOKE")
	}

	m, err = p.ReadMessage(0)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m.ID != protocol.Have {
		t.Fatalf("got %v, want Have", m.ID)
	}
	if !p.Pieces().Has(0) {
		t.Fatal("pieces must already be updated once ReadMessage returns HAVE")
	}
}

func TestReadMessage_KeepAliveReturnsNil(t *testing.T) {
	local, remote := net.Pipe()
	defer local.Close()

	p := newTestPeer(t, local)

	go protocol.WriteMessage(remote, nil)

	m, err := p.ReadMessage(0)
	if err != nil {
		t.Fatalf("ReadMessage: %v", err)
	}
	if m != nil {
		t.Fatalf("expected nil for keep-alive, got %v", m)
	}
}
