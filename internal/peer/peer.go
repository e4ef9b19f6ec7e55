// Package peer implements a single peer-wire session: dialing, the
// handshake, and synchronous message send/receive used by the downloader's
// one-worker-per-peer loop.
package peer

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/netip"
	"sync"
	"sync/atomic"
	"time"

	"github.com/google/uuid"

	"github.com/prxssh/rabbit/internal/bitfield"
	"github.com/prxssh/rabbit/internal/protocol"
)

const (
	maskAmChoking uint32 = 1 << iota
	maskAmInterested
	maskPeerChoking
	maskPeerInterested
)

// ErrUnreachable is returned when a peer could not be dialed within the
// configured timeout.
var ErrUnreachable = errors.New("peer: unreachable")

// ErrHandshakeRejected is returned when the remote's handshake failed
// protocol or info_hash validation.
var ErrHandshakeRejected = errors.New("peer: handshake rejected")

// Stats holds atomic counters describing a session's traffic.
type Stats struct {
	Downloaded atomic.Uint64
	MessagesRx atomic.Uint64
	MessagesTx atomic.Uint64
	Errors     atomic.Uint64
}

// Peer is one live connection to a remote BitTorrent client. Exactly one
// goroutine (the downloader worker assigned to it) is expected to read
// from and write to a Peer at a time; no internal locking protects Send*/
// ReadMessage against concurrent callers by design, matching the
// single-owner invariant the rest of this module relies on.
type Peer struct {
	ID   string
	Addr netip.AddrPort
	log  *slog.Logger
	conn net.Conn

	state uint32 // mask bits above, via CompareAndSwap loop

	piecesMu sync.RWMutex
	pieces   bitfield.Bitfield

	stats      Stats
	lastActive atomic.Int64 // unix nanos of the last successful read or write

	closeOnce sync.Once
	closed    chan struct{}
}

// Dial connects to addr, exchanges handshakes, and returns a live Peer. The
// handshake's info_hash is validated against infoHash; peer_id is not.
func Dial(ctx context.Context, addr netip.AddrPort, dialTimeout time.Duration, infoHash, ourPeerID [20]byte, log *slog.Logger) (*Peer, error) {
	dialer := net.Dialer{Timeout: dialTimeout}
	conn, err := dialer.DialContext(ctx, "tcp", addr.String())
	if err != nil {
		return nil, fmt.Errorf("%w: %s: %v", ErrUnreachable, addr, err)
	}

	ours := protocol.NewHandshake(infoHash, ourPeerID)
	if _, err := protocol.Exchange(conn, ours, true); err != nil {
		conn.Close()
		return nil, fmt.Errorf("%w: %v", ErrHandshakeRejected, err)
	}

	return New(conn, addr, log), nil
}

// New wraps an already-established, already-handshaken connection as a
// Peer session. Dial is the normal way to obtain one; New is exposed
// directly for callers that manage the handshake themselves (tests, or a
// future inbound listener).
func New(conn net.Conn, addr netip.AddrPort, log *slog.Logger) *Peer {
	p := &Peer{
		ID:     uuid.NewString(),
		Addr:   addr,
		log:    log.With("peer", addr.String()),
		conn:   conn,
		state:  maskAmChoking | maskPeerChoking,
		closed: make(chan struct{}),
	}
	p.lastActive.Store(time.Now().UnixNano())
	return p
}

// SetPieceCount sizes the peer's advertised-piece bitfield; must be called
// before any HAVE/BITFIELD message is processed.
func (p *Peer) SetPieceCount(n int) {
	p.piecesMu.Lock()
	defer p.piecesMu.Unlock()
	p.pieces = bitfield.New(n)
}

// Pieces returns a copy of the peer's currently-advertised piece set, or
// nil if no BITFIELD/HAVE has arrived yet.
func (p *Peer) Pieces() bitfield.Bitfield {
	p.piecesMu.RLock()
	defer p.piecesMu.RUnlock()
	if p.pieces == nil {
		return nil
	}
	return p.pieces.Clone()
}

func (p *Peer) getState(mask uint32) bool {
	return atomic.LoadUint32(&p.state)&mask != 0
}

func (p *Peer) setState(mask uint32, on bool) {
	for {
		old := atomic.LoadUint32(&p.state)
		var next uint32
		if on {
			next = old | mask
		} else {
			next = old &^ mask
		}
		if atomic.CompareAndSwapUint32(&p.state, old, next) {
			return
		}
	}
}

func (p *Peer) AmChoking() bool      { return p.getState(maskAmChoking) }
func (p *Peer) AmInterested() bool   { return p.getState(maskAmInterested) }
func (p *Peer) PeerChoking() bool    { return p.getState(maskPeerChoking) }
func (p *Peer) PeerInterested() bool { return p.getState(maskPeerInterested) }

// ReadMessage reads a single message with the given deadline (0 disables
// the deadline). A keep-alive is reported as (nil, nil). State updates
// (choke/interest/pieces) are applied before the message is returned to
// the caller, so PeerChoking/Pieces always reflect what the just-returned
// message implies.
func (p *Peer) ReadMessage(deadline time.Duration) (*protocol.Message, error) {
	if deadline > 0 {
		p.conn.SetReadDeadline(time.Now().Add(deadline))
	}

	m, err := protocol.ReadMessage(p.conn)
	if err != nil {
		p.stats.Errors.Add(1)
		return nil, err
	}
	p.lastActive.Store(time.Now().UnixNano())
	if protocol.IsKeepAlive(m) {
		return nil, nil
	}

	p.stats.MessagesRx.Add(1)
	p.applyIncomingState(m)
	return m, nil
}

// LastActive reports when this peer last produced a successful read or
// write, for idle-session eviction. New starts it at the session's creation
// time; it is zero only for a Peer not built by New.
func (p *Peer) LastActive() time.Time {
	nanos := p.lastActive.Load()
	if nanos == 0 {
		return time.Time{}
	}
	return time.Unix(0, nanos)
}

// applyIncomingState updates choke/interest/pieces state from an incoming
// message, before it is handed back to the caller of ReadMessage.
func (p *Peer) applyIncomingState(m *protocol.Message) {
	switch m.ID {
	case protocol.Choke:
		p.setState(maskPeerChoking, true)
	case protocol.Unchoke:
		p.setState(maskPeerChoking, false)
	case protocol.Interested:
		p.setState(maskPeerInterested, true)
	case protocol.NotInterested:
		p.setState(maskPeerInterested, false)
	case protocol.Have:
		idx, err := protocol.ParseHave(m)
		if err != nil {
			return
		}
		p.piecesMu.Lock()
		if p.pieces != nil {
			p.pieces.Set(int(idx))
		}
		p.piecesMu.Unlock()
	case protocol.Bitfield:
		p.piecesMu.Lock()
		p.pieces = bitfield.FromBytes(append([]byte(nil), m.Payload...))
		p.piecesMu.Unlock()
	case protocol.Piece:
		_, _, block, err := protocol.ParsePiece(m)
		if err == nil {
			p.stats.Downloaded.Add(uint64(len(block)))
		}
	}
}

func (p *Peer) send(m *protocol.Message) error {
	if err := protocol.WriteMessage(p.conn, m); err != nil {
		p.stats.Errors.Add(1)
		return err
	}
	p.lastActive.Store(time.Now().UnixNano())
	p.stats.MessagesTx.Add(1)
	return nil
}

// SendInterested sends INTERESTED, unless we already told this peer so; a
// worker calls this once per piece over the peer's lifetime, and resending
// it every time would just be wasted writes once interest is steady-state.
func (p *Peer) SendInterested() error {
	if p.AmInterested() {
		return nil
	}
	p.setState(maskAmInterested, true)
	return p.send(protocol.MessageInterested())
}

// SendNotInterested sends NOT_INTERESTED, unless we already told this peer
// so.
func (p *Peer) SendNotInterested() error {
	if !p.AmInterested() {
		return nil
	}
	p.setState(maskAmInterested, false)
	return p.send(protocol.MessageNotInterested())
}

func (p *Peer) SendRequest(index, begin, length uint32) error {
	return p.send(protocol.MessageRequest(index, begin, length))
}

func (p *Peer) SendCancel(index, begin, length uint32) error {
	return p.send(protocol.MessageCancel(index, begin, length))
}

// StatsSnapshot returns a point-in-time snapshot of the session's traffic
// counters.
func (p *Peer) StatsSnapshot() (downloaded, rx, tx, errs uint64) {
	return p.stats.Downloaded.Load(), p.stats.MessagesRx.Load(), p.stats.MessagesTx.Load(), p.stats.Errors.Load()
}

// Close tears down the connection. Safe to call more than once.
func (p *Peer) Close() error {
	var err error
	p.closeOnce.Do(func() {
		close(p.closed)
		err = p.conn.Close()
	})
	return err
}
