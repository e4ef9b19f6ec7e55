package protocol

import (
	"bytes"
	"errors"
	"fmt"
	"io"
)

const (
	btProtocol = "BitTorrent protocol"
	reservedN  = 8
)

var (
	// ErrProtocolMismatch is returned when the remote's handshake does not
	// identify itself as speaking the BitTorrent protocol.
	ErrProtocolMismatch = errors.New("protocol: pstr mismatch")
	// ErrBadPstrlen is returned when the handshake's pstrlen byte is zero,
	// or when marshalling a Pstr that is empty or longer than 255 bytes.
	ErrBadPstrlen = errors.New("protocol: bad pstrlen")
	// ErrShortHandshake is returned by UnmarshalBinary when data is shorter
	// than the handshake its pstrlen byte implies. Reading from a stream
	// that ends early returns the underlying io error instead.
	ErrShortHandshake = errors.New("protocol: short handshake")
	// ErrInfoHashMismatch is returned when the remote's info_hash does not
	// match the one we announced for.
	ErrInfoHashMismatch = errors.New("protocol: info_hash mismatch")
)

// Handshake is the 68-byte (for the standard pstr) message that opens every
// peer connection.
type Handshake struct {
	Pstr     string
	Reserved [reservedN]byte
	InfoHash [20]byte
	PeerID   [20]byte
}

var (
	_ io.WriterTo   = (*Handshake)(nil)
	_ io.ReaderFrom = (*Handshake)(nil)
)

// NewHandshake builds a standard-protocol handshake for the given
// info_hash/peer_id.
func NewHandshake(infoHash, peerID [20]byte) Handshake {
	return Handshake{
		Pstr:     btProtocol,
		InfoHash: infoHash,
		PeerID:   peerID,
	}
}

// MarshalBinary encodes h in wire form.
func (h *Handshake) MarshalBinary() ([]byte, error) {
	if len(h.Pstr) == 0 || len(h.Pstr) > 255 {
		return nil, ErrBadPstrlen
	}

	buf := make([]byte, 0, 1+len(h.Pstr)+reservedN+20+20)
	buf = append(buf, byte(len(h.Pstr)))
	buf = append(buf, h.Pstr...)
	buf = append(buf, h.Reserved[:]...)
	buf = append(buf, h.InfoHash[:]...)
	buf = append(buf, h.PeerID[:]...)
	return buf, nil
}

// UnmarshalBinary decodes a handshake from data.
func (h *Handshake) UnmarshalBinary(data []byte) error {
	if len(data) < 1 {
		return ErrShortHandshake
	}
	pstrlen := int(data[0])
	if pstrlen == 0 {
		return ErrBadPstrlen
	}

	want := 1 + pstrlen + reservedN + 20 + 20
	if len(data) < want {
		return ErrShortHandshake
	}

	off := 1
	h.Pstr = string(data[off : off+pstrlen])
	off += pstrlen
	copy(h.Reserved[:], data[off:off+reservedN])
	off += reservedN
	copy(h.InfoHash[:], data[off:off+20])
	off += 20
	copy(h.PeerID[:], data[off:off+20])
	return nil
}

// WriteTo writes h's wire form to w.
func (h *Handshake) WriteTo(w io.Writer) (int64, error) {
	buf, err := h.MarshalBinary()
	if err != nil {
		return 0, err
	}
	n, err := w.Write(buf)
	return int64(n), err
}

// ReadFrom reads a complete handshake from r.
func (h *Handshake) ReadFrom(r io.Reader) (int64, error) {
	var lenByte [1]byte
	if _, err := io.ReadFull(r, lenByte[:]); err != nil {
		return 0, err
	}
	pstrlen := int(lenByte[0])
	if pstrlen == 0 {
		return 1, ErrBadPstrlen
	}

	rest := make([]byte, pstrlen+reservedN+20+20)
	n, err := io.ReadFull(r, rest)
	if err != nil {
		return int64(1 + n), err
	}

	h.Pstr = string(rest[:pstrlen])
	off := pstrlen
	copy(h.Reserved[:], rest[off:off+reservedN])
	off += reservedN
	copy(h.InfoHash[:], rest[off:off+20])
	off += 20
	copy(h.PeerID[:], rest[off:off+20])
	return int64(1 + n), nil
}

// ReadHandshake reads a complete handshake from r.
func ReadHandshake(r io.Reader) (Handshake, error) {
	var h Handshake
	_, err := h.ReadFrom(r)
	return h, err
}

// WriteHandshake writes h to w.
func WriteHandshake(w io.Writer, h Handshake) error {
	_, err := h.WriteTo(w)
	return err
}

// Exchange writes h to rw, reads the remote's handshake back, and validates
// its protocol string. When verifyInfoHash is true it also validates that
// the remote announced the same info_hash; peer_id is never validated here
// (a peer is free to use whatever peer_id it likes once the info_hash
// matches).
func Exchange(rw io.ReadWriter, h Handshake, verifyInfoHash bool) (Handshake, error) {
	if err := WriteHandshake(rw, h); err != nil {
		return Handshake{}, fmt.Errorf("protocol: write handshake: %w", err)
	}

	peer, err := ReadHandshake(rw)
	if err != nil {
		return Handshake{}, fmt.Errorf("protocol: read handshake: %w", err)
	}

	if peer.Pstr != btProtocol {
		return Handshake{}, fmt.Errorf("%w: got %q", ErrProtocolMismatch, peer.Pstr)
	}
	if verifyInfoHash && !bytes.Equal(peer.InfoHash[:], h.InfoHash[:]) {
		return Handshake{}, ErrInfoHashMismatch
	}

	return peer, nil
}
