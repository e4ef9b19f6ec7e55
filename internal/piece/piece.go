// Package piece implements single-owner, first-fit piece selection and
// block assembly: each piece is downloaded whole by exactly one worker at a
// time, verified by SHA-1 digest, and handed back to storage on success.
package piece

import (
	"crypto/sha1"
	"fmt"
	"sync"

	"github.com/prxssh/rabbit/internal/bitfield"
)

// BlockRequest is one (offset, length) window of a piece to request from a
// peer.
type BlockRequest struct {
	Begin  uint32
	Length uint32
}

type pending struct {
	length  uint32
	hash    [20]byte
	blocks  map[uint32][]byte // begin -> data
	filled  uint32            // bytes received so far
}

// Manager tracks which pieces are held, which are being assembled, and
// verifies each piece's content against its expected digest before
// accepting it.
type Manager struct {
	mut sync.Mutex

	pieceLen   uint32
	totalSize  uint64
	pieceCount uint32
	hashes     [][20]byte

	have      bitfield.Bitfield
	pending   map[int]*pending
	completed map[int][]byte // assembled bytes of pieces awaiting PieceBytes
}

// NewManager builds a Manager for a torrent whose pieces are hashed in
// hashes (20 bytes each, in piece-index order).
func NewManager(totalSize uint64, pieceLen uint32, hashes [][20]byte) *Manager {
	count := uint32(len(hashes))
	return &Manager{
		pieceLen:   pieceLen,
		totalSize:  totalSize,
		pieceCount: count,
		hashes:     hashes,
		have:       bitfield.New(int(count)),
		pending:    make(map[int]*pending),
		completed:  make(map[int][]byte),
	}
}

// PieceCount returns the number of pieces in the torrent.
func (m *Manager) PieceCount() uint32 {
	return m.pieceCount
}

// HaveBitfield returns a copy of the locally-held piece set, suitable for
// sending as a BITFIELD message.
func (m *Manager) HaveBitfield() bitfield.Bitfield {
	m.mut.Lock()
	defer m.mut.Unlock()
	return m.have.Clone()
}

// BytesCompleted sums the actual length of every locally-held piece,
// accounting for the final piece being shorter than pieceLen; a flat
// count*pieceLen multiply overcounts once that piece is held.
func (m *Manager) BytesCompleted() uint64 {
	m.mut.Lock()
	defer m.mut.Unlock()

	var total uint64
	for i := 0; i < int(m.pieceCount); i++ {
		if !m.have.Has(i) {
			continue
		}
		length, ok := PieceLengthAt(i, m.pieceCount, m.totalSize, m.pieceLen)
		if !ok {
			continue
		}
		total += uint64(length)
	}
	return total
}

// Complete reports whether every piece has been downloaded and verified.
func (m *Manager) Complete() bool {
	m.mut.Lock()
	defer m.mut.Unlock()
	return uint32(m.have.Count()) == m.pieceCount
}

// NextPieceFor returns the smallest piece index that we don't already
// have, the peer advertises in peerPieces, and that isn't already being
// assembled by another worker. The returned piece is immediately marked
// in-progress so concurrent callers never receive the same index.
func (m *Manager) NextPieceFor(peerPieces bitfield.Bitfield) (int, bool) {
	m.mut.Lock()
	defer m.mut.Unlock()

	for i := 0; i < int(m.pieceCount); i++ {
		if m.have.Has(i) {
			continue
		}
		if _, inProgress := m.pending[i]; inProgress {
			continue
		}
		if !peerPieces.Has(i) {
			continue
		}

		length, ok := PieceLengthAt(i, m.pieceCount, m.totalSize, m.pieceLen)
		if !ok {
			continue
		}
		m.pending[i] = &pending{
			length: length,
			hash:   m.hashes[i],
			blocks: make(map[uint32][]byte),
		}
		return i, true
	}

	return 0, false
}

// InitPieceDownload returns the block requests needed to fetch the full
// content of the piece at index, which must already be in-progress (a
// prior call to NextPieceFor must have returned it).
func (m *Manager) InitPieceDownload(index int) ([]BlockRequest, error) {
	m.mut.Lock()
	p, ok := m.pending[index]
	m.mut.Unlock()
	if !ok {
		return nil, fmt.Errorf("piece: index %d is not in progress", index)
	}

	bounds := BlockBounds(p.length)
	reqs := make([]BlockRequest, 0, len(bounds))
	for _, b := range bounds {
		reqs = append(reqs, BlockRequest{Begin: b.Begin, Length: b.Length})
	}
	return reqs, nil
}

// AddBlock stores a received block for the piece at index. If the piece is
// not currently in-progress, or this begin was already received, the call
// is silently ignored (accepted=false, no error, no effect) — this happens
// naturally when a duplicate or late PIECE message arrives for a piece
// another worker already finished or abandoned, or when a peer resends a
// block. Callers use accepted to know whether this call actually consumed
// one of their outstanding requests.
//
// Once every block of the piece has been received, the assembled bytes are
// hashed and compared against the expected digest. On a match the piece is
// marked held and complete is true. On a mismatch the pending entry is
// discarded so the piece reverts to absent and is immediately
// re-selectable by any worker; this is reported via a returned
// DigestMismatch error that callers must treat as non-fatal (§7).
func (m *Manager) AddBlock(index int, begin uint32, data []byte) (complete, accepted bool, err error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	p, ok := m.pending[index]
	if !ok {
		return false, false, nil
	}
	if _, dup := p.blocks[begin]; dup {
		return false, false, nil
	}

	blockIdx := BlockIndexForBegin(begin, MaxBlockLength)
	if uint32(blockIdx) >= BlocksInPiece(p.length) {
		return false, false, nil
	}
	wantBegin, wantLength := BlockOffsetBounds(blockIdx, p.length, MaxBlockLength)
	if begin != wantBegin || uint32(len(data)) != wantLength {
		// Doesn't land on a real block boundary for this piece, or is the
		// wrong size for it: reject before storing so a malformed response
		// can never permanently occupy this begin slot.
		return false, false, nil
	}

	buf := make([]byte, len(data))
	copy(buf, data)
	p.blocks[begin] = buf
	p.filled += uint32(len(data))

	if p.filled < p.length {
		return false, true, nil
	}

	assembled := make([]byte, 0, p.length)
	for _, b := range BlockBounds(p.length) {
		block, ok := p.blocks[b.Begin]
		if !ok || uint32(len(block)) != b.Length {
			// Not every block has actually arrived yet despite the byte
			// count matching (can't happen with well-formed peers, but
			// guards against a miscounted duplicate).
			return false, true, nil
		}
		assembled = append(assembled, block...)
	}

	digest := sha1.Sum(assembled)
	if digest != p.hash {
		delete(m.pending, index)
		return false, true, &DigestMismatch{Index: index}
	}

	delete(m.pending, index)
	m.have.Set(index)
	m.completed[index] = assembled
	return true, true, nil
}

// PieceBytes returns and clears the assembled bytes of a piece that just
// completed (complete=true from AddBlock), for the caller to persist to
// storage. It is an error to call this for an index that hasn't just
// completed.
func (m *Manager) PieceBytes(index int) ([]byte, error) {
	m.mut.Lock()
	defer m.mut.Unlock()

	data, ok := m.completed[index]
	if !ok {
		return nil, fmt.Errorf("piece: no completed bytes buffered for index %d", index)
	}
	delete(m.completed, index)
	return data, nil
}

// Abandon clears the pending entry for a piece whose download was aborted
// by timeout or peer disconnect, making it immediately re-selectable by any
// worker.
func (m *Manager) Abandon(index int) {
	m.mut.Lock()
	defer m.mut.Unlock()
	delete(m.pending, index)
}

// DigestMismatch reports that an assembled piece failed SHA-1 verification.
// It is never treated as a fatal torrent-level error; the piece manager
// simply reverts the piece to absent.
type DigestMismatch struct {
	Index int
}

func (e *DigestMismatch) Error() string {
	return fmt.Sprintf("piece: digest mismatch at index %d", e.Index)
}
