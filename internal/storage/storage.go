// Package storage materialises verified pieces onto disk, slicing the
// logical single concatenated byte stream of a torrent's content across
// one file (single-file layout) or many (multi-file layout).
package storage

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/pkg/errors"
	"github.com/prxssh/rabbit/internal/meta"
)

// ErrUnsafePath is returned when a torrent's file list contains a path
// segment that would escape the configured download directory ("..") or
// that names an absolute path.
var ErrUnsafePath = errors.New("storage: unsafe path in torrent file list")

type fileSpan struct {
	f      *os.File
	path   string
	start  int64 // absolute offset of this file's first byte in the logical stream
	length int64
}

// Store maps the logical piece stream of a Metainfo onto one or more files
// under a download directory.
type Store struct {
	downloadDir string
	pieceLen    uint32
	totalSize   int64
	files       []fileSpan
}

// Open creates (or truncates to size) every file described by m under
// downloadDir and returns a Store ready to read and write pieces.
func Open(m *meta.Metainfo, downloadDir string) (*Store, error) {
	s := &Store{
		downloadDir: downloadDir,
		pieceLen:    uint32(m.Info.PieceLength),
		totalSize:   m.Size(),
	}

	if len(m.Info.Files) == 0 {
		if err := validatePathSegments([]string{m.Info.Name}); err != nil {
			return nil, err
		}
		path := filepath.Join(downloadDir, m.Info.Name)
		f, err := createFile(path, m.Info.Length)
		if err != nil {
			return nil, err
		}
		s.files = append(s.files, fileSpan{f: f, path: path, start: 0, length: m.Info.Length})
		return s, nil
	}

	var offset int64
	for _, entry := range m.Info.Files {
		segments := append([]string{m.Info.Name}, entry.Path...)
		if err := validatePathSegments(segments); err != nil {
			return nil, err
		}

		path := filepath.Join(downloadDir, filepath.Join(segments...))
		f, err := createFile(path, entry.Length)
		if err != nil {
			return nil, err
		}
		s.files = append(s.files, fileSpan{f: f, path: path, start: offset, length: entry.Length})
		offset += entry.Length
	}

	return s, nil
}

func validatePathSegments(segments []string) error {
	for _, seg := range segments {
		if seg == "" || seg == "." || seg == ".." || filepath.IsAbs(seg) {
			return errors.Wrapf(ErrUnsafePath, "segment %q", seg)
		}
		if strings.ContainsRune(seg, os.PathSeparator) {
			return errors.Wrapf(ErrUnsafePath, "segment %q contains a path separator", seg)
		}
	}
	return nil
}

func createFile(path string, size int64) (*os.File, error) {
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, errors.Wrapf(err, "storage: mkdir for %s", path)
	}
	f, err := os.OpenFile(path, os.O_RDWR|os.O_CREATE, 0o644)
	if err != nil {
		return nil, errors.Wrapf(err, "storage: open %s", path)
	}
	if err := f.Truncate(size); err != nil {
		f.Close()
		return nil, errors.Wrapf(err, "storage: truncate %s to %d", path, size)
	}
	return f, nil
}

// WritePiece writes the verified bytes of piece index (whose first byte
// sits at absolute offset index*pieceLen in the logical stream) across
// every file span it overlaps.
func (s *Store) WritePiece(index int, data []byte) error {
	pieceStart := int64(index) * int64(s.pieceLen)
	pieceEnd := pieceStart + int64(len(data))

	for _, fs := range s.files {
		fileEnd := fs.start + fs.length
		overlapStart := max64(pieceStart, fs.start)
		overlapEnd := min64(pieceEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		dataOff := overlapStart - pieceStart
		fileOff := overlapStart - fs.start
		n := overlapEnd - overlapStart

		if _, err := fs.f.WriteAt(data[dataOff:dataOff+n], fileOff); err != nil {
			return errors.Wrapf(err, "storage: write to %s at %d", fs.path, fileOff)
		}
	}

	return nil
}

// ReadPiece reads length bytes starting at the piece index's absolute
// offset in the logical stream, across every file span it overlaps.
func (s *Store) ReadPiece(index int, length uint32) ([]byte, error) {
	pieceStart := int64(index) * int64(s.pieceLen)
	pieceEnd := pieceStart + int64(length)

	out := make([]byte, length)
	for _, fs := range s.files {
		fileEnd := fs.start + fs.length
		overlapStart := max64(pieceStart, fs.start)
		overlapEnd := min64(pieceEnd, fileEnd)
		if overlapStart >= overlapEnd {
			continue
		}

		dataOff := overlapStart - pieceStart
		fileOff := overlapStart - fs.start
		n := overlapEnd - overlapStart

		if _, err := fs.f.ReadAt(out[dataOff:dataOff+n], fileOff); err != nil {
			return nil, errors.Wrapf(err, "storage: read from %s at %d", fs.path, fileOff)
		}
	}

	return out, nil
}

// Close closes every underlying file.
func (s *Store) Close() error {
	var firstErr error
	for _, fs := range s.files {
		if err := fs.f.Close(); err != nil && firstErr == nil {
			firstErr = fmt.Errorf("storage: close %s: %w", fs.path, err)
		}
	}
	return firstErr
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

func min64(a, b int64) int64 {
	if a < b {
		return a
	}
	return b
}
