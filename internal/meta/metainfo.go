// Package meta parses .torrent metainfo files into a structured Metainfo,
// including computation of the canonical info-hash.
package meta

import (
	"crypto/sha1"
	"errors"
	"fmt"

	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/cast"
)

var (
	ErrTopLevelNotDict     = errors.New("meta: top-level value is not a dictionary")
	ErrAnnounceMissing     = errors.New("meta: announce key missing")
	ErrInfoMissing         = errors.New("meta: info key missing")
	ErrInfoNotDict         = errors.New("meta: info value is not a dictionary")
	ErrNameMissing         = errors.New("meta: info.name missing")
	ErrPieceLenMissing     = errors.New("meta: info.piece length missing")
	ErrPieceLenNonPositive = errors.New("meta: info.piece length must be positive")
	ErrPiecesMissing       = errors.New("meta: info.pieces missing")
	ErrPiecesLenInvalid    = errors.New("meta: info.pieces length is not a multiple of 20")
	ErrLayoutInvalid       = errors.New("meta: info must have exactly one of length or files")
	ErrCreationDateInvalid = errors.New("meta: creation date is not an integer")
)

// File describes one entry of a multi-file torrent's file list.
type File struct {
	Length int64    `json:"length"`
	Path   []string `json:"path"`
}

// Info is the decoded "info" sub-dictionary, the part whose canonical
// bencoded form is hashed to produce the torrent's info-hash.
type Info struct {
	Name        string `json:"name"`
	PieceLength int64  `json:"piece_length"`
	Pieces      []byte `json:"-"`
	Private     bool   `json:"private,omitempty"`

	// Single-file layout.
	Length int64 `json:"length,omitempty"`

	// Multi-file layout.
	Files []File `json:"files,omitempty"`
}

// Size returns the torrent's total content size in bytes, regardless of
// layout.
func (i *Info) Size() int64 {
	if len(i.Files) > 0 {
		var total int64
		for _, f := range i.Files {
			total += f.Length
		}
		return total
	}
	return i.Length
}

// Metainfo is a fully parsed .torrent file.
type Metainfo struct {
	Announce     string     `json:"announce"`
	AnnounceList [][]string `json:"announce_list,omitempty"`
	CreationDate int64      `json:"creation_date,omitempty"`
	CreatedBy    string     `json:"created_by,omitempty"`
	Comment      string     `json:"comment,omitempty"`
	Encoding     string     `json:"encoding,omitempty"`

	Info     Info     `json:"info"`
	InfoHash [20]byte `json:"-"`
}

// Size returns the torrent's total content size in bytes.
func (m *Metainfo) Size() int64 {
	return m.Info.Size()
}

// ParseMetainfo parses the raw bytes of a .torrent file.
func ParseMetainfo(data []byte) (*Metainfo, error) {
	decoded, err := bencode.Unmarshal(data)
	if err != nil {
		return nil, fmt.Errorf("meta: decode: %w", err)
	}

	top, ok := decoded.(map[string]any)
	if !ok {
		return nil, ErrTopLevelNotDict
	}

	announce, err := cast.ToString(top["announce"])
	if err != nil {
		return nil, ErrAnnounceMissing
	}

	m := &Metainfo{Announce: announce}

	if al, ok := top["announce-list"]; ok {
		tiers, err := cast.ToTieredStrings(al)
		if err == nil {
			m.AnnounceList = tiers
		}
	}

	m.CreationDate, err = parseCreationDate(top["creation date"])
	if err != nil {
		return nil, err
	}
	m.CreatedBy, _ = parseOptionalString(top["created by"])
	m.Comment, _ = parseOptionalString(top["comment"])
	m.Encoding, _ = parseOptionalString(top["encoding"])

	infoRaw, ok := top["info"]
	if !ok {
		return nil, ErrInfoMissing
	}
	infoDict, ok := infoRaw.(map[string]any)
	if !ok {
		return nil, ErrInfoNotDict
	}

	info, err := parseInfo(infoDict)
	if err != nil {
		return nil, err
	}
	m.Info = *info

	hash, err := infoHash(infoDict)
	if err != nil {
		return nil, err
	}
	m.InfoHash = hash

	return m, nil
}

func parseInfo(dict map[string]any) (*Info, error) {
	name, err := cast.ToString(dict["name"])
	if err != nil {
		return nil, ErrNameMissing
	}

	pieceLenRaw, ok := dict["piece length"]
	if !ok {
		return nil, ErrPieceLenMissing
	}
	pieceLen, err := cast.ToInt(pieceLenRaw)
	if err != nil {
		return nil, ErrPieceLenMissing
	}
	if pieceLen <= 0 {
		return nil, ErrPieceLenNonPositive
	}

	piecesRaw, ok := dict["pieces"]
	if !ok {
		return nil, ErrPiecesMissing
	}
	pieces, err := cast.ToBytes(piecesRaw)
	if err != nil {
		return nil, ErrPiecesMissing
	}
	if len(pieces)%20 != 0 {
		return nil, ErrPiecesLenInvalid
	}

	private := false
	if p, ok := dict["private"]; ok {
		if n, err := cast.ToInt(p); err == nil && n != 0 {
			private = true
		}
	}

	info := &Info{
		Name:        name,
		PieceLength: int64(pieceLen),
		Pieces:      pieces,
		Private:     private,
	}

	_, hasLength := dict["length"]
	_, hasFiles := dict["files"]

	switch {
	case hasLength && hasFiles:
		return nil, ErrLayoutInvalid
	case hasLength:
		length, err := cast.ToInt(dict["length"])
		if err != nil {
			return nil, fmt.Errorf("meta: info.length: %w", err)
		}
		info.Length = int64(length)
	case hasFiles:
		files, err := parseFiles(dict["files"])
		if err != nil {
			return nil, err
		}
		info.Files = files
	default:
		return nil, ErrLayoutInvalid
	}

	return info, nil
}

func parseFiles(v any) ([]File, error) {
	items, ok := v.([]any)
	if !ok {
		return nil, fmt.Errorf("meta: info.files: %w", ErrLayoutInvalid)
	}

	files := make([]File, 0, len(items))
	for _, item := range items {
		entry, ok := item.(map[string]any)
		if !ok {
			return nil, fmt.Errorf("meta: info.files entry is not a dictionary")
		}

		length, err := cast.ToInt(entry["length"])
		if err != nil {
			return nil, fmt.Errorf("meta: info.files entry length: %w", err)
		}
		path, err := cast.ToStringSlice(entry["path"])
		if err != nil {
			return nil, fmt.Errorf("meta: info.files entry path: %w", err)
		}

		files = append(files, File{Length: int64(length), Path: path})
	}

	return files, nil
}

func parseOptionalString(v any) (string, error) {
	if v == nil {
		return "", nil
	}
	return cast.ToString(v)
}

func parseCreationDate(v any) (int64, error) {
	if v == nil {
		return 0, nil
	}
	n, err := cast.ToInt(v)
	if err != nil {
		return 0, ErrCreationDateInvalid
	}
	return int64(n), nil
}

// infoHash computes the SHA-1 digest of the canonical bencoded re-encoding
// of the info dictionary. Re-encoding (rather than hashing the original
// byte range) is what makes this stable across arbitrary source key order,
// matching Marshal's sorted-key canonical form.
func infoHash(info map[string]any) ([20]byte, error) {
	enc, err := bencode.Marshal(info)
	if err != nil {
		return [20]byte{}, fmt.Errorf("meta: re-encode info: %w", err)
	}
	return sha1.Sum(enc), nil
}
