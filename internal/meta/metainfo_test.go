package meta

import (
	"encoding/hex"
	"errors"
	"testing"
)

func singleFileTorrentBytes() []byte {
	return []byte("d8:announce16:http://tracker.x4:infod6:lengthi11e4:name8:file.txt12:piece lengthi4e6:pieces40:" +
		string(make20(2)) + "ee")
}

func make20(n int) []byte {
	return make([]byte, 20*n)
}

func TestParseMetainfo_SingleFile(t *testing.T) {
	m, err := ParseMetainfo(singleFileTorrentBytes())
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}

	if m.Announce != "http://tracker.x" {
		t.Fatalf("Announce = %q", m.Announce)
	}
	if m.Info.Name != "file.txt" {
		t.Fatalf("Name = %q", m.Info.Name)
	}
	if m.Info.PieceLength != 4 {
		t.Fatalf("PieceLength = %d", m.Info.PieceLength)
	}
	if m.Info.Length != 11 {
		t.Fatalf("Length = %d", m.Info.Length)
	}
	if m.Size() != 11 {
		t.Fatalf("Size() = %d", m.Size())
	}
	if len(m.Info.Files) != 0 {
		t.Fatalf("expected no Files in single-file layout, got %v", m.Info.Files)
	}
}

func TestParseMetainfo_MultiFile(t *testing.T) {
	raw := "d8:announce16:http://tracker.x4:infod5:filesld6:lengthi5e4:pathl1:a1:beed6:lengthi7e4:pathl1:ceee" +
		"4:name7:bundle/12:piece lengthi4e6:pieces40:" + string(make20(2)) + "ee"

	m, err := ParseMetainfo([]byte(raw))
	if err != nil {
		t.Fatalf("ParseMetainfo: %v", err)
	}

	if len(m.Info.Files) != 2 {
		t.Fatalf("Files = %v, want 2 entries", m.Info.Files)
	}
	if m.Size() != 12 {
		t.Fatalf("Size() = %d, want 12", m.Size())
	}
}

func TestParseMetainfo_MissingAnnounce(t *testing.T) {
	raw := "d4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces20:" + string(make20(1)) + "ee"
	_, err := ParseMetainfo([]byte(raw))
	if !errors.Is(err, ErrAnnounceMissing) {
		t.Fatalf("want ErrAnnounceMissing, got %v", err)
	}
}

func TestParseMetainfo_AmbiguousLayout(t *testing.T) {
	raw := "d8:announce1:x4:infod6:lengthi1e5:filesle4:name1:a12:piece lengthi1e6:pieces20:" + string(make20(1)) + "ee"
	_, err := ParseMetainfo([]byte(raw))
	if !errors.Is(err, ErrLayoutInvalid) {
		t.Fatalf("want ErrLayoutInvalid, got %v", err)
	}
}

func TestParseMetainfo_NoLayout(t *testing.T) {
	raw := "d8:announce1:x4:infod4:name1:a12:piece lengthi1e6:pieces20:" + string(make20(1)) + "ee"
	_, err := ParseMetainfo([]byte(raw))
	if !errors.Is(err, ErrLayoutInvalid) {
		t.Fatalf("want ErrLayoutInvalid, got %v", err)
	}
}

func TestParseMetainfo_InvalidPiecesLength(t *testing.T) {
	raw := "d8:announce1:x4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces3:abcee"
	_, err := ParseMetainfo([]byte(raw))
	if !errors.Is(err, ErrPiecesLenInvalid) {
		t.Fatalf("want ErrPiecesLenInvalid, got %v", err)
	}
}

func TestParseMetainfo_NonPositivePieceLength(t *testing.T) {
	raw := "d8:announce1:x4:infod6:lengthi1e4:name1:a12:piece lengthi0e6:pieces20:" + string(make20(1)) + "ee"
	_, err := ParseMetainfo([]byte(raw))
	if !errors.Is(err, ErrPieceLenNonPositive) {
		t.Fatalf("want ErrPieceLenNonPositive, got %v", err)
	}
}

func TestParseMetainfo_TopLevelNotDict(t *testing.T) {
	_, err := ParseMetainfo([]byte("i1e"))
	if !errors.Is(err, ErrTopLevelNotDict) {
		t.Fatalf("want ErrTopLevelNotDict, got %v", err)
	}
}

func TestInfoHash_StableAcrossKeyOrder(t *testing.T) {
	a, err := ParseMetainfo([]byte("d8:announce1:x4:infod6:lengthi1e4:name1:a12:piece lengthi1e6:pieces20:" + string(make20(1)) + "ee"))
	if err != nil {
		t.Fatalf("ParseMetainfo(a): %v", err)
	}

	// Same logical info dict, different source key order.
	b, err := ParseMetainfo([]byte("d8:announce1:x4:infod4:name1:a6:lengthi1e12:piece lengthi1e6:pieces20:" + string(make20(1)) + "ee"))
	if err != nil {
		t.Fatalf("ParseMetainfo(b): %v", err)
	}

	if hex.EncodeToString(a.InfoHash[:]) != hex.EncodeToString(b.InfoHash[:]) {
		t.Fatalf("info-hash must be stable across source key order: %x != %x", a.InfoHash, b.InfoHash)
	}
}
