package tracker

import (
	"context"
	"net/http"
	"net/http/httptest"
	"net/url"
	"testing"

	"github.com/prxssh/rabbit/internal/bencode"
)

func TestAnnounce_OK(t *testing.T) {
	var gotQuery url.Values

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotQuery = r.URL.Query()

		resp, _ := bencode.Marshal(map[string]any{
			"interval": int64(1800),
			"peers":    string([]byte{127, 0, 0, 1, 0x1A, 0xE1}),
		})
		w.Write(resp)
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL)
	result, err := tr.Announce(context.Background(), AnnounceParams{
		InfoHash: [20]byte{1, 2, 3},
		PeerID:   [20]byte{4, 5, 6},
		Port:     6881,
		Left:     1000,
		Event:    EventStarted,
	})
	if err != nil {
		t.Fatalf("Announce: %v", err)
	}

	if result.Interval != 1800 {
		t.Fatalf("Interval = %d, want 1800", result.Interval)
	}
	if len(result.Peers) != 1 {
		t.Fatalf("len(Peers) = %d, want 1", len(result.Peers))
	}

	if gotQuery.Get("compact") != "1" {
		t.Fatalf("compact = %q, want \"1\"", gotQuery.Get("compact"))
	}
	if gotQuery.Get("event") != "started" {
		t.Fatalf("event = %q, want started", gotQuery.Get("event"))
	}
	if gotQuery.Get("info_hash") != string([]byte{1, 2, 3, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0, 0}) {
		t.Fatalf("info_hash was not sent as raw bytes")
	}
}

func TestAnnounce_FailureReason(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		resp, _ := bencode.Marshal(map[string]any{
			"failure reason": "unregistered torrent",
		})
		w.Write(resp)
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL)
	_, err := tr.Announce(context.Background(), AnnounceParams{})
	if err == nil {
		t.Fatal("expected error for failure reason response")
	}
}

func TestAnnounce_NonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer srv.Close()

	tr := NewHTTPTracker(srv.URL)
	_, err := tr.Announce(context.Background(), AnnounceParams{})
	if err == nil {
		t.Fatal("expected error for non-200 status")
	}
}
