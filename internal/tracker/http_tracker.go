// Package tracker implements the HTTP tracker announce protocol: building
// the GET request with percent-encoded binary parameters and decoding the
// bencoded response into a list of candidate peers.
package tracker

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"net/netip"
	"net/url"
	"strconv"
	"sync"
	"time"

	"github.com/pkg/errors"
	"github.com/prxssh/rabbit/internal/bencode"
	"github.com/prxssh/rabbit/internal/cast"
)

// ErrTrackerFailure is returned when the tracker's response carries a
// "failure reason" key, or an unexpected HTTP status.
var ErrTrackerFailure = errors.New("tracker: announce failed")

// Event identifies the lifecycle stage being announced.
type Event string

const (
	EventNone      Event = ""
	EventStarted   Event = "started"
	EventStopped   Event = "stopped"
	EventCompleted Event = "completed"
)

// AnnounceParams are the parameters of a single tracker announce.
type AnnounceParams struct {
	InfoHash   [20]byte
	PeerID     [20]byte
	Port       uint16
	Uploaded   int64
	Downloaded int64
	Left       int64
	NumWant    int
	Event      Event
}

// AnnounceResult is the decoded response of a successful announce.
type AnnounceResult struct {
	Interval int
	Peers    []netip.AddrPort
}

// HTTPTracker announces to a single tracker over HTTP(S).
type HTTPTracker struct {
	baseURL string
	client  *http.Client

	mut       sync.Mutex
	trackerID string
}

// NewHTTPTracker builds a tracker client for the given announce URL.
func NewHTTPTracker(baseURL string) *HTTPTracker {
	return &HTTPTracker{
		baseURL: baseURL,
		client: &http.Client{
			Timeout: 30 * time.Second,
		},
	}
}

// Announce performs one GET against the tracker and returns the decoded
// peer list.
func (t *HTTPTracker) Announce(ctx context.Context, params AnnounceParams) (*AnnounceResult, error) {
	reqURL, err := t.buildAnnounceURL(params)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: build announce url")
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, reqURL, nil)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: build request")
	}

	resp, err := t.client.Do(req)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: announce request")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: http status %d", ErrTrackerFailure, resp.StatusCode)
	}

	body, err := io.ReadAll(resp.Body)
	if err != nil {
		return nil, errors.Wrap(err, "tracker: read response body")
	}

	return t.parseAnnounceResponse(body)
}

func (t *HTTPTracker) buildAnnounceURL(params AnnounceParams) (string, error) {
	u, err := url.Parse(t.baseURL)
	if err != nil {
		return "", err
	}

	q := u.Query()
	q.Set("info_hash", string(params.InfoHash[:]))
	q.Set("peer_id", string(params.PeerID[:]))
	q.Set("port", strconv.Itoa(int(params.Port)))
	q.Set("uploaded", strconv.FormatInt(params.Uploaded, 10))
	q.Set("downloaded", strconv.FormatInt(params.Downloaded, 10))
	q.Set("left", strconv.FormatInt(params.Left, 10))
	q.Set("compact", "1")
	if params.NumWant > 0 {
		q.Set("numwant", strconv.Itoa(params.NumWant))
	}
	if params.Event != EventNone {
		q.Set("event", string(params.Event))
	}

	t.mut.Lock()
	trackerID := t.trackerID
	t.mut.Unlock()
	if trackerID != "" {
		q.Set("trackerid", trackerID)
	}

	u.RawQuery = q.Encode()
	return u.String(), nil
}

func (t *HTTPTracker) parseAnnounceResponse(body []byte) (*AnnounceResult, error) {
	decoded, err := bencode.Unmarshal(body)
	if err != nil {
		return nil, fmt.Errorf("%w: decode: %v", ErrTrackerFailure, err)
	}

	dict, ok := decoded.(map[string]any)
	if !ok {
		return nil, fmt.Errorf("%w: response is not a dictionary", ErrTrackerFailure)
	}

	if reason, ok := dict["failure reason"]; ok {
		s, _ := cast.ToString(reason)
		return nil, fmt.Errorf("%w: %s", ErrTrackerFailure, s)
	}

	interval, err := cast.ToInt(dict["interval"])
	if err != nil {
		return nil, fmt.Errorf("%w: missing interval: %v", ErrTrackerFailure, err)
	}

	if id, ok := dict["tracker id"]; ok {
		if s, err := cast.ToString(id); err == nil {
			t.mut.Lock()
			t.trackerID = s
			t.mut.Unlock()
		}
	}

	peers, err := decodePeers(dict["peers"])
	if err != nil {
		return nil, fmt.Errorf("%w: peers: %v", ErrTrackerFailure, err)
	}

	return &AnnounceResult{Interval: interval, Peers: peers}, nil
}
