// Package config holds the tunable resource limits for a download session,
// plus a process-wide atomically-swappable instance of it.
package config

import (
	"crypto/rand"
	"crypto/sha1"
	"os"
	"path/filepath"
	"time"
)

// Config defines behavior and resource limits for a torrent download.
type Config struct {
	// ========== Identity / Paths ==========

	// DefaultDownloadDir is the default directory new torrents are saved
	// into.
	DefaultDownloadDir string

	// ClientID is the 20-byte peer_id this client identifies itself with
	// during handshakes and tracker announces.
	ClientID [sha1.Size]byte

	// ========== Networking ==========

	// DialTimeout is the maximum time to wait when establishing a new
	// connection to a peer.
	DialTimeout time.Duration

	// MaxPeers is the maximum number of concurrent peer connections
	// allowed for a single torrent.
	MaxPeers int

	// MaxDialWorkers bounds concurrent outstanding dial attempts.
	MaxDialWorkers int

	// Port is the TCP port advertised to trackers. The core never listens
	// on it — no inbound connections are accepted.
	Port uint16

	// ========== Tracker / Announce ==========

	// NumWant is the number of peers requested per tracker announce.
	NumWant int

	// MinAnnounceInterval enforces a minimum time between announces,
	// overriding a tracker's suggested interval if it asks for less.
	MinAnnounceInterval time.Duration

	// ========== Piece Requests ==========

	// MaxInflightRequestsPerPeer limits how many REQUEST messages can be
	// outstanding to a single peer at once.
	MaxInflightRequestsPerPeer int

	// RequestTimeout bounds how long a worker waits for a response before
	// treating the peer as unresponsive and abandoning its current piece.
	RequestTimeout time.Duration

	// ========== Keepalive ==========

	// PeerInactivityDuration is the interval after which a peer connection
	// with no traffic is considered dead and evicted.
	PeerInactivityDuration time.Duration
}

// defaultConfig returns the baseline configuration used unless overridden.
func defaultConfig() (Config, error) {
	clientID, err := generateClientID()
	if err != nil {
		return Config{}, err
	}

	return Config{
		DefaultDownloadDir:         getDefaultDownloadDir(),
		ClientID:                   clientID,
		DialTimeout:                5 * time.Second,
		MaxPeers:                   20,
		MaxDialWorkers:             10,
		Port:                       6881,
		NumWant:                    50,
		MinAnnounceInterval:        20 * time.Minute,
		MaxInflightRequestsPerPeer: 10,
		RequestTimeout:             15 * time.Second,
		PeerInactivityDuration:     2 * time.Minute,
	}, nil
}

func getDefaultDownloadDir() string {
	home, err := os.UserHomeDir()
	if err != nil {
		if cwd, err := os.Getwd(); err == nil {
			return filepath.Join(cwd, "downloads")
		}
		return "./downloads"
	}
	return filepath.Join(home, ".local", "share", "rabbit", "downloads")
}

// generateClientID builds a peer_id of the form "-MT0001-" followed by 12
// random bytes, per the Azureus-style convention.
func generateClientID() ([sha1.Size]byte, error) {
	var peerID [sha1.Size]byte

	prefix := []byte("-MT0001-")
	copy(peerID[:], prefix)

	if _, err := rand.Read(peerID[len(prefix):]); err != nil {
		return [sha1.Size]byte{}, err
	}

	return peerID, nil
}
