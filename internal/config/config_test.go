package config

import "testing"

func TestDefaultConfig_ClientIDPrefix(t *testing.T) {
	c, err := defaultConfig()
	if err != nil {
		t.Fatalf("defaultConfig: %v", err)
	}

	want := "-MT0001-"
	if got := string(c.ClientID[:len(want)]); got != want {
		t.Fatalf("ClientID prefix = %q, want %q", got, want)
	}
}

func TestDefaultConfig_RandomizesSuffix(t *testing.T) {
	a, err := defaultConfig()
	if err != nil {
		t.Fatalf("defaultConfig: %v", err)
	}
	b, err := defaultConfig()
	if err != nil {
		t.Fatalf("defaultConfig: %v", err)
	}
	if a.ClientID == b.ClientID {
		t.Fatal("two defaultConfig calls produced identical client IDs")
	}
}

func TestGlobalInitLoadUpdate(t *testing.T) {
	if err := Init(); err != nil {
		t.Fatalf("Init: %v", err)
	}

	c := Load()
	if c.MaxInflightRequestsPerPeer != 10 {
		t.Fatalf("MaxInflightRequestsPerPeer = %d, want 10", c.MaxInflightRequestsPerPeer)
	}

	Update(func(c *Config) { c.MaxPeers = 5 })
	if got := Load().MaxPeers; got != 5 {
		t.Fatalf("after Update, MaxPeers = %d, want 5", got)
	}
}
