package logging

import (
	"bytes"
	"log/slog"
	"strings"
	"testing"
)

func TestPrettyHandler_WritesMessageAndAttrs(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false

	h := NewPrettyHandler(&buf, &opts)
	log := slog.New(h)

	log.Info("piece verified", "index", 3, "bytes", 16384)

	out := buf.String()
	if !strings.Contains(out, "piece verified") {
		t.Fatalf("output missing message: %q", out)
	}
	if !strings.Contains(out, `"index": 3`) {
		t.Fatalf("output missing index attr: %q", out)
	}
}

func TestPrettyHandler_WithAttrsIsInherited(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.ShowSource = false

	h := NewPrettyHandler(&buf, &opts)
	log := slog.New(h).With("component", "downloader")

	log.Info("worker started")

	if !strings.Contains(buf.String(), `"component": "downloader"`) {
		t.Fatalf("output missing inherited attr: %q", buf.String())
	}
}

func TestPrettyHandler_RespectsLevelFilter(t *testing.T) {
	var buf bytes.Buffer
	opts := DefaultOptions()
	opts.UseColor = false
	opts.SlogOpts.Level = slog.LevelWarn

	h := NewPrettyHandler(&buf, &opts)
	log := slog.New(h)

	log.Debug("should not appear")
	log.Warn("should appear")

	out := buf.String()
	if strings.Contains(out, "should not appear") {
		t.Fatalf("debug message should have been filtered: %q", out)
	}
	if !strings.Contains(out, "should appear") {
		t.Fatalf("warn message missing: %q", out)
	}
}
