package main

import (
	"context"
	"flag"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prxssh/rabbit/internal/config"
	"github.com/prxssh/rabbit/internal/logging"
	"github.com/prxssh/rabbit/internal/torrent"
)

func main() {
	setupLogger()

	torrentPath := flag.String("torrent", "", "path to a .torrent file")
	downloadDir := flag.String("dir", "", "directory to download into (defaults to the configured download directory)")
	flag.Parse()

	if *torrentPath == "" {
		fmt.Fprintln(os.Stderr, "usage: rabbit -torrent <file.torrent> [-dir <download-dir>]")
		os.Exit(2)
	}

	if err := config.Init(); err != nil {
		slog.Error("failed to initialize config", "error", err)
		os.Exit(1)
	}
	cfg := config.Load()

	dir := *downloadDir
	if dir == "" {
		dir = cfg.DefaultDownloadDir
	}

	if err := run(*torrentPath, dir, cfg); err != nil {
		slog.Error("download failed", "error", err)
		os.Exit(1)
	}
}

func run(torrentPath, downloadDir string, cfg *config.Config) error {
	data, err := os.ReadFile(torrentPath)
	if err != nil {
		return fmt.Errorf("read torrent file: %w", err)
	}

	t, err := torrent.New(data, downloadDir, cfg, slog.Default())
	if err != nil {
		return fmt.Errorf("prepare torrent: %w", err)
	}

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	go reportProgress(ctx, t)

	slog.Info("starting download", "name", t.Metainfo.Info.Name, "size", t.Metainfo.Size())
	return t.Run(ctx)
}

func reportProgress(ctx context.Context, t *torrent.Torrent) {
	ticker := time.NewTicker(5 * time.Second)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			stats := t.Stats()
			slog.Info("progress",
				"percent", fmt.Sprintf("%.1f%%", stats.Progress),
				"pieces", fmt.Sprintf("%d/%d", stats.CompletedPieces, stats.TotalPieces),
				"peers", stats.ConnectedPeers,
			)
		}
	}
}

func setupLogger() {
	opts := logging.DefaultOptions()
	opts.SlogOpts.Level = slog.LevelInfo
	opts.SlogOpts.AddSource = false

	h := logging.NewPrettyHandler(os.Stdout, &opts)
	l := slog.New(h)
	slog.SetDefault(l)
}
