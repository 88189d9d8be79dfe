package commands

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/spf13/cobra"

	"github.com/jholhewres/valvewatch/pkg/valvewatch/auth"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/classify"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/config"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/gemini"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/hub"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/snapshot"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/wa"
	"github.com/jholhewres/valvewatch/pkg/valvewatch/web"
)

// newServeCmd creates the `valvewatch serve` command that starts the monitor.
func newServeCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "serve",
		Short: "Start the valve monitor and dashboard",
		Long: `Connect to WhatsApp (pairing via QR on first run), watch for valve
board photos from whitelisted senders, classify them with Gemini, and serve
the live dashboard.

Examples:
  valvewatch serve
  valvewatch serve --config ./valvewatch.yaml`,
		RunE: runServe,
	}
}

func runServe(cmd *cobra.Command, _ []string) error {
	configPath, _ := cmd.Root().PersistentFlags().GetString("config")
	if configPath == "" {
		configPath = "valvewatch.yaml"
	}

	cfg, err := config.Load(configPath)
	if err != nil {
		return fmt.Errorf("loading config: %w", err)
	}

	// ── Configure logger ──
	verbose, _ := cmd.Root().PersistentFlags().GetBool("verbose")
	logLevel := slog.LevelInfo
	if verbose || cfg.Logging.Level == "debug" {
		logLevel = slog.LevelDebug
	}

	var handler slog.Handler
	if cfg.Logging.Format == "json" {
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	} else {
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: logLevel})
	}
	logger := slog.New(handler)

	if cfg.Gemini.APIKey == "" && os.Getenv("GEMINI_API_KEY") == "" {
		logger.Warn("GEMINI_API_KEY is not set, classification will fail until it is")
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()

	// ── Wire the pipeline ──
	h := hub.New(logger)
	monitor := wa.New(cfg.WhatsApp, h, logger)
	vision := gemini.New(cfg.Gemini)
	filter := auth.NewFilter(cfg.Access, logger)

	var snaps *snapshot.Store
	var pipelineSnaps classify.SnapshotStore
	var webSnaps web.Snapshots
	if cfg.Snapshots.Enabled {
		snaps = snapshot.New(cfg.Snapshots, logger)
		if err := snaps.EnsureDir(); err != nil {
			return fmt.Errorf("preparing snapshot storage: %w", err)
		}
		pipelineSnaps = snaps
		webSnaps = snaps
		logger.Info("snapshot persistence enabled", "dir", cfg.Snapshots.BaseDir)
	}

	pipeline := classify.New(monitor, vision, monitor, filter, h, pipelineSnaps, logger)
	monitor.OnMessage(pipeline.HandleMessage)

	server := web.New(cfg.Server, h, monitor, webSnaps, logger)
	if err := server.Start(ctx); err != nil {
		return fmt.Errorf("starting dashboard: %w", err)
	}

	monitor.Start(ctx)

	// ── Background jobs ──
	jobs := cron.New()
	if cfg.Server.ExternalURL != "" {
		// Free-tier hosts put idle services to sleep; pinging ourselves just
		// under the 15 minute idle window keeps the monitor alive.
		pingURL := cfg.Server.ExternalURL + "/ping"
		jobs.AddFunc("@every 14m", func() {
			resp, err := http.Get(pingURL)
			if err != nil {
				logger.Warn("keepalive ping failed", "url", pingURL, "error", err)
				return
			}
			resp.Body.Close()
			logger.Debug("keepalive ping ok", "url", pingURL)
		})
		logger.Info("keepalive self-ping scheduled", "url", pingURL)
	}
	if snaps != nil {
		jobs.AddFunc("@every 1h", func() {
			n, err := snaps.DeleteExpired(ctx)
			if err != nil {
				logger.Warn("snapshot cleanup failed", "error", err)
				return
			}
			if n > 0 {
				logger.Info("expired snapshots removed", "count", n)
			}
		})
	}
	jobs.Start()

	logger.Info("valvewatch running. Press Ctrl+C to stop.",
		"address", cfg.Server.Address,
		"whitelist_size", len(cfg.Access.Whitelist),
	)

	// ── Wait for shutdown ──
	sigChan := make(chan os.Signal, 1)
	signal.Notify(sigChan, syscall.SIGINT, syscall.SIGTERM)
	<-sigChan

	logger.Info("shutdown signal received, stopping...")

	done := make(chan struct{})
	go func() {
		jobs.Stop()
		server.Stop()
		monitor.Stop()
		close(done)
	}()

	select {
	case <-done:
		logger.Info("shutdown complete")
	case <-time.After(10 * time.Second):
		logger.Warn("shutdown timed out after 10s, forcing exit")
	}

	return nil
}
