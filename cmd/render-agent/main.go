package main

import (
	"context"
	"flag"
	"fmt"
	"log"
	"log/slog"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/gemdirect/render-agent/internal/api"
	"github.com/gemdirect/render-agent/internal/backend"
	"github.com/gemdirect/render-agent/internal/config"
	"github.com/gemdirect/render-agent/internal/engine"
	"github.com/gemdirect/render-agent/internal/logging"
	"github.com/gemdirect/render-agent/internal/manifest"
	"github.com/gemdirect/render-agent/internal/report"
	"github.com/gemdirect/render-agent/internal/telemetry"
	"github.com/gemdirect/render-agent/internal/workflow"
)

func main() {
	if err := run(); err != nil {
		log.Fatalf("fatal error: %v", err)
	}
}

func run() error {
	var (
		manifestPath = flag.String("manifest", "", "path to the YAML run manifest")
		outPath      = flag.String("out", "", "path to write the run report JSON (default <data-dir>/reports/<run-id>.json)")
		serve        = flag.Bool("serve", false, "serve the status API after the run (blocks until SIGINT)")
	)
	flag.Parse()

	// Optional .env for local development; absence is not an error.
	_ = godotenv.Load()

	cfg, err := config.New()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}

	if err := os.MkdirAll(cfg.DataDir(), 0755); err != nil {
		return fmt.Errorf("failed to create data dir: %w", err)
	}

	logger := logging.NewLogger(cfg.LogLevel())
	logger.Info("starting render agent",
		"version", config.Version,
		"backend", cfg.BackendURL(),
		"data_dir", logging.SanitizePath(cfg.DataDir()),
	)

	store, err := report.Open(cfg.DBPath(), logger)
	if err != nil {
		return fmt.Errorf("failed to open report store: %w", err)
	}
	defer store.Close()

	startTime := time.Now()

	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	if *manifestPath != "" {
		if err := runManifest(ctx, cfg, store, logger, *manifestPath, *outPath); err != nil {
			return err
		}
	} else if !*serve {
		return fmt.Errorf("nothing to do: pass -manifest, -serve or both")
	}

	if *serve {
		server := api.NewServer(api.ServerConfig{
			Port:      cfg.Port(),
			Store:     store,
			Logger:    logger,
			StartTime: startTime,
			Version:   config.Version,
		})

		errCh := make(chan error, 1)
		go func() { errCh <- server.Start() }()

		select {
		case err := <-errCh:
			return err
		case <-ctx.Done():
		}

		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return server.Shutdown(shutdownCtx)
	}

	return nil
}

func runManifest(ctx context.Context, cfg config.Config, store *report.Store, logger *slog.Logger, manifestPath, outPath string) error {
	m, err := manifest.Load(manifestPath)
	if err != nil {
		return fmt.Errorf("failed to load manifest: %w", err)
	}
	requests, err := m.Requests()
	if err != nil {
		return fmt.Errorf("failed to build requests: %w", err)
	}

	library, err := workflow.LoadLibrary(cfg.TemplatesDir())
	if err != nil {
		return fmt.Errorf("failed to load workflow templates: %w", err)
	}

	clientID := uuid.NewString()
	client := backend.NewClient(cfg.BackendURL(), clientID, logging.WithComponent(logger, "backend"))

	// Fail before the first submission when the backend is absent.
	if err := client.Ping(ctx); err != nil {
		return err
	}

	feed := backend.NewFeed(cfg.BackendURL(), clientID, logging.WithComponent(logger, "feed"))
	if err := feed.Start(ctx); err != nil {
		return fmt.Errorf("failed to connect event feed: %w", err)
	}

	var probe telemetry.GPUProbe
	smi, err := telemetry.NewSMIProbe(cfg.GPUProbe())
	if err != nil {
		logger.Warn("fallback GPU probe unavailable", "error", err)
		probe = unavailableProbe{err: err}
	} else {
		probe = smi
	}
	adapter := telemetry.NewAdapter(client, probe, logging.WithComponent(logger, "telemetry"))

	submitter := workflow.NewSubmitter(library, client, logging.WithComponent(logger, "submitter"))
	tracker := engine.NewTracker(feed, client, logging.WithComponent(logger, "tracker"))
	collector := engine.NewCollector(logging.WithComponent(logger, "collector"))
	coordinator := engine.NewCoordinator(engine.CoordinatorConfig{
		Submitter: submitter,
		Tracker:   tracker,
		Collector: collector,
		Probe:     adapter,
		OutputDir: cfg.OutputDir(),
		Logger:    logging.WithComponent(logger, "coordinator"),
	})
	orchestrator := engine.NewOrchestrator(coordinator, m.RunPolicy(), logging.WithComponent(logger, "orchestrator"))

	runReport := orchestrator.Run(ctx, requests)

	if outPath == "" {
		outPath = fmt.Sprintf("%s/reports/%s.json", cfg.DataDir(), runReport.RunID)
	}
	if err := report.WriteJSON(outPath, runReport); err != nil {
		return fmt.Errorf("failed to write report: %w", err)
	}
	logger.Info("run report written", "path", logging.SanitizePath(outPath))

	if err := store.SaveReport(ctx, runReport); err != nil {
		return fmt.Errorf("failed to persist report: %w", err)
	}

	if runReport.FailedCount > 0 {
		logger.Warn("run finished with failures",
			"run_id", runReport.RunID,
			"failed", runReport.FailedCount,
			"jobs", runReport.JobCount,
		)
	}
	return nil
}

// unavailableProbe stands in when no GPU probe binary exists; the adapter
// then reports telemetry as unavailable rather than failing.
type unavailableProbe struct{ err error }

func (p unavailableProbe) Query(ctx context.Context) ([]telemetry.Device, error) {
	return nil, p.err
}
