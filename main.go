// Command chat-archiver ingests Matrix room history into per-day JSON files.
// It:
//   - Loads configuration and initializes structured logging.
//   - Discovers joined rooms (expanding spaces) whose history is world
//     readable and brings each room's day files up to date.
//   - Tracks a per-room resume cursor so runs are incremental.
//   - In daemon mode, re-runs ingestion on an interval and exposes a minimal
//     HTTP server with /healthz, /readyz, /status, /rooms, and /metrics.
//
// Shutdown is graceful on SIGINT/SIGTERM.
package main

import (
	"context"
	"log/slog"
	"net/http"
	_ "net/http/pprof" //nolint:gosec // G108: pprof endpoints enabled only when ENABLE_PPROF=1
	"os"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/google/uuid"
	"github.com/joho/godotenv"

	"github.com/onnwee/chat-archiver/archive"
	"github.com/onnwee/chat-archiver/config"
	"github.com/onnwee/chat-archiver/matrixapi"
	"github.com/onnwee/chat-archiver/server"
	"github.com/onnwee/chat-archiver/store"
	"github.com/onnwee/chat-archiver/telemetry"
)

func main() {
	// Load .env file if present (local dev convenience only; production relies on real env)
	_ = godotenv.Load()

	// Configure logging (level + format). Defaults: level=info, format=text.
	lvl := slog.LevelInfo
	switch strings.ToLower(os.Getenv("LOG_LEVEL")) {
	case "debug":
		lvl = slog.LevelDebug
	case "warn":
		lvl = slog.LevelWarn
	case "error":
		lvl = slog.LevelError
	case "info", "":
		// keep default
	default:
		tmp := slog.New(slog.NewTextHandler(os.Stdout, nil))
		tmp.Warn("unknown LOG_LEVEL, using info", slog.String("value", os.Getenv("LOG_LEVEL")))
	}
	format := strings.ToLower(os.Getenv("LOG_FORMAT")) // text | json
	var handler slog.Handler
	switch format {
	case "json":
		handler = slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	default:
		handler = slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: lvl})
	}
	slog.SetDefault(slog.New(handler))

	// Config
	cfg, err := config.Load()
	if err != nil {
		slog.Error("config load failed", slog.Any("err", err))
		os.Exit(1)
	}

	// Metrics / telemetry init
	telemetry.Init()

	// Initialize OpenTelemetry tracing (optional; requires OTEL_EXPORTER_OTLP_ENDPOINT)
	shutdown, err := telemetry.InitTracing("chat-archiver", "1.0.0")
	if err != nil {
		slog.Error("tracing initialization failed", slog.Any("err", err))
		os.Exit(1)
	}
	defer shutdown()

	creds, err := config.LoadCredentials(cfg.CredentialsPath)
	if err != nil {
		slog.Error("credentials load failed", slog.Any("err", err))
		os.Exit(1)
	}

	s, err := store.New(cfg.JSONDir())
	if err != nil {
		slog.Error("failed to open store", slog.Any("err", err))
		os.Exit(1)
	}

	excluded, err := cfg.LoadExcluded()
	if err != nil {
		slog.Error("failed to load exclusion list", slog.Any("err", err))
		os.Exit(1)
	}

	arch := &archive.Archiver{
		Client:       matrixapi.NewClient(cfg.HomeserverURL, creds.AccessToken, cfg.MaxInflight, cfg.RequestTimeout),
		Store:        s,
		Excluded:     excluded,
		PageSize:     cfg.PageSize,
		ContextLimit: cfg.ContextLimit,
	}

	// Root context with graceful shutdown
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	// Enable pprof profiling endpoints in debug mode (ENABLE_PPROF=1)
	if os.Getenv("ENABLE_PPROF") == "1" {
		pprofAddr := os.Getenv("PPROF_ADDR")
		if pprofAddr == "" {
			pprofAddr = "localhost:6060"
		}
		go func() {
			slog.Info("pprof profiling enabled", slog.String("addr", pprofAddr))
			srv := &http.Server{
				Addr:              pprofAddr,
				Handler:           nil, // default mux exposes /debug/pprof
				ReadHeaderTimeout: 5 * time.Second,
				ReadTimeout:       10 * time.Second,
				WriteTimeout:      10 * time.Second,
				IdleTimeout:       60 * time.Second,
			}
			if err := srv.ListenAndServe(); err != nil {
				slog.Error("pprof server error", slog.Any("err", err))
			}
		}()
	}

	if cfg.IngestInterval <= 0 {
		// One-shot: a failed room only defers to the next invocation; only a
		// run-level failure is worth a nonzero exit.
		if _, err := runOnce(ctx, arch); err != nil {
			slog.Error("ingestion run failed", slog.Any("err", err))
			os.Exit(1)
		}
		return
	}

	// Daemon mode: HTTP surface plus periodic ingestion.
	handlers := server.NewHandlers(s)
	go func() {
		if err := server.Start(ctx, handlers, cfg.HTTPAddr); err != nil {
			slog.Error("http server exited with error", slog.Any("err", err))
		}
	}()

	slog.Info("starting ingestion loop", slog.Duration("interval", cfg.IngestInterval))
	ticker := time.NewTicker(cfg.IngestInterval)
	defer ticker.Stop()
	for {
		rs, err := runOnce(ctx, arch)
		handlers.RecordRun(rs)
		if err != nil && ctx.Err() == nil {
			slog.Error("ingestion run failed", slog.Any("err", err))
		}
		select {
		case <-ctx.Done():
			slog.Info("shutting down")
			return
		case <-ticker.C:
		}
	}
}

// runOnce executes one full ingestion pass under a fresh correlation id and
// summarizes the per-room outcomes.
func runOnce(ctx context.Context, arch *archive.Archiver) (server.RunStatus, error) {
	ctx = telemetry.WithCorrelation(ctx, uuid.New().String())
	log := telemetry.LoggerWithCorr(ctx)

	rs := server.RunStatus{StartedAt: time.Now().UTC()}
	outcomes, err := arch.Run(ctx)
	rs.FinishedAt = time.Now().UTC()
	if err != nil {
		rs.Error = err.Error()
		return rs, err
	}
	rs.Rooms = len(outcomes)
	for _, o := range outcomes {
		switch {
		case o.Err == nil:
			rs.Ingested++
		case o.Skipped:
			rs.Skipped++
		default:
			rs.Failed++
		}
	}
	log.Info("ingestion run complete",
		slog.Int("rooms", rs.Rooms),
		slog.Int("ingested", rs.Ingested),
		slog.Int("skipped", rs.Skipped),
		slog.Int("failed", rs.Failed),
		slog.Duration("took", rs.FinishedAt.Sub(rs.StartedAt)))
	return rs, nil
}
