package main

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"path/filepath"
	"syscall"

	"github.com/JonMunkholm/orgtransfer/internal/bootstrap"
	"github.com/JonMunkholm/orgtransfer/internal/codec"
	"github.com/JonMunkholm/orgtransfer/internal/config"
	"github.com/JonMunkholm/orgtransfer/internal/core"
	"github.com/JonMunkholm/orgtransfer/internal/logging"
	"github.com/JonMunkholm/orgtransfer/internal/scheduler"
	"github.com/JonMunkholm/orgtransfer/internal/web"
)

func main() {
	// Variables already in the environment win over .env
	if err := config.LoadDotEnv(".env"); err != nil {
		slog.Error("failed to read .env", "error", err)
		os.Exit(1)
	}

	cfg, err := config.Load()
	if err != nil {
		slog.Error("failed to load configuration", "error", err)
		os.Exit(1)
	}

	logger := logging.Setup(cfg.Logging.Level, cfg.Logging.Format)
	slog.Info("configuration loaded", "config", cfg.String())

	ctx := context.Background()
	backend, err := bootstrap.Open(ctx, cfg.Database)
	if err != nil {
		slog.Error("failed to open storage", "backend", cfg.Database.Backend, "error", err)
		os.Exit(1)
	}
	defer backend.Close()

	engine, err := bootstrap.NewEngine(cfg, backend, logger)
	if err != nil {
		slog.Error("failed to create service", "error", err)
		os.Exit(1)
	}
	slog.Info("schemas registered", "kinds", engine.Registry.Len())

	server := web.NewServer(engine.Service, engine.Codec, cfg,
		web.WithAuditReader(backend.Audit),
		web.WithHealthCheck(backend.Ping),
	)

	// Background jobs stop with this context
	jobCtx, cancelJobs := context.WithCancel(context.Background())
	jobsDone := make(chan struct{})
	go func() {
		defer close(jobsDone)
		runScheduledExport(jobCtx, cfg, engine, logger)
	}()

	shutdownDone := make(chan struct{})
	go func() {
		defer close(shutdownDone)
		sigCh := make(chan os.Signal, 1)
		signal.Notify(sigCh, syscall.SIGINT, syscall.SIGTERM)
		<-sigCh

		slog.Info("shutting down...")
		cancelJobs()

		shutdownCtx, cancel := context.WithTimeout(context.Background(), cfg.Server.ShutdownTimeout)
		defer cancel()

		if err := server.Shutdown(shutdownCtx); err != nil {
			slog.Error("shutdown error", "error", err)
		}

		// Roll back anything still open and wait for running operations
		status := engine.Service.Limiter().Status()
		if status.Active > 0 {
			slog.Info("waiting for operations to complete",
				"active", status.Active,
				"waiting", status.Waiting,
			)
		}
		if err := engine.Service.Shutdown(shutdownCtx); err != nil {
			slog.Warn("operations did not complete in time", "error", err)
		}
		<-jobsDone
	}()

	if err := server.Start(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		slog.Error("server stopped", "error", err)
		os.Exit(1)
	}
	<-shutdownDone
	slog.Info("server stopped")
}

// runScheduledExport writes periodic exports when EXPORT_SCHEDULE is set.
// It blocks until ctx is done.
func runScheduledExport(ctx context.Context, cfg *config.Config, engine *bootstrap.Engine, logger *slog.Logger) {
	if cfg.Export.Schedule == "" {
		return
	}
	format, err := codec.ParseFormat(cfg.Export.Format)
	if err != nil {
		slog.Error("scheduled export disabled", "error", err)
		return
	}

	sched := scheduler.New(engine.Service, engine.Codec, filepath.Clean(cfg.Export.Dir),
		scheduler.WithLogger(logger),
	)
	job := scheduler.Job{
		Name:     "org",
		Schedule: cfg.Export.Schedule,
		Format:   format,
		Options:  core.ExportOptions{CurrentOnly: cfg.Export.CurrentOnly},
	}
	if err := sched.Add(job); err != nil {
		slog.Error("scheduled export disabled", "error", err)
		return
	}
	sched.Start(ctx)
}
