package main

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"syscall"

	"github.com/spf13/cobra"

	"github.com/JonMunkholm/orgtransfer/internal/bootstrap"
	"github.com/JonMunkholm/orgtransfer/internal/config"
	"github.com/JonMunkholm/orgtransfer/internal/core"
	"github.com/JonMunkholm/orgtransfer/internal/logging"
)

// app carries the global flags and the lazily opened engine.
type app struct {
	envFile     string
	backend     string
	databaseURL string
	sqlitePath  string
	logLevel    string

	cfg    *config.Config
	logger *slog.Logger
	store  *bootstrap.Backend
	engine *bootstrap.Engine
}

func newRootCmd() *cobra.Command {
	a := &app{}

	cmd := &cobra.Command{
		Use:           "orgdata",
		Short:         "Import and export organizational records",
		SilenceUsage:  true,
		SilenceErrors: true,
		PersistentPreRun: func(cmd *cobra.Command, args []string) {
			user := os.Getenv("USER")
			if user == "" {
				user = "unknown"
			}
			cmd.SetContext(core.ContextWithRequestInfo(cmd.Context(), core.RequestInfo{
				Actor:     "cli:" + user,
				UserAgent: "orgdata",
			}))
		},
	}

	pf := cmd.PersistentFlags()
	pf.StringVar(&a.envFile, "env-file", ".env", "Load variables from this file when it exists")
	pf.StringVar(&a.backend, "backend", "", "Storage backend: postgres, sqlite, memory (overrides DB_BACKEND)")
	pf.StringVar(&a.databaseURL, "database-url", "", "PostgreSQL connection string (overrides DATABASE_URL)")
	pf.StringVar(&a.sqlitePath, "sqlite-path", "", "SQLite database file (overrides SQLITE_PATH)")
	pf.StringVar(&a.logLevel, "log-level", "", "Log level: debug, info, warn, error (overrides LOG_LEVEL)")

	cmd.AddCommand(newImportCmd(a, false))
	cmd.AddCommand(newImportCmd(a, true))
	cmd.AddCommand(newExportCmd(a))
	cmd.AddCommand(newSchemaCmd())
	cmd.AddCommand(newAuditCmd(a))
	cmd.AddCommand(newConfigCmd(a))
	return cmd
}

// loadConfig reads the environment with flag overrides applied on top.
func (a *app) loadConfig() (*config.Config, error) {
	if a.cfg != nil {
		return a.cfg, nil
	}
	if a.envFile != "" {
		if err := config.LoadDotEnv(a.envFile); err != nil {
			return nil, withCode(exitUsage, err)
		}
	}

	vars := make(map[string]string)
	for _, kv := range os.Environ() {
		if k, v, ok := strings.Cut(kv, "="); ok {
			vars[k] = v
		}
	}
	for name, v := range map[string]string{
		"DB_BACKEND":   a.backend,
		"DATABASE_URL": a.databaseURL,
		"SQLITE_PATH":  a.sqlitePath,
		"LOG_LEVEL":    a.logLevel,
	} {
		if v != "" {
			vars[name] = v
		}
	}

	cfg, err := config.LoadFrom(vars)
	if err != nil {
		return nil, withCode(exitUsage, err)
	}
	a.cfg = cfg
	return cfg, nil
}

// open connects to the configured backend and builds the engine. Logs go
// to stderr so stdout carries only command output. Callers defer close.
func (a *app) open(ctx context.Context, cmd *cobra.Command) (*bootstrap.Engine, error) {
	if a.engine != nil {
		return a.engine, nil
	}
	cfg, err := a.loadConfig()
	if err != nil {
		return nil, err
	}
	a.logger = logging.New(cmd.ErrOrStderr(), cfg.Logging.Level, cfg.Logging.Format)

	b, err := bootstrap.Open(logging.WithLogger(ctx, a.logger), cfg.Database)
	if err != nil {
		return nil, withCode(exitDB, err)
	}
	eng, err := bootstrap.NewEngine(cfg, b, a.logger)
	if err != nil {
		b.Close()
		return nil, withCode(exitDB, err)
	}
	a.store, a.engine = b, eng
	return eng, nil
}

func (a *app) close() {
	if a.store != nil {
		a.store.Close()
		a.store, a.engine = nil, nil
	}
}

func Execute() {
	// Interrupting an import cancels it, which rolls the transaction back.
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	err := newRootCmd().ExecuteContext(ctx)
	stop()
	if err != nil {
		code := exitCode(err)
		fmt.Fprintln(os.Stderr, err.Error())
		os.Exit(code)
	}
}
