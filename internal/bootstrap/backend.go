// Package bootstrap opens the configured storage backend and assembles the
// engine on top of it. The server and the CLI share it so both run with the
// same store, audit trail and limits.
package bootstrap

import (
	"context"
	"fmt"
	"log/slog"
	"net/url"
	"strings"

	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/JonMunkholm/orgtransfer/internal/codec"
	"github.com/JonMunkholm/orgtransfer/internal/config"
	"github.com/JonMunkholm/orgtransfer/internal/core"
	"github.com/JonMunkholm/orgtransfer/internal/core/tables"
	"github.com/JonMunkholm/orgtransfer/internal/logging"
	"github.com/JonMunkholm/orgtransfer/internal/storage/memory"
	"github.com/JonMunkholm/orgtransfer/internal/storage/postgres"
	"github.com/JonMunkholm/orgtransfer/internal/storage/sqlite"
)

// AuditReader reads back the audit trail of an operation.
type AuditReader interface {
	core.AuditSink
	Entries(ctx context.Context, operationID string, limit int) ([]core.AuditEntry, error)
}

// Backend is an open store with its audit log.
type Backend struct {
	Name  string
	Store core.Store
	Audit AuditReader

	ping  func(context.Context) error
	close func()
}

// Ping checks that the store is reachable.
func (b *Backend) Ping(ctx context.Context) error {
	if b.ping == nil {
		return nil
	}
	return b.ping(ctx)
}

// Close releases the connection pool or database file.
func (b *Backend) Close() {
	if b.close != nil {
		b.close()
	}
}

// Open connects to the backend named by cfg.Backend.
func Open(ctx context.Context, cfg config.DatabaseConfig) (*Backend, error) {
	switch cfg.Backend {
	case config.BackendPostgres:
		return openPostgres(ctx, cfg)
	case config.BackendSQLite:
		return openSQLite(ctx, cfg)
	case config.BackendMemory:
		return &Backend{Name: config.BackendMemory, Store: memory.New(), Audit: &memoryAudit{}}, nil
	default:
		return nil, fmt.Errorf("unknown backend %q", cfg.Backend)
	}
}

func openPostgres(ctx context.Context, cfg config.DatabaseConfig) (*Backend, error) {
	poolConfig, err := pgxpool.ParseConfig(cfg.URL)
	if err != nil {
		return nil, fmt.Errorf("parse database URL: %w", err)
	}
	poolConfig.MaxConns = int32(cfg.MaxConns)
	poolConfig.MinConns = int32(cfg.MinConns)
	poolConfig.MaxConnLifetime = cfg.MaxConnLifetime
	poolConfig.MaxConnIdleTime = cfg.MaxConnIdleTime

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("connect to database: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping database: %w", err)
	}
	if cfg.Migrate {
		if err := postgres.Migrate(ctx, pool); err != nil {
			pool.Close()
			return nil, err
		}
	}

	logging.FromContext(ctx).Info("connected to database", "backend", config.BackendPostgres, "name", databaseName(cfg.URL))
	return &Backend{
		Name:  config.BackendPostgres,
		Store: postgres.New(pool),
		Audit: postgres.NewAuditLog(pool),
		ping:  pool.Ping,
		close: pool.Close,
	}, nil
}

func openSQLite(ctx context.Context, cfg config.DatabaseConfig) (*Backend, error) {
	store, err := sqlite.Open(cfg.SQLitePath)
	if err != nil {
		return nil, err
	}
	sqlDB, err := store.DB().DB()
	if err != nil {
		_ = store.Close()
		return nil, fmt.Errorf("sqlite handle: %w", err)
	}

	logger := logging.FromContext(ctx)
	logger.Info("opened database", "backend", config.BackendSQLite, "path", cfg.SQLitePath)
	return &Backend{
		Name:  config.BackendSQLite,
		Store: store,
		Audit: sqlite.NewAuditLog(store),
		ping:  sqlDB.PingContext,
		close: func() {
			if err := store.Close(); err != nil {
				logger.Warn("close sqlite", "error", err)
			}
		},
	}, nil
}

// databaseName extracts the database name for logs without the credentials.
func databaseName(dsn string) string {
	u, err := url.Parse(dsn)
	if err != nil {
		return ""
	}
	return strings.TrimPrefix(u.Path, "/")
}

// Engine bundles the service with the codec sized by the import limits.
type Engine struct {
	Registry *core.Registry
	Service  *core.Service
	Codec    *codec.Codec
}

// NewEngine builds the service over b with the organizational schemas.
// Audit entries go to the backend's log and to logger.
func NewEngine(cfg *config.Config, b *Backend, logger *slog.Logger) (*Engine, error) {
	reg, err := tables.NewRegistry()
	if err != nil {
		return nil, err
	}
	sink := core.MultiAuditSink{core.LogAuditSink{Logger: logger}}
	if b.Audit != nil {
		sink = append(sink, b.Audit)
	}
	svc := core.NewService(reg, b.Store,
		core.WithRules(tables.BusinessRules()...),
		core.WithLimiter(core.NewOperationLimiter(cfg.Import.MaxConcurrent, cfg.Import.MaxWaitTime)),
		core.WithServiceErrorLimit(cfg.Import.ErrorLimit),
		core.WithOperationTimeout(cfg.Import.Timeout),
		core.WithAuditSink(sink),
		core.WithLogger(logger),
	)
	return &Engine{
		Registry: reg,
		Service:  svc,
		Codec:    codec.New(reg, codec.WithMaxSize(cfg.Import.MaxFileSize)),
	}, nil
}

// memoryAudit keeps the audit trail of the memory backend readable.
type memoryAudit struct {
	core.MemoryAuditSink
}

func (m *memoryAudit) Entries(_ context.Context, operationID string, limit int) ([]core.AuditEntry, error) {
	var out []core.AuditEntry
	for _, e := range m.MemoryAuditSink.Entries() {
		if operationID != "" && e.OperationID != operationID {
			continue
		}
		out = append(out, e)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, nil
}
