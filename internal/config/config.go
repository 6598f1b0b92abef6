// Package config provides centralized configuration management for the application.
// It loads configuration from environment variables (optionally seeded from a
// .env file) with sensible defaults and validates all settings on startup to
// fail fast on misconfiguration.
package config

import (
	"net"
	"strconv"
	"time"
)

// Storage backends.
const (
	BackendPostgres = "postgres"
	BackendSQLite   = "sqlite"
	BackendMemory   = "memory"
)

// Config holds all application configuration.
// All settings can be configured via environment variables.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Import   ImportConfig
	Export   ExportConfig
	Security SecurityConfig
	Logging  LoggingConfig
}

// ServerConfig holds HTTP server settings.
type ServerConfig struct {
	// Host is the interface to bind to
	Host string `env:"SERVER_HOST" envDefault:"0.0.0.0"`

	Port int `env:"SERVER_PORT" envDefault:"8080"`

	// ReadTimeout is the maximum duration for reading a request body
	ReadTimeout time.Duration `env:"SERVER_READ_TIMEOUT" envDefault:"30s"`

	// WriteTimeout covers streaming large exports, so it is generous
	WriteTimeout time.Duration `env:"SERVER_WRITE_TIMEOUT" envDefault:"5m"`

	IdleTimeout time.Duration `env:"SERVER_IDLE_TIMEOUT" envDefault:"60s"`

	// ShutdownTimeout is the maximum duration to wait for graceful shutdown
	ShutdownTimeout time.Duration `env:"SERVER_SHUTDOWN_TIMEOUT" envDefault:"30s"`

	// RequestTimeout is the middleware timeout for non-transfer requests
	RequestTimeout time.Duration `env:"SERVER_REQUEST_TIMEOUT" envDefault:"60s"`
}

// DatabaseConfig holds storage settings.
type DatabaseConfig struct {
	// Backend selects the store: postgres, sqlite or memory
	Backend string `env:"DB_BACKEND" envDefault:"postgres"`

	// URL is the PostgreSQL connection string. DB_URL is accepted as well.
	URL string `env:"DATABASE_URL"`

	// SQLitePath is the database file for the sqlite backend
	SQLitePath string `env:"SQLITE_PATH" envDefault:"orgtransfer.db"`

	// Migrate runs schema migrations on startup
	Migrate bool `env:"DB_MIGRATE" envDefault:"true"`

	MaxConns        int           `env:"DB_MAX_CONNS" envDefault:"20"`
	MinConns        int           `env:"DB_MIN_CONNS" envDefault:"4"`
	MaxConnLifetime time.Duration `env:"DB_MAX_CONN_LIFETIME" envDefault:"1h"`
	MaxConnIdleTime time.Duration `env:"DB_MAX_CONN_IDLE_TIME" envDefault:"30m"`
}

// ImportConfig holds import processing settings.
type ImportConfig struct {
	// MaxFileSize is the maximum accepted input size in bytes (default: 100MB)
	MaxFileSize int64 `env:"IMPORT_MAX_FILE_SIZE" envDefault:"104857600"`

	// MaxConcurrent is the maximum number of parallel operations
	MaxConcurrent int `env:"IMPORT_MAX_CONCURRENT" envDefault:"5"`

	// MaxWaitTime is how long to wait for an operation slot
	MaxWaitTime time.Duration `env:"IMPORT_MAX_WAIT_TIME" envDefault:"30s"`

	// Timeout bounds a single import or export
	Timeout time.Duration `env:"IMPORT_TIMEOUT" envDefault:"10m"`

	// ErrorLimit stops validation after this many errors; 0 means unlimited
	ErrorLimit int `env:"IMPORT_ERROR_LIMIT" envDefault:"1000"`

	// DefaultStrategy resolves conflicts when a request names none
	DefaultStrategy string `env:"IMPORT_DEFAULT_STRATEGY" envDefault:"skip"`

	// ContinueOnError applies valid records even when others fail
	ContinueOnError bool `env:"IMPORT_CONTINUE_ON_ERROR" envDefault:"false"`
}

// ExportConfig holds scheduled export settings. An empty schedule disables
// the scheduler.
type ExportConfig struct {
	Schedule    string `env:"EXPORT_SCHEDULE"`
	Dir         string `env:"EXPORT_DIR" envDefault:"exports"`
	Format      string `env:"EXPORT_FORMAT" envDefault:"json"`
	CurrentOnly bool   `env:"EXPORT_CURRENT_ONLY" envDefault:"false"`
}

// SecurityConfig holds security-related settings.
type SecurityConfig struct {
	// TrustedProxies is a comma-separated list of trusted proxy CIDRs
	TrustedProxies []string `env:"TRUSTED_PROXIES"`

	// RequireAPIKey enables X-API-Key authentication on /api routes
	RequireAPIKey bool `env:"REQUIRE_API_KEY" envDefault:"false"`

	// APIKeys is a comma-separated list of accepted keys
	APIKeys []string `env:"API_KEYS"`
}

// LoggingConfig holds logging settings.
type LoggingConfig struct {
	// Level is the minimum log level: debug, info, warn, error
	Level string `env:"LOG_LEVEL" envDefault:"info"`

	// Format is the log format: text or json
	Format string `env:"LOG_FORMAT" envDefault:"text"`
}

// Addr returns the server listen address in host:port format.
func (c *ServerConfig) Addr() string {
	return net.JoinHostPort(c.Host, strconv.Itoa(c.Port))
}
