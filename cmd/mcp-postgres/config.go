package main

import (
	"fmt"
	"strings"
	"time"

	"github.com/caarlos0/env/v11"
)

const dsnEnvVar = "POSTGRES_DB_DSN"

// Config holds everything the server needs at startup. Durations accept Go duration syntax.
type Config struct {
	DSN                  string        `env:"POSTGRES_DB_DSN"`
	Debug                bool          `env:"MCP_DEBUG"                  envDefault:"false"`
	PoolSize             int           `env:"MCP_POOL_SIZE"              envDefault:"20"`
	AcquireTimeout       time.Duration `env:"MCP_POOL_ACQUIRE_TIMEOUT"   envDefault:"5s"`
	IdleTimeout          time.Duration `env:"MCP_POOL_IDLE_TIMEOUT"      envDefault:"30s"`
	CallTimeout          time.Duration `env:"MCP_CALL_TIMEOUT"           envDefault:"30s"`
	HeartbeatInterval    time.Duration `env:"MCP_HEARTBEAT_INTERVAL"     envDefault:"5s"`
	MaxReconnectAttempts int           `env:"MCP_MAX_RECONNECT_ATTEMPTS" envDefault:"3"`
	ReconnectBackoff     time.Duration `env:"MCP_RECONNECT_BACKOFF"      envDefault:"1s"`
	ShutdownTimeout      time.Duration `env:"MCP_SHUTDOWN_TIMEOUT"       envDefault:"5s"`
	AuditLogPath         string        `env:"MCP_AUDIT_LOG"`
}

// loadConfig parses the environment (or the supplied map, when non-nil) and resolves the
// connection string: the environment variable wins, the first positional argument is the fallback.
func loadConfig(environ map[string]string, args []string) (Config, error) {
	var cfg Config
	opts := env.Options{}
	if environ != nil {
		opts.Environment = environ
	}
	if err := env.ParseWithOptions(&cfg, opts); err != nil {
		return Config{}, startupError("parse env", err)
	}

	cfg.DSN = strings.TrimSpace(cfg.DSN)
	if cfg.DSN == "" && len(args) > 0 {
		cfg.DSN = strings.TrimSpace(args[0])
	}
	if cfg.DSN == "" {
		return Config{}, startupError(fmt.Sprintf("%s environment variable is required, or pass the connection string as the first argument", dsnEnvVar), nil)
	}

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	switch {
	case c.PoolSize < 1:
		return startupError("MCP_POOL_SIZE must be at least 1", nil)
	case c.AcquireTimeout <= 0:
		return startupError("MCP_POOL_ACQUIRE_TIMEOUT must be positive", nil)
	case c.CallTimeout <= 0:
		return startupError("MCP_CALL_TIMEOUT must be positive", nil)
	case c.HeartbeatInterval <= 0:
		return startupError("MCP_HEARTBEAT_INTERVAL must be positive", nil)
	case c.MaxReconnectAttempts < 1:
		return startupError("MCP_MAX_RECONNECT_ATTEMPTS must be at least 1", nil)
	case c.ReconnectBackoff < 0:
		return startupError("MCP_RECONNECT_BACKOFF must not be negative", nil)
	}
	return nil
}

func (c Config) poolOptions() PoolOptions {
	return PoolOptions{
		Size:           c.PoolSize,
		AcquireTimeout: c.AcquireTimeout,
		IdleTimeout:    c.IdleTimeout,
	}
}

func (c Config) monitorOptions() MonitorOptions {
	return MonitorOptions{
		Interval:    c.HeartbeatInterval,
		MaxAttempts: c.MaxReconnectAttempts,
		Backoff:     c.ReconnectBackoff,
	}
}
