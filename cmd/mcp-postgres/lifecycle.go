package main

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"sync"

	"golang.org/x/sync/errgroup"
)

// Controller owns process startup and shutdown.
type Controller struct {
	cfg       Config
	sessionID string
	log       *slog.Logger

	session   *Session
	transport *StdioTransport
	registry  *Registry

	pool    *Pool
	audit   *AuditLogger
	server  *Server
	monitor *SessionMonitor

	cancel context.CancelFunc
	group  *errgroup.Group

	shutdownOnce sync.Once
	done         chan struct{}
	exitCode     int
}

func NewController(cfg Config, sessionID string, in io.Reader, out io.Writer, log *slog.Logger) *Controller {
	if log == nil {
		log = discardLogger()
	}
	return &Controller{
		cfg:       cfg,
		sessionID: sessionID,
		log:       log,
		session:   NewSession(),
		transport: NewStdioTransport(in, out, log),
		registry:  newDefaultRegistry(),
		done:      make(chan struct{}),
	}
}

// Run starts the server, blocks until shutdown and returns the process exit code.
// Cancelling ctx triggers a graceful shutdown.
func (c *Controller) Run(ctx context.Context) int {
	if err := c.Start(ctx); err != nil {
		c.log.Error("startup failed", "error", err)
		c.Shutdown(1, err)
		return c.Wait()
	}

	select {
	case <-ctx.Done():
		c.log.Info("termination requested")
		c.Shutdown(0, nil)
	case <-c.done:
	}
	return c.Wait()
}

// Start brings the server up in order: pool, reachability check, transport, monitor.
// Any failure is a startup error.
func (c *Controller) Start(ctx context.Context) error {
	dialect, dsn, err := dialectFor(c.cfg.DSN)
	if err != nil {
		return startupError("unsupported connection string", err)
	}

	c.pool, err = NewPool(dialect, dsn, c.cfg.poolOptions(), c.log)
	if err != nil {
		return startupError("failed to create connection pool", err)
	}

	pingCtx, cancelPing := context.WithTimeout(ctx, c.cfg.AcquireTimeout)
	err = c.pool.Ping(pingCtx)
	cancelPing()
	if err != nil {
		return startupError("database is not reachable", err)
	}
	c.log.Debug("database reachable", "dialect", dialect.Name(), "dsn", maskDSN(c.cfg.DSN))

	c.audit, err = openAuditLog(c.cfg.AuditLogPath, c.sessionID)
	if err != nil {
		return startupError("failed to open audit log", err)
	}

	dispatcher := NewDispatcher(c.registry, c.pool, DispatcherOptions{
		CallTimeout: c.cfg.CallTimeout,
		Log:         c.log,
		Audit:       c.audit,
		OnFatal: func(err error) {
			go c.Shutdown(1, err)
		},
	})

	runCtx, cancel := context.WithCancel(context.WithoutCancel(ctx))
	c.cancel = cancel

	c.monitor = NewSessionMonitor(c.session, c.cfg.monitorOptions(), func(ctx context.Context) error {
		return c.server.Attach(ctx)
	}, c.Shutdown, c.log)
	c.server = NewServer(c.transport, dispatcher, c.registry, c.monitor, c.log)

	if err := c.server.Attach(runCtx); err != nil {
		return startupError("failed to attach transport", err)
	}

	group, groupCtx := errgroup.WithContext(runCtx)
	group.Go(func() error {
		return c.monitor.Run(groupCtx)
	})
	c.group = group

	c.log.Info("server started", "dialect", dialect.Name(), "pool_size", c.cfg.PoolSize)
	return nil
}

// Shutdown stops the server and records the exit code. Only the first call has any effect;
// concurrent callers return once it has finished.
func (c *Controller) Shutdown(code int, cause error) {
	c.shutdownOnce.Do(func() {
		c.session.beginShutdown()

		switch {
		case cause != nil && code != 0:
			c.log.Error("shutting down", "exit_code", code, "cause", cause)
		default:
			c.log.Info("shutting down", "exit_code", code)
		}

		if c.server != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
			if err := c.server.Drain(ctx); err != nil {
				c.log.Warn("in-flight calls did not finish", "error", err)
			}
			cancel()
		}

		if c.pool != nil {
			ctx, cancel := context.WithTimeout(context.Background(), c.cfg.ShutdownTimeout)
			if err := c.pool.Close(ctx); err != nil {
				c.log.Warn("failed to close connection pool", "error", err)
			}
			cancel()
		}

		if err := c.transport.Close(); err != nil {
			c.log.Warn("failed to close transport", "error", err)
		}

		if err := c.audit.Close(); err != nil {
			c.log.Warn("failed to close audit log", "error", err)
		}

		if c.cancel != nil {
			c.cancel()
		}

		c.exitCode = code
		close(c.done)
	})
}

// Wait blocks until shutdown has completed and background work has stopped.
func (c *Controller) Wait() int {
	<-c.done
	if c.group != nil {
		if err := c.group.Wait(); err != nil && !errors.Is(err, context.Canceled) {
			c.log.Warn("background task failed", "error", err)
		}
	}
	return c.exitCode
}

// State exposes the session state for diagnostics.
func (c *Controller) State() ConnectionState {
	return c.session.State()
}
