package main

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"golang.org/x/sync/semaphore"
)

// PoolOptions bounds the connection pool.
type PoolOptions struct {
	Size           int
	AcquireTimeout time.Duration
	IdleTimeout    time.Duration
}

// Pool hands out exclusive leases on database connections. Slots are tracked by a FIFO
// semaphore so a release wakes exactly one waiter; database/sql does the actual pooling.
type Pool struct {
	db             *sql.DB
	dialect        Dialect
	slots          *semaphore.Weighted
	size           int64
	acquireTimeout time.Duration
	log            *slog.Logger

	acquires atomic.Int64
	inUse    atomic.Int64

	closeOnce sync.Once
	closed    atomic.Bool
	closeErr  error
}

// PooledConn is a leased connection. Release must be called once the caller is done;
// extra calls are no-ops.
type PooledConn struct {
	*sql.Conn
	pool *Pool
	once sync.Once
}

// NewPool opens the database handle for dsn. No connection is made until the first acquire.
func NewPool(dialect Dialect, dsn string, opts PoolOptions, log *slog.Logger) (*Pool, error) {
	if opts.Size < 1 {
		return nil, fmt.Errorf("pool size must be at least 1, got %d", opts.Size)
	}
	if log == nil {
		log = discardLogger()
	}

	db, err := sql.Open(dialect.DriverName(), dsn)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	db.SetMaxOpenConns(opts.Size)
	db.SetMaxIdleConns(opts.Size)
	if opts.IdleTimeout > 0 {
		db.SetConnMaxIdleTime(opts.IdleTimeout)
	}

	return &Pool{
		db:             db,
		dialect:        dialect,
		slots:          semaphore.NewWeighted(int64(opts.Size)),
		size:           int64(opts.Size),
		acquireTimeout: opts.AcquireTimeout,
		log:            log.With("component", "pool"),
	}, nil
}

// Dialect returns the engine dialect the pool was opened with.
func (p *Pool) Dialect() Dialect {
	return p.dialect
}

// Acquire leases a connection, waiting at most the configured acquire timeout for a free slot.
func (p *Pool) Acquire(ctx context.Context) (*PooledConn, error) {
	p.acquires.Add(1)

	if p.closed.Load() {
		return nil, newError(KindConnection, "connection pool is closed", nil)
	}

	waitCtx := ctx
	if p.acquireTimeout > 0 {
		var cancel context.CancelFunc
		waitCtx, cancel = context.WithTimeout(ctx, p.acquireTimeout)
		defer cancel()
	}

	if err := p.slots.Acquire(waitCtx, 1); err != nil {
		if ctx.Err() != nil {
			return nil, newError(KindConnection, "gave up waiting for a connection", ctx.Err())
		}
		return nil, newError(KindPoolExhausted, fmt.Sprintf("no connection available within %s (pool size %d)", p.acquireTimeout, p.size), err)
	}

	if p.closed.Load() {
		p.slots.Release(1)
		return nil, newError(KindConnection, "connection pool is closed", nil)
	}

	conn, err := p.db.Conn(ctx)
	if err != nil {
		p.slots.Release(1)
		return nil, newError(KindConnection, "failed to connect to database", err)
	}

	p.inUse.Add(1)
	return &PooledConn{Conn: conn, pool: p}, nil
}

// Release returns the connection to the pool and frees its slot.
func (c *PooledConn) Release() {
	c.once.Do(func() {
		if err := c.Conn.Close(); err != nil && !errors.Is(err, sql.ErrConnDone) {
			c.pool.log.Warn("connection error on release", "error", err)
		}
		c.pool.inUse.Add(-1)
		c.pool.slots.Release(1)
	})
}

// WithConn runs fn on a leased connection and releases it on every exit path.
func (p *Pool) WithConn(ctx context.Context, fn func(*PooledConn) error) error {
	conn, err := p.Acquire(ctx)
	if err != nil {
		return err
	}
	defer conn.Release()

	return fn(conn)
}

// Ping verifies the database is reachable through the pool.
func (p *Pool) Ping(ctx context.Context) error {
	return p.WithConn(ctx, func(conn *PooledConn) error {
		if err := conn.PingContext(ctx); err != nil {
			return newError(KindConnection, "failed to ping database", err)
		}
		return nil
	})
}

// Acquires reports how many acquire attempts have been made.
func (p *Pool) Acquires() int64 {
	return p.acquires.Load()
}

// PoolStats is a point-in-time view of the pool.
type PoolStats struct {
	Size  int64
	InUse int64
	DB    sql.DBStats
}

func (p *Pool) Stats() PoolStats {
	return PoolStats{
		Size:  p.size,
		InUse: p.inUse.Load(),
		DB:    p.db.Stats(),
	}
}

// Close stops new leases, waits for outstanding ones until ctx ends and closes the database
// handle. Only the first call does any work.
func (p *Pool) Close(ctx context.Context) error {
	p.closeOnce.Do(func() {
		p.closed.Store(true)

		if err := p.slots.Acquire(ctx, p.size); err != nil {
			p.log.Warn("closing pool with connections still leased", "in_use", p.inUse.Load(), "error", err)
		} else {
			defer p.slots.Release(p.size)
		}

		if err := p.db.Close(); err != nil {
			p.closeErr = fmt.Errorf("failed to close database: %w", err)
		}
	})
	return p.closeErr
}
