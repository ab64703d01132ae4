package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"runtime/debug"
	"time"
)

// Dispatcher routes a named call to its operation, leases a connection for it and bounds it
// by the call timeout.
type Dispatcher struct {
	registry    *Registry
	pool        *Pool
	callTimeout time.Duration
	log         *slog.Logger
	audit       *AuditLogger

	// onFatal is invoked when a handler panics. The server cannot vouch for its own state
	// afterwards and is expected to shut down.
	onFatal func(error)
}

// DispatcherOptions configures a Dispatcher. Log, Audit and OnFatal are optional.
type DispatcherOptions struct {
	CallTimeout time.Duration
	Log         *slog.Logger
	Audit       *AuditLogger
	OnFatal     func(error)
}

func NewDispatcher(registry *Registry, pool *Pool, opts DispatcherOptions) *Dispatcher {
	log := opts.Log
	if log == nil {
		log = discardLogger()
	}
	onFatal := opts.OnFatal
	if onFatal == nil {
		onFatal = func(error) {}
	}
	return &Dispatcher{
		registry:    registry,
		pool:        pool,
		callTimeout: opts.CallTimeout,
		log:         log.With("component", "dispatcher"),
		audit:       opts.Audit,
		onFatal:     onFatal,
	}
}

type dispatchResult struct {
	value interface{}
	err   error
}

// Dispatch runs operation name with args and returns the reply text. Unknown names and
// invalid arguments are rejected before any connection is leased.
func (d *Dispatcher) Dispatch(ctx context.Context, requestID interface{}, name string, args map[string]interface{}) (string, error) {
	start := time.Now()
	text, err := d.dispatch(ctx, name, args)
	duration := time.Since(start)

	entry := AuditEntry{
		RequestID:  requestID,
		Operation:  name,
		Params:     truncateParams(args),
		DurationMs: duration.Milliseconds(),
		Success:    err == nil,
	}
	if err != nil {
		var e *Error
		if errors.As(err, &e) {
			entry.ErrorKind = string(e.Kind)
		}
		entry.Error = err.Error()
		d.log.Warn("operation failed", "operation", name, "id", requestID, "duration", duration, "error", err)
	} else {
		d.log.Debug("operation completed", "operation", name, "id", requestID, "duration", duration)
	}
	d.audit.Record(entry)

	return text, err
}

func (d *Dispatcher) dispatch(ctx context.Context, name string, args map[string]interface{}) (string, error) {
	op, ok := d.registry.Lookup(name)
	if !ok {
		return "", unknownOperationError(name)
	}
	if args == nil {
		args = map[string]interface{}{}
	}
	if err := op.Validate(args); err != nil {
		return "", err
	}

	d.log.Debug("dispatching operation", "operation", name, "params", truncateParams(args))

	callCtx, cancel := context.WithTimeout(ctx, d.callTimeout)
	defer cancel()

	done := make(chan dispatchResult, 1)
	go d.run(callCtx, op, args, done)

	select {
	case res := <-done:
		if res.err != nil {
			return "", d.classify(callCtx, name, res.err)
		}
		text, err := renderResult(res.value)
		if err != nil {
			return "", newError(KindQueryExecution, err.Error(), err)
		}
		return text, nil
	case <-callCtx.Done():
		// The handler keeps its lease until it observes the cancellation and returns.
		return "", d.classify(callCtx, name, callCtx.Err())
	}
}

// run executes the handler on a leased connection and reports on done exactly once.
func (d *Dispatcher) run(ctx context.Context, op *Operation, args map[string]interface{}, done chan<- dispatchResult) {
	defer func() {
		if r := recover(); r != nil {
			err := newError(KindFatal, fmt.Sprintf("operation %s panicked: %v", op.Name(), r), nil)
			d.log.Error("operation panicked", "operation", op.Name(), "panic", r, "stack", string(debug.Stack()))
			select {
			case done <- dispatchResult{err: err}:
			default:
			}
			d.onFatal(err)
		}
	}()

	conn, err := d.pool.Acquire(ctx)
	if err != nil {
		done <- dispatchResult{err: err}
		return
	}
	defer conn.Release()

	value, err := op.Handler(ctx, conn, args)
	done <- dispatchResult{value: value, err: err}
}

// classify turns a handler or context error into the failure sent to the peer.
func (d *Dispatcher) classify(callCtx context.Context, name string, err error) error {
	if errors.Is(callCtx.Err(), context.DeadlineExceeded) {
		var e *Error
		if !errors.As(err, &e) || e.Kind == KindQueryExecution || e.Kind == KindConnection {
			return timeoutError(name, d.callTimeout)
		}
	}

	var e *Error
	if errors.As(err, &e) {
		return err
	}
	if errors.Is(err, context.Canceled) {
		return newError(KindConnection, "request cancelled", err)
	}
	return queryExecutionError(name, err)
}
