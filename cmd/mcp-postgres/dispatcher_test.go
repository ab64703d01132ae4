package main

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

func newTestDispatcher(t *testing.T, registry *Registry, opts DispatcherOptions) (*Dispatcher, *Pool) {
	t.Helper()

	pool := newTestPool(t, PoolOptions{Size: 2, AcquireTimeout: 200 * time.Millisecond})
	if opts.CallTimeout == 0 {
		opts.CallTimeout = 5 * time.Second
	}
	return NewDispatcher(registry, pool, opts), pool
}

func TestDispatchRejectsBeforeAcquire(t *testing.T) {
	d, pool := newTestDispatcher(t, newDefaultRegistry(), DispatcherOptions{})
	ctx := newTimeoutContext(t, 5*time.Second)

	tests := []struct {
		name     string
		op       string
		args     map[string]interface{}
		wantKind *Error
	}{
		{
			name:     "Unknown operation",
			op:       "drop_everything",
			args:     map[string]interface{}{},
			wantKind: ErrUnknownOperation,
		},
		{
			name:     "Missing required parameter",
			op:       opQuery,
			args:     map[string]interface{}{},
			wantKind: ErrValidation,
		},
		{
			name:     "Wrong parameter type",
			op:       opQuery,
			args:     map[string]interface{}{"sql": 42.0},
			wantKind: ErrValidation,
		},
		{
			name:     "Empty SQL",
			op:       opQuery,
			args:     map[string]interface{}{"sql": "   "},
			wantKind: ErrValidation,
		},
		{
			name:     "Missing table name",
			op:       opDescribeTable,
			args:     nil,
			wantKind: ErrValidation,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := d.Dispatch(ctx, 1, tt.op, tt.args)
			if !errors.Is(err, tt.wantKind) {
				t.Fatalf("Dispatch() error = %v, want kind %s", err, tt.wantKind.Kind)
			}
		})
	}

	if got := pool.Acquires(); got != 0 {
		t.Errorf("pool was asked for %d connections, want 0", got)
	}
}

func TestDispatchSuccess(t *testing.T) {
	d, pool := newTestDispatcher(t, newDefaultRegistry(), DispatcherOptions{})
	ctx := newTimeoutContext(t, 5*time.Second)

	text, err := d.Dispatch(ctx, "req-1", opQuery, map[string]interface{}{"sql": "SELECT name FROM departments ORDER BY id"})
	if err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}

	var rows []map[string]interface{}
	if err := json.Unmarshal([]byte(text), &rows); err != nil {
		t.Fatalf("result is not JSON: %v\n%s", err, text)
	}
	if len(rows) != 2 || rows[0]["name"] != "Engineering" {
		t.Errorf("rows = %v", rows)
	}

	if got := pool.Stats().InUse; got != 0 {
		t.Errorf("InUse after dispatch = %d, want 0", got)
	}
}

func TestDispatchQueryError(t *testing.T) {
	d, pool := newTestDispatcher(t, newDefaultRegistry(), DispatcherOptions{})
	ctx := newTimeoutContext(t, 5*time.Second)

	_, err := d.Dispatch(ctx, 1, opQuery, map[string]interface{}{"sql": "SELECT * FROM missing_table"})
	if !errors.Is(err, ErrQueryExecution) {
		t.Fatalf("Dispatch() error = %v, want query execution error", err)
	}
	if got := pool.Stats().InUse; got != 0 {
		t.Errorf("InUse after failed dispatch = %d, want 0", got)
	}
}

func TestDispatchTimeout(t *testing.T) {
	registry := NewRegistry()
	released := make(chan struct{})
	Register(registry, mcp.NewTool("sleep"), func(ctx context.Context, _ *PooledConn, _ struct{}) (interface{}, error) {
		defer close(released)
		<-ctx.Done()
		return nil, ctx.Err()
	})

	d, pool := newTestDispatcher(t, registry, DispatcherOptions{CallTimeout: 50 * time.Millisecond})
	ctx := newTimeoutContext(t, 5*time.Second)

	start := time.Now()
	_, err := d.Dispatch(ctx, 1, "sleep", nil)
	if !errors.Is(err, ErrTimeout) {
		t.Fatalf("Dispatch() error = %v, want timeout", err)
	}
	if elapsed := time.Since(start); elapsed > 2*time.Second {
		t.Errorf("Dispatch() took %s, want about the call timeout", elapsed)
	}

	<-released
	waitFor(t, "lease release", func() bool { return pool.Stats().InUse == 0 })
}

func TestDispatchPanicIsFatal(t *testing.T) {
	registry := NewRegistry()
	Register(registry, mcp.NewTool("explode"), func(context.Context, *PooledConn, struct{}) (interface{}, error) {
		panic("kaboom")
	})

	var fatal atomic.Value
	d, pool := newTestDispatcher(t, registry, DispatcherOptions{
		OnFatal: func(err error) { fatal.Store(err) },
	})
	ctx := newTimeoutContext(t, 5*time.Second)

	_, err := d.Dispatch(ctx, 1, "explode", nil)
	if !errors.Is(err, ErrFatal) {
		t.Fatalf("Dispatch() error = %v, want fatal", err)
	}

	waitFor(t, "fatal callback", func() bool { return fatal.Load() != nil })
	waitFor(t, "lease release", func() bool { return pool.Stats().InUse == 0 })

	if mcpErr := toMCPError(err); mcpErr.Code != mcp.INTERNAL_ERROR {
		t.Errorf("code = %d, want %d", mcpErr.Code, mcp.INTERNAL_ERROR)
	}
}

func TestDispatchConcurrent(t *testing.T) {
	d, _ := newTestDispatcher(t, newDefaultRegistry(), DispatcherOptions{})
	ctx := newTimeoutContext(t, 10*time.Second)

	errs := make(chan error, 8)
	for i := 0; i < 8; i++ {
		go func() {
			_, err := d.Dispatch(ctx, i, opListTables, nil)
			errs <- err
		}()
	}
	for i := 0; i < 8; i++ {
		if err := <-errs; err != nil {
			t.Errorf("concurrent Dispatch() error = %v", err)
		}
	}
}

func TestDispatchAudit(t *testing.T) {
	var buf bytes.Buffer
	audit := newAuditLogger(&buf, "session-1")
	d, _ := newTestDispatcher(t, newDefaultRegistry(), DispatcherOptions{Audit: audit})
	ctx := newTimeoutContext(t, 5*time.Second)

	if _, err := d.Dispatch(ctx, 7, opListTables, nil); err != nil {
		t.Fatalf("Dispatch() error = %v", err)
	}
	_, _ = d.Dispatch(ctx, 8, "nope", nil)

	lines := strings.Split(strings.TrimSpace(buf.String()), "\n")
	if len(lines) != 2 {
		t.Fatalf("got %d audit lines, want 2:\n%s", len(lines), buf.String())
	}

	var ok, failed AuditEntry
	if err := json.Unmarshal([]byte(lines[0]), &ok); err != nil {
		t.Fatalf("invalid audit line: %v", err)
	}
	if err := json.Unmarshal([]byte(lines[1]), &failed); err != nil {
		t.Fatalf("invalid audit line: %v", err)
	}

	if ok.Operation != opListTables || !ok.Success || ok.Session != "session-1" {
		t.Errorf("success entry = %+v", ok)
	}
	if failed.Success || failed.ErrorKind != string(KindUnknownOperation) {
		t.Errorf("failure entry = %+v", failed)
	}
}
