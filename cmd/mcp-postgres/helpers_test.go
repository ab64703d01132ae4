package main

import (
	"bufio"
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"
)

const testSchema = `
CREATE TABLE departments (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL
);
CREATE TABLE employees (
	id INTEGER PRIMARY KEY,
	name TEXT NOT NULL,
	email TEXT,
	department_id INTEGER REFERENCES departments(id),
	salary REAL DEFAULT 0,
	hired_at TEXT
);
CREATE TABLE projects (
	id INTEGER PRIMARY KEY,
	title TEXT NOT NULL
);
CREATE TABLE employee_projects (
	employee_id INTEGER NOT NULL REFERENCES employees(id),
	project_id INTEGER NOT NULL REFERENCES projects(id),
	PRIMARY KEY (employee_id, project_id)
);
INSERT INTO departments (id, name) VALUES (1, 'Engineering'), (2, 'Sales');
INSERT INTO employees (id, name, email, department_id, salary, hired_at) VALUES
	(1, 'Ada', 'ada@example.com', 1, 120000, '2020-01-15'),
	(2, 'Grace', NULL, 1, 130000, '2019-03-01'),
	(3, 'Linus', 'linus@example.com', 2, 90000, '2021-07-30');
INSERT INTO projects (id, title) VALUES (1, 'Compiler'), (2, 'Kernel');
INSERT INTO employee_projects (employee_id, project_id) VALUES (1, 1), (2, 1), (3, 2);
`

// getTestConnectionString returns a sqlite DSN for a freshly seeded database file.
func getTestConnectionString(t *testing.T) string {
	t.Helper()

	path := filepath.Join(t.TempDir(), "test.db")
	db, err := sql.Open("sqlite", path)
	if err != nil {
		t.Fatalf("Failed to open test database: %v", err)
	}
	defer db.Close()

	if _, err := db.Exec(testSchema); err != nil {
		t.Fatalf("Failed to seed test database: %v", err)
	}
	return path
}

func newTestPool(t *testing.T, opts PoolOptions) *Pool {
	t.Helper()

	dsn := getTestConnectionString(t)
	dialect, dsn, err := dialectFor(dsn)
	if err != nil {
		t.Fatalf("dialectFor() error = %v", err)
	}
	if opts.Size == 0 {
		opts.Size = 4
	}
	if opts.AcquireTimeout == 0 {
		opts.AcquireTimeout = time.Second
	}

	pool, err := NewPool(dialect, dsn, opts, nil)
	if err != nil {
		t.Fatalf("NewPool() error = %v", err)
	}
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), time.Second)
		defer cancel()
		_ = pool.Close(ctx)
	})
	return pool
}

func testConfig(dsn string) Config {
	return Config{
		DSN:                  dsn,
		PoolSize:             4,
		AcquireTimeout:       time.Second,
		IdleTimeout:          30 * time.Second,
		CallTimeout:          5 * time.Second,
		HeartbeatInterval:    time.Hour,
		MaxReconnectAttempts: 3,
		ReconnectBackoff:     0,
		ShutdownTimeout:      time.Second,
	}
}

// syncBuffer is a bytes.Buffer safe for concurrent writers and readers.
type syncBuffer struct {
	mu  sync.Mutex
	buf bytes.Buffer
}

func (b *syncBuffer) Write(p []byte) (int, error) {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.Write(p)
}

func (b *syncBuffer) String() string {
	b.mu.Lock()
	defer b.mu.Unlock()
	return b.buf.String()
}

// messages decodes every line written so far.
func (b *syncBuffer) messages(t *testing.T) []map[string]interface{} {
	t.Helper()

	var out []map[string]interface{}
	scanner := bufio.NewScanner(bytes.NewReader([]byte(b.String())))
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)
	for scanner.Scan() {
		var msg map[string]interface{}
		if err := json.Unmarshal(scanner.Bytes(), &msg); err != nil {
			t.Fatalf("output line is not valid JSON: %v: %s", err, scanner.Text())
		}
		out = append(out, msg)
	}
	return out
}

// waitForMessages polls until at least n messages have been written.
func (b *syncBuffer) waitForMessages(t *testing.T, n int) []map[string]interface{} {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for {
		msgs := b.messages(t)
		if len(msgs) >= n {
			return msgs
		}
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %d messages, got %d: %s", n, len(msgs), b.String())
		}
		time.Sleep(10 * time.Millisecond)
	}
}

// findByID returns the message whose id equals id.
func findByID(msgs []map[string]interface{}, id interface{}) map[string]interface{} {
	for _, m := range msgs {
		if m["id"] == id {
			return m
		}
	}
	return nil
}

func waitFor(t *testing.T, what string, cond func() bool) {
	t.Helper()

	deadline := time.Now().Add(5 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("timed out waiting for %s", what)
		}
		time.Sleep(5 * time.Millisecond)
	}
}

func fileContents(t *testing.T, path string) string {
	t.Helper()

	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("ReadFile(%s) error = %v", path, err)
	}
	return string(data)
}

func newTimeoutContext(t *testing.T, d time.Duration) context.Context {
	t.Helper()

	ctx, cancel := context.WithTimeout(context.Background(), d)
	t.Cleanup(cancel)
	return ctx
}
