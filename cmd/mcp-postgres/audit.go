package main

import (
	"encoding/json"
	"fmt"
	"io"
	"os"
	"strings"
	"sync"
	"time"
)

const (
	maxParamLines = 20
	maxParamChars = 2000
)

// AuditEntry is one JSON line in the audit log.
type AuditEntry struct {
	Timestamp  time.Time              `json:"timestamp"`
	Session    string                 `json:"session"`
	RequestID  interface{}            `json:"request_id,omitempty"`
	Operation  string                 `json:"operation"`
	Params     map[string]interface{} `json:"params,omitempty"`
	DurationMs int64                  `json:"duration_ms"`
	Success    bool                   `json:"success"`
	ErrorKind  string                 `json:"error_kind,omitempty"`
	Error      string                 `json:"error,omitempty"`
}

// AuditLogger appends AuditEntry lines to a writer. A nil *AuditLogger discards entries.
type AuditLogger struct {
	mu      sync.Mutex
	w       io.Writer
	closer  io.Closer
	session string
}

// openAuditLog opens (or creates) path for appending. An empty path disables auditing.
func openAuditLog(path, session string) (*AuditLogger, error) {
	if path == "" {
		return nil, nil
	}

	file, err := os.OpenFile(path, os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644)
	if err != nil {
		return nil, fmt.Errorf("failed to open audit log file: %w", err)
	}

	return &AuditLogger{w: file, closer: file, session: session}, nil
}

func newAuditLogger(w io.Writer, session string) *AuditLogger {
	return &AuditLogger{w: w, session: session}
}

// Record writes one entry. Failures are reported on stderr and otherwise ignored.
func (a *AuditLogger) Record(entry AuditEntry) {
	if a == nil {
		return
	}
	if entry.Timestamp.IsZero() {
		entry.Timestamp = time.Now().UTC()
	}
	entry.Session = a.session

	jsonData, err := json.Marshal(entry)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Failed to marshal audit log entry: %v\n", err)
		return
	}

	a.mu.Lock()
	defer a.mu.Unlock()
	if _, err := a.w.Write(append(jsonData, '\n')); err != nil {
		fmt.Fprintf(os.Stderr, "Failed to write audit log entry: %v\n", err)
	}
}

// Close closes the underlying file, if any.
func (a *AuditLogger) Close() error {
	if a == nil || a.closer == nil {
		return nil
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.closer.Close()
}

// truncateParams copies params for logging, cutting long string values (> 20 lines or
// > 2000 characters).
func truncateParams(params map[string]interface{}) map[string]interface{} {
	if len(params) == 0 {
		return nil
	}

	truncated := make(map[string]interface{}, len(params))
	for k, v := range params {
		strVal, ok := v.(string)
		if !ok {
			truncated[k] = v
			continue
		}

		lines := strings.Split(strVal, "\n")
		switch {
		case len(lines) > maxParamLines:
			truncated[k] = fmt.Sprintf("%s\n... (truncated, %d total lines)", strings.Join(lines[:maxParamLines], "\n"), len(lines))
		case len(strVal) > maxParamChars:
			truncated[k] = fmt.Sprintf("%s... (truncated, %d total chars)", strVal[:maxParamChars], len(strVal))
		default:
			truncated[k] = v
		}
	}

	return truncated
}
