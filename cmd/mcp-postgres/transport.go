package main

import (
	"bufio"
	"context"
	"encoding/json"
	"io"
	"log/slog"
	"sync"
)

// maxLineSize is the longest message line the transport accepts.
const maxLineSize = 10 * 1024 * 1024

// lineHandler receives what the read loop observes on the input stream.
type lineHandler interface {
	HandleLine(ctx context.Context, line []byte)
	StreamClosed()
	StreamFault(err error)
}

// StdioTransport carries newline-delimited JSON messages over a reader/writer pair.
// At most one read loop runs at a time; Attach re-arms it after it stops on a fault.
type StdioTransport struct {
	in  io.Reader
	log *slog.Logger

	mu        sync.Mutex
	listening bool
	closed    bool

	writeMu sync.Mutex
	encoder *json.Encoder
}

func NewStdioTransport(in io.Reader, out io.Writer, log *slog.Logger) *StdioTransport {
	if log == nil {
		log = discardLogger()
	}
	return &StdioTransport{
		in:      in,
		log:     log.With("component", "transport"),
		encoder: json.NewEncoder(out),
	}
}

// Attach starts a read loop feeding h. It is a no-op while a loop is already running and fails
// once the transport is closed.
func (t *StdioTransport) Attach(ctx context.Context, h lineHandler) error {
	t.mu.Lock()
	defer t.mu.Unlock()

	if t.closed {
		return newError(KindTransport, "transport is closed", nil)
	}
	if t.listening {
		return nil
	}
	t.listening = true

	go t.readLoop(ctx, h)
	return nil
}

func (t *StdioTransport) readLoop(ctx context.Context, h lineHandler) {
	scanner := bufio.NewScanner(t.in)
	scanner.Buffer(make([]byte, 0, 64*1024), maxLineSize)

	for scanner.Scan() {
		if ctx.Err() != nil || t.isClosed() {
			t.stopListening()
			return
		}
		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}
		// The scanner reuses its buffer; handlers may keep the line past the next Scan.
		buf := make([]byte, len(line))
		copy(buf, line)
		h.HandleLine(ctx, buf)
	}

	t.stopListening()
	if t.isClosed() {
		return
	}

	if err := scanner.Err(); err != nil {
		t.log.Warn("read loop stopped", "error", err)
		h.StreamFault(newError(KindTransport, "failed to read from input stream", err))
		return
	}

	t.log.Debug("input stream closed")
	h.StreamClosed()
}

func (t *StdioTransport) stopListening() {
	t.mu.Lock()
	t.listening = false
	t.mu.Unlock()
}

func (t *StdioTransport) isClosed() bool {
	t.mu.Lock()
	defer t.mu.Unlock()
	return t.closed
}

// Send writes one message as a single line. Concurrent sends never interleave.
func (t *StdioTransport) Send(v interface{}) error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	if t.isClosed() {
		return newError(KindTransport, "transport is closed", nil)
	}
	if err := t.encoder.Encode(v); err != nil {
		return newError(KindTransport, "failed to write message", err)
	}
	return nil
}

// Close stops further reads and writes. Calling it more than once is harmless.
func (t *StdioTransport) Close() error {
	t.writeMu.Lock()
	defer t.writeMu.Unlock()

	t.mu.Lock()
	t.closed = true
	t.mu.Unlock()
	return nil
}
