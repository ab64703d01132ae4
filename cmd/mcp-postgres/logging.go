package main

import (
	"io"
	"log/slog"
)

// levelVar is shared by every logger so the debug toggle applies process-wide.
var levelVar = func() *slog.LevelVar {
	v := new(slog.LevelVar)
	v.Set(slog.LevelWarn)
	return v
}()

// setDebug switches between debug and warn level logging
func setDebug(enabled bool) {
	if enabled {
		levelVar.Set(slog.LevelDebug)
	} else {
		levelVar.Set(slog.LevelWarn)
	}
}

// newLogger builds the root logger. w must never be the protocol stream.
func newLogger(w io.Writer, sessionID string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{Level: levelVar})
	return slog.New(handler).With("server", serverName, "session", sessionID)
}

// discardLogger is used by tests and by components constructed without a logger.
func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
