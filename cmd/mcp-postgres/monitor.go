package main

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"time"
)

// MonitorOptions controls heartbeat checking and re-arm attempts.
type MonitorOptions struct {
	Interval    time.Duration
	MaxAttempts int
	Backoff     time.Duration
}

// ConnectionState is a snapshot of session liveness.
type ConnectionState struct {
	Connected         bool
	LastHeartbeat     time.Time
	ReconnectAttempts int
	ShuttingDown      bool
}

// Session is the single owner of ConnectionState. Only the monitor and the lifecycle
// controller hold it.
type Session struct {
	mu    sync.Mutex
	state ConnectionState

	// fresh is set after a re-arm and cleared by the first message read afterwards.
	// A transport fault while fresh means the re-arm did not take.
	fresh        bool
	lastAttempts int
}

func NewSession() *Session {
	return &Session{}
}

// State returns a copy of the current state.
func (s *Session) State() ConnectionState {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.state
}

// beginShutdown marks the session as shutting down and reports whether it already was.
func (s *Session) beginShutdown() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	was := s.state.ShuttingDown
	s.state.ShuttingDown = true
	s.state.Connected = false
	return was
}

// SessionMonitor watches the heartbeat clock and re-arms the transport after faults.
type SessionMonitor struct {
	opts     MonitorOptions
	session  *Session
	reattach func(ctx context.Context) error
	shutdown func(code int, cause error)
	log      *slog.Logger

	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error

	faults chan error
}

// NewSessionMonitor creates a monitor. reattach re-arms message handling, shutdown is called
// once attempts are exhausted or the peer goes away.
func NewSessionMonitor(session *Session, opts MonitorOptions, reattach func(ctx context.Context) error, shutdown func(code int, cause error), log *slog.Logger) *SessionMonitor {
	if log == nil {
		log = discardLogger()
	}
	return &SessionMonitor{
		opts:     opts,
		session:  session,
		reattach: reattach,
		shutdown: shutdown,
		log:      log.With("component", "monitor"),
		now:      time.Now,
		sleep:    sleepContext,
		faults:   make(chan error, 1),
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	if d <= 0 {
		return ctx.Err()
	}
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// MarkConnected records a completed handshake and restarts the heartbeat clock.
func (m *SessionMonitor) MarkConnected() {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	m.session.state.Connected = true
	m.session.state.LastHeartbeat = m.now()
	m.session.fresh = false
}

// Heartbeat records a liveness signal from the peer.
func (m *SessionMonitor) Heartbeat() {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	m.session.state.LastHeartbeat = m.now()
	m.session.fresh = false
}

// Activity records that a well-formed message was read.
func (m *SessionMonitor) Activity() {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()
	m.session.fresh = false
}

// TransportFault queues recovery. Faults raised while one is already queued are coalesced.
func (m *SessionMonitor) TransportFault(err error) {
	select {
	case m.faults <- err:
	default:
		m.log.Debug("transport fault coalesced", "error", err)
	}
}

// PeerClosed is called when the input stream ends. The peer is gone, so the process exits.
func (m *SessionMonitor) PeerClosed() {
	m.log.Info("peer closed the input stream")
	m.shutdown(0, nil)
}

// Run checks the heartbeat every interval and performs recovery until ctx ends.
func (m *SessionMonitor) Run(ctx context.Context) error {
	ticker := time.NewTicker(m.opts.Interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return nil
		case <-ticker.C:
			if m.check(m.now()) {
				m.recoverTransport(ctx, newError(KindTransport, "heartbeat timeout", nil), false)
			}
		case err := <-m.faults:
			m.recoverTransport(ctx, err, true)
		}
	}
}

// check reports whether the heartbeat is overdue: more than two intervals since the last one.
func (m *SessionMonitor) check(now time.Time) bool {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()

	st := m.session.state
	if !st.Connected || st.ShuttingDown {
		return false
	}
	return now.Sub(st.LastHeartbeat) > 2*m.opts.Interval
}

// recoverTransport runs the bounded re-arm policy for one fault event.
func (m *SessionMonitor) recoverTransport(ctx context.Context, cause error, fault bool) {
	for {
		attempt, ok := m.beginAttempt(fault)
		if !ok {
			return
		}
		fault = false

		if attempt > m.opts.MaxAttempts {
			m.log.Error("giving up on transport", "attempts", attempt-1, "cause", cause)
			m.shutdown(1, newError(KindTransport, fmt.Sprintf("transport not recovered after %d attempts", m.opts.MaxAttempts), cause))
			return
		}

		m.log.Info("re-arming transport", "attempt", attempt, "max_attempts", m.opts.MaxAttempts, "cause", cause)
		if err := m.sleep(ctx, m.opts.Backoff); err != nil {
			return
		}

		err := m.reattach(ctx)
		if err == nil {
			m.reattached(attempt)
			m.log.Info("transport re-armed", "attempt", attempt)
			return
		}
		m.log.Warn("re-arm failed", "attempt", attempt, "error", err)
		cause = err
	}
}

func (m *SessionMonitor) beginAttempt(fault bool) (int, bool) {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()

	if m.session.state.ShuttingDown {
		return 0, false
	}
	if fault && m.session.fresh {
		m.session.state.ReconnectAttempts = m.session.lastAttempts
	}
	m.session.state.ReconnectAttempts++
	m.session.state.Connected = false
	return m.session.state.ReconnectAttempts, true
}

func (m *SessionMonitor) reattached(attempt int) {
	m.session.mu.Lock()
	defer m.session.mu.Unlock()

	m.session.state.ReconnectAttempts = 0
	m.session.state.Connected = true
	m.session.state.LastHeartbeat = m.now()
	m.session.fresh = true
	m.session.lastAttempts = attempt
}
