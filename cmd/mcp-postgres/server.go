package main

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"
)

const instructions = "Read-only access to a relational database. Use list_tables to discover tables, describe_table to inspect columns and query to run SQL; every query runs in a read-only transaction that is rolled back."

// sessionObserver is told about session level events seen on the wire.
type sessionObserver interface {
	MarkConnected()
	Heartbeat()
	Activity()
	TransportFault(err error)
	PeerClosed()
}

// Server decodes requests from the transport, answers protocol methods itself and hands
// tools/call to the dispatcher.
type Server struct {
	transport  *StdioTransport
	dispatcher *Dispatcher
	registry   *Registry
	observer   sessionObserver
	log        *slog.Logger

	// calls tracks in-flight tools/call handlers. Once draining is set no new call is started.
	mu       sync.Mutex
	draining bool
	calls    errgroup.Group
}

func NewServer(transport *StdioTransport, dispatcher *Dispatcher, registry *Registry, observer sessionObserver, log *slog.Logger) *Server {
	if log == nil {
		log = discardLogger()
	}
	return &Server{
		transport:  transport,
		dispatcher: dispatcher,
		registry:   registry,
		observer:   observer,
		log:        log.With("component", "server"),
	}
}

// Attach (re)arms message handling on the transport.
func (s *Server) Attach(ctx context.Context) error {
	return s.transport.Attach(ctx, s)
}

// HandleLine processes one raw message line.
func (s *Server) HandleLine(ctx context.Context, line []byte) {
	var msg MCPMessage
	dec := json.NewDecoder(bytes.NewReader(line))
	dec.UseNumber()
	if err := dec.Decode(&msg); err != nil {
		s.log.Debug("unparseable message", "error", err)
		s.send(errorResponse{
			JSONRPC: "2.0",
			ID:      nil,
			Error:   &MCPError{Code: mcp.PARSE_ERROR, Message: fmt.Sprintf("Parse error: %v", err)},
		})
		return
	}

	s.observer.Activity()

	if msg.Method == "" {
		// A response from the peer; the server never issues requests.
		return
	}

	s.handleRequest(ctx, &msg)
}

func (s *Server) StreamClosed() {
	s.observer.PeerClosed()
}

func (s *Server) StreamFault(err error) {
	s.observer.TransportFault(err)
}

func (s *Server) handleRequest(ctx context.Context, msg *MCPMessage) {
	s.log.Debug("request received", "method", msg.Method, "id", msg.ID)

	switch msg.Method {
	case "initialize":
		s.observer.MarkConnected()
		s.handleInitialize(msg)
	case "notifications/initialized", "initialized":
		s.observer.MarkConnected()
	case "ping":
		s.observer.Heartbeat()
		s.reply(msg, map[string]interface{}{})
	case "tools/list":
		s.reply(msg, ToolsListResponse{Tools: s.registry.Tools()})
	case "tools/call":
		s.startToolCall(ctx, msg)
	default:
		if msg.isNotification() {
			s.log.Debug("ignoring notification", "method", msg.Method)
			return
		}
		s.sendError(msg.ID, &MCPError{
			Code:    mcp.METHOD_NOT_FOUND,
			Message: fmt.Sprintf("Unknown method: %s", msg.Method),
		})
	}
}

func (s *Server) handleInitialize(msg *MCPMessage) {
	s.reply(msg, InitializeResponse{
		ProtocolVersion: protocolVersion,
		Capabilities: map[string]interface{}{
			"tools": map[string]interface{}{},
		},
		ServerInfo: ServerInfo{
			Name:    serverName,
			Version: serverVersion,
		},
		Instructions: instructions,
	})
}

func (s *Server) startToolCall(ctx context.Context, msg *MCPMessage) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if s.draining {
		s.sendError(msg.ID, toMCPError(newError(KindConnection, "server is shutting down", nil)))
		return
	}
	s.calls.Go(func() error {
		s.handleToolCall(ctx, msg)
		return nil
	})
}

// Drain stops accepting tool calls and waits until every call already started has sent its
// reply, or until ctx is done.
func (s *Server) Drain(ctx context.Context) error {
	s.mu.Lock()
	s.draining = true
	s.mu.Unlock()

	done := make(chan struct{})
	go func() {
		_ = s.calls.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Server) handleToolCall(ctx context.Context, msg *MCPMessage) {
	var params struct {
		Name      string          `json:"name"`
		Arguments json.RawMessage `json:"arguments"`
	}
	if err := json.Unmarshal(msg.Params, &params); err != nil {
		s.sendError(msg.ID, toMCPError(validationError("", fmt.Sprintf("failed to unmarshal params: %v", err))))
		return
	}

	req := ToolsCallRequest{Name: params.Name}
	if len(params.Arguments) > 0 && string(params.Arguments) != "null" {
		if err := json.Unmarshal(params.Arguments, &req.Arguments); err != nil {
			s.sendError(msg.ID, toMCPError(validationError(req.Name, "arguments must be a JSON object")))
			return
		}
	}

	text, err := s.dispatcher.Dispatch(ctx, msg.ID, req.Name, req.Arguments)
	if err != nil {
		s.sendError(msg.ID, toMCPError(err))
		return
	}

	s.reply(msg, mcp.NewToolResultText(text))
}

func (s *Server) reply(msg *MCPMessage, result interface{}) {
	if msg.isNotification() {
		return
	}
	s.send(MCPMessage{
		JSONRPC: "2.0",
		ID:      msg.ID,
		Result:  result,
	})
}

func (s *Server) sendError(id interface{}, mcpErr *MCPError) {
	if id == nil {
		return
	}
	s.send(MCPMessage{
		JSONRPC: "2.0",
		ID:      id,
		Error:   mcpErr,
	})
}

func (s *Server) send(v interface{}) {
	if err := s.transport.Send(v); err != nil {
		s.log.Warn("failed to send message", "error", err)
	}
}
