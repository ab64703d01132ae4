package main

import (
	"errors"
	"fmt"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
)

// Kind classifies failures so the dispatcher and lifecycle can decide how to surface them.
type Kind string

const (
	KindStartup          Kind = "startup"
	KindUnknownOperation Kind = "unknown_operation"
	KindValidation       Kind = "validation"
	KindQueryExecution   Kind = "query_execution"
	KindTimeout          Kind = "timeout"
	KindPoolExhausted    Kind = "pool_exhausted"
	KindConnection       Kind = "connection"
	KindTransport        Kind = "transport"
	KindFatal            Kind = "fatal"
)

// Error is the server's error type. Message is safe to send to the peer.
type Error struct {
	Kind    Kind
	Message string
	Data    map[string]interface{}
	Cause   error
}

func (e *Error) Error() string {
	if e.Cause != nil && e.Cause.Error() != e.Message {
		return fmt.Sprintf("%s: %v", e.Message, e.Cause)
	}
	return e.Message
}

func (e *Error) Unwrap() error {
	return e.Cause
}

// Is matches any *Error of the same kind, so errors.Is(err, ErrTimeout) works on wrapped chains.
func (e *Error) Is(target error) bool {
	var t *Error
	if errors.As(target, &t) {
		return e.Kind == t.Kind
	}
	return false
}

// Sentinels for errors.Is checks.
var (
	ErrStartup          = &Error{Kind: KindStartup}
	ErrUnknownOperation = &Error{Kind: KindUnknownOperation}
	ErrValidation       = &Error{Kind: KindValidation}
	ErrQueryExecution   = &Error{Kind: KindQueryExecution}
	ErrTimeout          = &Error{Kind: KindTimeout}
	ErrPoolExhausted    = &Error{Kind: KindPoolExhausted}
	ErrConnection       = &Error{Kind: KindConnection}
	ErrTransport        = &Error{Kind: KindTransport}
	ErrFatal            = &Error{Kind: KindFatal}
)

func newError(kind Kind, message string, cause error) *Error {
	return &Error{Kind: kind, Message: message, Cause: cause}
}

func startupError(message string, cause error) *Error {
	return newError(KindStartup, message, cause)
}

func unknownOperationError(name string) *Error {
	return &Error{
		Kind:    KindUnknownOperation,
		Message: fmt.Sprintf("Unknown tool: %s", name),
		Data:    map[string]interface{}{"operation": name},
	}
}

func validationError(operation, message string) *Error {
	return &Error{
		Kind:    KindValidation,
		Message: message,
		Data:    map[string]interface{}{"operation": operation},
	}
}

func queryExecutionError(operation string, cause error) *Error {
	return &Error{
		Kind:    KindQueryExecution,
		Message: cause.Error(),
		Data:    map[string]interface{}{"operation": operation},
		Cause:   cause,
	}
}

func timeoutError(operation string, budget time.Duration) *Error {
	return &Error{
		Kind:    KindTimeout,
		Message: fmt.Sprintf("operation %s timed out after %s", operation, budget),
		Data:    map[string]interface{}{"operation": operation},
	}
}

// rpcCode maps an error kind onto the JSON-RPC code sent to the peer.
func rpcCode(kind Kind) int {
	switch kind {
	case KindUnknownOperation:
		return mcp.METHOD_NOT_FOUND
	case KindValidation:
		return mcp.INVALID_PARAMS
	default:
		return mcp.INTERNAL_ERROR
	}
}

// toMCPError converts any error into the wire failure descriptor. Errors that are not *Error
// are reported as internal errors.
func toMCPError(err error) *MCPError {
	var e *Error
	if !errors.As(err, &e) {
		return &MCPError{
			Code:    mcp.INTERNAL_ERROR,
			Message: err.Error(),
			Data:    map[string]interface{}{"kind": string(KindFatal)},
		}
	}

	data := map[string]interface{}{"kind": string(e.Kind)}
	for k, v := range e.Data {
		data[k] = v
	}

	return &MCPError{
		Code:    rpcCode(e.Kind),
		Message: e.Message,
		Data:    data,
	}
}
