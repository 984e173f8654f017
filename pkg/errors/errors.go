// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package errors defines the typed error taxonomy shared by the MCP client
// plane, the chat orchestrator and the HTTP surface.
package errors

import (
	"context"
	"errors"
	"fmt"
	"net/http"
)

// Error types
const (
	// ErrConfig is returned when a configuration entry is invalid at load time
	ErrConfig = "config_error"

	// ErrSpawnFailed is returned when an MCP server process could not be started
	ErrSpawnFailed = "spawn_failed"

	// ErrHandshakeFailed is returned when the initialize exchange timed out or was invalid
	ErrHandshakeFailed = "handshake_failed"

	// ErrTransportClosed is returned when the pipe to a server closed
	ErrTransportClosed = "transport_closed"

	// ErrProtocol is returned on malformed JSON-RPC frames or protocol version mismatch
	ErrProtocol = "protocol_error"

	// ErrUnknownTool is returned when an exposed tool name is not in the catalog
	ErrUnknownTool = "unknown_tool"

	// ErrInvalidArguments is returned when tool arguments fail schema validation
	ErrInvalidArguments = "invalid_arguments"

	// ErrServerUnavailable is returned when the owning session is not ready
	ErrServerUnavailable = "server_unavailable"

	// ErrToolExecution is returned when the server reported a tool failure
	ErrToolExecution = "tool_execution_error"

	// ErrTimeout is returned when a deadline was exceeded
	ErrTimeout = "timeout"

	// ErrToolLoopExhausted is returned when a turn used every allowed tool round-trip
	ErrToolLoopExhausted = "tool_loop_exhausted"

	// ErrLLMUnavailable is returned when the inference endpoint is unreachable or errored
	ErrLLMUnavailable = "llm_unavailable"

	// ErrConversationBusy is returned when a conversation lock could not be taken in time
	ErrConversationBusy = "conversation_busy"

	// ErrInvalidArgument is returned when an invalid argument is provided by a caller
	ErrInvalidArgument = "invalid_argument"

	// ErrInternal is returned when there is an internal error
	ErrInternal = "internal"
)

// Error represents an error in the application
type Error struct {
	// Type is the error type
	Type string

	// Message is the error message
	Message string

	// Cause is the underlying error
	Cause error
}

// Error returns the error message
func (e *Error) Error() string {
	if e.Cause != nil {
		return fmt.Sprintf("%s: %s: %s", e.Type, e.Message, e.Cause)
	}
	return fmt.Sprintf("%s: %s", e.Type, e.Message)
}

// Unwrap returns the underlying error
func (e *Error) Unwrap() error {
	return e.Cause
}

// NewError creates a new error
func NewError(errorType, message string, cause error) *Error {
	return &Error{
		Type:    errorType,
		Message: message,
		Cause:   cause,
	}
}

// NewConfigError creates a new configuration error
func NewConfigError(message string, cause error) *Error {
	return NewError(ErrConfig, message, cause)
}

// NewSpawnFailedError creates a new spawn failure error
func NewSpawnFailedError(message string, cause error) *Error {
	return NewError(ErrSpawnFailed, message, cause)
}

// NewHandshakeFailedError creates a new handshake failure error
func NewHandshakeFailedError(message string, cause error) *Error {
	return NewError(ErrHandshakeFailed, message, cause)
}

// NewTransportClosedError creates a new transport closed error
func NewTransportClosedError(message string, cause error) *Error {
	return NewError(ErrTransportClosed, message, cause)
}

// NewProtocolError creates a new protocol error
func NewProtocolError(message string, cause error) *Error {
	return NewError(ErrProtocol, message, cause)
}

// NewUnknownToolError creates a new unknown tool error
func NewUnknownToolError(message string, cause error) *Error {
	return NewError(ErrUnknownTool, message, cause)
}

// NewInvalidArgumentsError creates a new tool argument validation error
func NewInvalidArgumentsError(message string, cause error) *Error {
	return NewError(ErrInvalidArguments, message, cause)
}

// NewServerUnavailableError creates a new server unavailable error
func NewServerUnavailableError(message string, cause error) *Error {
	return NewError(ErrServerUnavailable, message, cause)
}

// NewToolExecutionError creates a new tool execution error
func NewToolExecutionError(message string, cause error) *Error {
	return NewError(ErrToolExecution, message, cause)
}

// NewTimeoutError creates a new timeout error
func NewTimeoutError(message string, cause error) *Error {
	return NewError(ErrTimeout, message, cause)
}

// NewToolLoopExhaustedError creates a new tool loop exhausted error
func NewToolLoopExhaustedError(message string, cause error) *Error {
	return NewError(ErrToolLoopExhausted, message, cause)
}

// NewLLMUnavailableError creates a new LLM unavailable error
func NewLLMUnavailableError(message string, cause error) *Error {
	return NewError(ErrLLMUnavailable, message, cause)
}

// NewConversationBusyError creates a new conversation busy error
func NewConversationBusyError(message string, cause error) *Error {
	return NewError(ErrConversationBusy, message, cause)
}

// NewInvalidArgumentError creates a new invalid argument error
func NewInvalidArgumentError(message string, cause error) *Error {
	return NewError(ErrInvalidArgument, message, cause)
}

// NewInternalError creates a new internal error
func NewInternalError(message string, cause error) *Error {
	return NewError(ErrInternal, message, cause)
}

// Kind returns the type of the outermost *Error in the chain, or ErrInternal.
// A bare context deadline is reported as ErrTimeout.
func Kind(err error) string {
	if err == nil {
		return ""
	}
	var e *Error
	if errors.As(err, &e) {
		return e.Type
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return ErrTimeout
	}
	return ErrInternal
}

func is(err error, kind string) bool {
	var e *Error
	return errors.As(err, &e) && e.Type == kind
}

// IsConfig checks if the error is a configuration error
func IsConfig(err error) bool { return is(err, ErrConfig) }

// IsSpawnFailed checks if the error is a spawn failure
func IsSpawnFailed(err error) bool { return is(err, ErrSpawnFailed) }

// IsHandshakeFailed checks if the error is a handshake failure
func IsHandshakeFailed(err error) bool { return is(err, ErrHandshakeFailed) }

// IsTransportClosed checks if the error is a transport closed error
func IsTransportClosed(err error) bool { return is(err, ErrTransportClosed) }

// IsProtocol checks if the error is a protocol error
func IsProtocol(err error) bool { return is(err, ErrProtocol) }

// IsUnknownTool checks if the error is an unknown tool error
func IsUnknownTool(err error) bool { return is(err, ErrUnknownTool) }

// IsInvalidArguments checks if the error is a tool argument validation error
func IsInvalidArguments(err error) bool { return is(err, ErrInvalidArguments) }

// IsServerUnavailable checks if the error is a server unavailable error
func IsServerUnavailable(err error) bool { return is(err, ErrServerUnavailable) }

// IsToolExecution checks if the error is a tool execution error
func IsToolExecution(err error) bool { return is(err, ErrToolExecution) }

// IsTimeout checks if the error is a timeout error
func IsTimeout(err error) bool { return is(err, ErrTimeout) }

// IsToolLoopExhausted checks if the error is a tool loop exhausted error
func IsToolLoopExhausted(err error) bool { return is(err, ErrToolLoopExhausted) }

// IsLLMUnavailable checks if the error is an LLM unavailable error
func IsLLMUnavailable(err error) bool { return is(err, ErrLLMUnavailable) }

// IsConversationBusy checks if the error is a conversation busy error
func IsConversationBusy(err error) bool { return is(err, ErrConversationBusy) }

// IsInvalidArgument checks if the error is an invalid argument error
func IsInvalidArgument(err error) bool { return is(err, ErrInvalidArgument) }

// IsInternal checks if the error is an internal error
func IsInternal(err error) bool { return is(err, ErrInternal) }

// Code returns the HTTP status code that best represents err.
func Code(err error) int {
	if err == nil {
		return http.StatusOK
	}
	switch Kind(err) {
	case ErrInvalidArgument, ErrInvalidArguments, ErrConfig:
		return http.StatusBadRequest
	case ErrUnknownTool:
		return http.StatusNotFound
	case ErrConversationBusy:
		return http.StatusConflict
	case ErrServerUnavailable, ErrLLMUnavailable, ErrTransportClosed:
		return http.StatusServiceUnavailable
	case ErrTimeout:
		return http.StatusGatewayTimeout
	default:
		return http.StatusInternalServerError
	}
}
