// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package assistant

import (
	"encoding/json"
	"time"
)

// This file contains shared domain types used across the assistant subpackages.

// SessionState is the lifecycle state of an MCP session.
type SessionState string

const (
	// StateUnstarted is the state before the first spawn attempt.
	StateUnstarted SessionState = "unstarted"

	// StateSpawning indicates the child process is being started.
	StateSpawning SessionState = "spawning"

	// StateInitializing indicates the process is running and the handshake is in progress.
	StateInitializing SessionState = "initializing"

	// StateReady indicates the handshake completed, the process is alive and the transport is open.
	StateReady SessionState = "ready"

	// StateFailed indicates the session ended abnormally. The supervisor decides
	// whether it is restarted.
	StateFailed SessionState = "failed"

	// StateTerminal indicates the session will never be restarted.
	StateTerminal SessionState = "terminal"
)

// RestartPolicy controls what the supervisor does after a session ends.
type RestartPolicy string

const (
	// RestartNever leaves an ended session Terminal.
	RestartNever RestartPolicy = "never"

	// RestartOnCrash restarts only after an abnormal end.
	RestartOnCrash RestartPolicy = "on-crash"

	// RestartAlways restarts after any end, including a clean exit.
	RestartAlways RestartPolicy = "always"
)

// Framing selects how JSON-RPC messages are delimited on a stdio pipe.
type Framing string

const (
	// FramingNewline writes one JSON object per line.
	FramingNewline Framing = "newline"

	// FramingContentLength writes LSP style Content-Length headers before each body.
	FramingContentLength Framing = "content-length"
)

// ServerIdentity is what an MCP server reported about itself during initialize.
type ServerIdentity struct {
	Name            string         `json:"name"`
	Version         string         `json:"version"`
	ProtocolVersion string         `json:"protocolVersion"`
	Capabilities    map[string]any `json:"capabilities,omitempty"`
}

// Tool is a tool as advertised by a single MCP server.
type Tool struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolDescriptor is a tool as exposed by the aggregated catalog.
type ToolDescriptor struct {
	// ExposedName is unique across a catalog snapshot.
	ExposedName string `json:"name"`

	// SessionID is the id of the server that owns the tool.
	SessionID string `json:"server"`

	// NativeName is the name the owning server knows the tool by.
	NativeName string `json:"nativeName"`

	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// ToolContent is one content block of a tool result.
type ToolContent struct {
	Type     string          `json:"type"`
	Text     string          `json:"text,omitempty"`
	MIMEType string          `json:"mimeType,omitempty"`
	Data     string          `json:"data,omitempty"`
	Resource json.RawMessage `json:"resource,omitempty"`
}

// ToolResult is the outcome of a tools/call.
type ToolResult struct {
	Content           []ToolContent   `json:"content"`
	StructuredContent json.RawMessage `json:"structuredContent,omitempty"`

	// IsError is set when the server reported the tool itself failed.
	IsError bool `json:"isError,omitempty"`

	// Truncated is set when the rendered payload exceeded the configured limit.
	Truncated bool `json:"-"`
}

// ToolError is a structured failure reported by an MCP server for a request.
type ToolError struct {
	Code    int64           `json:"code"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data,omitempty"`
}

func (e *ToolError) Error() string {
	if len(e.Data) > 0 {
		return e.Message + ": " + string(e.Data)
	}
	return e.Message
}

// SessionSnapshot is a point-in-time copy of the public fields of a session.
type SessionSnapshot struct {
	ID            string          `json:"id"`
	State         SessionState    `json:"state"`
	Identity      *ServerIdentity `json:"identity,omitempty"`
	Epoch         uint64          `json:"epoch"`
	Tools         []Tool          `json:"tools"`
	LastError     string          `json:"lastError,omitempty"`
	LastHealthy   time.Time       `json:"lastHealthy,omitzero"`
	PID           int             `json:"pid,omitempty"`
	Restarts      int             `json:"restarts"`
	RestartPolicy RestartPolicy   `json:"restartPolicy"`
}

// Role is the author of a conversation message.
type Role string

const (
	// RoleSystem is an instruction to the model.
	RoleSystem Role = "system"
	// RoleUser is a message from the end user.
	RoleUser Role = "user"
	// RoleAssistant is a model reply.
	RoleAssistant Role = "assistant"
	// RoleTool carries a tool result back to the model.
	RoleTool Role = "tool"
)

// ToolCall is a tool invocation requested by the model.
type ToolCall struct {
	ID        string         `json:"id"`
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments"`
}

// Message is one entry of a conversation.
type Message struct {
	Role    Role   `json:"role"`
	Content string `json:"content"`

	// ToolCalls is set on assistant messages that request tools.
	ToolCalls []ToolCall `json:"toolCalls,omitempty"`

	// ToolCallID and ToolName are set on tool messages.
	ToolCallID string `json:"toolCallId,omitempty"`
	ToolName   string `json:"toolName,omitempty"`
}
