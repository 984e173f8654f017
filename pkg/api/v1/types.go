// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"

	"github.com/stacklok/mcp-assistant/pkg/assistant/catalog"
	"github.com/stacklok/mcp-assistant/pkg/assistant/health"
	"github.com/stacklok/mcp-assistant/pkg/assistant/llm"
	"github.com/stacklok/mcp-assistant/pkg/assistant/orchestrator"
	"github.com/stacklok/mcp-assistant/pkg/assistant/registry"
	"github.com/stacklok/mcp-assistant/pkg/process"
)

// ChatService runs chat turns.
type ChatService interface {
	HandleTurn(ctx context.Context, req orchestrator.TurnRequest) (*orchestrator.TurnResult, error)
}

// ConversationStore removes conversations.
type ConversationStore interface {
	Delete(id string) bool
}

// ToolCatalog provides the current tool catalog.
type ToolCatalog interface {
	Snapshot() *catalog.Snapshot
}

// SessionStatus reports the state of the MCP sessions.
type SessionStatus interface {
	Statuses(ctx context.Context) []registry.Status
	ReadyCount() int
	Len() int
}

// HealthChecker computes health reports.
type HealthChecker interface {
	Check(ctx context.Context) health.Report
	LLMAvailable(ctx context.Context) bool
}

// ModelInfo describes the configured model backend.
type ModelInfo interface {
	Info() llm.Info
}

// ErrorReply is the response text of a failed chat turn.
const ErrorReply = "Sorry, I encountered an error processing your request."

// chatRequest represents the request to send a stateless chat message
//
//	@Description	Request to send a chat message
type chatRequest struct {
	// Message is the user message
	Message string `json:"message"`
}

// conversationRequest represents the request to send a message in a conversation
//
//	@Description	Request to send a message in a conversation
type conversationRequest struct {
	// Message is the user message
	Message string `json:"message"`
	// ConversationID selects the conversation; a new one is created when empty
	ConversationID string `json:"conversationId,omitempty"`
}

// systemChatRequest represents a stateless chat message with its own system prompt
//
//	@Description	Request to send a chat message with a system prompt
type systemChatRequest struct {
	// SystemPrompt replaces the configured system prompt for this message
	SystemPrompt string `json:"systemPrompt"`
	// Message is the user message
	Message string `json:"message"`
}

// chatResponse represents the response of a stateless chat message
//
//	@Description	Response to a chat message
type chatResponse struct {
	// Response is the assistant reply
	Response string `json:"response"`
	// Error describes the failure when success is false
	Error string `json:"error,omitempty"`
	// Success reports whether the turn produced an answer
	Success bool `json:"success"`
	// ToolLoopExhausted is set when the reply is a best effort answer
	ToolLoopExhausted bool `json:"toolLoopExhausted,omitempty"`
}

// conversationResponse represents the response of a conversation message
//
//	@Description	Response to a conversation message
type conversationResponse struct {
	Response          string `json:"response"`
	ConversationID    string `json:"conversationId"`
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	ToolLoopExhausted bool   `json:"toolLoopExhausted,omitempty"`
}

// clearConversationResponse represents the response of a conversation deletion
//
//	@Description	Response to a conversation deletion
type clearConversationResponse struct {
	Success        bool   `json:"success"`
	Message        string `json:"message"`
	ConversationID string `json:"conversationId"`
}

// toolInfo is one exposed tool
type toolInfo struct {
	// Name is the name the model calls the tool by
	Name        string `json:"name"`
	Description string `json:"description"`
	// Server is the id of the MCP server providing the tool
	Server string `json:"server"`
}

// toolsResponse represents the tool catalog
//
//	@Description	Response containing the available tools
type toolsResponse struct {
	Tools []toolInfo `json:"tools"`
	Count int        `json:"count"`
	// Epoch changes whenever a server's tool list changes
	Epoch uint64 `json:"epoch"`
}

// serverInfo describes one MCP server
type serverInfo struct {
	Name      string         `json:"name"`
	Version   string         `json:"version"`
	Connected bool           `json:"connected"`
	ToolCount int            `json:"toolCount"`
	State     string         `json:"state"`
	Restarts  int            `json:"restarts"`
	LastError string         `json:"lastError,omitempty"`
	Process   *process.Stats `json:"process,omitempty"`
}

// mcpStatusResponse represents the state of every MCP server
//
//	@Description	Response containing MCP server status
type mcpStatusResponse struct {
	// ServerStatus maps each server id to whether it is ready
	ServerStatus   map[string]bool       `json:"serverStatus"`
	ServerDetails  map[string]serverInfo `json:"serverDetails"`
	ConnectedCount int                   `json:"connectedCount"`
	TotalCount     int                   `json:"totalCount"`
}

// llmInfo describes the model backend
type llmInfo struct {
	Provider       string  `json:"provider"`
	Model          string  `json:"model"`
	Temperature    float64 `json:"temperature"`
	Endpoint       string  `json:"endpoint"`
	AvailableTools int     `json:"availableTools"`
	IsAvailable    bool    `json:"isAvailable"`
}

// healthResponse represents the aggregated health
//
//	@Description	Response containing the service health
type healthResponse struct {
	// Status is UP, DEGRADED or DOWN
	Status            string          `json:"status"`
	LLMAvailable      bool            `json:"llmAvailable"`
	MCPServersHealthy bool            `json:"mcpServersHealthy"`
	MCPServerStatus   map[string]bool `json:"mcpServerStatus"`
	LLMInfo           llmInfo         `json:"llmInfo"`
}

// mcpInfo summarises the MCP servers
type mcpInfo struct {
	Servers    map[string]bool `json:"servers"`
	TotalTools int             `json:"totalTools"`
}

// infoResponse describes the service
//
//	@Description	Response containing service information
type infoResponse struct {
	Service string  `json:"service"`
	Version string  `json:"version"`
	LLM     llmInfo `json:"llm"`
	MCP     mcpInfo `json:"mcp"`
}

// versionResponse represents the build version
//
//	@Description	Response containing the build version
type versionResponse struct {
	Version string `json:"version"`
}
