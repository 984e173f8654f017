// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package llm is the client of the inference backend. The Client interface
// is backend neutral; OllamaClient adapts it to the Ollama chat API.
package llm

import (
	"context"
	"time"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
)

// Client sends chat requests to a language model.
//
//go:generate mockgen -destination=mocks/mock_client.go -package=mocks -source=llm.go Client
type Client interface {
	// Chat sends the messages and returns the model's reply. Tools in opts are
	// offered to the model for tool calling.
	Chat(ctx context.Context, messages []assistant.Message, opts Options) (*Response, error)

	// Ping checks that the backend is reachable.
	Ping(ctx context.Context) error

	// Info describes the configured backend.
	Info() Info
}

// Options are per request settings. Zero values fall back to the client defaults.
type Options struct {
	Tools       []assistant.ToolDescriptor
	Temperature *float64
	Model       string
}

// Response is the normalized reply of the model. Either Content or ToolCalls is set.
type Response struct {
	Content   string               `json:"content"`
	ToolCalls []assistant.ToolCall `json:"toolCalls,omitempty"`
	Model     string               `json:"model"`
	Done      bool                 `json:"done"`
	Metadata  Metadata             `json:"metadata"`
}

// Metadata carries timings and token counts reported by the backend.
type Metadata struct {
	DoneReason         string        `json:"doneReason,omitempty"`
	TotalDuration      time.Duration `json:"totalDuration,omitempty"`
	LoadDuration       time.Duration `json:"loadDuration,omitempty"`
	PromptEvalCount    int           `json:"promptEvalCount,omitempty"`
	PromptEvalDuration time.Duration `json:"promptEvalDuration,omitempty"`
	EvalCount          int           `json:"evalCount,omitempty"`
	EvalDuration       time.Duration `json:"evalDuration,omitempty"`
}

// Info describes a configured backend.
type Info struct {
	Provider    string  `json:"provider"`
	Model       string  `json:"model"`
	Temperature float64 `json:"temperature"`
	Endpoint    string  `json:"endpoint"`
}
