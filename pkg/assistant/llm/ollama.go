// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/google/uuid"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	"github.com/stacklok/mcp-assistant/pkg/assistant/metrics"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
	"github.com/stacklok/mcp-assistant/pkg/logger"
	"github.com/stacklok/mcp-assistant/pkg/versions"
)

const (
	chatPath = "/api/chat"
	tagsPath = "/api/tags"

	// maxErrorBody bounds how much of an error response is kept.
	maxErrorBody = 4096
)

// OllamaClient talks to an Ollama server.
type OllamaClient struct {
	endpoint    string
	model       string
	temperature float64
	maxRetries  int
	retryBase   time.Duration
	httpClient  *http.Client
	metrics     *metrics.Metrics
	log         *slog.Logger
}

// Option configures an OllamaClient.
type Option func(*OllamaClient)

// WithHTTPClient replaces the HTTP client.
func WithHTTPClient(c *http.Client) Option {
	return func(o *OllamaClient) {
		o.httpClient = c
	}
}

// WithRetryBackoff sets the initial retry delay.
func WithRetryBackoff(d time.Duration) Option {
	return func(o *OllamaClient) {
		o.retryBase = d
	}
}

// WithMetrics records requests.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *OllamaClient) {
		o.metrics = m
	}
}

// NewOllamaClient creates a client from cfg, which must have had its defaults applied.
func NewOllamaClient(cfg *config.LLMConfig, opts ...Option) *OllamaClient {
	c := &OllamaClient{
		endpoint:   strings.TrimRight(cfg.Endpoint, "/"),
		model:      cfg.Model,
		retryBase:  500 * time.Millisecond,
		httpClient: &http.Client{Timeout: cfg.RequestTimeout.Std()},
		log:        logger.Component("llm").With("provider", "ollama"),
	}
	if cfg.Temperature != nil {
		c.temperature = *cfg.Temperature
	}
	if cfg.MaxRetries != nil {
		c.maxRetries = *cfg.MaxRetries
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Info implements Client.
func (c *OllamaClient) Info() Info {
	return Info{Provider: "ollama", Model: c.model, Temperature: c.temperature, Endpoint: c.endpoint}
}

// Ping implements Client by listing the local models.
func (c *OllamaClient) Ping(ctx context.Context) error {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, c.endpoint+tagsPath, nil)
	if err != nil {
		return thverrors.NewLLMUnavailableError("failed to create request", err)
	}
	req.Header.Set("User-Agent", versions.UserAgent())
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return thverrors.NewLLMUnavailableError("ollama is unreachable", err)
	}
	defer resp.Body.Close()
	_, _ = io.Copy(io.Discard, resp.Body)

	if resp.StatusCode != http.StatusOK {
		return thverrors.NewLLMUnavailableError(fmt.Sprintf("unexpected status code: %d", resp.StatusCode), nil)
	}
	return nil
}

// Chat implements Client.
func (c *OllamaClient) Chat(ctx context.Context, messages []assistant.Message, opts Options) (*Response, error) {
	body, err := json.Marshal(c.buildRequest(messages, opts))
	if err != nil {
		return nil, thverrors.NewInternalError("failed to marshal chat request", err)
	}

	expBackoff := backoff.NewExponentialBackOff()
	expBackoff.InitialInterval = c.retryBase
	expBackoff.MaxInterval = 20 * c.retryBase
	expBackoff.Reset()

	attempt := 0
	operation := func() (*chatResponse, error) {
		attempt++
		resp, err := c.post(ctx, body)
		if err != nil {
			c.log.Warn("chat request failed", "attempt", attempt, "maxAttempts", c.maxRetries+1, "error", err)
		}
		return resp, err
	}

	start := time.Now()
	raw, err := backoff.Retry(ctx, operation,
		backoff.WithBackOff(expBackoff),
		backoff.WithMaxTries(uint(c.maxRetries+1)), // #nosec G115 -- validated non-negative
		backoff.WithNotify(func(_ error, d time.Duration) {
			c.log.Debug("retrying chat request", "delay", d)
		}),
	)
	if err != nil {
		err = c.mapError(ctx, err)
		c.metrics.ObserveLLMRequest(metrics.Outcome(err), time.Since(start))
		return nil, err
	}
	c.metrics.ObserveLLMRequest(metrics.Outcome(nil), time.Since(start))

	resp, err := raw.normalize()
	if err != nil {
		return nil, thverrors.NewLLMUnavailableError("invalid chat response", err)
	}
	c.log.Debug("chat response received",
		"model", resp.Model, "toolCalls", len(resp.ToolCalls), "evalCount", resp.Metadata.EvalCount)
	return resp, nil
}

func (c *OllamaClient) mapError(ctx context.Context, err error) error {
	switch {
	case errors.Is(ctx.Err(), context.DeadlineExceeded):
		return thverrors.NewTimeoutError("chat request timed out", err)
	case errors.Is(ctx.Err(), context.Canceled):
		return ctx.Err()
	case thverrors.IsLLMUnavailable(err):
		return err
	default:
		return thverrors.NewLLMUnavailableError("chat request failed", err)
	}
}

// post sends one chat request. Errors that must not be retried are wrapped
// with backoff.Permanent.
func (c *OllamaClient) post(ctx context.Context, body []byte) (*chatResponse, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.endpoint+chatPath, bytes.NewReader(body))
	if err != nil {
		return nil, backoff.Permanent(err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("User-Agent", versions.UserAgent())

	resp, err := c.httpClient.Do(req)
	if err != nil {
		if ctx.Err() != nil {
			return nil, backoff.Permanent(err)
		}
		return nil, fmt.Errorf("failed to send request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		data, _ := io.ReadAll(io.LimitReader(resp.Body, maxErrorBody))
		statusErr := thverrors.NewLLMUnavailableError(
			fmt.Sprintf("unexpected status code %d: %s", resp.StatusCode, errorMessage(data)), nil)
		if resp.StatusCode >= 400 && resp.StatusCode < 500 && resp.StatusCode != http.StatusTooManyRequests {
			return nil, backoff.Permanent(statusErr)
		}
		return nil, statusErr
	}

	var out chatResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return nil, backoff.Permanent(fmt.Errorf("failed to decode response: %w", err))
	}
	if out.Error != "" {
		return nil, backoff.Permanent(thverrors.NewLLMUnavailableError("ollama error: "+out.Error, nil))
	}
	return &out, nil
}

// errorMessage extracts {"error": "..."} bodies and falls back to the raw text.
func errorMessage(data []byte) string {
	var body struct {
		Error string `json:"error"`
	}
	if json.Unmarshal(data, &body) == nil && body.Error != "" {
		return body.Error
	}
	return strings.TrimSpace(string(data))
}

func (c *OllamaClient) buildRequest(messages []assistant.Message, opts Options) *chatRequest {
	model := c.model
	if opts.Model != "" {
		model = opts.Model
	}
	temperature := c.temperature
	if opts.Temperature != nil {
		temperature = *opts.Temperature
	}

	req := &chatRequest{
		Model:    model,
		Messages: make([]chatMessage, 0, len(messages)),
		Stream:   false,
		Options:  map[string]any{"temperature": temperature},
	}
	for _, m := range messages {
		msg := chatMessage{Role: string(m.Role), Content: m.Content, ToolName: m.ToolName}
		for _, call := range m.ToolCalls {
			args, _ := json.Marshal(call.Arguments)
			msg.ToolCalls = append(msg.ToolCalls, chatToolCall{
				ID:       call.ID,
				Function: chatFunctionCall{Name: call.Name, Arguments: args},
			})
		}
		req.Messages = append(req.Messages, msg)
	}
	for _, tool := range opts.Tools {
		params := tool.InputSchema
		if len(params) == 0 {
			params = json.RawMessage(`{"type":"object","properties":{}}`)
		}
		req.Tools = append(req.Tools, chatTool{
			Type: "function",
			Function: chatFunction{
				Name:        tool.ExposedName,
				Description: tool.Description,
				Parameters:  params,
			},
		})
	}
	return req
}

type chatRequest struct {
	Model    string         `json:"model"`
	Messages []chatMessage  `json:"messages"`
	Stream   bool           `json:"stream"`
	Options  map[string]any `json:"options,omitempty"`
	Tools    []chatTool     `json:"tools,omitempty"`
}

type chatMessage struct {
	Role      string         `json:"role"`
	Content   string         `json:"content"`
	ToolCalls []chatToolCall `json:"tool_calls,omitempty"`
	ToolName  string         `json:"tool_name,omitempty"`
}

type chatToolCall struct {
	ID       string           `json:"id,omitempty"`
	Function chatFunctionCall `json:"function"`
}

type chatFunctionCall struct {
	Name      string          `json:"name"`
	Arguments json.RawMessage `json:"arguments"`
}

type chatTool struct {
	Type     string       `json:"type"`
	Function chatFunction `json:"function"`
}

type chatFunction struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	Parameters  json.RawMessage `json:"parameters"`
}

type chatResponse struct {
	Model              string      `json:"model"`
	Message            chatMessage `json:"message"`
	Done               bool        `json:"done"`
	DoneReason         string      `json:"done_reason,omitempty"`
	TotalDuration      int64       `json:"total_duration,omitempty"`
	LoadDuration       int64       `json:"load_duration,omitempty"`
	PromptEvalCount    int         `json:"prompt_eval_count,omitempty"`
	PromptEvalDuration int64       `json:"prompt_eval_duration,omitempty"`
	EvalCount          int         `json:"eval_count,omitempty"`
	EvalDuration       int64       `json:"eval_duration,omitempty"`
	Error              string      `json:"error,omitempty"`
}

func (r *chatResponse) normalize() (*Response, error) {
	resp := &Response{
		Content: r.Message.Content,
		Model:   r.Model,
		Done:    r.Done,
		Metadata: Metadata{
			DoneReason:         r.DoneReason,
			TotalDuration:      time.Duration(r.TotalDuration),
			LoadDuration:       time.Duration(r.LoadDuration),
			PromptEvalCount:    r.PromptEvalCount,
			PromptEvalDuration: time.Duration(r.PromptEvalDuration),
			EvalCount:          r.EvalCount,
			EvalDuration:       time.Duration(r.EvalDuration),
		},
	}
	for _, call := range r.Message.ToolCalls {
		if call.Function.Name == "" {
			return nil, fmt.Errorf("tool call without a function name")
		}
		args, err := decodeArguments(call.Function.Arguments)
		if err != nil {
			return nil, fmt.Errorf("arguments of tool call %s: %w", call.Function.Name, err)
		}
		id := call.ID
		if id == "" {
			id = "call_" + uuid.NewString()
		}
		resp.ToolCalls = append(resp.ToolCalls, assistant.ToolCall{ID: id, Name: call.Function.Name, Arguments: args})
	}
	return resp, nil
}

// decodeArguments accepts an object or a JSON encoded string holding one.
func decodeArguments(raw json.RawMessage) (map[string]any, error) {
	raw = bytes.TrimSpace(raw)
	if len(raw) == 0 || bytes.Equal(raw, []byte("null")) {
		return map[string]any{}, nil
	}
	if raw[0] == '"' {
		var s string
		if err := json.Unmarshal(raw, &s); err != nil {
			return nil, err
		}
		if strings.TrimSpace(s) == "" {
			return map[string]any{}, nil
		}
		raw = json.RawMessage(s)
	}
	args := map[string]any{}
	if err := json.Unmarshal(raw, &args); err != nil {
		return nil, err
	}
	return args, nil
}
