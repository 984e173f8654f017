// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
	"github.com/stacklok/mcp-assistant/pkg/versions"
)

func newTestClient(t *testing.T, handler http.HandlerFunc, retries int) *OllamaClient {
	t.Helper()
	srv := httptest.NewServer(handler)
	t.Cleanup(srv.Close)

	cfg := config.DefaultConfig().LLM
	cfg.Endpoint = srv.URL + "/"
	cfg.MaxRetries = &retries
	return NewOllamaClient(cfg, WithRetryBackoff(time.Millisecond))
}

func writeJSON(t *testing.T, w http.ResponseWriter, v any) {
	t.Helper()
	w.Header().Set("Content-Type", "application/json")
	require.NoError(t, json.NewEncoder(w).Encode(v))
}

func TestChat_RequestFormat(t *testing.T) {
	t.Parallel()

	var got chatRequest
	client := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, http.MethodPost, r.Method)
		assert.Equal(t, "/api/chat", r.URL.Path)
		assert.Equal(t, "application/json", r.Header.Get("Content-Type"))
		assert.True(t, strings.HasPrefix(r.Header.Get("User-Agent"), "mcp-assistant/"), r.Header.Get("User-Agent"))
		require.NoError(t, json.NewDecoder(r.Body).Decode(&got))
		writeJSON(t, w, map[string]any{
			"model":             "llama3.2",
			"message":           map[string]any{"role": "assistant", "content": "Hello"},
			"done":              true,
			"done_reason":       "stop",
			"total_duration":    int64(2 * time.Second),
			"prompt_eval_count": 12,
			"eval_count":        3,
		})
	}, 0)

	temp := 0.1
	resp, err := client.Chat(context.Background(), []assistant.Message{
		{Role: assistant.RoleSystem, Content: "be brief"},
		{Role: assistant.RoleUser, Content: "hi"},
		{Role: assistant.RoleAssistant, ToolCalls: []assistant.ToolCall{{ID: "c1", Name: "echo", Arguments: map[string]any{"x": "hi"}}}},
		{Role: assistant.RoleTool, Content: "hi", ToolCallID: "c1", ToolName: "echo"},
	}, Options{
		Temperature: &temp,
		Tools: []assistant.ToolDescriptor{
			{ExposedName: "echo", Description: "echoes", InputSchema: json.RawMessage(`{"type":"object"}`)},
			{ExposedName: "bare"},
		},
	})
	require.NoError(t, err)

	assert.Equal(t, "Hello", resp.Content)
	assert.Empty(t, resp.ToolCalls)
	assert.True(t, resp.Done)
	assert.Equal(t, "stop", resp.Metadata.DoneReason)
	assert.Equal(t, 2*time.Second, resp.Metadata.TotalDuration)
	assert.Equal(t, 12, resp.Metadata.PromptEvalCount)

	assert.Equal(t, "llama3.2", got.Model)
	assert.False(t, got.Stream)
	assert.InDelta(t, 0.1, got.Options["temperature"], 1e-9)
	require.Len(t, got.Messages, 4)
	assert.Equal(t, "system", got.Messages[0].Role)
	assert.Equal(t, "echo", got.Messages[2].ToolCalls[0].Function.Name)
	assert.JSONEq(t, `{"x":"hi"}`, string(got.Messages[2].ToolCalls[0].Function.Arguments))
	assert.Equal(t, "tool", got.Messages[3].Role)
	assert.Equal(t, "echo", got.Messages[3].ToolName)

	require.Len(t, got.Tools, 2)
	assert.Equal(t, "function", got.Tools[0].Type)
	assert.Equal(t, "echo", got.Tools[0].Function.Name)
	assert.Equal(t, "echoes", got.Tools[0].Function.Description)
	assert.JSONEq(t, `{"type":"object"}`, string(got.Tools[0].Function.Parameters))
	assert.JSONEq(t, `{"type":"object","properties":{}}`, string(got.Tools[1].Function.Parameters))
}

func TestChat_ToolCalls(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"model":"llama3.2","done":true,"message":{"role":"assistant","content":"",
			"tool_calls":[
				{"function":{"name":"echo","arguments":{"x":"hi"}}},
				{"id":"given","function":{"name":"count","arguments":"{\"n\":2}"}},
				{"function":{"name":"noargs"}}
			]}}`))
	}, 0)

	resp, err := client.Chat(context.Background(), []assistant.Message{{Role: assistant.RoleUser, Content: "x"}}, Options{})
	require.NoError(t, err)
	require.Len(t, resp.ToolCalls, 3)

	assert.True(t, strings.HasPrefix(resp.ToolCalls[0].ID, "call_"))
	assert.Equal(t, "echo", resp.ToolCalls[0].Name)
	assert.Equal(t, map[string]any{"x": "hi"}, resp.ToolCalls[0].Arguments)

	assert.Equal(t, "given", resp.ToolCalls[1].ID)
	assert.Equal(t, map[string]any{"n": float64(2)}, resp.ToolCalls[1].Arguments)

	assert.Equal(t, map[string]any{}, resp.ToolCalls[2].Arguments)
	assert.NotEqual(t, resp.ToolCalls[0].ID, resp.ToolCalls[2].ID)
}

func TestChat_Retries(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name         string
		statuses     []int
		retries      int
		wantErr      bool
		wantAttempts int32
		wantMessage  string
	}{
		{name: "5xx then success", statuses: []int{503, 200}, retries: 2, wantAttempts: 2},
		{name: "5xx exhausts retries", statuses: []int{500, 500, 500, 500}, retries: 2, wantErr: true, wantAttempts: 3},
		{name: "4xx is permanent", statuses: []int{404, 200}, retries: 2, wantErr: true, wantAttempts: 1, wantMessage: "model not found"},
		{name: "429 is retried", statuses: []int{429, 200}, retries: 1, wantAttempts: 2},
		{name: "no retries configured", statuses: []int{502, 200}, retries: 0, wantErr: true, wantAttempts: 1},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			var attempts atomic.Int32
			client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
				n := attempts.Add(1)
				status := tt.statuses[min(int(n)-1, len(tt.statuses)-1)]
				if status != http.StatusOK {
					w.WriteHeader(status)
					_, _ = w.Write([]byte(`{"error":"model not found"}`))
					return
				}
				_, _ = w.Write([]byte(`{"model":"m","done":true,"message":{"role":"assistant","content":"ok"}}`))
			}, tt.retries)

			resp, err := client.Chat(context.Background(), []assistant.Message{{Role: assistant.RoleUser, Content: "x"}}, Options{})
			assert.Equal(t, tt.wantAttempts, attempts.Load())
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, thverrors.IsLLMUnavailable(err), "got %v", err)
				if tt.wantMessage != "" {
					assert.Contains(t, err.Error(), tt.wantMessage)
				}
				return
			}
			require.NoError(t, err)
			assert.Equal(t, "ok", resp.Content)
		})
	}
}

func TestChat_Unreachable(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.NotFoundHandler())
	url := srv.URL
	srv.Close()

	cfg := config.DefaultConfig().LLM
	cfg.Endpoint = url
	client := NewOllamaClient(cfg, WithRetryBackoff(time.Millisecond))

	_, err := client.Chat(context.Background(), nil, Options{})
	assert.True(t, thverrors.IsLLMUnavailable(err), "got %v", err)
	assert.True(t, thverrors.IsLLMUnavailable(client.Ping(context.Background())))
}

func TestChat_DeadlineIsTimeout(t *testing.T) {
	t.Parallel()

	release := make(chan struct{})
	client := newTestClient(t, func(_ http.ResponseWriter, r *http.Request) {
		select {
		case <-r.Context().Done():
		case <-release:
		}
	}, 2)
	defer close(release)

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := client.Chat(ctx, nil, Options{})
	assert.True(t, thverrors.IsTimeout(err), "got %v", err)
}

func TestChat_InvalidToolCall(t *testing.T) {
	t.Parallel()

	client := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"done":true,"message":{"role":"assistant","tool_calls":[{"function":{"name":"x","arguments":"not json"}}]}}`))
	}, 0)

	_, err := client.Chat(context.Background(), nil, Options{})
	assert.True(t, thverrors.IsLLMUnavailable(err))
}

func TestPing(t *testing.T) {
	t.Parallel()

	ok := newTestClient(t, func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/api/tags", r.URL.Path)
		assert.Equal(t, versions.UserAgent(), r.Header.Get("User-Agent"))
		_, _ = w.Write([]byte(`{"models":[{"name":"llama3.2"}]}`))
	}, 0)
	assert.NoError(t, ok.Ping(context.Background()))

	broken := newTestClient(t, func(w http.ResponseWriter, _ *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}, 0)
	assert.True(t, thverrors.IsLLMUnavailable(broken.Ping(context.Background())))
}

func TestInfo(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig().LLM
	cfg.Endpoint = "http://ollama:11434/"
	info := NewOllamaClient(cfg).Info()
	assert.Equal(t, Info{Provider: "ollama", Model: "llama3.2", Temperature: 0.7, Endpoint: "http://ollama:11434"}, info)
}

func TestDecodeArguments(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		raw     string
		want    map[string]any
		wantErr bool
	}{
		{name: "object", raw: `{"a":1}`, want: map[string]any{"a": float64(1)}},
		{name: "encoded string", raw: `"{\"a\":\"b\"}"`, want: map[string]any{"a": "b"}},
		{name: "empty", raw: ``, want: map[string]any{}},
		{name: "null", raw: `null`, want: map[string]any{}},
		{name: "empty string", raw: `""`, want: map[string]any{}},
		{name: "array", raw: `[1]`, wantErr: true},
		{name: "garbage string", raw: `"nope"`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			got, err := decodeArguments(json.RawMessage(tt.raw))
			if tt.wantErr {
				assert.Error(t, err)
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
		})
	}
}
