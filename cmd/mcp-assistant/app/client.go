// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"strings"
	"time"

	"github.com/spf13/cobra"
)

const (
	defaultAPIURL  = "http://127.0.0.1:8080"
	clientTimeout  = 2 * time.Minute
	maxErrorLength = 512
)

// apiClient talks to a running assistant.
type apiClient struct {
	baseURL    string
	httpClient *http.Client
}

func newAPIClient(baseURL string) *apiClient {
	return &apiClient{
		baseURL:    strings.TrimRight(baseURL, "/"),
		httpClient: &http.Client{Timeout: clientTimeout},
	}
}

func addURLFlag(cmd *cobra.Command, target *string) {
	cmd.Flags().StringVar(target, "url", defaultAPIURL, "Base URL of the assistant API")
}

type mcpServerDetails struct {
	Name      string `json:"name"`
	Version   string `json:"version"`
	Connected bool   `json:"connected"`
	ToolCount int    `json:"toolCount"`
	State     string `json:"state"`
	Restarts  int    `json:"restarts"`
	LastError string `json:"lastError,omitempty"`
}

type mcpStatus struct {
	ServerStatus   map[string]bool             `json:"serverStatus"`
	ServerDetails  map[string]mcpServerDetails `json:"serverDetails"`
	ConnectedCount int                         `json:"connectedCount"`
	TotalCount     int                         `json:"totalCount"`
}

type healthStatus struct {
	Status       string `json:"status"`
	LLMAvailable bool   `json:"llmAvailable"`
	LLMInfo      struct {
		Model    string `json:"model"`
		Endpoint string `json:"endpoint"`
	} `json:"llmInfo"`
}

type toolList struct {
	Tools []struct {
		Name        string `json:"name"`
		Description string `json:"description"`
		Server      string `json:"server"`
	} `json:"tools"`
	Count int    `json:"count"`
	Epoch uint64 `json:"epoch"`
}

type chatMessage struct {
	Message        string `json:"message"`
	SystemPrompt   string `json:"systemPrompt,omitempty"`
	ConversationID string `json:"conversationId,omitempty"`
}

type chatReply struct {
	Response          string `json:"response"`
	ConversationID    string `json:"conversationId,omitempty"`
	Success           bool   `json:"success"`
	Error             string `json:"error,omitempty"`
	ToolLoopExhausted bool   `json:"toolLoopExhausted,omitempty"`
}

func (c *apiClient) status(ctx context.Context) (*mcpStatus, error) {
	var out mcpStatus
	if err := c.do(ctx, http.MethodGet, "/api/mcp/status", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// health accepts 503 because the body still describes a DOWN service.
func (c *apiClient) health(ctx context.Context) (*healthStatus, error) {
	var out healthStatus
	if err := c.do(ctx, http.MethodGet, "/api/health", nil, &out, http.StatusOK, http.StatusServiceUnavailable); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *apiClient) tools(ctx context.Context) (*toolList, error) {
	var out toolList
	if err := c.do(ctx, http.MethodGet, "/api/tools", nil, &out, http.StatusOK); err != nil {
		return nil, err
	}
	return &out, nil
}

// chat sends a message to the endpoint matching the request. A conversation
// is used when requested or when an id is given.
func (c *apiClient) chat(ctx context.Context, msg chatMessage, inConversation bool) (*chatReply, error) {
	path := "/api/chat"
	switch {
	case inConversation || msg.ConversationID != "":
		path = "/api/chat/conversation"
	case msg.SystemPrompt != "":
		path = "/api/chat/system"
	}

	var out chatReply
	err := c.do(ctx, http.MethodPost, path, msg, &out, http.StatusOK)
	if err != nil && out.Error == "" {
		return nil, err
	}
	if !out.Success {
		return &out, fmt.Errorf("chat failed: %s", out.Error)
	}
	return &out, nil
}

func (c *apiClient) do(ctx context.Context, method, path string, in, out any, accept ...int) error {
	var body io.Reader
	if in != nil {
		data, err := json.Marshal(in)
		if err != nil {
			return fmt.Errorf("failed to encode request: %w", err)
		}
		body = bytes.NewReader(data)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, body)
	if err != nil {
		return fmt.Errorf("failed to create request: %w", err)
	}
	if in != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return fmt.Errorf("failed to reach assistant at %s: %w", c.baseURL, err)
	}
	defer resp.Body.Close()

	data, err := io.ReadAll(resp.Body)
	if err != nil {
		return fmt.Errorf("failed to read response: %w", err)
	}

	// Error bodies are usually JSON too; decode them so callers can report the message.
	decodeErr := json.Unmarshal(data, out)

	for _, code := range accept {
		if resp.StatusCode == code {
			if decodeErr != nil {
				return fmt.Errorf("failed to decode response: %w", decodeErr)
			}
			return nil
		}
	}

	msg := strings.TrimSpace(string(data))
	if len(msg) > maxErrorLength {
		msg = msg[:maxErrorLength]
	}
	return fmt.Errorf("%s %s returned %d: %s", method, path, resp.StatusCode, msg)
}
