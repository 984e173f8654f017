// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"io"
	"net"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stacklok/mcp-assistant/pkg/api"
	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
)

func TestServe_WiresTheAssistant(t *testing.T) {
	t.Parallel()

	ollama := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/tags" {
			_, _ = io.WriteString(w, `{"models":[]}`)
			return
		}
		http.NotFound(w, r)
	}))
	t.Cleanup(ollama.Close)

	socket := filepath.Join(t.TempDir(), "assistant.sock")
	cfg := config.DefaultConfig()
	cfg.LLM.Endpoint = ollama.URL
	cfg.Server.Address = api.UnixSocketPrefix + socket

	ctx, cancel := context.WithCancel(t.Context())
	done := make(chan error, 1)
	go func() { done <- serve(ctx, cfg) }()

	client := newAPIClient("http://assistant")
	client.httpClient.Transport = &http.Transport{
		DialContext: func(ctx context.Context, _, _ string) (net.Conn, error) {
			var d net.Dialer
			return d.DialContext(ctx, "unix", socket)
		},
	}

	var health *healthStatus
	require.Eventually(t, func() bool {
		var err error
		health, err = client.health(t.Context())
		return err == nil
	}, 5*time.Second, 20*time.Millisecond)
	assert.Equal(t, "UP", health.Status)
	assert.True(t, health.LLMAvailable)

	tools, err := client.tools(t.Context())
	require.NoError(t, err)
	assert.Zero(t, tools.Count)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(10 * time.Second):
		t.Fatal("serve did not return after cancellation")
	}
}

func TestServe_StrictWithoutReadyServers(t *testing.T) {
	t.Parallel()

	cfg := config.DefaultConfig()
	cfg.MCP = &config.MCPConfig{
		Strict:  true,
		Servers: []*config.ServerDescriptor{{ID: "missing", Command: filepath.Join(t.TempDir(), "does-not-exist")}},
	}
	cfg.EnsureDefaults()
	cfg.MCP.Servers[0].RestartPolicy = assistant.RestartNever

	err := serve(t.Context(), cfg)
	require.ErrorIs(t, err, assistant.ErrNoReadySessions)
}
