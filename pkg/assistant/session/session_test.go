// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session_test

import (
	"context"
	"encoding/json"
	"errors"
	"os"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	"github.com/stacklok/mcp-assistant/pkg/assistant/session"
	"github.com/stacklok/mcp-assistant/pkg/assistant/session/sessiontest"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
)

func descriptor(id string) *config.ServerDescriptor {
	d := config.DefaultServerDescriptor()
	d.ID = id
	d.Command = "fake-" + id
	d.StartupTimeout = config.Duration(2 * time.Second)
	d.Shutdown.Grace = config.Duration(200 * time.Millisecond)
	d.Shutdown.Kill = config.Duration(200 * time.Millisecond)
	return d
}

func newSession(t *testing.T, desc *config.ServerDescriptor, launcher session.Launcher) *session.Session {
	t.Helper()
	s := session.New(desc, session.WithLauncher(launcher), session.WithClientInfo("mcp-assistant", "test"))
	t.Cleanup(func() {
		_ = s.Shutdown(context.Background())
	})
	return s
}

// scripted builds a server answering initialize and tools/list with the given tools.
func scripted(version string, tools func() []assistant.Tool, call sessiontest.Handler) sessiontest.ServeFunc {
	return sessiontest.Scripted(scriptedHandler(version, tools, call))
}

func scriptedHandler(version string, tools func() []assistant.Tool, call sessiontest.Handler) sessiontest.Handler {
	return func(ctx context.Context, conn *sessiontest.Conn, method string, params json.RawMessage) (any, error) {
		switch method {
		case "initialize":
			return map[string]any{
				"protocolVersion": version,
				"capabilities":    map[string]any{"tools": map[string]any{"listChanged": true}},
				"serverInfo":      map[string]any{"name": "scripted", "version": "0.1.0"},
			}, nil
		case "tools/list":
			return map[string]any{"tools": tools()}, nil
		case "tools/call":
			if call != nil {
				return call(ctx, conn, method, params)
			}
		}
		return nil, jsonrpc2.ErrMethodNotFound
	}
}

func staticTools(names ...string) func() []assistant.Tool {
	return func() []assistant.Tool {
		tools := make([]assistant.Tool, 0, len(names))
		for _, n := range names {
			tools = append(tools, assistant.Tool{Name: n, InputSchema: json.RawMessage(`{"type":"object"}`)})
		}
		return tools
	}
}

func TestStart_HandshakeAgainstMCPGoServer(t *testing.T) {
	t.Parallel()

	launcher := sessiontest.NewLauncher(sessiontest.MCPGo(sessiontest.EchoServer("echo-server", "echo")))
	s := newSession(t, descriptor("echo"), launcher)
	assert.Equal(t, assistant.StateUnstarted, s.State())

	require.NoError(t, s.Start(context.Background()))

	snap := s.Snapshot()
	assert.Equal(t, assistant.StateReady, snap.State)
	require.NotNil(t, snap.Identity)
	assert.Equal(t, "echo-server", snap.Identity.Name)
	assert.Equal(t, session.ProtocolVersion, snap.Identity.ProtocolVersion)
	assert.Zero(t, snap.Epoch)
	assert.Equal(t, 1000, snap.PID)
	require.Len(t, snap.Tools, 1)
	assert.Equal(t, "echo", snap.Tools[0].Name)
	assert.Contains(t, string(snap.Tools[0].InputSchema), `"x"`)

	result, err := s.CallTool(context.Background(), "echo", map[string]any{"x": "hi"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "text", result.Content[0].Type)
	assert.Equal(t, "hi", result.Content[0].Text)
	assert.False(t, result.IsError)
}

func TestStart_SendsInitializeThenInitializedThenPaginatesTools(t *testing.T) {
	t.Parallel()

	var initParams atomic.Value
	launcher := sessiontest.NewLauncher(sessiontest.Scripted(
		func(_ context.Context, _ *sessiontest.Conn, method string, params json.RawMessage) (any, error) {
			switch method {
			case "initialize":
				initParams.Store(string(params))
				return map[string]any{
					"protocolVersion": "2024-11-05",
					"serverInfo":      map[string]any{"name": "paged", "version": "2"},
				}, nil
			case "tools/list":
				var p struct {
					Cursor string `json:"cursor"`
				}
				_ = json.Unmarshal(params, &p)
				if p.Cursor == "" {
					return map[string]any{"tools": []map[string]any{{"name": "a"}}, "nextCursor": "page-2"}, nil
				}
				return map[string]any{"tools": []map[string]any{{"name": "b"}}}, nil
			}
			return nil, jsonrpc2.ErrMethodNotFound
		}))

	s := newSession(t, descriptor("paged"), launcher)
	require.NoError(t, s.Start(context.Background()))

	var params struct {
		ProtocolVersion string         `json:"protocolVersion"`
		Capabilities    map[string]any `json:"capabilities"`
		ClientInfo      struct {
			Name    string `json:"name"`
			Version string `json:"version"`
		} `json:"clientInfo"`
	}
	require.NoError(t, json.Unmarshal([]byte(initParams.Load().(string)), &params))
	assert.Equal(t, "2024-11-05", params.ProtocolVersion)
	assert.Equal(t, "mcp-assistant", params.ClientInfo.Name)
	assert.Contains(t, params.Capabilities, "tools")

	snap := s.Snapshot()
	require.Len(t, snap.Tools, 2)
	assert.Equal(t, "a", snap.Tools[0].Name)
	assert.Equal(t, "b", snap.Tools[1].Name)
}

func TestStart_Failures(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name    string
		serve   sessiontest.ServeFunc
		launch  error
		timeout time.Duration
		check   func(error) bool
	}{
		{
			name:  "unsupported protocol version",
			serve: scripted("1999-01-01", staticTools("a"), nil),
			check: thverrors.IsProtocol,
		},
		{
			name: "initialize never answered",
			serve: sessiontest.Scripted(func(context.Context, *sessiontest.Conn, string, json.RawMessage) (any, error) {
				return nil, sessiontest.ErrNoReply
			}),
			timeout: 100 * time.Millisecond,
			check:   thverrors.IsHandshakeFailed,
		},
		{
			name: "initialize rejected",
			serve: sessiontest.Scripted(func(context.Context, *sessiontest.Conn, string, json.RawMessage) (any, error) {
				return nil, jsonrpc2.NewError(-32603, "boom")
			}),
			check: thverrors.IsHandshakeFailed,
		},
		{
			name:   "spawn failure",
			serve:  scripted("2024-11-05", staticTools("a"), nil),
			launch: errors.New("exec: \"fake\": executable file not found in $PATH"),
			check:  thverrors.IsSpawnFailed,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			launcher := sessiontest.NewLauncher(tt.serve)
			launcher.FailLaunches(tt.launch)
			desc := descriptor("broken")
			if tt.timeout > 0 {
				desc.StartupTimeout = config.Duration(tt.timeout)
			}
			s := newSession(t, desc, launcher)

			err := s.Start(context.Background())
			require.Error(t, err)
			assert.True(t, tt.check(err), "unexpected error kind: %v", err)

			snap := s.Snapshot()
			assert.Equal(t, assistant.StateFailed, snap.State)
			assert.NotEmpty(t, snap.LastError)
			assert.Zero(t, snap.PID)

			_, err = s.CallTool(context.Background(), "a", nil)
			assert.True(t, thverrors.IsServerUnavailable(err))
		})
	}
}

func TestListChangedRefreshesAndBumpsEpoch(t *testing.T) {
	t.Parallel()

	var listed atomic.Int32
	tools := func() []assistant.Tool {
		if listed.Add(1) == 1 {
			return staticTools("a")()
		}
		return staticTools("a", "b")()
	}
	changes := make(chan assistant.SessionSnapshot, 16)
	launcher := sessiontest.NewLauncher(scripted("2024-11-05", tools, nil))
	s := session.New(descriptor("dyn"),
		session.WithLauncher(launcher),
		session.WithChangeHook(func(s *session.Session) { changes <- s.Snapshot() }))
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	require.NoError(t, s.Start(context.Background()))
	assert.Zero(t, s.Snapshot().Epoch)

	require.NoError(t, launcher.Current().Conn.Notify("notifications/tools/list_changed", map[string]any{}))

	require.Eventually(t, func() bool {
		return s.Snapshot().Epoch == 1
	}, 2*time.Second, 10*time.Millisecond)
	assert.Len(t, s.Snapshot().Tools, 2)

	var sawTwo bool
	for len(changes) > 0 {
		if snap := <-changes; len(snap.Tools) == 2 && snap.Epoch == 1 {
			sawTwo = true
		}
	}
	assert.True(t, sawTwo, "change hook did not publish the refreshed list")
}

func TestCallTool_ServerErrorIsToolExecutionError(t *testing.T) {
	t.Parallel()

	launcher := sessiontest.NewLauncher(scripted("2024-11-05", staticTools("a"),
		func(context.Context, *sessiontest.Conn, string, json.RawMessage) (any, error) {
			return nil, jsonrpc2.NewError(-32602, "missing argument x")
		}))
	s := newSession(t, descriptor("err"), launcher)
	require.NoError(t, s.Start(context.Background()))

	_, err := s.CallTool(context.Background(), "a", map[string]any{})
	require.Error(t, err)
	assert.True(t, thverrors.IsToolExecution(err))

	var toolErr *assistant.ToolError
	require.ErrorAs(t, err, &toolErr)
	assert.Equal(t, int64(-32602), toolErr.Code)
	assert.Equal(t, "missing argument x", toolErr.Message)
}

func TestCallTool_Timeout(t *testing.T) {
	t.Parallel()

	launcher := sessiontest.NewLauncher(scripted("2024-11-05", staticTools("slow"),
		func(context.Context, *sessiontest.Conn, string, json.RawMessage) (any, error) {
			return nil, sessiontest.ErrNoReply
		}))
	s := newSession(t, descriptor("slow"), launcher)
	require.NoError(t, s.Start(context.Background()))

	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()
	_, err := s.CallTool(ctx, "slow", nil)
	assert.True(t, thverrors.IsTimeout(err), "got %v", err)
	assert.Equal(t, assistant.StateReady, s.State())
}

func TestCrashDuringCallFailsWithServerUnavailable(t *testing.T) {
	t.Parallel()

	var launcher *sessiontest.Launcher
	launcher = sessiontest.NewLauncher(scripted("2024-11-05", staticTools("a"),
		func(context.Context, *sessiontest.Conn, string, json.RawMessage) (any, error) {
			launcher.Current().Crash()
			return nil, sessiontest.ErrNoReply
		}))
	s := newSession(t, descriptor("crashy"), launcher)
	require.NoError(t, s.Start(context.Background()))

	_, err := s.CallTool(context.Background(), "a", nil)
	require.Error(t, err)
	assert.True(t, thverrors.IsServerUnavailable(err), "got %v", err)

	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	exit, err := s.Wait(ctx)
	require.NoError(t, err)
	assert.False(t, exit.Clean())
	assert.Equal(t, assistant.StateFailed, s.State())

	// restarting keeps the epoch monotonic
	require.NoError(t, s.Start(context.Background()))
	snap := s.Snapshot()
	assert.Equal(t, assistant.StateReady, snap.State)
	assert.Equal(t, uint64(1), snap.Epoch)
	assert.Equal(t, 1, snap.Restarts)
	assert.Equal(t, 2, launcher.Launches())
}

func TestShutdownIsGracefulAndTerminal(t *testing.T) {
	t.Parallel()

	var shutdownSeen atomic.Bool
	launcher := sessiontest.NewLauncher(sessiontest.Scripted(
		func(_ context.Context, _ *sessiontest.Conn, method string, _ json.RawMessage) (any, error) {
			switch method {
			case "initialize":
				return map[string]any{"protocolVersion": "2024-11-05", "serverInfo": map[string]any{"name": "s"}}, nil
			case "tools/list":
				return map[string]any{"tools": []any{}}, nil
			case "shutdown":
				shutdownSeen.Store(true)
				return map[string]any{}, nil
			}
			return nil, jsonrpc2.ErrMethodNotFound
		}))
	s := newSession(t, descriptor("graceful"), launcher)
	require.NoError(t, s.Start(context.Background()))
	child := launcher.Current()

	require.NoError(t, s.Shutdown(context.Background()))
	assert.True(t, shutdownSeen.Load())
	assert.Equal(t, assistant.StateTerminal, s.State())

	select {
	case <-child.Exited():
	case <-time.After(time.Second):
		t.Fatal("child still running after shutdown")
	}

	assert.ErrorIs(t, s.Start(context.Background()), assistant.ErrShuttingDown)
}

func TestShutdownTerminatesUnresponsiveServer(t *testing.T) {
	t.Parallel()

	const grace = 500 * time.Millisecond

	answer := scriptedHandler("2024-11-05", staticTools(), nil)
	launcher := sessiontest.NewLauncher(func(ctx context.Context, conn *sessiontest.Conn) error {
		// never answers shutdown and ignores stdin closing
		serve := sessiontest.Scripted(func(ctx context.Context, conn *sessiontest.Conn, method string, params json.RawMessage) (any, error) {
			if method == "shutdown" {
				return nil, sessiontest.ErrNoReply
			}
			return answer(ctx, conn, method, params)
		})
		_ = serve(ctx, conn)
		<-ctx.Done()
		return nil
	})
	desc := descriptor("stubborn")
	desc.Shutdown.Grace = config.Duration(grace)
	s := newSession(t, desc, launcher)
	require.NoError(t, s.Start(context.Background()))
	child := launcher.Current()

	start := time.Now()
	require.NoError(t, s.Shutdown(context.Background()))
	<-child.Exited()

	// terminated once grace has passed since shutdown began, not after a second grace
	stoppedAfter := child.StoppedAt().Sub(start)
	assert.GreaterOrEqual(t, stoppedAfter, grace-50*time.Millisecond)
	assert.Less(t, stoppedAfter, grace+grace*3/4)
	assert.Equal(t, assistant.StateTerminal, s.State())
}

const helperEnv = "MCP_ASSISTANT_SESSION_HELPER"

// TestHelperProcess is not a real test. It is the MCP server started by
// TestExecLauncher_RealProcess.
func TestHelperProcess(t *testing.T) {
	if os.Getenv(helperEnv) != "1" {
		t.Skip("helper process only")
	}
	serve := sessiontest.MCPGo(sessiontest.EchoServer("helper", "echo"))
	_ = serve(context.Background(), sessiontest.NewConn(os.Stdin, os.Stdout))
	os.Exit(0)
}

func TestExecLauncher_RealProcess(t *testing.T) {
	t.Parallel()

	desc := descriptor("exec")
	desc.Command = os.Args[0]
	desc.Args = []string{"-test.run=^TestHelperProcess$"}
	desc.Env = map[string]string{helperEnv: "1"}
	desc.StartupTimeout = config.Duration(10 * time.Second)

	s := session.New(desc)
	t.Cleanup(func() { _ = s.Shutdown(context.Background()) })

	require.NoError(t, s.Start(context.Background()))
	snap := s.Snapshot()
	assert.Equal(t, "helper", snap.Identity.Name)
	assert.NotZero(t, snap.PID)

	result, err := s.CallTool(context.Background(), "echo", map[string]any{"x": "from a real process"})
	require.NoError(t, err)
	require.Len(t, result.Content, 1)
	assert.Equal(t, "from a real process", result.Content[0].Text)

	require.NoError(t, s.Shutdown(context.Background()))
	assert.Equal(t, assistant.StateTerminal, s.State())
	assert.Zero(t, s.Snapshot().PID)
}

func TestExecLauncher_MissingCommandIsSpawnFailure(t *testing.T) {
	t.Parallel()

	desc := descriptor("missing")
	desc.Command = "/nonexistent/mcp-server-binary"

	s := session.New(desc)
	err := s.Start(context.Background())
	require.Error(t, err)
	assert.True(t, thverrors.IsSpawnFailed(err))
	assert.Equal(t, assistant.StateFailed, s.State())
}
