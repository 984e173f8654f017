// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package sessiontest provides in-process MCP servers for tests. A Launcher
// hands the session a pair of pipes instead of a real child process, and the
// server side is either a real mcp-go MCPServer or a scripted handler.
package sessiontest

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"github.com/mark3labs/mcp-go/server"
	"golang.org/x/exp/jsonrpc2"

	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	"github.com/stacklok/mcp-assistant/pkg/assistant/session"
)

var (
	// ErrNoReply makes a scripted handler leave a request unanswered.
	ErrNoReply = errors.New("no reply")

	// ErrCrashed is the exit error of a crashed child.
	ErrCrashed = errors.New("exit status 1")

	// ErrTerminated is the exit error of a child stopped by the session.
	ErrTerminated = errors.New("signal: terminated")
)

// Conn is the server end of the pipes.
type Conn struct {
	in  *bufio.Reader
	out io.Writer
	mu  sync.Mutex
}

// NewConn wraps an arbitrary stream pair, such as a helper process' stdio.
func NewConn(in io.Reader, out io.Writer) *Conn {
	return &Conn{in: bufio.NewReader(in), out: out}
}

// Send writes one JSON-RPC message.
func (c *Conn) Send(v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	_, err = c.out.Write(append(data, '\n'))
	return err
}

// Notify sends a server notification.
func (c *Conn) Notify(method string, params any) error {
	return c.Send(map[string]any{"jsonrpc": "2.0", "method": method, "params": params})
}

// ReadLine returns the next non-empty line, or io.EOF once the client closed stdin.
func (c *Conn) ReadLine() ([]byte, error) {
	for {
		line, err := c.in.ReadBytes('\n')
		if len(line) > 1 {
			return line, nil
		}
		if err != nil {
			return nil, err
		}
	}
}

// ServeFunc serves one incarnation. Returning nil is a clean exit.
type ServeFunc func(ctx context.Context, conn *Conn) error

// MCPGo serves requests with a real mcp-go server.
func MCPGo(srv *server.MCPServer) ServeFunc {
	return func(ctx context.Context, conn *Conn) error {
		for {
			line, err := conn.ReadLine()
			if err != nil {
				return nil
			}
			go func() {
				if resp := srv.HandleMessage(ctx, json.RawMessage(line)); resp != nil {
					_ = conn.Send(resp)
				}
			}()
		}
	}
}

// EchoServer returns an mcp-go server whose tools each return their "x" argument as text.
func EchoServer(name string, tools ...string) *server.MCPServer {
	srv := server.NewMCPServer(name, "1.0.0", server.WithToolCapabilities(true))
	for _, tool := range tools {
		srv.AddTool(
			mcp.NewTool(tool,
				mcp.WithDescription(fmt.Sprintf("%s from %s", tool, name)),
				mcp.WithString("x", mcp.Required(), mcp.Description("text to echo")),
			),
			func(_ context.Context, req mcp.CallToolRequest) (*mcp.CallToolResult, error) {
				args, _ := req.Params.Arguments.(map[string]any)
				return mcp.NewToolResultText(fmt.Sprint(args["x"])), nil
			},
		)
	}
	return srv
}

type serverIDKey struct{}

// ServerID returns the id of the server a ServeFunc is serving.
func ServerID(ctx context.Context) string {
	id, _ := ctx.Value(serverIDKey{}).(string)
	return id
}

// PerServer dispatches to the ServeFunc registered for the server id.
// Servers without an entry exit immediately with ErrCrashed.
func PerServer(serves map[string]ServeFunc) ServeFunc {
	return func(ctx context.Context, conn *Conn) error {
		serve, ok := serves[ServerID(ctx)]
		if !ok {
			return ErrCrashed
		}
		return serve(ctx, conn)
	}
}

// Handler answers one scripted request.
type Handler func(ctx context.Context, conn *Conn, method string, params json.RawMessage) (any, error)

// Scripted serves requests with h. Notifications are ignored.
func Scripted(h Handler) ServeFunc {
	return func(ctx context.Context, conn *Conn) error {
		for {
			line, err := conn.ReadLine()
			if err != nil {
				return nil
			}
			msg, err := jsonrpc2.DecodeMessage(line)
			if err != nil {
				return fmt.Errorf("client sent garbage: %w", err)
			}
			req, ok := msg.(*jsonrpc2.Request)
			if !ok || !req.IsCall() {
				continue
			}
			go func() {
				result, herr := h(ctx, conn, req.Method, req.Params)
				if errors.Is(herr, ErrNoReply) {
					return
				}
				resp, err := jsonrpc2.NewResponse(req.ID, result, herr)
				if err != nil {
					return
				}
				data, err := jsonrpc2.EncodeMessage(resp)
				if err != nil {
					return
				}
				_ = conn.Send(json.RawMessage(data))
			}()
		}
	}
}

// Child is a fake server process.
type Child struct {
	PID      int
	ServerID string
	Conn     *Conn

	stdinR  *io.PipeReader
	stdoutW *io.PipeWriter
	cancel  context.CancelFunc
	exited  chan struct{}
	once    sync.Once
	err     error

	mu      sync.Mutex
	stopped time.Time
}

// Crash ends the child abnormally, as if it died.
func (c *Child) Crash() {
	c.finish(ErrCrashed)
}

// Exit ends the child cleanly, as if it exited with status 0.
func (c *Child) Exit() {
	c.finish(nil)
}

// StoppedAt returns when the session first asked the child to terminate, or
// the zero time if it never did.
func (c *Child) StoppedAt() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stopped
}

// Exited is closed once the child ended.
func (c *Child) Exited() <-chan struct{} {
	return c.exited
}

func (c *Child) finish(err error) {
	c.once.Do(func() {
		c.err = err
		c.cancel()
		_ = c.stdoutW.Close()
		_ = c.stdinR.Close()
		close(c.exited)
	})
}

// Launcher launches in-process children.
type Launcher struct {
	serve ServeFunc

	mu        sync.Mutex
	children  []*Child
	launchErr error
	launched  chan *Child
}

// NewLauncher returns a Launcher whose children run serve.
func NewLauncher(serve ServeFunc) *Launcher {
	return &Launcher{serve: serve, launched: make(chan *Child, 64)}
}

// FailLaunches makes every following launch fail with err; nil restores launching.
func (l *Launcher) FailLaunches(err error) {
	l.mu.Lock()
	defer l.mu.Unlock()
	l.launchErr = err
}

// Launches returns the number of launch attempts, failed ones included.
func (l *Launcher) Launches() int {
	l.mu.Lock()
	defer l.mu.Unlock()
	return len(l.children)
}

// Current returns the most recently launched child.
func (l *Launcher) Current() *Child {
	l.mu.Lock()
	defer l.mu.Unlock()
	if len(l.children) == 0 {
		return nil
	}
	return l.children[len(l.children)-1]
}

// Latest returns the most recent child launched for server id.
func (l *Launcher) Latest(id string) *Child {
	l.mu.Lock()
	defer l.mu.Unlock()
	for i := len(l.children) - 1; i >= 0; i-- {
		if l.children[i].ServerID == id {
			return l.children[i]
		}
	}
	return nil
}

// LaunchesFor returns the number of launch attempts for server id.
func (l *Launcher) LaunchesFor(id string) int {
	l.mu.Lock()
	defer l.mu.Unlock()
	n := 0
	for _, c := range l.children {
		if c.ServerID == id {
			n++
		}
	}
	return n
}

// Launched delivers every successfully launched child.
func (l *Launcher) Launched() <-chan *Child {
	return l.launched
}

// Launch implements session.Launcher.
func (l *Launcher) Launch(_ context.Context, desc *config.ServerDescriptor, _ *slog.Logger) (*session.Child, error) {
	l.mu.Lock()
	launchErr := l.launchErr
	pid := 1000 + len(l.children)
	stdinR, stdinW := io.Pipe()
	stdoutR, stdoutW := io.Pipe()
	ctx, cancel := context.WithCancel(context.WithValue(context.Background(), serverIDKey{}, desc.ID))
	child := &Child{
		PID:      pid,
		ServerID: desc.ID,
		Conn:     &Conn{in: bufio.NewReader(stdinR), out: stdoutW},
		stdinR:   stdinR,
		stdoutW:  stdoutW,
		cancel:   cancel,
		exited:   make(chan struct{}),
	}
	l.children = append(l.children, child)
	l.mu.Unlock()

	if launchErr != nil {
		child.finish(launchErr)
		return nil, launchErr
	}

	go func() {
		child.finish(l.serve(ctx, child.Conn))
	}()
	select {
	case l.launched <- child:
	default:
	}

	return session.NewChild(
		stdinW, stdoutR, pid, child.exited,
		func() error { return child.err },
		func(time.Duration) error {
			child.mu.Lock()
			if child.stopped.IsZero() {
				child.stopped = time.Now()
			}
			child.mu.Unlock()
			child.finish(ErrTerminated)
			return nil
		},
	), nil
}
