// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package session manages the connection to a single MCP server: spawning
// the process, the initialize handshake, the tool list and tool calls.
//
// A Session survives restarts. Each successful Start creates a new
// incarnation (process plus transport); state, epoch and restart count live
// on the Session and are mutated only by Start, the incarnation watcher and
// Shutdown. Readers use Snapshot.
package session

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	"github.com/stacklok/mcp-assistant/pkg/assistant/transport"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

// Exit describes how an incarnation ended.
type Exit struct {
	// Err is nil for a clean exit.
	Err error
}

// Clean reports whether the server exited on its own with success.
func (e Exit) Clean() bool {
	return e.Err == nil
}

type incarnation struct {
	child   *Child
	tr      *transport.Transport
	refresh chan struct{}
	ended   chan struct{}
	exit    Exit
}

// Session is the client side of one MCP server.
type Session struct {
	desc       *config.ServerDescriptor
	launcher   Launcher
	clientInfo mcp.Implementation
	onChange   func(*Session)
	maxFrame   int
	log        *slog.Logger

	mu          sync.RWMutex
	state       assistant.SessionState
	identity    *assistant.ServerIdentity
	tools       []assistant.Tool
	listed      bool
	epoch       uint64
	lastErr     error
	lastHealthy time.Time
	pid         int
	starts      int
	stopping    bool
	inc         *incarnation
}

// Option configures a Session.
type Option func(*Session)

// WithLauncher replaces the process launcher.
func WithLauncher(l Launcher) Option {
	return func(s *Session) {
		s.launcher = l
	}
}

// WithChangeHook registers a function called after every state or tool list change.
// The hook runs without the session lock held and must not block for long.
func WithChangeHook(fn func(*Session)) Option {
	return func(s *Session) {
		s.onChange = fn
	}
}

// WithClientInfo sets the identity sent in initialize.
func WithClientInfo(name, version string) Option {
	return func(s *Session) {
		s.clientInfo = mcp.Implementation{Name: name, Version: version}
	}
}

// WithMaxFrameBytes caps the size of a single frame read from the server.
func WithMaxFrameBytes(n int) Option {
	return func(s *Session) {
		s.maxFrame = n
	}
}

// New creates an Unstarted session for desc.
func New(desc *config.ServerDescriptor, opts ...Option) *Session {
	s := &Session{
		desc:       desc,
		launcher:   ExecLauncher{},
		clientInfo: mcp.Implementation{Name: ClientName, Version: "dev"},
		onChange:   func(*Session) {},
		log:        logger.Component("session").With("server", desc.ID),
		state:      assistant.StateUnstarted,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// ID returns the configured server id.
func (s *Session) ID() string {
	return s.desc.ID
}

// Descriptor returns the immutable configuration of the session.
func (s *Session) Descriptor() *config.ServerDescriptor {
	return s.desc
}

// State returns the current lifecycle state.
func (s *Session) State() assistant.SessionState {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.state
}

// Snapshot returns a copy of the public fields.
func (s *Session) Snapshot() assistant.SessionSnapshot {
	s.mu.RLock()
	defer s.mu.RUnlock()

	snap := assistant.SessionSnapshot{
		ID:            s.desc.ID,
		State:         s.state,
		Epoch:         s.epoch,
		Tools:         append([]assistant.Tool(nil), s.tools...),
		LastHealthy:   s.lastHealthy,
		PID:           s.pid,
		RestartPolicy: s.desc.RestartPolicy,
	}
	if s.starts > 1 {
		snap.Restarts = s.starts - 1
	}
	if s.identity != nil {
		id := *s.identity
		snap.Identity = &id
	}
	if s.lastErr != nil {
		snap.LastError = s.lastErr.Error()
	}
	return snap
}

// Start spawns the server and performs the handshake. On success the
// session is Ready; on failure it is Failed and the error is one of
// SpawnFailed, HandshakeFailed or ProtocolError.
func (s *Session) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.stopping || s.state == assistant.StateTerminal {
		s.mu.Unlock()
		return assistant.ErrShuttingDown
	}
	s.state = assistant.StateSpawning
	s.starts++
	s.mu.Unlock()
	s.changed()

	child, err := s.launcher.Launch(ctx, s.desc, s.log)
	if err != nil {
		if !thverrors.IsSpawnFailed(err) {
			err = thverrors.NewSpawnFailedError("failed to launch server", err)
		}
		s.setFailed(err)
		return err
	}

	inc := &incarnation{
		child: child,
		tr: transport.New(child.Stdout, child.Stdin, transport.FramerFor(s.desc.Framing, s.maxFrame),
			transport.WithLogger(s.log)),
		refresh: make(chan struct{}, 1),
		ended:   make(chan struct{}),
	}
	inc.tr.Subscribe(func(n transport.Notification) {
		if n.Method == methodToolsListChanged {
			select {
			case inc.refresh <- struct{}{}:
			default:
			}
		}
	})

	s.mu.Lock()
	s.inc = inc
	s.pid = child.PID
	s.state = assistant.StateInitializing
	s.mu.Unlock()
	s.changed()

	hctx, cancel := context.WithTimeout(ctx, s.desc.StartupTimeout.Std())
	identity, tools, err := s.handshake(hctx, inc.tr)
	cancel()
	if err != nil {
		err = classifyHandshakeError(err)
		s.teardown(inc)
		s.setFailed(err)
		return err
	}

	s.mu.Lock()
	stopping := s.stopping
	if !stopping {
		s.identity = identity
		s.storeToolsLocked(tools)
		s.state = assistant.StateReady
		s.lastErr = nil
		s.lastHealthy = time.Now()
	}
	s.mu.Unlock()
	if stopping {
		s.teardown(inc)
		return assistant.ErrShuttingDown
	}

	s.log.Info("MCP server ready",
		"name", identity.Name, "version", identity.Version,
		"protocolVersion", identity.ProtocolVersion, "tools", len(tools), "pid", child.PID)
	s.changed()

	go s.watch(inc)
	go s.refreshLoop(inc)
	return nil
}

// Wait blocks until the current incarnation ends or ctx is done.
func (s *Session) Wait(ctx context.Context) (Exit, error) {
	s.mu.RLock()
	inc := s.inc
	s.mu.RUnlock()
	if inc == nil {
		return Exit{}, fmt.Errorf("session %s has no running process", s.desc.ID)
	}
	select {
	case <-inc.ended:
		return inc.exit, nil
	case <-ctx.Done():
		return Exit{}, ctx.Err()
	}
}

// CallTool invokes a tool by its native name.
func (s *Session) CallTool(ctx context.Context, name string, args map[string]any) (*assistant.ToolResult, error) {
	tr, err := s.readyTransport()
	if err != nil {
		return nil, err
	}
	if args == nil {
		args = map[string]any{}
	}

	raw, err := tr.Call(ctx, methodToolsCall, map[string]any{"name": name, "arguments": args})
	if err != nil {
		return nil, s.mapCallError(name, err)
	}

	var result assistant.ToolResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, thverrors.NewProtocolError(fmt.Sprintf("decoding result of tool %s", name), err)
	}

	s.mu.Lock()
	s.lastHealthy = time.Now()
	s.mu.Unlock()
	return &result, nil
}

// Refresh re-reads the tool list from the server and bumps the epoch.
func (s *Session) Refresh(ctx context.Context) error {
	tr, err := s.readyTransport()
	if err != nil {
		return err
	}
	tools, err := listTools(ctx, tr)
	if err != nil {
		return err
	}
	s.mu.Lock()
	s.storeToolsLocked(tools)
	s.lastHealthy = time.Now()
	s.mu.Unlock()
	s.changed()
	return nil
}

// MarkTerminal moves the session to Terminal; it will not be restarted.
func (s *Session) MarkTerminal(reason error) {
	s.mu.Lock()
	s.state = assistant.StateTerminal
	if reason != nil {
		s.lastErr = reason
	}
	s.mu.Unlock()
	s.changed()
}

// MarkSpawning records that the supervisor is about to restart the session.
func (s *Session) MarkSpawning() {
	s.mu.Lock()
	if s.state != assistant.StateTerminal {
		s.state = assistant.StateSpawning
	}
	s.mu.Unlock()
	s.changed()
}

// Shutdown asks the server to stop and closes its stdin. A process still
// running when the grace period has passed since the call is terminated, then
// killed after the kill period. The session ends Terminal.
func (s *Session) Shutdown(ctx context.Context) error {
	s.mu.Lock()
	s.stopping = true
	inc := s.inc
	s.mu.Unlock()

	var err error
	if inc != nil {
		err = s.stopIncarnation(ctx, inc)
	}

	s.mu.Lock()
	s.state = assistant.StateTerminal
	s.pid = 0
	s.mu.Unlock()
	s.changed()
	return err
}

func (s *Session) stopIncarnation(ctx context.Context, inc *incarnation) error {
	grace := s.desc.Shutdown.Grace.Std()
	killAfter := s.desc.Shutdown.Kill.Std()

	select {
	case <-inc.ended:
		return nil
	default:
	}

	// grace runs from the start of shutdown and covers the request and the exit
	deadline := time.Now().Add(grace)
	sctx, cancel := context.WithDeadline(ctx, deadline)
	if _, err := inc.tr.Call(sctx, methodShutdown, nil); err != nil {
		s.log.Debug("shutdown request not honoured", "error", err)
	}
	cancel()
	_ = inc.tr.Close()

	timer := time.NewTimer(time.Until(deadline))
	defer timer.Stop()
	select {
	case <-inc.child.Exited:
		return nil
	case <-timer.C:
	case <-ctx.Done():
	}

	s.log.Info("MCP server did not exit in time, terminating", "pid", inc.child.PID)
	return inc.child.Stop(killAfter)
}

// teardown releases a half started incarnation.
func (s *Session) teardown(inc *incarnation) {
	_ = inc.tr.Close()
	select {
	case <-inc.child.Exited:
	case <-time.After(s.desc.Shutdown.Grace.Std()):
		if err := inc.child.Stop(s.desc.Shutdown.Kill.Std()); err != nil {
			s.log.Warn("failed to stop server", "error", err)
		}
	}
	s.mu.Lock()
	if s.inc == inc {
		s.pid = 0
	}
	s.mu.Unlock()
	close(inc.ended)
}

// watch observes an incarnation until its process or transport ends.
func (s *Session) watch(inc *incarnation) {
	select {
	case <-inc.child.Exited:
		_ = inc.tr.Close()
	case <-inc.tr.Done():
		// stdout closed; give the process a chance to exit by itself
		select {
		case <-inc.child.Exited:
		case <-time.After(s.desc.Shutdown.Grace.Std()):
			if err := inc.child.Stop(s.desc.Shutdown.Kill.Std()); err != nil {
				s.log.Warn("failed to stop server", "error", err)
			}
		}
	}

	exitErr := inc.child.ExitErr()
	inc.exit = Exit{Err: exitErr}

	s.mu.Lock()
	stopping := s.stopping
	if !stopping && s.inc == inc {
		s.state = assistant.StateFailed
		s.pid = 0
		if exitErr != nil {
			s.lastErr = thverrors.NewTransportClosedError("server exited", exitErr)
		} else {
			s.lastErr = thverrors.NewTransportClosedError("server exited", nil)
		}
	}
	s.mu.Unlock()
	close(inc.ended)

	if !stopping {
		s.log.Warn("MCP server ended", "exit", exitErr)
		s.changed()
	}
}

func (s *Session) refreshLoop(inc *incarnation) {
	for {
		select {
		case <-inc.ended:
			return
		case <-inc.refresh:
		}

		ctx, cancel := context.WithTimeout(context.Background(), s.desc.StartupTimeout.Std())
		tools, err := listTools(ctx, inc.tr)
		cancel()
		if err != nil {
			s.log.Warn("failed to refresh tool list", "error", err)
			continue
		}

		s.mu.Lock()
		current := s.inc == inc && s.state == assistant.StateReady
		if current {
			s.storeToolsLocked(tools)
			s.lastHealthy = time.Now()
		}
		s.mu.Unlock()
		if current {
			s.log.Debug("tool list refreshed", "tools", len(tools))
			s.changed()
		}
	}
}

// storeToolsLocked replaces the tool list. The first list of the session's
// lifetime is epoch 0; every later one bumps the epoch, across restarts too.
func (s *Session) storeToolsLocked(tools []assistant.Tool) {
	if s.listed {
		s.epoch++
	}
	s.listed = true
	s.tools = tools
}

func (s *Session) readyTransport() (*transport.Transport, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if s.state != assistant.StateReady || s.inc == nil {
		return nil, thverrors.NewServerUnavailableError(
			fmt.Sprintf("server %s is %s", s.desc.ID, s.state), s.lastErr)
	}
	return s.inc.tr, nil
}

func (s *Session) setFailed(err error) {
	s.mu.Lock()
	if s.state != assistant.StateTerminal {
		s.state = assistant.StateFailed
	}
	s.lastErr = err
	s.mu.Unlock()
	s.log.Warn("MCP server failed to start", "error", err)
	s.changed()
}

func (s *Session) changed() {
	s.onChange(s)
}

func (s *Session) mapCallError(name string, err error) error {
	var rpcErr *transport.RPCError
	switch {
	case errors.As(err, &rpcErr):
		return thverrors.NewToolExecutionError(fmt.Sprintf("tool %s failed", name),
			&assistant.ToolError{Code: rpcErr.Code, Message: rpcErr.Message, Data: rpcErr.Data})
	case thverrors.IsTransportClosed(err):
		return thverrors.NewServerUnavailableError(fmt.Sprintf("server %s went away", s.desc.ID), err)
	default:
		return err
	}
}

func classifyHandshakeError(err error) error {
	switch {
	case thverrors.IsProtocol(err), thverrors.IsHandshakeFailed(err):
		return err
	case errors.Is(err, context.DeadlineExceeded) || thverrors.IsTimeout(err):
		return thverrors.NewHandshakeFailedError("initialize timed out", err)
	default:
		return thverrors.NewHandshakeFailedError("initialize failed", err)
	}
}
