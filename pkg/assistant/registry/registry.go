// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package registry owns the set of MCP sessions. It starts every configured
// server concurrently, supervises each one according to its restart policy
// and publishes session changes to subscribers such as the tool catalog.
package registry

import (
	"context"
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	"github.com/stacklok/mcp-assistant/pkg/assistant/metrics"
	"github.com/stacklok/mcp-assistant/pkg/assistant/session"
	"github.com/stacklok/mcp-assistant/pkg/logger"
	"github.com/stacklok/mcp-assistant/pkg/process"
)

// Listener is called with the snapshot of a session after every change.
// Listeners run on the goroutine that caused the change and must not block.
type Listener func(assistant.SessionSnapshot)

// Status is a session snapshot enriched with process statistics.
type Status struct {
	assistant.SessionSnapshot
	Process *process.Stats `json:"process,omitempty"`
}

// Registry owns the sessions and their supervisors.
type Registry struct {
	strict      bool
	ids         []string
	sessions    map[string]*session.Session
	supervisors map[string]*supervisor
	metrics     *metrics.Metrics
	log         *slog.Logger

	mu        sync.Mutex
	listeners map[int]Listener
	nextID    int
	started   bool
	closed    bool

	ctx    context.Context
	cancel context.CancelFunc
	wg     sync.WaitGroup
}

// Option configures a Registry.
type Option func(*options)

type options struct {
	launcher   session.Launcher
	clientName string
	clientVer  string
	maxFrame   int
	metrics    *metrics.Metrics
}

// WithLauncher replaces the process launcher of every session.
func WithLauncher(l session.Launcher) Option {
	return func(o *options) {
		o.launcher = l
	}
}

// WithClientInfo sets the identity sessions announce in initialize.
func WithClientInfo(name, version string) Option {
	return func(o *options) {
		o.clientName = name
		o.clientVer = version
	}
}

// WithMaxFrameBytes caps the frames every session accepts.
func WithMaxFrameBytes(n int) Option {
	return func(o *options) {
		o.maxFrame = n
	}
}

// WithMetrics records restarts and states.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *options) {
		o.metrics = m
	}
}

// New creates a registry for the servers of cfg, which must have had its
// defaults applied. Nothing is spawned until Start.
func New(cfg *config.MCPConfig, opts ...Option) *Registry {
	o := &options{clientName: session.ClientName, clientVer: "dev"}
	for _, opt := range opts {
		opt(o)
	}

	ctx, cancel := context.WithCancel(context.Background())
	r := &Registry{
		sessions:    make(map[string]*session.Session),
		supervisors: make(map[string]*supervisor),
		metrics:     o.metrics,
		log:         logger.Component("registry"),
		listeners:   make(map[int]Listener),
		ctx:         ctx,
		cancel:      cancel,
	}
	if cfg == nil {
		return r
	}
	r.strict = cfg.Strict

	for _, desc := range cfg.Servers {
		sessOpts := []session.Option{
			session.WithClientInfo(o.clientName, o.clientVer),
			session.WithChangeHook(r.publish),
			session.WithMaxFrameBytes(o.maxFrame),
		}
		if o.launcher != nil {
			sessOpts = append(sessOpts, session.WithLauncher(o.launcher))
		}
		s := session.New(desc, sessOpts...)
		r.ids = append(r.ids, desc.ID)
		r.sessions[desc.ID] = s
		r.supervisors[desc.ID] = newSupervisor(s, o.metrics)
	}
	slices.Sort(r.ids)
	return r
}

// Start spawns every session concurrently and returns once each one is
// Ready or its first attempt failed. Failed sessions keep being retried in
// the background according to their policy. In strict mode Start fails when
// no session became Ready.
func (r *Registry) Start(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return assistant.ErrShuttingDown
	}
	if r.started {
		r.mu.Unlock()
		return fmt.Errorf("registry already started")
	}
	r.started = true
	r.wg.Add(len(r.ids))
	r.mu.Unlock()

	r.log.Info("starting MCP servers", "count", len(r.ids))

	var g errgroup.Group
	for _, id := range r.ids {
		sup := r.supervisors[id]
		g.Go(func() error {
			err := sup.firstStart(ctx)
			go func() {
				defer r.wg.Done()
				sup.run(r.ctx, err)
			}()
			return nil
		})
	}
	_ = g.Wait()

	ready := r.ReadyCount()
	r.log.Info("MCP servers started", "ready", ready, "total", len(r.ids))
	if r.strict && ready == 0 && len(r.ids) > 0 {
		return fmt.Errorf("%w: %s", assistant.ErrNoReadySessions, strings.Join(r.failures(), "; "))
	}
	return nil
}

func (r *Registry) failures() []string {
	var out []string
	for _, snap := range r.Sessions() {
		if snap.State != assistant.StateReady {
			out = append(out, fmt.Sprintf("%s: %s", snap.ID, snap.LastError))
		}
	}
	return out
}

// Session returns the session registered under id.
func (r *Registry) Session(id string) (*session.Session, error) {
	s, ok := r.sessions[id]
	if !ok {
		return nil, fmt.Errorf("%w: %s", assistant.ErrSessionNotFound, id)
	}
	return s, nil
}

// IDs returns the configured server ids in lexicographic order.
func (r *Registry) IDs() []string {
	return slices.Clone(r.ids)
}

// Sessions returns a snapshot of every session ordered by id.
func (r *Registry) Sessions() []assistant.SessionSnapshot {
	out := make([]assistant.SessionSnapshot, 0, len(r.ids))
	for _, id := range r.ids {
		out = append(out, r.sessions[id].Snapshot())
	}
	return out
}

// Statuses returns session snapshots with resource usage of running servers.
func (r *Registry) Statuses(ctx context.Context) []Status {
	snaps := r.Sessions()
	out := make([]Status, len(snaps))
	for i, snap := range snaps {
		out[i].SessionSnapshot = snap
		if snap.PID <= 0 {
			continue
		}
		stats, err := process.Sample(ctx, snap.PID)
		if err != nil {
			r.log.Debug("failed to sample server process", "server", snap.ID, "pid", snap.PID, "error", err)
			continue
		}
		out[i].Process = stats
	}
	return out
}

// ReadyCount returns the number of Ready sessions.
func (r *Registry) ReadyCount() int {
	n := 0
	for _, id := range r.ids {
		if r.sessions[id].State() == assistant.StateReady {
			n++
		}
	}
	return n
}

// Len returns the number of configured sessions.
func (r *Registry) Len() int {
	return len(r.ids)
}

// Subscribe registers l for session changes and returns a function removing it.
func (r *Registry) Subscribe(l Listener) func() {
	r.mu.Lock()
	defer r.mu.Unlock()
	id := r.nextID
	r.nextID++
	r.listeners[id] = l
	return func() {
		r.mu.Lock()
		defer r.mu.Unlock()
		delete(r.listeners, id)
	}
}

func (r *Registry) publish(s *session.Session) {
	snap := s.Snapshot()
	r.metrics.SetSessionState(snap.ID, snap.State)

	r.mu.Lock()
	listeners := make([]Listener, 0, len(r.listeners))
	for _, id := range slices.Sorted(maps.Keys(r.listeners)) {
		listeners = append(listeners, r.listeners[id])
	}
	r.mu.Unlock()

	for _, l := range listeners {
		l(snap)
	}
}

// Shutdown stops supervision and shuts every session down concurrently.
func (r *Registry) Shutdown(ctx context.Context) error {
	r.mu.Lock()
	if r.closed {
		r.mu.Unlock()
		return nil
	}
	r.closed = true
	r.mu.Unlock()

	r.cancel()

	var g errgroup.Group
	for _, id := range r.ids {
		s := r.sessions[id]
		g.Go(func() error {
			if err := s.Shutdown(ctx); err != nil {
				return fmt.Errorf("failed to shut down %s: %w", s.ID(), err)
			}
			return nil
		})
	}
	err := g.Wait()
	r.wg.Wait()
	r.log.Info("MCP servers stopped")
	return err
}
