// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/go-cmp/cmp"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/mock/gomock"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/catalog/mocks"
	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	"github.com/stacklok/mcp-assistant/pkg/assistant/registry"
	"github.com/stacklok/mcp-assistant/pkg/assistant/session/sessiontest"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

// fakeSource is a Source whose sessions are set by the test.
type fakeSource struct {
	mu        sync.Mutex
	sessions  []assistant.SessionSnapshot
	listeners []registry.Listener
}

func (f *fakeSource) Sessions() []assistant.SessionSnapshot {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]assistant.SessionSnapshot(nil), f.sessions...)
}

func (f *fakeSource) Subscribe(l registry.Listener) func() {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.listeners = append(f.listeners, l)
	return func() {}
}

func (f *fakeSource) set(sessions ...assistant.SessionSnapshot) {
	f.mu.Lock()
	f.sessions = sessions
	listeners := append([]registry.Listener(nil), f.listeners...)
	f.mu.Unlock()
	for _, l := range listeners {
		l(assistant.SessionSnapshot{})
	}
}

func ready(id string, epoch uint64, tools ...string) assistant.SessionSnapshot {
	snap := assistant.SessionSnapshot{ID: id, State: assistant.StateReady, Epoch: epoch}
	for _, name := range tools {
		snap.Tools = append(snap.Tools, assistant.Tool{Name: name, Description: name + " from " + id})
	}
	return snap
}

func exposed(s *Snapshot) []string {
	var names []string
	for _, t := range s.Tools() {
		names = append(names, t.ExposedName)
	}
	return names
}

func TestBuild(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name      string
		sessions  []assistant.SessionSnapshot
		want      []string
		conflicts int
		epoch     uint64
	}{
		{
			name:     "distinct names stay bare",
			sessions: []assistant.SessionSnapshot{ready("fs", 0, "read", "write"), ready("web", 2, "fetch")},
			want:     []string{"fetch", "read", "write"},
			epoch:    2,
		},
		{
			name:      "collision prefixes every contributor",
			sessions:  []assistant.SessionSnapshot{ready("B", 1, "search"), ready("A", 1, "search", "other")},
			want:      []string{"A__search", "B__search", "other"},
			conflicts: 1,
			epoch:     2,
		},
		{
			name: "three way collision",
			sessions: []assistant.SessionSnapshot{
				ready("c", 0, "x"), ready("a", 0, "x"), ready("b", 0, "x"),
			},
			want:      []string{"a__x", "b__x", "c__x"},
			conflicts: 1,
		},
		{
			name: "prefixed name colliding with a native name keeps the first session",
			sessions: []assistant.SessionSnapshot{
				ready("a", 0, "t"), ready("b", 0, "t"), ready("c", 0, "a__t"),
			},
			want:      []string{"a__t", "b__t"},
			conflicts: 1,
		},
		{
			name: "terminal sessions contribute nothing",
			sessions: []assistant.SessionSnapshot{
				ready("a", 0, "search"),
				{ID: "b", State: assistant.StateTerminal, Tools: []assistant.Tool{{Name: "search"}}},
			},
			want: []string{"search"},
		},
		{
			name: "restarting sessions keep their tools",
			sessions: []assistant.SessionSnapshot{
				{ID: "a", State: assistant.StateSpawning, Epoch: 3, Tools: []assistant.Tool{{Name: "read"}}},
				{ID: "b", State: assistant.StateFailed, Epoch: 1, Tools: []assistant.Tool{{Name: "write"}}},
			},
			want:  []string{"read", "write"},
			epoch: 4,
		},
		{
			name: "duplicate names within one session are listed once",
			sessions: []assistant.SessionSnapshot{
				ready("a", 0, "dup", "dup"),
			},
			want: []string{"dup"},
		},
		{
			name: "no sessions",
			want: nil,
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()

			snap := build(tt.sessions, 7, logger.Get())
			if diff := cmp.Diff(tt.want, exposed(snap)); diff != "" {
				t.Errorf("exposed names mismatch (-want +got):\n%s", diff)
			}
			assert.Equal(t, tt.conflicts, snap.ConflictsResolved())
			assert.Equal(t, tt.epoch, snap.Epoch())
			assert.Equal(t, uint64(7), snap.Version())

			seen := map[string]bool{}
			for _, tool := range snap.Tools() {
				assert.False(t, seen[tool.ExposedName], "duplicate exposed name %s", tool.ExposedName)
				seen[tool.ExposedName] = true
				got, ok := snap.Lookup(tool.ExposedName)
				require.True(t, ok)
				assert.Equal(t, tool, got)
			}
		})
	}
}

func TestBuild_IndependentOfOrder(t *testing.T) {
	t.Parallel()

	a := ready("A", 0, "search")
	b := ready("B", 0, "search")

	first := build([]assistant.SessionSnapshot{a, b}, 1, logger.Get())
	second := build([]assistant.SessionSnapshot{b, a}, 1, logger.Get())
	assert.Equal(t, first.Tools(), second.Tools())

	tool, ok := first.Lookup("B__search")
	require.True(t, ok)
	assert.Equal(t, "B", tool.SessionID)
	assert.Equal(t, "search", tool.NativeName)

	_, ok = first.Lookup("search")
	assert.False(t, ok)
}

func TestCatalog_PublishesOnChange(t *testing.T) {
	t.Parallel()

	src := &fakeSource{}
	src.set(ready("fs", 0, "read"))
	c := New(src)
	defer c.Close()

	first := c.Snapshot()
	assert.Equal(t, []string{"read"}, exposed(first))
	assert.Equal(t, uint64(1), first.Version())

	src.set(ready("fs", 0, "read"))
	assert.Same(t, first, c.Snapshot(), "unchanged tools must not publish a new snapshot")

	src.set(ready("fs", 1, "read", "write"))
	second := c.Snapshot()
	assert.Equal(t, []string{"read", "write"}, exposed(second))
	assert.Equal(t, uint64(2), second.Version())

	// a pinned snapshot is unaffected by later changes
	assert.Equal(t, []string{"read"}, exposed(first))

	src.set(assistant.SessionSnapshot{ID: "fs", State: assistant.StateTerminal, Epoch: 1,
		Tools: []assistant.Tool{{Name: "read"}}})
	assert.Zero(t, c.Snapshot().Len())
	assert.Equal(t, uint64(3), c.Snapshot().Version())
}

func TestCatalog_UnsubscribesOnClose(t *testing.T) {
	t.Parallel()

	ctrl := gomock.NewController(t)
	src := mocks.NewMockSource(ctrl)

	unsubscribed := false
	src.EXPECT().Sessions().Return([]assistant.SessionSnapshot{ready("a", 0, "x")})
	src.EXPECT().Subscribe(gomock.Any()).Return(func() { unsubscribed = true })

	c := New(src)
	assert.Equal(t, 1, c.Snapshot().Len())
	c.Close()
	c.Close()
	assert.True(t, unsubscribed)
}

func TestCatalog_FollowsRegistry(t *testing.T) {
	t.Parallel()

	desc := func(id string) *config.ServerDescriptor {
		d := config.DefaultServerDescriptor()
		d.ID = id
		d.Command = id
		d.StartupTimeout = config.Duration(time.Second)
		d.Shutdown.Grace = config.Duration(50 * time.Millisecond)
		d.Shutdown.Kill = config.Duration(50 * time.Millisecond)
		return d
	}
	launcher := sessiontest.NewLauncher(sessiontest.PerServer(map[string]sessiontest.ServeFunc{
		"A": sessiontest.MCPGo(sessiontest.EchoServer("a", "search", "only_a")),
		"B": sessiontest.MCPGo(sessiontest.EchoServer("b", "search")),
	}))
	reg := registry.New(&config.MCPConfig{Servers: []*config.ServerDescriptor{desc("A"), desc("B")}},
		registry.WithLauncher(launcher))
	t.Cleanup(func() { _ = reg.Shutdown(context.Background()) })

	c := New(reg)
	defer c.Close()
	assert.Zero(t, c.Snapshot().Len())

	require.NoError(t, reg.Start(context.Background()))
	snap := c.Snapshot()
	assert.Equal(t, []string{"A__search", "B__search", "only_a"}, exposed(snap))
	assert.Equal(t, 1, snap.ConflictsResolved())
	assert.Equal(t, []string{"A", "B"}, snap.Sessions())
}
