// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package catalog

import (
	"log/slog"
	"slices"
	"strings"
	"time"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
)

// Separator joins a session id and a native tool name in a prefixed exposed name.
const Separator = "__"

// Snapshot is an immutable view of every exposed tool. Exposed names are
// unique within a snapshot.
type Snapshot struct {
	version   uint64
	epoch     uint64
	conflicts int
	builtAt   time.Time
	tools     []assistant.ToolDescriptor
	byName    map[string]int
	sessions  []string
}

// Version is the catalog generation; it grows with every published snapshot.
func (s *Snapshot) Version() uint64 { return s.version }

// Epoch is the sum of the epochs of the contributing sessions.
func (s *Snapshot) Epoch() uint64 { return s.epoch }

// ConflictsResolved is the number of native names exposed with a prefix.
func (s *Snapshot) ConflictsResolved() int { return s.conflicts }

// BuiltAt is when the snapshot was built.
func (s *Snapshot) BuiltAt() time.Time { return s.builtAt }

// Len returns the number of tools.
func (s *Snapshot) Len() int { return len(s.tools) }

// Sessions returns the ids of the sessions contributing tools.
func (s *Snapshot) Sessions() []string { return slices.Clone(s.sessions) }

// Tools returns the descriptors sorted by exposed name.
func (s *Snapshot) Tools() []assistant.ToolDescriptor {
	return slices.Clone(s.tools)
}

// Lookup finds a tool by exposed name.
func (s *Snapshot) Lookup(name string) (assistant.ToolDescriptor, bool) {
	i, ok := s.byName[name]
	if !ok {
		return assistant.ToolDescriptor{}, false
	}
	return s.tools[i], true
}

// sameTools reports whether two snapshots expose identical tools at identical epochs.
func (s *Snapshot) sameTools(o *Snapshot) bool {
	if s == nil || o == nil {
		return false
	}
	if s.epoch != o.epoch || !slices.Equal(s.sessions, o.sessions) {
		return false
	}
	return slices.EqualFunc(s.tools, o.tools, func(a, b assistant.ToolDescriptor) bool {
		return a.ExposedName == b.ExposedName && a.SessionID == b.SessionID && a.NativeName == b.NativeName
	})
}

// contributes reports whether a session's tools belong in the catalog.
// Tools are retained while a session restarts and removed once it is Terminal.
func contributes(snap assistant.SessionSnapshot) bool {
	return snap.State != assistant.StateTerminal && snap.State != assistant.StateUnstarted
}

// toolWithSession tracks which session a tool comes from.
type toolWithSession struct {
	tool      assistant.Tool
	sessionID string
}

// groupToolsByName groups tools by native name to detect conflicts.
// Sessions must be sorted by id; groups keep that order.
func groupToolsByName(sessions []assistant.SessionSnapshot) map[string][]toolWithSession {
	byName := make(map[string][]toolWithSession)
	for _, snap := range sessions {
		seen := make(map[string]bool, len(snap.Tools))
		for _, tool := range snap.Tools {
			if seen[tool.Name] {
				continue
			}
			seen[tool.Name] = true
			byName[tool.Name] = append(byName[tool.Name], toolWithSession{tool: tool, sessionID: snap.ID})
		}
	}
	return byName
}

// build assembles a snapshot. A native name offered by more than one session
// is exposed as <session-id>__<name> for every one of them.
func build(sessions []assistant.SessionSnapshot, version uint64, log *slog.Logger) *Snapshot {
	contributing := make([]assistant.SessionSnapshot, 0, len(sessions))
	for _, snap := range sessions {
		if contributes(snap) && len(snap.Tools) > 0 {
			contributing = append(contributing, snap)
		}
	}
	slices.SortFunc(contributing, func(a, b assistant.SessionSnapshot) int {
		return strings.Compare(a.ID, b.ID)
	})

	snap := &Snapshot{
		version: version,
		builtAt: time.Now(),
		byName:  make(map[string]int),
	}

	byName := groupToolsByName(contributing)
	for name, group := range byName {
		if len(group) > 1 {
			snap.conflicts++
			log.Debug("tool name conflict resolved with prefixes", "tool", name, "sessions", len(group))
		}
	}

	owner := make(map[string]string)
	for _, session := range contributing {
		snap.epoch += session.Epoch
		snap.sessions = append(snap.sessions, session.ID)

		for _, tool := range session.Tools {
			group := byName[tool.Name]
			if !slices.ContainsFunc(group, func(t toolWithSession) bool { return t.sessionID == session.ID }) {
				continue
			}
			exposed := tool.Name
			if len(group) > 1 {
				exposed = session.ID + Separator + tool.Name
			}
			if prev, taken := owner[exposed]; taken {
				if prev != session.ID {
					log.Error("exposed tool name collides after prefixing, dropping tool",
						"tool", exposed, "server", session.ID, "kept", prev)
				}
				continue
			}
			owner[exposed] = session.ID
			snap.tools = append(snap.tools, assistant.ToolDescriptor{
				ExposedName: exposed,
				SessionID:   session.ID,
				NativeName:  tool.Name,
				Description: tool.Description,
				InputSchema: tool.InputSchema,
			})
		}
	}

	slices.SortFunc(snap.tools, func(a, b assistant.ToolDescriptor) int {
		return strings.Compare(a.ExposedName, b.ExposedName)
	})
	for i, t := range snap.tools {
		snap.byName[t.ExposedName] = i
	}
	return snap
}
