// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package catalog aggregates the tools of every MCP session into immutable
// snapshots with unique exposed names. Consumers pin one snapshot for the
// duration of a chat turn.
package catalog

import (
	"log/slog"
	"sync"
	"sync/atomic"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/metrics"
	"github.com/stacklok/mcp-assistant/pkg/assistant/registry"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

// Source provides session snapshots and change notifications.
//
//go:generate mockgen -destination=mocks/mock_source.go -package=mocks -source=catalog.go Source
type Source interface {
	Sessions() []assistant.SessionSnapshot
	Subscribe(l registry.Listener) func()
}

// Catalog publishes a new Snapshot whenever the tools of a session change.
type Catalog struct {
	source  Source
	metrics *metrics.Metrics
	log     *slog.Logger

	current atomic.Pointer[Snapshot]

	mu          sync.Mutex
	version     uint64
	unsubscribe func()
}

// Option configures a Catalog.
type Option func(*Catalog)

// WithMetrics records the catalog size.
func WithMetrics(m *metrics.Metrics) Option {
	return func(c *Catalog) {
		c.metrics = m
	}
}

// New builds the first snapshot from source and subscribes to its changes.
func New(source Source, opts ...Option) *Catalog {
	c := &Catalog{
		source: source,
		log:    logger.Component("catalog"),
	}
	for _, opt := range opts {
		opt(c)
	}
	c.Rebuild()
	c.unsubscribe = source.Subscribe(func(assistant.SessionSnapshot) {
		c.Rebuild()
	})
	return c
}

// Snapshot returns the current snapshot. It is never nil.
func (c *Catalog) Snapshot() *Snapshot {
	return c.current.Load()
}

// Rebuild reads every session and publishes a new snapshot when the exposed
// tools changed. It returns the current snapshot.
func (c *Catalog) Rebuild() *Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	next := build(c.source.Sessions(), c.version+1, c.log)
	prev := c.current.Load()
	if prev != nil && prev.sameTools(next) {
		return prev
	}

	c.version++
	c.current.Store(next)
	c.metrics.SetCatalogTools(next.Len())
	c.log.Debug("tool catalog updated",
		"version", next.version, "epoch", next.epoch, "tools", next.Len(), "conflicts", next.conflicts)
	return next
}

// Close stops following the source.
func (c *Catalog) Close() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.unsubscribe != nil {
		c.unsubscribe()
		c.unsubscribe = nil
	}
}
