// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package health aggregates the reachability of the model backend and the
// state of the MCP sessions into one status.
package health

import (
	"context"
	"log/slog"
	"sync"
	"time"

	"golang.org/x/sync/singleflight"

	"github.com/stacklok/mcp-assistant/pkg/logger"
)

// Status is the aggregated health.
type Status string

const (
	// StatusUp means the model is reachable and every session is ready.
	StatusUp Status = "UP"
	// StatusDegraded means the model is reachable but a session is not ready.
	StatusDegraded Status = "DEGRADED"
	// StatusDown means the model is unreachable.
	StatusDown Status = "DOWN"
)

// Pinger pings the model backend.
type Pinger interface {
	Ping(ctx context.Context) error
}

// Sessions reports session readiness.
type Sessions interface {
	ReadyCount() int
	Len() int
}

// Report is the result of a health check.
type Report struct {
	Status        Status    `json:"status"`
	LLMAvailable  bool      `json:"llmAvailable"`
	LLMError      string    `json:"llmError,omitempty"`
	ReadySessions int       `json:"readySessions"`
	TotalSessions int       `json:"totalSessions"`
	CheckedAt     time.Time `json:"checkedAt"`
}

// Aggregate derives the status from model reachability and session counts.
func Aggregate(llmAvailable bool, ready, total int) Status {
	switch {
	case !llmAvailable:
		return StatusDown
	case ready < total:
		return StatusDegraded
	default:
		return StatusUp
	}
}

type pingResult struct {
	err error
	at  time.Time
}

// Checker computes health reports. Model pings are shared between
// concurrent callers and cached for a short time.
type Checker struct {
	llm         Pinger
	sessions    Sessions
	ttl         time.Duration
	pingTimeout time.Duration
	log         *slog.Logger

	group singleflight.Group

	mu   sync.Mutex
	last *pingResult
}

// Option configures a Checker.
type Option func(*Checker)

// WithTTL sets how long a model ping result is reused. Zero disables caching.
func WithTTL(d time.Duration) Option {
	return func(c *Checker) {
		c.ttl = d
	}
}

// WithPingTimeout bounds a model ping.
func WithPingTimeout(d time.Duration) Option {
	return func(c *Checker) {
		c.pingTimeout = d
	}
}

// New creates a Checker.
func New(llm Pinger, sessions Sessions, opts ...Option) *Checker {
	c := &Checker{
		llm:         llm,
		sessions:    sessions,
		ttl:         5 * time.Second,
		pingTimeout: 5 * time.Second,
		log:         logger.Component("health"),
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// Check returns the current report.
func (c *Checker) Check(ctx context.Context) Report {
	err := c.ping(ctx)
	ready, total := c.sessions.ReadyCount(), c.sessions.Len()

	report := Report{
		Status:        Aggregate(err == nil, ready, total),
		LLMAvailable:  err == nil,
		ReadySessions: ready,
		TotalSessions: total,
		CheckedAt:     time.Now(),
	}
	if err != nil {
		report.LLMError = err.Error()
	}
	return report
}

// LLMAvailable reports whether the model backend answered its last ping.
func (c *Checker) LLMAvailable(ctx context.Context) bool {
	return c.ping(ctx) == nil
}

func (c *Checker) ping(ctx context.Context) error {
	c.mu.Lock()
	last := c.last
	c.mu.Unlock()
	if last != nil && c.ttl > 0 && time.Since(last.at) < c.ttl {
		return last.err
	}

	ch := c.group.DoChan("llm", func() (any, error) {
		// Shared by every waiting caller, so detached from ctx cancellation.
		pctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), c.pingTimeout)
		defer cancel()

		err := c.llm.Ping(pctx)
		if err != nil {
			c.log.Debug("model backend unreachable", "error", err)
		}
		c.mu.Lock()
		c.last = &pingResult{err: err, at: time.Now()}
		c.mu.Unlock()
		return nil, err
	})

	select {
	case res := <-ch:
		return res.Err
	case <-ctx.Done():
		return ctx.Err()
	}
}
