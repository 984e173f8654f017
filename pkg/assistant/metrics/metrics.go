// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package metrics holds the Prometheus collectors of the assistant.
// A nil *Metrics is valid and records nothing, so components can be built
// without instrumentation in tests.
package metrics

import (
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
)

const namespace = "mcp_assistant"

// Config controls which collectors are registered.
type Config struct {
	// IncludeRuntimeMetrics adds the Go runtime and process collectors.
	IncludeRuntimeMetrics bool
}

// Metrics groups every collector.
type Metrics struct {
	registry *prometheus.Registry

	turns         *prometheus.CounterVec
	turnDuration  prometheus.Histogram
	toolCalls     *prometheus.CounterVec
	toolDuration  *prometheus.HistogramVec
	llmRequests   *prometheus.CounterVec
	llmDuration   prometheus.Histogram
	restarts      *prometheus.CounterVec
	sessionStates *prometheus.GaugeVec
	catalogTools  prometheus.Gauge
	conversations prometheus.Gauge
}

// New creates and registers the collectors on a private registry.
func New(cfg Config) *Metrics {
	reg := prometheus.NewRegistry()
	if cfg.IncludeRuntimeMetrics {
		reg.MustRegister(
			collectors.NewGoCollector(),
			collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
		)
	}

	m := &Metrics{
		registry: reg,
		turns: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "chat_turns_total",
			Help:      "Chat turns by outcome.",
		}, []string{"outcome"}),
		turnDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "chat_turn_duration_seconds",
			Help:      "Duration of chat turns.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		toolCalls: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "tool_calls_total",
			Help:      "Tool invocations by server and outcome.",
		}, []string{"server", "tool", "outcome"}),
		toolDuration: prometheus.NewHistogramVec(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "tool_call_duration_seconds",
			Help:      "Duration of tool invocations.",
			Buckets:   prometheus.DefBuckets,
		}, []string{"server"}),
		llmRequests: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "llm_requests_total",
			Help:      "Requests to the LLM endpoint by outcome.",
		}, []string{"outcome"}),
		llmDuration: prometheus.NewHistogram(prometheus.HistogramOpts{
			Namespace: namespace,
			Name:      "llm_request_duration_seconds",
			Help:      "Duration of LLM chat requests, retries included.",
			Buckets:   prometheus.ExponentialBuckets(0.05, 2, 12),
		}),
		restarts: prometheus.NewCounterVec(prometheus.CounterOpts{
			Namespace: namespace,
			Name:      "mcp_server_restarts_total",
			Help:      "Restarts of MCP servers by the supervisor.",
		}, []string{"server"}),
		sessionStates: prometheus.NewGaugeVec(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "mcp_server_state",
			Help:      "1 for the current lifecycle state of each MCP server.",
		}, []string{"server", "state"}),
		catalogTools: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "catalog_tools",
			Help:      "Tools in the current catalog snapshot.",
		}),
		conversations: prometheus.NewGauge(prometheus.GaugeOpts{
			Namespace: namespace,
			Name:      "conversations",
			Help:      "Conversations held in memory.",
		}),
	}

	reg.MustRegister(
		m.turns, m.turnDuration, m.toolCalls, m.toolDuration, m.llmRequests,
		m.llmDuration, m.restarts, m.sessionStates, m.catalogTools, m.conversations,
	)
	return m
}

// Handler serves the exposition format.
func (m *Metrics) Handler() http.Handler {
	if m == nil {
		return http.NotFoundHandler()
	}
	return promhttp.HandlerFor(m.registry, promhttp.HandlerOpts{Registry: m.registry})
}

// Registry exposes the underlying registry, mainly for tests.
func (m *Metrics) Registry() *prometheus.Registry {
	return m.registry
}

// ObserveTurn records a finished chat turn.
func (m *Metrics) ObserveTurn(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.turns.WithLabelValues(outcome).Inc()
	m.turnDuration.Observe(d.Seconds())
}

// ObserveToolCall records a finished tool invocation.
func (m *Metrics) ObserveToolCall(server, tool, outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.toolCalls.WithLabelValues(server, tool, outcome).Inc()
	m.toolDuration.WithLabelValues(server).Observe(d.Seconds())
}

// ObserveLLMRequest records a finished LLM request.
func (m *Metrics) ObserveLLMRequest(outcome string, d time.Duration) {
	if m == nil {
		return
	}
	m.llmRequests.WithLabelValues(outcome).Inc()
	m.llmDuration.Observe(d.Seconds())
}

// IncRestart counts a supervisor restart.
func (m *Metrics) IncRestart(server string) {
	if m == nil {
		return
	}
	m.restarts.WithLabelValues(server).Inc()
}

var allStates = []assistant.SessionState{
	assistant.StateUnstarted, assistant.StateSpawning, assistant.StateInitializing,
	assistant.StateReady, assistant.StateFailed, assistant.StateTerminal,
}

// SetSessionState sets the state gauge of a server so exactly one state reads 1.
func (m *Metrics) SetSessionState(server string, state assistant.SessionState) {
	if m == nil {
		return
	}
	for _, s := range allStates {
		v := 0.0
		if s == state {
			v = 1
		}
		m.sessionStates.WithLabelValues(server, string(s)).Set(v)
	}
}

// SetCatalogTools records the size of the current catalog.
func (m *Metrics) SetCatalogTools(n int) {
	if m == nil {
		return
	}
	m.catalogTools.Set(float64(n))
}

// SetConversations records how many conversations are held.
func (m *Metrics) SetConversations(n int) {
	if m == nil {
		return
	}
	m.conversations.Set(float64(n))
}

// Outcome maps an error to a low cardinality label.
func Outcome(err error) string {
	if err == nil {
		return "success"
	}
	return thverrors.Kind(err)
}
