// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"time"

	"dario.cat/mergo"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
)

// Default values. These are the single source of truth for every default.
const (
	defaultLLMEndpoint       = "http://localhost:11434"
	defaultLLMModel          = "llama3.2"
	defaultLLMTemperature    = 0.7
	defaultLLMRequestTimeout = 120 * time.Second
	defaultLLMMaxRetries     = 2

	defaultMaxToolLoops       = 5
	defaultHistoryMaxMessages = 40
	defaultMaxConversations   = 1000
	defaultTurnDeadline       = 60 * time.Second

	defaultMaxResultBytes  = 1 << 20
	defaultToolCallTimeout = 30 * time.Second

	defaultServerAddress = "127.0.0.1:8080"

	defaultTelemetryServiceName  = "mcp-assistant"
	defaultTelemetrySamplingRate = 1.0

	defaultStartupTimeout = 30 * time.Second
	defaultBackoffBase    = 500 * time.Millisecond
	defaultBackoffMax     = 30 * time.Second
	defaultMaxRestarts    = 5
	defaultRestartWindow  = 60 * time.Second
	defaultShutdownGrace  = 2 * time.Second
	defaultShutdownKill   = 3 * time.Second
)

// DefaultSystemPrompt is used when neither the request nor the configuration supplies one.
const DefaultSystemPrompt = "You are a helpful assistant.\n" +
	"You can respond in plain text for normal questions.\n" +
	"You can also call tools when the user explicitly requests something that matches their purpose.\n" +
	"Only output a tool call if it is required. Otherwise, answer normally."

// DefaultConfig returns a fully populated Config with no MCP servers.
func DefaultConfig() *Config {
	temperature := defaultLLMTemperature
	retries := defaultLLMMaxRetries
	return &Config{
		LLM: &LLMConfig{
			Endpoint:       defaultLLMEndpoint,
			Model:          defaultLLMModel,
			Temperature:    &temperature,
			RequestTimeout: Duration(defaultLLMRequestTimeout),
			MaxRetries:     &retries,
		},
		MCP: &MCPConfig{},
		Chat: &ChatConfig{
			MaxToolLoops:       defaultMaxToolLoops,
			HistoryMaxMessages: defaultHistoryMaxMessages,
			MaxConversations:   defaultMaxConversations,
			TurnDeadline:       Duration(defaultTurnDeadline),
			ToolSelection:      ToolSelectionClassifier,
			SystemPrompt:       DefaultSystemPrompt,
		},
		Tools: &ToolsConfig{
			MaxResultBytes: defaultMaxResultBytes,
			CallTimeout:    Duration(defaultToolCallTimeout),
		},
		Server: &ServerConfig{
			Address: defaultServerAddress,
		},
		Telemetry: &TelemetryConfig{
			ServiceName:  defaultTelemetryServiceName,
			SamplingRate: defaultTelemetrySamplingRate,
		},
	}
}

// DefaultServerDescriptor returns the defaults applied to every server entry.
func DefaultServerDescriptor() *ServerDescriptor {
	return &ServerDescriptor{
		StartupTimeout: Duration(defaultStartupTimeout),
		RestartPolicy:  assistant.RestartOnCrash,
		Framing:        assistant.FramingNewline,
		Backoff: &BackoffConfig{
			Base: Duration(defaultBackoffBase),
			Max:  Duration(defaultBackoffMax),
		},
		RestartWindow: &RestartWindowConfig{
			MaxRestarts: defaultMaxRestarts,
			Window:      Duration(defaultRestartWindow),
		},
		Shutdown: &ShutdownConfig{
			Grace: Duration(defaultShutdownGrace),
			Kill:  Duration(defaultShutdownKill),
		},
	}
}

// EnsureDefaults fills every zero or nil field with its default while
// preserving user-provided values.
func (c *Config) EnsureDefaults() {
	if c == nil {
		return
	}
	c.applyMillisecondKeys()

	// mergo dereferences pointers, so an explicit zero temperature or retry
	// count would otherwise be replaced by the default.
	var temperature *float64
	var retries *int
	if c.LLM != nil {
		temperature, retries = c.LLM.Temperature, c.LLM.MaxRetries
		c.LLM.Temperature, c.LLM.MaxRetries = nil, nil
	}

	// Merge defaults into target, only filling zero/nil values.
	_ = mergo.Merge(c, DefaultConfig())

	if temperature != nil {
		c.LLM.Temperature = temperature
	}
	if retries != nil {
		c.LLM.MaxRetries = retries
	}

	if c.MCP == nil {
		return
	}
	for _, s := range c.MCP.Servers {
		if s == nil {
			continue
		}
		_ = mergo.Merge(s, DefaultServerDescriptor())
	}
}
