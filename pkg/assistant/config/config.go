// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package config provides the configuration model for the MCP assistant.
package config

import (
	"encoding/json"
	"fmt"
	"time"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
)

// Duration is a wrapper around time.Duration that marshals/unmarshals as a duration string.
// This ensures duration values are serialized as "30s", "1m", etc. instead of nanosecond integers.
type Duration time.Duration

// MarshalJSON implements json.Marshaler.
func (d Duration) MarshalJSON() ([]byte, error) {
	return json.Marshal(time.Duration(d).String())
}

// UnmarshalJSON implements json.Unmarshaler.
func (d *Duration) UnmarshalJSON(data []byte) error {
	var s string
	if err := json.Unmarshal(data, &s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// MarshalYAML implements yaml.Marshaler.
func (d Duration) MarshalYAML() (interface{}, error) {
	return time.Duration(d).String(), nil
}

// UnmarshalYAML implements yaml.Unmarshaler.
func (d *Duration) UnmarshalYAML(unmarshal func(interface{}) error) error {
	var s string
	if err := unmarshal(&s); err != nil {
		return err
	}
	dur, err := time.ParseDuration(s)
	if err != nil {
		return fmt.Errorf("invalid duration: %w", err)
	}
	*d = Duration(dur)
	return nil
}

// Std returns the value as a time.Duration.
func (d Duration) Std() time.Duration {
	return time.Duration(d)
}

// Config is the unified configuration model for the assistant.
type Config struct {
	LLM    *LLMConfig    `json:"llm,omitempty" yaml:"llm,omitempty"`
	MCP    *MCPConfig    `json:"mcp,omitempty" yaml:"mcp,omitempty"`
	Chat   *ChatConfig   `json:"chat,omitempty" yaml:"chat,omitempty"`
	Tools  *ToolsConfig  `json:"tools,omitempty" yaml:"tools,omitempty"`
	Server *ServerConfig `json:"server,omitempty" yaml:"server,omitempty"`

	Telemetry *TelemetryConfig `json:"telemetry,omitempty" yaml:"telemetry,omitempty"`
}

// LLMConfig configures the inference endpoint.
type LLMConfig struct {
	// Endpoint is the base URL of the Ollama compatible API.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	// Model is the model name passed on every request.
	Model string `json:"model,omitempty" yaml:"model,omitempty"`

	// Temperature is a pointer because zero is a valid setting.
	Temperature *float64 `json:"temperature,omitempty" yaml:"temperature,omitempty"`

	// RequestTimeout bounds a single HTTP exchange with the endpoint.
	RequestTimeout   Duration `json:"requestTimeout,omitempty" yaml:"requestTimeout,omitempty"`
	RequestTimeoutMs int64    `json:"requestTimeoutMs,omitempty" yaml:"requestTimeoutMs,omitempty"`

	// MaxRetries is the number of retries after the first attempt for transient failures.
	MaxRetries *int `json:"maxRetries,omitempty" yaml:"maxRetries,omitempty"`
}

// MCPConfig lists the MCP servers to launch.
type MCPConfig struct {
	// Strict makes startup fail when no server reaches Ready.
	Strict bool `json:"strict,omitempty" yaml:"strict,omitempty"`

	Servers []*ServerDescriptor `json:"servers,omitempty" yaml:"servers,omitempty"`
}

// ServerDescriptor describes one locally launched MCP server.
// Descriptors are immutable once loaded.
type ServerDescriptor struct {
	ID      string            `json:"id" yaml:"id"`
	Command string            `json:"command" yaml:"command"`
	Args    []string          `json:"args,omitempty" yaml:"args,omitempty"`
	Cwd     string            `json:"cwd,omitempty" yaml:"cwd,omitempty"`
	Env     map[string]string `json:"env,omitempty" yaml:"env,omitempty"`

	StartupTimeout   Duration `json:"startupTimeout,omitempty" yaml:"startupTimeout,omitempty"`
	StartupTimeoutMs int64    `json:"startupTimeoutMs,omitempty" yaml:"startupTimeoutMs,omitempty"`

	RestartPolicy assistant.RestartPolicy `json:"restartPolicy,omitempty" yaml:"restartPolicy,omitempty"`
	Framing       assistant.Framing       `json:"framing,omitempty" yaml:"framing,omitempty"`

	Backoff       *BackoffConfig       `json:"backoff,omitempty" yaml:"backoff,omitempty"`
	RestartWindow *RestartWindowConfig `json:"restartWindow,omitempty" yaml:"restartWindow,omitempty"`
	Shutdown      *ShutdownConfig      `json:"shutdown,omitempty" yaml:"shutdown,omitempty"`
}

// BackoffConfig is the exponential backoff applied between restarts.
type BackoffConfig struct {
	Base Duration `json:"base,omitempty" yaml:"base,omitempty"`
	Max  Duration `json:"max,omitempty" yaml:"max,omitempty"`
}

// RestartWindowConfig caps spawn attempts in a rolling window.
type RestartWindowConfig struct {
	MaxRestarts int      `json:"maxRestarts,omitempty" yaml:"maxRestarts,omitempty"`
	Window      Duration `json:"window,omitempty" yaml:"window,omitempty"`
}

// ShutdownConfig controls how a child process is stopped.
type ShutdownConfig struct {
	// Grace is how long to wait after closing stdin before SIGTERM.
	Grace Duration `json:"grace,omitempty" yaml:"grace,omitempty"`

	// Kill is how long to wait after SIGTERM before SIGKILL.
	Kill Duration `json:"kill,omitempty" yaml:"kill,omitempty"`
}

// ChatConfig configures the orchestrator and the conversation store.
type ChatConfig struct {
	MaxToolLoops       int `json:"maxToolLoops,omitempty" yaml:"maxToolLoops,omitempty"`
	HistoryMaxMessages int `json:"historyMaxMessages,omitempty" yaml:"historyMaxMessages,omitempty"`
	MaxConversations   int `json:"maxConversations,omitempty" yaml:"maxConversations,omitempty"`

	TurnDeadline   Duration `json:"turnDeadline,omitempty" yaml:"turnDeadline,omitempty"`
	TurnDeadlineMs int64    `json:"turnDeadlineMs,omitempty" yaml:"turnDeadlineMs,omitempty"`

	// ToolSelection is one of classifier, always or never.
	ToolSelection string `json:"toolSelection,omitempty" yaml:"toolSelection,omitempty"`

	// SystemPrompt is used for turns that do not supply their own.
	SystemPrompt string `json:"systemPrompt,omitempty" yaml:"systemPrompt,omitempty"`
}

// Tool selection modes.
const (
	ToolSelectionClassifier = "classifier"
	ToolSelectionAlways     = "always"
	ToolSelectionNever      = "never"
)

// ToolsConfig configures tool invocation.
type ToolsConfig struct {
	MaxResultBytes int      `json:"maxResultBytes,omitempty" yaml:"maxResultBytes,omitempty"`
	CallTimeout    Duration `json:"callTimeout,omitempty" yaml:"callTimeout,omitempty"`
	CallTimeoutMs  int64    `json:"callTimeoutMs,omitempty" yaml:"callTimeoutMs,omitempty"`
}

// ServerConfig configures the HTTP surface.
type ServerConfig struct {
	Address string `json:"address,omitempty" yaml:"address,omitempty"`

	// RequestsPerSecond limits API requests; zero disables limiting.
	RequestsPerSecond float64 `json:"requestsPerSecond,omitempty" yaml:"requestsPerSecond,omitempty"`
	Burst             int     `json:"burst,omitempty" yaml:"burst,omitempty"`
}

// TelemetryConfig configures OpenTelemetry tracing. Tracing is disabled
// unless Endpoint is set.
type TelemetryConfig struct {
	// Endpoint is the OTLP/HTTP collector host and port, e.g. localhost:4318.
	Endpoint string `json:"endpoint,omitempty" yaml:"endpoint,omitempty"`

	ServiceName string `json:"serviceName,omitempty" yaml:"serviceName,omitempty"`

	// SamplingRate is the fraction of turns traced, in (0, 1].
	SamplingRate float64 `json:"samplingRate,omitempty" yaml:"samplingRate,omitempty"`

	Headers  map[string]string `json:"headers,omitempty" yaml:"headers,omitempty"`
	Insecure bool              `json:"insecure,omitempty" yaml:"insecure,omitempty"`
}

// applyMillisecondKeys copies the *Ms integer keys into their Duration
// counterparts when the Duration form was not given.
func (c *Config) applyMillisecondKeys() {
	ms := func(d *Duration, v int64) {
		if *d == 0 && v > 0 {
			*d = Duration(time.Duration(v) * time.Millisecond)
		}
	}
	if c.LLM != nil {
		ms(&c.LLM.RequestTimeout, c.LLM.RequestTimeoutMs)
	}
	if c.Chat != nil {
		ms(&c.Chat.TurnDeadline, c.Chat.TurnDeadlineMs)
	}
	if c.Tools != nil {
		ms(&c.Tools.CallTimeout, c.Tools.CallTimeoutMs)
	}
	if c.MCP != nil {
		for _, s := range c.MCP.Servers {
			if s != nil {
				ms(&s.StartupTimeout, s.StartupTimeoutMs)
			}
		}
	}
}
