// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package config

import (
	"fmt"
	"net/url"
	"regexp"
	"strings"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
)

// Validator validates a loaded configuration.
type Validator interface {
	Validate(cfg *Config) error
}

// DefaultValidator implements comprehensive configuration validation.
type DefaultValidator struct{}

// NewValidator creates a new configuration validator.
func NewValidator() *DefaultValidator {
	return &DefaultValidator{}
}

// serverIDPattern keeps ids usable as exposed tool name prefixes.
var serverIDPattern = regexp.MustCompile(`^[A-Za-z0-9][A-Za-z0-9_.-]*$`)

// Validate performs comprehensive validation of the configuration and
// reports every problem found in a single error wrapping ErrInvalidConfig.
func (v *DefaultValidator) Validate(cfg *Config) error {
	if cfg == nil {
		return fmt.Errorf("%w: configuration is nil", assistant.ErrInvalidConfig)
	}

	var errors []string
	errors = append(errors, v.validateLLM(cfg.LLM)...)
	errors = append(errors, v.validateServers(cfg.MCP)...)
	errors = append(errors, v.validateChat(cfg.Chat)...)
	errors = append(errors, v.validateTools(cfg.Tools)...)
	errors = append(errors, v.validateServer(cfg.Server)...)
	errors = append(errors, v.validateTelemetry(cfg.Telemetry)...)

	if len(errors) > 0 {
		return fmt.Errorf("%w:\n  - %s", assistant.ErrInvalidConfig, strings.Join(errors, "\n  - "))
	}

	return nil
}

func (*DefaultValidator) validateLLM(llm *LLMConfig) []string {
	if llm == nil {
		return []string{"llm section is required"}
	}
	var errs []string
	u, err := url.Parse(llm.Endpoint)
	if err != nil || u.Scheme == "" || u.Host == "" {
		errs = append(errs, fmt.Sprintf("llm.endpoint %q is not an absolute URL", llm.Endpoint))
	}
	if llm.Model == "" {
		errs = append(errs, "llm.model is required")
	}
	if llm.Temperature != nil && (*llm.Temperature < 0 || *llm.Temperature > 2) {
		errs = append(errs, fmt.Sprintf("llm.temperature must be between 0 and 2, got %v", *llm.Temperature))
	}
	if llm.MaxRetries != nil && *llm.MaxRetries < 0 {
		errs = append(errs, "llm.maxRetries must not be negative")
	}
	if llm.RequestTimeout < 0 {
		errs = append(errs, "llm.requestTimeout must not be negative")
	}
	return errs
}

func (v *DefaultValidator) validateServers(mcp *MCPConfig) []string {
	if mcp == nil {
		return nil
	}
	var errs []string
	seen := make(map[string]bool, len(mcp.Servers))
	for i, s := range mcp.Servers {
		if s == nil {
			errs = append(errs, fmt.Sprintf("mcp.servers[%d] is empty", i))
			continue
		}
		prefix := fmt.Sprintf("mcp.servers[%d]", i)
		if s.ID != "" {
			prefix = fmt.Sprintf("mcp.servers[%s]", s.ID)
		}

		switch {
		case s.ID == "":
			errs = append(errs, prefix+": id is required")
		case !serverIDPattern.MatchString(s.ID):
			errs = append(errs, fmt.Sprintf("%s: id must match %s", prefix, serverIDPattern))
		case strings.Contains(s.ID, "__"):
			errs = append(errs, prefix+": id must not contain \"__\"")
		case seen[s.ID]:
			errs = append(errs, prefix+": duplicate id")
		}
		seen[s.ID] = true

		if strings.TrimSpace(s.Command) == "" {
			errs = append(errs, prefix+": command is required")
		}
		errs = append(errs, v.validateDescriptorPolicy(prefix, s)...)
	}
	return errs
}

func (*DefaultValidator) validateDescriptorPolicy(prefix string, s *ServerDescriptor) []string {
	var errs []string
	switch s.RestartPolicy {
	case assistant.RestartNever, assistant.RestartOnCrash, assistant.RestartAlways:
	default:
		errs = append(errs, fmt.Sprintf("%s: restartPolicy must be one of never, on-crash, always; got %q",
			prefix, s.RestartPolicy))
	}
	switch s.Framing {
	case assistant.FramingNewline, assistant.FramingContentLength:
	default:
		errs = append(errs, fmt.Sprintf("%s: framing must be newline or content-length; got %q", prefix, s.Framing))
	}
	if s.StartupTimeout <= 0 {
		errs = append(errs, prefix+": startupTimeout must be positive")
	}
	if s.Backoff != nil && s.Backoff.Max < s.Backoff.Base {
		errs = append(errs, prefix+": backoff.max must not be lower than backoff.base")
	}
	if s.RestartWindow != nil && (s.RestartWindow.MaxRestarts <= 0 || s.RestartWindow.Window <= 0) {
		errs = append(errs, prefix+": restartWindow.maxRestarts and restartWindow.window must be positive")
	}
	return errs
}

func (*DefaultValidator) validateChat(chat *ChatConfig) []string {
	if chat == nil {
		return nil
	}
	var errs []string
	if chat.MaxToolLoops <= 0 {
		errs = append(errs, "chat.maxToolLoops must be positive")
	}
	if chat.HistoryMaxMessages < 2 {
		errs = append(errs, "chat.historyMaxMessages must be at least 2")
	}
	if chat.MaxConversations <= 0 {
		errs = append(errs, "chat.maxConversations must be positive")
	}
	if chat.TurnDeadline <= 0 {
		errs = append(errs, "chat.turnDeadline must be positive")
	}
	switch chat.ToolSelection {
	case ToolSelectionClassifier, ToolSelectionAlways, ToolSelectionNever:
	default:
		errs = append(errs, fmt.Sprintf("chat.toolSelection must be one of classifier, always, never; got %q",
			chat.ToolSelection))
	}
	return errs
}

func (*DefaultValidator) validateTools(tools *ToolsConfig) []string {
	if tools == nil {
		return nil
	}
	var errs []string
	if tools.MaxResultBytes <= 0 {
		errs = append(errs, "tools.maxResultBytes must be positive")
	}
	if tools.CallTimeout <= 0 {
		errs = append(errs, "tools.callTimeout must be positive")
	}
	return errs
}

func (*DefaultValidator) validateServer(server *ServerConfig) []string {
	if server == nil {
		return nil
	}
	var errs []string
	if server.Address == "" {
		errs = append(errs, "server.address is required")
	}
	if server.RequestsPerSecond < 0 {
		errs = append(errs, "server.requestsPerSecond must not be negative")
	}
	if server.Burst < 0 {
		errs = append(errs, "server.burst must not be negative")
	}
	return errs
}

func (*DefaultValidator) validateTelemetry(t *TelemetryConfig) []string {
	if t == nil || t.Endpoint == "" {
		return nil
	}
	var errs []string
	if strings.Contains(t.Endpoint, "://") {
		errs = append(errs, fmt.Sprintf("telemetry.endpoint %q must be host:port without a scheme", t.Endpoint))
	}
	if t.SamplingRate <= 0 || t.SamplingRate > 1 {
		errs = append(errs, fmt.Sprintf("telemetry.samplingRate must be in (0, 1], got %v", t.SamplingRate))
	}
	return errs
}
