// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package router dispatches tool calls by exposed name to the owning MCP
// session, validating arguments against the tool's input schema.
package router

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"time"

	"github.com/xeipuuv/gojsonschema"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/catalog"
	"github.com/stacklok/mcp-assistant/pkg/assistant/metrics"
	"github.com/stacklok/mcp-assistant/pkg/assistant/registry"
	"github.com/stacklok/mcp-assistant/pkg/assistant/telemetry"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

// Caller is the part of a session the router needs.
//
//go:generate mockgen -destination=mocks/mock_caller.go -package=mocks -source=router.go Caller
type Caller interface {
	State() assistant.SessionState
	CallTool(ctx context.Context, name string, args map[string]any) (*assistant.ToolResult, error)
}

// Lookup finds the session owning a tool.
type Lookup func(sessionID string) (Caller, bool)

// RegistryLookup resolves sessions from a registry.
func RegistryLookup(r *registry.Registry) Lookup {
	return func(id string) (Caller, bool) {
		s, err := r.Session(id)
		if err != nil {
			return nil, false
		}
		return s, true
	}
}

// Result is a tool result together with its rendering for the model.
type Result struct {
	*assistant.ToolResult

	// Tool is the descriptor the call was routed through.
	Tool assistant.ToolDescriptor

	// Text is the rendered result, truncated to the configured size.
	Text string
}

// Router invokes tools.
type Router struct {
	lookup         Lookup
	maxResultBytes int
	callTimeout    time.Duration
	metrics        *metrics.Metrics
	tracer         trace.Tracer
	log            *slog.Logger

	schemas sync.Map // schema text -> *gojsonschema.Schema
}

// Option configures a Router.
type Option func(*Router)

// WithMaxResultBytes bounds the rendered result.
func WithMaxResultBytes(n int) Option {
	return func(r *Router) {
		r.maxResultBytes = n
	}
}

// WithCallTimeout bounds every invocation.
func WithCallTimeout(d time.Duration) Option {
	return func(r *Router) {
		r.callTimeout = d
	}
}

// WithMetrics records tool calls.
func WithMetrics(m *metrics.Metrics) Option {
	return func(r *Router) {
		r.metrics = m
	}
}

// WithTracerProvider traces tool calls with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(r *Router) {
		r.tracer = telemetry.Tracer(tp)
	}
}

// New creates a Router resolving sessions through lookup.
func New(lookup Lookup, opts ...Option) *Router {
	r := &Router{
		lookup:         lookup,
		maxResultBytes: 1 << 20,
		callTimeout:    30 * time.Second,
		tracer:         telemetry.Tracer(nil),
		log:            logger.Component("router"),
	}
	for _, opt := range opts {
		opt(r)
	}
	return r
}

// Invoke calls the tool exposed as name in snap. The snapshot is the one
// pinned by the caller; the router never consults a newer one.
func (r *Router) Invoke(
	ctx context.Context, snap *catalog.Snapshot, name string, args map[string]any,
) (_ *Result, retErr error) {
	ctx, span := r.tracer.Start(ctx, "execute_tool "+name, trace.WithAttributes(
		telemetry.AttrGenAIOperationName.String("execute_tool"),
		telemetry.AttrGenAIToolName.String(name),
	))
	defer func() { telemetry.End(span, retErr) }()

	tool, ok := snap.Lookup(name)
	if !ok {
		return nil, thverrors.NewUnknownToolError(fmt.Sprintf("unknown tool %q", name), nil)
	}

	caller, ok := r.lookup(tool.SessionID)
	if !ok {
		return nil, thverrors.NewServerUnavailableError(
			fmt.Sprintf("server %s of tool %s is gone", tool.SessionID, name), nil)
	}
	if state := caller.State(); state != assistant.StateReady {
		return nil, thverrors.NewServerUnavailableError(
			fmt.Sprintf("server %s of tool %s is %s", tool.SessionID, name, state), nil)
	}

	if args == nil {
		args = map[string]any{}
	}
	if err := r.validate(tool, args); err != nil {
		return nil, err
	}

	if r.callTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.callTimeout)
		defer cancel()
	}

	span.SetAttributes(telemetry.AttrMCPServerID.String(tool.SessionID))

	start := time.Now()
	res, err := r.callTool(ctx, caller, tool, args)
	err = classify(ctx, name, err)

	outcome := metrics.Outcome(err)
	if err == nil && res.IsError {
		outcome = thverrors.ErrToolExecution
	}
	r.metrics.ObserveToolCall(tool.SessionID, tool.NativeName, outcome, time.Since(start))

	if err != nil {
		r.log.Debug("tool call failed", "tool", name, "server", tool.SessionID, "error", err)
		return nil, err
	}

	text, truncated := Truncate(Render(res), r.maxResultBytes)
	res.Truncated = truncated
	span.SetAttributes(
		attribute.Bool("mcp.tool.is_error", res.IsError),
		attribute.Bool("mcp.tool.truncated", truncated),
	)
	return &Result{ToolResult: res, Tool: tool, Text: text}, nil
}

// callTool sends tools/call to the owning server inside a CLIENT span.
func (r *Router) callTool(
	ctx context.Context, caller Caller, tool assistant.ToolDescriptor, args map[string]any,
) (_ *assistant.ToolResult, retErr error) {
	ctx, span := r.tracer.Start(ctx, "tools/call "+tool.NativeName,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			telemetry.AttrMCPMethodName.String("tools/call"),
			telemetry.AttrGenAIToolName.String(tool.NativeName),
			telemetry.AttrMCPServerID.String(tool.SessionID),
		),
	)
	defer func() { telemetry.End(span, retErr) }()
	return caller.CallTool(ctx, tool.NativeName, args)
}

// classify maps a session error onto the error taxonomy.
func classify(ctx context.Context, name string, err error) error {
	if err == nil {
		return nil
	}
	var typed *thverrors.Error
	switch {
	case errors.As(err, &typed):
		return err
	case errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded):
		return thverrors.NewTimeoutError(fmt.Sprintf("tool %s timed out", name), err)
	case errors.Is(err, context.Canceled):
		return err
	default:
		return thverrors.NewToolExecutionError(fmt.Sprintf("tool %s failed", name),
			&assistant.ToolError{Message: err.Error()})
	}
}

// validate checks args against the tool's input schema.
func (r *Router) validate(tool assistant.ToolDescriptor, args map[string]any) error {
	if len(tool.InputSchema) == 0 {
		return nil
	}
	schema, err := r.schema(tool.InputSchema)
	if err != nil {
		r.log.Warn("tool has an invalid input schema, skipping validation", "tool", tool.ExposedName, "error", err)
		return nil
	}

	result, err := schema.Validate(gojsonschema.NewGoLoader(args))
	if err != nil {
		return thverrors.NewInvalidArgumentsError(
			fmt.Sprintf("arguments of tool %s could not be validated", tool.ExposedName), err)
	}
	if result.Valid() {
		return nil
	}

	problems := make([]string, 0, len(result.Errors()))
	for _, e := range result.Errors() {
		problems = append(problems, e.String())
	}
	return thverrors.NewInvalidArgumentsError(
		fmt.Sprintf("invalid arguments for tool %s: %s", tool.ExposedName, strings.Join(problems, "; ")), nil)
}

func (r *Router) schema(raw []byte) (*gojsonschema.Schema, error) {
	key := string(raw)
	if cached, ok := r.schemas.Load(key); ok {
		return cached.(*gojsonschema.Schema), nil
	}
	schema, err := gojsonschema.NewSchema(gojsonschema.NewBytesLoader(raw))
	if err != nil {
		return nil, err
	}
	r.schemas.Store(key, schema)
	return schema, nil
}
