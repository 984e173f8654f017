// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package orchestrator runs chat turns: it decides whether the model gets
// tools, drives the tool loop against one pinned catalog snapshot and commits
// the turn to the conversation.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/catalog"
	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	"github.com/stacklok/mcp-assistant/pkg/assistant/conversation"
	"github.com/stacklok/mcp-assistant/pkg/assistant/llm"
	"github.com/stacklok/mcp-assistant/pkg/assistant/metrics"
	"github.com/stacklok/mcp-assistant/pkg/assistant/router"
	"github.com/stacklok/mcp-assistant/pkg/assistant/telemetry"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

// ClassifierPrompt is the side prompt that decides whether a turn needs tools.
const ClassifierPrompt = "Analyse the user message and determine if it is needed to " +
	"call one of the available tools or not. Always return true or false."

// ExhaustedReply is returned when the tool loop ran out before the model
// produced any text.
const ExhaustedReply = "I could not finish this request within the allowed number of tool calls."

// Tools provides the current catalog snapshot.
type Tools interface {
	Snapshot() *catalog.Snapshot
}

// Invoker dispatches a tool call against a pinned snapshot.
type Invoker interface {
	Invoke(ctx context.Context, snap *catalog.Snapshot, name string, args map[string]any) (*router.Result, error)
}

// TurnRequest is one user message.
type TurnRequest struct {
	// ConversationID selects the conversation. Empty creates a new one.
	ConversationID string

	Message string

	// SystemPrompt overrides the configured system prompt for this turn.
	SystemPrompt string

	// Ephemeral runs the turn on a throwaway conversation.
	Ephemeral bool
}

// TurnResult is the outcome of a turn.
type TurnResult struct {
	ConversationID string
	Response       string
	Model          string

	// UsedTools reports whether tools were offered to the model.
	UsedTools bool

	// ToolCalls counts dispatched tool calls.
	ToolCalls int

	// ToolLoopExhausted is set when the model kept requesting tools past the
	// loop bound. Response then holds the best effort text.
	ToolLoopExhausted bool

	// CatalogVersion is the version of the snapshot pinned for the turn.
	CatalogVersion uint64
}

// Orchestrator runs chat turns.
type Orchestrator struct {
	llm     llm.Client
	tools   Tools
	invoker Invoker
	store   *conversation.Store

	maxToolLoops  int
	turnDeadline  time.Duration
	toolSelection string
	systemPrompt  string

	metrics *metrics.Metrics
	tracer  trace.Tracer
	log     *slog.Logger
}

// Option configures an Orchestrator.
type Option func(*Orchestrator)

// WithMetrics records turns.
func WithMetrics(m *metrics.Metrics) Option {
	return func(o *Orchestrator) {
		o.metrics = m
	}
}

// WithTracerProvider traces turns with tp instead of the global provider.
func WithTracerProvider(tp trace.TracerProvider) Option {
	return func(o *Orchestrator) {
		o.tracer = telemetry.Tracer(tp)
	}
}

// New creates an Orchestrator. cfg must already carry defaults.
func New(
	client llm.Client, tools Tools, invoker Invoker, store *conversation.Store, cfg *config.ChatConfig, opts ...Option,
) *Orchestrator {
	o := &Orchestrator{
		llm:           client,
		tools:         tools,
		invoker:       invoker,
		store:         store,
		maxToolLoops:  cfg.MaxToolLoops,
		turnDeadline:  cfg.TurnDeadline.Std(),
		toolSelection: cfg.ToolSelection,
		systemPrompt:  cfg.SystemPrompt,
		tracer:        telemetry.Tracer(nil),
		log:           logger.Component("orchestrator"),
	}
	if o.toolSelection == "" {
		o.toolSelection = config.ToolSelectionClassifier
	}
	if o.systemPrompt == "" {
		o.systemPrompt = config.DefaultSystemPrompt
	}
	for _, opt := range opts {
		opt(o)
	}
	return o
}

// HandleTurn runs one turn. Messages are committed to the conversation only
// when the turn produces an answer; a failed turn leaves it untouched.
func (o *Orchestrator) HandleTurn(ctx context.Context, req TurnRequest) (result *TurnResult, err error) {
	start := time.Now()
	ctx, span := o.tracer.Start(ctx, "chat turn", trace.WithAttributes(
		attribute.Bool("assistant.turn.ephemeral", req.Ephemeral),
	))
	defer func() {
		if result != nil {
			span.SetAttributes(
				telemetry.AttrGenAIConversationID.String(result.ConversationID),
				telemetry.AttrGenAIResponseModel.String(result.Model),
				attribute.Bool("assistant.turn.used_tools", result.UsedTools),
				attribute.Int("assistant.turn.tool_calls", result.ToolCalls),
				attribute.Bool("assistant.turn.tool_loop_exhausted", result.ToolLoopExhausted),
				attribute.Int64("assistant.catalog.version", int64(result.CatalogVersion)),
			)
		}
		telemetry.End(span, err)

		outcome := metrics.Outcome(err)
		if err == nil && result.ToolLoopExhausted {
			outcome = thverrors.ErrToolLoopExhausted
		}
		o.metrics.ObserveTurn(outcome, time.Since(start))
	}()

	if strings.TrimSpace(req.Message) == "" {
		return nil, thverrors.NewInvalidArgumentError("message must not be empty", nil)
	}

	if o.turnDeadline > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, o.turnDeadline)
		defer cancel()
	}

	var h *conversation.Handle
	if req.Ephemeral {
		h, err = o.store.Ephemeral(ctx)
	} else {
		h, err = o.store.Acquire(ctx, req.ConversationID)
	}
	if err != nil {
		return nil, err
	}
	defer h.Release()

	t := &turn{
		Orchestrator: o,
		snap:         o.tools.Snapshot(),
		result:       &TurnResult{ConversationID: h.ID()},
	}
	t.result.CatalogVersion = t.snap.Version()

	o.log.Debug("chat turn started", "conversation", h.ID(), "catalog_version", t.snap.Version())

	committed, err := t.run(ctx, h.Messages(), req)
	if err != nil {
		err = turnError(ctx, err)
		o.log.Warn("chat turn failed", "conversation", h.ID(), "error", err)
		return nil, err
	}

	h.Append(committed...)
	o.log.Debug("chat turn finished", "conversation", h.ID(),
		"tools", t.result.UsedTools, "tool_calls", t.result.ToolCalls, "exhausted", t.result.ToolLoopExhausted)
	return t.result, nil
}

// turn is the in-flight state of one HandleTurn call.
type turn struct {
	*Orchestrator

	// snap is pinned for every tool dispatch of the turn.
	snap   *catalog.Snapshot
	result *TurnResult
}

// run returns the messages to commit.
func (t *turn) run(ctx context.Context, history []assistant.Message, req TurnRequest) ([]assistant.Message, error) {
	userMsg := assistant.Message{Role: assistant.RoleUser, Content: req.Message}

	useTools, err := t.useTools(ctx, req.Message)
	if err != nil {
		return nil, err
	}
	t.result.UsedTools = useTools

	systemPrompt := req.SystemPrompt
	if strings.TrimSpace(systemPrompt) == "" {
		systemPrompt = t.systemPrompt
	}

	msgs := make([]assistant.Message, 0, len(history)+2)
	msgs = append(msgs, assistant.Message{Role: assistant.RoleSystem, Content: systemPrompt})
	msgs = append(msgs, history...)
	msgs = append(msgs, userMsg)
	committed := []assistant.Message{userMsg}

	var opts llm.Options
	if useTools {
		opts.Tools = t.snap.Tools()
	}

	resp, err := t.llm.Chat(ctx, msgs, opts)
	if err != nil {
		return nil, err
	}
	t.result.Model = resp.Model

	bestEffort := ""
	for loops := 0; useTools && len(resp.ToolCalls) > 0; loops++ {
		if strings.TrimSpace(resp.Content) != "" {
			bestEffort = resp.Content
		}
		if loops == t.maxToolLoops {
			if bestEffort == "" {
				bestEffort = ExhaustedReply
			}
			t.result.ToolLoopExhausted = true
			t.result.Response = bestEffort
			t.log.Warn("tool loop exhausted", "conversation", t.result.ConversationID, "max_tool_loops", t.maxToolLoops)
			return append(committed, assistant.Message{Role: assistant.RoleAssistant, Content: bestEffort}), nil
		}

		call := assistant.Message{Role: assistant.RoleAssistant, Content: resp.Content, ToolCalls: resp.ToolCalls}
		msgs = append(msgs, call)
		committed = append(committed, call)

		for _, tc := range resp.ToolCalls {
			content, err := t.dispatch(ctx, tc)
			if err != nil {
				return nil, err
			}
			msg := assistant.Message{
				Role:       assistant.RoleTool,
				Content:    content,
				ToolCallID: tc.ID,
				ToolName:   tc.Name,
			}
			msgs = append(msgs, msg)
			committed = append(committed, msg)
		}

		resp, err = t.llm.Chat(ctx, msgs, opts)
		if err != nil {
			return nil, err
		}
		t.result.Model = resp.Model
	}

	t.result.Response = resp.Content
	return append(committed, assistant.Message{Role: assistant.RoleAssistant, Content: resp.Content}), nil
}

// useTools decides whether tools are offered for the turn.
func (t *turn) useTools(ctx context.Context, message string) (bool, error) {
	if t.snap.Len() == 0 {
		return false, nil
	}
	switch t.toolSelection {
	case config.ToolSelectionAlways:
		return true, nil
	case config.ToolSelectionNever:
		return false, nil
	}

	resp, err := t.llm.Chat(ctx, []assistant.Message{
		{Role: assistant.RoleSystem, Content: classifierPrompt(t.snap)},
		{Role: assistant.RoleUser, Content: strings.ToLower(message)},
	}, llm.Options{})
	if err != nil {
		return false, err
	}
	decision := ParseDecision(resp.Content)
	t.log.Debug("tool classifier decided", "use_tools", decision, "reply", resp.Content)
	return decision, nil
}

// dispatch invokes one tool call. Tool failures are reported to the model as
// the tool message; only an expired or cancelled turn aborts.
func (t *turn) dispatch(ctx context.Context, tc assistant.ToolCall) (string, error) {
	t.result.ToolCalls++
	res, err := t.invoker.Invoke(ctx, t.snap, tc.Name, tc.Arguments)
	if ctxErr := ctx.Err(); ctxErr != nil {
		return "", ctxErr
	}
	if err != nil {
		t.log.Debug("tool call failed", "tool", tc.Name, "error", err)
		return fmt.Sprintf("Error calling tool %s: %v", tc.Name, err), nil
	}
	return res.Text, nil
}

// ParseDecision reads a classifier reply. Only true and false are
// recognised, case-insensitively; anything else is false.
func ParseDecision(reply string) bool {
	return strings.EqualFold(strings.TrimSpace(reply), "true")
}

func classifierPrompt(snap *catalog.Snapshot) string {
	var b strings.Builder
	b.WriteString(ClassifierPrompt)
	b.WriteString("\n\nAvailable tools:")
	for _, tool := range snap.Tools() {
		b.WriteString("\n- ")
		b.WriteString(tool.ExposedName)
		if tool.Description != "" {
			b.WriteString(": ")
			b.WriteString(tool.Description)
		}
	}
	return b.String()
}

// turnError maps a failed turn onto the error taxonomy.
func turnError(ctx context.Context, err error) error {
	if errors.Is(ctx.Err(), context.DeadlineExceeded) && !thverrors.IsTimeout(err) {
		return thverrors.NewTimeoutError("chat turn deadline exceeded", err)
	}
	var typed *thverrors.Error
	if errors.As(err, &typed) || errors.Is(err, context.Canceled) {
		return err
	}
	return thverrors.NewInternalError("chat turn failed", err)
}
