// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package llm

import (
	"context"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/trace"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/telemetry"
)

// Traced decorates client so every Chat records a CLIENT span.
func Traced(client Client, tp trace.TracerProvider) Client {
	return tracedClient{client: client, tracer: telemetry.Tracer(tp)}
}

type tracedClient struct {
	client Client
	tracer trace.Tracer
}

var _ Client = tracedClient{}

func (t tracedClient) Chat(ctx context.Context, messages []assistant.Message, opts Options) (_ *Response, retErr error) {
	info := t.client.Info()
	model := opts.Model
	if model == "" {
		model = info.Model
	}

	ctx, span := t.tracer.Start(ctx, "chat "+model,
		trace.WithSpanKind(trace.SpanKindClient),
		trace.WithAttributes(
			telemetry.AttrGenAIOperationName.String("chat"),
			telemetry.AttrGenAISystem.String(info.Provider),
			telemetry.AttrGenAIRequestModel.String(model),
			attribute.Int("gen_ai.request.messages", len(messages)),
			attribute.Int("gen_ai.request.tools", len(opts.Tools)),
		),
	)
	defer func() { telemetry.End(span, retErr) }()

	resp, err := t.client.Chat(ctx, messages, opts)
	if err != nil {
		return nil, err
	}
	span.SetAttributes(
		telemetry.AttrGenAIResponseModel.String(resp.Model),
		attribute.Int("gen_ai.usage.input_tokens", resp.Metadata.PromptEvalCount),
		attribute.Int("gen_ai.usage.output_tokens", resp.Metadata.EvalCount),
		attribute.Int("gen_ai.response.tool_calls", len(resp.ToolCalls)),
	)
	return resp, nil
}

func (t tracedClient) Ping(ctx context.Context) error {
	return t.client.Ping(ctx)
}

func (t tracedClient) Info() Info {
	return t.client.Info()
}
