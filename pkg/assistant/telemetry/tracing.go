// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package telemetry

import (
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
)

const instrumentationName = "github.com/stacklok/mcp-assistant/pkg/assistant"

// Attribute keys shared by the instrumented components.
var (
	AttrMCPMethodName       = attribute.Key("mcp.method.name")
	AttrMCPServerID         = attribute.Key("mcp.server.id")
	AttrGenAIToolName       = attribute.Key("gen_ai.tool.name")
	AttrGenAIOperationName  = attribute.Key("gen_ai.operation.name")
	AttrGenAISystem         = attribute.Key("gen_ai.system")
	AttrGenAIRequestModel   = attribute.Key("gen_ai.request.model")
	AttrGenAIResponseModel  = attribute.Key("gen_ai.response.model")
	AttrGenAIConversationID = attribute.Key("gen_ai.conversation.id")
	AttrErrorType           = attribute.Key("error.type")
)

// Tracer returns the assistant's tracer from tp, or from the global provider
// when tp is nil.
func Tracer(tp trace.TracerProvider) trace.Tracer {
	if tp == nil {
		tp = otel.GetTracerProvider()
	}
	return tp.Tracer(instrumentationName)
}

// End records err on span, if any, and ends it. error.type carries the
// error kind.
func End(span trace.Span, err error) {
	if err != nil {
		span.RecordError(err)
		span.SetAttributes(AttrErrorType.String(thverrors.Kind(err)))
		span.SetStatus(codes.Error, err.Error())
	}
	span.End()
}
