// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package telemetry provides OpenTelemetry tracing for the assistant.
//
// Spans are recorded for chat turns, model requests and tool dispatch. The
// tracer provider exports over OTLP/HTTP when an endpoint is configured and
// is a no-op otherwise.
package telemetry
