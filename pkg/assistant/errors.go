// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package assistant

import "errors"

// Common domain errors used across assistant subpackages.
// These errors should be checked using errors.Is().

var (
	// ErrInvalidConfig indicates invalid configuration was provided.
	// Wrapping errors should provide specific details about what is invalid.
	ErrInvalidConfig = errors.New("invalid configuration")

	// ErrSessionNotFound indicates no session is registered under the requested id.
	ErrSessionNotFound = errors.New("session not found")

	// ErrNoReadySessions indicates strict mode was requested and no session became ready.
	ErrNoReadySessions = errors.New("no MCP server became ready")

	// ErrShuttingDown indicates the component is shutting down and refuses new work.
	ErrShuttingDown = errors.New("shutting down")
)
