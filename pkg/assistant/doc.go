// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package assistant holds the domain types shared by the MCP client plane
// and the chat orchestrator.
//
// The subpackages are layered leaves first:
//
//   - transport: JSON-RPC 2.0 over a child process' stdio
//   - session: one MCP server, its handshake and its tool list
//   - registry: spawns and supervises every configured session
//   - catalog: aggregated, immutable tool snapshots with collision handling
//   - router: dispatches a tool call from the model to its owning session
//   - llm: the inference endpoint adapter
//   - conversation: bounded in-memory message history
//   - orchestrator: one chat turn, including the tool loop
//   - health: UP, DEGRADED or DOWN from the above
package assistant
