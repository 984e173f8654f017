// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package main is the entry point for the MCP assistant.
package main

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/stacklok/mcp-assistant/cmd/mcp-assistant/app"
	"github.com/stacklok/mcp-assistant/pkg/logger"
)

func main() {
	// Create a context that will be canceled on signal
	ctx, cancel := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer cancel()

	if err := app.NewRootCmd().ExecuteContext(ctx); err != nil {
		logger.Errorf("Error executing command: %v", err)
		cancel()
		os.Exit(1)
	}
}
