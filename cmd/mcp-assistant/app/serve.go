// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcp-assistant/pkg/api"
	"github.com/stacklok/mcp-assistant/pkg/assistant/catalog"
	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	"github.com/stacklok/mcp-assistant/pkg/assistant/conversation"
	"github.com/stacklok/mcp-assistant/pkg/assistant/health"
	"github.com/stacklok/mcp-assistant/pkg/assistant/llm"
	"github.com/stacklok/mcp-assistant/pkg/assistant/metrics"
	"github.com/stacklok/mcp-assistant/pkg/assistant/orchestrator"
	"github.com/stacklok/mcp-assistant/pkg/assistant/registry"
	"github.com/stacklok/mcp-assistant/pkg/assistant/router"
	"github.com/stacklok/mcp-assistant/pkg/assistant/session"
	"github.com/stacklok/mcp-assistant/pkg/assistant/telemetry"
	"github.com/stacklok/mcp-assistant/pkg/assistant/transport"
	"github.com/stacklok/mcp-assistant/pkg/logger"
	"github.com/stacklok/mcp-assistant/pkg/versions"
)

const (
	registryShutdownTimeout  = 30 * time.Second
	telemetryShutdownTimeout = 5 * time.Second
)

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve",
		Short: "Start the assistant API server",
		Long: `Start the MCP servers named in the configuration file and serve the chat API.

The command returns an error when the configuration is invalid, when the listen
address cannot be bound, or when mcp.strict is set and no MCP server became ready.`,
		RunE: runServe,
	}

	cmd.Flags().String("address", "", "Address to listen on, overrides server.address (unix:///path for a socket)")
	if err := viper.BindPFlag("address", cmd.Flags().Lookup("address")); err != nil {
		logger.Errorf("Error binding address flag: %v", err)
	}
	return cmd
}

func runServe(cmd *cobra.Command, _ []string) error {
	cfg, err := loadConfig()
	if err != nil {
		return err
	}
	if address := viper.GetString("address"); address != "" {
		cfg.Server.Address = address
	}
	return serve(cmd.Context(), cfg)
}

// serve wires the assistant together and blocks until ctx is cancelled.
func serve(ctx context.Context, cfg *config.Config) error {
	m := metrics.New(metrics.Config{IncludeRuntimeMetrics: true})

	tp, shutdownTracing, err := telemetry.NewTracerProvider(ctx, cfg.Telemetry, versions.Version)
	if err != nil {
		return fmt.Errorf("failed to set up tracing: %w", err)
	}
	defer shutdownTelemetry(shutdownTracing)

	reg := registry.New(cfg.MCP,
		registry.WithClientInfo(session.ClientName, versions.Version),
		registry.WithMaxFrameBytes(transport.FrameLimit(cfg.Tools.MaxResultBytes)),
		registry.WithMetrics(m),
	)
	defer shutdownRegistry(reg)

	logger.Infof("Starting %d MCP servers", reg.Len())
	if err := reg.Start(ctx); err != nil {
		return fmt.Errorf("failed to start MCP servers: %w", err)
	}
	logger.Infof("%d of %d MCP servers ready", reg.ReadyCount(), reg.Len())

	cat := catalog.New(reg, catalog.WithMetrics(m))
	defer cat.Close()

	tools := router.New(router.RegistryLookup(reg),
		router.WithMaxResultBytes(cfg.Tools.MaxResultBytes),
		router.WithCallTimeout(cfg.Tools.CallTimeout.Std()),
		router.WithMetrics(m),
		router.WithTracerProvider(tp),
	)

	client := llm.NewOllamaClient(cfg.LLM, llm.WithMetrics(m))

	store, err := conversation.New(cfg.Chat.MaxConversations, cfg.Chat.HistoryMaxMessages, conversation.WithMetrics(m))
	if err != nil {
		return fmt.Errorf("failed to create conversation store: %w", err)
	}

	orch := orchestrator.New(llm.Traced(client, tp), cat, tools, store, cfg.Chat,
		orchestrator.WithMetrics(m),
		orchestrator.WithTracerProvider(tp),
	)
	checker := health.New(client, reg)

	report := checker.Check(ctx)
	logger.Infow("initial health",
		"status", report.Status,
		"llm_available", report.LLMAvailable,
		"ready_servers", report.ReadySessions,
		"tools", cat.Snapshot().Len())

	return api.Serve(ctx, cfg, api.Deps{
		Chat:          orch,
		Conversations: store,
		Catalog:       cat,
		Sessions:      reg,
		Health:        checker,
		Model:         client,
		Metrics:       m.Handler(),
	})
}

func shutdownRegistry(reg *registry.Registry) {
	ctx, cancel := context.WithTimeout(context.Background(), registryShutdownTimeout)
	defer cancel()
	if err := reg.Shutdown(ctx); err != nil {
		logger.Warnf("Failed to stop MCP servers cleanly: %v", err)
	}
}

func shutdownTelemetry(shutdown func(context.Context) error) {
	ctx, cancel := context.WithTimeout(context.Background(), telemetryShutdownTimeout)
	defer cancel()
	if err := shutdown(ctx); err != nil {
		logger.Warnf("Failed to flush traces: %v", err)
	}
}
