// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcp-assistant/pkg/logger"
)

// newValidateCmd creates the validate command for checking configuration
func newValidateCmd() *cobra.Command {
	return &cobra.Command{
		Use:   "validate",
		Short: "Validate configuration file",
		Long: `Validate the assistant configuration file for syntax and semantic errors.

This command checks:
- YAML syntax validity and unknown keys
- LLM endpoint, model and temperature
- MCP server ids, commands, restart policies and framing
- Chat, tool and server limits`,
		RunE: func(_ *cobra.Command, _ []string) error {
			if viper.GetString("config") == "" {
				return fmt.Errorf("no configuration file specified, use --config flag")
			}

			cfg, err := loadConfig()
			if err != nil {
				logger.Errorf("Configuration validation failed: %v", err)
				return err
			}

			logger.Infof("✓ Configuration is valid")
			logger.Infof("  LLM: %s at %s", cfg.LLM.Model, cfg.LLM.Endpoint)
			logger.Infof("  MCP servers: %d (strict: %t)", len(cfg.MCP.Servers), cfg.MCP.Strict)
			for _, s := range cfg.MCP.Servers {
				logger.Infof("    %s: %s (restart: %s, framing: %s)", s.ID, s.Command, s.RestartPolicy, s.Framing)
			}
			logger.Infof("  Tool selection: %s, max tool loops: %d", cfg.Chat.ToolSelection, cfg.Chat.MaxToolLoops)
			logger.Infof("  Listen address: %s", cfg.Server.Address)
			return nil
		},
	}
}
