// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package app provides the entry point for the mcp-assistant command-line application.
package app

import (
	"fmt"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/stacklok/mcp-assistant/pkg/assistant/config"
	"github.com/stacklok/mcp-assistant/pkg/logger"
	"github.com/stacklok/toolhive-core/env"
)

// Output format constants
const (
	// FormatJSON is the JSON output format
	FormatJSON = "json"
	// FormatText is the text output format
	FormatText = "text"
)

// NewRootCmd creates a new root command for the mcp-assistant CLI.
func NewRootCmd() *cobra.Command {
	rootCmd := &cobra.Command{
		Use:               "mcp-assistant",
		DisableAutoGenTag: true,
		Short:             "Chat assistant that lets a local model call tools from MCP servers",
		Long: `mcp-assistant runs a chat service in front of a local Ollama model.

It launches the configured MCP (Model Context Protocol) servers as child processes,
collects their tools into one catalog and lets the model call them while answering.
The serve command exposes the chat over HTTP; the status, tools and ask commands
talk to a running service.`,
		Run: func(cmd *cobra.Command, _ []string) {
			// If no subcommand is provided, print help
			if err := cmd.Help(); err != nil {
				logger.Errorf("Error displaying help: %v", err)
			}
		},
		PersistentPreRun: func(_ *cobra.Command, _ []string) {
			logger.Initialize()
		},
	}

	rootCmd.PersistentFlags().Bool("debug", false, "Enable debug mode")
	if err := viper.BindPFlag("debug", rootCmd.PersistentFlags().Lookup("debug")); err != nil {
		logger.Errorf("Error binding debug flag: %v", err)
	}

	rootCmd.PersistentFlags().StringP("config", "c", "", "Path to the assistant configuration file")
	if err := viper.BindPFlag("config", rootCmd.PersistentFlags().Lookup("config")); err != nil {
		logger.Errorf("Error binding config flag: %v", err)
	}

	rootCmd.AddCommand(newServeCmd())
	rootCmd.AddCommand(newValidateCmd())
	rootCmd.AddCommand(newVersionCmd())
	rootCmd.AddCommand(newStatusCmd())
	rootCmd.AddCommand(newToolsCmd())
	rootCmd.AddCommand(newAskCmd())

	// Silence printing the usage on error
	rootCmd.SilenceUsage = true

	return rootCmd
}

// loadConfig reads the file named by --config, or returns the defaults when
// no file was given, and validates the result.
func loadConfig() (*config.Config, error) {
	configPath := viper.GetString("config")

	var cfg *config.Config
	if configPath == "" {
		logger.Infof("No configuration file specified, using defaults")
		cfg = config.DefaultConfig()
	} else {
		logger.Infof("Loading configuration from: %s", configPath)
		loaded, err := config.NewYAMLLoader(configPath, &env.OSReader{}).Load()
		if err != nil {
			return nil, fmt.Errorf("configuration loading failed: %w", err)
		}
		cfg = loaded
	}

	if err := config.NewValidator().Validate(cfg); err != nil {
		return nil, fmt.Errorf("validation failed: %w", err)
	}
	return cfg, nil
}
