// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stacklok/mcp-assistant/cmd/mcp-assistant/app/ui"
)

func newStatusCmd() *cobra.Command {
	var (
		url    string
		format string
	)

	cmd := &cobra.Command{
		Use:   "status",
		Short: "Show the health of a running assistant and its MCP servers",
		Long:  `Query a running assistant for its health and the state of every configured MCP server.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			ctx := cmd.Context()
			client := newAPIClient(url)

			health, err := client.health(ctx)
			if err != nil {
				return fmt.Errorf("failed to get health: %w", err)
			}
			status, err := client.status(ctx)
			if err != nil {
				return fmt.Errorf("failed to get MCP server status: %w", err)
			}

			switch format {
			case FormatJSON:
				return printStatusJSONOutput(cmd.OutOrStdout(), health, status)
			default:
				return printStatusTextOutput(cmd.OutOrStdout(), health, status)
			}
		},
	}

	addURLFlag(cmd, &url)
	cmd.Flags().StringVar(&format, "format", FormatText, "Output format (json or text)")
	return cmd
}

func printStatusJSONOutput(w io.Writer, health *healthStatus, status *mcpStatus) error {
	output := struct {
		Status       string                      `json:"status"`
		LLMAvailable bool                        `json:"llmAvailable"`
		Model        string                      `json:"model"`
		Servers      map[string]mcpServerDetails `json:"servers"`
	}{
		Status:       health.Status,
		LLMAvailable: health.LLMAvailable,
		Model:        health.LLMInfo.Model,
		Servers:      status.ServerDetails,
	}

	data, err := json.MarshalIndent(output, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal JSON: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}

func printStatusTextOutput(w io.Writer, health *healthStatus, status *mcpStatus) error {
	if err := ui.RenderHealth(w, ui.Health{
		Status:       health.Status,
		LLMAvailable: health.LLMAvailable,
		Model:        health.LLMInfo.Model,
		Connected:    status.ConnectedCount,
		Total:        status.TotalCount,
	}); err != nil {
		return err
	}

	rows := make([]ui.ServerRow, 0, len(status.ServerDetails))
	for id, d := range status.ServerDetails {
		rows = append(rows, ui.ServerRow{
			ID:        id,
			Name:      d.Name,
			Version:   d.Version,
			State:     d.State,
			Tools:     d.ToolCount,
			Restarts:  d.Restarts,
			LastError: d.LastError,
		})
	}
	return ui.RenderServerStatusTable(w, rows)
}
