// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/stacklok/mcp-assistant/cmd/mcp-assistant/app/ui"
)

func newToolsCmd() *cobra.Command {
	var (
		url    string
		format string
	)

	cmd := &cobra.Command{
		Use:   "tools",
		Short: "List the tools a running assistant offers to the model",
		RunE: func(cmd *cobra.Command, _ []string) error {
			list, err := newAPIClient(url).tools(cmd.Context())
			if err != nil {
				return fmt.Errorf("failed to list tools: %w", err)
			}

			if format == FormatJSON {
				data, err := json.MarshalIndent(list, "", "  ")
				if err != nil {
					return fmt.Errorf("failed to marshal JSON: %w", err)
				}
				_, err = fmt.Fprintln(cmd.OutOrStdout(), string(data))
				return err
			}

			rows := make([]ui.ToolRow, 0, len(list.Tools))
			for _, t := range list.Tools {
				rows = append(rows, ui.ToolRow{Name: t.Name, Server: t.Server, Description: t.Description})
			}
			return ui.RenderToolsTable(cmd.OutOrStdout(), rows)
		},
	}

	addURLFlag(cmd, &url)
	cmd.Flags().StringVar(&format, "format", FormatText, "Output format (json or text)")
	return cmd
}
