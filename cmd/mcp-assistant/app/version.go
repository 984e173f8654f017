// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"encoding/json"
	"fmt"
	"io"

	"github.com/spf13/cobra"

	"github.com/stacklok/mcp-assistant/pkg/versions"
)

// newVersionCmd creates a new version command
func newVersionCmd() *cobra.Command {
	var jsonOutput bool

	cmd := &cobra.Command{
		Use:   "version",
		Short: "Show the version of mcp-assistant",
		Long:  `Display detailed version information about mcp-assistant, including version number, git commit, build date, and Go version.`,
		RunE: func(cmd *cobra.Command, _ []string) error {
			info := versions.GetVersionInfo()

			if jsonOutput {
				return printJSONVersionInfo(cmd.OutOrStdout(), info)
			}
			printVersionInfo(cmd.OutOrStdout(), info)
			return nil
		},
	}

	cmd.Flags().BoolVar(&jsonOutput, "json", false, "Output version information as JSON")

	return cmd
}

// printVersionInfo prints the version information
func printVersionInfo(w io.Writer, info versions.VersionInfo) {
	fmt.Fprintf(w, "mcp-assistant %s\n", info.Version)
	fmt.Fprintf(w, "Commit: %s\n", info.Commit)
	fmt.Fprintf(w, "Built: %s\n", info.BuildDate)
	fmt.Fprintf(w, "Go version: %s\n", info.GoVersion)
	fmt.Fprintf(w, "Platform: %s\n", info.Platform)
}

// printJSONVersionInfo prints the version information as JSON
func printJSONVersionInfo(w io.Writer, info versions.VersionInfo) error {
	data, err := json.MarshalIndent(info, "", "  ")
	if err != nil {
		return fmt.Errorf("failed to marshal version info: %w", err)
	}
	_, err = fmt.Fprintln(w, string(data))
	return err
}
