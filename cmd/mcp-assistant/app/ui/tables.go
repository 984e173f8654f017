// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

// Package ui renders the output of the remote commands.
package ui

import (
	"fmt"
	"io"
	"sort"
	"strconv"

	"github.com/charmbracelet/lipgloss"
	"github.com/olekukonko/tablewriter"
	"github.com/olekukonko/tablewriter/tw"
)

var (
	upStyle       = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("42"))
	degradedStyle = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("214"))
	downStyle     = lipgloss.NewStyle().Bold(true).Foreground(lipgloss.Color("196"))
	mutedStyle    = lipgloss.NewStyle().Foreground(lipgloss.Color("241"))
)

const maxDescriptionWidth = 60

// ServerRow is one MCP server in the status table.
type ServerRow struct {
	ID        string
	Name      string
	Version   string
	State     string
	Tools     int
	Restarts  int
	LastError string
}

// ToolRow is one tool in the tools table.
type ToolRow struct {
	Name        string
	Server      string
	Description string
}

// Health is the summary line printed above the status table.
type Health struct {
	Status       string
	LLMAvailable bool
	Model        string
	Connected    int
	Total        int
}

// StatusStyle returns the style used for a health status or session state.
func StatusStyle(status string) lipgloss.Style {
	switch status {
	case "UP", "ready":
		return upStyle
	case "DOWN", "failed", "terminal":
		return downStyle
	default:
		return degradedStyle
	}
}

// RenderHealth writes the one line health summary.
func RenderHealth(w io.Writer, h Health) error {
	llm := downStyle.Render("unreachable")
	if h.LLMAvailable {
		llm = upStyle.Render("reachable")
	}
	_, err := fmt.Fprintf(w, "Status: %s  Model: %s (%s)  MCP servers: %d/%d ready\n",
		StatusStyle(h.Status).Render(h.Status), h.Model, llm, h.Connected, h.Total)
	return err
}

func newTable(w io.Writer, headers []string) *tablewriter.Table {
	table := tablewriter.NewWriter(w)
	table.Options(
		tablewriter.WithHeader(headers),
		tablewriter.WithRendition(
			tw.Rendition{
				Borders: tw.Border{
					Left:   tw.State(1),
					Top:    tw.State(1),
					Right:  tw.State(1),
					Bottom: tw.State(1),
				},
			},
		),
		tablewriter.WithAlignment(tw.MakeAlign(len(headers), tw.AlignLeft)),
	)
	return table
}

// RenderServerStatusTable renders the MCP server table sorted by id.
func RenderServerStatusTable(w io.Writer, servers []ServerRow) error {
	if len(servers) == 0 {
		_, err := fmt.Fprintln(w, "No MCP servers configured.")
		return err
	}

	sort.Slice(servers, func(i, j int) bool {
		return servers[i].ID < servers[j].ID
	})

	table := newTable(w, []string{"ID", "Server", "State", "Tools", "Restarts", "Last Error"})
	for _, s := range servers {
		server := s.Name
		if s.Version != "" {
			server += " " + s.Version
		}
		if server == "" {
			server = mutedStyle.Render("-")
		}
		if err := table.Append([]string{
			s.ID,
			server,
			StatusStyle(s.State).Render(s.State),
			strconv.Itoa(s.Tools),
			strconv.Itoa(s.Restarts),
			truncate(s.LastError, maxDescriptionWidth),
		}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

// RenderToolsTable renders the tool catalog in the order given.
func RenderToolsTable(w io.Writer, tools []ToolRow) error {
	if len(tools) == 0 {
		_, err := fmt.Fprintln(w, "No tools available.")
		return err
	}

	table := newTable(w, []string{"Name", "Server", "Description"})
	for _, t := range tools {
		if err := table.Append([]string{t.Name, t.Server, truncate(t.Description, maxDescriptionWidth)}); err != nil {
			return fmt.Errorf("failed to append row: %w", err)
		}
	}

	if err := table.Render(); err != nil {
		return fmt.Errorf("failed to render table: %w", err)
	}
	return nil
}

// truncate shortens s to at most n runes, marking the cut with an ellipsis.
func truncate(s string, n int) string {
	runes := []rune(s)
	if len(runes) <= n {
		return s
	}
	return string(runes[:n-1]) + "…"
}
