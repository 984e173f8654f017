// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package router

import (
	"fmt"
	"strings"
	"unicode/utf8"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
)

// Render turns a tool result into the text handed to the model.
func Render(res *assistant.ToolResult) string {
	if res == nil {
		return ""
	}

	var b strings.Builder
	if res.IsError {
		b.WriteString("Tool reported an error: ")
	}

	parts := 0
	for _, c := range res.Content {
		if parts > 0 {
			b.WriteString("\n")
		}
		parts++
		switch c.Type {
		case "text":
			b.WriteString(c.Text)
		case "image", "audio":
			fmt.Fprintf(&b, "[%s %s, %d bytes base64]", c.Type, c.MIMEType, len(c.Data))
		case "resource":
			fmt.Fprintf(&b, "[resource] %s", c.Resource)
		default:
			if c.Text != "" {
				b.WriteString(c.Text)
			} else {
				fmt.Fprintf(&b, "[%s content]", c.Type)
			}
		}
	}

	if parts == 0 && len(res.StructuredContent) > 0 {
		b.Write(res.StructuredContent)
	}
	return b.String()
}

// Truncate cuts s to at most limit bytes on a UTF-8 boundary and appends a
// note saying so. A non-positive limit disables truncation.
func Truncate(s string, limit int) (string, bool) {
	if limit <= 0 || len(s) <= limit {
		return s, false
	}
	cut := limit
	for cut > 0 && !utf8.RuneStart(s[cut]) {
		cut--
	}
	return s[:cut] + fmt.Sprintf("\n[truncated: result exceeded %d bytes]", limit), true
}
