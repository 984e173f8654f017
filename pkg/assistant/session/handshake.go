// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package session

import (
	"context"
	"encoding/json"
	"fmt"
	"slices"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
	"github.com/stacklok/mcp-assistant/pkg/assistant/transport"
	thverrors "github.com/stacklok/mcp-assistant/pkg/errors"
)

const (
	// ClientName is the name announced in clientInfo.
	ClientName = "mcp-assistant"

	// ProtocolVersion is the MCP revision requested during initialize.
	ProtocolVersion = "2024-11-05"

	methodInitialize       = string(mcp.MethodInitialize)
	methodToolsList        = string(mcp.MethodToolsList)
	methodToolsCall        = string(mcp.MethodToolsCall)
	methodToolsListChanged = "notifications/tools/list_changed"
	methodInitialized      = "notifications/initialized"
	methodShutdown         = "shutdown"

	// maxToolPages stops a server that keeps returning cursors.
	maxToolPages = 100
)

// supportedProtocolVersions are the revisions this client can speak.
var supportedProtocolVersions = []string{ProtocolVersion, "2025-03-26", "2025-06-18"}

type initializeParams struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ClientInfo      mcp.Implementation `json:"clientInfo"`
}

type initializeResult struct {
	ProtocolVersion string             `json:"protocolVersion"`
	Capabilities    map[string]any     `json:"capabilities"`
	ServerInfo      mcp.Implementation `json:"serverInfo"`
}

type listToolsResult struct {
	Tools      []assistant.Tool `json:"tools"`
	NextCursor string           `json:"nextCursor,omitempty"`
}

// handshake runs initialize, the initialized notification and the first tools/list.
func (s *Session) handshake(ctx context.Context, tr *transport.Transport) (*assistant.ServerIdentity, []assistant.Tool, error) {
	params := initializeParams{
		ProtocolVersion: ProtocolVersion,
		Capabilities:    map[string]any{"tools": map[string]any{}},
		ClientInfo:      s.clientInfo,
	}
	raw, err := tr.Call(ctx, methodInitialize, params)
	if err != nil {
		return nil, nil, err
	}

	var result initializeResult
	if err := json.Unmarshal(raw, &result); err != nil {
		return nil, nil, thverrors.NewProtocolError("invalid initialize result", err)
	}
	if !slices.Contains(supportedProtocolVersions, result.ProtocolVersion) {
		return nil, nil, thverrors.NewProtocolError(
			fmt.Sprintf("unsupported protocol version %q", result.ProtocolVersion), nil)
	}

	if err := tr.Notify(ctx, methodInitialized, map[string]any{}); err != nil {
		return nil, nil, err
	}

	tools, err := listTools(ctx, tr)
	if err != nil {
		return nil, nil, err
	}

	return &assistant.ServerIdentity{
		Name:            result.ServerInfo.Name,
		Version:         result.ServerInfo.Version,
		ProtocolVersion: result.ProtocolVersion,
		Capabilities:    result.Capabilities,
	}, tools, nil
}

// listTools reads every page of tools/list.
func listTools(ctx context.Context, tr *transport.Transport) ([]assistant.Tool, error) {
	var tools []assistant.Tool
	cursor := ""
	for range maxToolPages {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := tr.Call(ctx, methodToolsList, params)
		if err != nil {
			return nil, err
		}
		var page listToolsResult
		if err := json.Unmarshal(raw, &page); err != nil {
			return nil, thverrors.NewProtocolError("invalid tools/list result", err)
		}
		for _, tool := range page.Tools {
			if tool.Name == "" {
				return nil, thverrors.NewProtocolError("tools/list returned a tool without a name", nil)
			}
			tools = append(tools, tool)
		}
		if page.NextCursor == "" {
			return tools, nil
		}
		cursor = page.NextCursor
	}
	return nil, thverrors.NewProtocolError(fmt.Sprintf("tools/list exceeded %d pages", maxToolPages), nil)
}
