// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcp-assistant/pkg/assistant"
)

// MCPRoutes defines the routes for MCP server status.
type MCPRoutes struct {
	sessions SessionStatus
}

// MCPRouter creates a new router for MCP server status.
func MCPRouter(sessions SessionStatus) http.Handler {
	routes := MCPRoutes{sessions: sessions}

	r := chi.NewRouter()
	r.Get("/status", routes.getStatus)
	return r
}

// getStatus
//
//	@Summary		Get MCP server status
//	@Description	Get the state of every configured MCP server
//	@Tags			mcp
//	@Produce		json
//	@Success		200	{object}	mcpStatusResponse
//	@Router			/api/mcp/status [get]
func (s *MCPRoutes) getStatus(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, buildStatus(r.Context(), s.sessions))
}

func buildStatus(ctx context.Context, sessions SessionStatus) mcpStatusResponse {
	statuses := sessions.Statuses(ctx)
	resp := mcpStatusResponse{
		ServerStatus:  make(map[string]bool, len(statuses)),
		ServerDetails: make(map[string]serverInfo, len(statuses)),
		TotalCount:    len(statuses),
	}
	for _, st := range statuses {
		connected := st.State == assistant.StateReady
		if connected {
			resp.ConnectedCount++
		}
		info := serverInfo{
			Connected: connected,
			ToolCount: len(st.Tools),
			State:     string(st.State),
			Restarts:  st.Restarts,
			LastError: st.LastError,
			Process:   st.Process,
		}
		if st.Identity != nil {
			info.Name = st.Identity.Name
			info.Version = st.Identity.Version
		}
		resp.ServerStatus[st.ID] = connected
		resp.ServerDetails[st.ID] = info
	}
	return resp
}

func serverStatus(ctx context.Context, sessions SessionStatus) map[string]bool {
	return buildStatus(ctx, sessions).ServerStatus
}
