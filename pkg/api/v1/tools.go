// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

// ToolsRoutes defines the routes for the tool catalog.
type ToolsRoutes struct {
	catalog ToolCatalog
}

// ToolsRouter creates a new router for the tool catalog.
func ToolsRouter(catalog ToolCatalog) http.Handler {
	routes := ToolsRoutes{catalog: catalog}

	r := chi.NewRouter()
	r.Get("/", routes.listTools)
	return r
}

// listTools
//
//	@Summary		List available tools
//	@Description	Get every tool the assistant can offer to the model
//	@Tags			tools
//	@Produce		json
//	@Success		200	{object}	toolsResponse
//	@Router			/api/tools [get]
func (s *ToolsRoutes) listTools(w http.ResponseWriter, _ *http.Request) {
	snap := s.catalog.Snapshot()
	tools := snap.Tools()

	infos := make([]toolInfo, 0, len(tools))
	for _, tool := range tools {
		infos = append(infos, toolInfo{
			Name:        tool.ExposedName,
			Description: tool.Description,
			Server:      tool.SessionID,
		})
	}
	writeJSON(w, http.StatusOK, toolsResponse{Tools: infos, Count: len(infos), Epoch: snap.Epoch()})
}
