// SPDX-FileCopyrightText: Copyright 2025 Stacklok, Inc.
// SPDX-License-Identifier: Apache-2.0

package v1

import (
	"context"
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/stacklok/mcp-assistant/pkg/assistant/health"
)

// HealthcheckRouter sets up healthcheck route.
func HealthcheckRouter(checker HealthChecker, sessions SessionStatus, model ModelInfo, catalog ToolCatalog) http.Handler {
	routes := &healthcheckRoutes{checker: checker, sessions: sessions, model: model, catalog: catalog}
	r := chi.NewRouter()
	r.Get("/", routes.getHealthcheck)
	return r
}

type healthcheckRoutes struct {
	checker  HealthChecker
	sessions SessionStatus
	model    ModelInfo
	catalog  ToolCatalog
}

//	 getHealthcheck
//		@Summary		Health check
//		@Description	Report UP, DEGRADED or DOWN from model reachability and MCP server state
//		@Tags			system
//		@Produce		json
//		@Success		200	{object}	healthResponse
//		@Failure		503	{object}	healthResponse
//		@Router			/api/health [get]
func (h *healthcheckRoutes) getHealthcheck(w http.ResponseWriter, r *http.Request) {
	report := h.checker.Check(r.Context())

	code := http.StatusOK
	if report.Status == health.StatusDown {
		// The model backend is unreachable, so chat requests cannot be served.
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, healthResponse{
		Status:            string(report.Status),
		LLMAvailable:      report.LLMAvailable,
		MCPServersHealthy: report.ReadySessions == report.TotalSessions,
		MCPServerStatus:   serverStatus(r.Context(), h.sessions),
		LLMInfo:           modelInfo(h.model, h.catalog, report.LLMAvailable),
	})
}

func modelInfo(model ModelInfo, catalog ToolCatalog, available bool) llmInfo {
	info := model.Info()
	return llmInfo{
		Provider:       info.Provider,
		Model:          info.Model,
		Temperature:    info.Temperature,
		Endpoint:       info.Endpoint,
		AvailableTools: catalog.Snapshot().Len(),
		IsAvailable:    available,
	}
}

// InfoRouter sets up the service information route.
func InfoRouter(checker HealthChecker, sessions SessionStatus, model ModelInfo, catalog ToolCatalog) http.Handler {
	routes := &healthcheckRoutes{checker: checker, sessions: sessions, model: model, catalog: catalog}
	r := chi.NewRouter()
	r.Get("/", routes.getInfo)
	return r
}

// ServiceName is reported by the info endpoint.
const ServiceName = "MCP Client Web Service"

// ServiceVersion is the version of the HTTP surface.
const ServiceVersion = "1.0.0"

//	 getInfo
//		@Summary		Service information
//		@Description	Describe the service, its model backend and its MCP servers
//		@Tags			system
//		@Produce		json
//		@Success		200	{object}	infoResponse
//		@Router			/api/info [get]
func (h *healthcheckRoutes) getInfo(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.info(r.Context()))
}

func (h *healthcheckRoutes) info(ctx context.Context) infoResponse {
	return infoResponse{
		Service: ServiceName,
		Version: ServiceVersion,
		LLM:     modelInfo(h.model, h.catalog, h.checker.LLMAvailable(ctx)),
		MCP: mcpInfo{
			Servers:    serverStatus(ctx, h.sessions),
			TotalTools: h.catalog.Snapshot().Len(),
		},
	}
}
