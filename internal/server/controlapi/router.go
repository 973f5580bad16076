// Copyright (c) 2025 Nishisan. All rights reserved.
// Use of this source code is governed by the N-Fetch License (Non-Commercial Evaluation)
// that can be found in the LICENSE file.

// Package controlapi é o control plane HTTP do nfetch-server: um adapter
// fino que traduz chamadas REST em operações do transfer manager e do
// registry. Nenhuma lógica de negócio vive aqui.
package controlapi

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"runtime"
	"strconv"
	"time"

	"github.com/rs/cors"

	"github.com/nishisan-dev/n-fetch/internal/config"
	"github.com/nishisan-dev/n-fetch/internal/protocol"
	"github.com/nishisan-dev/n-fetch/internal/server"
)

// startTime registra quando o processo iniciou (para cálculo de uptime).
var startTime = time.Now()

// Version é preenchida via ldflags no build (-X ...Version=x.y.z).
var Version = "dev"

// API agrega as dependências do control plane.
type API struct {
	mgr      *server.Manager
	registry *server.Registry
	events   *server.EventRing
	hub      *server.Hub
	logger   *slog.Logger
}

// NewRouter monta o http.Handler do control plane, com CORS aplicado
// conforme as origens configuradas.
func NewRouter(mgr *server.Manager, registry *server.Registry, events *server.EventRing, hub *server.Hub, cfg *config.ServerConfig, logger *slog.Logger) http.Handler {
	api := &API{
		mgr:      mgr,
		registry: registry,
		events:   events,
		hub:      hub,
		logger:   logger.With("component", "controlapi"),
	}

	mux := http.NewServeMux()

	mux.HandleFunc("POST /downloads", api.handleStartDownload)
	mux.HandleFunc("GET /downloads", api.handleListDownloads)
	mux.HandleFunc("GET /downloads/{requestId}", api.handleGetDownload)
	mux.HandleFunc("DELETE /downloads/{requestId}", api.handleCancelDownload)

	mux.HandleFunc("GET /clients", api.handleListClients)
	mux.HandleFunc("GET /clients/{id}", api.handleGetClient)

	mux.HandleFunc("GET /health", api.handleHealth)
	mux.HandleFunc("GET /metrics", api.handleMetrics)
	mux.HandleFunc("GET /events", api.handleEvents)

	c := cors.New(cors.Options{
		AllowedOrigins: cfg.Control.CORSOrigins,
		AllowedMethods: []string{http.MethodGet, http.MethodPost, http.MethodDelete},
		AllowedHeaders: []string{"Content-Type"},
	})

	return c.Handler(mux)
}

// startRequest é o corpo de POST /downloads.
type startRequest struct {
	ClientID string `json:"clientId"`
	FilePath string `json:"filePath"`
}

func (a *API) handleStartDownload(w http.ResponseWriter, r *http.Request) {
	var req startRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		writeError(w, protocol.WrapError(protocol.KindInvalidRequest, "invalid JSON body", err))
		return
	}
	if req.ClientID == "" || req.FilePath == "" {
		writeError(w, protocol.NewError(protocol.KindInvalidRequest, "clientId and filePath are required"))
		return
	}

	requestID, err := a.mgr.Start(req.ClientID, req.FilePath)
	if err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"requestId": requestID,
		"status":    string(server.StateRequested),
	})
}

func (a *API) handleListDownloads(w http.ResponseWriter, r *http.Request) {
	status := r.URL.Query().Get("status")
	views := a.mgr.List(status)
	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"downloads": views,
		"count":     len(views),
	})
}

func (a *API) handleGetDownload(w http.ResponseWriter, r *http.Request) {
	view, err := a.mgr.Get(r.PathValue("requestId"))
	if err != nil {
		writeError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, view)
}

func (a *API) handleCancelDownload(w http.ResponseWriter, r *http.Request) {
	requestID := r.PathValue("requestId")
	reason := r.URL.Query().Get("reason")
	if reason == "" {
		reason = "cancelled by operator"
	}

	if err := a.mgr.Cancel(requestID, reason); err != nil {
		writeError(w, err)
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"success":   true,
		"requestId": requestID,
		"status":    string(server.StateCancelled),
	})
}

func (a *API) handleListClients(w http.ResponseWriter, r *http.Request) {
	clients := a.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"clients": clients,
		"count":   len(clients),
	})
}

func (a *API) handleGetClient(w http.ResponseWriter, r *http.Request) {
	id := r.PathValue("id")
	view, ok := a.registry.View(id)
	if !ok {
		writeError(w, protocol.NewError(protocol.KindClientNotFound,
			"client "+id+" is not registered"))
		return
	}
	writeJSON(w, http.StatusOK, view)
}

// handleHealth retorna status do processo, uptime e versão.
func (a *API) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":  "ok",
		"uptime":  time.Since(startTime).String(),
		"version": Version,
		"go":      runtime.Version(),
	})
}

func (a *API) handleMetrics(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"active_conns":       a.hub.ActiveConns(),
		"registered_clients": a.registry.Count(),
		"active_sessions":    a.mgr.ActiveSessions(),
		"sessions_retained":  a.mgr.SessionCount(),
		"traffic_in_bytes":   a.hub.TrafficIn(),
	})
}

func (a *API) handleEvents(w http.ResponseWriter, r *http.Request) {
	limit := 0
	if v := r.URL.Query().Get("limit"); v != "" {
		// Valor não numérico cai no default (todos os eventos)
		if n, err := strconv.Atoi(v); err == nil && n > 0 {
			limit = n
		}
	}

	events := a.events.Recent(limit)
	writeJSON(w, http.StatusOK, map[string]any{
		"success": true,
		"events":  events,
		"count":   len(events),
	})
}
