// Package api is the admin/collaborator HTTP surface: enrollment, server
// management, rotation, alerts, and command dispatch for the business API.
package api

import (
	"database/sql"
	"encoding/json"
	"log"
	"net/http"

	"warden/internal/alerts"
	"warden/internal/credstore"
	"warden/internal/dispatch"
	"warden/internal/rotation"
	"warden/internal/session"
)

// API bundles the collaborators the HTTP handlers need.
type API struct {
	DB         *sql.DB
	Store      *credstore.Store
	Alerts     *alerts.Store
	Sessions   *session.Registry
	Dispatcher *dispatch.Dispatcher
	Rotations  *rotation.Coordinator
}

// RegisterRoutes attaches all handlers to mux.
func (a *API) RegisterRoutes(mux *http.ServeMux) {
	// Agent-facing enrollment (the websocket endpoint is registered by main)
	mux.HandleFunc("POST /api/v1/servers/register", a.registerServer)

	// Admin: registration tokens
	mux.HandleFunc("POST /api/v1/tokens", a.createToken)
	mux.HandleFunc("GET /api/v1/tokens", a.listTokens)
	mux.HandleFunc("DELETE /api/v1/tokens/{id}", a.deleteToken)

	// Admin: servers
	mux.HandleFunc("GET /api/v1/servers", a.listServers)
	mux.HandleFunc("GET /api/v1/servers/{id}", a.getServer)
	mux.HandleFunc("PUT /api/v1/servers/{id}/scopes", a.updateScopes)
	mux.HandleFunc("PUT /api/v1/servers/{id}/ips", a.updateAllowedIPs)
	mux.HandleFunc("POST /api/v1/servers/{id}/rotate", a.startRotation)

	// Business API: command dispatch and streaming status
	mux.HandleFunc("POST /api/v1/servers/{id}/commands", a.dispatchCommand)
	mux.HandleFunc("GET /api/v1/sessions", a.listSessions)

	// Admin: security alerts
	mux.HandleFunc("GET /api/v1/alerts", a.listAlerts)
	mux.HandleFunc("POST /api/v1/alerts/{id}/ack", a.ackAlert)
	mux.HandleFunc("POST /api/v1/alerts/{id}/resolve", a.resolveAlert)

	// Admin: notification targets
	mux.HandleFunc("GET /api/v1/notifications/targets", a.listNotifyTargets)
	mux.HandleFunc("POST /api/v1/notifications/targets", a.createNotifyTarget)
	mux.HandleFunc("DELETE /api/v1/notifications/targets/{id}", a.deleteNotifyTarget)
}

// JSONResponse sends a JSON response.
func JSONResponse(w http.ResponseWriter, data any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(data); err != nil {
		log.Printf("⚠️  Failed to encode JSON response: %v", err)
	}
}

// JSONError sends a JSON error response.
func JSONError(w http.ResponseWriter, message string, code int) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	json.NewEncoder(w).Encode(map[string]string{"error": message})
}
