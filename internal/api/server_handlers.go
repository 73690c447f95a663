package api

import (
	"encoding/json"
	"errors"
	"log"
	"net/http"
	"time"

	"warden/internal/credstore"
)

type registerRequest struct {
	Token      string   `json:"token"` // one-time registration token
	Name       string   `json:"name"`
	Scopes     []string `json:"scopes"`
	AllowedIPs []string `json:"allowed_ips"`
}

// registerServer enrolls a new remote server using a one-time token. The
// shared secret appears in this response and nowhere else ever again.
// POST /api/v1/servers/register
func (a *API) registerServer(w http.ResponseWriter, r *http.Request) {
	var req registerRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Token == "" || req.Name == "" {
		JSONError(w, "Missing required fields: token, name", http.StatusBadRequest)
		return
	}
	if len(req.Scopes) == 0 {
		req.Scopes = []string{"system:info", "metrics:read"}
	}

	// Token consumption and the server insert share one transaction: a bad
	// token leaves no row behind, not even a disabled one.
	server, secret, err := a.Store.RegisterServerWithToken(req.Token, req.Name, req.Scopes, req.AllowedIPs)
	if errors.Is(err, credstore.ErrInvalidToken) {
		JSONError(w, err.Error(), http.StatusUnauthorized)
		return
	}
	if err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}

	log.Printf("✓ Registered server %q (id=%s, prefix=%s)", server.Name, server.ServerID, server.KeyPrefix)

	JSONResponse(w, map[string]any{
		"server_id":  server.ServerID,
		"key_prefix": server.KeyPrefix,
		"secret":     secret,
		"scopes":     server.Scopes,
	})
}

// listServers returns all registered servers with their connection state.
// GET /api/v1/servers
func (a *API) listServers(w http.ResponseWriter, r *http.Request) {
	servers, err := a.Store.ListServers()
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}

	out := make([]map[string]any, 0, len(servers))
	for _, s := range servers {
		entry := map[string]any{
			"server_id":     s.ServerID,
			"name":          s.Name,
			"key_prefix":    s.KeyPrefix,
			"scopes":        s.Scopes,
			"allowed_ips":   s.AllowedIPs,
			"enabled":       s.Enabled,
			"registered_at": s.RegisteredAt,
			"last_auth_at":  s.LastAuthAt,
			"rotating":      s.Rotation != nil,
			"connected":     a.Sessions.Get(s.ServerID) != nil,
		}
		out = append(out, entry)
	}
	JSONResponse(w, out)
}

// getServer returns one server with session detail.
// GET /api/v1/servers/{id}
func (a *API) getServer(w http.ResponseWriter, r *http.Request) {
	server, err := a.Store.GetServer(r.PathValue("id"))
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	if server == nil {
		JSONError(w, "Server not found", http.StatusNotFound)
		return
	}

	resp := map[string]any{
		"server_id":     server.ServerID,
		"name":          server.Name,
		"key_prefix":    server.KeyPrefix,
		"scopes":        server.Scopes,
		"allowed_ips":   server.AllowedIPs,
		"enabled":       server.Enabled,
		"registered_at": server.RegisteredAt,
		"last_auth_at":  server.LastAuthAt,
	}
	if server.Rotation != nil {
		resp["rotation"] = map[string]any{
			"rotation_id":        server.Rotation.ID,
			"pending_key_prefix": server.Rotation.PendingKeyPrefix,
			"expires_at":         server.Rotation.ExpiresAt,
		}
	}
	if sess := a.Sessions.Get(server.ServerID); sess != nil {
		resp["session"] = sessionInfo(sess)
	}
	JSONResponse(w, resp)
}

// updateScopes replaces a server's permission scopes.
// PUT /api/v1/servers/{id}/scopes
func (a *API) updateScopes(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Scopes []string `json:"scopes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := a.Store.UpdateScopes(r.PathValue("id"), req.Scopes); err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	JSONResponse(w, map[string]string{"status": "updated"})
}

// updateAllowedIPs replaces a server's IP allowlist.
// PUT /api/v1/servers/{id}/ips
func (a *API) updateAllowedIPs(w http.ResponseWriter, r *http.Request) {
	var req struct {
		AllowedIPs []string `json:"allowed_ips"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if err := a.Store.UpdateAllowedIPs(r.PathValue("id"), req.AllowedIPs); err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	JSONResponse(w, map[string]string{"status": "updated"})
}

// startRotation kicks off a two-phase credential swap.
// POST /api/v1/servers/{id}/rotate
func (a *API) startRotation(w http.ResponseWriter, r *http.Request) {
	rot, err := a.Rotations.Start(r.PathValue("id"))
	if err == credstore.ErrRotationInFlight {
		JSONError(w, err.Error(), http.StatusConflict)
		return
	}
	if err != nil {
		JSONError(w, err.Error(), http.StatusBadRequest)
		return
	}
	JSONResponse(w, map[string]any{
		"rotation_id":        rot.ID,
		"pending_key_prefix": rot.PendingKeyPrefix,
		"expires_at":         rot.ExpiresAt.UTC().Format(time.RFC3339),
	})
}
