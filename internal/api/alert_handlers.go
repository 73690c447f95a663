package api

import (
	"encoding/json"
	"net/http"
	"strconv"
	"time"

	"warden/internal/alerts"
)

// listAlerts returns security alerts, optionally filtered.
// GET /api/v1/alerts?status=open&server_id=...
func (a *API) listAlerts(w http.ResponseWriter, r *http.Request) {
	status := alerts.Status(r.URL.Query().Get("status"))
	serverID := r.URL.Query().Get("server_id")

	list, err := a.Alerts.List(status, serverID)
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, list)
}

// ackAlert transitions an alert to acknowledged.
// POST /api/v1/alerts/{id}/ack
func (a *API) ackAlert(w http.ResponseWriter, r *http.Request) {
	a.setAlertStatus(w, r, alerts.StatusAcknowledged)
}

// resolveAlert transitions an alert to resolved.
// POST /api/v1/alerts/{id}/resolve
func (a *API) resolveAlert(w http.ResponseWriter, r *http.Request) {
	a.setAlertStatus(w, r, alerts.StatusResolved)
}

func (a *API) setAlertStatus(w http.ResponseWriter, r *http.Request, status alerts.Status) {
	if err := a.Alerts.SetStatus(r.PathValue("id"), status); err != nil {
		JSONError(w, err.Error(), http.StatusNotFound)
		return
	}
	JSONResponse(w, map[string]string{"status": string(status)})
}

// ─── Registration tokens ─────────────────────────────────────────────────────

// createToken issues a single-use registration token.
// POST /api/v1/tokens
func (a *API) createToken(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name       string `json:"name"`
		TTLMinutes int    `json:"ttl_minutes"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	ttl := 24 * time.Hour
	if req.TTLMinutes > 0 {
		ttl = time.Duration(req.TTLMinutes) * time.Minute
	}

	tok, err := a.Store.CreateRegistrationToken(req.Name, ttl)
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, tok)
}

// listTokens returns all registration tokens, used and expired included.
// GET /api/v1/tokens
func (a *API) listTokens(w http.ResponseWriter, r *http.Request) {
	tokens, err := a.Store.ListRegistrationTokens()
	if err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, tokens)
}

// deleteToken removes a registration token by ID.
// DELETE /api/v1/tokens/{id}
func (a *API) deleteToken(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, "Invalid token id", http.StatusBadRequest)
		return
	}
	if err := a.Store.DeleteRegistrationToken(id); err != nil {
		JSONError(w, "Database error", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "deleted"})
}
