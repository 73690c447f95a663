package api

import (
	"encoding/json"
	"log"
	"net/http"
	"strconv"

	"warden/internal/notify"
)

// listNotifyTargets returns all notification targets, disabled ones included.
// GET /api/v1/notifications/targets
func (a *API) listNotifyTargets(w http.ResponseWriter, r *http.Request) {
	targets, err := notify.ListTargets(a.DB)
	if err != nil {
		log.Printf("❌ List notification targets: %v", err)
		JSONError(w, "Failed to list targets", http.StatusInternalServerError)
		return
	}
	if targets == nil {
		targets = []notify.Target{}
	}
	JSONResponse(w, targets)
}

// createNotifyTarget adds a notification destination.
// POST /api/v1/notifications/targets
func (a *API) createNotifyTarget(w http.ResponseWriter, r *http.Request) {
	var req struct {
		Name        string `json:"name"`
		ShoutrrrURL string `json:"shoutrrr_url"`
		MinSeverity string `json:"min_severity"`
		CooldownSec int    `json:"cooldown_sec"`
	}
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Name == "" || req.ShoutrrrURL == "" {
		JSONError(w, "name and shoutrrr_url are required", http.StatusBadRequest)
		return
	}
	switch req.MinSeverity {
	case "":
		req.MinSeverity = "warning"
	case "info", "warning", "critical":
	default:
		JSONError(w, "min_severity must be info, warning, or critical", http.StatusBadRequest)
		return
	}
	if req.CooldownSec < 0 {
		JSONError(w, "cooldown_sec must not be negative", http.StatusBadRequest)
		return
	}

	id, err := notify.CreateTarget(a.DB, &notify.Target{
		Name:        req.Name,
		ShoutrrrURL: req.ShoutrrrURL,
		MinSeverity: req.MinSeverity,
		CooldownSec: req.CooldownSec,
		Enabled:     true,
	})
	if err != nil {
		log.Printf("❌ Create notification target: %v", err)
		JSONError(w, "Failed to create target", http.StatusInternalServerError)
		return
	}

	log.Printf("✓ Notification target %q created (id=%d)", req.Name, id)
	JSONResponse(w, map[string]any{"id": id, "status": "created"})
}

// deleteNotifyTarget removes a notification destination.
// DELETE /api/v1/notifications/targets/{id}
func (a *API) deleteNotifyTarget(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(r.PathValue("id"), 10, 64)
	if err != nil {
		JSONError(w, "Invalid target ID", http.StatusBadRequest)
		return
	}
	if err := notify.DeleteTarget(a.DB, id); err != nil {
		log.Printf("❌ Delete notification target: %v", err)
		JSONError(w, "Failed to delete target", http.StatusInternalServerError)
		return
	}
	JSONResponse(w, map[string]string{"status": "deleted"})
}
