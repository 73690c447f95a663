package api

import (
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"warden/internal/dispatch"
	"warden/internal/protocol"
	"warden/internal/session"
)

type commandRequest struct {
	Action    string          `json:"action"`
	Params    json.RawMessage `json:"params,omitempty"`
	TimeoutMS int64           `json:"timeout_ms,omitempty"`
}

// dispatchCommand runs an action on a connected server and waits for the
// result (bounded by the command's own timeout).
// POST /api/v1/servers/{id}/commands
func (a *API) dispatchCommand(w http.ResponseWriter, r *http.Request) {
	var req commandRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		JSONError(w, "Invalid JSON", http.StatusBadRequest)
		return
	}
	if req.Action == "" {
		JSONError(w, "Missing required field: action", http.StatusBadRequest)
		return
	}

	timeout := 30 * time.Second
	if req.TimeoutMS > 0 {
		timeout = time.Duration(req.TimeoutMS) * time.Millisecond
	}

	result, err := a.Dispatcher.Run(r.Context(), r.PathValue("id"), req.Action, req.Params, timeout)
	switch {
	case err == nil:
		JSONResponse(w, result)
	case errors.Is(err, protocol.ErrNoActiveSession):
		JSONError(w, "Server has no active session", http.StatusConflict)
	case errors.Is(err, protocol.ErrPermissionDenied):
		JSONError(w, err.Error(), http.StatusForbidden)
	case errors.Is(err, protocol.ErrCommandTimeout):
		JSONError(w, "Command timed out", http.StatusGatewayTimeout)
	case errors.Is(err, dispatch.ErrUnknownAction):
		JSONError(w, err.Error(), http.StatusBadRequest)
	default:
		JSONError(w, err.Error(), http.StatusInternalServerError)
	}
}

// listSessions returns all live agent sessions.
// GET /api/v1/sessions
func (a *API) listSessions(w http.ResponseWriter, r *http.Request) {
	sessions := a.Sessions.List()
	out := make([]map[string]any, 0, len(sessions))
	for _, s := range sessions {
		out = append(out, sessionInfo(s))
	}
	JSONResponse(w, out)
}

func sessionInfo(s *session.Session) map[string]any {
	return map[string]any{
		"session_id":     s.ID,
		"server_id":      s.ServerID,
		"source_ip":      s.SourceIP,
		"connected_at":   s.ConnectedAt.UTC().Format(time.RFC3339),
		"last_heartbeat": s.LastHeartbeat().UTC().Format(time.RFC3339),
	}
}
