package handlers

import (
	"context"
	"net/http"
	"time"
)

const healthCheckTimeout = 2 * time.Second

// Health reports session liveness and queue depth. A store that cannot
// answer makes the instance unavailable; unhealthy sessions only degrade it.
func (api *API) Health(w http.ResponseWriter, r *http.Request) {
	statuses := api.sessions.GetSessionsStatus()
	healthy := 0
	for _, status := range statuses {
		if status.IsHealthy {
			healthy++
		}
	}
	ready, delayed := api.queue.Depth()
	body := map[string]any{
		"status":           "ok",
		"sessions":         len(statuses),
		"healthy_sessions": healthy,
		"queue":            map[string]int{"ready": ready, "delayed": delayed},
	}

	ctx, cancel := context.WithTimeout(r.Context(), healthCheckTimeout)
	defer cancel()
	if _, err := api.queue.Stats(ctx, ""); err != nil {
		body["status"] = "unavailable"
		body["error"] = "queue store unreachable"
		writeJSON(w, http.StatusServiceUnavailable, body)
		return
	}
	if healthy < len(statuses) {
		body["status"] = "degraded"
	}
	writeJSON(w, http.StatusOK, body)
}
