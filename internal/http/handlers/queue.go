package handlers

import "net/http"

// QueueStats reports item counts by status. tenant_id narrows the counts to
// one tenant.
func (api *API) QueueStats(w http.ResponseWriter, r *http.Request) {
	tenantID := r.URL.Query().Get("tenant_id")
	if tenantID != "" && !validIdentifier(tenantID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "tenant_id is invalid")
		return
	}
	stats, err := api.queue.Stats(r.Context(), tenantID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	total := 0
	for _, count := range stats {
		total += count
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id": tenantID,
		"counts":    stats,
		"total":     total,
	})
}
