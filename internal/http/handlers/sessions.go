package handlers

import (
	"net/http"

	"github.com/go-chi/chi/v5"
)

type sessionsResponse struct {
	Sessions any `json:"sessions"`
	Count    int `json:"count"`
}

func (api *API) ListSessions(w http.ResponseWriter, r *http.Request) {
	statuses := api.sessions.GetSessionsStatus()
	writeJSON(w, http.StatusOK, sessionsResponse{Sessions: statuses, Count: len(statuses)})
}

func (api *API) StartSession(w http.ResponseWriter, r *http.Request) {
	tenantID, credentialID, ok := pairParams(w, r)
	if !ok {
		return
	}
	sessionID, err := api.sessions.StartMonitoring(r.Context(), tenantID, credentialID)
	if err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{
		"tenant_id":     tenantID,
		"credential_id": credentialID,
		"session_id":    sessionID,
	})
}

func (api *API) StopSession(w http.ResponseWriter, r *http.Request) {
	tenantID, credentialID, ok := pairParams(w, r)
	if !ok {
		return
	}
	if err := api.sessions.StopMonitoring(r.Context(), tenantID, credentialID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"status": "stopped"})
}

// RestartSession files a restart request; the restart sweep executes it.
func (api *API) RestartSession(w http.ResponseWriter, r *http.Request) {
	tenantID, credentialID, ok := pairParams(w, r)
	if !ok {
		return
	}
	if err := api.sessions.RequestRestart(r.Context(), tenantID, credentialID); err != nil {
		writeDomainError(w, r, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]any{"status": "restart_requested"})
}

func pairParams(w http.ResponseWriter, r *http.Request) (string, string, bool) {
	tenantID := chi.URLParam(r, "tenantID")
	credentialID := chi.URLParam(r, "credentialID")
	if !validIdentifier(tenantID) || !validIdentifier(credentialID) {
		writeError(w, r, http.StatusBadRequest, "invalid_request", "tenant_id and credential_id are required")
		return "", "", false
	}
	return tenantID, credentialID, true
}
