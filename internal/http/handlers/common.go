package handlers

import (
	"context"
	"errors"
	"net/http"
	"strings"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/http/middleware"
	"github.com/iago/tiprelay/internal/repository"
)

// Sessions is the orchestrator surface the API drives.
type Sessions interface {
	StartMonitoring(ctx context.Context, tenantID, credentialID string) (string, error)
	StopMonitoring(ctx context.Context, tenantID, credentialID string) error
	RequestRestart(ctx context.Context, tenantID, credentialID string) error
	GetSessionsStatus() []domain.SessionStatus
}

type QueueStats interface {
	Stats(ctx context.Context, tenantID string) (domain.QueueStats, error)
	Depth() (ready, delayed int)
}

type API struct {
	sessions Sessions
	queue    QueueStats
}

func NewAPI(sessions Sessions, queue QueueStats) *API {
	return &API{sessions: sessions, queue: queue}
}

type errorPayload struct {
	Error struct {
		Code    string `json:"code"`
		Message string `json:"message"`
	} `json:"error"`
	RequestID string `json:"request_id"`
}

func writeJSON(w http.ResponseWriter, statusCode int, value any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	_ = json.NewEncoder(w).Encode(value)
}

func writeError(w http.ResponseWriter, r *http.Request, statusCode int, code, message string) {
	payload := errorPayload{RequestID: middleware.GetRequestID(r.Context())}
	payload.Error.Code = code
	payload.Error.Message = message
	writeJSON(w, statusCode, payload)
}

// writeDomainError maps engine errors onto HTTP statuses.
func writeDomainError(w http.ResponseWriter, r *http.Request, err error) {
	switch {
	case errors.Is(err, domain.ErrConfiguration):
		writeError(w, r, http.StatusUnprocessableEntity, "configuration_error", err.Error())
	case errors.Is(err, domain.ErrCapacityExceeded):
		w.Header().Set("Retry-After", "30")
		writeError(w, r, http.StatusServiceUnavailable, "capacity_exceeded", err.Error())
	case errors.Is(err, repository.ErrNotFound):
		writeError(w, r, http.StatusNotFound, "not_found", err.Error())
	case errors.Is(err, domain.ErrTransientIO):
		writeError(w, r, http.StatusBadGateway, "upstream_unavailable", err.Error())
	case errors.Is(err, context.DeadlineExceeded):
		writeError(w, r, http.StatusGatewayTimeout, "timeout", "operation timed out")
	default:
		zerolog.Ctx(r.Context()).Error().Err(err).Str("path", r.URL.Path).Msg("request failed")
		writeError(w, r, http.StatusInternalServerError, "internal_error", "unexpected error")
	}
}

func validIdentifier(value string) bool {
	trimmed := strings.TrimSpace(value)
	return trimmed != "" && trimmed == value && len(value) <= 64
}
