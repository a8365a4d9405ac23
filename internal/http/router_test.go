package httpserver

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"

	"github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/http/handlers"
	"github.com/iago/tiprelay/internal/repository"
)

type fakeSessions struct {
	mu        sync.Mutex
	startErr  error
	stopErr   error
	started   []string
	stopped   []string
	restarted []string
	statuses  []domain.SessionStatus
}

func (f *fakeSessions) StartMonitoring(_ context.Context, tenantID, credentialID string) (string, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.startErr != nil {
		return "", f.startErr
	}
	f.started = append(f.started, tenantID+"/"+credentialID)
	return tenantID + ":" + credentialID + ":1", nil
}

func (f *fakeSessions) StopMonitoring(_ context.Context, tenantID, credentialID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.stopped = append(f.stopped, tenantID+"/"+credentialID)
	return f.stopErr
}

func (f *fakeSessions) RequestRestart(_ context.Context, tenantID, credentialID string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.restarted = append(f.restarted, tenantID+"/"+credentialID)
	return nil
}

func (f *fakeSessions) GetSessionsStatus() []domain.SessionStatus {
	f.mu.Lock()
	defer f.mu.Unlock()
	return append([]domain.SessionStatus(nil), f.statuses...)
}

type fakeQueue struct {
	tenant  string
	stats   domain.QueueStats
	err     error
	ready   int
	delayed int
}

func (f *fakeQueue) Stats(_ context.Context, tenantID string) (domain.QueueStats, error) {
	f.tenant = tenantID
	return f.stats, f.err
}

func (f *fakeQueue) Depth() (int, int) { return f.ready, f.delayed }

func newTestRouter(sessions *fakeSessions, queue *fakeQueue) http.Handler {
	return NewRouter(RouterDependencies{
		API:            handlers.NewAPI(sessions, queue),
		Logger:         zerolog.Nop(),
		RateLimitRPS:   1000,
		RateLimitBurst: 1000,
	})
}

func do(t *testing.T, handler http.Handler, method, path string) (*httptest.ResponseRecorder, map[string]any) {
	t.Helper()
	recorder := httptest.NewRecorder()
	handler.ServeHTTP(recorder, httptest.NewRequest(method, path, nil))
	body := map[string]any{}
	if strings.HasPrefix(recorder.Header().Get("Content-Type"), "application/json") {
		require.NoError(t, json.Unmarshal(recorder.Body.Bytes(), &body))
	}
	return recorder, body
}

func TestHealthz(t *testing.T) {
	sessions := &fakeSessions{statuses: []domain.SessionStatus{{TenantID: "t1", IsHealthy: true}}}
	recorder, body := do(t, newTestRouter(sessions, &fakeQueue{ready: 2, delayed: 1}), http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "ok", body["status"])
	assert.EqualValues(t, 1, body["sessions"])
	assert.EqualValues(t, 1, body["healthy_sessions"])
	assert.Equal(t, map[string]any{"ready": float64(2), "delayed": float64(1)}, body["queue"])
	assert.NotEmpty(t, recorder.Header().Get("X-Request-Id"))
}

func TestHealthzDegradedWithUnhealthySession(t *testing.T) {
	sessions := &fakeSessions{statuses: []domain.SessionStatus{
		{TenantID: "t1", IsHealthy: true},
		{TenantID: "t2"},
	}}
	recorder, body := do(t, newTestRouter(sessions, &fakeQueue{}), http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "degraded", body["status"])
	assert.EqualValues(t, 1, body["healthy_sessions"])
}

func TestHealthzUnavailableWhenStoreFails(t *testing.T) {
	queue := &fakeQueue{err: errors.New("connection refused")}
	recorder, body := do(t, newTestRouter(&fakeSessions{}, queue), http.MethodGet, "/healthz")

	assert.Equal(t, http.StatusServiceUnavailable, recorder.Code)
	assert.Equal(t, "unavailable", body["status"])
	assert.Equal(t, "queue store unreachable", body["error"])
}

func TestStartSession(t *testing.T) {
	sessions := &fakeSessions{}
	recorder, body := do(t, newTestRouter(sessions, &fakeQueue{}), http.MethodPost, "/v1/sessions/t1/c1/start")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "t1:c1:1", body["session_id"])
	assert.Equal(t, []string{"t1/c1"}, sessions.started)
}

func TestStartSessionErrorMapping(t *testing.T) {
	cases := []struct {
		err    error
		status int
		code   string
	}{
		{domain.ErrNoTargets, http.StatusUnprocessableEntity, "configuration_error"},
		{fmt.Errorf("start: %w", domain.ErrCapacityExceeded), http.StatusServiceUnavailable, "capacity_exceeded"},
		{fmt.Errorf("tenant: %w", repository.ErrNotFound), http.StatusNotFound, "not_found"},
		{fmt.Errorf("connect: %w", domain.ErrTransientIO), http.StatusBadGateway, "upstream_unavailable"},
		{fmt.Errorf("boom"), http.StatusInternalServerError, "internal_error"},
	}
	for _, tc := range cases {
		sessions := &fakeSessions{startErr: tc.err}
		recorder, body := do(t, newTestRouter(sessions, &fakeQueue{}), http.MethodPost, "/v1/sessions/t1/c1/start")

		assert.Equal(t, tc.status, recorder.Code, tc.err.Error())
		errBody, ok := body["error"].(map[string]any)
		require.True(t, ok)
		assert.Equal(t, tc.code, errBody["code"])
		assert.NotEmpty(t, body["request_id"])
	}
}

func TestStopAndRestartSession(t *testing.T) {
	sessions := &fakeSessions{}
	router := newTestRouter(sessions, &fakeQueue{})

	recorder, body := do(t, router, http.MethodPost, "/v1/sessions/t1/c1/stop")
	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "stopped", body["status"])

	recorder, body = do(t, router, http.MethodPost, "/v1/sessions/t1/c1/restart")
	assert.Equal(t, http.StatusAccepted, recorder.Code)
	assert.Equal(t, "restart_requested", body["status"])

	assert.Equal(t, []string{"t1/c1"}, sessions.stopped)
	assert.Equal(t, []string{"t1/c1"}, sessions.restarted)
}

func TestStartSessionRejectsOversizedIdentifier(t *testing.T) {
	sessions := &fakeSessions{}
	path := "/v1/sessions/" + strings.Repeat("a", 65) + "/c1/start"
	recorder, _ := do(t, newTestRouter(sessions, &fakeQueue{}), http.MethodPost, path)

	assert.Equal(t, http.StatusBadRequest, recorder.Code)
	assert.Empty(t, sessions.started)
}

func TestListSessions(t *testing.T) {
	sessions := &fakeSessions{statuses: []domain.SessionStatus{
		{TenantID: "t1", CredentialID: "c1", SessionID: "s1", IsActive: true, IsHealthy: true},
		{TenantID: "t2", CredentialID: "c2", SessionID: "s2", IsActive: true},
	}}
	recorder, body := do(t, newTestRouter(sessions, &fakeQueue{}), http.MethodGet, "/v1/sessions")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.EqualValues(t, 2, body["count"])
	list, ok := body["sessions"].([]any)
	require.True(t, ok)
	first := list[0].(map[string]any)
	assert.Equal(t, "s1", first["session_id"])
	assert.Equal(t, true, first["is_healthy"])
}

func TestQueueStats(t *testing.T) {
	queue := &fakeQueue{stats: domain.QueueStats{
		domain.QueueStatusPending:   2,
		domain.QueueStatusCompleted: 5,
	}}
	recorder, body := do(t, newTestRouter(&fakeSessions{}, queue), http.MethodGet, "/v1/queue/stats?tenant_id=t1")

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Equal(t, "t1", queue.tenant)
	assert.EqualValues(t, 7, body["total"])
	counts := body["counts"].(map[string]any)
	assert.EqualValues(t, 2, counts[string(domain.QueueStatusPending)])
}

func TestMethodNotAllowed(t *testing.T) {
	recorder, _ := do(t, newTestRouter(&fakeSessions{}, &fakeQueue{}), http.MethodGet, "/v1/sessions/t1/c1/start")
	assert.Equal(t, http.StatusMethodNotAllowed, recorder.Code)
}

func TestMetricsEndpoint(t *testing.T) {
	recorder := httptest.NewRecorder()
	newTestRouter(&fakeSessions{}, &fakeQueue{}).ServeHTTP(recorder, httptest.NewRequest(http.MethodGet, "/metrics", nil))

	assert.Equal(t, http.StatusOK, recorder.Code)
	assert.Contains(t, recorder.Body.String(), "tiprelay_")
}
