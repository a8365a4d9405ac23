package session

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/tiprelay/internal/dispatch"
	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/transport"
	"github.com/iago/tiprelay/internal/transport/transporttest"
)

type recordingDispatcher struct {
	mu   sync.Mutex
	seen []string
	fail map[string]bool
}

func (d *recordingDispatcher) Dispatch(_ context.Context, origin dispatch.Origin, msg transport.Message) (dispatch.Outcome, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.seen = append(d.seen, origin.SessionID+"/"+msg.ID)
	if d.fail[msg.ID] {
		return dispatch.OutcomeError, errors.New("boom")
	}
	return dispatch.OutcomeDetected, nil
}

func (d *recordingDispatcher) count() int {
	d.mu.Lock()
	defer d.mu.Unlock()
	return len(d.seen)
}

type channelEmitter chan domain.LifecycleEvent

func (c channelEmitter) Emit(event domain.LifecycleEvent) { c <- event }

func newSession(t *testing.T, client *transporttest.Client, d Dispatcher, events domain.LifecycleEmitter) *Session {
	t.Helper()
	s, err := New(Config{
		TenantID:     "t1",
		CredentialID: "c1",
		Targets:      []string{"group-b", "group-a"},
		Client:       client,
		Dispatcher:   d,
		Events:       events,
	}, zerolog.Nop())
	require.NoError(t, err)
	return s
}

func TestNewRejectsEmptyTargets(t *testing.T) {
	_, err := New(Config{
		TenantID:   "t1",
		Targets:    []string{""},
		Client:     transporttest.NewClient(),
		Dispatcher: &recordingDispatcher{},
	}, zerolog.Nop())
	assert.ErrorIs(t, err, domain.ErrNoTargets)
	assert.ErrorIs(t, err, domain.ErrConfiguration)
}

func TestSessionDispatchesInOrderAndCounts(t *testing.T) {
	client := transporttest.NewClient()
	d := &recordingDispatcher{fail: map[string]bool{"m2": true}}
	s := newSession(t, client, d, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.True(t, s.Connected())
	assert.Equal(t, []string{"group-a", "group-b"}, s.Targets())

	for _, id := range []string{"m1", "m2", "m3"} {
		client.Deliver(transport.Message{ID: id, ChatID: "group-a"})
	}
	require.Eventually(t, func() bool { return d.count() == 3 }, time.Second, 5*time.Millisecond)

	d.mu.Lock()
	assert.Equal(t, []string{s.ID() + "/m1", s.ID() + "/m2", s.ID() + "/m3"}, d.seen)
	d.mu.Unlock()
	assert.EqualValues(t, 3, s.Processed())
	assert.EqualValues(t, 1, s.Errors())

	require.NoError(t, s.Stop(ctx))
}

func TestStopUnsubscribesAndDisconnects(t *testing.T) {
	client := transporttest.NewClient()
	s := newSession(t, client, &recordingDispatcher{}, nil)
	ctx := context.Background()

	require.NoError(t, s.Start(ctx))
	assert.Equal(t, 1, client.Subscribers())

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, s.Stop(stopCtx))
	require.NoError(t, s.Stop(stopCtx))

	assert.Zero(t, client.Subscribers())
	assert.False(t, client.Connected())
	assert.Equal(t, 1, client.Disconnects())
	assert.False(t, s.Connected())
}

func TestFatalErrorEmitsSessionError(t *testing.T) {
	client := transporttest.NewClient()
	events := make(channelEmitter, 1)
	s := newSession(t, client, &recordingDispatcher{}, events)

	require.NoError(t, s.Start(context.Background()))
	client.Fail(errors.New("token revoked"))

	select {
	case event := <-events:
		assert.Equal(t, domain.LifecycleSessionError, event.Type)
		assert.True(t, event.Fatal)
		assert.Equal(t, s.ID(), event.SessionID)
		assert.Contains(t, event.Error, "token revoked")
	case <-time.After(time.Second):
		t.Fatal("expected a session error event")
	}
	assert.EqualValues(t, 1, s.Errors())
	require.NoError(t, s.Stop(context.Background()))
}

func TestHealthFollowsLiveness(t *testing.T) {
	client := transporttest.NewClient()
	s := newSession(t, client, &recordingDispatcher{}, nil)
	require.NoError(t, s.Start(context.Background()))
	defer func() { _ = s.Stop(context.Background()) }()

	now := time.Now()
	s.Touch(now)
	assert.True(t, s.Healthy(now.Add(4*time.Minute), 5*time.Minute))
	assert.False(t, s.Healthy(now.Add(6*time.Minute), 5*time.Minute))

	client.Drop()
	assert.False(t, s.Healthy(now, 5*time.Minute))

	status := s.Status(now, 5*time.Minute)
	assert.Equal(t, "t1", status.TenantID)
	assert.True(t, status.IsActive)
	assert.False(t, status.IsHealthy)
}

func TestStartReturnsConnectError(t *testing.T) {
	client := transporttest.NewClient()
	client.ConnectErr = errors.New("bad token")
	s := newSession(t, client, &recordingDispatcher{}, nil)

	err := s.Start(context.Background())
	require.Error(t, err)
	assert.False(t, s.Connected())
	assert.NoError(t, s.Stop(context.Background()))
}
