package app

import (
	"context"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/tiprelay/internal/classifier"
	"github.com/iago/tiprelay/internal/config"
	"github.com/iago/tiprelay/internal/correlation"
	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/reply"
	"github.com/iago/tiprelay/internal/repository"
	"github.com/iago/tiprelay/internal/sink"
	"github.com/iago/tiprelay/internal/supervisor"
	"github.com/iago/tiprelay/internal/transport"
	"github.com/iago/tiprelay/internal/transport/transporttest"
)

type recordingNotifier struct {
	mu   sync.Mutex
	sent []string
}

func (n *recordingNotifier) Notify(_ context.Context, _ string, text string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, text)
	return "note-" + string(rune('0'+len(n.sent))), nil
}

func (n *recordingNotifier) texts() []string {
	n.mu.Lock()
	defer n.mu.Unlock()
	return append([]string(nil), n.sent...)
}

type fixture struct {
	app      *App
	store    *repository.MemoryStore
	cache    *correlation.MemoryCache
	sink     *sink.MemorySink
	factory  *transporttest.Factory
	notifier *recordingNotifier
	replies  *reply.ChannelSource
}

func newFixture(t *testing.T) fixture {
	t.Helper()
	store := repository.NewMemoryStore()
	store.PutTenant(domain.Tenant{ID: "t1", Name: "Tenant One", PrivateChatID: "dm-1"})
	store.PutCredential(domain.Credential{
		ID:       "c1",
		TenantID: "t1",
		Token:    "token",
		Targets:  []string{"group-1"},
		Active:   true,
	})

	f := fixture{
		store:    store,
		cache:    correlation.NewMemoryCache(),
		sink:     sink.NewMemorySink(),
		factory:  transporttest.NewFactory(),
		notifier: &recordingNotifier{},
		replies:  reply.NewChannelSource(),
	}
	cfg := config.Defaults()
	cfg.HTTP.Addr = ""
	cfg.ShutdownTimeout = 2 * time.Second

	engine, err := New(cfg, Dependencies{
		Store:      store,
		Cache:      f.cache,
		Sink:       f.sink,
		Classifier: classifier.RuleClassifier{},
		Factory:    f.factory,
		Notifier:   f.notifier,
		Replies:    f.replies,
	}, zerolog.Nop())
	require.NoError(t, err)
	f.app = engine
	return f
}

func TestNewRejectsMissingDependencies(t *testing.T) {
	_, err := New(config.Defaults(), Dependencies{Store: repository.NewMemoryStore()}, zerolog.Nop())
	require.ErrorIs(t, err, domain.ErrConfiguration)
	assert.True(t, IsConfigurationError(err))
}

func TestDetectNotifyAndConfirmThroughTheWholePipeline(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	recorder := httptest.NewRecorder()
	f.app.Router.ServeHTTP(recorder, httptest.NewRequest(http.MethodPost, "/v1/sessions/t1/c1/start", nil))
	require.Equal(t, http.StatusOK, recorder.Code, recorder.Body.String())

	client := f.factory.Last("c1")
	require.NotNil(t, client)
	client.Deliver(transport.Message{
		ID:       "m-1",
		ChatID:   "group-1",
		SenderID: "tipster",
		Text:     "Team A vs Team B, line +1.5, odd 1.85",
		SentAt:   time.Now(),
	})
	client.Deliver(transport.Message{
		ID:       "m-2",
		ChatID:   "group-1",
		SenderID: "tipster",
		Text:     "good morning everyone",
		SentAt:   time.Now(),
	})

	require.Eventually(t, func() bool {
		ready, _ := f.app.Queue.Depth()
		return ready == 1
	}, 2*time.Second, 10*time.Millisecond)

	require.True(t, f.app.Processor.Drain(ctx))

	require.Equal(t, 1, f.sink.Len())
	require.Equal(t, 1, f.cache.Len())
	notices := f.notifier.texts()
	require.Len(t, notices, 1)
	assert.Contains(t, notices[0], "Team A vs Team B")

	stats, err := f.app.Queue.Stats(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.QueueStatusCompleted])

	tenant, err := f.store.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 1, tenant.UsageCount)

	require.NoError(t, f.replies.Publish(ctx, transport.Message{
		ID:        "r-1",
		ChatID:    "dm-1",
		SenderID:  "tenant-owner",
		Text:      "1.90",
		ReplyToID: "note-1",
		Private:   true,
	}))
	handled, err := f.app.Intake.Poll(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, handled)

	assert.Zero(t, f.cache.Len())
	var confirmed domain.DetectedEvent
	for _, id := range f.sink.IDs() {
		confirmed, _ = f.sink.Get(id)
	}
	assert.Equal(t, domain.EventStatusConfirmed, confirmed.Status)
	require.NotNil(t, confirmed.ConfirmedOdds)
	assert.Equal(t, 1.90, *confirmed.ConfirmedOdds)

	notices = f.notifier.texts()
	require.Len(t, notices, 2)
	assert.True(t, strings.HasPrefix(notices[1], "Confirmed"), notices[1])
}

func TestRunRecoversAndStopsSessionsOnShutdown(t *testing.T) {
	f := newFixture(t)
	ctx := context.Background()

	require.NoError(t, f.store.SaveSession(ctx, &domain.SessionRecord{
		ID:            "t1:c1:1",
		TenantID:      "t1",
		CredentialID:  "c1",
		IsActive:      true,
		LastHeartbeat: time.Now(),
		CreatedAt:     time.Now(),
		UpdatedAt:     time.Now(),
	}))

	runCtx, cancel := context.WithCancel(ctx)
	done := make(chan error, 1)
	go func() {
		done <- f.app.Run(runCtx, supervisor.NewTree(zerolog.Nop(), supervisor.TreeConfig{ShutdownTimeout: time.Second}))
	}()

	require.Eventually(t, func() bool {
		return len(f.app.Manager.GetSessionsStatus()) == 1
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		require.NoError(t, err)
	case <-time.After(5 * time.Second):
		t.Fatal("run did not return after cancel")
	}

	assert.Empty(t, f.app.Manager.GetSessionsStatus())
	client := f.factory.Last("c1")
	require.NotNil(t, client)
	assert.False(t, client.Connected())
}
