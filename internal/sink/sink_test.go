package sink

import (
	"context"
	"errors"
	"path/filepath"
	"testing"
	"time"

	"github.com/rs/zerolog"
	gobreaker "github.com/sony/gobreaker/v2"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/tiprelay/internal/domain"
)

func sampleEvent() domain.DetectedEvent {
	return domain.DetectedEvent{
		ID:              "evt-1",
		TenantID:        "t1",
		Match:           "Team A vs Team B",
		Selection:       "Team A +1.5",
		Odds:            1.85,
		Stake:           1,
		SourceChatID:    "chat-1",
		SourceMessageID: "m1",
		Status:          domain.EventStatusPending,
		DetectedAt:      time.Date(2026, 1, 2, 3, 4, 5, 0, time.UTC),
	}
}

func TestMemorySinkUpsertIsIdempotent(t *testing.T) {
	s := NewMemorySink()
	ctx := context.Background()
	event := sampleEvent()

	require.NoError(t, s.Upsert(ctx, event))
	event.Status = domain.EventStatusConfirmed
	require.NoError(t, s.Upsert(ctx, event))

	assert.Equal(t, 1, s.Len())
	assert.Equal(t, 2, s.Writes())
	got, ok := s.Get("evt-1")
	require.True(t, ok)
	assert.Equal(t, domain.EventStatusConfirmed, got.Status)
}

func TestGormSinkUpsertUpdatesExistingRow(t *testing.T) {
	s, err := NewGormSink("sqlite", filepath.Join(t.TempDir(), "tips.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })
	ctx := context.Background()

	event := sampleEvent()
	require.NoError(t, s.Upsert(ctx, event))

	odds := 1.9
	finalized := event.DetectedAt.Add(time.Minute)
	event.Status = domain.EventStatusConfirmed
	event.ConfirmedOdds = &odds
	event.FinalizedAt = &finalized
	require.NoError(t, s.Upsert(ctx, event))

	count, err := s.Count(ctx)
	require.NoError(t, err)
	assert.EqualValues(t, 1, count)

	got, err := s.Get(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, domain.EventStatusConfirmed, got.Status)
	require.NotNil(t, got.ConfirmedOdds)
	assert.InDelta(t, 1.9, *got.ConfirmedOdds, 0.0001)
	require.NotNil(t, got.FinalizedAt)
}

func TestGormSinkRejectsMissingID(t *testing.T) {
	s, err := NewGormSink("sqlite", filepath.Join(t.TempDir(), "tips.db"))
	require.NoError(t, err)
	t.Cleanup(func() { _ = s.Close() })

	event := sampleEvent()
	event.ID = ""
	assert.Error(t, s.Upsert(context.Background(), event))
}

func TestOpenGormUnsupportedDriver(t *testing.T) {
	_, err := OpenGorm("oracle", "x")
	assert.ErrorIs(t, err, ErrUnsupportedDriver)
}

type failingSink struct{ calls int }

func (f *failingSink) Upsert(context.Context, domain.DetectedEvent) error {
	f.calls++
	return errors.New("down")
}

func TestBreakerSinkOpensAfterFailures(t *testing.T) {
	next := &failingSink{}
	s := NewBreakerSink(next, BreakerConfig{
		Name:         "sink-test",
		MinRequests:  3,
		FailureRatio: 0.5,
		Timeout:      time.Hour,
	}, zerolog.Nop())
	ctx := context.Background()

	for i := 0; i < 3; i++ {
		assert.Error(t, s.Upsert(ctx, sampleEvent()))
	}
	assert.Equal(t, gobreaker.StateOpen, s.State())

	err := s.Upsert(ctx, sampleEvent())
	assert.ErrorIs(t, err, gobreaker.ErrOpenState)
	assert.Equal(t, 3, next.calls)
}

func TestBreakerSinkPassesThrough(t *testing.T) {
	next := NewMemorySink()
	s := NewBreakerSink(next, BreakerConfig{Name: "sink-pass"}, zerolog.Nop())

	require.NoError(t, s.Upsert(context.Background(), sampleEvent()))
	assert.Equal(t, 1, next.Len())
	assert.Equal(t, gobreaker.StateClosed, s.State())
}
