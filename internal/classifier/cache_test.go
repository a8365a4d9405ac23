package classifier

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/tiprelay/internal/domain"
)

func countingClassifier(calls *atomic.Int32, event *domain.DetectedEvent, err error) Func {
	return func(context.Context, Input) (*domain.DetectedEvent, error) {
		calls.Add(1)
		return event, err
	}
}

func TestCachedReusesVerdictForEquivalentText(t *testing.T) {
	var calls atomic.Int32
	cached := NewCached(countingClassifier(&calls, &domain.DetectedEvent{Match: "A vs B", Odds: 1.9}, nil), CacheConfig{})

	first, err := cached.Classify(context.Background(), Input{Text: "A vs B  @ 1.90"})
	require.NoError(t, err)
	first.Odds = 99

	second, err := cached.Classify(context.Background(), Input{Text: "a VS b @ 1.90"})
	require.NoError(t, err)

	assert.Equal(t, int32(1), calls.Load())
	assert.Equal(t, 1.9, second.Odds)
}

func TestCachedRemembersNegativeVerdicts(t *testing.T) {
	var calls atomic.Int32
	cached := NewCached(countingClassifier(&calls, nil, nil), CacheConfig{})

	for i := 0; i < 3; i++ {
		event, err := cached.Classify(context.Background(), Input{Text: "good morning"})
		require.NoError(t, err)
		assert.Nil(t, event)
	}
	assert.Equal(t, int32(1), calls.Load())
}

func TestCachedDoesNotCacheErrors(t *testing.T) {
	var calls atomic.Int32
	cached := NewCached(countingClassifier(&calls, nil, errors.New("upstream down")), CacheConfig{})

	_, err := cached.Classify(context.Background(), Input{Text: "x"})
	require.Error(t, err)
	_, err = cached.Classify(context.Background(), Input{Text: "x"})
	require.Error(t, err)
	assert.Equal(t, int32(2), calls.Load())
	assert.Zero(t, cached.Len())
}

func TestCachedExpiresAndEvicts(t *testing.T) {
	var calls atomic.Int32
	cached := NewCached(countingClassifier(&calls, nil, nil), CacheConfig{TTL: time.Minute, MaxEntries: 2})
	now := time.Date(2024, 5, 1, 12, 0, 0, 0, time.UTC)
	cached.now = func() time.Time { return now }

	_, _ = cached.Classify(context.Background(), Input{Text: "one"})
	now = now.Add(time.Second)
	_, _ = cached.Classify(context.Background(), Input{Text: "two"})
	now = now.Add(time.Second)
	_, _ = cached.Classify(context.Background(), Input{Text: "three"})
	assert.Equal(t, 2, cached.Len())

	now = now.Add(2 * time.Minute)
	_, _ = cached.Classify(context.Background(), Input{Text: "three"})
	assert.Equal(t, int32(4), calls.Load())
}

func TestSignatureSeparatesMedia(t *testing.T) {
	assert.NotEqual(t,
		Signature(Input{Text: "tip", Media: []byte{1, 2}}),
		Signature(Input{Text: "tip", Media: []byte{1, 3}}),
	)
	assert.Equal(t, Signature(Input{Text: " Tip  now "}), Signature(Input{Text: "tip now"}))
}

func TestRedactMasksContactDetailsButKeepsOdds(t *testing.T) {
	text := "Team A vs Team B, line +1.5, odd 1.85 stake 2. Pix: joe@mail.com or +55 11 98765-4321, card 4111 1111 1111 1234, cpf 123.456.789-09"
	masked := Redact(text)

	assert.Contains(t, masked, "line +1.5, odd 1.85 stake 2")
	assert.Contains(t, masked, "[email_redacted]")
	assert.Contains(t, masked, "[phone_redacted]")
	assert.Contains(t, masked, "**** **** **** 1234")
	assert.Contains(t, masked, "***.***.***-**")
	assert.NotContains(t, masked, "joe@mail.com")
	assert.NotContains(t, masked, "98765")
}
