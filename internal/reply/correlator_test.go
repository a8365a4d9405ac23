package reply

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/tiprelay/internal/correlation"
	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/sink"
)

type sentNotice struct {
	tenantID string
	text     string
}

type fakeNotifier struct {
	mu   sync.Mutex
	sent []sentNotice
}

func (n *fakeNotifier) Notify(_ context.Context, tenantID, text string) (string, error) {
	n.mu.Lock()
	defer n.mu.Unlock()
	n.sent = append(n.sent, sentNotice{tenantID: tenantID, text: text})
	return "notice", nil
}

func (n *fakeNotifier) last() string {
	n.mu.Lock()
	defer n.mu.Unlock()
	if len(n.sent) == 0 {
		return ""
	}
	return n.sent[len(n.sent)-1].text
}

type fakeQueue struct {
	removed []string
	err     error
}

func (q *fakeQueue) RemoveByEventID(_ context.Context, eventID string) ([]string, error) {
	if q.err != nil {
		return nil, q.err
	}
	q.removed = append(q.removed, eventID)
	return []string{"item-" + eventID}, nil
}

type brokenSink struct{}

func (brokenSink) Upsert(context.Context, domain.DetectedEvent) error {
	return errors.New("sheet unavailable")
}

type correlatorFixture struct {
	cache    *correlation.MemoryCache
	sink     *sink.MemorySink
	queue    *fakeQueue
	notifier *fakeNotifier
	c        *Correlator
	key      correlation.Key
}

func newCorrelatorFixture(t *testing.T) *correlatorFixture {
	t.Helper()
	f := &correlatorFixture{
		cache:    correlation.NewMemoryCache(),
		sink:     sink.NewMemorySink(),
		queue:    &fakeQueue{},
		notifier: &fakeNotifier{},
		key:      correlation.NewKey("t1", "notice-1"),
	}
	f.c = NewCorrelator(f.cache, f.sink, f.queue, f.notifier, zerolog.Nop())
	require.NoError(t, f.cache.Save(context.Background(), correlation.Entry{
		Key: f.key,
		Event: domain.DetectedEvent{
			ID: "evt-1", TenantID: "t1", Match: "Team A vs Team B", Selection: "Team A +1.5",
			Odds: 1.85, Stake: 1, Status: domain.EventStatusPending,
		},
		QueueItemID: "item-1",
		CreatedAt:   time.Now(),
	}))
	return f
}

func reply(text string) Inbound {
	return Inbound{TenantID: "t1", ChatID: "dm-1", MessageID: "r1", ReplyToID: "notice-1", Text: text, Private: true}
}

func TestConfirmedReplyFinalizesAndRemovesEntry(t *testing.T) {
	f := newCorrelatorFixture(t)
	ctx := context.Background()

	outcome, err := f.c.Handle(ctx, reply("1.90"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)

	event, ok := f.sink.Get("evt-1")
	require.True(t, ok)
	assert.Equal(t, domain.EventStatusConfirmed, event.Status)
	require.NotNil(t, event.ConfirmedOdds)
	assert.InDelta(t, 1.90, *event.ConfirmedOdds, 1e-9)
	require.NotNil(t, event.FinalizedAt)

	_, found, err := f.cache.Get(ctx, f.key)
	require.NoError(t, err)
	assert.False(t, found)
	assert.Equal(t, []string{"evt-1"}, f.queue.removed)
	assert.Contains(t, f.notifier.last(), "Confirmed")
}

func TestZeroReplyRejects(t *testing.T) {
	f := newCorrelatorFixture(t)

	outcome, err := f.c.Handle(context.Background(), reply("0"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeRejected, outcome)

	event, ok := f.sink.Get("evt-1")
	require.True(t, ok)
	assert.Equal(t, domain.EventStatusRejected, event.Status)
	assert.Nil(t, event.ConfirmedOdds)
	assert.Zero(t, f.cache.Len())
	assert.Contains(t, f.notifier.last(), "not taken")
}

func TestStakeOverridesEventStake(t *testing.T) {
	f := newCorrelatorFixture(t)

	_, err := f.c.Handle(context.Background(), reply("stake 2 1.95"))
	require.NoError(t, err)

	event, ok := f.sink.Get("evt-1")
	require.True(t, ok)
	assert.InDelta(t, 2, event.Stake, 1e-9)
	assert.InDelta(t, 1.95, *event.ConfirmedOdds, 1e-9)
}

func TestMalformedReplyKeepsEntry(t *testing.T) {
	f := newCorrelatorFixture(t)

	outcome, err := f.c.Handle(context.Background(), reply("abc"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, outcome)
	assert.Equal(t, 1, f.cache.Len())
	assert.Zero(t, f.sink.Len())
	require.Len(t, f.notifier.sent, 1)
	assert.Equal(t, "t1", f.notifier.sent[0].tenantID)

	outcome, err = f.c.Handle(context.Background(), reply("1.90"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeConfirmed, outcome)
}

func TestMalformedReplyEchoesStake(t *testing.T) {
	f := newCorrelatorFixture(t)

	outcome, err := f.c.Handle(context.Background(), reply("stake 3"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeMalformed, outcome)
	assert.Contains(t, f.notifier.last(), "3")

	entry, found, err := f.cache.Get(context.Background(), f.key)
	require.NoError(t, err)
	require.True(t, found)
	assert.InDelta(t, 1, entry.Event.Stake, 1e-9)
}

func TestMissHasNoSideEffects(t *testing.T) {
	f := newCorrelatorFixture(t)
	in := reply("1.90")
	in.ReplyToID = "unknown"

	outcome, err := f.c.Handle(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeMiss, outcome)
	assert.Empty(t, f.notifier.sent)
	assert.Zero(t, f.sink.Len())
	assert.Equal(t, 1, f.cache.Len())
}

func TestGroupChatRepliesAreIgnored(t *testing.T) {
	f := newCorrelatorFixture(t)
	in := reply("1.90")
	in.Private = false

	outcome, err := f.c.Handle(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
	assert.Equal(t, 1, f.cache.Len())

	in = reply("1.90")
	in.ReplyToID = ""
	outcome, err = f.c.Handle(context.Background(), in)
	require.NoError(t, err)
	assert.Equal(t, OutcomeIgnored, outcome)
}

func TestFinalizeFailureKeepsEntryAndNotifies(t *testing.T) {
	f := newCorrelatorFixture(t)
	f.c = NewCorrelator(f.cache, brokenSink{}, f.queue, f.notifier, zerolog.Nop())

	outcome, err := f.c.Handle(context.Background(), reply("1.90"))
	assert.Equal(t, OutcomeFailed, outcome)
	assert.ErrorIs(t, err, domain.ErrTransientIO)
	assert.Equal(t, 1, f.cache.Len())
	assert.Empty(t, f.queue.removed)
	assert.Contains(t, f.notifier.last(), "went wrong")
}
