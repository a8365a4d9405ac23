// Package reply matches tenant replies to pending correlation entries and
// finalizes the events they answer.
package reply

import (
	"context"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/correlation"
	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/metrics"
	"github.com/iago/tiprelay/internal/notify"
	"github.com/iago/tiprelay/internal/sink"
)

type Outcome string

const (
	OutcomeIgnored   Outcome = "ignored"
	OutcomeMiss      Outcome = "miss"
	OutcomeConfirmed Outcome = "confirmed"
	OutcomeRejected  Outcome = "rejected"
	OutcomeMalformed Outcome = "malformed"
	OutcomeFailed    Outcome = "failed"
)

// QueueCleaner drops queue items superseded by a direct finalization.
type QueueCleaner interface {
	RemoveByEventID(ctx context.Context, eventID string) ([]string, error)
}

// Inbound is a message received on a tenant's private channel.
type Inbound struct {
	TenantID  string
	ChatID    string
	MessageID string
	ReplyToID string
	Text      string
	Private   bool
}

type Correlator struct {
	cache    correlation.Cache
	sink     sink.Sink
	queue    QueueCleaner
	notifier notify.Notifier
	logger   zerolog.Logger
	now      func() time.Time
}

func NewCorrelator(
	cache correlation.Cache,
	s sink.Sink,
	queue QueueCleaner,
	notifier notify.Notifier,
	logger zerolog.Logger,
) *Correlator {
	return &Correlator{
		cache:    cache,
		sink:     s,
		queue:    queue,
		notifier: notifier,
		logger:   logger.With().Str("component", "correlator").Logger(),
		now:      time.Now,
	}
}

// Handle resolves one inbound message. Only direct replies on the tenant's
// private channel are considered.
func (c *Correlator) Handle(ctx context.Context, in Inbound) (Outcome, error) {
	outcome, err := c.handle(ctx, in)
	metrics.Replies.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (c *Correlator) handle(ctx context.Context, in Inbound) (Outcome, error) {
	if !in.Private || in.ReplyToID == "" {
		return OutcomeIgnored, nil
	}
	key := correlation.NewKey(in.TenantID, in.ReplyToID)
	if !key.Valid() {
		return OutcomeIgnored, nil
	}
	logger := c.logger.With().Str("key", key.String()).Logger()

	entry, found, err := c.cache.Get(ctx, key)
	if err != nil {
		logger.Error().Err(err).Msg("correlation lookup failed")
		c.notifyFailure(ctx, in.TenantID, logger)
		return OutcomeFailed, fmt.Errorf("%w: correlation lookup: %v", domain.ErrTransientIO, err)
	}
	if !found {
		logger.Info().Msg("reply without pending entry")
		return OutcomeMiss, nil
	}

	parsed := ParseReply(in.Text)
	if parsed.Value == nil {
		logger.Info().Str("text", in.Text).Msg("malformed reply")
		if _, err := c.notifier.Notify(ctx, in.TenantID, notify.MalformedText(parsed.Stake)); err != nil {
			logger.Error().Err(err).Msg("send malformed reply notice")
		}
		return OutcomeMalformed, nil
	}

	event := entry.Event.Clone()
	if parsed.Stake != nil {
		event.Stake = *parsed.Stake
	}
	finalizedAt := c.now().UTC()
	event.FinalizedAt = &finalizedAt
	outcome := OutcomeConfirmed
	if parsed.Rejected() {
		outcome = OutcomeRejected
		event.Status = domain.EventStatusRejected
		event.ConfirmedOdds = nil
	} else {
		value := *parsed.Value
		event.Status = domain.EventStatusConfirmed
		event.ConfirmedOdds = &value
	}

	if err := c.finalize(ctx, key, event); err != nil {
		logger.Error().Err(err).Str("event_id", event.ID).Msg("finalize reply")
		c.notifyFailure(ctx, in.TenantID, logger)
		return OutcomeFailed, err
	}

	text := notify.ConfirmedText(event)
	if outcome == OutcomeRejected {
		text = notify.RejectedText(event)
	}
	if _, err := c.notifier.Notify(ctx, in.TenantID, text); err != nil {
		logger.Error().Err(err).Msg("send confirmation")
	}
	logger.Info().Str("event_id", event.ID).Str("outcome", string(outcome)).Msg("reply finalized")
	return outcome, nil
}

// finalize writes the final state, drops the superseded queue item and
// removes the entry. The entry survives any failure so the tenant can reply
// again.
func (c *Correlator) finalize(ctx context.Context, key correlation.Key, event domain.DetectedEvent) error {
	if err := c.sink.Upsert(ctx, event); err != nil {
		return fmt.Errorf("%w: sink upsert: %v", domain.ErrTransientIO, err)
	}
	if c.queue != nil {
		if _, err := c.queue.RemoveByEventID(ctx, event.ID); err != nil {
			return fmt.Errorf("%w: remove queue items: %v", domain.ErrTransientIO, err)
		}
	}
	if err := c.cache.Remove(ctx, key); err != nil {
		return fmt.Errorf("%w: remove correlation entry: %v", domain.ErrTransientIO, err)
	}
	metrics.CorrelationEntries.Dec()
	return nil
}

func (c *Correlator) notifyFailure(ctx context.Context, tenantID string, logger zerolog.Logger) {
	if _, err := c.notifier.Notify(ctx, tenantID, notify.FailureText()); err != nil {
		logger.Error().Err(err).Msg("send failure notice")
	}
}
