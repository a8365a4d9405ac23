// Package worker drains the queue and purges finished rows.
package worker

import (
	"context"
	"errors"
	"fmt"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/correlation"
	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/metrics"
	"github.com/iago/tiprelay/internal/notify"
	"github.com/iago/tiprelay/internal/queue"
	"github.com/iago/tiprelay/internal/repository"
	"github.com/iago/tiprelay/internal/sink"
)

const (
	DefaultDrainInterval = 5 * time.Second
	DefaultBackoffStep   = 30 * time.Second
)

// errSuperseded means the item row disappeared mid-attempt, which happens when
// a reply finalizes the event first.
var errSuperseded = errors.New("queue item superseded")

type ProcessorConfig struct {
	DrainInterval time.Duration
	BackoffStep   time.Duration
	Now           func() time.Time
}

// Processor is the single consumer of the queue. Each tick pops at most one
// ready item; overlapping ticks are skipped.
type Processor struct {
	queue    *queue.Queue
	sink     sink.Sink
	tenants  repository.TenantRepository
	notifier notify.Notifier
	cache    correlation.Cache
	events   domain.LifecycleEmitter
	logger   zerolog.Logger

	interval time.Duration
	backoff  time.Duration
	now      func() time.Time
	draining atomic.Bool

	// unsaved holds items whose effect ran but whose COMPLETED write did not
	// land. Only the draining goroutine touches it.
	unsaved []*domain.QueueItem
}

func NewProcessor(
	q *queue.Queue,
	s sink.Sink,
	tenants repository.TenantRepository,
	notifier notify.Notifier,
	cache correlation.Cache,
	events domain.LifecycleEmitter,
	cfg ProcessorConfig,
	logger zerolog.Logger,
) *Processor {
	if cfg.DrainInterval <= 0 {
		cfg.DrainInterval = DefaultDrainInterval
	}
	if cfg.BackoffStep <= 0 {
		cfg.BackoffStep = DefaultBackoffStep
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if events == nil {
		events = domain.NopEmitter{}
	}
	return &Processor{
		queue:    q,
		sink:     s,
		tenants:  tenants,
		notifier: notifier,
		cache:    cache,
		events:   events,
		logger:   logger.With().Str("component", "processor").Logger(),
		interval: cfg.DrainInterval,
		backoff:  cfg.BackoffStep,
		now:      cfg.Now,
	}
}

// Serve reloads unfinished items and drains on a fixed interval until ctx is
// cancelled.
func (p *Processor) Serve(ctx context.Context) error {
	loaded, err := p.queue.Load(ctx)
	if err != nil {
		return fmt.Errorf("load queue: %w", err)
	}
	p.logger.Info().Int("items", loaded).Dur("interval", p.interval).Msg("queue processor started")

	ticker := time.NewTicker(p.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			p.Drain(ctx)
		}
	}
}

// Drain processes at most one item. It reports false when another drain was
// already running or nothing was ready.
func (p *Processor) Drain(ctx context.Context) bool {
	if !p.draining.CompareAndSwap(false, true) {
		return false
	}
	defer p.draining.Store(false)

	p.flushCompleted(ctx)
	item, ok := p.queue.Next(p.now())
	if !ok {
		return false
	}
	p.process(ctx, item)
	return true
}

func (p *Processor) process(ctx context.Context, item *domain.QueueItem) {
	started := time.Now()
	defer func() { metrics.ProcessDuration.Observe(time.Since(started).Seconds()) }()

	logger := p.logger.With().
		Str("item_id", item.ID).
		Str("tenant_id", item.TenantID).
		Str("event_id", item.Payload.Event.ID).
		Logger()

	if item.Attempts >= item.MaxAttempts {
		p.fail(ctx, item, queue.ErrInterrupted, logger)
		return
	}

	item.Status = domain.QueueStatusProcessing
	item.Attempts++
	if err := p.queue.Save(ctx, item); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			logger.Info().Msg("queue item superseded before processing")
			return
		}
		// The attempt never started; put the item back untouched.
		item.Attempts--
		item.Status = domain.QueueStatusPending
		p.queue.Requeue(item)
		logger.Error().Err(err).Msg("mark queue item processing")
		return
	}

	if err := p.execute(ctx, item, logger); err != nil {
		if errors.Is(err, errSuperseded) {
			logger.Info().Msg("queue item superseded during processing")
			return
		}
		p.fail(ctx, item, err, logger)
		return
	}
	p.complete(ctx, item, logger)
}

func (p *Processor) complete(ctx context.Context, item *domain.QueueItem, logger zerolog.Logger) {
	completedAt := p.now().UTC()
	item.Status = domain.QueueStatusCompleted
	item.CompletedAt = &completedAt
	item.NotBefore = nil
	item.ErrorMessage = ""
	if err := p.queue.Save(ctx, item); err != nil && !errors.Is(err, repository.ErrNotFound) {
		p.unsaved = append(p.unsaved, item)
		logger.Error().Err(err).Msg("mark queue item completed; will retry")
		return
	}
	logger.Info().Int("attempts", item.Attempts).Msg("queue item completed")
}

// flushCompleted retries COMPLETED writes that failed on an earlier tick.
func (p *Processor) flushCompleted(ctx context.Context) {
	if len(p.unsaved) == 0 {
		return
	}
	pending := p.unsaved
	p.unsaved = nil
	for _, item := range pending {
		logger := p.logger.With().Str("item_id", item.ID).Logger()
		p.complete(ctx, item, logger)
	}
}

// execute applies the business effect: sink upsert, tenant notification,
// correlation entry and usage counter. The sink write is keyed by the event
// id; the notice and the usage increment are recorded on the item so a retry
// after a partial run skips them.
func (p *Processor) execute(ctx context.Context, item *domain.QueueItem, logger zerolog.Logger) error {
	event := item.Payload.Event
	if err := p.sink.Upsert(ctx, event); err != nil {
		return fmt.Errorf("%w: sink upsert: %v", domain.ErrTransientIO, err)
	}

	if item.NotificationID == "" {
		messageID, err := p.notifier.Notify(ctx, item.TenantID, notify.EventText(event))
		if err != nil {
			return fmt.Errorf("%w: notify tenant: %v", domain.ErrTransientIO, err)
		}
		if messageID == "" {
			return fmt.Errorf("%w: notifier returned empty message id", domain.ErrTransientIO)
		}
		item.NotificationID = messageID
		if err := p.checkpoint(ctx, item, logger); err != nil {
			return err
		}
	}

	key := correlation.NewKey(item.TenantID, item.NotificationID)
	_, found, err := p.cache.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("%w: read correlation entry: %v", domain.ErrTransientIO, err)
	}
	if !found {
		entry := correlation.Entry{
			Key:         key,
			Event:       event,
			QueueItemID: item.ID,
			ChatID:      item.Payload.ChatID,
			CreatedAt:   p.now().UTC(),
		}
		if err := p.cache.Save(ctx, entry); err != nil {
			return fmt.Errorf("%w: save correlation entry: %v", domain.ErrTransientIO, err)
		}
		metrics.CorrelationEntries.Inc()
	}

	if !item.UsageRecorded {
		if err := p.tenants.IncrementUsage(ctx, item.TenantID, 1); err != nil {
			return fmt.Errorf("%w: increment usage: %v", domain.ErrTransientIO, err)
		}
		item.UsageRecorded = true
		if err := p.checkpoint(ctx, item, logger); err != nil {
			return err
		}
	}
	return nil
}

// checkpoint persists effect progress mid-attempt. Other write errors are
// logged only: the in-memory item still carries the progress for retries in
// this process.
func (p *Processor) checkpoint(ctx context.Context, item *domain.QueueItem, logger zerolog.Logger) error {
	err := p.queue.Save(ctx, item)
	if errors.Is(err, repository.ErrNotFound) {
		return errSuperseded
	}
	if err != nil {
		logger.Warn().Err(err).Msg("persist queue item progress")
	}
	return nil
}

func (p *Processor) fail(ctx context.Context, item *domain.QueueItem, cause error, logger zerolog.Logger) {
	item.ErrorMessage = cause.Error()

	if item.Attempts >= item.MaxAttempts {
		item.Status = domain.QueueStatusFailed
		item.NotBefore = nil
		if err := p.queue.Save(ctx, item); err != nil {
			logger.Error().Err(err).Msg("mark queue item failed")
		}
		logger.Error().Err(cause).Int("attempts", item.Attempts).Msg("queue item failed")
		p.events.Emit(domain.LifecycleEvent{
			Type:        domain.LifecycleQueueItemFailed,
			TenantID:    item.TenantID,
			SessionID:   item.SessionID,
			QueueItemID: item.ID,
			EventID:     item.Payload.Event.ID,
			Error:       cause.Error(),
			At:          p.now().UTC(),
		})
		return
	}

	item.Status = domain.QueueStatusRetrying
	if err := p.queue.Save(ctx, item); err != nil {
		logger.Error().Err(err).Msg("mark queue item retrying")
	}

	notBefore := p.now().UTC().Add(time.Duration(item.Attempts) * p.backoff)
	item.Status = domain.QueueStatusPending
	item.NotBefore = &notBefore
	if err := p.queue.Save(ctx, item); err != nil {
		if errors.Is(err, repository.ErrNotFound) {
			return
		}
		logger.Error().Err(err).Msg("reschedule queue item")
	}
	p.queue.Requeue(item)
	logger.Warn().
		Err(cause).
		Int("attempts", item.Attempts).
		Time("not_before", notBefore).
		Msg("queue item scheduled for retry")
}
