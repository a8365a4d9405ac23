// Package queue is the durable priority queue fed by the dispatcher and
// drained by the worker. Every state change is written to the store first;
// the in-memory heaps are an index that Load can rebuild after a restart.
package queue

import (
	"container/heap"
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/metrics"
	"github.com/iago/tiprelay/internal/repository"
)

const DefaultMaxAttempts = 3

var (
	ErrUnclassified = errors.New("queue accepts classified events only")
	// ErrInterrupted marks an item whose final attempt was cut short.
	ErrInterrupted = errors.New("processing interrupted during final attempt")
)

type Config struct {
	MaxAttempts int
	Now         func() time.Time
	// Events receives QueueItemFailed for items Load gives up on.
	Events domain.LifecycleEmitter
}

// EnqueueRequest is a classified message ready to become a queue item.
type EnqueueRequest struct {
	TenantID  string
	SessionID string
	Payload   domain.QueuePayload
	Priority  int
}

type Queue struct {
	repo        repository.QueueRepository
	logger      zerolog.Logger
	maxAttempts int
	now         func() time.Time
	events      domain.LifecycleEmitter

	mu      sync.Mutex
	ready   readyHeap
	delayed delayedHeap
}

func New(repo repository.QueueRepository, cfg Config, logger zerolog.Logger) *Queue {
	if cfg.MaxAttempts <= 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.Events == nil {
		cfg.Events = domain.NopEmitter{}
	}
	return &Queue{
		repo:        repo,
		logger:      logger.With().Str("component", "queue").Logger(),
		maxAttempts: cfg.MaxAttempts,
		now:         cfg.Now,
		events:      cfg.Events,
	}
}

func newItemID(tenantID string, now time.Time) string {
	suffix := strings.ReplaceAll(uuid.NewString(), "-", "")[:12]
	return tenantID + "-" + strconv.FormatInt(now.UnixMilli(), 10) + "-" + suffix
}

// Enqueue persists a new PENDING item and makes it visible to Next.
func (q *Queue) Enqueue(ctx context.Context, req EnqueueRequest) (*domain.QueueItem, error) {
	if strings.TrimSpace(req.Payload.Event.ID) == "" {
		return nil, ErrUnclassified
	}
	if req.Priority < domain.PriorityBase {
		req.Priority = domain.PriorityBase
	}
	now := q.now().UTC()
	item := &domain.QueueItem{
		ID:          newItemID(req.TenantID, now),
		TenantID:    req.TenantID,
		SessionID:   req.SessionID,
		Payload:     req.Payload,
		Priority:    req.Priority,
		Status:      domain.QueueStatusPending,
		MaxAttempts: q.maxAttempts,
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	item.Payload.Event = req.Payload.Event.Clone()
	if err := q.repo.CreateQueueItem(ctx, item); err != nil {
		return nil, fmt.Errorf("persist queue item: %w", err)
	}

	q.mu.Lock()
	heap.Push(&q.ready, item.Clone())
	q.observeDepthLocked()
	q.mu.Unlock()

	metrics.QueueEnqueued.WithLabelValues(strconv.Itoa(item.Priority)).Inc()
	q.logger.Debug().
		Str("item_id", item.ID).
		Str("tenant_id", item.TenantID).
		Int("priority", item.Priority).
		Msg("queue item enqueued")
	return item.Clone(), nil
}

// Next pops the highest priority item that is eligible at now. Ownership of
// the returned item passes to the caller until it is saved or requeued.
func (q *Queue) Next(now time.Time) (*domain.QueueItem, bool) {
	q.mu.Lock()
	defer q.mu.Unlock()

	for q.delayed.Len() > 0 && !q.delayed[0].NotBefore.After(now) {
		item := heap.Pop(&q.delayed).(*domain.QueueItem)
		heap.Push(&q.ready, item)
	}
	for q.ready.Len() > 0 {
		item := heap.Pop(&q.ready).(*domain.QueueItem)
		if item.Ready(now) {
			q.observeDepthLocked()
			return item, true
		}
		// Not-before still in the future: park it until it elapses.
		if item.Status == domain.QueueStatusPending && item.NotBefore != nil {
			heap.Push(&q.delayed, item)
		}
	}
	q.observeDepthLocked()
	return nil, false
}

// Requeue puts a PENDING item back. Items with a future not-before wait in the
// delayed heap and keep their original priority.
func (q *Queue) Requeue(item *domain.QueueItem) {
	if item == nil || item.Status != domain.QueueStatusPending {
		return
	}
	q.mu.Lock()
	defer q.mu.Unlock()
	if item.NotBefore != nil && item.NotBefore.After(q.now()) {
		heap.Push(&q.delayed, item)
	} else {
		heap.Push(&q.ready, item)
	}
	q.observeDepthLocked()
}

// Save persists the current state of an item.
func (q *Queue) Save(ctx context.Context, item *domain.QueueItem) error {
	item.UpdatedAt = q.now().UTC()
	if err := q.repo.UpdateQueueItem(ctx, item); err != nil {
		return fmt.Errorf("update queue item %s: %w", item.ID, err)
	}
	metrics.QueueTransitions.WithLabelValues(string(item.Status)).Inc()
	return nil
}

// Load rebuilds the in-memory index from the store and reports how many
// items are eligible for processing. Items caught mid-flight by a crash are
// settled first: a finished effect becomes COMPLETED, a spent final attempt
// becomes FAILED and anything else goes back to PENDING.
func (q *Queue) Load(ctx context.Context) (int, error) {
	items, err := q.repo.ListUnfinished(ctx)
	if err != nil {
		return 0, fmt.Errorf("list unfinished queue items: %w", err)
	}

	ready := make(readyHeap, 0, len(items))
	delayed := make(delayedHeap, 0)
	now := q.now()
	for _, item := range items {
		if item.Status == domain.QueueStatusProcessing || item.Status == domain.QueueStatusRetrying {
			if err := q.settle(ctx, item); err != nil {
				return 0, err
			}
			if item.Status.Terminal() {
				continue
			}
		}
		if item.NotBefore != nil && item.NotBefore.After(now) {
			delayed = append(delayed, item)
		} else {
			ready = append(ready, item)
		}
	}
	heap.Init(&ready)
	heap.Init(&delayed)

	q.mu.Lock()
	q.ready = ready
	q.delayed = delayed
	q.observeDepthLocked()
	q.mu.Unlock()
	return len(ready) + len(delayed), nil
}

func (q *Queue) settle(ctx context.Context, item *domain.QueueItem) error {
	logger := q.logger.With().Str("item_id", item.ID).Int("attempts", item.Attempts).Logger()
	now := q.now().UTC()
	if item.MaxAttempts <= 0 {
		item.MaxAttempts = q.maxAttempts
	}

	switch {
	case item.EffectApplied():
		item.Status = domain.QueueStatusCompleted
		item.CompletedAt = &now
		item.NotBefore = nil
		item.ErrorMessage = ""
		if err := q.Save(ctx, item); err != nil {
			return err
		}
		logger.Info().Msg("completed in-flight queue item")
	case item.Attempts >= item.MaxAttempts:
		item.Status = domain.QueueStatusFailed
		item.NotBefore = nil
		item.ErrorMessage = ErrInterrupted.Error()
		if err := q.Save(ctx, item); err != nil {
			return err
		}
		logger.Warn().Msg("failed in-flight queue item on its last attempt")
		q.events.Emit(domain.LifecycleEvent{
			Type:        domain.LifecycleQueueItemFailed,
			TenantID:    item.TenantID,
			SessionID:   item.SessionID,
			QueueItemID: item.ID,
			EventID:     item.Payload.Event.ID,
			Error:       item.ErrorMessage,
			At:          now,
		})
	default:
		item.Status = domain.QueueStatusPending
		if err := q.Save(ctx, item); err != nil {
			return err
		}
		logger.Info().Msg("recovered in-flight queue item")
	}
	return nil
}

// RemoveByEventID drops unfinished items carrying the given event, both from
// the store and from the in-memory index.
func (q *Queue) RemoveByEventID(ctx context.Context, eventID string) ([]string, error) {
	ids, err := q.repo.DeleteUnfinishedByEventID(ctx, eventID)
	if err != nil {
		return nil, fmt.Errorf("delete queue items for event %s: %w", eventID, err)
	}

	q.mu.Lock()
	defer q.mu.Unlock()
	keep := func(item *domain.QueueItem) bool { return item.Payload.Event.ID != eventID }
	q.ready = filter(q.ready, keep)
	q.delayed = filter(q.delayed, keep)
	heap.Init(&q.ready)
	heap.Init(&q.delayed)
	q.observeDepthLocked()
	return ids, nil
}

func filter[S ~[]*domain.QueueItem](items S, keep func(*domain.QueueItem) bool) S {
	out := items[:0]
	for _, item := range items {
		if keep(item) {
			out = append(out, item)
		}
	}
	for i := len(out); i < len(items); i++ {
		items[i] = nil
	}
	return out
}

func (q *Queue) Stats(ctx context.Context, tenantID string) (domain.QueueStats, error) {
	stats, err := q.repo.CountByStatus(ctx, tenantID)
	if err != nil {
		return nil, fmt.Errorf("count queue items: %w", err)
	}
	for _, status := range domain.AllQueueStatuses {
		if _, ok := stats[status]; !ok {
			stats[status] = 0
		}
	}
	return stats, nil
}

// Depth returns how many items are waiting in memory.
func (q *Queue) Depth() (ready, delayed int) {
	q.mu.Lock()
	defer q.mu.Unlock()
	return q.ready.Len(), q.delayed.Len()
}

func (q *Queue) MaxAttempts() int { return q.maxAttempts }

func (q *Queue) observeDepthLocked() {
	metrics.QueueDepth.WithLabelValues("ready").Set(float64(q.ready.Len()))
	metrics.QueueDepth.WithLabelValues("delayed").Set(float64(q.delayed.Len()))
}
