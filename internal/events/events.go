// Package events holds lifecycle observers registered on the orchestrator.
package events

import (
	"context"
	"fmt"
	"time"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/domain"
)

// LogObserver writes every lifecycle event to the log.
type LogObserver struct {
	logger zerolog.Logger
}

func NewLogObserver(logger zerolog.Logger) *LogObserver {
	return &LogObserver{logger: logger.With().Str("component", "lifecycle").Logger()}
}

func (o *LogObserver) Observe(_ context.Context, event domain.LifecycleEvent) {
	level := zerolog.InfoLevel
	switch event.Type {
	case domain.LifecycleSessionError, domain.LifecycleQueueItemFailed:
		level = zerolog.ErrorLevel
	case domain.LifecycleSessionUnhealthy:
		level = zerolog.WarnLevel
	case domain.LifecycleEventDetected:
		level = zerolog.DebugLevel
	}
	entry := o.logger.WithLevel(level).
		Str("type", string(event.Type)).
		Str("tenant_id", event.TenantID).
		Str("session_id", event.SessionID)
	if event.QueueItemID != "" {
		entry = entry.Str("item_id", event.QueueItemID)
	}
	if event.EventID != "" {
		entry = entry.Str("event_id", event.EventID)
	}
	if event.Error != "" {
		entry = entry.Str("error", event.Error).Bool("fatal", event.Fatal)
	}
	entry.Msg("lifecycle event")
}

type streamRecord struct {
	Type         domain.LifecycleEventType `json:"type"`
	TenantID     string                    `json:"tenant_id"`
	CredentialID string                    `json:"credential_id,omitempty"`
	SessionID    string                    `json:"session_id,omitempty"`
	QueueItemID  string                    `json:"queue_item_id,omitempty"`
	EventID      string                    `json:"event_id,omitempty"`
	Error        string                    `json:"error,omitempty"`
	Fatal        bool                      `json:"fatal,omitempty"`
	At           time.Time                 `json:"at"`
}

func encode(event domain.LifecycleEvent) (map[string]any, error) {
	raw, err := json.Marshal(streamRecord{
		Type:         event.Type,
		TenantID:     event.TenantID,
		CredentialID: event.CredentialID,
		SessionID:    event.SessionID,
		QueueItemID:  event.QueueItemID,
		EventID:      event.EventID,
		Error:        event.Error,
		Fatal:        event.Fatal,
		At:           event.At.UTC(),
	})
	if err != nil {
		return nil, fmt.Errorf("encode lifecycle event: %w", err)
	}
	return map[string]any{
		"type":      string(event.Type),
		"tenant_id": event.TenantID,
		"event":     string(raw),
	}, nil
}

// StreamPublisher appends lifecycle events to a Redis stream for external
// consumers.
type StreamPublisher struct {
	client  *redis.Client
	stream  string
	maxLen  int64
	timeout time.Duration
	logger  zerolog.Logger
}

func NewStreamPublisher(client *redis.Client, stream string, logger zerolog.Logger) *StreamPublisher {
	if stream == "" {
		stream = "tiprelay:lifecycle"
	}
	return &StreamPublisher{
		client:  client,
		stream:  stream,
		maxLen:  50000,
		timeout: 2 * time.Second,
		logger:  logger.With().Str("component", "lifecycle_stream").Logger(),
	}
}

func (p *StreamPublisher) Observe(ctx context.Context, event domain.LifecycleEvent) {
	values, err := encode(event)
	if err != nil {
		p.logger.Error().Err(err).Msg("encode lifecycle event")
		return
	}
	ctx, cancel := context.WithTimeout(ctx, p.timeout)
	defer cancel()
	err = p.client.XAdd(ctx, &redis.XAddArgs{
		Stream: p.stream,
		MaxLen: p.maxLen,
		Approx: true,
		Values: values,
	}).Err()
	if err != nil {
		p.logger.Warn().Err(err).Str("type", string(event.Type)).Msg("publish lifecycle event")
	}
}
