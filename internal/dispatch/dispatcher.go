// Package dispatch turns inbound session messages into queue items: target
// check, tenant filters, classification, priority and enqueue.
package dispatch

import (
	"context"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/classifier"
	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/metrics"
	"github.com/iago/tiprelay/internal/queue"
	"github.com/iago/tiprelay/internal/repository"
	"github.com/iago/tiprelay/internal/transport"
)

type Outcome string

const (
	OutcomeIgnored      Outcome = "ignored"
	OutcomeFiltered     Outcome = "filtered"
	OutcomeUnclassified Outcome = "unclassified"
	OutcomeDetected     Outcome = "detected"
	OutcomeError        Outcome = "error"
)

// MediaDownloader fetches attachment bytes through the session's client.
type MediaDownloader interface {
	DownloadMedia(ctx context.Context, ref string) ([]byte, error)
}

// Origin describes the session a message arrived on.
type Origin struct {
	TenantID     string
	CredentialID string
	SessionID    string
	Targets      map[string]struct{}
	Media        MediaDownloader
}

type Dispatcher struct {
	tenants    repository.TenantRepository
	classifier classifier.Classifier
	queue      *queue.Queue
	events     domain.LifecycleEmitter
	logger     zerolog.Logger
	now        func() time.Time
}

func NewDispatcher(
	tenants repository.TenantRepository,
	c classifier.Classifier,
	q *queue.Queue,
	events domain.LifecycleEmitter,
	logger zerolog.Logger,
) *Dispatcher {
	if events == nil {
		events = domain.NopEmitter{}
	}
	return &Dispatcher{
		tenants:    tenants,
		classifier: c,
		queue:      q,
		events:     events,
		logger:     logger.With().Str("component", "dispatcher").Logger(),
		now:        time.Now,
	}
}

// Dispatch handles one inbound message. Errors are returned only for
// failures the session should count; a dropped message is not an error.
func (d *Dispatcher) Dispatch(ctx context.Context, origin Origin, msg transport.Message) (Outcome, error) {
	outcome, err := d.dispatch(ctx, origin, msg)
	metrics.MessagesReceived.WithLabelValues(string(outcome)).Inc()
	return outcome, err
}

func (d *Dispatcher) dispatch(ctx context.Context, origin Origin, msg transport.Message) (Outcome, error) {
	if msg.Private {
		return OutcomeIgnored, nil
	}
	if _, ok := origin.Targets[msg.ChatID]; !ok {
		return OutcomeIgnored, nil
	}

	tenant, err := d.tenants.GetTenant(ctx, origin.TenantID)
	if err != nil {
		return OutcomeError, fmt.Errorf("load tenant %s: %w", origin.TenantID, err)
	}

	now := d.now()
	if result := ApplyFilters(tenant.Filters, msg.SenderID, msg.Text, now); result != FilterPassed {
		d.logger.Debug().
			Str("tenant_id", origin.TenantID).
			Str("chat_id", msg.ChatID).
			Str("filter", string(result)).
			Msg("message filtered")
		return OutcomeFiltered, nil
	}

	event, err := d.classify(ctx, origin, msg)
	if err != nil {
		return OutcomeError, err
	}
	if event == nil {
		return OutcomeUnclassified, nil
	}

	event.ID = uuid.NewString()
	event.TenantID = origin.TenantID
	event.SourceChatID = msg.ChatID
	event.SourceChatTitle = msg.ChatTitle
	event.SourceMessageID = msg.ID
	event.Status = domain.EventStatusPending
	event.DetectedAt = now.UTC()
	event.ConfirmedOdds = nil
	event.FinalizedAt = nil

	item, err := d.queue.Enqueue(ctx, queue.EnqueueRequest{
		TenantID:  origin.TenantID,
		SessionID: origin.SessionID,
		Priority:  Priority(tenant.Filters, msg.Text, msg.MediaRef != ""),
		Payload: domain.QueuePayload{
			Text:      msg.Text,
			MediaRef:  msg.MediaRef,
			SenderID:  msg.SenderID,
			ChatID:    msg.ChatID,
			MessageID: msg.ID,
			Event:     *event,
		},
	})
	if err != nil {
		return OutcomeError, fmt.Errorf("%w: enqueue event: %v", domain.ErrTransientIO, err)
	}

	d.events.Emit(domain.LifecycleEvent{
		Type:         domain.LifecycleEventDetected,
		TenantID:     origin.TenantID,
		CredentialID: origin.CredentialID,
		SessionID:    origin.SessionID,
		QueueItemID:  item.ID,
		EventID:      event.ID,
		At:           now.UTC(),
	})
	return OutcomeDetected, nil
}

// classify tries the text first and falls back to the attached media.
func (d *Dispatcher) classify(ctx context.Context, origin Origin, msg transport.Message) (*domain.DetectedEvent, error) {
	var textErr error
	if strings.TrimSpace(msg.Text) != "" {
		event, err := d.classifier.Classify(ctx, classifier.Input{Text: msg.Text})
		if err == nil && event != nil {
			return event, nil
		}
		textErr = err
	}
	if msg.MediaRef == "" || origin.Media == nil {
		return nil, textErr
	}

	media, err := origin.Media.DownloadMedia(ctx, msg.MediaRef)
	if err != nil {
		return nil, fmt.Errorf("%w: download media: %v", domain.ErrTransientIO, err)
	}
	event, err := d.classifier.Classify(ctx, classifier.Input{
		Text:      msg.Text,
		Media:     media,
		MediaMIME: http.DetectContentType(media),
	})
	if err != nil {
		return nil, fmt.Errorf("classify media: %w", err)
	}
	return event, nil
}
