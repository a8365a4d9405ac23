package reply

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/repository"
	"github.com/iago/tiprelay/internal/transport"
)

const (
	DefaultPollInterval = 2 * time.Second
	DefaultBatchSize    = 50
	DefaultCursorName   = "reply_intake"
)

// Update is one private-channel message with its position in the source.
type Update struct {
	Offset  string
	Message transport.Message
}

// Source yields updates strictly after the given offset. An empty offset
// means the beginning.
type Source interface {
	Fetch(ctx context.Context, after string, limit int) ([]Update, error)
}

type IntakeConfig struct {
	CursorName   string
	PollInterval time.Duration
	BatchSize    int
}

// Intake is the only owner of the reply cursor. The cursor is persisted after
// every handled update so a restart resumes where it stopped.
type Intake struct {
	source     Source
	cursors    repository.CursorRepository
	tenants    repository.TenantRepository
	correlator *Correlator
	cfg        IntakeConfig
	logger     zerolog.Logger
	cursor     string
	loaded     bool
}

func NewIntake(
	source Source,
	cursors repository.CursorRepository,
	tenants repository.TenantRepository,
	correlator *Correlator,
	cfg IntakeConfig,
	logger zerolog.Logger,
) *Intake {
	if cfg.CursorName == "" {
		cfg.CursorName = DefaultCursorName
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = DefaultPollInterval
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	return &Intake{
		source:     source,
		cursors:    cursors,
		tenants:    tenants,
		correlator: correlator,
		cfg:        cfg,
		logger:     logger.With().Str("component", "reply_intake").Logger(),
	}
}

func (i *Intake) Serve(ctx context.Context) error {
	ticker := time.NewTicker(i.cfg.PollInterval)
	defer ticker.Stop()
	for {
		if _, err := i.Poll(ctx); err != nil && ctx.Err() == nil {
			i.logger.Error().Err(err).Msg("reply poll failed")
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}
}

// Poll fetches and handles one batch and returns how many updates it consumed.
func (i *Intake) Poll(ctx context.Context) (int, error) {
	if !i.loaded {
		cursor, err := i.cursors.GetCursor(ctx, i.cfg.CursorName)
		if err != nil {
			return 0, fmt.Errorf("load reply cursor: %w", err)
		}
		i.cursor = cursor
		i.loaded = true
	}

	updates, err := i.source.Fetch(ctx, i.cursor, i.cfg.BatchSize)
	if err != nil {
		return 0, fmt.Errorf("fetch replies: %w", err)
	}
	for n, update := range updates {
		i.handle(ctx, update.Message)
		if err := i.cursors.SaveCursor(ctx, i.cfg.CursorName, update.Offset); err != nil {
			return n, fmt.Errorf("save reply cursor: %w", err)
		}
		i.cursor = update.Offset
	}
	return len(updates), nil
}

// Cursor returns the last acknowledged offset.
func (i *Intake) Cursor() string { return i.cursor }

func (i *Intake) handle(ctx context.Context, msg transport.Message) {
	if !msg.Private || msg.ReplyToID == "" {
		return
	}
	tenant, err := i.tenants.TenantByPrivateChat(ctx, msg.ChatID)
	if err != nil {
		if !errors.Is(err, repository.ErrNotFound) {
			i.logger.Error().Err(err).Str("chat_id", msg.ChatID).Msg("resolve tenant for reply")
		}
		return
	}
	_, err = i.correlator.Handle(ctx, Inbound{
		TenantID:  tenant.ID,
		ChatID:    msg.ChatID,
		MessageID: msg.ID,
		ReplyToID: msg.ReplyToID,
		Text:      msg.Text,
		Private:   msg.Private,
	})
	if err != nil {
		i.logger.Warn().Err(err).Str("tenant_id", tenant.ID).Msg("reply not finalized")
	}
}
