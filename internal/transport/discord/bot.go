package discord

import (
	"context"
	"fmt"
	"strings"
	"sync"

	"github.com/bwmarrin/discordgo"
	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/repository"
	"github.com/iago/tiprelay/internal/transport"
)

// Publisher receives private-channel messages for the reply intake.
type Publisher interface {
	Publish(ctx context.Context, msg transport.Message) error
}

// Bot owns the system account tenants talk to. It sends notifications to each
// tenant's private channel and forwards private replies to the intake source.
type Bot struct {
	token     string
	tenants   repository.TenantRepository
	publisher Publisher
	logger    zerolog.Logger

	mu      sync.Mutex
	session *discordgo.Session
}

func NewBot(token string, tenants repository.TenantRepository, publisher Publisher, logger zerolog.Logger) *Bot {
	return &Bot{
		token:     token,
		tenants:   tenants,
		publisher: publisher,
		logger:    logger.With().Str("component", "discord_bot").Logger(),
	}
}

func (b *Bot) Start(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.session != nil {
		return fmt.Errorf("bot already started")
	}
	s, err := discordgo.New(normalizeBotToken(b.token))
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = intents
	s.SyncEvents = true
	s.AddHandler(b.handleMessage)
	if err := s.Open(); err != nil {
		return fmt.Errorf("open discord session: %w", err)
	}
	b.session = s
	b.logger.Info().Msg("discord bot started")
	return nil
}

// Serve runs the bot until ctx is cancelled.
func (b *Bot) Serve(ctx context.Context) error {
	if err := b.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	if err := b.Stop(); err != nil {
		b.logger.Warn().Err(err).Msg("stop discord bot")
	}
	return ctx.Err()
}

func (b *Bot) Stop() error {
	b.mu.Lock()
	s := b.session
	b.session = nil
	b.mu.Unlock()
	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (b *Bot) handleMessage(s *discordgo.Session, m *discordgo.MessageCreate) {
	if m == nil || m.Author == nil || m.Author.Bot {
		return
	}
	msg, ok := toMessage(m, "")
	if !ok || !msg.Private {
		return
	}
	if err := b.publisher.Publish(context.Background(), msg); err != nil {
		b.logger.Error().Err(err).Str("chat_id", msg.ChatID).Msg("forward private message")
	}
}

// Notify sends text to the tenant's private channel and returns the id of
// the delivered message.
func (b *Bot) Notify(ctx context.Context, tenantID, text string) (string, error) {
	tenant, err := b.tenants.GetTenant(ctx, tenantID)
	if err != nil {
		return "", fmt.Errorf("resolve tenant %s: %w", tenantID, err)
	}
	chatID := strings.TrimSpace(tenant.PrivateChatID)
	if chatID == "" {
		return "", fmt.Errorf("%w: tenant %s has no private channel", domain.ErrConfiguration, tenantID)
	}

	b.mu.Lock()
	s := b.session
	b.mu.Unlock()
	if s == nil {
		return "", fmt.Errorf("%w: discord bot not connected", domain.ErrTransientIO)
	}
	msg, err := s.ChannelMessageSend(chatID, text, discordgo.WithContext(ctx))
	if err != nil {
		return "", fmt.Errorf("%w: send notification: %v", domain.ErrTransientIO, err)
	}
	return msg.ID, nil
}
