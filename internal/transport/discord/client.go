package discord

import (
	"context"
	"fmt"
	"io"
	"net/http"
	"sync"
	"sync/atomic"
	"time"

	"github.com/bwmarrin/discordgo"

	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/transport"
)

const maxMediaBytes = 10 << 20

// Client is one gateway connection for one monitored account.
type Client struct {
	token      string
	httpClient *http.Client

	mu        sync.Mutex
	session   *discordgo.Session
	removers  []func()
	connected atomic.Bool
	fatal     chan error
	fatalOnce sync.Once
}

func NewClient(token string, httpClient *http.Client) *Client {
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 30 * time.Second}
	}
	return &Client{
		token:      token,
		httpClient: httpClient,
		fatal:      make(chan error, 1),
	}
}

// Factory builds a Client per credential token.
type Factory struct {
	HTTPClient *http.Client
}

func (f Factory) NewClient(credential domain.Credential) (transport.Client, error) {
	if credential.Token == "" {
		return nil, fmt.Errorf("%w: credential %s has no token", domain.ErrConfiguration, credential.ID)
	}
	return NewClient(credential.Token, f.HTTPClient), nil
}

func (c *Client) Connect(ctx context.Context) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session != nil {
		return nil
	}

	s, err := discordgo.New(normalizeBotToken(c.token))
	if err != nil {
		return fmt.Errorf("create discord session: %w", err)
	}
	s.Identify.Intents = intents
	// Handlers run one at a time, in gateway order.
	s.SyncEvents = true
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Connect) { c.connected.Store(true) })
	s.AddHandler(func(_ *discordgo.Session, _ *discordgo.Disconnect) { c.connected.Store(false) })
	if err := s.Open(); err != nil {
		if isUnauthorized(err) {
			return fmt.Errorf("%w: %v", domain.ErrConfiguration, err)
		}
		return fmt.Errorf("open discord session: %w", err)
	}
	c.session = s
	c.connected.Store(true)
	return nil
}

func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	s := c.session
	c.session = nil
	removers := c.removers
	c.removers = nil
	c.mu.Unlock()

	for _, remove := range removers {
		remove()
	}
	c.connected.Store(false)
	if s == nil {
		return nil
	}
	if err := s.Close(); err != nil {
		return fmt.Errorf("close discord session: %w", err)
	}
	return nil
}

func (c *Client) Connected() bool {
	return c.connected.Load()
}

func (c *Client) Subscribe(handler transport.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.session == nil {
		return func() {}
	}
	s := c.session
	remove := s.AddHandler(func(session *discordgo.Session, m *discordgo.MessageCreate) {
		if m.Author != nil && session.State != nil && session.State.User != nil && m.Author.ID == session.State.User.ID {
			return
		}
		msg, ok := toMessage(m, channelName(session, m.ChannelID))
		if !ok {
			return
		}
		handler(msg)
	})
	c.removers = append(c.removers, remove)
	return remove
}

func channelName(s *discordgo.Session, channelID string) string {
	if s.State == nil {
		return ""
	}
	channel, err := s.State.Channel(channelID)
	if err != nil || channel == nil {
		return ""
	}
	return channel.Name
}

func (c *Client) SendMessage(ctx context.Context, chatID, text string) (string, error) {
	c.mu.Lock()
	s := c.session
	c.mu.Unlock()
	if s == nil {
		return "", fmt.Errorf("%w: discord session not connected", domain.ErrTransientIO)
	}
	msg, err := s.ChannelMessageSend(chatID, text, discordgo.WithContext(ctx))
	if err != nil {
		c.checkFatal(err)
		return "", fmt.Errorf("%w: send message: %v", domain.ErrTransientIO, err)
	}
	return msg.ID, nil
}

func (c *Client) DownloadMedia(ctx context.Context, ref string) ([]byte, error) {
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, ref, nil)
	if err != nil {
		return nil, fmt.Errorf("build media request: %w", err)
	}
	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%w: download media: %v", domain.ErrTransientIO, err)
	}
	defer resp.Body.Close()
	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("%w: download media: %s", domain.ErrTransientIO, resp.Status)
	}
	data, err := io.ReadAll(io.LimitReader(resp.Body, maxMediaBytes))
	if err != nil {
		return nil, fmt.Errorf("%w: read media: %v", domain.ErrTransientIO, err)
	}
	return data, nil
}

func (c *Client) Fatal() <-chan error { return c.fatal }

func (c *Client) checkFatal(err error) {
	if !isUnauthorized(err) {
		return
	}
	c.fatalOnce.Do(func() {
		c.fatal <- fmt.Errorf("%w: token rejected: %v", domain.ErrFatalSession, err)
	})
}
