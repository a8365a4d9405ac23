// Package transporttest provides an in-memory transport for tests and local
// runs without network access.
package transporttest

import (
	"context"
	"errors"
	"strconv"
	"sync"

	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/transport"
)

var ErrNotConnected = errors.New("fake client not connected")

type SentMessage struct {
	ChatID string
	Text   string
	ID     string
}

// Client is a scriptable transport.Client.
type Client struct {
	mu          sync.Mutex
	connected   bool
	handlers    map[int]transport.Handler
	nextHandler int
	sent        []SentMessage
	media       map[string][]byte
	fatal       chan error
	ConnectErr  error
	connects    int
	disconnects int
}

func NewClient() *Client {
	return &Client{
		handlers: make(map[int]transport.Handler),
		media:    make(map[string][]byte),
		fatal:    make(chan error, 1),
	}
}

func (c *Client) Connect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connects++
	if c.ConnectErr != nil {
		return c.ConnectErr
	}
	c.connected = true
	return nil
}

func (c *Client) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.disconnects++
	c.connected = false
	return nil
}

func (c *Client) Connected() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connected
}

// Drop simulates a silently dead connection.
func (c *Client) Drop() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.connected = false
}

func (c *Client) Subscribe(handler transport.Handler) func() {
	c.mu.Lock()
	defer c.mu.Unlock()
	id := c.nextHandler
	c.nextHandler++
	c.handlers[id] = handler
	return func() {
		c.mu.Lock()
		defer c.mu.Unlock()
		delete(c.handlers, id)
	}
}

// Deliver hands msg to every subscribed handler, synchronously and in order.
func (c *Client) Deliver(msg transport.Message) {
	c.mu.Lock()
	handlers := make([]transport.Handler, 0, len(c.handlers))
	for i := 0; i < c.nextHandler; i++ {
		if handler, ok := c.handlers[i]; ok {
			handlers = append(handlers, handler)
		}
	}
	c.mu.Unlock()
	for _, handler := range handlers {
		handler(msg)
	}
}

func (c *Client) Subscribers() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.handlers)
}

func (c *Client) SendMessage(_ context.Context, chatID, text string) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.connected {
		return "", ErrNotConnected
	}
	id := "out-" + strconv.Itoa(len(c.sent)+1)
	c.sent = append(c.sent, SentMessage{ChatID: chatID, Text: text, ID: id})
	return id, nil
}

func (c *Client) Sent() []SentMessage {
	c.mu.Lock()
	defer c.mu.Unlock()
	return append([]SentMessage(nil), c.sent...)
}

func (c *Client) PutMedia(ref string, data []byte) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.media[ref] = data
}

func (c *Client) DownloadMedia(_ context.Context, ref string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	data, ok := c.media[ref]
	if !ok {
		return nil, errors.New("media not found: " + ref)
	}
	return data, nil
}

func (c *Client) Fatal() <-chan error { return c.fatal }

// Fail pushes a fatal error to the session watching this client.
func (c *Client) Fail(err error) {
	c.fatal <- err
}

func (c *Client) Connects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.connects
}

func (c *Client) Disconnects() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.disconnects
}

// Factory hands out one Client per credential id and remembers them.
type Factory struct {
	mu      sync.Mutex
	clients map[string][]*Client
	Err     error
	// Prepare, when set, configures each new client before it is returned.
	Prepare func(credential domain.Credential, client *Client)
}

func NewFactory() *Factory {
	return &Factory{clients: make(map[string][]*Client)}
}

func (f *Factory) NewClient(credential domain.Credential) (transport.Client, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.Err != nil {
		return nil, f.Err
	}
	client := NewClient()
	if f.Prepare != nil {
		f.Prepare(credential, client)
	}
	f.clients[credential.ID] = append(f.clients[credential.ID], client)
	return client, nil
}

// Last returns the most recent client built for credentialID.
func (f *Factory) Last(credentialID string) *Client {
	f.mu.Lock()
	defer f.mu.Unlock()
	clients := f.clients[credentialID]
	if len(clients) == 0 {
		return nil
	}
	return clients[len(clients)-1]
}

func (f *Factory) Count(credentialID string) int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.clients[credentialID])
}
