// Package transport defines the messaging-network client each session owns.
package transport

import (
	"context"
	"time"

	"github.com/iago/tiprelay/internal/domain"
)

// Message is one inbound message event as delivered by the transport.
type Message struct {
	ID        string
	ChatID    string
	ChatTitle string
	SenderID  string
	Text      string
	MediaRef  string
	ReplyToID string
	Private   bool
	SentAt    time.Time
}

// Handler receives messages in transport delivery order.
type Handler func(Message)

// Client is one authenticated connection for one (tenant, credential) pair.
type Client interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
	Connected() bool
	// Subscribe registers the handler and returns its unsubscribe func.
	Subscribe(handler Handler) func()
	SendMessage(ctx context.Context, chatID, text string) (string, error)
	DownloadMedia(ctx context.Context, ref string) ([]byte, error)
	// Fatal delivers unrecoverable connection errors.
	Fatal() <-chan error
}

// Factory builds a Client from a resolved credential.
type Factory interface {
	NewClient(credential domain.Credential) (Client, error)
}

type FactoryFunc func(credential domain.Credential) (Client, error)

func (f FactoryFunc) NewClient(credential domain.Credential) (Client, error) {
	return f(credential)
}
