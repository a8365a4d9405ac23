package repository

import (
	"context"
	"errors"
	"time"

	"github.com/iago/tiprelay/internal/domain"
)

var ErrNotFound = errors.New("resource not found")

// SessionRepository persists monitoring sessions and restart requests.
type SessionRepository interface {
	SaveSession(ctx context.Context, record *domain.SessionRecord) error
	GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error)
	DeactivateSession(ctx context.Context, sessionID string) error
	DeactivatePair(ctx context.Context, tenantID, credentialID string) error
	UpdateHeartbeat(ctx context.Context, sessionID string, at time.Time, processed, errorCount int64) error
	ListActiveSessions(ctx context.Context) ([]domain.SessionRecord, error)
	RequestRestart(ctx context.Context, tenantID, credentialID string, at time.Time) error
	TakeRestartRequests(ctx context.Context) ([]domain.RestartRequest, error)
}

// QueueRepository persists queue items.
type QueueRepository interface {
	CreateQueueItem(ctx context.Context, item *domain.QueueItem) error
	UpdateQueueItem(ctx context.Context, item *domain.QueueItem) error
	GetQueueItem(ctx context.Context, itemID string) (*domain.QueueItem, error)
	ListUnfinished(ctx context.Context) ([]*domain.QueueItem, error)
	DeleteUnfinishedByEventID(ctx context.Context, eventID string) ([]string, error)
	PurgeFinished(ctx context.Context, before time.Time) (int, error)
	CountByStatus(ctx context.Context, tenantID string) (domain.QueueStats, error)
}

// TenantRepository resolves tenant configuration and usage.
type TenantRepository interface {
	GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error)
	TenantByPrivateChat(ctx context.Context, chatID string) (*domain.Tenant, error)
	GetCredential(ctx context.Context, tenantID, credentialID string) (*domain.Credential, error)
	IncrementUsage(ctx context.Context, tenantID string, delta int64) error
}

// CursorRepository keeps named sequential offsets.
type CursorRepository interface {
	GetCursor(ctx context.Context, name string) (string, error)
	SaveCursor(ctx context.Context, name, value string) error
}

// Store is the full durable store the engine needs.
type Store interface {
	SessionRepository
	QueueRepository
	TenantRepository
	CursorRepository
}
