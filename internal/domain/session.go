package domain

import (
	"fmt"
	"time"
)

// SessionRecord is the durable view of one monitoring session.
type SessionRecord struct {
	ID                string
	TenantID          string
	CredentialID      string
	IsActive          bool
	LastHeartbeat     time.Time
	ProcessedMessages int64
	ErrorCount        int64
	CreatedAt         time.Time
	UpdatedAt         time.Time
}

// SessionStatus is what GetSessionsStatus reports per live session.
type SessionStatus struct {
	TenantID          string    `json:"tenant_id"`
	CredentialID      string    `json:"credential_id"`
	SessionID         string    `json:"session_id"`
	IsActive          bool      `json:"is_active"`
	LastHeartbeat     time.Time `json:"last_heartbeat"`
	ProcessedMessages int64     `json:"processed_messages"`
	ErrorCount        int64     `json:"error_count"`
	SubscribedChats   []string  `json:"subscribed_chats"`
	IsHealthy         bool      `json:"is_healthy"`
}

type RestartRequest struct {
	TenantID     string
	CredentialID string
	RequestedAt  time.Time
}

// PairKey identifies a (tenant, credential) pair.
type PairKey struct {
	TenantID     string
	CredentialID string
}

func (k PairKey) String() string {
	return k.TenantID + "/" + k.CredentialID
}

// NewSessionID derives a process-local session id. The creation timestamp
// disambiguates restarts of the same pair.
func NewSessionID(tenantID, credentialID string, createdAt time.Time) string {
	return fmt.Sprintf("%s:%s:%d", tenantID, credentialID, createdAt.UnixNano())
}
