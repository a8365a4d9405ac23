package domain

import "time"

type QueueStatus string

const (
	QueueStatusPending    QueueStatus = "pending"
	QueueStatusProcessing QueueStatus = "processing"
	QueueStatusRetrying   QueueStatus = "retrying"
	QueueStatusCompleted  QueueStatus = "completed"
	QueueStatusFailed     QueueStatus = "failed"
)

func (s QueueStatus) Terminal() bool {
	return s == QueueStatusCompleted || s == QueueStatusFailed
}

var AllQueueStatuses = []QueueStatus{
	QueueStatusPending,
	QueueStatusProcessing,
	QueueStatusRetrying,
	QueueStatusCompleted,
	QueueStatusFailed,
}

const (
	PriorityBase       = 1
	PriorityHighSignal = 2
	PriorityMedia      = 3
)

// QueuePayload keeps the raw message fields next to the classifier result so
// an item can be reprocessed without going back to the transport.
type QueuePayload struct {
	Text      string        `json:"text"`
	MediaRef  string        `json:"media_ref,omitempty"`
	SenderID  string        `json:"sender_id"`
	ChatID    string        `json:"chat_id"`
	MessageID string        `json:"message_id"`
	Event     DetectedEvent `json:"event"`
}

// QueueItem is one durable, retryable unit of work.
type QueueItem struct {
	ID           string
	TenantID     string
	SessionID    string
	Payload      QueuePayload
	Priority     int
	Status       QueueStatus
	Attempts     int
	MaxAttempts  int
	NotBefore    *time.Time
	CreatedAt    time.Time
	UpdatedAt    time.Time
	CompletedAt  *time.Time
	ErrorMessage string

	// NotificationID is the provider id of the notice sent for this item.
	// Once set, retries reuse it instead of notifying the tenant again.
	NotificationID string
	// UsageRecorded is set by the last step of the business effect, so an
	// item carrying it has nothing left to apply.
	UsageRecorded bool
}

// EffectApplied reports whether every step of the business effect ran.
func (i *QueueItem) EffectApplied() bool {
	return i.UsageRecorded
}

// Ready reports whether the item may be picked by a drain at now.
func (i *QueueItem) Ready(now time.Time) bool {
	if i.Status != QueueStatusPending {
		return false
	}
	return i.NotBefore == nil || !i.NotBefore.After(now)
}

func (i *QueueItem) Clone() *QueueItem {
	if i == nil {
		return nil
	}
	clone := *i
	clone.Payload.Event = i.Payload.Event.Clone()
	if i.NotBefore != nil {
		value := *i.NotBefore
		clone.NotBefore = &value
	}
	if i.CompletedAt != nil {
		value := *i.CompletedAt
		clone.CompletedAt = &value
	}
	return &clone
}

// QueueStats counts items by status, optionally scoped to one tenant.
type QueueStats map[QueueStatus]int
