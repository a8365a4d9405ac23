package domain

import "time"

type EventStatus string

const (
	EventStatusPending   EventStatus = "pending"
	EventStatusConfirmed EventStatus = "confirmed"
	EventStatusRejected  EventStatus = "rejected"
)

// DetectedEvent is the structured record produced by the classifier for an
// actionable message. ID is generated once at detection time and is the
// idempotency key for every downstream write.
type DetectedEvent struct {
	ID              string      `json:"id"`
	TenantID        string      `json:"tenant_id"`
	Match           string      `json:"match"`
	Selection       string      `json:"selection"`
	Market          string      `json:"market,omitempty"`
	Odds            float64     `json:"odds"`
	Stake           float64     `json:"stake"`
	Sport           string      `json:"sport,omitempty"`
	SourceChatID    string      `json:"source_chat_id"`
	SourceChatTitle string      `json:"source_chat_title,omitempty"`
	SourceMessageID string      `json:"source_message_id"`
	Status          EventStatus `json:"status"`
	ConfirmedOdds   *float64    `json:"confirmed_odds,omitempty"`
	DetectedAt      time.Time   `json:"detected_at"`
	FinalizedAt     *time.Time  `json:"finalized_at,omitempty"`
}

func (e DetectedEvent) Clone() DetectedEvent {
	clone := e
	if e.ConfirmedOdds != nil {
		value := *e.ConfirmedOdds
		clone.ConfirmedOdds = &value
	}
	if e.FinalizedAt != nil {
		value := *e.FinalizedAt
		clone.FinalizedAt = &value
	}
	return clone
}
