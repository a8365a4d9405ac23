package domain

import "time"

type LifecycleEventType string

const (
	LifecycleSessionStarted   LifecycleEventType = "session_started"
	LifecycleSessionStopped   LifecycleEventType = "session_stopped"
	LifecycleSessionError     LifecycleEventType = "session_error"
	LifecycleSessionUnhealthy LifecycleEventType = "session_unhealthy"
	LifecycleEventDetected    LifecycleEventType = "event_detected"
	LifecycleQueueItemFailed  LifecycleEventType = "queue_item_failed"
)

// LifecycleEvent is routed by the orchestrator to registered observers.
type LifecycleEvent struct {
	Type         LifecycleEventType
	TenantID     string
	CredentialID string
	SessionID    string
	QueueItemID  string
	EventID      string
	Error        string
	Fatal        bool
	At           time.Time
}

// LifecycleEmitter accepts lifecycle events without blocking the caller.
type LifecycleEmitter interface {
	Emit(event LifecycleEvent)
}

// NopEmitter drops every event.
type NopEmitter struct{}

func (NopEmitter) Emit(LifecycleEvent) {}

// EmitterFunc adapts a function into a LifecycleEmitter.
type EmitterFunc func(event LifecycleEvent)

func (f EmitterFunc) Emit(event LifecycleEvent) { f(event) }
