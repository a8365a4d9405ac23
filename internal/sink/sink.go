// Package sink is the downstream destination of finalized and pending tips.
// Every write is an upsert keyed by the event's own generated id.
package sink

import (
	"context"
	"sort"
	"sync"

	"github.com/iago/tiprelay/internal/domain"
)

type Sink interface {
	Upsert(ctx context.Context, event domain.DetectedEvent) error
}

// MemorySink keeps the latest state per event id.
type MemorySink struct {
	mu     sync.RWMutex
	events map[string]domain.DetectedEvent
	writes int
}

func NewMemorySink() *MemorySink {
	return &MemorySink{events: make(map[string]domain.DetectedEvent)}
}

func (s *MemorySink) Upsert(_ context.Context, event domain.DetectedEvent) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.events[event.ID] = event.Clone()
	s.writes++
	return nil
}

func (s *MemorySink) Get(eventID string) (domain.DetectedEvent, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	event, ok := s.events[eventID]
	if !ok {
		return domain.DetectedEvent{}, false
	}
	return event.Clone(), true
}

func (s *MemorySink) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.events)
}

// Writes counts successful upserts, including repeated ones.
func (s *MemorySink) Writes() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.writes
}

// IDs lists stored event ids in ascending order.
func (s *MemorySink) IDs() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	ids := make([]string, 0, len(s.events))
	for id := range s.events {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
