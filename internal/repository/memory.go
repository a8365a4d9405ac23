package repository

import (
	"context"
	"sort"
	"sync"
	"time"

	"github.com/iago/tiprelay/internal/domain"
)

// MemoryStore keeps every table in memory for local development and tests.
type MemoryStore struct {
	mu          sync.RWMutex
	sessions    map[string]*domain.SessionRecord
	restarts    map[domain.PairKey]domain.RestartRequest
	items       map[string]*domain.QueueItem
	tenants     map[string]*domain.Tenant
	credentials map[domain.PairKey]*domain.Credential
	cursors     map[string]string
}

func NewMemoryStore() *MemoryStore {
	return &MemoryStore{
		sessions:    make(map[string]*domain.SessionRecord),
		restarts:    make(map[domain.PairKey]domain.RestartRequest),
		items:       make(map[string]*domain.QueueItem),
		tenants:     make(map[string]*domain.Tenant),
		credentials: make(map[domain.PairKey]*domain.Credential),
		cursors:     make(map[string]string),
	}
}

// PutTenant seeds or replaces a tenant.
func (s *MemoryStore) PutTenant(tenant domain.Tenant) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := tenant
	s.tenants[tenant.ID] = &clone
}

// PutCredential seeds or replaces a credential.
func (s *MemoryStore) PutCredential(credential domain.Credential) {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := credential
	clone.Targets = append([]string(nil), credential.Targets...)
	s.credentials[domain.PairKey{TenantID: credential.TenantID, CredentialID: credential.ID}] = &clone
}

func (s *MemoryStore) SaveSession(_ context.Context, record *domain.SessionRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	clone := *record
	s.sessions[record.ID] = &clone
	return nil
}

func (s *MemoryStore) GetSession(_ context.Context, sessionID string) (*domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *record
	return &clone, nil
}

func (s *MemoryStore) DeactivateSession(_ context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	record.IsActive = false
	record.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) DeactivatePair(_ context.Context, tenantID, credentialID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	now := time.Now().UTC()
	for _, record := range s.sessions {
		if record.TenantID == tenantID && record.CredentialID == credentialID && record.IsActive {
			record.IsActive = false
			record.UpdatedAt = now
		}
	}
	return nil
}

func (s *MemoryStore) UpdateHeartbeat(
	_ context.Context,
	sessionID string,
	at time.Time,
	processed, errorCount int64,
) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	record, ok := s.sessions[sessionID]
	if !ok {
		return ErrNotFound
	}
	record.LastHeartbeat = at
	record.ProcessedMessages = processed
	record.ErrorCount = errorCount
	record.UpdatedAt = time.Now().UTC()
	return nil
}

func (s *MemoryStore) ListActiveSessions(_ context.Context) ([]domain.SessionRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	records := make([]domain.SessionRecord, 0)
	for _, record := range s.sessions {
		if record.IsActive {
			records = append(records, *record)
		}
	}
	sort.Slice(records, func(i, j int) bool {
		return records[i].CreatedAt.Before(records[j].CreatedAt)
	})
	return records, nil
}

func (s *MemoryStore) RequestRestart(_ context.Context, tenantID, credentialID string, at time.Time) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.PairKey{TenantID: tenantID, CredentialID: credentialID}
	if _, exists := s.restarts[key]; exists {
		return nil
	}
	s.restarts[key] = domain.RestartRequest{TenantID: tenantID, CredentialID: credentialID, RequestedAt: at}
	return nil
}

func (s *MemoryStore) TakeRestartRequests(_ context.Context) ([]domain.RestartRequest, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	requests := make([]domain.RestartRequest, 0, len(s.restarts))
	for key, request := range s.restarts {
		requests = append(requests, request)
		delete(s.restarts, key)
	}
	sort.Slice(requests, func(i, j int) bool {
		return requests[i].RequestedAt.Before(requests[j].RequestedAt)
	})
	return requests, nil
}

func (s *MemoryStore) CreateQueueItem(_ context.Context, item *domain.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *MemoryStore) UpdateQueueItem(_ context.Context, item *domain.QueueItem) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.items[item.ID]; !ok {
		return ErrNotFound
	}
	s.items[item.ID] = item.Clone()
	return nil
}

func (s *MemoryStore) GetQueueItem(_ context.Context, itemID string) (*domain.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	item, ok := s.items[itemID]
	if !ok {
		return nil, ErrNotFound
	}
	return item.Clone(), nil
}

func (s *MemoryStore) ListUnfinished(_ context.Context) ([]*domain.QueueItem, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	items := make([]*domain.QueueItem, 0)
	for _, item := range s.items {
		if !item.Status.Terminal() {
			items = append(items, item.Clone())
		}
	}
	sort.Slice(items, func(i, j int) bool {
		return items[i].CreatedAt.Before(items[j].CreatedAt)
	})
	return items, nil
}

func (s *MemoryStore) DeleteUnfinishedByEventID(_ context.Context, eventID string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	removed := make([]string, 0)
	for id, item := range s.items {
		if item.Payload.Event.ID == eventID && !item.Status.Terminal() {
			removed = append(removed, id)
			delete(s.items, id)
		}
	}
	sort.Strings(removed)
	return removed, nil
}

func (s *MemoryStore) PurgeFinished(_ context.Context, before time.Time) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	purged := 0
	for id, item := range s.items {
		if !item.Status.Terminal() {
			continue
		}
		finishedAt := item.UpdatedAt
		if item.CompletedAt != nil {
			finishedAt = *item.CompletedAt
		}
		if finishedAt.Before(before) {
			delete(s.items, id)
			purged++
		}
	}
	return purged, nil
}

func (s *MemoryStore) CountByStatus(_ context.Context, tenantID string) (domain.QueueStats, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stats := make(domain.QueueStats, len(domain.AllQueueStatuses))
	for _, status := range domain.AllQueueStatuses {
		stats[status] = 0
	}
	for _, item := range s.items {
		if tenantID != "" && item.TenantID != tenantID {
			continue
		}
		stats[item.Status]++
	}
	return stats, nil
}

func (s *MemoryStore) GetTenant(_ context.Context, tenantID string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	tenant, ok := s.tenants[tenantID]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *tenant
	return &clone, nil
}

func (s *MemoryStore) TenantByPrivateChat(_ context.Context, chatID string) (*domain.Tenant, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	for _, tenant := range s.tenants {
		if tenant.PrivateChatID != "" && tenant.PrivateChatID == chatID {
			clone := *tenant
			return &clone, nil
		}
	}
	return nil, ErrNotFound
}

func (s *MemoryStore) GetCredential(_ context.Context, tenantID, credentialID string) (*domain.Credential, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	credential, ok := s.credentials[domain.PairKey{TenantID: tenantID, CredentialID: credentialID}]
	if !ok {
		return nil, ErrNotFound
	}
	clone := *credential
	clone.Targets = append([]string(nil), credential.Targets...)
	return &clone, nil
}

func (s *MemoryStore) IncrementUsage(_ context.Context, tenantID string, delta int64) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	tenant, ok := s.tenants[tenantID]
	if !ok {
		return ErrNotFound
	}
	tenant.UsageCount += delta
	return nil
}

func (s *MemoryStore) GetCursor(_ context.Context, name string) (string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.cursors[name], nil
}

func (s *MemoryStore) SaveCursor(_ context.Context, name, value string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.cursors[name] = value
	return nil
}
