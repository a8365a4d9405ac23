//go:build integration

package repository

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/tiprelay/internal/domain"
	"github.com/iago/tiprelay/internal/testinfra"
)

func newPostgresStore(t *testing.T) *PostgresStore {
	t.Helper()
	dsn := testinfra.StartPostgres(t)

	ctx, cancel := context.WithTimeout(context.Background(), 30*time.Second)
	defer cancel()
	store, err := NewPostgresStore(ctx, dsn)
	require.NoError(t, err)
	t.Cleanup(store.Close)

	_, err = store.pool.Exec(ctx, `
		INSERT INTO tenants (id, name, private_chat_id, filters) VALUES
			('t1', 'Tenant One', 'dm-1', '{"include_keywords":["odd"]}')
	`)
	require.NoError(t, err)
	_, err = store.pool.Exec(ctx, `
		INSERT INTO credentials (id, tenant_id, token, targets) VALUES ('c1', 't1', 'tok', '{group-1,group-2}')
	`)
	require.NoError(t, err)
	return store
}

func sessionRecord(id string, active bool, at time.Time) *domain.SessionRecord {
	return &domain.SessionRecord{
		ID: id, TenantID: "t1", CredentialID: "c1", IsActive: active,
		LastHeartbeat: at, CreatedAt: at, UpdatedAt: at,
	}
}

func queueItem(id, eventID string, status domain.QueueStatus, at time.Time) *domain.QueueItem {
	return &domain.QueueItem{
		ID: id, TenantID: "t1", SessionID: "s1", Priority: domain.PriorityBase,
		Status: status, MaxAttempts: 3, CreatedAt: at, UpdatedAt: at,
		Payload: domain.QueuePayload{
			Text:  "Team A vs Team B odd 1.85",
			Event: domain.DetectedEvent{ID: eventID, TenantID: "t1", Match: "Team A vs Team B", Odds: 1.85},
		},
	}
}

func TestPostgresAllowsOneActiveSessionPerPair(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.SaveSession(ctx, sessionRecord("s1", true, now)))
	require.Error(t, store.SaveSession(ctx, sessionRecord("s2", true, now.Add(time.Second))))

	require.NoError(t, store.DeactivatePair(ctx, "t1", "c1"))
	require.NoError(t, store.SaveSession(ctx, sessionRecord("s2", true, now.Add(time.Second))))

	active, err := store.ListActiveSessions(ctx)
	require.NoError(t, err)
	require.Len(t, active, 1)
	assert.Equal(t, "s2", active[0].ID)

	require.NoError(t, store.UpdateHeartbeat(ctx, "s2", now.Add(time.Minute), 7, 1))
	record, err := store.GetSession(ctx, "s2")
	require.NoError(t, err)
	assert.True(t, record.LastHeartbeat.Equal(now.Add(time.Minute)))
	assert.EqualValues(t, 7, record.ProcessedMessages)

	assert.ErrorIs(t, store.DeactivateSession(ctx, "missing"), ErrNotFound)
	assert.ErrorIs(t, store.UpdateHeartbeat(ctx, "missing", now, 0, 0), ErrNotFound)
}

func TestPostgresTakeRestartRequestsDrainsTable(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.RequestRestart(ctx, "t1", "c1", now))
	require.NoError(t, store.RequestRestart(ctx, "t1", "c1", now.Add(time.Second)))
	require.NoError(t, store.RequestRestart(ctx, "t1", "c2", now))

	requests, err := store.TakeRestartRequests(ctx)
	require.NoError(t, err)
	assert.Len(t, requests, 2)
	for _, request := range requests {
		if request.CredentialID == "c1" {
			assert.True(t, request.RequestedAt.Equal(now), "first request wins")
		}
	}

	requests, err = store.TakeRestartRequests(ctx)
	require.NoError(t, err)
	assert.Empty(t, requests)
}

func TestPostgresPurgeFinishedTouchesOnlyOldTerminalRows(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 2, 12, 0, 0, 0, time.UTC)
	old := now.Add(-48 * time.Hour)

	completedOld := queueItem("completed-old", "e1", domain.QueueStatusCompleted, old)
	completedOld.CompletedAt = &old
	failedOld := queueItem("failed-old", "e2", domain.QueueStatusFailed, old)
	pendingOld := queueItem("pending-old", "e3", domain.QueueStatusPending, old)
	completedNew := queueItem("completed-new", "e4", domain.QueueStatusCompleted, now)
	completedNew.CompletedAt = &now
	for _, item := range []*domain.QueueItem{completedOld, failedOld, pendingOld, completedNew} {
		require.NoError(t, store.CreateQueueItem(ctx, item))
	}

	purged, err := store.PurgeFinished(ctx, now.Add(-24*time.Hour))
	require.NoError(t, err)
	assert.Equal(t, 2, purged)

	for _, id := range []string{"pending-old", "completed-new"} {
		_, err := store.GetQueueItem(ctx, id)
		assert.NoError(t, err, id)
	}
	_, err = store.GetQueueItem(ctx, "failed-old")
	assert.ErrorIs(t, err, ErrNotFound)
}

func TestPostgresQueueItemProgressAndEventCleanup(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)

	pending := queueItem("q1", "evt-1", domain.QueueStatusPending, now)
	done := queueItem("q2", "evt-1", domain.QueueStatusCompleted, now)
	require.NoError(t, store.CreateQueueItem(ctx, pending))
	require.NoError(t, store.CreateQueueItem(ctx, done))

	pending.Status = domain.QueueStatusProcessing
	pending.Attempts = 1
	pending.NotificationID = "msg-1"
	pending.UsageRecorded = true
	require.NoError(t, store.UpdateQueueItem(ctx, pending))

	stored, err := store.GetQueueItem(ctx, "q1")
	require.NoError(t, err)
	assert.Equal(t, domain.QueueStatusProcessing, stored.Status)
	assert.Equal(t, "msg-1", stored.NotificationID)
	assert.True(t, stored.UsageRecorded)
	assert.Equal(t, "Team A vs Team B", stored.Payload.Event.Match)

	unfinished, err := store.ListUnfinished(ctx)
	require.NoError(t, err)
	require.Len(t, unfinished, 1)
	assert.Equal(t, "q1", unfinished[0].ID)

	stats, err := store.CountByStatus(ctx, "t1")
	require.NoError(t, err)
	assert.Equal(t, 1, stats[domain.QueueStatusProcessing])
	assert.Equal(t, 1, stats[domain.QueueStatusCompleted])

	removed, err := store.DeleteUnfinishedByEventID(ctx, "evt-1")
	require.NoError(t, err)
	assert.Equal(t, []string{"q1"}, removed)
	_, err = store.GetQueueItem(ctx, "q2")
	assert.NoError(t, err)

	assert.ErrorIs(t, store.UpdateQueueItem(ctx, pending), ErrNotFound)
}

func TestPostgresTenantsUsageAndCursor(t *testing.T) {
	store := newPostgresStore(t)
	ctx := context.Background()

	tenant, err := store.TenantByPrivateChat(ctx, "dm-1")
	require.NoError(t, err)
	assert.Equal(t, "t1", tenant.ID)
	assert.Equal(t, []string{"odd"}, tenant.Filters.IncludeKeywords)

	credential, err := store.GetCredential(ctx, "t1", "c1")
	require.NoError(t, err)
	assert.Equal(t, []string{"group-1", "group-2"}, credential.Targets)

	require.NoError(t, store.IncrementUsage(ctx, "t1", 2))
	tenant, err = store.GetTenant(ctx, "t1")
	require.NoError(t, err)
	assert.EqualValues(t, 2, tenant.UsageCount)
	assert.ErrorIs(t, store.IncrementUsage(ctx, "nobody", 1), ErrNotFound)

	cursor, err := store.GetCursor(ctx, "reply_intake")
	require.NoError(t, err)
	assert.Empty(t, cursor)
	require.NoError(t, store.SaveCursor(ctx, "reply_intake", "1-0"))
	require.NoError(t, store.SaveCursor(ctx, "reply_intake", "2-0"))
	cursor, err = store.GetCursor(ctx, "reply_intake")
	require.NoError(t, err)
	assert.Equal(t, "2-0", cursor)
}
