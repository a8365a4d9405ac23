package repository

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/goccy/go-json"
	"github.com/iago/tiprelay/internal/domain"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

const schema = `
CREATE TABLE IF NOT EXISTS tenants (
	id              TEXT PRIMARY KEY,
	name            TEXT NOT NULL DEFAULT '',
	private_chat_id TEXT NOT NULL DEFAULT '',
	filters         JSONB NOT NULL DEFAULT '{}'::jsonb,
	usage_count     BIGINT NOT NULL DEFAULT 0
);
CREATE INDEX IF NOT EXISTS idx_tenants_private_chat ON tenants (private_chat_id);

CREATE TABLE IF NOT EXISTS credentials (
	id        TEXT NOT NULL,
	tenant_id TEXT NOT NULL REFERENCES tenants (id),
	token     TEXT NOT NULL DEFAULT '',
	targets   TEXT[] NOT NULL DEFAULT '{}',
	active    BOOLEAN NOT NULL DEFAULT TRUE,
	PRIMARY KEY (tenant_id, id)
);

CREATE TABLE IF NOT EXISTS monitor_sessions (
	id                 TEXT PRIMARY KEY,
	tenant_id          TEXT NOT NULL,
	credential_id      TEXT NOT NULL,
	is_active          BOOLEAN NOT NULL,
	last_heartbeat     TIMESTAMPTZ NOT NULL,
	processed_messages BIGINT NOT NULL DEFAULT 0,
	error_count        BIGINT NOT NULL DEFAULT 0,
	created_at         TIMESTAMPTZ NOT NULL,
	updated_at         TIMESTAMPTZ NOT NULL
);
CREATE UNIQUE INDEX IF NOT EXISTS idx_monitor_sessions_one_active
	ON monitor_sessions (tenant_id, credential_id) WHERE is_active;

CREATE TABLE IF NOT EXISTS session_restart_requests (
	tenant_id     TEXT NOT NULL,
	credential_id TEXT NOT NULL,
	requested_at  TIMESTAMPTZ NOT NULL,
	PRIMARY KEY (tenant_id, credential_id)
);

CREATE TABLE IF NOT EXISTS queue_items (
	id            TEXT PRIMARY KEY,
	tenant_id     TEXT NOT NULL,
	session_id    TEXT NOT NULL,
	event_id      TEXT NOT NULL,
	payload       JSONB NOT NULL,
	priority      INT NOT NULL,
	status        TEXT NOT NULL,
	attempts      INT NOT NULL DEFAULT 0,
	max_attempts  INT NOT NULL,
	not_before    TIMESTAMPTZ,
	error_message TEXT NOT NULL DEFAULT '',
	created_at    TIMESTAMPTZ NOT NULL,
	updated_at    TIMESTAMPTZ NOT NULL,
	completed_at  TIMESTAMPTZ
);
ALTER TABLE queue_items ADD COLUMN IF NOT EXISTS notification_id TEXT NOT NULL DEFAULT '';
ALTER TABLE queue_items ADD COLUMN IF NOT EXISTS usage_recorded BOOLEAN NOT NULL DEFAULT FALSE;
CREATE INDEX IF NOT EXISTS idx_queue_items_status ON queue_items (status, tenant_id);
CREATE INDEX IF NOT EXISTS idx_queue_items_event ON queue_items (event_id);

CREATE TABLE IF NOT EXISTS cursors (
	name  TEXT PRIMARY KEY,
	value TEXT NOT NULL
);
`

// PostgresStore implements Store on top of a pgx connection pool.
type PostgresStore struct {
	pool *pgxpool.Pool
}

func NewPostgresStore(ctx context.Context, databaseURL string) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, databaseURL)
	if err != nil {
		return nil, fmt.Errorf("create pg pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping pg: %w", err)
	}
	if _, err := pool.Exec(ctx, schema); err != nil {
		pool.Close()
		return nil, fmt.Errorf("apply schema: %w", err)
	}
	return &PostgresStore{pool: pool}, nil
}

func (r *PostgresStore) Close() {
	r.pool.Close()
}

func (r *PostgresStore) SaveSession(ctx context.Context, record *domain.SessionRecord) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO monitor_sessions (
			id, tenant_id, credential_id, is_active, last_heartbeat,
			processed_messages, error_count, created_at, updated_at
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9)
		ON CONFLICT (id) DO UPDATE SET
			is_active = EXCLUDED.is_active,
			last_heartbeat = EXCLUDED.last_heartbeat,
			processed_messages = EXCLUDED.processed_messages,
			error_count = EXCLUDED.error_count,
			updated_at = EXCLUDED.updated_at
	`,
		record.ID,
		record.TenantID,
		record.CredentialID,
		record.IsActive,
		record.LastHeartbeat,
		record.ProcessedMessages,
		record.ErrorCount,
		record.CreatedAt,
		record.UpdatedAt,
	)
	if err != nil {
		return fmt.Errorf("save session: %w", err)
	}
	return nil
}

func (r *PostgresStore) GetSession(ctx context.Context, sessionID string) (*domain.SessionRecord, error) {
	row := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, credential_id, is_active, last_heartbeat,
			processed_messages, error_count, created_at, updated_at
		FROM monitor_sessions
		WHERE id = $1
	`, sessionID)
	record, err := scanSession(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query session: %w", err)
	}
	return record, nil
}

func (r *PostgresStore) DeactivateSession(ctx context.Context, sessionID string) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE monitor_sessions SET is_active = FALSE, updated_at = now() WHERE id = $1
	`, sessionID)
	if err != nil {
		return fmt.Errorf("deactivate session: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) DeactivatePair(ctx context.Context, tenantID, credentialID string) error {
	_, err := r.pool.Exec(ctx, `
		UPDATE monitor_sessions SET is_active = FALSE, updated_at = now()
		WHERE tenant_id = $1 AND credential_id = $2 AND is_active
	`, tenantID, credentialID)
	if err != nil {
		return fmt.Errorf("deactivate pair: %w", err)
	}
	return nil
}

func (r *PostgresStore) UpdateHeartbeat(
	ctx context.Context,
	sessionID string,
	at time.Time,
	processed, errorCount int64,
) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE monitor_sessions
		SET last_heartbeat = $2,
			processed_messages = $3,
			error_count = $4,
			updated_at = now()
		WHERE id = $1
	`, sessionID, at, processed, errorCount)
	if err != nil {
		return fmt.Errorf("update heartbeat: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) ListActiveSessions(ctx context.Context) ([]domain.SessionRecord, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT id, tenant_id, credential_id, is_active, last_heartbeat,
			processed_messages, error_count, created_at, updated_at
		FROM monitor_sessions
		WHERE is_active
		ORDER BY created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("list active sessions: %w", err)
	}
	defer rows.Close()

	records := make([]domain.SessionRecord, 0)
	for rows.Next() {
		record, err := scanSession(rows)
		if err != nil {
			return nil, fmt.Errorf("scan session: %w", err)
		}
		records = append(records, *record)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate sessions: %w", rows.Err())
	}
	return records, nil
}

func (r *PostgresStore) RequestRestart(ctx context.Context, tenantID, credentialID string, at time.Time) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO session_restart_requests (tenant_id, credential_id, requested_at)
		VALUES ($1,$2,$3)
		ON CONFLICT (tenant_id, credential_id) DO NOTHING
	`, tenantID, credentialID, at)
	if err != nil {
		return fmt.Errorf("request restart: %w", err)
	}
	return nil
}

func (r *PostgresStore) TakeRestartRequests(ctx context.Context) ([]domain.RestartRequest, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM session_restart_requests
		RETURNING tenant_id, credential_id, requested_at
	`)
	if err != nil {
		return nil, fmt.Errorf("take restart requests: %w", err)
	}
	defer rows.Close()

	requests := make([]domain.RestartRequest, 0)
	for rows.Next() {
		var request domain.RestartRequest
		if err := rows.Scan(&request.TenantID, &request.CredentialID, &request.RequestedAt); err != nil {
			return nil, fmt.Errorf("scan restart request: %w", err)
		}
		requests = append(requests, request)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate restart requests: %w", rows.Err())
	}
	return requests, nil
}

func (r *PostgresStore) CreateQueueItem(ctx context.Context, item *domain.QueueItem) error {
	payload, err := json.Marshal(item.Payload)
	if err != nil {
		return fmt.Errorf("encode queue payload: %w", err)
	}
	_, err = r.pool.Exec(ctx, `
		INSERT INTO queue_items (
			id, tenant_id, session_id, event_id, payload, priority, status,
			attempts, max_attempts, not_before, error_message, created_at, updated_at, completed_at,
			notification_id, usage_recorded
		) VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14,$15,$16)
	`,
		item.ID,
		item.TenantID,
		item.SessionID,
		item.Payload.Event.ID,
		payload,
		item.Priority,
		string(item.Status),
		item.Attempts,
		item.MaxAttempts,
		item.NotBefore,
		item.ErrorMessage,
		item.CreatedAt,
		item.UpdatedAt,
		item.CompletedAt,
		item.NotificationID,
		item.UsageRecorded,
	)
	if err != nil {
		return fmt.Errorf("insert queue item: %w", err)
	}
	return nil
}

func (r *PostgresStore) UpdateQueueItem(ctx context.Context, item *domain.QueueItem) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE queue_items
		SET status = $2,
			attempts = $3,
			not_before = $4,
			error_message = $5,
			updated_at = $6,
			completed_at = $7,
			notification_id = $8,
			usage_recorded = $9
		WHERE id = $1
	`,
		item.ID,
		string(item.Status),
		item.Attempts,
		item.NotBefore,
		item.ErrorMessage,
		item.UpdatedAt,
		item.CompletedAt,
		item.NotificationID,
		item.UsageRecorded,
	)
	if err != nil {
		return fmt.Errorf("update queue item: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

const queueItemColumns = `id, tenant_id, session_id, payload, priority, status, attempts,
	max_attempts, not_before, error_message, created_at, updated_at, completed_at,
	notification_id, usage_recorded`

func (r *PostgresStore) GetQueueItem(ctx context.Context, itemID string) (*domain.QueueItem, error) {
	row := r.pool.QueryRow(ctx, `SELECT `+queueItemColumns+` FROM queue_items WHERE id = $1`, itemID)
	item, err := scanQueueItem(row)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query queue item: %w", err)
	}
	return item, nil
}

func (r *PostgresStore) ListUnfinished(ctx context.Context) ([]*domain.QueueItem, error) {
	rows, err := r.pool.Query(ctx, `
		SELECT `+queueItemColumns+`
		FROM queue_items
		WHERE status NOT IN ($1, $2)
		ORDER BY created_at ASC
	`, string(domain.QueueStatusCompleted), string(domain.QueueStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("list unfinished items: %w", err)
	}
	defer rows.Close()

	items := make([]*domain.QueueItem, 0)
	for rows.Next() {
		item, err := scanQueueItem(rows)
		if err != nil {
			return nil, fmt.Errorf("scan queue item: %w", err)
		}
		items = append(items, item)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate queue items: %w", rows.Err())
	}
	return items, nil
}

func (r *PostgresStore) DeleteUnfinishedByEventID(ctx context.Context, eventID string) ([]string, error) {
	rows, err := r.pool.Query(ctx, `
		DELETE FROM queue_items
		WHERE event_id = $1 AND status NOT IN ($2, $3)
		RETURNING id
	`, eventID, string(domain.QueueStatusCompleted), string(domain.QueueStatusFailed))
	if err != nil {
		return nil, fmt.Errorf("delete items by event: %w", err)
	}
	defer rows.Close()

	removed := make([]string, 0)
	for rows.Next() {
		var id string
		if err := rows.Scan(&id); err != nil {
			return nil, fmt.Errorf("scan removed item: %w", err)
		}
		removed = append(removed, id)
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate removed items: %w", rows.Err())
	}
	return removed, nil
}

func (r *PostgresStore) PurgeFinished(ctx context.Context, before time.Time) (int, error) {
	command, err := r.pool.Exec(ctx, `
		DELETE FROM queue_items
		WHERE status IN ($1, $2) AND COALESCE(completed_at, updated_at) < $3
	`, string(domain.QueueStatusCompleted), string(domain.QueueStatusFailed), before)
	if err != nil {
		return 0, fmt.Errorf("purge finished items: %w", err)
	}
	return int(command.RowsAffected()), nil
}

func (r *PostgresStore) CountByStatus(ctx context.Context, tenantID string) (domain.QueueStats, error) {
	query := `SELECT status, COUNT(*) FROM queue_items`
	args := make([]any, 0, 1)
	if tenantID != "" {
		query += ` WHERE tenant_id = $1`
		args = append(args, tenantID)
	}
	query += ` GROUP BY status`

	rows, err := r.pool.Query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("count queue items: %w", err)
	}
	defer rows.Close()

	stats := make(domain.QueueStats, len(domain.AllQueueStatuses))
	for _, status := range domain.AllQueueStatuses {
		stats[status] = 0
	}
	for rows.Next() {
		var (
			status string
			count  int
		)
		if err := rows.Scan(&status, &count); err != nil {
			return nil, fmt.Errorf("scan queue count: %w", err)
		}
		stats[domain.QueueStatus(status)] = count
	}
	if rows.Err() != nil {
		return nil, fmt.Errorf("iterate queue counts: %w", rows.Err())
	}
	return stats, nil
}

func (r *PostgresStore) GetTenant(ctx context.Context, tenantID string) (*domain.Tenant, error) {
	return r.queryTenant(ctx, `WHERE id = $1`, tenantID)
}

func (r *PostgresStore) TenantByPrivateChat(ctx context.Context, chatID string) (*domain.Tenant, error) {
	if chatID == "" {
		return nil, ErrNotFound
	}
	return r.queryTenant(ctx, `WHERE private_chat_id = $1`, chatID)
}

func (r *PostgresStore) queryTenant(ctx context.Context, where string, arg string) (*domain.Tenant, error) {
	var (
		tenant  domain.Tenant
		filters []byte
	)
	err := r.pool.QueryRow(ctx, `
		SELECT id, name, private_chat_id, filters, usage_count FROM tenants `+where+` LIMIT 1
	`, arg).Scan(&tenant.ID, &tenant.Name, &tenant.PrivateChatID, &filters, &tenant.UsageCount)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query tenant: %w", err)
	}
	if len(filters) > 0 {
		if err := json.Unmarshal(filters, &tenant.Filters); err != nil {
			return nil, fmt.Errorf("decode tenant filters: %w", err)
		}
	}
	return &tenant, nil
}

func (r *PostgresStore) GetCredential(ctx context.Context, tenantID, credentialID string) (*domain.Credential, error) {
	var credential domain.Credential
	err := r.pool.QueryRow(ctx, `
		SELECT id, tenant_id, token, targets, active
		FROM credentials
		WHERE tenant_id = $1 AND id = $2
	`, tenantID, credentialID).Scan(
		&credential.ID,
		&credential.TenantID,
		&credential.Token,
		&credential.Targets,
		&credential.Active,
	)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("query credential: %w", err)
	}
	return &credential, nil
}

func (r *PostgresStore) IncrementUsage(ctx context.Context, tenantID string, delta int64) error {
	command, err := r.pool.Exec(ctx, `
		UPDATE tenants SET usage_count = usage_count + $2 WHERE id = $1
	`, tenantID, delta)
	if err != nil {
		return fmt.Errorf("increment usage: %w", err)
	}
	if command.RowsAffected() == 0 {
		return ErrNotFound
	}
	return nil
}

func (r *PostgresStore) GetCursor(ctx context.Context, name string) (string, error) {
	var value string
	err := r.pool.QueryRow(ctx, `SELECT value FROM cursors WHERE name = $1`, name).Scan(&value)
	if err != nil {
		if errors.Is(err, pgx.ErrNoRows) {
			return "", nil
		}
		return "", fmt.Errorf("query cursor: %w", err)
	}
	return value, nil
}

func (r *PostgresStore) SaveCursor(ctx context.Context, name, value string) error {
	_, err := r.pool.Exec(ctx, `
		INSERT INTO cursors (name, value) VALUES ($1,$2)
		ON CONFLICT (name) DO UPDATE SET value = EXCLUDED.value
	`, name, value)
	if err != nil {
		return fmt.Errorf("save cursor: %w", err)
	}
	return nil
}

func scanSession(row pgx.Row) (*domain.SessionRecord, error) {
	var record domain.SessionRecord
	err := row.Scan(
		&record.ID,
		&record.TenantID,
		&record.CredentialID,
		&record.IsActive,
		&record.LastHeartbeat,
		&record.ProcessedMessages,
		&record.ErrorCount,
		&record.CreatedAt,
		&record.UpdatedAt,
	)
	if err != nil {
		return nil, err
	}
	return &record, nil
}

func scanQueueItem(row pgx.Row) (*domain.QueueItem, error) {
	var (
		item    domain.QueueItem
		payload []byte
		status  string
	)
	err := row.Scan(
		&item.ID,
		&item.TenantID,
		&item.SessionID,
		&payload,
		&item.Priority,
		&status,
		&item.Attempts,
		&item.MaxAttempts,
		&item.NotBefore,
		&item.ErrorMessage,
		&item.CreatedAt,
		&item.UpdatedAt,
		&item.CompletedAt,
		&item.NotificationID,
		&item.UsageRecorded,
	)
	if err != nil {
		return nil, err
	}
	item.Status = domain.QueueStatus(status)
	if err := json.Unmarshal(payload, &item.Payload); err != nil {
		return nil, fmt.Errorf("decode queue payload: %w", err)
	}
	return &item, nil
}
