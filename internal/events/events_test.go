package events

import (
	"bytes"
	"context"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/rs/zerolog"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/iago/tiprelay/internal/domain"
)

func TestLogObserverLevels(t *testing.T) {
	var buf bytes.Buffer
	observer := NewLogObserver(zerolog.New(&buf))

	observer.Observe(context.Background(), domain.LifecycleEvent{
		Type:      domain.LifecycleSessionError,
		TenantID:  "t1",
		SessionID: "s1",
		Error:     "token revoked",
		Fatal:     true,
	})

	var line map[string]any
	require.NoError(t, json.Unmarshal(buf.Bytes(), &line))
	assert.Equal(t, "error", line["level"])
	assert.Equal(t, "session_error", line["type"])
	assert.Equal(t, "token revoked", line["error"])
	assert.Equal(t, true, line["fatal"])
}

func TestEncodeStreamValues(t *testing.T) {
	at := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	values, err := encode(domain.LifecycleEvent{
		Type:        domain.LifecycleQueueItemFailed,
		TenantID:    "t1",
		QueueItemID: "item-1",
		At:          at,
	})
	require.NoError(t, err)
	assert.Equal(t, "queue_item_failed", values["type"])
	assert.Equal(t, "t1", values["tenant_id"])

	var record streamRecord
	require.NoError(t, json.Unmarshal([]byte(values["event"].(string)), &record))
	assert.Equal(t, "item-1", record.QueueItemID)
	assert.True(t, record.At.Equal(at))
	assert.Empty(t, record.SessionID)
}
