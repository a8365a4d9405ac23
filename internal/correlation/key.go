// Package correlation links an outbound notification to the pending event it
// describes, so a later reply to that notification can finalize the event.
package correlation

import (
	"errors"
	"strings"
	"time"

	"github.com/iago/tiprelay/internal/domain"
)

const keySeparator = "_"

var ErrInvalidKey = errors.New("invalid correlation key")

// Key identifies a pending event by the tenant and the provider-assigned id of
// the notification the engine sent for it. Keys are comparable and are used
// directly as map keys.
type Key struct {
	TenantID  string
	MessageID string
}

// NewKey is the only constructor used by both the notification writer and the
// reply reader.
func NewKey(tenantID, messageID string) Key {
	return Key{
		TenantID:  strings.TrimSpace(tenantID),
		MessageID: strings.TrimSpace(messageID),
	}
}

func (k Key) Valid() bool {
	return k.TenantID != "" && k.MessageID != ""
}

func (k Key) String() string {
	return k.TenantID + keySeparator + k.MessageID
}

// ParseKey reverses String. Tenant ids may contain the separator, message ids
// may not, so the last separator splits the two.
func ParseKey(value string) (Key, error) {
	index := strings.LastIndex(value, keySeparator)
	if index <= 0 || index == len(value)-1 {
		return Key{}, ErrInvalidKey
	}
	return NewKey(value[:index], value[index+1:]), nil
}

// Entry is the cached pending event plus the ids needed to write it back.
type Entry struct {
	Key         Key                  `json:"-"`
	Event       domain.DetectedEvent `json:"event"`
	QueueItemID string               `json:"queue_item_id"`
	ChatID      string               `json:"chat_id"`
	CreatedAt   time.Time            `json:"created_at"`
}

func (e Entry) Clone() Entry {
	clone := e
	clone.Event = e.Event.Clone()
	return clone
}
