package classifier

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/iago/tiprelay/internal/domain"
)

type CacheConfig struct {
	TTL        time.Duration
	MaxEntries int
}

type cachedVerdict struct {
	event     *domain.DetectedEvent
	createdAt time.Time
	expiresAt time.Time
}

// Cached remembers verdicts of the wrapped classifier by content signature.
// The same tip is usually forwarded into several monitored chats, and each
// copy would otherwise cost a model call. Errors are never cached.
type Cached struct {
	next       Classifier
	ttl        time.Duration
	maxEntries int
	now        func() time.Time

	mu      sync.Mutex
	entries map[string]cachedVerdict
}

func NewCached(next Classifier, config CacheConfig) *Cached {
	if config.TTL <= 0 {
		config.TTL = 15 * time.Minute
	}
	if config.MaxEntries <= 0 {
		config.MaxEntries = 2000
	}
	return &Cached{
		next:       next,
		ttl:        config.TTL,
		maxEntries: config.MaxEntries,
		now:        time.Now,
		entries:    make(map[string]cachedVerdict),
	}
}

func (c *Cached) Classify(ctx context.Context, input Input) (*domain.DetectedEvent, error) {
	signature := Signature(input)
	now := c.now()

	c.mu.Lock()
	entry, ok := c.entries[signature]
	if ok && now.After(entry.expiresAt) {
		delete(c.entries, signature)
		ok = false
	}
	c.mu.Unlock()
	if ok {
		return cloneEvent(entry.event), nil
	}

	event, err := c.next.Classify(ctx, input)
	if err != nil {
		return nil, err
	}

	c.mu.Lock()
	if len(c.entries) >= c.maxEntries {
		c.evictOldestLocked()
	}
	c.entries[signature] = cachedVerdict{
		event:     cloneEvent(event),
		createdAt: now,
		expiresAt: now.Add(c.ttl),
	}
	c.mu.Unlock()
	return event, nil
}

func (c *Cached) Len() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	return len(c.entries)
}

func (c *Cached) evictOldestLocked() {
	type pair struct {
		key       string
		createdAt time.Time
	}
	pairs := make([]pair, 0, len(c.entries))
	for key, value := range c.entries {
		pairs = append(pairs, pair{key: key, createdAt: value.createdAt})
	}
	if len(pairs) == 0 {
		return
	}
	sort.Slice(pairs, func(i, j int) bool {
		return pairs[i].createdAt.Before(pairs[j].createdAt)
	})
	delete(c.entries, pairs[0].key)
}

// Signature normalizes text and hashes it together with any media bytes.
func Signature(input Input) string {
	hasher := sha256.New()
	hasher.Write([]byte(strings.Join(strings.Fields(strings.ToLower(input.Text)), " ")))
	hasher.Write([]byte{0})
	hasher.Write(input.Media)
	return hex.EncodeToString(hasher.Sum(nil))
}

func cloneEvent(event *domain.DetectedEvent) *domain.DetectedEvent {
	if event == nil {
		return nil
	}
	clone := event.Clone()
	return &clone
}
