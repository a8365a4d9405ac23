package correlation

import (
	"context"
	"errors"
	"fmt"

	"github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"
)

const defaultKeyPrefix = "tiprelay:correlation:"

// RedisCache shares pending entries across restarts. Values are stored
// without a TTL.
type RedisCache struct {
	client *redis.Client
	prefix string
}

func NewRedisCache(client *redis.Client, prefix string) *RedisCache {
	if prefix == "" {
		prefix = defaultKeyPrefix
	}
	return &RedisCache{client: client, prefix: prefix}
}

func (c *RedisCache) redisKey(key Key) string {
	return c.prefix + key.String()
}

func (c *RedisCache) Save(ctx context.Context, entry Entry) error {
	if !entry.Key.Valid() {
		return ErrInvalidKey
	}
	encoded, err := json.Marshal(entry)
	if err != nil {
		return fmt.Errorf("encode correlation entry: %w", err)
	}
	if err := c.client.Set(ctx, c.redisKey(entry.Key), encoded, 0).Err(); err != nil {
		return fmt.Errorf("save correlation entry: %w", err)
	}
	return nil
}

func (c *RedisCache) Get(ctx context.Context, key Key) (Entry, bool, error) {
	raw, err := c.client.Get(ctx, c.redisKey(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return Entry{}, false, nil
		}
		return Entry{}, false, fmt.Errorf("get correlation entry: %w", err)
	}
	entry, err := decodeEntry(key, raw)
	if err != nil {
		return Entry{}, false, err
	}
	return entry, true, nil
}

func (c *RedisCache) Remove(ctx context.Context, key Key) error {
	if err := c.client.Del(ctx, c.redisKey(key)).Err(); err != nil {
		return fmt.Errorf("remove correlation entry: %w", err)
	}
	return nil
}

func decodeEntry(key Key, raw []byte) (Entry, error) {
	var entry Entry
	if err := json.Unmarshal(raw, &entry); err != nil {
		return Entry{}, fmt.Errorf("decode correlation entry: %w", err)
	}
	entry.Key = key
	return entry, nil
}
