package reply

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/redis/go-redis/v9"

	"github.com/iago/tiprelay/internal/transport"
)

// Publisher appends private-channel messages to a Source.
type Publisher interface {
	Publish(ctx context.Context, msg transport.Message) error
}

// ChannelSource is an in-memory Source with sequential integer offsets.
type ChannelSource struct {
	mu      sync.Mutex
	updates []Update
}

func NewChannelSource() *ChannelSource {
	return &ChannelSource{}
}

func (s *ChannelSource) Publish(_ context.Context, msg transport.Message) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.updates = append(s.updates, Update{
		Offset:  strconv.Itoa(len(s.updates) + 1),
		Message: msg,
	})
	return nil
}

func (s *ChannelSource) Fetch(_ context.Context, after string, limit int) ([]Update, error) {
	start := 0
	if after != "" {
		offset, err := strconv.Atoi(after)
		if err != nil {
			return nil, fmt.Errorf("invalid offset %q: %w", after, err)
		}
		start = offset
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if start >= len(s.updates) {
		return nil, nil
	}
	end := len(s.updates)
	if limit > 0 && start+limit < end {
		end = start + limit
	}
	return append([]Update(nil), s.updates[start:end]...), nil
}

// StreamSource keeps private-channel messages in a Redis stream. Stream entry
// ids are the offsets.
type StreamSource struct {
	client *redis.Client
	stream string
	maxLen int64
}

func NewStreamSource(client *redis.Client, stream string, maxLen int64) *StreamSource {
	if stream == "" {
		stream = "tiprelay:replies"
	}
	if maxLen <= 0 {
		maxLen = 100000
	}
	return &StreamSource{client: client, stream: stream, maxLen: maxLen}
}

func (s *StreamSource) Publish(ctx context.Context, msg transport.Message) error {
	raw, err := json.Marshal(msg)
	if err != nil {
		return fmt.Errorf("encode reply: %w", err)
	}
	_, err = s.client.XAdd(ctx, &redis.XAddArgs{
		Stream: s.stream,
		MaxLen: s.maxLen,
		Approx: true,
		Values: map[string]any{
			"chat_id": msg.ChatID,
			"message": string(raw),
		},
	}).Result()
	if err != nil {
		return fmt.Errorf("publish reply to stream: %w", err)
	}
	return nil
}

func (s *StreamSource) Fetch(ctx context.Context, after string, limit int) ([]Update, error) {
	start := "-"
	if after != "" {
		start = "(" + after
	}
	items, err := s.client.XRangeN(ctx, s.stream, start, "+", int64(limit)).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, nil
		}
		return nil, fmt.Errorf("xrange: %w", err)
	}
	updates := make([]Update, 0, len(items))
	for _, item := range items {
		msg, err := decodeStreamMessage(item)
		if err != nil {
			// Skip the poison entry but still advance past it.
			updates = append(updates, Update{Offset: item.ID})
			continue
		}
		updates = append(updates, Update{Offset: item.ID, Message: msg})
	}
	return updates, nil
}

func decodeStreamMessage(item redis.XMessage) (transport.Message, error) {
	value, ok := item.Values["message"]
	if !ok {
		return transport.Message{}, fmt.Errorf("stream entry %s: missing message field", item.ID)
	}
	var raw []byte
	switch casted := value.(type) {
	case string:
		raw = []byte(casted)
	case []byte:
		raw = casted
	default:
		raw = []byte(fmt.Sprintf("%v", casted))
	}
	var msg transport.Message
	if err := json.Unmarshal(raw, &msg); err != nil {
		return transport.Message{}, fmt.Errorf("stream entry %s: %w", item.ID, err)
	}
	return msg, nil
}
