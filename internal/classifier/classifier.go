// Package classifier decides whether a raw message is an actionable tip and
// extracts its structured fields.
package classifier

import (
	"context"

	"github.com/iago/tiprelay/internal/domain"
)

// Input is what a classifier sees: message text, or downloaded media bytes.
type Input struct {
	Text      string
	Media     []byte
	MediaMIME string
}

// Classifier returns nil, nil when the message does not qualify.
type Classifier interface {
	Classify(ctx context.Context, input Input) (*domain.DetectedEvent, error)
}

type Func func(ctx context.Context, input Input) (*domain.DetectedEvent, error)

func (f Func) Classify(ctx context.Context, input Input) (*domain.DetectedEvent, error) {
	return f(ctx, input)
}

// Chain asks each classifier in order and returns the first positive result.
// Errors from one link do not prevent the next link from running; the last
// error is returned only if nobody classified the input.
type Chain []Classifier

func (c Chain) Classify(ctx context.Context, input Input) (*domain.DetectedEvent, error) {
	var lastErr error
	for _, link := range c {
		if link == nil {
			continue
		}
		event, err := link.Classify(ctx, input)
		if err != nil {
			lastErr = err
			continue
		}
		if event != nil {
			return event, nil
		}
	}
	return nil, lastErr
}
