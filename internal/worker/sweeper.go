package worker

import (
	"context"
	"time"

	"github.com/rs/zerolog"

	"github.com/iago/tiprelay/internal/metrics"
	"github.com/iago/tiprelay/internal/repository"
)

const (
	DefaultSweepInterval = time.Hour
	DefaultRetention     = 24 * time.Hour
)

// Sweeper deletes terminal queue rows older than the retention window.
type Sweeper struct {
	repo      repository.QueueRepository
	interval  time.Duration
	retention time.Duration
	now       func() time.Time
	logger    zerolog.Logger
}

func NewSweeper(repo repository.QueueRepository, interval, retention time.Duration, logger zerolog.Logger) *Sweeper {
	if interval <= 0 {
		interval = DefaultSweepInterval
	}
	if retention <= 0 {
		retention = DefaultRetention
	}
	return &Sweeper{
		repo:      repo,
		interval:  interval,
		retention: retention,
		now:       time.Now,
		logger:    logger.With().Str("component", "sweeper").Logger(),
	}
}

func (s *Sweeper) Serve(ctx context.Context) error {
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
			if _, err := s.Sweep(ctx); err != nil {
				s.logger.Error().Err(err).Msg("queue sweep failed")
			}
		}
	}
}

func (s *Sweeper) Sweep(ctx context.Context) (int, error) {
	purged, err := s.repo.PurgeFinished(ctx, s.now().UTC().Add(-s.retention))
	if err != nil {
		return 0, err
	}
	if purged > 0 {
		metrics.QueuePurged.Add(float64(purged))
		s.logger.Info().Int("purged", purged).Msg("finished queue items purged")
	}
	return purged, nil
}
