// Package rescorer periodically ages waiting entries so their priority tracks wait time.
package rescorer

import (
	"context"
	"time"

	"github.com/rs/zerolog/log"

	"triage-queue-backend/config"
)

// Ager recomputes priorities for the current time and reports how many changed.
type Ager interface {
	Age(ctx context.Context) (int, error)
}

// Service runs aging cycles on a fixed interval.
type Service struct {
	cfg   config.RescorerConfig
	queue Ager
}

// NewService creates a rescorer.
func NewService(cfg config.RescorerConfig, queue Ager) *Service {
	if cfg.Interval <= 0 {
		cfg.Interval = time.Duration(cfg.IntervalSeconds) * time.Second
	}
	if cfg.Interval <= 0 {
		cfg.Interval = time.Minute
	}
	return &Service{cfg: cfg, queue: queue}
}

// Run ages the queue once immediately and then every interval until ctx is done.
func (s *Service) Run(ctx context.Context) {
	if !s.cfg.Enabled {
		log.Info().Msg("rescorer is disabled, not starting")
		return
	}
	log.Info().Dur("interval", s.cfg.Interval).Msg("starting rescorer")

	s.RunOnce(ctx)

	timer := time.NewTimer(s.cfg.Interval)
	defer timer.Stop()

	for {
		select {
		case <-ctx.Done():
			log.Info().Msg("rescorer shutting down")
			return
		case <-timer.C:
			s.RunOnce(ctx)
			timer.Reset(s.cfg.Interval)
		}
	}
}

// RunOnce performs a single aging cycle.
func (s *Service) RunOnce(ctx context.Context) int {
	start := time.Now()
	changed, err := s.queue.Age(ctx)
	if err != nil {
		log.Error().Err(err).Int("changed", changed).Msg("aging cycle finished with errors")
		return changed
	}
	log.Debug().Int("changed", changed).Dur("took", time.Since(start)).Msg("aging cycle finished")
	return changed
}
