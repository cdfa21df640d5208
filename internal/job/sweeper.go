package job

import (
	"context"
	"time"

	"github.com/robfig/cron/v3"
	"github.com/rs/zerolog"

	"github.com/avabot/avatard/internal/artifact"
	"github.com/avabot/avatard/internal/store"
)

// Sweeper periodically deletes terminal jobs older than the configured
// age and reclaims their artifacts. It only runs when retention is
// explicitly enabled; by default completed jobs are kept.
type Sweeper struct {
	cron        *cron.Cron
	resultStore *store.Store
	artifacts   artifact.Store
	maxAge      time.Duration
	logger      zerolog.Logger
}

// NewSweeper schedules a sweep on the given cron expression.
func NewSweeper(rs *store.Store, artifacts artifact.Store, schedule string, maxAge time.Duration, logger zerolog.Logger) (*Sweeper, error) {
	s := &Sweeper{
		cron:        cron.New(),
		resultStore: rs,
		artifacts:   artifacts,
		maxAge:      maxAge,
		logger:      logger.With().Str("component", "sweeper").Logger(),
	}
	if _, err := s.cron.AddFunc(schedule, s.Sweep); err != nil {
		return nil, err
	}
	return s, nil
}

// Start starts the schedule.
func (s *Sweeper) Start() {
	s.cron.Start()
}

// Stop stops the schedule and waits for a running sweep to finish.
func (s *Sweeper) Stop() {
	ctx := s.cron.Stop()
	<-ctx.Done()
}

// Sweep removes expired terminal jobs and their artifacts.
func (s *Sweeper) Sweep() {
	ctx := context.Background()

	locs, err := s.resultStore.DeleteOlderThan(ctx, s.maxAge)
	if err != nil {
		s.logger.Error().Err(err).Msg("Retention sweep failed")
		return
	}

	removed := 0
	for _, loc := range locs {
		if err := s.artifacts.Remove(ctx, loc); err != nil {
			s.logger.Warn().Err(err).Str("artifact", loc.String()).Msg("Failed to remove artifact")
			continue
		}
		removed++
	}

	if len(locs) > 0 {
		s.logger.Info().Int("artifacts", removed).Msg("Retention sweep complete")
	}
}
