package daemon

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/harunnryd/genba/internal/config"
)

// Sweeper runs the session retention sweep on a cron schedule.
type Sweeper struct {
	schedule     string
	retentionAge time.Duration
	sweep        func(maxAge time.Duration) int
	cron         *cron.Cron
}

func NewSweeper(cfg config.DaemonConfig, sweep func(maxAge time.Duration) int) (*Sweeper, error) {
	schedule := cfg.SweepSchedule
	if schedule == "" {
		schedule = config.DefaultDaemonSweepSchedule
	}

	retentionAge, err := config.DurationOrDefault(cfg.RetentionAge, config.DefaultDaemonRetentionAge)
	if err != nil {
		return nil, fmt.Errorf("parse retention age: %w", err)
	}

	return &Sweeper{
		schedule:     schedule,
		retentionAge: retentionAge,
		sweep:        sweep,
	}, nil
}

func (s *Sweeper) Name() string { return "sweeper" }

func (s *Sweeper) Init(ctx context.Context) error {
	s.cron = cron.New()
	_, err := s.cron.AddFunc(s.schedule, func() {
		removed := s.sweep(s.retentionAge)
		slog.Info("Scheduled retention sweep ran", "removed", removed, "max_age", s.retentionAge)
	})
	if err != nil {
		return fmt.Errorf("invalid sweep schedule %q: %w", s.schedule, err)
	}
	return nil
}

func (s *Sweeper) Start(ctx context.Context) error {
	s.cron.Start()
	slog.Info("Sweeper started", "schedule", s.schedule, "retention_age", s.retentionAge)
	return nil
}

func (s *Sweeper) Stop(ctx context.Context) error {
	stopCtx := s.cron.Stop()
	select {
	case <-stopCtx.Done():
	case <-ctx.Done():
	}
	return nil
}

func (s *Sweeper) Health(ctx context.Context) error {
	if s.cron == nil {
		return fmt.Errorf("sweeper not initialized")
	}
	return nil
}
