package sync

import (
	"context"
	"fmt"
	"time"

	"github.com/robfig/cron/v3"
	"go.uber.org/zap"
)

// Reconciler runs a full reconciliation.
type Reconciler interface {
	Reconcile(ctx context.Context) error
}

// Scheduler re-runs reconciliation on a cron schedule so state converges
// even when no reconnect happens for a long time.
type Scheduler struct {
	cron    *cron.Cron
	target  Reconciler
	timeout time.Duration
	logger  *zap.Logger
}

// NewScheduler registers target under schedule, e.g. "@every 15m".
func NewScheduler(schedule string, target Reconciler, timeout time.Duration, logger *zap.Logger) (*Scheduler, error) {
	if timeout <= 0 {
		timeout = 5 * time.Minute
	}
	s := &Scheduler{
		cron:    cron.New(cron.WithChain(cron.SkipIfStillRunning(cron.DiscardLogger))),
		target:  target,
		timeout: timeout,
		logger:  logger,
	}
	if _, err := s.cron.AddFunc(schedule, s.run); err != nil {
		return nil, fmt.Errorf("schedule %q: %w", schedule, err)
	}
	return s, nil
}

// Start begins firing the schedule.
func (s *Scheduler) Start() {
	s.cron.Start()
}

// Stop halts the schedule and waits for a running reconciliation.
func (s *Scheduler) Stop(ctx context.Context) error {
	done := s.cron.Stop()
	select {
	case <-done.Done():
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

func (s *Scheduler) run() {
	ctx, cancel := context.WithTimeout(context.Background(), s.timeout)
	defer cancel()

	s.logger.Debug("scheduled reconcile")
	if err := s.target.Reconcile(ctx); err != nil {
		s.logger.Warn("scheduled reconcile failed", zap.Error(err))
	}
}
