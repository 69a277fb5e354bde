// Package scheduler runs the control plane's periodic maintenance passes.
// It wraps gocron and owns three recurring jobs: the registry reconciliation
// pass (flushing in-memory heartbeat state to the store), the waitlist
// director (expiring overdue tickets and promoting successors), and the
// reboot-plan orchestrator tick (advancing running plans).
//
// Every job runs in singleton mode: if a pass is still running when the next
// tick fires, the new execution is skipped rather than overlapped. The passes
// are all idempotent, so a skipped tick is made up for by the next one.
package scheduler

import (
	"context"
	"fmt"
	"time"

	"github.com/go-co-op/gocron/v2"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/orchestrator"
	"github.com/fleetwise-io/fleetwise/internal/registry"
	"github.com/fleetwise-io/fleetwise/internal/waitlist"
)

// passTimeout bounds a single maintenance pass. A pass that cannot finish
// in this window is wedged on the database and aborting it is safe.
const passTimeout = 30 * time.Second

// Scheduler owns the recurring maintenance jobs.
// The zero value is not usable — create instances with New.
type Scheduler struct {
	cron     gocron.Scheduler
	registry *registry.Registry
	waitlist *waitlist.Waitlist
	orch     *orchestrator.Orchestrator
	logger   *zap.Logger
}

// New creates and configures a Scheduler. Call Start to begin processing.
func New(reg *registry.Registry, wl *waitlist.Waitlist, orch *orchestrator.Orchestrator, logger *zap.Logger) (*Scheduler, error) {
	s, err := gocron.NewScheduler()
	if err != nil {
		return nil, fmt.Errorf("failed to create gocron scheduler: %w", err)
	}

	return &Scheduler{
		cron:     s,
		registry: reg,
		waitlist: wl,
		orch:     orch,
		logger:   logger.Named("scheduler"),
	}, nil
}

// Start registers the maintenance jobs and starts the underlying gocron
// scheduler. It should be called once at server startup, after all
// subsystems are wired.
func (s *Scheduler) Start() error {
	jobs := []struct {
		name   string
		period time.Duration
		run    func(ctx context.Context) error
	}{
		{"registry-reconcile", registry.ReconcilePeriod, s.registry.Reconcile},
		{"waitlist-director", waitlist.ExpiryPeriod, s.waitlist.ExpireTickets},
		{"orchestrator-tick", orchestrator.TickPeriod, s.orch.Tick},
	}

	for _, j := range jobs {
		if err := s.addJob(j.name, j.period, j.run); err != nil {
			return fmt.Errorf("failed to schedule %s: %w", j.name, err)
		}
	}

	s.logger.Info("scheduler started", zap.Int("jobs_scheduled", len(jobs)))
	s.cron.Start()
	return nil
}

// Stop gracefully shuts down the underlying gocron scheduler, waiting for
// any currently running pass to complete before returning.
func (s *Scheduler) Stop() error {
	if err := s.cron.Shutdown(); err != nil {
		return fmt.Errorf("scheduler shutdown error: %w", err)
	}
	s.logger.Info("scheduler stopped")
	return nil
}

// addJob registers one pass as a gocron job with singleton mode. The job
// name is used as the gocron tag for identification.
func (s *Scheduler) addJob(name string, period time.Duration, run func(ctx context.Context) error) error {
	_, err := s.cron.NewJob(
		gocron.DurationJob(period),
		gocron.NewTask(func() {
			ctx, cancel := context.WithTimeout(context.Background(), passTimeout)
			defer cancel()

			if err := run(ctx); err != nil {
				s.logger.Error("maintenance pass failed",
					zap.String("job", name),
					zap.Error(err),
				)
			}
		}),
		gocron.WithTags(name),
		gocron.WithSingletonMode(gocron.LimitModeReschedule),
	)
	if err != nil {
		return fmt.Errorf("gocron.NewJob failed for %s: %w", name, err)
	}
	return nil
}
