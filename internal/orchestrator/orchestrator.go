// Package orchestrator drives rolling reboots across the fleet. A reboot
// plan names a set of servers and a concurrency bound; while the plan
// runs, the orchestrator keeps at most that many reboots in flight,
// dispatching each as an external workflow job and watching the node come
// back on its new platform before the slot frees up.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/metrics"
	"github.com/fleetwise-io/fleetwise/internal/store"
	"github.com/fleetwise-io/fleetwise/internal/workflow"
)

// TickPeriod is how often running plans are advanced.
const TickPeriod = 5 * time.Second

// rebootJobName is the workflow the engine runs for a single server reboot.
const rebootJobName = "server-reboot"

var (
	// ErrInvalidTransition is returned when a plan action is not legal in
	// the plan's current state.
	ErrInvalidTransition = errors.New("orchestrator: invalid plan state transition")

	// ErrServerInPendingPlan is returned when a plan would include a
	// server that already belongs to a non-terminal plan.
	ErrServerInPendingPlan = errors.New("orchestrator: server already in a pending reboot plan")
)

// transitions maps an action to the plan states it is legal from.
var transitions = map[string][]string{
	"run":      {db.PlanStateCreated, db.PlanStateStopped},
	"continue": {db.PlanStateStopped},
	"stop":     {db.PlanStateRunning},
	"cancel":   {db.PlanStateCreated, db.PlanStateRunning, db.PlanStateStopped},
	"finish":   {db.PlanStateRunning},
}

// Liveness is the slice of the server registry the orchestrator needs to
// decide a rebooted node is operational again.
type Liveness interface {
	Running(serverUUID uuid.UUID) bool
}

// Orchestrator owns plan state transitions and the reboot dispatch loop.
// The zero value is not usable — create instances with New.
type Orchestrator struct {
	plans    store.RebootPlanRepository
	servers  store.ServerRepository
	liveness Liveness
	engine   workflow.Engine
	logger   *zap.Logger

	// mu serializes plan mutations: API-driven transitions and the tick
	// loop must not interleave within one plan.
	mu sync.Mutex
}

// New creates an Orchestrator.
func New(plans store.RebootPlanRepository, servers store.ServerRepository, liveness Liveness, engine workflow.Engine, logger *zap.Logger) *Orchestrator {
	return &Orchestrator{
		plans:    plans,
		servers:  servers,
		liveness: liveness,
		engine:   engine,
		logger:   logger.Named("orchestrator"),
	}
}

// CreatePlan validates the server set and persists a new plan in state
// created, with one reboot entry per server snapshotting its current and
// boot platforms. A server may belong to at most one non-terminal plan.
func (o *Orchestrator) CreatePlan(ctx context.Context, serverUUIDs []uuid.UUID, concurrency int, singleStep bool) (*db.RebootPlan, []db.Reboot, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	if concurrency < 1 {
		concurrency = 1
	}

	reboots := make([]db.Reboot, 0, len(serverUUIDs))
	for _, id := range serverUUIDs {
		server, err := o.servers.Get(ctx, id)
		if err != nil {
			return nil, nil, fmt.Errorf("orchestrator: server %s: %w", id, err)
		}
		if _, err := o.plans.PendingPlanForServer(ctx, id); err == nil {
			return nil, nil, fmt.Errorf("%w: %s", ErrServerInPendingPlan, id)
		} else if !errors.Is(err, store.ErrNotFound) {
			return nil, nil, err
		}
		reboots = append(reboots, db.Reboot{
			ServerUUID:      server.UUID,
			ServerHostname:  server.Hostname,
			CurrentPlatform: server.CurrentPlatform,
			BootPlatform:    server.BootPlatform,
			Headnode:        server.Headnode,
		})
	}

	plan := &db.RebootPlan{
		Concurrency: concurrency,
		State:       db.PlanStateCreated,
		SingleStep:  singleStep,
	}
	if err := o.plans.CreatePlan(ctx, plan, reboots); err != nil {
		return nil, nil, err
	}

	created, err := o.plans.ListReboots(ctx, plan.ID)
	if err != nil {
		return nil, nil, err
	}
	o.logger.Info("reboot plan created",
		zap.String("plan_uuid", plan.ID.String()),
		zap.Int("servers", len(created)),
		zap.Int("concurrency", concurrency),
		zap.Bool("single_step", singleStep),
	)
	return plan, created, nil
}

// GetPlan returns a plan with its reboots.
func (o *Orchestrator) GetPlan(ctx context.Context, id uuid.UUID) (*db.RebootPlan, []db.Reboot, error) {
	plan, err := o.plans.GetPlan(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	reboots, err := o.plans.ListReboots(ctx, id)
	if err != nil {
		return nil, nil, err
	}
	return plan, reboots, nil
}

// ListPlans returns plans, optionally narrowed to a state set.
func (o *Orchestrator) ListPlans(ctx context.Context, states []string, opts store.ListOptions) ([]db.RebootPlan, error) {
	return o.plans.ListPlans(ctx, states, opts)
}

// DeletePlan removes a terminal plan and its reboots. Non-terminal plans
// must be canceled first.
func (o *Orchestrator) DeletePlan(ctx context.Context, id uuid.UUID) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, err := o.plans.GetPlan(ctx, id)
	if err != nil {
		return err
	}
	if !plan.Terminal() {
		return fmt.Errorf("%w: cannot delete plan in state %q", ErrInvalidTransition, plan.State)
	}
	return o.plans.DeletePlan(ctx, id)
}

// Run starts or resumes a plan. Legal from created and stopped.
func (o *Orchestrator) Run(ctx context.Context, id uuid.UUID) (*db.RebootPlan, error) {
	return o.transition(ctx, id, "run", db.PlanStateRunning)
}

// Continue resumes a stopped plan. A single_step plan continues one batch
// at a time through repeated Continue calls.
func (o *Orchestrator) Continue(ctx context.Context, id uuid.UUID) (*db.RebootPlan, error) {
	return o.transition(ctx, id, "continue", db.PlanStateRunning)
}

// Stop pauses a running plan. In-flight reboots keep going; no new ones
// are dispatched until the plan resumes.
func (o *Orchestrator) Stop(ctx context.Context, id uuid.UUID) (*db.RebootPlan, error) {
	return o.transition(ctx, id, "stop", db.PlanStateStopped)
}

// Cancel terminally abandons a plan and stamps canceled_at on every reboot
// that has not yet come back operational. In-flight workflow jobs are left
// to finish on their own.
func (o *Orchestrator) Cancel(ctx context.Context, id uuid.UUID) (*db.RebootPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()

	plan, err := o.transitionLocked(ctx, id, "cancel", db.PlanStateCanceled)
	if err != nil {
		return nil, err
	}

	reboots, err := o.plans.ListReboots(ctx, id)
	if err != nil {
		return nil, err
	}
	now := time.Now().UTC()
	var errs error
	for i := range reboots {
		r := &reboots[i]
		if r.OperationalAt != nil || r.CanceledAt != nil {
			continue
		}
		r.CanceledAt = &now
		if err := o.plans.UpdateReboot(ctx, r); err != nil {
			errs = multierr.Append(errs, err)
		}
	}
	return plan, errs
}

func (o *Orchestrator) transition(ctx context.Context, id uuid.UUID, action, next string) (*db.RebootPlan, error) {
	o.mu.Lock()
	defer o.mu.Unlock()
	return o.transitionLocked(ctx, id, action, next)
}

// transitionLocked applies one guarded state transition. Caller holds o.mu.
func (o *Orchestrator) transitionLocked(ctx context.Context, id uuid.UUID, action, next string) (*db.RebootPlan, error) {
	plan, err := o.plans.GetPlan(ctx, id)
	if err != nil {
		return nil, err
	}

	allowed := false
	for _, from := range transitions[action] {
		if plan.State == from {
			allowed = true
			break
		}
	}
	if !allowed {
		return nil, fmt.Errorf("%w: %s from %q", ErrInvalidTransition, action, plan.State)
	}

	if err := o.plans.UpdatePlanState(ctx, id, next); err != nil {
		return nil, err
	}
	plan.State = next
	o.logger.Info("plan state changed",
		zap.String("plan_uuid", id.String()),
		zap.String("action", action),
		zap.String("state", next),
	)
	return plan, nil
}

// Tick advances every running plan one step. Invoked periodically by the
// background scheduler; safe to call concurrently with API transitions.
func (o *Orchestrator) Tick(ctx context.Context) error {
	o.mu.Lock()
	defer o.mu.Unlock()

	running, err := o.plans.ListPlans(ctx, []string{db.PlanStateRunning}, store.ListOptions{})
	if err != nil {
		return err
	}

	var errs error
	for i := range running {
		if err := o.advancePlan(ctx, &running[i]); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("plan %s: %w", running[i].ID, err))
		}
	}
	return errs
}

// advancePlan is one scheduling pass over a running plan: settle finished
// jobs, detect nodes back in service, dispatch into the free budget, and
// finish the plan when nothing is left. Caller holds o.mu.
func (o *Orchestrator) advancePlan(ctx context.Context, plan *db.RebootPlan) error {
	reboots, err := o.plans.ListReboots(ctx, plan.ID)
	if err != nil {
		return err
	}

	now := time.Now().UTC()
	inFlight := 0
	done := 0
	var pending []*db.Reboot

	for i := range reboots {
		r := &reboots[i]
		switch {
		case r.CanceledAt != nil || r.OperationalAt != nil:
			done++
		case r.StartedAt == nil:
			pending = append(pending, r)
		default:
			if err := o.settleReboot(ctx, r, now); err != nil {
				o.logger.Warn("failed to settle reboot",
					zap.String("reboot_uuid", r.ID.String()),
					zap.Error(err),
				)
			}
			if r.OperationalAt != nil {
				done++
			} else {
				inFlight++
			}
		}
	}

	// Headnodes reboot last; everyone else goes lowest uuid first so the
	// order is stable across ticks.
	sort.Slice(pending, func(i, j int) bool {
		if pending[i].Headnode != pending[j].Headnode {
			return !pending[i].Headnode
		}
		return pending[i].ServerUUID.String() < pending[j].ServerUUID.String()
	})

	dispatched := 0
	for _, r := range pending {
		if inFlight >= plan.Concurrency {
			break
		}
		if err := o.dispatchReboot(ctx, r, now); err != nil {
			o.logger.Error("failed to dispatch reboot",
				zap.String("plan_uuid", plan.ID.String()),
				zap.String("server_uuid", r.ServerUUID.String()),
				zap.Error(err),
			)
			continue
		}
		inFlight++
		dispatched++
	}

	if done == len(reboots) {
		_, err := o.transitionLocked(ctx, plan.ID, "finish", db.PlanStateComplete)
		return err
	}
	if dispatched > 0 && plan.SingleStep {
		_, err := o.transitionLocked(ctx, plan.ID, "stop", db.PlanStateStopped)
		return err
	}
	return nil
}

// settleReboot moves one in-flight reboot forward: a terminal workflow job
// stamps finished_at, and a node heartbeating again on its target platform
// stamps operational_at, releasing the concurrency slot.
func (o *Orchestrator) settleReboot(ctx context.Context, r *db.Reboot, now time.Time) error {
	changed := false

	if r.FinishedAt == nil && r.JobUUID != nil {
		job, err := o.engine.JobStatus(ctx, *r.JobUUID)
		if err != nil {
			return err
		}
		if job.Terminal() {
			r.FinishedAt = &now
			changed = true
		}
	}

	if r.FinishedAt != nil && r.OperationalAt == nil {
		server, err := o.servers.Get(ctx, r.ServerUUID)
		if err != nil {
			return err
		}
		if o.liveness.Running(r.ServerUUID) && server.CurrentPlatform == server.BootPlatform {
			r.OperationalAt = &now
			changed = true
			o.logger.Info("server operational after reboot",
				zap.String("server_uuid", r.ServerUUID.String()),
				zap.String("platform", server.CurrentPlatform),
			)
		}
	}

	if !changed {
		return nil
	}
	return o.plans.UpdateReboot(ctx, r)
}

// dispatchReboot creates the workflow job for one reboot and stamps
// started_at.
func (o *Orchestrator) dispatchReboot(ctx context.Context, r *db.Reboot, now time.Time) error {
	job, err := o.engine.CreateJob(ctx, rebootJobName, map[string]any{
		"server_uuid":   r.ServerUUID.String(),
		"server_hostname": r.ServerHostname,
		"boot_platform": r.BootPlatform,
	})
	if err != nil {
		return err
	}

	jobUUID := job.UUID
	r.JobUUID = &jobUUID
	r.StartedAt = &now
	if err := o.plans.UpdateReboot(ctx, r); err != nil {
		return err
	}

	if err := o.servers.UpdateStatus(ctx, r.ServerUUID, db.ServerStatusRebooting); err != nil {
		o.logger.Warn("failed to mark server rebooting",
			zap.String("server_uuid", r.ServerUUID.String()),
			zap.Error(err),
		)
	}

	metrics.RebootsDispatched.Inc()
	o.logger.Info("reboot dispatched",
		zap.String("server_uuid", r.ServerUUID.String()),
		zap.String("job_uuid", jobUUID.String()),
	)
	return nil
}

// RebootServer kicks off a standalone reboot job for one server, outside
// any plan. Returns the created workflow job.
func (o *Orchestrator) RebootServer(ctx context.Context, serverUUID uuid.UUID) (*workflow.Job, error) {
	server, err := o.servers.Get(ctx, serverUUID)
	if err != nil {
		return nil, err
	}
	job, err := o.engine.CreateJob(ctx, rebootJobName, map[string]any{
		"server_uuid":   server.UUID.String(),
		"server_hostname": server.Hostname,
		"boot_platform": server.BootPlatform,
	})
	if err != nil {
		return nil, err
	}
	if err := o.servers.UpdateStatus(ctx, server.UUID, db.ServerStatusRebooting); err != nil {
		o.logger.Warn("failed to mark server rebooting",
			zap.String("server_uuid", server.UUID.String()),
			zap.Error(err),
		)
	}
	return job, nil
}
