package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetwise-io/fleetwise/internal/db"
)

// gormRebootPlanRepository is the GORM implementation of RebootPlanRepository.
type gormRebootPlanRepository struct {
	db *gorm.DB
}

// NewRebootPlanRepository returns a RebootPlanRepository backed by the
// provided *gorm.DB.
func NewRebootPlanRepository(db *gorm.DB) RebootPlanRepository {
	return &gormRebootPlanRepository{db: db}
}

// nonTerminalPlanStates are the states in which a plan still owns its
// servers: a server may not join a second plan while it appears in one of
// these.
var nonTerminalPlanStates = []string{
	db.PlanStateCreated,
	db.PlanStateRunning,
	db.PlanStateStopped,
}

// CreatePlan persists the plan and all its reboots in a single transaction
// so a partially created plan can never be observed.
func (r *gormRebootPlanRepository) CreatePlan(ctx context.Context, plan *db.RebootPlan, reboots []db.Reboot) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Create(plan).Error; err != nil {
			return err
		}
		for i := range reboots {
			reboots[i].PlanUUID = plan.ID
			if err := tx.Create(&reboots[i]).Error; err != nil {
				return err
			}
		}
		return nil
	})
	if err != nil {
		return fmt.Errorf("reboot plans: create: %w", err)
	}
	return nil
}

// GetPlan retrieves a plan by its UUID. Returns ErrNotFound if absent.
func (r *gormRebootPlanRepository) GetPlan(ctx context.Context, id uuid.UUID) (*db.RebootPlan, error) {
	var plan db.RebootPlan
	err := r.db.WithContext(ctx).First(&plan, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reboot plans: get: %w", err)
	}
	return &plan, nil
}

// ListPlans returns plans, optionally narrowed to a set of states, oldest
// first so the orchestrator drives plans in creation order.
func (r *gormRebootPlanRepository) ListPlans(ctx context.Context, states []string, opts ListOptions) ([]db.RebootPlan, error) {
	q := r.db.WithContext(ctx).Model(&db.RebootPlan{}).Order("created_at ASC")
	if len(states) > 0 {
		q = q.Where("state IN ?", states)
	}
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	var plans []db.RebootPlan
	if err := q.Find(&plans).Error; err != nil {
		return nil, fmt.Errorf("reboot plans: list: %w", err)
	}
	return plans, nil
}

// UpdatePlanState flips only the state column of a plan. State-machine
// guards are enforced by the orchestrator before this is called.
func (r *gormRebootPlanRepository) UpdatePlanState(ctx context.Context, id uuid.UUID, state string) error {
	result := r.db.WithContext(ctx).
		Model(&db.RebootPlan{}).
		Where("id = ?", id).
		Update("state", state)
	if result.Error != nil {
		return fmt.Errorf("reboot plans: update state: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// DeletePlan removes a plan and its reboots.
func (r *gormRebootPlanRepository) DeletePlan(ctx context.Context, id uuid.UUID) error {
	err := r.db.WithContext(ctx).Transaction(func(tx *gorm.DB) error {
		if err := tx.Where("plan_uuid = ?", id).Delete(&db.Reboot{}).Error; err != nil {
			return err
		}
		result := tx.Delete(&db.RebootPlan{}, "id = ?", id)
		if result.Error != nil {
			return result.Error
		}
		if result.RowsAffected == 0 {
			return ErrNotFound
		}
		return nil
	})
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return ErrNotFound
		}
		return fmt.Errorf("reboot plans: delete: %w", err)
	}
	return nil
}

// GetReboot retrieves a single reboot by its UUID.
func (r *gormRebootPlanRepository) GetReboot(ctx context.Context, id uuid.UUID) (*db.Reboot, error) {
	var reboot db.Reboot
	err := r.db.WithContext(ctx).First(&reboot, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reboots: get: %w", err)
	}
	return &reboot, nil
}

// ListReboots returns all reboots belonging to a plan. Ordering is the
// dispatch order the orchestrator uses: headnodes last, then by server UUID.
func (r *gormRebootPlanRepository) ListReboots(ctx context.Context, planUUID uuid.UUID) ([]db.Reboot, error) {
	var reboots []db.Reboot
	err := r.db.WithContext(ctx).
		Where("plan_uuid = ?", planUUID).
		Order("headnode ASC, server_uuid ASC").
		Find(&reboots).Error
	if err != nil {
		return nil, fmt.Errorf("reboots: list: %w", err)
	}
	return reboots, nil
}

// UpdateReboot persists all fields of a reboot record.
func (r *gormRebootPlanRepository) UpdateReboot(ctx context.Context, reboot *db.Reboot) error {
	result := r.db.WithContext(ctx).Save(reboot)
	if result.Error != nil {
		return fmt.Errorf("reboots: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// PendingPlanForServer returns the non-terminal plan the server belongs to.
// At most one can exist — plan creation refuses servers that already appear
// in a pending plan.
func (r *gormRebootPlanRepository) PendingPlanForServer(ctx context.Context, serverUUID uuid.UUID) (*db.RebootPlan, error) {
	var plan db.RebootPlan
	err := r.db.WithContext(ctx).
		Joins("JOIN reboots ON reboots.plan_uuid = reboot_plans.id").
		Where("reboots.server_uuid = ? AND reboot_plans.state IN ?", serverUUID, nonTerminalPlanStates).
		First(&plan).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("reboot plans: pending for server: %w", err)
	}
	return &plan, nil
}
