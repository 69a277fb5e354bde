package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetwise-io/fleetwise/internal/db"
)

// gormTaskRepository is the GORM implementation of TaskRepository.
type gormTaskRepository struct {
	db *gorm.DB
}

// NewTaskRepository returns a TaskRepository backed by the provided *gorm.DB.
func NewTaskRepository(db *gorm.DB) TaskRepository {
	return &gormTaskRepository{db: db}
}

// Create inserts a new task record.
func (r *gormTaskRepository) Create(ctx context.Context, task *db.Task) error {
	if err := r.db.WithContext(ctx).Create(task).Error; err != nil {
		return fmt.Errorf("tasks: create: %w", err)
	}
	return nil
}

// Get retrieves a task by its UUID. Returns ErrNotFound if no record exists.
func (r *gormTaskRepository) Get(ctx context.Context, id uuid.UUID) (*db.Task, error) {
	var task db.Task
	err := r.db.WithContext(ctx).First(&task, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tasks: get: %w", err)
	}
	return &task, nil
}

// Update persists all fields of a task, including the appended history.
// The dispatcher is the single writer per task, so no version check is
// needed here — event processing for one task is serialized upstream.
func (r *gormTaskRepository) Update(ctx context.Context, task *db.Task) error {
	result := r.db.WithContext(ctx).Save(task)
	if result.Error != nil {
		return fmt.Errorf("tasks: update: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// ListByServer returns tasks for a server, newest first.
func (r *gormTaskRepository) ListByServer(ctx context.Context, serverUUID uuid.UUID, opts ListOptions) ([]db.Task, error) {
	q := r.db.WithContext(ctx).
		Where("server_uuid = ?", serverUUID).
		Order("created_at DESC")
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	var tasks []db.Task
	if err := q.Find(&tasks).Error; err != nil {
		return nil, fmt.Errorf("tasks: list by server: %w", err)
	}
	return tasks, nil
}
