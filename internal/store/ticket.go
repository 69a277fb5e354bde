package store

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"

	"github.com/fleetwise-io/fleetwise/internal/db"
)

// gormTicketRepository is the GORM implementation of TicketRepository.
type gormTicketRepository struct {
	db *gorm.DB
}

// NewTicketRepository returns a TicketRepository backed by the provided *gorm.DB.
func NewTicketRepository(db *gorm.DB) TicketRepository {
	return &gormTicketRepository{db: db}
}

// Create inserts a new ticket record.
func (r *gormTicketRepository) Create(ctx context.Context, ticket *db.Ticket) error {
	if err := r.db.WithContext(ctx).Create(ticket).Error; err != nil {
		return fmt.Errorf("tickets: create: %w", err)
	}
	return nil
}

// Get retrieves a ticket by its UUID. Returns ErrNotFound if no record exists.
func (r *gormTicketRepository) Get(ctx context.Context, id uuid.UUID) (*db.Ticket, error) {
	var ticket db.Ticket
	err := r.db.WithContext(ctx).First(&ticket, "id = ?", id).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tickets: get: %w", err)
	}
	return &ticket, nil
}

// UpdateStatus updates only the status column of a ticket.
func (r *gormTicketRepository) UpdateStatus(ctx context.Context, id uuid.UUID, status string) error {
	result := r.db.WithContext(ctx).
		Model(&db.Ticket{}).
		Where("id = ?", id).
		Update("status", status)
	if result.Error != nil {
		return fmt.Errorf("tickets: update status: %w", result.Error)
	}
	if result.RowsAffected == 0 {
		return ErrNotFound
	}
	return nil
}

// tripleOrder is the canonical queue order within a (server, scope, resource)
// triple: creation time, with the time-ordered UUID v7 id breaking exact ties.
const tripleOrder = "created_at ASC, id ASC"

// ListByTriple returns every ticket for the triple in queue order.
func (r *gormTicketRepository) ListByTriple(ctx context.Context, serverUUID uuid.UUID, scope, resourceID string) ([]db.Ticket, error) {
	var tickets []db.Ticket
	err := r.db.WithContext(ctx).
		Where("server_uuid = ? AND scope = ? AND resource_id = ?", serverUUID, scope, resourceID).
		Order(tripleOrder).
		Find(&tickets).Error
	if err != nil {
		return nil, fmt.Errorf("tickets: list by triple: %w", err)
	}
	return tickets, nil
}

// OldestQueued returns the next promotion candidate within a triple.
func (r *gormTicketRepository) OldestQueued(ctx context.Context, serverUUID uuid.UUID, scope, resourceID string) (*db.Ticket, error) {
	var ticket db.Ticket
	err := r.db.WithContext(ctx).
		Where("server_uuid = ? AND scope = ? AND resource_id = ? AND status = ?",
			serverUUID, scope, resourceID, db.TicketStatusQueued).
		Order(tripleOrder).
		First(&ticket).Error
	if err != nil {
		if errors.Is(err, gorm.ErrRecordNotFound) {
			return nil, ErrNotFound
		}
		return nil, fmt.Errorf("tickets: oldest queued: %w", err)
	}
	return &ticket, nil
}

// CountActive returns the number of active tickets within a triple.
func (r *gormTicketRepository) CountActive(ctx context.Context, serverUUID uuid.UUID, scope, resourceID string) (int64, error) {
	var count int64
	err := r.db.WithContext(ctx).
		Model(&db.Ticket{}).
		Where("server_uuid = ? AND scope = ? AND resource_id = ? AND status = ?",
			serverUUID, scope, resourceID, db.TicketStatusActive).
		Count(&count).Error
	if err != nil {
		return 0, fmt.Errorf("tickets: count active: %w", err)
	}
	return count, nil
}

// ListByServer returns all tickets for a server in queue order.
func (r *gormTicketRepository) ListByServer(ctx context.Context, serverUUID uuid.UUID, opts ListOptions) ([]db.Ticket, error) {
	q := r.db.WithContext(ctx).
		Where("server_uuid = ?", serverUUID).
		Order(tripleOrder)
	if opts.Limit > 0 {
		q = q.Limit(opts.Limit).Offset(opts.Offset)
	}
	var tickets []db.Ticket
	if err := q.Find(&tickets).Error; err != nil {
		return nil, fmt.Errorf("tickets: list by server: %w", err)
	}
	return tickets, nil
}

// ListExpired returns queued or active tickets whose expiry has passed.
// The director marks these expired and promotes their successors.
func (r *gormTicketRepository) ListExpired(ctx context.Context, now time.Time) ([]db.Ticket, error) {
	var tickets []db.Ticket
	err := r.db.WithContext(ctx).
		Where("expires_at <= ? AND status IN ?", now,
			[]string{db.TicketStatusQueued, db.TicketStatusActive}).
		Order(tripleOrder).
		Find(&tickets).Error
	if err != nil {
		return nil, fmt.Errorf("tickets: list expired: %w", err)
	}
	return tickets, nil
}

// ListOpenByServer returns queued and active tickets for a server. The
// allocator subtracts the resources implied by open provisioning tickets
// from the server's spare capacity.
func (r *gormTicketRepository) ListOpenByServer(ctx context.Context, serverUUID uuid.UUID) ([]db.Ticket, error) {
	var tickets []db.Ticket
	err := r.db.WithContext(ctx).
		Where("server_uuid = ? AND status IN ?", serverUUID,
			[]string{db.TicketStatusQueued, db.TicketStatusActive}).
		Order(tripleOrder).
		Find(&tickets).Error
	if err != nil {
		return nil, fmt.Errorf("tickets: list open by server: %w", err)
	}
	return tickets, nil
}

// DeleteByServer removes every ticket belonging to a server. Exposed for
// the operator escape hatch when a wedged queue must be cleared.
func (r *gormTicketRepository) DeleteByServer(ctx context.Context, serverUUID uuid.UUID) error {
	if err := r.db.WithContext(ctx).
		Where("server_uuid = ?", serverUUID).
		Delete(&db.Ticket{}).Error; err != nil {
		return fmt.Errorf("tickets: delete by server: %w", err)
	}
	return nil
}
