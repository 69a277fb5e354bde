// Package store is the persistence layer of the control plane. It exposes
// repository interfaces over the GORM models in internal/db and owns the
// optimistic-concurrency discipline: every server mutation is a conditional
// put keyed on the record's opaque etag, and a miss surfaces ErrConflict so
// the caller can re-read and retry.
package store

import (
	"context"
	"time"

	"github.com/google/uuid"

	"github.com/fleetwise-io/fleetwise/internal/db"
)

// ListOptions contains common pagination options for list queries.
type ListOptions struct {
	Limit  int
	Offset int
}

// ServerFilter narrows List results. Nil pointer fields are ignored.
type ServerFilter struct {
	UUIDs    []uuid.UUID
	Hostname string
	Setup    *bool
	Reserved *bool
	Headnode *bool
}

// -----------------------------------------------------------------------------
// ServerRepository
// -----------------------------------------------------------------------------

type ServerRepository interface {
	Create(ctx context.Context, server *db.Server) error
	Get(ctx context.Context, id uuid.UUID) (*db.Server, error)
	List(ctx context.Context, filter ServerFilter, opts ListOptions) ([]db.Server, error)

	// Put persists all fields of the server conditionally: the write only
	// lands if the stored etag still equals prevEtag. On success the
	// server's Etag field holds the freshly generated token. A stale
	// prevEtag returns ErrConflict; a missing record returns ErrNotFound.
	Put(ctx context.Context, server *db.Server, prevEtag string) error

	// UpdateLiveness updates only the transient liveness fields
	// (last_heartbeat, status, vms) without participating in the etag
	// protocol. Heartbeat state is last-write-wins.
	UpdateLiveness(ctx context.Context, id uuid.UUID, lastHeartbeat time.Time, status string, vms map[string]db.VM) error

	// UpdateStatus flips only the status column (e.g. running → unknown
	// when the liveness window lapses).
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error

	Delete(ctx context.Context, id uuid.UUID) error

	// Platforms returns the distinct platform versions present across all
	// stored servers (current and boot platforms merged).
	Platforms(ctx context.Context) ([]string, error)

	// GetDefaults returns the baseline boot configuration record, creating
	// an empty one on first access.
	GetDefaults(ctx context.Context) (*db.BootDefaults, error)
	SaveDefaults(ctx context.Context, defaults *db.BootDefaults) error
}

// -----------------------------------------------------------------------------
// TicketRepository
// -----------------------------------------------------------------------------

type TicketRepository interface {
	Create(ctx context.Context, ticket *db.Ticket) error
	Get(ctx context.Context, id uuid.UUID) (*db.Ticket, error)
	UpdateStatus(ctx context.Context, id uuid.UUID, status string) error

	// ListByTriple returns every ticket for (server, scope, resource)
	// ordered by creation (created_at, then id for same-instant ties).
	ListByTriple(ctx context.Context, serverUUID uuid.UUID, scope, resourceID string) ([]db.Ticket, error)

	// OldestQueued returns the next ticket eligible for promotion within a
	// triple, or ErrNotFound when the queue is empty.
	OldestQueued(ctx context.Context, serverUUID uuid.UUID, scope, resourceID string) (*db.Ticket, error)

	// CountActive returns the number of active tickets within a triple.
	// The waitlist invariant keeps this at zero or one.
	CountActive(ctx context.Context, serverUUID uuid.UUID, scope, resourceID string) (int64, error)

	ListByServer(ctx context.Context, serverUUID uuid.UUID, opts ListOptions) ([]db.Ticket, error)

	// ListExpired returns queued or active tickets whose expiry has passed.
	ListExpired(ctx context.Context, now time.Time) ([]db.Ticket, error)

	// ListOpenByServer returns queued and active provisioning tickets for a
	// server; the allocator folds these into its reservation accounting.
	ListOpenByServer(ctx context.Context, serverUUID uuid.UUID) ([]db.Ticket, error)

	DeleteByServer(ctx context.Context, serverUUID uuid.UUID) error
}

// -----------------------------------------------------------------------------
// TaskRepository
// -----------------------------------------------------------------------------

type TaskRepository interface {
	Create(ctx context.Context, task *db.Task) error
	Get(ctx context.Context, id uuid.UUID) (*db.Task, error)
	Update(ctx context.Context, task *db.Task) error
	ListByServer(ctx context.Context, serverUUID uuid.UUID, opts ListOptions) ([]db.Task, error)
}

// -----------------------------------------------------------------------------
// RebootPlanRepository
// -----------------------------------------------------------------------------

type RebootPlanRepository interface {
	// CreatePlan persists the plan and its reboots in one transaction.
	CreatePlan(ctx context.Context, plan *db.RebootPlan, reboots []db.Reboot) error
	GetPlan(ctx context.Context, id uuid.UUID) (*db.RebootPlan, error)
	ListPlans(ctx context.Context, states []string, opts ListOptions) ([]db.RebootPlan, error)
	UpdatePlanState(ctx context.Context, id uuid.UUID, state string) error
	DeletePlan(ctx context.Context, id uuid.UUID) error

	GetReboot(ctx context.Context, id uuid.UUID) (*db.Reboot, error)
	ListReboots(ctx context.Context, planUUID uuid.UUID) ([]db.Reboot, error)
	UpdateReboot(ctx context.Context, reboot *db.Reboot) error

	// PendingPlanForServer returns the non-terminal plan the server belongs
	// to, or ErrNotFound when the server is free to join a new plan.
	PendingPlanForServer(ctx context.Context, serverUUID uuid.UUID) (*db.RebootPlan, error)
}
