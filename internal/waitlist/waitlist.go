// Package waitlist serializes concurrent provisioning operations per
// compute node. Each (server, scope, resource) triple is an independent
// FIFO of tickets: the head ticket is active, everyone else queues behind
// it in strict creation order, and expiry or release promotes the next in
// line. At most one ticket per triple is ever active.
//
// Promotion has a single owner — the director pass plus the mutex-guarded
// create/release paths in this package. A deployment runs exactly one
// waitlist; horizontal scaling requires external leader election.
package waitlist

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/metrics"
	"github.com/fleetwise-io/fleetwise/internal/store"
)

// ExpiryPeriod is how often the director scans for expired tickets.
const ExpiryPeriod = 1 * time.Second

// ErrTicketExpired is returned when an operation is attempted on a ticket
// that has already expired. Expired tickets are dead ends: they never
// become active and cannot be released.
var ErrTicketExpired = errors.New("waitlist: ticket is expired")

// CreateParams are the caller-supplied fields of a new ticket.
type CreateParams struct {
	ServerUUID uuid.UUID
	Scope      string
	ResourceID string
	Action     string
	ExpiresAt  time.Time
	Extra      map[string]any
	ReqID      string
}

// Waitlist manages tickets and their waiters.
// The zero value is not usable — create instances with New.
type Waitlist struct {
	tickets store.TicketRepository
	logger  *zap.Logger

	// mu serializes every promotion decision (create, release, expiry)
	// so the one-active-per-triple invariant never races.
	mu      sync.Mutex
	waiters map[uuid.UUID][]chan *db.Ticket
}

// New creates a Waitlist.
func New(tickets store.TicketRepository, logger *zap.Logger) *Waitlist {
	return &Waitlist{
		tickets: tickets,
		logger:  logger.Named("waitlist"),
		waiters: make(map[uuid.UUID][]chan *db.Ticket),
	}
}

// CreateTicket appends a ticket to its triple's queue. If nothing else in
// the triple is queued or active, the ticket becomes active immediately.
// Returns the created ticket and the triple's full queue in order.
func (w *Waitlist) CreateTicket(ctx context.Context, params CreateParams) (*db.Ticket, []db.Ticket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ticket := &db.Ticket{
		ServerUUID: params.ServerUUID,
		Scope:      params.Scope,
		ResourceID: params.ResourceID,
		Action:     params.Action,
		Status:     db.TicketStatusQueued,
		ExpiresAt:  params.ExpiresAt.UTC(),
		Extra:      params.Extra,
		ReqID:      params.ReqID,
	}
	if err := w.tickets.Create(ctx, ticket); err != nil {
		return nil, nil, err
	}

	active, err := w.tickets.CountActive(ctx, params.ServerUUID, params.Scope, params.ResourceID)
	if err != nil {
		return nil, nil, err
	}
	if active == 0 {
		// The new ticket can only start if it is also the oldest queued
		// entry — an earlier queued ticket always goes first.
		oldest, err := w.tickets.OldestQueued(ctx, params.ServerUUID, params.Scope, params.ResourceID)
		if err != nil {
			return nil, nil, err
		}
		if oldest.ID == ticket.ID {
			if err := w.activateLocked(ctx, ticket); err != nil {
				return nil, nil, err
			}
		}
	}

	queue, err := w.tickets.ListByTriple(ctx, params.ServerUUID, params.Scope, params.ResourceID)
	if err != nil {
		return nil, nil, err
	}

	metrics.TicketsCreated.WithLabelValues(params.Scope).Inc()
	w.logger.Info("ticket created",
		zap.String("ticket_uuid", ticket.ID.String()),
		zap.String("server_uuid", params.ServerUUID.String()),
		zap.String("scope", params.Scope),
		zap.String("resource_id", params.ResourceID),
		zap.String("status", ticket.Status),
		zap.Int("queue_length", len(queue)),
	)
	return ticket, queue, nil
}

// Get returns a ticket by uuid.
func (w *Waitlist) Get(ctx context.Context, id uuid.UUID) (*db.Ticket, error) {
	return w.tickets.Get(ctx, id)
}

// Wait blocks until the ticket becomes active, expires, or timeout
// elapses. A ticket already active or terminal returns immediately. On
// timeout the current ticket state is returned with no error — a timed-out
// wait on a queued ticket is not a failure, the caller is simply told the
// ticket is still queued.
func (w *Waitlist) Wait(ctx context.Context, id uuid.UUID, timeout time.Duration) (*db.Ticket, error) {
	ticket, err := w.tickets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.Status != db.TicketStatusQueued {
		return ticket, nil
	}

	ch := make(chan *db.Ticket, 1)
	w.addWaiter(id, ch)
	defer w.removeWaiter(id, ch)

	// Re-check after registration: a promotion between the first read and
	// the registration must not be missed.
	ticket, err = w.tickets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if ticket.Status != db.TicketStatusQueued {
		return ticket, nil
	}

	var timer <-chan time.Time
	if timeout > 0 {
		t := time.NewTimer(timeout)
		defer t.Stop()
		timer = t.C
	}

	select {
	case promoted := <-ch:
		return promoted, nil
	case <-timer:
		return w.tickets.Get(ctx, id)
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

// Release finishes a ticket and promotes the next queued ticket in its
// triple. Releasing a queued ticket is legal and simply drops it from the
// queue; releasing an already-finished ticket is a no-op; releasing an
// expired ticket is an error.
func (w *Waitlist) Release(ctx context.Context, id uuid.UUID) (*db.Ticket, error) {
	w.mu.Lock()
	defer w.mu.Unlock()

	ticket, err := w.tickets.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	switch ticket.Status {
	case db.TicketStatusExpired:
		return nil, ErrTicketExpired
	case db.TicketStatusFinished:
		return ticket, nil
	}

	wasActive := ticket.Status == db.TicketStatusActive
	if err := w.tickets.UpdateStatus(ctx, id, db.TicketStatusFinished); err != nil {
		return nil, err
	}
	ticket.Status = db.TicketStatusFinished

	w.logger.Info("ticket released",
		zap.String("ticket_uuid", id.String()),
		zap.Bool("was_active", wasActive),
	)

	if wasActive {
		if err := w.promoteNextLocked(ctx, ticket.ServerUUID, ticket.Scope, ticket.ResourceID); err != nil {
			return nil, err
		}
	}
	return ticket, nil
}

// ExpireTickets is the director pass: it marks overdue queued and active
// tickets expired, wakes their waiters, and promotes successors. Runs
// every ExpiryPeriod from the background scheduler.
func (w *Waitlist) ExpireTickets(ctx context.Context) error {
	w.mu.Lock()
	defer w.mu.Unlock()

	expired, err := w.tickets.ListExpired(ctx, time.Now().UTC())
	if err != nil {
		return err
	}

	var errs error
	for i := range expired {
		t := &expired[i]
		if err := w.tickets.UpdateStatus(ctx, t.ID, db.TicketStatusExpired); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("expire %s: %w", t.ID, err))
			continue
		}
		t.Status = db.TicketStatusExpired
		metrics.TicketsExpired.Inc()
		w.logger.Info("ticket expired",
			zap.String("ticket_uuid", t.ID.String()),
			zap.String("server_uuid", t.ServerUUID.String()),
			zap.String("scope", t.Scope),
			zap.String("resource_id", t.ResourceID),
		)
		w.notifyWaiters(t.ID, t)

		if err := w.promoteNextLocked(ctx, t.ServerUUID, t.Scope, t.ResourceID); err != nil {
			errs = multierr.Append(errs, fmt.Errorf("promote after %s: %w", t.ID, err))
		}
	}
	return errs
}

// ListByServer returns all tickets for a server in queue order.
func (w *Waitlist) ListByServer(ctx context.Context, serverUUID uuid.UUID, opts store.ListOptions) ([]db.Ticket, error) {
	return w.tickets.ListByServer(ctx, serverUUID, opts)
}

// DeleteByServer clears every ticket for a server. Operator escape hatch
// for a wedged queue; outstanding waiters will time out on their own.
func (w *Waitlist) DeleteByServer(ctx context.Context, serverUUID uuid.UUID) error {
	return w.tickets.DeleteByServer(ctx, serverUUID)
}

// promoteNextLocked activates the oldest queued ticket in a triple if the
// triple has no active ticket. Caller holds w.mu.
func (w *Waitlist) promoteNextLocked(ctx context.Context, serverUUID uuid.UUID, scope, resourceID string) error {
	active, err := w.tickets.CountActive(ctx, serverUUID, scope, resourceID)
	if err != nil {
		return err
	}
	if active > 0 {
		return nil
	}
	next, err := w.tickets.OldestQueued(ctx, serverUUID, scope, resourceID)
	if errors.Is(err, store.ErrNotFound) {
		return nil
	}
	if err != nil {
		return err
	}
	return w.activateLocked(ctx, next)
}

// activateLocked promotes a single ticket to active and wakes its waiters.
// Caller holds w.mu.
func (w *Waitlist) activateLocked(ctx context.Context, ticket *db.Ticket) error {
	if err := w.tickets.UpdateStatus(ctx, ticket.ID, db.TicketStatusActive); err != nil {
		return err
	}
	ticket.Status = db.TicketStatusActive
	w.logger.Info("ticket activated", zap.String("ticket_uuid", ticket.ID.String()))
	w.notifyWaiters(ticket.ID, ticket)
	return nil
}

func (w *Waitlist) addWaiter(id uuid.UUID, ch chan *db.Ticket) {
	w.mu.Lock()
	defer w.mu.Unlock()
	w.waiters[id] = append(w.waiters[id], ch)
}

// removeWaiter drops a waiter registration after a timeout or context
// cancellation. A departed waiter must never receive later callbacks.
func (w *Waitlist) removeWaiter(id uuid.UUID, ch chan *db.Ticket) {
	w.mu.Lock()
	defer w.mu.Unlock()
	list := w.waiters[id]
	for i, c := range list {
		if c == ch {
			w.waiters[id] = append(list[:i], list[i+1:]...)
			break
		}
	}
	if len(w.waiters[id]) == 0 {
		delete(w.waiters, id)
	}
}

// notifyWaiters wakes every waiter registered for a ticket exactly once.
// Caller holds w.mu.
func (w *Waitlist) notifyWaiters(id uuid.UUID, ticket *db.Ticket) {
	list := w.waiters[id]
	delete(w.waiters, id)
	for _, ch := range list {
		ch <- ticket
	}
}
