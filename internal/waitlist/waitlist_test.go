package waitlist

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/store"
)

// fakeTicketRepo is an in-memory TicketRepository preserving creation order.
type fakeTicketRepo struct {
	mu      sync.Mutex
	tickets map[uuid.UUID]*db.Ticket
	order   []uuid.UUID
}

func newFakeTicketRepo() *fakeTicketRepo {
	return &fakeTicketRepo{tickets: make(map[uuid.UUID]*db.Ticket)}
}

func (f *fakeTicketRepo) Create(_ context.Context, ticket *db.Ticket) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	ticket.ID = uuid.Must(uuid.NewV7())
	ticket.CreatedAt = time.Now().UTC()
	cp := *ticket
	f.tickets[ticket.ID] = &cp
	f.order = append(f.order, ticket.ID)
	return nil
}

func (f *fakeTicketRepo) Get(_ context.Context, id uuid.UUID) (*db.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	cp := *t
	return &cp, nil
}

func (f *fakeTicketRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	t, ok := f.tickets[id]
	if !ok {
		return store.ErrNotFound
	}
	t.Status = status
	return nil
}

func (f *fakeTicketRepo) ListByTriple(_ context.Context, serverUUID uuid.UUID, scope, resourceID string) ([]db.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Ticket
	for _, id := range f.order {
		t := f.tickets[id]
		if t.ServerUUID == serverUUID && t.Scope == scope && t.ResourceID == resourceID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTicketRepo) OldestQueued(_ context.Context, serverUUID uuid.UUID, scope, resourceID string) (*db.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	for _, id := range f.order {
		t := f.tickets[id]
		if t.ServerUUID == serverUUID && t.Scope == scope && t.ResourceID == resourceID && t.Status == db.TicketStatusQueued {
			cp := *t
			return &cp, nil
		}
	}
	return nil, store.ErrNotFound
}

func (f *fakeTicketRepo) CountActive(_ context.Context, serverUUID uuid.UUID, scope, resourceID string) (int64, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var n int64
	for _, t := range f.tickets {
		if t.ServerUUID == serverUUID && t.Scope == scope && t.ResourceID == resourceID && t.Status == db.TicketStatusActive {
			n++
		}
	}
	return n, nil
}

func (f *fakeTicketRepo) ListByServer(_ context.Context, serverUUID uuid.UUID, _ store.ListOptions) ([]db.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Ticket
	for _, id := range f.order {
		t := f.tickets[id]
		if t.ServerUUID == serverUUID {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTicketRepo) ListExpired(_ context.Context, now time.Time) ([]db.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Ticket
	for _, id := range f.order {
		t := f.tickets[id]
		if (t.Status == db.TicketStatusQueued || t.Status == db.TicketStatusActive) && t.ExpiresAt.Before(now) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTicketRepo) ListOpenByServer(_ context.Context, serverUUID uuid.UUID) ([]db.Ticket, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Ticket
	for _, id := range f.order {
		t := f.tickets[id]
		if t.ServerUUID == serverUUID && (t.Status == db.TicketStatusQueued || t.Status == db.TicketStatusActive) {
			out = append(out, *t)
		}
	}
	return out, nil
}

func (f *fakeTicketRepo) DeleteByServer(_ context.Context, serverUUID uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	var keep []uuid.UUID
	for _, id := range f.order {
		if f.tickets[id].ServerUUID == serverUUID {
			delete(f.tickets, id)
			continue
		}
		keep = append(keep, id)
	}
	f.order = keep
	return nil
}

func testWaitlist(t *testing.T) (*Waitlist, *fakeTicketRepo) {
	t.Helper()
	repo := newFakeTicketRepo()
	return New(repo, zap.NewNop()), repo
}

func createParams(server uuid.UUID) CreateParams {
	return CreateParams{
		ServerUUID: server,
		Scope:      "vm",
		ResourceID: "vm-1",
		Action:     "provision",
		ExpiresAt:  time.Now().Add(time.Minute),
	}
}

func TestFirstTicketActivatesImmediately(t *testing.T) {
	wl, _ := testWaitlist(t)
	server := uuid.New()

	ticket, queue, err := wl.CreateTicket(context.Background(), createParams(server))
	require.NoError(t, err)
	assert.Equal(t, db.TicketStatusActive, ticket.Status)
	require.Len(t, queue, 1)
	assert.Equal(t, db.TicketStatusActive, queue[0].Status)
}

func TestSecondTicketQueuesBehindActive(t *testing.T) {
	wl, _ := testWaitlist(t)
	server := uuid.New()

	first, _, err := wl.CreateTicket(context.Background(), createParams(server))
	require.NoError(t, err)
	second, queue, err := wl.CreateTicket(context.Background(), createParams(server))
	require.NoError(t, err)

	assert.Equal(t, db.TicketStatusActive, first.Status)
	assert.Equal(t, db.TicketStatusQueued, second.Status)
	require.Len(t, queue, 2)
	assert.Equal(t, first.ID, queue[0].ID)
	assert.Equal(t, second.ID, queue[1].ID)
}

func TestIndependentTriplesDoNotSerialize(t *testing.T) {
	wl, _ := testWaitlist(t)
	server := uuid.New()

	first, _, err := wl.CreateTicket(context.Background(), createParams(server))
	require.NoError(t, err)

	other := createParams(server)
	other.ResourceID = "vm-2"
	second, _, err := wl.CreateTicket(context.Background(), other)
	require.NoError(t, err)

	assert.Equal(t, db.TicketStatusActive, first.Status)
	assert.Equal(t, db.TicketStatusActive, second.Status)
}

func TestReleasePromotesNextInOrder(t *testing.T) {
	wl, repo := testWaitlist(t)
	server := uuid.New()
	ctx := context.Background()

	first, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)
	second, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)
	third, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)

	released, err := wl.Release(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TicketStatusFinished, released.Status)

	got, err := repo.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TicketStatusActive, got.Status)

	got, err = repo.Get(ctx, third.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TicketStatusQueued, got.Status)
}

func TestReleaseQueuedTicketLeavesActiveAlone(t *testing.T) {
	wl, repo := testWaitlist(t)
	server := uuid.New()
	ctx := context.Background()

	first, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)
	second, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)

	_, err = wl.Release(ctx, second.ID)
	require.NoError(t, err)

	got, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TicketStatusActive, got.Status)
}

func TestReleaseIsIdempotentOnFinished(t *testing.T) {
	wl, _ := testWaitlist(t)
	server := uuid.New()
	ctx := context.Background()

	ticket, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)

	_, err = wl.Release(ctx, ticket.ID)
	require.NoError(t, err)
	again, err := wl.Release(ctx, ticket.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TicketStatusFinished, again.Status)
}

func TestReleaseExpiredTicketFails(t *testing.T) {
	wl, repo := testWaitlist(t)
	server := uuid.New()
	ctx := context.Background()

	ticket, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)
	require.NoError(t, repo.UpdateStatus(ctx, ticket.ID, db.TicketStatusExpired))

	_, err = wl.Release(ctx, ticket.ID)
	assert.ErrorIs(t, err, ErrTicketExpired)
}

func TestExpireTicketsPromotesSuccessor(t *testing.T) {
	wl, repo := testWaitlist(t)
	server := uuid.New()
	ctx := context.Background()

	overdue := createParams(server)
	overdue.ExpiresAt = time.Now().Add(-time.Second)
	first, _, err := wl.CreateTicket(ctx, overdue)
	require.NoError(t, err)
	second, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)

	require.NoError(t, wl.ExpireTickets(ctx))

	got, err := repo.Get(ctx, first.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TicketStatusExpired, got.Status)

	got, err = repo.Get(ctx, second.ID)
	require.NoError(t, err)
	assert.Equal(t, db.TicketStatusActive, got.Status)
}

func TestWaitReturnsActiveImmediately(t *testing.T) {
	wl, _ := testWaitlist(t)
	server := uuid.New()
	ctx := context.Background()

	ticket, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)

	got, err := wl.Wait(ctx, ticket.ID, time.Second)
	require.NoError(t, err)
	assert.Equal(t, db.TicketStatusActive, got.Status)
}

func TestWaitUnblocksOnPromotion(t *testing.T) {
	wl, _ := testWaitlist(t)
	server := uuid.New()
	ctx := context.Background()

	first, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)
	second, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)

	done := make(chan *db.Ticket, 1)
	go func() {
		got, err := wl.Wait(ctx, second.ID, 5*time.Second)
		if err == nil {
			done <- got
		}
	}()

	// Give the waiter a moment to register, then free the slot.
	time.Sleep(50 * time.Millisecond)
	_, err = wl.Release(ctx, first.ID)
	require.NoError(t, err)

	select {
	case got := <-done:
		assert.Equal(t, db.TicketStatusActive, got.Status)
	case <-time.After(2 * time.Second):
		t.Fatal("waiter was not woken by promotion")
	}
}

func TestWaitTimeoutReturnsQueuedState(t *testing.T) {
	wl, _ := testWaitlist(t)
	server := uuid.New()
	ctx := context.Background()

	_, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)
	second, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)

	got, err := wl.Wait(ctx, second.ID, 50*time.Millisecond)
	require.NoError(t, err)
	assert.Equal(t, db.TicketStatusQueued, got.Status)
}

func TestDeleteByServerClearsQueue(t *testing.T) {
	wl, repo := testWaitlist(t)
	server := uuid.New()
	ctx := context.Background()

	_, _, err := wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)
	_, _, err = wl.CreateTicket(ctx, createParams(server))
	require.NoError(t, err)

	require.NoError(t, wl.DeleteByServer(ctx, server))
	left, err := repo.ListByServer(ctx, server, store.ListOptions{})
	require.NoError(t, err)
	assert.Empty(t, left)
}
