package api

import (
	"context"
	"errors"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/store"
	"github.com/fleetwise-io/fleetwise/internal/waitlist"
)

// defaultTicketWait bounds a ticket wait when the caller does not pass an
// explicit timeout.
const defaultTicketWait = 60 * time.Second

// TicketWaitlist is the waitlist surface the HTTP layer consumes. The
// concrete implementation is *waitlist.Waitlist; tests substitute fakes.
type TicketWaitlist interface {
	CreateTicket(ctx context.Context, params waitlist.CreateParams) (*db.Ticket, []db.Ticket, error)
	Get(ctx context.Context, id uuid.UUID) (*db.Ticket, error)
	Wait(ctx context.Context, id uuid.UUID, timeout time.Duration) (*db.Ticket, error)
	Release(ctx context.Context, id uuid.UUID) (*db.Ticket, error)
	ListByServer(ctx context.Context, serverUUID uuid.UUID, opts store.ListOptions) ([]db.Ticket, error)
	DeleteByServer(ctx context.Context, serverUUID uuid.UUID) error
}

// TicketHandler serves the waitlist routes.
type TicketHandler struct {
	waitlist TicketWaitlist
	logger   *zap.Logger
}

// NewTicketHandler creates a TicketHandler.
func NewTicketHandler(wl TicketWaitlist, logger *zap.Logger) *TicketHandler {
	return &TicketHandler{waitlist: wl, logger: logger}
}

// Create enqueues a ticket on the server's waitlist and returns the ticket
// together with the current queue for its triple.
func (h *TicketHandler) Create(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if !decodeJSON(w, r, &params) {
		return
	}
	if fails := validate(params, []Rule{
		{Field: "scope", Kind: KindString},
		{Field: "id", Kind: KindString},
		{Field: "action", Kind: KindString},
		{Field: "expires_at", Kind: KindString},
		{Field: "extra", Kind: KindObject, Optional: true},
	}, true); len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	expiresRaw, _ := params["expires_at"].(string)
	expiresAt, err := time.Parse(time.RFC3339, expiresRaw)
	if err != nil {
		ErrInvalidParameters(w, r, []FieldError{{
			Field: "expires_at", Code: "Invalid", Message: "must be an RFC 3339 timestamp",
		}})
		return
	}

	server := serverFromCtx(r.Context())
	scope, _ := params["scope"].(string)
	resourceID, _ := params["id"].(string)
	action, _ := params["action"].(string)
	extra, _ := params["extra"].(map[string]any)

	ticket, queue, err := h.waitlist.CreateTicket(r.Context(), waitlist.CreateParams{
		ServerUUID: server.UUID,
		Scope:      scope,
		ResourceID: resourceID,
		Action:     action,
		ExpiresAt:  expiresAt,
		Extra:      extra,
		ReqID:      middleware.GetReqID(r.Context()),
	})
	if err != nil {
		ErrInternal(w, r)
		return
	}
	Created(w, map[string]any{
		"uuid":  ticket.ID.String(),
		"queue": queue,
	})
}

// ListByServer returns the server's tickets in queue order.
func (h *TicketHandler) ListByServer(w http.ResponseWriter, r *http.Request) {
	server := serverFromCtx(r.Context())
	tickets, err := h.waitlist.ListByServer(r.Context(), server.UUID, listOptions(r))
	if err != nil {
		ErrInternal(w, r)
		return
	}
	Ok(w, tickets)
}

// DeleteByServer clears the server's whole waitlist. Operator escape hatch.
func (h *TicketHandler) DeleteByServer(w http.ResponseWriter, r *http.Request) {
	server := serverFromCtx(r.Context())
	if err := h.waitlist.DeleteByServer(r.Context(), server.UUID); err != nil {
		ErrInternal(w, r)
		return
	}
	NoContent(w)
}

// Get returns one ticket.
func (h *TicketHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ticketID(w, r)
	if !ok {
		return
	}
	ticket, err := h.waitlist.Get(r.Context(), id)
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, ticket)
}

// Wait blocks until the ticket activates, expires, or the timeout passes.
// A timeout is not an error — the caller gets the ticket still queued.
func (h *TicketHandler) Wait(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ticketID(w, r)
	if !ok {
		return
	}

	timeout := defaultTicketWait
	if secs, err := strconv.Atoi(r.URL.Query().Get("timeout")); err == nil && secs > 0 {
		timeout = time.Duration(secs) * time.Second
	}

	ticket, err := h.waitlist.Wait(r.Context(), id, timeout)
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, ticket)
}

// Release finishes a ticket and promotes the next one in its triple.
func (h *TicketHandler) Release(w http.ResponseWriter, r *http.Request) {
	id, ok := h.ticketID(w, r)
	if !ok {
		return
	}
	ticket, err := h.waitlist.Release(r.Context(), id)
	if errors.Is(err, waitlist.ErrTicketExpired) {
		ErrConflict(w, r, CodeInvalidArgument, "expired ticket cannot be released")
		return
	}
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, ticket)
}

func (h *TicketHandler) ticketID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		ErrNotFound(w, r, "no such ticket")
		return uuid.UUID{}, false
	}
	return id, true
}
