package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/allocator"
	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/store"
)

// AllocateHandler serves /allocate and /capacity.
type AllocateHandler struct {
	allocator *allocator.Allocator
	servers   store.ServerRepository
	tickets   store.TicketRepository
	plans     store.RebootPlanRepository
	logger    *zap.Logger
}

// NewAllocateHandler creates an AllocateHandler.
func NewAllocateHandler(a *allocator.Allocator, servers store.ServerRepository, tickets store.TicketRepository, plans store.RebootPlanRepository, logger *zap.Logger) *AllocateHandler {
	return &AllocateHandler{
		allocator: a,
		servers:   servers,
		tickets:   tickets,
		plans:     plans,
		logger:    logger,
	}
}

// allocationFailure is the 409 body for a failed allocation: the error
// envelope plus the full step trace so the caller can see where every
// candidate fell out.
type allocationFailure struct {
	ErrorPayload
	Steps []allocator.Step `json:"steps"`
}

// Allocate picks a server for a VM payload.
func (h *AllocateHandler) Allocate(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if !decodeJSON(w, r, &params) {
		return
	}
	if fails := validate(params, []Rule{
		{Field: "vm", Kind: KindObject},
		{Field: "image", Kind: KindObject, Optional: true, Default: map[string]any{}},
		{Field: "package", Kind: KindObject, Optional: true},
		{Field: "servers", Kind: KindArray, Optional: true},
	}, true); len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	vmParams, _ := params["vm"].(map[string]any)
	if fails := validate(vmParams, []Rule{
		{Field: "ram", Kind: KindNumber},
		{Field: "owner_uuid", Kind: KindUUID},
		{Field: "quota", Kind: KindNumber, Optional: true},
		{Field: "cpu_cap", Kind: KindNumber, Optional: true},
		{Field: "docker", Kind: KindBooleanString, Optional: true},
		{Field: "nic_tag_requirements", Kind: KindArray, Optional: true},
		{Field: "volumes_from", Kind: KindArray, Optional: true},
	}, false); len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	req, fails := h.buildRequest(params)
	if len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	candidates, fails, err := h.candidates(r, params)
	if err != nil {
		ErrInternal(w, r)
		return
	}
	if len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	open, err := h.openTickets(r, candidates)
	if err != nil {
		ErrInternal(w, r)
		return
	}

	chosen, steps, err := h.allocator.Allocate(r.Context(), candidates, open, req)
	switch {
	case errors.Is(err, allocator.ErrNoAllocatableServers):
		JSON(w, http.StatusConflict, allocationFailure{
			ErrorPayload: ErrorPayload{Code: CodeNoAllocatableServers, Message: "no allocatable servers found"},
			Steps:        steps,
		})
	case errors.Is(err, allocator.ErrVolumeServerNoResources):
		JSON(w, http.StatusConflict, allocationFailure{
			ErrorPayload: ErrorPayload{Code: CodeVolumeServerNoResources, Message: "volume server has no resources"},
			Steps:        steps,
		})
	case err != nil:
		h.logger.Error("allocation failed", zap.Error(err))
		ErrInternal(w, r)
	default:
		Ok(w, map[string]any{"server": chosen, "steps": steps})
	}
}

// Capacity reports per-server spare room using the allocation eligibility
// filters.
func (h *AllocateHandler) Capacity(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if !decodeJSON(w, r, &params) {
		return
	}
	if fails := validate(params, []Rule{
		{Field: "servers", Kind: KindArray, Optional: true},
	}, true); len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	candidates, fails, err := h.candidates(r, params)
	if err != nil {
		ErrInternal(w, r)
		return
	}
	if len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	open, err := h.openTickets(r, candidates)
	if err != nil {
		ErrInternal(w, r)
		return
	}

	capacities, steps, err := h.allocator.Capacity(r.Context(), candidates, open)
	if err != nil {
		ErrInternal(w, r)
		return
	}
	Ok(w, map[string]any{"capacities": capacities, "steps": steps})
}

// buildRequest converts the validated JSON maps into typed allocator
// input through a marshal round-trip.
func (h *AllocateHandler) buildRequest(params map[string]any) (*allocator.Request, []FieldError) {
	req := &allocator.Request{}

	convert := func(field string, src any, dst any) *FieldError {
		raw, err := json.Marshal(src)
		if err == nil {
			err = json.Unmarshal(raw, dst)
		}
		if err != nil {
			return &FieldError{Field: field, Code: "Invalid", Message: err.Error()}
		}
		return nil
	}

	var fails []FieldError
	if fe := convert("vm", params["vm"], &req.VM); fe != nil {
		fails = append(fails, *fe)
	}
	if fe := convert("image", params["image"], &req.Image); fe != nil {
		fails = append(fails, *fe)
	}
	if pkg, ok := params["package"].(map[string]any); ok {
		req.Package = &allocator.Package{}
		if fe := convert("package", pkg, req.Package); fe != nil {
			fails = append(fails, *fe)
		}
	}
	return req, fails
}

// candidates resolves the candidate server set. An explicit servers list
// narrows the set; each named server must exist and must not belong to a
// pending reboot plan.
func (h *AllocateHandler) candidates(r *http.Request, params map[string]any) ([]db.Server, []FieldError, error) {
	filter := store.ServerFilter{}
	if raw, ok := params["servers"]; ok {
		ids, fails := uuidList("servers", raw)
		if len(fails) > 0 {
			return nil, fails, nil
		}
		for _, id := range ids {
			if _, err := h.servers.Get(r.Context(), id); errors.Is(err, store.ErrNotFound) {
				fails = append(fails, FieldError{
					Field: "servers", Code: "Invalid",
					Message: "server " + id.String() + " does not exist",
				})
				continue
			} else if err != nil {
				return nil, nil, err
			}
			if _, err := h.plans.PendingPlanForServer(r.Context(), id); err == nil {
				fails = append(fails, FieldError{
					Field: "servers", Code: "Invalid",
					Message: "server " + id.String() + " is part of a pending reboot plan",
				})
			} else if !errors.Is(err, store.ErrNotFound) {
				return nil, nil, err
			}
		}
		if len(fails) > 0 {
			return nil, fails, nil
		}
		filter.UUIDs = ids
	}

	servers, err := h.servers.List(r.Context(), filter, store.ListOptions{})
	return servers, nil, err
}

// openTickets collects the open provisioning tickets for every candidate,
// so in-flight allocations count against capacity.
func (h *AllocateHandler) openTickets(r *http.Request, candidates []db.Server) ([]db.Ticket, error) {
	var open []db.Ticket
	for i := range candidates {
		tickets, err := h.tickets.ListOpenByServer(r.Context(), candidates[i].UUID)
		if err != nil {
			return nil, err
		}
		open = append(open, tickets...)
	}
	return open, nil
}
