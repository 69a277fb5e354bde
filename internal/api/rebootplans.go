package api

import (
	"errors"
	"net/http"
	"strings"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/orchestrator"
)

// RebootPlanHandler serves the /reboot-plans routes.
type RebootPlanHandler struct {
	orch   *orchestrator.Orchestrator
	logger *zap.Logger
}

// NewRebootPlanHandler creates a RebootPlanHandler.
func NewRebootPlanHandler(orch *orchestrator.Orchestrator, logger *zap.Logger) *RebootPlanHandler {
	return &RebootPlanHandler{orch: orch, logger: logger}
}

// planView is the wire shape of a plan with its reboots inlined.
type planView struct {
	*db.RebootPlan
	Reboots []db.Reboot `json:"reboots"`
}

// Create validates and persists a new reboot plan in state created.
func (h *RebootPlanHandler) Create(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if !decodeJSON(w, r, &params) {
		return
	}
	if fails := validate(params, []Rule{
		{Field: "servers", Kind: KindArray},
		{Field: "concurrency", Kind: KindNumber, Optional: true, Default: float64(1)},
		{Field: "single_step", Kind: KindBooleanString, Optional: true, Default: false},
	}, true); len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	ids, fails := uuidList("servers", params["servers"])
	if len(ids) == 0 && len(fails) == 0 {
		fails = append(fails, FieldError{Field: "servers", Code: "Invalid", Message: "must not be empty"})
	}
	if len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	concurrency, _ := params["concurrency"].(float64)
	singleStep, _ := params["single_step"].(bool)

	plan, reboots, err := h.orch.CreatePlan(r.Context(), ids, int(concurrency), singleStep)
	if errors.Is(err, orchestrator.ErrServerInPendingPlan) {
		ErrConflict(w, r, CodeInvalidArgument, err.Error())
		return
	}
	if respondStoreErr(w, r, err) {
		return
	}
	Created(w, planView{RebootPlan: plan, Reboots: reboots})
}

// List returns plans, optionally narrowed by ?state=running,stopped.
func (h *RebootPlanHandler) List(w http.ResponseWriter, r *http.Request) {
	var states []string
	if raw := r.URL.Query().Get("state"); raw != "" {
		states = strings.Split(raw, ",")
	}
	plans, err := h.orch.ListPlans(r.Context(), states, listOptions(r))
	if err != nil {
		ErrInternal(w, r)
		return
	}
	Ok(w, plans)
}

// Get returns one plan with its reboots.
func (h *RebootPlanHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.planID(w, r)
	if !ok {
		return
	}
	plan, reboots, err := h.orch.GetPlan(r.Context(), id)
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, planView{RebootPlan: plan, Reboots: reboots})
}

// Action applies a state transition named in the body: run, continue,
// stop, or cancel. Illegal transitions are 409s.
func (h *RebootPlanHandler) Action(w http.ResponseWriter, r *http.Request) {
	id, ok := h.planID(w, r)
	if !ok {
		return
	}

	var params map[string]any
	if !decodeJSON(w, r, &params) {
		return
	}
	if fails := validate(params, []Rule{
		{Field: "action", Kind: KindString},
	}, true); len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	action, _ := params["action"].(string)
	var plan *db.RebootPlan
	var err error
	switch action {
	case "run":
		plan, err = h.orch.Run(r.Context(), id)
	case "continue":
		plan, err = h.orch.Continue(r.Context(), id)
	case "stop":
		plan, err = h.orch.Stop(r.Context(), id)
	case "cancel":
		plan, err = h.orch.Cancel(r.Context(), id)
	default:
		ErrInvalidParameters(w, r, []FieldError{{
			Field: "action", Code: "Invalid",
			Message: `must be one of "run", "continue", "stop", "cancel"`,
		}})
		return
	}

	if errors.Is(err, orchestrator.ErrInvalidTransition) {
		ErrConflict(w, r, CodeConflict, err.Error())
		return
	}
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, plan)
}

// Delete removes a terminal plan.
func (h *RebootPlanHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id, ok := h.planID(w, r)
	if !ok {
		return
	}
	err := h.orch.DeletePlan(r.Context(), id)
	if errors.Is(err, orchestrator.ErrInvalidTransition) {
		ErrConflict(w, r, CodeConflict, err.Error())
		return
	}
	if respondStoreErr(w, r, err) {
		return
	}
	NoContent(w)
}

// GetReboot returns a single reboot entry of a plan.
func (h *RebootPlanHandler) GetReboot(w http.ResponseWriter, r *http.Request) {
	planID, ok := h.planID(w, r)
	if !ok {
		return
	}
	rebootID, err := uuid.Parse(chi.URLParam(r, "reboot_uuid"))
	if err != nil {
		ErrNotFound(w, r, "no such reboot")
		return
	}

	_, reboots, err := h.orch.GetPlan(r.Context(), planID)
	if respondStoreErr(w, r, err) {
		return
	}
	for i := range reboots {
		if reboots[i].ID == rebootID {
			Ok(w, &reboots[i])
			return
		}
	}
	ErrNotFound(w, r, "no such reboot")
}

func (h *RebootPlanHandler) planID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		ErrNotFound(w, r, "no such reboot plan")
		return uuid.UUID{}, false
	}
	return id, true
}
