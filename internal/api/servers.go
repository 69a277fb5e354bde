package api

import (
	"errors"
	"net/http"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/orchestrator"
	"github.com/fleetwise-io/fleetwise/internal/registry"
	"github.com/fleetwise-io/fleetwise/internal/store"
	"github.com/fleetwise-io/fleetwise/internal/ur"
)

// defaultExecuteTimeout bounds a remote execution when the caller does not
// specify one.
const defaultExecuteTimeout = 60 * time.Second

// ServerHandler serves the /servers routes.
type ServerHandler struct {
	servers  store.ServerRepository
	registry *registry.Registry
	ur       *ur.Client
	orch     *orchestrator.Orchestrator
	waitlist TicketWaitlist
	logger   *zap.Logger
}

// NewServerHandler creates a ServerHandler.
func NewServerHandler(servers store.ServerRepository, reg *registry.Registry, urc *ur.Client, orch *orchestrator.Orchestrator, wl TicketWaitlist, logger *zap.Logger) *ServerHandler {
	return &ServerHandler{
		servers:  servers,
		registry: reg,
		ur:       urc,
		orch:     orch,
		waitlist: wl,
		logger:   logger,
	}
}

// List returns servers, filterable by hostname, setup/reserved/headnode
// flags, and an explicit uuids list.
func (h *ServerHandler) List(w http.ResponseWriter, r *http.Request) {
	q := r.URL.Query()
	filter := store.ServerFilter{Hostname: q.Get("hostname")}

	var fails []FieldError
	boolParam := func(name string) *bool {
		raw := q.Get(name)
		if raw == "" {
			return nil
		}
		v, err := strconv.ParseBool(raw)
		if err != nil {
			fails = append(fails, FieldError{Field: name, Code: "Invalid", Message: `must be "true" or "false"`})
			return nil
		}
		return &v
	}
	filter.Setup = boolParam("setup")
	filter.Reserved = boolParam("reserved")
	filter.Headnode = boolParam("headnode")

	if raw := q.Get("uuids"); raw != "" {
		for _, s := range strings.Split(raw, ",") {
			id, err := uuid.Parse(s)
			if err != nil {
				fails = append(fails, FieldError{Field: "uuids", Code: "Invalid", Message: "must be a comma-separated list of UUIDs"})
				break
			}
			filter.UUIDs = append(filter.UUIDs, id)
		}
	}
	if len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	servers, err := h.servers.List(r.Context(), filter, listOptions(r))
	if err != nil {
		ErrInternal(w, r)
		return
	}
	Ok(w, servers)
}

// Get returns the prepopulated server record.
func (h *ServerHandler) Get(w http.ResponseWriter, r *http.Request) {
	Ok(w, serverFromCtx(r.Context()))
}

// Update modifies the administratively owned fields of a server. Hardware
// fields stay under sysinfo's ownership and are not settable here.
func (h *ServerHandler) Update(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if !decodeJSON(w, r, &params) {
		return
	}
	if fails := validate(params, []Rule{
		{Field: "reserved", Kind: KindBooleanString, Optional: true},
		{Field: "setup", Kind: KindBooleanString, Optional: true},
		{Field: "reservation_ratio", Kind: KindNumber, Optional: true},
		{Field: "traits", Kind: KindObject, Optional: true},
		{Field: "overprovision_ratios", Kind: KindObject, Optional: true},
		{Field: "next_reboot", Kind: KindString, Optional: true},
		{Field: "boot_platform", Kind: KindString, Optional: true},
		{Field: "datacenter", Kind: KindString, Optional: true},
	}, true); len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	var nextReboot *time.Time
	if raw, ok := params["next_reboot"].(string); ok {
		t, err := time.Parse(time.RFC3339, raw)
		if err != nil {
			ErrInvalidParameters(w, r, []FieldError{{
				Field: "next_reboot", Code: "Invalid", Message: "must be an RFC 3339 timestamp",
			}})
			return
		}
		nextReboot = &t
	}

	server := serverFromCtx(r.Context())
	updated, err := h.registry.Modify(r.Context(), server.UUID, func(s *db.Server) error {
		if v, ok := params["reserved"].(bool); ok {
			s.Reserved = v
		}
		if v, ok := params["setup"].(bool); ok {
			s.Setup = v
		}
		if v, ok := params["reservation_ratio"].(float64); ok {
			s.ReservationRatio = v
		}
		if v, ok := params["traits"].(map[string]any); ok {
			s.Traits = v
		}
		if v, ok := params["overprovision_ratios"].(map[string]any); ok {
			ratios := make(map[string]float64, len(v))
			for k, raw := range v {
				if f, ok := raw.(float64); ok {
					ratios[k] = f
				}
			}
			s.OverprovisionRatios = ratios
		}
		if nextReboot != nil {
			s.NextReboot = nextReboot
		}
		if v, ok := params["boot_platform"].(string); ok {
			s.BootPlatform = v
		}
		if v, ok := params["datacenter"].(string); ok {
			s.Datacenter = v
		}
		return nil
	})
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, updated)
}

// Delete removes a server record and its tickets. Setup servers are
// refused unless ?force=true — the node will simply re-register on its
// next sysinfo announcement if it is still alive.
func (h *ServerHandler) Delete(w http.ResponseWriter, r *http.Request) {
	server := serverFromCtx(r.Context())
	if server.Setup {
		if force, _ := strconv.ParseBool(r.URL.Query().Get("force")); !force {
			ErrConflict(w, r, CodeInvalidArgument, "server is setup; pass force=true to delete anyway")
			return
		}
	}
	if err := h.waitlist.DeleteByServer(r.Context(), server.UUID); err != nil {
		ErrInternal(w, r)
		return
	}
	if err := h.servers.Delete(r.Context(), server.UUID); respondStoreErr(w, r, err) {
		return
	}
	h.logger.Info("server deleted", zap.String("server_uuid", server.UUID.String()))
	NoContent(w)
}

// Sysinfo applies a sysinfo document pushed over HTTP, the out-of-band
// alternative to the bus announcement path.
func (h *ServerHandler) Sysinfo(w http.ResponseWriter, r *http.Request) {
	var si db.Sysinfo
	if !decodeJSON(w, r, &si) {
		return
	}

	server := serverFromCtx(r.Context())
	if si.UUID() != server.UUID.String() {
		ErrConflict(w, r, CodeInvalidArgument, registry.ErrSysinfoUUIDMismatch.Error())
		return
	}

	updated, err := h.registry.UpsertFromSysinfo(r.Context(), si)
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, updated)
}

// Execute runs a script on the server synchronously and returns its
// stdout, stderr and exit status.
func (h *ServerHandler) Execute(w http.ResponseWriter, r *http.Request) {
	var params map[string]any
	if !decodeJSON(w, r, &params) {
		return
	}
	if fails := validate(params, []Rule{
		{Field: "script", Kind: KindString},
		{Field: "args", Kind: KindArray, Optional: true},
		{Field: "env", Kind: KindObject, Optional: true},
		{Field: "timeout", Kind: KindNumber, Optional: true},
	}, true); len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return
	}

	req := ur.ExecRequest{Type: "script"}
	req.Script, _ = params["script"].(string)
	if args, ok := params["args"].([]any); ok {
		for _, a := range args {
			if s, ok := a.(string); ok {
				req.Args = append(req.Args, s)
			}
		}
	}
	if env, ok := params["env"].(map[string]any); ok {
		req.Env = make(map[string]string, len(env))
		for k, v := range env {
			if s, ok := v.(string); ok {
				req.Env[k] = s
			}
		}
	}

	timeout := defaultExecuteTimeout
	if secs, ok := params["timeout"].(float64); ok && secs > 0 {
		timeout = time.Duration(secs * float64(time.Second))
	}
	req.Timeout = int(timeout / time.Millisecond)

	server := serverFromCtx(r.Context())
	result, err := h.ur.Execute(r.Context(), server.UUID, req, timeout)
	if errors.Is(err, ur.ErrCommandTimeout) {
		errJSON(w, r, http.StatusInternalServerError, CodeCommandTimeout,
			"command timed out on "+server.UUID.String(), nil)
		return
	}
	if err != nil {
		h.logger.Error("execute failed",
			zap.String("server_uuid", server.UUID.String()), zap.Error(err))
		ErrInternal(w, r)
		return
	}
	Ok(w, result)
}

// Reboot starts a standalone reboot workflow job for the server.
func (h *ServerHandler) Reboot(w http.ResponseWriter, r *http.Request) {
	server := serverFromCtx(r.Context())
	job, err := h.orch.RebootServer(r.Context(), server.UUID)
	if err != nil {
		h.logger.Error("reboot dispatch failed",
			zap.String("server_uuid", server.UUID.String()), zap.Error(err))
		ErrInternal(w, r)
		return
	}
	Accepted(w, map[string]string{"job_uuid": job.UUID.String()})
}

// FactoryReset clears the server's setup state so it can be reinstalled.
func (h *ServerHandler) FactoryReset(w http.ResponseWriter, r *http.Request) {
	server := serverFromCtx(r.Context())
	updated, err := h.registry.FactoryReset(r.Context(), server.UUID)
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, updated)
}

// listOptions reads the common limit/offset pagination parameters.
func listOptions(r *http.Request) store.ListOptions {
	var opts store.ListOptions
	if v, err := strconv.Atoi(r.URL.Query().Get("limit")); err == nil && v > 0 {
		opts.Limit = v
	}
	if v, err := strconv.Atoi(r.URL.Query().Get("offset")); err == nil && v > 0 {
		opts.Offset = v
	}
	return opts
}
