package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/registry"
)

// BootHandler serves the /boot routes consumed by the PXE boot service.
type BootHandler struct {
	registry *registry.Registry
	logger   *zap.Logger
}

// NewBootHandler creates a BootHandler.
func NewBootHandler(reg *registry.Registry, logger *zap.Logger) *BootHandler {
	return &BootHandler{registry: reg, logger: logger}
}

// bootConfigRules is the shared parameter table for the set and update
// operations, on both the per-server and default configurations.
var bootConfigRules = []Rule{
	{Field: "platform", Kind: KindString, Optional: true},
	{Field: "kernel_args", Kind: KindObject, Optional: true},
	{Field: "kernel_flags", Kind: KindObject, Optional: true},
	{Field: "boot_modules", Kind: KindArray, Optional: true},
	{Field: "default_console", Kind: KindString, Optional: true},
	{Field: "serial", Kind: KindString, Optional: true},
}

// Get returns a server's resolved boot configuration — the server values
// merged over the defaults, with the broker and hostname keys injected.
func (h *BootHandler) Get(w http.ResponseWriter, r *http.Request) {
	id, ok := h.serverID(w, r)
	if !ok {
		return
	}
	params, err := h.registry.GetBootParams(r.Context(), id)
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, params)
}

// Set fully replaces a server's boot configuration.
func (h *BootHandler) Set(w http.ResponseWriter, r *http.Request) {
	id, ok := h.serverID(w, r)
	if !ok {
		return
	}
	cfg, ok := h.decodeConfig(w, r)
	if !ok {
		return
	}
	if err := h.registry.SetBootParams(r.Context(), id, cfg); respondStoreErr(w, r, err) {
		return
	}
	NoContent(w)
}

// Update merges the provided keys into a server's boot configuration.
func (h *BootHandler) Update(w http.ResponseWriter, r *http.Request) {
	id, ok := h.serverID(w, r)
	if !ok {
		return
	}
	cfg, ok := h.decodeConfig(w, r)
	if !ok {
		return
	}
	if err := h.registry.UpdateBootParams(r.Context(), id, cfg); respondStoreErr(w, r, err) {
		return
	}
	NoContent(w)
}

// GetDefault returns the baseline boot configuration.
func (h *BootHandler) GetDefault(w http.ResponseWriter, r *http.Request) {
	params, err := h.registry.GetDefaultBootParams(r.Context())
	if respondStoreErr(w, r, err) {
		return
	}
	Ok(w, params)
}

// SetDefault fully replaces the baseline boot configuration.
func (h *BootHandler) SetDefault(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.decodeConfig(w, r)
	if !ok {
		return
	}
	if err := h.registry.SetDefaultBootParams(r.Context(), cfg); respondStoreErr(w, r, err) {
		return
	}
	NoContent(w)
}

// UpdateDefault merges the provided keys into the baseline configuration.
func (h *BootHandler) UpdateDefault(w http.ResponseWriter, r *http.Request) {
	cfg, ok := h.decodeConfig(w, r)
	if !ok {
		return
	}
	if err := h.registry.UpdateDefaultBootParams(r.Context(), cfg); respondStoreErr(w, r, err) {
		return
	}
	NoContent(w)
}

// decodeConfig parses and validates a boot configuration body.
func (h *BootHandler) decodeConfig(w http.ResponseWriter, r *http.Request) (registry.BootConfig, bool) {
	var params map[string]any
	if !decodeJSON(w, r, &params) {
		return registry.BootConfig{}, false
	}
	if fails := validate(params, bootConfigRules, true); len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return registry.BootConfig{}, false
	}

	var cfg registry.BootConfig
	var fails []FieldError
	if v, ok := params["platform"].(string); ok {
		cfg.Platform = &v
	}
	if v, ok := params["default_console"].(string); ok {
		cfg.DefaultConsole = &v
	}
	if v, ok := params["serial"].(string); ok {
		cfg.Serial = &v
	}
	cfg.KernelArgs, fails = stringMap("kernel_args", params["kernel_args"], fails)
	cfg.KernelFlags, fails = stringMap("kernel_flags", params["kernel_flags"], fails)
	if raw, ok := params["boot_modules"].([]any); ok {
		for _, m := range raw {
			s, ok := m.(string)
			if !ok {
				fails = append(fails, FieldError{
					Field: "boot_modules", Code: "Invalid", Message: "must be an array of strings",
				})
				break
			}
			cfg.BootModules = append(cfg.BootModules, s)
		}
	}
	if len(fails) > 0 {
		ErrInvalidParameters(w, r, fails)
		return registry.BootConfig{}, false
	}
	return cfg, true
}

func (h *BootHandler) serverID(w http.ResponseWriter, r *http.Request) (uuid.UUID, bool) {
	id, err := uuid.Parse(chi.URLParam(r, "uuid"))
	if err != nil {
		ErrNotFound(w, r, "no such server")
		return uuid.UUID{}, false
	}
	return id, true
}

// stringMap coerces a JSON object parameter to map[string]string.
func stringMap(field string, v any, fails []FieldError) (map[string]string, []FieldError) {
	raw, ok := v.(map[string]any)
	if !ok {
		return nil, fails
	}
	out := make(map[string]string, len(raw))
	for k, item := range raw {
		s, ok := item.(string)
		if !ok {
			return nil, append(fails, FieldError{
				Field: field, Code: "Invalid", Message: "values must be strings",
			})
		}
		out[k] = s
	}
	return out, fails
}
