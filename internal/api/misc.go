package api

import (
	"net/http"

	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/store"
)

// MiscHandler serves /ping and /platforms.
type MiscHandler struct {
	servers      store.ServerRepository
	busConnected func() bool
	wfConnected  func() bool
	wsClients    func() int
	logger       *zap.Logger
}

// NewMiscHandler creates a MiscHandler.
func NewMiscHandler(servers store.ServerRepository, busConnected, wfConnected func() bool, wsClients func() int, logger *zap.Logger) *MiscHandler {
	return &MiscHandler{
		servers:      servers,
		busConnected: busConnected,
		wfConnected:  wfConnected,
		wsClients:    wsClients,
		logger:       logger,
	}
}

// Ping reports process health and backend connectivity. Always 200 — the
// connected map tells monitoring which dependencies are degraded.
func (h *MiscHandler) Ping(w http.ResponseWriter, r *http.Request) {
	Ok(w, map[string]any{
		"status": "ok",
		"connected": map[string]bool{
			"amqp":     h.busConnected(),
			"workflow": h.wfConnected(),
		},
		"websocket_clients": h.wsClients(),
	})
}

// Platforms returns every platform version present in the fleet, with the
// newest flagged latest.
func (h *MiscHandler) Platforms(w http.ResponseWriter, r *http.Request) {
	platforms, err := h.servers.Platforms(r.Context())
	if err != nil {
		ErrInternal(w, r)
		return
	}

	// Platform builds sort lexically by release date; the last one is the
	// newest.
	out := make(map[string]map[string]bool, len(platforms))
	for i, p := range platforms {
		entry := map[string]bool{}
		if i == len(platforms)-1 {
			entry["latest"] = true
		}
		out[p] = entry
	}
	Ok(w, out)
}
