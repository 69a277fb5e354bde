package api

import (
	"net/http"
	"strings"

	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/websocket"
)

// WSHandler handles the WebSocket upgrade endpoint GET /events.
//
// Topic subscription is declared at connection time via the `topics` query
// parameter — task:<uuid> and server:<uuid> channels. Authentication is the
// deployment's concern (the API sits on an admin network behind a proxy),
// matching the rest of the surface.
//
// Example connection URL:
//
//	ws://host/events?topics=task:uuid1,server:uuid2
type WSHandler struct {
	hub    *websocket.Hub
	logger *zap.Logger
}

// NewWSHandler creates a new WSHandler.
func NewWSHandler(hub *websocket.Hub, logger *zap.Logger) *WSHandler {
	return &WSHandler{
		hub:    hub,
		logger: logger.Named("ws_handler"),
	}
}

// ServeWS handles GET /events.
// It builds the topic list, upgrades the connection, and starts the client
// read/write pumps. The handler blocks until the connection closes — this
// is expected for WebSocket handlers.
func (h *WSHandler) ServeWS(w http.ResponseWriter, r *http.Request) {
	topics := resolveTopics(r)

	client, err := websocket.NewClient(h.hub, w, r, topics, h.logger)
	if err != nil {
		// The response has already been written by the upgrader on error.
		h.logger.Warn("ws: upgrade failed", zap.Error(err))
		return
	}

	h.logger.Info("ws: client connected",
		zap.String("remote_addr", r.RemoteAddr),
		zap.Strings("topics", topics),
	)

	// Run blocks until the connection closes. readPump and writePump handle
	// cleanup and hub unregistration internally.
	client.Run()

	h.logger.Info("ws: client disconnected",
		zap.String("remote_addr", r.RemoteAddr),
	)
}

// resolveTopics parses the comma-separated `topics` query parameter.
// Malformed or unknown topic strings are silently ignored — the client
// simply never receives messages for topics that do not exist.
func resolveTopics(r *http.Request) []string {
	seen := make(map[string]struct{})
	var topics []string

	for _, t := range strings.Split(r.URL.Query().Get("topics"), ",") {
		t = strings.TrimSpace(t)
		if t == "" {
			continue
		}
		if _, exists := seen[t]; exists {
			continue
		}
		seen[t] = struct{}{}
		topics = append(topics, t)
	}
	return topics
}
