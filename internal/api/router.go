package api

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/allocator"
	"github.com/fleetwise-io/fleetwise/internal/bus"
	"github.com/fleetwise-io/fleetwise/internal/orchestrator"
	"github.com/fleetwise-io/fleetwise/internal/registry"
	"github.com/fleetwise-io/fleetwise/internal/store"
	"github.com/fleetwise-io/fleetwise/internal/task"
	"github.com/fleetwise-io/fleetwise/internal/ur"
	"github.com/fleetwise-io/fleetwise/internal/websocket"
	"github.com/fleetwise-io/fleetwise/internal/workflow"
)

// requestTimeout is the default deadline every handler inherits. Long
// enough for the wait endpoints; anything still running after this is
// wedged.
const requestTimeout = 1 * time.Hour

// RouterConfig holds all dependencies needed to build the HTTP router.
// It is populated in main.go after all components are initialized and
// passed to NewRouter as a single struct to keep the constructor signature
// manageable as the number of dependencies grows.
type RouterConfig struct {
	Bus        bus.Bus
	Registry   *registry.Registry
	Ur         *ur.Client
	Dispatcher *task.Dispatcher
	Waitlist   TicketWaitlist
	Allocator  *allocator.Allocator
	Orch       *orchestrator.Orchestrator
	Engine     workflow.Engine
	Hub        *websocket.Hub
	Logger     *zap.Logger

	// Repositories — used directly by handlers that do not need
	// subsystem logic.
	Servers store.ServerRepository
	Tickets store.TicketRepository
	Plans   store.RebootPlanRepository
}

// NewRouter builds and returns the fully configured Chi router.
func NewRouter(cfg RouterConfig) http.Handler {
	r := chi.NewRouter()

	// RequestID generates a unique ID for each request, used in logs and
	// error envelopes for tracing.
	r.Use(middleware.RequestID)

	// RealIP extracts the real client IP from X-Forwarded-For or X-Real-IP
	// headers when the server runs behind a reverse proxy.
	r.Use(middleware.RealIP)

	// RequestLogger logs every request with method, path, status and size.
	r.Use(RequestLogger(cfg.Logger))

	// Recoverer catches panics in handlers, logs them, and returns a 500
	// instead of crashing the server.
	r.Use(middleware.Recoverer)

	r.Use(Metrics())
	r.Use(middleware.Timeout(requestTimeout))

	serverHandler := NewServerHandler(cfg.Servers, cfg.Registry, cfg.Ur, cfg.Orch, cfg.Waitlist, cfg.Logger)
	ticketHandler := NewTicketHandler(cfg.Waitlist, cfg.Logger)
	taskHandler := NewTaskHandler(cfg.Dispatcher, cfg.Logger)
	allocateHandler := NewAllocateHandler(cfg.Allocator, cfg.Servers, cfg.Tickets, cfg.Plans, cfg.Logger)
	bootHandler := NewBootHandler(cfg.Registry, cfg.Logger)
	planHandler := NewRebootPlanHandler(cfg.Orch, cfg.Logger)
	miscHandler := NewMiscHandler(cfg.Servers, cfg.Bus.Connected, cfg.Engine.Connected, cfg.Hub.ConnectedCount, cfg.Logger)
	wsHandler := NewWSHandler(cfg.Hub, cfg.Logger)

	busUp := Connected("message bus", cfg.Bus.Connected)
	workflowUp := Connected("workflow engine", cfg.Engine.Connected)

	r.Get("/ping", miscHandler.Ping)
	r.Get("/platforms", miscHandler.Platforms)
	r.Get("/events", wsHandler.ServeWS)
	r.Handle("/metrics", promhttp.Handler())

	r.Post("/allocate", allocateHandler.Allocate)
	r.Post("/capacity", allocateHandler.Capacity)

	r.Route("/servers", func(r chi.Router) {
		r.Get("/", serverHandler.List)

		r.Route("/{uuid}", func(r chi.Router) {
			r.Use(ServerCtx(cfg.Servers))

			r.Get("/", serverHandler.Get)
			r.Post("/", serverHandler.Update)
			r.Put("/", serverHandler.Update)
			r.Delete("/", serverHandler.Delete)

			r.Post("/sysinfo", serverHandler.Sysinfo)
			r.With(busUp).Post("/execute", serverHandler.Execute)
			r.With(workflowUp).Post("/reboot", serverHandler.Reboot)
			r.Put("/factory-reset", serverHandler.FactoryReset)

			r.Get("/tickets", ticketHandler.ListByServer)
			r.Post("/tickets", ticketHandler.Create)
			r.Delete("/tickets", ticketHandler.DeleteByServer)
		})
	})

	r.Route("/tickets/{uuid}", func(r chi.Router) {
		r.Get("/", ticketHandler.Get)
		r.Get("/wait", ticketHandler.Wait)
		r.Put("/release", ticketHandler.Release)
	})

	r.Route("/tasks/{taskid}", func(r chi.Router) {
		r.Get("/", taskHandler.Get)
		r.Get("/wait", taskHandler.Wait)
	})

	r.Route("/boot", func(r chi.Router) {
		r.Get("/default", bootHandler.GetDefault)
		r.Put("/default", bootHandler.SetDefault)
		r.Post("/default", bootHandler.UpdateDefault)

		r.Get("/{uuid}", bootHandler.Get)
		r.Put("/{uuid}", bootHandler.Set)
		r.Post("/{uuid}", bootHandler.Update)
	})

	r.Route("/reboot-plans", func(r chi.Router) {
		r.Get("/", planHandler.List)
		r.With(workflowUp).Post("/", planHandler.Create)

		r.Route("/{uuid}", func(r chi.Router) {
			r.Get("/", planHandler.Get)
			r.Put("/", planHandler.Action)
			r.Delete("/", planHandler.Delete)
			r.Get("/reboots/{reboot_uuid}", planHandler.GetReboot)
		})
	})

	return r
}
