// Package metrics defines the Prometheus instrumentation for the control
// plane. Collectors are package-level and registered with the default
// registry; the HTTP layer exposes them on /metrics.
package metrics

import (
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
)

const namespace = "fleetwise"

var (
	// HeartbeatsReceived counts heartbeat messages ingested off the bus.
	HeartbeatsReceived = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "heartbeats_received_total",
		Help:      "Heartbeat messages ingested from compute nodes.",
	})

	// SysinfoIngests counts sysinfo documents applied to server records,
	// labeled by outcome (applied, unchanged, error).
	SysinfoIngests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "sysinfo_ingests_total",
		Help:      "Sysinfo documents processed, by outcome.",
	}, []string{"outcome"})

	// ServersRunning tracks the number of servers currently inside the
	// heartbeat liveness window.
	ServersRunning = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "registry",
		Name:      "servers_running",
		Help:      "Servers currently considered running.",
	})

	// BusConnected is 1 while the message bus connection is up.
	BusConnected = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "connected",
		Help:      "Whether the message bus connection is established.",
	})

	// BusReconnects counts connection re-establishment attempts.
	BusReconnects = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "bus",
		Name:      "reconnects_total",
		Help:      "Message bus reconnect attempts.",
	})

	// TasksDispatched counts tasks sent to agents, labeled by task name.
	TasksDispatched = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "dispatched_total",
		Help:      "Tasks dispatched to compute node agents, by task name.",
	}, []string{"task"})

	// TasksCompleted counts tasks reaching a terminal state, labeled by
	// terminal status (complete, failure).
	TasksCompleted = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "tasks",
		Name:      "completed_total",
		Help:      "Tasks that reached a terminal status.",
	}, []string{"status"})

	// UrExecutes counts remote executions, labeled by outcome
	// (ok, timeout, error).
	UrExecutes = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "ur",
		Name:      "executes_total",
		Help:      "Remote script executions, by outcome.",
	}, []string{"outcome"})

	// Allocations counts allocator runs, labeled by outcome
	// (allocated, no_servers, volume_no_resources, error).
	Allocations = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "allocator",
		Name:      "runs_total",
		Help:      "Allocation attempts, by outcome.",
	}, []string{"outcome"})

	// AllocationDuration observes end-to-end allocator pipeline latency.
	AllocationDuration = promauto.NewHistogram(prometheus.HistogramOpts{
		Namespace: namespace,
		Subsystem: "allocator",
		Name:      "run_duration_seconds",
		Help:      "Allocator pipeline latency.",
		Buckets:   prometheus.DefBuckets,
	})

	// TicketsCreated counts waitlist tickets created, labeled by scope.
	TicketsCreated = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "waitlist",
		Name:      "tickets_created_total",
		Help:      "Waitlist tickets created, by scope.",
	}, []string{"scope"})

	// TicketsExpired counts tickets the director expired.
	TicketsExpired = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "waitlist",
		Name:      "tickets_expired_total",
		Help:      "Waitlist tickets expired by the director.",
	})

	// RebootsDispatched counts reboot workflow jobs started by plans.
	RebootsDispatched = promauto.NewCounter(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "orchestrator",
		Name:      "reboots_dispatched_total",
		Help:      "Reboot workflow jobs dispatched by reboot plans.",
	})

	// WebsocketClients tracks currently connected websocket clients.
	WebsocketClients = promauto.NewGauge(prometheus.GaugeOpts{
		Namespace: namespace,
		Subsystem: "websocket",
		Name:      "clients_connected",
		Help:      "Currently connected websocket clients.",
	})

	// HTTPRequests counts API requests by route pattern and status class.
	HTTPRequests = promauto.NewCounterVec(prometheus.CounterOpts{
		Namespace: namespace,
		Subsystem: "http",
		Name:      "requests_total",
		Help:      "API requests, by route pattern and status code.",
	}, []string{"route", "status"})
)
