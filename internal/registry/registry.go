// Package registry owns the authoritative record of every compute node.
//
// Nodes announce themselves with sysinfo documents and stay alive with
// periodic heartbeats. Sysinfo ingest creates or updates the server record
// under optimistic concurrency; heartbeat ingest is kept in memory and
// flushed to the store by a periodic reconciliation pass, so a chatty fleet
// does not turn every heartbeat into a database write.
package registry

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/avast/retry-go"
	"github.com/google/uuid"
	"github.com/mitchellh/hashstructure/v2"
	gocache "github.com/patrickmn/go-cache"
	"go.uber.org/multierr"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/bus"
	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/metrics"
	"github.com/fleetwise-io/fleetwise/internal/store"
)

const (
	// HeartbeatLifetime is the liveness window: a server is running iff
	// its last heartbeat is at most this old.
	HeartbeatLifetime = 11 * time.Second

	// ReconcilePeriod is how often in-memory heartbeat state is persisted.
	ReconcilePeriod = 5 * time.Second

	// maxEtagRetries bounds the re-read-and-retry loop on conflicting
	// server writes before Conflict is surfaced to the caller.
	maxEtagRetries = 10

	// heartbeatQueue collects heartbeat.<uuid> messages from the fleet.
	heartbeatQueue = "cnapi.heartbeat"

	// heartbeatExchange is the topic exchange agents publish heartbeats
	// and task traffic on.
	heartbeatExchange = "cnapi"
)

// ErrSysinfoUUIDMismatch is returned when a sysinfo document's UUID field
// disagrees with the node it was attributed to.
var ErrSysinfoUUIDMismatch = errors.New("registry: sysinfo UUID does not match server")

// StatusNotifier is invoked on every server status transition. The server
// wires this to the websocket hub.
type StatusNotifier func(serverUUID uuid.UUID, status string)

// heartbeatState is the transient per-server liveness snapshot held between
// reconciliation passes.
type heartbeatState struct {
	At  time.Time
	VMs map[string]db.VM
}

// heartbeatPayload is the wire shape of a heartbeat message.
type heartbeatPayload struct {
	VMs map[string]db.VM `json:"vms"`
}

// Config carries the deployment-specific values injected into boot
// parameters handed to booting nodes.
type Config struct {
	// Datacenter is stamped on newly materialized server records.
	Datacenter string
	// RabbitMQParam is the broker connection string handed to booting
	// nodes (user:pass:host:port form).
	RabbitMQParam string
	// RabbitMQDNSParam is the DNS-based variant of RabbitMQParam.
	RabbitMQDNSParam string
}

// Registry is the compute-node registry and ingest pipeline.
// The zero value is not usable — create instances with New.
type Registry struct {
	cfg     Config
	servers store.ServerRepository
	logger  *zap.Logger
	notify  StatusNotifier

	// live holds the fresh heartbeat per server with the liveness window
	// as TTL; expiry of an entry is exactly the moment a server stops
	// being "running".
	live *gocache.Cache

	// mu guards dirty and statusDirty between ingest and reconciliation.
	mu          sync.Mutex
	dirty       map[uuid.UUID]heartbeatState
	statusDirty map[uuid.UUID]string

	// ingestMu serializes sysinfo ingest per server: concurrent documents
	// for the same node are applied one at a time, each against the
	// freshest stored state.
	ingestMu sync.Map // uuid.UUID → *sync.Mutex
}

// New creates a Registry. notify may be nil.
func New(cfg Config, servers store.ServerRepository, notify StatusNotifier, logger *zap.Logger) *Registry {
	r := &Registry{
		cfg:         cfg,
		servers:     servers,
		logger:      logger.Named("registry"),
		notify:      notify,
		live:        gocache.New(HeartbeatLifetime, time.Second),
		dirty:       make(map[uuid.UUID]heartbeatState),
		statusDirty: make(map[uuid.UUID]string),
	}

	// When a liveness entry ages out, the server has missed its window
	// and flips to unknown on the next reconciliation pass.
	r.live.OnEvicted(func(key string, _ interface{}) {
		id, err := uuid.Parse(key)
		if err != nil {
			return
		}
		r.mu.Lock()
		r.statusDirty[id] = db.ServerStatusUnknown
		r.mu.Unlock()
		metrics.ServersRunning.Set(float64(r.live.ItemCount()))
		r.logger.Info("server liveness lapsed", zap.String("server_uuid", key))
		if r.notify != nil {
			r.notify(id, db.ServerStatusUnknown)
		}
	})

	return r
}

// SubscribeHeartbeats binds the fleet-wide heartbeat queue and feeds every
// message into the in-memory liveness state.
func (r *Registry) SubscribeHeartbeats(b bus.Bus) error {
	if err := b.DeclareQueue(heartbeatQueue, bus.QueueOptions{Redeclare: true}); err != nil {
		return err
	}
	if err := b.BindQueue(heartbeatQueue, heartbeatExchange, "heartbeat.#"); err != nil {
		return err
	}
	return b.Subscribe(heartbeatQueue, func(d bus.Delivery) {
		serverUUID := nodeFromRoutingKey(d.RoutingKey)
		id, err := uuid.Parse(serverUUID)
		if err != nil {
			r.logger.Warn("heartbeat with unparseable node uuid",
				zap.String("routing_key", d.RoutingKey))
			return
		}
		var hb heartbeatPayload
		if err := json.Unmarshal(d.Body, &hb); err != nil {
			r.logger.Warn("dropping malformed heartbeat",
				zap.String("server_uuid", serverUUID), zap.Error(err))
			return
		}
		r.HeartbeatIngest(id, hb.VMs)
	})
}

// HeartbeatIngest records a liveness signal and the node's current VM
// inventory slice. State is memory-only until the next reconciliation
// pass; later heartbeats simply overwrite earlier ones.
func (r *Registry) HeartbeatIngest(id uuid.UUID, vms map[string]db.VM) {
	now := time.Now().UTC()

	_, wasLive := r.live.Get(id.String())
	r.live.Set(id.String(), now, gocache.DefaultExpiration)
	metrics.HeartbeatsReceived.Inc()
	metrics.ServersRunning.Set(float64(r.live.ItemCount()))

	r.mu.Lock()
	r.dirty[id] = heartbeatState{At: now, VMs: vms}
	delete(r.statusDirty, id)
	r.mu.Unlock()

	if !wasLive {
		r.logger.Info("server is running", zap.String("server_uuid", id.String()))
		if r.notify != nil {
			r.notify(id, db.ServerStatusRunning)
		}
	}
}

// Running reports whether the server is inside its liveness window.
func (r *Registry) Running(id uuid.UUID) bool {
	_, ok := r.live.Get(id.String())
	return ok
}

// Reconcile flushes pending heartbeat state to the store. Called every
// ReconcilePeriod by the background scheduler; also safe to call directly.
func (r *Registry) Reconcile(ctx context.Context) error {
	r.mu.Lock()
	dirty := r.dirty
	statusDirty := r.statusDirty
	r.dirty = make(map[uuid.UUID]heartbeatState)
	r.statusDirty = make(map[uuid.UUID]string)
	r.mu.Unlock()

	var errs error
	for id, hb := range dirty {
		err := r.servers.UpdateLiveness(ctx, id, hb.At, db.ServerStatusRunning, hb.VMs)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("liveness for %s: %w", id, err))
		}
	}
	for id, status := range statusDirty {
		err := r.servers.UpdateStatus(ctx, id, status)
		if err != nil && !errors.Is(err, store.ErrNotFound) {
			errs = multierr.Append(errs, fmt.Errorf("status for %s: %w", id, err))
		}
	}
	return errs
}

// UpsertFromSysinfo applies a sysinfo document: it creates the server
// record on first contact (seeded from the boot defaults) or refreshes the
// hardware-owned fields of an existing record, preserving everything
// administratively owned. A document identical to the stored one is a
// no-op and performs no write.
func (r *Registry) UpsertFromSysinfo(ctx context.Context, si db.Sysinfo) (*db.Server, error) {
	id, err := uuid.Parse(si.UUID())
	if err != nil {
		return nil, fmt.Errorf("registry: sysinfo UUID %q: %w", si.UUID(), err)
	}

	// One in-flight ingest per server.
	lockAny, _ := r.ingestMu.LoadOrStore(id, &sync.Mutex{})
	lock := lockAny.(*sync.Mutex)
	lock.Lock()
	defer lock.Unlock()

	var result *db.Server
	err = retry.Do(
		func() error {
			server, err := r.applySysinfo(ctx, id, si)
			if err != nil {
				return err
			}
			result = server
			return nil
		},
		retry.Attempts(maxEtagRetries),
		retry.RetryIf(func(err error) bool { return errors.Is(err, store.ErrConflict) }),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// applySysinfo performs a single read-merge-write attempt.
func (r *Registry) applySysinfo(ctx context.Context, id uuid.UUID, si db.Sysinfo) (*db.Server, error) {
	existing, err := r.servers.Get(ctx, id)
	if errors.Is(err, store.ErrNotFound) {
		return r.materialize(ctx, id, si)
	}
	if err != nil {
		return nil, err
	}

	// Skip the write when the node reports the exact document we already
	// hold — re-announcements on reconnect are common and must be cheap.
	if sameSysinfo(existing.Sysinfo, si) {
		metrics.SysinfoIngests.WithLabelValues("unchanged").Inc()
		return existing, nil
	}

	prevEtag := existing.Etag
	mergeSysinfo(existing, si)

	if err := r.servers.Put(ctx, existing, prevEtag); err != nil {
		return nil, err
	}
	metrics.SysinfoIngests.WithLabelValues("applied").Inc()
	r.logger.Info("server updated from sysinfo",
		zap.String("server_uuid", id.String()),
		zap.String("hostname", existing.Hostname),
		zap.String("current_platform", existing.CurrentPlatform),
	)
	return existing, nil
}

// materialize creates a brand-new server record from sysinfo, seeding the
// administrative boot configuration from the baseline defaults record.
func (r *Registry) materialize(ctx context.Context, id uuid.UUID, si db.Sysinfo) (*db.Server, error) {
	defaults, err := r.servers.GetDefaults(ctx)
	if err != nil {
		return nil, err
	}

	server := &db.Server{
		UUID:                id,
		Datacenter:          r.cfg.Datacenter,
		ReservationRatio:    0.15,
		BootParams:          copyStringMap(defaults.BootParams),
		KernelFlags:         copyStringMap(defaults.KernelFlags),
		BootModules:         append([]string(nil), defaults.BootModules...),
		DefaultConsole:      defaults.DefaultConsole,
		Serial:              defaults.Serial,
		BootPlatform:        defaults.BootPlatform,
		Traits:              map[string]any{},
		OverprovisionRatios: map[string]float64{},
		VMs:                 map[string]db.VM{},
		Status:              db.ServerStatusUnknown,
	}
	mergeSysinfo(server, si)
	if server.BootPlatform == "" {
		server.BootPlatform = server.CurrentPlatform
	}

	if err := r.servers.Create(ctx, server); err != nil {
		// A concurrent ingest may have won the race to create; retry as a
		// conflict so the merge path runs against the stored record.
		if existing, getErr := r.servers.Get(ctx, id); getErr == nil && existing != nil {
			return nil, store.ErrConflict
		}
		return nil, err
	}
	metrics.SysinfoIngests.WithLabelValues("applied").Inc()
	r.logger.Info("server created from sysinfo",
		zap.String("server_uuid", id.String()),
		zap.String("hostname", server.Hostname),
	)
	return server, nil
}

// mergeSysinfo overwrites the hardware-owned fields of server from si.
// Administrative fields are untouched. last_boot never moves backwards
// unless the node itself reports a fresh boot.
func mergeSysinfo(server *db.Server, si db.Sysinfo) {
	server.Sysinfo = si
	server.Hostname = si.Hostname()
	server.CurrentPlatform = si.LiveImage()
	server.Headnode = si.Headnode()

	if bootTime := si.BootTime(); !bootTime.IsZero() && !bootTime.Before(server.LastBoot) {
		server.LastBoot = bootTime
	}

	// Setup is monotone: once a node is set up it stays set up, except
	// via the explicit factory-reset path.
	if setup, ok := si["Setup"]; ok {
		switch v := setup.(type) {
		case bool:
			server.Setup = server.Setup || v
		case string:
			server.Setup = server.Setup || v == "true"
		}
	}
}

// sameSysinfo reports whether two sysinfo documents hash identically.
func sameSysinfo(a, b db.Sysinfo) bool {
	if a == nil || b == nil {
		return false
	}
	ha, errA := hashstructure.Hash(map[string]any(a), hashstructure.FormatV2, nil)
	hb, errB := hashstructure.Hash(map[string]any(b), hashstructure.FormatV2, nil)
	return errA == nil && errB == nil && ha == hb
}

// Modify applies mutate to the freshest copy of the server record and
// writes it back conditionally, retrying the whole read-mutate-write cycle
// on etag conflicts. Every administrative mutation path goes through here.
func (r *Registry) Modify(ctx context.Context, id uuid.UUID, mutate func(*db.Server) error) (*db.Server, error) {
	var result *db.Server
	err := retry.Do(
		func() error {
			server, err := r.servers.Get(ctx, id)
			if err != nil {
				return err
			}
			prevEtag := server.Etag
			if err := mutate(server); err != nil {
				return err
			}
			if err := r.servers.Put(ctx, server, prevEtag); err != nil {
				return err
			}
			result = server
			return nil
		},
		retry.Attempts(maxEtagRetries),
		retry.RetryIf(func(err error) bool { return errors.Is(err, store.ErrConflict) }),
		retry.Delay(10*time.Millisecond),
		retry.LastErrorOnly(true),
	)
	if err != nil {
		return nil, err
	}
	return result, nil
}

// FactoryReset clears the setup flag, returning the node to its
// pre-installation state. This is the one legal path for setup to go
// from true to false.
func (r *Registry) FactoryReset(ctx context.Context, id uuid.UUID) (*db.Server, error) {
	return r.Modify(ctx, id, func(s *db.Server) error {
		s.Setup = false
		return nil
	})
}

func copyStringMap(m map[string]string) map[string]string {
	out := make(map[string]string, len(m))
	for k, v := range m {
		out[k] = v
	}
	return out
}

func nodeFromRoutingKey(key string) string {
	// heartbeat.<uuid> — the node uuid is the second dot segment.
	for i := 0; i < len(key); i++ {
		if key[i] == '.' {
			return key[i+1:]
		}
	}
	return ""
}
