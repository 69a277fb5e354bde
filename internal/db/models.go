package db

import (
	"strconv"
	"time"

	"github.com/google/uuid"
	"gorm.io/gorm"
)

// Base contains the common fields shared by generated records (tickets,
// tasks, reboot plans). ID uses UUID v7 (time-ordered) for efficient B-tree
// indexing and natural chronological ordering. CreatedAt and UpdatedAt are
// managed automatically by GORM.
//
// Server records do not embed Base — their identity comes from the compute
// node itself (sysinfo.UUID), never from this side.
type Base struct {
	ID        uuid.UUID `gorm:"type:text;primaryKey"`
	CreatedAt time.Time `gorm:"not null"`
	UpdatedAt time.Time `gorm:"not null"`
}

// BeforeCreate generates a new UUID v7 if the ID is not already set.
func (b *Base) BeforeCreate(tx *gorm.DB) error {
	if b.ID == (uuid.UUID{}) {
		id, err := uuid.NewV7()
		if err != nil {
			return err
		}
		b.ID = id
	}
	return nil
}

// -----------------------------------------------------------------------------
// Servers
// -----------------------------------------------------------------------------

// Server status values. A server is "running" only while heartbeats arrive
// within the liveness window; the registry owns the transitions.
const (
	ServerStatusRunning   = "running"
	ServerStatusUnknown   = "unknown"
	ServerStatusRebooting = "rebooting"
)

// Sysinfo is the hardware/firmware/agent inventory document a compute node
// reports at boot and on demand. It is stored verbatim — the control plane
// never edits individual keys — but a handful of well-known fields are read
// through the accessor methods below.
type Sysinfo map[string]any

// UUID returns the compute node identity claimed by the sysinfo document.
func (s Sysinfo) UUID() string {
	v, _ := s["UUID"].(string)
	return v
}

// Hostname returns the node hostname reported in sysinfo.
func (s Sysinfo) Hostname() string {
	v, _ := s["Hostname"].(string)
	return v
}

// LiveImage returns the platform version the node is currently running.
func (s Sysinfo) LiveImage() string {
	v, _ := s["Live Image"].(string)
	return v
}

// BootTime returns the node boot time. Sysinfo carries it as a Unix epoch
// in seconds, encoded either as a string or a number depending on the agent
// version. Returns the zero time if the field is absent or malformed.
func (s Sysinfo) BootTime() time.Time {
	switch v := s["Boot Time"].(type) {
	case string:
		secs, err := strconv.ParseInt(v, 10, 64)
		if err != nil {
			return time.Time{}
		}
		return time.Unix(secs, 0).UTC()
	case float64:
		return time.Unix(int64(v), 0).UTC()
	}
	return time.Time{}
}

// MemoryTotalMiB returns the total physical memory of the node in MiB.
func (s Sysinfo) MemoryTotalMiB() int64 {
	return s.int64Field("MiB of Memory")
}

// DiskPoolSizeGiB returns the size of the node's storage pool in GiB.
func (s Sysinfo) DiskPoolSizeGiB() int64 {
	return s.int64Field("Zpool Size in GiB")
}

// CPUTotalCores returns the number of physical CPU cores.
func (s Sysinfo) CPUTotalCores() int64 {
	return s.int64Field("CPU Total Cores")
}

// Headnode reports whether the node booted with the headnode flag.
func (s Sysinfo) Headnode() bool {
	params, _ := s["Boot Parameters"].(map[string]any)
	v, _ := params["headnode"].(string)
	return v == "true"
}

// NICTags returns the set of NIC tags present across all of the node's
// physical NICs, as reported under "Network Interfaces".
func (s Sysinfo) NICTags() []string {
	nics, _ := s["Network Interfaces"].(map[string]any)
	seen := make(map[string]struct{})
	var tags []string
	for _, raw := range nics {
		nic, _ := raw.(map[string]any)
		list, _ := nic["NIC Names"].([]any)
		for _, t := range list {
			tag, _ := t.(string)
			if tag == "" {
				continue
			}
			if _, dup := seen[tag]; dup {
				continue
			}
			seen[tag] = struct{}{}
			tags = append(tags, tag)
		}
	}
	return tags
}

func (s Sysinfo) int64Field(key string) int64 {
	switch v := s[key].(type) {
	case string:
		n, _ := strconv.ParseInt(v, 10, 64)
		return n
	case float64:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

// VM is the slice of virtual-machine inventory a compute node reports for
// each VM it hosts. The control plane keeps it for capacity accounting and
// owner-zone scoring; the full VM record lives in the external VM service.
type VM struct {
	OwnerUUID         string `json:"owner_uuid"`
	MaxPhysicalMemory int64  `json:"max_physical_memory"`
	Quota             int64  `json:"quota"`
	CPUCap            int64  `json:"cpu_cap,omitempty"`
	State             string `json:"state"`
	LastModified      string `json:"last_modified"`
}

// Server is the authoritative record of a compute node. It is created the
// first time a node reports sysinfo and updated on every subsequent report.
//
// Hardware-derived fields (Sysinfo, CurrentPlatform, LastBoot) are owned by
// the node and overwritten on each sysinfo ingest. Administrative fields
// (BootParams, KernelFlags, BootModules, DefaultConsole, Serial, Traits,
// ReservationRatio, OverprovisionRatios, NextReboot, Reserved) are owned by
// operators and survive sysinfo updates.
//
// Etag is an opaque version token regenerated on every write. All mutation
// paths re-read and retry when a conditional update misses (see store).
type Server struct {
	UUID                uuid.UUID          `gorm:"type:text;primaryKey"`
	Hostname            string             `gorm:"not null;index"`
	Datacenter          string             `gorm:"not null;default:''"`
	Setup               bool               `gorm:"not null;default:false"`
	Headnode            bool               `gorm:"not null;default:false"`
	Reserved            bool               `gorm:"not null;default:false"`
	ReservationRatio    float64            `gorm:"not null;default:0.15"`
	Sysinfo             Sysinfo            `gorm:"type:text;serializer:json"`
	LastHeartbeat       *time.Time         `gorm:"index"`
	LastBoot            time.Time          ``
	CurrentPlatform     string             `gorm:"not null;default:''"`
	BootPlatform        string             `gorm:"not null;default:''"`
	BootParams          map[string]string  `gorm:"type:text;serializer:json"`
	KernelFlags         map[string]string  `gorm:"type:text;serializer:json"`
	BootModules         []string           `gorm:"type:text;serializer:json"`
	DefaultConsole      string             `gorm:"not null;default:'serial'"`
	Serial              string             `gorm:"not null;default:'ttyb'"`
	Traits              map[string]any     `gorm:"type:text;serializer:json"`
	OverprovisionRatios map[string]float64 `gorm:"type:text;serializer:json"`
	NextReboot          *time.Time         ``
	VMs                 map[string]VM      `gorm:"type:text;serializer:json"`
	Status              string             `gorm:"not null;default:'unknown'"`
	Etag                string             `gorm:"not null"`
	CreatedAt           time.Time          `gorm:"not null"`
	UpdatedAt           time.Time          `gorm:"not null"`
}

// BootDefaults is the single baseline record that seeds boot parameters,
// kernel flags and modules for servers that have none of their own. It plays
// the role of the sentinel "default" server: per-server values are merged
// over these at boot-params read time. Exactly one row exists (ID 1).
type BootDefaults struct {
	ID             int               `gorm:"primaryKey"`
	BootPlatform   string            `gorm:"not null;default:''"`
	BootParams     map[string]string `gorm:"type:text;serializer:json"`
	KernelFlags    map[string]string `gorm:"type:text;serializer:json"`
	BootModules    []string          `gorm:"type:text;serializer:json"`
	DefaultConsole string            `gorm:"not null;default:'serial'"`
	Serial         string            `gorm:"not null;default:'ttyb'"`
	UpdatedAt      time.Time         `gorm:"not null"`
}

// -----------------------------------------------------------------------------
// Waitlist tickets
// -----------------------------------------------------------------------------

// Ticket status values. Transitions: queued → active → finished, or
// {queued, active} → expired. Expired tickets never become active again.
const (
	TicketStatusQueued   = "queued"
	TicketStatusActive   = "active"
	TicketStatusExpired  = "expired"
	TicketStatusFinished = "finished"
)

// Ticket is a reservation in the per-(server, scope, resource) FIFO that
// serializes concurrent operations against a single resource. At most one
// ticket per triple is active at any instant; the rest queue behind it in
// creation order.
type Ticket struct {
	Base
	ServerUUID uuid.UUID      `gorm:"type:text;not null;index:idx_ticket_triple"`
	Scope      string         `gorm:"not null;index:idx_ticket_triple"`
	ResourceID string         `gorm:"column:resource_id;not null;index:idx_ticket_triple"`
	Action     string         `gorm:"not null"`
	Status     string         `gorm:"not null;default:'queued';index"`
	ExpiresAt  time.Time      `gorm:"not null;index"`
	Extra      map[string]any `gorm:"type:text;serializer:json"`
	ReqID      string         `gorm:"not null;default:''"`
}

// -----------------------------------------------------------------------------
// Tasks
// -----------------------------------------------------------------------------

// Task status values. A task is terminal on complete or failure.
const (
	TaskStatusActive   = "active"
	TaskStatusComplete = "complete"
	TaskStatusFailure  = "failure"
)

// TaskEvent is a single progress event streamed back by the compute node
// agent while it executes a task. Events are appended in arrival order.
type TaskEvent struct {
	Name      string         `json:"name"`
	Timestamp time.Time      `json:"timestamp"`
	Payload   map[string]any `json:"payload,omitempty"`
}

// Task tracks an asynchronous command dispatched to a compute node agent.
// History is append-only; the terminal "finish" or "error" event flips
// Status and releases anyone blocked in Wait.
type Task struct {
	Base
	ServerUUID uuid.UUID   `gorm:"type:text;not null;index"`
	Name       string      `gorm:"not null"`
	Status     string      `gorm:"not null;default:'active';index"`
	TimeoutSec int         `gorm:"not null;default:0"`
	History    []TaskEvent `gorm:"type:text;serializer:json"`
	ReqID      string      `gorm:"not null;default:''"`
}

// -----------------------------------------------------------------------------
// Reboot plans
// -----------------------------------------------------------------------------

// Reboot plan states. Transitions: created → running ↔ stopped → complete,
// with canceled reachable from any non-terminal state.
const (
	PlanStateCreated  = "created"
	PlanStateRunning  = "running"
	PlanStateStopped  = "stopped"
	PlanStateCanceled = "canceled"
	PlanStateComplete = "complete"
)

// RebootPlan is a rolling-reboot orchestration across a set of compute
// nodes with a bounded number of simultaneously in-flight reboots.
// SingleStep plans pause themselves after each dispatched batch.
type RebootPlan struct {
	Base
	Concurrency int    `gorm:"not null;default:1"`
	State       string `gorm:"not null;default:'created';index"`
	SingleStep  bool   `gorm:"not null;default:false"`
}

// Terminal reports whether no further state transitions are possible.
func (p *RebootPlan) Terminal() bool {
	return p.State == PlanStateCanceled || p.State == PlanStateComplete
}

// Reboot is one server's entry in a reboot plan. StartedAt is stamped when
// the workflow job is created, FinishedAt when the job reaches a terminal
// state, and OperationalAt when the node is heartbeating again on its new
// platform. A reboot counts against the plan's concurrency budget until
// OperationalAt is set.
type Reboot struct {
	Base
	PlanUUID        uuid.UUID  `gorm:"type:text;not null;index"`
	ServerUUID      uuid.UUID  `gorm:"type:text;not null;index"`
	ServerHostname  string     `gorm:"not null;default:''"`
	JobUUID         *uuid.UUID `gorm:"type:text"`
	StartedAt       *time.Time ``
	FinishedAt      *time.Time ``
	OperationalAt   *time.Time ``
	CanceledAt      *time.Time ``
	CurrentPlatform string     `gorm:"not null;default:''"`
	BootPlatform    string     `gorm:"not null;default:''"`
	Headnode        bool       `gorm:"not null;default:false"`
}
