// Package allocator selects a compute node for a new VM through a staged
// filter-and-score pipeline. Each filter stage takes the remaining
// candidate set and emits a smaller set plus a per-server reason for every
// elimination; survivors are ranked by a weighted score. The full step
// trace is returned to the caller so a failed allocation can explain
// exactly where every candidate fell out.
package allocator

import (
	"context"
	"errors"
	"sort"
	"time"

	"github.com/google/uuid"
	"github.com/samber/lo"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/metrics"
)

// chunkSize bounds how many candidates a single pipeline pass considers.
// Large fleets are processed chunk by chunk until one produces a winner.
const chunkSize = 50

var (
	// ErrNoAllocatableServers is returned when every candidate was
	// filtered out. The step trace carries the reasons.
	ErrNoAllocatableServers = errors.New("allocator: no allocatable servers")

	// ErrVolumeServerNoResources is returned when the servers hosting the
	// VMs this allocation must co-locate with have no room left.
	ErrVolumeServerNoResources = errors.New("allocator: volume server has no resources")
)

// VMPayload describes the VM to be placed.
type VMPayload struct {
	RAM                int64      `json:"ram"`       // MiB
	CPUCap             int64      `json:"cpu_cap"`   // percent of one core, 100 per core
	Quota              int64      `json:"quota"`     // GiB
	OwnerUUID          string     `json:"owner_uuid"`
	Docker             bool       `json:"docker"`
	NICTagRequirements [][]string `json:"nic_tag_requirements"` // list of alternative tag sets
	VolumesFrom        []string   `json:"volumes_from"`         // VM uuids this VM shares storage with
}

// Image carries the placement-relevant parts of the image being installed.
type Image struct {
	Requirements ImageRequirements `json:"requirements"`
	Traits       map[string]any    `json:"traits"`
}

// ImageRequirements restricts where an image may run. MinPlatform maps an
// API version to the oldest platform build that supports the image.
type ImageRequirements struct {
	MinPlatform map[string]string `json:"min_platform"`
}

// Package carries the placement-relevant parts of the billing package.
// Package values take precedence over image and server values.
type Package struct {
	MinPlatform         map[string]string  `json:"min_platform"`
	CPUCap              int64              `json:"cpu_cap"`
	OverprovisionRatios map[string]float64 `json:"overprovision_ratios"`
	Traits              map[string]any     `json:"traits"`
}

// Request is one allocation run's input.
type Request struct {
	VM      VMPayload
	Image   Image
	Package *Package
}

// Step records one pipeline stage's outcome: who survived and why each
// eliminated server was dropped.
type Step struct {
	Step      string            `json:"step"`
	Remaining []string          `json:"remaining"`
	Reasons   map[string]string `json:"reasons,omitempty"`
}

// Spare is the uncommitted room on one server after overprovision ratios
// and open-ticket reservations are applied.
type Spare struct {
	CPU  int64 `json:"cpu"`  // percent of one core
	Disk int64 `json:"disk"` // MiB
	RAM  int64 `json:"ram"`  // MiB
}

// Config tunes the pipeline. Zero weights disable the corresponding
// scorer; disabled filters pass every candidate through.
type Config struct {
	FilterHeadnode     bool
	FilterMinResources bool
	FilterLargeServers bool

	// LargeServerRAM marks a server as "large" (reserved for big VMs)
	// when its total memory meets this many MiB. LargeVMRAM is the
	// smallest VM allowed to land on a large server.
	LargeServerRAM int64
	LargeVMRAM     int64

	// MaxVMsPerServer and MaxOwnerVMsPerServer are enforced only when
	// positive. DockerMinPlatform is enforced only for docker VMs.
	MaxVMsPerServer      int
	MaxOwnerVMsPerServer int
	DockerMinPlatform    string

	// DefaultOverprovisionRatios is the cluster-wide fallback, consulted
	// after package, image and server ratios.
	DefaultOverprovisionRatios map[string]float64

	WeightCurrentPlatform float64
	WeightNextReboot      float64
	WeightNumOwnerZones   float64
	WeightUniformRandom   float64
	WeightUnreservedDisk  float64
	WeightUnreservedRAM   float64
}

// DefaultConfig returns the stock pipeline tuning.
func DefaultConfig() Config {
	return Config{
		FilterHeadnode:     true,
		FilterMinResources: true,
		FilterLargeServers: true,
		LargeServerRAM:     256 * 1024,
		LargeVMRAM:         32 * 1024,
		DefaultOverprovisionRatios: map[string]float64{
			"ram": 1.0, "disk": 1.0, "cpu": 4.0,
		},
		WeightCurrentPlatform: 1.0,
		WeightNextReboot:      1.0,
		WeightNumOwnerZones:   0.0,
		WeightUniformRandom:   0.5,
		WeightUnreservedDisk:  1.0,
		WeightUnreservedRAM:   2.0,
	}
}

// Allocator runs the pipeline. Allocator holds no cross-run state — every
// run observes the snapshot of servers and tickets it was handed.
type Allocator struct {
	cfg    Config
	logger *zap.Logger
}

// New creates an Allocator.
func New(cfg Config, logger *zap.Logger) *Allocator {
	return &Allocator{cfg: cfg, logger: logger.Named("allocator")}
}

// Allocate picks a server for the request from the candidate snapshot.
// openTickets are the fleet's non-terminal provisioning tickets, used for
// in-flight reservation accounting. On failure the step trace is still
// returned so the caller can report per-server reasons.
func (a *Allocator) Allocate(ctx context.Context, candidates []db.Server, openTickets []db.Ticket, req *Request) (*db.Server, []Step, error) {
	started := time.Now()
	defer func() {
		metrics.AllocationDuration.Observe(time.Since(started).Seconds())
	}()

	// Deterministic chunk composition: candidates are processed in uuid
	// order regardless of how the store returned them.
	sorted := make([]*db.Server, len(candidates))
	for i := range candidates {
		sorted[i] = &candidates[i]
	}
	sort.Slice(sorted, func(i, j int) bool {
		return sorted[i].UUID.String() < sorted[j].UUID.String()
	})

	reservations := ticketReservations(openTickets)

	var steps []Step
	for start := 0; start < len(sorted) || start == 0; start += chunkSize {
		if err := ctx.Err(); err != nil {
			return nil, steps, err
		}
		end := min(start+chunkSize, len(sorted))
		chunk := sorted[start:end]

		winner, chunkSteps := a.runPipeline(chunk, reservations, req)
		steps = append(steps, chunkSteps...)
		if winner != nil {
			metrics.Allocations.WithLabelValues("allocated").Inc()
			a.logger.Info("server allocated",
				zap.String("server_uuid", winner.UUID.String()),
				zap.String("owner_uuid", req.VM.OwnerUUID),
				zap.Int64("ram", req.VM.RAM),
				zap.Int("steps", len(steps)),
			)
			return winner, steps, nil
		}
		if len(sorted) == 0 {
			break
		}
	}

	if len(steps) > 0 && steps[len(steps)-1].Step == stepVolumesFrom {
		metrics.Allocations.WithLabelValues("volume_no_resources").Inc()
		return nil, steps, ErrVolumeServerNoResources
	}
	metrics.Allocations.WithLabelValues("no_servers").Inc()
	return nil, steps, ErrNoAllocatableServers
}

// runPipeline applies every filter stage and then the scorers to a single
// chunk. Returns nil when the chunk is exhausted.
func (a *Allocator) runPipeline(chunk []*db.Server, reservations map[uuid.UUID]Spare, req *Request) (*db.Server, []Step) {
	var steps []Step
	remaining := chunk

	for _, st := range a.stages(req) {
		kept, reasons := st.apply(remaining, reservations, req)
		steps = append(steps, Step{
			Step: st.name,
			Remaining: lo.Map(kept, func(s *db.Server, _ int) string {
				return s.UUID.String()
			}),
			Reasons: reasons,
		})
		remaining = kept
		if len(remaining) == 0 {
			return nil, steps
		}
	}

	ranked := a.rank(remaining, reservations, req)
	steps = append(steps, Step{
		Step: "score-servers",
		Remaining: lo.Map(ranked, func(s *db.Server, _ int) string {
			return s.UUID.String()
		}),
	})
	return ranked[0], steps
}

// Capacity reports the spare room on each eligible server. The same
// eligibility filters as allocation apply up to the capacity computation;
// no scoring is involved.
func (a *Allocator) Capacity(ctx context.Context, candidates []db.Server, openTickets []db.Ticket) (map[string]Spare, []Step, error) {
	servers := make([]*db.Server, len(candidates))
	for i := range candidates {
		servers[i] = &candidates[i]
	}
	reservations := ticketReservations(openTickets)
	req := &Request{}

	var steps []Step
	remaining := servers
	for _, st := range a.capacityStages() {
		kept, reasons := st.apply(remaining, reservations, req)
		steps = append(steps, Step{
			Step: st.name,
			Remaining: lo.Map(kept, func(s *db.Server, _ int) string {
				return s.UUID.String()
			}),
			Reasons: reasons,
		})
		remaining = kept
	}

	out := make(map[string]Spare, len(remaining))
	for _, s := range remaining {
		out[s.UUID.String()] = a.spare(s, reservations, req)
	}
	return out, steps, ctx.Err()
}

// ticketReservations sums the resources promised to open provisioning
// tickets, keyed by server. A ticket reserves capacity from the moment it
// is queued until it is finished or expires.
func ticketReservations(tickets []db.Ticket) map[uuid.UUID]Spare {
	out := make(map[uuid.UUID]Spare)
	for _, t := range tickets {
		if t.Status != db.TicketStatusQueued && t.Status != db.TicketStatusActive {
			continue
		}
		r := out[t.ServerUUID]
		r.RAM += int64(extraNumber(t.Extra, "ram"))
		r.Disk += int64(extraNumber(t.Extra, "quota")) * 1024
		r.CPU += int64(extraNumber(t.Extra, "cpu_cap"))
		out[t.ServerUUID] = r
	}
	return out
}

func extraNumber(extra map[string]any, key string) float64 {
	if extra == nil {
		return 0
	}
	v, _ := extra[key].(float64)
	return v
}
