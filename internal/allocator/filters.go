package allocator

import (
	"fmt"
	"slices"

	"github.com/google/uuid"
	"github.com/samber/lo"

	"github.com/fleetwise-io/fleetwise/internal/db"
)

const stepVolumesFrom = "filter-volumes-from"

// stage is one filter in the pipeline: keep the servers that pass, explain
// every server that does not.
type stage struct {
	name  string
	apply func(servers []*db.Server, reservations map[uuid.UUID]Spare, req *Request) ([]*db.Server, map[string]string)
}

// filterStage wraps a per-server predicate into a stage. The predicate
// returns an empty reason to keep the server.
func filterStage(name string, pred func(s *db.Server, reservations map[uuid.UUID]Spare, req *Request) string) stage {
	return stage{
		name: name,
		apply: func(servers []*db.Server, reservations map[uuid.UUID]Spare, req *Request) ([]*db.Server, map[string]string) {
			reasons := make(map[string]string)
			kept := lo.Filter(servers, func(s *db.Server, _ int) bool {
				if reason := pred(s, reservations, req); reason != "" {
					reasons[s.UUID.String()] = reason
					return false
				}
				return true
			})
			if len(reasons) == 0 {
				reasons = nil
			}
			return kept, reasons
		},
	}
}

// stages returns the filter pipeline for one allocation run, in order.
// Optional filters appear only when their configuration enables them.
func (a *Allocator) stages(req *Request) []stage {
	s := []stage{
		filterStage("filter-setup", a.filterSetup),
	}
	if a.cfg.FilterHeadnode {
		s = append(s, filterStage("filter-headnode", a.filterHeadnode))
	}
	if a.cfg.FilterMinResources {
		s = append(s, filterStage("filter-min-resources", a.filterMinResources))
	}
	s = append(s,
		filterStage("filter-running", a.filterRunning),
		filterStage("filter-min-platform", a.filterMinPlatform),
		filterStage("filter-nic-tags", a.filterNICTags),
		filterStage("filter-traits", a.filterTraits),
		filterStage("filter-capacity", a.filterCapacity),
	)
	if a.cfg.FilterLargeServers {
		s = append(s, a.largeServerStage())
	}
	if a.cfg.MaxVMsPerServer > 0 {
		s = append(s, filterStage("filter-vm-limit", a.filterVMLimit))
	}
	if a.cfg.MaxOwnerVMsPerServer > 0 {
		s = append(s, filterStage("filter-owner-limit", a.filterOwnerLimit))
	}
	if a.cfg.DockerMinPlatform != "" && req.VM.Docker {
		s = append(s, filterStage("filter-docker-min-platform", a.filterDockerMinPlatform))
	}
	if len(req.VM.VolumesFrom) > 0 {
		s = append(s, filterStage(stepVolumesFrom, a.filterVolumesFrom))
	}
	return s
}

// capacityStages is the eligibility prefix used by the capacity report:
// everything up to, but not including, the capacity filter itself.
func (a *Allocator) capacityStages() []stage {
	s := []stage{
		filterStage("filter-setup", a.filterSetup),
	}
	if a.cfg.FilterHeadnode {
		s = append(s, filterStage("filter-headnode", a.filterHeadnode))
	}
	return append(s, filterStage("filter-running", a.filterRunning))
}

func (a *Allocator) filterSetup(s *db.Server, _ map[uuid.UUID]Spare, _ *Request) string {
	if !s.Setup {
		return "not setup"
	}
	if s.Reserved {
		return "reserved"
	}
	return ""
}

func (a *Allocator) filterHeadnode(s *db.Server, _ map[uuid.UUID]Spare, _ *Request) string {
	if s.Headnode {
		return "headnode"
	}
	return ""
}

func (a *Allocator) filterMinResources(s *db.Server, _ map[uuid.UUID]Spare, _ *Request) string {
	if s.Sysinfo.MemoryTotalMiB() <= 0 {
		return "no memory reported"
	}
	if s.Sysinfo.DiskPoolSizeGiB() <= 0 {
		return "no storage pool reported"
	}
	if s.Sysinfo.CPUTotalCores() <= 0 {
		return "no cpu cores reported"
	}
	return ""
}

func (a *Allocator) filterRunning(s *db.Server, _ map[uuid.UUID]Spare, _ *Request) string {
	if s.Status != db.ServerStatusRunning {
		return fmt.Sprintf("status is %q", s.Status)
	}
	return ""
}

func (a *Allocator) filterMinPlatform(s *db.Server, _ map[uuid.UUID]Spare, req *Request) string {
	required := minPlatform(req.Image.Requirements.MinPlatform)
	if req.Package != nil {
		if p := minPlatform(req.Package.MinPlatform); p > required {
			required = p
		}
	}
	if required == "" {
		return ""
	}
	// Platform builds are timestamp strings, so lexical order is release
	// order.
	if s.CurrentPlatform < required {
		return fmt.Sprintf("platform %s older than required %s", s.CurrentPlatform, required)
	}
	return ""
}

// minPlatform collapses a version-keyed min_platform map to the newest
// build any entry demands.
func minPlatform(byVersion map[string]string) string {
	var newest string
	for _, p := range byVersion {
		if p > newest {
			newest = p
		}
	}
	return newest
}

// filterNICTags keeps servers that can satisfy at least one of the VM's
// alternative tag sets — every tag in the set must be present on some NIC.
func (a *Allocator) filterNICTags(s *db.Server, _ map[uuid.UUID]Spare, req *Request) string {
	if len(req.VM.NICTagRequirements) == 0 {
		return ""
	}
	present := s.Sysinfo.NICTags()
	for _, alternative := range req.VM.NICTagRequirements {
		if lo.Every(present, alternative) {
			return ""
		}
	}
	return "missing required nic tags"
}

// filterTraits requires the server's traits to satisfy every requested
// trait. Package traits take precedence over image traits per key.
func (a *Allocator) filterTraits(s *db.Server, _ map[uuid.UUID]Spare, req *Request) string {
	requested := map[string]any{}
	for k, v := range req.Image.Traits {
		requested[k] = v
	}
	if req.Package != nil {
		for k, v := range req.Package.Traits {
			requested[k] = v
		}
	}
	for key, want := range requested {
		have, ok := s.Traits[key]
		if !ok || !traitSatisfied(want, have) {
			return fmt.Sprintf("trait %q not satisfied", key)
		}
	}
	return ""
}

// traitSatisfied matches a requested trait value against a server's.
// Either side may be a list, in which case membership on any element
// suffices; scalars compare by equality.
func traitSatisfied(want, have any) bool {
	wants := traitValues(want)
	haves := traitValues(have)
	for _, w := range wants {
		if slices.Contains(haves, w) {
			return true
		}
	}
	return false
}

func traitValues(v any) []any {
	if list, ok := v.([]any); ok {
		return list
	}
	return []any{v}
}

func (a *Allocator) filterCapacity(s *db.Server, reservations map[uuid.UUID]Spare, req *Request) string {
	spare := a.spare(s, reservations, req)
	if spare.RAM < req.VM.RAM {
		return fmt.Sprintf("insufficient ram: %d MiB spare, %d MiB needed", spare.RAM, req.VM.RAM)
	}
	if req.VM.Quota > 0 && spare.Disk < req.VM.Quota*1024 {
		return fmt.Sprintf("insufficient disk: %d MiB spare, %d MiB needed", spare.Disk, req.VM.Quota*1024)
	}
	cpuNeeded := req.VM.CPUCap
	if req.Package != nil && req.Package.CPUCap > 0 {
		cpuNeeded = req.Package.CPUCap
	}
	if cpuNeeded > 0 && spare.CPU < cpuNeeded {
		return fmt.Sprintf("insufficient cpu: %d spare, %d needed", spare.CPU, cpuNeeded)
	}
	return ""
}

// largeServerStage keeps big nodes free for big VMs: a small VM is steered
// away from large servers, but only while a non-large candidate survives —
// when the fleet is all large servers, the small VM still places.
func (a *Allocator) largeServerStage() stage {
	return stage{
		name: "filter-large-servers",
		apply: func(servers []*db.Server, _ map[uuid.UUID]Spare, req *Request) ([]*db.Server, map[string]string) {
			if req.VM.RAM >= a.cfg.LargeVMRAM {
				return servers, nil
			}
			isLarge := func(s *db.Server, _ int) bool {
				return s.Sysinfo.MemoryTotalMiB() >= a.cfg.LargeServerRAM
			}
			small := lo.Reject(servers, isLarge)
			if len(small) == 0 {
				return servers, nil
			}
			reasons := make(map[string]string)
			for _, s := range lo.Filter(servers, isLarge) {
				reasons[s.UUID.String()] = "reserved for large allocations"
			}
			return small, reasons
		},
	}
}

func (a *Allocator) filterVMLimit(s *db.Server, _ map[uuid.UUID]Spare, _ *Request) string {
	if len(s.VMs) >= a.cfg.MaxVMsPerServer {
		return fmt.Sprintf("hosting %d VMs, limit %d", len(s.VMs), a.cfg.MaxVMsPerServer)
	}
	return ""
}

func (a *Allocator) filterOwnerLimit(s *db.Server, _ map[uuid.UUID]Spare, req *Request) string {
	owned := ownerZones(s, req.VM.OwnerUUID)
	if owned >= a.cfg.MaxOwnerVMsPerServer {
		return fmt.Sprintf("owner already has %d VMs here, limit %d", owned, a.cfg.MaxOwnerVMsPerServer)
	}
	return ""
}

func (a *Allocator) filterDockerMinPlatform(s *db.Server, _ map[uuid.UUID]Spare, _ *Request) string {
	if s.CurrentPlatform < a.cfg.DockerMinPlatform {
		return fmt.Sprintf("platform %s older than docker minimum %s", s.CurrentPlatform, a.cfg.DockerMinPlatform)
	}
	return ""
}

// filterVolumesFrom restricts placement to the server(s) already hosting
// the VMs this allocation shares volumes with.
func (a *Allocator) filterVolumesFrom(s *db.Server, _ map[uuid.UUID]Spare, req *Request) string {
	for _, vmUUID := range req.VM.VolumesFrom {
		if _, ok := s.VMs[vmUUID]; !ok {
			return fmt.Sprintf("does not host volume source VM %s", vmUUID)
		}
	}
	return ""
}

// spare computes the uncommitted room on one server: hardware totals
// scaled by the effective overprovision ratios, minus the VMs already
// placed and the open-ticket reservations.
func (a *Allocator) spare(s *db.Server, reservations map[uuid.UUID]Spare, req *Request) Spare {
	ovpRAM := a.overprovision(s, req, "ram")
	ovpDisk := a.overprovision(s, req, "disk")
	ovpCPU := a.overprovision(s, req, "cpu")

	usableRAM := float64(s.Sysinfo.MemoryTotalMiB()) * (1 - s.ReservationRatio)
	totalRAM := int64(usableRAM * ovpRAM)
	totalDisk := int64(float64(s.Sysinfo.DiskPoolSizeGiB()*1024) * ovpDisk)
	totalCPU := int64(float64(s.Sysinfo.CPUTotalCores()*100) * ovpCPU)

	for _, vm := range s.VMs {
		totalRAM -= vm.MaxPhysicalMemory
		totalDisk -= vm.Quota * 1024
		totalCPU -= vm.CPUCap
	}

	r := reservations[s.UUID]
	return Spare{
		RAM:  totalRAM - r.RAM,
		Disk: totalDisk - r.Disk,
		CPU:  totalCPU - r.CPU,
	}
}

// overprovision resolves the effective ratio for one resource with
// package > image > server > cluster-default precedence. Image payloads
// carry no ratios of their own, so in practice the image tier is skipped.
func (a *Allocator) overprovision(s *db.Server, req *Request, resource string) float64 {
	if req != nil && req.Package != nil {
		if v, ok := req.Package.OverprovisionRatios[resource]; ok && v > 0 {
			return v
		}
	}
	if v, ok := s.OverprovisionRatios[resource]; ok && v > 0 {
		return v
	}
	if v, ok := a.cfg.DefaultOverprovisionRatios[resource]; ok && v > 0 {
		return v
	}
	return 1.0
}

// ownerZones counts the VMs on a server belonging to one owner.
func ownerZones(s *db.Server, ownerUUID string) int {
	if ownerUUID == "" {
		return 0
	}
	return lo.CountBy(lo.Values(s.VMs), func(vm db.VM) bool {
		return vm.OwnerUUID == ownerUUID
	})
}
