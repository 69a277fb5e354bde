package allocator

import (
	"context"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/db"
)

// testConfig disables the random scorer so rankings are deterministic.
func testConfig() Config {
	cfg := DefaultConfig()
	cfg.WeightUniformRandom = 0
	return cfg
}

func testAllocator(cfg Config) *Allocator {
	return New(cfg, zap.NewNop())
}

func testServer(ramMiB, diskGiB, cores int64) db.Server {
	return db.Server{
		UUID:            uuid.New(),
		Hostname:        "cn",
		Setup:           true,
		Status:          db.ServerStatusRunning,
		CurrentPlatform: "20260101T000000Z",
		Sysinfo: db.Sysinfo{
			"MiB of Memory":     float64(ramMiB),
			"Zpool Size in GiB": float64(diskGiB),
			"CPU Total Cores":   float64(cores),
		},
	}
}

func smallRequest() *Request {
	return &Request{VM: VMPayload{RAM: 1024, Quota: 10, OwnerUUID: uuid.NewString()}}
}

func TestAllocatePrefersEmptiestServer(t *testing.T) {
	empty := testServer(65536, 600, 16)
	busy := testServer(65536, 600, 16)
	busy.VMs = map[string]db.VM{
		uuid.NewString(): {MaxPhysicalMemory: 32768, Quota: 100, CPUCap: 400},
	}

	a := testAllocator(testConfig())
	winner, steps, err := a.Allocate(context.Background(), []db.Server{busy, empty}, nil, smallRequest())
	require.NoError(t, err)
	assert.Equal(t, empty.UUID, winner.UUID)

	// The trace ends with the scoring step listing both survivors.
	last := steps[len(steps)-1]
	assert.Equal(t, "score-servers", last.Step)
	assert.Len(t, last.Remaining, 2)
}

func TestAllocateNoCandidates(t *testing.T) {
	a := testAllocator(testConfig())
	winner, steps, err := a.Allocate(context.Background(), nil, nil, smallRequest())
	assert.ErrorIs(t, err, ErrNoAllocatableServers)
	assert.Nil(t, winner)
	assert.NotEmpty(t, steps)
}

func TestAllocateEliminationReasons(t *testing.T) {
	unsetup := testServer(65536, 600, 16)
	unsetup.Setup = false
	reserved := testServer(65536, 600, 16)
	reserved.Reserved = true
	headnode := testServer(65536, 600, 16)
	headnode.Headnode = true

	a := testAllocator(testConfig())
	winner, steps, err := a.Allocate(context.Background(), []db.Server{unsetup, reserved, headnode}, nil, smallRequest())
	assert.ErrorIs(t, err, ErrNoAllocatableServers)
	assert.Nil(t, winner)

	require.Equal(t, "filter-setup", steps[0].Step)
	assert.Equal(t, "not setup", steps[0].Reasons[unsetup.UUID.String()])
	assert.Equal(t, "reserved", steps[0].Reasons[reserved.UUID.String()])

	require.Equal(t, "filter-headnode", steps[1].Step)
	assert.Equal(t, "headnode", steps[1].Reasons[headnode.UUID.String()])
	assert.Empty(t, steps[1].Remaining)
}

func TestAllocateSkipsNotRunning(t *testing.T) {
	down := testServer(65536, 600, 16)
	down.Status = db.ServerStatusUnknown
	up := testServer(65536, 600, 16)

	a := testAllocator(testConfig())
	winner, _, err := a.Allocate(context.Background(), []db.Server{down, up}, nil, smallRequest())
	require.NoError(t, err)
	assert.Equal(t, up.UUID, winner.UUID)
}

func TestFilterCapacityCountsVMsAndReservations(t *testing.T) {
	s := testServer(8192, 100, 4)
	s.VMs = map[string]db.VM{
		uuid.NewString(): {MaxPhysicalMemory: 4096, Quota: 20},
	}
	ticket := db.Ticket{
		ServerUUID: s.UUID,
		Status:     db.TicketStatusActive,
		Extra:      map[string]any{"ram": float64(3072), "quota": float64(10)},
	}

	a := testAllocator(testConfig())

	// 8192 total - 4096 VM - 3072 reserved = 1024 spare; a 2048 MiB VM
	// does not fit.
	req := &Request{VM: VMPayload{RAM: 2048}}
	_, steps, err := a.Allocate(context.Background(), []db.Server{s}, []db.Ticket{ticket}, req)
	assert.ErrorIs(t, err, ErrNoAllocatableServers)
	found := false
	for _, st := range steps {
		if st.Step == "filter-capacity" {
			found = true
			assert.Contains(t, st.Reasons[s.UUID.String()], "insufficient ram")
		}
	}
	assert.True(t, found)

	// A 1024 MiB VM exactly fits the remaining spare.
	req = &Request{VM: VMPayload{RAM: 1024}}
	winner, _, err := a.Allocate(context.Background(), []db.Server{s}, []db.Ticket{ticket}, req)
	require.NoError(t, err)
	assert.Equal(t, s.UUID, winner.UUID)
}

func TestFinishedTicketsReserveNothing(t *testing.T) {
	s := testServer(4096, 100, 4)
	ticket := db.Ticket{
		ServerUUID: s.UUID,
		Status:     db.TicketStatusFinished,
		Extra:      map[string]any{"ram": float64(4096)},
	}

	a := testAllocator(testConfig())
	winner, _, err := a.Allocate(context.Background(), []db.Server{s}, []db.Ticket{ticket}, smallRequest())
	require.NoError(t, err)
	assert.Equal(t, s.UUID, winner.UUID)
}

func TestLargeServersReservedForLargeVMs(t *testing.T) {
	cfg := testConfig()
	large := testServer(cfg.LargeServerRAM, 3600, 64)
	small := testServer(65536, 600, 16)

	a := testAllocator(cfg)

	// A small VM is steered off the large server while a small one exists.
	winner, steps, err := a.Allocate(context.Background(), []db.Server{large, small}, nil, smallRequest())
	require.NoError(t, err)
	assert.Equal(t, small.UUID, winner.UUID)
	for _, st := range steps {
		if st.Step == "filter-large-servers" {
			assert.Equal(t, "reserved for large allocations", st.Reasons[large.UUID.String()])
		}
	}

	// With only large servers left, the small VM still places.
	winner, _, err = a.Allocate(context.Background(), []db.Server{large}, nil, smallRequest())
	require.NoError(t, err)
	assert.Equal(t, large.UUID, winner.UUID)

	// A large VM lands on the large server directly.
	bigReq := &Request{VM: VMPayload{RAM: cfg.LargeVMRAM}}
	winner, _, err = a.Allocate(context.Background(), []db.Server{large, small}, nil, bigReq)
	require.NoError(t, err)
	assert.Equal(t, large.UUID, winner.UUID)
}

func TestFilterMinPlatform(t *testing.T) {
	old := testServer(65536, 600, 16)
	old.CurrentPlatform = "20250101T000000Z"
	current := testServer(65536, 600, 16)
	current.CurrentPlatform = "20260601T000000Z"

	req := smallRequest()
	req.Image.Requirements.MinPlatform = map[string]string{"7.0": "20260101T000000Z"}

	a := testAllocator(testConfig())
	winner, _, err := a.Allocate(context.Background(), []db.Server{old, current}, nil, req)
	require.NoError(t, err)
	assert.Equal(t, current.UUID, winner.UUID)

	// Package minimums dominate when newer.
	req.Package = &Package{MinPlatform: map[string]string{"7.0": "20270101T000000Z"}}
	_, _, err = a.Allocate(context.Background(), []db.Server{old, current}, nil, req)
	assert.ErrorIs(t, err, ErrNoAllocatableServers)
}

func TestFilterNICTags(t *testing.T) {
	tagged := testServer(65536, 600, 16)
	tagged.Sysinfo["Network Interfaces"] = map[string]any{
		"ixgbe0": map[string]any{"NIC Names": []any{"external", "internal"}},
	}
	untagged := testServer(65536, 600, 16)

	req := smallRequest()
	req.VM.NICTagRequirements = [][]string{{"external"}}

	a := testAllocator(testConfig())
	winner, _, err := a.Allocate(context.Background(), []db.Server{tagged, untagged}, nil, req)
	require.NoError(t, err)
	assert.Equal(t, tagged.UUID, winner.UUID)

	// Alternatives: either tag set satisfies.
	req.VM.NICTagRequirements = [][]string{{"admin"}, {"internal"}}
	winner, _, err = a.Allocate(context.Background(), []db.Server{tagged, untagged}, nil, req)
	require.NoError(t, err)
	assert.Equal(t, tagged.UUID, winner.UUID)
}

func TestFilterTraits(t *testing.T) {
	ssd := testServer(65536, 600, 16)
	ssd.Traits = map[string]any{"storage": "ssd"}
	plain := testServer(65536, 600, 16)

	req := smallRequest()
	req.Image.Traits = map[string]any{"storage": "ssd"}

	a := testAllocator(testConfig())
	winner, _, err := a.Allocate(context.Background(), []db.Server{ssd, plain}, nil, req)
	require.NoError(t, err)
	assert.Equal(t, ssd.UUID, winner.UUID)

	// List-valued traits match on any shared element.
	req.Image.Traits = map[string]any{"storage": []any{"ssd", "nvme"}}
	winner, _, err = a.Allocate(context.Background(), []db.Server{ssd, plain}, nil, req)
	require.NoError(t, err)
	assert.Equal(t, ssd.UUID, winner.UUID)

	// Package traits override image traits per key.
	req.Package = &Package{Traits: map[string]any{"storage": "spinning"}}
	_, _, err = a.Allocate(context.Background(), []db.Server{ssd, plain}, nil, req)
	assert.ErrorIs(t, err, ErrNoAllocatableServers)
}

func TestVolumesFromRestrictsToHostingServer(t *testing.T) {
	sourceVM := uuid.NewString()
	host := testServer(65536, 600, 16)
	host.VMs = map[string]db.VM{sourceVM: {MaxPhysicalMemory: 1024}}
	other := testServer(65536, 600, 16)

	req := smallRequest()
	req.VM.VolumesFrom = []string{sourceVM}

	a := testAllocator(testConfig())
	winner, _, err := a.Allocate(context.Background(), []db.Server{host, other}, nil, req)
	require.NoError(t, err)
	assert.Equal(t, host.UUID, winner.UUID)
}

func TestVolumesFromExhaustionIsDistinctError(t *testing.T) {
	// Only server hosting the source VM — eliminated by the volumes-from
	// stage itself because a different server hosts the source.
	other := testServer(65536, 600, 16)

	req := smallRequest()
	req.VM.VolumesFrom = []string{uuid.NewString()}

	a := testAllocator(testConfig())
	_, steps, err := a.Allocate(context.Background(), []db.Server{other}, nil, req)
	assert.ErrorIs(t, err, ErrVolumeServerNoResources)
	assert.Equal(t, stepVolumesFrom, steps[len(steps)-1].Step)
}

func TestOwnerAndVMLimits(t *testing.T) {
	owner := uuid.NewString()
	cfg := testConfig()
	cfg.MaxVMsPerServer = 2
	cfg.MaxOwnerVMsPerServer = 1

	full := testServer(262144, 3600, 64)
	full.VMs = map[string]db.VM{
		uuid.NewString(): {MaxPhysicalMemory: 1024},
		uuid.NewString(): {MaxPhysicalMemory: 1024},
	}
	ownerTaken := testServer(262144, 3600, 64)
	ownerTaken.VMs = map[string]db.VM{
		uuid.NewString(): {MaxPhysicalMemory: 1024, OwnerUUID: owner},
	}
	free := testServer(65536, 600, 16)

	req := smallRequest()
	req.VM.OwnerUUID = owner

	a := testAllocator(cfg)
	winner, _, err := a.Allocate(context.Background(), []db.Server{full, ownerTaken, free}, nil, req)
	require.NoError(t, err)
	assert.Equal(t, free.UUID, winner.UUID)
}

func TestOverprovisionPrecedence(t *testing.T) {
	s := testServer(4096, 100, 4)
	s.OverprovisionRatios = map[string]float64{"ram": 2.0}

	a := testAllocator(testConfig())

	// Server ratio doubles usable RAM: an 8192 MiB VM fits on 4096 MiB of
	// hardware.
	req := &Request{VM: VMPayload{RAM: 8192}}
	winner, _, err := a.Allocate(context.Background(), []db.Server{s}, nil, req)
	require.NoError(t, err)
	assert.Equal(t, s.UUID, winner.UUID)

	// Package ratio overrides the server's.
	req.Package = &Package{OverprovisionRatios: map[string]float64{"ram": 1.0}}
	_, _, err = a.Allocate(context.Background(), []db.Server{s}, nil, req)
	assert.ErrorIs(t, err, ErrNoAllocatableServers)
}

func TestScoreNextRebootPenalty(t *testing.T) {
	soon := time.Now().Add(1 * time.Hour)
	later := time.Now().Add(48 * time.Hour)

	rebootingSoon := testServer(65536, 600, 16)
	rebootingSoon.NextReboot = &soon
	rebootingLater := testServer(65536, 600, 16)
	rebootingLater.NextReboot = &later

	a := testAllocator(testConfig())
	winner, _, err := a.Allocate(context.Background(), []db.Server{rebootingSoon, rebootingLater}, nil, smallRequest())
	require.NoError(t, err)
	assert.Equal(t, rebootingLater.UUID, winner.UUID)
}

func TestRankDeterministicTieBreak(t *testing.T) {
	a := testAllocator(testConfig())
	s1 := testServer(65536, 600, 16)
	s2 := testServer(65536, 600, 16)
	servers := []*db.Server{&s1, &s2}

	want := s1.UUID.String()
	if s2.UUID.String() < want {
		want = s2.UUID.String()
	}

	for i := 0; i < 5; i++ {
		ranked := a.rank(servers, nil, smallRequest())
		assert.Equal(t, want, ranked[0].UUID.String())
	}
}

func TestCapacityReport(t *testing.T) {
	s := testServer(8192, 100, 4)
	s.VMs = map[string]db.VM{
		uuid.NewString(): {MaxPhysicalMemory: 2048, Quota: 10, CPUCap: 100},
	}
	head := testServer(65536, 600, 16)
	head.Headnode = true

	a := testAllocator(testConfig())
	capacities, steps, err := a.Capacity(context.Background(), []db.Server{s, head}, nil)
	require.NoError(t, err)

	require.Contains(t, capacities, s.UUID.String())
	assert.NotContains(t, capacities, head.UUID.String())

	spare := capacities[s.UUID.String()]
	assert.Equal(t, int64(8192-2048), spare.RAM)
	assert.Equal(t, int64(100*1024-10*1024), spare.Disk)
	// CPU is overprovisioned 4x by default: 4 cores * 100 * 4 - 100.
	assert.Equal(t, int64(4*100*4-100), spare.CPU)

	// The eligibility prefix stops before the capacity filter.
	for _, st := range steps {
		assert.NotEqual(t, "filter-capacity", st.Step)
	}
}

func TestChunkingCoversLateCandidates(t *testing.T) {
	// More candidates than one chunk holds, with a single server that can
	// fit the VM; the pipeline must keep going until it finds it.
	var candidates []db.Server
	for i := 0; i < chunkSize; i++ {
		s := testServer(512, 10, 1)
		candidates = append(candidates, s)
	}
	winner := testServer(65536, 600, 16)
	candidates = append(candidates, winner)

	a := testAllocator(testConfig())
	got, _, err := a.Allocate(context.Background(), candidates, nil, smallRequest())
	require.NoError(t, err)
	assert.Equal(t, winner.UUID, got.UUID)
}
