package registry

import (
	"context"
	"fmt"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/fleetwise-io/fleetwise/internal/db"
	"github.com/fleetwise-io/fleetwise/internal/store"
)

// fakeServerRepo is an in-memory ServerRepository with real etag semantics:
// Put compares prevEtag against the stored token and regenerates it on
// success, exactly like the GORM-backed implementation.
type fakeServerRepo struct {
	mu       sync.Mutex
	servers  map[uuid.UUID]*db.Server
	defaults *db.BootDefaults
	etagSeq  int

	putCalls int
	putErrs  []error // popped before each Put attempt

	livenessCalls []uuid.UUID
	statusCalls   map[uuid.UUID]string
}

func newFakeServerRepo() *fakeServerRepo {
	return &fakeServerRepo{
		servers:     make(map[uuid.UUID]*db.Server),
		statusCalls: make(map[uuid.UUID]string),
	}
}

func (f *fakeServerRepo) nextEtag() string {
	f.etagSeq++
	return fmt.Sprintf("etag-%d", f.etagSeq)
}

func copyServer(s *db.Server) *db.Server {
	cp := *s
	cp.BootParams = copyStringMap(s.BootParams)
	cp.KernelFlags = copyStringMap(s.KernelFlags)
	cp.BootModules = append([]string(nil), s.BootModules...)
	return &cp
}

func (f *fakeServerRepo) Create(_ context.Context, server *db.Server) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	if _, ok := f.servers[server.UUID]; ok {
		return fmt.Errorf("server %s already exists", server.UUID)
	}
	server.Etag = f.nextEtag()
	f.servers[server.UUID] = copyServer(server)
	return nil
}

func (f *fakeServerRepo) Get(_ context.Context, id uuid.UUID) (*db.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return nil, store.ErrNotFound
	}
	return copyServer(s), nil
}

func (f *fakeServerRepo) List(_ context.Context, _ store.ServerFilter, _ store.ListOptions) ([]db.Server, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	var out []db.Server
	for _, s := range f.servers {
		out = append(out, *copyServer(s))
	}
	return out, nil
}

func (f *fakeServerRepo) Put(_ context.Context, server *db.Server, prevEtag string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.putCalls++
	if len(f.putErrs) > 0 {
		err := f.putErrs[0]
		f.putErrs = f.putErrs[1:]
		return err
	}
	stored, ok := f.servers[server.UUID]
	if !ok {
		return store.ErrNotFound
	}
	if stored.Etag != prevEtag {
		return store.ErrConflict
	}
	server.Etag = f.nextEtag()
	f.servers[server.UUID] = copyServer(server)
	return nil
}

func (f *fakeServerRepo) UpdateLiveness(_ context.Context, id uuid.UUID, lastHeartbeat time.Time, status string, vms map[string]db.VM) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return store.ErrNotFound
	}
	s.LastHeartbeat = &lastHeartbeat
	s.Status = status
	s.VMs = vms
	f.livenessCalls = append(f.livenessCalls, id)
	return nil
}

func (f *fakeServerRepo) UpdateStatus(_ context.Context, id uuid.UUID, status string) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	s, ok := f.servers[id]
	if !ok {
		return store.ErrNotFound
	}
	s.Status = status
	f.statusCalls[id] = status
	return nil
}

func (f *fakeServerRepo) Delete(_ context.Context, id uuid.UUID) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	delete(f.servers, id)
	return nil
}

func (f *fakeServerRepo) Platforms(_ context.Context) ([]string, error) {
	return nil, nil
}

func (f *fakeServerRepo) GetDefaults(_ context.Context) (*db.BootDefaults, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	if f.defaults == nil {
		f.defaults = &db.BootDefaults{
			ID:             1,
			DefaultConsole: "serial",
			Serial:         "ttyb",
		}
	}
	cp := *f.defaults
	cp.BootParams = copyStringMap(f.defaults.BootParams)
	cp.KernelFlags = copyStringMap(f.defaults.KernelFlags)
	cp.BootModules = append([]string(nil), f.defaults.BootModules...)
	return &cp, nil
}

func (f *fakeServerRepo) SaveDefaults(_ context.Context, defaults *db.BootDefaults) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	cp := *defaults
	f.defaults = &cp
	return nil
}

func testRegistry(repo *fakeServerRepo, notify StatusNotifier) *Registry {
	return New(Config{
		Datacenter:    "us-test-1",
		RabbitMQParam: "guest:guest:rabbitmq:5672",
	}, repo, notify, zap.NewNop())
}

func testSysinfo(id uuid.UUID, hostname string) db.Sysinfo {
	return db.Sysinfo{
		"UUID":       id.String(),
		"Hostname":   hostname,
		"Live Image": "20260801T000000Z",
		"Setup":      "true",
		"Boot Time":  "1700000000",
	}
}

func TestUpsertMaterializesNewServer(t *testing.T) {
	repo := newFakeServerRepo()
	repo.defaults = &db.BootDefaults{
		ID:             1,
		BootPlatform:   "20260701T000000Z",
		BootParams:     map[string]string{"console": "serial"},
		DefaultConsole: "serial",
		Serial:         "ttyb",
	}
	r := testRegistry(repo, nil)
	id := uuid.New()

	server, err := r.UpsertFromSysinfo(context.Background(), testSysinfo(id, "cn0"))
	require.NoError(t, err)

	assert.Equal(t, id, server.UUID)
	assert.Equal(t, "cn0", server.Hostname)
	assert.Equal(t, "us-test-1", server.Datacenter)
	assert.Equal(t, db.ServerStatusUnknown, server.Status)
	assert.Equal(t, 0.15, server.ReservationRatio)
	assert.True(t, server.Setup)
	assert.Equal(t, "20260801T000000Z", server.CurrentPlatform)
	assert.Equal(t, "20260701T000000Z", server.BootPlatform)
	assert.Equal(t, map[string]string{"console": "serial"}, server.BootParams)
	assert.Equal(t, time.Unix(1700000000, 0).UTC(), server.LastBoot)
}

func TestUpsertBootPlatformFallsBackToCurrent(t *testing.T) {
	// A deployment with no configured default platform: new nodes keep
	// booting what they are already running.
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)
	id := uuid.New()

	server, err := r.UpsertFromSysinfo(context.Background(), testSysinfo(id, "cn0"))
	require.NoError(t, err)
	assert.Equal(t, "20260801T000000Z", server.BootPlatform)
}

func TestUpsertRejectsUnparseableUUID(t *testing.T) {
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)

	_, err := r.UpsertFromSysinfo(context.Background(), db.Sysinfo{"UUID": "not-a-uuid"})
	assert.Error(t, err)
	assert.Empty(t, repo.servers)
}

func TestUpsertUnchangedDocumentWritesNothing(t *testing.T) {
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)
	id := uuid.New()
	si := testSysinfo(id, "cn0")

	_, err := r.UpsertFromSysinfo(context.Background(), si)
	require.NoError(t, err)

	// Re-announcement of the identical document on reconnect.
	server, err := r.UpsertFromSysinfo(context.Background(), si)
	require.NoError(t, err)
	assert.Equal(t, "cn0", server.Hostname)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Zero(t, repo.putCalls)
}

func TestUpsertMergePreservesAdministrativeFields(t *testing.T) {
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)
	id := uuid.New()

	_, err := r.UpsertFromSysinfo(context.Background(), testSysinfo(id, "cn0"))
	require.NoError(t, err)

	// An operator reserves the node and pins boot parameters.
	_, err = r.Modify(context.Background(), id, func(s *db.Server) error {
		s.Reserved = true
		s.BootParams["console"] = "vga"
		return nil
	})
	require.NoError(t, err)

	// The node reboots onto a newer platform and re-announces.
	si := testSysinfo(id, "cn0-renamed")
	si["Live Image"] = "20260815T000000Z"
	si["Boot Time"] = "1700000100"
	server, err := r.UpsertFromSysinfo(context.Background(), si)
	require.NoError(t, err)

	assert.Equal(t, "cn0-renamed", server.Hostname)
	assert.Equal(t, "20260815T000000Z", server.CurrentPlatform)
	assert.Equal(t, time.Unix(1700000100, 0).UTC(), server.LastBoot)
	assert.True(t, server.Reserved)
	assert.Equal(t, "vga", server.BootParams["console"])
}

func TestSetupIsMonotone(t *testing.T) {
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)
	id := uuid.New()

	si := testSysinfo(id, "cn0")
	_, err := r.UpsertFromSysinfo(context.Background(), si)
	require.NoError(t, err)

	// A confused agent reporting Setup false must not unwind setup.
	si2 := testSysinfo(id, "cn0")
	si2["Setup"] = false
	server, err := r.UpsertFromSysinfo(context.Background(), si2)
	require.NoError(t, err)
	assert.True(t, server.Setup)

	// Factory reset is the one legal path down.
	server, err = r.FactoryReset(context.Background(), id)
	require.NoError(t, err)
	assert.False(t, server.Setup)
}

func TestUpsertRetriesOnEtagConflict(t *testing.T) {
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)
	id := uuid.New()

	_, err := r.UpsertFromSysinfo(context.Background(), testSysinfo(id, "cn0"))
	require.NoError(t, err)

	// First write attempt loses the race; the retry re-reads and lands.
	repo.mu.Lock()
	repo.putErrs = []error{store.ErrConflict}
	repo.mu.Unlock()

	si := testSysinfo(id, "cn0")
	si["Live Image"] = "20260815T000000Z"
	server, err := r.UpsertFromSysinfo(context.Background(), si)
	require.NoError(t, err)
	assert.Equal(t, "20260815T000000Z", server.CurrentPlatform)

	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Equal(t, 2, repo.putCalls)
}

func TestModifyRetriesOnEtagConflict(t *testing.T) {
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)
	id := uuid.New()

	_, err := r.UpsertFromSysinfo(context.Background(), testSysinfo(id, "cn0"))
	require.NoError(t, err)

	repo.mu.Lock()
	repo.putErrs = []error{store.ErrConflict}
	repo.mu.Unlock()

	server, err := r.Modify(context.Background(), id, func(s *db.Server) error {
		s.Reserved = true
		return nil
	})
	require.NoError(t, err)
	assert.True(t, server.Reserved)
}

func TestModifyUnknownServer(t *testing.T) {
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)

	_, err := r.Modify(context.Background(), uuid.New(), func(s *db.Server) error {
		s.Reserved = true
		return nil
	})
	assert.ErrorIs(t, err, store.ErrNotFound)
}

func TestHeartbeatMarksRunningAndNotifiesOnce(t *testing.T) {
	repo := newFakeServerRepo()
	var mu sync.Mutex
	var notified []string
	r := testRegistry(repo, func(_ uuid.UUID, status string) {
		mu.Lock()
		notified = append(notified, status)
		mu.Unlock()
	})
	id := uuid.New()

	assert.False(t, r.Running(id))
	r.HeartbeatIngest(id, nil)
	assert.True(t, r.Running(id))
	r.HeartbeatIngest(id, nil)

	mu.Lock()
	defer mu.Unlock()
	assert.Equal(t, []string{db.ServerStatusRunning}, notified)
}

func TestReconcileFlushesHeartbeatState(t *testing.T) {
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)
	id := uuid.New()

	_, err := r.UpsertFromSysinfo(context.Background(), testSysinfo(id, "cn0"))
	require.NoError(t, err)

	vms := map[string]db.VM{
		uuid.NewString(): {OwnerUUID: uuid.NewString(), MaxPhysicalMemory: 1024, State: "running"},
	}
	r.HeartbeatIngest(id, vms)
	require.NoError(t, r.Reconcile(context.Background()))

	server, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, db.ServerStatusRunning, server.Status)
	assert.Len(t, server.VMs, 1)
	require.NotNil(t, server.LastHeartbeat)

	// The dirty set drains; a quiet pass writes nothing.
	require.NoError(t, r.Reconcile(context.Background()))
	repo.mu.Lock()
	defer repo.mu.Unlock()
	assert.Len(t, repo.livenessCalls, 1)
}

func TestReconcileSkipsUnknownServers(t *testing.T) {
	// Heartbeats can arrive before the node's first sysinfo; liveness for
	// a record that does not exist yet is not an error.
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)

	r.HeartbeatIngest(uuid.New(), nil)
	assert.NoError(t, r.Reconcile(context.Background()))
}

func TestGetBootParamsMergesServerOverDefaults(t *testing.T) {
	repo := newFakeServerRepo()
	repo.defaults = &db.BootDefaults{
		ID:             1,
		BootPlatform:   "20260701T000000Z",
		BootParams:     map[string]string{"console": "serial", "smt_enabled": "true"},
		KernelFlags:    map[string]string{"-k": "true"},
		DefaultConsole: "serial",
		Serial:         "ttyb",
	}
	r := testRegistry(repo, nil)
	id := uuid.New()

	_, err := r.UpsertFromSysinfo(context.Background(), testSysinfo(id, "cn0"))
	require.NoError(t, err)
	require.NoError(t, r.UpdateBootParams(context.Background(), id, BootConfig{
		KernelArgs: map[string]string{"console": "vga"},
	}))

	params, err := r.GetBootParams(context.Background(), id)
	require.NoError(t, err)

	// Server value wins, default-only keys survive, mandatory keys are
	// injected on top.
	assert.Equal(t, "vga", params.KernelArgs["console"])
	assert.Equal(t, "true", params.KernelArgs["smt_enabled"])
	assert.Equal(t, "guest:guest:rabbitmq:5672", params.KernelArgs["rabbitmq"])
	assert.Equal(t, "cn0", params.KernelArgs["hostname"])
	assert.NotContains(t, params.KernelArgs, "rabbitmq_dns")
	assert.Equal(t, map[string]string{"-k": "true"}, params.KernelFlags)
	assert.Equal(t, "20260701T000000Z", params.Platform)
	assert.Equal(t, "serial", params.DefaultConsole)
	assert.Equal(t, "ttyb", params.Serial)
}

func TestSetBootParamsReplaces(t *testing.T) {
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)
	id := uuid.New()

	_, err := r.UpsertFromSysinfo(context.Background(), testSysinfo(id, "cn0"))
	require.NoError(t, err)
	require.NoError(t, r.UpdateBootParams(context.Background(), id, BootConfig{
		KernelArgs: map[string]string{"console": "vga", "extra": "1"},
	}))

	platform := "20260815T000000Z"
	require.NoError(t, r.SetBootParams(context.Background(), id, BootConfig{
		Platform:   &platform,
		KernelArgs: map[string]string{"console": "serial"},
	}))

	server, err := repo.Get(context.Background(), id)
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"console": "serial"}, server.BootParams)
	assert.Equal(t, platform, server.BootPlatform)
}

func TestDefaultBootParamsRoundTrip(t *testing.T) {
	repo := newFakeServerRepo()
	r := testRegistry(repo, nil)

	platform := "20260801T000000Z"
	require.NoError(t, r.SetDefaultBootParams(context.Background(), BootConfig{
		Platform:   &platform,
		KernelArgs: map[string]string{"console": "serial"},
	}))
	require.NoError(t, r.UpdateDefaultBootParams(context.Background(), BootConfig{
		KernelArgs: map[string]string{"smt_enabled": "false"},
	}))

	params, err := r.GetDefaultBootParams(context.Background())
	require.NoError(t, err)
	assert.Equal(t, platform, params.Platform)
	assert.Equal(t, "serial", params.KernelArgs["console"])
	assert.Equal(t, "false", params.KernelArgs["smt_enabled"])
	assert.Equal(t, "guest:guest:rabbitmq:5672", params.KernelArgs["rabbitmq"])
}
