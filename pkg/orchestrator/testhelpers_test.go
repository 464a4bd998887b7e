package orchestrator

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"sync"
	"testing"
	"time"

	"github.com/pressbox/pressbox/pkg/telemetry"
)

// fakeStore is an in-memory Store with the registry's CAS semantics.
type fakeStore struct {
	mu      sync.Mutex
	records map[string]*SiteRecord

	// updateErr fails one Update call after updateErrAfter successful ones.
	updateErr      error
	updateErrAfter int
}

func newFakeStore() *fakeStore {
	return &fakeStore{records: make(map[string]*SiteRecord)}
}

func (s *fakeStore) Create(_ context.Context, record *SiteRecord) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, r := range s.records {
		if r.Domain == record.Domain {
			return NewConflictError(ReasonDuplicateDomain,
				fmt.Sprintf("domain %s already exists", record.Domain), nil)
		}
	}
	s.records[record.ID] = record.Clone()
	return nil
}

func (s *fakeStore) Get(_ context.Context, id string) (*SiteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	r, ok := s.records[id]
	if !ok {
		return nil, NewValidationError(ReasonNotFound, "site not found", nil).WithSite(id)
	}
	return r.Clone(), nil
}

func (s *fakeStore) List(_ context.Context) ([]*SiteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*SiteRecord, 0, len(s.records))
	for _, r := range s.records {
		out = append(out, r.Clone())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].CreatedAt.Before(out[j].CreatedAt) })
	return out, nil
}

func (s *fakeStore) Update(_ context.Context, id string, mutate func(*SiteRecord) error) (*SiteRecord, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.updateErr != nil {
		if s.updateErrAfter > 0 {
			s.updateErrAfter--
		} else {
			err := s.updateErr
			s.updateErr = nil
			return nil, err
		}
	}
	r, ok := s.records[id]
	if !ok {
		return nil, NewValidationError(ReasonNotFound, "site not found", nil).WithSite(id)
	}
	next := r.Clone()
	if err := mutate(next); err != nil {
		return nil, err
	}
	next.Version = r.Version + 1
	s.records[id] = next
	return next.Clone(), nil
}

func (s *fakeStore) Remove(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, id)
	return nil
}

func (s *fakeStore) Ping(context.Context) error { return nil }
func (s *fakeStore) Close() error               { return nil }

// put inserts a record directly, bypassing Create's checks.
func (s *fakeStore) put(record *SiteRecord) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.records[record.ID] = record.Clone()
}

// fakeDriver is a configurable Driver that counts its invocations.
type fakeDriver struct {
	env Environment

	mu             sync.Mutex
	provisionCalls int
	startCalls     int
	stopCalls      int
	destroyCalls   int
	cloneCalls     int
	importCalls    int

	unavailable  string
	startErr     error
	startDelay   time.Duration
	provisionErr error
	importErr    error
	alive        map[string]bool
}

func newFakeDriver(env Environment) *fakeDriver {
	return &fakeDriver{env: env, alive: make(map[string]bool)}
}

func (d *fakeDriver) Environment() Environment { return d.env }

func (d *fakeDriver) Available(context.Context) (bool, string) {
	if d.unavailable != "" {
		return false, d.unavailable
	}
	return true, ""
}

func (d *fakeDriver) Provision(_ context.Context, record *SiteRecord) (*Handle, error) {
	d.mu.Lock()
	d.provisionCalls++
	d.mu.Unlock()
	if d.provisionErr != nil {
		return nil, d.provisionErr
	}
	h := HandleFor(record)
	h.Environment = d.env
	return h, nil
}

func (d *fakeDriver) Start(ctx context.Context, handle *Handle, port int) (*RunningInfo, error) {
	d.mu.Lock()
	d.startCalls++
	d.mu.Unlock()
	if d.startDelay > 0 {
		select {
		case <-time.After(d.startDelay):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	if d.startErr != nil {
		return nil, d.startErr
	}
	d.mu.Lock()
	d.alive[handle.SiteID] = true
	d.mu.Unlock()
	return &RunningInfo{Port: port, URL: fmt.Sprintf("http://127.0.0.1:%d", port)}, nil
}

func (d *fakeDriver) Stop(_ context.Context, handle *Handle) error {
	d.mu.Lock()
	d.stopCalls++
	delete(d.alive, handle.SiteID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Destroy(_ context.Context, handle *Handle) error {
	d.mu.Lock()
	d.destroyCalls++
	delete(d.alive, handle.SiteID)
	d.mu.Unlock()
	return nil
}

func (d *fakeDriver) Clone(_ context.Context, _ *Handle, target *SiteRecord) (*Handle, error) {
	d.mu.Lock()
	d.cloneCalls++
	d.mu.Unlock()
	h := HandleFor(target)
	h.Environment = d.env
	return h, nil
}

func (d *fakeDriver) Export(context.Context, *Handle) (string, error) {
	return "/tmp/dump.sql", nil
}

func (d *fakeDriver) Import(_ context.Context, _ *Handle, _ string) error {
	d.mu.Lock()
	d.importCalls++
	d.mu.Unlock()
	return d.importErr
}

func (d *fakeDriver) Liveness(_ context.Context, handle *Handle) (bool, error) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.alive[handle.SiteID], nil
}

func (d *fakeDriver) counts() (provision, start, stop, destroy int) {
	d.mu.Lock()
	defer d.mu.Unlock()
	return d.provisionCalls, d.startCalls, d.stopCalls, d.destroyCalls
}

// fakeAllocator hands out sequential ports and tracks releases.
type fakeAllocator struct {
	mu       sync.Mutex
	next     int
	reserved map[int]bool
	released []int
}

func newFakeAllocator() *fakeAllocator {
	return &fakeAllocator{next: 8080, reserved: make(map[int]bool)}
}

func (a *fakeAllocator) Reserve(preferred int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	if preferred != 0 && !a.reserved[preferred] {
		a.reserved[preferred] = true
		return preferred, nil
	}
	for a.reserved[a.next] {
		a.next++
	}
	port := a.next
	a.reserved[port] = true
	return port, nil
}

func (a *fakeAllocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
	a.released = append(a.released, port)
}

func (a *fakeAllocator) MarkReserved(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved[port] = true
}

func (a *fakeAllocator) isReserved(port int) bool {
	a.mu.Lock()
	defer a.mu.Unlock()
	return a.reserved[port]
}

// fakeProber answers probes from a per-site error queue; an empty queue
// means success.
type fakeProber struct {
	mu     sync.Mutex
	errs   map[string][]error
	probes int
}

func newFakeProber() *fakeProber {
	return &fakeProber{errs: make(map[string][]error)}
}

func (p *fakeProber) fail(siteID string, times int) {
	p.mu.Lock()
	defer p.mu.Unlock()
	for i := 0; i < times; i++ {
		p.errs[siteID] = append(p.errs[siteID],
			NewTransientError(ReasonHealthCheckFailed, "probe failed", nil))
	}
}

func (p *fakeProber) Probe(_ context.Context, record *SiteRecord, _ int) error {
	p.mu.Lock()
	defer p.mu.Unlock()
	p.probes++
	queue := p.errs[record.ID]
	if len(queue) == 0 {
		return nil
	}
	err := queue[0]
	p.errs[record.ID] = queue[1:]
	return err
}

// testEnv bundles a manager and its fakes.
type testEnv struct {
	manager   *Manager
	store     *fakeStore
	local     *fakeDriver
	container *fakeDriver
	allocator *fakeAllocator
	prober    *fakeProber
}

func newTestEnv(t *testing.T) *testEnv {
	t.Helper()

	env := &testEnv{
		store:     newFakeStore(),
		local:     newFakeDriver(EnvironmentLocal),
		container: newFakeDriver(EnvironmentContainer),
		allocator: newFakeAllocator(),
		prober:    newFakeProber(),
	}

	policy := DefaultPolicy()
	policy.StartTimeout = 2 * time.Second
	policy.MigrationProbeAttempts = 2
	policy.MigrationProbeInterval = time.Millisecond
	policy.HealthProbeTimeout = 100 * time.Millisecond

	manager, err := NewManager(ManagerConfig{
		Store:      env.store,
		Drivers:    []Driver{env.local, env.container},
		Allocator:  env.allocator,
		Prober:     env.prober,
		Telemetry:  telemetry.Noop(),
		SitesDir:   t.TempDir(),
		DefaultEnv: EnvironmentLocal,
		Policy:     policy,
	})
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}
	env.manager = manager
	return env
}

// seedSite inserts a stopped site with an existing content directory.
func (e *testEnv) seedSite(t *testing.T, id, domain string, env Environment, status SiteStatus) *SiteRecord {
	t.Helper()

	root := filepath.Join(e.manager.sitesDir, id)
	for _, dir := range []string{root, filepath.Join(root, "app"), filepath.Join(root, "runtime")} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			t.Fatalf("failed to seed site dir: %v", err)
		}
	}

	record := &SiteRecord{
		ID:          id,
		Name:        id,
		Domain:      domain,
		Environment: env,
		Status:      status,
		Config: SiteConfig{
			PHPVersion:     "8.3",
			DatabaseEngine: DatabaseSQLite,
		},
		Paths: SitePaths{
			Root:    root,
			DocRoot: filepath.Join(root, "app"),
			Runtime: filepath.Join(root, "runtime"),
		},
		CreatedAt: time.Now(),
		Version:   1,
	}
	e.store.put(record)
	return record
}
