package orchestrator

import (
	"context"
	"sync"
	"testing"
	"time"
)

func TestCreateSiteResolvesDefaults(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	record, err := env.manager.CreateSite(ctx, CreateSiteRequest{Name: "My Shop"})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}

	if record.Domain != "my-shop.local" {
		t.Errorf("expected derived domain my-shop.local, got %s", record.Domain)
	}
	if record.Environment != EnvironmentLocal {
		t.Errorf("expected default environment local, got %s", record.Environment)
	}
	if record.Status != StatusStopped {
		t.Errorf("expected new site to be stopped, got %s", record.Status)
	}
	if record.Config.PHPVersion != "8.3" {
		t.Errorf("expected default php version, got %s", record.Config.PHPVersion)
	}
	if record.Config.DatabaseEngine != DatabaseSQLite {
		t.Errorf("expected default sqlite engine, got %s", record.Config.DatabaseEngine)
	}

	provision, _, _, _ := env.local.counts()
	if provision != 1 {
		t.Errorf("expected 1 provision call, got %d", provision)
	}
}

func TestCreateSiteMySQLVersionDefault(t *testing.T) {
	env := newTestEnv(t)

	record, err := env.manager.CreateSite(context.Background(), CreateSiteRequest{
		Name:   "db-site",
		Config: SiteConfig{DatabaseEngine: DatabaseMySQL},
	})
	if err != nil {
		t.Fatalf("create failed: %v", err)
	}
	if record.Config.DatabaseVersion == "" {
		t.Error("expected a database version default for mysql")
	}
}

func TestCreateSiteDuplicateDomain(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if _, err := env.manager.CreateSite(ctx, CreateSiteRequest{Name: "shop"}); err != nil {
		t.Fatalf("first create failed: %v", err)
	}

	_, err := env.manager.CreateSite(ctx, CreateSiteRequest{Name: "Shop"})
	if !IsReason(err, ReasonDuplicateDomain) {
		t.Errorf("expected DUPLICATE_DOMAIN, got %v", err)
	}
}

func TestCreateSiteValidation(t *testing.T) {
	env := newTestEnv(t)

	_, err := env.manager.CreateSite(context.Background(), CreateSiteRequest{Name: ""})
	if !IsReason(err, ReasonValidationError) {
		t.Errorf("expected VALIDATION_ERROR for empty name, got %v", err)
	}
}

func TestStartStopWalk(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.seedSite(t, "site-1", "demo.local", EnvironmentLocal, StatusStopped)

	running, err := env.manager.StartSite(ctx, site.ID)
	if err != nil {
		t.Fatalf("start failed: %v", err)
	}
	if running.Status != StatusRunning {
		t.Errorf("expected running, got %s", running.Status)
	}
	if running.Port == 0 {
		t.Error("expected a bound port")
	}
	if running.LastAccessed.IsZero() {
		t.Error("expected lastAccessed to be touched on start")
	}

	stopped, err := env.manager.StopSite(ctx, site.ID)
	if err != nil {
		t.Fatalf("stop failed: %v", err)
	}
	if stopped.Status != StatusStopped {
		t.Errorf("expected stopped, got %s", stopped.Status)
	}
	if stopped.Port != 0 {
		t.Errorf("expected port cleared on stop, got %d", stopped.Port)
	}
	if env.allocator.isReserved(running.Port) {
		t.Error("expected port released on stop")
	}
}

func TestStartFromRunningIsIllegal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.seedSite(t, "site-1", "demo.local", EnvironmentLocal, StatusStopped)

	if _, err := env.manager.StartSite(ctx, site.ID); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	_, err := env.manager.StartSite(ctx, site.ID)
	if !IsReason(err, ReasonIllegalTransition) {
		t.Errorf("expected ILLEGAL_TRANSITION starting a running site, got %v", err)
	}
}

func TestStartUnavailableBackendLeavesSiteStopped(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.container.unavailable = "container engine not responding"
	site := env.seedSite(t, "site-1", "demo.local", EnvironmentContainer, StatusStopped)

	record, err := env.manager.StartSite(ctx, site.ID)
	if !IsReason(err, ReasonBackendUnavailable) {
		t.Fatalf("expected BACKEND_UNAVAILABLE, got %v", err)
	}
	if record.Status != StatusStopped {
		t.Errorf("expected record to remain stopped, got %s", record.Status)
	}

	_, start, _, _ := env.container.counts()
	if start != 0 {
		t.Errorf("expected no driver start call, got %d", start)
	}
}

func TestStartFailureReleasesPort(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.local.startErr = NewResourceError(ReasonProcessSpawnFailure, "spawn failed", nil)
	site := env.seedSite(t, "site-1", "demo.local", EnvironmentLocal, StatusStopped)

	record, err := env.manager.StartSite(ctx, site.ID)
	if !IsReason(err, ReasonProcessSpawnFailure) {
		t.Fatalf("expected PROCESS_SPAWN_FAILURE, got %v", err)
	}
	if record.Status != StatusError {
		t.Errorf("expected error status, got %s", record.Status)
	}
	if record.StatusReason != ReasonProcessSpawnFailure {
		t.Errorf("expected spawn failure reason recorded, got %s", record.StatusReason)
	}
	if len(env.allocator.released) == 0 {
		t.Error("expected partially reserved port to be released")
	}
}

func TestStartAfterErrorIsLegal(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.seedSite(t, "site-1", "demo.local", EnvironmentLocal, StatusError)

	record, err := env.manager.StartSite(ctx, site.ID)
	if err != nil {
		t.Fatalf("start from error failed: %v", err)
	}
	if record.Status != StatusRunning {
		t.Errorf("expected running, got %s", record.Status)
	}
}

func TestStartTimeout(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	env.manager.UpdatePolicy(func() Policy {
		p := env.manager.Policy()
		p.StartTimeout = 50 * time.Millisecond
		return p
	}())
	env.local.startDelay = time.Second
	site := env.seedSite(t, "site-1", "demo.local", EnvironmentLocal, StatusStopped)

	record, err := env.manager.StartSite(ctx, site.ID)
	if err == nil {
		t.Fatal("expected start to fail on timeout")
	}
	if record.StatusReason != ReasonStartTimeout {
		t.Errorf("expected START_TIMEOUT recorded, got %s", record.StatusReason)
	}

	// The driver is asked to clean up partial resources.
	_, _, stop, _ := env.local.counts()
	if stop == 0 {
		t.Error("expected driver cleanup after start timeout")
	}
}

// TestConcurrentStart verifies that concurrent starts of one site result
// in exactly one driver invocation; the loser observes
// OPERATION_IN_PROGRESS.
func TestConcurrentStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	env.local.startDelay = 100 * time.Millisecond
	site := env.seedSite(t, "site-1", "demo.local", EnvironmentLocal, StatusStopped)

	var wg sync.WaitGroup
	errs := make(chan error, 2)
	for i := 0; i < 2; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			_, err := env.manager.StartSite(ctx, site.ID)
			errs <- err
		}()
	}
	wg.Wait()
	close(errs)

	var successes, inProgress int
	for err := range errs {
		switch {
		case err == nil:
			successes++
		case IsReason(err, ReasonOperationInProgress):
			inProgress++
		default:
			t.Errorf("unexpected error: %v", err)
		}
	}
	if successes != 1 || inProgress != 1 {
		t.Errorf("expected 1 success and 1 OPERATION_IN_PROGRESS, got %d and %d", successes, inProgress)
	}

	_, start, _, _ := env.local.counts()
	if start != 1 {
		t.Errorf("expected exactly 1 driver start invocation, got %d", start)
	}
}

func TestStopIdempotentOnStopped(t *testing.T) {
	env := newTestEnv(t)
	site := env.seedSite(t, "site-1", "demo.local", EnvironmentLocal, StatusStopped)

	record, err := env.manager.StopSite(context.Background(), site.ID)
	if err != nil {
		t.Fatalf("stop of stopped site failed: %v", err)
	}
	if record.Status != StatusStopped {
		t.Errorf("expected stopped, got %s", record.Status)
	}
}

func TestDeleteForcesStop(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.seedSite(t, "site-1", "demo.local", EnvironmentLocal, StatusStopped)

	if _, err := env.manager.StartSite(ctx, site.ID); err != nil {
		t.Fatalf("start failed: %v", err)
	}

	if err := env.manager.DeleteSite(ctx, site.ID); err != nil {
		t.Fatalf("delete failed: %v", err)
	}

	_, _, stop, destroy := env.local.counts()
	if stop == 0 {
		t.Error("expected delete to stop the running site first")
	}
	if destroy != 1 {
		t.Errorf("expected 1 destroy call, got %d", destroy)
	}
	if _, err := env.manager.GetSite(ctx, site.ID); !IsReason(err, ReasonNotFound) {
		t.Errorf("expected NOT_FOUND after delete, got %v", err)
	}
}

func TestCloneCreatesIndependentSite(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()
	site := env.seedSite(t, "site-1", "demo.local", EnvironmentLocal, StatusStopped)

	clone, err := env.manager.CloneSite(ctx, site.ID, "demo copy")
	if err != nil {
		t.Fatalf("clone failed: %v", err)
	}

	if clone.ID == site.ID {
		t.Error("expected clone to have a fresh id")
	}
	if clone.Domain != "demo-copy.local" {
		t.Errorf("expected derived clone domain, got %s", clone.Domain)
	}
	if clone.Paths.Root == site.Paths.Root {
		t.Error("expected clone to have its own content directory")
	}
	if clone.Status != StatusStopped {
		t.Errorf("expected clone to start out stopped, got %s", clone.Status)
	}

	records, err := env.manager.ListSites(ctx)
	if err != nil {
		t.Fatalf("list failed: %v", err)
	}
	if len(records) != 2 {
		t.Errorf("expected 2 records after clone, got %d", len(records))
	}
}

func TestSwitchEnvironment(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	if got := env.manager.CurrentEnvironment(); got != EnvironmentLocal {
		t.Fatalf("expected local default, got %s", got)
	}

	if err := env.manager.SwitchEnvironment(ctx, EnvironmentContainer); err != nil {
		t.Fatalf("switch failed: %v", err)
	}
	if got := env.manager.CurrentEnvironment(); got != EnvironmentContainer {
		t.Errorf("expected container default after switch, got %s", got)
	}

	// Existing sites keep their environment.
	site := env.seedSite(t, "site-1", "demo.local", EnvironmentLocal, StatusStopped)
	record, err := env.manager.GetSite(ctx, site.ID)
	if err != nil {
		t.Fatalf("get failed: %v", err)
	}
	if record.Environment != EnvironmentLocal {
		t.Errorf("expected existing site unchanged, got %s", record.Environment)
	}
}

func TestSwitchEnvironmentUnavailableBackend(t *testing.T) {
	env := newTestEnv(t)
	env.container.unavailable = "no container engine"

	err := env.manager.SwitchEnvironment(context.Background(), EnvironmentContainer)
	if !IsReason(err, ReasonBackendUnavailable) {
		t.Errorf("expected BACKEND_UNAVAILABLE, got %v", err)
	}
}

func TestGetCapabilities(t *testing.T) {
	env := newTestEnv(t)
	env.container.unavailable = "podman not on PATH"

	caps := env.manager.GetCapabilities(context.Background())
	if !caps.Local.Available || !caps.Local.Preferred {
		t.Errorf("expected local available and preferred, got %+v", caps.Local)
	}
	if caps.Container.Available {
		t.Error("expected container unavailable")
	}
	if caps.Container.Detail == "" {
		t.Error("expected unavailability detail")
	}
}

// TestStopFromInterruptedStart verifies stop is legal while a site is
// Starting, settling a start that never committed.
func TestStopFromInterruptedStart(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	site := env.seedSite(t, "site-1", "a.local", EnvironmentLocal, StatusStarting)
	site.Port = 8080
	env.store.put(site)
	env.allocator.MarkReserved(8080)

	record, err := env.manager.StopSite(ctx, site.ID)
	if err != nil {
		t.Fatalf("stop from starting failed: %v", err)
	}
	if record.Status != StatusStopped {
		t.Errorf("expected stopped, got %s", record.Status)
	}
	if env.allocator.isReserved(8080) {
		t.Error("expected port released")
	}
}

// TestStartCommitFailureReleasesResources verifies that when the driver
// comes up but the registry commit fails, the process is torn down, the
// port is released, and the site remains stoppable.
func TestStartCommitFailureReleasesResources(t *testing.T) {
	env := newTestEnv(t)
	ctx := context.Background()

	site := env.seedSite(t, "site-1", "a.local", EnvironmentLocal, StatusStopped)

	// Let the Starting transition through; fail the commit to Running.
	env.store.updateErr = NewConflictError(ReasonOperationInProgress,
		"site record changed concurrently", nil)
	env.store.updateErrAfter = 1

	if _, err := env.manager.StartSite(ctx, site.ID); err == nil {
		t.Fatal("expected start to surface the commit failure")
	}

	_, starts, stops, _ := env.local.counts()
	if starts != 1 || stops != 1 {
		t.Errorf("expected the started process torn down, got starts=%d stops=%d", starts, stops)
	}
	if env.allocator.isReserved(8080) {
		t.Error("expected the reserved port released")
	}

	// The record was left Starting; a plain stop settles it.
	record, err := env.manager.StopSite(ctx, site.ID)
	if err != nil {
		t.Fatalf("stop after failed commit failed: %v", err)
	}
	if record.Status != StatusStopped {
		t.Errorf("expected stopped, got %s", record.Status)
	}
}
