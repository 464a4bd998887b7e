package registry

import (
	"context"
	"errors"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/pressbox/pressbox/pkg/orchestrator"
)

// setupTestStore creates a file-backed SQLite store in a test temp dir
func setupTestStore(t *testing.T) *SQLiteStore {
	t.Helper()

	store, err := NewSQLiteStore(Config{
		Path: filepath.Join(t.TempDir(), "registry.db"),
	})
	if err != nil {
		t.Fatalf("failed to create store: %v", err)
	}

	ctx := context.Background()
	if err := store.Init(ctx); err != nil {
		t.Fatalf("failed to initialize store: %v", err)
	}

	t.Cleanup(func() { store.Close() })
	return store
}

func testRecord(id, domain string) *orchestrator.SiteRecord {
	now := time.Now()
	return &orchestrator.SiteRecord{
		ID:          id,
		Name:        "Test Site",
		Domain:      domain,
		Environment: orchestrator.EnvironmentLocal,
		Status:      orchestrator.StatusStopped,
		Config: orchestrator.SiteConfig{
			PHPVersion:     "8.3",
			DatabaseEngine: orchestrator.DatabaseSQLite,
		},
		Paths: orchestrator.SitePaths{
			Root:    "/sites/test",
			DocRoot: "/sites/test/app",
			Runtime: "/sites/test/runtime",
		},
		CreatedAt: now,
		Version:   1,
	}
}

func TestStoreLifecycle(t *testing.T) {
	store := setupTestStore(t)

	ctx := context.Background()
	if err := store.Ping(ctx); err != nil {
		t.Fatalf("ping failed: %v", err)
	}
}

func TestSiteCRUD(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	record := testRecord("site-001", "demo.local")
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("failed to create record: %v", err)
	}

	retrieved, err := store.Get(ctx, "site-001")
	if err != nil {
		t.Fatalf("failed to get record: %v", err)
	}
	if retrieved.Domain != "demo.local" {
		t.Errorf("expected domain demo.local, got %s", retrieved.Domain)
	}
	if retrieved.Config.PHPVersion != "8.3" {
		t.Errorf("expected php version 8.3, got %s", retrieved.Config.PHPVersion)
	}
	if retrieved.Version != 1 {
		t.Errorf("expected version 1, got %d", retrieved.Version)
	}

	updated, err := store.Update(ctx, "site-001", func(r *orchestrator.SiteRecord) error {
		r.Status = orchestrator.StatusStarting
		return nil
	})
	if err != nil {
		t.Fatalf("failed to update record: %v", err)
	}
	if updated.Status != orchestrator.StatusStarting {
		t.Errorf("expected status starting, got %s", updated.Status)
	}
	if updated.Version != 2 {
		t.Errorf("expected version 2 after update, got %d", updated.Version)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("failed to list records: %v", err)
	}
	if len(records) != 1 {
		t.Fatalf("expected 1 record, got %d", len(records))
	}

	if err := store.Remove(ctx, "site-001"); err != nil {
		t.Fatalf("failed to remove record: %v", err)
	}
	if _, err := store.Get(ctx, "site-001"); !orchestrator.IsReason(err, orchestrator.ReasonNotFound) {
		t.Errorf("expected NOT_FOUND after remove, got %v", err)
	}
}

func TestDuplicateDomainRejected(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, testRecord("site-001", "shop.local")); err != nil {
		t.Fatalf("failed to create first record: %v", err)
	}

	err := store.Create(ctx, testRecord("site-002", "shop.local"))
	if !orchestrator.IsReason(err, orchestrator.ReasonDuplicateDomain) {
		t.Errorf("expected DUPLICATE_DOMAIN, got %v", err)
	}
}

func TestGetUnknownSite(t *testing.T) {
	store := setupTestStore(t)

	_, err := store.Get(context.Background(), "no-such-site")
	if !orchestrator.IsReason(err, orchestrator.ReasonNotFound) {
		t.Errorf("expected NOT_FOUND, got %v", err)
	}
}

func TestListOrderedByCreation(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	first := testRecord("site-a", "a.local")
	first.CreatedAt = time.Now().Add(-time.Hour)
	second := testRecord("site-b", "b.local")

	if err := store.Create(ctx, second); err != nil {
		t.Fatalf("create: %v", err)
	}
	if err := store.Create(ctx, first); err != nil {
		t.Fatalf("create: %v", err)
	}

	records, err := store.List(ctx)
	if err != nil {
		t.Fatalf("list: %v", err)
	}
	if len(records) != 2 {
		t.Fatalf("expected 2 records, got %d", len(records))
	}
	if records[0].ID != "site-a" {
		t.Errorf("expected oldest record first, got %s", records[0].ID)
	}
}

func TestUpdateMutateErrorAborts(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	if err := store.Create(ctx, testRecord("site-001", "demo.local")); err != nil {
		t.Fatalf("create: %v", err)
	}

	wantErr := errors.New("mutation rejected")
	_, err := store.Update(ctx, "site-001", func(r *orchestrator.SiteRecord) error {
		r.Status = orchestrator.StatusRunning
		return wantErr
	})
	if !errors.Is(err, wantErr) {
		t.Fatalf("expected mutation error to propagate, got %v", err)
	}

	record, err := store.Get(ctx, "site-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if record.Status != orchestrator.StatusStopped {
		t.Errorf("expected record unchanged after rejected mutation, got %s", record.Status)
	}
}

// TestConcurrentUpdates verifies compare-and-swap: concurrent mutations of
// one record never lose an update.
func TestConcurrentUpdates(t *testing.T) {
	store := setupTestStore(t)
	ctx := context.Background()

	record := testRecord("site-001", "demo.local")
	record.Port = 0
	if err := store.Create(ctx, record); err != nil {
		t.Fatalf("create: %v", err)
	}

	const workers = 8
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			for {
				_, err := store.Update(ctx, "site-001", func(r *orchestrator.SiteRecord) error {
					r.Port++
					return nil
				})
				if err == nil {
					return
				}
				if !orchestrator.IsReason(err, orchestrator.ReasonOperationInProgress) {
					t.Errorf("unexpected update error: %v", err)
					return
				}
				// Lost the CAS race; retry.
			}
		}()
	}
	wg.Wait()

	final, err := store.Get(ctx, "site-001")
	if err != nil {
		t.Fatalf("get: %v", err)
	}
	if final.Port != workers {
		t.Errorf("expected port %d after %d increments, got %d", workers, workers, final.Port)
	}
	if final.Version != int64(workers)+1 {
		t.Errorf("expected version %d, got %d", workers+1, final.Version)
	}
}
