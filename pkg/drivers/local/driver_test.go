package local

import (
	"context"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/pressbox/pressbox/pkg/orchestrator"
	"github.com/pressbox/pressbox/pkg/telemetry"
)

func testDriver(t *testing.T) *Driver {
	t.Helper()
	return NewDriver(Config{}, telemetry.Noop())
}

func testHandle(t *testing.T, engine orchestrator.DatabaseEngine) *orchestrator.Handle {
	t.Helper()

	root := t.TempDir()
	return &orchestrator.Handle{
		SiteID:      "0f7e2a1c-9b4d-4a4e-8c2f-1d2e3f4a5b6c",
		Environment: orchestrator.EnvironmentLocal,
		Paths: orchestrator.SitePaths{
			Root:    root,
			DocRoot: filepath.Join(root, "app"),
			Runtime: filepath.Join(root, "runtime"),
		},
		Config: orchestrator.SiteConfig{
			PHPVersion:     "8.3",
			DatabaseEngine: engine,
		},
	}
}

func TestSchemaName(t *testing.T) {
	got := schemaName("0f7e2a1c-9b4d-4a4e-8c2f-1d2e3f4a5b6c")
	if got != "site_0f7e2a1c9b4d" {
		t.Errorf("unexpected schema name: %s", got)
	}
	if strings.Contains(got, "-") {
		t.Errorf("schema name must not contain dashes: %s", got)
	}
}

func TestPIDFileRoundtrip(t *testing.T) {
	d := testDriver(t)
	handle := testHandle(t, orchestrator.DatabaseSQLite)

	if pid, err := d.readPID(handle); err != nil || pid != 0 {
		t.Fatalf("expected zero pid for absent file, got %d/%v", pid, err)
	}

	if err := d.writePID(handle, 4321); err != nil {
		t.Fatalf("writePID failed: %v", err)
	}
	pid, err := d.readPID(handle)
	if err != nil {
		t.Fatalf("readPID failed: %v", err)
	}
	if pid != 4321 {
		t.Errorf("expected pid 4321, got %d", pid)
	}

	d.clearPID(handle)
	if pid, _ := d.readPID(handle); pid != 0 {
		t.Errorf("expected pid cleared, got %d", pid)
	}
}

func TestStopWithoutProcessIsNoop(t *testing.T) {
	d := testDriver(t)
	handle := testHandle(t, orchestrator.DatabaseSQLite)

	if err := d.Stop(context.Background(), handle); err != nil {
		t.Errorf("expected double-stop to be a no-op, got %v", err)
	}

	// A pid file pointing at a long-dead process is also a no-op.
	if err := d.writePID(handle, 1<<30); err != nil {
		t.Fatalf("writePID failed: %v", err)
	}
	if err := d.Stop(context.Background(), handle); err != nil {
		t.Errorf("expected stop of dead pid to be a no-op, got %v", err)
	}
}

func TestLivenessWithoutProcess(t *testing.T) {
	d := testDriver(t)
	handle := testHandle(t, orchestrator.DatabaseSQLite)

	alive, err := d.Liveness(context.Background(), handle)
	if err != nil {
		t.Fatalf("liveness failed: %v", err)
	}
	if alive {
		t.Error("expected no liveness without a pid file")
	}

	if err := d.writePID(handle, 1<<30); err != nil {
		t.Fatalf("writePID failed: %v", err)
	}
	alive, err = d.Liveness(context.Background(), handle)
	if err != nil {
		t.Fatalf("liveness failed: %v", err)
	}
	if alive {
		t.Error("expected no liveness for a dead pid")
	}
}

func TestSQLiteExportImportRoundtrip(t *testing.T) {
	d := testDriver(t)
	ctx := context.Background()

	source := testHandle(t, orchestrator.DatabaseSQLite)
	dbDir := filepath.Join(source.Paths.Root, sqliteDBDir)
	if err := os.MkdirAll(dbDir, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	content := []byte("sqlite payload")
	if err := os.WriteFile(filepath.Join(dbDir, sqliteDBFile), content, 0644); err != nil {
		t.Fatalf("write db: %v", err)
	}
	if err := os.MkdirAll(source.Paths.Runtime, 0755); err != nil {
		t.Fatalf("mkdir runtime: %v", err)
	}

	dump, err := d.Export(ctx, source)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}

	target := testHandle(t, orchestrator.DatabaseSQLite)
	if err := d.Import(ctx, target, dump); err != nil {
		t.Fatalf("import failed: %v", err)
	}

	imported, err := os.ReadFile(filepath.Join(target.Paths.Root, sqliteDBDir, sqliteDBFile))
	if err != nil {
		t.Fatalf("read imported db: %v", err)
	}
	if string(imported) != string(content) {
		t.Errorf("imported database differs from exported one")
	}
}

func TestDatabaseEnv(t *testing.T) {
	d := NewDriver(Config{
		MySQL: MySQLConfig{Host: "127.0.0.1", Port: 3306, User: "root", Password: "secret"},
	}, telemetry.Noop())

	sqliteEnv := d.databaseEnv(testHandle(t, orchestrator.DatabaseSQLite))
	if !containsEntry(sqliteEnv, "DB_ENGINE=sqlite") {
		t.Errorf("expected sqlite engine in env, got %v", sqliteEnv)
	}

	mysqlEnv := d.databaseEnv(testHandle(t, orchestrator.DatabaseMySQL))
	if !containsEntry(mysqlEnv, "DB_ENGINE=mysql") {
		t.Errorf("expected mysql engine in env, got %v", mysqlEnv)
	}
	if !containsEntry(mysqlEnv, "DB_HOST=127.0.0.1:3306") {
		t.Errorf("expected mysql host in env, got %v", mysqlEnv)
	}
}

// TestDestroyScopedToOwnArtifacts verifies Destroy removes only this
// backend's files: site content survives, and so do another backend's
// artifacts sharing the runtime directory, as they do during a migration.
func TestDestroyScopedToOwnArtifacts(t *testing.T) {
	d := testDriver(t)
	handle := testHandle(t, orchestrator.DatabaseSQLite)

	if err := os.MkdirAll(handle.Paths.DocRoot, 0755); err != nil {
		t.Fatalf("mkdir: %v", err)
	}
	marker := filepath.Join(handle.Paths.DocRoot, "index.php")
	if err := os.WriteFile(marker, []byte("<?php"), 0644); err != nil {
		t.Fatalf("write marker: %v", err)
	}
	if err := d.writePID(handle, 1<<30); err != nil {
		t.Fatalf("writePID failed: %v", err)
	}
	logPath := filepath.Join(handle.Paths.Runtime, logFileName)
	if err := os.WriteFile(logPath, []byte("log"), 0644); err != nil {
		t.Fatalf("write log: %v", err)
	}
	compose := filepath.Join(handle.Paths.Runtime, "compose.yaml")
	if err := os.WriteFile(compose, []byte("services: {}\n"), 0644); err != nil {
		t.Fatalf("write compose spec: %v", err)
	}

	if err := d.Destroy(context.Background(), handle); err != nil {
		t.Fatalf("destroy failed: %v", err)
	}

	for _, gone := range []string{d.pidPath(handle), logPath} {
		if _, err := os.Stat(gone); !os.IsNotExist(err) {
			t.Errorf("expected %s removed", gone)
		}
	}
	if _, err := os.Stat(marker); err != nil {
		t.Errorf("expected site content preserved: %v", err)
	}
	if _, err := os.Stat(compose); err != nil {
		t.Errorf("expected other backend's artifacts preserved: %v", err)
	}
}

// TestImportEmptyDumpIsNoop covers the dump a sqlite source legitimately
// exports as empty: the data travels with the site content instead.
func TestImportEmptyDumpIsNoop(t *testing.T) {
	d := testDriver(t)
	handle := testHandle(t, orchestrator.DatabaseSQLite)

	if err := d.Import(context.Background(), handle, ""); err != nil {
		t.Errorf("expected empty dump import to be a no-op, got %v", err)
	}
	if _, err := os.Stat(filepath.Join(handle.Paths.Root, sqliteDBDir, sqliteDBFile)); !os.IsNotExist(err) {
		t.Error("expected no database file created")
	}
}

// TestExportFreshSQLiteSite covers a site that never served a request:
// WordPress has not created the database file yet, so there is nothing to
// dump and the export is empty rather than an error.
func TestExportFreshSQLiteSite(t *testing.T) {
	d := testDriver(t)
	handle := testHandle(t, orchestrator.DatabaseSQLite)

	dump, err := d.Export(context.Background(), handle)
	if err != nil {
		t.Fatalf("export failed: %v", err)
	}
	if dump != "" {
		t.Errorf("expected empty dump for a never-served site, got %q", dump)
	}
}

func containsEntry(entries []string, want string) bool {
	for _, e := range entries {
		if e == want {
			return true
		}
	}
	return false
}
