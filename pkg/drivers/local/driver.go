// Package local implements the native-process backend driver. A site runs
// as a child PHP development server process bound to the site's document
// root; the database is either a SQLite file inside the site path or a
// per-site schema on a shared local MySQL instance.
package local

import (
	"context"
	"fmt"
	"io"
	"net"
	"os"
	"os/exec"
	"path/filepath"
	"strconv"
	"strings"
	"syscall"
	"time"

	"github.com/shirou/gopsutil/v3/process"

	"github.com/pressbox/pressbox/pkg/orchestrator"
	"github.com/pressbox/pressbox/pkg/telemetry"
)

const (
	pidFileName  = "php-server.pid"
	logFileName  = "php-server.log"
	exportDir    = "export"
	sqliteDBDir  = "database"
	sqliteDBFile = "wordpress.sqlite"
)

// MySQLConfig describes the shared local MySQL instance used when a site's
// database engine is mysql.
type MySQLConfig struct {
	// Host is the MySQL server host.
	Host string `yaml:"host"`

	// Port is the MySQL server port.
	Port int `yaml:"port"`

	// User is the MySQL account used for schema management.
	User string `yaml:"user"`

	// Password is the MySQL account password.
	Password string `yaml:"password"`
}

// Config holds local driver configuration.
type Config struct {
	// PHPBinary is the PHP CLI binary. Defaults to "php" on PATH.
	PHPBinary string `yaml:"php_binary"`

	// MySQL configures the shared MySQL instance. Required only for
	// sites whose database engine is mysql.
	MySQL MySQLConfig `yaml:"mysql"`

	// StopTimeout bounds graceful termination before a forceful kill.
	StopTimeout time.Duration `yaml:"stop_timeout"`
}

// Driver runs sites as native PHP development server processes.
type Driver struct {
	cfg Config
	log *telemetry.Logger
	tel *telemetry.Telemetry
}

// NewDriver creates a local driver.
func NewDriver(cfg Config, tel *telemetry.Telemetry) *Driver {
	if cfg.PHPBinary == "" {
		cfg.PHPBinary = "php"
	}
	if cfg.StopTimeout == 0 {
		cfg.StopTimeout = 10 * time.Second
	}
	return &Driver{
		cfg: cfg,
		log: tel.Logger.NewComponentLogger("driver.local"),
		tel: tel,
	}
}

// Environment returns the backend this driver implements.
func (d *Driver) Environment() orchestrator.Environment {
	return orchestrator.EnvironmentLocal
}

// Available reports whether a PHP runtime is present on the host.
func (d *Driver) Available(_ context.Context) (bool, string) {
	if _, err := exec.LookPath(d.cfg.PHPBinary); err != nil {
		return false, fmt.Sprintf("php binary %q not found on PATH", d.cfg.PHPBinary)
	}
	return true, ""
}

// Provision creates the site's runtime directory and database resources.
// It does not serve traffic. Idempotent.
func (d *Driver) Provision(ctx context.Context, record *orchestrator.SiteRecord) (*orchestrator.Handle, error) {
	handle := orchestrator.HandleFor(record)
	handle.Environment = orchestrator.EnvironmentLocal

	if ok, detail := d.Available(ctx); !ok {
		return nil, orchestrator.NewResourceError(
			orchestrator.ReasonBackendUnavailable, detail, nil,
		).WithSite(record.ID).WithOperation("provision")
	}

	for _, dir := range []string{handle.Paths.Root, handle.Paths.DocRoot, handle.Paths.Runtime} {
		if err := os.MkdirAll(dir, 0755); err != nil {
			return nil, fmt.Errorf("failed to create site directory %s: %w", dir, err)
		}
	}

	switch handle.Config.DatabaseEngine {
	case orchestrator.DatabaseSQLite:
		if err := os.MkdirAll(filepath.Join(handle.Paths.Root, sqliteDBDir), 0755); err != nil {
			return nil, fmt.Errorf("failed to create database directory: %w", err)
		}
	case orchestrator.DatabaseMySQL:
		if err := d.ensureSchema(ctx, schemaName(handle.SiteID)); err != nil {
			return nil, err
		}
	}

	d.log.WithSiteID(record.ID).Debug("provisioned local site resources")
	return handle, nil
}

// Start spawns the PHP development server bound to port and waits until it
// accepts connections or the context expires.
func (d *Driver) Start(ctx context.Context, handle *orchestrator.Handle, port int) (*orchestrator.RunningInfo, error) {
	if ok, detail := d.Available(ctx); !ok {
		return nil, orchestrator.NewResourceError(
			orchestrator.ReasonBackendUnavailable, detail, nil,
		).WithSite(handle.SiteID).WithOperation("start")
	}

	// Double-start guard: a live process for this site keeps serving.
	if alive, _ := d.Liveness(ctx, handle); alive {
		pid, _ := d.readPID(handle)
		return &orchestrator.RunningInfo{
			Port: port,
			PID:  pid,
			URL:  fmt.Sprintf("http://127.0.0.1:%d", port),
		}, nil
	}

	addr := fmt.Sprintf("127.0.0.1:%d", port)
	cmd := exec.Command(d.cfg.PHPBinary, "-S", addr, "-t", handle.Paths.DocRoot)
	cmd.Dir = handle.Paths.DocRoot
	cmd.Env = append(os.Environ(), d.databaseEnv(handle)...)
	// Detach so the server survives short-lived CLI invocations.
	cmd.SysProcAttr = &syscall.SysProcAttr{Setsid: true}

	logFile, err := os.OpenFile(
		filepath.Join(handle.Paths.Runtime, logFileName),
		os.O_CREATE|os.O_WRONLY|os.O_APPEND, 0644,
	)
	if err != nil {
		return nil, fmt.Errorf("failed to open server log: %w", err)
	}
	cmd.Stdout = logFile
	cmd.Stderr = logFile

	if err := cmd.Start(); err != nil {
		_ = logFile.Close()
		return nil, orchestrator.NewResourceError(
			orchestrator.ReasonProcessSpawnFailure,
			"failed to spawn php development server",
			err,
		).WithSite(handle.SiteID).WithOperation("start")
	}
	_ = logFile.Close()

	pid := cmd.Process.Pid
	if err := d.writePID(handle, pid); err != nil {
		_ = cmd.Process.Kill()
		return nil, err
	}

	// Reap the child when it exits so it never lingers as a zombie.
	go func() { _ = cmd.Wait() }()

	if err := d.waitReachable(ctx, addr, pid); err != nil {
		_ = d.Stop(context.Background(), handle)
		return nil, err
	}

	d.log.WithSiteID(handle.SiteID).WithPort(port).WithField("pid", pid).Info("php development server started")

	return &orchestrator.RunningInfo{
		Port: port,
		PID:  pid,
		URL:  fmt.Sprintf("http://127.0.0.1:%d", port),
	}, nil
}

// Stop terminates the site's server process gracefully, killing it after
// the stop timeout. Stopping an already stopped site is a no-op.
func (d *Driver) Stop(ctx context.Context, handle *orchestrator.Handle) error {
	pid, err := d.readPID(handle)
	if err != nil || pid == 0 {
		return nil
	}

	proc, err := process.NewProcess(int32(pid))
	if err != nil {
		// Process is already gone
		d.clearPID(handle)
		return nil
	}

	if err := proc.TerminateWithContext(ctx); err != nil {
		d.log.WithSiteID(handle.SiteID).WithError(err).Warn("graceful termination failed, killing")
		_ = proc.KillWithContext(ctx)
		d.clearPID(handle)
		return nil
	}

	deadline := time.Now().Add(d.cfg.StopTimeout)
	for time.Now().Before(deadline) {
		if exists, _ := process.PidExistsWithContext(ctx, int32(pid)); !exists {
			d.clearPID(handle)
			return nil
		}
		select {
		case <-ctx.Done():
			_ = proc.KillWithContext(context.Background())
			d.clearPID(handle)
			return nil
		case <-time.After(100 * time.Millisecond):
		}
	}

	_ = proc.KillWithContext(ctx)
	d.clearPID(handle)
	return nil
}

// Destroy removes this backend's resources: the server process, its pid
// and log files, and the MySQL schema when one exists. The runtime
// directory is shared with the other backend during a migration, so only
// this driver's own artifacts are removed; the site's content directory is
// never touched.
func (d *Driver) Destroy(ctx context.Context, handle *orchestrator.Handle) error {
	if err := d.Stop(ctx, handle); err != nil {
		return err
	}

	if handle.Config.DatabaseEngine == orchestrator.DatabaseMySQL {
		if err := d.dropSchema(ctx, schemaName(handle.SiteID)); err != nil {
			// Schema removal is best effort; the shared server may be down.
			d.log.WithSiteID(handle.SiteID).WithError(err).Warn("failed to drop mysql schema")
		}
	}

	_ = os.Remove(d.pidPath(handle))
	_ = os.Remove(filepath.Join(handle.Paths.Runtime, logFileName))
	if err := os.RemoveAll(filepath.Join(handle.Paths.Runtime, exportDir)); err != nil {
		return fmt.Errorf("failed to remove export directory: %w", err)
	}
	return nil
}

// Clone provisions resources for target and copies the source database
// into them. SQLite files live inside the site content and are covered by
// the orchestrator's content copy.
func (d *Driver) Clone(ctx context.Context, handle *orchestrator.Handle, target *orchestrator.SiteRecord) (*orchestrator.Handle, error) {
	targetHandle, err := d.Provision(ctx, target)
	if err != nil {
		return nil, err
	}

	if handle.Config.DatabaseEngine == orchestrator.DatabaseMySQL {
		dump, err := d.Export(ctx, handle)
		if err != nil {
			return nil, err
		}
		if err := d.Import(ctx, targetHandle, dump); err != nil {
			return nil, err
		}
	}
	return targetHandle, nil
}

// Export writes the site's database to a neutral dump inside the runtime
// directory and returns the dump path.
func (d *Driver) Export(ctx context.Context, handle *orchestrator.Handle) (string, error) {
	dir := filepath.Join(handle.Paths.Runtime, exportDir)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	switch handle.Config.DatabaseEngine {
	case orchestrator.DatabaseSQLite:
		src := filepath.Join(handle.Paths.Root, sqliteDBDir, sqliteDBFile)
		if _, err := os.Stat(src); os.IsNotExist(err) {
			// WordPress creates the database file on first request; a site
			// that never served has nothing to dump.
			return "", nil
		}
		dst := filepath.Join(dir, sqliteDBFile)
		if err := copyFile(src, dst); err != nil {
			return "", fmt.Errorf("failed to export sqlite database: %w", err)
		}
		return dst, nil

	case orchestrator.DatabaseMySQL:
		dst := filepath.Join(dir, "database.sql")
		out, err := os.Create(dst)
		if err != nil {
			return "", fmt.Errorf("failed to create dump file: %w", err)
		}
		defer out.Close()

		cmd := exec.CommandContext(ctx, "mysqldump",
			d.mysqlArgs(schemaName(handle.SiteID))...)
		cmd.Stdout = out
		if err := cmd.Run(); err != nil {
			return "", fmt.Errorf("mysqldump failed: %w", err)
		}
		return dst, nil
	}

	return "", fmt.Errorf("unknown database engine: %s", handle.Config.DatabaseEngine)
}

// Import loads a previously exported dump into the site's database. An
// empty dump path means the source had nothing to export and is a no-op.
func (d *Driver) Import(ctx context.Context, handle *orchestrator.Handle, dumpPath string) error {
	if dumpPath == "" {
		return nil
	}

	switch handle.Config.DatabaseEngine {
	case orchestrator.DatabaseSQLite:
		dst := filepath.Join(handle.Paths.Root, sqliteDBDir, sqliteDBFile)
		if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
			return fmt.Errorf("failed to create database directory: %w", err)
		}
		if err := copyFile(dumpPath, dst); err != nil {
			return fmt.Errorf("failed to import sqlite database: %w", err)
		}
		return nil

	case orchestrator.DatabaseMySQL:
		schema := schemaName(handle.SiteID)
		if err := d.ensureSchema(ctx, schema); err != nil {
			return err
		}
		in, err := os.Open(dumpPath)
		if err != nil {
			return fmt.Errorf("failed to open dump file: %w", err)
		}
		defer in.Close()

		cmd := exec.CommandContext(ctx, "mysql", d.mysqlArgs(schema)...)
		cmd.Stdin = in
		if out, err := cmd.CombinedOutput(); err != nil {
			return fmt.Errorf("mysql import failed: %w: %s", err, strings.TrimSpace(string(out)))
		}
		return nil
	}

	return fmt.Errorf("unknown database engine: %s", handle.Config.DatabaseEngine)
}

// Liveness reports whether the site's server process is actually running.
func (d *Driver) Liveness(ctx context.Context, handle *orchestrator.Handle) (bool, error) {
	pid, err := d.readPID(handle)
	if err != nil || pid == 0 {
		return false, nil
	}

	exists, err := process.PidExistsWithContext(ctx, int32(pid))
	if err != nil || !exists {
		return false, nil
	}

	// Guard against PID reuse: the process must still be a PHP server.
	proc, err := process.NewProcessWithContext(ctx, int32(pid))
	if err != nil {
		return false, nil
	}
	name, err := proc.NameWithContext(ctx)
	if err != nil {
		return false, nil
	}
	return strings.Contains(strings.ToLower(name), "php"), nil
}

// waitReachable polls the server address until it accepts a TCP
// connection, the process dies, or the context expires.
func (d *Driver) waitReachable(ctx context.Context, addr string, pid int) error {
	for {
		conn, err := net.DialTimeout("tcp", addr, 250*time.Millisecond)
		if err == nil {
			return conn.Close()
		}

		if exists, _ := process.PidExistsWithContext(ctx, int32(pid)); !exists {
			return orchestrator.NewResourceError(
				orchestrator.ReasonProcessSpawnFailure,
				"php development server exited before becoming reachable",
				nil,
			)
		}

		select {
		case <-ctx.Done():
			return orchestrator.NewResourceError(
				orchestrator.ReasonStartTimeout,
				"php development server did not become reachable",
				ctx.Err(),
			)
		case <-time.After(250 * time.Millisecond):
		}
	}
}

// databaseEnv produces the WordPress database environment for the server
// process.
func (d *Driver) databaseEnv(handle *orchestrator.Handle) []string {
	if handle.Config.DatabaseEngine == orchestrator.DatabaseSQLite {
		return []string{
			"DB_ENGINE=sqlite",
			"DB_DIR=" + filepath.Join(handle.Paths.Root, sqliteDBDir),
			"DB_FILE=" + sqliteDBFile,
		}
	}
	return []string{
		"DB_ENGINE=mysql",
		"DB_NAME=" + schemaName(handle.SiteID),
		"DB_HOST=" + fmt.Sprintf("%s:%d", d.cfg.MySQL.Host, d.cfg.MySQL.Port),
		"DB_USER=" + d.cfg.MySQL.User,
		"DB_PASSWORD=" + d.cfg.MySQL.Password,
	}
}

// ensureSchema creates the site's MySQL schema if it does not exist.
func (d *Driver) ensureSchema(ctx context.Context, schema string) error {
	return d.mysqlExec(ctx, fmt.Sprintf("CREATE DATABASE IF NOT EXISTS `%s`", schema))
}

// dropSchema removes the site's MySQL schema.
func (d *Driver) dropSchema(ctx context.Context, schema string) error {
	return d.mysqlExec(ctx, fmt.Sprintf("DROP DATABASE IF EXISTS `%s`", schema))
}

// mysqlExec runs a statement against the shared MySQL server.
func (d *Driver) mysqlExec(ctx context.Context, statement string) error {
	args := append(d.mysqlArgs(""), "-e", statement)
	cmd := exec.CommandContext(ctx, "mysql", args...)
	if out, err := cmd.CombinedOutput(); err != nil {
		return orchestrator.NewResourceError(
			orchestrator.ReasonBackendUnavailable,
			fmt.Sprintf("mysql statement failed: %s", strings.TrimSpace(string(out))),
			err,
		)
	}
	return nil
}

// mysqlArgs builds the common mysql/mysqldump connection arguments.
func (d *Driver) mysqlArgs(schema string) []string {
	args := []string{
		"--host", d.cfg.MySQL.Host,
		"--port", strconv.Itoa(d.cfg.MySQL.Port),
		"--user", d.cfg.MySQL.User,
	}
	if d.cfg.MySQL.Password != "" {
		args = append(args, "--password="+d.cfg.MySQL.Password)
	}
	if schema != "" {
		args = append(args, schema)
	}
	return args
}

// pidPath returns the PID file location for a handle.
func (d *Driver) pidPath(handle *orchestrator.Handle) string {
	return filepath.Join(handle.Paths.Runtime, pidFileName)
}

// writePID records the server process ID.
func (d *Driver) writePID(handle *orchestrator.Handle, pid int) error {
	if err := os.MkdirAll(handle.Paths.Runtime, 0755); err != nil {
		return fmt.Errorf("failed to create runtime directory: %w", err)
	}
	if err := os.WriteFile(d.pidPath(handle), []byte(strconv.Itoa(pid)), 0644); err != nil {
		return fmt.Errorf("failed to write pid file: %w", err)
	}
	return nil
}

// readPID reads the recorded server process ID, zero when absent.
func (d *Driver) readPID(handle *orchestrator.Handle) (int, error) {
	data, err := os.ReadFile(d.pidPath(handle))
	if err != nil {
		if os.IsNotExist(err) {
			return 0, nil
		}
		return 0, err
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil {
		return 0, fmt.Errorf("corrupt pid file: %w", err)
	}
	return pid, nil
}

// clearPID removes the PID file.
func (d *Driver) clearPID(handle *orchestrator.Handle) {
	_ = os.Remove(d.pidPath(handle))
}

// schemaName derives the per-site MySQL schema name from the site ID.
func schemaName(siteID string) string {
	id := strings.ReplaceAll(siteID, "-", "")
	if len(id) > 12 {
		id = id[:12]
	}
	return "site_" + id
}

// copyFile copies src to dst, overwriting dst.
func copyFile(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	if _, err := io.Copy(out, in); err != nil {
		return err
	}
	return out.Sync()
}
