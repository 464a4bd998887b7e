// Package container implements the containerized backend driver. A site
// runs as a compose-managed stack (web server, PHP-FPM, optional database)
// driven through the docker or podman CLI.
package container

import (
	"bytes"
	"context"
	"fmt"
	"os"
	"os/exec"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/pressbox/pressbox/pkg/orchestrator"
	"github.com/pressbox/pressbox/pkg/telemetry"
)

// Config holds container driver configuration.
type Config struct {
	// Runtime forces a specific container runtime binary ("docker" or
	// "podman"). Auto-detected when empty.
	Runtime string `yaml:"runtime"`

	// UpTimeout bounds how long a stack may take to come up.
	UpTimeout time.Duration `yaml:"up_timeout"`
}

// Driver runs sites as compose-managed container stacks.
type Driver struct {
	cfg Config
	log *telemetry.Logger

	detectOnce sync.Once
	runtime    string
	detectErr  string

	// run executes a runtime command and returns combined output. Swapped
	// out in tests.
	run func(ctx context.Context, dir string, args ...string) ([]byte, error)
}

// NewDriver creates a container driver.
func NewDriver(cfg Config, tel *telemetry.Telemetry) *Driver {
	if cfg.UpTimeout == 0 {
		cfg.UpTimeout = 2 * time.Minute
	}
	d := &Driver{
		cfg: cfg,
		log: tel.Logger.NewComponentLogger("driver.container"),
	}
	d.run = d.runCommand
	return d
}

// Environment returns the backend this driver implements.
func (d *Driver) Environment() orchestrator.Environment {
	return orchestrator.EnvironmentContainer
}

// Available reports whether a usable container runtime is present.
func (d *Driver) Available(ctx context.Context) (bool, string) {
	rt, detail := d.detectRuntime(ctx)
	return rt != "", detail
}

// detectRuntime finds a container runtime once and caches the result.
// Having the binary on PATH is not enough: the daemon (or podman machine)
// must answer.
func (d *Driver) detectRuntime(ctx context.Context) (string, string) {
	d.detectOnce.Do(func() {
		candidates := []string{"docker", "podman"}
		if d.cfg.Runtime != "" {
			candidates = []string{d.cfg.Runtime}
		}

		var reasons []string
		for _, candidate := range candidates {
			if _, err := exec.LookPath(candidate); err != nil {
				reasons = append(reasons, fmt.Sprintf("%s not on PATH", candidate))
				continue
			}
			if _, err := d.run(ctx, "", candidate, "info", "--format", "{{.ServerVersion}}"); err != nil {
				reasons = append(reasons, fmt.Sprintf("%s installed but not responding", candidate))
				continue
			}
			d.runtime = candidate
			return
		}
		d.detectErr = strings.Join(reasons, "; ")
	})
	return d.runtime, d.detectErr
}

// compose runs a compose subcommand against the site's stack.
func (d *Driver) compose(ctx context.Context, handle *orchestrator.Handle, args ...string) ([]byte, error) {
	rt, detail := d.detectRuntime(ctx)
	if rt == "" {
		return nil, orchestrator.NewResourceError(
			orchestrator.ReasonBackendUnavailable, detail, nil,
		).WithSite(handle.SiteID)
	}

	full := append([]string{rt, "compose", "-f", filepath.Join(handle.Paths.Runtime, composeFileName)}, args...)
	return d.run(ctx, handle.Paths.Runtime, full...)
}

// runCommand executes a command and returns its combined output.
func (d *Driver) runCommand(ctx context.Context, dir string, args ...string) ([]byte, error) {
	cmd := exec.CommandContext(ctx, args[0], args[1:]...)
	if dir != "" {
		cmd.Dir = dir
	}
	var buf bytes.Buffer
	cmd.Stdout = &buf
	cmd.Stderr = &buf
	err := cmd.Run()
	return buf.Bytes(), err
}

// Provision writes the site's compose specification and web server config.
// The stack is not started. Idempotent.
func (d *Driver) Provision(ctx context.Context, record *orchestrator.SiteRecord) (*orchestrator.Handle, error) {
	handle := orchestrator.HandleFor(record)
	handle.Environment = orchestrator.EnvironmentContainer

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

	// Port 0 in the spec is a placeholder; Start rewrites it with the
	// reserved port before bringing the stack up.
	if _, err := writeSpec(handle, record.Port); err != nil {
		return nil, err
	}

	d.log.WithSiteID(record.ID).Debug("provisioned compose stack specification")
	return handle, nil
}

// Start brings the stack up bound to port and waits for the web service to
// report running.
func (d *Driver) Start(ctx context.Context, handle *orchestrator.Handle, port int) (*orchestrator.RunningInfo, error) {
	if _, err := writeSpec(handle, port); err != nil {
		return nil, err
	}

	upCtx, cancel := context.WithTimeout(ctx, d.cfg.UpTimeout)
	defer cancel()

	if out, err := d.compose(upCtx, handle, "up", "-d", "--wait"); err != nil {
		if upCtx.Err() == context.DeadlineExceeded {
			_ = d.Stop(context.Background(), handle)
			return nil, orchestrator.NewResourceError(
				orchestrator.ReasonStartTimeout,
				"container stack did not become ready",
				err,
			).WithSite(handle.SiteID).WithOperation("start")
		}
		return nil, orchestrator.NewResourceError(
			orchestrator.ReasonProcessSpawnFailure,
			fmt.Sprintf("compose up failed: %s", firstLine(out)),
			err,
		).WithSite(handle.SiteID).WithOperation("start")
	}

	d.log.WithSiteID(handle.SiteID).WithPort(port).Info("container stack started")

	return &orchestrator.RunningInfo{
		Port: port,
		URL:  fmt.Sprintf("http://127.0.0.1:%d", port),
	}, nil
}

// Stop stops the stack's containers, preserving volumes. A stack that is
// already down is a no-op.
func (d *Driver) Stop(ctx context.Context, handle *orchestrator.Handle) error {
	if !d.specExists(handle) {
		return nil
	}
	if out, err := d.compose(ctx, handle, "stop"); err != nil {
		return orchestrator.NewResourceError(
			orchestrator.ReasonBackendUnavailable,
			fmt.Sprintf("compose stop failed: %s", firstLine(out)),
			err,
		).WithSite(handle.SiteID).WithOperation("stop")
	}
	return nil
}

// Destroy removes the stack, its volumes, and the generated compose and
// web server files. The runtime directory is shared with the other backend
// during a migration, so only this driver's own artifacts are removed; the
// site's content directory is never touched.
func (d *Driver) Destroy(ctx context.Context, handle *orchestrator.Handle) error {
	if d.specExists(handle) {
		if out, err := d.compose(ctx, handle, "down", "-v", "--remove-orphans"); err != nil {
			return orchestrator.NewResourceError(
				orchestrator.ReasonBackendUnavailable,
				fmt.Sprintf("compose down failed: %s", firstLine(out)),
				err,
			).WithSite(handle.SiteID).WithOperation("destroy")
		}
	}
	for _, name := range []string{composeFileName, "nginx.conf", "Caddyfile"} {
		_ = os.Remove(filepath.Join(handle.Paths.Runtime, name))
	}
	if err := os.RemoveAll(filepath.Join(handle.Paths.Runtime, "export")); err != nil {
		return fmt.Errorf("failed to remove export directory: %w", err)
	}
	return nil
}

// Clone provisions a stack for target and copies the source database into
// it via export and import.
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

// Export dumps the site's database into the runtime directory and returns
// the dump path. MySQL dumps require the database container to be up.
func (d *Driver) Export(ctx context.Context, handle *orchestrator.Handle) (string, error) {
	dir := filepath.Join(handle.Paths.Runtime, "export")
	if err := os.MkdirAll(dir, 0755); err != nil {
		return "", fmt.Errorf("failed to create export directory: %w", err)
	}

	if handle.Config.DatabaseEngine == orchestrator.DatabaseSQLite {
		// SQLite lives inside the site content; nothing backend-side to dump.
		return "", nil
	}

	dst := filepath.Join(dir, "database.sql")
	out, err := d.compose(ctx, handle, "exec", "-T", "db",
		"mysqldump", "--user=wordpress", "--password=wordpress", "wordpress")
	if err != nil {
		return "", orchestrator.NewResourceError(
			orchestrator.ReasonBackendUnavailable,
			fmt.Sprintf("database dump failed: %s", firstLine(out)),
			err,
		).WithSite(handle.SiteID).WithOperation("export")
	}
	if err := os.WriteFile(dst, out, 0644); err != nil {
		return "", fmt.Errorf("failed to write dump file: %w", err)
	}
	return dst, nil
}

// Import loads a previously exported dump into the stack's database
// container. The stack must be up.
func (d *Driver) Import(ctx context.Context, handle *orchestrator.Handle, dumpPath string) error {
	if handle.Config.DatabaseEngine == orchestrator.DatabaseSQLite || dumpPath == "" {
		return nil
	}

	dump, err := os.ReadFile(dumpPath)
	if err != nil {
		return fmt.Errorf("failed to read dump file: %w", err)
	}

	// exec -T reads the dump from stdin via a shell redirect inside the
	// container; feeding it through the runtime keeps this path-agnostic.
	rt, detail := d.detectRuntime(ctx)
	if rt == "" {
		return orchestrator.NewResourceError(
			orchestrator.ReasonBackendUnavailable, detail, nil,
		).WithSite(handle.SiteID).WithOperation("import")
	}

	cmd := exec.CommandContext(ctx, rt, "compose",
		"-f", filepath.Join(handle.Paths.Runtime, composeFileName),
		"exec", "-T", "db",
		"mysql", "--user=wordpress", "--password=wordpress", "wordpress")
	cmd.Dir = handle.Paths.Runtime
	cmd.Stdin = bytes.NewReader(dump)
	if out, err := cmd.CombinedOutput(); err != nil {
		return orchestrator.NewResourceError(
			orchestrator.ReasonBackendUnavailable,
			fmt.Sprintf("database import failed: %s", firstLine(out)),
			err,
		).WithSite(handle.SiteID).WithOperation("import")
	}
	return nil
}

// Liveness reports whether the stack's web service is running.
func (d *Driver) Liveness(ctx context.Context, handle *orchestrator.Handle) (bool, error) {
	if !d.specExists(handle) {
		return false, nil
	}
	out, err := d.compose(ctx, handle, "ps", "--services", "--filter", "status=running")
	if err != nil {
		return false, nil
	}
	for _, svc := range strings.Fields(string(out)) {
		if svc == "web" {
			return true, nil
		}
	}
	return false, nil
}

// specExists reports whether the site has a generated compose spec.
func (d *Driver) specExists(handle *orchestrator.Handle) bool {
	_, err := os.Stat(filepath.Join(handle.Paths.Runtime, composeFileName))
	return err == nil
}

// firstLine trims command output to its first non-empty line for error
// messages.
func firstLine(out []byte) string {
	for _, line := range strings.Split(string(out), "\n") {
		if trimmed := strings.TrimSpace(line); trimmed != "" {
			return trimmed
		}
	}
	return "no output"
}
