package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"time"

	"github.com/go-playground/validator/v10"
	"github.com/google/uuid"

	"github.com/pressbox/pressbox/pkg/telemetry"
)

// Policy holds the tunable operational constants of the orchestrator.
// Health settings may be hot-reloaded; the rest is fixed at startup.
type Policy struct {
	// StartTimeout bounds how long a site start may take before it is
	// force-transitioned to Error.
	StartTimeout time.Duration `yaml:"start_timeout"`

	// HealthInterval is the health monitor probe interval.
	HealthInterval time.Duration `yaml:"health_interval"`

	// HealthFailureThreshold is the consecutive-failure count that moves a
	// running site to Error.
	HealthFailureThreshold int `yaml:"health_failure_threshold"`

	// HealthProbeTimeout bounds a single reachability probe.
	HealthProbeTimeout time.Duration `yaml:"health_probe_timeout"`

	// HealthWorkers caps concurrent health probes.
	HealthWorkers int `yaml:"health_workers"`

	// MigrationProbeAttempts bounds the health probes run against a
	// migrated site before declaring the migration failed.
	MigrationProbeAttempts uint64 `yaml:"migration_probe_attempts"`

	// MigrationProbeInterval is the initial backoff interval between
	// migration health probes.
	MigrationProbeInterval time.Duration `yaml:"migration_probe_interval"`
}

// DefaultPolicy returns the default operational policy.
func DefaultPolicy() Policy {
	return Policy{
		StartTimeout:           60 * time.Second,
		HealthInterval:         15 * time.Second,
		HealthFailureThreshold: 3,
		HealthProbeTimeout:     3 * time.Second,
		HealthWorkers:          8,
		MigrationProbeAttempts: 10,
		MigrationProbeInterval: 500 * time.Millisecond,
	}
}

// Manager is the orchestrator facade consumed by the CLI and any future UI
// bridge. It composes the registry, port allocator, lifecycle state
// machine, drivers, migration coordinator, and health monitor. Construct
// one instance and pass it explicitly.
type Manager struct {
	store     Store
	drivers   map[Environment]Driver
	allocator PortAllocator
	prober    Prober
	locks     *LockTable
	tel       *telemetry.Telemetry
	log       *telemetry.Logger
	validate  *validator.Validate
	sitesDir  string

	mu         sync.RWMutex
	defaultEnv Environment
	policy     Policy
}

// ManagerConfig assembles a Manager's collaborators.
type ManagerConfig struct {
	Store      Store
	Drivers    []Driver
	Allocator  PortAllocator
	Prober     Prober
	Telemetry  *telemetry.Telemetry
	SitesDir   string
	DefaultEnv Environment
	Policy     Policy
}

// NewManager creates the orchestrator facade.
func NewManager(cfg ManagerConfig) (*Manager, error) {
	if cfg.Store == nil {
		return nil, fmt.Errorf("store is required")
	}
	if len(cfg.Drivers) == 0 {
		return nil, fmt.Errorf("at least one driver is required")
	}
	if cfg.SitesDir == "" {
		return nil, fmt.Errorf("sites directory is required")
	}

	drivers := make(map[Environment]Driver, len(cfg.Drivers))
	for _, d := range cfg.Drivers {
		drivers[d.Environment()] = d
	}

	defaultEnv := cfg.DefaultEnv
	if defaultEnv == "" {
		defaultEnv = EnvironmentLocal
	}
	if _, ok := drivers[defaultEnv]; !ok {
		return nil, fmt.Errorf("no driver for default environment %s", defaultEnv)
	}

	policy := cfg.Policy
	if policy.StartTimeout == 0 {
		policy = DefaultPolicy()
	}

	prober := cfg.Prober
	if prober == nil {
		prober = NewHTTPProber(policy.HealthProbeTimeout)
	}

	tel := cfg.Telemetry
	if tel == nil {
		tel = telemetry.Noop()
	}

	return &Manager{
		store:      cfg.Store,
		drivers:    drivers,
		allocator:  cfg.Allocator,
		prober:     prober,
		locks:      NewLockTable(),
		tel:        tel,
		log:        tel.Logger.NewComponentLogger("orchestrator"),
		validate:   validator.New(),
		sitesDir:   cfg.SitesDir,
		defaultEnv: defaultEnv,
		policy:     policy,
	}, nil
}

// Policy returns the current operational policy.
func (m *Manager) Policy() Policy {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.policy
}

// UpdatePolicy replaces the mutable policy settings. Used by the config
// watcher on hot reload.
func (m *Manager) UpdatePolicy(p Policy) {
	m.mu.Lock()
	defer m.mu.Unlock()
	m.policy = p
	m.log.WithField("health_interval", p.HealthInterval.String()).Info("operational policy updated")
}

// GetCapabilities reports which backends can run sites on this host and
// which is the current default.
func (m *Manager) GetCapabilities(ctx context.Context) Capabilities {
	caps := Capabilities{}
	current := m.CurrentEnvironment()

	if d, ok := m.drivers[EnvironmentLocal]; ok {
		available, detail := d.Available(ctx)
		caps.Local = BackendCapability{
			Available: available,
			Preferred: current == EnvironmentLocal,
			Detail:    detail,
		}
	}
	if d, ok := m.drivers[EnvironmentContainer]; ok {
		available, detail := d.Available(ctx)
		caps.Container = BackendCapability{
			Available: available,
			Preferred: current == EnvironmentContainer,
			Detail:    detail,
		}
	}
	return caps
}

// CurrentEnvironment returns the default backend for new sites.
func (m *Manager) CurrentEnvironment() Environment {
	m.mu.RLock()
	defer m.mu.RUnlock()
	return m.defaultEnv
}

// SwitchEnvironment changes the default backend for new sites. Existing
// sites are unaffected; moving one requires a migration.
func (m *Manager) SwitchEnvironment(ctx context.Context, target Environment) error {
	if !target.Valid() {
		return NewValidationError(
			ReasonValidationError,
			fmt.Sprintf("unknown environment %q", target),
			nil,
		)
	}
	d, ok := m.drivers[target]
	if !ok {
		return NewResourceError(
			ReasonBackendUnavailable,
			fmt.Sprintf("no driver registered for environment %s", target),
			nil,
		)
	}
	if available, detail := d.Available(ctx); !available {
		return NewResourceError(ReasonBackendUnavailable, detail, nil)
	}

	m.mu.Lock()
	m.defaultEnv = target
	m.mu.Unlock()

	m.log.WithEnvironment(string(target)).Info("default environment switched")
	return nil
}

// CreateSite validates the request, resolves configuration defaults once,
// persists the record, and provisions backend resources. The new site is
// Stopped.
func (m *Manager) CreateSite(ctx context.Context, req CreateSiteRequest) (*SiteRecord, error) {
	op := m.tel.StartOperation(ctx, "", "create")
	record, err := m.createSite(op.Ctx, req)
	op.End(err)
	m.recordOutcome("create", string(req.Environment), err)
	if err != nil {
		return nil, err
	}
	_ = m.tel.Events.PublishSiteCreated(record.ID, record.Domain, string(record.Environment))
	return record, nil
}

func (m *Manager) createSite(ctx context.Context, req CreateSiteRequest) (*SiteRecord, error) {
	// Config is validated separately below, after defaults are resolved;
	// unset fields in the request are not errors.
	if err := m.validate.StructExcept(req, "Config"); err != nil {
		return nil, NewValidationError(ReasonValidationError, "invalid site request", err)
	}

	env := req.Environment
	if env == "" {
		env = m.CurrentEnvironment()
	}
	driver, err := m.driverFor(env)
	if err != nil {
		return nil, err
	}

	domain := req.Domain
	if domain == "" {
		domain = DeriveDomain(req.Name)
	}

	config := resolveConfigDefaults(req.Config, env)
	if err := m.validate.Struct(config); err != nil {
		return nil, NewValidationError(ReasonValidationError, "invalid site configuration", err)
	}

	id := uuid.New().String()
	root := filepath.Join(m.sitesDir, slugify(req.Name)+"-"+id[:8])
	record := &SiteRecord{
		ID:          id,
		Name:        req.Name,
		Domain:      domain,
		Environment: env,
		Status:      StatusStopped,
		Config:      config,
		Paths: SitePaths{
			Root:    root,
			DocRoot: filepath.Join(root, "app"),
			Runtime: filepath.Join(root, "runtime"),
		},
		CreatedAt: time.Now(),
		Version:   1,
	}

	if err := m.store.Create(ctx, record); err != nil {
		return nil, err
	}

	if _, err := m.callDriver(driver, "provision", func() error {
		_, provErr := driver.Provision(ctx, record)
		return provErr
	}); err != nil {
		// Creation is all-or-nothing: no record without resources.
		_ = m.store.Remove(context.Background(), record.ID)
		_ = os.RemoveAll(record.Paths.Root)
		return nil, err
	}

	m.log.WithSiteID(record.ID).WithDomain(record.Domain).WithEnvironment(string(env)).Info("site created")
	return record, nil
}

// StartSite brings a site to Running. Legal from Stopped or Error; a
// second start while one is in flight returns OperationInProgress.
func (m *Manager) StartSite(ctx context.Context, id string) (*SiteRecord, error) {
	release, err := m.locks.Acquire(id, "start")
	if err != nil {
		return nil, err
	}
	defer release()

	op := m.tel.StartOperation(ctx, id, "start")
	record, err := m.startLocked(op.Ctx, id)
	op.End(err)
	env := ""
	if record != nil {
		env = string(record.Environment)
	}
	m.recordOutcome("start", env, err)
	return record, err
}

func (m *Manager) startLocked(ctx context.Context, id string) (*SiteRecord, error) {
	record, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if err := CheckTransition(record.Status, StatusStarting); err != nil {
		return record, err
	}
	driver, err := m.driverFor(record.Environment)
	if err != nil {
		return record, err
	}
	if available, detail := driver.Available(ctx); !available {
		// The record stays Stopped: nothing was touched.
		return record, NewResourceError(ReasonBackendUnavailable, detail, nil).
			WithSite(id).WithOperation("start")
	}

	record, err = m.transition(ctx, id, StatusStarting, "")
	if err != nil {
		return record, err
	}

	port, err := m.allocator.Reserve(record.Port)
	if err != nil {
		failed, _ := m.transition(ctx, id, StatusError, ReasonOf(err))
		return failed, err
	}

	info, err := m.startDriver(ctx, driver, record, port)
	if err != nil && IsReason(err, ReasonPortConflict) {
		// One internal reassignment retry on a port conflict.
		m.allocator.Release(port)
		if port, err = m.allocator.Reserve(0); err == nil {
			info, err = m.startDriver(ctx, driver, record, port)
		}
	}
	if err != nil {
		m.allocator.Release(port)
		handle := HandleFor(record)
		_ = driver.Stop(context.Background(), handle)
		failed, _ := m.transition(ctx, id, StatusError, startFailureReason(ctx, err))
		return failed, err
	}

	running, err := m.store.Update(ctx, id, func(r *SiteRecord) error {
		if err := CheckTransition(r.Status, StatusRunning); err != nil {
			return err
		}
		r.Status = StatusRunning
		r.StatusReason = ""
		r.Port = info.Port
		r.LastAccessed = time.Now()
		return nil
	})
	if err != nil {
		// The driver came up but the record could not be committed. Undo
		// the start so neither the process nor the port leaks; the record
		// stays Starting and a subsequent stop settles it.
		m.allocator.Release(info.Port)
		_ = driver.Stop(context.Background(), HandleFor(record))
		return nil, err
	}

	m.publishStateChange(record, running)
	m.log.WithSiteID(id).WithPort(info.Port).Info("site running")
	return running, nil
}

// startDriver invokes driver.Start under the policy start timeout.
func (m *Manager) startDriver(ctx context.Context, driver Driver, record *SiteRecord, port int) (*RunningInfo, error) {
	startCtx, cancel := context.WithTimeout(ctx, m.Policy().StartTimeout)
	defer cancel()

	var info *RunningInfo
	_, err := m.callDriver(driver, "start", func() error {
		var startErr error
		info, startErr = driver.Start(startCtx, HandleFor(record), port)
		return startErr
	})
	return info, err
}

// startFailureReason maps a start failure to its record reason, folding
// context expiry into StartTimeout.
func startFailureReason(ctx context.Context, err error) Reason {
	if ctx.Err() != nil || errors.Is(err, context.DeadlineExceeded) {
		return ReasonStartTimeout
	}
	if reason := ReasonOf(err); reason != "" {
		return reason
	}
	return ReasonInternal
}

// StopSite brings a site to Stopped. Legal from Running, Starting, or
// Error. Teardown errors are logged and the record still lands Stopped.
func (m *Manager) StopSite(ctx context.Context, id string) (*SiteRecord, error) {
	release, err := m.locks.Acquire(id, "stop")
	if err != nil {
		return nil, err
	}
	defer release()

	op := m.tel.StartOperation(ctx, id, "stop")
	record, err := m.stopLocked(op.Ctx, id)
	op.End(err)
	env := ""
	if record != nil {
		env = string(record.Environment)
	}
	m.recordOutcome("stop", env, err)
	return record, err
}

func (m *Manager) stopLocked(ctx context.Context, id string) (*SiteRecord, error) {
	record, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if record.Status == StatusStopped {
		return record, nil
	}
	if err := CheckTransition(record.Status, StatusStopping); err != nil {
		return record, err
	}
	driver, err := m.driverFor(record.Environment)
	if err != nil {
		return record, err
	}

	record, err = m.transition(ctx, id, StatusStopping, "")
	if err != nil {
		return record, err
	}

	if _, err := m.callDriver(driver, "stop", func() error {
		return driver.Stop(ctx, HandleFor(record))
	}); err != nil {
		// Best effort: the record still lands Stopped.
		m.log.WithSiteID(id).WithError(err).Warn("driver teardown failed")
	}

	if record.Port != 0 {
		m.allocator.Release(record.Port)
	}

	stopped, err := m.store.Update(ctx, id, func(r *SiteRecord) error {
		if err := CheckTransition(r.Status, StatusStopped); err != nil {
			return err
		}
		r.Status = StatusStopped
		r.StatusReason = ""
		r.Port = 0
		return nil
	})
	if err != nil {
		return nil, err
	}

	m.publishStateChange(record, stopped)
	m.log.WithSiteID(id).Info("site stopped")
	return stopped, nil
}

// DeleteSite removes a site's record and backend resources, forcing a stop
// first when the site is not Stopped. The site's content directory is
// removed last.
func (m *Manager) DeleteSite(ctx context.Context, id string) error {
	release, err := m.locks.Acquire(id, "delete")
	if err != nil {
		return err
	}
	defer release()

	op := m.tel.StartOperation(ctx, id, "delete")
	err = m.deleteLocked(op.Ctx, id)
	op.End(err)
	m.recordOutcome("delete", "", err)
	return err
}

func (m *Manager) deleteLocked(ctx context.Context, id string) error {
	record, err := m.store.Get(ctx, id)
	if err != nil {
		return err
	}

	if record.Status != StatusStopped {
		if record, err = m.stopLocked(ctx, id); err != nil {
			return err
		}
	}

	driver, err := m.driverFor(record.Environment)
	if err != nil {
		return err
	}
	if _, err := m.callDriver(driver, "destroy", func() error {
		return driver.Destroy(ctx, HandleFor(record))
	}); err != nil {
		return err
	}

	if err := m.store.Remove(ctx, id); err != nil {
		return err
	}
	if err := os.RemoveAll(record.Paths.Root); err != nil {
		m.log.WithSiteID(id).WithError(err).Warn("failed to remove site content directory")
	}

	m.locks.Forget(id)
	_ = m.tel.Events.PublishSiteDeleted(id, record.Domain)
	m.log.WithSiteID(id).WithDomain(record.Domain).Info("site deleted")
	return nil
}

// CloneSite creates an independent copy of a site under a new name: a new
// record with its own ID, domain, and content directory, plus driver-cloned
// backend resources. The source must not have an operation in flight.
func (m *Manager) CloneSite(ctx context.Context, id, newName string) (*SiteRecord, error) {
	release, err := m.locks.Acquire(id, "clone")
	if err != nil {
		return nil, err
	}
	defer release()

	op := m.tel.StartOperation(ctx, id, "clone")
	record, err := m.cloneLocked(op.Ctx, id, newName)
	op.End(err)
	m.recordOutcome("clone", "", err)
	return record, err
}

func (m *Manager) cloneLocked(ctx context.Context, id, newName string) (*SiteRecord, error) {
	if newName == "" {
		return nil, NewValidationError(ReasonValidationError, "clone name is required", nil)
	}
	source, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}
	if source.Status.InFlight() {
		return nil, NewConflictError(
			ReasonOperationInProgress,
			"cannot clone a site with an operation in flight",
			nil,
		).WithSite(id).WithOperation("clone")
	}
	driver, err := m.driverFor(source.Environment)
	if err != nil {
		return nil, err
	}

	newID := uuid.New().String()
	root := filepath.Join(m.sitesDir, slugify(newName)+"-"+newID[:8])
	target := &SiteRecord{
		ID:          newID,
		Name:        newName,
		Domain:      DeriveDomain(newName),
		Environment: source.Environment,
		Status:      StatusStopped,
		Config:      source.Config,
		Paths: SitePaths{
			Root:    root,
			DocRoot: filepath.Join(root, "app"),
			Runtime: filepath.Join(root, "runtime"),
		},
		CreatedAt: time.Now(),
		Version:   1,
	}

	if err := m.store.Create(ctx, target); err != nil {
		return nil, err
	}

	cleanup := func() {
		_ = m.store.Remove(context.Background(), target.ID)
		_ = os.RemoveAll(target.Paths.Root)
	}

	// Content is orchestrator-owned; copy it before handing the target to
	// the driver. Runtime artifacts are backend state and excluded.
	if err := copyTree(source.Paths.Root, target.Paths.Root, filepath.Base(source.Paths.Runtime)); err != nil {
		cleanup()
		return nil, fmt.Errorf("failed to copy site content: %w", err)
	}

	if _, err := m.callDriver(driver, "clone", func() error {
		_, cloneErr := driver.Clone(ctx, HandleFor(source), target)
		return cloneErr
	}); err != nil {
		cleanup()
		return nil, err
	}

	_ = m.tel.Events.Publish(telemetry.Event{
		Type:    telemetry.EventTypeSiteCloned,
		SiteID:  target.ID,
		Domain:  target.Domain,
		Message: fmt.Sprintf("Site %s cloned from %s", target.Domain, source.Domain),
		Level:   telemetry.EventLevelInfo,
		Data:    map[string]interface{}{"source_site_id": source.ID},
	})
	m.log.WithSiteID(target.ID).WithField("source_site_id", source.ID).Info("site cloned")
	return target, nil
}

// GetSite returns one site record.
func (m *Manager) GetSite(ctx context.Context, id string) (*SiteRecord, error) {
	return m.store.Get(ctx, id)
}

// ListSites returns all site records ordered by creation time.
func (m *Manager) ListSites(ctx context.Context) ([]*SiteRecord, error) {
	records, err := m.store.List(ctx)
	if err != nil {
		return nil, err
	}
	m.updateSiteGauges(records)
	return records, nil
}

// transition moves a site to the given status through the registry's CAS
// update path, enforcing the legal-edge table.
func (m *Manager) transition(ctx context.Context, id string, to SiteStatus, reason Reason) (*SiteRecord, error) {
	var from SiteStatus
	updated, err := m.store.Update(ctx, id, func(r *SiteRecord) error {
		if err := CheckTransition(r.Status, to); err != nil {
			return err
		}
		from = r.Status
		r.Status = to
		r.StatusReason = reason
		return nil
	})
	if err != nil {
		return nil, err
	}
	_ = m.tel.Events.PublishStateChanged(id, updated.Domain, string(from), string(to), string(reason))
	return updated, nil
}

// publishStateChange emits a state-change event between two record
// snapshots.
func (m *Manager) publishStateChange(before, after *SiteRecord) {
	_ = m.tel.Events.PublishStateChanged(
		after.ID, after.Domain,
		string(before.Status), string(after.Status),
		string(after.StatusReason),
	)
}

// driverFor resolves the driver for an environment.
func (m *Manager) driverFor(env Environment) (Driver, error) {
	d, ok := m.drivers[env]
	if !ok {
		return nil, NewResourceError(
			ReasonBackendUnavailable,
			fmt.Sprintf("no driver registered for environment %s", env),
			nil,
		)
	}
	return d, nil
}

// callDriver runs one driver call with metrics and error accounting.
func (m *Manager) callDriver(driver Driver, operation string, call func() error) (time.Duration, error) {
	timer := telemetry.NewTimer()
	err := call()
	duration := timer.Duration()

	name := string(driver.Environment())
	m.tel.Metrics.RecordDriverCall(name, operation, duration)
	if err != nil {
		m.tel.Metrics.RecordDriverError(name, operation)
	}
	return duration, err
}

// recordOutcome records operation metrics for one facade call.
func (m *Manager) recordOutcome(operation, environment string, err error) {
	m.tel.Metrics.RecordOperationStarted(operation, environment)
	result := "success"
	if err != nil {
		result = "failure"
		m.tel.Metrics.RecordError(string(ReasonOf(err)))
	}
	m.tel.Metrics.RecordOperationCompleted(operation, environment, result, 0)
}

// updateSiteGauges refreshes the per-state site count gauges.
func (m *Manager) updateSiteGauges(records []*SiteRecord) {
	counts := map[[2]string]float64{}
	for _, r := range records {
		counts[[2]string{string(r.Status), string(r.Environment)}]++
	}
	for key, count := range counts {
		m.tel.Metrics.SetSiteCount(key[0], key[1], count)
	}
}

// DeriveDomain derives a site's local domain from its name.
func DeriveDomain(name string) string {
	return slugify(name) + ".local"
}

// slugify lowercases a name and collapses anything outside [a-z0-9] into
// single dashes.
func slugify(name string) string {
	var b strings.Builder
	lastDash := true
	for _, r := range strings.ToLower(name) {
		switch {
		case r >= 'a' && r <= 'z', r >= '0' && r <= '9':
			b.WriteRune(r)
			lastDash = false
		default:
			if !lastDash {
				b.WriteByte('-')
				lastDash = true
			}
		}
	}
	return strings.Trim(b.String(), "-")
}

// resolveConfigDefaults fills unset configuration fields once at creation
// time. Database version defaults follow the selected engine; the web
// server default applies only to containerized sites.
func resolveConfigDefaults(cfg SiteConfig, env Environment) SiteConfig {
	if cfg.PHPVersion == "" {
		cfg.PHPVersion = "8.3"
	}
	if cfg.DatabaseEngine == "" {
		cfg.DatabaseEngine = DatabaseSQLite
	}
	if cfg.DatabaseEngine == DatabaseMySQL && cfg.DatabaseVersion == "" {
		cfg.DatabaseVersion = "8.4"
	}
	if cfg.DatabaseEngine == DatabaseSQLite {
		cfg.DatabaseVersion = ""
	}
	if env == EnvironmentContainer && cfg.WebServer == "" {
		cfg.WebServer = WebServerNginx
	}
	if cfg.WordPressVersion == "" {
		cfg.WordPressVersion = "6.7"
	}
	return cfg
}

// copyTree copies a directory tree, skipping the named top-level entry.
func copyTree(src, dst, skip string) error {
	return filepath.WalkDir(src, func(path string, d os.DirEntry, err error) error {
		if err != nil {
			return err
		}
		rel, err := filepath.Rel(src, path)
		if err != nil {
			return err
		}
		if rel == skip || strings.HasPrefix(rel, skip+string(filepath.Separator)) {
			if d.IsDir() {
				return filepath.SkipDir
			}
			return nil
		}
		target := filepath.Join(dst, rel)
		if d.IsDir() {
			return os.MkdirAll(target, 0755)
		}
		return copyFileContents(path, target)
	})
}

// copyFileContents copies one regular file.
func copyFileContents(src, dst string) error {
	in, err := os.Open(src)
	if err != nil {
		return err
	}
	defer in.Close()

	if err := os.MkdirAll(filepath.Dir(dst), 0755); err != nil {
		return err
	}
	out, err := os.Create(dst)
	if err != nil {
		return err
	}
	defer out.Close()

	_, err = io.Copy(out, in)
	return err
}
