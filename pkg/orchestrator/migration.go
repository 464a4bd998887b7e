package orchestrator

import (
	"context"
	"fmt"
	"time"

	"github.com/cenkalti/backoff/v4"

	"github.com/pressbox/pressbox/pkg/telemetry"
)

// MigrateSite moves a site from its current backend to target. The
// operation is atomic from the caller's perspective: on success the record
// shows the new environment, port, and config and the source resources are
// gone; on any failure the partially-created target resources are
// destroyed, the source backend is untouched, and the record lands in
// Error with reason MigrationFailed.
func (m *Manager) MigrateSite(ctx context.Context, id string, target Environment) (*SiteRecord, error) {
	release, err := m.locks.Acquire(id, "migrate")
	if err != nil {
		return nil, err
	}
	defer release()

	record, err := m.store.Get(ctx, id)
	if err != nil {
		return nil, err
	}

	source := record.Environment
	spanCtx, span := m.tel.Tracer.StartMigrationSpan(ctx, id, string(source), string(target))
	timer := telemetry.NewTimer()

	migrated, err := m.migrateLocked(spanCtx, record, target)

	result := "success"
	if err != nil {
		result = "failure"
		telemetry.RecordError(span, err)
	} else {
		telemetry.RecordSuccess(span)
	}
	span.End()
	m.tel.Metrics.RecordMigration(string(source), string(target), result, timer.Duration())
	m.recordOutcome("migrate", string(source), err)

	if err == nil {
		_ = m.tel.Events.PublishSiteMigrated(id, migrated.Domain, string(source), string(target))
	}
	return migrated, err
}

func (m *Manager) migrateLocked(ctx context.Context, record *SiteRecord, target Environment) (*SiteRecord, error) {
	id := record.ID
	source := record.Environment

	if !target.Valid() {
		return nil, NewValidationError(
			ReasonValidationError,
			fmt.Sprintf("unknown environment %q", target),
			nil,
		).WithSite(id).WithOperation("migrate")
	}
	if source == target {
		return nil, NewValidationError(
			ReasonValidationError,
			fmt.Sprintf("site already runs in the %s environment", target),
			nil,
		).WithSite(id).WithOperation("migrate")
	}

	sourceDriver, err := m.driverFor(source)
	if err != nil {
		return nil, err
	}
	targetDriver, err := m.driverFor(target)
	if err != nil {
		return nil, err
	}
	if available, detail := targetDriver.Available(ctx); !available {
		return nil, NewResourceError(ReasonBackendUnavailable, detail, nil).
			WithSite(id).WithOperation("migrate")
	}

	log := m.log.WithSiteID(id).WithOperation("migrate")

	// Step 0: the site must be stopped; stop it ourselves when it is not.
	if record.Status != StatusStopped {
		if record, err = m.stopLocked(ctx, id); err != nil {
			return record, m.migrationFailed(ctx, id, "stopping the site failed", err)
		}
	}

	// Step 1: export the source database into the site's own path.
	dump, err := sourceDriver.Export(ctx, HandleFor(record))
	if err != nil {
		return nil, m.migrationFailed(ctx, id, "source export failed", err)
	}
	log.WithEnvironment(string(source)).Debug("source database exported")

	// The record shows Starting while target resources come up; any failure
	// from here lands it in Error without touching the source backend.
	if record, err = m.transition(ctx, id, StatusStarting, ""); err != nil {
		return record, m.migrationFailed(ctx, id, "registry transition failed", err)
	}

	// Steps 2-5 create target resources; destroy them on any failure so a
	// failed migration leaves nothing behind but the export dump.
	targetRecord := record.Clone()
	targetRecord.Environment = target
	targetRecord.Config = resolveConfigDefaults(record.Config, target)

	targetHandle, err := targetDriver.Provision(ctx, targetRecord)
	if err != nil {
		return nil, m.migrationFailed(ctx, id, "target provision failed", err)
	}

	undoTarget := func() {
		if destroyErr := targetDriver.Destroy(context.Background(), targetHandle); destroyErr != nil {
			log.WithError(destroyErr).Warn("failed to destroy partial target resources")
		}
	}

	port, err := m.allocator.Reserve(0)
	if err != nil {
		undoTarget()
		return nil, m.migrationFailed(ctx, id, "port reservation failed", err)
	}
	undoPort := func() { m.allocator.Release(port) }

	startCtx, cancel := context.WithTimeout(ctx, m.Policy().StartTimeout)
	info, err := targetDriver.Start(startCtx, targetHandle, port)
	cancel()
	if err != nil {
		undoPort()
		undoTarget()
		return nil, m.migrationFailed(ctx, id, "target start failed", err)
	}

	// Step 4: import after start; the container database only accepts
	// connections once its stack is up.
	if err := targetDriver.Import(ctx, targetHandle, dump); err != nil {
		_ = targetDriver.Stop(context.Background(), targetHandle)
		undoPort()
		undoTarget()
		return nil, m.migrationFailed(ctx, id, "target import failed", err)
	}

	// Step 5: bounded health probes with backoff before committing.
	if err := m.probeUntilHealthy(ctx, targetRecord, info.Port); err != nil {
		_ = targetDriver.Stop(context.Background(), targetHandle)
		undoPort()
		undoTarget()
		return nil, m.migrationFailed(ctx, id, "migrated site failed its health probe", err)
	}

	// Step 6: commit. The environment flip, port, and config change land in
	// one CAS update; only then are source resources destroyed.
	migrated, err := m.store.Update(ctx, id, func(r *SiteRecord) error {
		if err := CheckTransition(r.Status, StatusRunning); err != nil {
			return err
		}
		r.Environment = target
		r.Config = targetRecord.Config
		r.Status = StatusRunning
		r.StatusReason = ""
		r.Port = info.Port
		r.LastAccessed = time.Now()
		return nil
	})
	if err != nil {
		_ = targetDriver.Stop(context.Background(), targetHandle)
		undoPort()
		undoTarget()
		return nil, m.migrationFailed(ctx, id, "registry commit failed", err)
	}

	if err := sourceDriver.Destroy(ctx, HandleFor(record)); err != nil {
		// The migration already committed; stale source resources are a
		// cleanup problem, not a migration failure.
		log.WithError(err).Warn("failed to destroy source resources after migration")
	}

	log.WithEnvironment(string(target)).WithPort(info.Port).Info("site migrated")
	return migrated, nil
}

// probeUntilHealthy runs bounded health probes against the migrated site
// with exponential backoff.
func (m *Manager) probeUntilHealthy(ctx context.Context, record *SiteRecord, port int) error {
	policy := m.Policy()

	bo := backoff.NewExponentialBackOff()
	bo.InitialInterval = policy.MigrationProbeInterval
	bo.MaxInterval = 5 * time.Second

	probe := func() error {
		probeCtx, cancel := context.WithTimeout(ctx, policy.HealthProbeTimeout)
		defer cancel()
		return m.prober.Probe(probeCtx, record, port)
	}

	return backoff.Retry(probe, backoff.WithContext(
		backoff.WithMaxRetries(bo, policy.MigrationProbeAttempts), ctx,
	))
}

// migrationFailed records the failure on the site and wraps the cause.
func (m *Manager) migrationFailed(ctx context.Context, id, message string, cause error) error {
	if _, err := m.store.Update(ctx, id, func(r *SiteRecord) error {
		if err := CheckTransition(r.Status, StatusError); err != nil {
			return err
		}
		r.Status = StatusError
		r.StatusReason = ReasonMigrationFailed
		return nil
	}); err != nil {
		m.log.WithSiteID(id).WithError(err).Warn("failed to record migration failure")
	}

	return NewResourceError(ReasonMigrationFailed, message, cause).
		WithSite(id).WithOperation("migrate")
}
