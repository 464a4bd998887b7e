package orchestrator

import (
	"context"
)

// portMarker is the optional allocator capability used during
// reconciliation to re-reserve ports already held by live site resources
// without a bind test.
type portMarker interface {
	MarkReserved(port int)
}

// Reconcile aligns persisted records with actually observable backend
// resources. It must complete before the manager serves requests: records
// marked Running or Starting whose backing process or container cannot be
// found are forced to Error with reason OrphanedAfterRestart, and ports of
// live records are re-reserved so new starts cannot collide with them.
func (m *Manager) Reconcile(ctx context.Context) error {
	records, err := m.store.List(ctx)
	if err != nil {
		return err
	}

	for _, record := range records {
		if record.Status != StatusRunning && record.Status != StatusStarting {
			continue
		}
		if err := m.reconcileRecord(ctx, record); err != nil {
			return err
		}
	}

	m.log.WithField("sites", len(records)).Info("startup reconciliation complete")
	return nil
}

func (m *Manager) reconcileRecord(ctx context.Context, record *SiteRecord) error {
	log := m.log.WithSiteID(record.ID).WithDomain(record.Domain)

	driver, err := m.driverFor(record.Environment)
	if err != nil {
		// No driver for the environment means the resources cannot be
		// observed; the record is orphaned either way.
		return m.markOrphaned(ctx, record)
	}

	alive, err := driver.Liveness(ctx, HandleFor(record))
	if err != nil {
		log.WithError(err).Warn("liveness check failed, treating site as orphaned")
		alive = false
	}

	if !alive {
		return m.markOrphaned(ctx, record)
	}

	// The backing resources survived the restart. Re-reserve the port and
	// settle an interrupted Starting record into Running.
	if record.Port != 0 {
		if marker, ok := m.allocator.(portMarker); ok {
			marker.MarkReserved(record.Port)
		}
	}

	if record.Status == StatusStarting {
		if _, err := m.transition(ctx, record.ID, StatusRunning, ""); err != nil {
			return err
		}
	}

	log.WithPort(record.Port).Debug("site resources survived restart")
	return nil
}

// markOrphaned forces a record with no live backing resources into Error.
// The orchestrator never silently re-adopts or restarts an orphaned site;
// the user resolves it with an explicit start or delete.
func (m *Manager) markOrphaned(ctx context.Context, record *SiteRecord) error {
	updated, err := m.store.Update(ctx, record.ID, func(r *SiteRecord) error {
		if err := CheckTransition(r.Status, StatusError); err != nil {
			return err
		}
		r.Status = StatusError
		r.StatusReason = ReasonOrphanedAfterRestart
		r.Port = 0
		return nil
	})
	if err != nil {
		return err
	}

	_ = m.tel.Events.PublishSiteOrphaned(updated.ID, updated.Domain)
	m.log.WithSiteID(updated.ID).WithDomain(updated.Domain).
		Warn("site has no live backing resources after restart")
	return nil
}
