package orchestrator

import (
	"context"
	"sync"
	"time"

	"github.com/panjf2000/ants/v2"

	"github.com/pressbox/pressbox/pkg/telemetry"
)

// HealthMonitor probes running sites on a fixed interval and moves them
// between Running and Error{HealthCheckFailed} through the registry's CAS
// update path. It never invokes drivers, and it never touches a record
// that is not Running or in a health-induced Error.
type HealthMonitor struct {
	store  Store
	prober Prober
	tel    *telemetry.Telemetry
	log    *telemetry.Logger

	policy func() Policy

	mu       sync.Mutex
	failures map[string]int

	cancel context.CancelFunc
	done   chan struct{}
}

// NewHealthMonitor creates a health monitor. policy is read on every cycle
// so hot-reloaded settings take effect without a restart.
func NewHealthMonitor(store Store, prober Prober, tel *telemetry.Telemetry, policy func() Policy) *HealthMonitor {
	return &HealthMonitor{
		store:    store,
		prober:   prober,
		tel:      tel,
		log:      tel.Logger.NewComponentLogger("health"),
		policy:   policy,
		failures: make(map[string]int),
	}
}

// Start launches the probe loop. It returns immediately; Stop shuts the
// loop down and waits for in-flight probes.
func (h *HealthMonitor) Start(ctx context.Context) error {
	policy := h.policy()

	pool, err := ants.NewPool(policy.HealthWorkers, ants.WithNonblocking(false))
	if err != nil {
		return err
	}

	loopCtx, cancel := context.WithCancel(ctx)
	h.cancel = cancel
	h.done = make(chan struct{})

	go func() {
		defer close(h.done)
		defer pool.Release()

		ticker := time.NewTicker(policy.HealthInterval)
		defer ticker.Stop()

		for {
			select {
			case <-loopCtx.Done():
				return
			case <-ticker.C:
				h.runCycle(loopCtx, pool)
				// Pick up a hot-reloaded interval.
				if next := h.policy().HealthInterval; next != policy.HealthInterval {
					policy.HealthInterval = next
					ticker.Reset(next)
				}
			}
		}
	}()

	h.log.WithField("interval", policy.HealthInterval.String()).Info("health monitor started")
	return nil
}

// Stop shuts the monitor down and waits for the loop to exit.
func (h *HealthMonitor) Stop() {
	if h.cancel == nil {
		return
	}
	h.cancel()
	<-h.done
}

// runCycle fans one probe per eligible site out over the worker pool and
// waits for all of them.
func (h *HealthMonitor) runCycle(ctx context.Context, pool *ants.Pool) {
	records, err := h.store.List(ctx)
	if err != nil {
		h.log.WithError(err).Warn("health cycle could not list sites")
		return
	}

	var wg sync.WaitGroup
	for _, record := range records {
		if !h.eligible(record) {
			continue
		}
		record := record
		wg.Add(1)
		if err := pool.Submit(func() {
			defer wg.Done()
			h.probeSite(ctx, record)
		}); err != nil {
			wg.Done()
			h.log.WithSiteID(record.ID).WithError(err).Warn("failed to schedule health probe")
		}
	}
	wg.Wait()

	h.pruneCounters(records)
}

// eligible reports whether the monitor may touch this record: Running
// sites and sites in an Error the monitor itself caused.
func (h *HealthMonitor) eligible(record *SiteRecord) bool {
	if record.Status == StatusRunning {
		return true
	}
	return record.Status == StatusError && record.StatusReason == ReasonHealthCheckFailed
}

// probeSite runs one probe and applies the consecutive-failure policy.
func (h *HealthMonitor) probeSite(ctx context.Context, record *SiteRecord) {
	policy := h.policy()

	probeCtx, cancel := context.WithTimeout(ctx, policy.HealthProbeTimeout)
	err := h.prober.Probe(probeCtx, record, record.Port)
	cancel()

	if err == nil {
		h.tel.Metrics.RecordHealthProbe("success")
		h.recordSuccess(ctx, record)
		return
	}

	h.tel.Metrics.RecordHealthProbe("failure")
	h.recordFailure(ctx, record, policy.HealthFailureThreshold)
}

// recordSuccess clears the failure counter and heals a health-induced
// Error back to Running.
func (h *HealthMonitor) recordSuccess(ctx context.Context, record *SiteRecord) {
	h.mu.Lock()
	delete(h.failures, record.ID)
	h.mu.Unlock()

	if record.Status != StatusError {
		return
	}

	if _, err := h.store.Update(ctx, record.ID, func(r *SiteRecord) error {
		// Re-check under CAS: a user operation may have raced us.
		if r.Status != StatusError || r.StatusReason != ReasonHealthCheckFailed {
			return NewConflictError(ReasonIllegalTransition, "record no longer in health-induced error", nil)
		}
		r.Status = StatusRunning
		r.StatusReason = ""
		return nil
	}); err != nil {
		if !IsReason(err, ReasonIllegalTransition) {
			h.log.WithSiteID(record.ID).WithError(err).Warn("failed to record health recovery")
		}
		return
	}

	_ = h.tel.Events.PublishHealthChanged(record.ID, record.Domain, true, 0)
	h.log.WithSiteID(record.ID).WithDomain(record.Domain).Info("site recovered")
}

// recordFailure bumps the counter and moves the site to Error when the
// consecutive-failure threshold is reached.
func (h *HealthMonitor) recordFailure(ctx context.Context, record *SiteRecord, threshold int) {
	h.mu.Lock()
	h.failures[record.ID]++
	count := h.failures[record.ID]
	h.mu.Unlock()

	if record.Status != StatusRunning || count < threshold {
		return
	}

	if _, err := h.store.Update(ctx, record.ID, func(r *SiteRecord) error {
		if r.Status != StatusRunning {
			return NewConflictError(ReasonIllegalTransition, "record no longer running", nil)
		}
		r.Status = StatusError
		r.StatusReason = ReasonHealthCheckFailed
		return nil
	}); err != nil {
		if !IsReason(err, ReasonIllegalTransition) {
			h.log.WithSiteID(record.ID).WithError(err).Warn("failed to record health failure")
		}
		return
	}

	h.tel.Metrics.RecordHealthThresholdBreached(string(record.Environment))
	_ = h.tel.Events.PublishHealthChanged(record.ID, record.Domain, false, count)
	h.log.WithSiteID(record.ID).WithDomain(record.Domain).
		WithField("failures", count).Warn("site unreachable, marked unhealthy")
}

// pruneCounters drops failure counters for sites that no longer exist or
// are no longer eligible.
func (h *HealthMonitor) pruneCounters(records []*SiteRecord) {
	eligible := make(map[string]bool, len(records))
	for _, r := range records {
		if h.eligible(r) {
			eligible[r.ID] = true
		}
	}

	h.mu.Lock()
	for id := range h.failures {
		if !eligible[id] {
			delete(h.failures, id)
		}
	}
	h.mu.Unlock()
}
