package orchestrator

import (
	"fmt"
	"sync"

	cmap "github.com/orcaman/concurrent-map/v2"
)

// legalTransitions is the lifecycle edge table. Any transition not listed
// here is illegal and rejected before any resource is touched. Every state
// may reach Error; Error returns to Running only through the health
// monitor's recovery path.
var legalTransitions = map[SiteStatus][]SiteStatus{
	StatusStopped:  {StatusStarting, StatusError},
	StatusStarting: {StatusRunning, StatusStopping, StatusError, StatusStopped},
	StatusRunning:  {StatusStopping, StatusError},
	StatusStopping: {StatusStopped, StatusError},
	StatusError:    {StatusStarting, StatusStopping, StatusStopped, StatusRunning},
}

// CanTransition reports whether the edge from one status to another is
// legal.
func CanTransition(from, to SiteStatus) bool {
	for _, next := range legalTransitions[from] {
		if next == to {
			return true
		}
	}
	return false
}

// CheckTransition returns an illegal-transition error when the edge is not
// legal, nil otherwise.
func CheckTransition(from, to SiteStatus) error {
	if CanTransition(from, to) {
		return nil
	}
	return NewConflictError(
		ReasonIllegalTransition,
		fmt.Sprintf("cannot transition from %s to %s", from, to),
		nil,
	)
}

// LockTable serializes lifecycle operations per site. A second operation
// arriving while one is in flight fails fast instead of queueing, so a stuck
// backend cannot pile up blocked callers.
type LockTable struct {
	locks cmap.ConcurrentMap[string, *sync.Mutex]
}

// NewLockTable creates an empty lock table.
func NewLockTable() *LockTable {
	return &LockTable{locks: cmap.New[*sync.Mutex]()}
}

// Acquire takes the site's operation lock without blocking. It returns a
// release func on success and ReasonOperationInProgress when another
// operation holds the lock.
func (lt *LockTable) Acquire(siteID, operation string) (func(), error) {
	mu, _ := lt.locks.Get(siteID)
	if mu == nil {
		mu = &sync.Mutex{}
		if !lt.locks.SetIfAbsent(siteID, mu) {
			mu, _ = lt.locks.Get(siteID)
		}
	}
	if !mu.TryLock() {
		return nil, NewConflictError(
			ReasonOperationInProgress,
			"another operation is in progress for this site",
			nil,
		).WithSite(siteID).WithOperation(operation)
	}
	return mu.Unlock, nil
}

// Forget drops the lock entry for a deleted site.
func (lt *LockTable) Forget(siteID string) {
	lt.locks.Remove(siteID)
}
