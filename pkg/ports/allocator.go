// Package ports assigns and frees host ports for site processes and
// container port mappings. Allocation performs a real bind test so that
// ports held by external processes are skipped, and the reservation set is
// guarded by a single mutex so two concurrent reservations can never
// return the same port.
package ports

import (
	"fmt"
	"net"
	"sync"

	"github.com/pressbox/pressbox/pkg/orchestrator"
)

const (
	// DefaultPoolStart is the first port of the default allocation pool.
	DefaultPoolStart = 8080

	// DefaultPoolEnd is the last port of the default allocation pool.
	DefaultPoolEnd = 8999
)

// Allocator reserves host ports from a bounded pool.
type Allocator struct {
	mu       sync.Mutex
	reserved map[int]bool
	start    int
	end      int

	// bind is swappable for tests.
	bind func(port int) error
}

// NewAllocator creates an allocator over the [start, end] pool. A zero
// range selects the default 8080-8999 pool.
func NewAllocator(start, end int) *Allocator {
	if start <= 0 || end < start {
		start = DefaultPoolStart
		end = DefaultPoolEnd
	}
	return &Allocator{
		reserved: make(map[int]bool),
		start:    start,
		end:      end,
		bind:     bindTest,
	}
}

// Reserve returns a free port. When preferred is nonzero and inside the
// pool it is attempted first; on conflict the allocator probes
// sequentially through the pool. Both the reservation decision and the
// bind test happen under the mutex, so concurrent calls never race to the
// same port.
func (a *Allocator) Reserve(preferred int) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()

	if preferred >= a.start && preferred <= a.end {
		if !a.reserved[preferred] && a.bind(preferred) == nil {
			a.reserved[preferred] = true
			return preferred, nil
		}
	}

	for port := a.start; port <= a.end; port++ {
		if a.reserved[port] {
			continue
		}
		if a.bind(port) != nil {
			continue
		}
		a.reserved[port] = true
		return port, nil
	}

	return 0, orchestrator.NewResourceError(
		orchestrator.ReasonPortsExhausted,
		fmt.Sprintf("no free port in pool %d-%d", a.start, a.end),
		nil,
	)
}

// Release frees a reserved port. Releasing an unreserved port is a no-op.
func (a *Allocator) Release(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.reserved, port)
}

// Reserved returns the ports currently held by the allocator.
func (a *Allocator) Reserved() []int {
	a.mu.Lock()
	defer a.mu.Unlock()
	out := make([]int, 0, len(a.reserved))
	for port := range a.reserved {
		out = append(out, port)
	}
	return out
}

// MarkReserved records a port as reserved without a bind test. Used during
// startup reconciliation for ports already held by live site resources.
func (a *Allocator) MarkReserved(port int) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.reserved[port] = true
}

// bindTest verifies the port is actually bindable on the host.
func bindTest(port int) error {
	l, err := net.Listen("tcp", fmt.Sprintf("127.0.0.1:%d", port))
	if err != nil {
		return err
	}
	return l.Close()
}
