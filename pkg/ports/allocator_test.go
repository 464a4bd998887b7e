package ports

import (
	"errors"
	"sync"
	"testing"

	"github.com/pressbox/pressbox/pkg/orchestrator"
)

// testAllocator returns an allocator over a small pool whose bind test
// reports the given ports as externally bound.
func testAllocator(t *testing.T, start, end int, bound ...int) *Allocator {
	t.Helper()

	boundSet := make(map[int]bool, len(bound))
	for _, p := range bound {
		boundSet[p] = true
	}

	a := NewAllocator(start, end)
	a.bind = func(port int) error {
		if boundSet[port] {
			return errors.New("address already in use")
		}
		return nil
	}
	return a
}

func TestReservePreferred(t *testing.T) {
	a := testAllocator(t, 8080, 8089)

	port, err := a.Reserve(8085)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if port != 8085 {
		t.Errorf("expected preferred port 8085, got %d", port)
	}
}

func TestReserveSkipsExternallyBoundPort(t *testing.T) {
	a := testAllocator(t, 8080, 8089, 8080)

	port, err := a.Reserve(8080)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if port != 8081 {
		t.Errorf("expected next free port 8081, got %d", port)
	}
}

func TestReserveExhaustion(t *testing.T) {
	a := testAllocator(t, 8080, 8081)

	if _, err := a.Reserve(0); err != nil {
		t.Fatalf("first reserve failed: %v", err)
	}
	if _, err := a.Reserve(0); err != nil {
		t.Fatalf("second reserve failed: %v", err)
	}

	_, err := a.Reserve(0)
	if !orchestrator.IsReason(err, orchestrator.ReasonPortsExhausted) {
		t.Errorf("expected PORTS_EXHAUSTED, got %v", err)
	}
}

func TestReleaseMakesPortReusable(t *testing.T) {
	a := testAllocator(t, 8080, 8080)

	port, err := a.Reserve(0)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}

	a.Release(port)
	a.Release(port) // double release is a no-op

	again, err := a.Reserve(0)
	if err != nil {
		t.Fatalf("reserve after release failed: %v", err)
	}
	if again != port {
		t.Errorf("expected released port %d to be reusable, got %d", port, again)
	}
}

func TestMarkReservedBlocksAllocation(t *testing.T) {
	a := testAllocator(t, 8080, 8081)

	a.MarkReserved(8080)

	port, err := a.Reserve(8080)
	if err != nil {
		t.Fatalf("reserve failed: %v", err)
	}
	if port != 8081 {
		t.Errorf("expected marked port to be skipped, got %d", port)
	}
}

// TestConcurrentReserve verifies two concurrent reservations never return
// the same port.
func TestConcurrentReserve(t *testing.T) {
	const pool = 50
	a := testAllocator(t, 9000, 9000+pool-1)

	var wg sync.WaitGroup
	results := make(chan int, pool)
	for i := 0; i < pool; i++ {
		wg.Add(1)
		go func() {
			defer wg.Done()
			port, err := a.Reserve(0)
			if err != nil {
				t.Errorf("reserve failed: %v", err)
				return
			}
			results <- port
		}()
	}
	wg.Wait()
	close(results)

	seen := make(map[int]bool)
	for port := range results {
		if seen[port] {
			t.Fatalf("port %d reserved twice", port)
		}
		seen[port] = true
	}
	if len(seen) != pool {
		t.Errorf("expected %d distinct ports, got %d", pool, len(seen))
	}
}
