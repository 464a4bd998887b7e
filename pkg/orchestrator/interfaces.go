package orchestrator

import (
	"context"
)

// Store is the durable site registry. All mutations are compare-and-swap
// against the record's Version to prevent lost updates under concurrent
// access; implementations return a conflict error on version mismatch.
type Store interface {
	// Create persists a new record. Fails with ReasonDuplicateDomain when
	// another record already owns the domain.
	Create(ctx context.Context, record *SiteRecord) error

	// Get returns the record with the given ID, or ReasonNotFound.
	Get(ctx context.Context, id string) (*SiteRecord, error)

	// List returns all records ordered by creation time.
	List(ctx context.Context) ([]*SiteRecord, error)

	// Update applies mutate to the current record and persists the result,
	// guarded by the record version read before mutate ran. Returns the
	// updated record.
	Update(ctx context.Context, id string, mutate func(*SiteRecord) error) (*SiteRecord, error)

	// Remove deletes the record with the given ID.
	Remove(ctx context.Context, id string) error

	// Ping verifies the store is reachable.
	Ping(ctx context.Context) error

	// Close releases the store's resources.
	Close() error
}

// Mutation helpers shared by the state machine and the health monitor are
// plain funcs passed to Store.Update; the store applies them under CAS.

// Driver turns a site's declared configuration into a running or stopped
// set of backend resources. Implementations exist for the local-process
// and container backends. Stop and Destroy are idempotent on already
// stopped or absent resources.
type Driver interface {
	// Environment returns the backend this driver implements.
	Environment() Environment

	// Available reports whether the backend can run sites on this host.
	// The returned detail explains unavailability.
	Available(ctx context.Context) (bool, string)

	// Provision allocates whatever the site needs to run but does not
	// serve traffic: config files, a container-stack specification, a
	// database. Idempotent.
	Provision(ctx context.Context, record *SiteRecord) (*Handle, error)

	// Start brings the site to a serving state bound to port.
	Start(ctx context.Context, handle *Handle, port int) (*RunningInfo, error)

	// Stop tears down serving resources while preserving site data.
	Stop(ctx context.Context, handle *Handle) error

	// Destroy irreversibly removes all backend-specific resources but
	// never the site's own content directory.
	Destroy(ctx context.Context, handle *Handle) error

	// Clone produces an independent copy of backend-specific resources
	// for a new record that references its own content paths.
	Clone(ctx context.Context, handle *Handle, target *SiteRecord) (*Handle, error)

	// Export writes the site's database to a neutral dump inside the
	// site's runtime directory, for migration between backends.
	Export(ctx context.Context, handle *Handle) (string, error)

	// Import loads a previously exported dump into the backend's
	// database resources.
	Import(ctx context.Context, handle *Handle, dumpPath string) error

	// Liveness reports whether the backend resources for the handle are
	// actually running, for startup reconciliation.
	Liveness(ctx context.Context, handle *Handle) (bool, error)
}

// Prober performs a bounded-timeout reachability check against a running
// site. The health monitor and the migration coordinator share one
// implementation.
type Prober interface {
	// Probe returns nil when the site answers on the given port.
	Probe(ctx context.Context, record *SiteRecord, port int) error
}

// PortAllocator reserves and frees host ports for starting sites.
type PortAllocator interface {
	// Reserve returns a free port, preferring preferred when nonzero.
	Reserve(preferred int) (int, error)

	// Release frees a reserved port. Idempotent.
	Release(port int)
}

// HandleFor reconstructs a driver handle from a record. Handles carry no
// hidden state, so any component holding a record can derive one.
func HandleFor(record *SiteRecord) *Handle {
	return &Handle{
		SiteID:      record.ID,
		Environment: record.Environment,
		Paths:       record.Paths,
		Config:      record.Config,
	}
}
