// Package orchestrator is the site environment orchestration core: the
// site data model and error taxonomy, the driver and store contracts, the
// lifecycle state machine, the manager facade, the migration coordinator,
// the health monitor, and startup reconciliation.
//
// A site is a durable SiteRecord owned by the registry. Its lifecycle is a
// walk on a fixed transition graph (Stopped, Starting, Running, Stopping,
// Error), with operations on one site serialized by a per-site lock and
// operations on different sites fully concurrent. Backend drivers turn a
// record's declared configuration into running OS resources; the manager
// routes operations to the driver of the record's environment and mutates
// the registry through compare-and-swap updates only.
package orchestrator
