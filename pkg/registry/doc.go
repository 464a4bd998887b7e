// Package registry provides the durable site catalog backing the
// orchestrator. It implements the orchestrator.Store contract on SQLite
// with WAL mode, embedded schema migrations, and compare-and-swap updates
// keyed on the record version so concurrent mutations never lose writes.
package registry
