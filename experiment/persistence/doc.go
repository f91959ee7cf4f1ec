// Package persistence provides durable storage backends for the experiment
// engine's Store interface.
//
// Supported backends:
//   - Memory: for development and testing (default, lives in the experiment
//     package)
//   - Database: gorm-backed SQL storage (sqlite, mysql, postgres) for
//     single-node production deployments
//   - Redis: for distributed production deployments
//
// All backends implement the same atomic create-if-absent semantics for
// assignments that the engine's idempotence guarantee depends on.
package persistence
