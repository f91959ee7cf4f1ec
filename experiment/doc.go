// Package experiment implements an online controlled-experimentation (A/B
// testing) engine: deterministic user bucketing, targeting rules, durable
// variant assignment, append-only result recording, statistical analysis with
// auto-stop recommendations, and a lifecycle state machine for each test.
//
// The engine is an explicit object constructed with its configuration and a
// Store implementation; it owns a cancellable background scheduler that
// periodically re-analyzes running tests and stops them when a recommendation
// warrants it. All state mutations go through the engine so that assignment
// idempotence and lifecycle invariants hold under concurrent use.
package experiment
