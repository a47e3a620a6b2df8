// Package delivery implements the outbox fan-out attempt engine spec §4.6
// describes: claim due deliveries, group by scope for in-order execution,
// dispatch webhook/S3 attempts, and record outcomes with exponential
// backoff. Grounded on the teacher's pkg/worker.Worker (ticker-driven
// per-item loop with a stopCh) generalized to two claim sources —
// pkg/store.Store directly (in-memory mode) and pkg/relational.Mirror
// (relational mode) — behind one Source interface so the attempt engine
// itself is identical in both modes.
package delivery
