// Package relational is the optional SQL-backed mirror spec §4.2/§6
// describes: a second store satisfying the same operation vocabulary as
// pkg/store.Store, plus durable claim/lease semantics for the outbox and
// delivery queue. Mirror is one interface with two implementations
// (embedded bbolt, grounded on the teacher's pkg/storage.BoltStore; and
// Postgres via pgx, grounded on the pack's mycelian-memory outbox
// worker) so both execute the identical contract, per spec §9.
package relational
