// Package domain defines the entities, operation vocabulary, and error
// taxonomy shared by every other package in this module: pkg/store applies
// operations against these types, pkg/relational mirrors them, and
// pkg/delivery/pkg/insolvency read the entities they produce.
//
// The business semantics of any one entity (what a job or robot *means*)
// are explicitly out of scope per spec §1 — only the structural invariants
// spec §3 and §4.4 require are modeled here: identity, last-write-wins
// upsert, immutability, status transitions, and the hash-chained event
// append.
package domain
