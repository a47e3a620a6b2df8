// Package insolvency implements the tenant-paged solvency sweep spec §4.8
// describes: enumerate tenants, page each tenant's x402 agent lifecycle
// records in bounded chunks, evaluate solvency per agent, and freeze the
// insolvent ones — all under a fixed per-call processing budget.
//
// Grounded on the teacher's pkg/reconciler.Reconciler: the same shape of
// a bounded, per-item walk that captures failures per item rather than
// aborting the whole pass, generalized from "containers on dead nodes"
// to "agents past their solvency threshold."
package insolvency
