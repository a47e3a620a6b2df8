// Package scheduler drives the single-flight periodic tick spec §4.7
// describes: a fixed-order list of named background sweeps (outbox
// drain, dispatch, proof, artifacts, deliveries, x402 holdbacks, x402
// insolvency sweep, x402 winddown reversals, billing sync, finance
// reconciliation), run on a timer with per-sweep error isolation.
//
// Grounded on the teacher's pkg/scheduler.Scheduler: the same
// ticker+stopCh+mutex loop shape, generalized from "assign containers to
// nodes" to "run a process-wide list of named sweeps in order."
package scheduler
