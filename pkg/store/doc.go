// Package store holds the in-memory Store, the append-only transaction
// log (TxLog) that journals the operation batches its caller appends, and
// the Tx Applier that maps operation batches onto Store mutations under
// invariant checks, after the op-kind switch of pkg/manager.WarrenFSM in
// the teacher repo. Apply does not write the TxLog itself, and proxyd run
// does not open one; proxyd replay rebuilds a Store from an existing log.
// Delivery, destination and config state is written to the Store directly
// rather than through Apply.
package store
