// Package chain computes the per-event chain hash that binds each event in
// an aggregate's stream to the event before it.
//
// chainHash = SHA256(canonical(event without chainHash) || prevChainHash)
//
// The first event in a stream has a null prevChainHash; Compute is then
// called with the empty string as prevChainHash. The resulting digest is a lowercase hex string, matching spec §4.1 and the
// testable property in spec §8.
package chain
