// Package canon implements deterministic, structure-preserving encoding of
// Go values into JSON bytes, used as the input to hashing (pkg/chain) and
// to equality/conflict checks throughout pkg/store.
//
// Two values that are equal under reflect.DeepEqual after round-tripping
// through encoding/json must produce byte-identical canonical output, and
// the output must sort object members lexicographically by field name so
// the encoding is stable across struct field reordering and across Go
// versions/platforms.
package canon
