package chain

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/fulcrumhq/proxy/pkg/canon"
)

// Hashable is anything the chain can bind — the event body with its
// chainHash field omitted (not merely empty) and its prevChainHash field
// populated with the value being bound against.
type Hashable interface {
	// CanonicalBody returns the event's fields excluding chainHash, as a
	// value suitable for canon.Encode. PrevChainHash must already be set
	// on the returned value.
	CanonicalBody() any
}

// Compute returns the lowercase hex SHA-256 digest binding h to
// prevChainHash. Callers are responsible for having already set
// prevChainHash on the value h.CanonicalBody() returns — Compute only
// concatenates the canonical body bytes with the prevChainHash string and
// hashes the result, it does not independently verify the two agree.
func Compute(h Hashable, prevChainHash string) (string, error) {
	body, err := canon.Encode(h.CanonicalBody())
	if err != nil {
		return "", fmt.Errorf("chain: encode body: %w", err)
	}

	sum := sha256.New()
	sum.Write(body)
	sum.Write([]byte(prevChainHash))
	return hex.EncodeToString(sum.Sum(nil)), nil
}

// Verify recomputes the chain hash for h given prevChainHash and compares
// it against wantChainHash.
func Verify(h Hashable, prevChainHash, wantChainHash string) (bool, error) {
	got, err := Compute(h, prevChainHash)
	if err != nil {
		return false, err
	}
	return got == wantChainHash, nil
}
