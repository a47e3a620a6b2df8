package chain

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

type fakeEvent struct {
	Seq           int    `json:"seq"`
	Kind          string `json:"kind"`
	PrevChainHash string `json:"prevChainHash"`
}

func (f fakeEvent) CanonicalBody() any { return f }

func TestCompute_Deterministic(t *testing.T) {
	e := fakeEvent{Seq: 1, Kind: "job.created", PrevChainHash: ""}
	h1, err := Compute(e, "")
	require.NoError(t, err)
	h2, err := Compute(e, "")
	require.NoError(t, err)
	assert.Equal(t, h1, h2)
	assert.Len(t, h1, 64)
}

func TestCompute_DiffersOnPrevChainHash(t *testing.T) {
	e := fakeEvent{Seq: 2, Kind: "job.updated", PrevChainHash: "aaa"}
	h1, err := Compute(e, "aaa")
	require.NoError(t, err)
	h2, err := Compute(e, "bbb")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestVerify(t *testing.T) {
	e := fakeEvent{Seq: 1, Kind: "job.created", PrevChainHash: ""}
	want, err := Compute(e, "")
	require.NoError(t, err)

	ok, err := Verify(e, "", want)
	require.NoError(t, err)
	assert.True(t, ok)

	ok, err = Verify(e, "", "deadbeef")
	require.NoError(t, err)
	assert.False(t, ok)
}
