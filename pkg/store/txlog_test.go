package store

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrumhq/proxy/pkg/domain"
)

func TestTxLog_AppendAndLoadRoundtrip(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.log")
	log, err := OpenTxLog(path)
	require.NoError(t, err)

	batch := []domain.Op{domain.UpsertOp{TenantID: "acme", Entity: domain.EntityRobot, ID: "r-1", Record: map[string]any{"name": "arm"}}}
	require.NoError(t, log.Append(batch, time.Now()))
	require.NoError(t, log.Close())

	records, err := LoadTxLog(path)
	require.NoError(t, err)
	require.Len(t, records, 1)
	assert.Equal(t, 1, records[0].V)
	require.Len(t, records[0].Ops, 1)
	assert.Equal(t, domain.OpUpsert, records[0].Ops[0].Kind)
}

func TestTxLog_TolerateTruncatedTrailingLine(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.log")
	log, err := OpenTxLog(path)
	require.NoError(t, err)
	require.NoError(t, log.Append([]domain.Op{domain.UpsertOp{TenantID: "acme", Entity: domain.EntityRobot, ID: "r-1", Record: map[string]any{}}}, time.Now()))
	require.NoError(t, log.Close())

	f, err := os.OpenFile(path, os.O_APPEND|os.O_WRONLY, 0o644)
	require.NoError(t, err)
	_, err = f.WriteString(`{"v":1,"at":"2026-01-01T00:00:00Z","ops":[{"kind":"UPS`)
	require.NoError(t, err)
	require.NoError(t, f.Close())

	records, err := LoadTxLog(path)
	require.NoError(t, err)
	assert.Len(t, records, 1, "the truncated trailing line must be ignored, not error")
}

func TestTxLog_RejectsUnsupportedVersion(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.log")
	require.NoError(t, os.WriteFile(path, []byte(`{"v":2,"at":"2026-01-01T00:00:00Z","ops":[]}`+"\n"), 0o644))

	_, err := LoadTxLog(path)
	require.Error(t, err)
}

func TestReplay_MatchesLiveApply(t *testing.T) {
	path := filepath.Join(t.TempDir(), "tx.log")
	log, err := OpenTxLog(path)
	require.NoError(t, err)

	live := New(nil)
	applier := NewApplier(live, nil)

	batches := [][]domain.Op{
		{domain.UpsertOp{TenantID: "acme", Entity: domain.EntityRobot, ID: "r-1", Record: map[string]any{"name": "arm"}}},
		{domain.EventAppendOp{AggregateKind: domain.AggregateJob, AggregateID: "job-1", Events: []domain.Event{{Seq: 1, Type: "job.created", Data: map[string]any{"status": "pending"}}}}},
		{domain.LedgerEntryOp{TenantID: "acme", Entry: domain.JournalEntry{ID: "e-1", Currency: "USD", Debits: []domain.LedgerPosting{{Account: "cash", Amount: 10}}, Credits: []domain.LedgerPosting{{Account: "revenue", Amount: 10}}}}},
	}
	for _, b := range batches {
		require.NoError(t, applier.Apply(b))
		require.NoError(t, log.Append(b, time.Now()))
	}
	require.NoError(t, log.Close())

	replayed, err := Replay(path, nil)
	require.NoError(t, err)

	equal, err := canonicalSnapshotEqual(live, replayed)
	require.NoError(t, err)
	assert.True(t, equal, "replaying the txlog must reproduce the live store exactly")
}
