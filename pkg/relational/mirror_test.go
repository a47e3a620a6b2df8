package relational

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrumhq/proxy/pkg/domain"
	"github.com/fulcrumhq/proxy/pkg/store"
)

func newTestDeliveryIDs() func() string {
	n := 0
	return func() string {
		n++
		return "d-" + string(rune('a'+n-1))
	}
}

func TestEmbeddedMirror_ApplyBatchPersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := NewEmbeddedMirror(dir, nil, newTestDeliveryIDs())
	require.NoError(t, err)

	err = m.ApplyBatch(ctx, []domain.Op{domain.UpsertOp{
		TenantID: "acme", Entity: domain.EntityRobot, ID: "r-1",
		Record: map[string]any{"name": "arm-1"},
	}})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reopened, err := NewEmbeddedMirror(dir, nil, newTestDeliveryIDs())
	require.NoError(t, err)
	defer reopened.Close()

	rec, ok := reopened.st.Get(string(domain.EntityRobot), "acme", "r-1")
	require.True(t, ok)
	assert.Equal(t, "arm-1", rec["name"])
}

func TestEmbeddedMirror_OutboxDrainsIntoDeliveries(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := NewEmbeddedMirror(dir, nil, newTestDeliveryIDs())
	require.NoError(t, err)
	defer m.Close()

	err = m.ApplyBatch(ctx, []domain.Op{domain.OutboxEnqueueOp{
		TenantID:       "acme",
		ArtifactType:   "job_receipt",
		ArtifactID:     "job-1",
		Artifact:       map[string]any{"status": "done"},
		ScopeKey:       "job-1",
		DestinationIDs: []string{"dest-1", "dest-2"},
	}})
	require.NoError(t, err)

	created, err := m.ProcessOutbox(ctx, 10)
	require.NoError(t, err)
	assert.Equal(t, 2, created)

	claimed, err := m.ClaimDueDeliveries(ctx, "acme", 10, "worker-1", time.Now().UTC(), 60*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 2)
	assert.Equal(t, "acme", claimed[0].TenantID)
	assert.Equal(t, domain.DeliveryPending, claimed[0].State)
}

func TestEmbeddedMirror_ClaimThenUpdateAttempt_PersistsOutcome(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := NewEmbeddedMirror(dir, nil, newTestDeliveryIDs())
	require.NoError(t, err)
	defer m.Close()

	require.NoError(t, m.ApplyBatch(ctx, []domain.Op{domain.OutboxEnqueueOp{
		TenantID: "acme", ArtifactType: "job_receipt", ArtifactID: "job-1",
		Artifact: map[string]any{}, ScopeKey: "job-1", DestinationIDs: []string{"dest-1"},
	}}))
	_, err = m.ProcessOutbox(ctx, 10)
	require.NoError(t, err)

	now := time.Now().UTC()
	claimed, err := m.ClaimDueDeliveries(ctx, "acme", 10, "worker-1", now, 60*time.Second)
	require.NoError(t, err)
	require.Len(t, claimed, 1)

	err = m.UpdateDeliveryAttempt(ctx, "acme", claimed[0].DeliveryID, store.DeliveryUpdate{
		Delivered:     true,
		State:         domain.DeliveryDelivered,
		NextAttemptAt: now,
		LastStatus:    200,
		ClearClaim:    true,
	})
	require.NoError(t, err)

	d, ok := m.st.GetDelivery("acme", claimed[0].DeliveryID)
	require.True(t, ok)
	assert.Equal(t, domain.DeliveryDelivered, d.State)
	assert.Equal(t, 1, d.Attempts)
	assert.Empty(t, d.Worker)
	assert.Nil(t, d.ClaimedAt)
}

func TestEmbeddedMirror_EmergencyControlEvent_PersistsAndReloads(t *testing.T) {
	ctx := context.Background()
	dir := t.TempDir()

	m, err := NewEmbeddedMirror(dir, nil, newTestDeliveryIDs())
	require.NoError(t, err)

	err = m.ApplyBatch(ctx, []domain.Op{domain.EmergencyControlEventOp{
		TenantID: "acme", ScopeType: "robot", ScopeID: "r-1", EventID: "evt-1",
		ControlType: "halt", Activate: true,
	}})
	require.NoError(t, err)
	require.NoError(t, m.Close())

	reopened, err := NewEmbeddedMirror(dir, nil, newTestDeliveryIDs())
	require.NoError(t, err)
	defer reopened.Close()

	state, ok := reopened.st.GetControlState("acme", "robot", "r-1", "halt")
	require.True(t, ok)
	assert.True(t, state.Active)
	assert.Equal(t, int64(1), state.Revision)
}

func TestEmbeddedMirror_ApplyBatch_RejectsInvalidOp(t *testing.T) {
	ctx := context.Background()
	m, err := NewEmbeddedMirror(t.TempDir(), nil, newTestDeliveryIDs())
	require.NoError(t, err)
	defer m.Close()

	err = m.ApplyBatch(ctx, []domain.Op{domain.UpsertOp{TenantID: "acme", Entity: domain.EntityRobot, ID: ""}})
	assert.Error(t, err)
}
