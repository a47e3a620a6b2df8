package insolvency

import (
	"context"
	"fmt"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrumhq/proxy/pkg/domain"
	"github.com/fulcrumhq/proxy/pkg/store"
)

func seedAgent(t *testing.T, applier *store.Applier, tenantID, agentID string, balance float64) {
	t.Helper()
	require.NoError(t, applier.Apply([]domain.Op{domain.UpsertOp{
		TenantID: tenantID,
		Entity:   domain.EntityX402AgentLifecycle,
		ID:       agentID,
		Record:   map[string]any{"balance": balance, "frozen": false, "revision": float64(0)},
	}}))
}

func newTestSource(t *testing.T) (InMemorySource, *store.Store) {
	t.Helper()
	s := store.New(nil)
	applier := store.NewApplier(s, nil)
	return InMemorySource{St: s, Applier: applier}, s
}

func TestSweep_FreezesInsolventAgents(t *testing.T) {
	src, s := newTestSource(t)
	applier := store.NewApplier(s, nil)

	seedAgent(t, applier, "tenant-a", "agent-1", 100)
	seedAgent(t, applier, "tenant-a", "agent-2", -50)
	seedAgent(t, applier, "tenant-b", "agent-3", -10)

	res, err := Sweep(context.Background(), src, Params{MaxTenants: 10, MaxMessages: 10, BatchSize: 2})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 2, res.TenantCount)
	assert.Equal(t, 3, res.Scanned)
	assert.Equal(t, 3, res.Processed)
	assert.Equal(t, 2, res.Frozen)
	assert.Equal(t, 1, res.Skipped)
	assert.Equal(t, 0, res.Failures)
	assert.Len(t, res.Outcomes, 3)

	rec, ok := s.Get(string(domain.EntityX402AgentLifecycle), "tenant-a", "agent-2")
	require.True(t, ok)
	assert.Equal(t, true, rec["frozen"])
}

func TestSweep_AlreadyFrozenAgentIsSkippedNotRefrozen(t *testing.T) {
	src, s := newTestSource(t)
	applier := store.NewApplier(s, nil)
	require.NoError(t, applier.Apply([]domain.Op{domain.UpsertOp{
		TenantID: "tenant-a",
		Entity:   domain.EntityX402AgentLifecycle,
		ID:       "agent-1",
		Record:   map[string]any{"balance": -999.0, "frozen": true, "revision": float64(3)},
	}}))

	res, err := Sweep(context.Background(), src, Params{MaxTenants: 10, MaxMessages: 10, BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 0, res.Frozen)
	assert.Equal(t, 1, res.Skipped)

	rec, ok := s.Get(string(domain.EntityX402AgentLifecycle), "tenant-a", "agent-1")
	require.True(t, ok)
	assert.Equal(t, float64(3), rec["revision"])
}

func TestSweep_MaxMessagesLimitsProcessing(t *testing.T) {
	src, _ := newTestSource(t)
	applier := store.NewApplier(src.St, nil)

	for _, tenant := range []string{"tenant-a", "tenant-b", "tenant-c"} {
		for i := 0; i < 5; i++ {
			seedAgent(t, applier, tenant, fmt.Sprintf("agent-%d", i), 10)
		}
	}
	seedAgent(t, applier, "tenant-b", "agent-0", -5)
	seedAgent(t, applier, "tenant-b", "agent-1", -5)

	res, err := Sweep(context.Background(), src, Params{MaxTenants: 10, MaxMessages: 4, BatchSize: 5})
	require.NoError(t, err)
	assert.Equal(t, 3, res.TenantCount)
	assert.Equal(t, 4, res.Scanned)
	assert.Len(t, res.Outcomes, 4)
	assert.Equal(t, 0, res.Failures)
	assert.LessOrEqual(t, res.Frozen, 2)
}

func TestSweep_RejectsNonPositiveParams(t *testing.T) {
	src, _ := newTestSource(t)
	_, err := Sweep(context.Background(), src, Params{MaxTenants: 0, MaxMessages: 1, BatchSize: 1})
	assert.Error(t, err)
	_, err = Sweep(context.Background(), src, Params{MaxTenants: 1, MaxMessages: 0, BatchSize: 1})
	assert.Error(t, err)
	_, err = Sweep(context.Background(), src, Params{MaxTenants: 1, MaxMessages: 1, BatchSize: 0})
	assert.Error(t, err)
}

func TestSweep_NoAgentsIsANoOpNotAnError(t *testing.T) {
	src, _ := newTestSource(t)

	res, err := Sweep(context.Background(), src, Params{MaxTenants: 10, MaxMessages: 10, BatchSize: 10})
	require.NoError(t, err)
	assert.True(t, res.OK)
	assert.Equal(t, 0, res.TenantCount)
	assert.Equal(t, 0, res.Scanned)
	assert.Empty(t, res.Outcomes)
}

func TestSweep_SingleTenantFilter(t *testing.T) {
	src, _ := newTestSource(t)
	applier := store.NewApplier(src.St, nil)
	seedAgent(t, applier, "tenant-a", "agent-1", -5)
	seedAgent(t, applier, "tenant-b", "agent-1", -5)

	res, err := Sweep(context.Background(), src, Params{TenantID: "tenant-a", MaxTenants: 10, MaxMessages: 10, BatchSize: 10})
	require.NoError(t, err)
	assert.Equal(t, 1, res.TenantCount)
	assert.Equal(t, 1, res.Scanned)
	assert.Equal(t, 1, res.Frozen)
}
