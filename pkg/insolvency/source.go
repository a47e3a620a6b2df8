package insolvency

import (
	"context"
	"fmt"

	"github.com/fulcrumhq/proxy/pkg/domain"
	"github.com/fulcrumhq/proxy/pkg/relational"
	"github.com/fulcrumhq/proxy/pkg/store"
)

// Source is the tenant/agent enumeration and mutation contract the sweep
// needs, satisfied by either the in-memory Store directly or a
// relational Mirror — the same "two execution modes share one engine"
// shape pkg/delivery.Source uses.
type Source interface {
	ListTenants(ctx context.Context) ([]string, error)
	ListAgentIDs(ctx context.Context, tenantID string) ([]string, error)
	GetAgent(ctx context.Context, tenantID, agentID string) (map[string]any, bool, error)
	FreezeAgent(ctx context.Context, tenantID, agentID string, rec map[string]any) error
}

// InMemorySource adapts a *store.Store (plus the Applier that enforces
// its invariants) directly.
type InMemorySource struct {
	St      *store.Store
	Applier *store.Applier
}

func (s InMemorySource) ListTenants(ctx context.Context) ([]string, error) {
	return s.St.TenantsWithEntity(string(domain.EntityX402AgentLifecycle)), nil
}

func (s InMemorySource) ListAgentIDs(ctx context.Context, tenantID string) ([]string, error) {
	return s.St.ListEntityIDs(string(domain.EntityX402AgentLifecycle), tenantID), nil
}

func (s InMemorySource) GetAgent(ctx context.Context, tenantID, agentID string) (map[string]any, bool, error) {
	rec, ok := s.St.Get(string(domain.EntityX402AgentLifecycle), tenantID, agentID)
	return rec, ok, nil
}

func (s InMemorySource) FreezeAgent(ctx context.Context, tenantID, agentID string, rec map[string]any) error {
	return s.Applier.Apply([]domain.Op{domain.UpsertOp{
		TenantID: tenantID,
		Entity:   domain.EntityX402AgentLifecycle,
		ID:       agentID,
		Record:   rec,
	}})
}

// RelationalSource adapts a relational.Mirror.
type RelationalSource struct {
	Mirror relational.Mirror
}

func (s RelationalSource) ListTenants(ctx context.Context) ([]string, error) {
	return s.Mirror.ListAgentLifecycleTenants()
}

func (s RelationalSource) ListAgentIDs(ctx context.Context, tenantID string) ([]string, error) {
	return s.Mirror.ListAgentLifecycleIDs(tenantID)
}

func (s RelationalSource) GetAgent(ctx context.Context, tenantID, agentID string) (map[string]any, bool, error) {
	rec, ok := s.Mirror.GetArtifact(tenantID, string(domain.EntityX402AgentLifecycle), agentID)
	return rec, ok, nil
}

func (s RelationalSource) FreezeAgent(ctx context.Context, tenantID, agentID string, rec map[string]any) error {
	if err := s.Mirror.ApplyBatch(ctx, []domain.Op{domain.UpsertOp{
		TenantID: tenantID,
		Entity:   domain.EntityX402AgentLifecycle,
		ID:       agentID,
		Record:   rec,
	}}); err != nil {
		return fmt.Errorf("insolvency: freeze agent %s/%s: %w", tenantID, agentID, err)
	}
	return nil
}

var (
	_ Source = InMemorySource{}
	_ Source = RelationalSource{}
)
