package delivery

import (
	"context"
	"time"

	"github.com/fulcrumhq/proxy/pkg/domain"
	"github.com/fulcrumhq/proxy/pkg/relational"
	"github.com/fulcrumhq/proxy/pkg/store"
)

// Source is the claim/update/lookup contract attemptOne and tickDeliveries
// need, satisfied by either the in-memory Store directly or a relational
// Mirror, per spec §4.6's "two execution modes share one attempt engine."
type Source interface {
	ClaimDueDeliveries(ctx context.Context, tenantID string, maxMessages int, worker string, now time.Time, reclaimAfter time.Duration) ([]domain.Delivery, error)
	UpdateDeliveryAttempt(ctx context.Context, tenantID, deliveryID string, upd store.DeliveryUpdate) error
	GetDestination(tenantID, destinationID string) (domain.Destination, bool)
	GetArtifact(tenantID, artifactType, artifactID string) (map[string]any, bool)
	GetConfig(tenantID string) store.Config
}

// InMemorySource adapts *store.Store to Source — the "claim (in-memory
// mode)" path spec §4.6 describes: scan-and-sort under the store's own
// lock, no transaction boundary needed.
type InMemorySource struct {
	St *store.Store
}

func (s InMemorySource) ClaimDueDeliveries(ctx context.Context, tenantID string, maxMessages int, worker string, now time.Time, reclaimAfter time.Duration) ([]domain.Delivery, error) {
	claimed := s.St.ClaimDueDeliveries(tenantID, maxMessages, worker, now, reclaimAfter)
	out := make([]domain.Delivery, 0, len(claimed))
	for _, d := range claimed {
		out = append(out, *d)
	}
	return out, nil
}

func (s InMemorySource) UpdateDeliveryAttempt(ctx context.Context, tenantID, deliveryID string, upd store.DeliveryUpdate) error {
	s.St.UpdateDeliveryAttempt(tenantID, deliveryID, upd)
	return nil
}

func (s InMemorySource) GetDestination(tenantID, destinationID string) (domain.Destination, bool) {
	return s.St.GetDestination(tenantID, destinationID)
}

func (s InMemorySource) GetArtifact(tenantID, artifactType, artifactID string) (map[string]any, bool) {
	return s.St.Get(artifactType, tenantID, artifactID)
}

func (s InMemorySource) GetConfig(tenantID string) store.Config {
	return s.St.GetConfig(tenantID)
}

// RelationalSource adapts a relational.Mirror to Source — the "claim
// (relational mode)" path, leasing rows with the backend's own locking
// (e.g. Postgres `FOR UPDATE SKIP LOCKED`).
type RelationalSource struct {
	Mirror relational.Mirror
}

func (s RelationalSource) ClaimDueDeliveries(ctx context.Context, tenantID string, maxMessages int, worker string, now time.Time, reclaimAfter time.Duration) ([]domain.Delivery, error) {
	claimed, err := s.Mirror.ClaimDueDeliveries(ctx, tenantID, maxMessages, worker, now, reclaimAfter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Delivery, 0, len(claimed))
	for _, c := range claimed {
		out = append(out, c.Delivery)
	}
	return out, nil
}

func (s RelationalSource) UpdateDeliveryAttempt(ctx context.Context, tenantID, deliveryID string, upd store.DeliveryUpdate) error {
	return s.Mirror.UpdateDeliveryAttempt(ctx, tenantID, deliveryID, upd)
}

func (s RelationalSource) GetDestination(tenantID, destinationID string) (domain.Destination, bool) {
	return s.Mirror.GetDestination(tenantID, destinationID)
}

func (s RelationalSource) GetArtifact(tenantID, artifactType, artifactID string) (map[string]any, bool) {
	return s.Mirror.GetArtifact(tenantID, artifactType, artifactID)
}

func (s RelationalSource) GetConfig(tenantID string) store.Config {
	return s.Mirror.GetConfig(tenantID)
}

var (
	_ Source = InMemorySource{}
	_ Source = RelationalSource{}
)
