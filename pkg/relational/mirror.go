package relational

import (
	"context"
	"time"

	"github.com/fulcrumhq/proxy/pkg/domain"
	"github.com/fulcrumhq/proxy/pkg/store"
)

// ClaimedDelivery is one leased delivery row as the relational backend
// returns it from ClaimDueDeliveries.
type ClaimedDelivery struct {
	domain.Delivery
}

// Mirror is the relational-store contract spec §6 requires: idempotent
// batch apply of the op vocabulary in one transaction; leased claim of
// due deliveries; attempt outcome recording; and outbox drain into
// delivery rows (the outbox pattern — enqueue rows are fanned out in the
// same transaction that mutates domain rows).
type Mirror interface {
	// ApplyBatch applies ops to the in-memory Store through the Tx
	// Applier, then persists the affected rows, outbox rows included, in
	// one backend transaction. Delivery rows are created later by
	// ProcessOutbox; in-memory changes are not rolled back if the persist
	// step fails.
	ApplyBatch(ctx context.Context, batch []domain.Op) error

	// ClaimDueDeliveries leases up to maxMessages due deliveries for
	// tenantID (all tenants if empty) under worker, using reclaimAfter
	// as the lease window (60s per spec §4.6).
	ClaimDueDeliveries(ctx context.Context, tenantID string, maxMessages int, worker string, now time.Time, reclaimAfter time.Duration) ([]ClaimedDelivery, error)

	// UpdateDeliveryAttempt records one attempt's outcome.
	UpdateDeliveryAttempt(ctx context.Context, tenantID, deliveryID string, upd store.DeliveryUpdate) error

	// ProcessOutbox drains up to maxMessages enqueued outbox messages
	// into delivery rows, atomically removing each drained message.
	ProcessOutbox(ctx context.Context, maxMessages int) (int, error)

	// GetDestination resolves a delivery destination for the attempt
	// engine (pkg/delivery).
	GetDestination(tenantID, destinationID string) (domain.Destination, bool)

	// GetArtifact resolves the artifact an attempt engine delivers, keyed
	// by the same (entity kind, tenant, id) scheme every other entity
	// uses — artifactType doubles as the entity kind.
	GetArtifact(tenantID, artifactType, artifactID string) (map[string]any, bool)

	// GetConfig returns the per-tenant delivery tunables (max attempts,
	// backoff bounds, retention windows), defaulted when unset.
	GetConfig(tenantID string) store.Config

	// SetDefaultConfig overrides the process-wide fallback Config every
	// tenant without an explicit override resolves to, seeded at startup
	// from the loaded PROXY_* tunables (spec §6).
	SetDefaultConfig(c store.Config)

	// ListAgentLifecycleTenants lists tenants holding at least one x402
	// agent lifecycle record, sorted — pkg/insolvency's tenant
	// enumeration step (spec §4.8).
	ListAgentLifecycleTenants() ([]string, error)

	// ListAgentLifecycleIDs pages through a tenant's x402 agent lifecycle
	// record ids, sorted.
	ListAgentLifecycleIDs(tenantID string) ([]string, error)

	// Close releases any held resources (DB handle, file descriptor).
	Close() error
}
