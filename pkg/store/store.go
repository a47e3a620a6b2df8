package store

import (
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/fulcrumhq/proxy/pkg/domain"
)

// Config is the small set of per-tenant tunables the delivery worker and
// scheduler read back out of the Store. It is held in a per-tenant map
// written by SetConfig, outside the op vocabulary, so config changes do
// not pass through Apply or the TxLog.
type Config struct {
	MaxDeliveryAttempts int
	BaseBackoffMs       int64
	MaxBackoffMs        int64
	RetentionDeliveredDays int
	RetentionDLQDays       int
}

// DefaultConfig mirrors the defaults named in spec §8's worked scenarios.
func DefaultConfig() Config {
	return Config{
		MaxDeliveryAttempts:    5,
		BaseBackoffMs:          1000,
		MaxBackoffMs:           60000,
		RetentionDeliveredDays: 30,
		RetentionDLQDays:       30,
	}
}

// Store is the in-memory state spec §4.2 describes: a collection of
// keyed maps, per-aggregate event logs, a double-entry ledger per
// tenant, an idempotency cache, an outbox queue. It owns all of this
// state exclusively. Op-vocabulary state changes through Apply
// (apply.go); delivery claims and attempt outcomes, outbox drains,
// destinations, configs and the Put/Delete/Restore* helpers write these
// fields directly, without passing through Apply or the TxLog.
type Store struct {
	mu sync.RWMutex

	// entities maps entity kind -> scoped key -> record. Covers every
	// UPSERT, IMMUTABLE_PUT, and STATUS_TRANSITION family in one
	// generic table, since none of their business semantics are in
	// scope (spec §1).
	entities map[string]map[string]map[string]any

	streams   map[string][]domain.Event
	snapshots map[string]domain.Snapshot

	ledgers map[string]*domain.Ledger

	idempotency map[string]domain.IdempotencyRecord

	outboxSeq map[string]int64 // tenant -> last assigned outbox seq
	outbox    []domain.OutboxMessage

	deliveries   map[string]*domain.Delivery // scoped (tenantId, deliveryId) key -> delivery
	destinations map[string]domain.Destination

	controls map[string]domain.EmergencyControlState

	ingestSeen map[string]domain.IngestRecord

	configs       map[string]Config
	defaultConfig Config

	metrics MetricsSink
}

// MetricsSink is the narrow interface Store uses to report counters and
// timings; it is satisfied by pkg/metrics and a no-op stub in tests.
type MetricsSink interface {
	IncCounter(name string, labels map[string]string)
	ObserveDuration(name string, seconds float64)
}

type noopMetrics struct{}

func (noopMetrics) IncCounter(string, map[string]string) {}
func (noopMetrics) ObserveDuration(string, float64)      {}

// New returns an empty Store. Pass a MetricsSink to observe op-level
// counters, or nil to use a no-op sink.
func New(metrics MetricsSink) *Store {
	if metrics == nil {
		metrics = noopMetrics{}
	}
	return &Store{
		entities:      map[string]map[string]map[string]any{},
		streams:       map[string][]domain.Event{},
		snapshots:     map[string]domain.Snapshot{},
		ledgers:       map[string]*domain.Ledger{},
		idempotency:   map[string]domain.IdempotencyRecord{},
		outboxSeq:     map[string]int64{},
		deliveries:    map[string]*domain.Delivery{},
		destinations:  map[string]domain.Destination{},
		controls:      map[string]domain.EmergencyControlState{},
		ingestSeen:    map[string]domain.IngestRecord{},
		configs:       map[string]Config{},
		defaultConfig: DefaultConfig(),
		metrics:       metrics,
	}
}

// Get returns the record for (entity, tenantId, id), if present.
func (s *Store) Get(entity, tenantID, id string) (map[string]any, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.entities[entity]
	if !ok {
		return nil, false
	}
	rec, ok := bucket[domain.MakeScopedKey(tenantID, id)]
	return rec, ok
}

// Put writes rec for (entity, tenantId, id) unconditionally.
func (s *Store) Put(entity, tenantID, id string, rec map[string]any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.putLocked(entity, tenantID, id, rec)
}

func (s *Store) putLocked(entity, tenantID, id string, rec map[string]any) {
	bucket, ok := s.entities[entity]
	if !ok {
		bucket = map[string]map[string]any{}
		s.entities[entity] = bucket
	}
	bucket[domain.MakeScopedKey(tenantID, id)] = rec
}

// Delete removes the record for (entity, tenantId, id), if present.
func (s *Store) Delete(entity, tenantID, id string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if bucket, ok := s.entities[entity]; ok {
		delete(bucket, domain.MakeScopedKey(tenantID, id))
	}
}

// GetStream returns the full event stream for an aggregate, oldest first.
func (s *Store) GetStream(tenantID string, kind domain.AggregateKind, aggregateID string) []domain.Event {
	s.mu.RLock()
	defer s.mu.RUnlock()
	stream := s.streams[domain.MakeStreamKey(tenantID, kind, aggregateID)]
	out := make([]domain.Event, len(stream))
	copy(out, stream)
	return out
}

// GetSnapshot returns the current reduced snapshot for an aggregate.
func (s *Store) GetSnapshot(tenantID string, kind domain.AggregateKind, aggregateID string) (domain.Snapshot, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[domain.MakeStreamKey(tenantID, kind, aggregateID)]
	return snap, ok
}

// GetIdempotency returns a previously-stored idempotency record.
func (s *Store) GetIdempotency(tenantID, key string) (domain.IdempotencyRecord, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.idempotency[domain.MakeScopedKey(tenantID, key)]
	return rec, ok
}

// PutDestination registers an externally-managed delivery destination.
// Destinations are not part of the op vocabulary (spec §3: "externally
// managed") but delivery tests need a way to seed them.
func (s *Store) PutDestination(dest domain.Destination) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.destinations[domain.MakeScopedKey(dest.TenantID, dest.DestinationID)] = dest
}

// GetDestination looks up a destination by (tenantId, destinationId).
func (s *Store) GetDestination(tenantID, destinationID string) (domain.Destination, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.destinations[domain.MakeScopedKey(tenantID, destinationID)]
	return d, ok
}

// RestoreStream re-seeds an aggregate's stream and recomputed snapshot
// from a prior persisted copy, without re-checking the hash-chain
// invariant (the relational mirror already enforced it when these
// events were first appended). Used only by pkg/relational on load.
func (s *Store) RestoreStream(tenantID string, kind domain.AggregateKind, aggregateID string, events []domain.Event) {
	s.mu.Lock()
	defer s.mu.Unlock()
	key := domain.MakeStreamKey(tenantID, kind, aggregateID)
	s.streams[key] = events
	s.snapshots[key] = domain.Reduce(tenantID, kind, aggregateID, events)
}

// RestoreLedger re-seeds a tenant's ledger from a prior persisted copy.
func (s *Store) RestoreLedger(l *domain.Ledger) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.ledgers[domain.NormalizeTenant(l.TenantID)] = l
}

// RestoreDelivery re-seeds a delivery row from a prior persisted copy.
func (s *Store) RestoreDelivery(d *domain.Delivery) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.deliveries[domain.MakeScopedKey(d.TenantID, d.DeliveryID)] = d
}

// RestoreControl re-seeds one emergency control state from a prior
// persisted copy.
func (s *Store) RestoreControl(c domain.EmergencyControlState) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.controls[domain.MakeControlKey(c.TenantID, c.ScopeType, c.ScopeID, c.ControlType)] = c
}

// GetLedger returns the tenant's ledger, creating an empty one if absent.
func (s *Store) GetLedger(tenantID string) *domain.Ledger {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ledgerLocked(tenantID)
}

func (s *Store) ledgerLocked(tenantID string) *domain.Ledger {
	tenantID = domain.NormalizeTenant(tenantID)
	l, ok := s.ledgers[tenantID]
	if !ok {
		l = domain.NewLedger(tenantID)
		s.ledgers[tenantID] = l
	}
	return l
}

// GetConfig returns tenantId's tunables, or the process-wide default
// (DefaultConfig unless overridden by SetDefaultConfig) if unset.
func (s *Store) GetConfig(tenantID string) Config {
	s.mu.RLock()
	defer s.mu.RUnlock()
	if c, ok := s.configs[domain.NormalizeTenant(tenantID)]; ok {
		return c
	}
	return s.defaultConfig
}

// SetConfig overrides tenantId's tunables.
func (s *Store) SetConfig(tenantID string, c Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.configs[domain.NormalizeTenant(tenantID)] = c
}

// SetDefaultConfig overrides the fallback Config every tenant without an
// explicit per-tenant override resolves to — how the process-wide
// PROXY_* tunables (spec §6) reach the delivery worker's retention/
// backoff math without forcing every tenant to carry its own copy.
func (s *Store) SetDefaultConfig(c Config) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.defaultConfig = c
}

// ClaimDueDeliveries implements the in-memory claim path of spec §4.6:
// scan, apply the due predicate, sort deterministically, take the first
// maxMessages, and mark them claimed in place.
func (s *Store) ClaimDueDeliveries(tenantID string, maxMessages int, worker string, now time.Time, reclaimAfter time.Duration) []*domain.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	var due []*domain.Delivery
	for _, d := range s.deliveries {
		if tenantID != "" && d.TenantID != domain.NormalizeTenant(tenantID) {
			continue
		}
		if d.State != domain.DeliveryPending {
			continue
		}
		if d.NextAttemptAt.After(now) {
			continue
		}
		if d.ClaimedAt != nil && now.Sub(*d.ClaimedAt) < reclaimAfter {
			continue
		}
		due = append(due, d)
	}

	sort.Slice(due, func(i, j int) bool {
		a, b := due[i], due[j]
		if a.ScopeKey != b.ScopeKey {
			return a.ScopeKey < b.ScopeKey
		}
		if a.OrderSeq != b.OrderSeq {
			return a.OrderSeq < b.OrderSeq
		}
		if a.Priority != b.Priority {
			return a.Priority < b.Priority
		}
		if !a.NextAttemptAt.Equal(b.NextAttemptAt) {
			return a.NextAttemptAt.Before(b.NextAttemptAt)
		}
		return a.DeliveryID < b.DeliveryID
	})

	if len(due) > maxMessages {
		due = due[:maxMessages]
	}

	claimedAt := now
	claimed := make([]*domain.Delivery, 0, len(due))
	for _, d := range due {
		d.ClaimedAt = &claimedAt
		d.Worker = worker
		claimed = append(claimed, d)
	}
	return claimed
}

// DeliveryUpdate is the outcome an attempt engine reports back to the
// Store, matching spec §6's updateDeliveryAttempt contract.
type DeliveryUpdate struct {
	Delivered     bool
	State         domain.DeliveryState
	NextAttemptAt time.Time
	LastStatus    int
	LastError     string
	ExpiresAt     *time.Time
	ClearClaim    bool
}

// UpdateDeliveryAttempt records one attempt's outcome. Attempts increment
// unconditionally; state, retry schedule, and claim clearing follow the
// caller's decision (pkg/delivery computes DeliveryUpdate per spec §4.6).
func (s *Store) UpdateDeliveryAttempt(tenantID, deliveryID string, upd DeliveryUpdate) {
	s.mu.Lock()
	defer s.mu.Unlock()
	d, ok := s.deliveries[domain.MakeScopedKey(tenantID, deliveryID)]
	if !ok {
		return
	}
	d.Attempts++
	d.State = upd.State
	d.LastStatus = upd.LastStatus
	d.LastError = upd.LastError
	d.NextAttemptAt = upd.NextAttemptAt
	d.ExpiresAt = upd.ExpiresAt
	if upd.Delivered {
		now := upd.NextAttemptAt
		d.DeliveredAt = &now
	}
	if upd.ClearClaim {
		d.ClaimedAt = nil
		d.Worker = ""
	}
}

// GetDelivery returns a copy of the delivery record, for tests and
// observability.
func (s *Store) GetDelivery(tenantID, deliveryID string) (domain.Delivery, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	d, ok := s.deliveries[domain.MakeScopedKey(tenantID, deliveryID)]
	if !ok {
		return domain.Delivery{}, false
	}
	return *d, true
}

// ListOutbox returns a snapshot of outstanding outbox messages, oldest
// first. It does not remove them: draining into deliveries is the job of
// DrainOutbox/DrainOutboxN (the mirrors' ProcessOutbox, spec §6).
func (s *Store) ListOutbox() []domain.OutboxMessage {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]domain.OutboxMessage, len(s.outbox))
	copy(out, s.outbox)
	return out
}

// DrainOutbox removes every currently-enqueued message and fans each out
// into one Delivery per destinationId, returning the created deliveries.
// This is the in-memory analogue of the relational backend's
// processOutbox (spec §6).
func (s *Store) DrainOutbox(newDeliveryID func() string, now time.Time) []*domain.Delivery {
	return s.DrainOutboxN(newDeliveryID, now, 0)
}

// DrainOutboxN removes at most maxMessages currently-enqueued outbox
// messages (0 = unlimited) and fans each out into one Delivery per
// destinationId, returning the created deliveries. Messages beyond the
// cap stay queued for the next drain, matching the relational backend's
// `LIMIT maxMessages` bound on ProcessOutbox (spec §6).
func (s *Store) DrainOutboxN(newDeliveryID func() string, now time.Time, maxMessages int) []*domain.Delivery {
	s.mu.Lock()
	defer s.mu.Unlock()

	msgs := s.outbox
	if maxMessages > 0 && len(msgs) > maxMessages {
		s.outbox = msgs[maxMessages:]
		msgs = msgs[:maxMessages]
	} else {
		s.outbox = nil
	}

	var created []*domain.Delivery
	for _, msg := range msgs {
		for i, destID := range msg.DestinationIDs {
			id := newDeliveryID()
			d := &domain.Delivery{
				TenantID:      domain.NormalizeTenant(msg.TenantID),
				DeliveryID:    id,
				ScopeKey:      msg.ScopeKey,
				OrderSeq:      msg.Seq,
				Priority:      i,
				DestinationID: destID,
				ArtifactType:  msg.ArtifactType,
				ArtifactID:    msg.ArtifactID,
				State:         domain.DeliveryPending,
				NextAttemptAt: now,
				CreatedAt:     now,
			}
			d.OrderKey = domain.ComputeOrderKey(d.ScopeKey, d.OrderSeq, d.Priority, d.DeliveryID)
			s.deliveries[domain.MakeScopedKey(d.TenantID, d.DeliveryID)] = d
			created = append(created, d)
		}
	}
	return created
}

// TenantsWithLedgers lists tenants that have a ledger, sorted. GetLedger
// creates an empty ledger on first access, so a listed tenant may have no
// entries. Used by proxyd replay to report the rebuilt ledgers.
func (s *Store) TenantsWithLedgers() []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]string, 0, len(s.ledgers))
	for t := range s.ledgers {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}

// ListEntityIDs returns the ids of every record of kind entity scoped to
// tenantID, sorted. Used by pkg/insolvency to page through x402 agent
// lifecycle records without inventing a second index structure — the
// same generic entity table every upsert already lands in.
func (s *Store) ListEntityIDs(entity, tenantID string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.entities[entity]
	if !ok {
		return nil
	}
	prefix := domain.NormalizeTenant(tenantID) + "\x00"
	out := make([]string, 0, len(bucket))
	for key := range bucket {
		if strings.HasPrefix(key, prefix) {
			out = append(out, strings.TrimPrefix(key, prefix))
		}
	}
	sort.Strings(out)
	return out
}

// TenantsWithEntity lists the distinct tenants holding at least one
// record of kind entity, sorted. Used by pkg/insolvency to enumerate
// tenants when the caller does not pin a single tenantId (spec §4.8).
func (s *Store) TenantsWithEntity(entity string) []string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	bucket, ok := s.entities[entity]
	if !ok {
		return nil
	}
	seen := map[string]struct{}{}
	for key := range bucket {
		if idx := strings.IndexByte(key, 0); idx >= 0 {
			seen[key[:idx]] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for t := range seen {
		out = append(out, t)
	}
	sort.Strings(out)
	return out
}
