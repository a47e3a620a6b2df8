package relational

import (
	"context"
	"encoding/json"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	bolt "go.etcd.io/bbolt"

	"github.com/fulcrumhq/proxy/pkg/domain"
	"github.com/fulcrumhq/proxy/pkg/store"
)

var (
	bucketEntities  = []byte("entities")
	bucketStreams   = []byte("streams")
	bucketSnapshots = []byte("snapshots")
	bucketLedgers   = []byte("ledgers")
	bucketOutbox    = []byte("outbox")
	bucketDeliveries = []byte("deliveries")
	bucketControls  = []byte("controls")
	bucketControlEvents = []byte("control_events")
)

// EmbeddedMirror is the embedded Mirror implementation: an in-memory
// store.Store and store.Applier — exercising the exact same op
// vocabulary and invariant checks the pure in-memory path uses, per
// spec §9's "both implementations execute the same contract" — fronted
// by a bbolt database for durability, one bucket per entity family,
// grounded on the teacher's pkg/storage.BoltStore bucket-per-entity
// pattern.
type EmbeddedMirror struct {
	db      *bolt.DB
	st      *store.Store
	applier *store.Applier

	newDeliveryID func() string
}

// NewEmbeddedMirror opens (creating if absent) a bbolt database under
// dataDir and loads any previously-persisted entities/streams/ledgers
// back into a fresh in-memory Store.
func NewEmbeddedMirror(dataDir string, metrics store.MetricsSink, newDeliveryID func() string) (*EmbeddedMirror, error) {
	dbPath := filepath.Join(dataDir, "proxy.db")
	db, err := bolt.Open(dbPath, 0o600, nil)
	if err != nil {
		return nil, fmt.Errorf("relational: open %s: %w", dbPath, err)
	}

	buckets := [][]byte{bucketEntities, bucketStreams, bucketSnapshots, bucketLedgers, bucketOutbox, bucketDeliveries, bucketControls, bucketControlEvents}
	if err := db.Update(func(tx *bolt.Tx) error {
		for _, b := range buckets {
			if _, err := tx.CreateBucketIfNotExists(b); err != nil {
				return fmt.Errorf("create bucket %s: %w", b, err)
			}
		}
		return nil
	}); err != nil {
		db.Close()
		return nil, err
	}

	m := &EmbeddedMirror{db: db, st: store.New(metrics), newDeliveryID: newDeliveryID}
	m.applier = store.NewApplier(m.st, nil)
	if err := m.loadAll(); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

func (m *EmbeddedMirror) loadAll() error {
	return m.db.View(func(tx *bolt.Tx) error {
		if err := tx.Bucket(bucketDeliveries).ForEach(func(k, v []byte) error {
			var d domain.Delivery
			if err := json.Unmarshal(v, &d); err != nil {
				return fmt.Errorf("decode delivery %s: %w", k, err)
			}
			m.st.RestoreDelivery(&d)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketEntities).ForEach(func(k, v []byte) error {
			entity, tenantID, id, err := splitEntityKey(string(k))
			if err != nil {
				return err
			}
			var rec map[string]any
			if err := json.Unmarshal(v, &rec); err != nil {
				return fmt.Errorf("decode entity %s: %w", k, err)
			}
			m.st.Put(entity, tenantID, id, rec)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketLedgers).ForEach(func(k, v []byte) error {
			var l domain.Ledger
			if err := json.Unmarshal(v, &l); err != nil {
				return fmt.Errorf("decode ledger %s: %w", k, err)
			}
			m.st.RestoreLedger(&l)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketControls).ForEach(func(k, v []byte) error {
			var c domain.EmergencyControlState
			if err := json.Unmarshal(v, &c); err != nil {
				return fmt.Errorf("decode control state %s: %w", k, err)
			}
			m.st.RestoreControl(c)
			return nil
		}); err != nil {
			return err
		}

		if err := tx.Bucket(bucketStreams).ForEach(func(k, v []byte) error {
			parts := strings.SplitN(string(k), "\x00", 3)
			if len(parts) != 3 {
				return fmt.Errorf("relational: malformed stream key %q", k)
			}
			var events []domain.Event
			if err := json.Unmarshal(v, &events); err != nil {
				return fmt.Errorf("decode stream %s: %w", k, err)
			}
			m.st.RestoreStream(parts[0], domain.AggregateKind(parts[1]), parts[2], events)
			return nil
		}); err != nil {
			return err
		}

		return nil
	})
}

// splitEntityKey reverses the "<entity>\x00<tenant>\x00<id>" key shape
// persistEntity writes, tolerating ids that themselves contain \x00
// (e.g. settlement policy "id@version" composites never do, but this
// keeps the split total regardless).
func splitEntityKey(key string) (entity, tenantID, id string, err error) {
	first := strings.IndexByte(key, 0)
	if first < 0 {
		return "", "", "", fmt.Errorf("relational: malformed entity key %q", key)
	}
	entity = key[:first]
	rest := key[first+1:]
	second := strings.IndexByte(rest, 0)
	if second < 0 {
		return "", "", "", fmt.Errorf("relational: malformed entity key %q", key)
	}
	return entity, rest[:second], rest[second+1:], nil
}

// ApplyBatch applies batch against the in-memory store under the same
// invariant checks the pure in-memory path uses, then persists every
// record touched into bbolt in one transaction.
func (m *EmbeddedMirror) ApplyBatch(ctx context.Context, batch []domain.Op) error {
	if err := m.applier.Apply(batch); err != nil {
		return err
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		for _, op := range batch {
			if err := persistOp(tx, m.st, op); err != nil {
				return err
			}
		}
		return nil
	})
}

func persistOp(tx *bolt.Tx, st *store.Store, op domain.Op) error {
	switch o := op.(type) {
	case domain.UpsertOp:
		id := o.ID
		if o.Entity == domain.EntityTenantSettlementPolicy {
			id = fmt.Sprintf("%s@%v", o.ID, o.Record["policyVersion"])
		}
		return persistEntity(tx, st, string(o.Entity), o.TenantID, id)
	case domain.ImmutablePutOp:
		return persistEntity(tx, st, string(o.Entity), o.TenantID, o.ID)
	case domain.StatusTransitionOp:
		return persistEntity(tx, st, string(o.Entity), o.TenantID, o.ID)
	case domain.EventAppendOp:
		return persistStream(tx, st, o.TenantID, o.AggregateKind, o.AggregateID)
	case domain.EmergencyControlEventOp:
		return persistControlEvent(tx, st, o)
	case domain.LedgerEntryOp:
		return persistLedger(tx, st, o.TenantID)
	case domain.OutboxEnqueueOp:
		return persistOutbox(tx, st)
	}
	return nil
}

func persistEntity(tx *bolt.Tx, st *store.Store, entity, tenantID, id string) error {
	rec, ok := st.Get(entity, tenantID, id)
	if !ok {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	key := entity + "\x00" + domain.MakeScopedKey(tenantID, id)
	return tx.Bucket(bucketEntities).Put([]byte(key), data)
}

func persistStream(tx *bolt.Tx, st *store.Store, tenantID string, kind domain.AggregateKind, aggregateID string) error {
	key := domain.MakeStreamKey(tenantID, kind, aggregateID)
	stream := st.GetStream(tenantID, kind, aggregateID)
	data, err := json.Marshal(stream)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketStreams).Put([]byte(key), data)
}

func persistLedger(tx *bolt.Tx, st *store.Store, tenantID string) error {
	l := st.GetLedger(tenantID)
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketLedgers).Put([]byte(domain.NormalizeTenant(tenantID)), data)
}

// persistControlEvent persists the idempotency record for the emergency
// control event itself plus every control state it touched (its own
// ControlType, or every entry in Resets when it is a RESUME event).
func persistControlEvent(tx *bolt.Tx, st *store.Store, o domain.EmergencyControlEventOp) error {
	rec, ok := st.Get("emergency_control_event", o.TenantID, "emergency_event:"+o.EventID)
	if !ok {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	eventKey := "emergency_control_event\x00" + domain.MakeScopedKey(o.TenantID, "emergency_event:"+o.EventID)
	if err := tx.Bucket(bucketEntities).Put([]byte(eventKey), data); err != nil {
		return err
	}

	controlTypes := o.Resets
	if !o.Resume {
		controlTypes = []string{o.ControlType}
	}
	for _, ct := range controlTypes {
		state, ok := st.GetControlState(o.TenantID, o.ScopeType, o.ScopeID, ct)
		if !ok {
			continue
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		key := domain.MakeControlKey(o.TenantID, o.ScopeType, o.ScopeID, ct)
		if err := tx.Bucket(bucketControls).Put([]byte(key), data); err != nil {
			return err
		}
	}
	return nil
}

func persistOutbox(tx *bolt.Tx, st *store.Store) error {
	data, err := json.Marshal(st.ListOutbox())
	if err != nil {
		return err
	}
	return tx.Bucket(bucketOutbox).Put([]byte("current"), data)
}

func persistDelivery(tx *bolt.Tx, d domain.Delivery) error {
	data, err := json.Marshal(d)
	if err != nil {
		return err
	}
	return tx.Bucket(bucketDeliveries).Put([]byte(domain.MakeScopedKey(d.TenantID, d.DeliveryID)), data)
}

// ClaimDueDeliveries leases deliveries from the in-memory store, then
// persists the claimed rows' updated claim state.
func (m *EmbeddedMirror) ClaimDueDeliveries(ctx context.Context, tenantID string, maxMessages int, worker string, now time.Time, reclaimAfter time.Duration) ([]ClaimedDelivery, error) {
	claimed := m.st.ClaimDueDeliveries(tenantID, maxMessages, worker, now, reclaimAfter)
	out := make([]ClaimedDelivery, 0, len(claimed))
	err := m.db.Update(func(tx *bolt.Tx) error {
		for _, d := range claimed {
			if err := persistDelivery(tx, *d); err != nil {
				return err
			}
			out = append(out, ClaimedDelivery{Delivery: *d})
		}
		return nil
	})
	return out, err
}

// UpdateDeliveryAttempt records the outcome in the in-memory store and
// persists the resulting row.
func (m *EmbeddedMirror) UpdateDeliveryAttempt(ctx context.Context, tenantID, deliveryID string, upd store.DeliveryUpdate) error {
	m.st.UpdateDeliveryAttempt(tenantID, deliveryID, upd)
	d, ok := m.st.GetDelivery(tenantID, deliveryID)
	if !ok {
		return fmt.Errorf("relational: delivery %s not found after update", deliveryID)
	}
	return m.db.Update(func(tx *bolt.Tx) error {
		return persistDelivery(tx, d)
	})
}

// ProcessOutbox drains up to maxMessages enqueued outbox messages into
// delivery rows, persisting both the outbox (messages beyond the cap
// stay queued) and the newly created rows.
func (m *EmbeddedMirror) ProcessOutbox(ctx context.Context, maxMessages int) (int, error) {
	created := m.st.DrainOutboxN(m.newDeliveryID, time.Now().UTC(), maxMessages)
	err := m.db.Update(func(tx *bolt.Tx) error {
		if err := persistOutbox(tx, m.st); err != nil {
			return err
		}
		for _, d := range created {
			if err := persistDelivery(tx, *d); err != nil {
				return err
			}
		}
		return nil
	})
	return len(created), err
}

// GetDestination resolves a delivery destination from the in-memory
// staging store.
func (m *EmbeddedMirror) GetDestination(tenantID, destinationID string) (domain.Destination, bool) {
	return m.st.GetDestination(tenantID, destinationID)
}

// GetArtifact resolves an artifact by treating its artifactType as the
// entity kind, consistent with how every other entity is keyed.
func (m *EmbeddedMirror) GetArtifact(tenantID, artifactType, artifactID string) (map[string]any, bool) {
	return m.st.Get(artifactType, tenantID, artifactID)
}

// GetConfig returns the tenant's delivery tunables from the in-memory
// staging store.
func (m *EmbeddedMirror) GetConfig(tenantID string) store.Config {
	return m.st.GetConfig(tenantID)
}

// SetDefaultConfig overrides the process-wide fallback Config in the
// in-memory staging store.
func (m *EmbeddedMirror) SetDefaultConfig(c store.Config) {
	m.st.SetDefaultConfig(c)
}

// ListAgentLifecycleTenants lists tenants holding x402 agent lifecycle
// records in the in-memory staging store.
func (m *EmbeddedMirror) ListAgentLifecycleTenants() ([]string, error) {
	return m.st.TenantsWithEntity(string(domain.EntityX402AgentLifecycle)), nil
}

// ListAgentLifecycleIDs pages through one tenant's x402 agent lifecycle
// record ids.
func (m *EmbeddedMirror) ListAgentLifecycleIDs(tenantID string) ([]string, error) {
	return m.st.ListEntityIDs(string(domain.EntityX402AgentLifecycle), tenantID), nil
}

// Close closes the underlying bbolt database.
func (m *EmbeddedMirror) Close() error {
	return m.db.Close()
}

var _ Mirror = (*EmbeddedMirror)(nil)
