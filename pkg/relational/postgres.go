package relational

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"github.com/fulcrumhq/proxy/pkg/domain"
	"github.com/fulcrumhq/proxy/pkg/store"
)

// schema is applied once at startup. Grounded on the pack's
// mycelian-memory outbox worker, which drives its lease/claim loop
// directly off plain SQL rather than an ORM.
const schema = `
CREATE TABLE IF NOT EXISTS proxy_entities (
	entity TEXT NOT NULL, tenant_id TEXT NOT NULL, id TEXT NOT NULL,
	record JSONB NOT NULL, PRIMARY KEY (entity, tenant_id, id)
);
CREATE TABLE IF NOT EXISTS proxy_streams (
	tenant_id TEXT NOT NULL, aggregate_kind TEXT NOT NULL, aggregate_id TEXT NOT NULL,
	events JSONB NOT NULL, PRIMARY KEY (tenant_id, aggregate_kind, aggregate_id)
);
CREATE TABLE IF NOT EXISTS proxy_ledgers (
	tenant_id TEXT PRIMARY KEY, ledger JSONB NOT NULL
);
CREATE TABLE IF NOT EXISTS proxy_outbox (
	id BIGSERIAL PRIMARY KEY, tenant_id TEXT NOT NULL, seq BIGINT NOT NULL,
	artifact_type TEXT NOT NULL, artifact_id TEXT NOT NULL, artifact JSONB NOT NULL,
	scope_key TEXT NOT NULL, destination_ids JSONB NOT NULL, created_at TIMESTAMPTZ NOT NULL
);
CREATE TABLE IF NOT EXISTS proxy_deliveries (
	tenant_id TEXT NOT NULL, delivery_id TEXT NOT NULL,
	scope_key TEXT NOT NULL, order_seq BIGINT NOT NULL, priority INT NOT NULL,
	destination_id TEXT NOT NULL, artifact_type TEXT NOT NULL, artifact_id TEXT NOT NULL,
	order_key TEXT NOT NULL, state TEXT NOT NULL, attempts INT NOT NULL DEFAULT 0,
	next_attempt_at TIMESTAMPTZ NOT NULL, claimed_at TIMESTAMPTZ, worker TEXT,
	last_status INT, last_error TEXT, delivered_at TIMESTAMPTZ, expires_at TIMESTAMPTZ,
	created_at TIMESTAMPTZ NOT NULL, PRIMARY KEY (tenant_id, delivery_id)
);
CREATE INDEX IF NOT EXISTS proxy_deliveries_due_idx ON proxy_deliveries (state, next_attempt_at);
CREATE TABLE IF NOT EXISTS proxy_controls (
	tenant_id TEXT NOT NULL, scope_type TEXT NOT NULL, scope_id TEXT NOT NULL, control_type TEXT NOT NULL,
	state JSONB NOT NULL, PRIMARY KEY (tenant_id, scope_type, scope_id, control_type)
);
`

// PostgresMirror is the SQL-backed Mirror implementation. It reuses an
// in-memory store.Applier purely as the invariant-checking staging
// layer for the upsert/immutable-put/event-append/ledger op families
// (so the relational path enforces precisely the same invariants the
// pure in-memory path does, per spec §9), then persists the touched
// rows transactionally. The delivery queue itself lives entirely in SQL
// — claim/lease uses `FOR UPDATE SKIP LOCKED`, the pattern the pack's
// mycelian-memory outbox worker uses for the same problem.
type PostgresMirror struct {
	db            *sql.DB
	st            *store.Store
	applier       *store.Applier
	newDeliveryID func() string
}

// NewPostgresMirror opens dsn, applies schema, and returns a ready
// Mirror. Blank-imports pgx/v5/stdlib to register the "pgx" sql.DB
// driver, exactly as the pack's outbox worker does.
func NewPostgresMirror(ctx context.Context, dsn string, metrics store.MetricsSink, newDeliveryID func() string) (*PostgresMirror, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, fmt.Errorf("relational: open postgres: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("relational: ping postgres: %w", err)
	}
	if _, err := db.ExecContext(ctx, schema); err != nil {
		db.Close()
		return nil, fmt.Errorf("relational: apply schema: %w", err)
	}

	st := store.New(metrics)
	m := &PostgresMirror{
		db:            db,
		st:            st,
		applier:       store.NewApplier(st, nil),
		newDeliveryID: newDeliveryID,
	}
	if err := m.loadAll(ctx); err != nil {
		db.Close()
		return nil, err
	}
	return m, nil
}

// loadAll re-seeds the in-memory staging store from previously persisted
// rows, so invariant checks (chain continuity, idempotent conflict
// detection, ledger balances) see prior state across restarts exactly as
// the embedded backend's loadAll does.
func (m *PostgresMirror) loadAll(ctx context.Context) error {
	entRows, err := m.db.QueryContext(ctx, `SELECT entity, tenant_id, id, record FROM proxy_entities`)
	if err != nil {
		return err
	}
	defer entRows.Close()
	for entRows.Next() {
		var entity, tenantID, id string
		var data []byte
		if err := entRows.Scan(&entity, &tenantID, &id, &data); err != nil {
			return err
		}
		var rec map[string]any
		if err := json.Unmarshal(data, &rec); err != nil {
			return err
		}
		m.st.Put(entity, tenantID, id, rec)
	}
	if err := entRows.Err(); err != nil {
		return err
	}

	streamRows, err := m.db.QueryContext(ctx, `SELECT tenant_id, aggregate_kind, aggregate_id, events FROM proxy_streams`)
	if err != nil {
		return err
	}
	defer streamRows.Close()
	for streamRows.Next() {
		var tenantID, kind, aggregateID string
		var data []byte
		if err := streamRows.Scan(&tenantID, &kind, &aggregateID, &data); err != nil {
			return err
		}
		var events []domain.Event
		if err := json.Unmarshal(data, &events); err != nil {
			return err
		}
		m.st.RestoreStream(tenantID, domain.AggregateKind(kind), aggregateID, events)
	}
	if err := streamRows.Err(); err != nil {
		return err
	}

	ledgerRows, err := m.db.QueryContext(ctx, `SELECT ledger FROM proxy_ledgers`)
	if err != nil {
		return err
	}
	defer ledgerRows.Close()
	for ledgerRows.Next() {
		var data []byte
		if err := ledgerRows.Scan(&data); err != nil {
			return err
		}
		var l domain.Ledger
		if err := json.Unmarshal(data, &l); err != nil {
			return err
		}
		m.st.RestoreLedger(&l)
	}
	if err := ledgerRows.Err(); err != nil {
		return err
	}

	controlRows, err := m.db.QueryContext(ctx, `SELECT state FROM proxy_controls`)
	if err != nil {
		return err
	}
	defer controlRows.Close()
	for controlRows.Next() {
		var data []byte
		if err := controlRows.Scan(&data); err != nil {
			return err
		}
		var c domain.EmergencyControlState
		if err := json.Unmarshal(data, &c); err != nil {
			return err
		}
		m.st.RestoreControl(c)
	}
	return controlRows.Err()
}

// ApplyBatch validates and applies batch against the in-memory staging
// store, then persists the touched rows in one SQL transaction.
func (m *PostgresMirror) ApplyBatch(ctx context.Context, batch []domain.Op) error {
	if err := m.applier.Apply(batch); err != nil {
		return err
	}

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("relational: begin tx: %w", err)
	}
	defer tx.Rollback()

	for _, op := range batch {
		if err := m.persistOp(ctx, tx, op); err != nil {
			return err
		}
	}
	return tx.Commit()
}

func (m *PostgresMirror) persistOp(ctx context.Context, tx *sql.Tx, op domain.Op) error {
	switch o := op.(type) {
	case domain.UpsertOp:
		id := o.ID
		if o.Entity == domain.EntityTenantSettlementPolicy {
			id = fmt.Sprintf("%s@%v", o.ID, o.Record["policyVersion"])
		}
		return m.persistEntity(ctx, tx, string(o.Entity), o.TenantID, id)
	case domain.ImmutablePutOp:
		return m.persistEntity(ctx, tx, string(o.Entity), o.TenantID, o.ID)
	case domain.StatusTransitionOp:
		return m.persistEntity(ctx, tx, string(o.Entity), o.TenantID, o.ID)
	case domain.EventAppendOp:
		return m.persistStream(ctx, tx, o.TenantID, o.AggregateKind, o.AggregateID)
	case domain.EmergencyControlEventOp:
		return m.persistControlEvent(ctx, tx, o)
	case domain.LedgerEntryOp:
		return m.persistLedger(ctx, tx, o.TenantID)
	case domain.OutboxEnqueueOp:
		return m.persistOutboxEnqueue(ctx, tx, o)
	}
	return nil
}

// persistControlEvent persists the idempotency record for the emergency
// control event itself plus every control state it touched — its own
// ControlType, or every entry in Resets when it is a RESUME event.
func (m *PostgresMirror) persistControlEvent(ctx context.Context, tx *sql.Tx, o domain.EmergencyControlEventOp) error {
	if err := m.persistEntity(ctx, tx, "emergency_control_event", o.TenantID, "emergency_event:"+o.EventID); err != nil {
		return err
	}

	controlTypes := o.Resets
	if !o.Resume {
		controlTypes = []string{o.ControlType}
	}
	for _, ct := range controlTypes {
		state, ok := m.st.GetControlState(o.TenantID, o.ScopeType, o.ScopeID, ct)
		if !ok {
			continue
		}
		data, err := json.Marshal(state)
		if err != nil {
			return err
		}
		_, err = tx.ExecContext(ctx, `
			INSERT INTO proxy_controls (tenant_id, scope_type, scope_id, control_type, state)
			VALUES ($1,$2,$3,$4,$5)
			ON CONFLICT (tenant_id, scope_type, scope_id, control_type) DO UPDATE SET state = EXCLUDED.state
		`, domain.NormalizeTenant(o.TenantID), o.ScopeType, o.ScopeID, ct, data)
		if err != nil {
			return err
		}
	}
	return nil
}

func (m *PostgresMirror) persistEntity(ctx context.Context, tx *sql.Tx, entity, tenantID, id string) error {
	rec, ok := m.st.Get(entity, tenantID, id)
	if !ok {
		return nil
	}
	data, err := json.Marshal(rec)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proxy_entities (entity, tenant_id, id, record) VALUES ($1,$2,$3,$4)
		ON CONFLICT (entity, tenant_id, id) DO UPDATE SET record = EXCLUDED.record
	`, entity, domain.NormalizeTenant(tenantID), id, data)
	return err
}

func (m *PostgresMirror) persistStream(ctx context.Context, tx *sql.Tx, tenantID string, kind domain.AggregateKind, aggregateID string) error {
	events := m.st.GetStream(tenantID, kind, aggregateID)
	data, err := json.Marshal(events)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proxy_streams (tenant_id, aggregate_kind, aggregate_id, events) VALUES ($1,$2,$3,$4)
		ON CONFLICT (tenant_id, aggregate_kind, aggregate_id) DO UPDATE SET events = EXCLUDED.events
	`, domain.NormalizeTenant(tenantID), string(kind), aggregateID, data)
	return err
}

func (m *PostgresMirror) persistLedger(ctx context.Context, tx *sql.Tx, tenantID string) error {
	l := m.st.GetLedger(tenantID)
	data, err := json.Marshal(l)
	if err != nil {
		return err
	}
	_, err = tx.ExecContext(ctx, `
		INSERT INTO proxy_ledgers (tenant_id, ledger) VALUES ($1,$2)
		ON CONFLICT (tenant_id) DO UPDATE SET ledger = EXCLUDED.ledger
	`, domain.NormalizeTenant(l.TenantID), data)
	return err
}

func (m *PostgresMirror) persistOutboxEnqueue(ctx context.Context, tx *sql.Tx, o domain.OutboxEnqueueOp) error {
	artifact, err := json.Marshal(o.Artifact)
	if err != nil {
		return err
	}
	destIDs, err := json.Marshal(o.DestinationIDs)
	if err != nil {
		return err
	}
	var seq int64
	err = tx.QueryRowContext(ctx, `
		INSERT INTO proxy_outbox (tenant_id, seq, artifact_type, artifact_id, artifact, scope_key, destination_ids, created_at)
		VALUES ($1, (SELECT COALESCE(MAX(seq),0)+1 FROM proxy_outbox WHERE tenant_id=$1), $2, $3, $4, $5, $6, now())
		RETURNING seq
	`, domain.NormalizeTenant(o.TenantID), o.ArtifactType, o.ArtifactID, artifact, o.ScopeKey, destIDs).Scan(&seq)
	return err
}

// ProcessOutbox drains up to maxMessages outbox rows into delivery rows,
// atomically deleting the drained outbox rows, implementing the outbox
// pattern spec §5/§6 require for the relational backend.
func (m *PostgresMirror) ProcessOutbox(ctx context.Context, maxMessages int) (int, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, err
	}
	defer tx.Rollback()

	rows, err := tx.QueryContext(ctx, `
		SELECT id, tenant_id, seq, artifact_type, artifact_id, scope_key, destination_ids
		FROM proxy_outbox ORDER BY id LIMIT $1 FOR UPDATE SKIP LOCKED
	`, maxMessages)
	if err != nil {
		return 0, err
	}

	type msg struct {
		id                                                          int64
		tenantID, artifactType, artifactID, scopeKey                string
		seq                                                         int64
		destIDs                                                     []string
	}
	var msgs []msg
	for rows.Next() {
		var m0 msg
		var destData []byte
		if err := rows.Scan(&m0.id, &m0.tenantID, &m0.seq, &m0.artifactType, &m0.artifactID, &m0.scopeKey, &destData); err != nil {
			rows.Close()
			return 0, err
		}
		if err := json.Unmarshal(destData, &m0.destIDs); err != nil {
			rows.Close()
			return 0, err
		}
		msgs = append(msgs, m0)
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return 0, err
	}

	now := time.Now().UTC()
	created := 0
	for _, msg := range msgs {
		for priority, destID := range msg.destIDs {
			id := m.newDeliveryID()
			orderKey := domain.ComputeOrderKey(msg.scopeKey, msg.seq, priority, id)
			_, err := tx.ExecContext(ctx, `
				INSERT INTO proxy_deliveries (tenant_id, delivery_id, scope_key, order_seq, priority,
					destination_id, artifact_type, artifact_id, order_key, state, next_attempt_at, created_at)
				VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,'pending',$10,$10)
			`, msg.tenantID, id, msg.scopeKey, msg.seq, priority, destID, msg.artifactType, msg.artifactID, orderKey, now)
			if err != nil {
				return 0, err
			}
			created++
		}
		if _, err := tx.ExecContext(ctx, `DELETE FROM proxy_outbox WHERE id = $1`, msg.id); err != nil {
			return 0, err
		}
	}
	return created, tx.Commit()
}

// ClaimDueDeliveries leases due rows with `FOR UPDATE SKIP LOCKED`,
// matching the "due" predicate from spec §4.6 exactly:
// state=pending AND nextAttemptAt <= now AND (claimedAt is null OR claimedAt < now - reclaimAfter).
func (m *PostgresMirror) ClaimDueDeliveries(ctx context.Context, tenantID string, maxMessages int, worker string, now time.Time, reclaimAfter time.Duration) ([]ClaimedDelivery, error) {
	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		return nil, err
	}
	defer tx.Rollback()

	reclaimBefore := now.Add(-reclaimAfter)
	query := `
		SELECT tenant_id, delivery_id, scope_key, order_seq, priority, destination_id,
			artifact_type, artifact_id, order_key, state, attempts, next_attempt_at
		FROM proxy_deliveries
		WHERE state = 'pending' AND next_attempt_at <= $1
			AND (claimed_at IS NULL OR claimed_at < $2)
			AND ($3 = '' OR tenant_id = $3)
		ORDER BY scope_key, order_seq, priority, next_attempt_at, delivery_id
		LIMIT $4
		FOR UPDATE SKIP LOCKED
	`
	tenantFilter := ""
	if tenantID != "" {
		tenantFilter = domain.NormalizeTenant(tenantID)
	}
	rows, err := tx.QueryContext(ctx, query, now, reclaimBefore, tenantFilter, maxMessages)
	if err != nil {
		return nil, err
	}

	var claimed []ClaimedDelivery
	for rows.Next() {
		var d domain.Delivery
		if err := rows.Scan(&d.TenantID, &d.DeliveryID, &d.ScopeKey, &d.OrderSeq, &d.Priority, &d.DestinationID,
			&d.ArtifactType, &d.ArtifactID, &d.OrderKey, &d.State, &d.Attempts, &d.NextAttemptAt); err != nil {
			rows.Close()
			return nil, err
		}
		claimed = append(claimed, ClaimedDelivery{Delivery: d})
	}
	rows.Close()
	if err := rows.Err(); err != nil {
		return nil, err
	}

	for _, c := range claimed {
		if _, err := tx.ExecContext(ctx, `
			UPDATE proxy_deliveries SET claimed_at = $1, worker = $2 WHERE tenant_id = $3 AND delivery_id = $4
		`, now, worker, c.TenantID, c.DeliveryID); err != nil {
			return nil, err
		}
	}
	return claimed, tx.Commit()
}

// UpdateDeliveryAttempt applies the outcome of one attempt, matching the
// exponential-backoff and DLQ transitions spec §4.6 defines.
func (m *PostgresMirror) UpdateDeliveryAttempt(ctx context.Context, tenantID, deliveryID string, upd store.DeliveryUpdate) error {
	_, err := m.db.ExecContext(ctx, `
		UPDATE proxy_deliveries SET
			attempts = attempts + 1,
			state = $1,
			next_attempt_at = $2,
			last_status = $3,
			last_error = $4,
			expires_at = $5,
			delivered_at = CASE WHEN $6 THEN $2 ELSE delivered_at END,
			claimed_at = CASE WHEN $7 THEN NULL ELSE claimed_at END,
			worker = CASE WHEN $7 THEN NULL ELSE worker END
		WHERE tenant_id = $8 AND delivery_id = $9
	`, string(upd.State), upd.NextAttemptAt, nullInt(upd.LastStatus), nullString(upd.LastError),
		upd.ExpiresAt, upd.Delivered, upd.ClearClaim, domain.NormalizeTenant(tenantID), deliveryID)
	return err
}

func nullInt(v int) any {
	if v == 0 {
		return nil
	}
	return v
}

func nullString(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// GetDestination resolves a delivery destination from the in-memory
// staging store.
func (m *PostgresMirror) GetDestination(tenantID, destinationID string) (domain.Destination, bool) {
	return m.st.GetDestination(tenantID, destinationID)
}

// GetArtifact resolves an artifact by treating its artifactType as the
// entity kind, consistent with how every other entity is keyed.
func (m *PostgresMirror) GetArtifact(tenantID, artifactType, artifactID string) (map[string]any, bool) {
	return m.st.Get(artifactType, tenantID, artifactID)
}

// GetConfig returns the tenant's delivery tunables from the in-memory
// staging store.
func (m *PostgresMirror) GetConfig(tenantID string) store.Config {
	return m.st.GetConfig(tenantID)
}

// SetDefaultConfig overrides the process-wide fallback Config in the
// in-memory staging store.
func (m *PostgresMirror) SetDefaultConfig(c store.Config) {
	m.st.SetDefaultConfig(c)
}

// ListAgentLifecycleTenants lists tenants holding x402 agent lifecycle
// records in the in-memory staging store, kept in sync with proxy_entities
// by ApplyBatch and loadAll.
func (m *PostgresMirror) ListAgentLifecycleTenants() ([]string, error) {
	return m.st.TenantsWithEntity(string(domain.EntityX402AgentLifecycle)), nil
}

// ListAgentLifecycleIDs pages through one tenant's x402 agent lifecycle
// record ids.
func (m *PostgresMirror) ListAgentLifecycleIDs(tenantID string) ([]string, error) {
	return m.st.ListEntityIDs(string(domain.EntityX402AgentLifecycle), tenantID), nil
}

// Close closes the underlying database handle.
func (m *PostgresMirror) Close() error {
	return m.db.Close()
}

var _ Mirror = (*PostgresMirror)(nil)
