package store

import (
	"fmt"
	"time"

	"github.com/fulcrumhq/proxy/pkg/canon"
	"github.com/fulcrumhq/proxy/pkg/chain"
	"github.com/fulcrumhq/proxy/pkg/domain"
)

// Applier applies batches of domain.Op against a Store, the single
// funnel every mutation in this module passes through — the generic
// counterpart to the teacher's WarrenFSM.Apply kind switch. It fails the
// whole batch on the first invariant violation; callers own atomicity
// guarantees in whatever durable backend they layer on top (spec §4.4).
type Applier struct {
	store *Store
	now   func() time.Time
}

// NewApplier builds an Applier over store. now defaults to time.Now when
// nil; tests inject a fixed clock for deterministic timestamps.
func NewApplier(s *Store, now func() time.Time) *Applier {
	if now == nil {
		now = time.Now
	}
	return &Applier{store: s, now: now}
}

// Apply applies every op in batch, in order, stopping at the first
// failure. On failure no partial effects from this call are rolled back
// in the in-memory Store itself — callers that need all-or-nothing
// durability wrap Apply with the TxLog (write only after success) and,
// when configured, a relational transaction.
func (a *Applier) Apply(batch []domain.Op) error {
	start := time.Now()
	defer func() {
		a.store.metrics.ObserveDuration("apply_duration_seconds", time.Since(start).Seconds())
	}()

	for i, op := range batch {
		if err := op.Validate(); err != nil {
			return domain.NewValidation(fmt.Sprintf("op[%d] %s: %v", i, op.Kind(), err), nil)
		}
		if err := a.applyOne(op); err != nil {
			return fmt.Errorf("op[%d] %s: %w", i, op.Kind(), err)
		}
	}
	return nil
}

func (a *Applier) applyOne(op domain.Op) error {
	switch o := op.(type) {
	case domain.UpsertOp:
		return a.applyUpsert(o)
	case domain.ImmutablePutOp:
		return a.applyImmutablePut(o)
	case domain.StatusTransitionOp:
		return a.applyStatusTransition(o)
	case domain.EventAppendOp:
		return a.applyEventAppend(o)
	case domain.EmergencyControlEventOp:
		return a.applyEmergencyControlEvent(o)
	case domain.LedgerEntryOp:
		return a.applyLedgerEntry(o)
	case domain.IdempotencyPutOp:
		return a.applyIdempotencyPut(o)
	case domain.OutboxEnqueueOp:
		return a.applyOutboxEnqueue(o)
	case domain.IngestRecordsPutOp:
		return a.applyIngestRecordsPut(o)
	default:
		return fmt.Errorf("unrecognized op type %T", op)
	}
}

func (a *Applier) applyUpsert(o domain.UpsertOp) error {
	id := o.ID
	if o.Entity == domain.EntityTenantSettlementPolicy {
		id = fmt.Sprintf("%s@%v", o.ID, o.Record["policyVersion"])
	}
	a.store.Put(string(o.Entity), o.TenantID, id, o.Record)
	return nil
}

func (a *Applier) applyImmutablePut(o domain.ImmutablePutOp) error {
	existing, ok := a.store.Get(string(o.Entity), o.TenantID, o.ID)
	if !ok {
		a.store.Put(string(o.Entity), o.TenantID, o.ID, o.Record)
		return nil
	}

	if o.StrictConflict() {
		return domain.NewConflict(o.ConflictCode(),
			fmt.Sprintf("%s %s already exists", o.Entity, o.ID),
			map[string]any{"id": o.ID})
	}

	same, err := canonicalEqual(existing, o.Record)
	if err != nil {
		return err
	}
	if same {
		return nil
	}
	return domain.NewConflict(o.ConflictCode(),
		fmt.Sprintf("%s %s is immutable and the new content differs", o.Entity, o.ID),
		map[string]any{"id": o.ID})
}

func canonicalEqual(a, b map[string]any) (bool, error) {
	ea, err := canon.Encode(a)
	if err != nil {
		return false, err
	}
	eb, err := canon.Encode(b)
	if err != nil {
		return false, err
	}
	return string(ea) == string(eb), nil
}

func (a *Applier) applyStatusTransition(o domain.StatusTransitionOp) error {
	rec, ok := a.store.Get(string(o.Entity), o.TenantID, o.ID)
	if !ok {
		return domain.NewNotFound(fmt.Sprintf("%s %s not found", o.Entity, o.ID),
			map[string]any{"id": o.ID})
	}
	merged := make(map[string]any, len(rec)+2)
	for k, v := range rec {
		merged[k] = v
	}
	merged["status"] = o.Status
	if o.RotatedAt != nil {
		merged["rotatedAt"] = *o.RotatedAt
	}
	if o.RevokedAt != nil {
		merged["revokedAt"] = *o.RevokedAt
	}
	a.store.Put(string(o.Entity), o.TenantID, o.ID, merged)
	return nil
}

// applyEventAppend implements spec §4.5's protocol exactly: require the
// batch's first prevChainHash to equal the stream's current head,
// require internal continuity across the batch, then store and reduce.
func (a *Applier) applyEventAppend(o domain.EventAppendOp) error {
	key := domain.MakeStreamKey(o.TenantID, o.AggregateKind, o.AggregateID)

	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	existing := a.store.streams[key]
	var head *string
	if n := len(existing); n > 0 {
		h := existing[n-1].ChainHash
		head = &h
	}

	if !prevMatches(o.Events[0].PrevChainHash, head) {
		a.store.metrics.IncCounter("chain_mismatch_total", map[string]string{"aggregate_kind": string(o.AggregateKind)})
		return domain.NewConflict(domain.CodePrevChainHashMismatch,
			"event batch does not chain from the stream head",
			map[string]any{"expected": derefOrNil(head), "got": derefOrNil(o.Events[0].PrevChainHash)})
	}

	for i := 1; i < len(o.Events); i++ {
		prevHash := o.Events[i-1].ChainHash
		if !prevMatches(o.Events[i].PrevChainHash, &prevHash) {
			a.store.metrics.IncCounter("chain_mismatch_total", map[string]string{"aggregate_kind": string(o.AggregateKind)})
			return domain.NewConflict(domain.CodePrevChainHashMismatch,
				"event batch is not internally chained",
				map[string]any{"expected": prevHash, "got": derefOrNil(o.Events[i].PrevChainHash)})
		}
	}

	for i := range o.Events {
		prev := ""
		if o.Events[i].PrevChainHash != nil {
			prev = *o.Events[i].PrevChainHash
		}
		want, err := chain.Compute(o.Events[i], prev)
		if err != nil {
			return fmt.Errorf("computing chain hash: %w", err)
		}
		if o.Events[i].ChainHash == "" {
			o.Events[i].ChainHash = want
		} else if o.Events[i].ChainHash != want {
			return domain.NewConflict(domain.CodePrevChainHashMismatch,
				"supplied chainHash does not match the recomputed value",
				map[string]any{"expected": want, "got": o.Events[i].ChainHash})
		}
	}

	merged := append(append([]domain.Event{}, existing...), o.Events...)
	a.store.streams[key] = merged
	a.store.snapshots[key] = domain.Reduce(o.TenantID, o.AggregateKind, o.AggregateID, merged)
	a.store.metrics.IncCounter("events_appended_total", map[string]string{"aggregate_kind": string(o.AggregateKind)})
	return nil
}

func prevMatches(got, want *string) bool {
	if got == nil && want == nil {
		return true
	}
	if got == nil || want == nil {
		return false
	}
	return *got == *want
}

func derefOrNil(s *string) any {
	if s == nil {
		return nil
	}
	return *s
}

// applyEmergencyControlEvent is idempotent on byte-identical events and
// otherwise conflicts; it derives/resets control-state records with an
// incremented revision, RESUME being polymorphic over Resets.
func (a *Applier) applyEmergencyControlEvent(o domain.EmergencyControlEventOp) error {
	eventKey := domain.MakeScopedKey(o.TenantID, "emergency_event:"+o.EventID)
	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	if existing, ok := a.store.entities["emergency_control_event"][eventKey]; ok {
		same, err := canonicalEqual(existing, emergencyEventRecord(o))
		if err != nil {
			return err
		}
		if same {
			return nil
		}
		return domain.NewConflict(domain.CodeEmergencyControlConflict,
			fmt.Sprintf("emergency control event %s already recorded with different content", o.EventID),
			map[string]any{"eventId": o.EventID})
	}
	a.store.putLocked("emergency_control_event", o.TenantID, "emergency_event:"+o.EventID, emergencyEventRecord(o))

	controlTypes := o.Resets
	if !o.Resume {
		controlTypes = []string{o.ControlType}
	}
	now := a.now().UTC()
	for _, ct := range controlTypes {
		key := domain.MakeControlKey(o.TenantID, o.ScopeType, o.ScopeID, ct)
		prev := a.store.controls[key]
		active := o.Activate
		if o.Resume {
			active = false
		}
		a.store.controls[key] = domain.EmergencyControlState{
			TenantID:    domain.NormalizeTenant(o.TenantID),
			ScopeType:   o.ScopeType,
			ScopeID:     o.ScopeID,
			ControlType: ct,
			Active:      active,
			Revision:    prev.Revision + 1,
			LastEventID: o.EventID,
			UpdatedAt:   now,
		}
	}
	return nil
}

func emergencyEventRecord(o domain.EmergencyControlEventOp) map[string]any {
	return map[string]any{
		"scopeType":   o.ScopeType,
		"scopeId":     o.ScopeID,
		"eventId":     o.EventID,
		"controlType": o.ControlType,
		"activate":    o.Activate,
		"resume":      o.Resume,
		"resets":      o.Resets,
		"data":        o.Data,
	}
}

// GetControlState returns the current state for one control, for tests
// and for the delivery/sweep workers to consult before acting.
func (s *Store) GetControlState(tenantID, scopeType, scopeID, controlType string) (domain.EmergencyControlState, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.controls[domain.MakeControlKey(tenantID, scopeType, scopeID, controlType)]
	return st, ok
}

// applyLedgerEntry enforces at-most-once application by entry id and
// balance; balance itself was already checked by Op.Validate, but the
// applier re-derives balances here since that's the durable invariant
// spec §8 actually tests against stored state.
func (a *Applier) applyLedgerEntry(o domain.LedgerEntryOp) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	l := a.store.ledgerLocked(o.TenantID)
	if _, applied := l.Entries[o.Entry.ID]; applied {
		return domain.NewConflict(domain.CodeLedgerEntryAlreadyApplied,
			fmt.Sprintf("ledger entry %s already applied", o.Entry.ID),
			map[string]any{"id": o.Entry.ID})
	}
	if !o.Entry.Balanced() {
		return &domain.Error{
			Code:       domain.CodeLedgerUnbalanced,
			Message:    fmt.Sprintf("ledger entry %s debits and credits are unbalanced", o.Entry.ID),
			StatusCode: 400,
			Details:    map[string]any{"id": o.Entry.ID},
		}
	}

	byCurrency, ok := l.Balances[o.Entry.Currency]
	if !ok {
		byCurrency = map[string]int64{}
		l.Balances[o.Entry.Currency] = byCurrency
	}
	for _, p := range o.Entry.Debits {
		byCurrency[p.Account] -= p.Amount
	}
	for _, p := range o.Entry.Credits {
		byCurrency[p.Account] += p.Amount
	}
	l.Entries[o.Entry.ID] = o.Entry
	a.store.metrics.IncCounter("ledger_entries_applied_total", map[string]string{"currency": o.Entry.Currency})
	return nil
}

// applyIdempotencyPut is a no-op when the same key+fingerprint is
// reapplied, matching spec §8's idempotence requirement.
func (a *Applier) applyIdempotencyPut(o domain.IdempotencyPutOp) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	key := domain.MakeScopedKey(o.TenantID, o.Key)
	if existing, ok := a.store.idempotency[key]; ok {
		if existing.RequestFingerprint == o.RequestFingerprint {
			return nil
		}
		return domain.NewConflict(domain.CodeIdempotencyConflict,
			fmt.Sprintf("idempotency key %s already used with a different request", o.Key),
			map[string]any{"key": o.Key})
	}
	a.store.idempotency[key] = domain.IdempotencyRecord{
		TenantID:           domain.NormalizeTenant(o.TenantID),
		Key:                o.Key,
		RequestFingerprint: o.RequestFingerprint,
		Response:           o.Response,
		CreatedAt:          a.now().UTC(),
	}
	return nil
}

func (a *Applier) applyOutboxEnqueue(o domain.OutboxEnqueueOp) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	tenant := domain.NormalizeTenant(o.TenantID)
	a.store.outboxSeq[tenant]++
	seq := a.store.outboxSeq[tenant]
	a.store.outbox = append(a.store.outbox, domain.OutboxMessage{
		TenantID:       tenant,
		Seq:            seq,
		ArtifactType:   o.ArtifactType,
		ArtifactID:     o.ArtifactID,
		Artifact:       o.Artifact,
		ScopeKey:       o.ScopeKey,
		DestinationIDs: o.DestinationIDs,
		CreatedAt:      a.now().UTC(),
	})
	return nil
}

func (a *Applier) applyIngestRecordsPut(o domain.IngestRecordsPutOp) error {
	a.store.mu.Lock()
	defer a.store.mu.Unlock()

	for _, r := range o.Records {
		key := domain.NormalizeTenant(o.TenantID) + "\x00" + r.Source + "\x00" + r.ExternalEventID
		if _, seen := a.store.ingestSeen[key]; seen {
			continue
		}
		r.TenantID = domain.NormalizeTenant(o.TenantID)
		r.CreatedAt = a.now().UTC()
		a.store.ingestSeen[key] = r
	}
	return nil
}

// canonicalSnapshotEqual reports whether two Store snapshots are
// byte-equal under canonical encoding, used by the replay law test
// (spec §8): apply(store=∅, txlog.load()) must equal applying batches
// live.
func canonicalSnapshotEqual(a, b *Store) (bool, error) {
	ea, err := canon.Encode(exportForComparison(a))
	if err != nil {
		return false, err
	}
	eb, err := canon.Encode(exportForComparison(b))
	if err != nil {
		return false, err
	}
	return string(ea) == string(eb), nil
}

func exportForComparison(s *Store) map[string]any {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return map[string]any{
		"entities":  s.entities,
		"streams":   s.streams,
		"snapshots": s.snapshots,
		"ledgers":   s.ledgers,
		"controls":  s.controls,
	}
}
