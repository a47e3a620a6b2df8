package domain

import "fmt"

// OpKind tags a concrete Op implementation. The Tx Applier dispatches on
// this value via a single switch table (spec §9's "dynamic op dispatch").
type OpKind string

const (
	OpUpsert              OpKind = "UPSERT"
	OpImmutablePut         OpKind = "IMMUTABLE_PUT"
	OpStatusTransition     OpKind = "STATUS_TRANSITION"
	OpEventsAppended       OpKind = "EVENTS_APPENDED"
	OpEmergencyControlEvent OpKind = "EMERGENCY_CONTROL_EVENT"
	OpLedgerEntryApplied   OpKind = "LEDGER_ENTRY_APPLIED"
	OpIdempotencyPut       OpKind = "IDEMPOTENCY_PUT"
	OpOutboxEnqueue        OpKind = "OUTBOX_ENQUEUE"
	OpIngestRecordsPut     OpKind = "INGEST_RECORDS_PUT"
)

// Op is a single typed operation the Tx Applier can apply. Every concrete
// op validates itself independently of Store state; cross-record
// invariants (hash-chain continuity, ledger balance, immutability
// conflicts) are checked by the applier against Store state.
type Op interface {
	Kind() OpKind
	Validate() error
}

// UpsertEntityKind enumerates the last-write-wins entity families spec
// §4.4 lists. Their business semantics differ but the upsert mechanics
// (identity by id, last-write-wins, no invariant beyond presence) do not,
// so one generic op covers all of them.
type UpsertEntityKind string

const (
	EntityRobot                   UpsertEntityKind = "robot"
	EntityOperator                 UpsertEntityKind = "operator"
	EntityContract                 UpsertEntityKind = "contract"
	EntityAgentIdentity            UpsertEntityKind = "agent_identity"
	EntityAgentCard                 UpsertEntityKind = "agent_card"
	EntityAgentPassport            UpsertEntityKind = "agent_passport"
	EntityAgentWallet              UpsertEntityKind = "agent_wallet"
	EntitySession                  UpsertEntityKind = "session"
	EntitySignerKey                 UpsertEntityKind = "signer_key"
	EntityAuthKey                   UpsertEntityKind = "auth_key"
	EntityArbitrationCase           UpsertEntityKind = "arbitration_case"
	EntityDelegation                UpsertEntityKind = "delegation"
	EntityGrant                     UpsertEntityKind = "grant"
	EntityTaskQuote                 UpsertEntityKind = "task_quote"
	EntityTaskOffer                 UpsertEntityKind = "task_offer"
	EntityTaskAcceptance            UpsertEntityKind = "task_acceptance"
	EntityCapabilityAttestation     UpsertEntityKind = "capability_attestation"
	EntitySubAgentWorkOrder         UpsertEntityKind = "sub_agent_work_order"
	EntitySubAgentCompletionReceipt UpsertEntityKind = "sub_agent_completion_receipt"
	EntityStateCheckpoint           UpsertEntityKind = "state_checkpoint"
	EntitySessionRelayState         UpsertEntityKind = "session_relay_state"
	EntityX402Gate                  UpsertEntityKind = "x402_gate"
	EntityX402AgentLifecycle       UpsertEntityKind = "x402_agent_lifecycle"
	EntityTenantSettlementPolicy    UpsertEntityKind = "tenant_settlement_policy"
	EntityGovernanceTemplate        UpsertEntityKind = "governance_template"
	EntityRollout                   UpsertEntityKind = "rollout"
	EntityX402WebhookEndpoint       UpsertEntityKind = "x402_webhook_endpoint"
	EntityToolCallHold              UpsertEntityKind = "tool_call_hold"
	EntityMarketplaceRFQ            UpsertEntityKind = "marketplace_rfq"
	EntitySimulationHarnessRun      UpsertEntityKind = "simulation_harness_run"
)

// UpsertOp is a generic last-write-wins upsert by id within a tenant.
// For EntityTenantSettlementPolicy, identity is (policyId, policyVersion)
// and PolicyVersion must be set; callers pass it via Record.
type UpsertOp struct {
	TenantID string
	Entity   UpsertEntityKind
	ID       string
	Record   map[string]any
}

func (o UpsertOp) Kind() OpKind { return OpUpsert }

func (o UpsertOp) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("upsert %s: id is required", o.Entity)
	}
	if o.Entity == "" {
		return fmt.Errorf("upsert: entity kind is required")
	}
	if o.Entity == EntityTenantSettlementPolicy {
		if v, ok := o.Record["policyVersion"]; !ok || !isPositiveSafeInteger(v) {
			return fmt.Errorf("upsert %s: policyVersion must be a positive integer", o.Entity)
		}
	}
	return nil
}

// ImmutableEntityKind enumerates the conflict-on-differing-content entity
// families spec §4.4 names.
type ImmutableEntityKind string

const (
	EntityX402Receipt          ImmutableEntityKind = "x402_receipt"
	EntityX402ZKVerificationKey ImmutableEntityKind = "x402_zk_verification_key"
	EntitySettlementAdjustment ImmutableEntityKind = "settlement_adjustment"
)

// ImmutablePutOp puts a record that may never change once written.
// Settlement adjustments use strict-conflict semantics (any existing key
// is an error, even byte-identical content); x402 receipts and zk keys
// use idempotent-on-identical semantics (spec §3, §8 scenario 5).
type ImmutablePutOp struct {
	TenantID string
	Entity   ImmutableEntityKind
	ID       string
	Record   map[string]any
}

func (o ImmutablePutOp) Kind() OpKind { return OpImmutablePut }

func (o ImmutablePutOp) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("immutable_put %s: id is required", o.Entity)
	}
	if o.Entity == "" {
		return fmt.Errorf("immutable_put: entity kind is required")
	}
	return nil
}

// StrictConflict reports whether Entity uses strict (any existing key is
// an error) rather than identical-content-is-a-no-op semantics.
func (o ImmutablePutOp) StrictConflict() bool {
	return o.Entity == EntitySettlementAdjustment
}

// ConflictCode returns the Code an applier should raise when this op
// collides with a differing existing record.
func (o ImmutablePutOp) ConflictCode() Code {
	switch o.Entity {
	case EntityX402Receipt:
		return CodeX402ReceiptImmutable
	case EntityX402ZKVerificationKey:
		return CodeX402ZKKeyImmutable
	case EntitySettlementAdjustment:
		return CodeAdjustmentAlreadyExists
	default:
		return CodeValidation
	}
}

// KeyEntityKind enumerates entity families whose status transitions the
// applier merges rather than replaces wholesale.
type KeyEntityKind string

const (
	KeyEntitySignerKey KeyEntityKind = "signer_key"
	KeyEntityAuthKey   KeyEntityKind = "auth_key"
)

// StatusTransitionOp merges a status change (and optional rotatedAt /
// revokedAt) into an existing signer/auth key record.
type StatusTransitionOp struct {
	TenantID  string
	Entity    KeyEntityKind
	ID        string
	Status    string
	RotatedAt *string
	RevokedAt *string
}

func (o StatusTransitionOp) Kind() OpKind { return OpStatusTransition }

func (o StatusTransitionOp) Validate() error {
	if o.ID == "" {
		return fmt.Errorf("status_transition %s: id is required", o.Entity)
	}
	if o.Status == "" {
		return fmt.Errorf("status_transition %s: status is required", o.Entity)
	}
	return nil
}

// EventAppendOp appends a batch of events to one aggregate's stream,
// implementing spec §4.5's protocol. The applier checks prevChainHash
// continuity, then recomputes every event's chain hash: an empty
// ChainHash is filled in, and a supplied one that differs is rejected.
type EventAppendOp struct {
	TenantID      string
	AggregateKind AggregateKind
	AggregateID   string
	Events        []Event
}

func (o EventAppendOp) Kind() OpKind { return OpEventsAppended }

func (o EventAppendOp) Validate() error {
	if o.AggregateID == "" {
		return fmt.Errorf("events_appended: aggregateId is required")
	}
	if o.AggregateKind == "" {
		return fmt.Errorf("events_appended: aggregateKind is required")
	}
	if len(o.Events) == 0 {
		return fmt.Errorf("events_appended: at least one event is required")
	}
	for i, ev := range o.Events {
		if ev.Type == "" {
			return fmt.Errorf("events_appended: event[%d].type is required", i)
		}
	}
	return nil
}

// EmergencyControlEventOp appends an idempotent-on-identical control
// event and derives/resets one or more control-state records with a
// strictly incremented revision. RESUME targets every ControlType in
// Resets, resetting active=false on each.
type EmergencyControlEventOp struct {
	TenantID    string
	ScopeType   string
	ScopeID     string
	EventID     string
	ControlType string
	Activate    bool
	Resume      bool
	Resets      []string // control types RESUME polymorphically resets
	Data        map[string]any
}

func (o EmergencyControlEventOp) Kind() OpKind { return OpEmergencyControlEvent }

func (o EmergencyControlEventOp) Validate() error {
	if o.ScopeType == "" || o.ScopeID == "" {
		return fmt.Errorf("emergency_control_event: scopeType and scopeId are required")
	}
	if o.EventID == "" {
		return fmt.Errorf("emergency_control_event: eventId is required")
	}
	if !o.Resume && o.ControlType == "" {
		return fmt.Errorf("emergency_control_event: controlType is required unless resume=true")
	}
	if o.Resume && len(o.Resets) == 0 {
		return fmt.Errorf("emergency_control_event: resume requires at least one control type to reset")
	}
	return nil
}

// LedgerEntryOp applies one journal entry to a tenant's ledger. The
// applier enforces balance (spec §8) and at-most-once application by id.
type LedgerEntryOp struct {
	TenantID string
	Entry    JournalEntry
}

func (o LedgerEntryOp) Kind() OpKind { return OpLedgerEntryApplied }

func (o LedgerEntryOp) Validate() error {
	if o.Entry.ID == "" {
		return fmt.Errorf("ledger_entry_applied: entry id is required")
	}
	if o.Entry.Currency == "" {
		return fmt.Errorf("ledger_entry_applied: currency is required")
	}
	if len(o.Entry.Debits) == 0 && len(o.Entry.Credits) == 0 {
		return fmt.Errorf("ledger_entry_applied: entry must carry at least one posting")
	}
	for _, p := range append(append([]LedgerPosting{}, o.Entry.Debits...), o.Entry.Credits...) {
		if p.Account == "" {
			return fmt.Errorf("ledger_entry_applied: posting account is required")
		}
		if p.Amount < 0 {
			return fmt.Errorf("ledger_entry_applied: posting amount must be non-negative")
		}
	}
	if !o.Entry.Balanced() {
		return fmt.Errorf("ledger_entry_applied: debits and credits are unbalanced")
	}
	return nil
}

// IdempotencyPutOp records the first-write response for a (tenantId,key)
// pair. Applying the same key+fingerprint twice is defined as a no-op by
// the applier, not by this op's validation.
type IdempotencyPutOp struct {
	TenantID           string
	Key                string
	RequestFingerprint string
	Response           map[string]any
}

func (o IdempotencyPutOp) Kind() OpKind { return OpIdempotencyPut }

func (o IdempotencyPutOp) Validate() error {
	if o.Key == "" {
		return fmt.Errorf("idempotency_put: key is required")
	}
	if o.RequestFingerprint == "" {
		return fmt.Errorf("idempotency_put: requestFingerprint is required")
	}
	return nil
}

// OutboxEnqueueOp enqueues a message inside the same transaction as the
// domain mutation that produced it (the outbox pattern, spec §5).
type OutboxEnqueueOp struct {
	TenantID       string
	ArtifactType   string
	ArtifactID     string
	Artifact       map[string]any
	ScopeKey       string
	DestinationIDs []string
}

func (o OutboxEnqueueOp) Kind() OpKind { return OpOutboxEnqueue }

func (o OutboxEnqueueOp) Validate() error {
	if o.ArtifactID == "" || o.ArtifactType == "" {
		return fmt.Errorf("outbox_enqueue: artifactType and artifactId are required")
	}
	if o.ScopeKey == "" {
		return fmt.Errorf("outbox_enqueue: scopeKey is required")
	}
	if len(o.DestinationIDs) == 0 {
		return fmt.Errorf("outbox_enqueue: at least one destinationId is required")
	}
	return nil
}

// IngestRecordsPutOp dedupes externally-sourced records by
// (tenantId, source, externalEventId), per spec §4.4.
type IngestRecordsPutOp struct {
	TenantID string
	Records  []IngestRecord
}

func (o IngestRecordsPutOp) Kind() OpKind { return OpIngestRecordsPut }

func (o IngestRecordsPutOp) Validate() error {
	if len(o.Records) == 0 {
		return fmt.Errorf("ingest_records_put: at least one record is required")
	}
	for i, r := range o.Records {
		if r.Source == "" || r.ExternalEventID == "" {
			return fmt.Errorf("ingest_records_put: record[%d] requires source and externalEventId", i)
		}
	}
	return nil
}

func isPositiveSafeInteger(v any) bool {
	switch n := v.(type) {
	case int:
		return n > 0
	case int64:
		return n > 0
	case float64:
		return n > 0 && n == float64(int64(n)) && n <= 1<<53
	default:
		return false
	}
}
