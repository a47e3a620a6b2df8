package domain

import "time"

// AggregateKind names one of the event-sourced aggregate streams spec §4.5
// governs. The business semantics of the reducer for each kind are out of
// scope (spec §1); pkg/store's reducer is generic across all of them.
type AggregateKind string

const (
	AggregateJob       AggregateKind = "job"
	AggregateRobot     AggregateKind = "robot"
	AggregateOperator  AggregateKind = "operator"
	AggregateAgentRun  AggregateKind = "agent_run"
	AggregateMonthClose AggregateKind = "month_close"
	AggregateSession   AggregateKind = "session"
)

// Event is one entry in an aggregate's hash-chained stream.
type Event struct {
	TenantID      string        `json:"tenantId"`
	AggregateKind AggregateKind `json:"aggregateKind"`
	AggregateID   string        `json:"aggregateId"`
	Seq           int           `json:"seq"`
	Type          string        `json:"type"`
	Data          map[string]any `json:"data"`
	PrevChainHash *string       `json:"prevChainHash"`
	ChainHash     string        `json:"chainHash,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// CanonicalBody implements chain.Hashable: the event without its
// chainHash field, with prevChainHash populated as given.
func (e Event) CanonicalBody() any {
	e.ChainHash = ""
	return e
}

// Snapshot is the reduced current-state view of an aggregate stream.
// Reduction is generic: each event's Data map is merged on top of the
// previous snapshot's Fields, last-write-wins per top-level key. This
// mirrors spec §1's framing that reducer business semantics are an
// external concern — only "snapshot = reduce(stream)" and
// recomputability from the stream alone (spec §3) are load-bearing here.
type Snapshot struct {
	TenantID      string         `json:"tenantId"`
	AggregateKind AggregateKind  `json:"aggregateKind"`
	AggregateID   string         `json:"aggregateId"`
	Fields        map[string]any `json:"fields"`
	LastSeq       int            `json:"lastSeq"`
	LastChainHash string         `json:"lastChainHash"`
	UpdatedAt     time.Time      `json:"updatedAt"`
}

// Reduce folds a full event stream into a Snapshot. It is pure and total:
// callers recompute it from the stream alone, never persist it
// independently of the stream that produced it.
func Reduce(tenantID string, kind AggregateKind, aggregateID string, stream []Event) Snapshot {
	snap := Snapshot{
		TenantID:      NormalizeTenant(tenantID),
		AggregateKind: kind,
		AggregateID:   aggregateID,
		Fields:        map[string]any{},
	}
	for _, ev := range stream {
		for k, v := range ev.Data {
			snap.Fields[k] = v
		}
		snap.LastSeq = ev.Seq
		snap.LastChainHash = ev.ChainHash
		snap.UpdatedAt = ev.CreatedAt
	}
	return snap
}

// JournalEntry is one posting in a tenant's double-entry ledger.
type JournalEntry struct {
	ID        string             `json:"id"`
	TenantID  string             `json:"tenantId"`
	Currency  string             `json:"currency"`
	Debits    []LedgerPosting    `json:"debits"`
	Credits   []LedgerPosting    `json:"credits"`
	Memo      string             `json:"memo,omitempty"`
	CreatedAt time.Time          `json:"createdAt"`
}

// LedgerPosting is one account/amount pair within a JournalEntry.
type LedgerPosting struct {
	Account string `json:"account"`
	Amount  int64  `json:"amount"` // minor units; always non-negative
}

// Balanced reports whether debits equal credits per currency for this
// entry — spec §8's quantified invariant, checked at apply time.
func (e JournalEntry) Balanced() bool {
	var debitTotal, creditTotal int64
	for _, p := range e.Debits {
		debitTotal += p.Amount
	}
	for _, p := range e.Credits {
		creditTotal += p.Amount
	}
	return debitTotal == creditTotal
}

// Ledger is the append-only set of journal entries for one tenant, plus
// the running balance per currency it implies.
type Ledger struct {
	TenantID string                    `json:"tenantId"`
	Entries  map[string]JournalEntry   `json:"entries"` // by entry ID
	Balances map[string]map[string]int64 `json:"balances"` // currency -> account -> balance
}

// NewLedger returns an empty ledger for tenantID.
func NewLedger(tenantID string) *Ledger {
	return &Ledger{
		TenantID: NormalizeTenant(tenantID),
		Entries:  map[string]JournalEntry{},
		Balances: map[string]map[string]int64{},
	}
}

// IdempotencyRecord is a stored first-write response for a (tenantId, key)
// pair, used to detect identical-replay vs. conflicting-replay requests.
type IdempotencyRecord struct {
	TenantID          string         `json:"tenantId"`
	Key               string         `json:"key"`
	RequestFingerprint string        `json:"requestFingerprint"`
	Response          map[string]any `json:"response"`
	CreatedAt         time.Time      `json:"createdAt"`
}

// OutboxMessage is a transactionally-enqueued message awaiting fan-out
// into one or more Delivery rows.
type OutboxMessage struct {
	TenantID      string         `json:"tenantId"`
	Seq           int64          `json:"seq"` // monotonic per tenant
	ArtifactType  string         `json:"artifactType"`
	ArtifactID    string         `json:"artifactId"`
	Artifact      map[string]any `json:"artifact"`
	ScopeKey      string         `json:"scopeKey"`
	DestinationIDs []string      `json:"destinationIds"`
	CreatedAt     time.Time      `json:"createdAt"`
}

// DeliveryState is the lifecycle state of a Delivery row.
type DeliveryState string

const (
	DeliveryPending   DeliveryState = "pending"
	DeliveryDelivered DeliveryState = "delivered"
	DeliveryFailed    DeliveryState = "failed"
)

// Delivery is one attempt-tracked fan-out of an artifact to a destination.
type Delivery struct {
	TenantID      string        `json:"tenantId"`
	DeliveryID    string        `json:"deliveryId"`
	ScopeKey      string        `json:"scopeKey"`
	OrderSeq      int64         `json:"orderSeq"`
	Priority      int           `json:"priority"`
	DestinationID string        `json:"destinationId"`
	ArtifactType  string        `json:"artifactType"`
	ArtifactID    string        `json:"artifactId"`
	ArtifactHash  string        `json:"artifactHash"`
	DedupeKey     string        `json:"dedupeKey"`
	OrderKey      string        `json:"orderKey"`
	State         DeliveryState `json:"state"`
	Attempts      int           `json:"attempts"`
	NextAttemptAt time.Time     `json:"nextAttemptAt"`
	ClaimedAt     *time.Time    `json:"claimedAt,omitempty"`
	Worker        string        `json:"worker,omitempty"`
	LastStatus    int           `json:"lastStatus,omitempty"`
	LastError     string        `json:"lastError,omitempty"`
	DeliveredAt   *time.Time    `json:"deliveredAt,omitempty"`
	ExpiresAt     *time.Time    `json:"expiresAt,omitempty"`
	CreatedAt     time.Time     `json:"createdAt"`
}

// ComputeOrderKey recomputes the deterministic order key from the fields
// that define sort order, per spec §9's open-question decision: order
// keys are derived once, at creation, and never mutated thereafter by
// either the in-memory or relational claim path.
func ComputeOrderKey(scopeKey string, orderSeq int64, priority int, deliveryID string) string {
	return scopeKey + "\n" + itoa64(orderSeq) + "\n" + itoa(priority) + "\n" + deliveryID
}

func itoa64(v int64) string {
	if v == 0 {
		return "0"
	}
	neg := v < 0
	if neg {
		v = -v
	}
	var buf [20]byte
	i := len(buf)
	for v > 0 {
		i--
		buf[i] = byte('0' + v%10)
		v /= 10
	}
	if neg {
		i--
		buf[i] = '-'
	}
	return string(buf[i:])
}

func itoa(v int) string { return itoa64(int64(v)) }

// DestinationKind distinguishes webhook vs. object-storage delivery.
type DestinationKind string

const (
	DestinationWebhook DestinationKind = "webhook"
	DestinationS3      DestinationKind = "s3"
)

// Destination is an externally-managed delivery target.
type Destination struct {
	TenantID      string          `json:"tenantId"`
	DestinationID string          `json:"destinationId"`
	Kind          DestinationKind `json:"kind"`

	// webhook fields
	URL       string `json:"url,omitempty"`
	SecretRef string `json:"secretRef,omitempty"`
	Secret    string `json:"secret,omitempty"`

	// s3 fields
	Endpoint        string `json:"endpoint,omitempty"`
	Region          string `json:"region,omitempty"`
	Bucket          string `json:"bucket,omitempty"`
	Prefix          string `json:"prefix,omitempty"`
	ForcePathStyle  *bool  `json:"forcePathStyle,omitempty"`
	AccessKeyIDRef  string `json:"accessKeyIdRef,omitempty"`
	AccessKeyID     string `json:"accessKeyId,omitempty"`
	SecretAccessKeyRef string `json:"secretAccessKeyRef,omitempty"`
	SecretAccessKey string `json:"secretAccessKey,omitempty"`
}

// EmergencyControlState is the last-write-wins state for one
// (tenantId, scopeType, scopeId, controlType) control.
type EmergencyControlState struct {
	TenantID    string    `json:"tenantId"`
	ScopeType   string    `json:"scopeType"`
	ScopeID     string    `json:"scopeId"`
	ControlType string    `json:"controlType"`
	Active      bool      `json:"active"`
	Revision    int64     `json:"revision"`
	LastEventID string    `json:"lastEventId"`
	UpdatedAt   time.Time `json:"updatedAt"`
}

// IngestRecord dedupes externally-sourced records by
// (tenantId, source, externalEventId).
type IngestRecord struct {
	TenantID        string         `json:"tenantId"`
	Source          string         `json:"source"`
	ExternalEventID string         `json:"externalEventId"`
	Payload         map[string]any `json:"payload"`
	CreatedAt       time.Time      `json:"createdAt"`
}
