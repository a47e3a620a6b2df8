package domain

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNormalizeTenant(t *testing.T) {
	assert.Equal(t, "default", NormalizeTenant(""))
	assert.Equal(t, "default", NormalizeTenant("   "))
	assert.Equal(t, "acme", NormalizeTenant("  acme  "))
}

func TestMakeStreamKey_UniquePerKindAndTenant(t *testing.T) {
	k1 := MakeStreamKey("acme", AggregateJob, "job-1")
	k2 := MakeStreamKey("acme", AggregateRobot, "job-1")
	k3 := MakeStreamKey("other", AggregateJob, "job-1")
	assert.NotEqual(t, k1, k2)
	assert.NotEqual(t, k1, k3)
}

func TestReduce_LastWriteWinsPerField(t *testing.T) {
	stream := []Event{
		{Seq: 1, Data: map[string]any{"status": "pending", "amount": 10}, ChainHash: "a"},
		{Seq: 2, Data: map[string]any{"status": "done"}, ChainHash: "b"},
	}
	snap := Reduce("acme", AggregateJob, "job-1", stream)
	assert.Equal(t, "done", snap.Fields["status"])
	assert.EqualValues(t, 10, snap.Fields["amount"])
	assert.Equal(t, 2, snap.LastSeq)
	assert.Equal(t, "b", snap.LastChainHash)
}

func TestJournalEntry_Balanced(t *testing.T) {
	balanced := JournalEntry{
		Currency: "USD",
		Debits:   []LedgerPosting{{Account: "cash", Amount: 100}},
		Credits:  []LedgerPosting{{Account: "revenue", Amount: 100}},
	}
	assert.True(t, balanced.Balanced())

	unbalanced := balanced
	unbalanced.Credits = []LedgerPosting{{Account: "revenue", Amount: 99}}
	assert.False(t, unbalanced.Balanced())
}

func TestComputeOrderKey_Deterministic(t *testing.T) {
	k1 := ComputeOrderKey("scope-1", 2, 5, "d-1")
	k2 := ComputeOrderKey("scope-1", 2, 5, "d-1")
	assert.Equal(t, k1, k2)

	k3 := ComputeOrderKey("scope-1", 3, 5, "d-1")
	assert.NotEqual(t, k1, k3)
}

func TestUpsertOp_Validate(t *testing.T) {
	op := UpsertOp{TenantID: "acme", Entity: EntityRobot, ID: "r-1", Record: map[string]any{}}
	assert.NoError(t, op.Validate())

	missingID := op
	missingID.ID = ""
	assert.Error(t, missingID.Validate())

	policy := UpsertOp{TenantID: "acme", Entity: EntityTenantSettlementPolicy, ID: "p-1", Record: map[string]any{}}
	assert.Error(t, policy.Validate(), "policyVersion is required")
	policy.Record["policyVersion"] = 1
	assert.NoError(t, policy.Validate())
}

func TestImmutablePutOp_ConflictSemantics(t *testing.T) {
	receipt := ImmutablePutOp{Entity: EntityX402Receipt, ID: "rcpt-1", Record: map[string]any{}}
	assert.False(t, receipt.StrictConflict())
	assert.Equal(t, CodeX402ReceiptImmutable, receipt.ConflictCode())

	adj := ImmutablePutOp{Entity: EntitySettlementAdjustment, ID: "adj-1", Record: map[string]any{}}
	assert.True(t, adj.StrictConflict())
	assert.Equal(t, CodeAdjustmentAlreadyExists, adj.ConflictCode())
}

func TestEmergencyControlEventOp_Validate(t *testing.T) {
	bad := EmergencyControlEventOp{ScopeType: "robot", ScopeID: "r-1", EventID: "e-1"}
	assert.Error(t, bad.Validate())

	activate := EmergencyControlEventOp{ScopeType: "robot", ScopeID: "r-1", EventID: "e-1", ControlType: "ESTOP", Activate: true}
	assert.NoError(t, activate.Validate())

	resume := EmergencyControlEventOp{ScopeType: "robot", ScopeID: "r-1", EventID: "e-2", Resume: true, Resets: []string{"ESTOP"}}
	assert.NoError(t, resume.Validate())
}

func TestLedgerEntryOp_Validate(t *testing.T) {
	op := LedgerEntryOp{TenantID: "acme", Entry: JournalEntry{
		ID:       "e-1",
		Currency: "USD",
		Debits:   []LedgerPosting{{Account: "cash", Amount: 50}},
		Credits:  []LedgerPosting{{Account: "revenue", Amount: 25}},
	}}
	assert.Error(t, op.Validate(), "unbalanced entries must fail validation")

	op.Entry.Credits = []LedgerPosting{{Account: "revenue", Amount: 50}}
	assert.NoError(t, op.Validate())
}

func TestEventAppendOp_Validate(t *testing.T) {
	op := EventAppendOp{
		AggregateKind: AggregateJob,
		AggregateID:   "job-1",
		Events:        []Event{{Type: "job.created", CreatedAt: time.Now().UTC()}},
	}
	assert.NoError(t, op.Validate())

	empty := op
	empty.Events = nil
	assert.Error(t, empty.Validate())
}

func TestDomainError_CarriesCodeAndStatus(t *testing.T) {
	err := NewConflict(CodePrevChainHashMismatch, "chain mismatch", map[string]any{"expected": "a", "got": nil})
	assert.Equal(t, CodePrevChainHashMismatch, err.Code)
	assert.Equal(t, 409, err.StatusCode)
	assert.Contains(t, err.Error(), "PREV_CHAIN_HASH_MISMATCH")
}
