package domain

import "fmt"

// Code is a stable, machine-readable error identifier. Callers switch on
// Code, never on Error()'s message text.
type Code string

const (
	CodeValidation                  Code = "VALIDATION_ERROR"
	CodePrevChainHashMismatch       Code = "PREV_CHAIN_HASH_MISMATCH"
	CodeX402ReceiptImmutable        Code = "X402_RECEIPT_IMMUTABLE"
	CodeX402ZKKeyImmutable          Code = "X402_ZK_VERIFICATION_KEY_IMMUTABLE"
	CodeEmergencyControlConflict    Code = "EMERGENCY_CONTROL_EVENT_CONFLICT"
	CodeAdjustmentAlreadyExists     Code = "ADJUSTMENT_ALREADY_EXISTS"
	CodeLedgerUnbalanced            Code = "LEDGER_ENTRY_UNBALANCED"
	CodeLedgerEntryAlreadyApplied   Code = "LEDGER_ENTRY_ALREADY_APPLIED"
	CodeIdempotencyConflict         Code = "IDEMPOTENCY_KEY_CONFLICT"
	CodeNotFound                    Code = "NOT_FOUND"
)

// Error is the typed error the Tx Applier (pkg/store) returns for the
// validation, conflict and not-found conditions spec §7 names. Other
// packages report invalid arguments as plain errors. Fatal conditions (TxLog write failure) are
// propagated as plain wrapped errors instead, per §7's "Fatal" family —
// they are meant to abort the process, not be inspected by a caller.
type Error struct {
	Code       Code
	Message    string
	StatusCode int
	Details    map[string]any
}

func (e *Error) Error() string {
	return fmt.Sprintf("%s: %s", e.Code, e.Message)
}

// NewConflict builds a 409 conflict error, the shape every hash-chain,
// immutability, and emergency-control conflict in this module uses.
func NewConflict(code Code, message string, details map[string]any) *Error {
	return &Error{Code: code, Message: message, StatusCode: 409, Details: details}
}

// NewValidation builds a validation error carrying no implied state
// change — validation errors are rejected synchronously, never retried.
func NewValidation(message string, details map[string]any) *Error {
	return &Error{Code: CodeValidation, Message: message, StatusCode: 400, Details: details}
}

// NewNotFound builds a 404 lookup-miss error.
func NewNotFound(message string, details map[string]any) *Error {
	return &Error{Code: CodeNotFound, Message: message, StatusCode: 404, Details: details}
}
