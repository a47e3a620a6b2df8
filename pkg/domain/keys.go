package domain

import "strings"

// DefaultTenant is used whenever a caller omits tenantId.
const DefaultTenant = "default"

// NormalizeTenant trims whitespace and falls back to DefaultTenant for an
// empty value, matching spec §3's "tenantId is a normalized non-empty
// identifier (default 'default')".
func NormalizeTenant(tenantID string) string {
	t := strings.TrimSpace(tenantID)
	if t == "" {
		return DefaultTenant
	}
	return t
}

// MakeScopedKey yields the string key entities are stored under: unique
// per (tenantId, id) pair, as spec §3 requires.
func MakeScopedKey(tenantID, id string) string {
	return NormalizeTenant(tenantID) + "\x00" + id
}

// MakeStreamKey yields the key an aggregate's event stream is stored
// under: unique per (tenantId, aggregateKind, aggregateId).
func MakeStreamKey(tenantID string, kind AggregateKind, aggregateID string) string {
	return NormalizeTenant(tenantID) + "\x00" + string(kind) + "\x00" + aggregateID
}

// MakeControlKey yields the key an emergency control state is stored
// under: unique per (tenantId, scopeType, scopeId, controlType).
func MakeControlKey(tenantID, scopeType, scopeID, controlType string) string {
	return NormalizeTenant(tenantID) + "\x00" + scopeType + "\x00" + scopeID + "\x00" + controlType
}
