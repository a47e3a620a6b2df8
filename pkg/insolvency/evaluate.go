package insolvency

// evaluateAgent reports whether rec is insolvent: its settlement balance
// has gone more negative than its credit limit allows. Both fields
// default to zero when absent, so an agent with no credit limit is
// insolvent the moment its balance dips below zero.
func evaluateAgent(rec map[string]any) bool {
	balance, _ := numField(rec, "balance")
	creditLimit, _ := numField(rec, "creditLimit")
	return balance < -creditLimit
}

func numField(rec map[string]any, key string) (float64, bool) {
	switch n := rec[key].(type) {
	case float64:
		return n, true
	case int:
		return float64(n), true
	case int64:
		return float64(n), true
	default:
		return 0, false
	}
}

// freezeRecord returns a copy of rec with frozen set and its revision
// bumped. changed is false when rec was already frozen, signaling the
// caller to treat this as a no-op rather than a fresh freeze.
func freezeRecord(rec map[string]any) (out map[string]any, changed bool) {
	out = make(map[string]any, len(rec)+2)
	for k, v := range rec {
		out[k] = v
	}
	if frozen, _ := out["frozen"].(bool); frozen {
		return out, false
	}
	rev, _ := numField(rec, "revision")
	out["frozen"] = true
	out["revision"] = rev + 1
	return out, true
}
