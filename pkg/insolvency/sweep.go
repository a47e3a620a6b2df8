package insolvency

import (
	"context"
	"fmt"
	"time"

	"github.com/fulcrumhq/proxy/pkg/log"
	"github.com/fulcrumhq/proxy/pkg/metrics"
)

// Params are tickInsolvencySweep's inputs, all validated as positive
// integers (spec §4.8). TenantID narrows the sweep to one tenant; empty
// means every tenant holding x402 agent lifecycle records.
type Params struct {
	TenantID    string
	MaxTenants  int
	MaxMessages int
	BatchSize   int
}

// Validate rejects non-positive budgets, mirroring the op vocabulary's
// "numeric versions are positive safe integers" rule (spec §4.4).
func (p Params) Validate() error {
	if p.MaxTenants <= 0 {
		return fmt.Errorf("insolvency: maxTenants must be a positive integer")
	}
	if p.MaxMessages <= 0 {
		return fmt.Errorf("insolvency: maxMessages must be a positive integer")
	}
	if p.BatchSize <= 0 {
		return fmt.Errorf("insolvency: batchSize must be a positive integer")
	}
	return nil
}

// Outcome records one agent's disposition within a sweep pass.
type Outcome struct {
	TenantID string
	AgentID  string
	Action   string // "frozen", "skipped", or "error"
	Code     string
	Message  string
}

// Result is tickInsolvencySweep's return value (spec §4.8).
type Result struct {
	OK          bool
	StartedAt   time.Time
	TenantCount int
	Scanned     int
	Processed   int
	Frozen      int
	Skipped     int
	Failures    int
	Outcomes    []Outcome
}

// Sweep enumerates tenants (one, if Params.TenantID is set, else every
// tenant Source reports), then for each tenant pages its agent ids in
// chunks of BatchSize, evaluating and freezing insolvent agents until
// either MaxMessages agents have been scanned across the whole pass or
// every tenant is exhausted. A per-agent failure is captured as an
// {action:"error"} outcome and counted in Failures rather than aborting
// the rest of the pass — the teacher's reconciler does the same thing
// for per-container failures.
func Sweep(ctx context.Context, src Source, p Params) (Result, error) {
	if err := p.Validate(); err != nil {
		return Result{}, err
	}

	res := Result{StartedAt: time.Now().UTC()}

	var tenants []string
	if p.TenantID != "" {
		tenants = []string{p.TenantID}
	} else {
		all, err := src.ListTenants(ctx)
		if err != nil {
			return Result{}, fmt.Errorf("insolvency: list tenants: %w", err)
		}
		tenants = all
	}
	if len(tenants) > p.MaxTenants {
		tenants = tenants[:p.MaxTenants]
	}
	res.TenantCount = len(tenants)

tenantLoop:
	for _, tenantID := range tenants {
		if res.Scanned >= p.MaxMessages {
			break
		}

		agentIDs, err := src.ListAgentIDs(ctx, tenantID)
		if err != nil {
			res.Failures++
			res.Outcomes = append(res.Outcomes, Outcome{TenantID: tenantID, Action: "error", Code: "LIST_AGENTS_FAILED", Message: err.Error()})
			continue
		}

		for offset := 0; offset < len(agentIDs); offset += p.BatchSize {
			end := offset + p.BatchSize
			if end > len(agentIDs) {
				end = len(agentIDs)
			}
			for _, agentID := range agentIDs[offset:end] {
				if res.Scanned >= p.MaxMessages {
					break tenantLoop
				}
				res.Scanned++
				metrics.InsolvencyScannedTotal.Inc()

				outcome := evaluateAndFreeze(ctx, src, tenantID, agentID)
				res.Outcomes = append(res.Outcomes, outcome)
				switch outcome.Action {
				case "frozen":
					res.Processed++
					res.Frozen++
					metrics.InsolvencyFrozenTotal.Inc()
				case "skipped":
					res.Processed++
					res.Skipped++
				case "error":
					res.Failures++
					metrics.InsolvencyFailuresTotal.Inc()
				}
			}
		}
	}

	res.OK = true
	return res, nil
}

// evaluateAndFreeze evaluates one agent and freezes it if insolvent,
// reducing every failure mode to a typed Outcome rather than a returned
// error, per spec §4.8's "any exception is captured as {action:error}".
func evaluateAndFreeze(ctx context.Context, src Source, tenantID, agentID string) Outcome {
	rec, ok, err := src.GetAgent(ctx, tenantID, agentID)
	if err != nil {
		return Outcome{TenantID: tenantID, AgentID: agentID, Action: "error", Code: "GET_AGENT_FAILED", Message: err.Error()}
	}
	if !ok {
		return Outcome{TenantID: tenantID, AgentID: agentID, Action: "error", Code: "AGENT_NOT_FOUND", Message: fmt.Sprintf("agent %s not found", agentID)}
	}

	if !evaluateAgent(rec) {
		return Outcome{TenantID: tenantID, AgentID: agentID, Action: "skipped"}
	}

	updated, changed := freezeRecord(rec)
	if !changed {
		return Outcome{TenantID: tenantID, AgentID: agentID, Action: "skipped"}
	}
	if err := src.FreezeAgent(ctx, tenantID, agentID, updated); err != nil {
		return Outcome{TenantID: tenantID, AgentID: agentID, Action: "error", Code: "FREEZE_AGENT_FAILED", Message: err.Error()}
	}

	log.WithTenant(tenantID).Info().Str("agent_id", agentID).Msg("insolvency sweep froze agent")
	return Outcome{TenantID: tenantID, AgentID: agentID, Action: "frozen"}
}
