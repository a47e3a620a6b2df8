// Package metrics registers the process's Prometheus collectors and
// provides the Prometheus scrape handler (Handler) plus health,
// readiness and liveness handlers; cmd/proxyd mounts Handler at /metrics
// and serves /healthz itself. Grounded on the
// teacher's pkg/metrics.go pattern: package-level prometheus.Collector
// vars registered once in init().
//
// Counters/histograms here cover the store/applier (events appended,
// chain mismatches, ledger entries), the delivery worker (attempt,
// success, fail, dlq counts and latency), the tick scheduler (tick
// duration, per-sweep errors), and the insolvency sweep (scanned,
// frozen, failures). HealthChecker tracks named component readiness
// (e.g. "relational_mirror", "delivery_worker", "scheduler") for
// GetHealth/GetReadiness, adapted from the teacher's health.go component
// registry — only its hardcoded critical-component list changed.
package metrics
