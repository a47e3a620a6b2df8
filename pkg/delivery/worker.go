package delivery

import (
	"context"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/fulcrumhq/proxy/pkg/domain"
	"github.com/fulcrumhq/proxy/pkg/log"
	"github.com/fulcrumhq/proxy/pkg/metrics"
	"github.com/fulcrumhq/proxy/pkg/store"
)

const (
	workerName    = "delivery_v1"
	reclaimWindow = 60 * time.Second
)

// Worker is the delivery attempt engine spec §4.6 describes, grounded on
// the teacher's pkg/worker.Worker ticker loop generalized over Source so
// the same engine drives both the in-memory and relational claim paths.
type Worker struct {
	src           Source
	httpTimeoutMs int
	concurrency   int

	mu     sync.Mutex
	ticker *time.Ticker
	stopCh chan struct{}
}

// NewWorker returns a Worker dispatching against src, bounding HTTP/S3
// call timeouts at httpTimeoutMs (0 = no timeout) and scope-group
// concurrency at min(50, concurrency).
func NewWorker(src Source, httpTimeoutMs, concurrency int) *Worker {
	if concurrency <= 0 || concurrency > 50 {
		concurrency = 50
	}
	return &Worker{src: src, httpTimeoutMs: httpTimeoutMs, concurrency: concurrency}
}

func (w *Worker) httpClient() *http.Client {
	if w.httpTimeoutMs <= 0 {
		return &http.Client{}
	}
	return &http.Client{Timeout: time.Duration(w.httpTimeoutMs) * time.Millisecond}
}

// TickDeliveries is the public entry point: claim due deliveries for
// tenantID (all tenants if empty), group by scopeKey for in-order
// single-flight execution per scope, and run up to w.concurrency scope
// groups in parallel. Returns the number of deliveries attempted.
func (w *Worker) TickDeliveries(ctx context.Context, tenantID string, maxMessages int) (int, error) {
	now := time.Now().UTC()
	claimed, err := w.src.ClaimDueDeliveries(ctx, tenantID, maxMessages, workerName, now, reclaimWindow)
	if err != nil {
		return 0, fmt.Errorf("delivery: claim due deliveries: %w", err)
	}
	if len(claimed) == 0 {
		return 0, nil
	}

	groups := groupByScope(claimed)
	sem := make(chan struct{}, w.concurrency)
	var wg sync.WaitGroup
	for _, group := range groups {
		wg.Add(1)
		sem <- struct{}{}
		go func(g []domain.Delivery) {
			defer wg.Done()
			defer func() { <-sem }()
			for _, d := range g {
				w.attemptOne(ctx, d)
			}
		}(group)
	}
	wg.Wait()
	return len(claimed), nil
}

// groupByScope partitions claimed deliveries by scopeKey, preserving the
// claim order within each group — claimed is already sorted by
// (scopeKey, orderSeq, priority, nextAttemptAt, deliveryId), so grouping
// by first-seen scopeKey order is enough to keep per-scope ordering
// intact.
func groupByScope(claimed []domain.Delivery) [][]domain.Delivery {
	index := map[string]int{}
	var groups [][]domain.Delivery
	for _, d := range claimed {
		i, ok := index[d.ScopeKey]
		if !ok {
			i = len(groups)
			index[d.ScopeKey] = i
			groups = append(groups, nil)
		}
		groups[i] = append(groups[i], d)
	}
	return groups
}

// attemptOne resolves the destination and artifact, dispatches by
// destination kind, and records the outcome via updateDeliveryAttempt
// per spec §4.6.
func (w *Worker) attemptOne(ctx context.Context, d domain.Delivery) {
	start := time.Now()

	dest, destOK := w.src.GetDestination(d.TenantID, d.DestinationID)
	var result attemptResult
	switch {
	case !destOK:
		result = attemptResult{failureReason: "unknown_destination", err: fmt.Errorf("destination %s not found", d.DestinationID)}
	default:
		artifact, artifactOK := w.src.GetArtifact(d.TenantID, d.ArtifactType, d.ArtifactID)
		if !artifactOK {
			result = attemptResult{failureReason: "missing_artifact", err: fmt.Errorf("artifact %s/%s not found", d.ArtifactType, d.ArtifactID)}
			break
		}

		attemptCtx := ctx
		if w.httpTimeoutMs > 0 {
			var cancel context.CancelFunc
			attemptCtx, cancel = context.WithTimeout(ctx, time.Duration(w.httpTimeoutMs)*time.Millisecond)
			defer cancel()
		}

		switch dest.Kind {
		case domain.DestinationWebhook:
			result = w.dispatchWebhook(attemptCtx, d, dest, artifact)
		case domain.DestinationS3:
			result = w.dispatchS3(attemptCtx, d, dest, artifact)
		default:
			result = attemptResult{failureReason: "unknown_destination_kind", err: fmt.Errorf("unknown destination kind %q", dest.Kind)}
		}
	}

	destType := "unknown"
	if destOK {
		destType = string(dest.Kind)
	}
	metrics.DeliveryAttemptTotal.WithLabelValues(destType).Inc()
	metrics.DeliveryAttemptDuration.WithLabelValues(destType).Observe(time.Since(start).Seconds())

	w.recordOutcome(ctx, d, destType, result)
}

func (w *Worker) recordOutcome(ctx context.Context, d domain.Delivery, destType string, result attemptResult) {
	cfg := w.src.GetConfig(d.TenantID)
	attempts := d.Attempts + 1
	now := time.Now().UTC()

	var upd store.DeliveryUpdate
	switch {
	case result.success():
		upd = store.DeliveryUpdate{
			Delivered: true, State: domain.DeliveryDelivered, NextAttemptAt: now,
			LastStatus: result.statusCode, ExpiresAt: retentionExpiry(now, cfg.RetentionDeliveredDays), ClearClaim: true,
		}
		metrics.DeliverySuccessTotal.WithLabelValues(destType).Inc()

	case attempts >= cfg.MaxDeliveryAttempts:
		upd = store.DeliveryUpdate{
			State: domain.DeliveryFailed, NextAttemptAt: now,
			LastStatus: result.statusCode, LastError: attemptErrString(result),
			ExpiresAt: retentionExpiry(now, cfg.RetentionDLQDays), ClearClaim: true,
		}
		metrics.DeliveryFailTotal.WithLabelValues(destType).Inc()
		metrics.DeliveryDLQTotal.WithLabelValues(destType).Inc()

	default:
		delay := computeBackoff(attempts, cfg.BaseBackoffMs, cfg.MaxBackoffMs)
		upd = store.DeliveryUpdate{
			State: domain.DeliveryPending, NextAttemptAt: now.Add(delay),
			LastStatus: result.statusCode, LastError: attemptErrString(result),
			ClearClaim: true,
		}
		metrics.DeliveryFailTotal.WithLabelValues(destType).Inc()
	}

	if err := w.src.UpdateDeliveryAttempt(ctx, d.TenantID, d.DeliveryID, upd); err != nil {
		log.WithDelivery(d.DeliveryID).Error().Err(err).Msg("record delivery attempt outcome")
	}
}

// retentionExpiry returns now+days, or nil if days is 0 — spec §6's
// "0 = no cap" sentinel for PROXY_RETENTION_DELIVERIES_MAX_DAYS /
// PROXY_RETENTION_DELIVERY_DLQ_MAX_DAYS means the row never expires,
// not that it expires immediately.
func retentionExpiry(now time.Time, days int) *time.Time {
	if days == 0 {
		return nil
	}
	t := now.AddDate(0, 0, days)
	return &t
}

func attemptErrString(r attemptResult) string {
	if r.err == nil {
		return ""
	}
	if r.failureReason != "" {
		return r.failureReason + ": " + r.err.Error()
	}
	return r.err.Error()
}

// Start runs TickDeliveries on a fixed interval until Stop is called,
// mirroring the teacher's ticker+stopCh worker loop shape.
func (w *Worker) Start(ctx context.Context, interval time.Duration, tenantID string, maxMessages int) {
	w.mu.Lock()
	if w.stopCh != nil {
		w.mu.Unlock()
		return
	}
	w.ticker = time.NewTicker(interval)
	w.stopCh = make(chan struct{})
	ticker, stopCh := w.ticker, w.stopCh
	w.mu.Unlock()

	go func() {
		for {
			select {
			case <-ticker.C:
				if _, err := w.TickDeliveries(ctx, tenantID, maxMessages); err != nil {
					log.WithComponent("delivery").Error().Err(err).Msg("tick deliveries")
				}
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop halts the periodic tick loop started by Start.
func (w *Worker) Stop() {
	w.mu.Lock()
	defer w.mu.Unlock()
	if w.ticker != nil {
		w.ticker.Stop()
	}
	if w.stopCh != nil {
		close(w.stopCh)
		w.stopCh = nil
	}
}
