package delivery

import (
	"context"
	"net/http"
	"net/http/httptest"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/fulcrumhq/proxy/pkg/domain"
	"github.com/fulcrumhq/proxy/pkg/store"
)

func seedOutbox(t *testing.T, s *store.Store, scopeKey string, destinationIDs []string) {
	t.Helper()
	applier := store.NewApplier(s, func() time.Time { return time.Now().UTC() })
	require.NoError(t, applier.Apply([]domain.Op{domain.OutboxEnqueueOp{
		TenantID:       "acme",
		ArtifactType:   "job_receipt",
		ArtifactID:     "job-1",
		Artifact:       map[string]any{"status": "done"},
		ScopeKey:       scopeKey,
		DestinationIDs: destinationIDs,
	}}))
}

func seedArtifact(s *store.Store) {
	s.Put("job_receipt", "acme", "job-1", map[string]any{"status": "done"})
}

func newDeliveryIDSeq() func() string {
	n := 0
	return func() string {
		n++
		return "d-" + string(rune('a'+n-1))
	}
}

func TestWorker_TickDeliveries_WebhookSuccess(t *testing.T) {
	var received []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		received = append(received, r.Header.Get("x-proxy-delivery-id"))
		mu.Unlock()
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := store.New(nil)
	s.PutDestination(domain.Destination{TenantID: "acme", DestinationID: "dest-1", Kind: domain.DestinationWebhook, URL: server.URL, Secret: "shh"})
	seedArtifact(s)
	seedOutbox(t, s, "scope-1", []string{"dest-1"})
	s.DrainOutbox(newDeliveryIDSeq(), time.Now().UTC())

	worker := NewWorker(InMemorySource{St: s}, 5000, 10)
	n, err := worker.TickDeliveries(context.Background(), "acme", 10)
	require.NoError(t, err)
	assert.Equal(t, 1, n)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, received, 1)
}

func TestWorker_TickDeliveries_WebhookFailure_BacksOff(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := store.New(nil)
	s.PutDestination(domain.Destination{TenantID: "acme", DestinationID: "dest-1", Kind: domain.DestinationWebhook, URL: server.URL, Secret: "shh"})
	seedArtifact(s)
	seedOutbox(t, s, "scope-1", []string{"dest-1"})
	created := s.DrainOutbox(newDeliveryIDSeq(), time.Now().UTC())
	require.Len(t, created, 1)
	deliveryID := created[0].DeliveryID

	worker := NewWorker(InMemorySource{St: s}, 5000, 10)
	_, err := worker.TickDeliveries(context.Background(), "acme", 10)
	require.NoError(t, err)

	d, ok := s.GetDelivery("acme", deliveryID)
	require.True(t, ok)
	assert.Equal(t, domain.DeliveryPending, d.State)
	assert.Equal(t, 1, d.Attempts)
	assert.True(t, d.NextAttemptAt.After(time.Now().UTC()))
}

func TestWorker_TickDeliveries_DLQAfterMaxAttempts(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	defer server.Close()

	s := store.New(nil)
	s.SetConfig("acme", store.Config{MaxDeliveryAttempts: 1, BaseBackoffMs: 10, MaxBackoffMs: 100, RetentionDeliveredDays: 30, RetentionDLQDays: 30})
	s.PutDestination(domain.Destination{TenantID: "acme", DestinationID: "dest-1", Kind: domain.DestinationWebhook, URL: server.URL, Secret: "shh"})
	seedArtifact(s)
	seedOutbox(t, s, "scope-1", []string{"dest-1"})
	created := s.DrainOutbox(newDeliveryIDSeq(), time.Now().UTC())
	deliveryID := created[0].DeliveryID

	worker := NewWorker(InMemorySource{St: s}, 5000, 10)
	_, err := worker.TickDeliveries(context.Background(), "acme", 10)
	require.NoError(t, err)

	d, ok := s.GetDelivery("acme", deliveryID)
	require.True(t, ok)
	assert.Equal(t, domain.DeliveryFailed, d.State)
}

func TestWorker_TickDeliveries_PerScopeOrdering(t *testing.T) {
	var order []string
	var mu sync.Mutex
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		mu.Lock()
		order = append(order, r.Header.Get("x-proxy-delivery-id"))
		mu.Unlock()
		time.Sleep(5 * time.Millisecond)
		w.WriteHeader(http.StatusOK)
	}))
	defer server.Close()

	s := store.New(nil)
	s.PutDestination(domain.Destination{TenantID: "acme", DestinationID: "dest-1", Kind: domain.DestinationWebhook, URL: server.URL, Secret: "shh"})
	seedArtifact(s)

	applier := store.NewApplier(s, func() time.Time { return time.Now().UTC() })
	require.NoError(t, applier.Apply([]domain.Op{domain.OutboxEnqueueOp{
		TenantID: "acme", ArtifactType: "job_receipt", ArtifactID: "job-1",
		Artifact: map[string]any{}, ScopeKey: "scope-1", DestinationIDs: []string{"dest-1"},
	}}))
	require.NoError(t, applier.Apply([]domain.Op{domain.OutboxEnqueueOp{
		TenantID: "acme", ArtifactType: "job_receipt", ArtifactID: "job-1",
		Artifact: map[string]any{}, ScopeKey: "scope-1", DestinationIDs: []string{"dest-1"},
	}}))

	created := s.DrainOutbox(newDeliveryIDSeq(), time.Now().UTC())
	require.Len(t, created, 2)

	worker := NewWorker(InMemorySource{St: s}, 5000, 50)
	_, err := worker.TickDeliveries(context.Background(), "acme", 10)
	require.NoError(t, err)

	mu.Lock()
	defer mu.Unlock()
	require.Len(t, order, 2)
	assert.Equal(t, created[0].DeliveryID, order[0])
	assert.Equal(t, created[1].DeliveryID, order[1])
}

func TestGroupByScope_PreservesFirstSeenOrder(t *testing.T) {
	deliveries := []domain.Delivery{
		{ScopeKey: "b", DeliveryID: "1"},
		{ScopeKey: "a", DeliveryID: "2"},
		{ScopeKey: "b", DeliveryID: "3"},
	}
	groups := groupByScope(deliveries)
	require.Len(t, groups, 2)
	assert.Equal(t, "b", groups[0][0].ScopeKey)
	assert.Len(t, groups[0], 2)
	assert.Equal(t, "a", groups[1][0].ScopeKey)
}

func TestStripControl_RemovesControlChars(t *testing.T) {
	assert.Equal(t, "abc", stripControl("a\x00b\x1fc"))
}

func TestBuildObjectKey_SanitizesSegments(t *testing.T) {
	key := buildObjectKey("pre/fix", "ac me", "job/type", "id\\1", "hash")
	assert.Equal(t, "pre_fix/tenants/ac me/artifacts/job_type/id_1_hash.json", key)
}
