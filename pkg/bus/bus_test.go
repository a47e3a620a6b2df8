package bus

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestBroker_PublishReachesSubscriber(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	defer b.Unsubscribe(sub)

	b.Publish(&Signal{Type: SignalOutboxEnqueued, TenantID: "acme"})

	select {
	case sig := <-sub:
		assert.Equal(t, SignalOutboxEnqueued, sig.Type)
		assert.Equal(t, "acme", sig.TenantID)
		assert.False(t, sig.Timestamp.IsZero())
	case <-time.After(time.Second):
		t.Fatal("timed out waiting for signal")
	}
}

func TestBroker_UnsubscribeStopsDelivery(t *testing.T) {
	b := NewBroker()
	b.Start()
	defer b.Stop()

	sub := b.Subscribe()
	require.Equal(t, 1, b.SubscriberCount())
	b.Unsubscribe(sub)
	assert.Equal(t, 0, b.SubscriberCount())

	_, open := <-sub
	assert.False(t, open, "unsubscribed channel must be closed")
}

func TestBroker_PublishAfterStopDoesNotPanic(t *testing.T) {
	b := NewBroker()
	b.Start()
	b.Stop()

	assert.NotPanics(t, func() {
		b.Publish(&Signal{Type: SignalDeliveryUpdated})
	})
}
