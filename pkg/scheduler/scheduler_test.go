package scheduler

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func countingSweep(name string, n *int32) Sweep {
	return Sweep{Name: name, Run: func(ctx context.Context) error {
		atomic.AddInt32(n, 1)
		return nil
	}}
}

func TestRunTickOnce_RunsSweepsInOrder(t *testing.T) {
	var order []string
	var mu sync.Mutex
	mk := func(name string) Sweep {
		return Sweep{Name: name, Run: func(ctx context.Context) error {
			mu.Lock()
			order = append(order, name)
			mu.Unlock()
			return nil
		}}
	}

	s := NewScheduler(time.Minute, []Sweep{mk("outbox"), mk("deliveries"), mk("insolvency")})
	ok := s.RunTickOnce(context.Background())
	require.True(t, ok)
	assert.Equal(t, []string{"outbox", "deliveries", "insolvency"}, order)
	assert.False(t, s.LastSuccessAt().IsZero())
}

func TestRunTickOnce_OneSweepFailureDoesNotAbortLaterSweeps(t *testing.T) {
	var ran int32
	sweeps := []Sweep{
		{Name: "first", Run: func(ctx context.Context) error { return errors.New("boom") }},
		countingSweep("second", &ran),
	}
	s := NewScheduler(time.Minute, sweeps)
	ok := s.RunTickOnce(context.Background())
	require.True(t, ok)
	assert.Equal(t, int32(1), atomic.LoadInt32(&ran))
	assert.True(t, s.LastSuccessAt().IsZero(), "a pass with any sweep error must not record a success")
}

func TestRunTickOnce_SingleFlightGuardsConcurrentCalls(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	blocking := Sweep{Name: "slow", Run: func(ctx context.Context) error {
		close(entered)
		<-release
		return nil
	}}
	s := NewScheduler(time.Minute, []Sweep{blocking})

	var firstOK bool
	done := make(chan struct{})
	go func() {
		firstOK = s.RunTickOnce(context.Background())
		close(done)
	}()

	<-entered
	secondOK := s.RunTickOnce(context.Background())
	assert.False(t, secondOK, "a second call while a pass is in flight must return false")

	close(release)
	<-done
	assert.True(t, firstOK)
}

func TestStop_AwaitsInFlightPass(t *testing.T) {
	release := make(chan struct{})
	entered := make(chan struct{})
	var finished int32
	blocking := Sweep{Name: "slow", Run: func(ctx context.Context) error {
		close(entered)
		<-release
		atomic.StoreInt32(&finished, 1)
		return nil
	}}
	s := NewScheduler(time.Millisecond, []Sweep{blocking})
	s.Start(context.Background())

	<-entered
	close(release)
	s.Stop()
	assert.Equal(t, int32(1), atomic.LoadInt32(&finished))
}

func TestRunTickOnce_ReturnsFalseAfterStop(t *testing.T) {
	var n int32
	s := NewScheduler(time.Minute, []Sweep{countingSweep("x", &n)})
	s.Start(context.Background())
	s.Stop()
	ok := s.RunTickOnce(context.Background())
	assert.False(t, ok)
	assert.Equal(t, int32(0), atomic.LoadInt32(&n))
}

func TestNoopSweep_AlwaysSucceeds(t *testing.T) {
	sweep := NoopSweep("billing-sync")
	assert.Equal(t, "billing-sync", sweep.Name)
	assert.NoError(t, sweep.Run(context.Background()))
}
