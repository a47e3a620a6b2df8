package scheduler

import (
	"context"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
)

func TestNewScheduler_StartsWithZeroTimestamps(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	assert.True(t, s.LastTickAt().IsZero())
	assert.True(t, s.LastSuccessAt().IsZero())
}

func TestRunTickOnce_EmptySweepListSucceeds(t *testing.T) {
	s := NewScheduler(time.Second, nil)
	ok := s.RunTickOnce(context.Background())
	assert.True(t, ok)
	assert.False(t, s.LastSuccessAt().IsZero())
}

func TestStart_CalledTwiceIsANoOp(t *testing.T) {
	var n int32
	sweep := countingSweep("x", &n)
	s := NewScheduler(time.Hour, []Sweep{sweep})
	s.Start(context.Background())
	s.Start(context.Background())
	s.Stop()
}

func TestStop_CalledTwiceDoesNotPanic(t *testing.T) {
	s := NewScheduler(time.Hour, nil)
	s.Start(context.Background())
	s.Stop()
	assert.NotPanics(t, func() { s.Stop() })
}

func TestStop_BeforeStartIsSafe(t *testing.T) {
	s := NewScheduler(time.Hour, nil)
	assert.NotPanics(t, func() { s.Stop() })
}

func TestScheduler_TicksRepeatedlyOnShortInterval(t *testing.T) {
	var n int32
	sweep := Sweep{Name: "x", Run: func(ctx context.Context) error {
		atomic.AddInt32(&n, 1)
		return nil
	}}
	s := NewScheduler(5*time.Millisecond, []Sweep{sweep})
	s.Start(context.Background())
	time.Sleep(40 * time.Millisecond)
	s.Stop()
	assert.Greater(t, atomic.LoadInt32(&n), int32(1))
}
