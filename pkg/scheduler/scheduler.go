package scheduler

import (
	"context"
	"sync"
	"time"

	"github.com/rs/zerolog"

	"github.com/fulcrumhq/proxy/pkg/log"
	"github.com/fulcrumhq/proxy/pkg/metrics"
)

// SweepFunc is one named background pass runTickOnce calls in order. A
// returned error is logged and counted but never aborts later sweeps,
// per spec §4.7.
type SweepFunc func(ctx context.Context) error

// Sweep pairs a SweepFunc with the name it reports errors under.
type Sweep struct {
	Name string
	Run  SweepFunc
}

// NoopSweep is a named placeholder for a sweep this module does not
// implement business logic for (dispatch, proof, artifacts, x402
// holdbacks, x402 winddown reversals, billing sync, finance
// reconciliation — none of these have a concrete SPEC_FULL.md component
// behind them, unlike outbox drain, deliveries, and the x402 insolvency
// sweep). It preserves runTickOnce's fixed sweep order and per-sweep
// error isolation contract even where the sweep itself is a no-op.
func NoopSweep(name string) Sweep {
	return Sweep{Name: name, Run: func(ctx context.Context) error { return nil }}
}

// Scheduler is the process-wide single-flight tick driver spec §4.7
// describes, grounded on the teacher's ticker+stopCh+mutex loop shape.
type Scheduler struct {
	sweeps   []Sweep
	interval time.Duration
	logger   zerolog.Logger

	mu            sync.Mutex
	inFlight      bool
	stopped       bool
	lastTickAt    time.Time
	lastSuccessAt time.Time

	ticker *time.Ticker
	stopCh chan struct{}
	wg     sync.WaitGroup
}

// NewScheduler returns a Scheduler that runs sweeps, in order, every
// interval once Start is called.
func NewScheduler(interval time.Duration, sweeps []Sweep) *Scheduler {
	return &Scheduler{
		sweeps:   sweeps,
		interval: interval,
		logger:   log.WithComponent("scheduler"),
	}
}

// RunTickOnce is runTickOnce: a process-wide single-flight guard. If a
// pass is already in flight, or the scheduler has been stopped, it
// returns false immediately. Otherwise it runs every sweep in order,
// catching and logging per-sweep errors without aborting later sweeps,
// and records lastSuccessAt only if every sweep in this pass succeeded.
func (s *Scheduler) RunTickOnce(ctx context.Context) bool {
	s.mu.Lock()
	if s.inFlight || s.stopped {
		s.mu.Unlock()
		return false
	}
	s.inFlight = true
	s.lastTickAt = time.Now().UTC()
	s.mu.Unlock()

	defer func() {
		s.mu.Lock()
		s.inFlight = false
		s.mu.Unlock()
	}()

	timer := metrics.NewTimer()
	defer timer.ObserveDuration(metrics.TickDuration)

	allSucceeded := true
	for _, sweep := range s.sweeps {
		if err := sweep.Run(ctx); err != nil {
			allSucceeded = false
			metrics.SweepErrorsTotal.WithLabelValues(sweep.Name).Inc()
			s.logger.Error().Err(err).Str("sweep", sweep.Name).Msg("sweep failed")
		}
	}

	if allSucceeded {
		s.mu.Lock()
		s.lastSuccessAt = time.Now().UTC()
		s.mu.Unlock()
	}
	return true
}

// Start begins the periodic tick loop. Calling Start twice is a no-op.
func (s *Scheduler) Start(ctx context.Context) {
	s.mu.Lock()
	if s.stopCh != nil {
		s.mu.Unlock()
		return
	}
	s.ticker = time.NewTicker(s.interval)
	s.stopCh = make(chan struct{})
	ticker, stopCh := s.ticker, s.stopCh
	s.mu.Unlock()

	s.wg.Add(1)
	go func() {
		defer s.wg.Done()
		for {
			select {
			case <-ticker.C:
				s.RunTickOnce(ctx)
			case <-stopCh:
				return
			}
		}
	}()
}

// Stop clears the periodic timer and awaits the in-flight pass (if any)
// before returning, per spec §4.7's "shutdown clears the timer and
// awaits the in-flight pass."
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	if s.ticker != nil {
		s.ticker.Stop()
	}
	stopCh := s.stopCh
	s.mu.Unlock()

	if stopCh != nil {
		close(stopCh)
	}
	s.wg.Wait()
}

// LastTickAt returns the start time of the most recently started pass.
func (s *Scheduler) LastTickAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastTickAt
}

// LastSuccessAt returns the completion time of the most recent pass that
// completed with every sweep succeeding.
func (s *Scheduler) LastSuccessAt() time.Time {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.lastSuccessAt
}
