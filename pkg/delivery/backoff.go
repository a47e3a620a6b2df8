package delivery

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// computeBackoff returns the next retry delay for a delivery that has just
// failed its attemptsth attempt, per spec §4.6:
// delayMs = clamp(baseMs * 2^min(16,attempts), baseMs, maxMs) * jitter,
// jitter uniform in [0.8, 1.2].
//
// The exponent/clamp is computed directly (the doubling needs to jump
// straight to attempt N, not walk there one NextBackOff() call at a
// time); backoff.ExponentialBackOff then supplies the jitter itself,
// since its RandomizationFactor produces exactly a uniform
// current*[1-f, 1+f] spread — set f=0.2 and it lands on [0.8, 1.2].
func computeBackoff(attempts int, baseMs, maxMs int64) time.Duration {
	exp := attempts
	if exp > 16 {
		exp = 16
	}
	delay := baseMs
	for i := 0; i < exp; i++ {
		delay *= 2
		if delay >= maxMs {
			delay = maxMs
			break
		}
	}
	if delay < baseMs {
		delay = baseMs
	}
	if delay > maxMs {
		delay = maxMs
	}

	b := backoff.NewExponentialBackOff()
	b.InitialInterval = time.Duration(delay) * time.Millisecond
	b.RandomizationFactor = 0.2
	b.Multiplier = 1
	b.MaxInterval = time.Duration(maxMs) * time.Millisecond
	b.MaxElapsedTime = 0
	jittered := b.NextBackOff()
	if jittered == backoff.Stop {
		return time.Duration(delay) * time.Millisecond
	}
	return jittered
}
