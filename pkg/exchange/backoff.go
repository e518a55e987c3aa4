package exchange

import (
	"math"
	"math/rand"
	"time"

	"github.com/cenkalti/backoff"
)

// RandomSource provides random values for jitter calculation.
// Allows injection of deterministic sources for testing.
type RandomSource interface {
	// Float64 returns a random float64 in [0.0, 1.0).
	Float64() float64
}

// defaultRandomSource uses math/rand for production.
type defaultRandomSource struct{}

func (defaultRandomSource) Float64() float64 {
	return rand.Float64()
}

// DefaultRandomSource is the default random source using math/rand.
var DefaultRandomSource RandomSource = defaultRandomSource{}

// BackoffCalculator computes per-attempt response deadlines.
//
// The deadline of attempt n (1 for the first send) is:
//
//	min(InitialTimeout * Multiplier^(n-1), MaxTimeout) * (1.0 + random(0,1) * Jitter)
//
// Early attempts recover quickly from a single dropped datagram; later ones
// give a congested or busy link room to drain.
type BackoffCalculator struct {
	random RandomSource
}

// NewBackoffCalculator creates a new backoff calculator with the given random source.
// If random is nil, DefaultRandomSource is used.
func NewBackoffCalculator(random RandomSource) *BackoffCalculator {
	if random == nil {
		random = DefaultRandomSource
	}
	return &BackoffCalculator{random: random}
}

// Calculate returns the deadline for the given attempt, including jitter.
func (b *BackoffCalculator) Calculate(p RetryPolicy, attempt int) time.Duration {
	return scale(base(p, attempt), 1.0+b.random.Float64()*p.Jitter)
}

// CalculateMin returns the deadline for the given attempt with no jitter.
func (b *BackoffCalculator) CalculateMin(p RetryPolicy, attempt int) time.Duration {
	return base(p, attempt)
}

// CalculateMax returns the deadline for the given attempt with full jitter.
func (b *BackoffCalculator) CalculateMax(p RetryPolicy, attempt int) time.Duration {
	return scale(base(p, attempt), 1.0+p.Jitter)
}

// AttemptsWithin returns the number of attempts whose jitter-free
// deadlines together cover window, and never fewer than one.
func (b *BackoffCalculator) AttemptsWithin(p RetryPolicy, window time.Duration) int {
	n := 1
	for total := b.CalculateMin(p, 1); total < window; total += b.CalculateMin(p, n) {
		if b.CalculateMin(p, n) <= 0 {
			return n
		}
		n++
	}
	return n
}

func base(p RetryPolicy, attempt int) time.Duration {
	exponent := attempt - 1
	if exponent < 0 {
		exponent = 0
	}
	d := float64(p.InitialTimeout) * math.Pow(p.Multiplier, float64(exponent))
	if d > float64(p.MaxTimeout) {
		d = float64(p.MaxTimeout)
	}
	return time.Duration(d)
}

func scale(d time.Duration, factor float64) time.Duration {
	return time.Duration(float64(d) * factor)
}

// newBusyBackoff returns the schedule for resending to a busy SP. It never
// gives up on its own; the caller's context bounds it.
func newBusyBackoff() backoff.BackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = BusyInitialInterval
	b.MaxInterval = BusyMaxInterval
	b.Multiplier = BusyMultiplier
	b.MaxElapsedTime = 0
	b.Reset()
	return b
}
