package exchange

import "time"

// Retry parameters used when a RetryPolicy field is zero.
const (
	// DefaultMaxAttempts is the number of transmissions of one request,
	// including the first, before it fails with a TimeoutError.
	DefaultMaxAttempts = 5

	// DefaultInitialTimeout is the per-attempt deadline of the first send.
	DefaultInitialTimeout = 500 * time.Millisecond

	// DefaultMaxTimeout caps the per-attempt deadline before jitter.
	DefaultMaxTimeout = 2 * time.Second

	// DefaultMultiplier is the growth factor of the per-attempt deadline.
	DefaultMultiplier = 2.0

	// DefaultJitter is the upper bound of the random fraction added to
	// each deadline.
	DefaultJitter = 0.25
)

// Busy-SP backoff. An SP answering Busy is alive but cannot take the request
// yet; these resends do not count against the retry budget.
const (
	BusyInitialInterval = 20 * time.Millisecond
	BusyMaxInterval     = time.Second
	BusyMultiplier      = 2.0
)

const (
	// DefaultMaxInFlight is the number of requests one target may have
	// outstanding. SPs process requests one at a time.
	DefaultMaxInFlight = 1

	// DefaultEventBuffer is the channel capacity of a Subscription.
	DefaultEventBuffer = 32

	// DefaultResetTimeout bounds how long ResetTrigger keeps retrying while
	// the SP reboots.
	DefaultResetTimeout = 30 * time.Second

	// DefaultCollectBuffer is the channel capacity of a Collector.
	DefaultCollectBuffer = 64

	// MaxPaginatedItems limits the item count an SP may claim for a
	// paginated response.
	MaxPaginatedItems = 1024
)

// RetryPolicy controls retransmission of one request.
type RetryPolicy struct {
	// MaxAttempts is the total number of sends, including the first.
	MaxAttempts int

	// InitialTimeout is the deadline of the first attempt.
	InitialTimeout time.Duration

	// MaxTimeout caps the deadline before jitter is applied.
	MaxTimeout time.Duration

	// Multiplier grows the deadline of each following attempt.
	Multiplier float64

	// Jitter is the maximum fraction added to each deadline.
	// A negative value disables jitter.
	Jitter float64
}

// DefaultRetryPolicy returns the policy used when none is configured.
func DefaultRetryPolicy() RetryPolicy {
	return RetryPolicy{
		MaxAttempts:    DefaultMaxAttempts,
		InitialTimeout: DefaultInitialTimeout,
		MaxTimeout:     DefaultMaxTimeout,
		Multiplier:     DefaultMultiplier,
		Jitter:         DefaultJitter,
	}
}

func (p *RetryPolicy) applyDefaults() {
	if p.MaxAttempts <= 0 {
		p.MaxAttempts = DefaultMaxAttempts
	}
	if p.InitialTimeout <= 0 {
		p.InitialTimeout = DefaultInitialTimeout
	}
	if p.MaxTimeout <= 0 {
		p.MaxTimeout = DefaultMaxTimeout
	}
	if p.MaxTimeout < p.InitialTimeout {
		p.MaxTimeout = p.InitialTimeout
	}
	if p.Multiplier < 1 {
		p.Multiplier = DefaultMultiplier
	}
	if p.Jitter == 0 {
		p.Jitter = DefaultJitter
	}
	if p.Jitter < 0 {
		p.Jitter = 0
	}
}
