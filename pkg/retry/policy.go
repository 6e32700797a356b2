package retry

import (
	"time"

	"github.com/cenkalti/backoff/v4"
)

// Policy is the immutable retry configuration for one class of
// operation. Delays follow
//
//	delay = min(max_delay, initial × multiplier^(attempt-1)) × (1 ± jitter)
//
// with attempt 1-based. Jitter is applied by backoff's randomization
// factor, so the realized delay for attempt n lies within
// [base(n)×(1−jitter), base(n)×(1+jitter)] capped at MaxDelay.
type Policy struct {
	MaxAttempts  int
	InitialDelay time.Duration
	MaxDelay     time.Duration
	Multiplier   float64
	Jitter       float64
	RetryOn      []Kind
	SkipOn       []Kind
}

// Predefined profiles. Standard is the default; RateLimit backs off far
// longer to respect quota windows.
var (
	Fast = Policy{
		MaxAttempts:  3,
		InitialDelay: 100 * time.Millisecond,
		MaxDelay:     2 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
	Standard = Policy{
		MaxAttempts:  3,
		InitialDelay: 1 * time.Second,
		MaxDelay:     60 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
	Slow = Policy{
		MaxAttempts:  5,
		InitialDelay: 5 * time.Second,
		MaxDelay:     120 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
	RateLimit = Policy{
		MaxAttempts:  3,
		InitialDelay: 5 * time.Second,
		MaxDelay:     300 * time.Second,
		Multiplier:   2,
		Jitter:       0.1,
	}
)

// newBackOff builds the stateful delay source for one Do invocation.
func (p Policy) newBackOff() *backoff.ExponentialBackOff {
	b := backoff.NewExponentialBackOff()
	b.InitialInterval = p.InitialDelay
	b.MaxInterval = p.MaxDelay
	b.Multiplier = p.Multiplier
	b.RandomizationFactor = p.Jitter
	b.MaxElapsedTime = 0 // attempts are bounded by MaxAttempts, not wall clock
	b.Reset()
	return b
}

// shouldRetry applies the decision rule: SkipOn always wins (Validation
// is implicitly skipped), then RetryOn, then the kind's default.
func (p Policy) shouldRetry(kind Kind, recoverable bool) bool {
	for _, k := range p.SkipOn {
		if k == kind {
			return false
		}
	}
	if kind == KindValidation || kind == KindConnection {
		return false
	}
	for _, k := range p.RetryOn {
		if k == kind {
			return true
		}
	}
	switch kind {
	case KindTimeout, KindRateLimit, KindResource:
		return true
	case KindExecution:
		return recoverable
	}
	return false
}
