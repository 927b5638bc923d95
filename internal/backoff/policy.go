package backoff

import "time"

const (
	// DefaultMaxAttempts is the hard ceiling beyond which an item is
	// permanently dead-lettered.
	DefaultMaxAttempts = 5

	defaultBase = time.Second
	defaultCap  = time.Hour
)

// Policy computes retry delays: exponential doubling from Base, capped at Cap.
// No jitter. Pure value type, safe to copy.
type Policy struct {
	Base        time.Duration
	Cap         time.Duration
	MaxAttempts int
}

func Default() Policy {
	return Policy{Base: defaultBase, Cap: defaultCap, MaxAttempts: DefaultMaxAttempts}
}

// Delay returns the wait before the next attempt given the number of
// attempts already made. Delay(n) = min(Base * 2^n, Cap).
func (p Policy) Delay(attemptCount int) time.Duration {
	base := p.Base
	if base <= 0 {
		base = defaultBase
	}
	cap := p.Cap
	if cap <= 0 {
		cap = defaultCap
	}
	if attemptCount < 0 {
		attemptCount = 0
	}

	d := base
	for i := 0; i < attemptCount; i++ {
		d *= 2
		if d >= cap || d < 0 { // overflow guard
			return cap
		}
	}
	if d > cap {
		return cap
	}
	return d
}

// Exhausted reports whether attemptCount has reached the retry ceiling.
func (p Policy) Exhausted(attemptCount int) bool {
	max := p.MaxAttempts
	if max <= 0 {
		max = DefaultMaxAttempts
	}
	return attemptCount >= max
}
