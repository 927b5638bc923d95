package ratelimit

import (
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
)

type breakerState int

const (
	stateClosed breakerState = iota
	stateOpen
	stateHalfOpen
)

// Breaker is a small circuit breaker: after failThreshold consecutive
// failures it opens for openFor, then lets a single probe through.
type Breaker struct {
	mu               sync.Mutex
	clock            clockwork.Clock
	st               breakerState
	consecutiveFails int
	failThreshold    int
	openFor          time.Duration
	nextTryAt        time.Time
	probeInFlight    bool
}

func NewBreaker(threshold int, openFor time.Duration, clock clockwork.Clock) *Breaker {
	if threshold <= 0 {
		threshold = 3
	}
	if openFor <= 0 {
		openFor = 15 * time.Second
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Breaker{failThreshold: threshold, openFor: openFor, clock: clock}
}

// Allow reports whether a call may proceed now. While half-open only one
// probe is admitted at a time.
func (b *Breaker) Allow() bool {
	b.mu.Lock()
	defer b.mu.Unlock()

	now := b.clock.Now()
	switch b.st {
	case stateClosed:
		return true
	case stateOpen:
		if now.After(b.nextTryAt) && !b.probeInFlight {
			b.st = stateHalfOpen
			b.probeInFlight = true
			return true
		}
		return false
	case stateHalfOpen:
		if !b.probeInFlight {
			b.probeInFlight = true
			return true
		}
		return false
	default:
		return true
	}
}

// Cancel returns an admitted probe slot without recording an outcome, for
// callers that were admitted but never made the call (rate-limit skip,
// lost claim race).
func (b *Breaker) Cancel() {
	b.mu.Lock()
	if b.st == stateHalfOpen {
		b.probeInFlight = false
	}
	b.mu.Unlock()
}

func (b *Breaker) OnSuccess() {
	b.mu.Lock()
	b.consecutiveFails = 0
	b.st = stateClosed
	b.probeInFlight = false
	b.mu.Unlock()
}

func (b *Breaker) OnFailure() {
	b.mu.Lock()
	defer b.mu.Unlock()

	if b.st == stateHalfOpen {
		b.st = stateOpen
		b.nextTryAt = b.clock.Now().Add(b.openFor)
		b.probeInFlight = false
		return
	}

	b.consecutiveFails++
	if b.consecutiveFails >= b.failThreshold {
		b.st = stateOpen
		b.nextTryAt = b.clock.Now().Add(b.openFor)
	}
}

// BreakerSet holds one breaker per integration id, created lazily with
// shared settings.
type BreakerSet struct {
	mu        sync.Mutex
	breakers  map[string]*Breaker
	threshold int
	openFor   time.Duration
	clock     clockwork.Clock
}

func NewBreakerSet(threshold int, openFor time.Duration, clock clockwork.Clock) *BreakerSet {
	return &BreakerSet{
		breakers:  make(map[string]*Breaker),
		threshold: threshold,
		openFor:   openFor,
		clock:     clock,
	}
}

func (s *BreakerSet) For(integrationID string) *Breaker {
	s.mu.Lock()
	defer s.mu.Unlock()
	b, ok := s.breakers[integrationID]
	if !ok {
		b = NewBreaker(s.threshold, s.openFor, s.clock)
		s.breakers[integrationID] = b
	}
	return b
}
