package ratelimit

import (
	"context"
	"sync"

	"github.com/jonboulle/clockwork"
)

// Limit is the static per-integration ceiling. Providers enforce strict
// quotas upstream; flushing a backlog past them risks account suspension.
type Limit struct {
	RPS            int
	MaxConcurrency int
}

// Table maps integration id -> ceiling. Integrations absent from the table
// are unlimited.
type Table map[string]Limit

// WindowCounter counts calls per integration within the current one-second
// window. The in-process implementation is the default; a Redis-backed one
// exists for multi-instance dispatchers.
type WindowCounter interface {
	// Incr bumps the counter for the current window and returns the new value.
	Incr(ctx context.Context, integrationID string, windowSec int64) (int64, error)
}

// Gate grants per-integration dispatch slots. Acquire returns ok=false when
// the integration is at its rps or concurrency ceiling; callers skip the item
// without counting an attempt.
type Gate struct {
	limits  Table
	counter WindowCounter
	clock   clockwork.Clock

	mu       sync.Mutex
	inflight map[string]int
}

func NewGate(limits Table, counter WindowCounter, clock clockwork.Clock) *Gate {
	if counter == nil {
		counter = NewLocalCounter()
	}
	if clock == nil {
		clock = clockwork.NewRealClock()
	}
	return &Gate{
		limits:   limits,
		counter:  counter,
		clock:    clock,
		inflight: make(map[string]int),
	}
}

// Acquire reserves a slot for one call to the given integration. On ok the
// caller must invoke release exactly once when the call finishes. A counter
// backend error fails open: the provider's own throttling is the backstop.
func (g *Gate) Acquire(ctx context.Context, integrationID string) (release func(), ok bool) {
	lim, limited := g.limits[integrationID]
	if !limited {
		return func() {}, true
	}

	g.mu.Lock()
	if lim.MaxConcurrency > 0 && g.inflight[integrationID] >= lim.MaxConcurrency {
		g.mu.Unlock()
		return nil, false
	}
	g.inflight[integrationID]++
	g.mu.Unlock()

	release = func() {
		g.mu.Lock()
		if g.inflight[integrationID] > 0 {
			g.inflight[integrationID]--
		}
		g.mu.Unlock()
	}

	if lim.RPS > 0 {
		n, err := g.counter.Incr(ctx, integrationID, g.clock.Now().Unix())
		if err == nil && n > int64(lim.RPS) {
			release()
			return nil, false
		}
	}

	return release, true
}

// LocalCounter is the in-process fixed-window counter. State older than the
// current window is discarded on access.
type LocalCounter struct {
	mu     sync.Mutex
	window int64
	counts map[string]int64
}

func NewLocalCounter() *LocalCounter {
	return &LocalCounter{counts: make(map[string]int64)}
}

func (c *LocalCounter) Incr(_ context.Context, integrationID string, windowSec int64) (int64, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if windowSec != c.window {
		c.window = windowSec
		c.counts = make(map[string]int64)
	}
	c.counts[integrationID]++
	return c.counts[integrationID], nil
}
