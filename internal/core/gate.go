package core

import (
	"context"
	"sync"
	"time"

	"golang.org/x/sync/semaphore"
)

// backpressureThreshold is the minimum wait before an acquisition counts as a
// backpressure event. Sub-millisecond waits are scheduling noise.
const backpressureThreshold = time.Millisecond

// Gate bounds the number of concurrently dispatched messages. Acquire blocks
// when all slots are taken; Release always returns the slot, whatever happened
// to the guarded work.
type Gate struct {
	sem *semaphore.Weighted
	max int64

	metrics *Metrics

	mu          sync.Mutex
	current     int64
	maxObserved int64
	waitTotal   time.Duration
	waitEvents  uint64
}

// GateStats is a snapshot of the in-flight state.
type GateStats struct {
	CurrentInFlight       int64
	MaxConcurrentObserved int64
	BackpressureEvents    uint64
	BackpressureWaitTotal time.Duration
}

// NewGate creates a gate with maxInFlight slots. metrics may be nil.
func NewGate(maxInFlight int, metrics *Metrics) *Gate {
	if maxInFlight <= 0 {
		maxInFlight = 1
	}
	return &Gate{
		sem:     semaphore.NewWeighted(int64(maxInFlight)),
		max:     int64(maxInFlight),
		metrics: metrics,
	}
}

// Acquire blocks until a slot is available or ctx is cancelled. The only
// error it can return is the context's.
func (g *Gate) Acquire(ctx context.Context) error {
	start := time.Now()
	if err := g.sem.Acquire(ctx, 1); err != nil {
		return err
	}
	wait := time.Since(start)

	g.mu.Lock()
	g.current++
	if g.current > g.maxObserved {
		g.maxObserved = g.current
	}
	if wait > backpressureThreshold {
		g.waitTotal += wait
		g.waitEvents++
	}
	current := g.current
	g.mu.Unlock()

	if g.metrics != nil {
		g.metrics.SetInFlight(current)
		if wait > backpressureThreshold {
			g.metrics.ObserveBackpressureWait(wait)
		}
	}
	return nil
}

// Release returns a slot. It must be called exactly once per successful
// Acquire, on every exit path.
func (g *Gate) Release() {
	g.mu.Lock()
	g.current--
	current := g.current
	g.mu.Unlock()

	g.sem.Release(1)

	if g.metrics != nil {
		g.metrics.SetInFlight(current)
	}
}

func (g *Gate) Stats() GateStats {
	g.mu.Lock()
	defer g.mu.Unlock()
	return GateStats{
		CurrentInFlight:       g.current,
		MaxConcurrentObserved: g.maxObserved,
		BackpressureEvents:    g.waitEvents,
		BackpressureWaitTotal: g.waitTotal,
	}
}

// MaxInFlight returns the configured slot count.
func (g *Gate) MaxInFlight() int64 {
	return g.max
}
