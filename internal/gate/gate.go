// Package gate throttles simultaneous stream connection attempts so a
// page worth of players (or a reconnect storm) does not open every
// transport at once.
package gate

import (
	"context"
	"sync"

	"go.uber.org/zap"
)

// waiter is one queued Acquire call. granted flips under the gate mutex
// exactly once, either by a release handing the slot over or by the
// waiter abandoning the queue on context cancellation.
type waiter struct {
	ready   chan struct{}
	granted bool
}

// Gate is a FIFO slot pool for connection establishment. Acquisition
// never fails while the context is live, it only delays. Capacity is
// adjustable at runtime.
type Gate struct {
	log *zap.Logger

	mu       sync.Mutex
	limit    int
	inflight int
	queue    []*waiter
}

// New returns a gate with the given capacity. Values below 1 are
// clamped to 1: a zero-slot gate would starve every player forever.
func New(log *zap.Logger, limit int) *Gate {
	if limit < 1 {
		limit = 1
	}
	return &Gate{log: log.Named("gate"), limit: limit}
}

// Acquire blocks until a slot is free or ctx is done. On success it
// returns a release func that must be called when the connection
// attempt concludes (success or failure). Release is idempotent.
func (g *Gate) Acquire(ctx context.Context) (func(), error) {
	g.mu.Lock()
	if g.inflight < g.limit {
		g.inflight++
		g.mu.Unlock()
		return g.releaseFunc(), nil
	}

	w := &waiter{ready: make(chan struct{})}
	g.queue = append(g.queue, w)
	g.mu.Unlock()

	select {
	case <-w.ready:
		return g.releaseFunc(), nil
	case <-ctx.Done():
		g.mu.Lock()
		if w.granted {
			// Lost the race: a slot was handed over while we were
			// cancelling. Give it straight back.
			g.releaseLocked()
			g.mu.Unlock()
			return nil, ctx.Err()
		}
		g.dropWaiter(w)
		g.mu.Unlock()
		return nil, ctx.Err()
	}
}

// SetLimit adjusts capacity at runtime. Negative values clamp to zero;
// raising the limit wakes queued waiters in FIFO order.
func (g *Gate) SetLimit(limit int) {
	if limit < 0 {
		limit = 0
	}
	g.mu.Lock()
	g.limit = limit
	g.drainLocked()
	waiting := len(g.queue)
	g.mu.Unlock()
	g.log.Info("limit changed", zap.Int("limit", limit), zap.Int("waiting", waiting))
}

// Limit returns the configured capacity.
func (g *Gate) Limit() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.limit
}

// InFlight returns the number of held slots.
func (g *Gate) InFlight() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.inflight
}

// Waiting returns the queue depth.
func (g *Gate) Waiting() int {
	g.mu.Lock()
	defer g.mu.Unlock()
	return len(g.queue)
}

func (g *Gate) releaseFunc() func() {
	var once sync.Once
	return func() {
		once.Do(func() {
			g.mu.Lock()
			g.releaseLocked()
			g.mu.Unlock()
		})
	}
}

func (g *Gate) releaseLocked() {
	if g.inflight > 0 {
		g.inflight--
	}
	g.drainLocked()
}

// drainLocked hands free slots to queued waiters, arrival order.
func (g *Gate) drainLocked() {
	for len(g.queue) > 0 && g.inflight < g.limit {
		w := g.queue[0]
		g.queue = g.queue[1:]
		g.inflight++
		w.granted = true
		close(w.ready)
	}
}

func (g *Gate) dropWaiter(w *waiter) {
	for i, q := range g.queue {
		if q == w {
			g.queue = append(g.queue[:i], g.queue[i+1:]...)
			return
		}
	}
}
