package localdb

import (
	"context"
	"sync"
)

// Gate is the store readiness signal. Waiters block until the gate is open;
// it may be closed again when the store becomes unreachable.
type Gate struct {
	mu    sync.Mutex
	open  bool
	ready chan struct{}
}

func NewGate() *Gate {
	return &Gate{ready: make(chan struct{})}
}

// Open marks the store as connected and releases all waiters.
func (g *Gate) Open() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if g.open {
		return
	}
	g.open = true
	close(g.ready)
}

// Close marks the store as unavailable.
func (g *Gate) Close() {
	g.mu.Lock()
	defer g.mu.Unlock()
	if !g.open {
		return
	}
	g.open = false
	g.ready = make(chan struct{})
}

// IsOpen reports whether the store is currently connected.
func (g *Gate) IsOpen() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return g.open
}

// Wait blocks until the gate is open or ctx is done.
func (g *Gate) Wait(ctx context.Context) error {
	g.mu.Lock()
	ready := g.ready
	g.mu.Unlock()

	select {
	case <-ready:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
