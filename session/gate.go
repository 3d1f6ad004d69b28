package session

import (
	"sync"
	"time"
)

// Gate blocks callers while one request carries the staged payload to the
// server. All waiters observe the same release.
type Gate struct {
	opened time.Time
	done   chan struct{}
	once   sync.Once
}

func newGate(now time.Time) *Gate {
	return &Gate{opened: now, done: make(chan struct{})}
}

// Done is closed when the gate is released.
func (g *Gate) Done() <-chan struct{} {
	return g.done
}

// Opened returns when the payload was consumed.
func (g *Gate) Opened() time.Time {
	return g.opened
}

func (g *Gate) release() {
	g.once.Do(func() { close(g.done) })
}
