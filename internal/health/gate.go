package health

import (
	"context"
	"errors"
	"sync"
)

// Gate is a manually controlled readiness switch. It starts ready and can be
// failed when a dependency becomes unusable (for example when a provider
// rejects its credentials) and restored once the condition clears.
//
// Gate is safe for concurrent use.
type Gate struct {
	mu     sync.Mutex
	failed bool
	reason string
}

// NewGate returns a Gate in the ready state.
func NewGate() *Gate {
	return &Gate{}
}

// Fail marks the gate as not ready with the given reason.
func (g *Gate) Fail(reason string) {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failed = true
	g.reason = reason
}

// Restore marks the gate as ready again.
func (g *Gate) Restore() {
	g.mu.Lock()
	defer g.mu.Unlock()
	g.failed = false
	g.reason = ""
}

// Ready reports whether the gate is in the ready state.
func (g *Gate) Ready() bool {
	g.mu.Lock()
	defer g.mu.Unlock()
	return !g.failed
}

// Checker returns a [Checker] with the given name that passes while the gate
// is ready and fails with the recorded reason otherwise.
func (g *Gate) Checker(name string) Checker {
	return Checker{
		Name: name,
		Check: func(context.Context) error {
			g.mu.Lock()
			defer g.mu.Unlock()
			if g.failed {
				reason := g.reason
				if reason == "" {
					reason = "not ready"
				}
				return errors.New(reason)
			}
			return nil
		},
	}
}
