// Package heartbeat implements the guest-side half of the routing &
// liveness control plane: the periodic heartbeat loop and the
// cooperative-drain acceptance gate.
package heartbeat

import "sync/atomic"

// Gate tracks whether the node is accepting new work and how much work
// is currently in flight. A node may serve requests only while
// Accepting reports true; Draining nodes finish in-flight work but
// accept nothing new.
type Gate struct {
	draining atomic.Bool
	active   atomic.Int64
}

// NewGate returns a gate that accepts new work.
func NewGate() *Gate { return &Gate{} }

// Accepting reports whether new work may begin.
func (g *Gate) Accepting() bool { return !g.draining.Load() }

// BeginDrain stops new work from being accepted. Idempotent.
func (g *Gate) BeginDrain() { g.draining.Store(true) }

// Draining reports whether the gate has entered drain mode.
func (g *Gate) Draining() bool { return g.draining.Load() }

// Acquire reserves one unit of in-flight work, refusing if the gate is
// draining. The caller must invoke the returned release func exactly
// once when the work completes.
func (g *Gate) Acquire() (release func(), ok bool) {
	if g.draining.Load() {
		return nil, false
	}
	g.active.Add(1)
	return func() { g.active.Add(-1) }, true
}

// ActiveCount reports the number of in-flight work units.
func (g *Gate) ActiveCount() int64 { return g.active.Load() }
