package types

import "sync/atomic"

// PendingCounter tracks frames handed to the encoder that have not yet
// returned. The capture worker skips delivery while Full reports true, so
// the value stays within [0, depth].
type PendingCounter struct {
	n     atomic.Int32
	depth int32
}

// NewPendingCounter returns a counter that saturates capture at depth
// in-flight encodes.
func NewPendingCounter(depth int) *PendingCounter {
	return &PendingCounter{depth: int32(depth)}
}

func (p *PendingCounter) Inc() { p.n.Add(1) }
func (p *PendingCounter) Dec() { p.n.Add(-1) }

// Load returns the current in-flight count.
func (p *PendingCounter) Load() int { return int(p.n.Load()) }

// Full reports whether the encoder queue is saturated; capture skips frame
// delivery while it holds.
func (p *PendingCounter) Full() bool { return p.n.Load() >= p.depth }
