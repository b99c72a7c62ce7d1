// Package clock provides the engine's notion of "now" in unix seconds.
// Components read it once per operation.
package clock

import (
	"sync/atomic"
	"time"
)

// Clock returns the current time in unix seconds.
type Clock interface {
	Now() uint64
}

// System reads the wall clock.
type System struct{}

// Now implements Clock.
func (System) Now() uint64 { return uint64(time.Now().Unix()) }

// Manual is a settable clock for tests and simulations.
type Manual struct {
	now atomic.Uint64
}

// NewManual creates a manual clock at the given time.
func NewManual(start uint64) *Manual {
	m := &Manual{}
	m.now.Store(start)
	return m
}

// Now implements Clock.
func (m *Manual) Now() uint64 { return m.now.Load() }

// Set moves the clock to t.
func (m *Manual) Set(t uint64) { m.now.Store(t) }

// Warp advances the clock by d seconds.
func (m *Manual) Warp(d uint64) { m.now.Add(d) }
