package engine

import (
	"sync/atomic"
	"time"
)

// Clock supplies the monotonic slot counter used as the funding time base.
type Clock interface {
	Now() uint64
}

// SystemClock derives slots from wall time at a fixed tick interval.
type SystemClock struct {
	Epoch        time.Time
	TickInterval time.Duration
}

func NewSystemClock(epoch time.Time, tick time.Duration) *SystemClock {
	return &SystemClock{Epoch: epoch, TickInterval: tick}
}

func (c *SystemClock) Now() uint64 {
	elapsed := time.Since(c.Epoch)
	if elapsed < 0 {
		return 0
	}
	return uint64(elapsed / c.TickInterval)
}

// ManualClock is a settable clock for tests.
type ManualClock struct {
	slot atomic.Uint64
}

func NewManualClock(slot uint64) *ManualClock {
	c := &ManualClock{}
	c.slot.Store(slot)
	return c
}

func (c *ManualClock) Now() uint64 { return c.slot.Load() }

func (c *ManualClock) Set(slot uint64) { c.slot.Store(slot) }

func (c *ManualClock) Advance(slots uint64) { c.slot.Add(slots) }
