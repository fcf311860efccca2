package media

import (
	"sync"
	"time"
)

// Tick is a capture timestamp in device clock ticks. Drivers stamp queue
// items with their own tick counter; the sink converts ticks to wall
// microseconds on a shared monotonic epoch before handing frames out.
type Tick uint64

// MediaClock converts capture ticks to presentation microseconds. The zero
// value uses a nanosecond tick and the process monotonic epoch.
type MediaClock struct {
	// TickHz is the tick frequency of the capture device. 0 means the
	// device already stamps nanoseconds.
	TickHz uint64

	epochOnce sync.Once
	epoch     time.Time
}

// NewMediaClock returns a clock anchored at the current monotonic instant.
func NewMediaClock(tickHz uint64) *MediaClock {
	c := &MediaClock{TickHz: tickHz}
	c.anchor()
	return c
}

// anchor pins the epoch on first use so a zero-value clock is safe to
// share between tasks.
func (c *MediaClock) anchor() {
	c.epochOnce.Do(func() { c.epoch = time.Now() })
}

// NowUs returns the current time on the clock in microseconds.
func (c *MediaClock) NowUs() uint64 {
	c.anchor()
	return uint64(time.Since(c.epoch).Microseconds())
}

// ToUs converts a capture tick to microseconds on the clock's epoch.
// A zero tick means the producer did not stamp the item; the current
// clock reading is used instead, matching how the network utils resolve
// missing driver timestamps.
func (c *MediaClock) ToUs(t Tick) uint64 {
	if t == 0 {
		return c.NowUs()
	}
	hz := c.TickHz
	if hz == 0 {
		hz = uint64(time.Second / time.Nanosecond)
	}
	// Split to avoid overflow for large tick values.
	sec := uint64(t) / hz
	rem := uint64(t) % hz
	return sec*1_000_000 + rem*1_000_000/hz
}
