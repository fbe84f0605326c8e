package audio

import (
	"math"
	"sync/atomic"
	"time"
)

// Meter tracks the input level of a PCM stream for UI volume indicators.
// Updates are throttled so that high-frequency block processing does not
// produce more level changes than a display can render. Safe for concurrent
// use: one writer calling Update, any number of readers calling Level.
type Meter struct {
	// level holds the current normalised level as math.Float64bits.
	level atomic.Uint64

	// lastUpdate holds the UnixNano of the last accepted update.
	lastUpdate atomic.Int64

	minInterval time.Duration
}

// NewMeter creates a Meter that accepts at most one update per minInterval.
// A zero or negative interval disables throttling.
func NewMeter(minInterval time.Duration) *Meter {
	return &Meter{minInterval: minInterval}
}

// Update computes the RMS level of the given mono PCM block and publishes it,
// unless a previous update was published less than minInterval ago.
func (m *Meter) Update(pcm []byte) {
	now := time.Now().UnixNano()
	if m.minInterval > 0 {
		last := m.lastUpdate.Load()
		if now-last < int64(m.minInterval) {
			return
		}
		if !m.lastUpdate.CompareAndSwap(last, now) {
			return
		}
	}
	m.level.Store(math.Float64bits(RMS16(pcm)))
}

// Level returns the most recently published level in [0.0, 1.0].
func (m *Meter) Level() float64 {
	return math.Float64frombits(m.level.Load())
}

// Reset clears the level back to zero, e.g. when capture stops.
func (m *Meter) Reset() {
	m.level.Store(0)
}
