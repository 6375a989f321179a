package timectrl

import (
	"math"
	"sync"
	"time"
)

// Snapshot is the clock state captured at the start of a tick. Everything
// composed during that tick reads this value, never the live clock.
type Snapshot struct {
	Current time.Duration
	Rate    float64
	Playing bool
}

// Moving reports whether simulated time advances between ticks.
func (s Snapshot) Moving() bool {
	return s.Playing && s.Rate != 0
}

// AnimationClock owns simulated time, an offset from the catalog epoch. It
// is advanced from wall-clock deltas supplied by the frame loop.
type AnimationClock struct {
	mu sync.Mutex

	current time.Duration
	rate    float64
	playing bool

	bounded  bool
	min, max time.Duration

	lastWall time.Time
	hasWall  bool
	repaint  bool
}

// ClockOption configures an AnimationClock.
type ClockOption func(*AnimationClock)

// WithRange bounds simulated time to [min, max].
func WithRange(min, max time.Duration) ClockOption {
	return func(c *AnimationClock) {
		if max < min {
			min, max = max, min
		}
		c.bounded = true
		c.min, c.max = min, max
	}
}

// WithRate sets the initial playback rate. Non-finite rates are ignored.
func WithRate(rate float64) ClockOption {
	return func(c *AnimationClock) {
		if finite(rate) {
			c.rate = rate
		}
	}
}

// WithStart sets the initial simulated time.
func WithStart(t time.Duration) ClockOption {
	return func(c *AnimationClock) { c.current = t }
}

// WithPaused starts the clock paused.
func WithPaused() ClockOption {
	return func(c *AnimationClock) { c.playing = false }
}

// NewAnimationClock returns a playing clock at t = 0 with rate 1. A first
// repaint is pending so the initial frame is drawn even when paused.
func NewAnimationClock(opts ...ClockOption) *AnimationClock {
	c := &AnimationClock{rate: 1, playing: true, repaint: true}
	for _, opt := range opts {
		opt(c)
	}
	c.current = c.clamp(c.current)
	return c
}

func (c *AnimationClock) clamp(t time.Duration) time.Duration {
	if !c.bounded {
		return t
	}
	if t < c.min {
		return c.min
	}
	if t > c.max {
		return c.max
	}
	return t
}

func finite(f float64) bool { return !math.IsNaN(f) && !math.IsInf(f, 0) }

// shift returns t moved by delta nanoseconds, saturating at the limits of
// time.Duration instead of wrapping.
func shift(t time.Duration, delta float64) time.Duration {
	switch {
	case math.IsNaN(delta):
		return t
	case delta >= 1<<62:
		return math.MaxInt64
	case delta <= -(1 << 62):
		return math.MinInt64
	}
	d := time.Duration(delta)
	sum := t + d
	if d > 0 && sum < t {
		return math.MaxInt64
	}
	if d < 0 && sum > t {
		return math.MinInt64
	}
	return sum
}

// Play resumes advancing. The wall reference is re-latched on the next
// Advance so time spent paused is not counted.
func (c *AnimationClock) Play() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.playing {
		return
	}
	c.playing = true
	c.hasWall = false
	c.repaint = true
}

// Pause stops advancing.
func (c *AnimationClock) Pause() {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !c.playing {
		return
	}
	c.playing = false
	c.repaint = true
}

// Seek jumps to t, clamped to the configured range, and returns the time
// actually set.
func (c *AnimationClock) Seek(t time.Duration) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.clamp(t)
	c.repaint = true
	return c.current
}

// SeekBy moves simulated time by the given number of seconds and returns
// the time actually set.
func (c *AnimationClock) SeekBy(seconds float64) time.Duration {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.current = c.clamp(shift(c.current, seconds*float64(time.Second)))
	c.repaint = true
	return c.current
}

// SetRate changes the playback rate. Negative rates run backwards and zero
// holds the current time. NaN and infinite rates are ignored.
func (c *AnimationClock) SetRate(rate float64) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if !finite(rate) || c.rate == rate {
		return
	}
	c.rate = rate
	c.repaint = true
}

// Advance applies the wall time elapsed since the previous call and returns
// the resulting snapshot. The first call only latches wallNow. A wall clock
// that steps backwards advances nothing.
func (c *AnimationClock) Advance(wallNow time.Time) Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()

	if c.playing && c.hasWall {
		if elapsed := wallNow.Sub(c.lastWall); elapsed > 0 && c.rate != 0 {
			c.current = c.clamp(shift(c.current, float64(elapsed)*c.rate))
		}
	}
	if !c.hasWall || wallNow.After(c.lastWall) {
		c.lastWall = wallNow
	}
	c.hasWall = true
	return c.snapshotLocked()
}

// Snapshot returns the current state without advancing.
func (c *AnimationClock) Snapshot() Snapshot {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.snapshotLocked()
}

func (c *AnimationClock) snapshotLocked() Snapshot {
	return Snapshot{Current: c.current, Rate: c.rate, Playing: c.playing}
}

// MarkDirty requests a repaint on the next tick.
func (c *AnimationClock) MarkDirty() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repaint = true
}

// TakeRepaint reports and clears the pending repaint flag.
func (c *AnimationClock) TakeRepaint() bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	r := c.repaint
	c.repaint = false
	return r
}
