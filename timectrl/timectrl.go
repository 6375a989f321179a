package timectrl

import (
	"context"
	"slices"
	"sync"
	"sync/atomic"
	"time"
)

// Mode describes how the TimeController paces its ticks.
type Mode int

const (
	// RealTime fires on a wall-clock ticker.
	RealTime Mode = iota
	// Accelerated fires back to back, stepping a virtual time by Interval.
	Accelerated
)

// TimeController is the frame loop. It calls every listener once per tick
// from a single goroutine. A tick that comes due while listeners are still
// running is dropped, never queued.
type TimeController struct {
	mu       sync.RWMutex
	Interval time.Duration
	Mode     Mode
	Source   Source

	lastTick  time.Time
	listeners []func(time.Time)
	onDrop    func()

	ticks   atomic.Uint64
	dropped atomic.Uint64
}

// NewTimeController constructs a controller. A nil source means the system
// clock.
func NewTimeController(interval time.Duration, mode Mode, src Source) *TimeController {
	if src == nil {
		src = SystemSource{}
	}
	return &TimeController{
		Interval: interval,
		Mode:     mode,
		Source:   src,
	}
}

// Now returns the time handed to the most recent tick.
func (tc *TimeController) Now() time.Time {
	tc.mu.RLock()
	defer tc.mu.RUnlock()
	return tc.lastTick
}

// AddListener registers a callback invoked on every tick.
func (tc *TimeController) AddListener(fn func(time.Time)) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.listeners = append(tc.listeners, fn)
}

// OnDrop registers a callback invoked for every dropped tick.
func (tc *TimeController) OnDrop(fn func()) {
	tc.mu.Lock()
	defer tc.mu.Unlock()
	tc.onDrop = fn
}

// Ticks returns the number of ticks delivered.
func (tc *TimeController) Ticks() uint64 { return tc.ticks.Load() }

// Dropped returns the number of ticks skipped because a previous tick was
// still running.
func (tc *TimeController) Dropped() uint64 { return tc.dropped.Load() }

func (tc *TimeController) fire(now time.Time) {
	tc.mu.Lock()
	tc.lastTick = now
	listeners := slices.Clone(tc.listeners)
	tc.mu.Unlock()

	for _, fn := range listeners {
		fn(now)
	}
	tc.ticks.Add(1)
}

// Start runs the loop in a separate goroutine until ctx is cancelled or,
// when duration > 0, until duration worth of intervals has elapsed. It
// returns a channel that is closed when the loop exits.
func (tc *TimeController) Start(ctx context.Context, duration time.Duration) <-chan struct{} {
	done := make(chan struct{})
	go func() {
		defer close(done)
		if tc.Mode == Accelerated {
			tc.runAccelerated(ctx, duration)
			return
		}
		tc.runRealTime(ctx, duration)
	}()
	return done
}

func (tc *TimeController) runRealTime(ctx context.Context, duration time.Duration) {
	ticker := time.NewTicker(tc.Interval)
	defer ticker.Stop()

	elapsed := time.Duration(0)
	for {
		if duration > 0 && elapsed >= duration {
			return
		}
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
		}
		elapsed += tc.Interval
		tc.fire(tc.Source.Now())

		// A tick that came due during the listeners is stale.
		select {
		case <-ticker.C:
			tc.dropped.Add(1)
			elapsed += tc.Interval
			tc.mu.RLock()
			onDrop := tc.onDrop
			tc.mu.RUnlock()
			if onDrop != nil {
				onDrop()
			}
		default:
		}
	}
}

func (tc *TimeController) runAccelerated(ctx context.Context, duration time.Duration) {
	virtual := tc.Source.Now()
	elapsed := time.Duration(0)
	for duration <= 0 || elapsed < duration {
		if ctx.Err() != nil {
			return
		}
		virtual = virtual.Add(tc.Interval)
		elapsed += tc.Interval
		tc.fire(virtual)
	}
}
