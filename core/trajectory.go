package core

import (
	"errors"
	"fmt"
	"math"
	"sync"
	"time"

	"github.com/signalsfoundry/orbit-visualizer/model"
)

// ErrInvalidSampling indicates a sampling request with a non-positive
// window, fewer than two samples or a smoothing factor below one.
var ErrInvalidSampling = errors.New("invalid sampling parameters")

// TrajectorySource produces trajectories for the scene composer.
type TrajectorySource interface {
	Sample(obj model.TrackedObject, index int, center, window time.Duration, resolution int) (model.Trajectory, error)
}

// Sampler discretises an object's path over a time window.
type Sampler struct {
	Model PositionModel
	// SmoothingFactor is the minimum ratio of smoothed points to raw
	// samples. One disables smoothing.
	SmoothingFactor int
}

// Subdivisions returns the number of steps each raw segment is split into so
// that the smoothed path has at least resolution*factor points.
func Subdivisions(resolution, factor int) int {
	if resolution < 2 || factor <= 1 {
		return 1
	}
	return int(math.Ceil(float64(resolution*factor-1) / float64(resolution-1)))
}

// Sample returns resolution evenly spaced samples over
// [center-window/2, center+window/2] plus the smoothed point sequence.
func (s Sampler) Sample(obj model.TrackedObject, index int, center, window time.Duration, resolution int) (model.Trajectory, error) {
	switch {
	case s.Model == nil:
		return model.Trajectory{}, fmt.Errorf("no position model: %w", ErrInvalidSampling)
	case window <= 0:
		return model.Trajectory{}, fmt.Errorf("window %v: %w", window, ErrInvalidSampling)
	case resolution < 2:
		return model.Trajectory{}, fmt.Errorf("resolution %d: %w", resolution, ErrInvalidSampling)
	case s.SmoothingFactor < 1:
		return model.Trajectory{}, fmt.Errorf("smoothing factor %d: %w", s.SmoothingFactor, ErrInvalidSampling)
	}

	start := offsetDuration(center, -float64(window/2))
	samples := make([]model.PositionSample, resolution)
	for i := range samples {
		at := offsetDuration(start, float64(window)*float64(i)/float64(resolution-1))
		if i == resolution-1 {
			at = offsetDuration(start, float64(window))
		}
		samples[i] = s.Model.PositionAt(obj, index, at)
	}

	return model.Trajectory{
		ObjectID: obj.ID,
		Center:   center,
		Window:   window,
		Samples:  samples,
		Points:   smooth(samples, Subdivisions(resolution, s.SmoothingFactor)),
	}, nil
}

// offsetDuration returns t moved by delta nanoseconds, saturating at the
// limits of time.Duration.
func offsetDuration(t time.Duration, delta float64) time.Duration {
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

// smooth subdivides each segment and pushes the interpolated points back out
// to the interpolated orbital radius so chords never dip into the globe.
func smooth(samples []model.PositionSample, steps int) []model.PositionSample {
	if steps <= 1 {
		out := make([]model.PositionSample, len(samples))
		copy(out, samples)
		return out
	}

	out := make([]model.PositionSample, 0, (len(samples)-1)*steps+1)
	for k := 0; k < len(samples)-1; k++ {
		a, b := samples[k], samples[k+1]
		ra, rb := a.Cartesian.Norm(), b.Cartesian.Norm()
		out = append(out, a)
		for j := 1; j < steps; j++ {
			f := float64(j) / float64(steps)
			p := a.Cartesian.Lerp(b.Cartesian, f)
			if n := p.Norm(); n > 1e-9 {
				p = p.Scale((ra + (rb-ra)*f) / n)
			}
			out = append(out, model.PositionSample{
				Time:       a.Time + time.Duration(float64(b.Time-a.Time)*f),
				Cartesian:  p,
				Geographic: CartesianToGeo(p),
				Velocity:   a.Velocity.Lerp(b.Velocity, f),
			})
		}
	}
	return append(out, samples[len(samples)-1])
}

// CacheRecorder observes trajectory cache lookups.
type CacheRecorder interface {
	ObserveTrajectoryCache(hit bool)
}

// CacheStats is a snapshot of the cache counters.
type CacheStats struct {
	Hits   uint64
	Misses uint64
}

type cacheEntry struct {
	obj        model.TrackedObject
	index      int
	bucket     int64
	window     time.Duration
	resolution int
	traj       model.Trajectory
}

// CachedSampler memoises trajectories per object. The requested centre is
// quantised to ResampleThreshold, so a path is only recomputed when the
// simulated time crosses a threshold boundary or the request changes.
type CachedSampler struct {
	Source            TrajectorySource
	ResampleThreshold time.Duration
	Recorder          CacheRecorder

	mu      sync.Mutex
	entries map[string]cacheEntry
	stats   CacheStats
}

// NewCachedSampler wraps src.
func NewCachedSampler(src TrajectorySource, threshold time.Duration) *CachedSampler {
	return &CachedSampler{
		Source:            src,
		ResampleThreshold: threshold,
		entries:           make(map[string]cacheEntry),
	}
}

func (c *CachedSampler) quantise(center time.Duration) (int64, time.Duration) {
	if c.ResampleThreshold <= 0 {
		return int64(center), center
	}
	b := int64(center / c.ResampleThreshold)
	if center < 0 && center%c.ResampleThreshold != 0 {
		b--
	}
	q := time.Duration(b) * c.ResampleThreshold
	if q > center {
		q = center
	}
	return b, q
}

// Sample implements TrajectorySource.
func (c *CachedSampler) Sample(obj model.TrackedObject, index int, center, window time.Duration, resolution int) (model.Trajectory, error) {
	bucket, quantised := c.quantise(center)

	c.mu.Lock()
	if c.entries == nil {
		c.entries = make(map[string]cacheEntry)
	}
	e, ok := c.entries[obj.ID]
	if ok && e.obj == obj && e.index == index && e.bucket == bucket && e.window == window && e.resolution == resolution {
		c.stats.Hits++
		c.mu.Unlock()
		c.record(true)
		return e.traj, nil
	}
	c.stats.Misses++
	c.mu.Unlock()
	c.record(false)

	traj, err := c.Source.Sample(obj, index, quantised, window, resolution)
	if err != nil {
		return model.Trajectory{}, err
	}

	c.mu.Lock()
	c.entries[obj.ID] = cacheEntry{
		obj:        obj,
		index:      index,
		bucket:     bucket,
		window:     window,
		resolution: resolution,
		traj:       traj,
	}
	c.mu.Unlock()
	return traj, nil
}

func (c *CachedSampler) record(hit bool) {
	if c.Recorder != nil {
		c.Recorder.ObserveTrajectoryCache(hit)
	}
}

// Invalidate drops the cached trajectory for id.
func (c *CachedSampler) Invalidate(id string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.entries, id)
}

// Reset drops every cached trajectory.
func (c *CachedSampler) Reset() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.entries = make(map[string]cacheEntry)
}

// Stats returns the hit and miss counters.
func (c *CachedSampler) Stats() CacheStats {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.stats
}
