package core

import (
	"errors"
	"math"
	"reflect"
	"testing"
	"time"

	"github.com/signalsfoundry/orbit-visualizer/kb"
	"github.com/signalsfoundry/orbit-visualizer/model"
)

func TestSubdivisions(t *testing.T) {
	tests := []struct {
		res, factor, want int
	}{
		{2, 1, 1},
		{100, 1, 1},
		{100, 5, 6},
		{2, 5, 9},
		{11, 2, 3},
	}
	for _, tt := range tests {
		if got := Subdivisions(tt.res, tt.factor); got != tt.want {
			t.Fatalf("Subdivisions(%d, %d) = %d, want %d", tt.res, tt.factor, got, tt.want)
		}
	}
}

func TestSamplerRejectsInvalidParameters(t *testing.T) {
	obj := kb.DefaultCatalog().At(0)
	s := Sampler{Model: NewCircularOrbitModel(), SmoothingFactor: 1}
	cases := []struct {
		name   string
		s      Sampler
		window time.Duration
		res    int
	}{
		{"zero window", s, 0, 10},
		{"negative window", s, -time.Minute, 10},
		{"single sample", s, time.Hour, 1},
		{"zero smoothing", Sampler{Model: s.Model}, time.Hour, 10},
		{"no model", Sampler{SmoothingFactor: 1}, time.Hour, 10},
	}
	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			if _, err := tc.s.Sample(obj, 0, 0, tc.window, tc.res); !errors.Is(err, ErrInvalidSampling) {
				t.Fatalf("Sample() error = %v, want ErrInvalidSampling", err)
			}
		})
	}
}

func TestSamplerSpansWindowEvenly(t *testing.T) {
	obj := kb.DefaultCatalog().At(1)
	s := Sampler{Model: NewCircularOrbitModel(), SmoothingFactor: 1}

	traj, err := s.Sample(obj, 1, time.Hour, 30*time.Minute, 7)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if len(traj.Samples) != 7 || len(traj.Points) != 7 {
		t.Fatalf("got %d samples, %d points; want 7, 7", len(traj.Samples), len(traj.Points))
	}
	if traj.Samples[0].Time != 45*time.Minute || traj.Samples[6].Time != 75*time.Minute {
		t.Fatalf("endpoints %v..%v, want 45m..75m", traj.Samples[0].Time, traj.Samples[6].Time)
	}
	for i := 1; i < len(traj.Samples); i++ {
		if d := traj.Samples[i].Time - traj.Samples[i-1].Time; d != 5*time.Minute {
			t.Fatalf("sample %d spacing = %v, want 5m", i, d)
		}
	}
	if traj.ObjectID != obj.ID || traj.Center != time.Hour || traj.Window != 30*time.Minute {
		t.Fatalf("trajectory metadata = %q %v %v", traj.ObjectID, traj.Center, traj.Window)
	}
}

func TestSamplerSmoothingKeepsPointsOnOrbit(t *testing.T) {
	cat := kb.DefaultCatalog()
	s := Sampler{Model: NewCircularOrbitModel(), SmoothingFactor: 5}
	for i, obj := range cat.Objects() {
		traj, err := s.Sample(obj, i, 0, 90*time.Minute, 24)
		if err != nil {
			t.Fatalf("Sample(%s): %v", obj.ID, err)
		}
		if len(traj.Points) < 24*5 {
			t.Fatalf("%s: %d points, want at least %d", obj.ID, len(traj.Points), 24*5)
		}
		r := EarthRadiusKm + obj.Elements.AltitudeKm
		for j, p := range traj.Points {
			if math.Abs(p.Cartesian.Norm()-r) > 1e-6 {
				t.Fatalf("%s point %d radius %v, want %v", obj.ID, j, p.Cartesian.Norm(), r)
			}
			if p.Cartesian.Norm() <= EarthRadiusKm {
				t.Fatalf("%s point %d inside the globe", obj.ID, j)
			}
		}
		if traj.Points[0] != traj.Samples[0] || traj.Points[len(traj.Points)-1] != traj.Samples[len(traj.Samples)-1] {
			t.Fatalf("%s: smoothed path must start and end on raw samples", obj.ID)
		}
	}
}

func TestSamplerIsIdempotent(t *testing.T) {
	obj := kb.DefaultCatalog().At(3)
	s := Sampler{Model: NewCircularOrbitModel(), SmoothingFactor: 3}
	a, err := s.Sample(obj, 3, 10*time.Minute, time.Hour, 16)
	if err != nil {
		t.Fatalf("Sample: %v", err)
	}
	b, _ := s.Sample(obj, 3, 10*time.Minute, time.Hour, 16)
	if !reflect.DeepEqual(a, b) {
		t.Fatalf("Sample is not idempotent")
	}
}

func TestSamplerSaturatesAtTimeLimits(t *testing.T) {
	obj := kb.DefaultCatalog().At(0)
	s := Sampler{Model: NewCircularOrbitModel(), SmoothingFactor: 1}
	tests := []struct {
		name   string
		center time.Duration
		first  time.Duration
		last   time.Duration
	}{
		{name: "max", center: math.MaxInt64, first: math.MaxInt64 - 30*time.Minute, last: math.MaxInt64},
		{name: "min", center: math.MinInt64, first: math.MinInt64, last: math.MinInt64 + time.Hour},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			traj, err := s.Sample(obj, 0, tt.center, time.Hour, 8)
			if err != nil {
				t.Fatalf("Sample: %v", err)
			}
			for i := 1; i < len(traj.Samples); i++ {
				if traj.Samples[i].Time < traj.Samples[i-1].Time {
					t.Fatalf("sample %d at %v precedes %v", i, traj.Samples[i].Time, traj.Samples[i-1].Time)
				}
			}
			if got := traj.Samples[0].Time; got != tt.first {
				t.Fatalf("first sample at %v, want %v", got, tt.first)
			}
			if got := traj.Samples[len(traj.Samples)-1].Time; got != tt.last {
				t.Fatalf("last sample at %v, want %v", got, tt.last)
			}
		})
	}
}

type countingSource struct {
	calls   int
	centers []time.Duration
	inner   TrajectorySource
}

func (c *countingSource) Sample(obj model.TrackedObject, index int, center, window time.Duration, res int) (model.Trajectory, error) {
	c.calls++
	c.centers = append(c.centers, center)
	return c.inner.Sample(obj, index, center, window, res)
}

type recordedLookups struct{ hits, misses int }

func (r *recordedLookups) ObserveTrajectoryCache(hit bool) {
	if hit {
		r.hits++
	} else {
		r.misses++
	}
}

func TestCachedSamplerResamplesOnThresholdCrossing(t *testing.T) {
	obj := kb.DefaultCatalog().At(0)
	src := &countingSource{inner: Sampler{Model: NewCircularOrbitModel(), SmoothingFactor: 1}}
	rec := &recordedLookups{}
	c := NewCachedSampler(src, time.Minute)
	c.Recorder = rec

	for _, at := range []time.Duration{0, 10 * time.Second, 59 * time.Second} {
		if _, err := c.Sample(obj, 0, at, time.Hour, 8); err != nil {
			t.Fatalf("Sample(%v): %v", at, err)
		}
	}
	if src.calls != 1 {
		t.Fatalf("source called %d times within one bucket, want 1", src.calls)
	}

	if _, err := c.Sample(obj, 0, 61*time.Second, time.Hour, 8); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if src.calls != 2 || src.centers[1] != time.Minute {
		t.Fatalf("crossing a boundary should resample at the quantised centre, got calls=%d centers=%v", src.calls, src.centers)
	}

	if _, err := c.Sample(obj, 0, -time.Second, time.Hour, 8); err != nil {
		t.Fatalf("Sample: %v", err)
	}
	if src.centers[2] != -time.Minute {
		t.Fatalf("negative centre quantised to %v, want -1m", src.centers[2])
	}

	stats := c.Stats()
	if stats.Hits != 2 || stats.Misses != 3 {
		t.Fatalf("stats = %+v, want 2 hits 3 misses", stats)
	}
	if rec.hits != 2 || rec.misses != 3 {
		t.Fatalf("recorder saw %d hits %d misses", rec.hits, rec.misses)
	}
}

func TestCachedSamplerInvalidation(t *testing.T) {
	obj := kb.DefaultCatalog().At(0)
	src := &countingSource{inner: Sampler{Model: NewCircularOrbitModel(), SmoothingFactor: 1}}
	c := NewCachedSampler(src, time.Minute)

	c.Sample(obj, 0, 0, time.Hour, 4)
	c.Invalidate(obj.ID)
	c.Sample(obj, 0, 0, time.Hour, 4)
	if src.calls != 2 {
		t.Fatalf("Invalidate should force a resample, calls = %d", src.calls)
	}

	changed := obj
	changed.Elements.AltitudeKm += 100
	c.Sample(changed, 0, 0, time.Hour, 4)
	if src.calls != 3 {
		t.Fatalf("a changed object should resample, calls = %d", src.calls)
	}

	c.Reset()
	c.Sample(changed, 0, 0, time.Hour, 4)
	if src.calls != 4 {
		t.Fatalf("Reset should drop entries, calls = %d", src.calls)
	}
}

func TestCachedSamplerDoesNotCacheErrors(t *testing.T) {
	obj := kb.DefaultCatalog().At(0)
	src := &countingSource{inner: Sampler{Model: NewCircularOrbitModel(), SmoothingFactor: 1}}
	c := NewCachedSampler(src, time.Minute)

	if _, err := c.Sample(obj, 0, 0, 0, 4); !errors.Is(err, ErrInvalidSampling) {
		t.Fatalf("expected ErrInvalidSampling, got %v", err)
	}
	if _, err := c.Sample(obj, 0, 0, 0, 4); !errors.Is(err, ErrInvalidSampling) {
		t.Fatalf("expected ErrInvalidSampling again, got %v", err)
	}
	if src.calls != 2 {
		t.Fatalf("errors must not be cached, calls = %d", src.calls)
	}
}
