package render

import (
	"fmt"
	"io"
	"sync"
	"time"

	"github.com/signalsfoundry/orbit-visualizer/model"
)

// DegradedNotice heads every static fallback listing.
const DegradedNotice = "Interactive visualization unavailable. Showing a static satellite listing."

// StaticBackend is the last tier. It never fails to load and renders a
// plain-text listing of the scene to w, at most once per Interval of
// simulated time. A selection change is listed straight away.
type StaticBackend struct {
	Interval time.Duration

	mu       sync.Mutex
	w        io.Writer
	noticed  bool
	last     time.Duration
	selected string
	rendered bool
	closed   bool
}

// NewStaticBackend writes to w.
func NewStaticBackend(w io.Writer) *StaticBackend {
	return &StaticBackend{w: w, Interval: time.Minute}
}

// Render implements Backend.
func (s *StaticBackend) Render(scene *model.SceneDescription) error {
	if scene == nil {
		return nil
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if !s.noticed {
		if _, err := fmt.Fprintf(s.w, "[degraded] %s\n", DegradedNotice); err != nil {
			return err
		}
		s.noticed = true
	}
	if s.rendered && scene.SelectedID == s.selected && absDuration(scene.Time-s.last) < s.Interval {
		return nil
	}
	s.rendered = true
	s.last = scene.Time
	s.selected = scene.SelectedID

	if _, err := fmt.Fprintf(s.w, "t=%s selected=%q\n", scene.Time, scene.SelectedID); err != nil {
		return err
	}
	for _, e := range scene.Entities {
		mark := " "
		if e.Selected {
			mark = "*"
		}
		g := e.Sample.Geographic
		if _, err := fmt.Fprintf(s.w, "%s %-8s %-11s lat %7.2f lon %8.2f alt %6.0f km\n",
			mark, e.ObjectID, e.Status, g.Lat, g.Lon, g.Alt); err != nil {
			return err
		}
	}
	return nil
}

// Events implements Backend. The static view has no input.
func (s *StaticBackend) Events() <-chan Event { return nil }

// Close implements Backend.
func (s *StaticBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func absDuration(d time.Duration) time.Duration {
	if d < 0 {
		return -d
	}
	return d
}
