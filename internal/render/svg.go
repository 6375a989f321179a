package render

import (
	"context"
	"fmt"
	"html"
	"math"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/signalsfoundry/orbit-visualizer/core"
	"github.com/signalsfoundry/orbit-visualizer/model"
)

// SVG map styling.
const (
	svgBackground  = "#0b1020"
	svgGridColor   = "#1e293b"
	svgTextColor   = "#e2e8f0"
	svgLabelSize   = 12
	svgHeaderSize  = 14
	svgGridStroke  = "0.5"
	svgMarkerScale = 0.5
)

// SVGBackend writes each frame as an equirectangular SVG map. The file is
// replaced atomically so readers never observe a partial frame.
type SVGBackend struct {
	path          string
	width, height int

	mu     sync.Mutex
	frames int
	closed bool
}

// NewSVGBackend writes to path. The directory must exist and be writable.
func NewSVGBackend(path string, width, height int) (*SVGBackend, error) {
	if width <= 0 || height <= 0 {
		return nil, fmt.Errorf("svg %dx%d: %w", width, height, ErrInvalidSurface)
	}
	dir := filepath.Dir(path)
	tmp, err := os.CreateTemp(dir, ".orbitviz-check-*")
	if err != nil {
		return nil, fmt.Errorf("svg output directory %q: %w", dir, err)
	}
	tmp.Close()
	os.Remove(tmp.Name())
	return &SVGBackend{path: path, width: width, height: height}, nil
}

// SVGLoader returns a Loader for the SVG tier.
func SVGLoader(path string, width, height int) Loader {
	return func(ctx context.Context) (Backend, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewSVGBackend(path, width, height)
	}
}

// Path returns the output file.
func (s *SVGBackend) Path() string { return s.path }

// Frames returns the number of frames written.
func (s *SVGBackend) Frames() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.frames
}

func (s *SVGBackend) xy(g model.Geo) (float64, float64) {
	return core.Equirectangular(g, float64(s.width), float64(s.height))
}

// Document renders scene as an SVG document.
func (s *SVGBackend) Document(scene *model.SceneDescription) string {
	var b strings.Builder
	fmt.Fprintf(&b, `<svg width="%d" height="%d" viewBox="0 0 %d %d" xmlns="http://www.w3.org/2000/svg">`, s.width, s.height, s.width, s.height)
	fmt.Fprintf(&b, `<rect width="100%%" height="100%%" fill="%s"/>`, svgBackground)

	for lon := -180.0; lon <= 180; lon += 30 {
		x, _ := s.xy(model.Geo{Lon: lon})
		fmt.Fprintf(&b, `<line x1="%.1f" y1="0" x2="%.1f" y2="%d" stroke="%s" stroke-width="%s"/>`, x, x, s.height, svgGridColor, svgGridStroke)
	}
	for lat := -60.0; lat <= 60; lat += 30 {
		_, y := s.xy(model.Geo{Lat: lat})
		fmt.Fprintf(&b, `<line x1="0" y1="%.1f" x2="%d" y2="%.1f" stroke="%s" stroke-width="%s"/>`, y, s.width, y, svgGridColor, svgGridStroke)
	}

	for _, p := range scene.Paths {
		for _, seg := range s.segments(p.Points) {
			if p.Style.Glow > 0 {
				fmt.Fprintf(&b, `<polyline points="%s" fill="none" stroke="%s" stroke-width="%.1f" stroke-opacity="%.2f"/>`,
					seg, p.Style.Color, p.Style.Width*3, p.Style.Glow)
			}
			dash := ""
			if p.Style.Dashed {
				dash = ` stroke-dasharray="6,4"`
			}
			fmt.Fprintf(&b, `<polyline points="%s" fill="none" stroke="%s" stroke-width="%.1f"%s/>`, seg, p.Style.Color, p.Style.Width, dash)
		}
	}

	for _, e := range scene.Entities {
		x, y := s.xy(e.Sample.Geographic)
		r := e.Radius * svgMarkerScale
		if e.Ring != "" {
			fmt.Fprintf(&b, `<circle cx="%.1f" cy="%.1f" r="%.1f" fill="none" stroke="%s" stroke-width="2"/>`, x, y, r+3, e.Ring)
		}
		fmt.Fprintf(&b, `<circle cx="%.1f" cy="%.1f" r="%.1f" fill="%s"><title>%s</title></circle>`, x, y, r, e.Color, html.EscapeString(e.Label))
		if e.Selected {
			fmt.Fprintf(&b, `<text x="%.1f" y="%.1f" fill="%s" font-size="%d">%s</text>`, x+r+5, y-r, svgTextColor, svgLabelSize, html.EscapeString(e.Label))
		}
	}

	fmt.Fprintf(&b, `<text x="8" y="%d" fill="%s" font-size="%d">t=%s selected=%s</text>`,
		svgHeaderSize+4, svgTextColor, svgHeaderSize, scene.Time, html.EscapeString(orNone(scene.SelectedID)))
	b.WriteString(`</svg>`)
	return b.String()
}

// segments formats path points as polyline point lists, splitting where the
// path wraps across the antimeridian.
func (s *SVGBackend) segments(points []model.PathPoint) []string {
	var out []string
	var cur strings.Builder
	prevX := math.NaN()
	n := 0
	for _, pt := range points {
		x, y := s.xy(pt.Geographic)
		if !math.IsNaN(prevX) && math.Abs(x-prevX) > float64(s.width)/2 {
			if n > 1 {
				out = append(out, cur.String())
			}
			cur.Reset()
			n = 0
		}
		if n > 0 {
			cur.WriteByte(' ')
		}
		fmt.Fprintf(&cur, "%.1f,%.1f", x, y)
		n++
		prevX = x
	}
	if n > 1 {
		out = append(out, cur.String())
	}
	return out
}

// Render implements Backend.
func (s *SVGBackend) Render(scene *model.SceneDescription) error {
	if scene == nil {
		return nil
	}
	doc := s.Document(scene)

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return nil
	}
	if err := writeFileAtomic(s.path, []byte(doc)); err != nil {
		return err
	}
	s.frames++
	return nil
}

// Events implements Backend. SVG output has no input.
func (s *SVGBackend) Events() <-chan Event { return nil }

// Close implements Backend.
func (s *SVGBackend) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func writeFileAtomic(path string, data []byte) error {
	tmp, err := os.CreateTemp(filepath.Dir(path), "."+filepath.Base(path)+".tmp-*")
	if err != nil {
		return fmt.Errorf("create temp frame: %w", err)
	}
	name := tmp.Name()
	if _, err := tmp.Write(data); err != nil {
		tmp.Close()
		os.Remove(name)
		return fmt.Errorf("write frame: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(name)
		return fmt.Errorf("close frame: %w", err)
	}
	if err := os.Rename(name, path); err != nil {
		os.Remove(name)
		return fmt.Errorf("replace frame %q: %w", path, err)
	}
	return nil
}
