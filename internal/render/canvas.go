package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"sync"

	"github.com/charmbracelet/lipgloss"

	"github.com/signalsfoundry/orbit-visualizer/core"
	"github.com/signalsfoundry/orbit-visualizer/model"
)

// ErrInvalidSurface indicates a drawing surface with no area.
var ErrInvalidSurface = errors.New("invalid drawing surface")

const clearScreen = "\x1b[H\x1b[2J"

// CanvasBackend draws an equirectangular character map of the scene to a
// writer. It is the lightweight 2-D tier.
type CanvasBackend struct {
	cols, rows int
	clear      bool

	mu     sync.Mutex
	w      io.Writer
	closed bool
}

// NewCanvasBackend draws cols×rows map cells plus one header line. When
// clear is set each frame starts with an ANSI home-and-clear sequence.
func NewCanvasBackend(w io.Writer, cols, rows int, clear bool) (*CanvasBackend, error) {
	if cols < 8 || rows < 4 {
		return nil, fmt.Errorf("canvas %dx%d: %w", cols, rows, ErrInvalidSurface)
	}
	if w == nil {
		return nil, fmt.Errorf("canvas has no writer: %w", ErrInvalidSurface)
	}
	return &CanvasBackend{w: w, cols: cols, rows: rows, clear: clear}, nil
}

// CanvasLoader returns a Loader for the canvas tier.
func CanvasLoader(w io.Writer, cols, rows int, clear bool) Loader {
	return func(ctx context.Context) (Backend, error) {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		return NewCanvasBackend(w, cols, rows, clear)
	}
}

func (c *CanvasBackend) cell(g model.Geo) (int, int) {
	x, y := core.Equirectangular(g, float64(c.cols), float64(c.rows))
	cx := int(math.Floor(x))
	cy := int(math.Floor(y))
	if cx >= c.cols {
		cx = c.cols - 1
	}
	if cy >= c.rows {
		cy = c.rows - 1
	}
	return cx, cy
}

func (c *CanvasBackend) grid(scene *model.SceneDescription) *cellGrid {
	g := newCellGrid(c.cols, c.rows)

	for lat := -60.0; lat <= 60; lat += 30 {
		for x := 0; x < c.cols; x++ {
			_, y := c.cell(model.Geo{Lat: lat})
			r := '·'
			if lat == 0 {
				r = '─'
			}
			g.set(x, y, r, colorGrid)
		}
	}
	for lon := -150.0; lon <= 180; lon += 30 {
		x, _ := c.cell(model.Geo{Lon: lon})
		for y := 0; y < c.rows; y++ {
			if g.at(x, y) == ' ' {
				g.set(x, y, '·', colorGrid)
			}
		}
	}

	for _, p := range scene.Paths {
		col := lipgloss.Color(p.Style.Color)
		for _, pt := range p.Points {
			x, y := c.cell(pt.Geographic)
			g.set(x, y, '•', col)
		}
	}

	for _, e := range scene.Entities {
		x, y := c.cell(e.Sample.Geographic)
		r := 'o'
		if e.Selected {
			r = '@'
		}
		g.set(x, y, r, lipgloss.Color(e.Color))
		if e.Selected {
			label := e.Label
			lx := x + 2
			if lx+len(label) > c.cols {
				lx = x - 1 - len(label)
			}
			g.text(lx, y, label, lipgloss.Color(e.Ring))
		}
	}
	return g
}

// Frame renders scene as a string without writing it.
func (c *CanvasBackend) Frame(scene *model.SceneDescription) string {
	header := fmt.Sprintf("t=%s  selected=%s  objects=%d", scene.Time, orNone(scene.SelectedID), len(scene.Entities))
	head := lipgloss.NewStyle().Bold(true).Foreground(colorText).Render(header)
	frame := head + "\n" + c.grid(scene).String() + "\n"
	if scene.Readout != "" {
		frame += lipgloss.NewStyle().Foreground(colorText).Render(scene.Readout) + "\n"
	}
	return frame
}

// Render implements Backend.
func (c *CanvasBackend) Render(scene *model.SceneDescription) error {
	if scene == nil {
		return nil
	}
	frame := c.Frame(scene)
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.closed {
		return nil
	}
	if c.clear {
		frame = clearScreen + frame
	}
	_, err := io.WriteString(c.w, frame)
	return err
}

// Events implements Backend. The canvas has no input.
func (c *CanvasBackend) Events() <-chan Event { return nil }

// Close implements Backend.
func (c *CanvasBackend) Close() error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.closed = true
	return nil
}

func orNone(s string) string {
	if s == "" {
		return "none"
	}
	return s
}
