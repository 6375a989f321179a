package render

import (
	"strings"

	"github.com/charmbracelet/lipgloss"
)

const (
	colorGrid  = lipgloss.Color("60")
	colorGlobe = lipgloss.Color("24")
	colorText  = lipgloss.Color("252")
	colorDim   = lipgloss.Color("240")
)

// cellGrid is a character canvas with a foreground colour per cell.
type cellGrid struct {
	w, h   int
	runes  [][]rune
	colors [][]lipgloss.Color
}

func newCellGrid(w, h int) *cellGrid {
	g := &cellGrid{w: w, h: h, runes: make([][]rune, h), colors: make([][]lipgloss.Color, h)}
	for y := 0; y < h; y++ {
		g.runes[y] = make([]rune, w)
		g.colors[y] = make([]lipgloss.Color, w)
		for x := 0; x < w; x++ {
			g.runes[y][x] = ' '
		}
	}
	return g
}

func (g *cellGrid) in(x, y int) bool {
	return x >= 0 && x < g.w && y >= 0 && y < g.h
}

func (g *cellGrid) set(x, y int, r rune, c lipgloss.Color) {
	if !g.in(x, y) {
		return
	}
	g.runes[y][x] = r
	g.colors[y][x] = c
}

func (g *cellGrid) at(x, y int) rune {
	if !g.in(x, y) {
		return 0
	}
	return g.runes[y][x]
}

// text writes s starting at (x, y), clipped to the grid.
func (g *cellGrid) text(x, y int, s string, c lipgloss.Color) {
	for _, r := range s {
		g.set(x, y, r, c)
		x++
	}
}

// String renders the grid, batching runs of equal colour into one style.
func (g *cellGrid) String() string {
	var b strings.Builder
	for y := 0; y < g.h; y++ {
		start := 0
		for x := 1; x <= g.w; x++ {
			if x < g.w && g.colors[y][x] == g.colors[y][start] {
				continue
			}
			run := string(g.runes[y][start:x])
			if c := g.colors[y][start]; c != "" {
				run = lipgloss.NewStyle().Foreground(c).Render(run)
			}
			b.WriteString(run)
			start = x
		}
		if y < g.h-1 {
			b.WriteString("\n")
		}
	}
	return b.String()
}

// Plain returns the grid without styling.
func (g *cellGrid) Plain() string {
	lines := make([]string, g.h)
	for y := range lines {
		lines[y] = string(g.runes[y])
	}
	return strings.Join(lines, "\n")
}
