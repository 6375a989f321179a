package render

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"sync"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/charmbracelet/lipgloss"
	"golang.org/x/term"

	"github.com/signalsfoundry/orbit-visualizer/core"
	"github.com/signalsfoundry/orbit-visualizer/model"
)

var (
	// ErrNotTerminal is returned by the globe loader when output is not a TTY.
	ErrNotTerminal  = errors.New("output is not a terminal")
	errGlobeStopped = errors.New("globe program has exited")
)

const (
	globeEventBuffer = 64
	globeCloseWait   = 2 * time.Second
	seekStepSeconds  = 60
	pickRadiusCells  = 2.0
)

type sceneMsg struct{ scene *model.SceneDescription }

// viewMode selects how the globe tier lays the scene out.
type viewMode int

const (
	viewGlobe viewMode = iota
	viewMap
)

func (v viewMode) String() string {
	if v == viewMap {
		return "map"
	}
	return "globe"
}

type hitTarget struct {
	id   string
	x, y int
}

// globeModel is the Bubble Tea model behind the terminal globe.
type globeModel struct {
	width, height int
	scene         *model.SceneDescription
	hits          []hitTarget
	view          viewMode

	events    chan<- Event
	ready     chan struct{}
	readyOnce *sync.Once
}

func newGlobeModel(events chan<- Event) globeModel {
	return globeModel{
		events:    events,
		ready:     make(chan struct{}),
		readyOnce: &sync.Once{},
	}
}

func (m globeModel) Init() tea.Cmd { return nil }

func (m globeModel) emit(ev Event) {
	select {
	case m.events <- ev:
	default:
	}
}

func (m globeModel) Update(msg tea.Msg) (tea.Model, tea.Cmd) {
	switch msg := msg.(type) {
	case tea.WindowSizeMsg:
		m.width, m.height = msg.Width, msg.Height
		m.hits = m.hitTargets()
		m.readyOnce.Do(func() { close(m.ready) })

	case sceneMsg:
		m.scene = msg.scene
		m.hits = m.hitTargets()

	case tea.KeyMsg:
		switch msg.String() {
		case "q", "ctrl+c":
			m.emit(Event{Kind: EventQuit})
			return m, tea.Quit
		case " ", "space", "p":
			m.emit(Event{Kind: EventTogglePlay})
		case "left", "h":
			m.emit(Event{Kind: EventSeekBy, Value: -seekStepSeconds})
		case "right", "l":
			m.emit(Event{Kind: EventSeekBy, Value: seekStepSeconds})
		case "+", "=":
			m.emit(Event{Kind: EventRateScale, Value: 2})
		case "-":
			m.emit(Event{Kind: EventRateScale, Value: 0.5})
		case "r":
			m.emit(Event{Kind: EventRateScale, Value: -1})
		case "c", "esc":
			m.emit(Event{Kind: EventClear})
		case "m", "v":
			if m.view == viewGlobe {
				m.view = viewMap
			} else {
				m.view = viewGlobe
			}
			m.hits = m.hitTargets()
		case "tab":
			if id := m.nextSelectable(); id != "" {
				m.emit(Event{Kind: EventPick, ObjectID: id})
			}
		}

	case tea.MouseMsg:
		if msg.Action == tea.MouseActionPress && msg.Button == tea.MouseButtonLeft {
			if id := m.hitTest(msg.X, msg.Y); id != "" {
				m.emit(Event{Kind: EventPick, ObjectID: id})
			}
		}
	}
	return m, nil
}

// mapRows is the number of rows between the header and the readout and
// help lines.
func (m globeModel) mapRows() int {
	return m.height - 3
}

// toCell maps scene pixels to terminal cells. Row 0 is the header.
func (m globeModel) toCell(p model.ScreenPoint) (int, int) {
	if m.scene == nil || m.scene.Width == 0 || m.scene.Height == 0 {
		return -1, -1
	}
	x := int(math.Floor(p.X / float64(m.scene.Width) * float64(m.width)))
	y := int(math.Floor(p.Y/float64(m.scene.Height)*float64(m.mapRows()))) + 1
	return x, y
}

// geoCell maps a geographic position onto the flat map view.
func (m globeModel) geoCell(g model.Geo) (int, int) {
	x, y := core.Equirectangular(g, float64(m.width), float64(m.mapRows()))
	cx, cy := int(math.Floor(x)), int(math.Floor(y))
	if cx >= m.width {
		cx = m.width - 1
	}
	if cy >= m.mapRows() {
		cy = m.mapRows() - 1
	}
	return cx, cy + 1
}

// entityCell returns where e is drawn in the current view. Entities behind
// the camera have no cell in the globe view.
func (m globeModel) entityCell(e model.EntityRecord) (int, int, bool) {
	if m.view == viewMap {
		x, y := m.geoCell(e.Sample.Geographic)
		return x, y, true
	}
	if !e.Screen.Visible {
		return 0, 0, false
	}
	x, y := m.toCell(e.Screen)
	return x, y, true
}

func (m globeModel) hitTargets() []hitTarget {
	if m.scene == nil || m.width <= 0 || m.mapRows() <= 0 {
		return nil
	}
	var hits []hitTarget
	for _, e := range m.scene.Entities {
		x, y, ok := m.entityCell(e)
		if !ok {
			continue
		}
		hits = append(hits, hitTarget{id: e.ObjectID, x: x, y: y})
	}
	return hits
}

// hitTest returns the entity nearest to the clicked cell within the pick
// radius. Cells are about twice as tall as wide.
func (m globeModel) hitTest(x, y int) string {
	best := ""
	bestDist := math.Inf(1)
	for _, h := range m.hits {
		dx := float64(h.x-x) / 2
		dy := float64(h.y - y)
		if d := math.Hypot(dx, dy); d <= pickRadiusCells && d < bestDist {
			best, bestDist = h.id, d
		}
	}
	return best
}

func (m globeModel) nextSelectable() string {
	if m.scene == nil {
		return ""
	}
	var ids []string
	cur := -1
	for _, e := range m.scene.Entities {
		if !e.Selectable {
			continue
		}
		if e.ObjectID == m.scene.SelectedID {
			cur = len(ids)
		}
		ids = append(ids, e.ObjectID)
	}
	if len(ids) == 0 {
		return ""
	}
	return ids[(cur+1)%len(ids)]
}

func (m globeModel) View() string {
	if m.scene == nil || m.width <= 0 || m.mapRows() <= 0 {
		return "Initializing globe renderer..."
	}
	s := m.scene
	g := newCellGrid(m.width, m.height)

	header := fmt.Sprintf(" t=%s  selected=%s  view=%s", s.Time, orNone(s.SelectedID), m.view)
	g.text(0, 0, header, colorText)

	if m.view == viewMap {
		m.drawMap(g)
	} else {
		m.drawGlobe(g)
	}

	for _, e := range s.Entities {
		x, y, ok := m.entityCell(e)
		if !ok || y < 1 || y > m.mapRows() {
			continue
		}
		switch {
		case e.Occluded && m.view == viewGlobe:
			g.set(x, y, '○', colorDim)
		case e.Selected:
			g.set(x, y, '◉', lipgloss.Color(e.Color))
		default:
			g.set(x, y, '●', lipgloss.Color(e.Color))
		}
		if e.Selected {
			g.text(x+2, y, e.Label, lipgloss.Color(e.Ring))
		}
	}

	if s.Readout != "" {
		g.text(0, m.height-2, " "+s.Readout, colorText)
	}
	g.text(0, m.height-1, " tab pick · c clear · space play · ←→ seek · +- speed · r rev · m map · q quit", colorDim)
	return g.String()
}

func (m globeModel) drawGlobe(g *cellGrid) {
	s := m.scene
	gx, gy := m.toCell(s.Globe.Center)
	rx := s.Globe.RadiusPx / float64(s.Width) * float64(m.width)
	ry := s.Globe.RadiusPx / float64(s.Height) * float64(m.mapRows())
	if s.Globe.Center.Visible && rx > 0 && ry > 0 {
		for y := 1; y <= m.mapRows(); y++ {
			for x := 0; x < m.width; x++ {
				dx := (float64(x) + 0.5 - float64(gx)) / rx
				dy := (float64(y) + 0.5 - float64(gy)) / ry
				if dx*dx+dy*dy <= 1 {
					g.set(x, y, '░', colorGlobe)
				}
			}
		}
	}
	behindGlobe := func(p model.ScreenPoint) bool {
		if !s.Globe.Center.Visible || p.Depth <= s.Globe.Center.Depth {
			return false
		}
		dx := (p.X - s.Globe.Center.X) / s.Globe.RadiusPx
		dy := (p.Y - s.Globe.Center.Y) / s.Globe.RadiusPx
		return dx*dx+dy*dy <= 1
	}

	for _, p := range s.Paths {
		col := lipgloss.Color(p.Style.Color)
		for _, pt := range p.Points {
			if !pt.Screen.Visible || behindGlobe(pt.Screen) {
				continue
			}
			x, y := m.toCell(pt.Screen)
			if y >= 1 && y <= m.mapRows() {
				g.set(x, y, '•', col)
			}
		}
	}
}

// drawMap lays the scene out as a plate carrée map with a 30° graticule.
func (m globeModel) drawMap(g *cellGrid) {
	for lat := -60.0; lat <= 60; lat += 30 {
		_, y := m.geoCell(model.Geo{Lat: lat})
		r := '·'
		if lat == 0 {
			r = '─'
		}
		for x := 0; x < m.width; x++ {
			g.set(x, y, r, colorGrid)
		}
	}
	for lon := -150.0; lon <= 180; lon += 30 {
		x, _ := m.geoCell(model.Geo{Lon: lon})
		for y := 1; y <= m.mapRows(); y++ {
			if g.at(x, y) == ' ' {
				g.set(x, y, '·', colorGrid)
			}
		}
	}

	for _, p := range m.scene.Paths {
		col := lipgloss.Color(p.Style.Color)
		for _, pt := range p.Points {
			x, y := m.geoCell(pt.Geographic)
			g.set(x, y, '•', col)
		}
	}
}

// GlobeBackend is the interactive terminal globe, the richest tier.
type GlobeBackend struct {
	program *tea.Program
	events  chan Event
	done    chan struct{}

	mu     sync.Mutex
	runErr error
}

// startGlobe launches the Bubble Tea program. The program stops when ctx is
// cancelled.
func startGlobe(ctx context.Context, opts ...tea.ProgramOption) (*GlobeBackend, globeModel) {
	events := make(chan Event, globeEventBuffer)
	m := newGlobeModel(events)
	all := append([]tea.ProgramOption{
		tea.WithAltScreen(),
		tea.WithMouseCellMotion(),
		tea.WithContext(ctx),
	}, opts...)

	b := &GlobeBackend{
		program: tea.NewProgram(m, all...),
		events:  events,
		done:    make(chan struct{}),
	}
	go func() {
		defer close(b.done)
		_, err := b.program.Run()
		b.mu.Lock()
		b.runErr = err
		b.mu.Unlock()
	}()
	return b, m
}

// GlobeLoader returns a Loader for the globe tier. Loading completes once
// the terminal has reported its size.
func GlobeLoader(in io.Reader, out *os.File) Loader {
	return func(ctx context.Context) (Backend, error) {
		if out == nil || !term.IsTerminal(int(out.Fd())) {
			return nil, ErrNotTerminal
		}
		b, m := startGlobe(ctx, tea.WithInput(in), tea.WithOutput(out))
		select {
		case <-m.ready:
			return b, nil
		case <-b.done:
			return nil, fmt.Errorf("globe exited during startup: %w", b.err())
		case <-ctx.Done():
			b.program.Kill()
			<-b.done
			return nil, ctx.Err()
		}
	}
}

func (b *GlobeBackend) err() error {
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runErr == nil {
		return errGlobeStopped
	}
	return b.runErr
}

// Render implements Backend. The scene is immutable once composed, so the
// program may keep drawing it until the next frame arrives.
func (b *GlobeBackend) Render(scene *model.SceneDescription) error {
	select {
	case <-b.done:
		return b.err()
	default:
	}
	if scene != nil {
		b.program.Send(sceneMsg{scene: scene})
	}
	return nil
}

// Events implements Backend.
func (b *GlobeBackend) Events() <-chan Event { return b.events }

// Close implements Backend. It restores the terminal before returning.
func (b *GlobeBackend) Close() error {
	b.program.Quit()
	select {
	case <-b.done:
	case <-time.After(globeCloseWait):
		b.program.Kill()
		<-b.done
	}
	b.mu.Lock()
	defer b.mu.Unlock()
	if b.runErr != nil && !errors.Is(b.runErr, tea.ErrProgramKilled) && !errors.Is(b.runErr, context.Canceled) {
		return b.runErr
	}
	return nil
}
