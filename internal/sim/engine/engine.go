// Package engine is the facade over the visualization core. It owns the
// animation clock, the selection and the rendering backend manager, and
// drives them from a single tick boundary.
package engine

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"time"

	"github.com/signalsfoundry/orbit-visualizer/core"
	"github.com/signalsfoundry/orbit-visualizer/internal/logging"
	"github.com/signalsfoundry/orbit-visualizer/internal/render"
	"github.com/signalsfoundry/orbit-visualizer/kb"
	"github.com/signalsfoundry/orbit-visualizer/model"
	"github.com/signalsfoundry/orbit-visualizer/timectrl"
)

var (
	// ErrNoCatalog is returned by New when no catalog is supplied.
	ErrNoCatalog = errors.New("engine requires a catalog")
	// ErrInvalidInterval is returned by Run for a non-positive tick interval.
	ErrInvalidInterval = errors.New("tick interval must be positive")
)

// DefaultSelection is selected at start when the catalog contains it.
const DefaultSelection = "VO-52"

// MetricsRecorder receives per-tick engine measurements.
type MetricsRecorder interface {
	ObserveTick(d time.Duration, rendered bool, entities int)
	IncDroppedTicks()
	IncSelectionChanges()
}

// Option configures an Engine.
type Option func(*Engine)

// WithLogger sets the base logger.
func WithLogger(l logging.Logger) Option {
	return func(e *Engine) {
		if l != nil {
			e.log = l
		}
	}
}

// WithMetricsRecorder attaches a metrics sink.
func WithMetricsRecorder(r MetricsRecorder) Option {
	return func(e *Engine) { e.metrics = r }
}

// WithSource sets the wall-clock source used by Run and MountBackend.
func WithSource(src timectrl.Source) Option {
	return func(e *Engine) {
		if src != nil {
			e.source = src
		}
	}
}

// WithEpoch sets the wall time that simulated t = 0 corresponds to. It
// defaults to the source's time when the engine is built.
func WithEpoch(t time.Time) Option {
	return func(e *Engine) { e.epoch = t }
}

// WithComposer replaces the default scene composer.
func WithComposer(c *core.Composer) Option {
	return func(e *Engine) {
		if c != nil {
			e.composer = c
		}
	}
}

// WithClockOptions passes options through to the animation clock.
func WithClockOptions(opts ...timectrl.ClockOption) Option {
	return func(e *Engine) { e.clockOpts = append(e.clockOpts, opts...) }
}

// WithClockRange bounds simulated time.
func WithClockRange(min, max time.Duration) Option {
	return WithClockOptions(timectrl.WithRange(min, max))
}

// WithDefaultSelection overrides the initial selection.
func WithDefaultSelection(id string) Option {
	return func(e *Engine) { e.defaultSelection = id }
}

// WithManager replaces the default backend manager.
func WithManager(m *render.Manager) Option {
	return func(e *Engine) {
		if m != nil {
			e.manager = m
		}
	}
}

// Engine ties the clock, the selection, the composer and the backend
// manager together. Tick is the only place state moves forward. Control
// methods take the same lock, so their effects land between ticks.
type Engine struct {
	objects          []model.TrackedObject
	log              logging.Logger
	metrics          MetricsRecorder
	source           timectrl.Source
	composer         *core.Composer
	clock            *timectrl.AnimationClock
	selection        *core.Selection
	manager          *render.Manager
	clockOpts        []timectrl.ClockOption
	defaultSelection string
	epoch            time.Time

	tick     sync.Mutex
	ctx      context.Context
	dropped  atomic.Uint64
	last     atomic.Pointer[model.SceneDescription]
	done     chan struct{}
	doneOnce sync.Once
}

// New builds an engine over catalog. Objects propagate with SGP4 when they
// carry a TLE and with the synthetic circular orbit otherwise.
func New(catalog *kb.Catalog, opts ...Option) (*Engine, error) {
	if catalog == nil || catalog.Len() == 0 {
		return nil, ErrNoCatalog
	}
	e := &Engine{
		objects:          catalog.Objects(),
		log:              logging.Noop(),
		source:           timectrl.SystemSource{},
		defaultSelection: DefaultSelection,
		ctx:              context.Background(),
		done:             make(chan struct{}),
	}
	for _, opt := range opts {
		opt(e)
	}
	if e.epoch.IsZero() {
		e.epoch = e.source.Now()
	}
	if e.composer == nil {
		e.composer = core.NewComposer(core.NewPositionModel(e.epoch))
	}
	if e.manager == nil {
		e.manager = render.NewManager(render.WithLogger(e.log))
	}
	e.clock = timectrl.NewAnimationClock(e.clockOpts...)
	e.selection = core.NewSelection(catalog, e.defaultSelection)

	e.selection.OnChange(e.selectionChanged)
	e.manager.OnTransition(func(render.Transition) { e.clock.MarkDirty() })
	return e, nil
}

func (e *Engine) selectionChanged(prev, next string) {
	if c, ok := e.composer.Trajectories.(*core.CachedSampler); ok && prev != "" {
		c.Invalidate(prev)
	}
	e.clock.MarkDirty()
	if e.metrics != nil {
		e.metrics.IncSelectionChanges()
	}
	e.log.Debug(e.ctx, "selection changed", logging.String("from", prev), logging.String("to", next))
}

// MountBackend starts the tiered backend chain. The mount begins a logging
// session; every later engine and manager log line carries its session_id.
func (e *Engine) MountBackend(ctx context.Context, specs []render.TierSpec) error {
	e.tick.Lock()
	defer e.tick.Unlock()

	ctx, log := logging.WithSessionLogger(ctx, e.log)
	ctx = logging.ContextWithLogger(ctx, log)
	if err := e.manager.Mount(ctx, specs, e.source.Now()); err != nil {
		return err
	}
	e.ctx, e.log = ctx, log
	names := make([]string, 0, len(specs))
	for _, s := range specs {
		names = append(names, s.Name)
	}
	e.log.Info(ctx, "mounted rendering backends",
		logging.Any("tiers", names),
		logging.Int("objects", len(e.objects)),
		logging.String("selected", e.selection.Selected()),
	)
	return nil
}

// Dispose releases every backend. It is safe to call more than once.
func (e *Engine) Dispose() error {
	e.tick.Lock()
	defer e.tick.Unlock()
	err := e.manager.Dispose()
	e.log.Info(e.ctx, "engine disposed", logging.Int("dropped_ticks", int(e.dropped.Load())))
	return err
}

// Play resumes the clock.
func (e *Engine) Play() {
	e.tick.Lock()
	defer e.tick.Unlock()
	e.clock.Play()
}

// Pause stops the clock.
func (e *Engine) Pause() {
	e.tick.Lock()
	defer e.tick.Unlock()
	e.clock.Pause()
}

// Seek jumps simulated time and returns the clamped value.
func (e *Engine) Seek(t time.Duration) time.Duration {
	e.tick.Lock()
	defer e.tick.Unlock()
	return e.clock.Seek(t)
}

// SetRate sets the playback rate.
func (e *Engine) SetRate(rate float64) {
	e.tick.Lock()
	defer e.tick.Unlock()
	e.clock.SetRate(rate)
}

// Select changes the selection. Unknown or inactive objects are ignored and
// Select reports false.
func (e *Engine) Select(id string) bool {
	e.tick.Lock()
	defer e.tick.Unlock()
	return e.selection.Select(id)
}

// ClearSelection deselects.
func (e *Engine) ClearSelection() bool {
	e.tick.Lock()
	defer e.tick.Unlock()
	return e.selection.Clear()
}

func (e *Engine) BackendState() render.State { return e.manager.State() }
func (e *Engine) Indicator() string          { return e.manager.Indicator() }
func (e *Engine) Clock() timectrl.Snapshot   { return e.clock.Snapshot() }
func (e *Engine) Selected() string           { return e.selection.Selected() }
func (e *Engine) Epoch() time.Time           { return e.epoch }

// OnTierTransition registers fn for backend state changes. Like selection
// listeners, fn may run inside the tick boundary.
func (e *Engine) OnTierTransition(fn func(render.Transition)) {
	e.manager.OnTransition(fn)
}

// OnSelectionChange registers fn for selection changes. Listeners run inside
// the tick boundary and must not call the engine's control methods.
func (e *Engine) OnSelectionChange(fn core.SelectionListener) {
	e.selection.OnChange(fn)
}

// LastScene returns the most recently rendered scene, or nil.
func (e *Engine) LastScene() *model.SceneDescription { return e.last.Load() }

// Dropped returns the number of ticks skipped because one was in progress.
func (e *Engine) Dropped() uint64 { return e.dropped.Load() }

// Done is closed once a backend requests to quit.
func (e *Engine) Done() <-chan struct{} { return e.done }

// Tick runs one frame: poll the backend manager, apply interaction events,
// advance the clock, compose against the resulting snapshot and render. It
// reports whether a frame was rendered. A Tick that finds another one in
// progress is dropped.
func (e *Engine) Tick(now time.Time) bool {
	if !e.tick.TryLock() {
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.IncDroppedTicks()
		}
		return false
	}
	defer e.tick.Unlock()
	start := time.Now()

	for _, ev := range e.manager.Poll(now) {
		e.apply(ev)
	}

	snap := e.clock.Advance(now)
	if !e.clock.TakeRepaint() && !snap.Moving() {
		e.observe(start, false, 0)
		return false
	}

	scene, diags := e.composer.Compose(e.objects, snap, e.selection.Selected())
	for _, d := range diags {
		e.log.Debug(e.ctx, "scene diagnostic", logging.Err(d))
	}
	e.last.Store(&scene)
	if err := e.manager.Render(now, &scene); err != nil {
		e.log.Warn(e.ctx, "render failed", logging.String("backend", e.manager.State().String()), logging.Err(err))
	}
	e.observe(start, true, len(scene.Entities))
	return true
}

func (e *Engine) observe(start time.Time, rendered bool, entities int) {
	if e.metrics != nil {
		e.metrics.ObserveTick(time.Since(start), rendered, entities)
	}
}

func (e *Engine) apply(ev render.Event) {
	switch ev.Kind {
	case render.EventPick:
		if !e.selection.Select(ev.ObjectID) {
			e.log.Debug(e.ctx, "ignoring pick", logging.String("object", ev.ObjectID))
		}
	case render.EventClear:
		e.selection.Clear()
	case render.EventTogglePlay:
		if e.clock.Snapshot().Playing {
			e.clock.Pause()
		} else {
			e.clock.Play()
		}
	case render.EventSeekBy:
		e.clock.SeekBy(ev.Value)
	case render.EventRateScale:
		rate := e.clock.Snapshot().Rate
		if rate == 0 {
			rate = 1
		}
		e.clock.SetRate(rate * ev.Value)
	case render.EventQuit:
		e.doneOnce.Do(func() { close(e.done) })
	}
}

// Run drives Tick from a real-time frame loop until ctx is cancelled or a
// backend asks to quit. Frames that come due while a tick is running are
// dropped.
func (e *Engine) Run(ctx context.Context, interval time.Duration) error {
	if interval <= 0 {
		return ErrInvalidInterval
	}
	loopCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	tc := timectrl.NewTimeController(interval, timectrl.RealTime, e.source)
	tc.AddListener(func(now time.Time) { e.Tick(now) })
	tc.OnDrop(func() {
		e.dropped.Add(1)
		if e.metrics != nil {
			e.metrics.IncDroppedTicks()
		}
	})
	loop := tc.Start(loopCtx, 0)

	select {
	case <-ctx.Done():
	case <-e.done:
		e.log.Info(e.ctx, "quit requested by backend")
	}
	cancel()
	<-loop
	e.log.Info(e.ctx, "frame loop stopped",
		logging.Int("ticks", int(tc.Ticks())),
		logging.Int("dropped", int(tc.Dropped())),
	)

	select {
	case <-e.done:
		return nil
	default:
		return ctx.Err()
	}
}
