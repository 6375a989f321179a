package render

import (
	"context"
	"errors"
	"fmt"
	"os"
	"slices"
	"sync"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/signalsfoundry/orbit-visualizer/internal/logging"
	"github.com/signalsfoundry/orbit-visualizer/model"
)

const tracerName = "github.com/signalsfoundry/orbit-visualizer/internal/render"

const (
	DefaultLoadTimeout       = 5 * time.Second
	DefaultMaxRenderFailures = 3

	defaultDisposeWait = 5 * time.Second
	maxEventsPerPoll   = 64
)

// MetricsRecorder receives backend manager measurements.
type MetricsRecorder interface {
	ObserveTierTransition(from, to State, reason string)
	ObserveBackendLoad(tier Tier, backend, outcome string, d time.Duration)
}

// ManagerOption configures a Manager.
type ManagerOption func(*Manager)

// WithLogger sets the logger used for transition and load logs.
func WithLogger(l logging.Logger) ManagerOption {
	return func(m *Manager) {
		if l != nil {
			m.log = l
		}
	}
}

// WithMetricsRecorder attaches a metrics sink.
func WithMetricsRecorder(r MetricsRecorder) ManagerOption {
	return func(m *Manager) { m.metrics = r }
}

// WithTracer overrides the tracer used for load-attempt spans.
func WithTracer(t trace.Tracer) ManagerOption {
	return func(m *Manager) {
		if t != nil {
			m.tracer = t
		}
	}
}

// WithStaticBackend replaces the built-in static fallback.
func WithStaticBackend(b Backend) ManagerOption {
	return func(m *Manager) {
		if b != nil {
			m.static = b
		}
	}
}

// WithMaxRenderFailures sets how many consecutive render errors demote a
// ready tier.
func WithMaxRenderFailures(n int) ManagerOption {
	return func(m *Manager) {
		if n > 0 {
			m.maxRenderFailures = n
		}
	}
}

// WithDisposeWait bounds how long Dispose waits for in-flight loaders.
func WithDisposeWait(d time.Duration) ManagerOption {
	return func(m *Manager) {
		if d > 0 {
			m.disposeWait = d
		}
	}
}

type loadResult struct {
	gen     uint64
	tier    int
	backend Backend
	err     error
}

type attempt struct {
	gen      uint64
	tier     int
	spec     TierSpec
	started  time.Time
	deadline time.Time
	cancel   context.CancelFunc
	span     trace.Span
}

// Manager runs the tiered fallback chain. Loads run in their own goroutines
// but every state change happens inside Mount, Poll, Render or Dispose, so
// the state only moves at the caller's tick boundary. Deadlines are checked
// against the time passed to Poll.
type Manager struct {
	log               logging.Logger
	metrics           MetricsRecorder
	tracer            trace.Tracer
	static            Backend
	maxRenderFailures int
	disposeWait       time.Duration

	mu             sync.Mutex
	specs          []TierSpec
	state          State
	gen            uint64
	ctx            context.Context
	cancel         context.CancelFunc
	results        chan loadResult
	wg             sync.WaitGroup
	loading        *attempt
	active         Backend
	activeTier     int
	activeCancel   context.CancelFunc
	renderFailures int
	listeners      []func(Transition)
	pending        []Transition
	mounted        bool
	disposed       bool
}

// NewManager returns an idle manager.
func NewManager(opts ...ManagerOption) *Manager {
	m := &Manager{
		log:               logging.Noop(),
		tracer:            otel.Tracer(tracerName),
		maxRenderFailures: DefaultMaxRenderFailures,
		disposeWait:       defaultDisposeWait,
	}
	for _, opt := range opts {
		opt(m)
	}
	if m.static == nil {
		m.static = NewStaticBackend(os.Stdout)
	}
	return m
}

// OnTransition registers fn for every state change. Listeners run after the
// manager's lock is released and may call back into the manager.
func (m *Manager) OnTransition(fn func(Transition)) {
	if fn == nil {
		return
	}
	m.mu.Lock()
	defer m.mu.Unlock()
	m.listeners = append(m.listeners, fn)
}

// State returns the current state.
func (m *Manager) State() State {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.state
}

// Indicator returns a one-line, user-facing description of the state.
func (m *Manager) Indicator() string { return IndicatorFor(m.State()) }

// IndicatorFor returns the status line shown for s.
func IndicatorFor(s State) string {
	switch {
	case s.Status == StatusIdle:
		return "Renderer idle"
	case s.Degraded():
		return "Degraded mode: interactive rendering unavailable, showing static view"
	case s.Status == StatusLoading:
		return fmt.Sprintf("Initializing %s renderer (%s tier)...", s.Backend, s.Tier)
	case s.Status == StatusReady:
		return fmt.Sprintf("%s renderer ready (%s tier)", s.Backend, s.Tier)
	default:
		return fmt.Sprintf("%s renderer failed (%s tier)", s.Backend, s.Tier)
	}
}

// Mount starts loading the first tier. At most MaxLoadableTiers specs are
// accepted; specs without a loader are skipped. With no usable specs the
// manager goes straight to the static fallback. A logger carried by ctx
// replaces the configured one for the rest of the session.
func (m *Manager) Mount(ctx context.Context, specs []TierSpec, now time.Time) error {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	switch {
	case m.disposed:
		return ErrDisposed
	case m.mounted:
		return ErrAlreadyMounted
	case len(specs) > MaxLoadableTiers:
		return fmt.Errorf("%d tiers offered, at most %d: %w", len(specs), MaxLoadableTiers, ErrTooManyTiers)
	}

	if l := logging.LoggerFromContext(ctx); l != nil {
		m.log = l
	}
	m.mounted = true
	m.specs = append([]TierSpec(nil), specs...)
	m.ctx, m.cancel = context.WithCancel(ctx)
	m.results = make(chan loadResult, MaxLoadableTiers)
	m.advance(now, 0, "mount", nil)
	return nil
}

// advance starts the first loadable tier at or after idx, or falls back to
// the static backend.
func (m *Manager) advance(now time.Time, idx int, reason string, cause error) {
	for ; idx < len(m.specs); idx++ {
		if m.specs[idx].Load != nil {
			m.startAttempt(now, idx, reason, cause)
			return
		}
	}
	m.active = m.static
	m.activeTier = -1
	m.activeCancel = nil
	m.renderFailures = 0
	m.transition(State{Tier: TierStaticFallback, Status: StatusReady, Backend: "static"}, reason, cause)
	m.log.Warn(m.ctx, "all rendering tiers exhausted; using static fallback", logging.Err(cause))
}

func (m *Manager) startAttempt(now time.Time, idx int, reason string, cause error) {
	spec := m.specs[idx]
	timeout := spec.Timeout
	if timeout <= 0 {
		timeout = DefaultLoadTimeout
	}

	m.gen++
	gen := m.gen
	actx, cancel := context.WithCancel(m.ctx)
	actx, span := m.tracer.Start(actx, "render.LoadBackend", trace.WithAttributes(
		attribute.String("render.tier", Tier(idx).String()),
		attribute.String("render.backend", spec.Name),
		attribute.Int64("render.generation", int64(gen)),
	))
	m.loading = &attempt{
		gen:      gen,
		tier:     idx,
		spec:     spec,
		started:  now,
		deadline: now.Add(timeout),
		cancel:   cancel,
		span:     span,
	}
	m.transition(State{Tier: Tier(idx), Status: StatusLoading, Backend: spec.Name}, reason, cause)
	m.log.Info(actx, "loading rendering backend",
		logging.String("tier", Tier(idx).String()),
		logging.String("backend", spec.Name),
		logging.Duration("timeout", timeout),
	)

	results := m.results
	m.wg.Add(1)
	go func() {
		defer m.wg.Done()
		b, err := safeLoad(actx, spec.Load)
		results <- loadResult{gen: gen, tier: idx, backend: b, err: err}
	}()
}

func safeLoad(ctx context.Context, load Loader) (b Backend, err error) {
	defer func() {
		if r := recover(); r != nil {
			b, err = nil, fmt.Errorf("loader panicked: %v", r)
		}
	}()
	return load(ctx)
}

// Poll applies finished loads and expired deadlines, then drains pending
// interaction events from the active backend.
func (m *Manager) Poll(now time.Time) []Event {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if !m.mounted || m.disposed {
		return nil
	}

	for done := false; !done; {
		select {
		case r := <-m.results:
			m.handleResult(now, r)
		default:
			done = true
		}
	}

	if a := m.loading; a != nil && !now.Before(a.deadline) {
		err := fmt.Errorf("tier %s (%s) after %v: %w", Tier(a.tier), a.spec.Name, a.deadline.Sub(a.started), ErrBackendLoadTimeout)
		m.fail(now, a, "timeout", err)
	}

	if m.active == nil {
		return nil
	}
	ch := m.active.Events()
	if ch == nil {
		return nil
	}
	var events []Event
	for len(events) < maxEventsPerPoll {
		select {
		case ev, ok := <-ch:
			if !ok {
				return events
			}
			events = append(events, ev)
		default:
			return events
		}
	}
	return events
}

func (m *Manager) handleResult(now time.Time, r loadResult) {
	a := m.loading
	name := m.specs[r.tier].Name
	if a == nil || r.gen != a.gen {
		m.log.Warn(m.ctx, "discarding stale backend load",
			logging.String("tier", Tier(r.tier).String()),
			logging.String("backend", name),
			logging.Int("generation", int(r.gen)),
		)
		if r.backend != nil {
			m.closeBackend(name, r.backend)
		}
		if m.metrics != nil {
			m.metrics.ObserveBackendLoad(Tier(r.tier), name, "stale", 0)
		}
		return
	}

	if r.err == nil && r.backend == nil {
		r.err = errors.New("loader returned no backend")
	}
	if r.err != nil {
		m.fail(now, a, "failure", fmt.Errorf("tier %s (%s): %w: %w", Tier(a.tier), name, ErrBackendLoadFailure, r.err))
		return
	}

	m.finishAttempt(a, now, "ready", nil)
	m.loading = nil
	m.active = r.backend
	m.activeTier = r.tier
	m.activeCancel = a.cancel
	m.renderFailures = 0
	m.transition(State{Tier: Tier(r.tier), Status: StatusReady, Backend: name}, "loaded", nil)
}

func (m *Manager) fail(now time.Time, a *attempt, outcome string, err error) {
	a.cancel()
	m.finishAttempt(a, now, outcome, err)
	m.loading = nil
	m.log.Warn(m.ctx, "rendering backend failed to load",
		logging.String("tier", Tier(a.tier).String()),
		logging.String("backend", a.spec.Name),
		logging.String("outcome", outcome),
		logging.Err(err),
	)
	m.transition(State{Tier: Tier(a.tier), Status: StatusFailed, Backend: a.spec.Name}, outcome, err)
	m.advance(now, a.tier+1, "fallback", err)
}

func (m *Manager) finishAttempt(a *attempt, now time.Time, outcome string, err error) {
	if m.metrics != nil {
		m.metrics.ObserveBackendLoad(Tier(a.tier), a.spec.Name, outcome, now.Sub(a.started))
	}
	a.span.SetAttributes(attribute.String("render.outcome", outcome))
	if err != nil {
		a.span.RecordError(err)
		a.span.SetStatus(codes.Error, err.Error())
	}
	a.span.End()
}

// Render forwards scene to the active backend. It is a no-op while a tier
// is loading. Consecutive render errors past the configured limit demote
// the tier to the next one in the chain.
func (m *Manager) Render(now time.Time, scene *model.SceneDescription) error {
	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	if m.disposed || m.active == nil {
		return nil
	}
	err := m.active.Render(scene)
	if err == nil {
		m.renderFailures = 0
		return nil
	}
	if m.activeTier < 0 {
		return fmt.Errorf("static fallback render: %w", err)
	}

	m.renderFailures++
	if m.renderFailures < m.maxRenderFailures {
		return err
	}

	tier := m.activeTier
	name := m.specs[tier].Name
	m.closeBackend(name, m.active)
	if m.activeCancel != nil {
		m.activeCancel()
	}
	m.active, m.activeCancel = nil, nil
	m.log.Warn(m.ctx, "demoting rendering backend after repeated render errors",
		logging.String("tier", Tier(tier).String()),
		logging.String("backend", name),
		logging.Int("failures", m.renderFailures),
		logging.Err(err),
	)
	m.transition(State{Tier: Tier(tier), Status: StatusFailed, Backend: name}, "render-failure", err)
	m.advance(now, tier+1, "fallback", err)
	return err
}

// Dispose cancels in-flight loads, waits for loader goroutines and closes
// every backend, including ones that finished after their tier was
// abandoned. It is safe to call more than once.
func (m *Manager) Dispose() error {
	m.mu.Lock()
	if m.disposed {
		m.mu.Unlock()
		return nil
	}
	m.disposed = true
	if m.cancel != nil {
		m.cancel()
	}
	if a := m.loading; a != nil {
		m.finishAttempt(a, a.started, "cancelled", context.Canceled)
		m.loading = nil
	}
	m.mu.Unlock()

	done := make(chan struct{})
	go func() {
		m.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
	case <-time.After(m.disposeWait):
		m.log.Warn(context.Background(), "backend loaders still running after dispose; closing their results later",
			logging.Duration("waited", m.disposeWait))
		go func() {
			<-done
			m.mu.Lock()
			defer m.mu.Unlock()
			m.drainResults()
		}()
	}

	defer m.flush()
	m.mu.Lock()
	defer m.mu.Unlock()

	errs := m.drainResults()
	if m.active != nil {
		name := "static"
		if m.activeTier >= 0 {
			name = m.specs[m.activeTier].Name
		}
		if err := m.active.Close(); err != nil {
			errs = append(errs, fmt.Errorf("close %s backend: %w", name, err))
		}
		if m.activeCancel != nil {
			m.activeCancel()
		}
		m.active, m.activeCancel = nil, nil
	}
	if m.mounted {
		m.transition(State{Status: StatusIdle}, "disposed", nil)
	}
	return errors.Join(errs...)
}

func (m *Manager) drainResults() []error {
	var errs []error
	for {
		select {
		case r := <-m.results:
			if r.backend == nil {
				continue
			}
			if err := r.backend.Close(); err != nil {
				errs = append(errs, fmt.Errorf("close late %s backend: %w", m.specs[r.tier].Name, err))
			}
		default:
			return errs
		}
	}
}

func (m *Manager) closeBackend(name string, b Backend) {
	if err := b.Close(); err != nil {
		m.log.Warn(m.ctx, "closing rendering backend failed", logging.String("backend", name), logging.Err(err))
	}
}

func (m *Manager) transition(to State, reason string, err error) {
	from := m.state
	m.state = to
	m.pending = append(m.pending, Transition{From: from, To: to, Reason: reason, Err: err})
	if m.metrics != nil {
		m.metrics.ObserveTierTransition(from, to, reason)
	}
	m.log.Info(m.ctx, "rendering backend transition",
		logging.String("from", from.String()),
		logging.String("to", to.String()),
		logging.String("reason", reason),
	)
}

func (m *Manager) flush() {
	m.mu.Lock()
	pending := m.pending
	m.pending = nil
	listeners := slices.Clone(m.listeners)
	m.mu.Unlock()

	for _, tr := range pending {
		for _, fn := range listeners {
			fn(tr)
		}
	}
}
