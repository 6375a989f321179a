package observability

import (
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"

	"github.com/signalsfoundry/orbit-visualizer/internal/render"
)

// EngineCollector exposes engine, backend-manager and trajectory cache
// metrics. It satisfies render.MetricsRecorder, core.CacheRecorder and
// engine.MetricsRecorder.
type EngineCollector struct {
	gatherer prometheus.Gatherer

	BackendState      *prometheus.GaugeVec
	TierTransitions   *prometheus.CounterVec
	BackendLoads      *prometheus.HistogramVec
	TickDuration      prometheus.Histogram
	TicksDropped      prometheus.Counter
	FramesRendered    prometheus.Counter
	SceneEntities     prometheus.Gauge
	SelectionChanges  prometheus.Counter
	TrajectoryLookups *prometheus.CounterVec
}

// NewEngineCollector registers engine metrics against the provided
// registerer, defaulting to the global registry when nil.
func NewEngineCollector(reg prometheus.Registerer) (*EngineCollector, error) {
	if reg == nil {
		reg = prometheus.DefaultRegisterer
	}

	state, err := registerGaugeVec(reg, prometheus.NewGaugeVec(prometheus.GaugeOpts{
		Name: "orbitviz_backend_state",
		Help: "1 for the current rendering tier and status, 0 otherwise.",
	}, []string{"tier", "status", "backend"}), "orbitviz_backend_state")
	if err != nil {
		return nil, err
	}

	transitions, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orbitviz_backend_transitions_total",
		Help: "Rendering backend state transitions, labeled by from/to state and reason.",
	}, []string{"from", "to", "reason"}), "orbitviz_backend_transitions_total")
	if err != nil {
		return nil, err
	}

	loads, err := registerHistogramVec(reg, prometheus.NewHistogramVec(prometheus.HistogramOpts{
		Name:    "orbitviz_backend_load_duration_seconds",
		Help:    "Duration of rendering backend load attempts, labeled by tier, backend and outcome.",
		Buckets: []float64{0.001, 0.01, 0.05, 0.1, 0.25, 0.5, 1, 2, 5, 10},
	}, []string{"tier", "backend", "outcome"}), "orbitviz_backend_load_duration_seconds")
	if err != nil {
		return nil, err
	}

	tick, err := registerHistogram(reg, prometheus.NewHistogram(prometheus.HistogramOpts{
		Name:    "orbitviz_tick_duration_seconds",
		Help:    "Time spent in one engine tick.",
		Buckets: []float64{0.0001, 0.0005, 0.001, 0.0025, 0.005, 0.01, 0.016, 0.033, 0.05, 0.1, 0.25},
	}), "orbitviz_tick_duration_seconds")
	if err != nil {
		return nil, err
	}

	dropped, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbitviz_ticks_dropped_total",
		Help: "Ticks skipped because the previous tick was still running.",
	}), "orbitviz_ticks_dropped_total")
	if err != nil {
		return nil, err
	}

	frames, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbitviz_frames_rendered_total",
		Help: "Scenes composed and handed to the rendering backend.",
	}), "orbitviz_frames_rendered_total")
	if err != nil {
		return nil, err
	}

	entities, err := registerGauge(reg, prometheus.NewGauge(prometheus.GaugeOpts{
		Name: "orbitviz_scene_entities",
		Help: "Entity records in the most recent scene.",
	}), "orbitviz_scene_entities")
	if err != nil {
		return nil, err
	}

	selection, err := registerCounter(reg, prometheus.NewCounter(prometheus.CounterOpts{
		Name: "orbitviz_selection_changes_total",
		Help: "Number of times the selected object changed.",
	}), "orbitviz_selection_changes_total")
	if err != nil {
		return nil, err
	}

	lookups, err := registerCounterVec(reg, prometheus.NewCounterVec(prometheus.CounterOpts{
		Name: "orbitviz_trajectory_cache_lookups_total",
		Help: "Trajectory cache lookups, labeled by result (hit or miss).",
	}, []string{"result"}), "orbitviz_trajectory_cache_lookups_total")
	if err != nil {
		return nil, err
	}

	return &EngineCollector{
		gatherer:          gathererFor(reg),
		BackendState:      state,
		TierTransitions:   transitions,
		BackendLoads:      loads,
		TickDuration:      tick,
		TicksDropped:      dropped,
		FramesRendered:    frames,
		SceneEntities:     entities,
		SelectionChanges:  selection,
		TrajectoryLookups: lookups,
	}, nil
}

// Gatherer returns the Prometheus gatherer associated with the collector.
func (c *EngineCollector) Gatherer() prometheus.Gatherer {
	if c == nil {
		return nil
	}
	return c.gatherer
}

// Handler exposes a ready-to-use /metrics handler.
func (c *EngineCollector) Handler() http.Handler {
	return handlerFor(c.Gatherer())
}

// ObserveTierTransition records a backend state change.
func (c *EngineCollector) ObserveTierTransition(from, to render.State, reason string) {
	if c == nil {
		return
	}
	c.TierTransitions.WithLabelValues(from.String(), to.String(), reason).Inc()
	c.BackendState.Reset()
	if to.Status != render.StatusIdle {
		c.BackendState.WithLabelValues(to.Tier.String(), to.Status.String(), to.Backend).Set(1)
	}
}

// ObserveBackendLoad records the outcome of one load attempt.
func (c *EngineCollector) ObserveBackendLoad(tier render.Tier, backend, outcome string, d time.Duration) {
	if c == nil {
		return
	}
	c.BackendLoads.WithLabelValues(tier.String(), backend, outcome).Observe(d.Seconds())
}

// ObserveTick records one engine tick.
func (c *EngineCollector) ObserveTick(d time.Duration, rendered bool, entities int) {
	if c == nil {
		return
	}
	c.TickDuration.Observe(d.Seconds())
	if rendered {
		c.FramesRendered.Inc()
		c.SceneEntities.Set(float64(entities))
	}
}

// IncDroppedTicks counts a dropped tick.
func (c *EngineCollector) IncDroppedTicks() {
	if c == nil {
		return
	}
	c.TicksDropped.Inc()
}

// IncSelectionChanges counts a selection change.
func (c *EngineCollector) IncSelectionChanges() {
	if c == nil {
		return
	}
	c.SelectionChanges.Inc()
}

// ObserveTrajectoryCache counts a trajectory cache lookup.
func (c *EngineCollector) ObserveTrajectoryCache(hit bool) {
	if c == nil {
		return
	}
	result := "miss"
	if hit {
		result = "hit"
	}
	c.TrajectoryLookups.WithLabelValues(result).Inc()
}

func registerHistogram(reg prometheus.Registerer, hist prometheus.Histogram, name string) (prometheus.Histogram, error) {
	if err := reg.Register(hist); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Histogram); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return hist, nil
}

func registerCounter(reg prometheus.Registerer, counter prometheus.Counter, name string) (prometheus.Counter, error) {
	if err := reg.Register(counter); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(prometheus.Counter); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return counter, nil
}

func registerGaugeVec(reg prometheus.Registerer, vec *prometheus.GaugeVec, name string) (*prometheus.GaugeVec, error) {
	if err := reg.Register(vec); err != nil {
		if are, ok := err.(prometheus.AlreadyRegisteredError); ok {
			if existing, ok := are.ExistingCollector.(*prometheus.GaugeVec); ok {
				return existing, nil
			}
			return nil, fmt.Errorf("collector %s already registered with incompatible type", name)
		}
		return nil, err
	}
	return vec, nil
}
