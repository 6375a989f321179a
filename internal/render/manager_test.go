package render

import (
	"bytes"
	"context"
	"errors"
	"strings"
	"sync"
	"testing"
	"time"

	"go.opentelemetry.io/otel/attribute"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"

	"github.com/signalsfoundry/orbit-visualizer/model"
)

type fakeBackend struct {
	mu        sync.Mutex
	renderErr error
	renders   int
	closed    int
	events    chan Event
}

func (f *fakeBackend) Render(*model.SceneDescription) error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.renders++
	return f.renderErr
}

func (f *fakeBackend) Events() <-chan Event {
	if f.events == nil {
		return nil
	}
	return f.events
}

func (f *fakeBackend) Close() error {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.closed++
	return nil
}

func (f *fakeBackend) closeCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.closed
}

func readyLoader(b Backend) Loader {
	return func(context.Context) (Backend, error) { return b, nil }
}

func failLoader(err error) Loader {
	return func(context.Context) (Backend, error) { return nil, err }
}

// lateLoader ignores cancellation and succeeds only once release is closed.
func lateLoader(release <-chan struct{}, b Backend) Loader {
	return func(context.Context) (Backend, error) {
		<-release
		return b, nil
	}
}

type loadObservation struct {
	tier    Tier
	backend string
	outcome string
}

type recordingMetrics struct {
	mu          sync.Mutex
	transitions []string
	loads       []loadObservation
}

func (r *recordingMetrics) ObserveTierTransition(from, to State, reason string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.transitions = append(r.transitions, to.String()+":"+reason)
}

func (r *recordingMetrics) ObserveBackendLoad(tier Tier, backend, outcome string, _ time.Duration) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.loads = append(r.loads, loadObservation{tier: tier, backend: backend, outcome: outcome})
}

func (r *recordingMetrics) outcomes() []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	out := make([]string, len(r.loads))
	for i, l := range r.loads {
		out[i] = l.backend + "=" + l.outcome
	}
	return out
}

// pollUntil polls at a fixed instant until cond holds.
func pollUntil(t *testing.T, m *Manager, now time.Time, cond func() bool) {
	t.Helper()
	deadline := time.Now().Add(2 * time.Second)
	for !cond() {
		if time.Now().After(deadline) {
			t.Fatalf("condition not reached; state=%s", m.State())
		}
		m.Poll(now)
		time.Sleep(time.Millisecond)
	}
}

func newTestManager(t *testing.T, opts ...ManagerOption) (*Manager, *bytes.Buffer) {
	t.Helper()
	var out bytes.Buffer
	m := NewManager(append([]ManagerOption{WithStaticBackend(NewStaticBackend(&out))}, opts...)...)
	t.Cleanup(func() { _ = m.Dispose() })
	return m, &out
}

func TestManagerFallsBackThroughEveryTier(t *testing.T) {
	metrics := &recordingMetrics{}
	spans := tracetest.NewSpanRecorder()
	tp := sdktrace.NewTracerProvider(sdktrace.WithSpanProcessor(spans))
	m, out := newTestManager(t, WithMetricsRecorder(metrics), WithTracer(tp.Tracer("test")))

	var mu sync.Mutex
	var transitions []Transition
	m.OnTransition(func(tr Transition) {
		_ = m.State() // listeners may call back in
		mu.Lock()
		transitions = append(transitions, tr)
		mu.Unlock()
	})

	release := make(chan struct{})
	primary := &fakeBackend{}
	t0 := time.Unix(1_700_000_000, 0)
	specs := []TierSpec{
		{Name: "globe", Timeout: time.Second, Load: lateLoader(release, primary)},
		{Name: "canvas", Load: failLoader(errors.New("no canvas"))},
		{Name: "svg", Load: failLoader(errors.New("read-only directory"))},
	}
	if err := m.Mount(context.Background(), specs, t0); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := m.State(); got.Tier != TierPrimary || got.Status != StatusLoading {
		t.Fatalf("state after mount = %s", got)
	}

	m.Poll(t0.Add(999 * time.Millisecond))
	if got := m.State(); got.Tier != TierPrimary || got.Status != StatusLoading {
		t.Fatalf("state before deadline = %s", got)
	}

	deadline := t0.Add(time.Second)
	pollUntil(t, m, deadline, func() bool { return m.State().Degraded() })

	want := State{Tier: TierStaticFallback, Status: StatusReady, Backend: "static"}
	if got := m.State(); got != want {
		t.Fatalf("final state = %s, want %s", got, want)
	}
	if !strings.HasPrefix(m.Indicator(), "Degraded mode") {
		t.Fatalf("Indicator = %q", m.Indicator())
	}

	close(release)
	pollUntil(t, m, deadline, func() bool { return primary.closeCount() == 1 })
	if got := m.State(); got != want {
		t.Fatalf("late primary changed state to %s", got)
	}
	if primary.renders != 0 {
		t.Fatalf("late primary rendered %d frames", primary.renders)
	}

	mu.Lock()
	got := make([]string, len(transitions))
	for i, tr := range transitions {
		got[i] = tr.To.String() + ":" + tr.Reason
	}
	mu.Unlock()
	wantSeq := []string{
		"primary/loading(globe):mount",
		"primary/failed(globe):timeout",
		"secondary/loading(canvas):fallback",
		"secondary/failed(canvas):failure",
		"tertiary/loading(svg):fallback",
		"tertiary/failed(svg):failure",
		"static-fallback/ready(static):fallback",
	}
	if strings.Join(got, "\n") != strings.Join(wantSeq, "\n") {
		t.Fatalf("transitions:\n%s\nwant:\n%s", strings.Join(got, "\n"), strings.Join(wantSeq, "\n"))
	}
	if !errors.Is(transitions[1].Err, ErrBackendLoadTimeout) {
		t.Fatalf("timeout transition err = %v", transitions[1].Err)
	}
	if !errors.Is(transitions[3].Err, ErrBackendLoadFailure) {
		t.Fatalf("failure transition err = %v", transitions[3].Err)
	}

	wantLoads := []string{"globe=timeout", "canvas=failure", "svg=failure", "globe=stale"}
	if g := metrics.outcomes(); strings.Join(g, ",") != strings.Join(wantLoads, ",") {
		t.Fatalf("load outcomes = %v, want %v", g, wantLoads)
	}

	ended := spans.Ended()
	if len(ended) != 3 {
		t.Fatalf("ended spans = %d, want 3", len(ended))
	}
	for _, s := range ended {
		if s.Name() != "render.LoadBackend" {
			t.Fatalf("span name = %q", s.Name())
		}
		var outcome string
		for _, kv := range s.Attributes() {
			if kv.Key == attribute.Key("render.outcome") {
				outcome = kv.Value.AsString()
			}
		}
		if outcome != "timeout" && outcome != "failure" {
			t.Fatalf("span outcome = %q", outcome)
		}
	}

	if err := m.Render(deadline, &model.SceneDescription{}); err != nil {
		t.Fatalf("static render: %v", err)
	}
	if !strings.Contains(out.String(), DegradedNotice) {
		t.Fatalf("static output missing notice: %q", out.String())
	}
}

func TestManagerPrimaryReady(t *testing.T) {
	m, _ := newTestManager(t)
	primary := &fakeBackend{events: make(chan Event, 4)}
	now := time.Unix(0, 0)
	if err := m.Mount(context.Background(), []TierSpec{{Name: "globe", Load: readyLoader(primary)}}, now); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	pollUntil(t, m, now, func() bool { return m.State().Status == StatusReady })

	want := State{Tier: TierPrimary, Status: StatusReady, Backend: "globe"}
	if got := m.State(); got != want {
		t.Fatalf("state = %s, want %s", got, want)
	}
	if got := m.Indicator(); got != "globe renderer ready (primary tier)" {
		t.Fatalf("Indicator = %q", got)
	}

	primary.events <- Event{Kind: EventPick, ObjectID: "SO-50"}
	primary.events <- Event{Kind: EventTogglePlay}
	events := m.Poll(now)
	if len(events) != 2 || events[0].ObjectID != "SO-50" || events[1].Kind != EventTogglePlay {
		t.Fatalf("events = %+v", events)
	}

	if err := m.Render(now, &model.SceneDescription{}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if primary.renders != 1 {
		t.Fatalf("renders = %d", primary.renders)
	}
}

func TestManagerListenersMayReenter(t *testing.T) {
	m, _ := newTestManager(t)
	var mu sync.Mutex
	var seen, late []string
	m.OnTransition(func(tr Transition) {
		mu.Lock()
		first := len(seen) == 0
		seen = append(seen, IndicatorFor(tr.To)+" | "+m.Indicator())
		mu.Unlock()
		if first {
			m.OnTransition(func(tr Transition) {
				mu.Lock()
				defer mu.Unlock()
				late = append(late, tr.To.String())
			})
		}
	})

	now := time.Unix(0, 0)
	if err := m.Mount(context.Background(), []TierSpec{{Name: "globe", Load: readyLoader(&fakeBackend{})}}, now); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	pollUntil(t, m, now, func() bool { return m.State().Status == StatusReady })

	mu.Lock()
	defer mu.Unlock()
	want := []string{
		"Initializing globe renderer (primary tier)... | Initializing globe renderer (primary tier)...",
		"globe renderer ready (primary tier) | globe renderer ready (primary tier)",
	}
	if strings.Join(seen, "\n") != strings.Join(want, "\n") {
		t.Fatalf("indicators = %q, want %q", seen, want)
	}
	if len(late) != 1 || late[0] != m.State().String() {
		t.Fatalf("listener added mid-flush saw %q, want only the ready transition", late)
	}
}

func TestManagerRenderIsNoopWhileLoading(t *testing.T) {
	m, out := newTestManager(t)
	release := make(chan struct{})
	defer close(release)
	now := time.Unix(0, 0)
	if err := m.Mount(context.Background(), []TierSpec{{Name: "globe", Load: lateLoader(release, &fakeBackend{})}}, now); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := m.Render(now, &model.SceneDescription{}); err != nil {
		t.Fatalf("Render: %v", err)
	}
	if out.Len() != 0 {
		t.Fatalf("rendered while loading: %q", out.String())
	}
	if got := m.Indicator(); got != "Initializing globe renderer (primary tier)..." {
		t.Fatalf("Indicator = %q", got)
	}
}

func TestManagerMountErrors(t *testing.T) {
	m, _ := newTestManager(t)
	b := &fakeBackend{}
	four := []TierSpec{
		{Name: "a", Load: readyLoader(b)},
		{Name: "b", Load: readyLoader(b)},
		{Name: "c", Load: readyLoader(b)},
		{Name: "d", Load: readyLoader(b)},
	}
	if err := m.Mount(context.Background(), four, time.Now()); !errors.Is(err, ErrTooManyTiers) {
		t.Fatalf("Mount(4 tiers) = %v", err)
	}
	if got := m.State(); got.Status != StatusIdle {
		t.Fatalf("state after rejected mount = %s", got)
	}

	if err := m.Mount(context.Background(), four[:1], time.Now()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := m.Mount(context.Background(), four[:1], time.Now()); !errors.Is(err, ErrAlreadyMounted) {
		t.Fatalf("second Mount = %v", err)
	}
	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := m.Mount(context.Background(), four[:1], time.Now()); !errors.Is(err, ErrDisposed) {
		t.Fatalf("Mount after Dispose = %v", err)
	}
}

func TestManagerSkipsTiersWithoutLoader(t *testing.T) {
	m, _ := newTestManager(t)
	now := time.Unix(0, 0)
	specs := []TierSpec{{Name: "globe"}, {Name: "canvas", Load: readyLoader(&fakeBackend{})}}
	if err := m.Mount(context.Background(), specs, now); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if got := m.State(); got.Tier != TierSecondary || got.Status != StatusLoading {
		t.Fatalf("state = %s", got)
	}
	pollUntil(t, m, now, func() bool { return m.State().Status == StatusReady })
}

func TestManagerWithNoTiersIsDegraded(t *testing.T) {
	m, _ := newTestManager(t)
	if err := m.Mount(context.Background(), nil, time.Now()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if !m.State().Degraded() {
		t.Fatalf("state = %s", m.State())
	}
}

func TestManagerRecoversLoaderPanic(t *testing.T) {
	m, _ := newTestManager(t)
	now := time.Unix(0, 0)
	panics := func(context.Context) (Backend, error) { panic("driver crashed") }
	if err := m.Mount(context.Background(), []TierSpec{{Name: "globe", Load: panics}}, now); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	pollUntil(t, m, now, func() bool { return m.State().Degraded() })
}

func TestManagerDemotesAfterRepeatedRenderErrors(t *testing.T) {
	m, _ := newTestManager(t, WithMaxRenderFailures(2))
	now := time.Unix(0, 0)
	broken := &fakeBackend{renderErr: errors.New("context lost")}
	canvas := &fakeBackend{}
	specs := []TierSpec{
		{Name: "globe", Load: readyLoader(broken)},
		{Name: "canvas", Load: readyLoader(canvas)},
	}
	if err := m.Mount(context.Background(), specs, now); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	pollUntil(t, m, now, func() bool { return m.State().Status == StatusReady })

	if err := m.Render(now, &model.SceneDescription{}); err == nil {
		t.Fatal("expected render error")
	}
	if got := m.State(); got.Tier != TierPrimary || got.Status != StatusReady {
		t.Fatalf("demoted too early: %s", got)
	}
	if err := m.Render(now, &model.SceneDescription{}); err == nil {
		t.Fatal("expected render error")
	}
	if broken.closeCount() != 1 {
		t.Fatalf("broken backend closed %d times", broken.closeCount())
	}
	if got := m.State(); got.Tier != TierSecondary || got.Status != StatusLoading {
		t.Fatalf("state after demotion = %s", got)
	}
	pollUntil(t, m, now, func() bool { return m.State().Status == StatusReady })
	if err := m.Render(now, &model.SceneDescription{}); err != nil {
		t.Fatalf("Render on canvas: %v", err)
	}
	if canvas.renders != 1 {
		t.Fatalf("canvas renders = %d", canvas.renders)
	}
}

func TestManagerDisposeClosesBackends(t *testing.T) {
	m, _ := newTestManager(t)
	now := time.Unix(0, 0)
	b := &fakeBackend{}
	if err := m.Mount(context.Background(), []TierSpec{{Name: "globe", Load: readyLoader(b)}}, now); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	pollUntil(t, m, now, func() bool { return m.State().Status == StatusReady })

	var last Transition
	m.OnTransition(func(tr Transition) { last = tr })
	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if b.closeCount() != 1 {
		t.Fatalf("closed %d times", b.closeCount())
	}
	if last.To.Status != StatusIdle || last.Reason != "disposed" {
		t.Fatalf("last transition = %+v", last)
	}
	if err := m.Dispose(); err != nil {
		t.Fatalf("second Dispose: %v", err)
	}
	if b.closeCount() != 1 {
		t.Fatalf("closed %d times after second Dispose", b.closeCount())
	}
	if events := m.Poll(now); events != nil {
		t.Fatalf("Poll after Dispose = %v", events)
	}
}

func TestManagerDisposeClosesInFlightResult(t *testing.T) {
	m, _ := newTestManager(t)
	b := &fakeBackend{}
	// Returns a backend even though it was cancelled.
	stubborn := func(ctx context.Context) (Backend, error) {
		<-ctx.Done()
		return b, nil
	}
	if err := m.Mount(context.Background(), []TierSpec{{Name: "globe", Load: stubborn}}, time.Now()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if b.closeCount() != 1 {
		t.Fatalf("in-flight backend closed %d times", b.closeCount())
	}
}

func TestManagerDisposeDoesNotWaitForeverOnLoaders(t *testing.T) {
	m, _ := newTestManager(t, WithDisposeWait(10*time.Millisecond))
	release := make(chan struct{})
	b := &fakeBackend{}
	if err := m.Mount(context.Background(), []TierSpec{{Name: "globe", Load: lateLoader(release, b)}}, time.Now()); err != nil {
		t.Fatalf("Mount: %v", err)
	}

	start := time.Now()
	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if waited := time.Since(start); waited > time.Second {
		t.Fatalf("Dispose waited %v", waited)
	}

	close(release)
	deadline := time.Now().Add(2 * time.Second)
	for b.closeCount() != 1 {
		if time.Now().After(deadline) {
			t.Fatal("late backend never closed")
		}
		time.Sleep(time.Millisecond)
	}
}

func TestStateStrings(t *testing.T) {
	cases := []struct {
		got, want string
	}{
		{State{}.String(), "idle"},
		{State{Tier: TierTertiary, Status: StatusFailed, Backend: "svg"}.String(), "tertiary/failed(svg)"},
		{Tier(9).String(), "tier(9)"},
		{EventRateScale.String(), "rate-scale"},
	}
	for _, tc := range cases {
		if tc.got != tc.want {
			t.Errorf("got %q, want %q", tc.got, tc.want)
		}
	}
}
