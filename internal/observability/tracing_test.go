package observability

import (
	"bytes"
	"context"
	"errors"
	"io"
	"testing"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/sdk/trace/tracetest"
	"go.opentelemetry.io/otel/trace/noop"

	"github.com/signalsfoundry/orbit-visualizer/internal/render"
)

func envFrom(m map[string]string) func(string) string {
	return func(k string) string { return m[k] }
}

func TestTracingConfigFromEnvDefaults(t *testing.T) {
	cfg, err := TracingConfigFromEnv(envFrom(nil))
	if err != nil {
		t.Fatalf("TracingConfigFromEnv: %v", err)
	}
	if cfg.Enabled {
		t.Fatalf("tracing should default to disabled")
	}
	if cfg.Exporter != ExporterStdout || cfg.ServiceName != "orbitviz" || cfg.SampleRatio != 1 {
		t.Fatalf("unexpected defaults: %+v", cfg)
	}
}

func TestTracingConfigFromEnvOverrides(t *testing.T) {
	cfg, err := TracingConfigFromEnv(envFrom(map[string]string{
		EnvTracingEnabled:     "TRUE",
		EnvTracingExporter:    "OTLP",
		EnvTracingService:     "viz-test",
		EnvTracingSampleRatio: "0.25",
		EnvOTLPEndpoint:       "collector:4317",
	}))
	if err != nil {
		t.Fatalf("TracingConfigFromEnv: %v", err)
	}
	if !cfg.Enabled || cfg.Exporter != ExporterOTLP || cfg.ServiceName != "viz-test" || cfg.SampleRatio != 0.25 || cfg.Endpoint != "collector:4317" {
		t.Fatalf("unexpected config: %+v", cfg)
	}
}

func TestTracingConfigFromEnvErrors(t *testing.T) {
	tests := []struct {
		name string
		env  map[string]string
	}{
		{name: "malformed switch", env: map[string]string{EnvTracingEnabled: "sometimes"}},
		{name: "malformed ratio", env: map[string]string{EnvTracingSampleRatio: "half"}},
		{name: "ratio above one", env: map[string]string{EnvTracingEnabled: "1", EnvTracingSampleRatio: "7"}},
		{name: "negative ratio", env: map[string]string{EnvTracingEnabled: "1", EnvTracingSampleRatio: "-0.1"}},
		{name: "unknown exporter", env: map[string]string{EnvTracingEnabled: "true", EnvTracingExporter: "zipkin"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if _, err := TracingConfigFromEnv(envFrom(tt.env)); !errors.Is(err, ErrInvalidTracingConfig) {
				t.Fatalf("err = %v, want ErrInvalidTracingConfig", err)
			}
		})
	}

	// Exporter and ratio only matter once tracing is on.
	if _, err := TracingConfigFromEnv(envFrom(map[string]string{EnvTracingExporter: "zipkin"})); err != nil {
		t.Fatalf("disabled config rejected: %v", err)
	}
}

func TestInitTracingDisabled(t *testing.T) {
	tr, err := InitTracing(context.Background(), TracingConfig{}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}
	if tr.Enabled() {
		t.Fatalf("disabled config reports enabled tracing")
	}
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}
	tr.Shutdown(context.Background())

	_, span := otel.Tracer("test").Start(context.Background(), "noop")
	if span.SpanContext().IsValid() {
		t.Fatalf("disabled tracing should produce invalid span contexts")
	}
	span.End()
}

func TestInitTracingStdoutExporter(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	var buf bytes.Buffer
	tr, err := InitTracing(context.Background(), TracingConfig{
		Enabled:     true,
		ServiceName: "orbitviz-test",
		Exporter:    ExporterStdout,
		SampleRatio: 1,
		Writer:      &buf,
	}, nil)
	if err != nil {
		t.Fatalf("InitTracing: %v", err)
	}

	_, span := otel.Tracer("test").Start(context.Background(), "render.LoadBackend")
	span.End()
	tr.Shutdown(context.Background())

	if !bytes.Contains(buf.Bytes(), []byte("render.LoadBackend")) || !bytes.Contains(buf.Bytes(), []byte("orbitviz-test")) {
		t.Fatalf("exported spans missing name or service: %s", buf.String())
	}
}

func TestInitTracingRejectsInvalidConfig(t *testing.T) {
	if _, err := InitTracing(context.Background(), TracingConfig{Enabled: true, Exporter: "zipkin", SampleRatio: 1}, nil); !errors.Is(err, ErrInvalidTracingConfig) {
		t.Fatalf("err = %v, want ErrInvalidTracingConfig", err)
	}
}

func spanAttr(attrs []attribute.KeyValue, key string) string {
	for _, kv := range attrs {
		if string(kv.Key) == key {
			return kv.Value.Emit()
		}
	}
	return ""
}

func TestBackendLoadSpansReachExporter(t *testing.T) {
	t.Cleanup(func() { otel.SetTracerProvider(noop.NewTracerProvider()) })
	exp := tracetest.NewInMemoryExporter()
	tr, err := installTracerProvider(context.Background(), TracingConfig{Enabled: true, ServiceName: "orbitviz-test", SampleRatio: 1}, exp, nil)
	if err != nil {
		t.Fatalf("installTracerProvider: %v", err)
	}

	m := render.NewManager(render.WithStaticBackend(render.NewStaticBackend(io.Discard)))
	specs := []render.TierSpec{
		{Name: "globe", Timeout: time.Second, Load: func(context.Context) (render.Backend, error) {
			return nil, errors.New("no terminal")
		}},
		{Name: "listing", Timeout: time.Second, Load: func(context.Context) (render.Backend, error) {
			return render.NewStaticBackend(io.Discard), nil
		}},
	}
	if err := m.Mount(context.Background(), specs, time.Now()); err != nil {
		t.Fatalf("Mount: %v", err)
	}
	deadline := time.Now().Add(5 * time.Second)
	for m.State().Status != render.StatusReady {
		if time.Now().After(deadline) {
			t.Fatalf("secondary tier never became ready; state=%s", m.State())
		}
		m.Poll(time.Now())
		time.Sleep(time.Millisecond)
	}
	if err := m.Dispose(); err != nil {
		t.Fatalf("Dispose: %v", err)
	}
	if err := tr.Flush(context.Background()); err != nil {
		t.Fatalf("Flush: %v", err)
	}

	want := map[string]string{"globe": "failure", "listing": "ready"}
	got := map[string]string{}
	for _, s := range exp.GetSpans() {
		if s.Name != "render.LoadBackend" {
			continue
		}
		backend := spanAttr(s.Attributes, "render.backend")
		got[backend] = spanAttr(s.Attributes, "render.outcome")
		if backend == "globe" && spanAttr(s.Attributes, "render.tier") != "primary" {
			t.Errorf("globe span tier = %q", spanAttr(s.Attributes, "render.tier"))
		}
		if backend == "listing" && spanAttr(s.Attributes, "render.tier") != "secondary" {
			t.Errorf("listing span tier = %q", spanAttr(s.Attributes, "render.tier"))
		}
	}
	for backend, outcome := range want {
		if got[backend] != outcome {
			t.Errorf("%s load outcome = %q, want %q (spans: %v)", backend, got[backend], outcome, got)
		}
	}
	tr.Shutdown(context.Background())
}
