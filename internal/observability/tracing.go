package observability

import (
	"context"
	"errors"
	"fmt"
	"io"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace"
	"go.opentelemetry.io/otel/exporters/otlp/otlptrace/otlptracegrpc"
	"go.opentelemetry.io/otel/exporters/stdout/stdouttrace"
	"go.opentelemetry.io/otel/propagation"
	"go.opentelemetry.io/otel/sdk/resource"
	sdktrace "go.opentelemetry.io/otel/sdk/trace"
	"go.opentelemetry.io/otel/trace/noop"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"

	"github.com/signalsfoundry/orbit-visualizer/internal/logging"
)

// Environment variables read by TracingConfigFromEnv.
const (
	EnvTracingEnabled     = "ORBITVIZ_TRACING_ENABLED"
	EnvTracingExporter    = "ORBITVIZ_TRACING_EXPORTER"
	EnvTracingService     = "ORBITVIZ_TRACING_SERVICE_NAME"
	EnvTracingSampleRatio = "ORBITVIZ_TRACING_SAMPLE_RATIO"
	EnvOTLPEndpoint       = "ORBITVIZ_OTLP_ENDPOINT"
)

// Span exporters.
const (
	ExporterStdout = "stdout"
	ExporterOTLP   = "otlp"
)

const (
	defaultServiceName  = "orbitviz"
	defaultOTLPEndpoint = "localhost:4317"
	tracingShutdownWait = 5 * time.Second
)

// ErrInvalidTracingConfig reports an unusable tracing setting.
var ErrInvalidTracingConfig = errors.New("invalid tracing config")

// TracingConfig selects where backend-load and admin RPC spans go.
type TracingConfig struct {
	Enabled     bool
	ServiceName string
	Exporter    string
	// Endpoint is the OTLP collector address.
	Endpoint    string
	SampleRatio float64
	// Writer receives stdout-exporter output. Defaults to os.Stderr since
	// stdout belongs to the terminal tiers.
	Writer      io.Writer
}

// TracingConfigFromEnv reads the ORBITVIZ_TRACING_* variables through
// getenv. Tracing is off unless ORBITVIZ_TRACING_ENABLED parses as true.
func TracingConfigFromEnv(getenv func(string) string) (TracingConfig, error) {
	if getenv == nil {
		getenv = os.Getenv
	}
	read := func(key string) string { return strings.TrimSpace(getenv(key)) }

	cfg := TracingConfig{
		ServiceName: defaultServiceName,
		Exporter:    ExporterStdout,
		Endpoint:    read(EnvOTLPEndpoint),
		SampleRatio: 1,
	}
	if raw := read(EnvTracingEnabled); raw != "" {
		on, err := strconv.ParseBool(raw)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("%s=%q: %w", EnvTracingEnabled, raw, ErrInvalidTracingConfig)
		}
		cfg.Enabled = on
	}
	if raw := read(EnvTracingExporter); raw != "" {
		cfg.Exporter = strings.ToLower(raw)
	}
	if raw := read(EnvTracingService); raw != "" {
		cfg.ServiceName = raw
	}
	if raw := read(EnvTracingSampleRatio); raw != "" {
		ratio, err := strconv.ParseFloat(raw, 64)
		if err != nil {
			return TracingConfig{}, fmt.Errorf("%s=%q: %w", EnvTracingSampleRatio, raw, ErrInvalidTracingConfig)
		}
		cfg.SampleRatio = ratio
	}
	return cfg, cfg.Validate()
}

// Validate checks the exporter and sample ratio of an enabled config.
func (c TracingConfig) Validate() error {
	if !c.Enabled {
		return nil
	}
	switch c.Exporter {
	case ExporterStdout, ExporterOTLP:
	default:
		return fmt.Errorf("exporter %q: %w", c.Exporter, ErrInvalidTracingConfig)
	}
	if math.IsNaN(c.SampleRatio) || c.SampleRatio < 0 || c.SampleRatio > 1 {
		return fmt.Errorf("sample ratio %v outside [0, 1]: %w", c.SampleRatio, ErrInvalidTracingConfig)
	}
	return nil
}

// Tracing owns the process-wide tracer provider installed by InitTracing.
type Tracing struct {
	provider *sdktrace.TracerProvider
	log      logging.Logger
}

// InitTracing installs the global tracer provider and propagators. A
// disabled config installs a noop provider and a Tracing whose methods do
// nothing.
func InitTracing(ctx context.Context, cfg TracingConfig, log logging.Logger) (*Tracing, error) {
	if log == nil {
		log = logging.Noop()
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	otel.SetTextMapPropagator(propagation.NewCompositeTextMapPropagator(
		propagation.TraceContext{},
		propagation.Baggage{},
	))
	if !cfg.Enabled {
		otel.SetTracerProvider(noop.NewTracerProvider())
		log.Debug(ctx, "tracing disabled")
		return &Tracing{log: log}, nil
	}

	exp, err := newSpanExporter(ctx, cfg)
	if err != nil {
		return nil, fmt.Errorf("%s span exporter: %w", cfg.Exporter, err)
	}
	return installTracerProvider(ctx, cfg, exp, log)
}

func installTracerProvider(ctx context.Context, cfg TracingConfig, exp sdktrace.SpanExporter, log logging.Logger) (*Tracing, error) {
	if log == nil {
		log = logging.Noop()
	}
	res, err := resource.New(ctx, resource.WithAttributes(
		attribute.String("service.name", cfg.ServiceName),
		attribute.String("service.namespace", defaultServiceName),
	))
	if err != nil {
		return nil, fmt.Errorf("tracing resource: %w", err)
	}

	tp := sdktrace.NewTracerProvider(
		sdktrace.WithSampler(sdktrace.ParentBased(sdktrace.TraceIDRatioBased(cfg.SampleRatio))),
		sdktrace.WithBatcher(exp),
		sdktrace.WithResource(res),
	)
	otel.SetTracerProvider(tp)
	log.Info(ctx, "tracing enabled",
		logging.String("exporter", cfg.Exporter),
		logging.String("service_name", cfg.ServiceName),
		logging.Float("sample_ratio", cfg.SampleRatio),
	)
	return &Tracing{provider: tp, log: log}, nil
}

func newSpanExporter(ctx context.Context, cfg TracingConfig) (sdktrace.SpanExporter, error) {
	if cfg.Exporter == ExporterOTLP {
		endpoint := cfg.Endpoint
		if endpoint == "" {
			endpoint = defaultOTLPEndpoint
		}
		return otlptrace.New(ctx, otlptracegrpc.NewClient(
			otlptracegrpc.WithEndpoint(endpoint),
			otlptracegrpc.WithDialOption(grpc.WithTransportCredentials(insecure.NewCredentials())),
		))
	}
	w := cfg.Writer
	if w == nil {
		w = os.Stderr
	}
	return stdouttrace.New(
		stdouttrace.WithWriter(w),
		stdouttrace.WithPrettyPrint(),
		stdouttrace.WithoutTimestamps(),
	)
}

// Enabled reports whether spans are being exported.
func (t *Tracing) Enabled() bool { return t != nil && t.provider != nil }

// Flush exports every finished span without shutting the provider down.
func (t *Tracing) Flush(ctx context.Context) error {
	if !t.Enabled() {
		return nil
	}
	return t.provider.ForceFlush(ctx)
}

// Shutdown flushes and stops the provider, waiting at most five seconds.
// Failures are logged, not returned.
func (t *Tracing) Shutdown(ctx context.Context) {
	if !t.Enabled() {
		return
	}
	ctx, cancel := context.WithTimeout(ctx, tracingShutdownWait)
	defer cancel()
	if err := t.provider.Shutdown(ctx); err != nil {
		t.log.Warn(ctx, "tracing shutdown failed", logging.Err(err))
	}
}
