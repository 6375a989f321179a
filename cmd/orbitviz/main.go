// Command orbitviz renders the tracked-satellite catalog through the tiered
// backend chain and serves health and metrics endpoints next to it.
package main

import (
	"context"
	"errors"
	"fmt"
	"io"
	"net"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"golang.org/x/term"

	"github.com/signalsfoundry/orbit-visualizer/core"
	"github.com/signalsfoundry/orbit-visualizer/internal/logging"
	"github.com/signalsfoundry/orbit-visualizer/internal/observability"
	"github.com/signalsfoundry/orbit-visualizer/internal/render"
	"github.com/signalsfoundry/orbit-visualizer/internal/sim/engine"
	"github.com/signalsfoundry/orbit-visualizer/kb"
	"github.com/signalsfoundry/orbit-visualizer/timectrl"
)

const (
	svgWidth        = 1440
	svgHeight       = 720
	shutdownTimeout = 5 * time.Second
)

// Terminal streams. Tests point them at files.
var (
	stdin  io.Reader = os.Stdin
	stdout           = os.Stdout
	stderr io.Writer = os.Stderr
)

func main() {
	cfg, err := parseConfig(os.Args[1:], os.Getenv)
	if err != nil {
		fmt.Fprintf(os.Stderr, "orbitviz: %v\n", err)
		os.Exit(2)
	}
	log := logging.New(logging.Config{Level: cfg.LogLevel, Format: cfg.LogFormat, AddSource: true})

	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()

	if err := run(ctx, cfg, log, nil); err != nil {
		log.Error(ctx, "orbitviz exited", logging.Err(err))
		stop()
		os.Exit(1)
	}
}

// run wires the engine, the admin servers and the rendering tiers, and
// blocks until ctx is cancelled, the configured duration elapses or the
// active backend asks to quit. lis overrides cfg.GRPCAddress when non-nil.
func run(ctx context.Context, cfg Config, log logging.Logger, lis net.Listener) error {
	if log == nil {
		log = logging.Noop()
	}

	tracingCfg, err := observability.TracingConfigFromEnv(os.Getenv)
	if err != nil {
		return err
	}
	tracing, err := observability.InitTracing(ctx, tracingCfg, log)
	if err != nil {
		return fmt.Errorf("init tracing: %w", err)
	}
	defer tracing.Shutdown(context.Background())

	reg := prometheus.NewRegistry()
	collector, err := observability.NewEngineCollector(reg)
	if err != nil {
		return fmt.Errorf("engine metrics: %w", err)
	}
	rpc, err := observability.NewRPCCollector(reg)
	if err != nil {
		return fmt.Errorf("rpc metrics: %w", err)
	}

	catalog, err := loadCatalog(cfg.CatalogPath)
	if err != nil {
		return err
	}
	log.Info(ctx, "loaded catalog", logging.String("path", cfg.CatalogPath), logging.Int("objects", catalog.Len()))

	health := observability.NewHealthReporter(log)
	grpcServer := observability.NewGRPCServer(rpc, health)
	defer grpcServer.Stop()
	if lis == nil && cfg.GRPCAddress != "" {
		lis, err = net.Listen("tcp", cfg.GRPCAddress)
		if err != nil {
			return fmt.Errorf("listen %s: %w", cfg.GRPCAddress, err)
		}
	}
	if lis != nil {
		log.Info(ctx, "starting gRPC health server", logging.String("addr", lis.Addr().String()))
		go func() {
			if err := grpcServer.Serve(lis); err != nil {
				log.Warn(context.Background(), "gRPC server exited", logging.Err(err))
			}
		}()
	}
	metricsSrv := serveMetrics(cfg.MetricsAddress, collector, log)
	if metricsSrv != nil {
		defer metricsSrv.Close()
	}

	eng, err := newEngine(cfg, catalog, collector, log)
	if err != nil {
		return err
	}
	eng.OnTierTransition(health.ObserveTransition)
	eng.OnTierTransition(func(t render.Transition) {
		fmt.Fprintf(stderr, "orbitviz: %s\n", render.IndicatorFor(t.To))
		if t.To.Degraded() {
			log.Warn(ctx, "all interactive tiers failed; serving static listing", logging.String("from", t.From.String()))
		}
	})

	if err := eng.MountBackend(ctx, tierSpecs(cfg)); err != nil {
		return fmt.Errorf("mount backends: %w", err)
	}

	runCtx := ctx
	if cfg.Duration > 0 {
		var cancel context.CancelFunc
		runCtx, cancel = context.WithTimeout(ctx, cfg.Duration)
		defer cancel()
	}
	runErr := eng.Run(runCtx, cfg.TickInterval)
	if errors.Is(runErr, context.Canceled) || errors.Is(runErr, context.DeadlineExceeded) {
		runErr = nil
	}

	log.Info(ctx, "shutting down orbitviz")
	health.Shutdown()
	if err := eng.Dispose(); err != nil {
		log.Warn(ctx, "dispose backends", logging.Err(err))
	}
	grpcServer.GracefulStop()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if metricsSrv != nil {
		_ = metricsSrv.Shutdown(shutdownCtx)
	}
	return runErr
}

func newEngine(cfg Config, catalog *kb.Catalog, collector *observability.EngineCollector, log logging.Logger) (*engine.Engine, error) {
	epoch := cfg.Epoch
	if epoch.IsZero() {
		epoch = time.Now().UTC()
	}
	composer := core.NewComposer(core.NewPositionModel(epoch))
	if cs, ok := composer.Trajectories.(*core.CachedSampler); ok {
		cs.Recorder = collector
	}
	manager := render.NewManager(
		render.WithLogger(log),
		render.WithMetricsRecorder(collector),
		render.WithStaticBackend(render.NewStaticBackend(stdout)),
	)

	clockOpts := []timectrl.ClockOption{timectrl.WithRate(cfg.Rate)}
	if cfg.Paused {
		clockOpts = append(clockOpts, timectrl.WithPaused())
	}
	return engine.New(catalog,
		engine.WithLogger(log),
		engine.WithMetricsRecorder(collector),
		engine.WithEpoch(epoch),
		engine.WithComposer(composer),
		engine.WithManager(manager),
		engine.WithDefaultSelection(cfg.Selection),
		engine.WithClockOptions(clockOpts...),
	)
}

func tierSpecs(cfg Config) []render.TierSpec {
	specs := make([]render.TierSpec, 0, len(cfg.Tiers))
	for i, name := range cfg.Tiers {
		timeout := cfg.TierTimeout
		if i == 0 {
			timeout = cfg.PrimaryTimeout
		}
		var load render.Loader
		switch name {
		case tierGlobe:
			load = render.GlobeLoader(stdin, stdout)
		case tierCanvas:
			load = render.CanvasLoader(stdout, cfg.CanvasCols, cfg.CanvasRows, term.IsTerminal(int(stdout.Fd())))
		case tierSVG:
			load = render.SVGLoader(cfg.SVGPath, svgWidth, svgHeight)
		}
		specs = append(specs, render.TierSpec{Name: name, Timeout: timeout, Load: load})
	}
	return specs
}

func loadCatalog(path string) (*kb.Catalog, error) {
	if path == "" {
		return kb.DefaultCatalog(), nil
	}
	c, err := kb.LoadCatalogFile(path)
	if err != nil {
		return nil, fmt.Errorf("load catalog: %w", err)
	}
	return c, nil
}

func serveMetrics(addr string, collector *observability.EngineCollector, log logging.Logger) *http.Server {
	if collector == nil || addr == "" {
		return nil
	}
	mux := http.NewServeMux()
	mux.Handle("/metrics", collector.Handler())

	srv := &http.Server{
		Addr:              addr,
		Handler:           mux,
		ReadHeaderTimeout: 5 * time.Second,
	}

	go func() {
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			log.Warn(context.Background(), "metrics server exited", logging.Err(err))
		}
	}()

	log.Info(context.Background(), "serving Prometheus metrics", logging.String("addr", addr))
	return srv
}
