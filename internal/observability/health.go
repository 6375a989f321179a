package observability

import (
	"context"
	"sync"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/signalsfoundry/orbit-visualizer/internal/logging"
	"github.com/signalsfoundry/orbit-visualizer/internal/render"
)

// RenderService is the health-check service name that tracks the rendering
// backend chain.
const RenderService = "orbitviz.render"

// HealthReporter maps backend manager states onto the standard gRPC health
// protocol. A ready interactive tier reports SERVING; loading reports
// NOT_SERVING; the static fallback reports SERVING because a degraded view is
// still a view.
type HealthReporter struct {
	srv *health.Server
	log logging.Logger

	mu   sync.Mutex
	last render.State
}

// NewHealthReporter returns a reporter whose render service starts as
// NOT_SERVING.
func NewHealthReporter(log logging.Logger) *HealthReporter {
	if log == nil {
		log = logging.Noop()
	}
	srv := health.NewServer()
	srv.SetServingStatus(RenderService, healthpb.HealthCheckResponse_NOT_SERVING)
	return &HealthReporter{srv: srv, log: log}
}

// StatusFor returns the serving status reported for s.
func StatusFor(s render.State) healthpb.HealthCheckResponse_ServingStatus {
	switch s.Status {
	case render.StatusReady:
		return healthpb.HealthCheckResponse_SERVING
	default:
		return healthpb.HealthCheckResponse_NOT_SERVING
	}
}

// ObserveTransition updates the render service status. It is meant to be
// registered with the engine's tier transition listener.
func (h *HealthReporter) ObserveTransition(t render.Transition) {
	if h == nil {
		return
	}
	h.mu.Lock()
	prev := StatusFor(h.last)
	h.last = t.To
	h.mu.Unlock()

	next := StatusFor(t.To)
	h.srv.SetServingStatus(RenderService, next)
	// The overall server status follows the render service.
	h.srv.SetServingStatus("", next)
	if prev != next {
		h.log.Debug(context.Background(), "health status changed",
			logging.String("service", RenderService),
			logging.String("status", next.String()),
			logging.String("backend", t.To.String()),
		)
	}
}

// State returns the last observed backend state.
func (h *HealthReporter) State() render.State {
	h.mu.Lock()
	defer h.mu.Unlock()
	return h.last
}

// Server returns the underlying health server.
func (h *HealthReporter) Server() *health.Server { return h.srv }

// Shutdown flips every service to NOT_SERVING.
func (h *HealthReporter) Shutdown() { h.srv.Shutdown() }

// NewGRPCServer builds the admin gRPC server: OpenTelemetry stats handler,
// Prometheus request metrics and the health service.
func NewGRPCServer(rpc *RPCCollector, h *HealthReporter, opts ...grpc.ServerOption) *grpc.Server {
	serverOpts := []grpc.ServerOption{
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.ChainUnaryInterceptor(rpc.UnaryServerInterceptor()),
	}
	serverOpts = append(serverOpts, opts...)
	srv := grpc.NewServer(serverOpts...)
	if h != nil {
		healthpb.RegisterHealthServer(srv, h.Server())
	}
	return srv
}
