package observability

import (
	"context"
	"net"
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/testutil"
	"google.golang.org/grpc"
	"google.golang.org/grpc/credentials/insecure"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/test/bufconn"

	"github.com/signalsfoundry/orbit-visualizer/internal/render"
)

func TestStatusFor(t *testing.T) {
	tests := []struct {
		state render.State
		want  healthpb.HealthCheckResponse_ServingStatus
	}{
		{render.State{}, healthpb.HealthCheckResponse_NOT_SERVING},
		{render.State{Tier: render.TierPrimary, Status: render.StatusLoading, Backend: "globe"}, healthpb.HealthCheckResponse_NOT_SERVING},
		{render.State{Tier: render.TierPrimary, Status: render.StatusReady, Backend: "globe"}, healthpb.HealthCheckResponse_SERVING},
		{render.State{Tier: render.TierSecondary, Status: render.StatusFailed, Backend: "canvas"}, healthpb.HealthCheckResponse_NOT_SERVING},
		{render.State{Tier: render.TierStaticFallback, Status: render.StatusReady, Backend: "static"}, healthpb.HealthCheckResponse_SERVING},
	}
	for _, tt := range tests {
		if got := StatusFor(tt.state); got != tt.want {
			t.Errorf("StatusFor(%s) = %v, want %v", tt.state, got, tt.want)
		}
	}
}

func TestHealthServiceTracksTransitions(t *testing.T) {
	reg := prometheus.NewRegistry()
	rpc, err := NewRPCCollector(reg)
	if err != nil {
		t.Fatalf("NewRPCCollector: %v", err)
	}
	reporter := NewHealthReporter(nil)

	lis := bufconn.Listen(1 << 20)
	srv := NewGRPCServer(rpc, reporter)
	go func() { _ = srv.Serve(lis) }()
	t.Cleanup(srv.Stop)

	conn, err := grpc.NewClient("passthrough:///bufnet",
		grpc.WithContextDialer(func(ctx context.Context, _ string) (net.Conn, error) { return lis.DialContext(ctx) }),
		grpc.WithTransportCredentials(insecure.NewCredentials()),
	)
	if err != nil {
		t.Fatalf("grpc.NewClient: %v", err)
	}
	t.Cleanup(func() { _ = conn.Close() })
	client := healthpb.NewHealthClient(conn)

	check := func() healthpb.HealthCheckResponse_ServingStatus {
		t.Helper()
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		resp, err := client.Check(ctx, &healthpb.HealthCheckRequest{Service: RenderService})
		if err != nil {
			t.Fatalf("Check: %v", err)
		}
		return resp.GetStatus()
	}

	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("initial status = %v, want NOT_SERVING", got)
	}

	loading := render.State{Tier: render.TierPrimary, Status: render.StatusLoading, Backend: "globe"}
	ready := render.State{Tier: render.TierPrimary, Status: render.StatusReady, Backend: "globe"}
	reporter.ObserveTransition(render.Transition{To: loading, Reason: "mount"})
	reporter.ObserveTransition(render.Transition{From: loading, To: ready, Reason: "loaded"})

	if got := check(); got != healthpb.HealthCheckResponse_SERVING {
		t.Fatalf("status after ready = %v, want SERVING", got)
	}
	if reporter.State() != ready {
		t.Fatalf("State() = %s, want %s", reporter.State(), ready)
	}
	if got := testutil.ToFloat64(rpc.RPCRequests.WithLabelValues("Health", "Check", "OK")); got != 2 {
		t.Fatalf("health check requests = %v, want 2", got)
	}

	reporter.Shutdown()
	if got := check(); got != healthpb.HealthCheckResponse_NOT_SERVING {
		t.Fatalf("status after shutdown = %v, want NOT_SERVING", got)
	}
}
