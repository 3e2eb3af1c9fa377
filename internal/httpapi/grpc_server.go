package httpapi

import (
	"context"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"medgate.org/internal/obs"
)

type readinessChecker interface {
	Check(ctx context.Context) error
}

// HealthServer serves the standard gRPC health protocol, reporting SERVING
// while the record store answers.
type HealthServer struct {
	srv       *health.Server
	readiness readinessChecker
	timeout   time.Duration
}

// NewHealthServer creates the health service wrapper. Status starts as
// NOT_SERVING until the first Refresh.
func NewHealthServer(r readinessChecker) *HealthServer {
	h := &HealthServer{
		srv:       health.NewServer(),
		readiness: r,
		timeout:   2 * time.Second,
	}
	h.set(healthpb.HealthCheckResponse_NOT_SERVING)
	return h
}

// Register attaches the health service to s.
func (h *HealthServer) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.srv)
}

// Refresh probes readiness once and publishes the result.
func (h *HealthServer) Refresh(ctx context.Context) bool {
	ctx, cancel := context.WithTimeout(ctx, h.timeout)
	defer cancel()
	if err := h.readiness.Check(ctx); err != nil {
		obs.Logger().Warn().Err(err).Msg("readiness probe failed")
		obs.SetReady(false)
		h.set(healthpb.HealthCheckResponse_NOT_SERVING)
		return false
	}
	obs.SetReady(true)
	h.set(healthpb.HealthCheckResponse_SERVING)
	return true
}

// Run refreshes every interval until ctx ends, then marks the service as
// shutting down.
func (h *HealthServer) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = 10 * time.Second
	}
	h.Refresh(ctx)
	ticker := time.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			h.srv.Shutdown()
			return
		case <-ticker.C:
			h.Refresh(ctx)
		}
	}
}

func (h *HealthServer) set(status healthpb.HealthCheckResponse_ServingStatus) {
	h.srv.SetServingStatus("", status)
	h.srv.SetServingStatus(serviceName, status)
}
