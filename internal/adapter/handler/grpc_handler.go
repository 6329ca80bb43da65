package handler

import (
	"context"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

const defaultCheckInterval = 10 * time.Second

// GRPCHealth serves grpc.health.v1 and keeps the serving status in step with
// the reachability of the backing stores.
type GRPCHealth struct {
	server   *health.Server
	service  string
	checks   map[string]Pinger
	interval time.Duration
	logger   *zap.Logger
}

func NewGRPCHealth(service string, checks map[string]Pinger, interval time.Duration, logger *zap.Logger) *GRPCHealth {
	if interval <= 0 {
		interval = defaultCheckInterval
	}
	return &GRPCHealth{
		server:   health.NewServer(),
		service:  service,
		checks:   checks,
		interval: interval,
		logger:   logger,
	}
}

func (h *GRPCHealth) Register(s *grpc.Server) {
	healthpb.RegisterHealthServer(s, h.server)
}

// Run checks until ctx is cancelled, then reports NOT_SERVING so clients
// drain before the listener closes.
func (h *GRPCHealth) Run(ctx context.Context) error {
	h.Refresh(ctx)

	tick := time.NewTicker(h.interval)
	defer tick.Stop()
	for {
		select {
		case <-ctx.Done():
			h.server.Shutdown()
			return nil
		case <-tick.C:
			h.Refresh(ctx)
		}
	}
}

// Refresh pings every check once and updates the serving status.
func (h *GRPCHealth) Refresh(ctx context.Context) healthpb.HealthCheckResponse_ServingStatus {
	ctx, cancel := context.WithTimeout(ctx, healthCheckTimeout)
	defer cancel()

	status := healthpb.HealthCheckResponse_SERVING
	for name, check := range h.checks {
		if err := check.Ping(ctx); err != nil {
			h.logger.Warn("health check failed", zap.String("component", name), zap.Error(err))
			status = healthpb.HealthCheckResponse_NOT_SERVING
		}
	}

	h.server.SetServingStatus("", status)
	h.server.SetServingStatus(h.service, status)
	return status
}
