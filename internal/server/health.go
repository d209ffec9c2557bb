// Package server runs the gRPC health endpoint used by orchestrator health checks.
package server

import (
	"context"
	"net"
	"time"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// ServiceName is the health service name reported alongside the overall "" status.
const ServiceName = "agentguard.Gateway"

// Pinger is satisfied by *sql.DB.
type Pinger interface {
	PingContext(ctx context.Context) error
}

// HealthServer serves grpc.health.v1 with a status that follows the Postgres ping.
type HealthServer struct {
	grpc     *grpc.Server
	health   *health.Server
	db       Pinger
	interval time.Duration
	logger   *zap.Logger
}

// NewHealthServer registers the health and reflection services. The status
// starts NOT_SERVING until the first successful check.
func NewHealthServer(db Pinger, interval time.Duration, logger *zap.Logger) *HealthServer {
	if interval <= 0 {
		interval = 5 * time.Second
	}
	s := &HealthServer{
		grpc:     grpc.NewServer(),
		health:   health.NewServer(),
		db:       db,
		interval: interval,
		logger:   logger,
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	reflection.Register(s.grpc)
	s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
	return s
}

// Serve blocks serving on lis until Stop is called.
func (s *HealthServer) Serve(lis net.Listener) error {
	return s.grpc.Serve(lis)
}

// Watch pings the database every interval until ctx is done.
func (s *HealthServer) Watch(ctx context.Context) {
	s.checkOnce(ctx)
	ticker := time.NewTicker(s.interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			s.checkOnce(ctx)
		}
	}
}

// Stop marks every service NOT_SERVING and drains in-flight RPCs.
func (s *HealthServer) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}

func (s *HealthServer) checkOnce(ctx context.Context) {
	pingCtx, cancel := context.WithTimeout(ctx, s.interval)
	defer cancel()
	if err := s.db.PingContext(pingCtx); err != nil {
		s.logger.Warn("health check failed", zap.Error(err))
		s.setStatus(healthpb.HealthCheckResponse_NOT_SERVING)
		return
	}
	s.setStatus(healthpb.HealthCheckResponse_SERVING)
}

func (s *HealthServer) setStatus(st healthpb.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", st)
	s.health.SetServingStatus(ServiceName, st)
}
