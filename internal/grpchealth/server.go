// Package grpchealth exposes model readiness over the standard gRPC health
// protocol for orchestrators that check gRPC instead of HTTP.
package grpchealth

import (
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the per-service health key alongside the overall "" key.
const ServiceName = "classifier"

// Server wraps a grpc.Server that only carries the health service.
type Server struct {
	grpc   *grpc.Server
	health *health.Server
	logger *zap.Logger
}

// New registers the health service and sets the initial status.
func New(modelLoaded bool, logger *zap.Logger) *Server {
	s := &Server{
		grpc:   grpc.NewServer(),
		health: health.NewServer(),
		logger: logger.Named("grpchealth"),
	}
	healthpb.RegisterHealthServer(s.grpc, s.health)
	s.SetModelLoaded(modelLoaded)
	return s
}

// SetModelLoaded flips both health keys between SERVING and NOT_SERVING.
func (s *Server) SetModelLoaded(loaded bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if loaded {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
}

// Drain reports NOT_SERVING on every key and ignores later status changes.
// The listener stays open so health checkers can observe the transition.
func (s *Server) Drain() {
	s.logger.Info("gRPC health draining")
	s.health.Shutdown()
}

// Serve blocks until the listener fails or Stop is called.
func (s *Server) Serve(listener net.Listener) error {
	s.logger.Info("gRPC health listening", zap.String("addr", listener.Addr().String()))
	return s.grpc.Serve(listener)
}

// Stop drains, then closes the listener once open calls finish.
func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
