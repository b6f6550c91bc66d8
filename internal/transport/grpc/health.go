package grpc

import (
	"context"
	"errors"
	"fmt"
	"net"

	"go.uber.org/zap"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ServiceName is the health service key reported for the sweeps.
const ServiceName = "escrowd.Sweeps"

// HealthServer exposes grpc.health.v1 so orchestrators can probe the daemon.
type HealthServer struct {
	srv    *grpc.Server
	health *health.Server
	lis    net.Listener
	logger *zap.Logger
}

func NewHealthServer(port int, logger *zap.Logger) (*HealthServer, error) {
	lis, err := net.Listen("tcp", fmt.Sprintf(":%d", port))
	if err != nil {
		return nil, fmt.Errorf("failed to start gRPC listener: %w", err)
	}
	return NewHealthServerListener(lis, logger), nil
}

func NewHealthServerListener(lis net.Listener, logger *zap.Logger) *HealthServer {
	h := health.NewServer()
	h.SetServingStatus(ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)

	srv := grpc.NewServer()
	healthpb.RegisterHealthServer(srv, h)
	return &HealthServer{srv: srv, health: h, lis: lis, logger: logger.With(zap.String("component", "grpc_health"))}
}

func (s *HealthServer) Addr() net.Addr {
	return s.lis.Addr()
}

// SetServing flips the sweeps status; the overall "" service follows it.
func (s *HealthServer) SetServing(ok bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if ok {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus(ServiceName, status)
	s.health.SetServingStatus("", status)
}

// Serve blocks until ctx is cancelled, then drains in-flight checks.
func (s *HealthServer) Serve(ctx context.Context) error {
	go func() {
		<-ctx.Done()
		s.health.Shutdown()
		s.srv.GracefulStop()
	}()
	s.logger.Info("Starting gRPC health server", zap.String("addr", s.lis.Addr().String()))
	if err := s.srv.Serve(s.lis); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}
	return nil
}
