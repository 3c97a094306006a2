package health

import (
	"fmt"
	"net"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/zap"
	"google.golang.org/grpc"
	grpchealth "google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"

	"chatsync/internal/observability"
)

// Server exposes the standard gRPC health service for orchestrators.
type Server struct {
	grpc   *grpc.Server
	health *grpchealth.Server
	lis    net.Listener
	log    *zap.Logger
}

// NewServer listens on addr. Use ":0" to pick a free port.
func NewServer(addr string, log *zap.Logger) (*Server, error) {
	lis, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen %s: %w", addr, err)
	}

	srv := grpc.NewServer(
		grpc.StatsHandler(otelgrpc.NewServerHandler()),
		grpc.UnaryInterceptor(observability.GRPCServerMetricsUnaryInterceptor()),
	)
	hs := grpchealth.NewServer()
	healthpb.RegisterHealthServer(srv, hs)

	return &Server{grpc: srv, health: hs, lis: lis, log: log}, nil
}

func (s *Server) Addr() string { return s.lis.Addr().String() }

// Serve blocks until Stop is called.
func (s *Server) Serve() error {
	s.log.Info("grpc health listening", zap.String("addr", s.Addr()))
	if err := s.grpc.Serve(s.lis); err != nil && err != grpc.ErrServerStopped {
		return err
	}
	return nil
}

// SetServing flips the overall status reported to health checks.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

func (s *Server) Stop() {
	s.health.Shutdown()
	s.grpc.GracefulStop()
}
