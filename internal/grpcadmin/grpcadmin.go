// Package grpcadmin exposes a minimal gRPC admin surface — standard
// health checking and reflection only — so operators and orchestrators
// can probe a running mechanic process without a custom RPC contract.
package grpcadmin

import (
	"fmt"
	"net"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	"google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// Server wraps a *grpc.Server exposing only health and reflection
// services, deliberately avoiding any custom .proto-generated service:
// the run's actual control surface is the CLI and the archive file, not
// RPC.
type Server struct {
	grpcServer *grpc.Server
	health     *health.Server
}

// New builds the admin gRPC server and registers it as SERVING.
func New() *Server {
	s := grpc.NewServer()
	h := health.NewServer()
	grpc_health_v1.RegisterHealthServer(s, h)
	reflection.Register(s)
	h.SetServingStatus("", grpc_health_v1.HealthCheckResponse_SERVING)
	return &Server{grpcServer: s, health: h}
}

// SetServing updates the overall serving status reported by the health
// service. The run command leaves it at SERVING, including during restart.
func (s *Server) SetServing(serving bool) {
	status := grpc_health_v1.HealthCheckResponse_SERVING
	if !serving {
		status = grpc_health_v1.HealthCheckResponse_NOT_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Serve blocks accepting connections on addr.
func (s *Server) Serve(addr string) error {
	ln, err := net.Listen("tcp", addr)
	if err != nil {
		return fmt.Errorf("grpcadmin: listen %s: %w", addr, err)
	}
	if err := s.grpcServer.Serve(ln); err != nil {
		return fmt.Errorf("grpcadmin: serve: %w", err)
	}
	return nil
}

// Stop gracefully shuts the server down.
func (s *Server) Stop() {
	s.grpcServer.GracefulStop()
}
