// Package health exposes the bus connectivity of the node through the
// standard gRPC health service.
package health

import (
	"context"
	"fmt"
	"log/slog"
	"net"
	"time"

	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	grpc_health_v1 "google.golang.org/grpc/health/grpc_health_v1"

	"github.com/d1nch8g/avsim-mixer/bus"
)

// ServiceName is the health service name reported next to the overall status.
const ServiceName = "avsim.mixer"

// Server serves grpc.health.v1.Health for the mixer.
type Server struct {
	listener   net.Listener
	grpcServer *grpc.Server
	health     *health.Server
	logger     *slog.Logger
}

// Listen binds addr and registers the health service. The status starts as
// NOT_SERVING until Observe reports a connected bus.
func Listen(addr string, logger *slog.Logger) (*Server, error) {
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return nil, fmt.Errorf("listen on %s: %w", addr, err)
	}
	if logger == nil {
		logger = slog.Default()
	}

	grpcServer := grpc.NewServer(grpc.StatsHandler(otelgrpc.NewServerHandler()))
	healthServer := health.NewServer()
	grpc_health_v1.RegisterHealthServer(grpcServer, healthServer)

	s := &Server{
		listener:   listener,
		grpcServer: grpcServer,
		health:     healthServer,
		logger:     logger.With("component", "health"),
	}
	s.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
	return s, nil
}

// Addr returns the listener address.
func (s *Server) Addr() string {
	return s.listener.Addr().String()
}

// Observe maps a bus state onto the serving status.
func (s *Server) Observe(state bus.State) {
	if state.Status == bus.StatusConnected {
		s.set(grpc_health_v1.HealthCheckResponse_SERVING)
		return
	}
	s.set(grpc_health_v1.HealthCheckResponse_NOT_SERVING)
}

func (s *Server) set(status grpc_health_v1.HealthCheckResponse_ServingStatus) {
	s.health.SetServingStatus("", status)
	s.health.SetServingStatus(ServiceName, status)
	s.logger.Debug("health status updated", "status", status.String())
}

// Serve blocks until ctx ends or the server fails.
func (s *Server) Serve(ctx context.Context) error {
	serveErr := make(chan error, 1)
	go func() {
		serveErr <- s.grpcServer.Serve(s.listener)
	}()

	select {
	case <-ctx.Done():
		s.stop()
		<-serveErr
		return nil
	case err := <-serveErr:
		return err
	}
}

func (s *Server) stop() {
	s.health.Shutdown()

	stopped := make(chan struct{})
	go func() {
		s.grpcServer.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-time.After(2 * time.Second):
		s.grpcServer.Stop()
	}
}
