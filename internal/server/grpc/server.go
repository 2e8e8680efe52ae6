// Package grpc exposes the standard gRPC health service so orchestrators can
// tell whether the synthesis backend is usable.
package grpc

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"time"

	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"
)

// CatalogService is the health service name that reflects whether the model
// list could be retrieved from the backend.
const CatalogService = "voxforge.Catalog"

// Server is the gRPC listener.
type Server struct {
	srv    *grpc.Server
	health *health.Server
}

// NewServer creates a server reporting SERVING overall and UNKNOWN for the
// catalog until the first listing.
func NewServer() *Server {
	srv := grpc.NewServer(grpc.ChainUnaryInterceptor(logUnary))
	hs := health.NewServer()

	healthpb.RegisterHealthServer(srv, hs)
	reflection.Register(srv)

	hs.SetServingStatus("", healthpb.HealthCheckResponse_SERVING)
	hs.SetServingStatus(CatalogService, healthpb.HealthCheckResponse_SERVICE_UNKNOWN)

	return &Server{srv: srv, health: hs}
}

// SetCatalogHealth records the outcome of the latest catalog fetch.
func (s *Server) SetCatalogHealth(err error) {
	status := healthpb.HealthCheckResponse_SERVING
	if err != nil {
		status = healthpb.HealthCheckResponse_NOT_SERVING
	}

	s.health.SetServingStatus(CatalogService, status)
}

// Serve accepts connections on l until Stop is called.
func (s *Server) Serve(l net.Listener) error {
	slog.Info("gRPC server listening", "addr", l.Addr().String())

	if err := s.srv.Serve(l); err != nil && !errors.Is(err, grpc.ErrServerStopped) {
		return err
	}

	return nil
}

// Stop drains in-flight calls, forcing a stop when ctx ends first.
func (s *Server) Stop(ctx context.Context) {
	s.health.Shutdown()

	done := make(chan struct{})
	go func() {
		s.srv.GracefulStop()
		close(done)
	}()

	select {
	case <-done:
	case <-ctx.Done():
		s.srv.Stop()
		<-done
	}
}

func logUnary(ctx context.Context, req any, info *grpc.UnaryServerInfo, handler grpc.UnaryHandler) (any, error) {
	start := time.Now()
	resp, err := handler(ctx, req)

	slog.Debug("gRPC call", "method", info.FullMethod, "duration", time.Since(start), "error", err)
	return resp, err
}
