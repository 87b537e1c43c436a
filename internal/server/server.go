// Package server runs the HTTP API and the gRPC health service on a single
// listener, split by cmux on the connection preface.
package server

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/soheilhy/cmux"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
)

// ShutdownTimeout bounds how long in-flight requests get to finish.
const ShutdownTimeout = 20 * time.Second

// Server owns the HTTP server, the gRPC server and the health status.
type Server struct {
	http   *http.Server
	grpc   *grpc.Server
	health *health.Server
	logger *slog.Logger
}

func New(handler http.Handler, logger *slog.Logger) *Server {
	hs := health.NewServer()
	gs := grpc.NewServer()
	healthpb.RegisterHealthServer(gs, hs)

	return &Server{
		http: &http.Server{
			Handler:      handler,
			ReadTimeout:  15 * time.Second,
			WriteTimeout: 60 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		grpc:   gs,
		health: hs,
		logger: logger,
	}
}

// SetServing flips the overall gRPC health status.
func (s *Server) SetServing(serving bool) {
	status := healthpb.HealthCheckResponse_NOT_SERVING
	if serving {
		status = healthpb.HealthCheckResponse_SERVING
	}
	s.health.SetServingStatus("", status)
}

// Serve accepts connections on l until ctx is cancelled, then shuts both
// protocols down gracefully. It returns nil after a clean shutdown.
func (s *Server) Serve(ctx context.Context, l net.Listener) error {
	m := cmux.New(l)
	grpcL := m.MatchWithWriters(cmux.HTTP2MatchHeaderFieldSendSettings("content-type", "application/grpc"))
	httpL := m.Match(cmux.Any())

	errc := make(chan error, 3)
	go func() {
		if err := s.grpc.Serve(grpcL); err != nil && !isClosed(err) {
			errc <- fmt.Errorf("grpc: %w", err)
		}
	}()
	go func() {
		if err := s.http.Serve(httpL); err != nil && !isClosed(err) {
			errc <- fmt.Errorf("http: %w", err)
		}
	}()
	go func() {
		if err := m.Serve(); err != nil && !isClosed(err) {
			errc <- fmt.Errorf("cmux: %w", err)
		}
	}()

	s.SetServing(true)
	s.logger.Info("server listening", "addr", l.Addr().String())

	var serveErr error
	select {
	case <-ctx.Done():
		s.logger.Info("shutdown signal received")
	case serveErr = <-errc:
		s.logger.Error("server failed", "error", serveErr)
	}

	s.health.Shutdown()

	shutdownCtx, cancel := context.WithTimeout(context.Background(), ShutdownTimeout)
	defer cancel()

	err := s.http.Shutdown(shutdownCtx)

	stopped := make(chan struct{})
	go func() {
		s.grpc.GracefulStop()
		close(stopped)
	}()
	select {
	case <-stopped:
	case <-shutdownCtx.Done():
		s.grpc.Stop()
	}

	m.Close()

	if serveErr != nil {
		return serveErr
	}
	if err != nil {
		return fmt.Errorf("server shutdown: %w", err)
	}
	return nil
}

func isClosed(err error) bool {
	return errors.Is(err, http.ErrServerClosed) ||
		errors.Is(err, grpc.ErrServerStopped) ||
		errors.Is(err, cmux.ErrListenerClosed) ||
		errors.Is(err, cmux.ErrServerClosed) ||
		errors.Is(err, net.ErrClosed)
}
