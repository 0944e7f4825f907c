// Package status exposes metrics and health of a running job over HTTP and,
// optionally, gRPC.
package status

import (
	"context"
	"fmt"
	"log"
	"net"
	"net/http"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"go.opentelemetry.io/contrib/instrumentation/google.golang.org/grpc/otelgrpc"
	"go.uber.org/multierr"
	"google.golang.org/grpc"
	"google.golang.org/grpc/health"
	healthpb "google.golang.org/grpc/health/grpc_health_v1"
	"google.golang.org/grpc/reflection"

	"github.com/SyedDaiam9101/infer-workers/internal/metrics"
	"github.com/SyedDaiam9101/infer-workers/internal/middleware"
)

// Options selects which listeners to start. A zero port disables it.
type Options struct {
	ServiceName string
	RunID       string
	HTTPPort    int
	GRPCPort    int
	Tracing     bool
}

// Server owns the health state and the optional listeners.
type Server struct {
	opts   Options
	health *health.Server
	http   *http.Server
	grpc   *grpc.Server
}

// New creates a Server reporting NOT_SERVING until SetServing is called.
func New(opts Options) *Server {
	s := &Server{opts: opts, health: health.NewServer()}
	s.SetNotServing()
	return s
}

// Start opens the configured listeners.
func (s *Server) Start() error {
	if s.opts.HTTPPort > 0 {
		addr := fmt.Sprintf(":%d", s.opts.HTTPPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}
		s.http = &http.Server{Handler: s.Handler()}
		go func() {
			log.Printf("HTTP status server listening on %s (metrics, health)", addr)
			if err := s.http.Serve(lis); err != nil && err != http.ErrServerClosed {
				log.Printf("HTTP server error: %v", err)
			}
		}()
	}

	if s.opts.GRPCPort > 0 {
		addr := fmt.Sprintf(":%d", s.opts.GRPCPort)
		lis, err := net.Listen("tcp", addr)
		if err != nil {
			return fmt.Errorf("failed to listen on %s: %w", addr, err)
		}

		serverOpts := []grpc.ServerOption{
			grpc.ChainUnaryInterceptor(
				middleware.UnaryRunIDInterceptor(s.opts.RunID),
				middleware.UnaryMetricsInterceptor(),
			),
		}
		if s.opts.Tracing {
			serverOpts = append(serverOpts, grpc.StatsHandler(otelgrpc.NewServerHandler()))
		}
		s.grpc = grpc.NewServer(serverOpts...)
		healthpb.RegisterHealthServer(s.grpc, s.health)
		reflection.Register(s.grpc)

		go func() {
			log.Printf("gRPC status server listening on %s", addr)
			if err := s.grpc.Serve(lis); err != nil {
				log.Printf("gRPC server error: %v", err)
			}
		}()
	}
	return nil
}

// Handler serves /metrics, /healthz and /readyz.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	// Prometheus metrics endpoint
	mux.Handle("/metrics", promhttp.Handler())

	// Health check endpoint
	mux.HandleFunc("/healthz", func(w http.ResponseWriter, r *http.Request) {
		s.writeStatus(w, r, "OK", "Service Unavailable")
	})

	// Readiness: serving only while workers are running
	mux.HandleFunc("/readyz", func(w http.ResponseWriter, r *http.Request) {
		s.writeStatus(w, r, "Ready", "Not Ready")
	})

	return mux
}

func (s *Server) writeStatus(w http.ResponseWriter, r *http.Request, ok, notOK string) {
	resp, err := s.health.Check(r.Context(), &healthpb.HealthCheckRequest{})
	if err != nil || resp.Status != healthpb.HealthCheckResponse_SERVING {
		w.WriteHeader(http.StatusServiceUnavailable)
		w.Write([]byte(notOK))
		return
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte(ok))
}

// SetServing marks the runner healthy.
func (s *Server) SetServing() {
	s.health.SetServingStatus(s.opts.ServiceName, healthpb.HealthCheckResponse_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_SERVING) // Overall health
	metrics.SetHealthy()
}

// SetNotServing marks the runner unhealthy.
func (s *Server) SetNotServing() {
	s.health.SetServingStatus(s.opts.ServiceName, healthpb.HealthCheckResponse_NOT_SERVING)
	s.health.SetServingStatus("", healthpb.HealthCheckResponse_NOT_SERVING)
	metrics.SetUnhealthy()
}

// Shutdown stops the listeners.
func (s *Server) Shutdown(ctx context.Context) error {
	s.SetNotServing()
	s.health.Shutdown()

	var err error
	if s.grpc != nil {
		s.grpc.GracefulStop()
	}
	if s.http != nil {
		err = multierr.Append(err, s.http.Shutdown(ctx))
	}
	return err
}
