package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// HealthFunc reports whether the engine is healthy. A nil error is healthy.
type HealthFunc func() error

// Server provides an HTTP server for Prometheus metrics
type Server struct {
	httpServer *http.Server
	port       int
}

// NewServer creates a metrics HTTP server exposing gatherer on /metrics and
// health on /health
func NewServer(port int, gatherer prometheus.Gatherer, health HealthFunc) *Server {
	if port == 0 {
		port = 9419 // Default AMQP exporter port (registered with Prometheus)
	}

	return &Server{
		httpServer: &http.Server{
			Addr:         fmt.Sprintf(":%d", port),
			Handler:      NewHandler(gatherer, health),
			ReadTimeout:  5 * time.Second,
			WriteTimeout: 10 * time.Second,
			IdleTimeout:  120 * time.Second,
		},
		port: port,
	}
}

// NewHandler builds the metrics and health routes
func NewHandler(gatherer prometheus.Gatherer, health HealthFunc) http.Handler {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(gatherer, promhttp.HandlerOpts{}))

	mux.HandleFunc("/health", func(w http.ResponseWriter, r *http.Request) {
		if health != nil {
			if err := health(); err != nil {
				http.Error(w, err.Error(), http.StatusServiceUnavailable)
				return
			}
		}
		w.WriteHeader(http.StatusOK)
		w.Write([]byte("OK"))
	})

	return mux
}

// Start serves until Stop is called. A clean stop returns nil.
func (s *Server) Start() error {
	err := s.httpServer.ListenAndServe()
	if errors.Is(err, http.ErrServerClosed) {
		return nil
	}
	return err
}

// Stop gracefully stops the metrics HTTP server
func (s *Server) Stop(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

// Port returns the port the metrics server is listening on
func (s *Server) Port() int {
	return s.port
}
