package http

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"voip-server/pkg/errors"
	"voip-server/pkg/metrics"
	"voip-server/pkg/version"

	"github.com/sirupsen/logrus"
)

// ReadinessChecker reports whether the SIP transport can answer calls
type ReadinessChecker interface {
	IsReady() bool
}

// Server represents the HTTP server for health checks and metrics
type Server struct {
	config     *Config
	logger     *logrus.Logger
	httpServer *http.Server
	mux        *http.ServeMux
	sip        ReadinessChecker
	startTime  time.Time
}

// NewServer creates a new HTTP server instance. sip may be nil, in which
// case the service never reports ready.
func NewServer(logger *logrus.Logger, config *Config, sip ReadinessChecker) *Server {
	if config == nil {
		config = DefaultConfig()
	}
	if config.MetricsPath == "" {
		config.MetricsPath = "/metrics"
	}

	server := &Server{
		config:    config,
		logger:    logger,
		sip:       sip,
		startTime: time.Now(),
		mux:       http.NewServeMux(),
	}

	server.mux.HandleFunc("/health", server.HealthHandler)
	server.mux.HandleFunc("/health/live", server.LivenessHandler)
	server.mux.HandleFunc("/health/ready", server.ReadinessHandler)

	if config.EnableMetrics && metrics.IsMetricsEnabled() {
		metrics.SetMetricsPath(config.MetricsPath)
		metrics.RegisterHandler(server.mux)
		logger.WithField("path", config.MetricsPath).Info("Prometheus metrics endpoint enabled")
	} else {
		logger.Info("Metrics endpoint disabled")
	}

	server.httpServer = &http.Server{
		Addr:         fmt.Sprintf(":%d", config.Port),
		Handler:      addServerHeader(server.mux),
		ReadTimeout:  config.ReadTimeout,
		WriteTimeout: config.WriteTimeout,
	}

	return server
}

func addServerHeader(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Server", version.ServerHeader())
		next.ServeHTTP(w, r)
	})
}

// Handler returns the root handler, for embedding and tests
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the port and serves in a goroutine. A bind failure is
// returned rather than logged so the caller can abort startup.
func (s *Server) Start() error {
	listener, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return errors.Wrap(err, "failed to bind HTTP server", map[string]interface{}{
			"port": s.config.Port,
		})
	}

	s.logger.WithField("address", listener.Addr().String()).Info("HTTP server listening")

	go func() {
		if err := s.httpServer.Serve(listener); err != nil && err != http.ErrServerClosed {
			s.logger.WithError(err).Error("HTTP server failed")
		}
	}()

	return nil
}

// Shutdown gracefully shuts down the HTTP server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server...")
	return s.httpServer.Shutdown(ctx)
}

// ErrorResponse sends a standardized error response
func (s *Server) ErrorResponse(w http.ResponseWriter, err error) {
	errors.WriteError(w, err)
	s.logger.WithError(err).Warn("HTTP error response sent")
}
