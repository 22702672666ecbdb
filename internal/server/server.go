package server

import (
	"context"
	"crypto/tls"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"golang.org/x/time/rate"

	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/handler"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/health"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/logging"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/metrics"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/profiling"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/internal/worker"
	"github.com/therealutkarshpriyadarshi/accesslog-firehose/pkg/types"
)

// Server exposes the transformer over HTTP for local runs
type Server struct {
	httpServer *http.Server
	handler    *handler.Handler
	limiter    *rate.Limiter
	metrics    *metrics.Collector
	logger     *logging.Logger
	maxBody    int64
	tls        *tls.Config
}

// Config holds server configuration
type Config struct {
	Address         string
	TransformPath   string
	MetricsPath     string
	LivenessPath    string
	ReadinessPath   string
	RateLimit       int // requests per second, 0 disables
	MaxBodySize     int64
	EnablePprof     bool
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	Handler         *handler.Handler
	MetricsRegistry *prometheus.Registry
	Metrics         *metrics.Collector
	HealthChecker   *health.Checker
	Pool            *worker.WorkerPool // reported on /debug/stats
	TLS             *tls.Config        // nil serves plain HTTP
	Logger          *logging.Logger
}

// New creates a new server
func New(cfg Config) *Server {
	if cfg.TransformPath == "" {
		cfg.TransformPath = "/transform"
	}
	if cfg.MetricsPath == "" {
		cfg.MetricsPath = "/metrics"
	}
	if cfg.LivenessPath == "" {
		cfg.LivenessPath = "/health/live"
	}
	if cfg.ReadinessPath == "" {
		cfg.ReadinessPath = "/health/ready"
	}
	if cfg.ReadTimeout == 0 {
		cfg.ReadTimeout = 10 * time.Second
	}
	if cfg.WriteTimeout == 0 {
		cfg.WriteTimeout = 30 * time.Second
	}
	if cfg.Handler == nil {
		cfg.Handler = handler.New(handler.Config{Metrics: cfg.Metrics, Logger: cfg.Logger})
	}
	if cfg.HealthChecker == nil {
		cfg.HealthChecker = health.NewChecker(0)
	}
	if cfg.Logger == nil {
		cfg.Logger = logging.Nop()
	}

	s := &Server{
		handler: cfg.Handler,
		metrics: cfg.Metrics,
		logger:  cfg.Logger.WithComponent("server"),
		maxBody: cfg.MaxBodySize,
		tls:     cfg.TLS,
	}

	if cfg.RateLimit > 0 {
		s.limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), cfg.RateLimit)
	}

	mux := http.NewServeMux()
	mux.HandleFunc(cfg.TransformPath, s.handleTransform)
	mux.HandleFunc(cfg.LivenessPath, cfg.HealthChecker.LivenessHandler())
	mux.HandleFunc(cfg.ReadinessPath, cfg.HealthChecker.ReadinessHandler())

	if cfg.MetricsRegistry != nil {
		mux.Handle(cfg.MetricsPath, promhttp.HandlerFor(
			cfg.MetricsRegistry,
			promhttp.HandlerOpts{
				EnableOpenMetrics: true,
			},
		))
	}

	if cfg.EnablePprof {
		profiling.Mount(mux, cfg.Pool)
	}

	s.httpServer = &http.Server{
		Addr:         cfg.Address,
		Handler:      mux,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
	}

	return s
}

// Handler returns the root HTTP handler
func (s *Server) Handler() http.Handler {
	return s.httpServer.Handler
}

// Start binds the listen address and serves in the background
func (s *Server) Start() error {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return fmt.Errorf("failed to listen on %s: %w", s.httpServer.Addr, err)
	}
	if s.tls != nil {
		ln = tls.NewListener(ln, s.tls)
	}

	s.logger.Info().
		Str("address", ln.Addr().String()).
		Bool("tls", s.tls != nil).
		Msg("Starting transform server")

	go func() {
		if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			s.logger.Error().Err(err).Msg("Transform server error")
		}
	}()

	return nil
}

// Stop gracefully shuts down the server
func (s *Server) Stop(ctx context.Context) error {
	s.logger.Info().Msg("Shutting down transform server")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		s.logger.Error().Err(err).Msg("Error shutting down transform server")
		return err
	}
	return nil
}

// handleTransform accepts a Firehose transformation event as JSON
func (s *Server) handleTransform(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", http.MethodPost)
		s.reject(w, http.StatusMethodNotAllowed, "method", "method not allowed")
		return
	}

	if s.limiter != nil && !s.limiter.Allow() {
		s.reject(w, http.StatusTooManyRequests, "rate_limited", "rate limit exceeded")
		return
	}

	body := r.Body
	if s.maxBody > 0 {
		body = http.MaxBytesReader(w, r.Body, s.maxBody)
	}

	var event types.FirehoseEvent
	if err := json.NewDecoder(body).Decode(&event); err != nil {
		var maxErr *http.MaxBytesError
		if errors.As(err, &maxErr) {
			s.reject(w, http.StatusRequestEntityTooLarge, "too_large", "request body too large")
			return
		}
		s.reject(w, http.StatusBadRequest, "malformed", fmt.Sprintf("invalid event: %v", err))
		return
	}

	if event.InvocationID == "" {
		event.InvocationID = uuid.NewString()
	}

	result := s.handler.Invoke(r.Context(), handler.SourceHTTP, event)

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("X-Invocation-Id", event.InvocationID)
	enc := json.NewEncoder(w)
	enc.SetEscapeHTML(false)
	if err := enc.Encode(result); err != nil {
		s.logger.Error().Err(err).Msg("Failed to write response")
	}
}

func (s *Server) reject(w http.ResponseWriter, status int, reason, message string) {
	if s.metrics != nil {
		s.metrics.InvocationRejects.WithLabelValues(reason).Inc()
	}
	s.logger.Warn().
		Int("status", status).
		Str("reason", reason).
		Msg("Rejected invocation")
	http.Error(w, message, status)
}
