package http

import (
	"context"
	"crypto/tls"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/collectors"
	"github.com/prometheus/client_golang/prometheus/promhttp"
)

// DefaultAddr listens on localhost only.
const DefaultAddr = "127.0.0.1:8080"

// Server serves the MCP endpoint, the admin API, health and metrics on
// one listener.
type Server struct {
	addr            string
	certFile        string
	keyFile         string
	allowedOrigins  []string
	trustProxy      bool
	shutdownTimeout time.Duration
	logger          *slog.Logger

	mcpHandler http.Handler
	apiHandler http.Handler
	health     *HealthChecker
	registry   *prometheus.Registry
	metrics    *Metrics

	server     *http.Server
	cancelBase context.CancelFunc
}

// Option configures a Server.
type Option func(*Server)

// WithAddr sets the listen address. Default is DefaultAddr.
func WithAddr(addr string) Option {
	return func(s *Server) {
		s.addr = addr
	}
}

// WithTLS enables TLS 1.2+ with the given certificate and key files.
func WithTLS(certFile, keyFile string) Option {
	return func(s *Server) {
		s.certFile = certFile
		s.keyFile = keyFile
	}
}

// WithAllowedOrigins sets the Origin allowlist for DNS rebinding protection.
func WithAllowedOrigins(origins []string) Option {
	return func(s *Server) {
		s.allowedOrigins = origins
	}
}

// WithTrustProxy makes client IPs come from X-Forwarded-For / X-Real-IP.
func WithTrustProxy(trust bool) Option {
	return func(s *Server) {
		s.trustProxy = trust
	}
}

// WithShutdownTimeout bounds graceful shutdown. Default is 10s.
func WithShutdownTimeout(d time.Duration) Option {
	return func(s *Server) {
		s.shutdownTimeout = d
	}
}

// WithLogger sets the logger.
func WithLogger(logger *slog.Logger) Option {
	return func(s *Server) {
		s.logger = logger
	}
}

// WithMCPHandler mounts h at /mcp.
func WithMCPHandler(h http.Handler) Option {
	return func(s *Server) {
		s.mcpHandler = h
	}
}

// WithAPIHandler mounts h at /api/.
func WithAPIHandler(h http.Handler) Option {
	return func(s *Server) {
		s.apiHandler = h
	}
}

// WithHealthChecker serves hc at /health.
func WithHealthChecker(hc *HealthChecker) Option {
	return func(s *Server) {
		s.health = hc
	}
}

// NewServer creates a Server. metrics must be registered on reg.
func NewServer(reg *prometheus.Registry, metrics *Metrics, opts ...Option) *Server {
	s := &Server{
		addr:            DefaultAddr,
		allowedOrigins:  []string{},
		shutdownTimeout: 10 * time.Second,
		logger:          slog.Default(),
		registry:        reg,
		metrics:         metrics,
	}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

// NewRegistry returns a registry with the Go and process collectors.
func NewRegistry() *prometheus.Registry {
	reg := prometheus.NewRegistry()
	reg.MustRegister(
		collectors.NewGoCollector(),
		collectors.NewProcessCollector(collectors.ProcessCollectorOpts{}),
	)
	return reg
}

// Handler builds the routed handler with the middleware chain.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()

	if s.health != nil {
		mux.Handle("/health", s.health.Handler())
	} else {
		mux.Handle("/health", healthHandler())
	}
	mux.Handle("/metrics", promhttp.HandlerFor(s.registry, promhttp.HandlerOpts{Registry: s.registry}))
	mux.Handle("/favicon.ico", http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	}))

	protect := DNSRebindingProtection(s.allowedOrigins)
	if s.mcpHandler != nil {
		h := protect(s.mcpHandler)
		mux.Handle("/mcp", h)
		mux.Handle("/mcp/", h)
	}
	if s.apiHandler != nil {
		mux.Handle("/api/", protect(s.apiHandler))
	}

	var handler http.Handler = mux
	handler = RealIPMiddleware(s.trustProxy)(handler)
	handler = RequestIDMiddleware(s.logger)(handler)
	if s.metrics != nil {
		handler = MetricsMiddleware(s.metrics)(handler)
	}
	return handler
}

// Start serves until ctx is cancelled or the listener fails.
func (s *Server) Start(ctx context.Context) error {
	// Request contexts derive from base so shutdown can end SSE streams
	// and pending review waits.
	base, cancelBase := context.WithCancel(context.Background())
	s.cancelBase = cancelBase
	s.server = &http.Server{
		Addr:              s.addr,
		Handler:           s.Handler(),
		ReadHeaderTimeout: 10 * time.Second,
		BaseContext:       func(net.Listener) context.Context { return base },
		// No write timeout: review requests and SSE streams stay open.
	}
	tlsEnabled := s.certFile != "" && s.keyFile != ""
	if tlsEnabled {
		s.server.TLSConfig = &tls.Config{MinVersion: tls.VersionTLS12}
	}

	errCh := make(chan error, 1)
	go func() {
		var err error
		if tlsEnabled {
			s.logger.Info("starting HTTPS server", "addr", s.addr)
			err = s.server.ListenAndServeTLS(s.certFile, s.keyFile)
		} else {
			s.logger.Info("starting HTTP server", "addr", s.addr)
			err = s.server.ListenAndServe()
		}
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("context cancelled, shutting down HTTP server")
		return s.shutdown()
	case err := <-errCh:
		cancelBase()
		return err
	}
}

func (s *Server) shutdown() error {
	ctx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
	defer cancel()

	s.cancelBase()
	if err := s.server.Shutdown(ctx); err != nil {
		s.logger.Error("error during server shutdown", "error", err)
		return err
	}
	s.logger.Info("HTTP server shutdown complete")
	return nil
}

func healthHandler() http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{"status":"healthy"}`))
	})
}
