// Package api provides the HTTP surface of the quality measurement service.
package api

import (
	"context"
	"errors"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/vqmeter/vqmeter/internal/config"
	"github.com/vqmeter/vqmeter/internal/health"
)

// Server configuration constants
const (
	ReadTimeout       = 30 * time.Second
	ReadHeaderTimeout = 10 * time.Second
	WriteTimeout      = 300 * time.Second
	IdleTimeout       = 120 * time.Second
	MaxHeaderBytes    = 1 << 20 // 1 MB
)

// Server is the HTTP server for the API.
type Server struct {
	httpServer    *http.Server
	cfg           *config.Config
	log           *slog.Logger
	healthChecker *health.Checker
}

// ServerConfig holds dependencies for the server.
type ServerConfig struct {
	Config        *config.Config
	Logger        *slog.Logger
	Handlers      *Handlers
	HealthChecker *health.Checker
}

// NewServer creates the API server and wires all routes.
func NewServer(cfg *ServerConfig) (*Server, error) {
	h := cfg.Handlers

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", cfg.HealthChecker.Handler())
	mux.HandleFunc("GET /health/deep", cfg.HealthChecker.DeepHandler())

	// Uploads
	mux.HandleFunc("POST /api/upload/chunk", h.UploadChunkHandler)
	mux.HandleFunc("POST /api/upload/complete", h.CompleteUploadHandler)
	mux.HandleFunc("GET /api/upload/{key}/progress", h.UploadProgressHandler)

	// Assets
	mux.HandleFunc("POST /api/videos", h.SimpleUploadHandler)
	mux.HandleFunc("GET /api/videos", h.ListVideosHandler)
	mux.HandleFunc("GET /api/videos/{id}", h.GetVideoHandler)

	// Jobs
	mux.HandleFunc("POST /api/jobs", h.CreateJobHandler)
	mux.HandleFunc("GET /api/jobs", h.ListJobsHandler)
	mux.HandleFunc("GET /api/jobs/{id}", h.GetJobHandler)
	mux.HandleFunc("POST /api/jobs/{id}/start", h.StartJobHandler)
	mux.HandleFunc("POST /api/jobs/{id}/cancel", h.CancelJobHandler)
	mux.HandleFunc("GET /api/jobs/{id}/units", h.ListUnitsHandler)
	mux.HandleFunc("GET /api/jobs/{id}/statistics", h.JobStatisticsHandler)
	mux.HandleFunc("GET /api/jobs/{id}/problem-units", h.ProblemUnitsHandler)
	mux.HandleFunc("POST /api/jobs/{id}/report", h.JobReportHandler)

	// Batches
	mux.HandleFunc("POST /api/batches", h.CreateBatchHandler)
	mux.HandleFunc("GET /api/batches/{id}", h.BatchStatusHandler)
	mux.HandleFunc("POST /api/batches/{id}/report", h.BatchReportHandler)

	// Metrics endpoint (internal only)
	mux.Handle("GET /metrics", internalOnlyMiddleware(promhttp.Handler()))

	handler := CORSMiddleware(cfg.Config.CORS.AllowedOrigins)(mux)

	httpServer := &http.Server{
		Addr:              ":" + cfg.Config.API.Port,
		Handler:           handler,
		ReadTimeout:       ReadTimeout,
		ReadHeaderTimeout: ReadHeaderTimeout,
		WriteTimeout:      WriteTimeout,
		IdleTimeout:       IdleTimeout,
		MaxHeaderBytes:    MaxHeaderBytes,
	}

	return &Server{
		httpServer:    httpServer,
		cfg:           cfg.Config,
		log:           cfg.Logger,
		healthChecker: cfg.HealthChecker,
	}, nil
}

// Start starts the HTTP server.
func (s *Server) Start() error {
	s.log.Info("Starting API server", "port", s.cfg.API.Port)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("Shutting down API server...")
	return s.httpServer.Shutdown(ctx)
}

// Private networks for internal-only middleware
var privateNetworks = []net.IPNet{
	{IP: net.ParseIP("10.0.0.0"), Mask: net.CIDRMask(8, 32)},
	{IP: net.ParseIP("172.16.0.0"), Mask: net.CIDRMask(12, 32)},
	{IP: net.ParseIP("192.168.0.0"), Mask: net.CIDRMask(16, 32)},
	{IP: net.ParseIP("127.0.0.0"), Mask: net.CIDRMask(8, 32)},
}

// internalOnlyMiddleware restricts access to internal networks.
func internalOnlyMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		// Deny if X-Forwarded-For is present (came through load balancer)
		if r.Header.Get("X-Forwarded-For") != "" {
			http.Error(w, "Forbidden", http.StatusForbidden)
			return
		}

		if isInternalRequest(r.RemoteAddr) {
			next.ServeHTTP(w, r)
			return
		}

		http.Error(w, "Forbidden", http.StatusForbidden)
	})
}

// isInternalRequest checks if the request is from an internal network.
func isInternalRequest(remoteAddr string) bool {
	host, _, err := net.SplitHostPort(remoteAddr)
	if err != nil {
		return false
	}

	ip := net.ParseIP(host)
	if ip == nil {
		return false
	}

	for _, network := range privateNetworks {
		if network.Contains(ip) {
			return true
		}
	}
	return ip.IsLoopback()
}
