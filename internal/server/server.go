// Package server hosts the worker API: health probes, the job API the
// remote client talks to, and the upload-session protocol.
package server

import (
	"context"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	apperrors "github.com/3leaps/gotuner/internal/errors"
	"github.com/3leaps/gotuner/internal/server/handlers"
	"github.com/3leaps/gotuner/internal/server/middleware"
)

// Server wraps the router and its http.Server.
type Server struct {
	host string
	port int

	apiKey    string
	limiter   *rate.Limiter
	jobs      handlers.JobQueue
	uploadDir string
	publicURL string
	uploads   *handlers.UploadsHandler
	version   handlers.VersionInfo
	logger    *zap.Logger
	timeouts  Timeouts
	router    chi.Router
	http      *http.Server
	boundAddr string
}

// Timeouts are the http.Server timeouts.
type Timeouts struct {
	Read  time.Duration
	Write time.Duration
	Idle  time.Duration
}

// Option configures a Server.
type Option func(*Server)

// WithAPIKey protects the /v2 routes with a bearer key.
func WithAPIKey(key string) Option {
	return func(s *Server) { s.apiKey = key }
}

// WithRateLimit limits /v2 requests to rps with the given burst. rps <= 0
// disables limiting.
func WithRateLimit(rps float64, burst int) Option {
	return func(s *Server) {
		if rps > 0 {
			if burst < 1 {
				burst = 1
			}
			s.limiter = rate.NewLimiter(rate.Limit(rps), burst)
		}
	}
}

// WithJobs mounts the job API backed by q.
func WithJobs(q handlers.JobQueue) Option {
	return func(s *Server) { s.jobs = q }
}

// WithUploads mounts the upload-session API storing files under dir.
func WithUploads(dir, publicURL string) Option {
	return func(s *Server) {
		s.uploadDir = dir
		s.publicURL = publicURL
	}
}

func WithVersion(info handlers.VersionInfo) Option {
	return func(s *Server) { s.version = info }
}

func WithLogger(l *zap.Logger) Option {
	return func(s *Server) {
		if l != nil {
			s.logger = l
		}
	}
}

func WithTimeouts(t Timeouts) Option {
	return func(s *Server) { s.timeouts = t }
}

// New builds a Server listening on host:port.
func New(host string, port int, opts ...Option) *Server {
	s := &Server{
		host:     host,
		port:     port,
		logger:   zap.NewNop(),
		version:  handlers.VersionInfo{Version: "dev"},
		timeouts: Timeouts{Idle: 120 * time.Second},
	}
	for _, opt := range opts {
		opt(s)
	}
	if s.uploadDir != "" {
		s.uploads = handlers.NewUploadsHandler(s.uploadDir, s.publicURL, s.logger)
	}
	s.router = s.routes()
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery)
	r.Use(middleware.Logger(s.logger))

	r.NotFound(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewNotFound("route not found"))
	})
	r.MethodNotAllowed(func(w http.ResponseWriter, r *http.Request) {
		apperrors.RespondWithError(w, r, apperrors.NewMethodNotAllowed("method not allowed"))
	})

	r.Get("/health", handlers.HealthHandler)
	r.Get("/health/live", handlers.LivenessHandler)
	r.Get("/health/ready", handlers.ReadinessHandler)
	r.Get("/health/startup", handlers.StartupHandler)
	r.Get("/version", handlers.VersionHandler(s.version))

	if s.uploads != nil {
		// Fetched by the worker itself when acquiring an uploaded dataset.
		r.Get("/files/uploads/{session}/{file}", s.uploads.Serve)
	}

	r.Route("/v2", func(r chi.Router) {
		r.Use(middleware.APIKey(s.apiKey))
		r.Use(middleware.RateLimit(s.limiter))

		if s.uploads != nil {
			r.Post("/upload/createSession", s.uploads.CreateSession)
			r.Post("/upload/{session}", s.uploads.Upload)
			r.Get("/upload/{session}/{file}", s.uploads.FileURL)
		}
		if s.jobs != nil {
			jobs := handlers.NewJobsHandler(s.jobs)
			r.Post("/{endpoint}/run", jobs.Run)
			r.Post("/{endpoint}/runsync", jobs.RunSync)
			r.Get("/{endpoint}/status/{id}", jobs.Status)
		}
	})
	return r
}

// Handler returns the root handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the bound address once Start has listened, else the
// configured one.
func (s *Server) Addr() string {
	if s.boundAddr != "" {
		return s.boundAddr
	}
	return net.JoinHostPort(s.host, strconv.Itoa(s.port))
}

// Start listens and serves until Shutdown. It returns nil after a clean
// shutdown. ready, if non-nil, is closed once the listener is bound.
func (s *Server) Start(ready chan<- struct{}) error {
	ln, err := net.Listen("tcp", net.JoinHostPort(s.host, strconv.Itoa(s.port)))
	if err != nil {
		return fmt.Errorf("listen: %w", err)
	}
	s.boundAddr = ln.Addr().String()
	s.http = &http.Server{
		Handler:           s.router,
		ReadTimeout:       s.timeouts.Read,
		ReadHeaderTimeout: 10 * time.Second,
		WriteTimeout:      s.timeouts.Write,
		IdleTimeout:       s.timeouts.Idle,
	}
	s.logger.Info("server listening", zap.String("addr", s.boundAddr))
	if ready != nil {
		close(ready)
	}
	if err := s.http.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown stops accepting requests and waits for in-flight ones.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.http == nil {
		return nil
	}
	return s.http.Shutdown(ctx)
}
