// Package server provides the HTTP server of the message log: the message
// intake and lookup API plus health, metrics and job diagnostics
package server

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"go.uber.org/zap"

	"github.com/msglog-engine/go-core/internal/config"
	"github.com/msglog-engine/go-core/internal/jobs"
	"github.com/msglog-engine/go-core/internal/logmanager"
	"github.com/msglog-engine/go-core/internal/metrics"
)

// TimestampingStatus reports the time-stamping health
type TimestampingStatus interface {
	Status() logmanager.Status
}

// JobStatus reports the state of the supervised workers
type JobStatus interface {
	Status() map[string]jobs.WorkerStatus
}

// Options wires the server's data sources. Nil sources disable their routes.
type Options struct {
	Config       config.ServerConfig
	Health       *HealthHandler
	Messages     MessageLog
	Timestamping TimestampingStatus
	Jobs         JobStatus
	Metrics      metrics.Metrics
	Logger       *zap.Logger
}

// Server is the message log HTTP server
type Server struct {
	router     *mux.Router
	httpServer *http.Server
	opts       Options
	logger     *zap.Logger
}

// ErrorResponse is the body of failed requests
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code,omitempty"`
}

// New creates the HTTP server
func New(opts Options) *Server {
	if opts.Logger == nil {
		opts.Logger = zap.NewNop()
	}
	if opts.Health == nil {
		opts.Health = NewHealthHandler(nil, opts.Logger)
	}

	s := &Server{
		router: mux.NewRouter(),
		opts:   opts,
		logger: opts.Logger,
	}
	s.registerRoutes()

	s.httpServer = &http.Server{
		Addr:         opts.Config.Addr,
		Handler:      s.router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) registerRoutes() {
	s.router.Use(s.loggingMiddleware)
	s.router.Use(s.recoveryMiddleware)

	s.router.HandleFunc("/health", s.opts.Health.Health).Methods("GET")
	s.router.HandleFunc("/health/ready", s.opts.Health.Ready).Methods("GET")

	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", s.opts.Metrics.HTTPHandler()).Methods("GET")
	}

	v1 := s.router.PathPrefix("/v1").Subrouter()
	if s.opts.Messages != nil {
		v1.HandleFunc("/messages", s.logMessageHandler).Methods("POST")
		v1.HandleFunc("/messages", s.findMessageHandler).Methods("GET")
		v1.HandleFunc("/messages/{id:[0-9]+}/timestamp", s.timestampMessageHandler).Methods("POST")
	}
	if s.opts.Timestamping != nil {
		v1.HandleFunc("/timestamping/status", s.timestampingStatusHandler).Methods("GET")
	}
	if s.opts.Jobs != nil {
		v1.HandleFunc("/jobs", s.jobsHandler).Methods("GET")
	}
}

// Start serves until Shutdown is called
func (s *Server) Start() error {
	s.logger.Info("Starting HTTP server", zap.String("addr", s.opts.Config.Addr))
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully shuts down the server
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("Shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}

// ServeHTTP implements http.Handler
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

func (s *Server) timestampingStatusHandler(w http.ResponseWriter, r *http.Request) {
	status := s.opts.Timestamping.Status()
	code := http.StatusOK
	if status.Failing {
		code = http.StatusServiceUnavailable
	}
	writeJSON(w, code, status)
}

func (s *Server) jobsHandler(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, s.opts.Jobs.Status())
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		wrapped := &responseWriter{ResponseWriter: w, statusCode: http.StatusOK}

		next.ServeHTTP(wrapped, r)

		s.logger.Debug("HTTP request",
			zap.String("method", r.Method),
			zap.String("path", r.URL.Path),
			zap.Int("status", wrapped.statusCode),
			zap.Duration("duration", time.Since(start)),
			zap.String("remote_addr", r.RemoteAddr),
		)
	})
}

// recoveryMiddleware recovers from panics
func (s *Server) recoveryMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				s.logger.Error("Panic recovered",
					zap.Any("error", err),
					zap.String("method", r.Method),
					zap.String("path", r.URL.Path),
				)
				writeJSON(w, http.StatusInternalServerError, ErrorResponse{Error: "Internal server error"})
			}
		}()
		next.ServeHTTP(w, r)
	})
}

func writeJSON(w http.ResponseWriter, code int, data interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	if data != nil {
		_ = json.NewEncoder(w).Encode(data)
	}
}

// responseWriter wraps http.ResponseWriter to capture status code
type responseWriter struct {
	http.ResponseWriter
	statusCode int
}

func (rw *responseWriter) WriteHeader(code int) {
	rw.statusCode = code
	rw.ResponseWriter.WriteHeader(code)
}
