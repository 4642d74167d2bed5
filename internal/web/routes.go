// Package web provides the HTTP API of the diagnosis service.
package web

import (
	"context"
	"errors"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"golang.org/x/time/rate"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/accounts"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/diagnosis"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/logging"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/metrics"
)

// Diagnoser is the part of diagnosis.Service the API uses.
type Diagnoser interface {
	Ready() bool
	Status() diagnosis.Status
	Diagnose(ctx context.Context, symptoms string) (diagnosis.Result, error)
	CollectionStatus(ctx context.Context) (diagnosis.CollectionStatus, error)
}

// DoctorStore is the part of accounts.Store the API uses.
type DoctorStore interface {
	Create(in accounts.NewDoctor) (accounts.Doctor, error)
	Get(id string) (accounts.Doctor, error)
	List() ([]accounts.Doctor, error)
	Update(id string, u accounts.Update) (accounts.Doctor, error)
	Delete(id string) error
}

// ServerConfig holds configuration for the API server.
type ServerConfig struct {
	Host string
	Port int

	Service Diagnoser
	Doctors DoctorStore

	// Metrics records diagnose outcomes; MetricsHandler serves /metrics
	// when set.
	Metrics        metrics.Recorder
	MetricsHandler http.Handler

	// RateLimit is the sustained /diagnose rate per second; zero disables
	// limiting.
	RateLimit float64
	RateBurst int

	// RequestTimeout bounds every request. It must exceed the LLM timeout.
	RequestTimeout time.Duration

	Logger *logging.Logger
}

// Server is the HTTP API server.
type Server struct {
	config  ServerConfig
	router  *chi.Mux
	handler *Handler
	log     *logging.Logger
}

// NewServer creates a new API server.
func NewServer(cfg ServerConfig) *Server {
	if cfg.RequestTimeout == 0 {
		cfg.RequestTimeout = 2 * time.Minute
	}
	var limiter *rate.Limiter
	if cfg.RateLimit > 0 {
		limiter = rate.NewLimiter(rate.Limit(cfg.RateLimit), max(cfg.RateBurst, 1))
	}

	s := &Server{
		config: cfg,
		router: chi.NewRouter(),
		log:    logging.OrNoop(cfg.Logger),
	}
	s.handler = NewHandler(cfg.Service, cfg.Doctors, metrics.OrNoop(cfg.Metrics), limiter)
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(s.config.RequestTimeout))
	s.router.Use(middleware.Compress(5))
}

func (s *Server) setupRoutes() {
	s.router.Get("/", s.handler.Index)
	s.router.Get("/health", s.handler.Health)
	s.router.Get("/status", s.handler.Status)
	s.router.Get("/vectorstore/status", s.handler.VectorStoreStatus)
	s.router.Post("/diagnose", s.handler.Diagnose)

	if s.config.Doctors != nil {
		s.router.Route("/doctors", func(r chi.Router) {
			r.Post("/", s.handler.CreateDoctor)
			r.Get("/", s.handler.ListDoctors)
			r.Get("/{id}", s.handler.GetDoctor)
			r.Put("/{id}", s.handler.UpdateDoctor)
			r.Delete("/{id}", s.handler.DeleteDoctor)
		})
	}

	if s.config.MetricsHandler != nil {
		s.router.Handle("/metrics", s.config.MetricsHandler)
	}
}

// Router returns the chi router for external use.
func (s *Server) Router() *chi.Mux {
	return s.router
}

// ListenAndServe serves until ctx is cancelled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("api server listening", "addr", "http://"+addr)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}
