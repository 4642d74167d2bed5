// Package vecserver is a development vector store speaking the protocol of
// internal/vectorstore/rest, backed by veclite and a bbolt catalog.
package vecserver

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/google/uuid"

	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/logging"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/vectorstore/rest"
	"github.com/luciopablogutierrez/sintomas-diagnostico-ai-app/internal/version"
)

// ServerConfig holds configuration for the vector server.
type ServerConfig struct {
	Host   string
	Port   int
	Logger *logging.Logger
	// ServerID overrides the random per-start identity.
	ServerID string
}

// Server serves a Store over HTTP. Each Server value has its own identity,
// so constructing a new one over the same Store behaves like a restart.
type Server struct {
	config  ServerConfig
	store   *Store
	router  *chi.Mux
	id      string
	started time.Time
	log     *logging.Logger
}

// NewServer creates a server for store.
func NewServer(store *Store, cfg ServerConfig) *Server {
	if cfg.ServerID == "" {
		cfg.ServerID = uuid.NewString()
	}
	s := &Server{
		config:  cfg,
		store:   store,
		router:  chi.NewRouter(),
		id:      cfg.ServerID,
		started: time.Now().UTC(),
		log:     logging.OrNoop(cfg.Logger),
	}
	s.setupMiddleware()
	s.setupRoutes()
	return s
}

// ID returns the server instance identity.
func (s *Server) ID() string {
	return s.id
}

func (s *Server) setupMiddleware() {
	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(30 * time.Second))
	s.router.Use(s.checkIdentity)
}

func (s *Server) setupRoutes() {
	s.router.Route("/v1", func(r chi.Router) {
		r.Get("/identity", s.identity)
		r.Get("/collections", s.listCollections)
		r.Post("/collections", s.createCollection)
		r.Route("/collections/{name}", func(r chi.Router) {
			r.Get("/", s.describeCollection)
			r.Delete("/", s.dropCollection)
			r.Get("/exists", s.hasCollection)
			r.Get("/index", s.describeIndex)
			r.Post("/index", s.createIndex)
			r.Delete("/index", s.dropIndex)
			r.Post("/load", s.loadCollection)
			r.Post("/release", s.releaseCollection)
			r.Get("/stats", s.stats)
			r.Post("/entities", s.insert)
			r.Post("/search", s.search)
		})
	})
}

// Handler returns the HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// ListenAndServe serves until ctx is cancelled.
func (s *Server) ListenAndServe(ctx context.Context) error {
	addr := net.JoinHostPort(s.config.Host, strconv.Itoa(s.config.Port))
	srv := &http.Server{
		Addr:              addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("vector server listening", "addr", addr, "server_id", s.id)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if errors.Is(err, http.ErrServerClosed) {
			return nil
		}
		return err
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return srv.Shutdown(shutdownCtx)
	}
}

// checkIdentity rejects clients holding a session from another server
// instance.
func (s *Server) checkIdentity(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get(rest.HeaderServerID); got != "" && got != s.id {
			s.log.Debug("rejecting stale session", "presented", got, "server_id", s.id)
			jsonError(w, http.StatusConflict, rest.CodeServerIDMismatch,
				fmt.Sprintf("server ID mismatch: session belongs to %s", got))
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) identity(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, rest.IdentityResponse{
		ServerID:  s.id,
		Version:   version.Short(),
		StartedAt: s.started,
	})
}

func (s *Server) listCollections(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, rest.ListCollectionsResponse{Collections: s.store.List()})
}

func (s *Server) createCollection(w http.ResponseWriter, r *http.Request) {
	var desc vectorstore.CollectionDescriptor
	if !decode(w, r, &desc) {
		return
	}
	if err := s.store.Create(desc); err != nil {
		storeError(w, err)
		return
	}
	s.log.Info("collection created", "collection", desc.Name, "dim", desc.Dim())
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) describeCollection(w http.ResponseWriter, r *http.Request) {
	desc, err := s.store.Describe(chi.URLParam(r, "name"))
	if err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, desc)
}

func (s *Server) dropCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Drop(chi.URLParam(r, "name")); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) hasCollection(w http.ResponseWriter, r *http.Request) {
	jsonResponse(w, http.StatusOK, rest.ExistsResponse{Exists: s.store.Has(chi.URLParam(r, "name"))})
}

func (s *Server) describeIndex(w http.ResponseWriter, r *http.Request) {
	spec, err := s.store.DescribeIndex(chi.URLParam(r, "name"), r.URL.Query().Get("field"))
	if err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, spec)
}

func (s *Server) createIndex(w http.ResponseWriter, r *http.Request) {
	var spec vectorstore.IndexSpec
	if !decode(w, r, &spec) {
		return
	}
	name := chi.URLParam(r, "name")
	if err := s.store.CreateIndex(name, spec); err != nil {
		storeError(w, err)
		return
	}
	s.log.Info("index created", "collection", name, "kind", spec.Kind, "metric", spec.Metric)
	w.WriteHeader(http.StatusCreated)
}

func (s *Server) dropIndex(w http.ResponseWriter, r *http.Request) {
	if err := s.store.DropIndex(chi.URLParam(r, "name"), r.URL.Query().Get("field")); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) loadCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Load(chi.URLParam(r, "name")); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) releaseCollection(w http.ResponseWriter, r *http.Request) {
	if err := s.store.Release(chi.URLParam(r, "name")); err != nil {
		storeError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *Server) stats(w http.ResponseWriter, r *http.Request) {
	st, err := s.store.Stats(chi.URLParam(r, "name"))
	if err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, st)
}

func (s *Server) insert(w http.ResponseWriter, r *http.Request) {
	var req rest.InsertRequest
	if !decode(w, r, &req) {
		return
	}
	ids, err := s.store.Insert(chi.URLParam(r, "name"), req.Entities)
	if err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, rest.InsertResponse{IDs: ids})
}

func (s *Server) search(w http.ResponseWriter, r *http.Request) {
	var q vectorstore.Query
	if !decode(w, r, &q) {
		return
	}
	q.Collection = chi.URLParam(r, "name")
	results, err := s.store.Search(q)
	if err != nil {
		storeError(w, err)
		return
	}
	jsonResponse(w, http.StatusOK, rest.SearchResponse{Results: results})
}

func decode(w http.ResponseWriter, r *http.Request, v any) bool {
	if err := json.NewDecoder(http.MaxBytesReader(w, r.Body, 32<<20)).Decode(v); err != nil {
		jsonError(w, http.StatusBadRequest, rest.CodeBadRequest, "invalid request body: "+err.Error())
		return false
	}
	return true
}

func storeError(w http.ResponseWriter, err error) {
	status, code := rest.StatusFor(err)
	jsonError(w, status, code, err.Error())
}

func jsonResponse(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func jsonError(w http.ResponseWriter, status int, code, message string) {
	jsonResponse(w, status, rest.ErrorBody{Code: code, Error: message})
}
