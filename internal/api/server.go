// Package api exposes the control plane over HTTP: registry edits, index
// maintenance and stream transport controls.
package api

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"sort"
	"sync"
	"time"

	"github.com/go-chi/chi/v5"
	chiMiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/TranVPhu/FaceRecognize/internal/enroll"
	"github.com/TranVPhu/FaceRecognize/internal/index"
	"github.com/TranVPhu/FaceRecognize/internal/stream"
)

// Stream is the part of a session the API controls.
type Stream interface {
	ID() string
	Seek(n int) (bool, error)
	Pause()
	Resume()
	Status() stream.Status
}

// IndexStats reports index state.
type IndexStats interface {
	Stats() index.Stats
}

// Server represents the control API server.
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	coord      *enroll.Coordinator
	idx        IndexStats
	log        *slog.Logger

	mu      sync.RWMutex
	streams map[string]Stream
}

// NewServer wires the routes. addr may be empty when the server is only
// used as an http.Handler.
func NewServer(addr string, coord *enroll.Coordinator, idx IndexStats, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	r := chi.NewRouter()
	s := &Server{
		router:  r,
		coord:   coord,
		idx:     idx,
		log:     logger.With("component", "api"),
		streams: make(map[string]Stream),
	}

	r.Use(chiMiddleware.RequestID)
	r.Use(chiMiddleware.RealIP)
	r.Use(chiMiddleware.Recoverer)
	r.Use(chiMiddleware.Timeout(time.Minute))

	s.setupRoutes()

	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 2 * time.Minute,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

func (s *Server) setupRoutes() {
	s.router.Get("/api/v1/health", s.health)

	s.router.Route("/api/v1", func(r chi.Router) {
		r.Get("/identities", s.listIdentities)
		r.Post("/identities", s.createIdentity)
		r.Delete("/identities", s.deleteIdentities)
		r.Get("/identities/{id}", s.getIdentity)
		r.Put("/identities/{id}", s.updateIdentity)
		r.Delete("/identities/{id}", s.deleteIdentity)

		r.Get("/index", s.indexStats)
		r.Post("/index/rebuild", s.rebuildIndex)

		r.Get("/streams", s.listStreams)
		r.Get("/streams/{id}", s.getStream)
		r.Post("/streams/{id}/seek", s.seekStream)
		r.Post("/streams/{id}/pause", s.pauseStream)
		r.Post("/streams/{id}/resume", s.resumeStream)
	})
}

// ServeHTTP makes Server an http.Handler.
func (s *Server) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	s.router.ServeHTTP(w, r)
}

// AddStream makes a session controllable.
func (s *Server) AddStream(st Stream) {
	s.mu.Lock()
	s.streams[st.ID()] = st
	s.mu.Unlock()
}

func (s *Server) RemoveStream(id string) {
	s.mu.Lock()
	delete(s.streams, id)
	s.mu.Unlock()
}

func (s *Server) stream(id string) (Stream, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	st, ok := s.streams[id]
	return st, ok
}

// Start serves until Shutdown.
func (s *Server) Start() error {
	s.log.Info("control api listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("failed to start server: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down control api")
	return s.httpServer.Shutdown(ctx)
}

// respondJSON sends a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError sends an error response.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

func sortedStatuses(streams map[string]Stream) []stream.Status {
	out := make([]stream.Status, 0, len(streams))
	for _, st := range streams {
		out = append(out, st.Status())
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ID < out[j].ID })
	return out
}
