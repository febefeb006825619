// Package web serves the admin api and the websocket status feed.
package web

import (
	"context"
	"fmt"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"
)

// Config holds server configuration
type Config struct {
	Port           int
	AllowedOrigins []string
}

// Server represents the HTTP server
type Server struct {
	router     *chi.Mux
	httpServer *http.Server
	config     *Config
	listener   net.Listener
	hub        *Hub // WebSocket Hub
}

// NewServer creates a new HTTP server.
// hub may be nil to disable the websocket feed.
func NewServer(cfg *Config, hub *Hub) *Server {
	srv := &Server{
		router: chi.NewRouter(),
		config: cfg,
		hub:    hub,
	}

	srv.setupMiddleware()
	srv.setupRoutes()

	return srv
}

func (s *Server) setupMiddleware() {
	origins := s.config.AllowedOrigins
	if len(origins) == 0 {
		origins = []string{"*"}
	}

	s.router.Use(middleware.RequestID)
	s.router.Use(middleware.RealIP)
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(cors.Handler(cors.Options{
		AllowedOrigins: origins,
		AllowedMethods: []string{"GET", "POST", "OPTIONS", "DELETE", "PUT"},
		AllowedHeaders: []string{"Accept", "Authorization", "Content-Type"},
	}))
}

func (s *Server) setupRoutes() {
	// WebSocket, registered outside the timeout middleware
	if s.hub != nil {
		s.router.Get("/ws", func(w http.ResponseWriter, r *http.Request) {
			ServeWs(s.hub, w, r)
		})
	}

	// Health endpoint
	s.router.Get("/health", func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusOK)
		if _, err := w.Write([]byte(`{"status":"ok","version":"dev"}`)); err != nil {
			_ = err // Client disconnected
		}
	})
}

// Start starts the HTTP server
func (s *Server) Start() error {
	addr := fmt.Sprintf(":%d", s.config.Port)
	listener, err := net.Listen("tcp", addr)
	if err != nil {
		return err
	}
	s.listener = listener

	s.httpServer = &http.Server{
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s.httpServer.Serve(listener)
}

// Stop gracefully stops the server
func (s *Server) Stop(ctx context.Context) error {
	if s.httpServer != nil {
		return s.httpServer.Shutdown(ctx)
	}
	return nil
}

// BaseURL returns the server's base URL
func (s *Server) BaseURL() string {
	if s.listener != nil {
		return fmt.Sprintf("http://%s", s.listener.Addr().String())
	}
	return fmt.Sprintf("http://localhost:%d", s.config.Port)
}

// RegisterRelayHandler registers the relay admin api handlers
func (s *Server) RegisterRelayHandler(handler interface{}) {
	type relayHandler interface {
		Status(w http.ResponseWriter, r *http.Request)
		ListForwards(w http.ResponseWriter, r *http.Request)
		CreateForward(w http.ResponseWriter, r *http.Request)
		DeleteForward(w http.ResponseWriter, r *http.Request)
		ToggleForward(w http.ResponseWriter, r *http.Request)
		BackfillStatus(w http.ResponseWriter, r *http.Request)
		StartBackfill(w http.ResponseWriter, r *http.Request)
		StopBackfill(w http.ResponseWriter, r *http.Request)
		ListCheckpoints(w http.ResponseWriter, r *http.Request)
	}

	h, ok := handler.(relayHandler)
	if !ok {
		return
	}
	s.router.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Timeout(30 * time.Second))

		r.Get("/status", h.Status)

		r.Get("/forwards", h.ListForwards)
		r.Post("/forwards", h.CreateForward)
		r.Delete("/forwards/{sourceID}", h.DeleteForward)
		r.Post("/forwards/{sourceID}/toggle", h.ToggleForward)

		r.Get("/backfill", h.BackfillStatus)
		r.Post("/backfill", h.StartBackfill)
		r.Delete("/backfill", h.StopBackfill)

		r.Get("/checkpoints", h.ListCheckpoints)
	})
}

// Router returns the underlying Chi router for external route mounting.
func (s *Server) Router() *chi.Mux {
	return s.router
}
