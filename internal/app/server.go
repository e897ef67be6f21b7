package app

import (
	"context"
	"errors"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"github.com/markdave123-py/contexta/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/contexta/internal/api/middlewares"
	"github.com/markdave123-py/contexta/internal/config"
)

// Handlers groups everything the router mounts.
type Handlers struct {
	Documents *handlers.DocumentHandler
	Search    *handlers.SearchHandler
	Chat      *handlers.ChatHandler
	Health    *handlers.HealthHandler
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
}

// NewRouter wires all routes. Streaming routes (chat SSE, status websocket)
// sit outside the request timeout.
func NewRouter(cfg *config.Config, h Handlers) http.Handler {
	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   cfg.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	r.Get("/healthz", h.Health.Healthz)

	r.Route("/api", func(api chi.Router) {
		api.Use(appMiddleware.JWTMiddleware(cfg.JWTSecret))

		api.Group(func(timed chi.Router) {
			timed.Use(middleware.Timeout(cfg.RequestTimeout))

			timed.Post("/documents/upload", h.Documents.UploadDocument)
			timed.Get("/documents", h.Documents.GetDocuments)
			timed.Delete("/documents/{id}", h.Documents.DeleteDocument)
			timed.Post("/documents/{id}/convert", h.Documents.ConvertDocument)
			timed.Get("/documents/{id}/status", h.Documents.DocumentStatus)

			timed.Post("/search", h.Search.Search)

			timed.Get("/conversations", h.Chat.ListConversations)
			timed.Get("/conversations/{id}", h.Chat.GetConversation)
			timed.Delete("/conversations/{id}", h.Chat.DeleteConversation)
		})

		api.Get("/documents/{id}/status/ws", h.Documents.StatusStream)
		api.Post("/chat/{conversation_id}/message", h.Chat.SendMessage)
	})

	return r
}

// NewServer builds the HTTP server.
func NewServer(cfg *config.Config, h Handlers) *Server {
	return &Server{httpServer: &http.Server{
		Addr:              ":" + cfg.Port,
		Handler:           NewRouter(cfg, h),
		ReadHeaderTimeout: 10 * time.Second,
	}}
}

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	slog.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	slog.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
