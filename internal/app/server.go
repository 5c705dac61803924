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

	"github.com/markdave123-py/Lexa/internal/api/handlers"
	appMiddleware "github.com/markdave123-py/Lexa/internal/api/middlewares"
)

// RouterConfig carries the handlers and HTTP settings of the API.
type RouterConfig struct {
	Documents      *handlers.DocumentHandler
	Queries        *handlers.QueryHandler
	JWTSecret      string
	CORSOrigins    []string
	RequestTimeout time.Duration
}

// NewRouter builds and wires all routes.
func NewRouter(rc RouterConfig) http.Handler {
	if rc.RequestTimeout <= 0 {
		rc.RequestTimeout = 60 * time.Second
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Timeout(rc.RequestTimeout))

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins:   rc.CORSOrigins,
		AllowedMethods:   []string{"GET", "POST", "DELETE", "OPTIONS"},
		AllowedHeaders:   []string{"Accept", "Authorization", "Content-Type"},
		AllowCredentials: true,
	}))

	// public endpoints
	r.Get("/health", handlers.Health)

	// protected endpoints, open when no JWT secret is configured
	r.Group(func(protected chi.Router) {
		protected.Use(appMiddleware.JWT(rc.JWTSecret))

		protected.Route("/documents", func(d chi.Router) {
			d.Post("/upload", rc.Documents.UploadDocument)
			d.Post("/text", rc.Documents.CreateText)
			d.Get("/", rc.Documents.GetDocuments)
			d.Get("/{id}", rc.Documents.GetDocument)
			d.Get("/{id}/file", rc.Documents.GetFile)
			d.Post("/{id}/reingest", rc.Documents.Reingest)
			d.Post("/{id}/analyze", rc.Documents.Analyze)
			d.Get("/{id}/analysis", rc.Documents.GetAnalysis)
			d.Delete("/{id}", rc.Documents.Delete)
		})
		protected.Post("/search", rc.Queries.Search)
		protected.Post("/query", rc.Queries.Query)
	})

	return r
}

// Server wraps the HTTP server instance and its handlers.
type Server struct {
	httpServer *http.Server
	log        *slog.Logger
}

func NewServer(port string, handler http.Handler, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		httpServer: &http.Server{
			Addr:              ":" + port,
			Handler:           handler,
			ReadHeaderTimeout: 10 * time.Second,
		},
		log: logger,
	}
}

func (s *Server) Handler() http.Handler { return s.httpServer.Handler }

// Start runs the HTTP server until Shutdown is called.
func (s *Server) Start() error {
	s.log.Info("HTTP server listening", "addr", s.httpServer.Addr)
	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Shutdown gracefully stops the server.
func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info("shutting down HTTP server")
	return s.httpServer.Shutdown(ctx)
}
