// Package api is the REST surface of the engine.
package api

import (
	"bytes"
	"context"
	"io"
	"io/fs"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"growrules/internal/core"
	"growrules/web"
)

// Options configures the HTTP server.
type Options struct {
	Addr      string
	AuthToken string
	Location  *time.Location
	// MCP and Metrics are mounted at /mcp and /metrics when set.
	MCP     http.Handler
	Metrics http.Handler
}

// Server holds the HTTP server state.
type Server struct {
	httpServer *http.Server
	router     *chi.Mux
	svc        *core.Service
	logger     *slog.Logger
	location   *time.Location
	opts       Options
}

// NewServer constructs the HTTP API server.
func NewServer(opts Options, svc *core.Service, logger *slog.Logger) *Server {
	router := chi.NewRouter()
	router.Use(middleware.RequestID)
	router.Use(middleware.RealIP)
	router.Use(middleware.Recoverer)

	location := opts.Location
	if location == nil {
		location = time.Local
	}
	s := &Server{
		router:   router,
		svc:      svc,
		logger:   logger,
		location: location,
		opts:     opts,
	}
	s.registerRoutes(web.Files())

	s.httpServer = &http.Server{
		Addr:         opts.Addr,
		Handler:      router,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 0,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Start begins serving HTTP requests.
func (s *Server) Start() error {
	s.logger.Info("http server listening", "addr", s.httpServer.Addr)
	return s.httpServer.ListenAndServe()
}

// Shutdown gracefully shuts down the server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) registerRoutes(staticFS fs.FS) {
	fileServer := http.StripPrefix("/assets/", http.FileServer(http.FS(staticFS)))

	s.router.Get("/", s.handleIndex(staticFS))
	s.router.Handle("/assets/*", fileServer)
	s.router.Get("/healthz", func(w http.ResponseWriter, r *http.Request) {
		writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
	})

	auth := AuthMiddleware(s.opts.AuthToken)
	if s.opts.MCP != nil {
		s.router.Handle("/mcp", auth(s.opts.MCP))
	}
	if s.opts.Metrics != nil {
		s.router.Handle("/metrics", auth(s.opts.Metrics))
	}

	s.router.Route("/v1", func(r chi.Router) {
		r.Use(auth)

		r.Post("/schedule/preview", s.handleSchedulePreview)

		r.Group(func(r chi.Router) {
			r.Use(UserMiddleware)

			r.Route("/automations", func(r chi.Router) {
				r.Get("/", s.handleListAutomations)
				r.Post("/", s.handleCreateAutomation)
				r.Post("/proposals", s.handleProposeAutomation)

				r.Route("/{automationID}", func(r chi.Router) {
					r.Get("/", s.handleGetAutomation)
					r.Put("/", s.handleUpdateAutomation)
					r.Delete("/", s.handleDeleteAutomation)
					r.Put("/status", s.handleSetStatus)
					r.Post("/execute", s.handleExecuteNow)
					r.Post("/evaluate", s.handleEvaluate)
					r.Get("/executions", s.handleListExecutions)
				})
			})

			r.Get("/stats/effectiveness", s.handleEffectivenessStats)
			r.Get("/devices/failing", s.handleFailingDevices)
		})
	})
}

func (s *Server) handleIndex(staticFS fs.FS) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		file, err := staticFS.Open("index.html")
		if err != nil {
			http.Error(w, "index not found", http.StatusInternalServerError)
			return
		}
		defer file.Close()
		info, err := fs.Stat(staticFS, "index.html")
		modTime := time.Now()
		if err == nil {
			modTime = info.ModTime()
		}
		if reader, ok := file.(io.ReadSeeker); ok {
			http.ServeContent(w, r, "index.html", modTime, reader)
			return
		}
		data, err := io.ReadAll(file)
		if err != nil {
			http.Error(w, "failed to load index", http.StatusInternalServerError)
			return
		}
		http.ServeContent(w, r, "index.html", modTime, bytes.NewReader(data))
	}
}
