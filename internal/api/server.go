package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/snarg/speaker-diarizer/internal/config"
	"github.com/snarg/speaker-diarizer/internal/metrics"
)

type Server struct {
	http *http.Server
	log  zerolog.Logger
}

// ServerOptions contains all dependencies for the HTTP server.
type ServerOptions struct {
	Config      *config.Config
	Service     Diarizer
	Profiles    ProfileStore // nil without a database
	ModelName   string
	Dimension   int
	Health      HealthDeps
	OpenAPISpec []byte
	Version     string
	StartTime   time.Time
	Log         zerolog.Logger
}

func NewServer(opts ServerOptions) *Server {
	cfg := opts.Config
	r := chi.NewRouter()

	// Global middleware
	r.Use(RequestID)
	r.Use(Recoverer)
	r.Use(Logger(opts.Log))
	r.Use(CORSWithOrigins(ParseOrigins(cfg.CORSOrigins)))
	r.Use(metrics.InstrumentHandler)

	health := NewHealthHandler(opts.Health, opts.Version, opts.StartTime)
	diarizeHandler := NewDiarizeHandler(DiarizeHandlerOptions{
		Service:   opts.Service,
		Profiles:  opts.Profiles,
		Dimension: opts.Dimension,
		Model:     opts.ModelName,
		MaxBytes:  cfg.MaxUploadMB << 20,
		TempDir:   cfg.TempDir,
		Log:       opts.Log,
	})
	profilesHandler := NewProfilesHandler(opts.Profiles, opts.Log)

	r.Handle("/metrics", promhttp.Handler())
	r.Route("/api/v1", func(r chi.Router) {
		// Health and API description need no auth
		r.Get("/health", health.ServeHTTP)
		if len(opts.OpenAPISpec) > 0 {
			r.Get("/openapi.yaml", func(w http.ResponseWriter, r *http.Request) {
				w.Header().Set("Content-Type", "application/yaml")
				w.Write(opts.OpenAPISpec)
			})
		}

		r.Group(func(r chi.Router) {
			r.Use(BearerAuth(cfg.AuthToken))
			diarizeHandler.Routes(r)
			profilesHandler.Routes(r)
		})
	})

	return &Server{
		http: &http.Server{
			Addr:         cfg.HTTPAddr,
			Handler:      r,
			ReadTimeout:  cfg.ReadTimeout,
			WriteTimeout: cfg.WriteTimeout,
			IdleTimeout:  cfg.IdleTimeout,
		},
		log: opts.Log,
	}
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.http.Handler
}

func (s *Server) Start() error {
	s.log.Info().Str("addr", s.http.Addr).Msg("http server starting")
	err := s.http.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

func (s *Server) Shutdown(ctx context.Context) error {
	s.log.Info().Msg("http server shutting down")
	return s.http.Shutdown(ctx)
}
