package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/rs/zerolog/log"

	"github.com/waterlinehq/waterline/db"
	"github.com/waterlinehq/waterline/telemetry"
)

// Coordinator applies read-marker updates.
type Coordinator interface {
	UpdateMarker(ctx context.Context, room, user, event string) error
	UpdateMarkerAndMaybeRetain(ctx context.Context, room, user, event string) error
}

// ServerConfig wires the HTTP server to the rest of the system.
type ServerConfig struct {
	Coordinator Coordinator
	Markers     db.MarkerStore
	Index       *db.EventIndex
	Oracle      *db.CachedOracle // Optional, warms the fast path on ingest

	BindAddress string
	Port        int
	AuthToken   string // Empty disables bearer auth

	// RetentionEnabled routes marker updates through the room-wide
	// retention decision instead of the plain per-user path.
	RetentionEnabled bool
}

// Server serves the read-marker HTTP API.
type Server struct {
	config   ServerConfig
	handlers *Handlers
	srv      *http.Server
}

// NewServer builds the server and its routes.
func NewServer(config ServerConfig) (*Server, error) {
	if config.Coordinator == nil {
		return nil, fmt.Errorf("api server requires a coordinator")
	}
	if config.Markers == nil {
		return nil, fmt.Errorf("api server requires a marker store")
	}
	if config.Index == nil {
		return nil, fmt.Errorf("api server requires an event index")
	}

	s := &Server{
		config: config,
		handlers: &Handlers{
			coordinator:      config.Coordinator,
			markers:          config.Markers,
			index:            config.Index,
			oracle:           config.Oracle,
			retentionEnabled: config.RetentionEnabled,
		},
	}

	router := chi.NewRouter()
	router.Use(middleware.Recoverer)

	router.Get("/healthz", s.handlers.handleHealth)

	if h := telemetry.GetMetricsHandler(); h != nil {
		router.Handle("/metrics", h)
	}

	router.Route("/v1", func(r chi.Router) {
		r.Use(authMiddleware(config.AuthToken))

		r.Get("/rooms", s.handlers.handleListRooms)

		r.Route("/rooms/{roomID}", func(r chi.Router) {
			r.Post("/read_markers", s.handlers.handleUpdateMarker)
			r.Get("/read_markers", s.handlers.handleRoomMarkers)
			r.Get("/read_markers/{userID}", s.handlers.handleUserMarker)
			r.Get("/retention/watermark", s.handlers.handleWatermark)
		})

		r.Post("/events", s.handlers.handleIngestEvent)
	})

	s.srv = &http.Server{
		Addr:              fmt.Sprintf("%s:%d", config.BindAddress, config.Port),
		Handler:           router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	return s, nil
}

// Handler exposes the router, mainly for tests.
func (s *Server) Handler() http.Handler {
	return s.srv.Handler
}

// Start serves HTTP until Shutdown is called. It blocks.
func (s *Server) Start() error {
	log.Info().Str("addr", s.srv.Addr).Msg("Starting HTTP API")
	if err := s.srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return err
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.srv.Shutdown(ctx)
}
