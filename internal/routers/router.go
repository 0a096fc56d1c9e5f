package routers

import (
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/go-chi/cors"

	"peerprep/collab/internal/api"
	"peerprep/collab/internal/metrics"
)

func New(h *api.Handlers, allowedOrigins []string) http.Handler {
	r := chi.NewRouter()

	r.Use(cors.Handler(cors.Options{
		AllowedOrigins: allowedOrigins,
		AllowedMethods: []string{"GET", "OPTIONS"},
		AllowedHeaders: []string{"Accept", "Content-Type", "Authorization"},
	}))
	r.Use(middleware.RequestID, middleware.RealIP, middleware.Recoverer)
	r.Use(metrics.Middleware("collab"))

	r.Get("/healthz", h.Health)
	r.Method(http.MethodGet, "/metrics", metrics.Handler())

	// Long-lived; kept out of the request timeout below.
	r.Get("/ws/rooms/{room}", h.RoomWS)

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(middleware.Logger, middleware.Timeout(10*time.Second))
		r.Get("/healthz", h.Health)
		r.Get("/rooms", h.ListRooms)
		r.Get("/rooms/{room}", h.GetRoom)
		r.Get("/rooms/{room}/snapshot", h.GetSnapshot)
	})

	return r
}
