package httpapi

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/rs/cors"
	"go.uber.org/zap"

	"github.com/DoyleJ11/whiteboard-backend/internal/hub"
	"github.com/DoyleJ11/whiteboard-backend/internal/metrics"
	"github.com/DoyleJ11/whiteboard-backend/internal/ws"
)

type Deps struct {
	Hub       *hub.Hub
	WS        ws.Options
	CORSAllow []string
	Metrics   *metrics.Metrics
	Logger    *zap.Logger
}

func SetupRoutes(d Deps) http.Handler {
	log := d.Logger
	if log == nil {
		log = zap.NewNop()
	}
	r := chi.NewRouter()

	// Public routes
	r.Get("/healthz", Healthz)
	r.Get("/health", Health(d.Hub))
	r.Post("/api/rooms", CreateRoomCode(d.Hub, log))
	r.Get("/api/rooms/{roomId}", GetRoom(d.Hub))
	r.Handle("/metrics", d.Metrics.Handler())
	r.Get("/ws", ws.Handler(d.Hub, d.WS))

	c := cors.New(cors.Options{
		AllowedOrigins:   d.CORSAllow,
		AllowedMethods:   []string{"GET", "POST", "OPTIONS"},
		AllowedHeaders:   []string{"*"},
		AllowCredentials: true,
	})
	return c.Handler(r)
}
