package api

import (
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/splitfair/webhook-service/internal/engine"
	"github.com/splitfair/webhook-service/internal/store"
	ws "github.com/splitfair/webhook-service/internal/websocket"
)

// NewRouter creates and configures the HTTP router.
func NewRouter(pgStore *store.PostgresStore, redisStore *store.RedisStore, trigger *engine.Trigger, queue *engine.Queue, hub *ws.Hub) http.Handler {
	r := chi.NewRouter()

	// Middleware stack
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(middleware.Heartbeat("/ping"))
	r.Use(corsMiddleware)

	// Handlers
	subHandler := NewSubscriptionHandler(pgStore, trigger)
	deliveryHandler := NewDeliveryHandler(pgStore)
	eventHandler := NewEventHandler(trigger)
	metricsHandler := NewMetricsHandler(pgStore, queue, hub)
	healthHandler := NewHealthHandler(pgStore, redisStore)

	// Live delivery feed
	r.Get("/ws", hub.HandleWebSocket)

	r.Route("/api/v1", func(r chi.Router) {
		r.Get("/health", healthHandler.Health)

		r.Route("/subscriptions", func(r chi.Router) {
			r.Post("/", subHandler.Create)
			r.Get("/", subHandler.List)
			r.Get("/{id}", subHandler.Get)
			r.Patch("/{id}", subHandler.Update)
			r.Delete("/{id}", subHandler.Delete)
			r.Post("/{id}/test", subHandler.Test)
			r.Get("/{id}/deliveries", deliveryHandler.ListBySubscription)
			r.Get("/{id}/stats", deliveryHandler.Stats)
		})

		r.Get("/deliveries/{id}", deliveryHandler.Get)

		r.Post("/events", eventHandler.Trigger)

		r.Get("/metrics", metricsHandler.Metrics)
	})

	return r
}

// corsMiddleware adds CORS headers for operator tooling.
func corsMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PATCH, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")

		if r.Method == "OPTIONS" {
			w.WriteHeader(http.StatusOK)
			return
		}

		next.ServeHTTP(w, r)
	})
}
