package api

import (
	"context"
	"net/http"
	"time"

	"github.com/splitfair/webhook-service/internal/store"
)

type HealthHandler struct {
	pg    *store.PostgresStore
	redis *store.RedisStore
}

func NewHealthHandler(pg *store.PostgresStore, redis *store.RedisStore) *HealthHandler {
	return &HealthHandler{pg: pg, redis: redis}
}

// Health reports whether the service and its backing stores are reachable.
// An unreachable dependency degrades the status and flips the response to
// 503 so load balancers stop routing here.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
	defer cancel()

	components := map[string]string{
		"postgres": "up",
		"redis":    "up",
	}
	status := "healthy"
	code := http.StatusOK

	if err := h.pg.Ping(ctx); err != nil {
		components["postgres"] = "down"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}
	if err := h.redis.Ping(ctx); err != nil {
		components["redis"] = "down"
		status = "degraded"
		code = http.StatusServiceUnavailable
	}

	respondJSON(w, code, map[string]interface{}{
		"status":     status,
		"components": components,
	})
}
