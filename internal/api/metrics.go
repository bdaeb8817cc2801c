package api

import (
	"net/http"

	"github.com/splitfair/webhook-service/internal/engine"
	"github.com/splitfair/webhook-service/internal/store"
	ws "github.com/splitfair/webhook-service/internal/websocket"
)

type MetricsHandler struct {
	store *store.PostgresStore
	queue *engine.Queue
	hub   *ws.Hub
}

func NewMetricsHandler(s *store.PostgresStore, q *engine.Queue, hub *ws.Hub) *MetricsHandler {
	return &MetricsHandler{store: s, queue: q, hub: hub}
}

// Metrics returns aggregated delivery statistics plus queue state.
func (h *MetricsHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	metrics, err := h.store.GetDeliveryMetrics(r.Context())
	if err != nil {
		respondError(w, http.StatusInternalServerError, "failed to get metrics")
		return
	}

	queueDepth, err := h.queue.Depth(r.Context())
	if err != nil {
		queueDepth = 0
	}
	deadDepth, err := h.queue.DeadDepth(r.Context())
	if err != nil {
		deadDepth = 0
	}

	type metricsResponse struct {
		store.DeliveryMetrics
		QueueDepth       int64 `json:"queue_depth"`
		RetainedJobs     int64 `json:"retained_jobs"`
		WebSocketClients int   `json:"websocket_clients"`
	}

	respondJSON(w, http.StatusOK, metricsResponse{
		DeliveryMetrics:  *metrics,
		QueueDepth:       queueDepth,
		RetainedJobs:     deadDepth,
		WebSocketClients: h.hub.ClientCount(),
	})
}
