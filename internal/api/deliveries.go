package api

import (
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"
	"github.com/splitfair/webhook-service/internal/store"
)

type DeliveryHandler struct {
	store *store.PostgresStore
}

func NewDeliveryHandler(s *store.PostgresStore) *DeliveryHandler {
	return &DeliveryHandler{store: s}
}

// ListBySubscription returns a subscription's delivery records, newest
// first, default limit 50.
func (h *DeliveryHandler) ListBySubscription(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	limit := 50
	if limitStr := r.URL.Query().Get("limit"); limitStr != "" {
		if n, err := strconv.Atoi(limitStr); err == nil && n > 0 {
			limit = n
		}
	}

	// 404 for an unknown subscription rather than an empty list
	if _, err := h.store.GetSubscription(r.Context(), id); err != nil {
		respondStoreError(w, err, "failed to get subscription")
		return
	}

	deliveries, err := h.store.ListDeliveriesBySubscription(r.Context(), id, limit)
	if err != nil {
		respondStoreError(w, err, "failed to list deliveries")
		return
	}

	respondJSON(w, http.StatusOK, deliveries)
}

// Stats returns the aggregate delivery counts for one subscription.
func (h *DeliveryHandler) Stats(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if _, err := h.store.GetSubscription(r.Context(), id); err != nil {
		respondStoreError(w, err, "failed to get subscription")
		return
	}

	stats, err := h.store.DeliveryStatsForSubscription(r.Context(), id)
	if err != nil {
		respondStoreError(w, err, "failed to compute delivery stats")
		return
	}

	respondJSON(w, http.StatusOK, stats)
}

// Get returns a single delivery record.
func (h *DeliveryHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	delivery, err := h.store.GetDelivery(r.Context(), id)
	if err != nil {
		respondStoreError(w, err, "failed to get delivery")
		return
	}

	respondJSON(w, http.StatusOK, delivery)
}
