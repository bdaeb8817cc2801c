package api

import (
	"encoding/json"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/splitfair/webhook-service/internal/domain"
	"github.com/splitfair/webhook-service/internal/engine"
	"github.com/splitfair/webhook-service/internal/store"
)

type SubscriptionHandler struct {
	store   *store.PostgresStore
	trigger *engine.Trigger
}

func NewSubscriptionHandler(s *store.PostgresStore, t *engine.Trigger) *SubscriptionHandler {
	return &SubscriptionHandler{store: s, trigger: t}
}

func (h *SubscriptionHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	if req.Owner == "" {
		respondError(w, http.StatusBadRequest, "owner is required")
		return
	}
	if req.Destination == "" {
		respondError(w, http.StatusBadRequest, "destination is required")
		return
	}
	if len(req.EventTypes) == 0 {
		respondError(w, http.StatusBadRequest, "at least one event_type is required")
		return
	}

	sub, err := h.store.CreateSubscription(r.Context(), req)
	if err != nil {
		respondStoreError(w, err, "failed to create subscription")
		return
	}

	// The only response carrying the secret in full.
	respondJSON(w, http.StatusCreated, domain.CreateSubscriptionResponse{
		ID:          sub.ID,
		Destination: sub.Destination,
		Secret:      sub.Secret,
	})
}

func (h *SubscriptionHandler) List(w http.ResponseWriter, r *http.Request) {
	owner := r.URL.Query().Get("owner")

	subs, err := h.store.ListSubscriptions(r.Context(), owner)
	if err != nil {
		respondStoreError(w, err, "failed to list subscriptions")
		return
	}

	respondJSON(w, http.StatusOK, subs)
}

func (h *SubscriptionHandler) Get(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondStoreError(w, err, "failed to get subscription")
		return
	}

	sub.Secret = maskSecret(sub.Secret)
	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Update(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	var req domain.UpdateSubscriptionRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		respondError(w, http.StatusBadRequest, "invalid request body")
		return
	}

	sub, err := h.store.UpdateSubscription(r.Context(), id, req)
	if err != nil {
		respondStoreError(w, err, "failed to update subscription")
		return
	}

	respondJSON(w, http.StatusOK, sub)
}

func (h *SubscriptionHandler) Delete(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	if err := h.store.DeleteSubscription(r.Context(), id); err != nil {
		respondStoreError(w, err, "failed to delete subscription")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Test fires a synthetic event at one subscription, bypassing event-set
// matching. Admission and record creation apply as usual, so the outcome is
// observable through the delivery endpoints.
func (h *SubscriptionHandler) Test(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	sub, err := h.store.GetSubscription(r.Context(), id)
	if err != nil {
		respondStoreError(w, err, "failed to get subscription")
		return
	}

	payload := json.RawMessage(`{"test":true,"message":"webhook test delivery"}`)
	queued := h.trigger.TriggerSubscription(r.Context(), *sub, "webhook.test", payload)

	respondJSON(w, http.StatusAccepted, map[string]interface{}{
		"subscription_id": sub.ID,
		"queued":          queued,
	})
}

// maskSecret hides all but a prefix of a signing secret; the full value is
// only ever returned from Create.
func maskSecret(secret string) string {
	if len(secret) <= 12 {
		return "****"
	}
	return secret[:12] + "****"
}
