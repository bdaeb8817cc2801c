package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"github.com/splitfair/webhook-service/internal/domain"
)

func respondJSON(w http.ResponseWriter, status int, payload interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(payload)
}

func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, map[string]string{"error": message})
}

// respondStoreError maps the domain error taxonomy onto HTTP statuses:
// validation failures are the client's fault, unknown ids are 404,
// everything else hides behind the fallback message.
func respondStoreError(w http.ResponseWriter, err error, fallback string) {
	if domain.IsValidation(err) {
		respondError(w, http.StatusBadRequest, err.Error())
		return
	}
	if errors.Is(err, domain.ErrNotFound) {
		respondError(w, http.StatusNotFound, err.Error())
		return
	}
	respondError(w, http.StatusInternalServerError, fallback)
}
