// Package api provides HTTP handlers for the screening console API.
package api

import (
	"encoding/json"
	"errors"
	"net/http"

	"screening-console/internal/analysis"
	"screening-console/internal/store"
	"screening-console/internal/workflow"
)

// Handler provides common handler utilities.
type Handler struct {
	ctrl *workflow.Controller
	repo store.Repository
}

// NewHandler creates a new Handler with common dependencies.
func NewHandler(ctrl *workflow.Controller, repo store.Repository) *Handler {
	return &Handler{ctrl: ctrl, repo: repo}
}

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		http.Error(w, `{"error": "failed to encode response"}`, http.StatusInternalServerError)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// WriteError maps workflow, storage, and analysis failures onto HTTP
// statuses: validation 422, illegal transitions 409, missing records 404,
// unreachable or refusing analysis service 502, everything else 500.
func WriteError(w http.ResponseWriter, err error) {
	var ve *workflow.ValidationError
	if errors.As(err, &ve) {
		JSON(w, http.StatusUnprocessableEntity, map[string]interface{}{
			"error":  "validation failed",
			"fields": ve.Fields,
		})
		return
	}

	var te *workflow.TransitionError
	if errors.As(err, &te) {
		Error(w, http.StatusConflict, te.Error())
		return
	}

	if errors.Is(err, store.ErrNotFound) {
		Error(w, http.StatusNotFound, "record not found")
		return
	}

	var ae *analysis.Error
	if errors.As(err, &ae) {
		if ae.Kind == analysis.KindNotFound {
			Error(w, http.StatusNotFound, ae.Error())
			return
		}
		Error(w, http.StatusBadGateway, ae.Error())
		return
	}

	Error(w, http.StatusInternalServerError, err.Error())
}
