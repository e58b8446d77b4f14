package api

import (
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"strconv"

	"github.com/go-chi/chi/v5"

	"screening-console/internal/domain"
	"screening-console/internal/store"
)

// RecordsHandler handles the archived-record endpoints.
type RecordsHandler struct {
	*Handler
}

// NewRecordsHandler creates a new records handler.
func NewRecordsHandler(base *Handler) *RecordsHandler {
	return &RecordsHandler{Handler: base}
}

// RegisterRoutes registers record routes.
func (h *RecordsHandler) RegisterRoutes(r chi.Router) {
	r.Route("/api/records", func(r chi.Router) {
		r.Get("/", h.List)
		r.Get("/{id}", h.Get)
		r.Get("/{id}/export", h.Export)
		r.Post("/{id}/images/{imageID}/annotated", h.Annotated)
	})
}

// List returns archived records, filtered and paginated at the storage
// layer. Query parameters: limit, offset, sort (asc|desc), primaryClass.
func (h *RecordsHandler) List(w http.ResponseWriter, r *http.Request) {
	opts := store.ListOptions{Sort: r.URL.Query().Get("sort")}

	if v := r.URL.Query().Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid limit")
			return
		}
		opts.Limit = n
	}
	if v := r.URL.Query().Get("offset"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			Error(w, http.StatusBadRequest, "invalid offset")
			return
		}
		opts.Offset = n
	}
	if v := r.URL.Query().Get("primaryClass"); v != "" {
		class := domain.Class(v)
		if !domain.ValidClass(class) {
			Error(w, http.StatusBadRequest, "unknown class filter")
			return
		}
		opts.PrimaryClass = class
	}

	records, err := h.repo.List(r.Context(), opts)
	if err != nil {
		slog.Error("record listing failed", "error", err)
		WriteError(w, err)
		return
	}

	JSON(w, http.StatusOK, map[string]interface{}{
		"records": records,
		"count":   len(records),
	})
}

// Get returns one full record document.
func (h *RecordsHandler) Get(w http.ResponseWriter, r *http.Request) {
	record, err := h.repo.GetByID(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, record)
}

// Export streams the full record document as a downloadable artifact.
func (h *RecordsHandler) Export(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	record, err := h.repo.GetByID(r.Context(), id)
	if err != nil {
		WriteError(w, err)
		return
	}

	data, err := json.MarshalIndent(record, "", "  ")
	if err != nil {
		Error(w, http.StatusInternalServerError, "failed to encode record")
		return
	}

	w.Header().Set("Content-Type", "application/json")
	w.Header().Set("Content-Disposition", fmt.Sprintf("attachment; filename=%q", "screening-"+id+".json"))
	w.WriteHeader(http.StatusOK)
	if _, err := w.Write(data); err != nil {
		slog.Warn("export write failed", "session_id", id, "error", err)
	}
}

// Annotated resolves and persists the annotated rendition of one image.
func (h *RecordsHandler) Annotated(w http.ResponseWriter, r *http.Request) {
	sessionID := chi.URLParam(r, "id")
	imageID := chi.URLParam(r, "imageID")

	url, err := h.ctrl.LoadAnnotatedImage(r.Context(), sessionID, imageID)
	if err != nil {
		WriteError(w, err)
		return
	}
	JSON(w, http.StatusOK, map[string]string{"annotatedUrl": url})
}
