package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bcnelson/hunt-foreman/internal/storage"
)

// EndpointHandler serves the last known state of checked-in endpoints.
type EndpointHandler struct {
	store storage.Storage
}

// NewEndpointHandler creates a new EndpointHandler.
func NewEndpointHandler(store storage.Storage) *EndpointHandler {
	return &EndpointHandler{store: store}
}

func (h *EndpointHandler) List(w http.ResponseWriter, r *http.Request) {
	eps, err := h.store.ListEndpoints(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, eps)
}

func (h *EndpointHandler) Get(w http.ResponseWriter, r *http.Request) {
	ep, err := h.store.GetEndpoint(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, ep)
}
