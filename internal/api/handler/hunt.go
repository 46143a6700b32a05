package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/hunt"
)

// HuntHandler handles hunt lifecycle endpoints.
type HuntHandler struct {
	hunts *hunt.Service
}

// NewHuntHandler creates a new HuntHandler.
func NewHuntHandler(hunts *hunt.Service) *HuntHandler {
	return &HuntHandler{hunts: hunts}
}

// Create creates a DRAFT hunt owned by the caller.
func (h *HuntHandler) Create(w http.ResponseWriter, r *http.Request) {
	var req domain.CreateHuntRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	created, err := h.hunts.Create(r.Context(), actor(r), &req)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusCreated, created)
}

// List lists hunts, optionally filtered by ?state=.
func (h *HuntHandler) List(w http.ResponseWriter, r *http.Request) {
	state, err := hunt.ParseState(r.URL.Query().Get("state"))
	if err != nil {
		handleError(w, err)
		return
	}
	hunts, err := h.hunts.List(r.Context(), domain.HuntListFilter{State: state})
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, hunts)
}

// Get returns a single hunt.
func (h *HuntHandler) Get(w http.ResponseWriter, r *http.Request) {
	got, err := h.hunts.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, got)
}

// Activate requests activation. Gated hunts take the approval request
// details from the optional body.
func (h *HuntHandler) Activate(w http.ResponseWriter, r *http.Request) {
	var req domain.ActivateHuntRequest
	if err := decodeOptionalJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	got, err := h.hunts.RequestActivation(r.Context(), chi.URLParam(r, "id"), actor(r), &req)
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, got)
}

// Approve grants the caller's approval on the hunt's open request.
func (h *HuntHandler) Approve(w http.ResponseWriter, r *http.Request) {
	got, err := h.hunts.Approve(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, got)
}

// Stop stops the hunt.
func (h *HuntHandler) Stop(w http.ResponseWriter, r *http.Request) {
	got, err := h.hunts.Stop(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, got)
}

// Preview reports which known endpoints the hunt's rule would match.
func (h *HuntHandler) Preview(w http.ResponseWriter, r *http.Request) {
	preview, err := h.hunts.Preview(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, preview)
}

// Rule returns the rule installed for an ACTIVE hunt.
func (h *HuntHandler) Rule(w http.ResponseWriter, r *http.Request) {
	rule, err := h.hunts.Rule(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, rule)
}
