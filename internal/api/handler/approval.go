package handler

import (
	"net/http"

	"github.com/go-chi/chi/v5"

	"github.com/bcnelson/hunt-foreman/internal/approval"
	"github.com/bcnelson/hunt-foreman/internal/domain"
)

// ApprovalHandler handles approval request endpoints.
type ApprovalHandler struct {
	approvals *approval.Coordinator
}

// NewApprovalHandler creates a new ApprovalHandler.
func NewApprovalHandler(approvals *approval.Coordinator) *ApprovalHandler {
	return &ApprovalHandler{approvals: approvals}
}

// List lists approval requests, filtered by ?state= and ?hunt_id=.
func (h *ApprovalHandler) List(w http.ResponseWriter, r *http.Request) {
	state, err := approval.ParseStateFilter(r.URL.Query().Get("state"))
	if err != nil {
		handleError(w, err)
		return
	}
	views, err := h.approvals.List(r.Context(), domain.ApprovalListFilter{
		HuntID: r.URL.Query().Get("hunt_id"),
		State:  state,
	})
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, views)
}

// Get returns a single approval request.
func (h *ApprovalHandler) Get(w http.ResponseWriter, r *http.Request) {
	view, err := h.approvals.Get(r.Context(), chi.URLParam(r, "id"))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, view)
}

// Grant records the caller's grant.
func (h *ApprovalHandler) Grant(w http.ResponseWriter, r *http.Request) {
	req, err := h.approvals.Grant(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.approvals.View(req))
}

// Deny closes the request as denied.
func (h *ApprovalHandler) Deny(w http.ResponseWriter, r *http.Request) {
	req, err := h.approvals.Deny(r.Context(), chi.URLParam(r, "id"), actor(r))
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, h.approvals.View(req))
}
