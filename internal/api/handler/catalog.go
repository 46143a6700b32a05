package handler

import (
	"net/http"

	"github.com/bcnelson/hunt-foreman/internal/flows"
	"github.com/bcnelson/hunt-foreman/internal/foreman"
)

// CatalogHandler lists the flows hunts can run and the rules installed.
type CatalogHandler struct {
	flows  *flows.Registry
	engine *foreman.Engine
}

// NewCatalogHandler creates a new CatalogHandler.
func NewCatalogHandler(registry *flows.Registry, engine *foreman.Engine) *CatalogHandler {
	return &CatalogHandler{flows: registry, engine: engine}
}

// Flows lists the registered flows and their parameters.
func (h *CatalogHandler) Flows(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.flows.List())
}

// Rules lists the installed rules in installation order.
func (h *CatalogHandler) Rules(w http.ResponseWriter, r *http.Request) {
	respondJSON(w, http.StatusOK, h.engine.Rules())
}
