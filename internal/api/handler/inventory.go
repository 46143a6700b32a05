package handler

import (
	"net/http"
	"strconv"

	"github.com/bcnelson/hunt-foreman/internal/service"
)

// InventoryHandler runs the device inventory poller on demand.
type InventoryHandler struct {
	poller *service.InventoryPoller
}

// NewInventoryHandler creates a new InventoryHandler.
func NewInventoryHandler(poller *service.InventoryPoller) *InventoryHandler {
	return &InventoryHandler{poller: poller}
}

// Poll checks in every inventory device now and reports the outcome.
// With ?async=true the poll is scheduled in the background instead; bursts
// of such requests collapse into a single poll.
func (h *InventoryHandler) Poll(w http.ResponseWriter, r *http.Request) {
	if async, _ := strconv.ParseBool(r.URL.Query().Get("async")); async {
		h.poller.TriggerPoll()
		respondJSON(w, http.StatusAccepted, map[string]bool{"pending": h.poller.Pending()})
		return
	}
	res, err := h.poller.Poll(r.Context())
	if err != nil {
		handleError(w, err)
		return
	}
	respondJSON(w, http.StatusOK, res)
}
