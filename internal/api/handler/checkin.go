package handler

import (
	"errors"
	"net/http"

	"github.com/rs/zerolog"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/foreman"
	"github.com/bcnelson/hunt-foreman/internal/logging"
)

// CheckInHandler accepts endpoint check-ins.
type CheckInHandler struct {
	engine *foreman.Engine
	logger zerolog.Logger
}

// NewCheckInHandler creates a new CheckInHandler.
func NewCheckInHandler(engine *foreman.Engine, logger zerolog.Logger) *CheckInHandler {
	return &CheckInHandler{engine: engine, logger: logging.WithComponent(logger, "checkin")}
}

// CheckIn evaluates the endpoint's attributes and returns the actions
// dispatched to it. Partial dispatch failures still return 200 with the
// actions that went out; the failed rules are retried on the next check-in.
// Only a check-in where every dispatch failed answers 502.
func (h *CheckInHandler) CheckIn(w http.ResponseWriter, r *http.Request) {
	var req domain.CheckInRequest
	if err := decodeJSON(r, &req); err != nil {
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid request body")
		return
	}

	resp, err := h.engine.CheckIn(r.Context(), &req)
	if err != nil {
		if !errors.Is(err, domain.ErrDispatch) || resp == nil {
			handleError(w, err)
			return
		}
		h.logger.Warn().Err(err).Str("endpoint_id", req.EndpointID).Msg("Dispatch failed during check-in")
		if len(resp.Actions) == 0 {
			respondError(w, http.StatusBadGateway, domain.ErrCodeDispatchFailed, err.Error())
			return
		}
	}
	if resp.Actions == nil {
		resp.Actions = []domain.Action{}
	}
	respondJSON(w, http.StatusOK, resp)
}
