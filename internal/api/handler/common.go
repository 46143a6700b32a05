package handler

import (
	"crypto/rand"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/google/uuid"

	"github.com/bcnelson/hunt-foreman/internal/api/middleware"
	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/validation"
)

// respondJSON writes a JSON response.
func respondJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if data != nil {
		json.NewEncoder(w).Encode(data)
	}
}

// respondError writes a standard JSON error response.
func respondError(w http.ResponseWriter, status int, code, message string) {
	respondJSON(w, status, &domain.StandardErrorResponse{
		Error: domain.StandardError{Code: code, Message: message},
	})
}

// respondValidationErrors writes a JSON response for validation failures.
func respondValidationErrors(w http.ResponseWriter, code string, errs validation.ValidationErrors) {
	body := domain.StandardError{
		Code:    code,
		Message: errs.Error(),
		Details: map[string]any{"errors": errs},
	}
	if len(errs) > 0 {
		body.Field = errs[0].Field
	}
	respondJSON(w, http.StatusBadRequest, &domain.StandardErrorResponse{Error: body})
}

// handleError converts domain errors to HTTP errors.
func handleError(w http.ResponseWriter, err error) {
	var verrs validation.ValidationErrors
	var verr *validation.ValidationError
	switch {
	case errors.Is(err, domain.ErrInvalidArguments) && errors.As(err, &verrs):
		respondValidationErrors(w, domain.ErrCodeInvalidArguments, verrs)
	case errors.Is(err, domain.ErrInvalidArguments):
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidArguments, err.Error())
	case errors.As(err, &verrs):
		respondValidationErrors(w, domain.ErrCodeValidationError, verrs)
	case errors.As(err, &verr):
		respondValidationErrors(w, domain.ErrCodeValidationError, validation.ValidationErrors{verr})
	case errors.Is(err, domain.ErrNotFound):
		respondError(w, http.StatusNotFound, domain.ErrCodeResourceNotFound, "not found")
	case errors.Is(err, domain.ErrAlreadyExists),
		errors.Is(err, domain.ErrDuplicateRule),
		errors.Is(err, domain.ErrDuplicateRequest):
		respondError(w, http.StatusConflict, domain.ErrCodeResourceAlreadyExists, err.Error())
	case errors.Is(err, domain.ErrInvalidTransition),
		errors.Is(err, domain.ErrRequestClosed),
		errors.Is(err, domain.ErrApprovalExpired):
		respondError(w, http.StatusConflict, domain.ErrCodeConflict, err.Error())
	case errors.Is(err, domain.ErrSelfApproval):
		respondError(w, http.StatusForbidden, domain.ErrCodeForbidden, err.Error())
	case errors.Is(err, domain.ErrInvalidInput):
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, err.Error())
	case errors.Is(err, domain.ErrUnauthorized):
		respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "unauthorized")
	default:
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
	}
}

// decodeJSON decodes JSON from request body.
func decodeJSON(r *http.Request, v any) error {
	if err := json.NewDecoder(r.Body).Decode(v); err != nil {
		return domain.ErrInvalidInput
	}
	return nil
}

// decodeOptionalJSON is decodeJSON for endpoints whose body may be empty.
func decodeOptionalJSON(r *http.Request, v any) error {
	if r.Body == nil || r.ContentLength == 0 {
		return nil
	}
	return decodeJSON(r, v)
}

// actor returns the identity of the authenticated operator.
func actor(r *http.Request) string {
	if p := middleware.PrincipalFromContext(r.Context()); p != nil {
		return p.Identity
	}
	return ""
}

// generateID generates a new UUID.
func generateID() string {
	return uuid.New().String()
}

// generateAPIKey generates a new random API key.
func generateAPIKey() (key string, hash string, prefix string, err error) {
	// Generate 32 random bytes for the key
	bytes := make([]byte, 32)
	if _, err := rand.Read(bytes); err != nil {
		return "", "", "", err
	}

	key = "hf_" + hex.EncodeToString(bytes)
	hash = HashKey(key)
	prefix = key[:11] // "hf_" + first 8 chars of hex

	return key, hash, prefix, nil
}

// HashKey creates a SHA-256 hash of the API key.
func HashKey(key string) string {
	h := sha256.Sum256([]byte(key))
	return hex.EncodeToString(h[:])
}
