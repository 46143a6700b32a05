package handler

import (
	"net/http"

	"github.com/rs/zerolog"

	"github.com/bcnelson/hunt-foreman/internal/auth"
	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/logging"
)

// AuthHandler runs the OIDC login flow. The callback hands the verified ID
// token back to the caller, who presents it as a bearer token.
type AuthHandler struct {
	provider *auth.OIDCProvider
	logins   *auth.LoginStates
	logger   zerolog.Logger
}

// NewAuthHandler creates a new AuthHandler.
func NewAuthHandler(provider *auth.OIDCProvider, logins *auth.LoginStates, logger zerolog.Logger) *AuthHandler {
	return &AuthHandler{provider: provider, logins: logins, logger: logging.WithComponent(logger, "auth")}
}

// Login redirects to the identity provider.
func (h *AuthHandler) Login(w http.ResponseWriter, r *http.Request) {
	login, err := h.logins.Begin(w)
	if err != nil {
		h.logger.Error().Err(err).Msg("Failed to start login")
		respondError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "failed to start login")
		return
	}
	http.Redirect(w, r, h.provider.AuthCodeURL(login.State, login.Nonce), http.StatusFound)
}

// Callback completes the code exchange.
func (h *AuthHandler) Callback(w http.ResponseWriter, r *http.Request) {
	if errParam := r.URL.Query().Get("error"); errParam != "" {
		respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "login failed: "+errParam)
		return
	}

	login, err := h.logins.Finish(w, r, r.URL.Query().Get("state"))
	if err != nil {
		h.logger.Warn().Err(err).Msg("Invalid login state")
		respondError(w, http.StatusBadRequest, domain.ErrCodeInvalidInput, "invalid login state")
		return
	}

	result, err := h.provider.Exchange(r.Context(), r.URL.Query().Get("code"), login.Nonce)
	if err != nil {
		h.logger.Warn().Err(err).Msg("Login exchange failed")
		respondError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, "login failed")
		return
	}

	h.logger.Info().Str("identity", result.Claims.Identity()).Msg("Operator logged in")
	respondJSON(w, http.StatusOK, result)
}
