package middleware

import (
	"context"
	"crypto/sha256"
	"crypto/subtle"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"strings"

	"github.com/rs/zerolog"

	"github.com/bcnelson/hunt-foreman/internal/domain"
	"github.com/bcnelson/hunt-foreman/internal/storage"
)

type contextKey string

const PrincipalContextKey contextKey = "principal"

// BearerVerifier validates bearer tokens that are not API keys, such as OIDC
// ID tokens, and returns the identity they carry.
type BearerVerifier interface {
	VerifyBearer(ctx context.Context, token string) (string, error)
}

// BootstrapIdentity is the operator identity of the bootstrap key.
const BootstrapIdentity = "bootstrap"

// Auth creates authentication middleware. Requests carry either an API key
// or, when verifier is set, an ID token as "Authorization: Bearer <token>".
// The bootstrap key is honoured only while no API keys exist.
func Auth(store storage.Storage, bootstrapKey string, verifier BearerVerifier, logger zerolog.Logger) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			authHeader := r.Header.Get("Authorization")
			if authHeader == "" {
				unauthorized(w, "missing authorization header")
				return
			}

			token, ok := strings.CutPrefix(authHeader, "Bearer ")
			if !ok {
				unauthorized(w, "invalid authorization header format")
				return
			}
			token = strings.TrimSpace(token)
			if token == "" {
				unauthorized(w, "empty bearer token")
				return
			}

			ctx := r.Context()

			// Check if we have any API keys in the database
			keyCount, err := store.CountAPIKeys(ctx)
			if err != nil {
				logger.Error().Err(err).Msg("Failed to count API keys")
				writeError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
				return
			}

			// If no keys exist and bootstrap key is set, allow bootstrap key
			if keyCount == 0 && bootstrapKey != "" &&
				subtle.ConstantTimeCompare([]byte(token), []byte(bootstrapKey)) == 1 {
				next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, &domain.Principal{
					Identity: BootstrapIdentity,
					Source:   "bootstrap",
				})))
				return
			}

			storedKey, err := store.GetAPIKeyByHash(ctx, hashAPIKey(token))
			switch {
			case err == nil:
				// Update last used timestamp (fire and forget)
				go func() {
					_ = store.UpdateAPIKeyLastUsed(context.Background(), storedKey.ID)
				}()
				next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, &domain.Principal{
					Identity: storedKey.Name,
					Source:   "api_key",
				})))
				return
			case !errors.Is(err, domain.ErrNotFound):
				logger.Error().Err(err).Msg("Failed to look up API key")
				writeError(w, http.StatusInternalServerError, domain.ErrCodeInternalError, "internal server error")
				return
			}

			// ID tokens are JWTs; anything else is a bad API key.
			if verifier != nil && strings.Count(token, ".") == 2 {
				identity, err := verifier.VerifyBearer(ctx, token)
				if err != nil {
					logger.Debug().Err(err).Msg("Bearer token rejected")
					unauthorized(w, "invalid bearer token")
					return
				}
				next.ServeHTTP(w, r.WithContext(WithPrincipal(ctx, &domain.Principal{
					Identity: identity,
					Source:   "oidc",
				})))
				return
			}

			unauthorized(w, "invalid API key")
		})
	}
}

// hashAPIKey creates a SHA-256 hash of the API key.
// We use SHA-256 for fast lookups since API keys are already high-entropy random strings.
func hashAPIKey(key string) string {
	hash := sha256.Sum256([]byte(key))
	return hex.EncodeToString(hash[:])
}

// WithPrincipal stores the authenticated operator in ctx.
func WithPrincipal(ctx context.Context, p *domain.Principal) context.Context {
	return context.WithValue(ctx, PrincipalContextKey, p)
}

// PrincipalFromContext retrieves the authenticated operator from the request context.
func PrincipalFromContext(ctx context.Context) *domain.Principal {
	p, _ := ctx.Value(PrincipalContextKey).(*domain.Principal)
	return p
}

func unauthorized(w http.ResponseWriter, message string) {
	writeError(w, http.StatusUnauthorized, domain.ErrCodeUnauthorized, message)
}

func writeError(w http.ResponseWriter, status int, code, message string) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(&domain.StandardErrorResponse{
		Error: domain.StandardError{Code: code, Message: message},
	})
}
