// Package auth verifies operator identities issued by an OIDC provider.
package auth

import (
	"context"
	"crypto/rand"
	"crypto/subtle"
	"encoding/base64"
	"errors"
	"fmt"
	"slices"
	"strings"
	"time"

	"github.com/coreos/go-oidc/v3/oidc"
	"golang.org/x/oauth2"
)

// ErrDomainNotAllowed is returned for identities outside the allowed domains.
var ErrDomainNotAllowed = errors.New("email domain is not allowed")

// OIDCProvider wraps the OIDC provider and OAuth2 config.
type OIDCProvider struct {
	provider       *oidc.Provider
	oauth2Config   *oauth2.Config
	verifier       *oidc.IDTokenVerifier
	allowedDomains []string
}

// OIDCClaims represents the claims from an ID token.
type OIDCClaims struct {
	Subject       string `json:"sub"`
	Email         string `json:"email"`
	EmailVerified bool   `json:"email_verified"`
	Name          string `json:"name"`
}

// Identity is the operator identity recorded on hunts and approvals.
func (c *OIDCClaims) Identity() string {
	return strings.ToLower(c.Email)
}

// NewOIDCProvider creates a new OIDC provider with discovery.
func NewOIDCProvider(ctx context.Context, issuerURL, clientID, clientSecret, redirectURL string, scopes, allowedDomains []string) (*OIDCProvider, error) {
	provider, err := oidc.NewProvider(ctx, issuerURL)
	if err != nil {
		return nil, fmt.Errorf("failed to create OIDC provider: %w", err)
	}

	oauth2Config := &oauth2.Config{
		ClientID:     clientID,
		ClientSecret: clientSecret,
		RedirectURL:  redirectURL,
		Endpoint:     provider.Endpoint(),
		Scopes:       scopes,
	}

	verifier := provider.Verifier(&oidc.Config{
		ClientID: clientID,
	})

	return &OIDCProvider{
		provider:       provider,
		oauth2Config:   oauth2Config,
		verifier:       verifier,
		allowedDomains: allowedDomains,
	}, nil
}

// AuthCodeURL generates an authorization URL with state and nonce.
func (p *OIDCProvider) AuthCodeURL(state, nonce string) string {
	return p.oauth2Config.AuthCodeURL(
		state,
		oidc.Nonce(nonce),
	)
}

// ExchangeResult contains the result of an authorization code exchange.
// IDToken is what API clients present as their bearer token.
type ExchangeResult struct {
	Claims  *OIDCClaims `json:"claims"`
	IDToken string      `json:"id_token"`
	Expiry  time.Time   `json:"expiry"`
}

// Exchange exchanges an authorization code for tokens and validates the ID token.
func (p *OIDCProvider) Exchange(ctx context.Context, code, nonce string) (*ExchangeResult, error) {
	token, err := p.oauth2Config.Exchange(ctx, code)
	if err != nil {
		return nil, fmt.Errorf("failed to exchange code: %w", err)
	}

	rawIDToken, ok := token.Extra("id_token").(string)
	if !ok {
		return nil, fmt.Errorf("no id_token in token response")
	}

	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return nil, fmt.Errorf("failed to verify ID token: %w", err)
	}

	if subtle.ConstantTimeCompare([]byte(idToken.Nonce), []byte(nonce)) != 1 {
		return nil, fmt.Errorf("nonce mismatch")
	}

	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return nil, fmt.Errorf("failed to parse claims: %w", err)
	}
	if err := p.ValidateClaims(&claims); err != nil {
		return nil, err
	}

	return &ExchangeResult{
		Claims:  &claims,
		IDToken: rawIDToken,
		Expiry:  idToken.Expiry,
	}, nil
}

// VerifyBearer validates an ID token presented as a bearer credential and
// returns the operator identity it carries.
func (p *OIDCProvider) VerifyBearer(ctx context.Context, rawIDToken string) (string, error) {
	idToken, err := p.verifier.Verify(ctx, rawIDToken)
	if err != nil {
		return "", fmt.Errorf("failed to verify ID token: %w", err)
	}
	var claims OIDCClaims
	if err := idToken.Claims(&claims); err != nil {
		return "", fmt.Errorf("failed to parse claims: %w", err)
	}
	if err := p.ValidateClaims(&claims); err != nil {
		return "", err
	}
	return claims.Identity(), nil
}

// ValidateClaims checks if the claims meet requirements (e.g., domain restriction).
func (p *OIDCProvider) ValidateClaims(claims *OIDCClaims) error {
	if claims.Email == "" {
		return fmt.Errorf("email claim is required")
	}

	if len(p.allowedDomains) == 0 {
		return nil
	}
	_, domain, ok := strings.Cut(claims.Email, "@")
	if !ok || domain == "" || strings.Contains(domain, "@") {
		return fmt.Errorf("invalid email format")
	}
	domain = strings.ToLower(domain)
	if !slices.ContainsFunc(p.allowedDomains, func(d string) bool { return strings.EqualFold(d, domain) }) {
		return fmt.Errorf("%w: %s", ErrDomainNotAllowed, domain)
	}
	return nil
}

// GenerateSecureString generates a cryptographically secure random string.
func GenerateSecureString(length int) (string, error) {
	bytes := make([]byte, length)
	if _, err := rand.Read(bytes); err != nil {
		return "", err
	}
	return base64.RawURLEncoding.EncodeToString(bytes), nil
}
