package auth

import (
	"crypto/aes"
	"crypto/cipher"
	"crypto/rand"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"time"
)

// loginCookie carries the pending login between /auth/login and
// /auth/callback. It is scoped to the /auth/ routes only.
const (
	loginCookie     = "foreman_login"
	loginCookiePath = "/auth/"
	loginTTL        = 5 * time.Minute
)

var (
	// ErrNoLogin means the callback arrived without a pending login.
	ErrNoLogin = errors.New("no pending login")
	// ErrLoginMismatch means the cookie does not belong to the state in the
	// callback URL, or was not sealed by this server.
	ErrLoginMismatch = errors.New("login state mismatch")
	// ErrLoginExpired means the pending login is older than loginTTL.
	ErrLoginExpired = errors.New("login expired")
)

// PendingLogin is one login in flight. State travels through the identity
// provider in the redirect; Nonce must come back inside the ID token.
type PendingLogin struct {
	State string
	Nonce string
}

// sealed is the cookie payload. The state is not stored: it is bound as
// additional data, so only the matching callback URL can open the cookie.
type sealed struct {
	Nonce  string `json:"n"`
	Issued int64  `json:"t"`
}

// LoginStates seals pending logins into a short-lived cookie, so the
// server keeps no session storage for the bearer-token flow.
type LoginStates struct {
	aead   cipher.AEAD
	secure bool
	now    func() time.Time
}

// NewLoginStates creates the sealer from a 32-byte key. A nil key is
// replaced with a random one, which invalidates logins across restarts.
func NewLoginStates(key []byte, secure bool) (*LoginStates, error) {
	if key == nil {
		key = make([]byte, 32)
		if _, err := rand.Read(key); err != nil {
			return nil, fmt.Errorf("failed to generate login key: %w", err)
		}
	}
	if len(key) != 32 {
		return nil, fmt.Errorf("login key must be 32 bytes, got %d", len(key))
	}
	block, err := aes.NewCipher(key)
	if err != nil {
		return nil, err
	}
	aead, err := cipher.NewGCM(block)
	if err != nil {
		return nil, err
	}
	return &LoginStates{aead: aead, secure: secure, now: time.Now}, nil
}

// Begin starts a login and sets its cookie on w.
func (s *LoginStates) Begin(w http.ResponseWriter) (*PendingLogin, error) {
	state, err := GenerateSecureString(32)
	if err != nil {
		return nil, err
	}
	nonce, err := GenerateSecureString(32)
	if err != nil {
		return nil, err
	}
	payload, err := json.Marshal(sealed{Nonce: nonce, Issued: s.now().Unix()})
	if err != nil {
		return nil, err
	}

	iv := make([]byte, s.aead.NonceSize())
	if _, err := rand.Read(iv); err != nil {
		return nil, err
	}
	box := s.aead.Seal(iv, iv, payload, []byte(state))
	s.setCookie(w, base64.RawURLEncoding.EncodeToString(box), int(loginTTL/time.Second))
	return &PendingLogin{State: state, Nonce: nonce}, nil
}

// Finish recovers the login matching state from r and clears the cookie.
// The cookie is single use whether or not it validates.
func (s *LoginStates) Finish(w http.ResponseWriter, r *http.Request, state string) (*PendingLogin, error) {
	s.setCookie(w, "", -1)

	c, err := r.Cookie(loginCookie)
	if err != nil {
		return nil, ErrNoLogin
	}
	box, err := base64.RawURLEncoding.DecodeString(c.Value)
	if err != nil || len(box) < s.aead.NonceSize() {
		return nil, ErrLoginMismatch
	}
	iv, box := box[:s.aead.NonceSize()], box[s.aead.NonceSize():]
	payload, err := s.aead.Open(nil, iv, box, []byte(state))
	if err != nil {
		return nil, ErrLoginMismatch
	}

	var p sealed
	if err := json.Unmarshal(payload, &p); err != nil {
		return nil, ErrLoginMismatch
	}
	if s.now().Sub(time.Unix(p.Issued, 0)) > loginTTL {
		return nil, ErrLoginExpired
	}
	return &PendingLogin{State: state, Nonce: p.Nonce}, nil
}

func (s *LoginStates) setCookie(w http.ResponseWriter, value string, maxAge int) {
	http.SetCookie(w, &http.Cookie{
		Name:     loginCookie,
		Value:    value,
		Path:     loginCookiePath,
		MaxAge:   maxAge,
		HttpOnly: true,
		SameSite: http.SameSiteLaxMode,
		Secure:   s.secure,
	})
}
