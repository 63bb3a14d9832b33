package csrf

import (
	"crypto/rand"
	"crypto/subtle"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
)

// CookieName is deliberately not HttpOnly: client-side code must be able to
// read the value and echo it back in HeaderName on state-changing requests.
// The access and refresh cookies stay script-unreadable.
const (
	CookieName = "csrf_token"
	HeaderName = "X-CSRF-Token"
)

// ErrCSRF is a distinct failure kind. Handlers must not fold it into
// authentication failures.
var ErrCSRF = errors.New("csrf validation failed")

// Guard implements the double-submit check for cookie-based sessions.
// Bearer-only flows are inherently CSRF-resistant; when Enabled is false
// (pure bearer deployments) every check passes.
type Guard struct {
	Enabled bool
	Secure  bool
}

func NewGuard(enabled, secure bool) *Guard {
	return &Guard{Enabled: enabled, Secure: secure}
}

// IssueToken mints a fresh per-session anti-forgery value.
func (g *Guard) IssueToken() (string, error) {
	raw := make([]byte, 32)
	if _, err := rand.Read(raw); err != nil {
		return "", fmt.Errorf("generate csrf token: %w", err)
	}
	return hex.EncodeToString(raw), nil
}

// SetCookie delivers the token through the script-readable channel.
func (g *Guard) SetCookie(w http.ResponseWriter, token string) {
	http.SetCookie(w, &http.Cookie{
		Name:     CookieName,
		Value:    token,
		Path:     "/",
		HttpOnly: false,
		Secure:   g.Secure,
		SameSite: http.SameSiteLaxMode,
	})
}

// Validate compares the request-header echo against the session value in
// constant time.
func (g *Guard) Validate(headerValue, cookieValue string) error {
	if !g.Enabled {
		return nil
	}
	if headerValue == "" || cookieValue == "" {
		return ErrCSRF
	}
	if subtle.ConstantTimeCompare([]byte(headerValue), []byte(cookieValue)) != 1 {
		return ErrCSRF
	}
	return nil
}

// Check enforces the guard for a request. Safe methods pass. Requests that
// authenticated via a bearer Authorization header pass as well, since the
// credential there is not cookie-scoped.
func (g *Guard) Check(r *http.Request) error {
	if !g.Enabled {
		return nil
	}
	switch r.Method {
	case http.MethodGet, http.MethodHead, http.MethodOptions:
		return nil
	}
	if r.Header.Get("Authorization") != "" {
		return nil
	}

	cookie, err := r.Cookie(CookieName)
	if err != nil {
		return ErrCSRF
	}
	return g.Validate(r.Header.Get(HeaderName), cookie.Value)
}
