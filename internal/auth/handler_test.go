package auth

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"socialnet/internal/csrf"
	"socialnet/internal/observability"
)

func newTestHandler(t *testing.T, cfg Config) (*Handler, *testEnv) {
	t.Helper()
	env := newTestEnv(t, cfg)
	guard := csrf.NewGuard(true, false)
	handler := NewHandler(env.service, guard, NopSender{}, CookieSettings{Enabled: true}, observability.NewLogger())
	return handler, env
}

func postJSON(t *testing.T, handlerFunc http.HandlerFunc, path string, body any) *httptest.ResponseRecorder {
	t.Helper()
	payload, err := json.Marshal(body)
	require.NoError(t, err)
	req := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(payload))
	req.Header.Set("Content-Type", "application/json")
	rec := httptest.NewRecorder()
	handlerFunc(rec, req)
	return rec
}

func decodeBody(t *testing.T, rec *httptest.ResponseRecorder) map[string]any {
	t.Helper()
	var body map[string]any
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &body))
	return body
}

func TestRegisterValidation(t *testing.T) {
	handler, _ := newTestHandler(t, Config{RegistrationEnabled: true})

	rec := postJSON(t, handler.Register, "/auth/register", map[string]string{
		"email": "not-an-email", "password": "long-enough-password",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, handler.Register, "/auth/register", map[string]string{
		"email": "user@example.com", "password": "short",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)

	rec = postJSON(t, handler.Register, "/auth/register", map[string]string{
		"email": "user@example.com", "password": "long-enough-password",
	})
	require.Equal(t, http.StatusCreated, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["account_id"])
	assert.Equal(t, false, body["email_verified"])
}

func TestRegisterRejectsUnknownFields(t *testing.T) {
	handler, _ := newTestHandler(t, Config{RegistrationEnabled: true})

	rec := postJSON(t, handler.Register, "/auth/register", map[string]string{
		"email": "user@example.com", "password": "long-enough-password", "role": "admin",
	})
	assert.Equal(t, http.StatusBadRequest, rec.Code)
}

func TestLoginSetsSessionCookies(t *testing.T) {
	handler, env := newTestHandler(t, Config{RegistrationEnabled: true})
	registerAccount(t, env, "user@example.com", "correct-horse-battery")

	rec := postJSON(t, handler.Login, "/auth/login", map[string]string{
		"email": "user@example.com", "password": "correct-horse-battery",
	})
	require.Equal(t, http.StatusOK, rec.Code)

	names := map[string]bool{}
	for _, cookie := range rec.Result().Cookies() {
		names[cookie.Name] = true
		switch cookie.Name {
		case AccessCookieName, RefreshCookieName:
			assert.True(t, cookie.HttpOnly, "%s must be HttpOnly", cookie.Name)
		case csrf.CookieName:
			assert.False(t, cookie.HttpOnly, "csrf cookie must be script readable")
		}
	}
	assert.True(t, names[AccessCookieName])
	assert.True(t, names[RefreshCookieName])
	assert.True(t, names[csrf.CookieName])

	body := decodeBody(t, rec)
	assert.Equal(t, string(StateAuthenticated), body["state"])
}

func TestLoginWrongPasswordIsUnauthorized(t *testing.T) {
	handler, env := newTestHandler(t, Config{RegistrationEnabled: true})
	registerAccount(t, env, "user@example.com", "correct-horse-battery")

	rec := postJSON(t, handler.Login, "/auth/login", map[string]string{
		"email": "user@example.com", "password": "wrong-password-here",
	})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
	assert.Equal(t, "unauthorized", decodeBody(t, rec)["error"])
}

func TestLoginRateLimitedResponse(t *testing.T) {
	handler, _ := newTestHandler(t, Config{RegistrationEnabled: true, IPLimit: 1})

	postJSON(t, handler.Login, "/auth/login", map[string]string{
		"email": "ghost@example.com", "password": "wrong-password-here",
	})
	rec := postJSON(t, handler.Login, "/auth/login", map[string]string{
		"email": "ghost@example.com", "password": "wrong-password-here",
	})
	assert.Equal(t, http.StatusTooManyRequests, rec.Code)
	assert.NotEmpty(t, rec.Header().Get("Retry-After"))
}

func TestLoginPendingStateOmitsTokens(t *testing.T) {
	handler, env := newTestHandler(t, Config{RegistrationEnabled: true, AccountLimit: 10})
	account := registerAccount(t, env, "user@example.com", "correct-horse-battery")
	enrollTwoFactor(t, env, account)

	rec := postJSON(t, handler.Login, "/auth/login", map[string]string{
		"email": "user@example.com", "password": "correct-horse-battery",
	})
	require.Equal(t, http.StatusOK, rec.Code)
	assert.Empty(t, rec.Result().Cookies(), "no session cookies before the second factor")

	body := decodeBody(t, rec)
	assert.Equal(t, string(StateTwoFactorPending), body["state"])
	assert.NotEmpty(t, body["challenge_token"])
	assert.NotContains(t, body, "tokens")
}

func TestRefreshFromCookie(t *testing.T) {
	handler, env := newTestHandler(t, Config{RegistrationEnabled: true})
	registerAccount(t, env, "user@example.com", "correct-horse-battery")

	login, err := env.service.Login(context.Background(), "user@example.com", "correct-horse-battery", testMeta)
	require.NoError(t, err)

	req := httptest.NewRequest(http.MethodPost, "/auth/refresh", nil)
	req.AddCookie(&http.Cookie{Name: RefreshCookieName, Value: login.Tokens.RefreshToken})
	rec := httptest.NewRecorder()
	handler.Refresh(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	body := decodeBody(t, rec)
	assert.NotEmpty(t, body["access_token"])
	assert.NotEqual(t, login.Tokens.RefreshToken, body["refresh_token"])
}

func TestRefreshWithoutTokenIsUnauthorized(t *testing.T) {
	handler, _ := newTestHandler(t, Config{RegistrationEnabled: true})

	rec := postJSON(t, handler.Refresh, "/auth/refresh", map[string]string{"refresh_token": ""})
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestCSRFMiddlewareBlocksCookieSessions(t *testing.T) {
	guard := csrf.NewGuard(true, false)
	next := http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusNoContent)
	})
	wrapped := CSRFMiddleware(guard, next)

	token, err := guard.IssueToken()
	require.NoError(t, err)

	// Cookie session without the header is forgeable cross-site.
	req := httptest.NewRequest(http.MethodPost, "/auth/2fa/disable", nil)
	req.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: token})
	rec := httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusForbidden, rec.Code)

	req = httptest.NewRequest(http.MethodPost, "/auth/2fa/disable", nil)
	req.AddCookie(&http.Cookie{Name: csrf.CookieName, Value: token})
	req.Header.Set(csrf.HeaderName, token)
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)

	// Bearer requests carry no ambient credentials; the guard stands aside.
	req = httptest.NewRequest(http.MethodPost, "/auth/2fa/disable", nil)
	req.Header.Set("Authorization", "Bearer some-token")
	rec = httptest.NewRecorder()
	wrapped.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusNoContent, rec.Code)
}

func TestSessionEchoesPrincipal(t *testing.T) {
	handler, env := newTestHandler(t, Config{RegistrationEnabled: true})
	registerAccount(t, env, "user@example.com", "correct-horse-battery")

	login, err := env.service.Login(context.Background(), "user@example.com", "correct-horse-battery", testMeta)
	require.NoError(t, err)

	protected := Middleware(env.tokens, observability.NewLogger(), http.HandlerFunc(handler.Session))

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+login.Tokens.AccessToken)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	require.Equal(t, http.StatusOK, rec.Code)
	assert.Equal(t, login.AccountID, decodeBody(t, rec)["account_id"])
}

func TestMiddlewareRejectsRefreshTokenAsAccess(t *testing.T) {
	handler, env := newTestHandler(t, Config{RegistrationEnabled: true})
	registerAccount(t, env, "user@example.com", "correct-horse-battery")

	login, err := env.service.Login(context.Background(), "user@example.com", "correct-horse-battery", testMeta)
	require.NoError(t, err)

	protected := Middleware(env.tokens, observability.NewLogger(), http.HandlerFunc(handler.Session))

	req := httptest.NewRequest(http.MethodGet, "/auth/session", nil)
	req.Header.Set("Authorization", "Bearer "+login.Tokens.RefreshToken)
	rec := httptest.NewRecorder()
	protected.ServeHTTP(rec, req)

	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}
