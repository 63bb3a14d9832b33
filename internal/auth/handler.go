package auth

import (
	"encoding/json"
	"errors"
	"net/http"
	"regexp"
	"strconv"

	"github.com/getsentry/sentry-go"

	"socialnet/internal/credential"
	"socialnet/internal/csrf"
	"socialnet/internal/observability"
	"socialnet/internal/ratelimit"
)

var emailRegex = regexp.MustCompile(`^[^@\s]+@[^@\s]+\.[^@\s]+$`)

const maxJSONBodyBytes = 1 << 20

// TokenSender delivers single-use tokens out of band. Notification fan-out
// is an external collaborator; the default implementation does nothing.
type TokenSender interface {
	SendVerification(email, rawToken string) error
	SendPasswordReset(email, rawToken string) error
}

type NopSender struct{}

func (NopSender) SendVerification(string, string) error  { return nil }
func (NopSender) SendPasswordReset(string, string) error { return nil }

// CookieSettings controls cookie-mode token delivery. When Enabled is false
// the handler runs bearer-only: tokens travel in response bodies and the
// CSRF guard is bypassed (configured at the guard).
type CookieSettings struct {
	Enabled bool
	Secure  bool
	Domain  string
}

type Handler struct {
	service *Service
	guard   *csrf.Guard
	sender  TokenSender
	cookies CookieSettings
	logger  *observability.Logger
}

func NewHandler(service *Service, guard *csrf.Guard, sender TokenSender, cookies CookieSettings, logger *observability.Logger) *Handler {
	if sender == nil {
		sender = NopSender{}
	}
	return &Handler{service: service, guard: guard, sender: sender, cookies: cookies, logger: logger}
}

type registerRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Register(w http.ResponseWriter, r *http.Request) {
	var body registerRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if !emailRegex.MatchString(body.Email) {
		writeError(w, http.StatusBadRequest, "email format is invalid")
		return
	}
	if len(body.Password) < 12 || len(body.Password) > 200 {
		writeError(w, http.StatusBadRequest, "password must be between 12 and 200 characters")
		return
	}

	account, verification, err := h.service.Register(r.Context(), body.Email, body.Password, metaFrom(r))
	if err != nil {
		h.respondError(w, err, "failed to register")
		return
	}

	if err := h.sender.SendVerification(account.Email, verification); err != nil {
		h.logger.Error("verification_send_failed", map[string]any{"error": err.Error()})
	}

	writeJSON(w, http.StatusCreated, map[string]any{
		"account_id":     account.ID,
		"email_verified": false,
	})
}

type tokenRequest struct {
	Token string `json:"token"`
}

func (h *Handler) VerifyEmail(w http.ResponseWriter, r *http.Request) {
	var body tokenRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.VerifyEmail(r.Context(), body.Token, metaFrom(r)); err != nil {
		h.respondError(w, err, "failed to verify email")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

type loginRequest struct {
	Email    string `json:"email"`
	Password string `json:"password"`
}

func (h *Handler) Login(w http.ResponseWriter, r *http.Request) {
	var body loginRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.Login(r.Context(), body.Email, body.Password, metaFrom(r))
	if err != nil {
		h.respondError(w, err, "failed to login")
		return
	}

	h.respondLoginResult(w, result)
}

type verifyTwoFactorRequest struct {
	ChallengeToken string `json:"challenge_token"`
	Code           string `json:"code"`
}

func (h *Handler) VerifyTwoFactor(w http.ResponseWriter, r *http.Request) {
	var body verifyTwoFactorRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	result, err := h.service.VerifyTwoFactor(r.Context(), body.ChallengeToken, body.Code, metaFrom(r))
	if err != nil {
		h.respondError(w, err, "failed to verify second factor")
		return
	}

	h.respondLoginResult(w, result)
}

type refreshRequest struct {
	RefreshToken string `json:"refresh_token"`
}

func (h *Handler) Refresh(w http.ResponseWriter, r *http.Request) {
	raw := h.refreshTokenFrom(w, r)
	if raw == "" {
		return
	}

	pair, err := h.service.Refresh(r.Context(), raw, metaFrom(r))
	if err != nil {
		h.respondError(w, err, "failed to refresh token")
		return
	}

	h.setSessionCookies(w, pair)
	writeJSON(w, http.StatusOK, pair)
}

func (h *Handler) Logout(w http.ResponseWriter, r *http.Request) {
	raw := h.refreshTokenFrom(w, r)
	if raw == "" {
		return
	}

	if err := h.service.Logout(r.Context(), raw, metaFrom(r)); err != nil {
		h.respondError(w, err, "failed to logout")
		return
	}

	h.clearSessionCookies(w)
	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) BeginTwoFactorEnrollment(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	enrollment, err := h.service.BeginTwoFactorEnrollment(r.Context(), principal.AccountID)
	if err != nil {
		h.respondError(w, err, "failed to start two-factor enrollment")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"secret":           enrollment.Secret,
		"provisioning_uri": enrollment.ProvisioningURI,
	})
}

type codeRequest struct {
	Code string `json:"code"`
}

func (h *Handler) ActivateTwoFactor(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var body codeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	codes, err := h.service.ActivateTwoFactor(r.Context(), principal.AccountID, body.Code, metaFrom(r))
	if err != nil {
		h.respondError(w, err, "failed to activate two-factor")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}

func (h *Handler) DisableTwoFactor(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var body codeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	if err := h.service.DisableTwoFactor(r.Context(), principal.AccountID, body.Code, metaFrom(r)); err != nil {
		h.respondError(w, err, "failed to disable two-factor")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

func (h *Handler) RegenerateRecoveryCodes(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	var body codeRequest
	if !decodeJSON(w, r, &body) {
		return
	}

	codes, err := h.service.RegenerateRecoveryCodes(r.Context(), principal.AccountID, body.Code, metaFrom(r))
	if err != nil {
		h.respondError(w, err, "failed to regenerate recovery codes")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{"recovery_codes": codes})
}

type resetRequestBody struct {
	Email string `json:"email"`
}

func (h *Handler) RequestPasswordReset(w http.ResponseWriter, r *http.Request) {
	var body resetRequestBody
	if !decodeJSON(w, r, &body) {
		return
	}

	reset, err := h.service.RequestPasswordReset(r.Context(), body.Email, metaFrom(r))
	if err != nil {
		h.respondError(w, err, "failed to request password reset")
		return
	}

	if reset != "" {
		if err := h.sender.SendPasswordReset(body.Email, reset); err != nil {
			h.logger.Error("reset_send_failed", map[string]any{"error": err.Error()})
		}
	}

	// Uniform response whether or not the account exists.
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "accepted"})
}

type resetConfirmBody struct {
	Token       string `json:"token"`
	NewPassword string `json:"new_password"`
}

func (h *Handler) ResetPassword(w http.ResponseWriter, r *http.Request) {
	var body resetConfirmBody
	if !decodeJSON(w, r, &body) {
		return
	}

	if len(body.NewPassword) < 12 || len(body.NewPassword) > 200 {
		writeError(w, http.StatusBadRequest, "password must be between 12 and 200 characters")
		return
	}

	if err := h.service.ResetPassword(r.Context(), body.Token, body.NewPassword, metaFrom(r)); err != nil {
		h.respondError(w, err, "failed to reset password")
		return
	}

	w.WriteHeader(http.StatusNoContent)
}

// Session reports the resolved principal; downstream collaborators use the
// same shape.
func (h *Handler) Session(w http.ResponseWriter, r *http.Request) {
	principal, ok := PrincipalFromContext(r.Context())
	if !ok {
		writeError(w, http.StatusUnauthorized, "unauthenticated")
		return
	}

	writeJSON(w, http.StatusOK, map[string]any{
		"account_id": principal.AccountID,
		"token_type": string(principal.TokenType),
	})
}

// CSRFMiddleware rejects cookie-session state changes without a valid
// anti-forgery header. The failure kind is distinct from authentication.
func CSRFMiddleware(guard *csrf.Guard, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if err := guard.Check(r); err != nil {
			writeError(w, http.StatusForbidden, "csrf validation failed")
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (h *Handler) respondLoginResult(w http.ResponseWriter, result LoginResult) {
	if result.State == StateTwoFactorPending {
		writeJSON(w, http.StatusOK, map[string]any{
			"state":           string(result.State),
			"challenge_token": result.ChallengeToken,
		})
		return
	}

	h.setSessionCookies(w, result.Tokens)

	writeJSON(w, http.StatusOK, map[string]any{
		"state":          string(result.State),
		"email_verified": result.EmailVerified,
		"tokens":         result.Tokens,
	})
}

// setSessionCookies delivers tokens as HttpOnly cookies plus a fresh
// script-readable CSRF value. Bearer-only deployments skip all of it.
func (h *Handler) setSessionCookies(w http.ResponseWriter, pair TokenPair) {
	if !h.cookies.Enabled {
		return
	}

	http.SetCookie(w, &http.Cookie{
		Name:     AccessCookieName,
		Value:    pair.AccessToken,
		Path:     "/",
		Domain:   h.cookies.Domain,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteLaxMode,
		MaxAge:   int(pair.ExpiresIn),
	})
	http.SetCookie(w, &http.Cookie{
		Name:     RefreshCookieName,
		Value:    pair.RefreshToken,
		Path:     "/auth",
		Domain:   h.cookies.Domain,
		HttpOnly: true,
		Secure:   h.cookies.Secure,
		SameSite: http.SameSiteStrictMode,
	})

	if token, err := h.guard.IssueToken(); err == nil {
		h.guard.SetCookie(w, token)
	} else {
		h.logger.Error("csrf_issue_failed", map[string]any{"error": err.Error()})
	}
}

func (h *Handler) clearSessionCookies(w http.ResponseWriter) {
	if !h.cookies.Enabled {
		return
	}
	for _, name := range []string{AccessCookieName, RefreshCookieName} {
		http.SetCookie(w, &http.Cookie{Name: name, Value: "", Path: "/", MaxAge: -1})
	}
}

// refreshTokenFrom pulls the refresh token from the cookie carriers or the
// request body. The bearer header is never consulted for refresh tokens.
func (h *Handler) refreshTokenFrom(w http.ResponseWriter, r *http.Request) string {
	carriers := credential.FromRequest(r)
	if raw, _, ok := credential.Extract(carriers, RefreshCookieName, credential.Options{}); ok {
		return raw
	}

	var body refreshRequest
	if !decodeJSON(w, r, &body) {
		return ""
	}
	if body.RefreshToken == "" {
		writeError(w, http.StatusUnauthorized, "invalid refresh token")
		return ""
	}
	return body.RefreshToken
}

func (h *Handler) respondError(w http.ResponseWriter, err error, fallback string) {
	var limited ratelimit.RateLimitedError
	switch {
	case errors.As(err, &limited):
		retryAfter := int(limited.RetryAfter.Seconds())
		if retryAfter < 1 {
			retryAfter = 1
		}
		w.Header().Set("Retry-After", strconv.Itoa(retryAfter))
		writeError(w, http.StatusTooManyRequests, "too many attempts")
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrInvalidRefreshToken),
		errors.Is(err, ErrInvalidToken),
		errors.Is(err, ErrInvalidTwoFactorCode),
		errors.Is(err, ErrUnauthenticated):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	case errors.Is(err, ErrRegistrationClosed):
		writeError(w, http.StatusForbidden, "registration is not available")
	case errors.Is(err, ErrEmailTaken):
		writeError(w, http.StatusConflict, "unable to register with this email")
	case errors.Is(err, ErrTwoFactorNotEnabled), errors.Is(err, ErrTwoFactorEnabled):
		writeError(w, http.StatusConflict, err.Error())
	case errors.Is(err, ErrAccountNotFound):
		writeError(w, http.StatusUnauthorized, "unauthorized")
	default:
		sentry.CaptureException(err)
		writeError(w, http.StatusInternalServerError, fallback)
	}
}

func metaFrom(r *http.Request) RequestMeta {
	return RequestMeta{
		SourceAddress: observability.ClientIP(r),
		UserAgent:     r.UserAgent(),
	}
}

func decodeJSON(w http.ResponseWriter, r *http.Request, into any) bool {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(into); err != nil {
		writeError(w, http.StatusBadRequest, "invalid json body")
		return false
	}
	return true
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}
