package auth

import (
	"context"
	"net/http"

	"socialnet/internal/credential"
	"socialnet/internal/observability"
	"socialnet/internal/token"
)

type contextKey struct{}

var principalKey contextKey

// AccessCookieName and RefreshCookieName are the cookie-mode carrier names.
const (
	AccessCookieName  = "access_token"
	RefreshCookieName = "refresh_token"
)

// PrincipalFromContext returns the resolved identity set by Middleware.
// Downstream handlers rely on this and never re-verify credentials.
func PrincipalFromContext(ctx context.Context) (Principal, bool) {
	principal, ok := ctx.Value(principalKey).(Principal)
	return principal, ok
}

// ContextWithPrincipal is exposed for handler tests.
func ContextWithPrincipal(ctx context.Context, principal Principal) context.Context {
	return context.WithValue(ctx, principalKey, principal)
}

// Middleware resolves the access token across every supported carrier shape
// and verifies it before the wrapped handler runs. The extraction diagnostic
// is logged on failure; it carries carrier metadata only, never the token.
func Middleware(tokens *token.Service, logger *observability.Logger, next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		carriers := credential.FromRequest(r)

		raw, diag, ok := credential.Extract(carriers, AccessCookieName, credential.Options{AllowBearer: true})
		if !ok {
			writeError(w, http.StatusUnauthorized, "missing authorization token")
			return
		}

		claims, err := tokens.Verify(raw, token.TypeAccess)
		if err != nil {
			logger.Info("access_token_rejected", map[string]any{
				"source": string(diag.Source),
				"reason": err.Error(),
				"ip":     observability.ClientIP(r),
			})
			writeError(w, http.StatusUnauthorized, "invalid or expired token")
			return
		}

		principal := Principal{AccountID: claims.Subject, TokenType: claims.Type}
		next.ServeHTTP(w, r.WithContext(ContextWithPrincipal(r.Context(), principal)))
	})
}
