package auth

import "errors"

// Authentication failures are deliberately uniform: callers cannot tell a
// wrong password from an unknown account, and a generic policy rejection
// never confirms which emails are permitted.
var (
	ErrInvalidCredentials   = errors.New("invalid credentials")
	ErrInvalidRefreshToken  = errors.New("invalid refresh token")
	ErrInvalidToken         = errors.New("invalid or expired token")
	ErrInvalidTwoFactorCode = errors.New("invalid two-factor code")
	ErrUnauthenticated      = errors.New("unauthenticated")
	ErrRegistrationClosed   = errors.New("registration is not available")
	ErrEmailTaken           = errors.New("email already registered")
	ErrTwoFactorNotEnabled  = errors.New("two-factor authentication is not enabled")
	ErrTwoFactorEnabled     = errors.New("two-factor authentication is already enabled")
	ErrAccountNotFound      = errors.New("account not found")
)
