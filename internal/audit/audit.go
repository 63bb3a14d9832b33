package audit

import (
	"context"
	"time"
)

// Record is one append-only security event. Records are write-once: nothing
// updates them after insert, and only the retention purge removes them.
type Record struct {
	ID            string
	AccountID     string
	Action        string
	Resource      string
	ResourceID    string
	Changes       map[string]any
	SourceAddress string
	UserAgent     string
	CreatedAt     time.Time
}

// Actions recorded by the auth flows.
const (
	ActionRegister          = "auth.register"
	ActionEmailVerified     = "auth.email_verified"
	ActionLogin             = "auth.login"
	ActionLoginFailed       = "auth.login_failed"
	ActionTwoFactorVerified = "auth.twofactor_verified"
	ActionTwoFactorFailed   = "auth.twofactor_failed"
	ActionTwoFactorEnrolled = "auth.twofactor_enrolled"
	ActionTwoFactorDisabled = "auth.twofactor_disabled"
	ActionRecoveryCodesSet  = "auth.recovery_codes_regenerated"
	ActionTokenRefreshed    = "auth.token_refreshed"
	ActionLogout            = "auth.logout"
	ActionPasswordReset     = "auth.password_reset"
)

// Sink persists records. Failures are the recorder's problem: they get logged
// and dropped, never surfaced to the request that triggered the event.
type Sink interface {
	Emit(ctx context.Context, record Record) error
}

// DefaultRetention is how long records are kept before the purge removes them.
const DefaultRetention = 90 * 24 * time.Hour
