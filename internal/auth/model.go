package auth

import (
	"time"

	"socialnet/internal/token"
)

// Account is the identity record. Accounts referenced by audit history are
// soft-deleted (DeletedAt set), never removed.
type Account struct {
	ID                 string
	Email              string
	PasswordHash       string
	EmailVerified      bool
	TwoFactorEnabled   bool
	TwoFactorSecretEnc *string
	CreatedAt          time.Time
	UpdatedAt          time.Time
	DeletedAt          *time.Time
}

// TokenPurpose discriminates the single-use token families sharing the
// verification_tokens table.
type TokenPurpose string

const (
	PurposeEmailVerify    TokenPurpose = "email_verify"
	PurposePasswordReset  TokenPurpose = "password_reset"
	PurposeTwoFactorLogin TokenPurpose = "twofa_login"
)

// VerificationToken is single-use and time-bound. Only the hash of the raw
// token is stored.
type VerificationToken struct {
	ID         string
	AccountID  string
	Purpose    TokenPurpose
	TokenHash  string
	ExpiresAt  time.Time
	ConsumedAt *time.Time
}

// RecoveryCode stores the one-way hash of a single-use 2FA fallback code.
// Used codes are marked, not deleted; regeneration swaps the whole batch.
type RecoveryCode struct {
	ID        string
	AccountID string
	BatchID   string
	CodeHash  string
	UsedAt    *time.Time
}

// TokenPair is the issued credential set for an authenticated session.
type TokenPair struct {
	AccessToken  string `json:"access_token"`
	RefreshToken string `json:"refresh_token"`
	TokenType    string `json:"token_type"`
	ExpiresIn    int64  `json:"expires_in"`
}

// State is the orchestrator's position in the login state machine.
type State string

const (
	StateTwoFactorPending State = "two_factor_pending"
	StateAuthenticated    State = "authenticated"
)

// LoginResult is the typed outcome of Login and VerifyTwoFactor. Tokens are
// only populated in StateAuthenticated; ChallengeToken only in
// StateTwoFactorPending. EmailVerified lets callers distinguish unverified
// accounts downstream without blocking them here.
type LoginResult struct {
	State          State
	AccountID      string
	EmailVerified  bool
	Tokens         TokenPair
	ChallengeToken string
}

// Principal is what downstream handlers receive. They must not re-extract or
// re-verify credentials themselves.
type Principal struct {
	AccountID string
	TokenType token.Type
}

// RequestMeta carries per-request observables into the flows for rate
// limiting and audit records.
type RequestMeta struct {
	SourceAddress string
	UserAgent     string
}
