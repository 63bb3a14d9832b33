package auth

import (
	"context"
	"crypto/rand"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"golang.org/x/crypto/bcrypt"

	"socialnet/internal/audit"
	"socialnet/internal/ratelimit"
	"socialnet/internal/token"
	"socialnet/internal/twofactor"
)

const (
	defaultAccessTTL       = 15 * time.Minute
	defaultRefreshTTL      = 7 * 24 * time.Hour
	defaultVerificationTTL = 24 * time.Hour
	defaultResetTTL        = time.Hour
	defaultChallengeTTL    = 5 * time.Minute

	endpointLogin     = "login"
	endpointTwoFactor = "twofactor"
	endpointReset     = "password_reset"
)

// Store is the persistence contract the orchestrator depends on. Repository
// is the real implementation; tests inject doubles.
type Store interface {
	CreateAccount(ctx context.Context, email, passwordHash string) (Account, error)
	GetAccountByEmail(ctx context.Context, email string) (Account, error)
	GetAccountByID(ctx context.Context, id string) (Account, error)
	SetEmailVerified(ctx context.Context, accountID string) error
	UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error
	SetTwoFactor(ctx context.Context, accountID string, enabled bool, secretEnc *string) error

	CreateVerificationToken(ctx context.Context, accountID string, purpose TokenPurpose, rawToken string, expiresAt time.Time) error
	LookupVerificationToken(ctx context.Context, rawToken string, purpose TokenPurpose) (string, error)
	ConsumeVerificationToken(ctx context.Context, rawToken string, purpose TokenPurpose) (string, error)

	ReplaceRecoveryCodes(ctx context.Context, accountID string, codeHashes []string) error
	ConsumeRecoveryCode(ctx context.Context, accountID, codeHash string) error

	CreateRefreshToken(ctx context.Context, accountID, rawToken string, expiresAt time.Time) error
	RotateRefreshToken(ctx context.Context, rawOldToken, rawNewToken string, newExpiresAt time.Time) (string, error)
	RevokeRefreshToken(ctx context.Context, rawToken string) error
	RevokeAccountRefreshTokens(ctx context.Context, accountID string) error
}

// Config is the orchestrator policy knobs. Zero values fall back to safe
// defaults in NewService.
type Config struct {
	RegistrationEnabled bool
	// Allowlist is the closed set of emails permitted to register while
	// open registration is disabled.
	Allowlist []string

	AccessTTL       time.Duration
	RefreshTTL      time.Duration
	VerificationTTL time.Duration
	ResetTTL        time.Duration
	ChallengeTTL    time.Duration

	// Pre-identification axis: attempts per source address.
	IPLimit  int
	IPWindow time.Duration
	// Post-identification axis: attempts per account.
	AccountLimit  int
	AccountWindow time.Duration

	RecoveryCodeCount int
}

// Service composes extraction, token issuance, 2FA, rate limiting, and audit
// into the register/login/refresh flows. All methods are safe for concurrent
// use; shared mutable state lives in the store and the limiter.
type Service struct {
	store     Store
	tokens    *token.Service
	twoFactor *twofactor.Service
	limiter   *ratelimit.Limiter
	audit     *audit.Recorder
	cfg       Config
	allowlist map[string]struct{}
	now       func() time.Time
}

func NewService(store Store, tokens *token.Service, twoFactor *twofactor.Service, limiter *ratelimit.Limiter, recorder *audit.Recorder, cfg Config) *Service {
	if cfg.AccessTTL <= 0 {
		cfg.AccessTTL = defaultAccessTTL
	}
	if cfg.RefreshTTL <= 0 {
		cfg.RefreshTTL = defaultRefreshTTL
	}
	if cfg.VerificationTTL <= 0 {
		cfg.VerificationTTL = defaultVerificationTTL
	}
	if cfg.ResetTTL <= 0 {
		cfg.ResetTTL = defaultResetTTL
	}
	if cfg.ChallengeTTL <= 0 {
		cfg.ChallengeTTL = defaultChallengeTTL
	}
	if cfg.IPLimit <= 0 {
		cfg.IPLimit = 10
	}
	if cfg.IPWindow <= 0 {
		cfg.IPWindow = time.Minute
	}
	if cfg.AccountLimit <= 0 {
		cfg.AccountLimit = 5
	}
	if cfg.AccountWindow <= 0 {
		cfg.AccountWindow = 15 * time.Minute
	}
	if cfg.RecoveryCodeCount <= 0 {
		cfg.RecoveryCodeCount = twofactor.DefaultRecoveryCodeCount
	}

	allowlist := make(map[string]struct{}, len(cfg.Allowlist))
	for _, email := range cfg.Allowlist {
		normalized := normalizeEmail(email)
		if normalized != "" {
			allowlist[normalized] = struct{}{}
		}
	}

	return &Service{
		store:     store,
		tokens:    tokens,
		twoFactor: twoFactor,
		limiter:   limiter,
		audit:     recorder,
		cfg:       cfg,
		allowlist: allowlist,
		now:       time.Now,
	}
}

// WithClock overrides the time source. Test hook only.
func (s *Service) WithClock(now func() time.Time) *Service {
	s.now = now
	return s
}

// Register creates an account and its email verification token. The raw
// verification token is returned for out-of-band delivery; only its hash is
// stored. Policy rejections carry no detail about the allowlist.
func (s *Service) Register(ctx context.Context, email, password string, meta RequestMeta) (Account, string, error) {
	email = normalizeEmail(email)
	if email == "" || password == "" {
		return Account{}, "", ErrInvalidCredentials
	}

	if !s.cfg.RegistrationEnabled {
		if _, ok := s.allowlist[email]; !ok {
			return Account{}, "", ErrRegistrationClosed
		}
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(password), bcrypt.DefaultCost)
	if err != nil {
		return Account{}, "", fmt.Errorf("hash password: %w", err)
	}

	account, err := s.store.CreateAccount(ctx, email, string(hash))
	if err != nil {
		return Account{}, "", err
	}

	verification, err := randomToken(32)
	if err != nil {
		return Account{}, "", fmt.Errorf("generate verification token: %w", err)
	}
	if err := s.store.CreateVerificationToken(ctx, account.ID, PurposeEmailVerify, verification, s.now().UTC().Add(s.cfg.VerificationTTL)); err != nil {
		return Account{}, "", err
	}

	s.audit.Log(account.ID, audit.ActionRegister, "account", account.ID,
		map[string]any{"email_verified": false}, meta.SourceAddress, meta.UserAgent)

	return account, verification, nil
}

// VerifyEmail consumes a single-use verification token.
func (s *Service) VerifyEmail(ctx context.Context, rawToken string, meta RequestMeta) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" {
		return ErrInvalidToken
	}

	accountID, err := s.store.ConsumeVerificationToken(ctx, rawToken, PurposeEmailVerify)
	if err != nil {
		return err
	}
	if err := s.store.SetEmailVerified(ctx, accountID); err != nil {
		return err
	}

	s.audit.Log(accountID, audit.ActionEmailVerified, "account", accountID,
		map[string]any{"email_verified": true}, meta.SourceAddress, meta.UserAgent)

	return nil
}

// Login runs the credential check behind both limiter axes. Accounts with
// 2FA enabled stop at TwoFactorPending with a short-lived challenge token;
// everything else gets a token pair.
func (s *Service) Login(ctx context.Context, email, password string, meta RequestMeta) (LoginResult, error) {
	if err := s.allow(ctx, "ip:"+meta.SourceAddress, endpointLogin, s.cfg.IPLimit, s.cfg.IPWindow); err != nil {
		return LoginResult{}, err
	}

	email = normalizeEmail(email)
	password = strings.TrimSpace(password)
	if email == "" || password == "" {
		return LoginResult{}, ErrInvalidCredentials
	}

	account, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			// Unknown account and wrong password are indistinguishable.
			return LoginResult{}, ErrInvalidCredentials
		}
		return LoginResult{}, err
	}

	if err := s.allow(ctx, "acct:"+account.ID, endpointLogin, s.cfg.AccountLimit, s.cfg.AccountWindow); err != nil {
		return LoginResult{}, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(account.PasswordHash), []byte(password)); err != nil {
		s.audit.Log(account.ID, audit.ActionLoginFailed, "account", account.ID,
			map[string]any{"reason": "bad password"}, meta.SourceAddress, meta.UserAgent)
		return LoginResult{}, ErrInvalidCredentials
	}

	if account.TwoFactorEnabled {
		challenge, err := randomToken(32)
		if err != nil {
			return LoginResult{}, fmt.Errorf("generate login challenge: %w", err)
		}
		if err := s.store.CreateVerificationToken(ctx, account.ID, PurposeTwoFactorLogin, challenge, s.now().UTC().Add(s.cfg.ChallengeTTL)); err != nil {
			return LoginResult{}, err
		}

		return LoginResult{
			State:          StateTwoFactorPending,
			AccountID:      account.ID,
			EmailVerified:  account.EmailVerified,
			ChallengeToken: challenge,
		}, nil
	}

	pair, err := s.issueTokens(ctx, account.ID)
	if err != nil {
		return LoginResult{}, err
	}

	s.audit.Log(account.ID, audit.ActionLogin, "account", account.ID,
		map[string]any{"two_factor": false}, meta.SourceAddress, meta.UserAgent)

	return LoginResult{
		State:         StateAuthenticated,
		AccountID:     account.ID,
		EmailVerified: account.EmailVerified,
		Tokens:        pair,
	}, nil
}

// Refresh re-issues the token pair from a still-valid refresh token without
// re-entering 2FA. Signature, expiry, and type are all checked before the
// persisted record is consulted; the old record is revoked in the same
// transaction that tracks the new one.
func (s *Service) Refresh(ctx context.Context, rawRefresh string, meta RequestMeta) (TokenPair, error) {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" {
		return TokenPair{}, ErrInvalidRefreshToken
	}

	claims, err := s.tokens.Verify(rawRefresh, token.TypeRefresh)
	if err != nil {
		return TokenPair{}, fmt.Errorf("%w: %w", ErrInvalidRefreshToken, err)
	}

	newRefresh, err := s.tokens.Issue(claims.Subject, token.TypeRefresh, s.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}

	accountID, err := s.store.RotateRefreshToken(ctx, rawRefresh, newRefresh, s.now().UTC().Add(s.cfg.RefreshTTL))
	if err != nil {
		return TokenPair{}, err
	}
	if accountID != claims.Subject {
		return TokenPair{}, ErrInvalidRefreshToken
	}

	access, err := s.tokens.Issue(accountID, token.TypeAccess, s.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}

	s.audit.Log(accountID, audit.ActionTokenRefreshed, "session", "",
		nil, meta.SourceAddress, meta.UserAgent)

	return TokenPair{
		AccessToken:  access,
		RefreshToken: newRefresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
	}, nil
}

// Logout revokes the persisted refresh record. Stateless access tokens keep
// working until expiry; discarding them is the client's side of logout.
func (s *Service) Logout(ctx context.Context, rawRefresh string, meta RequestMeta) error {
	rawRefresh = strings.TrimSpace(rawRefresh)
	if rawRefresh == "" {
		return ErrInvalidRefreshToken
	}

	if err := s.store.RevokeRefreshToken(ctx, rawRefresh); err != nil {
		return err
	}

	s.audit.Log("", audit.ActionLogout, "session", "", nil, meta.SourceAddress, meta.UserAgent)
	return nil
}

// RequestPasswordReset issues a reset token when the account exists. The
// empty-token success for unknown emails keeps the response uniform; the
// handler never reveals which case happened.
func (s *Service) RequestPasswordReset(ctx context.Context, email string, meta RequestMeta) (string, error) {
	if err := s.allow(ctx, "ip:"+meta.SourceAddress, endpointReset, s.cfg.IPLimit, s.cfg.IPWindow); err != nil {
		return "", err
	}

	email = normalizeEmail(email)
	if email == "" {
		return "", nil
	}

	account, err := s.store.GetAccountByEmail(ctx, email)
	if err != nil {
		if errors.Is(err, ErrAccountNotFound) {
			return "", nil
		}
		return "", err
	}

	reset, err := randomToken(32)
	if err != nil {
		return "", fmt.Errorf("generate reset token: %w", err)
	}
	if err := s.store.CreateVerificationToken(ctx, account.ID, PurposePasswordReset, reset, s.now().UTC().Add(s.cfg.ResetTTL)); err != nil {
		return "", err
	}

	return reset, nil
}

// ResetPassword consumes the reset token, rehashes, and revokes every live
// refresh record for the account.
func (s *Service) ResetPassword(ctx context.Context, rawToken, newPassword string, meta RequestMeta) error {
	rawToken = strings.TrimSpace(rawToken)
	if rawToken == "" || newPassword == "" {
		return ErrInvalidToken
	}

	accountID, err := s.store.ConsumeVerificationToken(ctx, rawToken, PurposePasswordReset)
	if err != nil {
		return err
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(newPassword), bcrypt.DefaultCost)
	if err != nil {
		return fmt.Errorf("hash password: %w", err)
	}
	if err := s.store.UpdatePasswordHash(ctx, accountID, string(hash)); err != nil {
		return err
	}
	if err := s.store.RevokeAccountRefreshTokens(ctx, accountID); err != nil {
		return err
	}

	s.audit.Log(accountID, audit.ActionPasswordReset, "account", accountID,
		map[string]any{"password": "rotated", "sessions_revoked": true}, meta.SourceAddress, meta.UserAgent)

	return nil
}

func (s *Service) issueTokens(ctx context.Context, accountID string) (TokenPair, error) {
	access, err := s.tokens.Issue(accountID, token.TypeAccess, s.cfg.AccessTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue access token: %w", err)
	}

	refresh, err := s.tokens.Issue(accountID, token.TypeRefresh, s.cfg.RefreshTTL)
	if err != nil {
		return TokenPair{}, fmt.Errorf("issue refresh token: %w", err)
	}
	if err := s.store.CreateRefreshToken(ctx, accountID, refresh, s.now().UTC().Add(s.cfg.RefreshTTL)); err != nil {
		return TokenPair{}, err
	}

	return TokenPair{
		AccessToken:  access,
		RefreshToken: refresh,
		TokenType:    "Bearer",
		ExpiresIn:    int64(s.cfg.AccessTTL.Seconds()),
	}, nil
}

func (s *Service) allow(ctx context.Context, subjectKey, endpointKey string, limit int, window time.Duration) error {
	decision, err := s.limiter.Allow(ctx, subjectKey, endpointKey, limit, window)
	if err != nil {
		return err
	}
	if !decision.Allowed {
		return ratelimit.RateLimitedError{RetryAfter: decision.RetryAfter}
	}
	return nil
}

func normalizeEmail(email string) string {
	return strings.ToLower(strings.TrimSpace(email))
}

func randomToken(size int) (string, error) {
	b := make([]byte, size)
	if _, err := rand.Read(b); err != nil {
		return "", err
	}
	return hex.EncodeToString(b), nil
}
