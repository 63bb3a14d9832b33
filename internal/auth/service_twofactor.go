package auth

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"socialnet/internal/audit"
	"socialnet/internal/twofactor"
)

// VerifyTwoFactor finishes a TwoFactorPending login. The challenge stays
// live across wrong code attempts (the account limiter bounds those) and is
// consumed only when a code is accepted, so it remains single-use for
// issuing a session.
func (s *Service) VerifyTwoFactor(ctx context.Context, challengeToken, code string, meta RequestMeta) (LoginResult, error) {
	challengeToken = strings.TrimSpace(challengeToken)
	code = strings.TrimSpace(code)
	if challengeToken == "" || code == "" {
		return LoginResult{}, ErrInvalidTwoFactorCode
	}

	accountID, err := s.store.LookupVerificationToken(ctx, challengeToken, PurposeTwoFactorLogin)
	if err != nil {
		return LoginResult{}, err
	}

	if err := s.allow(ctx, "acct:"+accountID, endpointTwoFactor, s.cfg.AccountLimit, s.cfg.AccountWindow); err != nil {
		return LoginResult{}, err
	}

	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return LoginResult{}, err
	}
	if !account.TwoFactorEnabled {
		return LoginResult{}, ErrTwoFactorNotEnabled
	}

	method, err := s.checkSecondFactor(ctx, account, code)
	if err != nil {
		s.audit.Log(account.ID, audit.ActionTwoFactorFailed, "account", account.ID,
			map[string]any{"method": method}, meta.SourceAddress, meta.UserAgent)
		return LoginResult{}, err
	}

	if _, err := s.store.ConsumeVerificationToken(ctx, challengeToken, PurposeTwoFactorLogin); err != nil {
		return LoginResult{}, err
	}

	pair, err := s.issueTokens(ctx, account.ID)
	if err != nil {
		return LoginResult{}, err
	}

	s.audit.Log(account.ID, audit.ActionTwoFactorVerified, "account", account.ID,
		map[string]any{"method": method}, meta.SourceAddress, meta.UserAgent)

	return LoginResult{
		State:         StateAuthenticated,
		AccountID:     account.ID,
		EmailVerified: account.EmailVerified,
		Tokens:        pair,
	}, nil
}

// BeginTwoFactorEnrollment generates and stores an encrypted secret without
// enabling 2FA. The plaintext secret and provisioning URI go back to the
// caller exactly once for the authenticator handshake.
func (s *Service) BeginTwoFactorEnrollment(ctx context.Context, accountID string) (twofactor.Enrollment, error) {
	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return twofactor.Enrollment{}, err
	}
	if account.TwoFactorEnabled {
		return twofactor.Enrollment{}, ErrTwoFactorEnabled
	}

	enrollment, err := s.twoFactor.GenerateKey(account.Email)
	if err != nil {
		return twofactor.Enrollment{}, err
	}

	encrypted, err := s.twoFactor.EncryptSecret(enrollment.Secret)
	if err != nil {
		return twofactor.Enrollment{}, fmt.Errorf("encrypt totp secret: %w", err)
	}
	if err := s.store.SetTwoFactor(ctx, account.ID, false, &encrypted); err != nil {
		return twofactor.Enrollment{}, err
	}

	return enrollment, nil
}

// ActivateTwoFactor confirms the enrollment with a live code, flips the flag,
// and returns the recovery code batch. The plaintext codes exist only in this
// response.
func (s *Service) ActivateTwoFactor(ctx context.Context, accountID, code string, meta RequestMeta) ([]string, error) {
	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if account.TwoFactorEnabled {
		return nil, ErrTwoFactorEnabled
	}
	if account.TwoFactorSecretEnc == nil {
		return nil, ErrTwoFactorNotEnabled
	}

	secret, err := s.twoFactor.DecryptSecret(*account.TwoFactorSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt totp secret: %w", err)
	}
	if !s.twoFactor.VerifyCode(code, secret, s.now()) {
		return nil, ErrInvalidTwoFactorCode
	}

	if err := s.store.SetTwoFactor(ctx, account.ID, true, account.TwoFactorSecretEnc); err != nil {
		return nil, err
	}

	codes, err := s.replaceRecoveryCodes(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	s.audit.Log(account.ID, audit.ActionTwoFactorEnrolled, "account", account.ID,
		map[string]any{"recovery_codes": codes}, meta.SourceAddress, meta.UserAgent)

	return codes, nil
}

// DisableTwoFactor turns 2FA off after a second-factor proof and clears the
// secret and the outstanding recovery batch.
func (s *Service) DisableTwoFactor(ctx context.Context, accountID, code string, meta RequestMeta) error {
	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return err
	}
	if !account.TwoFactorEnabled {
		return ErrTwoFactorNotEnabled
	}

	if _, err := s.checkSecondFactor(ctx, account, strings.TrimSpace(code)); err != nil {
		return err
	}

	if err := s.store.SetTwoFactor(ctx, account.ID, false, nil); err != nil {
		return err
	}
	if err := s.store.ReplaceRecoveryCodes(ctx, account.ID, nil); err != nil {
		return err
	}

	s.audit.Log(account.ID, audit.ActionTwoFactorDisabled, "account", account.ID,
		nil, meta.SourceAddress, meta.UserAgent)

	return nil
}

// RegenerateRecoveryCodes atomically replaces the outstanding batch. Requires
// a live TOTP code; a recovery code cannot mint its own successors.
func (s *Service) RegenerateRecoveryCodes(ctx context.Context, accountID, totpCode string, meta RequestMeta) ([]string, error) {
	account, err := s.store.GetAccountByID(ctx, accountID)
	if err != nil {
		return nil, err
	}
	if !account.TwoFactorEnabled || account.TwoFactorSecretEnc == nil {
		return nil, ErrTwoFactorNotEnabled
	}

	secret, err := s.twoFactor.DecryptSecret(*account.TwoFactorSecretEnc)
	if err != nil {
		return nil, fmt.Errorf("decrypt totp secret: %w", err)
	}
	if !s.twoFactor.VerifyCode(strings.TrimSpace(totpCode), secret, s.now()) {
		return nil, ErrInvalidTwoFactorCode
	}

	codes, err := s.replaceRecoveryCodes(ctx, account.ID)
	if err != nil {
		return nil, err
	}

	s.audit.Log(account.ID, audit.ActionRecoveryCodesSet, "account", account.ID,
		map[string]any{"recovery_codes": codes}, meta.SourceAddress, meta.UserAgent)

	return codes, nil
}

// checkSecondFactor accepts either a live TOTP code or one unused recovery
// code and reports which method matched. Recovery consumption is a single
// transaction, so a code can never satisfy two concurrent attempts.
func (s *Service) checkSecondFactor(ctx context.Context, account Account, code string) (string, error) {
	if looksLikeTOTPCode(code) {
		if account.TwoFactorSecretEnc == nil {
			return "totp", ErrTwoFactorNotEnabled
		}
		secret, err := s.twoFactor.DecryptSecret(*account.TwoFactorSecretEnc)
		if err != nil {
			return "totp", fmt.Errorf("decrypt totp secret: %w", err)
		}
		if !s.twoFactor.VerifyCode(code, secret, s.now()) {
			return "totp", ErrInvalidTwoFactorCode
		}
		return "totp", nil
	}

	err := s.store.ConsumeRecoveryCode(ctx, account.ID, twofactor.HashRecoveryCode(code))
	if err != nil {
		if errors.Is(err, ErrInvalidTwoFactorCode) {
			return "recovery_code", ErrInvalidTwoFactorCode
		}
		return "recovery_code", err
	}
	return "recovery_code", nil
}

func (s *Service) replaceRecoveryCodes(ctx context.Context, accountID string) ([]string, error) {
	codes, err := twofactor.GenerateRecoveryCodes(s.cfg.RecoveryCodeCount)
	if err != nil {
		return nil, err
	}

	hashes := make([]string, 0, len(codes))
	for _, code := range codes {
		hashes = append(hashes, twofactor.HashRecoveryCode(code))
	}
	if err := s.store.ReplaceRecoveryCodes(ctx, accountID, hashes); err != nil {
		return nil, err
	}

	return codes, nil
}

func looksLikeTOTPCode(code string) bool {
	if len(code) != 6 {
		return false
	}
	for _, r := range code {
		if r < '0' || r > '9' {
			return false
		}
	}
	return true
}
