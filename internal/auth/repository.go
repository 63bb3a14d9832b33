package auth

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
)

// Repository is the single relational store behind the orchestrator. Every
// mutation that feeds an authorization decision is synchronous and, where a
// read-check-write race exists, runs under a row lock in one transaction.
type Repository struct {
	db *sql.DB
}

func NewRepository(db *sql.DB) *Repository {
	return &Repository{db: db}
}

// hashOpaqueToken is the storage form for verification and refresh tokens:
// raw values never touch the database.
func hashOpaqueToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

func newID() (string, error) {
	id, err := uuid.NewV7()
	if err != nil {
		return "", fmt.Errorf("generate uuid v7: %w", err)
	}
	return id.String(), nil
}

// --- accounts ---

func (r *Repository) CreateAccount(ctx context.Context, email, passwordHash string) (Account, error) {
	id, err := newID()
	if err != nil {
		return Account{}, err
	}
	now := time.Now().UTC()

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO accounts (id, email, password_hash, email_verified, twofa_enabled, created_at, updated_at)
		VALUES ($1, $2, $3, FALSE, FALSE, $4, $4)
	`, id, email, passwordHash, now)
	if err != nil {
		if isUniqueViolation(err) {
			return Account{}, ErrEmailTaken
		}
		return Account{}, fmt.Errorf("insert account: %w", err)
	}

	return Account{
		ID:           id,
		Email:        email,
		PasswordHash: passwordHash,
		CreatedAt:    now,
		UpdatedAt:    now,
	}, nil
}

func (r *Repository) GetAccountByEmail(ctx context.Context, email string) (Account, error) {
	return r.scanAccount(r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, email_verified, twofa_enabled, twofa_secret_enc, created_at, updated_at, deleted_at
		FROM accounts
		WHERE email = $1 AND deleted_at IS NULL
	`, email))
}

func (r *Repository) GetAccountByID(ctx context.Context, id string) (Account, error) {
	return r.scanAccount(r.db.QueryRowContext(ctx, `
		SELECT id, email, password_hash, email_verified, twofa_enabled, twofa_secret_enc, created_at, updated_at, deleted_at
		FROM accounts
		WHERE id = $1 AND deleted_at IS NULL
	`, id))
}

func (r *Repository) scanAccount(row *sql.Row) (Account, error) {
	var account Account
	var secretEnc sql.NullString
	var deletedAt sql.NullTime
	err := row.Scan(&account.ID, &account.Email, &account.PasswordHash, &account.EmailVerified,
		&account.TwoFactorEnabled, &secretEnc, &account.CreatedAt, &account.UpdatedAt, &deletedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Account{}, ErrAccountNotFound
		}
		return Account{}, fmt.Errorf("query account: %w", err)
	}
	if secretEnc.Valid {
		account.TwoFactorSecretEnc = &secretEnc.String
	}
	if deletedAt.Valid {
		value := deletedAt.Time.UTC()
		account.DeletedAt = &value
	}
	return account, nil
}

func (r *Repository) SetEmailVerified(ctx context.Context, accountID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET email_verified = TRUE, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, accountID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set email verified: %w", err)
	}
	return requireAffected(res)
}

func (r *Repository) UpdatePasswordHash(ctx context.Context, accountID, passwordHash string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET password_hash = $2, updated_at = $3
		WHERE id = $1 AND deleted_at IS NULL
	`, accountID, passwordHash, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("update password hash: %w", err)
	}
	return requireAffected(res)
}

// SetTwoFactor updates the enabled flag and the encrypted secret together so
// the pair can never disagree.
func (r *Repository) SetTwoFactor(ctx context.Context, accountID string, enabled bool, secretEnc *string) error {
	var secretValue any
	if secretEnc != nil {
		secretValue = *secretEnc
	}

	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET twofa_enabled = $2, twofa_secret_enc = $3, updated_at = $4
		WHERE id = $1 AND deleted_at IS NULL
	`, accountID, enabled, secretValue, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("set two-factor state: %w", err)
	}
	return requireAffected(res)
}

func (r *Repository) SoftDeleteAccount(ctx context.Context, accountID string) error {
	res, err := r.db.ExecContext(ctx, `
		UPDATE accounts
		SET deleted_at = $2, updated_at = $2
		WHERE id = $1 AND deleted_at IS NULL
	`, accountID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("soft delete account: %w", err)
	}
	return requireAffected(res)
}

// --- verification tokens ---

func (r *Repository) CreateVerificationToken(ctx context.Context, accountID string, purpose TokenPurpose, rawToken string, expiresAt time.Time) error {
	id, err := newID()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO verification_tokens (id, account_id, purpose, token_hash, expires_at)
		VALUES ($1, $2, $3, $4, $5)
	`, id, accountID, string(purpose), hashOpaqueToken(rawToken), expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert verification token: %w", err)
	}

	return nil
}

// LookupVerificationToken validates a token without consuming it. Used for
// the two-factor login challenge, which stays live across wrong code
// attempts until its TTL runs out.
func (r *Repository) LookupVerificationToken(ctx context.Context, rawToken string, purpose TokenPurpose) (string, error) {
	var accountID string
	var expiresAt time.Time
	var consumedAt sql.NullTime
	err := r.db.QueryRowContext(ctx, `
		SELECT account_id, expires_at, consumed_at
		FROM verification_tokens
		WHERE token_hash = $1 AND purpose = $2
	`, hashOpaqueToken(rawToken), string(purpose)).Scan(&accountID, &expiresAt, &consumedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("query verification token: %w", err)
	}

	if consumedAt.Valid || time.Now().UTC().After(expiresAt.UTC()) {
		return "", ErrInvalidToken
	}

	return accountID, nil
}

// ConsumeVerificationToken marks the token consumed and returns its owner.
// The row lock makes the token single-use under concurrent submission.
func (r *Repository) ConsumeVerificationToken(ctx context.Context, rawToken string, purpose TokenPurpose) (string, error) {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin verification token tx: %w", err)
	}
	defer tx.Rollback()

	var id, accountID string
	var expiresAt time.Time
	var consumedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT id, account_id, expires_at, consumed_at
		FROM verification_tokens
		WHERE token_hash = $1 AND purpose = $2
		FOR UPDATE
	`, hashOpaqueToken(rawToken), string(purpose)).Scan(&id, &accountID, &expiresAt, &consumedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidToken
		}
		return "", fmt.Errorf("lock verification token: %w", err)
	}

	if consumedAt.Valid || time.Now().UTC().After(expiresAt.UTC()) {
		return "", ErrInvalidToken
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE verification_tokens
		SET consumed_at = $2
		WHERE id = $1
	`, id, time.Now().UTC()); err != nil {
		return "", fmt.Errorf("consume verification token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit verification token tx: %w", err)
	}

	return accountID, nil
}

// --- recovery codes ---

// ReplaceRecoveryCodes swaps the account's whole batch in one transaction:
// there is no window where old and new codes are both valid.
func (r *Repository) ReplaceRecoveryCodes(ctx context.Context, accountID string, codeHashes []string) error {
	batchID, err := newID()
	if err != nil {
		return err
	}

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin recovery code tx: %w", err)
	}
	defer tx.Rollback()

	if _, err := tx.ExecContext(ctx, `
		DELETE FROM recovery_codes
		WHERE account_id = $1
	`, accountID); err != nil {
		return fmt.Errorf("clear prior recovery codes: %w", err)
	}

	for _, codeHash := range codeHashes {
		id, err := newID()
		if err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			INSERT INTO recovery_codes (id, account_id, batch_id, code_hash)
			VALUES ($1, $2, $3, $4)
		`, id, accountID, batchID, codeHash); err != nil {
			return fmt.Errorf("insert recovery code: %w", err)
		}
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recovery code tx: %w", err)
	}

	return nil
}

// ConsumeRecoveryCode marks one matching unused code as used. The lock plus
// the used_at recheck close the race where the same code is submitted twice
// concurrently; the row is kept for audit history, never deleted.
func (r *Repository) ConsumeRecoveryCode(ctx context.Context, accountID, codeHash string) error {
	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin recovery code consume tx: %w", err)
	}
	defer tx.Rollback()

	var id string
	err = tx.QueryRowContext(ctx, `
		SELECT id
		FROM recovery_codes
		WHERE account_id = $1 AND code_hash = $2 AND used_at IS NULL
		FOR UPDATE
	`, accountID, codeHash).Scan(&id)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ErrInvalidTwoFactorCode
		}
		return fmt.Errorf("lock recovery code: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE recovery_codes
		SET used_at = $2
		WHERE id = $1 AND used_at IS NULL
	`, id, time.Now().UTC()); err != nil {
		return fmt.Errorf("mark recovery code used: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit recovery code consume tx: %w", err)
	}

	return nil
}

// --- refresh tokens ---

func (r *Repository) CreateRefreshToken(ctx context.Context, accountID, rawToken string, expiresAt time.Time) error {
	id, err := newID()
	if err != nil {
		return err
	}

	_, err = r.db.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, account_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
	`, id, accountID, hashOpaqueToken(rawToken), expiresAt.UTC())
	if err != nil {
		return fmt.Errorf("insert refresh token: %w", err)
	}

	return nil
}

// RotateRefreshToken revokes the old persisted record and inserts the new
// one in a single transaction, returning the owning account id.
func (r *Repository) RotateRefreshToken(ctx context.Context, rawOldToken, rawNewToken string, newExpiresAt time.Time) (string, error) {
	replacementID, err := newID()
	if err != nil {
		return "", err
	}

	now := time.Now().UTC()

	tx, err := r.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("begin refresh rotation tx: %w", err)
	}
	defer tx.Rollback()

	var oldID string
	var accountID string
	var expiresAt time.Time
	var revokedAt sql.NullTime
	err = tx.QueryRowContext(ctx, `
		SELECT id, account_id, expires_at, revoked_at
		FROM auth_refresh_tokens
		WHERE token_hash = $1
		FOR UPDATE
	`, hashOpaqueToken(rawOldToken)).Scan(&oldID, &accountID, &expiresAt, &revokedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return "", ErrInvalidRefreshToken
		}
		return "", fmt.Errorf("read refresh token: %w", err)
	}

	if revokedAt.Valid || now.After(expiresAt.UTC()) {
		return "", ErrInvalidRefreshToken
	}

	if _, err := tx.ExecContext(ctx, `
		INSERT INTO auth_refresh_tokens (id, account_id, token_hash, expires_at)
		VALUES ($1, $2, $3, $4)
	`, replacementID, accountID, hashOpaqueToken(rawNewToken), newExpiresAt.UTC()); err != nil {
		return "", fmt.Errorf("insert rotated refresh token: %w", err)
	}

	if _, err := tx.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = $2, replaced_by = $3
		WHERE id = $1
	`, oldID, now, replacementID); err != nil {
		return "", fmt.Errorf("revoke old refresh token: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("commit refresh rotation tx: %w", err)
	}

	return accountID, nil
}

func (r *Repository) RevokeRefreshToken(ctx context.Context, rawToken string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE token_hash = $1
	`, hashOpaqueToken(rawToken), time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke refresh token: %w", err)
	}

	return nil
}

// RevokeAccountRefreshTokens drops every live session for the account. Runs
// after a password reset.
func (r *Repository) RevokeAccountRefreshTokens(ctx context.Context, accountID string) error {
	_, err := r.db.ExecContext(ctx, `
		UPDATE auth_refresh_tokens
		SET revoked_at = COALESCE(revoked_at, $2)
		WHERE account_id = $1
	`, accountID, time.Now().UTC())
	if err != nil {
		return fmt.Errorf("revoke account refresh tokens: %w", err)
	}

	return nil
}

// --- maintenance sweeps ---

type CleanupResult struct {
	DeletedRefreshTokens      int64 `json:"deleted_refresh_tokens"`
	DeletedVerificationTokens int64 `json:"deleted_verification_tokens"`
}

// CleanupStaleAuthData removes expired or long-revoked rows that no longer
// affect any decision. Batched so a backlog cannot hold locks for long.
func (r *Repository) CleanupStaleAuthData(ctx context.Context, refreshRetention time.Duration, batchSize int) (CleanupResult, error) {
	if batchSize <= 0 {
		batchSize = 500
	}
	if refreshRetention <= 0 {
		refreshRetention = 14 * 24 * time.Hour
	}

	refreshCutoff := time.Now().UTC().Add(-refreshRetention)

	deletedRefresh, err := r.deleteStaleRefreshTokens(ctx, refreshCutoff, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	deletedVerification, err := r.deleteStaleVerificationTokens(ctx, batchSize)
	if err != nil {
		return CleanupResult{}, err
	}

	return CleanupResult{
		DeletedRefreshTokens:      deletedRefresh,
		DeletedVerificationTokens: deletedVerification,
	}, nil
}

func (r *Repository) deleteStaleRefreshTokens(ctx context.Context, cutoff time.Time, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM auth_refresh_tokens
			WHERE expires_at < NOW() OR (revoked_at IS NOT NULL AND revoked_at < $1)
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM auth_refresh_tokens t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale refresh tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale refresh tokens rows affected: %w", err)
	}

	return affected, nil
}

func (r *Repository) deleteStaleVerificationTokens(ctx context.Context, batchSize int) (int64, error) {
	res, err := r.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM verification_tokens
			WHERE expires_at < NOW() OR consumed_at IS NOT NULL
			ORDER BY expires_at ASC
			LIMIT $1
		)
		DELETE FROM verification_tokens t
		USING stale
		WHERE t.id = stale.id
	`, batchSize)
	if err != nil {
		return 0, fmt.Errorf("delete stale verification tokens: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("stale verification tokens rows affected: %w", err)
	}

	return affected, nil
}

func requireAffected(res sql.Result) error {
	affected, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if affected == 0 {
		return ErrAccountNotFound
	}
	return nil
}

func isUniqueViolation(err error) bool {
	// pgx surfaces postgres error 23505 in the message; matching on the code
	// keeps this driver-version agnostic.
	return err != nil && strings.Contains(err.Error(), "23505")
}
