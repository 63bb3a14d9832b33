package auth

import (
	"context"
	"errors"
	"regexp"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newMockRepository(t *testing.T) (*Repository, sqlmock.Sqlmock) {
	t.Helper()
	db, mock, err := sqlmock.New()
	require.NoError(t, err)
	t.Cleanup(func() {
		assert.NoError(t, mock.ExpectationsWereMet())
		db.Close()
	})
	return NewRepository(db), mock
}

func TestCreateAccountEmailTaken(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO accounts")).
		WithArgs(sqlmock.AnyArg(), "user@example.com", "hash", sqlmock.AnyArg()).
		WillReturnError(errors.New(`pq: duplicate key value violates unique constraint "accounts_email_key" (SQLSTATE 23505)`))

	_, err := repo.CreateAccount(context.Background(), "user@example.com", "hash")
	assert.ErrorIs(t, err, ErrEmailTaken)
}

func TestGetAccountByEmailNotFound(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectQuery(regexp.QuoteMeta("FROM accounts")).
		WithArgs("ghost@example.com").
		WillReturnRows(sqlmock.NewRows([]string{
			"id", "email", "password_hash", "email_verified", "twofa_enabled",
			"twofa_secret_enc", "created_at", "updated_at", "deleted_at",
		}))

	_, err := repo.GetAccountByEmail(context.Background(), "ghost@example.com")
	assert.ErrorIs(t, err, ErrAccountNotFound)
}

func TestConsumeRecoveryCodeMarksRowUsed(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM recovery_codes")).
		WithArgs("acct-1", "code-hash").
		WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow("rc-1"))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE recovery_codes")).
		WithArgs("rc-1", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	require.NoError(t, repo.ConsumeRecoveryCode(context.Background(), "acct-1", "code-hash"))
}

func TestConsumeRecoveryCodeUnknownOrUsed(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM recovery_codes")).
		WithArgs("acct-1", "spent-hash").
		WillReturnRows(sqlmock.NewRows([]string{"id"}))
	mock.ExpectRollback()

	err := repo.ConsumeRecoveryCode(context.Background(), "acct-1", "spent-hash")
	assert.ErrorIs(t, err, ErrInvalidTwoFactorCode)
}

func TestRotateRefreshTokenSwapsRecords(t *testing.T) {
	repo, mock := newMockRepository(t)
	expires := time.Now().UTC().Add(time.Hour)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_refresh_tokens")).
		WithArgs(hashOpaqueToken("old-token")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "expires_at", "revoked_at"}).
			AddRow("rt-1", "acct-1", expires, nil))
	mock.ExpectExec(regexp.QuoteMeta("INSERT INTO auth_refresh_tokens")).
		WithArgs(sqlmock.AnyArg(), "acct-1", hashOpaqueToken("new-token"), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectExec(regexp.QuoteMeta("UPDATE auth_refresh_tokens")).
		WithArgs("rt-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))
	mock.ExpectCommit()

	accountID, err := repo.RotateRefreshToken(context.Background(), "old-token", "new-token", expires.Add(time.Hour))
	require.NoError(t, err)
	assert.Equal(t, "acct-1", accountID)
}

func TestRotateRefreshTokenRejectsRevoked(t *testing.T) {
	repo, mock := newMockRepository(t)
	revoked := time.Now().UTC().Add(-time.Minute)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_refresh_tokens")).
		WithArgs(hashOpaqueToken("old-token")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "expires_at", "revoked_at"}).
			AddRow("rt-1", "acct-1", time.Now().UTC().Add(time.Hour), revoked))
	mock.ExpectRollback()

	_, err := repo.RotateRefreshToken(context.Background(), "old-token", "new-token", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestRotateRefreshTokenRejectsExpired(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM auth_refresh_tokens")).
		WithArgs(hashOpaqueToken("old-token")).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "expires_at", "revoked_at"}).
			AddRow("rt-1", "acct-1", time.Now().UTC().Add(-time.Minute), nil))
	mock.ExpectRollback()

	_, err := repo.RotateRefreshToken(context.Background(), "old-token", "new-token", time.Now().Add(time.Hour))
	assert.ErrorIs(t, err, ErrInvalidRefreshToken)
}

func TestConsumeVerificationTokenExpired(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectQuery(regexp.QuoteMeta("FROM verification_tokens")).
		WithArgs(hashOpaqueToken("stale"), string(PurposeEmailVerify)).
		WillReturnRows(sqlmock.NewRows([]string{"id", "account_id", "expires_at", "consumed_at"}).
			AddRow("vt-1", "acct-1", time.Now().UTC().Add(-time.Hour), nil))
	mock.ExpectRollback()

	_, err := repo.ConsumeVerificationToken(context.Background(), "stale", PurposeEmailVerify)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestReplaceRecoveryCodesSingleTransaction(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectBegin()
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM recovery_codes")).
		WithArgs("acct-1").
		WillReturnResult(sqlmock.NewResult(0, 8))
	for i := 0; i < 2; i++ {
		mock.ExpectExec(regexp.QuoteMeta("INSERT INTO recovery_codes")).
			WithArgs(sqlmock.AnyArg(), "acct-1", sqlmock.AnyArg(), sqlmock.AnyArg()).
			WillReturnResult(sqlmock.NewResult(0, 1))
	}
	mock.ExpectCommit()

	require.NoError(t, repo.ReplaceRecoveryCodes(context.Background(), "acct-1", []string{"h1", "h2"}))
}

func TestCleanupStaleAuthData(t *testing.T) {
	repo, mock := newMockRepository(t)

	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM auth_refresh_tokens")).
		WithArgs(sqlmock.AnyArg(), 200).
		WillReturnResult(sqlmock.NewResult(0, 17))
	mock.ExpectExec(regexp.QuoteMeta("DELETE FROM verification_tokens")).
		WithArgs(200).
		WillReturnResult(sqlmock.NewResult(0, 4))

	result, err := repo.CleanupStaleAuthData(context.Background(), 14*24*time.Hour, 200)
	require.NoError(t, err)
	assert.Equal(t, int64(17), result.DeletedRefreshTokens)
	assert.Equal(t, int64(4), result.DeletedVerificationTokens)
}
