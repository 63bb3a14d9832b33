package audit

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSQLSinkEmit(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`INSERT INTO audit_records`).
		WithArgs("rec-1", "acct-1", ActionLogin, "account", "acct-1",
			sqlmock.AnyArg(), "1.2.3.4", "agent", sqlmock.AnyArg()).
		WillReturnResult(sqlmock.NewResult(0, 1))

	sink := NewSQLSink(db)
	err = sink.Emit(context.Background(), Record{
		ID:            "rec-1",
		AccountID:     "acct-1",
		Action:        ActionLogin,
		Resource:      "account",
		ResourceID:    "acct-1",
		Changes:       map[string]any{"email_verified": true},
		SourceAddress: "1.2.3.4",
		UserAgent:     "agent",
		CreatedAt:     time.Now().UTC(),
	})
	require.NoError(t, err)
	assert.NoError(t, mock.ExpectationsWereMet())
}

func TestSQLSinkPurgeOlderThan(t *testing.T) {
	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherRegexp))
	require.NoError(t, err)
	defer db.Close()

	mock.ExpectExec(`DELETE FROM audit_records`).
		WithArgs(sqlmock.AnyArg(), 500).
		WillReturnResult(sqlmock.NewResult(0, 42))

	sink := NewSQLSink(db)
	purged, err := sink.PurgeOlderThan(context.Background(), 90*24*time.Hour, 0)
	require.NoError(t, err)
	assert.Equal(t, int64(42), purged)
	assert.NoError(t, mock.ExpectationsWereMet())
}
