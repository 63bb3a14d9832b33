package audit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

// SQLSink writes records to the audit_records table.
type SQLSink struct {
	db *sql.DB
}

func NewSQLSink(db *sql.DB) *SQLSink {
	return &SQLSink{db: db}
}

func (s *SQLSink) Emit(ctx context.Context, record Record) error {
	changes, err := json.Marshal(record.Changes)
	if err != nil {
		return fmt.Errorf("encode audit changes: %w", err)
	}

	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_records (id, account_id, action, resource, resource_id, changes, source_address, user_agent, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
	`, record.ID, nullable(record.AccountID), record.Action, record.Resource, nullable(record.ResourceID),
		changes, record.SourceAddress, record.UserAgent, record.CreatedAt)
	if err != nil {
		return fmt.Errorf("insert audit record: %w", err)
	}

	return nil
}

// PurgeOlderThan deletes records past the retention window in batches.
func (s *SQLSink) PurgeOlderThan(ctx context.Context, retention time.Duration, batchSize int) (int64, error) {
	if retention <= 0 {
		retention = DefaultRetention
	}
	if batchSize <= 0 {
		batchSize = 500
	}
	cutoff := time.Now().UTC().Add(-retention)

	res, err := s.db.ExecContext(ctx, `
		WITH stale AS (
			SELECT id
			FROM audit_records
			WHERE created_at < $1
			ORDER BY created_at ASC
			LIMIT $2
		)
		DELETE FROM audit_records t
		USING stale
		WHERE t.id = stale.id
	`, cutoff, batchSize)
	if err != nil {
		return 0, fmt.Errorf("purge audit records: %w", err)
	}

	affected, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("purged audit records rows affected: %w", err)
	}

	return affected, nil
}

func nullable(value string) any {
	if value == "" {
		return nil
	}
	return value
}
