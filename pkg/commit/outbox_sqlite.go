package commit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// SQLiteOutbox is the embedded single-node outbox.
type SQLiteOutbox struct {
	db *sql.DB
}

func NewSQLiteOutbox(db *sql.DB) (*SQLiteOutbox, error) {
	s := &SQLiteOutbox{db: db}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteOutbox) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS commit_outbox (
		intent_key   TEXT PRIMARY KEY,
		intent_json  TEXT NOT NULL,
		status       TEXT NOT NULL DEFAULT 'PENDING',
		tx_ref       TEXT NOT NULL DEFAULT '',
		receipt_json TEXT,
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		created_at   TEXT NOT NULL,
		updated_at   TEXT NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_commit_outbox_status ON commit_outbox(status, created_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

func (s *SQLiteOutbox) Save(ctx context.Context, intent contracts.CommitIntent) error {
	intentJSON, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("commit: encode intent: %w", err)
	}
	now := time.Now().UTC().Format(time.RFC3339Nano)
	query := `
	INSERT INTO commit_outbox (intent_key, intent_json, status, created_at, updated_at)
	VALUES (?, ?, 'PENDING', ?, ?)
	ON CONFLICT (intent_key) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, intent.Key, string(intentJSON), now, now); err != nil {
		return fmt.Errorf("commit: save intent: %w", err)
	}
	return nil
}

func (s *SQLiteOutbox) Get(ctx context.Context, key string) (*OutboxRecord, error) {
	query := `
	SELECT intent_key, intent_json, status, tx_ref, receipt_json, attempts, last_error, created_at, updated_at
	FROM commit_outbox WHERE intent_key = ?`
	row := s.db.QueryRowContext(ctx, query, key)
	return scanOutboxRow(row.Scan)
}

// MarkSubmitted records the transaction ref of a dispatched submission. The
// ref outlives MarkFailed and Requeue so a later run can settle it.
func (s *SQLiteOutbox) MarkSubmitted(ctx context.Context, key string, txRef string) error {
	query := `
	UPDATE commit_outbox SET tx_ref = ?, updated_at = ?
	WHERE intent_key = ?`
	res, err := s.db.ExecContext(ctx, query, txRef, time.Now().UTC().Format(time.RFC3339Nano), key)
	if err != nil {
		return fmt.Errorf("commit: mark submitted: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteOutbox) MarkConfirmed(ctx context.Context, key string, receipt contracts.CommitReceipt) error {
	receiptJSON, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("commit: encode receipt: %w", err)
	}
	query := `
	UPDATE commit_outbox
	SET status = 'CONFIRMED', receipt_json = ?, last_error = '', updated_at = ?
	WHERE intent_key = ?`
	res, err := s.db.ExecContext(ctx, query, string(receiptJSON), time.Now().UTC().Format(time.RFC3339Nano), key)
	if err != nil {
		return fmt.Errorf("commit: mark confirmed: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteOutbox) MarkFailed(ctx context.Context, key string, attempts int, reason string) error {
	query := `
	UPDATE commit_outbox
	SET status = 'FAILED', attempts = ?, last_error = ?, updated_at = ?
	WHERE intent_key = ?`
	res, err := s.db.ExecContext(ctx, query, attempts, reason, time.Now().UTC().Format(time.RFC3339Nano), key)
	if err != nil {
		return fmt.Errorf("commit: mark failed: %w", err)
	}
	return requireRow(res)
}

func (s *SQLiteOutbox) ListPending(ctx context.Context) ([]*OutboxRecord, error) {
	query := `
	SELECT intent_key, intent_json, status, tx_ref, receipt_json, attempts, last_error, created_at, updated_at
	FROM commit_outbox WHERE status = 'PENDING' ORDER BY created_at ASC`
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var records []*OutboxRecord
	for rows.Next() {
		rec, err := scanOutboxRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return records, nil
}

func (s *SQLiteOutbox) Requeue(ctx context.Context, key string) error {
	query := `
	UPDATE commit_outbox SET status = 'PENDING', updated_at = ?
	WHERE intent_key = ? AND status = 'FAILED'`
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC().Format(time.RFC3339Nano), key)
	if err != nil {
		return fmt.Errorf("commit: requeue: %w", err)
	}
	return requireRow(res)
}

func scanOutboxRow(scan func(dest ...any) error) (*OutboxRecord, error) {
	var (
		key, intentJSON, status, txRef string
		receiptJSON                    sql.NullString
		attempts                       int
		lastError                      string
		createdAt, updatedAt           string
	)
	if err := scan(&key, &intentJSON, &status, &txRef, &receiptJSON, &attempts, &lastError, &createdAt, &updatedAt); err != nil {
		if err == sql.ErrNoRows {
			return nil, ErrIntentNotFound
		}
		return nil, err
	}

	rec := &OutboxRecord{
		Key:       key,
		Status:    contracts.ReceiptStatus(status),
		TxRef:     txRef,
		Attempts:  attempts,
		LastError: lastError,
		CreatedAt: parseOutboxTime(createdAt),
		UpdatedAt: parseOutboxTime(updatedAt),
	}
	if err := json.Unmarshal([]byte(intentJSON), &rec.Intent); err != nil {
		return nil, fmt.Errorf("commit: corrupt intent JSON for %s: %w", key, err)
	}
	if receiptJSON.Valid && receiptJSON.String != "" {
		var receipt contracts.CommitReceipt
		if err := json.Unmarshal([]byte(receiptJSON.String), &receipt); err != nil {
			return nil, fmt.Errorf("commit: corrupt receipt JSON for %s: %w", key, err)
		}
		rec.Receipt = &receipt
	}
	return rec, nil
}

func requireRow(res sql.Result) error {
	n, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if n == 0 {
		return ErrIntentNotFound
	}
	return nil
}

func parseOutboxTime(value string) time.Time {
	if t, err := time.Parse(time.RFC3339Nano, value); err == nil {
		return t
	}
	if t, err := time.Parse(time.RFC3339, value); err == nil {
		return t
	}
	return time.Time{}
}
