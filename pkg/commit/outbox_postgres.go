package commit

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"

	_ "github.com/lib/pq"
)

// PostgresOutbox is the shared multi-node outbox. Schema is managed by
// deployment migrations; see migrate for the expected shape.
type PostgresOutbox struct {
	db *sql.DB
}

func NewPostgresOutbox(db *sql.DB) *PostgresOutbox {
	return &PostgresOutbox{db: db}
}

// Migrate creates the outbox table. Intended for tests and bootstrap; real
// deployments run this through their migration tooling.
func (s *PostgresOutbox) Migrate(ctx context.Context) error {
	query := `
	CREATE TABLE IF NOT EXISTS commit_outbox (
		intent_key   TEXT PRIMARY KEY,
		intent_json  JSONB NOT NULL,
		status       TEXT NOT NULL DEFAULT 'PENDING',
		tx_ref       TEXT NOT NULL DEFAULT '',
		receipt_json JSONB,
		attempts     INTEGER NOT NULL DEFAULT 0,
		last_error   TEXT NOT NULL DEFAULT '',
		created_at   TIMESTAMPTZ NOT NULL,
		updated_at   TIMESTAMPTZ NOT NULL
	)`
	_, err := s.db.ExecContext(ctx, query)
	return err
}

func (s *PostgresOutbox) Save(ctx context.Context, intent contracts.CommitIntent) error {
	intentJSON, err := json.Marshal(intent)
	if err != nil {
		return fmt.Errorf("commit: encode intent: %w", err)
	}
	query := `
	INSERT INTO commit_outbox (intent_key, intent_json, status, created_at, updated_at)
	VALUES ($1, $2, 'PENDING', $3, $3)
	ON CONFLICT (intent_key) DO NOTHING`
	if _, err := s.db.ExecContext(ctx, query, intent.Key, intentJSON, time.Now().UTC()); err != nil {
		return fmt.Errorf("commit: save intent: %w", err)
	}
	return nil
}

func (s *PostgresOutbox) Get(ctx context.Context, key string) (*OutboxRecord, error) {
	query := `
	SELECT intent_key, intent_json, status, tx_ref, receipt_json, attempts, last_error, created_at, updated_at
	FROM commit_outbox WHERE intent_key = $1`
	row := s.db.QueryRowContext(ctx, query, key)
	return scanPgOutboxRow(row.Scan)
}

func (s *PostgresOutbox) MarkSubmitted(ctx context.Context, key string, txRef string) error {
	query := `
	UPDATE commit_outbox SET tx_ref = $1, updated_at = $2
	WHERE intent_key = $3`
	res, err := s.db.ExecContext(ctx, query, txRef, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("commit: mark submitted: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresOutbox) MarkConfirmed(ctx context.Context, key string, receipt contracts.CommitReceipt) error {
	receiptJSON, err := json.Marshal(receipt)
	if err != nil {
		return fmt.Errorf("commit: encode receipt: %w", err)
	}
	query := `
	UPDATE commit_outbox
	SET status = 'CONFIRMED', receipt_json = $1, last_error = '', updated_at = $2
	WHERE intent_key = $3`
	res, err := s.db.ExecContext(ctx, query, receiptJSON, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("commit: mark confirmed: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresOutbox) MarkFailed(ctx context.Context, key string, attempts int, reason string) error {
	query := `
	UPDATE commit_outbox
	SET status = 'FAILED', attempts = $1, last_error = $2, updated_at = $3
	WHERE intent_key = $4`
	res, err := s.db.ExecContext(ctx, query, attempts, reason, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("commit: mark failed: %w", err)
	}
	return requireRow(res)
}

func (s *PostgresOutbox) ListPending(ctx context.Context) ([]*OutboxRecord, error) {
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
		rec, err := scanPgOutboxRow(rows.Scan)
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

func (s *PostgresOutbox) Requeue(ctx context.Context, key string) error {
	query := `
	UPDATE commit_outbox SET status = 'PENDING', updated_at = $1
	WHERE intent_key = $2 AND status = 'FAILED'`
	res, err := s.db.ExecContext(ctx, query, time.Now().UTC(), key)
	if err != nil {
		return fmt.Errorf("commit: requeue: %w", err)
	}
	return requireRow(res)
}

func scanPgOutboxRow(scan func(dest ...any) error) (*OutboxRecord, error) {
	var (
		key, status, txRef   string
		intentJSON           []byte
		receiptJSON          []byte
		attempts             int
		lastError            string
		createdAt, updatedAt time.Time
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
		CreatedAt: createdAt,
		UpdatedAt: updatedAt,
	}
	if err := json.Unmarshal(intentJSON, &rec.Intent); err != nil {
		return nil, fmt.Errorf("commit: corrupt intent JSON for %s: %w", key, err)
	}
	if len(receiptJSON) > 0 {
		var receipt contracts.CommitReceipt
		if err := json.Unmarshal(receiptJSON, &receipt); err != nil {
			return nil, fmt.Errorf("commit: corrupt receipt JSON for %s: %w", key, err)
		}
		rec.Receipt = &receipt
	}
	return rec, nil
}
