package telemetry

import (
	"context"
	"database/sql"
	"fmt"
	"time"

	"github.com/coldtrace-labs/coldtrace/core/pkg/contracts"

	_ "modernc.org/sqlite"
)

// defaultRetainPerShipment caps the raw log per shipment; older rows are
// pruned on append.
const defaultRetainPerShipment = 200

// SQLiteReadingLog is the durable raw reading store.
type SQLiteReadingLog struct {
	db     *sql.DB
	retain int
}

// NewSQLiteReadingLog creates the log and runs its migration.
func NewSQLiteReadingLog(db *sql.DB) (*SQLiteReadingLog, error) {
	s := &SQLiteReadingLog{db: db, retain: defaultRetainPerShipment}
	if err := s.migrate(); err != nil {
		return nil, err
	}
	return s, nil
}

func (s *SQLiteReadingLog) migrate() error {
	query := `
	CREATE TABLE IF NOT EXISTS readings (
		id INTEGER PRIMARY KEY AUTOINCREMENT,
		shipment_id TEXT NOT NULL,
		role TEXT NOT NULL,
		sensor_id TEXT NOT NULL,
		temperature REAL NOT NULL,
		humidity REAL NOT NULL,
		captured_at DATETIME NOT NULL,
		recorded_at DATETIME NOT NULL
	);
	CREATE INDEX IF NOT EXISTS idx_readings_shipment ON readings (shipment_id, captured_at);`
	_, err := s.db.ExecContext(context.Background(), query)
	return err
}

// Append records a reading and prunes rows beyond the per-shipment cap.
func (s *SQLiteReadingLog) Append(ctx context.Context, shipmentID string, role contracts.CustodyRole, r contracts.Reading) error {
	query := `
	INSERT INTO readings (shipment_id, role, sensor_id, temperature, humidity, captured_at, recorded_at)
	VALUES (?, ?, ?, ?, ?, ?, ?)`
	_, err := s.db.ExecContext(ctx, query,
		shipmentID, string(role), r.SensorID, r.Temperature, r.Humidity,
		r.CapturedAt.UTC(), time.Now().UTC(),
	)
	if err != nil {
		return fmt.Errorf("insert reading: %w", err)
	}

	prune := `
	DELETE FROM readings
	WHERE shipment_id = ? AND id NOT IN (
		SELECT id FROM readings WHERE shipment_id = ?
		ORDER BY captured_at DESC, id DESC LIMIT ?
	)`
	if _, err := s.db.ExecContext(ctx, prune, shipmentID, shipmentID, s.retain); err != nil {
		return fmt.Errorf("prune readings: %w", err)
	}
	return nil
}

// Recent returns up to limit readings for a shipment, newest first.
func (s *SQLiteReadingLog) Recent(ctx context.Context, shipmentID string, limit int) ([]contracts.Reading, error) {
	if limit <= 0 {
		limit = 20
	}
	query := `
	SELECT sensor_id, temperature, humidity, captured_at
	FROM readings
	WHERE shipment_id = ?
	ORDER BY captured_at DESC, id DESC
	LIMIT ?`
	rows, err := s.db.QueryContext(ctx, query, shipmentID, limit)
	if err != nil {
		return nil, err
	}
	defer func() { _ = rows.Close() }()

	var out []contracts.Reading
	for rows.Next() {
		var r contracts.Reading
		if err := rows.Scan(&r.SensorID, &r.Temperature, &r.Humidity, &r.CapturedAt); err != nil {
			return nil, err
		}
		out = append(out, r)
	}
	return out, rows.Err()
}
