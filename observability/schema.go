package observability

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// Schema contains the DDL for the metrics and export log tables. Call
// Init(db) to apply it, or pass it to dbopen.WithSchema.
const Schema = `
CREATE TABLE IF NOT EXISTS metrics_timeseries (
    id          INTEGER PRIMARY KEY,
    metric_name TEXT    NOT NULL,
    timestamp   INTEGER NOT NULL, -- unix seconds
    value       REAL    NOT NULL,
    labels      TEXT,             -- JSON object
    unit        TEXT
);
CREATE INDEX IF NOT EXISTS idx_metrics_series ON metrics_timeseries(metric_name, timestamp);

CREATE TABLE IF NOT EXISTS export_log (
    export_id TEXT PRIMARY KEY,
    timestamp INTEGER NOT NULL,
    request_id TEXT,
    strategy TEXT NOT NULL,
    density REAL,
    attempts INTEGER NOT NULL DEFAULT 0,
    width INTEGER,
    height INTEGER,
    format TEXT,
    file_name TEXT,
    bytes INTEGER,
    location TEXT,
    status TEXT NOT NULL,
    error_message TEXT,
    duration_ms INTEGER,
    created_at INTEGER NOT NULL DEFAULT (strftime('%s', 'now'))
);
CREATE INDEX IF NOT EXISTS idx_export_log_time ON export_log(timestamp DESC);
CREATE INDEX IF NOT EXISTS idx_export_log_status ON export_log(status);
`

// Init applies the observability schema to the given database.
func Init(db *sql.DB) error {
	_, err := db.Exec(Schema)
	return err
}

// Cleanup deletes metrics and export log rows older than retentionDays.
// Zero or negative days keeps everything.
func Cleanup(ctx context.Context, db *sql.DB, retentionDays int) error {
	if retentionDays <= 0 {
		return nil
	}
	cutoff := time.Now().AddDate(0, 0, -retentionDays).Unix()
	for _, q := range []string{
		"DELETE FROM metrics_timeseries WHERE timestamp < ?",
		"DELETE FROM export_log WHERE timestamp < ?",
	} {
		if _, err := db.ExecContext(ctx, q, cutoff); err != nil {
			return fmt.Errorf("observability: cleanup: %w", err)
		}
	}
	return nil
}
