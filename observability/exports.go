package observability

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/hazyhaar/typenote/idgen"
)

// Export statuses.
const (
	StatusDelivered      = "delivered"
	StatusRenderFailed   = "render_failed"
	StatusDeliveryFailed = "delivery_failed"
	StatusRejected       = "rejected"
)

// ExportEntry is one row of the export trail.
type ExportEntry struct {
	ExportID     string
	Timestamp    time.Time
	RequestID    string
	Strategy     string
	Density      float64
	Attempts     int
	Width        int
	Height       int
	Format       string
	FileName     string
	Bytes        int
	Location     string
	Status       string
	ErrorMessage string
	DurationMs   int64
}

// ExportLog persists one entry per export attempt.
type ExportLog struct {
	db     *sql.DB
	newID  idgen.Generator
	logger *slog.Logger
}

// ExportLogOption configures an ExportLog.
type ExportLogOption func(*ExportLog)

// WithExportIDGenerator sets a custom ID generator for export IDs.
func WithExportIDGenerator(gen idgen.Generator) ExportLogOption {
	return func(l *ExportLog) { l.newID = gen }
}

func WithExportLogLogger(lg *slog.Logger) ExportLogOption {
	return func(l *ExportLog) { l.logger = lg }
}

// NewExportLog creates a log backed by db, which must carry Schema.
func NewExportLog(db *sql.DB, opts ...ExportLogOption) *ExportLog {
	l := &ExportLog{
		db:     db,
		newID:  idgen.ExportID,
		logger: slog.Default(),
	}
	for _, o := range opts {
		o(l)
	}
	return l
}

// Log inserts e, filling ExportID and Timestamp when empty. A failing store
// is logged and never propagated to the export.
func (l *ExportLog) Log(ctx context.Context, e *ExportEntry) {
	if e.ExportID == "" {
		e.ExportID = l.newID()
	}
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now()
	}
	_, err := l.db.ExecContext(ctx, `
		INSERT INTO export_log (
			export_id, timestamp, request_id, strategy, density, attempts,
			width, height, format, file_name, bytes, location, status, error_message, duration_ms
		) VALUES (?,?,?,?,?,?,?,?,?,?,?,?,?,?,?)`,
		e.ExportID, e.Timestamp.Unix(), e.RequestID, e.Strategy, e.Density, e.Attempts,
		e.Width, e.Height, e.Format, e.FileName, e.Bytes, e.Location, e.Status, e.ErrorMessage, e.DurationMs)
	if err != nil {
		l.logger.Error("observability: export log insert", "error", err, "export_id", e.ExportID)
	}
}

// Recent returns the latest entries, newest first. Status filters when
// non-empty.
func (l *ExportLog) Recent(ctx context.Context, status string, limit int) ([]*ExportEntry, error) {
	q := `SELECT export_id, timestamp, request_id, strategy, density, attempts,
		width, height, format, file_name, bytes, location, status, error_message, duration_ms
		FROM export_log WHERE 1=1`
	var args []any
	if status != "" {
		q += " AND status = ?"
		args = append(args, status)
	}
	if limit <= 0 {
		limit = 100
	}
	q += " ORDER BY timestamp DESC, rowid DESC LIMIT ?"
	args = append(args, limit)

	rows, err := l.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query export log: %w", err)
	}
	defer rows.Close()

	var out []*ExportEntry
	for rows.Next() {
		var (
			e                                         ExportEntry
			ts                                        int64
			reqID, format, fileName, location, errMsg sql.NullString
			density                                   sql.NullFloat64
			width, height, size, duration             sql.NullInt64
		)
		if err := rows.Scan(&e.ExportID, &ts, &reqID, &e.Strategy, &density, &e.Attempts,
			&width, &height, &format, &fileName, &size, &location, &e.Status, &errMsg, &duration); err != nil {
			return nil, fmt.Errorf("observability: scan export: %w", err)
		}
		e.Timestamp = time.Unix(ts, 0)
		e.RequestID = reqID.String
		e.Density = density.Float64
		e.Width = int(width.Int64)
		e.Height = int(height.Int64)
		e.Format = format.String
		e.FileName = fileName.String
		e.Bytes = int(size.Int64)
		e.Location = location.String
		e.ErrorMessage = errMsg.String
		e.DurationMs = duration.Int64
		out = append(out, &e)
	}
	return out, rows.Err()
}
