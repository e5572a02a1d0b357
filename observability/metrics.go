// Package observability records export metrics and the export trail in the
// same SQLite file as the question list.
//
// Metrics go through a bounded queue to a single writer goroutine that
// inserts them in batches. A slow or failing store drops points; it never
// blocks or fails an export.
package observability

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"sync/atomic"
	"time"
)

// Series recorded for every export.
const (
	MetricExportDurationMs = "export_duration_ms"
	MetricExportAttempts   = "export_attempts"
	MetricExportDensity    = "export_density"
	MetricExportBytes      = "export_bytes"
	MetricExportFailures   = "export_failures"
	MetricExportRejected   = "export_rejected"
)

// ExportSeries lists the series Overview reports on.
var ExportSeries = []string{
	MetricExportDurationMs,
	MetricExportAttempts,
	MetricExportDensity,
	MetricExportBytes,
	MetricExportFailures,
	MetricExportRejected,
}

// Point is one sample of a named series.
type Point struct {
	Name   string            `json:"name"`
	At     time.Time         `json:"at"`
	Value  float64           `json:"value"`
	Unit   string            `json:"unit,omitempty"`
	Labels map[string]string `json:"labels,omitempty"`
}

// Metrics queues points and writes them to metrics_timeseries.
type Metrics struct {
	db     *sql.DB
	logger *slog.Logger
	batch  int
	every  time.Duration
	now    func() time.Time

	queue   chan Point
	flushes chan chan error
	stop    chan struct{}
	done    chan struct{}
	once    sync.Once
	dropped atomic.Int64
}

// MetricsOption configures Metrics.
type MetricsOption func(*Metrics)

// WithBatchSize sets how many queued points trigger a write. Default: 100.
func WithBatchSize(n int) MetricsOption {
	return func(m *Metrics) {
		if n > 0 {
			m.batch = n
		}
	}
}

// WithFlushInterval sets how often a partial batch is written. Default: 5s.
func WithFlushInterval(d time.Duration) MetricsOption {
	return func(m *Metrics) {
		if d > 0 {
			m.every = d
		}
	}
}

func WithMetricsLogger(l *slog.Logger) MetricsOption {
	return func(m *Metrics) { m.logger = l }
}

// NewMetrics starts the writer. db must carry Schema. Call Close to stop it.
func NewMetrics(db *sql.DB, opts ...MetricsOption) *Metrics {
	m := &Metrics{
		db:      db,
		logger:  slog.Default(),
		batch:   100,
		every:   5 * time.Second,
		now:     time.Now,
		flushes: make(chan chan error),
		stop:    make(chan struct{}),
		done:    make(chan struct{}),
	}
	for _, o := range opts {
		o(m)
	}
	m.queue = make(chan Point, 4*m.batch)
	go m.writer()
	return m
}

// Add queues p. When the queue is full or Metrics is closed the point is
// dropped and counted in Dropped.
func (m *Metrics) Add(p Point) {
	if p.At.IsZero() {
		p.At = m.now()
	}
	select {
	case <-m.stop:
		m.dropped.Add(1)
		return
	default:
	}
	select {
	case m.queue <- p:
	default:
		m.dropped.Add(1)
	}
}

// Dropped reports how many points were discarded.
func (m *Metrics) Dropped() int64 { return m.dropped.Load() }

// ObserveExport derives the per-export series from a finished log entry.
func (m *Metrics) ObserveExport(e *ExportEntry) {
	labels := map[string]string{"strategy": e.Strategy, "status": e.Status}
	m.Add(Point{Name: MetricExportDurationMs, Value: float64(e.DurationMs), Unit: "milliseconds", Labels: labels})
	if e.Attempts > 0 {
		m.Add(Point{Name: MetricExportAttempts, Value: float64(e.Attempts), Unit: "count", Labels: labels})
	}
	if e.Status != StatusDelivered {
		m.Add(Point{Name: MetricExportFailures, Value: 1, Unit: "count", Labels: labels})
		return
	}
	m.Add(Point{Name: MetricExportDensity, Value: e.Density, Unit: "ratio", Labels: labels})
	if e.Bytes > 0 {
		m.Add(Point{Name: MetricExportBytes, Value: float64(e.Bytes), Unit: "bytes", Labels: labels})
	}
}

// ObserveRejected counts an export turned away by the single-flight gate.
func (m *Metrics) ObserveRejected(strategy string) {
	m.Add(Point{Name: MetricExportRejected, Value: 1, Unit: "count", Labels: map[string]string{"strategy": strategy}})
}

// Flush writes every point queued before the call.
func (m *Metrics) Flush(ctx context.Context) error {
	ack := make(chan error, 1)
	select {
	case m.flushes <- ack:
	case <-m.done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
	select {
	case err := <-ack:
		return err
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Close writes what is queued and stops the writer.
func (m *Metrics) Close() error {
	m.once.Do(func() { close(m.stop) })
	<-m.done
	return nil
}

func (m *Metrics) writer() {
	defer close(m.done)
	tick := time.NewTicker(m.every)
	defer tick.Stop()

	pending := make([]Point, 0, m.batch)
	drain := func() {
		for {
			select {
			case p := <-m.queue:
				pending = append(pending, p)
			default:
				return
			}
		}
	}
	write := func() error {
		err := m.insert(pending)
		pending = pending[:0]
		return err
	}

	for {
		select {
		case p := <-m.queue:
			pending = append(pending, p)
			if len(pending) >= m.batch {
				write()
			}
		case <-tick.C:
			write()
		case ack := <-m.flushes:
			drain()
			ack <- write()
		case <-m.stop:
			drain()
			write()
			return
		}
	}
}

func (m *Metrics) insert(points []Point) error {
	if len(points) == 0 {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	tx, err := m.db.BeginTx(ctx, nil)
	if err != nil {
		m.logger.Error("observability: metrics begin", "error", err, "points", len(points))
		return err
	}
	defer tx.Rollback()

	stmt, err := tx.PrepareContext(ctx,
		`INSERT INTO metrics_timeseries (metric_name, timestamp, value, labels, unit) VALUES (?, ?, ?, ?, ?)`)
	if err != nil {
		m.logger.Error("observability: metrics prepare", "error", err)
		return err
	}
	defer stmt.Close()

	for _, p := range points {
		var labels sql.NullString
		if len(p.Labels) > 0 {
			b, _ := json.Marshal(p.Labels)
			labels = sql.NullString{String: string(b), Valid: true}
		}
		if _, err := stmt.ExecContext(ctx, p.Name, p.At.Unix(), p.Value, labels, p.Unit); err != nil {
			m.logger.Error("observability: metrics insert", "error", err, "metric", p.Name)
			return err
		}
	}
	if err := tx.Commit(); err != nil {
		m.logger.Error("observability: metrics commit", "error", err)
		return err
	}
	return nil
}

// Filter selects points. Zero fields do not filter; Limit 0 means no limit.
type Filter struct {
	Name  string
	Since time.Time
	Until time.Time
	Limit int
}

// Points returns stored points matching f, newest first.
func (m *Metrics) Points(ctx context.Context, f Filter) ([]Point, error) {
	var (
		where []string
		args  []any
	)
	if f.Name != "" {
		where = append(where, "metric_name = ?")
		args = append(args, f.Name)
	}
	if !f.Since.IsZero() {
		where = append(where, "timestamp >= ?")
		args = append(args, f.Since.Unix())
	}
	if !f.Until.IsZero() {
		where = append(where, "timestamp <= ?")
		args = append(args, f.Until.Unix())
	}
	q := "SELECT metric_name, timestamp, value, labels, unit FROM metrics_timeseries"
	if len(where) > 0 {
		q += " WHERE " + strings.Join(where, " AND ")
	}
	q += " ORDER BY timestamp DESC, rowid DESC"
	if f.Limit > 0 {
		q += " LIMIT ?"
		args = append(args, f.Limit)
	}

	rows, err := m.db.QueryContext(ctx, q, args...)
	if err != nil {
		return nil, fmt.Errorf("observability: query metrics: %w", err)
	}
	defer rows.Close()

	var out []Point
	for rows.Next() {
		var (
			p      Point
			ts     int64
			labels sql.NullString
			unit   sql.NullString
		)
		if err := rows.Scan(&p.Name, &ts, &p.Value, &labels, &unit); err != nil {
			return nil, fmt.Errorf("observability: scan metric: %w", err)
		}
		p.At, p.Unit = time.Unix(ts, 0), unit.String
		if labels.Valid {
			json.Unmarshal([]byte(labels.String), &p.Labels)
		}
		out = append(out, p)
	}
	return out, rows.Err()
}

// Summary aggregates one series over a window.
type Summary struct {
	Count int64   `json:"count"`
	Sum   float64 `json:"sum"`
	Avg   float64 `json:"avg"`
	Max   float64 `json:"max"`
}

// Summarize aggregates name since since.
func (m *Metrics) Summarize(ctx context.Context, name string, since time.Time) (Summary, error) {
	var (
		s              Summary
		sum, avg, peak sql.NullFloat64
	)
	err := m.db.QueryRowContext(ctx, `
		SELECT COUNT(*), SUM(value), AVG(value), MAX(value) FROM metrics_timeseries
		WHERE metric_name = ? AND timestamp >= ?`, name, since.Unix()).Scan(&s.Count, &sum, &avg, &peak)
	if err != nil {
		return Summary{}, fmt.Errorf("observability: summarize %s: %w", name, err)
	}
	s.Sum, s.Avg, s.Max = sum.Float64, avg.Float64, peak.Float64
	return s, nil
}

// Overview summarizes every export series since since, keyed by name.
func (m *Metrics) Overview(ctx context.Context, since time.Time) (map[string]Summary, error) {
	out := make(map[string]Summary, len(ExportSeries))
	for _, name := range ExportSeries {
		s, err := m.Summarize(ctx, name, since)
		if err != nil {
			return nil, err
		}
		out[name] = s
	}
	return out, nil
}
