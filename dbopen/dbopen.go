// Package dbopen opens the SQLite database that holds the question list,
// drafts and the export trail.
//
// Pragmas are passed through the DSN so every pooled connection gets them,
// not just the first one. Schemas run in a single transaction: a bad schema
// leaves nothing behind.
//
//	db, err := dbopen.Open("data/typenote.db", dbopen.WithMkdirAll(), dbopen.WithSchema(journal.Schema))
//
// In tests:
//
//	db := dbopen.OpenMemory(t, dbopen.WithSchema(journal.Schema))
package dbopen

import (
	"context"
	"database/sql"
	"fmt"
	"net/url"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	_ "modernc.org/sqlite"
)

const memoryPath = ":memory:"

type options struct {
	busyTimeout time.Duration
	mkdirAll    bool
	txLock      string
	schemas     []string
}

// Option customises Open.
type Option func(*options)

// WithBusyTimeout sets how long a connection waits on a locked database.
// Default: 10s.
func WithBusyTimeout(d time.Duration) Option { return func(o *options) { o.busyTimeout = d } }

// WithMkdirAll creates the parent directory of the database file.
func WithMkdirAll() Option { return func(o *options) { o.mkdirAll = true } }

// WithImmediateTx makes BeginTx take the write lock up front. Writers then
// queue on busy_timeout instead of failing at commit.
func WithImmediateTx() Option { return func(o *options) { o.txLock = "immediate" } }

// WithSchema queues DDL to run after the database is opened.
func WithSchema(ddl string) Option { return func(o *options) { o.schemas = append(o.schemas, ddl) } }

// dsn builds a modernc.org/sqlite data source name carrying the pragmas.
func (o *options) dsn(path string) string {
	q := url.Values{}
	q.Add("_pragma", "foreign_keys(1)")
	q.Add("_pragma", "busy_timeout("+strconv.FormatInt(o.busyTimeout.Milliseconds(), 10)+")")
	if path != memoryPath {
		q.Add("_pragma", "journal_mode(WAL)")
		q.Add("_pragma", "synchronous(NORMAL)")
	}
	if o.txLock != "" {
		q.Set("_txlock", o.txLock)
	}
	return "file:" + path + "?" + q.Encode()
}

// Open opens the database at path, or a private in-memory database when path
// is ":memory:".
func Open(path string, opts ...Option) (*sql.DB, error) {
	o := options{busyTimeout: 10 * time.Second}
	for _, fn := range opts {
		fn(&o)
	}

	if o.mkdirAll && path != memoryPath {
		if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
			return nil, fmt.Errorf("dbopen: mkdir %s: %w", filepath.Dir(path), err)
		}
	}

	db, err := sql.Open("sqlite", o.dsn(path))
	if err != nil {
		return nil, fmt.Errorf("dbopen: open %s: %w", path, err)
	}
	if path == memoryPath {
		// Each connection to :memory: is a separate database.
		db.SetMaxOpenConns(1)
	}

	ctx, cancel := context.WithTimeout(context.Background(), o.busyTimeout+5*time.Second)
	defer cancel()

	if err := db.PingContext(ctx); err != nil {
		db.Close()
		return nil, fmt.Errorf("dbopen: ping %s: %w", path, err)
	}
	if err := applySchemas(ctx, db, o.schemas); err != nil {
		db.Close()
		return nil, err
	}
	return db, nil
}

func applySchemas(ctx context.Context, db *sql.DB, schemas []string) error {
	if len(schemas) == 0 {
		return nil
	}
	return RunTx(ctx, db, func(tx *sql.Tx) error {
		for i, ddl := range schemas {
			if _, err := tx.ExecContext(ctx, ddl); err != nil {
				return fmt.Errorf("dbopen: schema %d: %w", i, err)
			}
		}
		return nil
	})
}

// OpenMemory opens an in-memory database for tests and closes it on cleanup.
func OpenMemory(t testing.TB, opts ...Option) *sql.DB {
	t.Helper()
	db, err := Open(memoryPath, opts...)
	if err != nil {
		t.Fatalf("dbopen.OpenMemory: %v", err)
	}
	t.Cleanup(func() { db.Close() })
	return db
}
