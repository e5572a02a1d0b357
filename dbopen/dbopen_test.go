package dbopen

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"testing"
	"time"
)

func TestOpen_CreatesFileAndAppliesSchema(t *testing.T) {
	path := filepath.Join(t.TempDir(), "nested", "typenote.db")
	db, err := Open(path, WithMkdirAll(), WithSchema(`CREATE TABLE kv (k TEXT PRIMARY KEY, v TEXT)`))
	if err != nil {
		t.Fatalf("Open: %v", err)
	}
	defer db.Close()

	var mode string
	if err := db.QueryRow("PRAGMA journal_mode").Scan(&mode); err != nil {
		t.Fatal(err)
	}
	if mode != "wal" {
		t.Errorf("journal_mode = %q, want wal", mode)
	}
	if _, err := db.Exec(`INSERT INTO kv VALUES ('a', 'b')`); err != nil {
		t.Fatalf("schema not applied: %v", err)
	}
}

func TestOpen_BadSchema(t *testing.T) {
	_, err := Open(":memory:", WithSchema("NOT SQL"))
	if err == nil {
		t.Fatal("expected schema error")
	}
}

func TestOpen_PragmasOnEveryConnection(t *testing.T) {
	db, err := Open(filepath.Join(t.TempDir(), "p.db"), WithBusyTimeout(2*time.Second))
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()

	ctx := context.Background()
	var conns []*sql.Conn
	for range 3 {
		c, err := db.Conn(ctx)
		if err != nil {
			t.Fatal(err)
		}
		conns = append(conns, c)
	}
	for i, c := range conns {
		var fk, timeout int
		if err := c.QueryRowContext(ctx, "PRAGMA foreign_keys").Scan(&fk); err != nil {
			t.Fatal(err)
		}
		if err := c.QueryRowContext(ctx, "PRAGMA busy_timeout").Scan(&timeout); err != nil {
			t.Fatal(err)
		}
		if fk != 1 || timeout != 2000 {
			t.Errorf("conn %d: foreign_keys=%d busy_timeout=%d", i, fk, timeout)
		}
		c.Close()
	}
}

func TestOpen_SchemasAreAllOrNothing(t *testing.T) {
	path := filepath.Join(t.TempDir(), "s.db")
	_, err := Open(path, WithSchema(`CREATE TABLE first (v INTEGER)`), WithSchema("NOT SQL"))
	if err == nil || !strings.Contains(err.Error(), "schema 1") {
		t.Fatalf("expected schema 1 error, got %v", err)
	}

	db, err := Open(path)
	if err != nil {
		t.Fatal(err)
	}
	defer db.Close()
	var n int
	db.QueryRow("SELECT COUNT(*) FROM sqlite_master WHERE name = 'first'").Scan(&n)
	if n != 0 {
		t.Fatal("first schema should have been rolled back")
	}
}

func TestDSN(t *testing.T) {
	o := options{busyTimeout: time.Second, txLock: "immediate"}
	dsn := o.dsn("data/x.db")
	for _, want := range []string{"file:data/x.db?", "busy_timeout%281000%29", "journal_mode%28WAL%29", "_txlock=immediate"} {
		if !strings.Contains(dsn, want) {
			t.Errorf("dsn %q missing %q", dsn, want)
		}
	}
	if mem := o.dsn(memoryPath); strings.Contains(mem, "journal_mode") {
		t.Errorf("memory dsn should not set WAL: %q", mem)
	}
}

func TestIsBusy(t *testing.T) {
	if IsBusy(nil) {
		t.Error("nil is not busy")
	}
	if !IsBusy(errors.New("database is locked (5) (SQLITE_BUSY)")) {
		t.Error("expected busy")
	}
	if IsBusy(errors.New("no such table")) {
		t.Error("expected not busy")
	}
	if !IsBusy(fmt.Errorf("journal: upsert: %w", errors.New("database is locked"))) {
		t.Error("expected wrapped busy")
	}
}

func TestRunTx_GivesUpOnCancelledContext(t *testing.T) {
	db := OpenMemory(t)
	ctx, cancel := context.WithCancel(context.Background())
	cancel()
	calls := 0
	err := RunTx(ctx, db, func(*sql.Tx) error {
		calls++
		return nil
	})
	if err == nil {
		t.Fatal("expected begin to fail on cancelled context")
	}
	if calls != 0 {
		t.Fatalf("fn ran %d times", calls)
	}
}

func TestRunTx_CommitAndRollback(t *testing.T) {
	db := OpenMemory(t, WithSchema(`CREATE TABLE n (v INTEGER)`))
	ctx := context.Background()

	if err := RunTx(ctx, db, func(tx *sql.Tx) error {
		_, err := tx.Exec(`INSERT INTO n VALUES (1)`)
		return err
	}); err != nil {
		t.Fatalf("RunTx: %v", err)
	}

	boom := errors.New("boom")
	err := RunTx(ctx, db, func(tx *sql.Tx) error {
		if _, err := tx.Exec(`INSERT INTO n VALUES (2)`); err != nil {
			return err
		}
		return boom
	})
	if !errors.Is(err, boom) {
		t.Fatalf("expected boom, got %v", err)
	}

	var count int
	db.QueryRow(`SELECT COUNT(*) FROM n`).Scan(&count)
	if count != 1 {
		t.Fatalf("count = %d, want 1 (second insert rolled back)", count)
	}
}
