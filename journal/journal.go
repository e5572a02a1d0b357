// Package journal stores the reflective question set and the per-user
// drafts and preferences the typewriter UI keeps between sessions.
package journal

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/hazyhaar/typenote/dbopen"
)

// Schema creates the journal tables.
const Schema = `
CREATE TABLE IF NOT EXISTS questions (
	id         TEXT PRIMARY KEY,
	text       TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);
CREATE TABLE IF NOT EXISTS kv (
	key        TEXT PRIMARY KEY,
	value      TEXT NOT NULL,
	updated_at INTEGER NOT NULL
);`

// Well-known keys of the kv table.
const (
	KeyMutePref      = "yearly_typewriter_muted"
	KeyAnswerDraft   = "yearly_typewriter_draft"
	KeyAppRoute      = "yearly_typewriter_route"
	KeyAnswerMapping = "yearly_typewriter_answer_mapping"
)

// ErrNotFound is returned by Get for a missing key.
var ErrNotFound = errors.New("journal: not found")

// Question is one reflective prompt.
type Question struct {
	ID   string `json:"id"`
	Text string `json:"text"`
}

// Store reads and writes the journal tables.
type Store struct {
	db *sql.DB
}

// New wraps db, which must already carry Schema.
func New(db *sql.DB) *Store {
	return &Store{db: db}
}

// Seed inserts Defaults when the question table is empty.
func (s *Store) Seed(ctx context.Context) error {
	var n int
	if err := s.db.QueryRowContext(ctx, `SELECT COUNT(*) FROM questions`).Scan(&n); err != nil {
		return fmt.Errorf("journal: seed: %w", err)
	}
	if n > 0 {
		return nil
	}
	return s.Upsert(ctx, Defaults)
}

// Questions lists every question ordered by numeric id, then id.
func (s *Store) Questions(ctx context.Context) ([]Question, error) {
	rows, err := s.db.QueryContext(ctx,
		`SELECT id, text FROM questions ORDER BY CAST(id AS INTEGER), id`)
	if err != nil {
		return nil, fmt.Errorf("journal: list questions: %w", err)
	}
	defer rows.Close()

	var out []Question
	for rows.Next() {
		var q Question
		if err := rows.Scan(&q.ID, &q.Text); err != nil {
			return nil, fmt.Errorf("journal: scan question: %w", err)
		}
		out = append(out, q)
	}
	return out, rows.Err()
}

// Question returns a single question by id.
func (s *Store) Question(ctx context.Context, id string) (Question, error) {
	q := Question{ID: id}
	err := s.db.QueryRowContext(ctx, `SELECT text FROM questions WHERE id = ?`, id).Scan(&q.Text)
	if errors.Is(err, sql.ErrNoRows) {
		return Question{}, ErrNotFound
	}
	if err != nil {
		return Question{}, fmt.Errorf("journal: get question: %w", err)
	}
	return q, nil
}

// Upsert inserts or replaces questions by id in one transaction.
func (s *Store) Upsert(ctx context.Context, qs []Question) error {
	for _, q := range qs {
		if strings.TrimSpace(q.ID) == "" || strings.TrimSpace(q.Text) == "" {
			return fmt.Errorf("journal: question needs an id and a text")
		}
	}
	now := time.Now().UnixMilli()
	return dbopen.RunTx(ctx, s.db, func(tx *sql.Tx) error {
		stmt, err := tx.PrepareContext(ctx, `
			INSERT INTO questions (id, text, updated_at) VALUES (?, ?, ?)
			ON CONFLICT(id) DO UPDATE SET text = excluded.text, updated_at = excluded.updated_at`)
		if err != nil {
			return fmt.Errorf("journal: prepare upsert: %w", err)
		}
		defer stmt.Close()
		for _, q := range qs {
			if _, err := stmt.ExecContext(ctx, q.ID, q.Text, now); err != nil {
				return fmt.Errorf("journal: upsert %s: %w", q.ID, err)
			}
		}
		return nil
	})
}

// Get returns the value stored under key.
func (s *Store) Get(ctx context.Context, key string) (string, error) {
	var v string
	err := s.db.QueryRowContext(ctx, `SELECT value FROM kv WHERE key = ?`, key).Scan(&v)
	if errors.Is(err, sql.ErrNoRows) {
		return "", ErrNotFound
	}
	if err != nil {
		return "", fmt.Errorf("journal: get %s: %w", key, err)
	}
	return v, nil
}

// Put stores value under key.
func (s *Store) Put(ctx context.Context, key, value string) error {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO kv (key, value, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(key) DO UPDATE SET value = excluded.value, updated_at = excluded.updated_at`,
		key, value, time.Now().UnixMilli())
	if err != nil {
		return fmt.Errorf("journal: put %s: %w", key, err)
	}
	return nil
}

// Delete removes key. Missing keys are not an error.
func (s *Store) Delete(ctx context.Context, key string) error {
	if _, err := s.db.ExecContext(ctx, `DELETE FROM kv WHERE key = ?`, key); err != nil {
		return fmt.Errorf("journal: delete %s: %w", key, err)
	}
	return nil
}
