// Package store implements the event-sourced session store: one table of
// events keyed by (session_id, seq), one table of sessions, and one table
// of artifact metadata, all behind a schema-versioned migration runner.
package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/google/uuid"
	_ "modernc.org/sqlite"

	"github.com/opsdiag/agentcore/pkg/models"
)

// ErrSessionNotFound is returned by operations that require an existing
// session row.
var ErrSessionNotFound = errors.New("store: session not found")

// migrations run in ascending order, each inside its own transaction. A
// migration is never edited once shipped — add a new one instead — since
// schema_migrations tracks which have already run against a given file.
var migrations = []string{
	`CREATE TABLE IF NOT EXISTS schema_migrations (version INTEGER PRIMARY KEY);`,
	`CREATE TABLE IF NOT EXISTS sessions (
		id TEXT PRIMARY KEY,
		created_at TEXT NOT NULL,
		updated_at TEXT NOT NULL
	);`,
	`CREATE TABLE IF NOT EXISTS events (
		session_id TEXT NOT NULL,
		seq INTEGER NOT NULL,
		created_at TEXT NOT NULL,
		kind TEXT NOT NULL,
		payload TEXT NOT NULL,
		PRIMARY KEY (session_id, seq)
	);`,
	`CREATE TABLE IF NOT EXISTS artifacts (
		sha256 TEXT PRIMARY KEY,
		size INTEGER NOT NULL,
		created_at TEXT NOT NULL
	);`,
}

// Store is a SQLite-backed implementation of agent.Store, plus the
// session and artifact-metadata queries the public API needs. Per the
// single-threaded cooperative concurrency model, all access is serialized
// through mu and a single underlying connection — callers on other
// goroutines must marshal through the owning event loop rather than share
// the handle directly.
type Store struct {
	mu sync.Mutex
	db *sql.DB
}

// Open opens (creating if absent) the SQLite database at path and runs
// any migrations not yet applied, each in its own transaction.
func Open(path string) (*Store, error) {
	db, err := sql.Open("sqlite", path)
	if err != nil {
		return nil, fmt.Errorf("store: open: %w", err)
	}
	// One connection: the store's own mutex already serializes callers,
	// and a single connection keeps SQLite's writer lock uncontended
	// rather than surfacing as SQLITE_BUSY under the pure-Go driver.
	db.SetMaxOpenConns(1)

	s := &Store{db: db}
	if err := s.migrate(); err != nil {
		db.Close()
		return nil, err
	}
	return s, nil
}

func (s *Store) migrate() error {
	if _, err := s.db.Exec(migrations[0]); err != nil {
		return fmt.Errorf("store: bootstrap schema_migrations: %w", err)
	}

	for version := 1; version <= len(migrations); version++ {
		var applied int
		row := s.db.QueryRow(`SELECT COUNT(*) FROM schema_migrations WHERE version = ?`, version)
		if err := row.Scan(&applied); err != nil {
			return fmt.Errorf("store: check migration %d: %w", version, err)
		}
		if applied > 0 {
			continue
		}

		tx, err := s.db.Begin()
		if err != nil {
			return fmt.Errorf("store: begin migration %d: %w", version, err)
		}
		if _, err := tx.Exec(migrations[version-1]); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: apply migration %d: %w", version, err)
		}
		if _, err := tx.Exec(`INSERT INTO schema_migrations (version) VALUES (?)`, version); err != nil {
			tx.Rollback()
			return fmt.Errorf("store: record migration %d: %w", version, err)
		}
		if err := tx.Commit(); err != nil {
			return fmt.Errorf("store: commit migration %d: %w", version, err)
		}
	}
	return nil
}

// Close releases the underlying database handle.
func (s *Store) Close() error { return s.db.Close() }

// StartSession creates a new session row with a freshly generated id and
// returns it, giving callers the public API's session.start() → session_id
// operation explicitly rather than leaving session creation implicit in
// the first Append call.
func (s *Store) StartSession(ctx context.Context) (string, error) {
	id := uuid.NewString()

	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return "", fmt.Errorf("store: begin start session: %w", err)
	}
	defer tx.Rollback()

	if err := upsertSession(ctx, tx, id, time.Now().UTC()); err != nil {
		return "", err
	}
	if err := tx.Commit(); err != nil {
		return "", fmt.Errorf("store: commit start session: %w", err)
	}
	return id, nil
}

// Append inserts event with a seq assigned inside the same transaction
// that selects the current max, so concurrent appenders (serialized by mu
// regardless) can never collide on a seq value.
func (s *Store) Append(ctx context.Context, event models.Event) (models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return models.Event{}, fmt.Errorf("store: begin append: %w", err)
	}
	defer tx.Rollback()

	now := event.CreatedAt
	if now.IsZero() {
		now = time.Now().UTC()
	}

	if err := upsertSession(ctx, tx, event.SessionID, now); err != nil {
		return models.Event{}, err
	}

	var maxSeq sql.NullInt64
	row := tx.QueryRowContext(ctx, `SELECT MAX(seq) FROM events WHERE session_id = ?`, event.SessionID)
	if err := row.Scan(&maxSeq); err != nil {
		return models.Event{}, fmt.Errorf("store: select max seq: %w", err)
	}
	event.Seq = maxSeq.Int64 + 1
	event.CreatedAt = now

	payload, err := json.Marshal(event)
	if err != nil {
		return models.Event{}, fmt.Errorf("store: marshal event: %w", err)
	}

	_, err = tx.ExecContext(ctx,
		`INSERT INTO events (session_id, seq, created_at, kind, payload) VALUES (?, ?, ?, ?, ?)`,
		event.SessionID, event.Seq, event.CreatedAt.Format(time.RFC3339Nano), string(event.Kind), string(payload),
	)
	if err != nil {
		return models.Event{}, fmt.Errorf("store: insert event: %w", err)
	}

	if err := tx.Commit(); err != nil {
		return models.Event{}, fmt.Errorf("store: commit append: %w", err)
	}
	return event, nil
}

func upsertSession(ctx context.Context, tx *sql.Tx, sessionID string, now time.Time) error {
	ts := now.Format(time.RFC3339Nano)
	_, err := tx.ExecContext(ctx, `
		INSERT INTO sessions (id, created_at, updated_at) VALUES (?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET updated_at = excluded.updated_at
	`, sessionID, ts, ts)
	if err != nil {
		return fmt.Errorf("store: upsert session: %w", err)
	}
	return nil
}

// History returns sessionID's events in ascending seq order, from the
// first event and capped at limit (0 means unbounded).
func (s *Store) History(ctx context.Context, sessionID string, limit int) ([]models.Event, error) {
	return s.readEvents(ctx, sessionID, 0, limit)
}

// ReadEvents is the fuller query the public API's replay/export surface
// uses: events strictly after fromSeq, in append order, capped at limit.
func (s *Store) ReadEvents(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]models.Event, error) {
	return s.readEvents(ctx, sessionID, fromSeq, limit)
}

func (s *Store) readEvents(ctx context.Context, sessionID string, fromSeq int64, limit int) ([]models.Event, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	query := `SELECT payload FROM events WHERE session_id = ? AND seq > ? ORDER BY seq ASC`
	args := []any{sessionID, fromSeq}
	if limit > 0 {
		query += ` LIMIT ?`
		args = append(args, limit)
	}

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("store: read events: %w", err)
	}
	defer rows.Close()

	var events []models.Event
	for rows.Next() {
		var payload string
		if err := rows.Scan(&payload); err != nil {
			return nil, fmt.Errorf("store: scan event: %w", err)
		}
		var e models.Event
		if err := json.Unmarshal([]byte(payload), &e); err != nil {
			return nil, fmt.Errorf("store: unmarshal event: %w", err)
		}
		events = append(events, e)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("store: iterate events: %w", err)
	}
	return events, nil
}

// ListSessions returns every known session, most recently updated first.
func (s *Store) ListSessions(ctx context.Context) ([]models.Session, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	rows, err := s.db.QueryContext(ctx, `SELECT id, created_at, updated_at FROM sessions ORDER BY updated_at DESC`)
	if err != nil {
		return nil, fmt.Errorf("store: list sessions: %w", err)
	}
	defer rows.Close()

	var sessions []models.Session
	for rows.Next() {
		var sess models.Session
		var created, updated string
		if err := rows.Scan(&sess.ID, &created, &updated); err != nil {
			return nil, fmt.Errorf("store: scan session: %w", err)
		}
		sess.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
		sess.UpdatedAt, _ = time.Parse(time.RFC3339Nano, updated)
		sessions = append(sessions, sess)
	}
	return sessions, rows.Err()
}

// DeleteSession removes a session and all of its events. Artifact blobs
// referenced by the session's tool results are not deleted: artifacts are
// content-addressed and may be shared across sessions.
func (s *Store) DeleteSession(ctx context.Context, sessionID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("store: begin delete: %w", err)
	}
	defer tx.Rollback()

	res, err := tx.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, sessionID)
	if err != nil {
		return fmt.Errorf("store: delete session: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return ErrSessionNotFound
	}
	if _, err := tx.ExecContext(ctx, `DELETE FROM events WHERE session_id = ?`, sessionID); err != nil {
		return fmt.Errorf("store: delete events: %w", err)
	}
	return tx.Commit()
}

// RecordArtifact upserts the metadata row for a blob already written to
// the artifact store; it does not touch the bytes on disk.
func (s *Store) RecordArtifact(ctx context.Context, meta models.ArtifactMeta) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	if meta.CreatedAt.IsZero() {
		meta.CreatedAt = time.Now().UTC()
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO artifacts (sha256, size, created_at) VALUES (?, ?, ?)
		ON CONFLICT(sha256) DO NOTHING
	`, meta.SHA256, meta.Size, meta.CreatedAt.Format(time.RFC3339Nano))
	if err != nil {
		return fmt.Errorf("store: record artifact: %w", err)
	}
	return nil
}

// ArtifactMeta looks up a previously recorded blob's metadata.
func (s *Store) ArtifactMeta(ctx context.Context, sha256 string) (models.ArtifactMeta, bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var meta models.ArtifactMeta
	var created string
	row := s.db.QueryRowContext(ctx, `SELECT sha256, size, created_at FROM artifacts WHERE sha256 = ?`, sha256)
	err := row.Scan(&meta.SHA256, &meta.Size, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return models.ArtifactMeta{}, false, nil
	}
	if err != nil {
		return models.ArtifactMeta{}, false, fmt.Errorf("store: artifact meta: %w", err)
	}
	meta.CreatedAt, _ = time.Parse(time.RFC3339Nano, created)
	return meta, true, nil
}

// IsReferenced reports whether any event across any session still carries
// hash in its artifact_refs, satisfying artifacts.ReferenceChecker for the
// garbage-collection sweep. It matches on the raw JSON payload text rather
// than a dedicated index — artifact references are rare enough events
// that a full scan is cheap, and it avoids depending on a JSON extension
// the embedded driver may not enable.
func (s *Store) IsReferenced(ctx context.Context, hash string) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var count int
	row := s.db.QueryRowContext(ctx,
		`SELECT COUNT(*) FROM events WHERE kind = ? AND payload LIKE ? LIMIT 1`,
		string(models.EventToolResult), "%"+hash+"%",
	)
	if err := row.Scan(&count); err != nil {
		return false, fmt.Errorf("store: is referenced: %w", err)
	}
	return count > 0, nil
}
