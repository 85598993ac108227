package session

import (
	"database/sql"
	"fmt"
	"os"
	"path/filepath"
	"time"

	_ "modernc.org/sqlite"

	"github.com/haasonsaas/weft/pkg/models"
)

// Index is a sqlite catalog of known sessions: id, file path, cwd, title,
// and last-update time. It exists so the CLI can list and resume sessions
// without scanning every session file; the files remain the source of truth.
type Index struct {
	db *sql.DB
}

const indexSchema = `
CREATE TABLE IF NOT EXISTS sessions (
	id         TEXT PRIMARY KEY,
	path       TEXT NOT NULL UNIQUE,
	cwd        TEXT NOT NULL DEFAULT '',
	title      TEXT NOT NULL DEFAULT '',
	created_at TIMESTAMP NOT NULL,
	updated_at TIMESTAMP NOT NULL
);
CREATE INDEX IF NOT EXISTS idx_sessions_updated ON sessions(updated_at DESC);
`

// OpenIndex opens (or creates) the session index under dataDir.
func OpenIndex(dataDir string) (*Index, error) {
	if err := os.MkdirAll(dataDir, 0o755); err != nil {
		return nil, fmt.Errorf("create data dir: %w", err)
	}
	db, err := sql.Open("sqlite", filepath.Join(dataDir, "sessions.db"))
	if err != nil {
		return nil, fmt.Errorf("open session index: %w", err)
	}
	if _, err := db.Exec(indexSchema); err != nil {
		db.Close()
		return nil, fmt.Errorf("migrate session index: %w", err)
	}
	return &Index{db: db}, nil
}

// Upsert records or refreshes a session's metadata.
func (ix *Index) Upsert(sess models.Session) error {
	created := sess.CreatedAt
	if created.IsZero() {
		created = time.Now()
	}
	_, err := ix.db.Exec(`
		INSERT INTO sessions (id, path, cwd, title, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?)
		ON CONFLICT(id) DO UPDATE SET
			path = excluded.path,
			cwd = excluded.cwd,
			title = excluded.title,
			updated_at = excluded.updated_at`,
		sess.ID, sess.File, sess.Cwd, sess.Title, created, time.Now())
	return err
}

// Lookup returns the indexed session for a file path, or nil.
func (ix *Index) Lookup(path string) (*models.Session, error) {
	row := ix.db.QueryRow(`
		SELECT id, path, cwd, title, created_at, updated_at
		FROM sessions WHERE path = ?`, path)
	return scanSession(row)
}

// List returns known sessions, most recently updated first.
func (ix *Index) List(limit int) ([]*models.Session, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := ix.db.Query(`
		SELECT id, path, cwd, title, created_at, updated_at
		FROM sessions ORDER BY updated_at DESC LIMIT ?`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*models.Session
	for rows.Next() {
		sess, err := scanSession(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, sess)
	}
	return out, rows.Err()
}

// Delete removes a session from the index (the file is untouched).
func (ix *Index) Delete(id string) error {
	_, err := ix.db.Exec(`DELETE FROM sessions WHERE id = ?`, id)
	return err
}

// Close releases the database handle.
func (ix *Index) Close() error {
	return ix.db.Close()
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSession(row rowScanner) (*models.Session, error) {
	var sess models.Session
	err := row.Scan(&sess.ID, &sess.File, &sess.Cwd, &sess.Title, &sess.CreatedAt, &sess.UpdatedAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}
	return &sess, nil
}
