package docstore

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"

	_ "modernc.org/sqlite"
)

const sqliteSchema = `
CREATE TABLE IF NOT EXISTS games (
	id          TEXT PRIMARY KEY,
	version     INTEGER NOT NULL DEFAULT 0,
	body        TEXT NOT NULL,
	last_active INTEGER NOT NULL,
	created_at  INTEGER NOT NULL
);
CREATE INDEX IF NOT EXISTS games_last_active_idx ON games (last_active);
`

// SQLiteStore is a single-node Store backed by a local SQLite file.
// Timestamps are stored as unix milliseconds.
type SQLiteStore struct {
	db *sql.DB
}

// OpenSQLite opens (or creates) the database at path and applies the schema.
func OpenSQLite(path string) (*SQLiteStore, error) {
	if strings.TrimSpace(path) == "" {
		return nil, errors.New("docstore: empty sqlite path")
	}
	dsn := path + "?_pragma=busy_timeout(5000)&_pragma=journal_mode(WAL)&_pragma=foreign_keys(ON)"
	db, err := sql.Open("sqlite", dsn)
	if err != nil {
		return nil, fmt.Errorf("open sqlite: %w", err)
	}
	// A single writer avoids SQLITE_BUSY under concurrent flushes.
	db.SetMaxOpenConns(1)
	if _, err := db.Exec(sqliteSchema); err != nil {
		_ = db.Close()
		return nil, fmt.Errorf("apply sqlite schema: %w", err)
	}
	return &SQLiteStore{db: db}, nil
}

// Close closes the underlying database.
func (s *SQLiteStore) Close() error {
	if s == nil || s.db == nil {
		return nil
	}
	return s.db.Close()
}

// Ping checks the database handle.
func (s *SQLiteStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}

// Create inserts a new game row.
func (s *SQLiteStore) Create(ctx context.Context, doc Document) error {
	if err := validateDocument("docstore.Create", doc); err != nil {
		return err
	}
	now := time.Now().UTC()
	if doc.CreatedAt.IsZero() {
		doc.CreatedAt = now
	}
	if doc.LastActive.IsZero() {
		doc.LastActive = now
	}
	_, err := s.db.ExecContext(ctx,
		`INSERT INTO games (id, version, body, last_active, created_at) VALUES (?, ?, ?, ?, ?)`,
		doc.ID, doc.Version, string(doc.Body), toMillis(doc.LastActive), toMillis(doc.CreatedAt),
	)
	if err != nil && strings.Contains(err.Error(), "UNIQUE constraint failed") {
		return OpError{Op: "docstore.Create", Kind: ErrConflict, Msg: doc.ID}
	}
	return err
}

// Load reads one game row.
func (s *SQLiteStore) Load(ctx context.Context, gameID string) (Document, error) {
	var (
		d                   Document
		body                string
		lastActive, created int64
	)
	err := s.db.QueryRowContext(ctx,
		`SELECT id, version, body, last_active, created_at FROM games WHERE id = ?`,
		gameID,
	).Scan(&d.ID, &d.Version, &body, &lastActive, &created)
	if errors.Is(err, sql.ErrNoRows) {
		return Document{}, OpError{Op: "docstore.Load", Kind: ErrNotFound, Msg: gameID}
	}
	if err != nil {
		return Document{}, err
	}
	d.Body = []byte(body)
	d.LastActive = fromMillis(lastActive)
	d.CreatedAt = fromMillis(created)
	return d, nil
}

// Save updates an existing row unless the stored version is newer.
func (s *SQLiteStore) Save(ctx context.Context, doc Document) error {
	if err := validateDocument("docstore.Save", doc); err != nil {
		return err
	}
	res, err := s.db.ExecContext(ctx,
		`UPDATE games
		    SET version = ?, body = ?, last_active = MAX(last_active, ?)
		  WHERE id = ? AND version <= ?`,
		doc.Version, string(doc.Body), toMillis(doc.LastActive), doc.ID, doc.Version,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 1 {
		return nil
	}

	var one int
	err = s.db.QueryRowContext(ctx, `SELECT 1 FROM games WHERE id = ?`, doc.ID).Scan(&one)
	if errors.Is(err, sql.ErrNoRows) {
		return OpError{Op: "docstore.Save", Kind: ErrNotFound, Msg: doc.ID}
	}
	if err != nil {
		return err
	}
	return OpError{Op: "docstore.Save", Kind: ErrConflict, Msg: "stale version"}
}

// Touch moves last_active forward.
func (s *SQLiteStore) Touch(ctx context.Context, gameID string, ts time.Time) error {
	res, err := s.db.ExecContext(ctx,
		`UPDATE games SET last_active = MAX(last_active, ?) WHERE id = ?`,
		toMillis(ts), gameID,
	)
	if err != nil {
		return err
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return OpError{Op: "docstore.Touch", Kind: ErrNotFound, Msg: gameID}
	}
	return nil
}

// PurgeInactive deletes games idle since before cutoff.
func (s *SQLiteStore) PurgeInactive(ctx context.Context, cutoff time.Time, keep []string) (int64, error) {
	query := `DELETE FROM games WHERE last_active < ?`
	args := []any{toMillis(cutoff)}
	if len(keep) > 0 {
		query += ` AND id NOT IN (?` + strings.Repeat(`, ?`, len(keep)-1) + `)`
		for _, id := range keep {
			args = append(args, id)
		}
	}
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return res.RowsAffected()
}

func toMillis(t time.Time) int64 {
	return t.UTC().UnixMilli()
}

func fromMillis(ms int64) time.Time {
	return time.UnixMilli(ms).UTC()
}
