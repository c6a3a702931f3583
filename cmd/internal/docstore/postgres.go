package docstore

import (
	"context"
	"errors"
	"regexp"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
)

// PostgresStore is a Store backed by PostgreSQL (jsonb bodies).
//
// Ownership model:
// - PostgresStore does NOT own the pgx pool. The caller must close the pool.
// - Close() is therefore a no-op.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
}

// PostgresOption configures PostgresStore behavior.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the DB schema used by this store (default: "tablesync").
// The schema name is validated and safely quoted in queries.
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return errors.New("docstore: empty schema")
		}
		if !isValidPGIdent(schema) {
			return errors.New("docstore: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a Postgres-backed Store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: "tablesync",
	}
	for _, opt := range opts {
		if opt == nil {
			continue
		}
		if err := opt(st); err != nil {
			return nil, err
		}
	}
	if st.pool == nil {
		return nil, errors.New("docstore: nil pool")
	}
	return st, nil
}

// Migrate creates the schema and games table when missing.
func (s *PostgresStore) Migrate(ctx context.Context) error {
	schema := pgx.Identifier{s.schema}.Sanitize()
	games := pgIdent(s.schema, "games")
	_, err := s.pool.Exec(ctx, `CREATE SCHEMA IF NOT EXISTS `+schema+`;
CREATE TABLE IF NOT EXISTS `+games+` (
	id          text PRIMARY KEY,
	version     bigint NOT NULL DEFAULT 0,
	body        jsonb NOT NULL,
	last_active timestamptz NOT NULL,
	created_at  timestamptz NOT NULL DEFAULT now()
);
CREATE INDEX IF NOT EXISTS games_last_active_idx ON `+games+` (last_active);`)
	return err
}

// Close is a no-op because the pool is owned by the caller.
func (s *PostgresStore) Close() error { return nil }

// Ping checks that a connection can be acquired.
func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

// Create inserts a new game row.
func (s *PostgresStore) Create(ctx context.Context, doc Document) error {
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

	_, err := s.pool.Exec(ctx,
		`INSERT INTO `+pgIdent(s.schema, "games")+` (id, version, body, last_active, created_at)
		 VALUES ($1, $2, $3, $4, $5)`,
		doc.ID, doc.Version, doc.Body, doc.LastActive, doc.CreatedAt,
	)
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && pgErr.Code == "23505" {
		return OpError{Op: "docstore.Create", Kind: ErrConflict, Msg: doc.ID}
	}
	return err
}

// Load reads one game row.
func (s *PostgresStore) Load(ctx context.Context, gameID string) (Document, error) {
	if err := ctx.Err(); err != nil {
		return Document{}, err
	}
	var (
		d    Document
		body []byte
	)
	err := s.pool.QueryRow(ctx,
		`SELECT id, version, body, last_active, created_at
		   FROM `+pgIdent(s.schema, "games")+`
		  WHERE id = $1`,
		gameID,
	).Scan(&d.ID, &d.Version, &body, &d.LastActive, &d.CreatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return Document{}, OpError{Op: "docstore.Load", Kind: ErrNotFound, Msg: gameID}
	}
	if err != nil {
		return Document{}, err
	}
	d.Body = body
	d.LastActive = d.LastActive.UTC()
	d.CreatedAt = d.CreatedAt.UTC()
	return d, nil
}

// Save updates an existing row unless the stored version is newer.
func (s *PostgresStore) Save(ctx context.Context, doc Document) error {
	if err := validateDocument("docstore.Save", doc); err != nil {
		return err
	}
	games := pgIdent(s.schema, "games")

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+games+`
		    SET version = $2,
		        body = $3,
		        last_active = GREATEST(last_active, $4)
		  WHERE id = $1 AND version <= $2`,
		doc.ID, doc.Version, doc.Body, doc.LastActive,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 1 {
		return nil
	}

	var one int
	err = s.pool.QueryRow(ctx, `SELECT 1 FROM `+games+` WHERE id = $1`, doc.ID).Scan(&one)
	if errors.Is(err, pgx.ErrNoRows) {
		return OpError{Op: "docstore.Save", Kind: ErrNotFound, Msg: doc.ID}
	}
	if err != nil {
		return err
	}
	return OpError{Op: "docstore.Save", Kind: ErrConflict, Msg: "stale version"}
}

// Touch moves last_active forward.
func (s *PostgresStore) Touch(ctx context.Context, gameID string, ts time.Time) error {
	tag, err := s.pool.Exec(ctx,
		`UPDATE `+pgIdent(s.schema, "games")+`
		    SET last_active = GREATEST(last_active, $2)
		  WHERE id = $1`,
		gameID, ts,
	)
	if err != nil {
		return err
	}
	if tag.RowsAffected() == 0 {
		return OpError{Op: "docstore.Touch", Kind: ErrNotFound, Msg: gameID}
	}
	return nil
}

// PurgeInactive deletes games idle since before cutoff.
func (s *PostgresStore) PurgeInactive(ctx context.Context, cutoff time.Time, keep []string) (int64, error) {
	if keep == nil {
		keep = []string{}
	}
	tag, err := s.pool.Exec(ctx,
		`DELETE FROM `+pgIdent(s.schema, "games")+`
		  WHERE last_active < $1 AND NOT (id = ANY($2))`,
		cutoff, keep,
	)
	if err != nil {
		return 0, err
	}
	return tag.RowsAffected(), nil
}

var pgIdentRE = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

func isValidPGIdent(s string) bool {
	return pgIdentRE.MatchString(s)
}

func pgIdent(schema, table string) string {
	// pgx.Identifier safely quotes identifiers, preventing SQL injection.
	return pgx.Identifier{schema, table}.Sanitize()
}
