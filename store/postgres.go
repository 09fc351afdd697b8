package store

import (
	"context"
	"errors"
	"fmt"
	"regexp"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
)

var pgIdentRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// PostgresStore persists document content in PostgreSQL, one row per
// document. It owns its pool and closes it on Close.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// PostgresOption configures a PostgresStore.
type PostgresOption func(*PostgresStore)

// WithPostgresTable overrides the table name. The default is
// "collab_documents".
func WithPostgresTable(name string) PostgresOption {
	return func(s *PostgresStore) { s.table = name }
}

// OpenPostgres connects a pool for dsn and verifies the database is
// reachable.
func OpenPostgres(ctx context.Context, dsn string, opts ...PostgresOption) (*PostgresStore, error) {
	pool, err := pgxpool.New(ctx, dsn)
	if err != nil {
		return nil, fmt.Errorf("connect postgres: %w", err)
	}
	s := &PostgresStore{pool: pool, table: "collab_documents"}
	for _, opt := range opts {
		opt(s)
	}
	if !pgIdentRe.MatchString(s.table) {
		pool.Close()
		return nil, fmt.Errorf("invalid table name %q", s.table)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("ping postgres: %w", err)
	}
	return s, nil
}

func (s *PostgresStore) ident() string {
	return pgx.Identifier{s.table}.Sanitize()
}

// EnsureSchema creates the documents table when it does not exist yet.
func (s *PostgresStore) EnsureSchema(ctx context.Context) error {
	q := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	path text PRIMARY KEY,
	content text NOT NULL,
	updated_by text NOT NULL DEFAULT '',
	created_at timestamptz NOT NULL DEFAULT now(),
	updated_at timestamptz NOT NULL DEFAULT now()
)`, s.ident())
	if _, err := s.pool.Exec(ctx, q); err != nil {
		return fmt.Errorf("ensure schema: %w", err)
	}
	return nil
}

func (s *PostgresStore) Load(ctx context.Context, path string) (*DocumentInfo, error) {
	q := fmt.Sprintf(
		`SELECT path, content, updated_by, created_at, updated_at FROM %s WHERE path = $1`,
		s.ident())
	var info DocumentInfo
	err := s.pool.QueryRow(ctx, q, path).Scan(
		&info.Path, &info.Content, &info.UpdatedBy, &info.CreatedAt, &info.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("load %q: %w", path, err)
	}
	return &info, nil
}

func (s *PostgresStore) Persist(ctx context.Context, path, content, userID string) error {
	q := fmt.Sprintf(`INSERT INTO %s (path, content, updated_by)
VALUES ($1, $2, $3)
ON CONFLICT (path) DO UPDATE
SET content = EXCLUDED.content, updated_by = EXCLUDED.updated_by, updated_at = now()`,
		s.ident())
	if _, err := s.pool.Exec(ctx, q, path, content, userID); err != nil {
		return fmt.Errorf("persist %q: %w", path, err)
	}
	return nil
}

func (s *PostgresStore) List(ctx context.Context) ([]DocumentInfo, error) {
	q := fmt.Sprintf(
		`SELECT path, content, updated_by, created_at, updated_at FROM %s ORDER BY path`,
		s.ident())
	rows, err := s.pool.Query(ctx, q)
	if err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	defer rows.Close()

	var out []DocumentInfo
	for rows.Next() {
		var info DocumentInfo
		if err := rows.Scan(&info.Path, &info.Content, &info.UpdatedBy, &info.CreatedAt, &info.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan document row: %w", err)
		}
		out = append(out, info)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list documents: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.pool.Ping(ctx)
}

func (s *PostgresStore) Close() error {
	s.pool.Close()
	return nil
}
