package session

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulse/cmd/internal/pgschema"
)

// PostgresStore implements Store using PostgreSQL (refresh_tokens).
//
// WithUserLock opens a transaction and takes a transaction-scoped advisory
// lock keyed by the user id. The partial unique index on unrevoked tokens
// backs the at-most-one-active rule at the data layer.
type PostgresStore struct {
	pool  *pgxpool.Pool
	table string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the Postgres schema (default "pulse").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if !pgschema.ValidIdent(schema) {
			return fmt.Errorf("session: invalid schema identifier %q", schema)
		}
		s.table = pgschema.Ident(schema, "refresh_tokens")
		return nil
	}
}

// NewPostgresStore creates a Postgres-backed refresh token store.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:  pool,
		table: pgschema.Ident(pgschema.DefaultSchema, "refresh_tokens"),
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
		return nil, fmt.Errorf("session: nil pool")
	}
	return st, nil
}

// querier is satisfied by both *pgxpool.Pool and pgx.Tx.
type querier interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
	Query(ctx context.Context, sql string, args ...any) (pgx.Rows, error)
	QueryRow(ctx context.Context, sql string, args ...any) pgx.Row
}

// pgRefreshStore runs RefreshStore queries on a pool or inside a transaction.
type pgRefreshStore struct {
	q     querier
	table string
}

func (s *PostgresStore) on(q querier) pgRefreshStore { return pgRefreshStore{q: q, table: s.table} }

func (s *PostgresStore) FindByHash(ctx context.Context, hash string) (RefreshToken, error) {
	return s.on(s.pool).FindByHash(ctx, hash)
}

func (s *PostgresStore) FindActive(ctx context.Context, userID string) ([]RefreshToken, error) {
	return s.on(s.pool).FindActive(ctx, userID)
}

func (s *PostgresStore) Insert(ctx context.Context, t RefreshToken) error {
	return s.on(s.pool).Insert(ctx, t)
}

func (s *PostgresStore) Update(ctx context.Context, t RefreshToken) error {
	return s.on(s.pool).Update(ctx, t)
}

// WithUserLock runs fn in a READ COMMITTED transaction holding
// pg_advisory_xact_lock for userID. The lock is released on commit or rollback.
func (s *PostgresStore) WithUserLock(ctx context.Context, userID string, fn func(tx RefreshStore) error) error {
	tx, err := s.pool.BeginTx(ctx, pgx.TxOptions{
		IsoLevel:   pgx.ReadCommitted,
		AccessMode: pgx.ReadWrite,
	})
	if err != nil {
		return err
	}
	defer func() { _ = tx.Rollback(ctx) }()

	if _, err := tx.Exec(ctx, `SELECT pg_advisory_xact_lock(hashtextextended($1, 0))`, "pulse.refresh:"+userID); err != nil {
		return fmt.Errorf("session: user lock: %w", err)
	}

	if err := fn(s.on(tx)); err != nil {
		return err
	}
	return tx.Commit(ctx)
}

const refreshColumns = `id, user_id, token_hash, created_at, expires_at, revoked_at, revocation_reason, replaced_by_id`

func scanRefreshToken(row pgx.Row) (RefreshToken, error) {
	var t RefreshToken
	err := row.Scan(
		&t.ID,
		&t.UserID,
		&t.TokenHash,
		&t.CreatedAt,
		&t.ExpiresAt,
		&t.RevokedAt,
		&t.RevocationReason,
		&t.ReplacedByID,
	)
	return t, err
}

func (s pgRefreshStore) FindByHash(ctx context.Context, hash string) (RefreshToken, error) {
	t, err := scanRefreshToken(s.q.QueryRow(ctx,
		`SELECT `+refreshColumns+` FROM `+s.table+` WHERE token_hash = $1`,
		hash,
	))
	if errors.Is(err, pgx.ErrNoRows) {
		return RefreshToken{}, ErrTokenNotFound
	}
	if err != nil {
		return RefreshToken{}, err
	}
	return t, nil
}

func (s pgRefreshStore) FindActive(ctx context.Context, userID string) ([]RefreshToken, error) {
	rows, err := s.q.Query(ctx,
		`SELECT `+refreshColumns+` FROM `+s.table+`
		  WHERE user_id = $1 AND revoked_at IS NULL
		  ORDER BY created_at, id`,
		userID,
	)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []RefreshToken
	for rows.Next() {
		t, err := scanRefreshToken(rows)
		if err != nil {
			return nil, err
		}
		out = append(out, t)
	}
	return out, rows.Err()
}

func (s pgRefreshStore) Insert(ctx context.Context, t RefreshToken) error {
	_, err := s.q.Exec(ctx,
		`INSERT INTO `+s.table+` (`+refreshColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8)`,
		t.ID, t.UserID, t.TokenHash, t.CreatedAt, t.ExpiresAt, t.RevokedAt, t.RevocationReason, t.ReplacedByID,
	)
	if err == nil {
		return nil
	}
	if c, ok := pgschema.UniqueViolation(err); ok && c == pgschema.ConstraintRefreshTokenActiveOne {
		return ErrActiveTokenExists
	}
	if pgschema.ForeignKeyViolation(err) {
		return fmt.Errorf("session: insert refresh token: unknown user %s: %w", t.UserID, err)
	}
	return fmt.Errorf("session: insert refresh token: %w", err)
}

func (s pgRefreshStore) Update(ctx context.Context, t RefreshToken) error {
	tag, err := s.q.Exec(ctx,
		`UPDATE `+s.table+`
		    SET revoked_at = $2, revocation_reason = $3, replaced_by_id = $4
		  WHERE id = $1`,
		t.ID, t.RevokedAt, t.RevocationReason, t.ReplacedByID,
	)
	if err != nil {
		return fmt.Errorf("session: update refresh token: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return ErrTokenNotFound
	}
	return nil
}
