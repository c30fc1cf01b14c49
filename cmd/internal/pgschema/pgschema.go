// Package pgschema owns the PostgreSQL schema shared by the identity and
// session stores, plus identifier helpers for schema-qualified SQL.
package pgschema

import (
	"context"
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strings"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
)

// DefaultSchema is the schema used when none is configured.
const DefaultSchema = "pulse"

// Constraint names referenced by stores when classifying violations.
const (
	ConstraintUsersEmailNorm        = "uq_users_email_norm"
	ConstraintUsersProviderUser     = "uq_users_provider_user"
	ConstraintRefreshTokenHash      = "uq_refresh_tokens_token_hash"
	ConstraintRefreshTokenActiveOne = "uq_refresh_tokens_active_user"
)

//go:embed schema.sql
var schemaSQL string

var identRe = regexp.MustCompile(`^[a-zA-Z_][a-zA-Z0-9_]*$`)

// Execer is satisfied by *pgxpool.Pool, *pgx.Conn and pgx.Tx.
type Execer interface {
	Exec(ctx context.Context, sql string, args ...any) (pgconn.CommandTag, error)
}

// ValidIdent reports whether s is a plain, unquoted-safe PostgreSQL identifier.
func ValidIdent(s string) bool { return identRe.MatchString(s) }

// Ident quotes a schema-qualified identifier: "schema"."name".
func Ident(schema, name string) string {
	return pgx.Identifier{schema, name}.Sanitize()
}

// SQL renders the DDL for schema.
func SQL(schema string) (string, error) {
	schema = strings.TrimSpace(schema)
	if !ValidIdent(schema) {
		return "", fmt.Errorf("pgschema: invalid schema identifier %q", schema)
	}
	return strings.ReplaceAll(schemaSQL, "{{schema}}", pgx.Identifier{schema}.Sanitize()), nil
}

// Apply creates schema and its tables if they do not exist.
// The DDL is idempotent and safe to run on every start.
func Apply(ctx context.Context, db Execer, schema string) error {
	ddl, err := SQL(schema)
	if err != nil {
		return err
	}
	// No arguments: pgx uses the simple protocol, which accepts multiple statements.
	if _, err := db.Exec(ctx, ddl); err != nil {
		return fmt.Errorf("pgschema: apply %s: %w", schema, err)
	}
	return nil
}

// UniqueViolation returns the violated constraint name when err is a
// unique_violation (23505).
func UniqueViolation(err error) (constraint string, ok bool) {
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || pgErr.Code != "23505" {
		return "", false
	}
	return strings.ToLower(strings.TrimSpace(pgErr.ConstraintName)), true
}

// ForeignKeyViolation reports whether err is a foreign_key_violation (23503).
func ForeignKeyViolation(err error) bool {
	var pgErr *pgconn.PgError
	return errors.As(err, &pgErr) && pgErr.Code == "23503"
}
