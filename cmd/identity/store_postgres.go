package identity

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"pulse/cmd/internal/pgschema"
)

// PostgresStore implements Store over PostgreSQL.
//
// The pgx pool is owned by the caller; this store does not close it.
// Schema and table identifiers are quoted via pgx.Identifier.
type PostgresStore struct {
	pool   *pgxpool.Pool
	schema string
	users  string
}

// PostgresOption configures the store.
type PostgresOption func(*PostgresStore) error

// WithSchema sets the Postgres schema (default "pulse").
func WithSchema(schema string) PostgresOption {
	return func(s *PostgresStore) error {
		schema = strings.TrimSpace(schema)
		if schema == "" {
			return fmt.Errorf("identity: empty schema")
		}
		if !pgschema.ValidIdent(schema) {
			return fmt.Errorf("identity: invalid schema identifier")
		}
		s.schema = schema
		return nil
	}
}

// NewPostgresStore constructs a PostgresStore.
func NewPostgresStore(pool *pgxpool.Pool, opts ...PostgresOption) (*PostgresStore, error) {
	st := &PostgresStore{
		pool:   pool,
		schema: pgschema.DefaultSchema,
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
		return nil, fmt.Errorf("identity: nil pool")
	}
	st.users = pgschema.Ident(st.schema, "users")
	return st, nil
}

const userColumns = `id, email, email_norm, display_name, password_hash, auth_provider, provider_user_id, created_at, updated_at`

func scanUser(row pgx.Row) (User, error) {
	var (
		u        User
		provider string
	)
	err := row.Scan(
		&u.ID,
		&u.Email,
		&u.EmailNorm,
		&u.DisplayName,
		&u.PasswordHash,
		&provider,
		&u.ProviderUserID,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		return User{}, err
	}
	u.Provider = Provider(provider)
	return u, nil
}

// InsertUser validates and inserts a new user.
func (s *PostgresStore) InsertUser(ctx context.Context, in NewUser) (User, error) {
	const op = "identity.InsertUser"

	if err := ctx.Err(); err != nil {
		return User{}, err
	}
	u, err := buildUser(op, in)
	if err != nil {
		return User{}, err
	}

	_, err = s.pool.Exec(ctx,
		`INSERT INTO `+s.users+` (`+userColumns+`)
		 VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $8)`,
		u.ID,
		u.Email,
		u.EmailNorm,
		u.DisplayName,
		u.PasswordHash,
		string(u.Provider),
		u.ProviderUserID,
		u.CreatedAt,
	)
	if err != nil {
		if field, ok := classifyUniqueViolation(err); ok {
			return User{}, ConflictError{Op: op, Field: field}
		}
		return User{}, fmt.Errorf("%s: %w", op, err)
	}
	return u, nil
}

// GetUserByID returns the user with id.
func (s *PostgresStore) GetUserByID(ctx context.Context, id string) (User, error) {
	const op = "identity.GetUserByID"

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.users+` WHERE id = $1`,
		strings.TrimSpace(id),
	))
	return u, mapLookupErr(op, err)
}

// FindUserByEmail looks up a user by normalized email.
func (s *PostgresStore) FindUserByEmail(ctx context.Context, email string) (User, error) {
	const op = "identity.FindUserByEmail"

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.users+` WHERE email_norm = $1`,
		NormalizeEmail(email),
	))
	return u, mapLookupErr(op, err)
}

// FindUserByProvider looks up a user by OAuth linkage.
func (s *PostgresStore) FindUserByProvider(ctx context.Context, provider Provider, providerUserID string) (User, error) {
	const op = "identity.FindUserByProvider"

	u, err := scanUser(s.pool.QueryRow(ctx,
		`SELECT `+userColumns+` FROM `+s.users+` WHERE auth_provider = $1 AND provider_user_id = $2`,
		string(provider),
		strings.TrimSpace(providerUserID),
	))
	return u, mapLookupErr(op, err)
}

// UpdateProfile sets the display name.
func (s *PostgresStore) UpdateProfile(ctx context.Context, id string, displayName *string, now time.Time) (User, error) {
	const op = "identity.UpdateProfile"

	u, err := scanUser(s.pool.QueryRow(ctx,
		`UPDATE `+s.users+`
		    SET display_name = $2, updated_at = $3
		  WHERE id = $1
		RETURNING `+userColumns,
		id, trimPtr(displayName), now,
	))
	return u, mapLookupErr(op, err)
}

// UpdatePasswordHash replaces the password hash of a local user.
func (s *PostgresStore) UpdatePasswordHash(ctx context.Context, id string, hash string, now time.Time) error {
	const op = "identity.UpdatePasswordHash"

	hash = strings.TrimSpace(hash)
	if hash == "" {
		return invalid(op, "password", "empty password hash")
	}

	tag, err := s.pool.Exec(ctx,
		`UPDATE `+s.users+`
		    SET password_hash = $2, updated_at = $3
		  WHERE id = $1 AND auth_provider = 'local'`,
		id, hash, now,
	)
	if err != nil {
		return fmt.Errorf("%s: %w", op, err)
	}
	if tag.RowsAffected() == 0 {
		return NotFoundError{Op: op, Resource: "user"}
	}
	return nil
}

func mapLookupErr(op string, err error) error {
	switch {
	case err == nil:
		return nil
	case errors.Is(err, pgx.ErrNoRows):
		return NotFoundError{Op: op, Resource: "user"}
	default:
		return fmt.Errorf("%s: %w", op, err)
	}
}

func classifyUniqueViolation(err error) (field string, ok bool) {
	c, ok := pgschema.UniqueViolation(err)
	if !ok {
		return "", false
	}

	// Prefer stable constraint names; fall back to substring matching.
	switch {
	case c == pgschema.ConstraintUsersEmailNorm, strings.Contains(c, "email"):
		return "email", true
	case c == pgschema.ConstraintUsersProviderUser, strings.Contains(c, "provider"):
		return "provider_user_id", true
	default:
		return "unique", true
	}
}
