package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/lib/pq"

	"github.com/layer-3/cellar/core"
	"github.com/layer-3/cellar/ports"
)

const (
	pqUniqueViolation   = "23505"
	emailConstraintName = "users_email_normalized_key"
)

// PostgresStore is a PostgreSQL implementation of the UserStore interface.
// Uniqueness is enforced by the schema; see migrations/. A user's first
// subject lives on its row; later subjects bound by email live in
// user_identities.
type PostgresStore struct {
	db  *sql.DB
	now func() time.Time
}

var _ ports.UserStore = (*PostgresStore)(nil)

// OpenPostgres opens a lib/pq connection pool. The connection is not
// checked until first use.
func OpenPostgres(databaseURL string) (*sql.DB, error) {
	db, err := sql.Open("postgres", databaseURL)
	if err != nil {
		return nil, fmt.Errorf("failed to open database: %w", err)
	}
	return db, nil
}

// NewPostgresStore creates a store over an open database
func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db, now: time.Now}
}

const (
	userColumns          = `id, external_subject, email, display_name, avatar_url, created_at`
	qualifiedUserColumns = `u.id, u.external_subject, u.email, u.display_name, u.avatar_url, u.created_at`

	maxResolveAttempts = 3
)

// FindOrCreateByExternalIdentity looks the subject up, then falls back to
// the normalized email, then inserts. A verified email binds the subject
// to the existing user through user_identities. Losing an insert race to
// a concurrent first login restarts the resolution.
func (s *PostgresStore) FindOrCreateByExternalIdentity(ctx context.Context, identity core.ExternalIdentity) (core.User, bool, error) {
	if err := validateIdentity(identity); err != nil {
		return core.User{}, false, err
	}

	provider := providerOf(identity)
	email := normalizeEmail(identity.Email)

	for attempt := 0; attempt < maxResolveAttempts; attempt++ {
		user, err := s.findBySubject(ctx, provider, identity.Subject)
		if err == nil {
			return user, false, nil
		}
		if !errors.Is(err, core.ErrUserNotFound) {
			return core.User{}, false, err
		}

		if email != "" {
			owner, err := s.findByEmail(ctx, email)
			switch {
			case err == nil:
				if !identity.EmailVerified {
					return core.User{}, false, core.ErrEmailConflict
				}
				user, err := s.bindSubject(ctx, owner, provider, identity.Subject)
				return user, false, err
			case !errors.Is(err, core.ErrUserNotFound):
				return core.User{}, false, err
			}
		}

		user, err = s.insertUser(ctx, provider, identity, email)
		switch {
		case err == nil:
			return user, true, nil
		case errors.Is(err, sql.ErrNoRows), isEmailConflict(err):
			// a concurrent login created the subject or claimed the email
			continue
		default:
			return core.User{}, false, fmt.Errorf("failed to insert user: %w", err)
		}
	}

	return core.User{}, false, fmt.Errorf("failed to resolve user: too much contention on %s:%s", provider, identity.Subject)
}

func (s *PostgresStore) insertUser(ctx context.Context, provider string, identity core.ExternalIdentity, email string) (core.User, error) {
	var normalized sql.NullString
	if email != "" {
		normalized = sql.NullString{String: email, Valid: true}
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO users (id, provider, external_subject, email, email_normalized, display_name, avatar_url, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (provider, external_subject) DO NOTHING
		RETURNING `+userColumns,
		uuid.New(), provider, identity.Subject, identity.Email, normalized,
		identity.DisplayName, identity.AvatarURL, s.now().UTC(),
	)
	return scanUser(row)
}

// bindSubject records an additional subject for owner. A subject bound
// concurrently wins and is returned instead.
func (s *PostgresStore) bindSubject(ctx context.Context, owner core.User, provider, subject string) (core.User, error) {
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO user_identities (provider, external_subject, user_id, created_at)
		SELECT $1::text, $2::text, $3::uuid, $4::timestamptz
		WHERE NOT EXISTS (SELECT 1 FROM users WHERE provider = $1 AND external_subject = $2)
		ON CONFLICT (provider, external_subject) DO NOTHING`,
		provider, subject, owner.ID, s.now().UTC())
	if err != nil {
		return core.User{}, fmt.Errorf("failed to bind subject: %w", err)
	}
	return s.findBySubject(ctx, provider, subject)
}

// FindByID returns the user with the given id
func (s *PostgresStore) FindByID(ctx context.Context, id string) (core.User, error) {
	if _, err := uuid.Parse(id); err != nil {
		return core.User{}, core.ErrUserNotFound
	}

	row := s.db.QueryRowContext(ctx, `SELECT `+userColumns+` FROM users WHERE id = $1`, id)
	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ErrUserNotFound
	}
	if err != nil {
		return core.User{}, fmt.Errorf("failed to load user: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) findBySubject(ctx context.Context, provider, subject string) (core.User, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT `+userColumns+` FROM users WHERE provider = $1 AND external_subject = $2
		UNION ALL
		SELECT `+qualifiedUserColumns+` FROM user_identities i
		JOIN users u ON u.id = i.user_id
		WHERE i.provider = $1 AND i.external_subject = $2
		LIMIT 1`,
		provider, subject)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ErrUserNotFound
	}
	if err != nil {
		return core.User{}, fmt.Errorf("failed to look up subject: %w", err)
	}
	return user, nil
}

func (s *PostgresStore) findByEmail(ctx context.Context, normalized string) (core.User, error) {
	row := s.db.QueryRowContext(ctx,
		`SELECT `+userColumns+` FROM users WHERE email_normalized = $1`, normalized)

	user, err := scanUser(row)
	if errors.Is(err, sql.ErrNoRows) {
		return core.User{}, core.ErrUserNotFound
	}
	if err != nil {
		return core.User{}, fmt.Errorf("failed to look up email: %w", err)
	}
	return user, nil
}

func scanUser(row *sql.Row) (core.User, error) {
	var u core.User
	if err := row.Scan(&u.ID, &u.ExternalSubject, &u.Email, &u.DisplayName, &u.AvatarURL, &u.CreatedAt); err != nil {
		return core.User{}, err
	}
	u.CreatedAt = u.CreatedAt.UTC()
	return u, nil
}

func isEmailConflict(err error) bool {
	var pqErr *pq.Error
	if !errors.As(err, &pqErr) {
		return false
	}
	return string(pqErr.Code) == pqUniqueViolation && pqErr.Constraint == emailConstraintName
}
