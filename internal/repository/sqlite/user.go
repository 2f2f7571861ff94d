package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"

	"github.com/sakif/damaijiwa/internal/apperror"
	"github.com/sakif/damaijiwa/internal/model"
	"github.com/sakif/damaijiwa/internal/repository"
)

// compile-time check that *DB implements repository.UserRepository
var _ repository.UserRepository = (*DB)(nil)

// CreateAnonymous inserts a fresh anonymous user.
// The caller mints the ID so that it can carry the anonymous prefix.
func (db *DB) CreateAnonymous(ctx context.Context, id string) (*model.User, error) {
	now := time.Now().UTC()
	user := &model.User{
		ID:          id,
		IsAnonymous: true,
		CreatedAt:   now,
		UpdatedAt:   now,
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, is_anonymous, created_at, updated_at) VALUES (?, 1, ?, ?)`,
		user.ID, user.CreatedAt, user.UpdatedAt,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: inserting anonymous user %s: %w", id, err)
	}

	return user, nil
}

// UpsertGoogle inserts or updates a user keyed by the Google subject ID.
//
// ON CONFLICT DO UPDATE keeps the existing row (and created_at) and refreshes
// the profile fields, so repeat logins never create duplicates. is_anonymous is
// forced to 0 on both paths.
func (db *DB) UpsertGoogle(ctx context.Context, profile model.GoogleProfile) (*model.User, error) {
	if profile.Subject == "" {
		return nil, apperror.ValidationFailed("sub", "google profile has no subject")
	}

	now := time.Now().UTC()
	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO users (id, email, name, picture, is_anonymous, created_at, updated_at)
		 VALUES (?, ?, ?, ?, 0, ?, ?)
		 ON CONFLICT(id) DO UPDATE SET
			email = excluded.email,
			name = excluded.name,
			picture = excluded.picture,
			is_anonymous = 0,
			updated_at = excluded.updated_at`,
		profile.Subject, profile.Email, profile.Name, profile.Picture, now, now,
	)
	if err != nil {
		return nil, fmt.Errorf("sqlite: upserting google user %s: %w", profile.Subject, err)
	}

	return db.GetUserByID(ctx, profile.Subject)
}

// GetUserByID retrieves a user by ID.
// Returns apperror.ErrNotFound if no user exists with that ID.
func (db *DB) GetUserByID(ctx context.Context, id string) (*model.User, error) {
	var u model.User

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, email, name, picture, is_anonymous, created_at, updated_at
		 FROM users WHERE id = ?`,
		id,
	).Scan(
		&u.ID,
		&u.Email,
		&u.Name,
		&u.Picture,
		&u.IsAnonymous,
		&u.CreatedAt,
		&u.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("user", id)
		}
		return nil, fmt.Errorf("sqlite: getting user %s: %w", id, err)
	}

	return &u, nil
}

// CountUsers returns the number of user rows. Used by the CLI and tests.
func (db *DB) CountUsers(ctx context.Context) (int, error) {
	var n int
	if err := db.conn.QueryRowContext(ctx, `SELECT COUNT(*) FROM users`).Scan(&n); err != nil {
		return 0, fmt.Errorf("sqlite: counting users: %w", err)
	}
	return n, nil
}
