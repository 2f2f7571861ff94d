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

var _ repository.SessionRepository = (*DB)(nil)

// CreateSession stores a new session. expires_at is kept as unix seconds so
// expiry sweeps are a plain integer comparison.
func (db *DB) CreateSession(ctx context.Context, s *model.Session) error {
	if s.CreatedAt.IsZero() {
		s.CreatedAt = time.Now().UTC()
	}

	_, err := db.conn.ExecContext(ctx,
		`INSERT INTO sessions (id, user_id, expires_at, created_at) VALUES (?, ?, ?, ?)`,
		s.ID, s.UserID, s.ExpiresAt.Unix(), s.CreatedAt,
	)
	if err != nil {
		return fmt.Errorf("sqlite: inserting session for %s: %w", s.UserID, err)
	}
	return nil
}

// GetSession returns the session with the given ID, expired or not.
// Expiry is the caller's decision.
func (db *DB) GetSession(ctx context.Context, id string) (*model.Session, error) {
	var s model.Session
	var expiresAt int64

	err := db.conn.QueryRowContext(ctx,
		`SELECT id, user_id, expires_at, created_at FROM sessions WHERE id = ?`,
		id,
	).Scan(&s.ID, &s.UserID, &expiresAt, &s.CreatedAt)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return nil, apperror.NotFound("session", id)
		}
		return nil, fmt.Errorf("sqlite: getting session: %w", err)
	}

	s.ExpiresAt = time.Unix(expiresAt, 0).UTC()
	return &s, nil
}

// DeleteSession removes a session. Deleting a missing session is not an error.
func (db *DB) DeleteSession(ctx context.Context, id string) error {
	if _, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE id = ?`, id); err != nil {
		return fmt.Errorf("sqlite: deleting session: %w", err)
	}
	return nil
}

// DeleteExpiredSessions sweeps every session that expired at or before now.
func (db *DB) DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error) {
	res, err := db.conn.ExecContext(ctx, `DELETE FROM sessions WHERE expires_at <= ?`, now.Unix())
	if err != nil {
		return 0, fmt.Errorf("sqlite: deleting expired sessions: %w", err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, fmt.Errorf("sqlite: reading deleted count: %w", err)
	}
	return n, nil
}
