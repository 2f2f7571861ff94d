// Package repository declares the storage interfaces the services depend on.
// The only implementation lives in repository/sqlite.
package repository

import (
	"context"
	"time"

	"github.com/sakif/damaijiwa/internal/model"
)

// UserRepository stores identities.
type UserRepository interface {
	// CreateAnonymous inserts a new anonymous user with the given ID.
	CreateAnonymous(ctx context.Context, id string) (*model.User, error)
	// UpsertGoogle inserts or updates the user keyed by the Google subject and
	// always clears the anonymous flag.
	UpsertGoogle(ctx context.Context, profile model.GoogleProfile) (*model.User, error)
	GetUserByID(ctx context.Context, id string) (*model.User, error)
}

// TurnRepository is the append-only message log.
type TurnRepository interface {
	// AppendTurns writes all turns atomically, in slice order.
	AppendTurns(ctx context.Context, turns ...*model.Turn) error
	// ListTurns returns every turn of one conversation in append order.
	ListTurns(ctx context.Context, userID string, category model.Category) ([]model.Turn, error)
	CountTurns(ctx context.Context, userID string, category model.Category, role model.Role) (int, error)
	// AdoptTurns moves conversations from one user to another, skipping
	// categories the target already has history in. Returns the number of
	// turns moved.
	AdoptTurns(ctx context.Context, fromUserID, toUserID string) (int64, error)
}

// SessionRepository maps session IDs to users.
type SessionRepository interface {
	CreateSession(ctx context.Context, session *model.Session) error
	GetSession(ctx context.Context, id string) (*model.Session, error)
	DeleteSession(ctx context.Context, id string) error
	DeleteExpiredSessions(ctx context.Context, now time.Time) (int64, error)
}
