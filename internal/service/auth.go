// Package service holds the business rules: who the caller is (SessionService)
// and what happens in a conversation (ConversationService).
//
//	handler (HTTP) → service (rules) → repository (SQLite)
//	                              ↘ auth (JWT, Google) / llm (generator)
//
// Services never touch HTTP. They return apperror values which the handler
// layer maps to status codes.
package service

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/rs/xid"

	"github.com/sakif/damaijiwa/internal/apperror"
	"github.com/sakif/damaijiwa/internal/auth"
	"github.com/sakif/damaijiwa/internal/model"
	"github.com/sakif/damaijiwa/internal/repository"
)

// OAuthProvider is the identity provider used for Google login.
// *auth.GoogleProvider implements it; tests use a fake.
type OAuthProvider interface {
	AuthURL(state string) string
	Exchange(ctx context.Context, code string) (*model.GoogleProfile, error)
}

// Binding is the result of establishing a session: who the user is and the
// signed token the handler puts in the cookie.
type Binding struct {
	User      *model.User
	Token     string
	ExpiresAt time.Time
}

// SessionService maps browser sessions to users. It is the only component
// that creates, resolves or ends sessions.
type SessionService struct {
	users    repository.UserRepository
	sessions repository.SessionRepository
	turns    repository.TurnRepository
	tokens   *auth.TokenService
	google   OAuthProvider
	ttl      time.Duration
	logger   *slog.Logger
	now      func() time.Time
}

// NewSessionService wires the session binder. google may be nil when Google
// login is not configured; AuthURL and ExchangeOAuthCode then fail.
func NewSessionService(
	users repository.UserRepository,
	sessions repository.SessionRepository,
	turns repository.TurnRepository,
	tokens *auth.TokenService,
	google OAuthProvider,
	ttl time.Duration,
	logger *slog.Logger,
) *SessionService {
	return &SessionService{
		users:    users,
		sessions: sessions,
		turns:    turns,
		tokens:   tokens,
		google:   google,
		ttl:      ttl,
		logger:   logger,
		now:      time.Now,
	}
}

// GoogleEnabled reports whether Google login is available.
func (s *SessionService) GoogleEnabled() bool {
	return s.google != nil
}

// EstablishAnonymous creates a fresh anonymous user and binds a session to it.
func (s *SessionService) EstablishAnonymous(ctx context.Context) (*Binding, error) {
	userID := model.AnonymousIDPrefix + xid.New().String()

	user, err := s.users.CreateAnonymous(ctx, userID)
	if err != nil {
		return nil, apperror.Persistence("creating anonymous user", err)
	}

	binding, err := s.bind(ctx, user)
	if err != nil {
		return nil, err
	}

	s.logger.Info("anonymous session established", slog.String("userID", user.ID))
	return binding, nil
}

// AuthURL returns the Google consent URL for the given CSRF state.
func (s *SessionService) AuthURL(state string) (string, error) {
	if s.google == nil {
		return "", apperror.Upstream("google", errors.New("google login is not configured"))
	}
	return s.google.AuthURL(state), nil
}

// ExchangeOAuthCode completes Google login.
//
//  1. Trade the code for the Google profile (failure mutates nothing)
//  2. Upsert the user keyed by the Google subject, clearing isAnonymous
//  3. If the browser was in an anonymous session, hand its conversations to
//     the account and end that session
//  4. Bind a new session
func (s *SessionService) ExchangeOAuthCode(ctx context.Context, code, previousToken string) (*Binding, error) {
	if s.google == nil {
		return nil, apperror.Upstream("google", errors.New("google login is not configured"))
	}

	profile, err := s.google.Exchange(ctx, code)
	if err != nil {
		return nil, apperror.Upstream("google", err)
	}

	user, err := s.users.UpsertGoogle(ctx, *profile)
	if err != nil {
		return nil, fmt.Errorf("service/auth: upserting user %s: %w", profile.Subject, err)
	}

	if previousToken != "" {
		s.retirePreviousSession(ctx, previousToken, user)
	}

	binding, err := s.bind(ctx, user)
	if err != nil {
		return nil, err
	}

	s.logger.Info("user authenticated via Google", slog.String("userID", user.ID))
	return binding, nil
}

// retirePreviousSession ends the session the browser held before login and,
// when it was anonymous, moves its history to the account. Failures here are
// logged rather than returned: the login itself already succeeded.
func (s *SessionService) retirePreviousSession(ctx context.Context, token string, account *model.User) {
	prevUserID, err := s.ResolveSession(ctx, token)
	if err != nil {
		return
	}

	if prevUserID != account.ID && strings.HasPrefix(prevUserID, model.AnonymousIDPrefix) {
		moved, err := s.turns.AdoptTurns(ctx, prevUserID, account.ID)
		if err != nil {
			s.logger.Error("adopting anonymous history failed",
				slog.String("from", prevUserID),
				slog.String("to", account.ID),
				slog.String("error", err.Error()),
			)
		} else if moved > 0 {
			s.logger.Info("anonymous history adopted",
				slog.String("from", prevUserID),
				slog.String("to", account.ID),
				slog.Int64("turns", moved),
			)
		}
	}

	if err := s.Terminate(ctx, token); err != nil {
		s.logger.Warn("ending previous session failed", slog.String("error", err.Error()))
	}
}

// ResolveSession returns the user ID bound to token.
// Forged, expired and revoked tokens all yield apperror.ErrUnauthorized.
func (s *SessionService) ResolveSession(ctx context.Context, token string) (string, error) {
	sessionID, err := s.tokens.Validate(token)
	if err != nil {
		return "", &apperror.AppError{Err: apperror.ErrUnauthorized, Message: "invalid session", Cause: err}
	}

	sess, err := s.sessions.GetSession(ctx, sessionID)
	if err != nil {
		if errors.Is(err, apperror.ErrNotFound) {
			return "", apperror.Unauthorized("session has ended")
		}
		return "", apperror.Persistence("loading session", err)
	}

	if sess.Expired(s.now()) {
		if err := s.sessions.DeleteSession(ctx, sess.ID); err != nil {
			s.logger.Warn("deleting expired session failed", slog.String("error", err.Error()))
		}
		return "", apperror.Unauthorized("session has expired")
	}

	return sess.UserID, nil
}

// CurrentUser returns the user bound to token, or nil if there is none.
// A missing or invalid session is not an error here.
func (s *SessionService) CurrentUser(ctx context.Context, token string) (*model.User, error) {
	if token == "" {
		return nil, nil
	}

	userID, err := s.ResolveSession(ctx, token)
	if err != nil {
		if errors.Is(err, apperror.ErrUnauthorized) {
			return nil, nil
		}
		return nil, err
	}

	return s.GetUser(ctx, userID)
}

// GetUser looks up a user by ID.
func (s *SessionService) GetUser(ctx context.Context, userID string) (*model.User, error) {
	user, err := s.users.GetUserByID(ctx, userID)
	if err != nil {
		return nil, fmt.Errorf("service/auth: fetching user %s: %w", userID, err)
	}
	return user, nil
}

// Terminate ends the session behind token. Unknown or invalid tokens are a no-op.
func (s *SessionService) Terminate(ctx context.Context, token string) error {
	if token == "" {
		return nil
	}

	sessionID, err := s.tokens.Validate(token)
	if err != nil {
		// Expired rows are removed by SweepExpired.
		return nil
	}

	if err := s.sessions.DeleteSession(ctx, sessionID); err != nil {
		return apperror.Persistence("ending session", err)
	}
	return nil
}

// SweepExpired removes every expired session row.
func (s *SessionService) SweepExpired(ctx context.Context) (int64, error) {
	n, err := s.sessions.DeleteExpiredSessions(ctx, s.now())
	if err != nil {
		return 0, apperror.Persistence("sweeping sessions", err)
	}
	return n, nil
}

func (s *SessionService) bind(ctx context.Context, user *model.User) (*Binding, error) {
	now := s.now()
	sess := &model.Session{
		ID:        uuid.NewString(),
		UserID:    user.ID,
		ExpiresAt: now.Add(s.ttl),
		CreatedAt: now,
	}

	if err := s.sessions.CreateSession(ctx, sess); err != nil {
		return nil, apperror.Persistence("creating session", err)
	}

	token, err := s.tokens.Sign(sess.ID, sess.ExpiresAt)
	if err != nil {
		return nil, fmt.Errorf("service/auth: signing session for %s: %w", user.ID, err)
	}

	return &Binding{User: user, Token: token, ExpiresAt: sess.ExpiresAt}, nil
}
