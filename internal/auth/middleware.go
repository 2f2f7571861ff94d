package auth

import (
	"context"
	"net/http"
)

// SessionCookieName is the HttpOnly cookie carrying the signed session token.
const SessionCookieName = "session"

// contextKey is unexported so no other package can read or shadow our values.
type contextKey string

const userIDKey contextKey = "userID"

// SessionResolver turns a cookie value into the ID of the user it belongs to.
// Implementations must return an error for forged, expired or revoked tokens.
type SessionResolver interface {
	ResolveSession(ctx context.Context, token string) (string, error)
}

// RequireUser is the single authorization gate for protected routes.
//
// It resolves the session cookie and stores the user ID in the request
// context. A missing or unusable session stops the chain with
// 401 {"error":"Unauthorized"} before any handler (or store write) runs.
func RequireUser(sessions SessionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			userID, err := resolveUserID(r, sessions)
			if err != nil || userID == "" {
				w.Header().Set("Content-Type", "application/json")
				w.WriteHeader(http.StatusUnauthorized)
				w.Write([]byte(`{"error":"Unauthorized"}` + "\n"))
				return
			}

			next.ServeHTTP(w, r.WithContext(WithUserID(r.Context(), userID)))
		})
	}
}

// OptionalUser attaches the user ID when a valid session is present and
// otherwise lets the request through untouched. Public routes that behave
// differently for signed-in users (GET /api/me, POST /api/logout) use it.
func OptionalUser(sessions SessionResolver) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if userID, err := resolveUserID(r, sessions); err == nil && userID != "" {
				r = r.WithContext(WithUserID(r.Context(), userID))
			}
			next.ServeHTTP(w, r)
		})
	}
}

// WithUserID returns a copy of ctx carrying userID.
func WithUserID(ctx context.Context, userID string) context.Context {
	return context.WithValue(ctx, userIDKey, userID)
}

// UserIDFromContext returns ("", false) for requests without a session.
func UserIDFromContext(ctx context.Context) (string, bool) {
	id, ok := ctx.Value(userIDKey).(string)
	return id, ok && id != ""
}

// TokenFromRequest returns the raw session cookie value, or "".
func TokenFromRequest(r *http.Request) string {
	cookie, err := r.Cookie(SessionCookieName)
	if err != nil {
		return ""
	}
	return cookie.Value
}

func resolveUserID(r *http.Request, sessions SessionResolver) (string, error) {
	token := TokenFromRequest(r)
	if token == "" {
		return "", http.ErrNoCookie
	}
	return sessions.ResolveSession(r.Context(), token)
}
