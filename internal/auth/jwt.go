// Package auth holds the session cookie, Google OAuth and the
// authentication middleware.
//
// SESSION FLOW OVERVIEW:
//  1. The browser either asks for an anonymous session or completes Google login
//  2. The server stores a session row (sessions table) and signs its ID into a JWT
//  3. The JWT travels in the HttpOnly "session" cookie
//  4. On every protected call, middleware verifies the signature, then asks the
//     session store whether that session still exists and has not expired
//
// SIGNED AND STORED:
// The signature lets us reject forged or expired cookies without touching the
// DB. The stored row is what makes logout real: deleting it invalidates the
// cookie even though the JWT itself has not expired yet.
package auth

import (
	"errors"
	"fmt"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

const issuer = "damaijiwa"

// ErrTokenExpired is returned by Validate for a well-signed but expired token.
var ErrTokenExpired = errors.New("auth: token expired")

// TokenService signs and verifies session tokens with an HMAC secret.
type TokenService struct {
	secret []byte
}

// NewTokenService creates a TokenService with the given secret.
// Example: SESSION_SECRET=$(openssl rand -hex 32)
func NewTokenService(secret string) (*TokenService, error) {
	if len(secret) < 16 {
		return nil, errors.New("auth: session secret must be at least 16 characters")
	}
	return &TokenService{secret: []byte(secret)}, nil
}

// claims is the JWT payload. "sub" carries the session ID, not the user ID:
// the user is looked up through the session row so that logout can revoke it.
type claims struct {
	jwt.RegisteredClaims
}

// Sign issues an HS256 token for sessionID that expires at expiresAt.
func (s *TokenService) Sign(sessionID string, expiresAt time.Time) (string, error) {
	if sessionID == "" {
		return "", errors.New("auth: session id must not be empty")
	}

	c := claims{
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   sessionID,
			IssuedAt:  jwt.NewNumericDate(time.Now()),
			ExpiresAt: jwt.NewNumericDate(expiresAt),
			Issuer:    issuer,
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, c)
	signed, err := token.SignedString(s.secret)
	if err != nil {
		return "", fmt.Errorf("auth: signing token: %w", err)
	}

	return signed, nil
}

// Validate parses and verifies a token and returns the session ID it carries.
//
// The jwt library checks the signature, expiry and issuer. Restricting the
// accepted methods to HS256 blocks "alg: none" and algorithm confusion.
func (s *TokenService) Validate(tokenStr string) (string, error) {
	token, err := jwt.ParseWithClaims(
		tokenStr,
		&claims{},
		func(token *jwt.Token) (any, error) {
			if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
				return nil, fmt.Errorf("auth: unexpected signing method: %v", token.Header["alg"])
			}
			return s.secret, nil
		},
		jwt.WithValidMethods([]string{"HS256"}),
		jwt.WithIssuer(issuer),
		jwt.WithExpirationRequired(),
	)
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return "", ErrTokenExpired
		}
		return "", fmt.Errorf("auth: invalid token: %w", err)
	}

	c, ok := token.Claims.(*claims)
	if !ok || !token.Valid {
		return "", errors.New("auth: invalid token claims")
	}

	if c.Subject == "" {
		return "", errors.New("auth: token has no subject")
	}

	return c.Subject, nil
}
