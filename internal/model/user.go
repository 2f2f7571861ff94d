// Package model defines the data structures used throughout the application.
package model

import "time"

// AnonymousIDPrefix marks user IDs minted for anonymous sessions.
// Google accounts use the provider's subject ID verbatim, so the prefix
// keeps the two ID spaces from colliding.
const AnonymousIDPrefix = "anon_"

// User represents one identity: either an anonymous visitor or a Google account.
//
// OPTIONAL FIELDS:
// Anonymous users have no email, name or picture. These are stored as empty
// strings in the DB and omitted from JSON so the client sees the same shape
// the browser shell expects ({id, isAnonymous} for anonymous users).
type User struct {
	ID          string    `json:"id"`
	Email       string    `json:"email,omitempty"`
	Name        string    `json:"name,omitempty"`
	Picture     string    `json:"picture,omitempty"`
	IsAnonymous bool      `json:"isAnonymous"`
	CreatedAt   time.Time `json:"-"`
	UpdatedAt   time.Time `json:"-"`
}

// GoogleProfile is the identity returned by the OAuth exchange.
// Subject is Google's stable account ID and becomes User.ID.
type GoogleProfile struct {
	Subject string
	Email   string
	Name    string
	Picture string
}
