package server

import "time"

// Identity is the trusted view of a decoded identity token. It is derived
// per request and never persisted; the cookie holds the raw token only.
type Identity struct {
	Subject       string
	Email         string
	Name          string
	Picture       string
	EmailVerified bool
	IssuedAt      time.Time
	ExpiresAt     time.Time
	Custom        ClaimsView
}

// PasswordChangeTicket is a one-time reset URL issued by the identity
// provider for exactly one subject. Never cached beyond a single attempt.
type PasswordChangeTicket struct {
	ResetURL  string
	ExpiresAt string
	UserID    string
}
