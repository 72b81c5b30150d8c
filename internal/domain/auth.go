package domain

import (
	"context"
	"time"
)

// Credential is the short-lived access token plus refresh token of the signed-in user.
type Credential struct {
	AccessToken  string    `json:"access_token"`
	RefreshToken string    `json:"refresh_token,omitempty"`
	ExpiresAt    time.Time `json:"expires_at,omitempty"`
}

// Expired reports whether the credential has an expiry in the past.
func (c *Credential) Expired(now time.Time) bool {
	return !c.ExpiresAt.IsZero() && now.After(c.ExpiresAt)
}

// AuthProvider supplies and invalidates credentials. The Fetcher reads the credential on
// every call and never keeps it beyond one request.
type AuthProvider interface {
	// Credential returns the current credential, or false when none is held.
	Credential(ctx context.Context) (*Credential, bool)

	// CredentialInvalidated is called by the Fetcher when the API rejects the access token it
	// sent (401). The provider clears the credential only while token is still the current one.
	CredentialInvalidated(ctx context.Context, token string)
}

// CredentialStore persists credentials between restarts and across instances.
type CredentialStore interface {
	// Get returns ErrCacheMiss when nothing is stored under key.
	Get(ctx context.Context, key string) (*Credential, error)
	Set(ctx context.Context, key string, value *Credential, ttl time.Duration) error
	Delete(ctx context.Context, key string) error
}
