package models

import "time"

// ChallengeTTL is how long a stored PKCE verifier stays usable.
const ChallengeTTL = 10 * time.Minute

// RefreshMargin is subtracted from a token's lifetime when deciding to refresh.
const RefreshMargin = 60 * time.Second

// UserToken stores the OAuth2 credentials of one user.
// It is always replaced as a whole; fields are never patched in place.
type UserToken struct {
	UserID         string    `json:"user_id"`
	AccessToken    string    `json:"access_token"`
	RefreshToken   string    `json:"refresh_token,omitempty"`
	TokenType      string    `json:"token_type,omitempty"`
	ExpiresIn      int64     `json:"expires_in"`
	Scope          string    `json:"scope,omitempty"`
	ProviderUserID string    `json:"provider_user_id,omitempty"`
	LastUpdated    time.Time `json:"last_updated"`
}

// Age returns how long ago the token was issued or refreshed.
func (t *UserToken) Age(now time.Time) time.Duration {
	return now.Sub(t.LastUpdated)
}

// NeedsRefresh reports whether the token is within RefreshMargin of expiry.
func (t *UserToken) NeedsRefresh(now time.Time) bool {
	lifetime := time.Duration(t.ExpiresIn) * time.Second
	return t.Age(now) >= lifetime-RefreshMargin
}

// ExpiresAt returns the absolute expiry time.
func (t *UserToken) ExpiresAt() time.Time {
	return t.LastUpdated.Add(time.Duration(t.ExpiresIn) * time.Second)
}

// Clone returns a copy safe to hand out of a store.
func (t *UserToken) Clone() *UserToken {
	if t == nil {
		return nil
	}
	c := *t
	return &c
}

// PKCEChallenge is a short-lived verifier waiting for the authorization callback.
type PKCEChallenge struct {
	UserID    string    `json:"user_id"`
	Verifier  string    `json:"verifier"`
	CreatedAt time.Time `json:"created_at"`
}

// Expired reports whether the verifier is no longer usable at now.
func (c *PKCEChallenge) Expired(now time.Time) bool {
	return now.Sub(c.CreatedAt) >= ChallengeTTL
}
