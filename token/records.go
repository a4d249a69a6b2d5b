package token

import (
	"time"
)

// AccessTokenRecord represents one issued access token. For a given
// authentication id there is at most one live record; a new grant for the
// same (client, principal, scopes) tuple either reuses the record or
// atomically replaces it.
type AccessTokenRecord struct {
	// TokenID is the derived token key, the primary lookup key.
	TokenID string `json:"token_id"`

	// AuthenticationID is the derived authentication key identifying the
	// (client, principal, grant context) tuple.
	AuthenticationID string `json:"authentication_id"`

	// Authentication is the serialized authentication context.
	Authentication string `json:"authentication"`

	// TokenValue is the raw opaque token value presented by callers.
	TokenValue string `json:"token_value"`

	// ExpiresAt is the token expiry. Expired records are inert data,
	// reclaimed lazily on next access.
	ExpiresAt time.Time `json:"expires_at"`

	// RefreshToken is the raw value of the paired refresh token, embedded
	// by value, not by derived key.
	RefreshToken string `json:"refresh_token,omitempty"`

	ClientID string `json:"client_id"`

	// Username is empty for client-only grants.
	Username string `json:"username,omitempty"`

	// ClientIP is the caller address captured best-effort at issuance.
	ClientIP string `json:"client_ip,omitempty"`

	CreatedAt  time.Time `json:"created_at"`
	ModifiedAt time.Time `json:"modified_at"`
}

// Expired reports whether the record's token value has passed its expiry.
func (r *AccessTokenRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}

// RefreshTokenRecord represents one issued refresh token. It is looked up
// and revoked independently of the access token that spawned it.
type RefreshTokenRecord struct {
	// TokenID is the derived token key of the refresh token value.
	TokenID string `json:"token_id"`

	// TokenValue is the raw refresh token value.
	TokenValue string `json:"token_value"`

	// Authentication is the serialized authentication context captured at
	// creation time.
	Authentication string `json:"authentication"`

	ExpiresAt time.Time `json:"expires_at"`
}

// Expired reports whether the refresh token has passed its expiry.
func (r *RefreshTokenRecord) Expired(now time.Time) bool {
	return !r.ExpiresAt.IsZero() && now.After(r.ExpiresAt)
}
