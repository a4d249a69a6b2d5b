package clients

import (
	"github.com/hashicorp/go-secure-stdlib/strutil"
)

// Client is a registered caller of the token endpoint. Immutable after
// load; registration and administrative updates happen outside this
// service.
type Client struct {
	ClientID   string `json:"client_id"`
	SecretHash string `json:"secret_hash"` // bcrypt hash, never the clear text

	// GrantTypes lists the grant types the client may use.
	GrantTypes []string `json:"grant_types"`

	// Scopes lists the scopes the client may request.
	Scopes []string `json:"scopes"`

	// RedirectURIs is kept for clients using redirect-based grants.
	RedirectURIs []string `json:"redirect_uris,omitempty"`

	// Token lifetimes in seconds.
	AccessTokenValidity  int `json:"access_token_validity"`
	RefreshTokenValidity int `json:"refresh_token_validity"`
}

// AllowsGrantType reports whether the client is configured for the grant type.
func (c *Client) AllowsGrantType(grantType string) bool {
	return strutil.StrListContains(c.GrantTypes, grantType)
}

// AllowsScope reports whether the client is configured for the scope. A
// client with no scope list allows any scope.
func (c *Client) AllowsScope(scope string) bool {
	if len(c.Scopes) == 0 {
		return true
	}
	return strutil.StrListContains(c.Scopes, scope)
}
