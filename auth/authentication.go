package auth

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
)

// Authentication is the full authentication context produced by a grant:
// the client that requested it, the requested scopes, the grant metadata
// and, unless the grant was client-only, the authenticated principal.
// Unknown request parameters are passed through opaquely.
type Authentication struct {
	ClientID   string            `json:"client_id"`
	GrantType  string            `json:"grant_type"`
	Scopes     []string          `json:"scopes,omitempty"`
	Parameters map[string]string `json:"parameters,omitempty"`
	Principal  *Principal        `json:"principal,omitempty"`
}

// IsClientOnly reports whether the authentication carries no principal.
func (a *Authentication) IsClientOnly() bool {
	return a.Principal == nil
}

// Username returns the principal's username, or "" for client-only grants.
func (a *Authentication) Username() string {
	if a.Principal == nil {
		return ""
	}
	return a.Principal.Username
}

// Serialize encodes an authentication for embedding inside a stored token
// record.
func Serialize(a *Authentication) (string, error) {
	if a == nil {
		return "", fmt.Errorf("cannot serialize nil authentication")
	}
	raw, err := json.Marshal(a)
	if err != nil {
		return "", fmt.Errorf("failed to serialize authentication: %w", err)
	}
	return base64.StdEncoding.EncodeToString(raw), nil
}

// Deserialize decodes an authentication previously encoded with Serialize.
func Deserialize(encoded string) (*Authentication, error) {
	raw, err := base64.StdEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("failed to decode authentication: %w", err)
	}
	var a Authentication
	if err := json.Unmarshal(raw, &a); err != nil {
		return nil, fmt.Errorf("failed to deserialize authentication: %w", err)
	}
	return &a, nil
}
