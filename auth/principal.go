package auth

// Principal is the authenticated identity a token represents. It is owned
// by the external user directory; the token subsystem only embeds a
// snapshot taken at issuance time.
type Principal struct {
	ID       int64  `json:"id"`
	Username string `json:"username"`
	Name     string `json:"name,omitempty"`
	Password string `json:"password,omitempty"` // bcrypt hash, never the clear text
	Role     string `json:"role"`
	Active   bool   `json:"active"`
}

// Authorities returns the granted authorities of the principal.
func (p *Principal) Authorities() []string {
	if p.Role == "" {
		return nil
	}
	return []string{p.Role}
}
