package grant

import (
	"context"

	"github.com/stephnangue/grantor/auth"
	"github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/logical"
)

// Known grant types. Dispatch is by exact string match on the request's
// declared grant_type.
const (
	TypePassword     = "password"
	TypeRefreshToken = "refresh_token"
	TypeSign         = "sign"
	TypeMultiFactor  = "mf"
	TypeOneID        = "oneid"
)

// TokenRequest is a parsed token endpoint request. The client has already
// been authenticated by the caller; granters only turn the request into an
// authentication context.
type TokenRequest struct {
	ClientID   string
	GrantType  string
	Scopes     []string
	Parameters map[string]string
	ClientIP   string
}

// Granter exchanges a token request for an authentication context. A
// granter serves exactly one grant type and never issues tokens itself.
type Granter interface {
	GrantType() string
	Grant(ctx context.Context, req *TokenRequest) (*auth.Authentication, error)
}

// CompositeGranter dispatches token requests to registered granters in
// registration order. The first granter whose type matches handles the
// request; the rest are never consulted.
type CompositeGranter struct {
	granters []Granter
	logger   logger.Logger
}

// NewCompositeGranter creates an empty dispatcher.
func NewCompositeGranter(log logger.Logger) *CompositeGranter {
	return &CompositeGranter{
		logger: log.WithSubsystem("granter"),
	}
}

// Register appends a granter. Registering two granters for the same type
// is allowed; the earlier one wins.
func (c *CompositeGranter) Register(g Granter) {
	c.granters = append(c.granters, g)
	c.logger.Info("registered granter", logger.String("grant_type", g.GrantType()))
}

// Grant dispatches to the first matching granter.
func (c *CompositeGranter) Grant(ctx context.Context, req *TokenRequest) (*auth.Authentication, error) {
	for _, g := range c.granters {
		if g.GrantType() == req.GrantType {
			return g.Grant(ctx, req)
		}
	}
	c.logger.Debug("no granter for grant type", logger.String("grant_type", req.GrantType))
	return nil, logical.ErrUnsupportedGrantType
}

// GrantTypes returns the types currently served, in registration order.
func (c *CompositeGranter) GrantTypes() []string {
	types := make([]string, 0, len(c.granters))
	for _, g := range c.granters {
		types = append(types, g.GrantType())
	}
	return types
}
