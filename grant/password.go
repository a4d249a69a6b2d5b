package grant

import (
	"context"

	"github.com/stephnangue/grantor/auth"
	"github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/logical"
)

// CredentialVerifier validates a username/password pair and returns the
// matching principal.
type CredentialVerifier interface {
	Verify(ctx context.Context, username, password string) (*auth.Principal, error)
}

// PasswordGranter handles the resource-owner password grant.
type PasswordGranter struct {
	verifier CredentialVerifier
	logger   logger.Logger
}

// NewPasswordGranter creates a password granter backed by the given
// credential verifier.
func NewPasswordGranter(verifier CredentialVerifier, log logger.Logger) *PasswordGranter {
	return &PasswordGranter{
		verifier: verifier,
		logger:   log.WithSubsystem("password_granter"),
	}
}

func (g *PasswordGranter) GrantType() string {
	return TypePassword
}

// Grant verifies the credentials carried in the request parameters. The
// password never enters the returned authentication context.
func (g *PasswordGranter) Grant(ctx context.Context, req *TokenRequest) (*auth.Authentication, error) {
	username := req.Parameters["username"]
	password := req.Parameters["password"]
	if username == "" || password == "" {
		return nil, logical.ErrBadRequest("username and password are required")
	}

	principal, err := g.verifier.Verify(ctx, username, password)
	if err != nil {
		return nil, err
	}

	params := make(map[string]string, len(req.Parameters))
	for k, v := range req.Parameters {
		if k == "password" {
			continue
		}
		params[k] = v
	}

	g.logger.Debug("password grant verified",
		logger.String("username", username),
		logger.String("client_id", req.ClientID))

	return &auth.Authentication{
		ClientID:   req.ClientID,
		GrantType:  TypePassword,
		Scopes:     req.Scopes,
		Parameters: params,
		Principal:  principal,
	}, nil
}
