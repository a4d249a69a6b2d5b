package grant

import (
	"context"
	"errors"
	"time"

	"github.com/hashicorp/go-secure-stdlib/strutil"

	"github.com/stephnangue/grantor/auth"
	"github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/logical"
	"github.com/stephnangue/grantor/token"
)

// RefreshTokenStore is the slice of the token store the refresh granter
// needs: lookup of the presented refresh token and revocation of the
// session it belongs to.
type RefreshTokenStore interface {
	ReadRefreshToken(ctx context.Context, tokenValue string) (*token.RefreshTokenRecord, error)
	RemoveRefreshToken(ctx context.Context, tokenValue string) error
	RemoveAccessTokenByRefreshToken(ctx context.Context, refreshValue string) error
}

// RefreshTokenGranter handles the refresh_token grant. A presented refresh
// token is single-use: the granter revokes it and the access token it was
// paired with, then hands back the stored authentication for reissue.
type RefreshTokenGranter struct {
	store   RefreshTokenStore
	logger  logger.Logger
	timeNow func() time.Time
}

// NewRefreshTokenGranter creates a refresh granter over the given store.
func NewRefreshTokenGranter(store RefreshTokenStore, log logger.Logger) *RefreshTokenGranter {
	return &RefreshTokenGranter{
		store:   store,
		logger:  log.WithSubsystem("refresh_granter"),
		timeNow: time.Now,
	}
}

func (g *RefreshTokenGranter) GrantType() string {
	return TypeRefreshToken
}

func (g *RefreshTokenGranter) Grant(ctx context.Context, req *TokenRequest) (*auth.Authentication, error) {
	refreshValue := req.Parameters["refresh_token"]
	if refreshValue == "" {
		return nil, logical.ErrBadRequest("refresh_token is required")
	}

	record, err := g.store.ReadRefreshToken(ctx, refreshValue)
	if err != nil {
		if errors.Is(err, logical.ErrTokenNotFound) {
			return nil, logical.ErrBadRequest("invalid refresh token")
		}
		return nil, err
	}

	if record.Expired(g.timeNow()) {
		// Expired refresh tokens are purged together with their session.
		if err := g.store.RemoveAccessTokenByRefreshToken(ctx, refreshValue); err != nil {
			return nil, err
		}
		if err := g.store.RemoveRefreshToken(ctx, refreshValue); err != nil {
			return nil, err
		}
		return nil, logical.ErrBadRequest("refresh token expired")
	}

	stored, err := auth.Deserialize(record.Authentication)
	if err != nil {
		return nil, err
	}

	if stored.ClientID != req.ClientID {
		g.logger.Warn("refresh token presented by wrong client",
			logger.String("issued_to", stored.ClientID),
			logger.String("presented_by", req.ClientID))
		return nil, logical.ErrBadRequest("refresh token was not issued to this client")
	}

	scopes := stored.Scopes
	if len(req.Scopes) > 0 {
		// A refresh may narrow the scope set, never widen it.
		if !strutil.StrListSubset(stored.Scopes, req.Scopes) {
			return nil, logical.ErrBadRequest("requested scope exceeds original grant")
		}
		scopes = req.Scopes
	}

	// Rotation: the presented refresh token and its paired access token
	// are gone after this point, whatever the caller does next.
	if err := g.store.RemoveAccessTokenByRefreshToken(ctx, refreshValue); err != nil {
		return nil, err
	}
	if err := g.store.RemoveRefreshToken(ctx, refreshValue); err != nil {
		return nil, err
	}

	g.logger.Debug("refresh token rotated",
		logger.String("client_id", req.ClientID),
		logger.String("username", stored.Username()))

	return &auth.Authentication{
		ClientID:   stored.ClientID,
		GrantType:  TypeRefreshToken,
		Scopes:     scopes,
		Parameters: stored.Parameters,
		Principal:  stored.Principal,
	}, nil
}
