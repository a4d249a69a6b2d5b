package grant

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/grantor/auth"
	"github.com/stephnangue/grantor/logical"
	"github.com/stephnangue/grantor/physical/inmem"
	"github.com/stephnangue/grantor/token"
)

type alwaysActive struct{}

func (alwaysActive) CheckActive(ctx context.Context, username string) error { return nil }

func refreshTestStore(t *testing.T) *token.Store {
	t.Helper()

	storage, err := inmem.NewInmem(nil, testLogger())
	require.NoError(t, err)

	store, err := token.NewStore(storage, alwaysActive{}, testLogger(), token.DefaultStoreConfig())
	require.NoError(t, err)
	t.Cleanup(store.Close)
	return store
}

func issueSession(t *testing.T, store *token.Store) *token.AccessTokenRecord {
	t.Helper()

	record, err := store.Issue(context.Background(), &auth.Authentication{
		ClientID:  "default",
		GrantType: TypePassword,
		Scopes:    []string{"web", "api"},
		Principal: &auth.Principal{ID: 1, Username: "alice", Active: true},
	}, token.IssueOptions{
		AccessTokenValidity:  time.Hour,
		RefreshTokenValidity: 24 * time.Hour,
	})
	require.NoError(t, err)
	require.NotEmpty(t, record.RefreshToken)
	return record
}

func TestRefreshTokenGranter_Rotation(t *testing.T) {
	store := refreshTestStore(t)
	granter := NewRefreshTokenGranter(store, testLogger())
	ctx := context.Background()

	record := issueSession(t, store)

	authn, err := granter.Grant(ctx, &TokenRequest{
		ClientID:   "default",
		GrantType:  TypeRefreshToken,
		Parameters: map[string]string{"refresh_token": record.RefreshToken},
	})
	require.NoError(t, err)

	assert.Equal(t, TypeRefreshToken, authn.GrantType)
	assert.Equal(t, "alice", authn.Username())
	assert.Equal(t, []string{"web", "api"}, authn.Scopes)

	// The presented refresh token and its access token are gone.
	_, err = store.ReadRefreshToken(ctx, record.RefreshToken)
	assert.ErrorIs(t, err, logical.ErrTokenNotFound)
	_, err = store.ReadAccessToken(ctx, record.TokenValue)
	assert.ErrorIs(t, err, logical.ErrTokenNotFound)

	// Replay of the rotated token fails.
	_, err = granter.Grant(ctx, &TokenRequest{
		ClientID:   "default",
		GrantType:  TypeRefreshToken,
		Parameters: map[string]string{"refresh_token": record.RefreshToken},
	})
	require.Error(t, err)
	assert.Equal(t, 400, logical.GetErrorCode(err))
}

func TestRefreshTokenGranter_ScopeNarrowing(t *testing.T) {
	store := refreshTestStore(t)
	granter := NewRefreshTokenGranter(store, testLogger())
	ctx := context.Background()

	record := issueSession(t, store)

	authn, err := granter.Grant(ctx, &TokenRequest{
		ClientID:   "default",
		GrantType:  TypeRefreshToken,
		Scopes:     []string{"web"},
		Parameters: map[string]string{"refresh_token": record.RefreshToken},
	})
	require.NoError(t, err)
	assert.Equal(t, []string{"web"}, authn.Scopes)
}

func TestRefreshTokenGranter_ScopeWideningRejected(t *testing.T) {
	store := refreshTestStore(t)
	granter := NewRefreshTokenGranter(store, testLogger())
	ctx := context.Background()

	record := issueSession(t, store)

	_, err := granter.Grant(ctx, &TokenRequest{
		ClientID:   "default",
		GrantType:  TypeRefreshToken,
		Scopes:     []string{"web", "admin"},
		Parameters: map[string]string{"refresh_token": record.RefreshToken},
	})
	require.Error(t, err)
	assert.Equal(t, 400, logical.GetErrorCode(err))

	// The rejected request must not consume the refresh token.
	_, err = store.ReadRefreshToken(ctx, record.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshTokenGranter_WrongClient(t *testing.T) {
	store := refreshTestStore(t)
	granter := NewRefreshTokenGranter(store, testLogger())
	ctx := context.Background()

	record := issueSession(t, store)

	_, err := granter.Grant(ctx, &TokenRequest{
		ClientID:   "mobile",
		GrantType:  TypeRefreshToken,
		Parameters: map[string]string{"refresh_token": record.RefreshToken},
	})
	require.Error(t, err)
	assert.Equal(t, 400, logical.GetErrorCode(err))

	_, err = store.ReadRefreshToken(ctx, record.RefreshToken)
	require.NoError(t, err)
}

func TestRefreshTokenGranter_Expired(t *testing.T) {
	store := refreshTestStore(t)
	granter := NewRefreshTokenGranter(store, testLogger())
	ctx := context.Background()

	record := issueSession(t, store)

	granter.timeNow = func() time.Time { return time.Now().Add(48 * time.Hour) }

	_, err := granter.Grant(ctx, &TokenRequest{
		ClientID:   "default",
		GrantType:  TypeRefreshToken,
		Parameters: map[string]string{"refresh_token": record.RefreshToken},
	})
	require.Error(t, err)
	assert.Equal(t, 400, logical.GetErrorCode(err))

	// Expiry purges the whole session.
	_, err = store.ReadRefreshToken(ctx, record.RefreshToken)
	assert.ErrorIs(t, err, logical.ErrTokenNotFound)
	_, err = store.ReadAccessToken(ctx, record.TokenValue)
	assert.ErrorIs(t, err, logical.ErrTokenNotFound)
}

func TestRefreshTokenGranter_MissingParameter(t *testing.T) {
	store := refreshTestStore(t)
	granter := NewRefreshTokenGranter(store, testLogger())

	_, err := granter.Grant(context.Background(), &TokenRequest{
		ClientID:   "default",
		GrantType:  TypeRefreshToken,
		Parameters: map[string]string{},
	})
	require.Error(t, err)
	assert.Equal(t, 400, logical.GetErrorCode(err))
}
