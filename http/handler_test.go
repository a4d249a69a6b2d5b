package http

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"net/url"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"golang.org/x/crypto/bcrypt"

	"github.com/stephnangue/grantor/auth"
	"github.com/stephnangue/grantor/clients"
	"github.com/stephnangue/grantor/grant"
	"github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/logical"
	"github.com/stephnangue/grantor/physical/inmem"
	"github.com/stephnangue/grantor/token"
)

type fakeDirectory struct {
	principals map[string]*auth.Principal
	down       bool
}

func (d *fakeDirectory) Find(ctx context.Context, username string) (*auth.Principal, error) {
	if d.down {
		return nil, logical.ErrAuthUnavailable
	}
	principal, ok := d.principals[username]
	if !ok {
		return nil, logical.ErrPrincipalNotFound
	}
	return principal, nil
}

func (d *fakeDirectory) IsActive(ctx context.Context, username string) (bool, error) {
	if d.down {
		return false, logical.ErrAuthUnavailable
	}
	principal, ok := d.principals[username]
	if !ok {
		return false, logical.ErrPrincipalNotFound
	}
	return principal.Active, nil
}

func testLogger() logger.Logger {
	return logger.NewZerologLogger(&logger.Config{
		Level:   logger.ErrorLevel,
		Format:  logger.JSONFormat,
		Outputs: []io.Writer{io.Discard},
	})
}

type testServer struct {
	handler   http.Handler
	directory *fakeDirectory
	store     *token.Store
}

func newTestServer(t *testing.T) *testServer {
	t.Helper()

	log := testLogger()
	ctx := context.Background()

	hash, err := bcrypt.GenerateFromPassword([]byte("secret"), bcrypt.MinCost)
	require.NoError(t, err)

	directory := &fakeDirectory{
		principals: map[string]*auth.Principal{
			"alice": {
				ID:       1,
				Username: "alice",
				Name:     "Alice Doe",
				Password: string(hash),
				Role:     "USER",
				Active:   true,
			},
			"mallory": {
				ID:       2,
				Username: "mallory",
				Password: string(hash),
				Role:     "USER",
				Active:   false,
			},
		},
	}

	storage, err := inmem.NewInmem(nil, log)
	require.NoError(t, err)

	verifier := auth.NewVerifier(directory, log)

	store, err := token.NewStore(storage, verifier, log, token.DefaultStoreConfig())
	require.NoError(t, err)
	t.Cleanup(store.Close)

	registry := clients.NewRegistry(storage, log)
	require.NoError(t, registry.Bootstrap(ctx, []clients.BootstrapClient{{
		ClientID:             "default",
		Secret:               "default",
		GrantTypes:           []string{"password", "refresh_token"},
		Scopes:               []string{"web", "api"},
		AccessTokenValidity:  3600,
		RefreshTokenValidity: 86400,
	}}))

	granter := grant.NewCompositeGranter(log)
	granter.Register(grant.NewPasswordGranter(verifier, log))
	granter.Register(grant.NewRefreshTokenGranter(store, log))

	handler := Handler(&HandlerProperties{
		Store:   store,
		Clients: registry,
		Granter: granter,
		Logger:  log,
	})

	return &testServer{handler: handler, directory: directory, store: store}
}

func (s *testServer) tokenRequest(t *testing.T, clientID, secret string, form url.Values) (*http.Response, []byte) {
	t.Helper()

	req := httptest.NewRequest(http.MethodPost, "/oauth/token", strings.NewReader(form.Encode()))
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")
	req.SetBasicAuth(clientID, secret)

	rec := httptest.NewRecorder()
	s.handler.ServeHTTP(rec, req)

	body, err := io.ReadAll(rec.Result().Body)
	require.NoError(t, err)
	return rec.Result(), body
}

func (s *testServer) passwordGrant(t *testing.T, username, password string) TokenResponse {
	t.Helper()

	resp, body := s.tokenRequest(t, "default", "default", url.Values{
		"grant_type": {"password"},
		"username":   {username},
		"password":   {password},
		"scope":      {"web"},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var tr TokenResponse
	require.NoError(t, json.Unmarshal(body, &tr))
	return tr
}

func TestHandler_PasswordGrant(t *testing.T) {
	server := newTestServer(t)

	tr := server.passwordGrant(t, "alice", "secret")
	assert.NotEmpty(t, tr.AccessToken)
	assert.NotEmpty(t, tr.RefreshToken)
	assert.Equal(t, "bearer", tr.TokenType)
	assert.Equal(t, "web", tr.Scope)
	assert.Greater(t, tr.ExpiresIn, int64(3500))
}

func TestHandler_PasswordGrantIdempotent(t *testing.T) {
	server := newTestServer(t)

	first := server.passwordGrant(t, "alice", "secret")
	second := server.passwordGrant(t, "alice", "secret")
	assert.Equal(t, first.AccessToken, second.AccessToken)
	assert.Equal(t, first.RefreshToken, second.RefreshToken)
}

func TestHandler_PasswordGrantWrongPassword(t *testing.T) {
	server := newTestServer(t)

	resp, _ := server.tokenRequest(t, "default", "default", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"wrong"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_PasswordGrantUnknownUser(t *testing.T) {
	server := newTestServer(t)

	// Unknown usernames and wrong passwords are indistinguishable.
	resp, body := server.tokenRequest(t, "default", "default", url.Values{
		"grant_type": {"password"},
		"username":   {"nobody"},
		"password":   {"secret"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
	assert.Contains(t, string(body), "invalid credentials")
}

func TestHandler_PasswordGrantInactiveUser(t *testing.T) {
	server := newTestServer(t)

	resp, _ := server.tokenRequest(t, "default", "default", url.Values{
		"grant_type": {"password"},
		"username":   {"mallory"},
		"password":   {"secret"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_InvalidClient(t *testing.T) {
	server := newTestServer(t)

	resp, _ := server.tokenRequest(t, "default", "nope", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"secret"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)

	resp, _ = server.tokenRequest(t, "ghost", "default", url.Values{
		"grant_type": {"password"},
	})
	assert.Equal(t, http.StatusUnauthorized, resp.StatusCode)
}

func TestHandler_GrantTypeNotAllowedForClient(t *testing.T) {
	server := newTestServer(t)

	resp, _ := server.tokenRequest(t, "default", "default", url.Values{
		"grant_type": {"client_credentials"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_ScopeNotAllowedForClient(t *testing.T) {
	server := newTestServer(t)

	resp, _ := server.tokenRequest(t, "default", "default", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"secret"},
		"scope":      {"admin"},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_DirectoryUnavailable(t *testing.T) {
	server := newTestServer(t)
	server.directory.down = true

	resp, _ := server.tokenRequest(t, "default", "default", url.Values{
		"grant_type": {"password"},
		"username":   {"alice"},
		"password":   {"secret"},
	})
	assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
}

func TestHandler_RefreshGrant(t *testing.T) {
	server := newTestServer(t)

	first := server.passwordGrant(t, "alice", "secret")

	resp, body := server.tokenRequest(t, "default", "default", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var refreshed TokenResponse
	require.NoError(t, json.Unmarshal(body, &refreshed))
	assert.NotEqual(t, first.AccessToken, refreshed.AccessToken)
	assert.NotEqual(t, first.RefreshToken, refreshed.RefreshToken)

	// The rotated refresh token is single use.
	resp, _ = server.tokenRequest(t, "default", "default", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	})
	assert.Equal(t, http.StatusBadRequest, resp.StatusCode)
}

func TestHandler_RefreshGrantWithoutScopeKeepsOriginal(t *testing.T) {
	server := newTestServer(t)

	// The original grant is narrower than the client's configured scopes.
	first := server.passwordGrant(t, "alice", "secret")
	require.Equal(t, "web", first.Scope)

	resp, body := server.tokenRequest(t, "default", "default", url.Values{
		"grant_type":    {"refresh_token"},
		"refresh_token": {first.RefreshToken},
	})
	require.Equal(t, http.StatusOK, resp.StatusCode, string(body))

	var refreshed TokenResponse
	require.NoError(t, json.Unmarshal(body, &refreshed))
	assert.Equal(t, "web", refreshed.Scope)
}

func TestHandler_CurrentUser(t *testing.T) {
	server := newTestServer(t)

	tr := server.passwordGrant(t, "alice", "secret")

	req := httptest.NewRequest(http.MethodGet, "/user/current", nil)
	req.Header.Set("Authorization", "Bearer "+tr.AccessToken)
	rec := httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code, rec.Body.String())

	var user CurrentUserResponse
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &user))
	assert.Equal(t, int64(1), user.UserID)
	assert.Equal(t, "alice", user.Username)
	assert.Equal(t, "Alice Doe", user.Name)
	assert.Equal(t, []string{"USER"}, user.Authorities)
	assert.Equal(t, "default", user.ClientID)
}

func TestHandler_CurrentUserMissingToken(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/user/current", nil)
	rec := httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_CurrentUserUnknownToken(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/user/current", nil)
	req.Header.Set("Authorization", "Bearer not-a-token")
	rec := httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_RevokeToken(t *testing.T) {
	server := newTestServer(t)

	tr := server.passwordGrant(t, "alice", "secret")

	req := httptest.NewRequest(http.MethodDelete, "/token", nil)
	req.Header.Set("Authorization", "Bearer "+tr.AccessToken)
	rec := httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusNoContent, rec.Code)

	// The revoked token no longer introspects.
	req = httptest.NewRequest(http.MethodGet, "/user/current", nil)
	req.Header.Set("Authorization", "Bearer "+tr.AccessToken)
	rec = httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)

	// The dead token cannot authorize another revocation.
	req = httptest.NewRequest(http.MethodDelete, "/token", nil)
	req.Header.Set("Authorization", "Bearer "+tr.AccessToken)
	rec = httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusUnauthorized, rec.Code)
}

func TestHandler_Health(t *testing.T) {
	server := newTestServer(t)

	req := httptest.NewRequest(http.MethodGet, "/sys/health", nil)
	rec := httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)
	assert.Equal(t, http.StatusOK, rec.Code)
	assert.Contains(t, rec.Body.String(), "ok")
}

func TestHandler_Metrics(t *testing.T) {
	server := newTestServer(t)

	server.passwordGrant(t, "alice", "secret")

	req := httptest.NewRequest(http.MethodGet, "/sys/metrics", nil)
	rec := httptest.NewRecorder()
	server.handler.ServeHTTP(rec, req)
	require.Equal(t, http.StatusOK, rec.Code)

	var metrics map[string]int64
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &metrics))
	assert.Equal(t, int64(1), metrics["tokens_issued"])
}
