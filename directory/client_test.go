package directory

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/stephnangue/grantor/auth"
	"github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/logical"
)

func testLogger() logger.Logger {
	return logger.NewZerologLogger(&logger.Config{
		Level:   logger.ErrorLevel,
		Format:  logger.JSONFormat,
		Outputs: []io.Writer{io.Discard},
	})
}

func testDirectoryServer(t *testing.T) *httptest.Server {
	t.Helper()

	principals := map[string]*auth.Principal{
		"alice": {ID: 1, Username: "alice", Name: "Alice Doe", Role: "USER", Active: true},
		"bob":   {ID: 2, Username: "bob", Role: "USER", Active: false},
	}

	mux := http.NewServeMux()
	mux.HandleFunc("/internal/find", func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principals[r.URL.Query().Get("username")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(principal)
	})
	mux.HandleFunc("/internal/is-active", func(w http.ResponseWriter, r *http.Request) {
		principal, ok := principals[r.URL.Query().Get("username")]
		if !ok {
			w.WriteHeader(http.StatusNotFound)
			return
		}
		json.NewEncoder(w).Encode(principal.Active)
	})

	server := httptest.NewServer(mux)
	t.Cleanup(server.Close)
	return server
}

func testClient(t *testing.T, address string) *Client {
	t.Helper()
	client, err := NewClient(&Config{
		Address:    address,
		Timeout:    2 * time.Second,
		MaxRetries: 0,
		Logger:     testLogger(),
	})
	require.NoError(t, err)
	return client
}

func TestClient_Find(t *testing.T) {
	server := testDirectoryServer(t)
	client := testClient(t, server.URL)

	principal, err := client.Find(context.Background(), "alice")
	require.NoError(t, err)
	assert.Equal(t, int64(1), principal.ID)
	assert.Equal(t, "alice", principal.Username)
	assert.Equal(t, "Alice Doe", principal.Name)
	assert.True(t, principal.Active)
}

func TestClient_FindUnknown(t *testing.T) {
	server := testDirectoryServer(t)
	client := testClient(t, server.URL)

	_, err := client.Find(context.Background(), "nobody")
	assert.ErrorIs(t, err, logical.ErrPrincipalNotFound)
}

func TestClient_IsActive(t *testing.T) {
	server := testDirectoryServer(t)
	client := testClient(t, server.URL)
	ctx := context.Background()

	active, err := client.IsActive(ctx, "alice")
	require.NoError(t, err)
	assert.True(t, active)

	active, err = client.IsActive(ctx, "bob")
	require.NoError(t, err)
	assert.False(t, active)

	_, err = client.IsActive(ctx, "nobody")
	assert.ErrorIs(t, err, logical.ErrPrincipalNotFound)
}

func TestClient_ServerError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusInternalServerError)
	}))
	t.Cleanup(server.Close)

	client := testClient(t, server.URL)

	// A 5xx is a transport-level failure, never "not found" or "inactive".
	_, err := client.Find(context.Background(), "alice")
	assert.ErrorIs(t, err, logical.ErrAuthUnavailable)

	_, err = client.IsActive(context.Background(), "alice")
	assert.ErrorIs(t, err, logical.ErrAuthUnavailable)
}

func TestClient_Unreachable(t *testing.T) {
	server := testDirectoryServer(t)
	address := server.URL
	server.Close()

	client := testClient(t, address)

	_, err := client.Find(context.Background(), "alice")
	assert.ErrorIs(t, err, logical.ErrAuthUnavailable)
}

func TestClient_Retries(t *testing.T) {
	var calls int
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusBadGateway)
			return
		}
		json.NewEncoder(w).Encode(true)
	}))
	t.Cleanup(server.Close)

	client, err := NewClient(&Config{
		Address:    server.URL,
		Timeout:    2 * time.Second,
		MaxRetries: 2,
		Logger:     testLogger(),
	})
	require.NoError(t, err)

	active, err := client.IsActive(context.Background(), "alice")
	require.NoError(t, err)
	assert.True(t, active)
	assert.Equal(t, 2, calls)
}

func TestNewClient_Validation(t *testing.T) {
	_, err := NewClient(&Config{})
	assert.Error(t, err)
}
