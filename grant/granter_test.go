package grant

import (
	"context"
	"io"
	"testing"

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

type staticGranter struct {
	grantType string
	marker    string
}

func (g *staticGranter) GrantType() string {
	return g.grantType
}

func (g *staticGranter) Grant(ctx context.Context, req *TokenRequest) (*auth.Authentication, error) {
	return &auth.Authentication{
		ClientID:   req.ClientID,
		GrantType:  g.grantType,
		Parameters: map[string]string{"handled_by": g.marker},
	}, nil
}

func TestCompositeGranter_Dispatch(t *testing.T) {
	composite := NewCompositeGranter(testLogger())
	composite.Register(&staticGranter{grantType: TypePassword, marker: "pw"})
	composite.Register(&staticGranter{grantType: TypeSign, marker: "sign"})

	authn, err := composite.Grant(context.Background(), &TokenRequest{
		ClientID:  "default",
		GrantType: TypeSign,
	})
	require.NoError(t, err)
	assert.Equal(t, "sign", authn.Parameters["handled_by"])
}

func TestCompositeGranter_FirstRegisteredWins(t *testing.T) {
	composite := NewCompositeGranter(testLogger())
	composite.Register(&staticGranter{grantType: TypePassword, marker: "first"})
	composite.Register(&staticGranter{grantType: TypePassword, marker: "second"})

	authn, err := composite.Grant(context.Background(), &TokenRequest{
		ClientID:  "default",
		GrantType: TypePassword,
	})
	require.NoError(t, err)
	assert.Equal(t, "first", authn.Parameters["handled_by"])
}

func TestCompositeGranter_UnsupportedGrantType(t *testing.T) {
	composite := NewCompositeGranter(testLogger())
	composite.Register(&staticGranter{grantType: TypePassword, marker: "pw"})

	_, err := composite.Grant(context.Background(), &TokenRequest{
		ClientID:  "default",
		GrantType: "client_credentials",
	})
	assert.ErrorIs(t, err, logical.ErrUnsupportedGrantType)

	// An empty dispatcher rejects everything.
	empty := NewCompositeGranter(testLogger())
	_, err = empty.Grant(context.Background(), &TokenRequest{GrantType: TypePassword})
	assert.ErrorIs(t, err, logical.ErrUnsupportedGrantType)
}

func TestCompositeGranter_GrantTypes(t *testing.T) {
	composite := NewCompositeGranter(testLogger())
	composite.Register(&staticGranter{grantType: TypeRefreshToken})
	composite.Register(&staticGranter{grantType: TypePassword})

	assert.Equal(t, []string{TypeRefreshToken, TypePassword}, composite.GrantTypes())
}
