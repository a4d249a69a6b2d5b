package http

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/hashicorp/go-secure-stdlib/strutil"

	"github.com/stephnangue/grantor/grant"
	"github.com/stephnangue/grantor/helper"
	"github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/logical"
	"github.com/stephnangue/grantor/token"
)

// TokenResponse is the body returned by the token endpoint.
type TokenResponse struct {
	AccessToken  string `json:"access_token"`
	TokenType    string `json:"token_type"`
	RefreshToken string `json:"refresh_token,omitempty"`
	ExpiresIn    int64  `json:"expires_in"`
	Scope        string `json:"scope,omitempty"`
}

func handleToken(props *HandlerProperties, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if err := r.ParseForm(); err != nil {
			respondError(w, http.StatusBadRequest, "malformed request body")
			return
		}

		ctx := r.Context()

		clientID, secret := clientCredentials(r)
		if clientID == "" {
			respondError(w, http.StatusUnauthorized, "client authentication required")
			return
		}

		client, err := props.Clients.Authenticate(ctx, clientID, secret)
		if err != nil {
			if errors.Is(err, logical.ErrStorageUnavailable) {
				respondWithError(w, err)
				return
			}
			log.Debug("client authentication failed", logger.String("client_id", clientID))
			respondError(w, http.StatusUnauthorized, "invalid client credentials")
			return
		}

		grantType := r.PostFormValue("grant_type")
		if grantType == "" {
			respondError(w, http.StatusBadRequest, "grant_type is required")
			return
		}
		if !client.AllowsGrantType(grantType) {
			respondError(w, http.StatusBadRequest, "client is not authorized for this grant type")
			return
		}

		scopes := strutil.ParseDedupAndSortStrings(r.PostFormValue("scope"), " ")
		for _, scope := range scopes {
			if !client.AllowsScope(scope) {
				respondError(w, http.StatusBadRequest, "client is not authorized for requested scope")
				return
			}
		}
		// A refresh request with no scope field keeps the scopes of the
		// original grant, so only other grant types default to the
		// client's configured list.
		if len(scopes) == 0 && grantType != grant.TypeRefreshToken {
			scopes = client.Scopes
		}

		params := make(map[string]string, len(r.PostForm))
		for key, values := range r.PostForm {
			if len(values) > 0 {
				params[key] = values[0]
			}
		}

		log.Debug("processing token request",
			logger.String("client_id", client.ClientID),
			logger.String("grant_type", grantType),
			logger.Any("parameters", helper.GetMapKeys(params)))

		authn, err := props.Granter.Grant(ctx, &grant.TokenRequest{
			ClientID:   client.ClientID,
			GrantType:  grantType,
			Scopes:     scopes,
			Parameters: params,
			ClientIP:   remoteIP(r),
		})
		if err != nil {
			log.Debug("grant failed",
				logger.String("client_id", client.ClientID),
				logger.String("grant_type", grantType),
				logger.Err(err))
			respondWithError(w, err)
			return
		}

		opts := token.IssueOptions{
			AccessTokenValidity: time.Duration(client.AccessTokenValidity) * time.Second,
			ClientIP:            remoteIP(r),
		}
		if client.AllowsGrantType(grant.TypeRefreshToken) {
			opts.RefreshTokenValidity = time.Duration(client.RefreshTokenValidity) * time.Second
		}

		record, err := props.Store.Issue(ctx, authn, opts)
		if err != nil {
			respondWithError(w, err)
			return
		}

		respondJSON(w, http.StatusOK, &TokenResponse{
			AccessToken:  record.TokenValue,
			TokenType:    "bearer",
			RefreshToken: record.RefreshToken,
			ExpiresIn:    int64(time.Until(record.ExpiresAt).Seconds()),
			Scope:        strings.Join(authn.Scopes, " "),
		})
	}
}

// clientCredentials reads the client id and secret from HTTP basic auth,
// falling back to form parameters.
func clientCredentials(r *http.Request) (string, string) {
	if id, secret, ok := r.BasicAuth(); ok {
		return id, secret
	}
	return r.PostFormValue("client_id"), r.PostFormValue("client_secret")
}
