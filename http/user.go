package http

import (
	"net/http"
	"time"

	"github.com/stephnangue/grantor/auth"
	"github.com/stephnangue/grantor/logger"
)

// CurrentUserResponse is the introspection body for a live token.
type CurrentUserResponse struct {
	UserID      int64    `json:"userId,omitempty"`
	Username    string   `json:"username,omitempty"`
	Name        string   `json:"name,omitempty"`
	Authorities []string `json:"authorities,omitempty"`
	ClientID    string   `json:"clientId"`
	Scope       []string `json:"scope,omitempty"`
}

func handleCurrentUser(props *HandlerProperties, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value := bearerToken(r)
		if value == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		record, err := props.Store.ReadAccessToken(r.Context(), value)
		if err != nil {
			respondWithError(w, err)
			return
		}
		if record.Expired(time.Now()) {
			respondError(w, http.StatusUnauthorized, "token expired")
			return
		}

		authn, err := auth.Deserialize(record.Authentication)
		if err != nil {
			respondWithError(w, err)
			return
		}

		resp := &CurrentUserResponse{
			ClientID: authn.ClientID,
			Scope:    authn.Scopes,
		}
		if authn.Principal != nil {
			resp.UserID = authn.Principal.ID
			resp.Username = authn.Principal.Username
			resp.Name = authn.Principal.Name
			resp.Authorities = authn.Principal.Authorities()
		}

		respondJSON(w, http.StatusOK, resp)
	}
}

func handleRevokeToken(props *HandlerProperties, log logger.Logger) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		value := bearerToken(r)
		if value == "" {
			respondError(w, http.StatusUnauthorized, "missing bearer token")
			return
		}

		ctx := r.Context()

		record, err := props.Store.ReadAccessToken(ctx, value)
		if err != nil {
			respondWithError(w, err)
			return
		}

		// Client-only tokens carry no username, so only the presented
		// token can be removed. User tokens terminate the whole session.
		if record.Username == "" {
			if err := props.Store.RemoveAccessToken(ctx, value); err != nil {
				respondWithError(w, err)
				return
			}
		} else {
			if err := props.Store.DeleteByUsername(ctx, record.Username); err != nil {
				respondWithError(w, err)
				return
			}
		}

		log.Debug("tokens revoked", logger.String("username", record.Username))
		w.WriteHeader(http.StatusNoContent)
	}
}
