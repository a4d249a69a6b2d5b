package http

import (
	"encoding/json"
	"net"
	"net/http"
	"strings"

	"github.com/stephnangue/grantor/logical"
)

// ErrorResponse represents a JSON error response
type ErrorResponse struct {
	Errors []string `json:"errors"`
}

// respondError writes an error response with the given status code and message.
func respondError(w http.ResponseWriter, status int, message string) {
	respondJSON(w, status, &ErrorResponse{
		Errors: []string{message},
	})
}

// respondWithError maps the error to its HTTP status via the shared error
// taxonomy and writes it out.
func respondWithError(w http.ResponseWriter, err error) {
	respondError(w, logical.GetErrorCode(err), err.Error())
}

// respondJSON writes a JSON response with the given status code.
func respondJSON(w http.ResponseWriter, status int, body any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	if body != nil {
		enc := json.NewEncoder(w)
		_ = enc.Encode(body)
	}
}

// bearerToken extracts the bearer token from the Authorization header, or
// from the access_token query parameter as a fallback.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if len(header) > 7 && strings.EqualFold(header[:7], "Bearer ") {
		return strings.TrimSpace(header[7:])
	}
	return r.URL.Query().Get("access_token")
}

// remoteIP returns the caller's address without the port. The RealIP
// middleware has already resolved forwarding headers into RemoteAddr.
func remoteIP(r *http.Request) string {
	host, _, err := net.SplitHostPort(r.RemoteAddr)
	if err != nil {
		return r.RemoteAddr
	}
	return host
}
