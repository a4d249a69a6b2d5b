// Copyright (c) 2024 Grantor Project
// SPDX-License-Identifier: MPL-2.0

package logical

import (
	"errors"
	"fmt"
	"net/http"
)

var (
	// ErrInvalidCredentials is returned when a password does not match the
	// principal's stored hash.
	ErrInvalidCredentials = errors.New("invalid credentials")

	// ErrPrincipalInactive is returned when a principal's active flag is
	// false. It is kept distinct from ErrInvalidCredentials so clients can
	// differentiate "wrong password" from "account disabled".
	ErrPrincipalInactive = errors.New("principal is not active")

	// ErrPrincipalNotFound is returned when the user directory has no
	// principal for the given username.
	ErrPrincipalNotFound = errors.New("principal not found")

	// ErrUnsupportedGrantType is returned when no granter matches the
	// declared grant type of a token request.
	ErrUnsupportedGrantType = errors.New("unsupported grant type")

	// ErrClientNotFound is returned when a client id cannot be resolved.
	ErrClientNotFound = errors.New("client not found")

	// ErrAuthUnavailable is returned when the upstream user directory is
	// unreachable or erroring. It is never folded into "inactive".
	ErrAuthUnavailable = errors.New("authentication service unavailable")

	// ErrStorageUnavailable is returned when the persistence layer fails.
	// The store never retries on its own; retry policy belongs to the caller.
	ErrStorageUnavailable = errors.New("storage unavailable")

	// ErrTokenNotFound is a typed "absent" result for token lookups. It is
	// usually not a server fault.
	ErrTokenNotFound = errors.New("token not found")
)

// CodedError is an error that carries an HTTP status code.
// This allows components to surface errors with appropriate status codes
// without relying on string matching.
type CodedError struct {
	Status  int
	Message string
	Err     error
}

// Error implements the error interface.
func (e *CodedError) Error() string {
	if e.Err != nil {
		return fmt.Sprintf("%s: %v", e.Message, e.Err)
	}
	return e.Message
}

// Unwrap returns the underlying error.
func (e *CodedError) Unwrap() error {
	return e.Err
}

// Code returns the HTTP status code.
func (e *CodedError) Code() int {
	return e.Status
}

// ErrBadRequest creates a 400 Bad Request error.
func ErrBadRequest(message string) *CodedError {
	return &CodedError{Status: http.StatusBadRequest, Message: message}
}

// GetErrorCode extracts the HTTP status code from an error. Sentinel errors
// from the token subsystem map to their client-facing or server-facing codes;
// anything unrecognized is a 500.
func GetErrorCode(err error) int {
	switch {
	case err == nil:
		return http.StatusOK
	case errors.Is(err, ErrInvalidCredentials),
		errors.Is(err, ErrPrincipalInactive),
		errors.Is(err, ErrTokenNotFound):
		return http.StatusUnauthorized
	case errors.Is(err, ErrUnsupportedGrantType),
		errors.Is(err, ErrClientNotFound),
		errors.Is(err, ErrPrincipalNotFound):
		return http.StatusBadRequest
	case errors.Is(err, ErrAuthUnavailable):
		return http.StatusBadGateway
	case errors.Is(err, ErrStorageUnavailable):
		return http.StatusServiceUnavailable
	}

	var coded *CodedError
	if errors.As(err, &coded) {
		return coded.Status
	}
	return http.StatusInternalServerError
}
