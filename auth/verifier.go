package auth

import (
	"context"
	"errors"

	"golang.org/x/crypto/bcrypt"

	"github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/logical"
)

// Directory is the synchronous interface to the external user directory.
// Transport-level failures are surfaced as logical.ErrAuthUnavailable by
// implementations, never as "inactive" or "not found".
type Directory interface {
	Find(ctx context.Context, username string) (*Principal, error)
	IsActive(ctx context.Context, username string) (bool, error)
}

// Verifier validates username/password pairs against the user directory.
type Verifier struct {
	directory Directory
	logger    logger.Logger
}

// NewVerifier creates a credential verifier backed by the given directory.
func NewVerifier(directory Directory, log logger.Logger) *Verifier {
	return &Verifier{
		directory: directory,
		logger:    log.WithSubsystem("verifier"),
	}
}

// Verify checks the password against the principal's stored hash. A match
// with an inactive principal still fails: deactivation beats credentials.
func (v *Verifier) Verify(ctx context.Context, username, password string) (*Principal, error) {
	principal, err := v.directory.Find(ctx, username)
	if err != nil {
		if errors.Is(err, logical.ErrPrincipalNotFound) {
			v.logger.Debug("principal not found", logger.String("username", username))
			// Do not reveal whether the username exists.
			return nil, logical.ErrInvalidCredentials
		}
		return nil, err
	}

	if err := bcrypt.CompareHashAndPassword([]byte(principal.Password), []byte(password)); err != nil {
		v.logger.Debug("password mismatch", logger.String("username", username))
		return nil, logical.ErrInvalidCredentials
	}

	if !principal.Active {
		v.logger.Warn("authentication attempt by inactive principal",
			logger.String("username", username))
		return nil, logical.ErrPrincipalInactive
	}

	return principal, nil
}

// CheckActive re-runs the active check against the directory. Token-store
// operations that dereference a stored principal call this on every use; a
// principal can be deactivated after tokens were issued.
func (v *Verifier) CheckActive(ctx context.Context, username string) error {
	active, err := v.directory.IsActive(ctx, username)
	if err != nil {
		return err
	}
	if !active {
		return logical.ErrPrincipalInactive
	}
	return nil
}
