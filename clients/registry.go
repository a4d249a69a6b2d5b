package clients

import (
	"context"
	"encoding/json"
	"fmt"

	multierror "github.com/hashicorp/go-multierror"
	"golang.org/x/crypto/bcrypt"

	"github.com/stephnangue/grantor/helper"
	"github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/logical"
	"github.com/stephnangue/grantor/physical"
)

const storagePrefix = "clients/"

// Registry resolves client ids to their registered configuration. The
// read path is the only one used at request time; Bootstrap runs once at
// startup.
type Registry struct {
	storage physical.Storage
	logger  logger.Logger
}

// NewRegistry creates a client registry over the given storage
func NewRegistry(storage physical.Storage, log logger.Logger) *Registry {
	return &Registry{
		storage: storage,
		logger:  log.WithSubsystem("clients"),
	}
}

// Resolve loads a client by its id
func (r *Registry) Resolve(ctx context.Context, clientID string) (*Client, error) {
	if clientID == "" {
		return nil, logical.ErrClientNotFound
	}

	entry, err := r.storage.Get(ctx, storagePrefix+clientID)
	if err != nil {
		r.logger.Error("client lookup failed",
			logger.String("client_id", clientID),
			logger.Err(err))
		return nil, fmt.Errorf("%w: %v", logical.ErrStorageUnavailable, err)
	}
	if entry == nil {
		return nil, logical.ErrClientNotFound
	}

	var client Client
	if err := json.Unmarshal(entry.Value, &client); err != nil {
		return nil, fmt.Errorf("%w: corrupt client record: %v", logical.ErrStorageUnavailable, err)
	}
	return &client, nil
}

// Authenticate resolves the client and verifies its secret
func (r *Registry) Authenticate(ctx context.Context, clientID, secret string) (*Client, error) {
	client, err := r.Resolve(ctx, clientID)
	if err != nil {
		return nil, err
	}
	if err := bcrypt.CompareHashAndPassword([]byte(client.SecretHash), []byte(secret)); err != nil {
		r.logger.Debug("client secret mismatch", logger.String("client_id", clientID))
		return nil, logical.ErrInvalidCredentials
	}
	return client, nil
}

// BootstrapClient describes a client to be created at startup if absent
type BootstrapClient struct {
	ClientID             string
	Secret               string
	GrantTypes           []string
	Scopes               []string
	AccessTokenValidity  int
	RefreshTokenValidity int
}

// Bootstrap creates each listed client unless a client with the same id
// already exists. Existing clients are never overwritten.
func (r *Registry) Bootstrap(ctx context.Context, seeds []BootstrapClient) error {
	var result *multierror.Error

	for _, seed := range seeds {
		if err := r.bootstrapOne(ctx, seed); err != nil {
			result = multierror.Append(result, fmt.Errorf("client %q: %w", seed.ClientID, err))
		}
	}

	return result.ErrorOrNil()
}

func (r *Registry) bootstrapOne(ctx context.Context, seed BootstrapClient) error {
	existing, err := r.storage.Get(ctx, storagePrefix+seed.ClientID)
	if err != nil {
		return fmt.Errorf("%w: %v", logical.ErrStorageUnavailable, err)
	}
	if existing != nil {
		return nil
	}

	secret := seed.Secret
	if secret == "" {
		secret = helper.GenerateSecret(32)
		r.logger.Warn("no secret configured, generated one",
			logger.String("client_id", seed.ClientID),
			logger.String("secret", secret))
	}

	hash, err := bcrypt.GenerateFromPassword([]byte(secret), bcrypt.DefaultCost)
	if err != nil {
		return err
	}

	client := &Client{
		ClientID:             seed.ClientID,
		SecretHash:           string(hash),
		GrantTypes:           seed.GrantTypes,
		Scopes:               seed.Scopes,
		AccessTokenValidity:  seed.AccessTokenValidity,
		RefreshTokenValidity: seed.RefreshTokenValidity,
	}

	raw, err := json.Marshal(client)
	if err != nil {
		return err
	}

	if err := r.storage.Put(ctx, &physical.Entry{
		Key:   storagePrefix + seed.ClientID,
		Value: raw,
	}); err != nil {
		return fmt.Errorf("%w: %v", logical.ErrStorageUnavailable, err)
	}

	r.logger.Info("bootstrapped client",
		logger.String("client_id", seed.ClientID),
		logger.Any("grant_types", seed.GrantTypes))
	return nil
}
