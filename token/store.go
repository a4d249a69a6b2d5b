package token

import (
	"context"
	"encoding/json"
	"fmt"
	"time"

	multierror "github.com/hashicorp/go-multierror"

	"github.com/stephnangue/grantor/auth"
	"github.com/stephnangue/grantor/helper"
	"github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/logical"
	"github.com/stephnangue/grantor/physical"
)

const (
	accessPrefix       = "oauth/access/"
	refreshPrefix      = "oauth/refresh/"
	authIndexPrefix    = "oauth/index/auth/"
	refreshIndexPrefix = "oauth/index/refresh/"
	clientIndexPrefix  = "oauth/index/client/"
	userIndexPrefix    = "oauth/index/user/"
)

// ActivityChecker re-validates that a principal is still active. The check
// runs on every store operation that dereferences a stored principal, not
// only at login.
type ActivityChecker interface {
	CheckActive(ctx context.Context, username string) error
}

// StoreConfig holds configuration for the token store
type StoreConfig struct {
	// CacheEnabled turns on the read-through record cache
	CacheEnabled bool

	// CacheMaxCost is the maximum cost of cache (in bytes, roughly)
	CacheMaxCost int64

	// CacheNumCounters is the number of keys to track frequency
	CacheNumCounters int64

	// EnableMetrics enables collection of operational metrics
	EnableMetrics bool
}

// DefaultStoreConfig returns a production-ready default configuration
func DefaultStoreConfig() *StoreConfig {
	return &StoreConfig{
		CacheEnabled:     true,
		CacheMaxCost:     50 << 20, // 50 MB
		CacheNumCounters: 1e6,
		EnableMetrics:    true,
	}
}

// IssueOptions carries per-issuance parameters resolved by the caller:
// the client's configured lifetimes and the request metadata. ClientIP is
// best-effort; an absent request context never fails issuance.
type IssueOptions struct {
	AccessTokenValidity  time.Duration
	RefreshTokenValidity time.Duration
	ClientIP             string
}

// Store creates, looks up, refreshes and revokes access and refresh
// tokens over a physical storage backend. It holds no cross-call mutable
// state beyond the lock shards and the read cache; the backend is the only
// shared resource. All methods may block on storage and on the directory
// call behind the ActivityChecker.
type Store struct {
	storage physical.Storage
	checker ActivityChecker
	keygen  AuthenticationKeyGenerator
	locks   []*physical.LockEntry
	cache   *recordCache
	config  *StoreConfig
	logger  logger.Logger
	metrics *Metrics
	timeNow func() time.Time
}

// NewStore creates a token store over the given storage backend
func NewStore(storage physical.Storage, checker ActivityChecker, log logger.Logger, config *StoreConfig) (*Store, error) {
	if config == nil {
		config = DefaultStoreConfig()
	}

	store := &Store{
		storage: storage,
		checker: checker,
		locks:   physical.CreateLocks(),
		config:  config,
		logger:  log.WithSubsystem("token_store"),
		metrics: &Metrics{},
		timeNow: time.Now,
	}

	if config.CacheEnabled {
		cache, err := newRecordCache(config.CacheNumCounters, config.CacheMaxCost)
		if err != nil {
			return nil, err
		}
		store.cache = cache
	}

	store.logger.Info("token store initialized",
		logger.Bool("cache_enabled", config.CacheEnabled),
		logger.Bool("metrics_enabled", config.EnableMetrics))

	return store, nil
}

// Issue creates or reuses an access token for the given authentication.
// It behaves as if executed under a per-authentication-key critical
// section: concurrent calls for the same key can never both insert.
func (s *Store) Issue(ctx context.Context, authn *auth.Authentication, opts IssueOptions) (*AccessTokenRecord, error) {
	if authn == nil {
		return nil, fmt.Errorf("authentication cannot be nil")
	}

	authID := s.keygen.ExtractKey(authn)

	lock := physical.LockForKey(s.locks, authID)
	lock.Lock()
	defer lock.Unlock()

	// Deactivation beats any previously issued token.
	if !authn.IsClientOnly() {
		if err := s.checker.CheckActive(ctx, authn.Username()); err != nil {
			return nil, err
		}
	}

	existing, err := s.getByAuthenticationID(ctx, authID)
	if err != nil {
		return nil, err
	}

	now := s.timeNow()

	if existing != nil {
		if !existing.Expired(now) {
			// Idempotent re-issuance: same record, same token value.
			existing.ModifiedAt = now
			if err := s.putAccessRecord(ctx, existing); err != nil {
				return nil, err
			}
			if s.config.EnableMetrics {
				s.metrics.IncrementTokensReused()
			}
			return existing, nil
		}
		return s.replaceExpired(ctx, existing, authID, now, opts)
	}

	return s.createRecord(ctx, authn, authID, now, opts)
}

// replaceExpired mutates the record in place with fresh token and refresh
// values. The authentication-key row survives: no duplicate is created and
// CreatedAt is preserved.
func (s *Store) replaceExpired(ctx context.Context, record *AccessTokenRecord, authID string, now time.Time, opts IssueOptions) (*AccessTokenRecord, error) {
	oldTokenID := record.TokenID

	if err := s.storageDelete(ctx, accessPrefix+oldTokenID); err != nil {
		return nil, err
	}
	if err := s.deleteSecondaryIndexes(ctx, record); err != nil {
		return nil, err
	}
	if s.cache != nil {
		s.cache.invalidate(oldTokenID)
	}

	record.TokenValue = helper.GenerateTokenValue()
	record.TokenID = ExtractKey(record.TokenValue)
	record.ExpiresAt = now.Add(opts.AccessTokenValidity)
	record.ModifiedAt = now
	record.RefreshToken = ""

	if opts.RefreshTokenValidity > 0 {
		record.RefreshToken = helper.GenerateTokenValue()
	}

	if err := s.putAccessRecordWithIndexes(ctx, record); err != nil {
		return nil, err
	}

	if record.RefreshToken != "" {
		if err := s.storeRefreshRecord(ctx, record.RefreshToken, record.Authentication, now.Add(opts.RefreshTokenValidity)); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("replaced expired access token",
		logger.String("client_id", record.ClientID),
		logger.String("authentication_id", authID))

	if s.config.EnableMetrics {
		s.metrics.IncrementTokensReplaced()
	}
	return record, nil
}

func (s *Store) createRecord(ctx context.Context, authn *auth.Authentication, authID string, now time.Time, opts IssueOptions) (*AccessTokenRecord, error) {
	serialized, err := auth.Serialize(authn)
	if err != nil {
		return nil, err
	}

	value := helper.GenerateTokenValue()

	record := &AccessTokenRecord{
		TokenID:          ExtractKey(value),
		AuthenticationID: authID,
		Authentication:   serialized,
		TokenValue:       value,
		ExpiresAt:        now.Add(opts.AccessTokenValidity),
		ClientID:         authn.ClientID,
		Username:         authn.Username(),
		ClientIP:         opts.ClientIP,
		CreatedAt:        now,
		ModifiedAt:       now,
	}

	if opts.RefreshTokenValidity > 0 {
		record.RefreshToken = helper.GenerateTokenValue()
	}

	if err := s.putAccessRecordWithIndexes(ctx, record); err != nil {
		return nil, err
	}

	if record.RefreshToken != "" {
		if err := s.storeRefreshRecord(ctx, record.RefreshToken, serialized, now.Add(opts.RefreshTokenValidity)); err != nil {
			return nil, err
		}
	}

	s.logger.Debug("issued access token",
		logger.String("client_id", record.ClientID),
		logger.String("authentication_id", authID))

	if s.config.EnableMetrics {
		s.metrics.IncrementTokensIssued()
	}
	return record, nil
}

// ReadAccessToken returns the record for a presented bearer token. The
// modification timestamp is touched as a side effect of reads; it feeds
// idle-token telemetry.
func (s *Store) ReadAccessToken(ctx context.Context, tokenValue string) (*AccessTokenRecord, error) {
	key := ExtractKey(tokenValue)
	if key == "" {
		return nil, logical.ErrTokenNotFound
	}

	var record *AccessTokenRecord
	if s.cache != nil {
		if record = s.cache.get(key); record != nil {
			if s.config.EnableMetrics {
				s.metrics.IncrementCacheHits()
			}
		} else if s.config.EnableMetrics {
			s.metrics.IncrementCacheMisses()
		}
	}

	if record == nil {
		var err error
		record, err = s.getByTokenID(ctx, key)
		if err != nil {
			return nil, err
		}
		if record == nil {
			return nil, logical.ErrTokenNotFound
		}
	}

	// Touching ModifiedAt re-persists the record body, so the write pairs
	// with the revocation lock and runs only while the record still exists,
	// otherwise a cached read racing RemoveAccessToken could write a
	// revoked token back.
	lock := physical.LockForKey(s.locks, record.AuthenticationID)
	lock.Lock()
	entry, err := s.storageGet(ctx, accessPrefix+key)
	if err == nil && entry == nil {
		if s.cache != nil {
			s.cache.invalidate(key)
		}
		err = logical.ErrTokenNotFound
	}
	if err == nil {
		record.ModifiedAt = s.timeNow()
		err = s.putAccessRecord(ctx, record)
	}
	lock.Unlock()
	if err != nil {
		return nil, err
	}

	if record.Username != "" {
		if err := s.checker.CheckActive(ctx, record.Username); err != nil {
			return nil, err
		}
	}

	return record, nil
}

// ReadAuthentication returns the deserialized authentication context of a
// presented bearer token.
func (s *Store) ReadAuthentication(ctx context.Context, tokenValue string) (*auth.Authentication, error) {
	record, err := s.ReadAccessToken(ctx, tokenValue)
	if err != nil {
		return nil, err
	}
	return auth.Deserialize(record.Authentication)
}

// RemoveAccessToken deletes the record for the given token value. Removing
// an absent token is not an error. The paired refresh token survives.
func (s *Store) RemoveAccessToken(ctx context.Context, tokenValue string) error {
	key := ExtractKey(tokenValue)
	if key == "" {
		return nil
	}

	record, err := s.getByTokenID(ctx, key)
	if err != nil {
		return err
	}
	if record == nil {
		return nil
	}

	lock := physical.LockForKey(s.locks, record.AuthenticationID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.deleteAccessRecord(ctx, record); err != nil {
		return err
	}

	if s.config.EnableMetrics {
		s.metrics.IncrementTokensRevoked()
	}
	return nil
}

// StoreRefreshToken persists a refresh token with its authentication
// context. The refresh keyspace is independently addressable from the
// access keyspace.
func (s *Store) StoreRefreshToken(ctx context.Context, authn *auth.Authentication, tokenValue string, expiresAt time.Time) error {
	serialized, err := auth.Serialize(authn)
	if err != nil {
		return err
	}
	return s.storeRefreshRecord(ctx, tokenValue, serialized, expiresAt)
}

// ReadRefreshToken returns the refresh record for the given raw value.
func (s *Store) ReadRefreshToken(ctx context.Context, tokenValue string) (*RefreshTokenRecord, error) {
	key := ExtractKey(tokenValue)
	if key == "" {
		return nil, logical.ErrTokenNotFound
	}

	entry, err := s.storageGet(ctx, refreshPrefix+key)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, logical.ErrTokenNotFound
	}

	var record RefreshTokenRecord
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("%w: corrupt refresh record: %v", logical.ErrStorageUnavailable, err)
	}
	return &record, nil
}

// RemoveRefreshToken deletes the refresh record for the given raw value.
// Idempotent; the paired access token is untouched.
func (s *Store) RemoveRefreshToken(ctx context.Context, tokenValue string) error {
	key := ExtractKey(tokenValue)
	if key == "" {
		return nil
	}
	return s.storageDelete(ctx, refreshPrefix+key)
}

// RemoveAccessTokenByRefreshToken deletes the access record whose embedded
// refresh token equals the given raw value. Refresh tokens are embedded by
// value inside the access record, so this is a value match, not a derived
// key lookup.
func (s *Store) RemoveAccessTokenByRefreshToken(ctx context.Context, refreshValue string) error {
	if refreshValue == "" {
		return nil
	}

	idxKey := refreshIndexPrefix + ExtractKey(refreshValue)
	entry, err := s.storageGet(ctx, idxKey)
	if err != nil {
		return err
	}
	if entry == nil {
		return nil
	}

	record, err := s.getByTokenID(ctx, string(entry.Value))
	if err != nil {
		return err
	}
	if record == nil || record.RefreshToken != refreshValue {
		// Stale index entry; drop it.
		return s.storageDelete(ctx, idxKey)
	}

	lock := physical.LockForKey(s.locks, record.AuthenticationID)
	lock.Lock()
	defer lock.Unlock()

	if err := s.deleteAccessRecord(ctx, record); err != nil {
		return err
	}
	if s.config.EnableMetrics {
		s.metrics.IncrementTokensRevoked()
	}
	return nil
}

// GetAccessToken looks up the record for a live authentication and repairs
// key-derivation drift: when the key re-derived from the record's own
// stored context disagrees with the live key, the stale record is deleted
// and the token reissued under the live authentication. The principal's
// activity is re-checked before the delete and again before returning.
func (s *Store) GetAccessToken(ctx context.Context, authn *auth.Authentication) (*AccessTokenRecord, error) {
	if authn == nil {
		return nil, logical.ErrTokenNotFound
	}

	authID := s.keygen.ExtractKey(authn)

	lock := physical.LockForKey(s.locks, authID)
	lock.Lock()
	defer lock.Unlock()

	record, err := s.getByAuthenticationID(ctx, authID)
	if err != nil {
		return nil, err
	}
	if record == nil {
		return nil, logical.ErrTokenNotFound
	}

	stored, err := auth.Deserialize(record.Authentication)
	if err != nil {
		return nil, err
	}

	if record.TokenValue != "" && authID != s.keygen.ExtractKey(stored) {
		// Drift between the stored context and the live one. Check the
		// principal is still active before the delete+reissue.
		if record.Username != "" {
			if err := s.checker.CheckActive(ctx, record.Username); err != nil {
				return nil, err
			}
		}

		if err := s.deleteAccessRecord(ctx, record); err != nil {
			return nil, err
		}

		serialized, err := auth.Serialize(authn)
		if err != nil {
			return nil, err
		}

		// The raw token and refresh values survive the repair; only the
		// authentication binding is rewritten.
		record = &AccessTokenRecord{
			TokenID:          record.TokenID,
			AuthenticationID: authID,
			Authentication:   serialized,
			TokenValue:       record.TokenValue,
			ExpiresAt:        record.ExpiresAt,
			RefreshToken:     record.RefreshToken,
			ClientID:         authn.ClientID,
			Username:         authn.Username(),
			ClientIP:         record.ClientIP,
			CreatedAt:        record.CreatedAt,
			ModifiedAt:       s.timeNow(),
		}
		if err := s.putAccessRecordWithIndexes(ctx, record); err != nil {
			return nil, err
		}

		s.logger.Warn("repaired authentication key drift",
			logger.String("client_id", record.ClientID),
			logger.String("authentication_id", authID))

		if s.config.EnableMetrics {
			s.metrics.IncrementSelfHeals()
		}
	}

	if record.Username != "" {
		if err := s.checker.CheckActive(ctx, record.Username); err != nil {
			return nil, err
		}
	}

	record.ModifiedAt = s.timeNow()
	if err := s.putAccessRecord(ctx, record); err != nil {
		return nil, err
	}

	return record, nil
}

// FindByClientAndUser returns all live records issued to a username
// through a client. Records with no live token value are excluded.
func (s *Store) FindByClientAndUser(ctx context.Context, clientID, username string) ([]*AccessTokenRecord, error) {
	records, err := s.collectByIndex(ctx, userIndexPrefix+username+"/")
	if err != nil {
		return nil, err
	}

	matched := records[:0]
	for _, record := range records {
		if record.ClientID == clientID {
			matched = append(matched, record)
		}
	}
	return matched, nil
}

// FindByClient returns all live records issued through a client.
func (s *Store) FindByClient(ctx context.Context, clientID string) ([]*AccessTokenRecord, error) {
	return s.collectByIndex(ctx, clientIndexPrefix+clientID+"/")
}

// DeleteByUsername removes every access record belonging to a username.
// Used for bulk session termination, e.g. when a principal is deleted
// upstream.
func (s *Store) DeleteByUsername(ctx context.Context, username string) error {
	records, err := s.collectByIndex(ctx, userIndexPrefix+username+"/")
	if err != nil {
		return err
	}

	var result *multierror.Error
	for _, record := range records {
		lock := physical.LockForKey(s.locks, record.AuthenticationID)
		lock.Lock()
		err := s.deleteAccessRecord(ctx, record)
		lock.Unlock()
		if err != nil {
			result = multierror.Append(result, err)
			continue
		}
		if s.config.EnableMetrics {
			s.metrics.IncrementTokensRevoked()
		}
	}
	return result.ErrorOrNil()
}

// GetMetrics returns a snapshot of current metrics
func (s *Store) GetMetrics() map[string]int64 {
	if !s.config.EnableMetrics {
		return nil
	}
	return s.metrics.GetSnapshot()
}

// Close releases the record cache
func (s *Store) Close() {
	if s.cache != nil {
		s.cache.close()
	}
}

//
// Internal plumbing
//

func (s *Store) getByAuthenticationID(ctx context.Context, authID string) (*AccessTokenRecord, error) {
	entry, err := s.storageGet(ctx, authIndexPrefix+authID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}
	return s.getByTokenID(ctx, string(entry.Value))
}

func (s *Store) getByTokenID(ctx context.Context, tokenID string) (*AccessTokenRecord, error) {
	entry, err := s.storageGet(ctx, accessPrefix+tokenID)
	if err != nil {
		return nil, err
	}
	if entry == nil {
		return nil, nil
	}

	var record AccessTokenRecord
	if err := json.Unmarshal(entry.Value, &record); err != nil {
		return nil, fmt.Errorf("%w: corrupt access record: %v", logical.ErrStorageUnavailable, err)
	}
	return &record, nil
}

// putAccessRecord persists the record body only; the indexes are unchanged.
func (s *Store) putAccessRecord(ctx context.Context, record *AccessTokenRecord) error {
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	if err := s.storagePut(ctx, accessPrefix+record.TokenID, raw); err != nil {
		return err
	}
	if s.cache != nil {
		s.cache.set(record)
	}
	return nil
}

func (s *Store) putAccessRecordWithIndexes(ctx context.Context, record *AccessTokenRecord) error {
	if err := s.putAccessRecord(ctx, record); err != nil {
		return err
	}

	if err := s.storagePut(ctx, authIndexPrefix+record.AuthenticationID, []byte(record.TokenID)); err != nil {
		return err
	}
	if record.RefreshToken != "" {
		if err := s.storagePut(ctx, refreshIndexPrefix+ExtractKey(record.RefreshToken), []byte(record.TokenID)); err != nil {
			return err
		}
	}
	if err := s.storagePut(ctx, clientIndexPrefix+record.ClientID+"/"+record.TokenID, nil); err != nil {
		return err
	}
	if record.Username != "" {
		if err := s.storagePut(ctx, userIndexPrefix+record.Username+"/"+record.TokenID, nil); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) deleteAccessRecord(ctx context.Context, record *AccessTokenRecord) error {
	if err := s.storageDelete(ctx, accessPrefix+record.TokenID); err != nil {
		return err
	}

	// Only drop the authentication index if it still points at this
	// record; a concurrent reissue may already have claimed it.
	entry, err := s.storageGet(ctx, authIndexPrefix+record.AuthenticationID)
	if err != nil {
		return err
	}
	if entry != nil && string(entry.Value) == record.TokenID {
		if err := s.storageDelete(ctx, authIndexPrefix+record.AuthenticationID); err != nil {
			return err
		}
	}

	if err := s.deleteSecondaryIndexes(ctx, record); err != nil {
		return err
	}

	if s.cache != nil {
		s.cache.invalidate(record.TokenID)
	}
	return nil
}

func (s *Store) deleteSecondaryIndexes(ctx context.Context, record *AccessTokenRecord) error {
	if record.RefreshToken != "" {
		if err := s.storageDelete(ctx, refreshIndexPrefix+ExtractKey(record.RefreshToken)); err != nil {
			return err
		}
	}
	if err := s.storageDelete(ctx, clientIndexPrefix+record.ClientID+"/"+record.TokenID); err != nil {
		return err
	}
	if record.Username != "" {
		if err := s.storageDelete(ctx, userIndexPrefix+record.Username+"/"+record.TokenID); err != nil {
			return err
		}
	}
	return nil
}

func (s *Store) storeRefreshRecord(ctx context.Context, tokenValue, serializedAuthn string, expiresAt time.Time) error {
	record := &RefreshTokenRecord{
		TokenID:        ExtractKey(tokenValue),
		TokenValue:     tokenValue,
		Authentication: serializedAuthn,
		ExpiresAt:      expiresAt,
	}
	raw, err := json.Marshal(record)
	if err != nil {
		return err
	}
	return s.storagePut(ctx, refreshPrefix+record.TokenID, raw)
}

func (s *Store) collectByIndex(ctx context.Context, prefix string) ([]*AccessTokenRecord, error) {
	tokenIDs, err := s.storageList(ctx, prefix)
	if err != nil {
		return nil, err
	}

	records := make([]*AccessTokenRecord, 0, len(tokenIDs))
	for _, tokenID := range tokenIDs {
		record, err := s.getByTokenID(ctx, tokenID)
		if err != nil {
			return nil, err
		}
		if record == nil || record.TokenValue == "" {
			continue
		}
		records = append(records, record)
	}
	return records, nil
}

func (s *Store) storageGet(ctx context.Context, key string) (*physical.Entry, error) {
	entry, err := s.storage.Get(ctx, key)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", logical.ErrStorageUnavailable, err)
	}
	return entry, nil
}

func (s *Store) storagePut(ctx context.Context, key string, value []byte) error {
	if err := s.storage.Put(ctx, &physical.Entry{Key: key, Value: value}); err != nil {
		return fmt.Errorf("%w: %v", logical.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) storageDelete(ctx context.Context, key string) error {
	if err := s.storage.Delete(ctx, key); err != nil {
		return fmt.Errorf("%w: %v", logical.ErrStorageUnavailable, err)
	}
	return nil
}

func (s *Store) storageList(ctx context.Context, prefix string) ([]string, error) {
	keys, err := s.storage.List(ctx, prefix)
	if err != nil {
		return nil, fmt.Errorf("%w: %v", logical.ErrStorageUnavailable, err)
	}
	return keys, nil
}
