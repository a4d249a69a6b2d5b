package token

import (
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto/v2"
	"github.com/mitchellh/copystructure"
)

// recordCache is a read-through cache of deserialized access records keyed
// by token key. Entries are TTL-bounded by record expiry and invalidated on
// every store write path, so a hit can never outlive the backing record.
type recordCache struct {
	cache *ristretto.Cache[string, *AccessTokenRecord]
}

func newRecordCache(numCounters, maxCost int64) (*recordCache, error) {
	cache, err := ristretto.NewCache(&ristretto.Config[string, *AccessTokenRecord]{
		NumCounters: numCounters,
		MaxCost:     maxCost,
		BufferItems: 64,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to initialize record cache: %w", err)
	}
	return &recordCache{cache: cache}, nil
}

// get returns a defensive copy so callers can never mutate a cached record.
func (c *recordCache) get(tokenID string) *AccessTokenRecord {
	record, found := c.cache.Get(tokenID)
	if !found {
		return nil
	}
	copied, err := copystructure.Copy(record)
	if err != nil {
		return nil
	}
	return copied.(*AccessTokenRecord)
}

func (c *recordCache) set(record *AccessTokenRecord) {
	ttl := time.Until(record.ExpiresAt)
	if ttl <= 0 {
		return
	}
	copied, err := copystructure.Copy(record)
	if err != nil {
		return
	}
	// Cost is roughly the serialized size of the record.
	cost := int64(len(record.Authentication) + 200)
	c.cache.SetWithTTL(record.TokenID, copied.(*AccessTokenRecord), cost, ttl)
	c.cache.Wait()
}

func (c *recordCache) invalidate(tokenID string) {
	c.cache.Del(tokenID)
}

func (c *recordCache) close() {
	c.cache.Clear()
	c.cache.Close()
}
