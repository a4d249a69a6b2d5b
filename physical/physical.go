package physical

import (
	"context"
)

const (
	// DefaultParallelOperations is the default number of parallel
	// operations allowed against a single backend.
	DefaultParallelOperations = 128
)

// Entry is the unit of storage: an opaque value stored at a key.
// Keys use "/" as a path separator; List operates on key prefixes.
type Entry struct {
	Key   string
	Value []byte
}

// Storage is the interface a durable record store must implement. All
// operations may block on I/O and must honor context cancellation.
// Put is an atomic upsert-by-key.
type Storage interface {
	// Put is used to insert or update an entry
	Put(ctx context.Context, entry *Entry) error

	// Get is used to fetch an entry. A missing key returns (nil, nil).
	Get(ctx context.Context, key string) (*Entry, error)

	// Delete is used to permanently delete an entry. Deleting an absent
	// key is not an error.
	Delete(ctx context.Context, key string) error

	// List is used to list all the keys under a given prefix, stripping
	// the prefix. Keys that nest deeper than one level are reported as
	// their next path segment with a trailing "/".
	List(ctx context.Context, prefix string) ([]string, error)
}

// PermitPool manages a pool of permits used to bound parallelism against
// a storage backend.
type PermitPool struct {
	sem chan struct{}
}

// NewPermitPool returns a new permit pool with the provided number of
// permits. Sizes below one fall back to DefaultParallelOperations.
func NewPermitPool(permits int) *PermitPool {
	if permits < 1 {
		permits = DefaultParallelOperations
	}
	return &PermitPool{
		sem: make(chan struct{}, permits),
	}
}

// Acquire returns when a permit has been acquired
func (c *PermitPool) Acquire() {
	c.sem <- struct{}{}
}

// Release returns a permit to the pool
func (c *PermitPool) Release() {
	<-c.sem
}
