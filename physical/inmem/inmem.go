package inmem

import (
	"context"
	"errors"
	"sort"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	metrics "github.com/hashicorp/go-metrics/compat"

	"github.com/armon/go-radix"
	log "github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/physical"
)

// Verify interfaces are satisfied
var _ physical.Storage = (*InmemStorage)(nil)

var (
	ErrPutDisabled    = errors.New("put operations disabled in inmem storage")
	ErrGetDisabled    = errors.New("get operations disabled in inmem storage")
	ErrDeleteDisabled = errors.New("delete operations disabled in inmem storage")
	ErrListDisabled   = errors.New("list operations disabled in inmem storage")
)

// InmemStorage is an in-memory only Storage. It is useful
// for testing and development situations where the data is not
// expected to be durable.
type InmemStorage struct {
	sync.RWMutex
	root       *radix.Tree
	permitPool *physical.PermitPool
	logger     log.Logger
	failGet    *uint32
	failPut    *uint32
	failDelete *uint32
	failList   *uint32
}

// NewInmem constructs a new in-memory storage
func NewInmem(conf map[string]string, logger log.Logger) (physical.Storage, error) {
	return &InmemStorage{
		root:       radix.New(),
		permitPool: physical.NewPermitPool(physical.DefaultParallelOperations),
		logger:     logger,
		failGet:    new(uint32),
		failPut:    new(uint32),
		failDelete: new(uint32),
		failList:   new(uint32),
	}, nil
}

// Put is used to insert or update an entry
func (i *InmemStorage) Put(ctx context.Context, entry *physical.Entry) error {
	defer metrics.MeasureSince([]string{"inmem", "put"}, time.Now())

	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.Lock()
	defer i.Unlock()

	if atomic.LoadUint32(i.failPut) != 0 {
		return ErrPutDisabled
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	i.root.Insert(entry.Key, append([]byte(nil), entry.Value...))
	return nil
}

func (i *InmemStorage) FailPut(fail bool) {
	var val uint32
	if fail {
		val = 1
	}
	atomic.StoreUint32(i.failPut, val)
}

// Get is used to fetch an entry
func (i *InmemStorage) Get(ctx context.Context, key string) (*physical.Entry, error) {
	defer metrics.MeasureSince([]string{"inmem", "get"}, time.Now())

	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.RLock()
	defer i.RUnlock()

	if atomic.LoadUint32(i.failGet) != 0 {
		return nil, ErrGetDisabled
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	if raw, ok := i.root.Get(key); ok {
		return &physical.Entry{
			Key:   key,
			Value: append([]byte(nil), raw.([]byte)...),
		}, nil
	}
	return nil, nil
}

func (i *InmemStorage) FailGet(fail bool) {
	var val uint32
	if fail {
		val = 1
	}
	atomic.StoreUint32(i.failGet, val)
}

// Delete is used to permanently delete an entry
func (i *InmemStorage) Delete(ctx context.Context, key string) error {
	defer metrics.MeasureSince([]string{"inmem", "delete"}, time.Now())

	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.Lock()
	defer i.Unlock()

	if atomic.LoadUint32(i.failDelete) != 0 {
		return ErrDeleteDisabled
	}

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	i.root.Delete(key)
	return nil
}

func (i *InmemStorage) FailDelete(fail bool) {
	var val uint32
	if fail {
		val = 1
	}
	atomic.StoreUint32(i.failDelete, val)
}

// List is used to list all the keys under a given
// prefix, up to the next prefix.
func (i *InmemStorage) List(ctx context.Context, prefix string) ([]string, error) {
	defer metrics.MeasureSince([]string{"inmem", "list"}, time.Now())

	i.permitPool.Acquire()
	defer i.permitPool.Release()

	i.RLock()
	defer i.RUnlock()

	if atomic.LoadUint32(i.failList) != 0 {
		return nil, ErrListDisabled
	}

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	keySet := make(map[string]struct{})
	i.root.WalkPrefix(prefix, func(key string, _ interface{}) bool {
		trimmed := strings.TrimPrefix(key, prefix)
		if idx := strings.Index(trimmed, "/"); idx != -1 {
			keySet[trimmed[:idx+1]] = struct{}{}
		} else {
			keySet[trimmed] = struct{}{}
		}
		return false
	})

	keys := make([]string, 0, len(keySet))
	for key := range keySet {
		keys = append(keys, key)
	}
	sort.Strings(keys)
	return keys, nil
}

func (i *InmemStorage) FailList(fail bool) {
	var val uint32
	if fail {
		val = 1
	}
	atomic.StoreUint32(i.failList, val)
}
