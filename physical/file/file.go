package file

import (
	"context"
	"encoding/base64"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	log "github.com/stephnangue/grantor/logger"
	"github.com/stephnangue/grantor/physical"
)

// Verify interfaces are satisfied
var _ physical.Storage = (*FileBackend)(nil)

// FileBackend is a physical backend that stores data on disk as JSON files
// in a directory tree mirroring the key space. It is durable across
// restarts but performs no fsync batching; it is intended for single-node
// deployments.
type FileBackend struct {
	sync.RWMutex
	path   string
	logger log.Logger
}

// NewFileBackend constructs a FileBackend using the given directory
func NewFileBackend(conf map[string]string, logger log.Logger) (physical.Storage, error) {
	path, ok := conf["path"]
	if !ok || path == "" {
		return nil, errors.New("'path' must be set")
	}

	return &FileBackend{
		path:   path,
		logger: logger,
	}, nil
}

func (b *FileBackend) expandPath(key string) (string, string) {
	path := filepath.Join(b.path, key)
	key = filepath.Base(path)
	path = filepath.Dir(path)
	return path, "_" + key
}

func (b *FileBackend) validatePath(path string) error {
	switch {
	case strings.Contains(path, ".."):
		return errors.New("path cannot reference parents")
	}
	return nil
}

// Put is used to insert or update an entry
func (b *FileBackend) Put(ctx context.Context, entry *physical.Entry) error {
	if err := b.validatePath(entry.Key); err != nil {
		return err
	}

	b.Lock()
	defer b.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	path, key := b.expandPath(entry.Key)

	if err := os.MkdirAll(path, 0o700); err != nil {
		return err
	}

	// Write to a temp file then rename so a crashed write never leaves a
	// truncated entry behind.
	fullPath := filepath.Join(path, key)
	tempPath := fullPath + ".temp"
	f, err := os.OpenFile(tempPath, os.O_CREATE|os.O_TRUNC|os.O_WRONLY, 0o600)
	if err != nil {
		return err
	}

	enc := json.NewEncoder(f)
	encErr := enc.Encode(&fileEntry{
		Value: base64.StdEncoding.EncodeToString(entry.Value),
	})
	if err := f.Close(); encErr == nil && err != nil {
		encErr = err
	}
	if encErr != nil {
		os.Remove(tempPath)
		return encErr
	}

	return os.Rename(tempPath, fullPath)
}

// Get is used to fetch an entry
func (b *FileBackend) Get(ctx context.Context, key string) (*physical.Entry, error) {
	if err := b.validatePath(key); err != nil {
		return nil, err
	}

	b.RLock()
	defer b.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	path, fileName := b.expandPath(key)
	f, err := os.Open(filepath.Join(path, fileName))
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	var raw fileEntry
	if err := json.NewDecoder(f).Decode(&raw); err != nil {
		return nil, fmt.Errorf("failed to decode entry at %q: %w", key, err)
	}

	value, err := base64.StdEncoding.DecodeString(raw.Value)
	if err != nil {
		return nil, fmt.Errorf("failed to decode entry at %q: %w", key, err)
	}

	return &physical.Entry{
		Key:   key,
		Value: value,
	}, nil
}

// Delete is used to permanently delete an entry
func (b *FileBackend) Delete(ctx context.Context, key string) error {
	if key == "" {
		return nil
	}
	if err := b.validatePath(key); err != nil {
		return err
	}

	b.Lock()
	defer b.Unlock()

	select {
	case <-ctx.Done():
		return ctx.Err()
	default:
	}

	path, fileName := b.expandPath(key)
	fullPath := filepath.Join(path, fileName)

	if err := os.Remove(fullPath); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("failed to remove %q: %w", key, err)
	}

	// Prune now-empty parent directories up to the backend root.
	b.cleanupLogicalPath(key)

	return nil
}

// cleanupLogicalPath removes empty directories hanging off the key's path
func (b *FileBackend) cleanupLogicalPath(path string) {
	nodes := strings.Split(filepath.ToSlash(path), "/")
	for i := len(nodes) - 1; i > 0; i-- {
		fullPath := filepath.Join(b.path, filepath.Join(nodes[:i]...))

		dir, err := os.Open(fullPath)
		if err != nil {
			return
		}

		_, err = dir.Readdirnames(1)
		dir.Close()
		if err == nil {
			// Directory is not empty
			return
		}

		os.Remove(fullPath)
	}
}

// List is used to list all the keys under a given prefix
func (b *FileBackend) List(ctx context.Context, prefix string) ([]string, error) {
	if err := b.validatePath(prefix); err != nil {
		return nil, err
	}

	b.RLock()
	defer b.RUnlock()

	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	default:
	}

	path := b.path
	if prefix != "" {
		path = filepath.Join(path, prefix)
	}

	f, err := os.Open(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil, nil
		}
		return nil, err
	}
	defer f.Close()

	names, err := f.Readdirnames(-1)
	if err != nil {
		return nil, err
	}

	keys := make([]string, 0, len(names))
	for _, name := range names {
		fi, err := os.Stat(filepath.Join(path, name))
		if err != nil {
			return nil, err
		}
		if fi.IsDir() {
			keys = append(keys, name+"/")
			continue
		}
		if strings.HasPrefix(name, "_") {
			keys = append(keys, name[1:])
		}
	}

	sort.Strings(keys)
	return keys, nil
}

type fileEntry struct {
	Value string `json:"value"`
}
