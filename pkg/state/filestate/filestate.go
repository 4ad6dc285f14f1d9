// Package filestate implements state.Store on the local filesystem, one
// JSON file per key under a per-agent directory, grounded on the original
// FileBackend's atomic-write-then-rename persistence strategy.
package filestate

import (
	"context"
	"encoding/json"
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"sync"

	"github.com/askcs/eve/pkg/state"
)

// Store persists agent containers as directories of JSON files under root.
type Store struct {
	root string

	mu     sync.Mutex
	closed bool
}

// New creates a Store rooted at dir, creating dir if it does not exist.
func New(dir string) (*Store, error) {
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create state root %s: %w", dir, err)
	}
	return &Store{root: dir}, nil
}

func (s *Store) Get(ctx context.Context, id string) (state.Container, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	dir := filepath.Join(s.root, sanitize(id))
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("create container dir for %s: %w", id, err)
	}
	return &container{dir: dir}, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	if err := s.checkClosed(); err != nil {
		return err
	}
	return os.RemoveAll(filepath.Join(s.root, sanitize(id)))
}

func (s *Store) Ids(ctx context.Context) ([]string, error) {
	if err := s.checkClosed(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(s.root)
	if err != nil {
		return nil, fmt.Errorf("list state root: %w", err)
	}
	var ids []string
	for _, e := range entries {
		if e.IsDir() {
			ids = append(ids, e.Name())
		}
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Close() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.closed = true
	return nil
}

func (s *Store) checkClosed() error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.closed {
		return state.ErrClosed
	}
	return nil
}

// sanitize keeps agent ids from escaping the state root via path traversal;
// ids are expected to be simple tokens (role names, uuids) in practice.
func sanitize(id string) string {
	return strings.NewReplacer("/", "_", "..", "_").Replace(id)
}

type container struct {
	dir string

	mu sync.Mutex
}

func (c *container) path(key string) string {
	return filepath.Join(c.dir, sanitize(key)+".json")
}

func (c *container) Get(ctx context.Context, key string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := os.ReadFile(c.path(key))
	if err != nil {
		if os.IsNotExist(err) {
			return state.ErrNotFound
		}
		return fmt.Errorf("read key %s: %w", key, err)
	}
	if err := json.Unmarshal(data, v); err != nil {
		return fmt.Errorf("decode key %s: %w", key, err)
	}
	return nil
}

func (c *container) Put(ctx context.Context, key string, v any) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode key %s: %w", key, err)
	}

	tmp := c.path(key) + ".tmp"
	if err := os.WriteFile(tmp, data, 0o644); err != nil {
		return fmt.Errorf("write key %s: %w", key, err)
	}
	if err := os.Rename(tmp, c.path(key)); err != nil {
		return fmt.Errorf("commit key %s: %w", key, err)
	}
	return nil
}

func (c *container) Delete(ctx context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()

	if err := os.Remove(c.path(key)); err != nil && !os.IsNotExist(err) {
		return fmt.Errorf("delete key %s: %w", key, err)
	}
	return nil
}

func (c *container) Keys(ctx context.Context) ([]string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	entries, err := os.ReadDir(c.dir)
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	var keys []string
	for _, e := range entries {
		if !e.IsDir() && strings.HasSuffix(e.Name(), ".json") {
			keys = append(keys, strings.TrimSuffix(e.Name(), ".json"))
		}
	}
	sort.Strings(keys)
	return keys, nil
}
