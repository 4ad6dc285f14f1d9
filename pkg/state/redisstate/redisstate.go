// Package redisstate implements state.Store on Redis, grounded on the
// original RedisBackend's key-namespacing scheme: every container's keys
// live in a Redis hash named after the agent id, so a whole container can
// be fetched, enumerated, or dropped with one command.
package redisstate

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"

	"github.com/redis/go-redis/v9"

	"github.com/askcs/eve/pkg/state"
)

// Store persists agent containers as Redis hashes under a shared key
// prefix, one hash per agent id plus a set tracking known ids.
type Store struct {
	client *redis.Client
	prefix string
}

// Option configures a Store at construction.
type Option func(*Store)

// WithPrefix overrides the default "eve:state:" key prefix.
func WithPrefix(prefix string) Option {
	return func(s *Store) { s.prefix = prefix }
}

// New wraps an existing Redis client. The caller owns the client's
// lifecycle: Close does nothing, and the client stays open after it.
func New(client *redis.Client, opts ...Option) *Store {
	s := &Store{client: client, prefix: "eve:state:"}
	for _, opt := range opts {
		opt(s)
	}
	return s
}

func (s *Store) idxKey() string           { return s.prefix + "ids" }
func (s *Store) hashKey(id string) string { return s.prefix + id }

func (s *Store) Get(ctx context.Context, id string) (state.Container, error) {
	if err := s.client.SAdd(ctx, s.idxKey(), id).Err(); err != nil {
		return nil, fmt.Errorf("index agent %s: %w", id, err)
	}
	return &container{client: s.client, key: s.hashKey(id)}, nil
}

func (s *Store) Delete(ctx context.Context, id string) error {
	pipe := s.client.TxPipeline()
	pipe.Del(ctx, s.hashKey(id))
	pipe.SRem(ctx, s.idxKey(), id)
	if _, err := pipe.Exec(ctx); err != nil {
		return fmt.Errorf("delete agent %s: %w", id, err)
	}
	return nil
}

func (s *Store) Ids(ctx context.Context) ([]string, error) {
	ids, err := s.client.SMembers(ctx, s.idxKey()).Result()
	if err != nil {
		return nil, fmt.Errorf("list agent ids: %w", err)
	}
	sort.Strings(ids)
	return ids, nil
}

func (s *Store) Close() error {
	return nil
}

type container struct {
	client *redis.Client
	key    string
}

func (c *container) Get(ctx context.Context, key string, v any) error {
	data, err := c.client.HGet(ctx, c.key, key).Result()
	if err != nil {
		if err == redis.Nil {
			return state.ErrNotFound
		}
		return fmt.Errorf("read key %s: %w", key, err)
	}
	if err := json.Unmarshal([]byte(data), v); err != nil {
		return fmt.Errorf("decode key %s: %w", key, err)
	}
	return nil
}

func (c *container) Put(ctx context.Context, key string, v any) error {
	data, err := json.Marshal(v)
	if err != nil {
		return fmt.Errorf("encode key %s: %w", key, err)
	}
	if err := c.client.HSet(ctx, c.key, key, string(data)).Err(); err != nil {
		return fmt.Errorf("write key %s: %w", key, err)
	}
	return nil
}

func (c *container) Delete(ctx context.Context, key string) error {
	if err := c.client.HDel(ctx, c.key, key).Err(); err != nil {
		return fmt.Errorf("delete key %s: %w", key, err)
	}
	return nil
}

func (c *container) Keys(ctx context.Context) ([]string, error) {
	keys, err := c.client.HKeys(ctx, c.key).Result()
	if err != nil {
		return nil, fmt.Errorf("list keys: %w", err)
	}
	sort.Strings(keys)
	return keys, nil
}
