// Package state defines the State Service: a per-agent key/value container
// the Instantiation Service, Scheduler, and Event Bus all persist into.
// Concrete backends live in filestate and redisstate; this package only
// carries the interface and the sentinel errors every backend shares.
package state

import (
	"context"
	"errors"
)

// ErrNotFound is returned by Container.Get when the key is absent. Store.Get
// does not return it for an unknown id: it creates the container instead.
var ErrNotFound = errors.New("state: not found")

// ErrClosed is returned by any Store or Container method called after
// Store.Close.
var ErrClosed = errors.New("state: backend is closed")

// Store is the top-level State Service backend: it hands out one Container
// per agent id and can enumerate every id it knows about, the operation the
// Instantiation Service's boot scan depends on.
type Store interface {
	// Get returns the Container for id, creating it if it does not exist.
	Get(ctx context.Context, id string) (Container, error)

	// Delete removes an agent's entire container.
	Delete(ctx context.Context, id string) error

	// Ids enumerates every agent id this backend holds state for. The
	// Instantiation Service's boot scan (internal/instantiation) calls this
	// once at startup to seed its entry table.
	Ids(ctx context.Context) ([]string, error)

	// Close releases backend resources (file handles, connections).
	Close() error
}

// Container is the key/value state belonging to a single agent. Values are
// stored as JSON; Get decodes into the pointer the caller supplies, the
// same convention AgentDef.UnmarshalKey uses for config extras.
type Container interface {
	// Get decodes the value stored under key into v. Returns ErrNotFound if
	// the key is absent.
	Get(ctx context.Context, key string, v any) error

	// Put encodes v as JSON and stores it under key.
	Put(ctx context.Context, key string, v any) error

	// Delete removes key. A missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Keys lists every key currently stored.
	Keys(ctx context.Context) ([]string, error)
}
