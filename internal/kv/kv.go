// Package kv defines the durable key-value contract shared by the
// cache's persistent tier and the offline queue. Values survive a
// process restart; all in-memory state elsewhere is rebuildable from
// here or from the remote store.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by Get when the key is absent or expired.
var ErrNotFound = errors.New("kv: key not found")

// Store is a minimal durable key-value store with per-key TTLs.
type Store interface {
	// Get returns the value for key, or ErrNotFound.
	Get(ctx context.Context, key string) ([]byte, error)

	// Set stores value under key. A zero ttl means no expiry.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes key. Deleting an absent key is not an error.
	Delete(ctx context.Context, key string) error

	// List returns all live keys with the given prefix, sorted.
	List(ctx context.Context, prefix string) ([]string, error)

	// Close releases underlying resources.
	Close() error
}
