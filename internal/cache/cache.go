// Package cache provides a small read cache for deployment views. Web
// clients poll deployment state while an install runs; the cache keeps that
// polling off the database.
package cache

import (
	"context"
	"time"
)

// Cache stores serialized values under string keys with a TTL.
type Cache interface {
	// Get returns the cached value and whether the key was present.
	Get(ctx context.Context, key string) ([]byte, bool, error)

	// Set stores a value with the given TTL.
	Set(ctx context.Context, key string, value []byte, ttl time.Duration) error

	// Delete removes a key. Deleting a missing key is not an error.
	Delete(ctx context.Context, key string) error

	// Close releases the cache's resources.
	Close() error
}

// Noop is a Cache that stores nothing. Used when no Redis address is
// configured.
type Noop struct{}

// NewNoop creates a no-op cache.
func NewNoop() Noop {
	return Noop{}
}

func (Noop) Get(ctx context.Context, key string) ([]byte, bool, error) {
	return nil, false, nil
}

func (Noop) Set(ctx context.Context, key string, value []byte, ttl time.Duration) error {
	return nil
}

func (Noop) Delete(ctx context.Context, key string) error {
	return nil
}

func (Noop) Close() error {
	return nil
}
