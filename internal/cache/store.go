package cache

import (
	"context"
	"errors"
)

// ErrStoreDeleted is returned by operations on a store handle whose store was
// deleted from its storage.
var ErrStoreDeleted = errors.New("cache store deleted")

// Store is a single named cache: a key/value mapping of request identities to
// captured responses. Puts are atomic per key; the last writer wins.
type Store interface {
	// retrieves cached data if it exists and is not expired.
	// returns nil, nil when not found or expired
	Get(ctx context.Context, key string) ([]byte, error)
	// stores data under key, replacing any previous value
	Set(ctx context.Context, key string, value []byte) error
	// removes key. returns false when it was not present
	Delete(ctx context.Context, key string) (bool, error)
	// lists the keys currently stored
	Keys(ctx context.Context) ([]string, error)
}
