// Handles named, persistent caches of HTTP responses
package cache

import (
	"context"
	"fmt"
	"time"
)

// Storage is the set of named caches owned by the worker. Names are the
// cache versions' store names; exactly one of them is active at a time.
type Storage interface {
	// opens the named store, creating it if absent
	Open(ctx context.Context, name string) (Store, error)
	// reports whether the named store exists
	Has(ctx context.Context, name string) (bool, error)
	// deletes the named store and every entry in it.
	// returns false when there was nothing to delete
	Delete(ctx context.Context, name string) (bool, error)
	// lists the names of all existing stores
	Names(ctx context.Context) ([]string, error)
	// releases resources held by the storage
	Close() error
}

// Options selects and configures a storage backend
type Options struct {
	Backend string // "disk", "badger" or "memory"
	Folder  string
	TTL     time.Duration // zero means entries never expire
}

// New builds the storage backend named in opts
func New(opts Options) (Storage, error) {
	switch opts.Backend {
	case "disk", "":
		disk := NewDisk(opts.Folder, opts.TTL)
		if err := disk.Init(); err != nil {
			return nil, fmt.Errorf("failed to create cache directory: %w", err)
		}
		return disk, nil
	case "badger":
		return NewBadger(opts.Folder, opts.TTL)
	case "memory":
		return NewMemory(opts.TTL), nil
	default:
		return nil, fmt.Errorf("unknown cache backend: %q", opts.Backend)
	}
}
