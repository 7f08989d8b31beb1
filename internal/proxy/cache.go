package proxy

import (
	"context"
	"fmt"
	"sort"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
)

// StoreInfo describes one named cache store
type StoreInfo struct {
	Name    string `json:"name" yaml:"name"`
	Entries int    `json:"entries" yaml:"entries"`
	Active  bool   `json:"active" yaml:"active"`
}

// ListStores returns every store in storage. The store named active, if any,
// is flagged.
func ListStores(ctx context.Context, storage cache.Storage, active string) ([]StoreInfo, error) {
	names, err := storage.Names(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to list cache stores: %w", err)
	}
	sort.Strings(names)

	stores := make([]StoreInfo, 0, len(names))
	for _, name := range names {
		store, err := storage.Open(ctx, name)
		if err != nil {
			return nil, fmt.Errorf("failed to open cache store %s: %w", name, err)
		}
		keys, err := store.Keys(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list entries of %s: %w", name, err)
		}
		stores = append(stores, StoreInfo{Name: name, Entries: len(keys), Active: name == active})
	}
	return stores, nil
}

// PurgeStores deletes the named stores, or every store when names is empty.
// It returns the names actually deleted.
func PurgeStores(ctx context.Context, storage cache.Storage, names []string) ([]string, error) {
	if len(names) == 0 {
		var err error
		names, err = storage.Names(ctx)
		if err != nil {
			return nil, fmt.Errorf("failed to list cache stores: %w", err)
		}
	}

	var deleted []string
	for _, name := range names {
		ok, err := storage.Delete(ctx, name)
		if err != nil {
			return deleted, fmt.Errorf("failed to delete cache store %s: %w", name, err)
		}
		if ok {
			deleted = append(deleted, name)
		}
	}
	return deleted, nil
}
