package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"time"

	badgerdb "github.com/dgraph-io/badger/v4"
	"github.com/sirupsen/logrus"
)

const (
	prefixName  = "n/"
	prefixEntry = "e/"
)

func keyName(name string) []byte {
	return []byte(prefixName + name)
}

func keyEntryPrefix(name string) []byte {
	return []byte(prefixEntry + name + "\x00")
}

func keyEntry(name, key string) []byte {
	return append(keyEntryPrefix(name), key...)
}

// BadgerCache implements Storage on top of a BadgerDB database.
// Store names are registered under n/<name>; entries live under e/<name>\x00<key>.
type BadgerCache struct {
	db  *badgerdb.DB
	ttl time.Duration
}

// NewBadger opens (creating if needed) a BadgerDB database in dir.
// An empty dir keeps the database in memory.
func NewBadger(dir string, ttl time.Duration) (*BadgerCache, error) {
	opts := badgerdb.DefaultOptions(dir).WithLogger(nil)
	if dir == "" {
		opts = opts.WithInMemory(true)
	}

	db, err := badgerdb.Open(opts)
	if err != nil {
		return nil, fmt.Errorf("failed to open badger cache at %q: %w", dir, err)
	}
	return &BadgerCache{db: db, ttl: ttl}, nil
}

// Open registers the named store if absent and returns a handle to it
func (b *BadgerCache) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("empty store name")
	}

	err := b.db.Update(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyName(name))
		if err == badgerdb.ErrKeyNotFound {
			return txn.Set(keyName(name), []byte{})
		}
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open store %s: %w", name, err)
	}
	return &badgerStore{db: b.db, name: name, ttl: b.ttl}, nil
}

// Has reports whether the named store is registered
func (b *BadgerCache) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	found := false
	err := b.db.View(func(txn *badgerdb.Txn) error {
		_, err := txn.Get(keyName(name))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		found = true
		return nil
	})
	return found, err
}

// Delete unregisters the named store and drops all of its entries
func (b *BadgerCache) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := b.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}

	err = b.db.Update(func(txn *badgerdb.Txn) error {
		return txn.Delete(keyName(name))
	})
	if err != nil {
		return false, fmt.Errorf("failed to unregister store %s: %w", name, err)
	}
	if err := b.db.DropPrefix(keyEntryPrefix(name)); err != nil {
		return false, fmt.Errorf("failed to drop entries of store %s: %w", name, err)
	}

	logrus.Debugf("Deleted badger cache store %s", name)
	return true, nil
}

// Names lists the registered stores
func (b *BadgerCache) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var names []string
	err := b.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = []byte(prefixName)
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(opts.Prefix); it.ValidForPrefix(opts.Prefix); it.Next() {
			names = append(names, strings.TrimPrefix(string(it.Item().Key()), prefixName))
		}
		return nil
	})
	return names, err
}

// Close closes the underlying database
func (b *BadgerCache) Close() error {
	return b.db.Close()
}

type badgerStore struct {
	db   *badgerdb.DB
	name string
	ttl  time.Duration
}

func (s *badgerStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	var value []byte
	err := s.db.View(func(txn *badgerdb.Txn) error {
		item, err := txn.Get(keyEntry(s.name, key))
		if err == badgerdb.ErrKeyNotFound {
			return nil
		}
		if err != nil {
			return err
		}
		value, err = item.ValueCopy(nil)
		return err
	})
	if err != nil {
		return nil, fmt.Errorf("failed to get %s from store %s: %w", key, s.name, err)
	}
	return value, nil
}

func (s *badgerStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	return s.db.Update(func(txn *badgerdb.Txn) error {
		if _, err := txn.Get(keyName(s.name)); err == badgerdb.ErrKeyNotFound {
			return ErrStoreDeleted
		} else if err != nil {
			return err
		}

		entry := badgerdb.NewEntry(keyEntry(s.name, key), value)
		if s.ttl > 0 {
			entry = entry.WithTTL(s.ttl)
		}
		return txn.SetEntry(entry)
	})
}

func (s *badgerStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	deleted := false
	err := s.db.Update(func(txn *badgerdb.Txn) error {
		k := keyEntry(s.name, key)
		if _, err := txn.Get(k); err != nil {
			if errors.Is(err, badgerdb.ErrKeyNotFound) {
				return nil
			}
			return err
		}
		deleted = true
		return txn.Delete(k)
	})
	return deleted, err
}

func (s *badgerStore) Keys(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	prefix := keyEntryPrefix(s.name)
	var keys []string
	err := s.db.View(func(txn *badgerdb.Txn) error {
		opts := badgerdb.DefaultIteratorOptions
		opts.Prefix = prefix
		opts.PrefetchValues = false
		it := txn.NewIterator(opts)
		defer it.Close()

		for it.Seek(prefix); it.ValidForPrefix(prefix); it.Next() {
			keys = append(keys, string(it.Item().Key()[len(prefix):]))
		}
		return nil
	})
	return keys, err
}
