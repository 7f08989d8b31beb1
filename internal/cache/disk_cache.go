package cache

import (
	"bufio"
	"bytes"
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/sirupsen/logrus"
)

// DiskCache implements Storage with one directory per named store
type DiskCache struct {
	cacheDir string
	ttl      time.Duration
}

// NewDisk creates a new disk cache storage rooted at cacheDir
func NewDisk(cacheDir string, ttl time.Duration) *DiskCache {
	return &DiskCache{
		cacheDir: cacheDir,
		ttl:      ttl,
	}
}

// Init ensures the cache directory exists
func (d *DiskCache) Init() error {
	return os.MkdirAll(d.cacheDir, 0755)
}

func (d *DiskCache) storeDir(name string) string {
	return filepath.Join(d.cacheDir, url.PathEscape(name))
}

// Open opens the named store, creating its directory if absent
func (d *DiskCache) Open(ctx context.Context, name string) (Store, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	if name == "" {
		return nil, fmt.Errorf("empty store name")
	}

	dir := d.storeDir(name)
	if err := os.MkdirAll(dir, 0755); err != nil {
		return nil, fmt.Errorf("failed to create store directory %s: %w", dir, err)
	}
	return &diskStore{dir: dir, ttl: d.ttl}, nil
}

// Has reports whether the named store directory exists
func (d *DiskCache) Has(ctx context.Context, name string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	info, err := os.Stat(d.storeDir(name))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return info.IsDir(), nil
}

// Delete removes the named store directory and all its entries
func (d *DiskCache) Delete(ctx context.Context, name string) (bool, error) {
	ok, err := d.Has(ctx, name)
	if err != nil || !ok {
		return false, err
	}
	if err := os.RemoveAll(d.storeDir(name)); err != nil {
		return false, fmt.Errorf("failed to remove store %s: %w", name, err)
	}
	logrus.Debugf("Deleted disk cache store %s", name)
	return true, nil
}

// Names lists the stores present under the cache directory
func (d *DiskCache) Names(ctx context.Context) ([]string, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	entries, err := os.ReadDir(d.cacheDir)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	names := make([]string, 0, len(entries))
	for _, entry := range entries {
		if !entry.IsDir() {
			continue
		}
		name, err := url.PathUnescape(entry.Name())
		if err != nil {
			logrus.Warnf("Ignoring unexpected directory in cache folder: %s", entry.Name())
			continue
		}
		names = append(names, name)
	}
	return names, nil
}

// Close is a no-op for the disk storage
func (d *DiskCache) Close() error {
	return nil
}

// diskStore keeps one file per entry. The first line of a file holds the key.
type diskStore struct {
	dir string
	ttl time.Duration
}

// Build path: /cache_folder/store/ab/abcdef....bin
func (s *diskStore) path(key string) string {
	hash := sha256.Sum256([]byte(key))
	name := hex.EncodeToString(hash[:])
	return filepath.Join(s.dir, name[:2], name+".bin")
}

func (s *diskStore) Get(ctx context.Context, key string) ([]byte, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	cachePath := s.path(key)

	// Check if cache file exists and is not expired
	info, err := os.Stat(cachePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	if s.ttl > 0 && time.Since(info.ModTime()) > s.ttl {
		// Cache expired, remove it
		if err := os.Remove(cachePath); err != nil && !errors.Is(err, fs.ErrNotExist) {
			logrus.Errorf("Failed to remove expired cache file %s: %v", cachePath, err)
		}
		return nil, nil
	}

	data, err := os.ReadFile(cachePath)
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	if err != nil {
		return nil, err
	}

	storedKey, value, ok := bytes.Cut(data, []byte("\n"))
	if !ok || string(storedKey) != key {
		return nil, fmt.Errorf("corrupt cache file %s", cachePath)
	}
	return value, nil
}

func (s *diskStore) Set(ctx context.Context, key string, value []byte) error {
	if err := ctx.Err(); err != nil {
		return err
	}
	if strings.Contains(key, "\n") {
		return fmt.Errorf("cache key contains a newline")
	}
	cachePath := s.path(key)
	dir := filepath.Dir(cachePath)
	// Only the shard is created here: a store removed by Delete stays removed
	if err := os.Mkdir(dir, 0755); err != nil && !errors.Is(err, fs.ErrExist) {
		return storeErr(err)
	}

	// Write to a temporary file first so readers never see a partial entry
	tmp, err := os.CreateTemp(dir, ".tmp-*")
	if err != nil {
		return storeErr(err)
	}
	defer func() { _ = os.Remove(tmp.Name()) }()

	if _, err := tmp.WriteString(key + "\n"); err != nil {
		_ = tmp.Close()
		return err
	}
	if _, err := tmp.Write(value); err != nil {
		_ = tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	if err := os.Rename(tmp.Name(), cachePath); err != nil {
		return storeErr(err)
	}

	logrus.Debugf("Cached entry: %s", cachePath)
	return nil
}

// storeErr reports a write into a vanished store directory as ErrStoreDeleted
func storeErr(err error) error {
	if errors.Is(err, fs.ErrNotExist) {
		return ErrStoreDeleted
	}
	return err
}

func (s *diskStore) Delete(ctx context.Context, key string) (bool, error) {
	if err := ctx.Err(); err != nil {
		return false, err
	}
	err := os.Remove(s.path(key))
	if errors.Is(err, fs.ErrNotExist) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	return true, nil
}

func (s *diskStore) Keys(ctx context.Context) ([]string, error) {
	var keys []string
	err := filepath.WalkDir(s.dir, func(path string, entry fs.DirEntry, err error) error {
		if err != nil {
			return err
		}
		if err := ctx.Err(); err != nil {
			return err
		}
		if entry.IsDir() || !strings.HasSuffix(entry.Name(), ".bin") {
			return nil
		}

		key, err := readKey(path)
		if err != nil {
			logrus.Warnf("Skipping unreadable cache file %s: %v", path, err)
			return nil
		}
		keys = append(keys, key)
		return nil
	})
	if errors.Is(err, fs.ErrNotExist) {
		return nil, nil
	}
	return keys, err
}

func readKey(path string) (string, error) {
	f, err := os.Open(path)
	if err != nil {
		return "", err
	}
	defer func() { _ = f.Close() }()

	line, err := bufio.NewReader(f).ReadString('\n')
	if err != nil {
		return "", err
	}
	return strings.TrimSuffix(line, "\n"), nil
}
