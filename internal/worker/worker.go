// Package worker implements the offline cache worker: it precaches the
// application shell on install, prunes stale cache versions on activate and
// serves intercepted requests network-first with a cache fallback.
package worker

import (
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"sync/atomic"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/iTrooz/offline-cache-proxy/internal/cache/httpcache"
	"github.com/iTrooz/offline-cache-proxy/internal/metrics"
)

var (
	// ErrNotInstalled is returned when activating a worker that did not install
	ErrNotInstalled = errors.New("worker is not installed")
	// ErrInstallFailed wraps every install failure
	ErrInstallFailed = errors.New("worker install failed")
	// ErrNotActive is returned when a fetch reaches a worker that is not active
	ErrNotActive = errors.New("worker is not active")
)

// State is a step of the worker lifecycle
type State int32

const (
	StateParsed State = iota
	StateInstalling
	StateInstalled
	StateActivating
	StateActivated
	StateRedundant
)

func (s State) String() string {
	switch s {
	case StateParsed:
		return "parsed"
	case StateInstalling:
		return "installing"
	case StateInstalled:
		return "installed"
	case StateActivating:
		return "activating"
	case StateActivated:
		return "activated"
	case StateRedundant:
		return "redundant"
	default:
		return fmt.Sprintf("State(%d)", int32(s))
	}
}

// Options describes one worker version
type Options struct {
	AppName   string   `yaml:"app_name"`
	Version   string   `yaml:"version"`
	Origin    *url.URL `yaml:"-"`
	APIPrefix string   `yaml:"api_prefix"`
	// Precache lists paths or absolute same-origin URLs stored at install
	Precache []string `yaml:"precache"`
	// NetworkTimeout bounds each network attempt. Zero leaves it to the transport.
	NetworkTimeout time.Duration `yaml:"network_timeout"`
	// MaxEntryBytes is the largest body written to the cache
	MaxEntryBytes int64 `yaml:"max_entry_bytes"`
	// CacheStatuses restricts which network responses are cached ("200", "2xx").
	// Empty caches every response the network produced.
	CacheStatuses []string `yaml:"cache_statuses"`
	Exclude       []Rule   `yaml:"exclude"`
}

// CacheName returns the deterministic store name for a version
func CacheName(appName, version string) string {
	return appName + "-cache-" + version
}

func (o Options) validate() error {
	if o.AppName == "" || o.Version == "" {
		return fmt.Errorf("app name and version are required")
	}
	if o.Origin == nil || o.Origin.Scheme == "" || o.Origin.Host == "" {
		return fmt.Errorf("origin must be an absolute URL")
	}
	if !strings.HasPrefix(o.APIPrefix, "/") {
		return fmt.Errorf("API prefix must start with '/': %q", o.APIPrefix)
	}
	return nil
}

// Worker is one version of the offline cache worker
type Worker struct {
	opts    Options
	name    string
	network http.RoundTripper
	storage cache.Storage
	metrics *metrics.Metrics

	state    atomic.Int32
	inflight atomic.Int64
	writes   sync.WaitGroup

	mu    sync.RWMutex
	store *httpcache.HTTPCache
}

// New creates a worker in the parsed state. network carries every outgoing
// request; storage holds the named caches.
func New(opts Options, network http.RoundTripper, storage cache.Storage, m *metrics.Metrics) (*Worker, error) {
	if err := opts.validate(); err != nil {
		return nil, fmt.Errorf("invalid worker options: %w", err)
	}
	if network == nil {
		network = http.DefaultTransport
	}
	if opts.MaxEntryBytes <= 0 {
		opts.MaxEntryBytes = 10 << 20
	}
	origin := *opts.Origin
	opts.Origin = &url.URL{Scheme: strings.ToLower(origin.Scheme), Host: strings.ToLower(origin.Host)}

	return &Worker{
		opts:    opts,
		name:    CacheName(opts.AppName, opts.Version),
		network: network,
		storage: storage,
		metrics: m,
	}, nil
}

// CacheName is the name of the store bound to this worker's version
func (w *Worker) CacheName() string {
	return w.name
}

// Version returns the worker's cache version
func (w *Worker) Version() string {
	return w.opts.Version
}

// State returns the current lifecycle state
func (w *Worker) State() State {
	return State(w.state.Load())
}

func (w *Worker) setState(s State) {
	w.state.Store(int32(s))
}

func (w *Worker) transition(from, to State) bool {
	return w.state.CompareAndSwap(int32(from), int32(to))
}

func (w *Worker) cache() *httpcache.HTTPCache {
	w.mu.RLock()
	defer w.mu.RUnlock()
	return w.store
}

// Wait blocks until every scheduled cache write has finished
func (w *Worker) Wait() {
	w.writes.Wait()
}

// InFlight returns the number of fetches currently being handled
func (w *Worker) InFlight() int64 {
	return w.inflight.Load()
}
