package worker

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/iTrooz/offline-cache-proxy/internal/metrics"
	"github.com/sirupsen/logrus"
	"gopkg.in/yaml.v3"
)

// Registry holds the worker in control of the origin and implements the
// registration contract: registering an unchanged worker is a no-op, a changed
// one is installed and takes over once the previous one has drained.
type Registry struct {
	network           http.RoundTripper
	storage           cache.Storage
	metrics           *metrics.Metrics
	activationTimeout time.Duration

	// serializes Register and Unregister
	regMu sync.Mutex

	mu          sync.RWMutex
	active      *Worker
	fingerprint string
}

// NewRegistry creates a registry with no controller. activationTimeout bounds
// how long a new worker waits for the previous one to drain before taking over.
func NewRegistry(network http.RoundTripper, storage cache.Storage, m *metrics.Metrics, activationTimeout time.Duration) *Registry {
	if network == nil {
		network = http.DefaultTransport
	}
	return &Registry{
		network:           network,
		storage:           storage,
		metrics:           m,
		activationTimeout: activationTimeout,
	}
}

// Fingerprint identifies a worker script: two option sets with the same
// fingerprint register the same worker.
func Fingerprint(opts Options) (string, error) {
	data, err := yaml.Marshal(opts)
	if err != nil {
		return "", fmt.Errorf("failed to encode worker options: %w", err)
	}
	if opts.Origin != nil {
		data = append(data, origin(opts.Origin)...)
	}
	hash := sha256.Sum256(data)
	return hex.EncodeToString(hash[:]), nil
}

// Controller returns the worker in control, or nil
func (r *Registry) Controller() *Worker {
	r.mu.RLock()
	defer r.mu.RUnlock()
	return r.active
}

// Register installs and activates the worker described by opts unless it is
// already the controller. It returns the controller and whether it changed.
// When install fails the previous worker stays in control.
func (r *Registry) Register(ctx context.Context, opts Options) (*Worker, bool, error) {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	fingerprint, err := Fingerprint(opts)
	if err != nil {
		return nil, false, err
	}

	r.mu.RLock()
	prev, prevFingerprint := r.active, r.fingerprint
	r.mu.RUnlock()

	if prev != nil && prevFingerprint == fingerprint {
		logrus.Debugf("Worker %s already registered, nothing to do", prev.CacheName())
		return prev, false, nil
	}

	next, err := New(opts, r.network, r.storage, r.metrics)
	if err != nil {
		return prev, false, err
	}
	if err := next.Install(ctx); err != nil {
		return prev, false, err
	}

	err = next.activate(ctx, func(ctx context.Context) {
		r.mu.Lock()
		r.active, r.fingerprint = next, fingerprint
		r.mu.Unlock()

		if prev != nil {
			prev.retire()
			r.drain(ctx, prev)
		}
	})
	if err != nil {
		return prev, false, err
	}

	logrus.Infof("Worker %s is now in control", next.CacheName())
	return next, true, nil
}

func (r *Registry) drain(ctx context.Context, w *Worker) {
	if r.activationTimeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, r.activationTimeout)
		defer cancel()
	}
	if err := w.Drain(ctx); err != nil {
		logrus.Warnf("Worker %s did not drain (%v), taking over anyway", w.CacheName(), err)
	}
}

// Unregister removes the controller and deletes every cache store
func (r *Registry) Unregister(ctx context.Context) error {
	r.regMu.Lock()
	defer r.regMu.Unlock()

	r.mu.Lock()
	prev := r.active
	r.active, r.fingerprint = nil, ""
	r.mu.Unlock()

	if prev != nil {
		prev.retire()
		r.drain(ctx, prev)
	}
	r.metrics.SetActiveVersion("")

	names, err := r.storage.Names(ctx)
	if err != nil {
		return fmt.Errorf("failed to list cache stores: %w", err)
	}

	var errs []error
	for _, name := range names {
		if _, err := r.storage.Delete(ctx, name); err != nil {
			errs = append(errs, fmt.Errorf("failed to delete cache store %s: %w", name, err))
		}
	}
	logrus.Infof("Unregistered worker, deleted %d cache stores", len(names)-len(errs))
	return errors.Join(errs...)
}

// Handle routes a fetch to the controller. Without a controller the request
// is passed through to the network.
func (r *Registry) Handle(req *http.Request) (Result, error) {
	// A fetch racing a takeover can reach the retired worker; retry once
	// with the new controller.
	for attempt := 0; attempt < 2; attempt++ {
		w := r.Controller()
		if w == nil {
			resp, err := r.network.RoundTrip(outbound(req))
			return Result{Response: resp, Outcome: OutcomeBypass}, err
		}

		res, err := w.Handle(req)
		if errors.Is(err, ErrNotActive) {
			continue
		}
		return res, err
	}
	return Result{}, ErrNotActive
}

// Intercept routes a fetch and returns the response for the page
func (r *Registry) Intercept(req *http.Request) (*http.Response, error) {
	res, err := r.Handle(req)
	return res.Response, err
}

// Wait blocks until the controller's scheduled cache writes have finished
func (r *Registry) Wait() {
	if w := r.Controller(); w != nil {
		w.Wait()
	}
}
