package worker

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/cache/httpcache"
	"github.com/sirupsen/logrus"
	"golang.org/x/sync/errgroup"
)

type precacheEntry struct {
	key  string
	resp *http.Response
}

// Install fetches the precached set and writes it into the worker's store.
// It is all-or-nothing: any failed fetch or write fails the install, and a
// store created by a failed install is deleted again.
func (w *Worker) Install(ctx context.Context) error {
	if !w.transition(StateParsed, StateInstalling) {
		return fmt.Errorf("%w: cannot install from state %s", ErrInstallFailed, w.State())
	}
	logrus.Infof("Installing worker %s (%d precache entries)", w.name, len(w.opts.Precache))

	if err := w.install(ctx); err != nil {
		w.setState(StateRedundant)
		w.metrics.RecordInstall("error")
		logrus.Errorf("Install of %s failed: %v", w.name, err)
		return fmt.Errorf("%w: %w", ErrInstallFailed, err)
	}

	w.setState(StateInstalled)
	w.metrics.RecordInstall("ok")
	logrus.Infof("Installed worker %s", w.name)
	return nil
}

func (w *Worker) install(ctx context.Context) error {
	entries, err := w.fetchPrecache(ctx)
	if err != nil {
		return err
	}

	existed, err := w.storage.Has(ctx, w.name)
	if err != nil {
		return fmt.Errorf("failed to check store %s: %w", w.name, err)
	}

	store, err := w.storage.Open(ctx, w.name)
	if err != nil {
		return fmt.Errorf("failed to open store %s: %w", w.name, err)
	}
	hc := httpcache.New(store)

	for _, entry := range entries {
		if err := hc.PutKey(ctx, entry.key, entry.resp); err != nil {
			if !existed {
				if _, derr := w.storage.Delete(context.WithoutCancel(ctx), w.name); derr != nil {
					logrus.Errorf("Failed to remove partially installed store %s: %v", w.name, derr)
				}
			}
			return fmt.Errorf("failed to precache %s: %w", entry.key, err)
		}
	}

	w.mu.Lock()
	w.store = hc
	w.mu.Unlock()
	return nil
}

// fetchPrecache fetches every precache URL concurrently and buffers the
// responses. Nothing is written until all of them succeeded.
func (w *Worker) fetchPrecache(ctx context.Context) ([]precacheEntry, error) {
	entries := make([]precacheEntry, len(w.opts.Precache))
	g, gctx := errgroup.WithContext(ctx)

	for i, ref := range w.opts.Precache {
		u, err := w.resolve(ref)
		if err != nil {
			return nil, err
		}

		g.Go(func() error {
			req, err := http.NewRequestWithContext(gctx, http.MethodGet, u.String(), nil)
			if err != nil {
				return err
			}

			resp, err := w.roundTrip(req)
			if err != nil {
				return fmt.Errorf("failed to fetch %s: %w", u, err)
			}
			if resp.StatusCode < 200 || resp.StatusCode > 299 {
				_ = resp.Body.Close()
				return fmt.Errorf("failed to fetch %s: status %d", u, resp.StatusCode)
			}

			forCaller, forCache, err := httpcache.Split(resp, w.opts.MaxEntryBytes)
			if err != nil {
				return fmt.Errorf("failed to read %s: %w", u, err)
			}
			_ = forCaller.Body.Close()
			if forCache == nil {
				return fmt.Errorf("failed to precache %s: body larger than %d bytes", u, w.opts.MaxEntryBytes)
			}

			entries[i] = precacheEntry{key: httpcache.GenerateKey(req), resp: forCache}
			logrus.Debugf("Fetched precache entry %s", u)
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return entries, nil
}

// resolve turns a precache entry into an absolute same-origin URL
func (w *Worker) resolve(ref string) (*url.URL, error) {
	parsed, err := url.Parse(ref)
	if err != nil {
		return nil, fmt.Errorf("invalid precache URL %q: %w", ref, err)
	}
	u := w.opts.Origin.ResolveReference(parsed)
	if !w.sameOrigin(u) {
		return nil, fmt.Errorf("precache URL %q is not on origin %s", ref, w.opts.Origin)
	}
	return u, nil
}

// Activate deletes every store except the one bound to this worker's
// version. Failing to delete a stale store is logged; activation proceeds
// and the store is retried on the next activation.
func (w *Worker) Activate(ctx context.Context) error {
	return w.activate(ctx, nil)
}

// activate runs takeover between leaving the installed state and pruning.
// While activating the worker already serves fetches from its own store.
func (w *Worker) activate(ctx context.Context, takeover func(ctx context.Context)) error {
	if !w.transition(StateInstalled, StateActivating) {
		return fmt.Errorf("%w: cannot activate from state %s", ErrNotInstalled, w.State())
	}
	logrus.Infof("Activating worker %s", w.name)

	if takeover != nil {
		takeover(ctx)
	}

	pruned := w.prune(ctx)
	w.metrics.RecordPruned(pruned)

	w.setState(StateActivated)
	w.metrics.SetActiveVersion(w.opts.Version)
	logrus.Infof("Activated worker %s, pruned %d stale stores", w.name, pruned)
	return nil
}

func (w *Worker) prune(ctx context.Context) int {
	names, err := w.storage.Names(ctx)
	if err != nil {
		logrus.Errorf("Failed to list cache stores: %v", err)
		return 0
	}

	pruned := 0
	for _, name := range names {
		if name == w.name {
			continue
		}
		deleted, err := w.storage.Delete(ctx, name)
		if err != nil {
			logrus.Errorf("Failed to delete stale cache store %s: %v", name, err)
			continue
		}
		if deleted {
			logrus.Debugf("Deleted stale cache store %s", name)
			pruned++
		}
	}
	return pruned
}

// retire marks the worker redundant. Fetches that reach it afterwards fail
// with ErrNotActive.
func (w *Worker) retire() {
	w.setState(StateRedundant)
}

// Drain waits until no fetch is in flight on the worker and its scheduled
// cache writes are done, or ctx ends.
func (w *Worker) Drain(ctx context.Context) error {
	ticker := time.NewTicker(10 * time.Millisecond)
	defer ticker.Stop()

	for w.inflight.Load() > 0 {
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-ticker.C:
		}
	}

	done := make(chan struct{})
	go func() {
		w.writes.Wait()
		close(done)
	}()

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}
