package worker

import (
	"context"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/cache/httpcache"
	"github.com/sirupsen/logrus"
)

const cacheWriteTimeout = 30 * time.Second

// OfflineBody is the body of the response synthesized when both the network
// and the cache fail.
const OfflineBody = "Offline"

// Outcome tells how an intercepted request was answered
type Outcome string

const (
	// OutcomeBypass: the request never entered the caching logic
	OutcomeBypass Outcome = "bypass"
	// OutcomeNetwork: answered by the network, a copy was scheduled for caching
	OutcomeNetwork Outcome = "network"
	// OutcomeCache: the network failed, answered from the cache
	OutcomeCache Outcome = "cache"
	// OutcomeFallback: network and cache failed, answered with a 503
	OutcomeFallback Outcome = "fallback"
)

// Result is the answer to an intercepted request
type Result struct {
	Response *http.Response
	Outcome  Outcome
}

// Intercept handles one fetch and returns the response for the page
func (w *Worker) Intercept(req *http.Request) (*http.Response, error) {
	res, err := w.Handle(req)
	return res.Response, err
}

// Handle handles one fetch. Requests that bypass the cache are forwarded
// untouched and their network error, if any, is returned as is. Every other
// request gets a response and a nil error.
func (w *Worker) Handle(req *http.Request) (Result, error) {
	w.inflight.Add(1)
	defer w.inflight.Add(-1)

	if s := w.State(); s != StateActivating && s != StateActivated {
		return Result{}, ErrNotActive
	}

	if reason := w.bypassReason(req); reason != "" {
		logrus.Debugf("Passing through %s %s (%s)", req.Method, req.URL, reason)
		w.metrics.RecordFetch(string(OutcomeBypass))
		resp, err := w.network.RoundTrip(outbound(req))
		if err != nil {
			return Result{Outcome: OutcomeBypass}, err
		}
		return Result{Response: resp, Outcome: OutcomeBypass}, nil
	}

	res := w.networkFirst(req)
	w.metrics.RecordFetch(string(res.Outcome))
	return res, nil
}

// bypassReason returns why req must not enter the caching logic, or ""
func (w *Worker) bypassReason(req *http.Request) string {
	if req.Method != http.MethodGet {
		return "method"
	}
	if !w.sameOrigin(req.URL) {
		return "cross-origin"
	}
	if strings.HasPrefix(cleanPath(req.URL.Path), w.opts.APIPrefix) {
		return "api"
	}
	for _, rule := range w.opts.Exclude {
		if rule.Match(req) {
			return "excluded"
		}
	}
	return ""
}

func (w *Worker) sameOrigin(u *url.URL) bool {
	return SameOrigin(u, w.opts.Origin)
}

// SameOrigin reports whether the absolute URL u belongs to origin o
func SameOrigin(u, o *url.URL) bool {
	if u == nil || o == nil || !u.IsAbs() {
		return false
	}
	return origin(u) == origin(o)
}

// origin returns scheme://host with the default port trimmed
func origin(u *url.URL) string {
	scheme := strings.ToLower(u.Scheme)
	host := strings.ToLower(u.Host)
	if (scheme == "http" && strings.HasSuffix(host, ":80")) || (scheme == "https" && strings.HasSuffix(host, ":443")) {
		host = host[:strings.LastIndex(host, ":")]
	}
	return scheme + "://" + host
}

func (w *Worker) networkFirst(req *http.Request) Result {
	resp, err := w.roundTrip(outbound(req))
	if err == nil {
		forCaller, forCache, splitErr := httpcache.Split(resp, w.opts.MaxEntryBytes)
		if splitErr == nil {
			w.schedulePut(req, forCache)
			return Result{Response: forCaller, Outcome: OutcomeNetwork}
		}
		err = splitErr
	}

	logrus.WithFields(logrus.Fields{
		"url":   req.URL.String(),
		"cache": w.name,
	}).Debugf("Network failed, falling back to cache: %v", err)

	if cached := w.match(req); cached != nil {
		return Result{Response: cached, Outcome: OutcomeCache}
	}

	return Result{Response: offlineResponse(req), Outcome: OutcomeFallback}
}

// schedulePut writes forCache in the background. Failures are logged and
// never reach the caller.
func (w *Worker) schedulePut(req *http.Request, forCache *http.Response) {
	if forCache == nil {
		logrus.Debugf("Not caching %s: body too large", req.URL)
		w.metrics.RecordCacheWrite("skipped")
		return
	}
	if !w.cacheableStatus(forCache.StatusCode) {
		logrus.Debugf("Not caching %s: status %d", req.URL, forCache.StatusCode)
		w.metrics.RecordCacheWrite("skipped")
		return
	}

	hc := w.cache()
	if hc == nil {
		logrus.Errorf("Failed to cache %s: store %s is not open", req.URL, w.name)
		w.metrics.RecordCacheWrite("error")
		return
	}

	key := httpcache.GenerateKey(req)
	// The page may go away before the write lands; the write still completes.
	ctx := context.WithoutCancel(req.Context())

	w.writes.Add(1)
	go func() {
		defer w.writes.Done()

		ctx, cancel := context.WithTimeout(ctx, cacheWriteTimeout)
		defer cancel()

		if err := hc.PutKey(ctx, key, forCache); err != nil {
			logrus.Errorf("Failed to cache response for %s: %v", key, err)
			w.metrics.RecordCacheWrite("error")
			return
		}
		w.metrics.RecordCacheWrite("ok")
	}()
}

func (w *Worker) match(req *http.Request) *http.Response {
	hc := w.cache()
	if hc == nil {
		return nil
	}
	cached, err := hc.Match(req.Context(), req)
	if err != nil {
		logrus.Errorf("Failed to get cached data for %s: %v", req.URL, err)
		return nil
	}
	if cached == nil {
		logrus.Debugf("No cached data found for %s", req.URL)
	}
	return cached
}

// roundTrip performs a network attempt bounded by the network timeout
func (w *Worker) roundTrip(req *http.Request) (*http.Response, error) {
	if w.opts.NetworkTimeout <= 0 {
		return w.network.RoundTrip(req)
	}

	ctx, cancel := context.WithTimeout(req.Context(), w.opts.NetworkTimeout)
	resp, err := w.network.RoundTrip(req.WithContext(ctx))
	if err != nil {
		cancel()
		return nil, err
	}
	if resp.Body == nil {
		cancel()
		return resp, nil
	}
	resp.Body = &cancelOnClose{ReadCloser: resp.Body, cancel: cancel}
	return resp, nil
}

// outbound prepares a server-side request for a round trip
func outbound(req *http.Request) *http.Request {
	if req.RequestURI == "" {
		return req
	}
	out := req.Clone(req.Context())
	out.RequestURI = ""
	return out
}

func offlineResponse(req *http.Request) *http.Response {
	return &http.Response{
		Status:        "503 Service Unavailable",
		StatusCode:    http.StatusServiceUnavailable,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Content-Type": []string{"text/plain"}},
		Body:          io.NopCloser(strings.NewReader(OfflineBody)),
		ContentLength: int64(len(OfflineBody)),
		Request:       req,
	}
}

type cancelOnClose struct {
	io.ReadCloser
	cancel context.CancelFunc
}

func (c *cancelOnClose) Close() error {
	err := c.ReadCloser.Close()
	c.cancel()
	return err
}
