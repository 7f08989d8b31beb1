package httpcache

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"strings"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/sirupsen/logrus"
)

// HTTPCache is the request/response view of a cache.Store
type HTTPCache struct {
	store cache.Store
}

func New(store cache.Store) *HTTPCache {
	return &HTTPCache{
		store: store,
	}
}

// GenerateKey returns the identity of a request: its method and its URL,
// with the fragment dropped and default ports trimmed.
func GenerateKey(request *http.Request) string {
	u := *request.URL
	u.Fragment = ""
	u.RawFragment = ""
	u.User = nil
	u.Scheme = strings.ToLower(u.Scheme)
	u.Host = strings.ToLower(u.Host)
	if (u.Scheme == "http" && strings.HasSuffix(u.Host, ":80")) ||
		(u.Scheme == "https" && strings.HasSuffix(u.Host, ":443")) {
		u.Host = u.Host[:strings.LastIndex(u.Host, ":")]
	}
	if u.Path == "" && u.Opaque == "" {
		u.Path = "/"
	}
	return request.Method + " " + u.String()
}

// ParseKey splits a key produced by GenerateKey back into method and URL
func ParseKey(key string) (string, *url.URL, error) {
	method, rawURL, ok := strings.Cut(key, " ")
	if !ok {
		return "", nil, fmt.Errorf("malformed cache key: %q", key)
	}
	u, err := url.Parse(rawURL)
	if err != nil {
		return "", nil, fmt.Errorf("malformed cache key URL: %w", err)
	}
	return method, u, nil
}

// Put stores resp under the request's key. The response body is consumed.
func (d *HTTPCache) Put(ctx context.Context, request *http.Request, resp *http.Response) error {
	return d.PutKey(ctx, GenerateKey(request), resp)
}

func (d *HTTPCache) PutKey(ctx context.Context, requestKey string, resp *http.Response) error {
	data, err := Serialize(resp)
	if err != nil {
		return fmt.Errorf("failed to read response body: %w", err)
	}

	if err := d.store.Set(ctx, requestKey, data); err != nil {
		return fmt.Errorf("failed to set cache: %w", err)
	}

	logrus.Debugf("Cached response for %s", requestKey)
	return nil
}

// Match returns the cached response for req, or nil, nil on a miss
func (d *HTTPCache) Match(ctx context.Context, req *http.Request) (*http.Response, error) {
	resp, err := d.MatchKey(ctx, GenerateKey(req))
	if err != nil {
		return nil, err
	}
	// Handle no cache hit
	if resp == nil {
		return nil, nil
	}

	// Associate the original request with the response
	resp.Request = req
	return resp, nil
}

func (d *HTTPCache) MatchKey(ctx context.Context, requestKey string) (*http.Response, error) {
	data, err := d.store.Get(ctx, requestKey)
	if err != nil {
		return nil, fmt.Errorf("failed to get cache: %w", err)
	}
	if data == nil {
		return nil, nil // Cache miss
	}

	resp, err := Deserialize(data)
	if err != nil {
		return nil, fmt.Errorf("failed to deserialize response: %w", err)
	}

	logrus.Debugf("Cache hit for %s", requestKey)
	return resp, nil
}

// Delete removes the entry for req
func (d *HTTPCache) Delete(ctx context.Context, req *http.Request) (bool, error) {
	return d.store.Delete(ctx, GenerateKey(req))
}

// Keys lists the request keys held by the store
func (d *HTTPCache) Keys(ctx context.Context) ([]string, error) {
	return d.store.Keys(ctx)
}
