package httpcache

import (
	"context"
	"errors"
	"io"
	"net/http"
	"strings"
	"testing"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func newResponse(status int, body string) *http.Response {
	return &http.Response{
		StatusCode: status,
		Body:       io.NopCloser(strings.NewReader(body)),
		Header:     http.Header{"Content-Type": []string{"text/html"}},
	}
}

func TestGenerateKey(t *testing.T) {
	tests := []struct {
		name   string
		method string
		url    string
		want   string
	}{
		{"root", "GET", "http://app.test", "GET http://app.test/"},
		{"default http port", "GET", "http://app.test:80/auth", "GET http://app.test/auth"},
		{"default https port", "GET", "https://app.test:443/auth", "GET https://app.test/auth"},
		{"custom port kept", "GET", "http://app.test:3000/auth", "GET http://app.test:3000/auth"},
		{"fragment dropped", "GET", "http://app.test/auth#login", "GET http://app.test/auth"},
		{"query kept", "GET", "http://app.test/dashboard?page=2", "GET http://app.test/dashboard?page=2"},
		{"host case folded", "GET", "http://APP.test/Auth", "GET http://app.test/Auth"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			req, err := http.NewRequest(tt.method, tt.url, nil)
			require.NoError(t, err)
			assert.Equal(t, tt.want, GenerateKey(req))
		})
	}
}

func TestParseKey(t *testing.T) {
	method, u, err := ParseKey("GET http://app.test/dashboard?page=2")
	require.NoError(t, err)
	assert.Equal(t, "GET", method)
	assert.Equal(t, "/dashboard", u.Path)

	_, _, err = ParseKey("nonsense")
	assert.Error(t, err)
}

func TestSplit(t *testing.T) {
	resp := newResponse(http.StatusOK, "<html>home</html>")

	forCaller, forCache, err := Split(resp, 1024)
	require.NoError(t, err)
	require.NotNil(t, forCache)

	// Both copies can be read in full, independently
	cacheBody, err := io.ReadAll(forCache.Body)
	require.NoError(t, err)
	callerBody, err := io.ReadAll(forCaller.Body)
	require.NoError(t, err)

	assert.Equal(t, "<html>home</html>", string(callerBody))
	assert.Equal(t, "<html>home</html>", string(cacheBody))
	assert.Equal(t, int64(len("<html>home</html>")), forCache.ContentLength)
	assert.Equal(t, "text/html", forCaller.Header.Get("Content-Type"))

	// Header maps are not shared
	forCache.Header.Set("X-Test", "cache")
	assert.Empty(t, forCaller.Header.Get("X-Test"))
}

func TestSplitOverLimitStreams(t *testing.T) {
	body := strings.Repeat("a", 100)
	resp := newResponse(http.StatusOK, body)

	forCaller, forCache, err := Split(resp, 10)
	require.NoError(t, err)
	assert.Nil(t, forCache, "bodies over the limit are not cached")

	got, err := io.ReadAll(forCaller.Body)
	require.NoError(t, err)
	assert.Equal(t, body, string(got))
	assert.NoError(t, forCaller.Body.Close())
}

func TestSplitNoBody(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusNoContent, Header: http.Header{}}

	forCaller, forCache, err := Split(resp, 10)
	require.NoError(t, err)
	assert.Same(t, resp, forCaller)
	require.NotNil(t, forCache)
	assert.Zero(t, forCache.ContentLength)
}

type failingReader struct{}

func (failingReader) Read([]byte) (int, error) { return 0, errors.New("connection reset") }

func TestSplitReadError(t *testing.T) {
	resp := &http.Response{StatusCode: http.StatusOK, Body: io.NopCloser(failingReader{})}

	_, _, err := Split(resp, 10)
	assert.Error(t, err)
}

func TestHTTPCachePutAndMatch(t *testing.T) {
	ctx := context.Background()
	store, err := cache.NewMemory(0).Open(ctx, "pwa-auth-cache-v1")
	require.NoError(t, err)
	httpCache := New(store)

	req, err := http.NewRequest("GET", "http://app.test/auth", nil)
	require.NoError(t, err)

	// Binary body must survive byte-for-byte
	body := "line one\r\n\x00\xffline two"
	resp := newResponse(http.StatusOK, body)
	_, forCache, err := Split(resp, 1<<20)
	require.NoError(t, err)

	require.NoError(t, httpCache.Put(ctx, req, forCache))

	cached, err := httpCache.Match(ctx, req)
	require.NoError(t, err)
	require.NotNil(t, cached)
	assert.Same(t, req, cached.Request)
	assert.Equal(t, http.StatusOK, cached.StatusCode)
	assert.Equal(t, "text/html", cached.Header.Get("Content-Type"))

	got, err := io.ReadAll(cached.Body)
	require.NoError(t, err)
	assert.Equal(t, []byte(body), got)

	keys, err := httpCache.Keys(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"GET http://app.test/auth"}, keys)

	deleted, err := httpCache.Delete(ctx, req)
	require.NoError(t, err)
	assert.True(t, deleted)

	cached, err = httpCache.Match(ctx, req)
	require.NoError(t, err)
	assert.Nil(t, cached)
}

func TestDeserializeInvalidPrefix(t *testing.T) {
	_, err := Deserialize([]byte("HTTP/1.1 200 OK\r\n\r\n"))
	assert.Error(t, err)

	_, err = Deserialize([]byte("x"))
	assert.Error(t, err)
}
