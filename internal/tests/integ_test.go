package tests

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"os"
	"path/filepath"
	"testing"

	"github.com/iTrooz/offline-cache-proxy/internal/proxy"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func get(t *testing.T, client *http.Client, target string, cookies ...*http.Cookie) (*http.Response, string) {
	t.Helper()
	req, err := http.NewRequest(http.MethodGet, target, nil)
	require.NoError(t, err)
	for _, c := range cookies {
		req.AddCookie(c)
	}
	resp, err := client.Do(req)
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()
	body, err := io.ReadAll(resp.Body)
	require.NoError(t, err)
	return resp, string(body)
}

func TestProxyIntegration(t *testing.T) {
	upstream := fixture_upstream()
	defer upstream.Close()

	tempDir := t.TempDir()
	cfg := fixture_config(upstream.URL, tempDir)

	proxyServer, proxyTestServer, client, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer func() { _ = proxyServer.Close(context.Background()) }()
	defer proxyTestServer.Close()

	t.Run("install precached the shell", func(t *testing.T) {
		entries, err := filepath.Glob(filepath.Join(tempDir, "pwa-auth-cache-v1", "*", "*.bin"))
		require.NoError(t, err)
		assert.Len(t, entries, 2)
	})

	t.Run("first request - cache miss", func(t *testing.T) {
		resp, body := get(t, client, upstream.URL+"/test")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
		assert.Equal(t, "<html>/test</html>", body)
		proxyServer.Wait()
	})

	t.Run("API requests pass through", func(t *testing.T) {
		resp, body := get(t, client, upstream.URL+"/api/users")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Empty(t, resp.Header.Get("X-Cache"))
		assert.Contains(t, body, "Hello from upstream")
	})

	t.Run("protected page redirects to login", func(t *testing.T) {
		resp, _ := get(t, client, upstream.URL+"/dashboard")
		assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
		assert.Equal(t, upstream.URL+"/auth", resp.Header.Get("Location"))

		resp, body := get(t, client, upstream.URL+"/dashboard", &http.Cookie{Name: "token", Value: "abc"})
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "<html>/dashboard</html>", body)
		proxyServer.Wait()
	})

	// Take the application offline
	upstream.Close()

	t.Run("offline - cached page", func(t *testing.T) {
		resp, body := get(t, client, upstream.URL+"/test")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
		assert.Equal(t, "<html>/test</html>", body)
	})

	t.Run("offline - precached login page", func(t *testing.T) {
		resp, body := get(t, client, upstream.URL+"/auth")
		assert.Equal(t, http.StatusOK, resp.StatusCode)
		assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
		assert.Equal(t, "<html>/auth</html>", body)
	})

	t.Run("offline - unknown page", func(t *testing.T) {
		resp, body := get(t, client, upstream.URL+"/never-visited")
		assert.Equal(t, http.StatusServiceUnavailable, resp.StatusCode)
		assert.Equal(t, "OFFLINE", resp.Header.Get("X-Cache"))
		assert.Equal(t, "text/plain", resp.Header.Get("Content-Type"))
		assert.Equal(t, "Offline", body)
	})

	t.Run("offline - API failure reaches the page", func(t *testing.T) {
		resp, _ := get(t, client, upstream.URL+"/api/users")
		assert.Equal(t, http.StatusBadGateway, resp.StatusCode)
	})
}

func TestProxyIntegrationVersionBump(t *testing.T) {
	upstream := fixture_upstream()
	defer upstream.Close()

	tempDir := t.TempDir()
	cfg := fixture_config(upstream.URL, tempDir)

	proxyServer, proxyTestServer, _, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer proxyTestServer.Close()
	require.NoError(t, proxyServer.Close(context.Background()))

	_, err = os.Stat(filepath.Join(tempDir, "pwa-auth-cache-v1"))
	require.NoError(t, err)

	// A new deployment of the worker with a new cache version
	cfg.Worker.Version = "v2"
	proxyServer, proxyTestServer2, _, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer func() { _ = proxyServer.Close(context.Background()) }()
	defer proxyTestServer2.Close()

	resp, err := http.Get(proxyTestServer2.URL + "/_worker/stores")
	require.NoError(t, err)
	defer func() { _ = resp.Body.Close() }()

	var stores []proxy.StoreInfo
	require.NoError(t, json.NewDecoder(resp.Body).Decode(&stores))
	assert.Equal(t, []proxy.StoreInfo{{Name: "pwa-auth-cache-v2", Entries: 2, Active: true}}, stores)
}

func TestProxyIntegrationEdgeMode(t *testing.T) {
	upstream := fixture_upstream()
	defer upstream.Close()

	cfg := fixture_config("http://app.test", t.TempDir())
	cfg.Server.Upstream = upstream.URL

	proxyServer, proxyTestServer, _, err := fixture_proxy(cfg)
	require.NoError(t, err)
	defer func() { _ = proxyServer.Close(context.Background()) }()
	defer proxyTestServer.Close()

	client := &http.Client{
		CheckRedirect: func(*http.Request, []*http.Request) error {
			return http.ErrUseLastResponse
		},
	}

	resp, body := get(t, client, proxyTestServer.URL+"/home")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "MISS", resp.Header.Get("X-Cache"))
	assert.Equal(t, "<html>/home</html>", body)
	proxyServer.Wait()

	resp, _ = get(t, client, proxyTestServer.URL+"/admin")
	assert.Equal(t, http.StatusTemporaryRedirect, resp.StatusCode)
	assert.Equal(t, "http://app.test/auth", resp.Header.Get("Location"))

	upstream.Close()

	resp, body = get(t, client, proxyTestServer.URL+"/home")
	assert.Equal(t, http.StatusOK, resp.StatusCode)
	assert.Equal(t, "HIT", resp.Header.Get("X-Cache"))
	assert.Equal(t, "<html>/home</html>", body)
}
