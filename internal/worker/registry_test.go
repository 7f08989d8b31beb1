package worker

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/jarcoal/httpmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestRegisterIsIdempotent(t *testing.T) {
	mock := newMock()
	registry := NewRegistry(mock, cache.NewMemory(0), nil, time.Second)
	ctx := context.Background()

	first, changed, err := registry.Register(ctx, testOptions())
	require.NoError(t, err)
	assert.True(t, changed)

	second, changed, err := registry.Register(ctx, testOptions())
	require.NoError(t, err)
	assert.False(t, changed)

	assert.Same(t, first, second, "one controller, not two")
	assert.Same(t, first, registry.Controller())
	assert.Equal(t, StateActivated, first.State())
	assert.Equal(t, 1, mock.GetCallCountInfo()["GET "+testOrigin+"/"], "unchanged registration does not reinstall")
}

func TestRegisterNewVersionTakesOver(t *testing.T) {
	mock := newMock()
	storage := cache.NewMemory(0)
	registry := NewRegistry(mock, storage, nil, time.Second)
	ctx := context.Background()

	v1, _, err := registry.Register(ctx, testOptions())
	require.NoError(t, err)

	opts := testOptions()
	opts.Version = "v2"
	v2, changed, err := registry.Register(ctx, opts)
	require.NoError(t, err)
	assert.True(t, changed)

	assert.Same(t, v2, registry.Controller())
	assert.Equal(t, StateRedundant, v1.State())
	assert.Equal(t, StateActivated, v2.State())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pwa-auth-cache-v2"}, names, "bumping the version discards old payloads")

	_, err = v1.Handle(get(t, testOrigin+"/"))
	assert.ErrorIs(t, err, ErrNotActive)

	res, err := registry.Handle(get(t, testOrigin+"/"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeNetwork, res.Outcome)
	_ = readBody(t, res.Response)
	registry.Wait()
}

func TestRegisterFailedInstallKeepsPrevious(t *testing.T) {
	mock := newMock()
	storage := cache.NewMemory(0)
	registry := NewRegistry(mock, storage, nil, time.Second)
	ctx := context.Background()

	v1, _, err := registry.Register(ctx, testOptions())
	require.NoError(t, err)

	opts := testOptions()
	opts.Version = "v2"
	opts.Precache = []string{"/", "/missing"}
	mock.RegisterResponder("GET", testOrigin+"/missing", httpmock.NewStringResponder(404, "nope"))

	current, changed, err := registry.Register(ctx, opts)
	assert.ErrorIs(t, err, ErrInstallFailed)
	assert.False(t, changed)
	assert.Same(t, v1, current)
	assert.Same(t, v1, registry.Controller())
	assert.Equal(t, StateActivated, v1.State())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Equal(t, []string{"pwa-auth-cache-v1"}, names)
}

func TestRegisterWaitsForInFlightFetches(t *testing.T) {
	mock := newMock()
	registry := NewRegistry(mock, cache.NewMemory(0), nil, 5*time.Second)
	ctx := context.Background()

	v1, _, err := registry.Register(ctx, testOptions())
	require.NoError(t, err)

	release := make(chan struct{})
	started := make(chan struct{})
	mock.RegisterResponder("GET", testOrigin+"/slow", func(*http.Request) (*http.Response, error) {
		close(started)
		<-release
		return httpmock.NewStringResponse(200, "slow"), nil
	})

	fetched := make(chan Result, 1)
	go func() {
		res, err := registry.Handle(get(t, testOrigin+"/slow"))
		assert.NoError(t, err)
		fetched <- res
	}()
	<-started

	registered := make(chan struct{})
	go func() {
		defer close(registered)
		opts := testOptions()
		opts.Version = "v2"
		_, _, err := registry.Register(ctx, opts)
		assert.NoError(t, err)
	}()

	select {
	case <-registered:
		t.Fatal("activation finished while the old worker still had a fetch in flight")
	case <-time.After(50 * time.Millisecond):
	}

	close(release)
	res := <-fetched
	assert.Equal(t, "slow", readBody(t, res.Response))
	<-registered

	assert.Equal(t, StateRedundant, v1.State())
	assert.Equal(t, "v2", registry.Controller().Version())
	v1.Wait()
	registry.Wait()
}

func TestUnregisterDeletesEverything(t *testing.T) {
	mock := newMock()
	storage := cache.NewMemory(0)
	registry := NewRegistry(mock, storage, nil, time.Second)
	ctx := context.Background()

	_, err := storage.Open(ctx, "someone-else-cache-v9")
	require.NoError(t, err)
	v1, _, err := registry.Register(ctx, testOptions())
	require.NoError(t, err)

	require.NoError(t, registry.Unregister(ctx))
	assert.Nil(t, registry.Controller())
	assert.Equal(t, StateRedundant, v1.State())

	names, err := storage.Names(ctx)
	require.NoError(t, err)
	assert.Empty(t, names)

	// Uncontrolled pages talk to the network directly
	mock.Reset()
	_, err = registry.Handle(get(t, testOrigin+"/"))
	assert.Error(t, err)

	// Registering again after unregistering installs afresh
	mock.RegisterResponder("GET", testOrigin+"/", httpmock.NewStringResponder(200, "<html>home</html>"))
	mock.RegisterResponder("GET", testOrigin+"/auth", httpmock.NewStringResponder(200, "<html>login</html>"))
	_, changed, err := registry.Register(ctx, testOptions())
	require.NoError(t, err)
	assert.True(t, changed)
}

func TestRegistryPassThroughWithoutController(t *testing.T) {
	mock := httpmock.NewMockTransport()
	want := httpmock.NewStringResponse(http.StatusOK, "page")
	mock.RegisterResponder("GET", testOrigin+"/", func(*http.Request) (*http.Response, error) {
		return want, nil
	})
	registry := NewRegistry(mock, cache.NewMemory(0), nil, time.Second)

	res, err := registry.Handle(get(t, testOrigin+"/"))
	require.NoError(t, err)
	assert.Equal(t, OutcomeBypass, res.Outcome)
	assert.Same(t, want, res.Response)

	networkErr := errors.New("offline")
	mock.RegisterResponder("GET", testOrigin+"/", httpmock.NewErrorResponder(networkErr))
	resp, err := registry.Intercept(get(t, testOrigin+"/"))
	assert.ErrorIs(t, err, networkErr)
	assert.Nil(t, resp)
}

func TestFingerprint(t *testing.T) {
	a, err := Fingerprint(testOptions())
	require.NoError(t, err)
	b, err := Fingerprint(testOptions())
	require.NoError(t, err)
	assert.Equal(t, a, b)

	opts := testOptions()
	opts.Precache = append(opts.Precache, "/offline")
	c, err := Fingerprint(opts)
	require.NoError(t, err)
	assert.NotEqual(t, a, c)

	opts = testOptions()
	opts.Origin.Host = "other.test"
	d, err := Fingerprint(opts)
	require.NoError(t, err)
	assert.NotEqual(t, a, d)
}
