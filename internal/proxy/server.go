package proxy

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"net/url"

	"github.com/iTrooz/offline-cache-proxy/internal/cache"
	"github.com/iTrooz/offline-cache-proxy/internal/config"
	"github.com/iTrooz/offline-cache-proxy/internal/guard"
	"github.com/iTrooz/offline-cache-proxy/internal/metrics"
	"github.com/iTrooz/offline-cache-proxy/internal/worker"

	"github.com/elazarl/goproxy"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/sirupsen/logrus"
)

// Server represents the offline cache proxy server
type Server struct {
	config   *config.Config
	proxy    *goproxy.ProxyHttpServer
	registry *worker.Registry
	guard    *guard.Guard
	storage  cache.Storage
	metrics  *metrics.Metrics
	gatherer prometheus.Gatherer

	origin     *url.URL
	workerOpts worker.Options
	httpServer *http.Server
}

// New creates a new proxy server. The worker is not registered until
// Register or Start is called.
func New(cfg *config.Config) (*Server, error) {
	origin, err := cfg.GetOrigin()
	if err != nil {
		return nil, fmt.Errorf("invalid worker origin: %w", err)
	}

	activationTimeout, err := cfg.GetActivationTimeout()
	if err != nil {
		return nil, fmt.Errorf("invalid activation timeout: %w", err)
	}

	workerOpts, err := WorkerOptions(cfg)
	if err != nil {
		return nil, err
	}

	network, err := newTransport(cfg, origin)
	if err != nil {
		return nil, err
	}

	storage, err := OpenStorage(cfg)
	if err != nil {
		return nil, err
	}

	promRegistry := prometheus.NewRegistry()
	m := metrics.New(promRegistry)

	s := &Server{
		config:     cfg,
		proxy:      goproxy.NewProxyHttpServer(),
		registry:   worker.NewRegistry(network, storage, m, activationTimeout),
		storage:    storage,
		metrics:    m,
		gatherer:   promRegistry,
		origin:     origin,
		workerOpts: workerOpts,
	}
	if cfg.Guard.Enabled {
		s.guard = guard.New(cfg.Guard.Cookie, cfg.Guard.Protected, cfg.Guard.LoginPath)
	}

	s.httpServer = &http.Server{
		Addr:    fmt.Sprintf(":%d", cfg.Server.Port),
		Handler: s.proxy,
	}

	s.proxy.Logger = logrus.StandardLogger()
	s.proxy.Verbose = logrus.IsLevelEnabled(logrus.DebugLevel)
	s.proxy.NonproxyHandler = s.routes()
	s.proxy.OnRequest().DoFunc(s.onRequest)

	if cfg.Server.HTTPS.Enabled {
		if err := s.setupHTTPSProxyHandler(); err != nil {
			_ = storage.Close()
			return nil, err
		}
	}

	return s, nil
}

// WorkerOptions builds the worker description from the configuration
func WorkerOptions(cfg *config.Config) (worker.Options, error) {
	origin, err := cfg.GetOrigin()
	if err != nil {
		return worker.Options{}, fmt.Errorf("invalid worker origin: %w", err)
	}
	networkTimeout, err := cfg.GetNetworkTimeout()
	if err != nil {
		return worker.Options{}, fmt.Errorf("invalid network timeout: %w", err)
	}

	return worker.Options{
		AppName:        cfg.Worker.AppName,
		Version:        cfg.Worker.Version,
		Origin:         origin,
		APIPrefix:      cfg.Worker.APIPrefix,
		Precache:       cfg.Worker.Precache,
		NetworkTimeout: networkTimeout,
		MaxEntryBytes:  cfg.Worker.MaxEntryBytes,
		CacheStatuses:  cfg.Worker.CacheStatuses,
		Exclude:        worker.RulesFromConfig(cfg.Worker.Exclude),
	}, nil
}

// OpenStorage opens the cache storage selected by the configuration
func OpenStorage(cfg *config.Config) (cache.Storage, error) {
	ttl, err := cfg.GetCacheTTL()
	if err != nil {
		return nil, fmt.Errorf("invalid cache TTL: %w", err)
	}
	storage, err := cache.New(cache.Options{
		Backend: cfg.Cache.Backend,
		Folder:  cfg.Cache.Folder,
		TTL:     ttl,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to open %s cache: %w", cfg.Cache.Backend, err)
	}
	return storage, nil
}

// GetProxy returns the HTTP handler serving proxy and control traffic
func (s *Server) GetProxy() http.Handler {
	return s.proxy
}

// Registry returns the worker registry
func (s *Server) Registry() *worker.Registry {
	return s.registry
}

// Register registers the configured worker
func (s *Server) Register(ctx context.Context) error {
	w, changed, err := s.registry.Register(ctx, s.workerOpts)
	if err != nil {
		return fmt.Errorf("failed to register worker: %w", err)
	}
	if changed {
		logrus.Infof("Registered worker %s for %s", w.CacheName(), s.origin)
	}
	return nil
}

// Start registers the worker and serves until the server is closed
func (s *Server) Start(ctx context.Context) error {
	if err := s.Register(ctx); err != nil {
		// Without a controller requests still pass through to the network
		logrus.Errorf("%v", err)
	}

	if addr := s.config.Server.HTTPS.TransparentAddr; s.config.Server.HTTPS.Enabled && addr != "" {
		go func() {
			if err := s.StartTransparentHTTPS(addr); err != nil {
				logrus.Errorf("Transparent HTTPS listener stopped: %v", err)
			}
		}()
	}

	logrus.Infof("Starting offline cache proxy on port %d", s.config.Server.Port)
	logrus.Infof("Worker origin: %s", s.origin)
	logrus.Infof("Cache backend: %s (%s)", s.config.Cache.Backend, s.config.Cache.Folder)
	if s.config.Server.Upstream != "" {
		logrus.Infof("Edge mode: serving %s from %s", s.origin, s.config.Server.Upstream)
	}

	if err := s.httpServer.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return err
	}
	return nil
}

// Wait blocks until pending cache writes have finished
func (s *Server) Wait() {
	s.registry.Wait()
}

// Close stops the listener, waits for pending cache writes and closes the storage
func (s *Server) Close(ctx context.Context) error {
	var errs []error
	if err := s.httpServer.Shutdown(ctx); err != nil {
		errs = append(errs, fmt.Errorf("failed to shut down server: %w", err))
	}
	s.registry.Wait()
	if err := s.storage.Close(); err != nil {
		errs = append(errs, fmt.Errorf("failed to close cache: %w", err))
	}
	return errors.Join(errs...)
}

func (s *Server) onRequest(requ *http.Request, ctx *goproxy.ProxyCtx) (*http.Request, *http.Response) {
	return requ, s.handle(requ)
}

// handle runs an absolute-URL request through the guard and the worker
func (s *Server) handle(requ *http.Request) *http.Response {
	removeProxyHeaders(requ)

	if s.guard != nil && worker.SameOrigin(requ.URL, s.origin) {
		if resp := s.guard.Response(requ); resp != nil {
			return resp
		}
	}

	res, err := s.registry.Handle(requ)
	if err != nil {
		logrus.Warnf("Request %s %s failed: %v", requ.Method, requ.URL, err)
		return goproxy.NewResponse(requ, goproxy.ContentTypeText, http.StatusBadGateway, err.Error())
	}

	resp := res.Response
	if label := cacheLabel(res.Outcome); label != "" {
		if resp.Header == nil {
			resp.Header = make(http.Header)
		}
		resp.Header.Set("X-Cache", label)
	}
	logrus.Debugf("%s %s -> %d (%s)", requ.Method, requ.URL, resp.StatusCode, res.Outcome)
	return resp
}

func cacheLabel(outcome worker.Outcome) string {
	switch outcome {
	case worker.OutcomeNetwork:
		return "MISS"
	case worker.OutcomeCache:
		return "HIT"
	case worker.OutcomeFallback:
		return "OFFLINE"
	default:
		return ""
	}
}
