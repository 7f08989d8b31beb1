package proxy

import (
	"context"
	"fmt"
	"io"
	"net"
	"net/http"
	"net/url"
	"time"

	"github.com/iTrooz/offline-cache-proxy/internal/config"

	"github.com/sirupsen/logrus"
)

// newTransport returns the network used by the worker. In edge mode
// connections to the origin address are dialed to the upstream instead.
func newTransport(cfg *config.Config, origin *url.URL) (*http.Transport, error) {
	tr := http.DefaultTransport.(*http.Transport).Clone()
	tr.Proxy = nil

	if cfg.Server.Upstream == "" {
		return tr, nil
	}

	upstream, err := url.Parse(cfg.Server.Upstream)
	if err != nil {
		return nil, fmt.Errorf("invalid upstream: %w", err)
	}
	originAddr := hostPort(origin)
	upstreamAddr := hostPort(upstream)

	dialer := &net.Dialer{Timeout: 30 * time.Second, KeepAlive: 30 * time.Second}
	tr.DialContext = func(ctx context.Context, network, addr string) (net.Conn, error) {
		if addr == originAddr {
			addr = upstreamAddr
		}
		return dialer.DialContext(ctx, network, addr)
	}
	return tr, nil
}

// hostPort returns host:port for u, with the scheme's default port when absent
func hostPort(u *url.URL) string {
	if u.Port() != "" {
		return u.Host
	}
	port := "80"
	if u.Scheme == "https" {
		port = "443"
	}
	return net.JoinHostPort(u.Hostname(), port)
}

func getTargetURL(r *http.Request) string {
	if r.URL.IsAbs() {
		return r.URL.String()
	}

	// Reconstruct URL from Host header
	scheme := "http"
	if r.TLS != nil {
		scheme = "https"
	}

	return fmt.Sprintf("%s://%s%s", scheme, r.Host, r.URL.String())
}

// removeProxyHeaders drops the headers meant for the proxy itself. The
// encoding is left to the transport so cached bodies are stored decoded.
func removeProxyHeaders(r *http.Request) {
	r.Header.Del("Proxy-Connection")
	r.Header.Del("Proxy-Authenticate")
	r.Header.Del("Proxy-Authorization")
	r.Header.Del("Accept-Encoding")
}

// writeResponse copies resp to w and closes its body
func writeResponse(w http.ResponseWriter, resp *http.Response) {
	defer func() { _ = resp.Body.Close() }()

	// Copy response headers
	for key, values := range resp.Header {
		for _, value := range values {
			w.Header().Add(key, value)
		}
	}
	w.WriteHeader(resp.StatusCode)

	if _, err := io.Copy(w, resp.Body); err != nil {
		logrus.Errorf("Failed to write response body: %v", err)
	}
}
