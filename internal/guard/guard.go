// Package guard redirects unauthenticated requests for protected pages to
// the login page. It only looks for the presence of the auth cookie; the
// token itself is validated by the API.
package guard

import (
	"io"
	"net/http"
	"net/url"
	"strings"

	"github.com/sirupsen/logrus"
)

// Guard checks the auth cookie for a set of protected path prefixes
type Guard struct {
	cookie    string
	protected []string
	loginPath string
}

func New(cookie string, protected []string, loginPath string) *Guard {
	return &Guard{
		cookie:    cookie,
		protected: protected,
		loginPath: loginPath,
	}
}

// Protects reports whether path falls under a protected prefix
func (g *Guard) Protects(path string) bool {
	for _, prefix := range g.protected {
		if path == prefix || strings.HasPrefix(path, strings.TrimSuffix(prefix, "/")+"/") {
			return true
		}
	}
	return false
}

// Check returns the login URL to redirect to when req needs authentication
// and carries no auth cookie.
func (g *Guard) Check(req *http.Request) (*url.URL, bool) {
	if !g.Protects(req.URL.Path) {
		return nil, false
	}
	if c, err := req.Cookie(g.cookie); err == nil && c.Value != "" {
		return nil, false
	}

	login := &url.URL{Path: g.loginPath}
	if req.URL.IsAbs() {
		login = &url.URL{Scheme: req.URL.Scheme, Host: req.URL.Host, Path: g.loginPath}
	}
	logrus.Debugf("Redirecting unauthenticated request for %s to %s", req.URL.Path, login)
	return login, true
}

// Response builds the redirect response for req, or nil when req may proceed
func (g *Guard) Response(req *http.Request) *http.Response {
	login, redirect := g.Check(req)
	if !redirect {
		return nil
	}
	return &http.Response{
		Status:        "307 Temporary Redirect",
		StatusCode:    http.StatusTemporaryRedirect,
		Proto:         "HTTP/1.1",
		ProtoMajor:    1,
		ProtoMinor:    1,
		Header:        http.Header{"Location": []string{login.String()}},
		Body:          io.NopCloser(strings.NewReader("")),
		ContentLength: 0,
		Request:       req,
	}
}

// Middleware applies the guard in front of next
func (g *Guard) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if login, redirect := g.Check(r); redirect {
			http.Redirect(w, r, login.String(), http.StatusTemporaryRedirect)
			return
		}
		next.ServeHTTP(w, r)
	})
}
