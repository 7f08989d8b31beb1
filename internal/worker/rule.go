package worker

import (
	"net/http"
	"path"
	"strings"

	"github.com/iTrooz/offline-cache-proxy/internal/config"
)

// Rule excludes matching requests from the caching policy
type Rule struct {
	PathPrefix string   `yaml:"path_prefix"`
	Methods    []string `yaml:"methods"`
}

// RulesFromConfig converts configured exclude rules
func RulesFromConfig(rules []config.CacheRule) []Rule {
	out := make([]Rule, 0, len(rules))
	for _, r := range rules {
		out = append(out, Rule{PathPrefix: r.PathPrefix, Methods: r.Methods})
	}
	return out
}

// Match checks if a request matches this rule. A rule without methods
// matches every method.
func (r Rule) Match(req *http.Request) bool {
	if !strings.HasPrefix(cleanPath(req.URL.Path), r.PathPrefix) {
		return false
	}

	if len(r.Methods) == 0 {
		return true
	}

	// Check if method matches
	for _, m := range r.Methods {
		if strings.EqualFold(m, req.Method) {
			return true
		}
	}
	return false
}

// cleanPath resolves dot segments the way the origin server will, keeping a
// trailing slash so "/api/" still matches the "/api/" prefix
func cleanPath(p string) string {
	if p == "" {
		return "/"
	}
	cleaned := path.Clean(p)
	if strings.HasSuffix(p, "/") && cleaned != "/" {
		cleaned += "/"
	}
	return cleaned
}

// cacheableStatus reports whether a network response with this status is
// written to the cache
func (w *Worker) cacheableStatus(statusCode int) bool {
	if len(w.opts.CacheStatuses) == 0 {
		return true
	}
	for _, pattern := range w.opts.CacheStatuses {
		if config.MatchesStatusCode(statusCode, pattern) {
			return true
		}
	}
	return false
}
