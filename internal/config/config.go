package config

import (
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/knadh/koanf/parsers/yaml"
	"github.com/knadh/koanf/providers/file"
	"github.com/knadh/koanf/providers/structs"
	"github.com/knadh/koanf/v2"
)

// Config represents the application configuration
type Config struct {
	Server ServerConfig `koanf:"server"`
	Worker WorkerConfig `koanf:"worker"`
	Cache  CacheConfig  `koanf:"cache"`
	Guard  GuardConfig  `koanf:"guard"`
	Log    LogConfig    `koanf:"log"`
}

// ServerConfig contains server-related configuration
type ServerConfig struct {
	Port int `koanf:"port"`
	// Upstream, when set, turns on edge mode: non-proxy requests are served
	// as requests for the worker origin and dialed to this address.
	Upstream string      `koanf:"upstream"`
	HTTPS    HTTPSConfig `koanf:"https"`
	CORS     CORSConfig  `koanf:"cors"`
}

// HTTPSConfig controls interception of HTTPS traffic for the worker origin
type HTTPSConfig struct {
	Enabled         bool   `koanf:"enabled"`
	CACertFile      string `koanf:"ca_cert_file"`
	CAKeyFile       string `koanf:"ca_key_file"`
	TransparentAddr string `koanf:"transparent_addr"`
}

// CORSConfig contains the control API CORS settings
type CORSConfig struct {
	AllowedOrigin string `koanf:"allowed_origin"`
}

// WorkerConfig describes the offline cache worker being registered
type WorkerConfig struct {
	AppName           string      `koanf:"app_name"`
	Version           string      `koanf:"version"`
	Origin            string      `koanf:"origin"`
	APIPrefix         string      `koanf:"api_prefix"`
	Precache          []string    `koanf:"precache"`
	NetworkTimeout    string      `koanf:"network_timeout"`
	ActivationTimeout string      `koanf:"activation_timeout"`
	MaxEntryBytes     int64       `koanf:"max_entry_bytes"`
	CacheStatuses     []string    `koanf:"cache_statuses"`
	Exclude           []CacheRule `koanf:"exclude"`
}

// CacheRule defines a rule excluding requests from the caching policy
type CacheRule struct {
	PathPrefix string   `koanf:"path_prefix"`
	Methods    []string `koanf:"methods"`
}

// CacheConfig contains cache-related configuration
type CacheConfig struct {
	Backend string `koanf:"backend"` // "disk", "badger" or "memory"
	Folder  string `koanf:"folder"`
	TTL     string `koanf:"ttl"` // empty means entries never expire
}

// GuardConfig configures the authentication cookie route guard
type GuardConfig struct {
	Enabled   bool     `koanf:"enabled"`
	Cookie    string   `koanf:"cookie"`
	Protected []string `koanf:"protected"`
	LoginPath string   `koanf:"login_path"`
}

// LogConfig configures logrus
type LogConfig struct {
	Level  string `koanf:"level"`
	Format string `koanf:"format"` // "text" or "json"
}

// Default returns the configuration used for every key the file leaves out
func Default() Config {
	return Config{
		Server: ServerConfig{
			Port: 8080,
			CORS: CORSConfig{AllowedOrigin: "http://localhost:3001"},
		},
		Worker: WorkerConfig{
			AppName:           "pwa-auth",
			Version:           "v1",
			Origin:            "http://localhost:3000",
			APIPrefix:         "/api/",
			Precache:          []string{"/", "/auth"},
			ActivationTimeout: "5s",
			MaxEntryBytes:     10 << 20,
		},
		Cache: CacheConfig{
			Backend: "disk",
			Folder:  "./cache",
		},
		Guard: GuardConfig{
			Enabled:   true,
			Cookie:    "token",
			Protected: []string{"/dashboard", "/profile", "/admin"},
			LoginPath: "/auth",
		},
		Log: LogConfig{
			Level:  "info",
			Format: "text",
		},
	}
}

// Load loads configuration from a YAML file on top of the defaults
func Load(path string) (*Config, error) {
	k := koanf.New(".")

	if err := k.Load(structs.Provider(Default(), "koanf"), nil); err != nil {
		return nil, fmt.Errorf("loading defaults: %w", err)
	}

	if err := k.Load(file.Provider(path), yaml.Parser()); err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	var config Config
	if err := k.Unmarshal("", &config); err != nil {
		return nil, fmt.Errorf("parsing config YAML: %w", err)
	}

	return &config, nil
}

// GetCacheTTL parses and returns the cache TTL duration, zero when unset
func (c *Config) GetCacheTTL() (time.Duration, error) {
	return parseOptionalDuration(c.Cache.TTL)
}

// GetNetworkTimeout returns the worker network timeout, zero when unset
func (c *Config) GetNetworkTimeout() (time.Duration, error) {
	return parseOptionalDuration(c.Worker.NetworkTimeout)
}

// GetActivationTimeout returns how long a new worker waits for the old one to drain
func (c *Config) GetActivationTimeout() (time.Duration, error) {
	return parseOptionalDuration(c.Worker.ActivationTimeout)
}

// GetOrigin parses the worker origin
func (c *Config) GetOrigin() (*url.URL, error) {
	u, err := url.Parse(c.Worker.Origin)
	if err != nil {
		return nil, err
	}
	if u.Scheme != "http" && u.Scheme != "https" {
		return nil, fmt.Errorf("origin scheme must be http or https, got: %q", u.Scheme)
	}
	if u.Host == "" {
		return nil, fmt.Errorf("origin has no host: %q", c.Worker.Origin)
	}
	return &url.URL{Scheme: u.Scheme, Host: u.Host}, nil
}

func parseOptionalDuration(s string) (time.Duration, error) {
	if s == "" {
		return 0, nil
	}
	return time.ParseDuration(s)
}

// Validate validates the configuration
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid port: %d", c.Server.Port)
	}

	if c.Server.Upstream != "" {
		u, err := url.Parse(c.Server.Upstream)
		if err != nil || u.Host == "" {
			return fmt.Errorf("invalid upstream: %q", c.Server.Upstream)
		}
	}

	if c.Server.HTTPS.CACertFile != "" && c.Server.HTTPS.CAKeyFile == "" ||
		c.Server.HTTPS.CACertFile == "" && c.Server.HTTPS.CAKeyFile != "" {
		return fmt.Errorf("https CA certificate and key must be set together")
	}

	if c.Worker.AppName == "" {
		return fmt.Errorf("worker app name is required")
	}

	if c.Worker.Version == "" {
		return fmt.Errorf("worker version is required")
	}

	if _, err := c.GetOrigin(); err != nil {
		return fmt.Errorf("invalid worker origin: %w", err)
	}

	if !strings.HasPrefix(c.Worker.APIPrefix, "/") {
		return fmt.Errorf("worker API prefix must start with '/', got: %q", c.Worker.APIPrefix)
	}

	if _, err := c.GetNetworkTimeout(); err != nil {
		return fmt.Errorf("invalid network timeout format: %w", err)
	}

	if _, err := c.GetActivationTimeout(); err != nil {
		return fmt.Errorf("invalid activation timeout format: %w", err)
	}

	if c.Worker.MaxEntryBytes <= 0 {
		return fmt.Errorf("worker max entry bytes must be positive, got: %d", c.Worker.MaxEntryBytes)
	}

	for _, pattern := range c.Worker.CacheStatuses {
		if !ValidStatusPattern(pattern) {
			return fmt.Errorf("invalid cache status pattern: %q", pattern)
		}
	}

	for _, rule := range c.Worker.Exclude {
		if !strings.HasPrefix(rule.PathPrefix, "/") {
			return fmt.Errorf("exclude rule path prefix must start with '/', got: %q", rule.PathPrefix)
		}
	}

	if _, err := c.GetCacheTTL(); err != nil {
		return fmt.Errorf("invalid cache TTL format: %w", err)
	}

	switch c.Cache.Backend {
	case "disk", "badger":
		if c.Cache.Folder == "" {
			return fmt.Errorf("cache folder is required for backend %q", c.Cache.Backend)
		}
	case "memory":
	default:
		return fmt.Errorf("cache backend must be 'disk', 'badger' or 'memory', got: %s", c.Cache.Backend)
	}

	if c.Guard.Enabled {
		if c.Guard.Cookie == "" {
			return fmt.Errorf("guard cookie is required")
		}
		if !strings.HasPrefix(c.Guard.LoginPath, "/") {
			return fmt.Errorf("guard login path must start with '/', got: %q", c.Guard.LoginPath)
		}
	}

	if c.Log.Format != "text" && c.Log.Format != "json" {
		return fmt.Errorf("log format must be 'text' or 'json', got: %s", c.Log.Format)
	}

	return nil
}
