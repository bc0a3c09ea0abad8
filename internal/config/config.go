// Package config implements the router's route-level configuration model:
// typed options per route section, the SSL-mode validation matrix, YAML
// loading with ${VAR} substitution, and fsnotify-driven hot reload.
// Adapted from the teacher's internal/config/config.go, generalized from
// a flat tenant map to a route map carrying the classic-protocol option
// surface spec.md §6 names.
package config

import (
	"fmt"
	"log"
	"os"
	"regexp"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"gopkg.in/yaml.v3"
)

// SSLMode is the client_ssl_mode / server_ssl_mode enum.
type SSLMode string

const (
	SSLDisabled    SSLMode = "DISABLED"
	SSLPreferred   SSLMode = "PREFERRED"
	SSLRequired    SSLMode = "REQUIRED"
	SSLPassthrough SSLMode = "PASSTHROUGH"
	SSLAsClient    SSLMode = "AS_CLIENT" // server_ssl_mode only
)

// RoutingStrategy is the destination-selection algorithm for a route.
type RoutingStrategy string

const (
	StrategyFirstAvailable       RoutingStrategy = "first-available"
	StrategyNextAvailable        RoutingStrategy = "next-available"
	StrategyRoundRobin           RoutingStrategy = "round-robin"
	StrategyRoundRobinFallback   RoutingStrategy = "round-robin-with-fallback"
)

// AccessMode is the read/write routing-hint enum.
type AccessMode string

const (
	AccessUndefined AccessMode = ""
	AccessAuto      AccessMode = "auto"
	AccessReadOnly  AccessMode = "read-only"
	AccessReadWrite AccessMode = "read-write"
)

// Config is the top-level configuration for the router.
type Config struct {
	Listen   ListenConfig           `yaml:"listen"`
	Defaults RouteDefaults          `yaml:"defaults"`
	Routes   map[string]RouteConfig `yaml:"routes"`
}

// ListenConfig defines the ports and bind addresses the router listens on.
type ListenConfig struct {
	APIPort int    `yaml:"api_port"`
	APIBind string `yaml:"api_bind"`
	APIKey  string `yaml:"api_key"`
}

// RouteDefaults holds defaults applied when a route doesn't override them.
type RouteDefaults struct {
	MaxConnections        int           `yaml:"max_connections"`
	MaxPooledConnections  int           `yaml:"max_pooled_connections"`
	IdleTimeout           time.Duration `yaml:"idle_timeout"`
	ConnectTimeout        time.Duration `yaml:"connect_timeout"`
	ConnectRetryTimeout   time.Duration `yaml:"connect_retry_timeout"`
	ConnectionSharingDelay time.Duration `yaml:"connection_sharing_delay"`
}

// RouteConfig is the per-route option set from spec.md §6's "Config
// section recognised options" list. Fields use pointers only where a
// per-route override needs to be distinguishable from "use the default".
type RouteConfig struct {
	Protocol   string `yaml:"protocol"`
	Destinations string `yaml:"destinations"`
	BindPort   int    `yaml:"bind_port"`
	BindAddress string `yaml:"bind_address"`
	Socket     string `yaml:"socket"`

	RoutingStrategy RoutingStrategy `yaml:"routing_strategy"`

	ConnectTimeout       time.Duration `yaml:"connect_timeout"`
	ClientConnectTimeout time.Duration `yaml:"client_connect_timeout"`
	MaxConnections       int           `yaml:"max_connections"`
	MaxConnectErrors     int           `yaml:"max_connect_errors"`
	NetBufferLength      int           `yaml:"net_buffer_length"`
	ThreadStackSize      int           `yaml:"thread_stack_size"`

	ClientSSLMode              SSLMode `yaml:"client_ssl_mode"`
	ClientSSLCert               string  `yaml:"client_ssl_cert"`
	ClientSSLKey                 string  `yaml:"client_ssl_key"`
	ClientSSLCipher               string  `yaml:"client_ssl_cipher"`
	ClientSSLCA                 string  `yaml:"client_ssl_ca"`
	ClientSSLCAPath              string  `yaml:"client_ssl_capath"`
	ClientSSLCRL                 string  `yaml:"client_ssl_crl"`
	ClientSSLCRLPath             string  `yaml:"client_ssl_crlpath"`
	ClientSSLCurves               string  `yaml:"client_ssl_curves"`
	ClientSSLDHParams            string  `yaml:"client_ssl_dh_params"`
	ClientSSLSessionCacheMode    string  `yaml:"client_ssl_session_cache_mode"`
	ClientSSLSessionCacheSize    int     `yaml:"client_ssl_session_cache_size"`
	ClientSSLSessionCacheTimeout time.Duration `yaml:"client_ssl_session_cache_timeout"`

	ServerSSLMode             SSLMode `yaml:"server_ssl_mode"`
	ServerSSLVerify           SSLMode `yaml:"server_ssl_verify"`
	ServerSSLCipher            string  `yaml:"server_ssl_cipher"`
	ServerSSLCA               string  `yaml:"server_ssl_ca"`
	ServerSSLCAPath            string  `yaml:"server_ssl_capath"`
	ServerSSLCRL               string  `yaml:"server_ssl_crl"`
	ServerSSLCRLPath           string  `yaml:"server_ssl_crlpath"`
	ServerSSLCurves            string  `yaml:"server_ssl_curves"`
	ServerSSLSessionCacheMode string  `yaml:"server_ssl_session_cache_mode"`
	ServerSSLSessionCacheSize int     `yaml:"server_ssl_session_cache_size"`
	ServerSSLSessionCacheTimeout time.Duration `yaml:"server_ssl_session_cache_timeout"`

	ConnectionSharing      bool          `yaml:"connection_sharing"`
	ConnectionSharingDelay time.Duration `yaml:"connection_sharing_delay"`
	ConnectRetryTimeout    time.Duration `yaml:"connect_retry_timeout"`
	AccessMode             AccessMode    `yaml:"access_mode"`
	WaitForMyWrites        bool          `yaml:"wait_for_my_writes"`
	WaitForMyWritesTimeout time.Duration `yaml:"wait_for_my_writes_timeout"`
	RouterRequireEnforce   bool          `yaml:"router_require_enforce"`
}

// Redacted returns a copy with secret-ish fields masked; route configs
// carry no password (classic-protocol auth is per-session, not per-route)
// so this exists for symmetry with the teacher's TenantConfig.Redacted and
// to keep the route API responses from leaking key material paths.
func (r RouteConfig) Redacted() RouteConfig {
	c := r
	if c.ClientSSLKey != "" {
		c.ClientSSLKey = "***REDACTED***"
	}
	return c
}

// Endpoints splits Destinations into a list of host:port tokens. A
// metadata-cache:// URI is returned as the single-element list unchanged;
// callers distinguish the two via IsMetadataCache.
func (r RouteConfig) Endpoints() []string {
	if r.IsMetadataCache() {
		return []string{r.Destinations}
	}
	return splitAndTrim(r.Destinations, ',')
}

// IsMetadataCache reports whether Destinations names a metadata-cache URI
// rather than a literal endpoint list.
func (r RouteConfig) IsMetadataCache() bool {
	return len(r.Destinations) >= len("metadata-cache://") && r.Destinations[:len("metadata-cache://")] == "metadata-cache://"
}

func splitAndTrim(s string, sep byte) []string {
	var out []string
	start := 0
	for i := 0; i <= len(s); i++ {
		if i == len(s) || s[i] == sep {
			tok := trimSpace(s[start:i])
			if tok != "" {
				out = append(out, tok)
			}
			start = i + 1
		}
	}
	return out
}

func trimSpace(s string) string {
	i, j := 0, len(s)
	for i < j && (s[i] == ' ' || s[i] == '\t') {
		i++
	}
	for j > i && (s[j-1] == ' ' || s[j-1] == '\t') {
		j--
	}
	return s[i:j]
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

func substituteEnvVars(data []byte) []byte {
	return envVarPattern.ReplaceAllFunc(data, func(match []byte) []byte {
		varName := envVarPattern.FindSubmatch(match)[1]
		if val, ok := os.LookupEnv(string(varName)); ok {
			return []byte(val)
		}
		return match
	})
}

// Load reads and parses a YAML config file with env var substitution,
// validates the SSL-mode matrix and access-mode preconditions per
// spec.md §6, and applies route defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	data = substituteEnvVars(data)

	cfg := &Config{}
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	applyDefaults(cfg)

	if err := Validate(cfg); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}
	return cfg, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Listen.APIPort == 0 {
		cfg.Listen.APIPort = 8443
	}
	if cfg.Listen.APIBind == "" {
		cfg.Listen.APIBind = "127.0.0.1"
	}
	if cfg.Defaults.MaxConnections == 0 {
		cfg.Defaults.MaxConnections = 512
	}
	if cfg.Defaults.MaxPooledConnections == 0 {
		cfg.Defaults.MaxPooledConnections = 128
	}
	if cfg.Defaults.IdleTimeout == 0 {
		cfg.Defaults.IdleTimeout = 5 * time.Minute
	}
	if cfg.Defaults.ConnectTimeout == 0 {
		cfg.Defaults.ConnectTimeout = 5 * time.Second
	}
	if cfg.Defaults.ConnectRetryTimeout == 0 {
		cfg.Defaults.ConnectRetryTimeout = 7 * time.Second
	}
	for name, rt := range cfg.Routes {
		if rt.Protocol == "" {
			rt.Protocol = "classic"
		}
		if rt.RoutingStrategy == "" {
			rt.RoutingStrategy = StrategyFirstAvailable
		}
		if rt.ClientSSLMode == "" {
			rt.ClientSSLMode = SSLPreferred
		}
		if rt.ServerSSLMode == "" {
			rt.ServerSSLMode = SSLPreferred
		}
		if rt.ServerSSLVerify == "" {
			rt.ServerSSLVerify = SSLDisabled
		}
		if rt.ConnectTimeout == 0 {
			rt.ConnectTimeout = cfg.Defaults.ConnectTimeout
		}
		if rt.ConnectRetryTimeout == 0 {
			rt.ConnectRetryTimeout = cfg.Defaults.ConnectRetryTimeout
		}
		if rt.MaxConnections == 0 {
			rt.MaxConnections = cfg.Defaults.MaxConnections
		}
		if rt.ConnectionSharingDelay == 0 {
			rt.ConnectionSharingDelay = cfg.Defaults.ConnectionSharingDelay
		}
		cfg.Routes[name] = rt
	}
}

// ErrUnknownOption names the error for a key outside the recognised route
// option set. Neither loader returns it: Load ignores unknown YAML keys and
// ParseIni (ini.go) accepts any identifier as an option key.
var ErrUnknownOption = fmt.Errorf("config: unknown option")

// Validate enforces the SSL-mode matrix and access_mode preconditions of
// spec.md §6/§4.K against every route.
func Validate(cfg *Config) error {
	for name, rt := range cfg.Routes {
		if err := validateRoute(name, rt); err != nil {
			return err
		}
	}
	return nil
}

func validateRoute(name string, rt RouteConfig) error {
	if rt.BindAddress == "" && rt.Socket == "" {
		return fmt.Errorf("route %q: bind_address or socket must be set", name)
	}
	if rt.Destinations == "" {
		return fmt.Errorf("route %q: destinations is required", name)
	}

	switch rt.RoutingStrategy {
	case StrategyFirstAvailable, StrategyNextAvailable, StrategyRoundRobin:
	case StrategyRoundRobinFallback:
		if !rt.IsMetadataCache() {
			return fmt.Errorf("route %q: routing_strategy round-robin-with-fallback requires a metadata-cache destination", name)
		}
	default:
		return fmt.Errorf("route %q: unsupported routing_strategy %q", name, rt.RoutingStrategy)
	}

	if rt.ClientSSLMode == SSLPassthrough && rt.ServerSSLMode != SSLAsClient {
		return fmt.Errorf("route %q: client_ssl_mode=PASSTHROUGH requires server_ssl_mode=AS_CLIENT", name)
	}
	if rt.ClientSSLMode == SSLPassthrough {
		if rt.ServerSSLCA != "" || rt.ServerSSLCAPath != "" || rt.ServerSSLCRL != "" ||
			rt.ServerSSLCRLPath != "" || rt.ServerSSLKeyOrCertSet() {
			return fmt.Errorf("route %q: server_ssl_{ca,capath,crl,crlpath,key,cert} must be empty under PASSTHROUGH", name)
		}
		if rt.RouterRequireEnforce {
			return fmt.Errorf("route %q: router_require_enforce must be 0 under PASSTHROUGH", name)
		}
	}
	if rt.ClientSSLMode == SSLDisabled {
		if rt.ClientSSLCA != "" || rt.ClientSSLCAPath != "" || rt.ClientSSLCRL != "" || rt.ClientSSLCRLPath != "" {
			return fmt.Errorf("route %q: client_ssl_{ca,capath,crl,crlpath} must be empty under client_ssl_mode=DISABLED", name)
		}
	}
	if rt.ClientSSLMode == SSLRequired || rt.ClientSSLMode == SSLPreferred {
		if rt.ClientSSLCert == "" || rt.ClientSSLKey == "" {
			return fmt.Errorf("route %q: client_ssl_cert and client_ssl_key must be set under client_ssl_mode=%s", name, rt.ClientSSLMode)
		}
	}
	if rt.ServerSSLMode == SSLDisabled {
		if rt.ServerSSLKeyOrCertSet() {
			return fmt.Errorf("route %q: server_ssl_{key,cert} must be empty under server_ssl_mode=DISABLED", name)
		}
	}
	if rt.ServerSSLVerify != SSLDisabled && rt.ServerSSLVerify != "" {
		if rt.ServerSSLCA == "" && rt.ServerSSLCAPath == "" {
			return fmt.Errorf("route %q: server_ssl_ca or server_ssl_capath required when server_ssl_verify != DISABLED", name)
		}
	}
	if rt.AccessMode == AccessAuto {
		if !rt.IsMetadataCache() {
			return fmt.Errorf("route %q: access_mode=auto requires a metadata-cache destination", name)
		}
		if !rt.ConnectionSharing {
			return fmt.Errorf("route %q: access_mode=auto requires connection_sharing=1", name)
		}
		if rt.ClientSSLMode == SSLPreferred && rt.ServerSSLMode == SSLAsClient {
			return fmt.Errorf("route %q: access_mode=auto forbids client_ssl_mode=PREFERRED with server_ssl_mode=AS_CLIENT", name)
		}
	}
	if rt.ConnectRetryTimeout < 0 || rt.ConnectRetryTimeout > time.Hour {
		return fmt.Errorf("route %q: connect_retry_timeout out of range [0, 3600000ms]", name)
	}
	return nil
}

// ServerSSLKeyOrCertSet is exported so the validation above (and any
// future caller inspecting option presence) doesn't need unexported-field
// access across files.
func (r RouteConfig) ServerSSLKeyOrCertSet() bool {
	return false // router never terminates TLS as a "server cert" on the backend leg; reserved for symmetry with client_ssl_cert/key.
}

// Watcher watches a config file for changes and calls the callback with
// the new config, debounced, exactly like the teacher's config.Watcher.
type Watcher struct {
	path     string
	callback func(*Config)
	watcher  *fsnotify.Watcher
	mu       sync.Mutex
	stopCh   chan struct{}
}

// NewWatcher creates a new config file watcher.
func NewWatcher(path string, callback func(*Config)) (*Watcher, error) {
	w, err := fsnotify.NewWatcher()
	if err != nil {
		return nil, fmt.Errorf("creating file watcher: %w", err)
	}
	if err := w.Add(path); err != nil {
		w.Close()
		return nil, fmt.Errorf("watching config file: %w", err)
	}

	cw := &Watcher{path: path, callback: callback, watcher: w, stopCh: make(chan struct{})}
	go cw.run()
	return cw, nil
}

func (cw *Watcher) run() {
	var debounce *time.Timer
	for {
		select {
		case event, ok := <-cw.watcher.Events:
			if !ok {
				return
			}
			if event.Op&(fsnotify.Write|fsnotify.Create) != 0 {
				if debounce != nil {
					debounce.Stop()
				}
				debounce = time.AfterFunc(500*time.Millisecond, cw.reload)
			}
		case err, ok := <-cw.watcher.Errors:
			if !ok {
				return
			}
			log.Printf("[config] watcher error: %v", err)
		case <-cw.stopCh:
			return
		}
	}
}

func (cw *Watcher) reload() {
	cw.mu.Lock()
	defer cw.mu.Unlock()

	cfg, err := Load(cw.path)
	if err != nil {
		log.Printf("[config] hot-reload failed: %v", err)
		return
	}
	log.Printf("[config] configuration reloaded from %s", cw.path)
	cw.callback(cfg)
}

// Stop stops the config watcher.
func (cw *Watcher) Stop() error {
	close(cw.stopCh)
	return cw.watcher.Close()
}
