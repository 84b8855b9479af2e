package server

import (
	"bytes"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Hardcoded flow defaults
const (
	DefaultRequestTimeout = 10 * time.Second
	DefaultLoginStateTTL  = 10 * time.Minute
	DefaultResetFlowTTL   = 15 * time.Minute
	DefaultCookieMaxAge   = 24 * time.Hour
	DefaultRedirectDelay  = 5 * time.Second
	DefaultHSTSMaxAge     = 31536000
)

// TicketTTLSeconds is the fixed lifetime requested for password-change tickets.
const TicketTTLSeconds = 3600

// Config captures the full application configuration loaded from YAML and environment variables.
type Config struct {
	Server   ServerConfig   `yaml:"server"`
	Auth0    Auth0Config    `yaml:"auth0"`
	Upstream UpstreamConfig `yaml:"upstream"`
	Security SecurityConfig `yaml:"security"`
	DevIdP   DevIdPConfig   `yaml:"dev_idp"`
}

// ServerConfig controls listener, TLS, and HTTP concerns.
type ServerConfig struct {
	BaseURL         string    `yaml:"base_url"`
	DevListenAddr   string    `yaml:"dev_listen_addr"`
	HTTPListenAddr  string    `yaml:"http_listen_addr"`
	HTTPSListenAddr string    `yaml:"https_listen_addr"`
	DevMode         bool      `yaml:"dev_mode"`
	RequestTimeout  string    `yaml:"request_timeout"`
	TLS             TLSConfig `yaml:"tls"`
}

// TLSConfig defines autocert behaviour for the production listeners.
type TLSConfig struct {
	Domains    []string `yaml:"domains"`
	Email      string   `yaml:"email"`
	CacheDir   string   `yaml:"cache_dir"`
	HSTSMaxAge int      `yaml:"hsts_max_age"`
}

// Auth0Config holds credentials and endpoints for the identity provider.
// Two applications are involved: the regular web application used for the
// authorization-code flow, and the machine-to-machine application used to
// call the Management API.
type Auth0Config struct {
	IssuerBaseURL          string `yaml:"issuer_base_url"`
	ClientID               string `yaml:"client_id"`
	ClientSecret           string `yaml:"client_secret"`
	ManagementClientID     string `yaml:"management_client_id"`
	ManagementClientSecret string `yaml:"management_client_secret"`
	ManagementAudience     string `yaml:"management_audience"`
	CustomNamespace        string `yaml:"custom_namespace"`
}

// UpstreamConfig points at the business API the proxy forwards to.
type UpstreamConfig struct {
	BaseURL string `yaml:"base_url"`
	Timeout string `yaml:"timeout"`
}

// SecurityConfig toggles hardening that changes observable behaviour.
type SecurityConfig struct {
	// VerifyIDToken enables signature verification of the ID token received
	// at the callback, using the provider's published keys. Off by default:
	// the cookie channel is the trust boundary and the stored token is
	// decoded without verification on later requests.
	VerifyIDToken bool `yaml:"verify_id_token"`
}

// DevIdPConfig controls the in-process stub identity provider (dev mode only).
type DevIdPConfig struct {
	Enabled       bool   `yaml:"enabled"`
	ListenAddr    string `yaml:"listen_addr"`
	Subject       string `yaml:"subject"`
	Email         string `yaml:"email"`
	Name          string `yaml:"name"`
	ResetRequired bool   `yaml:"reset_required"`
}

// LoadConfig reads the YAML config file and merges environment overrides.
func LoadConfig(path string) (Config, error) {
	cfg := defaultConfig()

	if path != "" {
		b, err := os.ReadFile(path)
		if err != nil {
			return Config{}, fmt.Errorf("read config: %w", err)
		}

		decoder := yaml.NewDecoder(bytes.NewReader(b))
		decoder.KnownFields(true)
		if err := decoder.Decode(&cfg); err != nil {
			return Config{}, fmt.Errorf("parse config: %w", err)
		}
	}

	applyEnvOverrides(&cfg)

	if err := cfg.Validate(); err != nil {
		return Config{}, err
	}

	return cfg, nil
}

func defaultConfig() Config {
	return Config{
		Server: ServerConfig{
			BaseURL:         "http://127.0.0.1:3000",
			DevListenAddr:   "127.0.0.1:3000",
			HTTPListenAddr:  ":80",
			HTTPSListenAddr: ":443",
			DevMode:         true,
			RequestTimeout:  "10s",
			TLS: TLSConfig{
				CacheDir:   ".autocert",
				HSTSMaxAge: DefaultHSTSMaxAge,
			},
		},
		DevIdP: DevIdPConfig{
			ListenAddr: "127.0.0.1:9999",
			Subject:    "auth0|dev-user",
			Email:      "dev@example.com",
			Name:       "Dev User",
		},
	}
}

// DefaultConfig returns the default configuration template.
func DefaultConfig() Config {
	return defaultConfig()
}

func applyEnvOverrides(cfg *Config) {
	overrides := map[string]func(string){
		"AUTH0_ISSUER_BASE_URL":          func(v string) { cfg.Auth0.IssuerBaseURL = v },
		"AUTH0_CLIENT_ID":                func(v string) { cfg.Auth0.ClientID = v },
		"AUTH0_CLIENT_SECRET":            func(v string) { cfg.Auth0.ClientSecret = v },
		"AUTH0_MANAGEMENT_CLIENT_ID":     func(v string) { cfg.Auth0.ManagementClientID = v },
		"AUTH0_MANAGEMENT_CLIENT_SECRET": func(v string) { cfg.Auth0.ManagementClientSecret = v },
		"AUTH0_MANAGEMENT_AUDIENCE":      func(v string) { cfg.Auth0.ManagementAudience = v },
		"AUTH0_CUSTOM_NAMESPACE":         func(v string) { cfg.Auth0.CustomNamespace = v },
		"AUTH0_BASE_URL":                 func(v string) { cfg.Server.BaseURL = v },
		"EXTERNAL_API_BASE_URL":          func(v string) { cfg.Upstream.BaseURL = v },
		"BFF_DEV_LISTEN_ADDR":            func(v string) { cfg.Server.DevListenAddr = v },
		"BFF_DEV_MODE":                   func(v string) { cfg.Server.DevMode = parseBool(v, cfg.Server.DevMode) },
		"BFF_REQUEST_TIMEOUT":            func(v string) { cfg.Server.RequestTimeout = v },
		"BFF_VERIFY_ID_TOKEN":            func(v string) { cfg.Security.VerifyIDToken = parseBool(v, cfg.Security.VerifyIDToken) },
		"BFF_TLS_DOMAINS":                func(v string) { cfg.Server.TLS.Domains = splitAndTrim(v) },
		"BFF_TLS_EMAIL":                  func(v string) { cfg.Server.TLS.Email = v },
	}

	for key, fn := range overrides {
		if val, ok := os.LookupEnv(key); ok {
			fn(val)
		}
	}
}

func parseBool(val string, fallback bool) bool {
	switch strings.ToLower(strings.TrimSpace(val)) {
	case "1", "true", "yes", "y", "on":
		return true
	case "0", "false", "no", "n", "off":
		return false
	default:
		return fallback
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if s := strings.TrimSpace(p); s != "" {
			out = append(out, s)
		}
	}
	return out
}

// Validate performs sanity checks on the config.
func (c Config) Validate() error {
	if c.Server.BaseURL == "" {
		return errors.New("server.base_url is required")
	}
	if !strings.HasPrefix(c.Server.BaseURL, "http://") && !strings.HasPrefix(c.Server.BaseURL, "https://") {
		return fmt.Errorf("server.base_url must start with http:// or https://, got: %s", c.Server.BaseURL)
	}

	if c.Server.RequestTimeout != "" {
		if _, err := time.ParseDuration(c.Server.RequestTimeout); err != nil {
			return fmt.Errorf("server.request_timeout: %w", err)
		}
	}
	if c.Upstream.Timeout != "" {
		if _, err := time.ParseDuration(c.Upstream.Timeout); err != nil {
			return fmt.Errorf("upstream.timeout: %w", err)
		}
	}

	if c.Upstream.BaseURL != "" &&
		!strings.HasPrefix(c.Upstream.BaseURL, "http://") && !strings.HasPrefix(c.Upstream.BaseURL, "https://") {
		return fmt.Errorf("upstream.base_url must start with http:// or https://, got: %s", c.Upstream.BaseURL)
	}

	if !c.UsesDevIdP() {
		if c.Auth0.IssuerBaseURL == "" {
			return errors.New("auth0.issuer_base_url is required")
		}
		if !strings.HasPrefix(c.Auth0.IssuerBaseURL, "http://") && !strings.HasPrefix(c.Auth0.IssuerBaseURL, "https://") {
			return fmt.Errorf("auth0.issuer_base_url must start with http:// or https://, got: %s", c.Auth0.IssuerBaseURL)
		}
		if c.Auth0.ClientID == "" {
			return errors.New("auth0.client_id is required")
		}
		if c.Auth0.ClientSecret == "" {
			return errors.New("auth0.client_secret is required")
		}
	}

	if !c.Server.DevMode && len(c.Server.TLS.Domains) == 0 {
		return errors.New("server.tls.domains must be provided in production")
	}

	return nil
}

// UsesDevIdP reports whether the in-process stub provider should be started.
func (c Config) UsesDevIdP() bool {
	return c.Server.DevMode && (c.DevIdP.Enabled || c.Auth0.IssuerBaseURL == "")
}

// ClaimNamespace returns the configured custom-claim namespace, falling back
// to the issuer base URL the way hosted login actions emit namespaced claims.
func (c Config) ClaimNamespace() string {
	if c.Auth0.CustomNamespace != "" {
		return c.Auth0.CustomNamespace
	}
	return c.Auth0.IssuerBaseURL
}

// RequestTimeoutDuration returns the parsed request timeout.
func (c Config) RequestTimeoutDuration() time.Duration {
	return parseDuration(c.Server.RequestTimeout, DefaultRequestTimeout)
}

// UpstreamTimeoutDuration returns the parsed proxy timeout.
func (c Config) UpstreamTimeoutDuration() time.Duration {
	return parseDuration(c.Upstream.Timeout, 30*time.Second)
}

func parseDuration(val string, fallback time.Duration) time.Duration {
	if val == "" {
		return fallback
	}
	d, err := time.ParseDuration(val)
	if err != nil {
		return fallback
	}
	return d
}
