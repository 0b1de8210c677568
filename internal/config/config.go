// ABOUTME: Configuration loading and parsing for converto-gateway
// ABOUTME: Supports YAML or TOML files with environment variable expansion and duration parsing

package config

import (
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"strings"
	"time"

	"github.com/BurntSushi/toml"
	"gopkg.in/yaml.v3"
)

// Defaults applied when a field is left empty.
const (
	DefaultCookieName      = "converto.sid"
	DefaultTenantHeader    = "X-Tenant-ID"
	DefaultSessionTTL      = 15 * time.Minute
	DefaultReplayWindow    = 300 * time.Second
	DefaultChallengeTTL    = 5 * time.Minute
	DefaultMagicLinkTTL    = 15 * time.Minute
	DefaultLockTTL         = time.Hour
	DefaultMaxLockTTL      = 7 * 24 * time.Hour
	DefaultRateLimit       = 30
	DefaultRateLimitWindow = time.Minute
	DefaultRateLimitKeys   = 10000
)

// MinSecretLength is the minimum length for HMAC shared secrets.
const MinSecretLength = 32

// Config represents the complete converto-gateway configuration
type Config struct {
	Server     ServerConfig     `yaml:"server" toml:"server"`
	Tailscale  TailscaleConfig  `yaml:"tailscale" toml:"tailscale"`
	Database   DatabaseConfig   `yaml:"database" toml:"database"`
	Session    SessionConfig    `yaml:"session" toml:"session"`
	Commands   CommandsConfig   `yaml:"commands" toml:"commands"`
	Admin      AdminConfig      `yaml:"admin" toml:"admin"`
	Passkey    PasskeyConfig    `yaml:"passkey" toml:"passkey"`
	MagicLink  MagicLinkConfig  `yaml:"magic_link" toml:"magic_link"`
	TOTP       TOTPConfig       `yaml:"totp" toml:"totp"`
	TenantLock TenantLockConfig `yaml:"tenant_lock" toml:"tenant_lock"`
	RateLimit  RateLimitConfig  `yaml:"ratelimit" toml:"ratelimit"`
	Logging    LoggingConfig    `yaml:"logging" toml:"logging"`
	Metrics    MetricsConfig    `yaml:"metrics" toml:"metrics"`
}

// ServerConfig holds server address configuration.
// GRPCAddr is optional and only serves the gRPC health service.
type ServerConfig struct {
	HTTPAddr string `yaml:"http_addr" toml:"http_addr"`
	GRPCAddr string `yaml:"grpc_addr" toml:"grpc_addr"`
	BaseURL  string `yaml:"base_url" toml:"base_url"` // public URL, used for passkey RP ID and magic links
}

// TailscaleConfig holds Tailscale tsnet configuration
type TailscaleConfig struct {
	Enabled   bool   `yaml:"enabled" toml:"enabled"`
	Hostname  string `yaml:"hostname" toml:"hostname"`
	AuthKey   string `yaml:"auth_key" toml:"auth_key"`
	StateDir  string `yaml:"state_dir" toml:"state_dir"`
	Ephemeral bool   `yaml:"ephemeral" toml:"ephemeral"`
	HTTPS     bool   `yaml:"https" toml:"https"`
}

// DatabaseConfig holds database configuration
type DatabaseConfig struct {
	Driver string `yaml:"driver" toml:"driver"` // "sqlite" (modernc, default) or "sqlite3" (cgo)
	Path   string `yaml:"path" toml:"path"`
}

// SessionConfig holds session token and cookie settings.
type SessionConfig struct {
	Issuer       string        `yaml:"issuer" toml:"issuer"`
	Audience     string        `yaml:"audience" toml:"audience"`
	PrivateKey   string        `yaml:"private_key" toml:"private_key"` // inline PEM or file path
	PublicKey    string        `yaml:"public_key" toml:"public_key"`   // inline PEM or file path
	TTL          time.Duration `yaml:"-" toml:"-"`
	TTLRaw       string        `yaml:"ttl" toml:"ttl"`
	CookieName   string        `yaml:"cookie_name" toml:"cookie_name"`
	CookieDomain string        `yaml:"cookie_domain" toml:"cookie_domain"`
	// CookieInsecure drops the Secure attribute; only for plain-HTTP local development.
	CookieInsecure bool   `yaml:"cookie_insecure" toml:"cookie_insecure"`
	TenantHeader   string `yaml:"tenant_header" toml:"tenant_header"`
}

// CommandsConfig holds signed chat-ops command settings.
type CommandsConfig struct {
	SigningSecret    string        `yaml:"signing_secret" toml:"signing_secret"`
	ReplayWindow     time.Duration `yaml:"-" toml:"-"`
	ReplayWindowRaw  string        `yaml:"replay_window" toml:"replay_window"`
	PrivilegedActors []string      `yaml:"privileged_actors" toml:"privileged_actors"`
}

// AdminConfig holds the operator credential for the lock/unlock admin endpoint.
type AdminConfig struct {
	OperatorToken string `yaml:"operator_token" toml:"operator_token"`
}

// PasskeyConfig holds WebAuthn relying party settings.
type PasskeyConfig struct {
	RPDisplayName   string        `yaml:"rp_display_name" toml:"rp_display_name"`
	ChallengeTTL    time.Duration `yaml:"-" toml:"-"`
	ChallengeTTLRaw string        `yaml:"challenge_ttl" toml:"challenge_ttl"`
}

// MagicLinkConfig holds email magic link settings.
type MagicLinkConfig struct {
	Secret string        `yaml:"secret" toml:"secret"`
	TTL    time.Duration `yaml:"-" toml:"-"`
	TTLRaw string        `yaml:"ttl" toml:"ttl"`
}

// TOTPConfig holds TOTP enrollment settings.
type TOTPConfig struct {
	Issuer string `yaml:"issuer" toml:"issuer"`
}

// TenantLockConfig holds defaults for tenant lock transitions.
type TenantLockConfig struct {
	DefaultTTL    time.Duration `yaml:"-" toml:"-"`
	DefaultTTLRaw string        `yaml:"default_ttl" toml:"default_ttl"`
	MaxTTL        time.Duration `yaml:"-" toml:"-"`
	MaxTTLRaw     string        `yaml:"max_ttl" toml:"max_ttl"`
}

// RateLimitConfig holds per-client request limiting for auth and command endpoints.
type RateLimitConfig struct {
	Backend   string        `yaml:"backend" toml:"backend"` // "memory" (default) or "redis"
	RedisAddr string        `yaml:"redis_addr" toml:"redis_addr"`
	Requests  int           `yaml:"requests" toml:"requests"`
	Window    time.Duration `yaml:"-" toml:"-"`
	WindowRaw string        `yaml:"window" toml:"window"`
	MaxKeys   int           `yaml:"max_keys" toml:"max_keys"`
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `yaml:"level" toml:"level"`
	Format string `yaml:"format" toml:"format"`
}

// MetricsConfig holds metrics endpoint configuration
type MetricsConfig struct {
	Enabled bool   `yaml:"enabled" toml:"enabled"`
	Path    string `yaml:"path" toml:"path"`
}

// Load reads a configuration file from the given path and returns a parsed Config.
// Files ending in .toml are decoded as TOML, everything else as YAML.
// Environment variables in the format ${VAR_NAME} are expanded.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("reading config file: %w", err)
	}

	expanded := expandEnvVars(string(data))

	var cfg Config
	if strings.EqualFold(filepath.Ext(path), ".toml") {
		if _, err := toml.Decode(expanded, &cfg); err != nil {
			return nil, fmt.Errorf("parsing config file: %w", err)
		}
	} else if err := yaml.Unmarshal([]byte(expanded), &cfg); err != nil {
		return nil, fmt.Errorf("parsing config file: %w", err)
	}

	if err := parseDurations(&cfg); err != nil {
		return nil, fmt.Errorf("parsing durations: %w", err)
	}

	cfg.applyDefaults()

	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	return &cfg, nil
}

var envVarPattern = regexp.MustCompile(`\$\{([^}]+)\}`)

// expandEnvVars replaces ${VAR_NAME} patterns with the corresponding environment variable values.
// If the environment variable is not set, it is replaced with an empty string.
func expandEnvVars(s string) string {
	return envVarPattern.ReplaceAllStringFunc(s, func(match string) string {
		return os.Getenv(envVarPattern.FindStringSubmatch(match)[1])
	})
}

func (c *Config) applyDefaults() {
	if c.Database.Driver == "" {
		c.Database.Driver = "sqlite"
	}
	if c.Session.TTL == 0 {
		c.Session.TTL = DefaultSessionTTL
	}
	if c.Session.CookieName == "" {
		c.Session.CookieName = DefaultCookieName
	}
	if c.Session.TenantHeader == "" {
		c.Session.TenantHeader = DefaultTenantHeader
	}
	if c.Commands.ReplayWindow == 0 {
		c.Commands.ReplayWindow = DefaultReplayWindow
	}
	if c.Passkey.RPDisplayName == "" {
		c.Passkey.RPDisplayName = "converto"
	}
	if c.Passkey.ChallengeTTL == 0 {
		c.Passkey.ChallengeTTL = DefaultChallengeTTL
	}
	if c.MagicLink.TTL == 0 {
		c.MagicLink.TTL = DefaultMagicLinkTTL
	}
	if c.TOTP.Issuer == "" {
		c.TOTP.Issuer = "converto"
	}
	if c.TenantLock.DefaultTTL == 0 {
		c.TenantLock.DefaultTTL = DefaultLockTTL
	}
	if c.TenantLock.MaxTTL == 0 {
		c.TenantLock.MaxTTL = DefaultMaxLockTTL
	}
	if c.RateLimit.Backend == "" {
		c.RateLimit.Backend = "memory"
	}
	if c.RateLimit.Requests == 0 {
		c.RateLimit.Requests = DefaultRateLimit
	}
	if c.RateLimit.Window == 0 {
		c.RateLimit.Window = DefaultRateLimitWindow
	}
	if c.RateLimit.MaxKeys == 0 {
		c.RateLimit.MaxKeys = DefaultRateLimitKeys
	}
	if c.Metrics.Path == "" {
		c.Metrics.Path = "/metrics"
	}
}

// Validate checks that all required configuration fields are present and valid.
// Returns an error describing the first validation failure encountered.
func (c *Config) Validate() error {
	if !c.Tailscale.Enabled && c.Server.HTTPAddr == "" {
		return fmt.Errorf("server.http_addr is required (or enable tailscale)")
	}
	if c.Tailscale.Enabled && c.Tailscale.Hostname == "" {
		return fmt.Errorf("tailscale.hostname is required when tailscale is enabled")
	}

	if c.Database.Path == "" {
		return fmt.Errorf("database.path is required")
	}
	if c.Database.Driver != "sqlite" && c.Database.Driver != "sqlite3" {
		return fmt.Errorf("database.driver must be sqlite or sqlite3, got %q", c.Database.Driver)
	}

	if c.Session.Issuer == "" || c.Session.Audience == "" {
		return fmt.Errorf("session.issuer and session.audience are required")
	}
	if c.Session.PrivateKey == "" || c.Session.PublicKey == "" {
		return fmt.Errorf("session.private_key and session.public_key are required")
	}

	if c.Commands.SigningSecret != "" && len(c.Commands.SigningSecret) < MinSecretLength {
		return fmt.Errorf("commands.signing_secret must be at least %d bytes", MinSecretLength)
	}
	if c.Commands.ReplayWindow < 0 {
		return fmt.Errorf("commands.replay_window must be positive")
	}
	if c.MagicLink.Secret != "" && len(c.MagicLink.Secret) < MinSecretLength {
		return fmt.Errorf("magic_link.secret must be at least %d bytes", MinSecretLength)
	}

	if c.TenantLock.DefaultTTL > c.TenantLock.MaxTTL {
		return fmt.Errorf("tenant_lock.default_ttl exceeds tenant_lock.max_ttl")
	}

	switch c.RateLimit.Backend {
	case "memory":
	case "redis":
		if c.RateLimit.RedisAddr == "" {
			return fmt.Errorf("ratelimit.redis_addr is required when backend is redis")
		}
	default:
		return fmt.Errorf("ratelimit.backend must be memory or redis, got %q", c.RateLimit.Backend)
	}

	return nil
}

// durationField pairs a raw config string with its parsed destination.
type durationField struct {
	name string
	raw  string
	dst  *time.Duration
}

// parseDurations converts the raw duration strings into time.Duration values
func parseDurations(cfg *Config) error {
	fields := []durationField{
		{"session.ttl", cfg.Session.TTLRaw, &cfg.Session.TTL},
		{"commands.replay_window", cfg.Commands.ReplayWindowRaw, &cfg.Commands.ReplayWindow},
		{"passkey.challenge_ttl", cfg.Passkey.ChallengeTTLRaw, &cfg.Passkey.ChallengeTTL},
		{"magic_link.ttl", cfg.MagicLink.TTLRaw, &cfg.MagicLink.TTL},
		{"tenant_lock.default_ttl", cfg.TenantLock.DefaultTTLRaw, &cfg.TenantLock.DefaultTTL},
		{"tenant_lock.max_ttl", cfg.TenantLock.MaxTTLRaw, &cfg.TenantLock.MaxTTL},
		{"ratelimit.window", cfg.RateLimit.WindowRaw, &cfg.RateLimit.Window},
	}

	for _, f := range fields {
		if f.raw == "" {
			continue
		}
		d, err := time.ParseDuration(f.raw)
		if err != nil {
			return fmt.Errorf("parsing %s %q: %w", f.name, f.raw, err)
		}
		*f.dst = d
	}
	return nil
}
