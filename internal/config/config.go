// Package config provides the process configuration for approval-gate.
//
// It covers the listener, the in-memory audit ledger, the location of the
// approvals document and admin API credentials. The approval rules
// themselves live in the approvals document, which is managed through
// the admin API or edited on disk and hot-reloaded.
package config

import (
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/viper"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
)

// Config is the top-level configuration.
type Config struct {
	// Server configures the HTTP listener.
	Server ServerConfig `yaml:"server" mapstructure:"server"`

	// Ledger configures the in-memory audit ledger.
	Ledger LedgerConfig `yaml:"ledger" mapstructure:"ledger"`

	// Approvals locates the approvals document.
	Approvals ApprovalsConfig `yaml:"approvals" mapstructure:"approvals"`

	// Admin configures access to the /api surface.
	Admin AdminConfig `yaml:"admin" mapstructure:"admin"`

	// DevMode enables development features (verbose logging).
	DevMode bool `yaml:"dev_mode" mapstructure:"dev_mode"`
}

// ServerConfig configures the HTTP server.
type ServerConfig struct {
	// HTTPAddr is the address to listen on. Defaults to "127.0.0.1:8080".
	HTTPAddr string `yaml:"http_addr" mapstructure:"http_addr" validate:"omitempty,hostport"`

	// LogLevel is one of debug, info, warn, error. Defaults to info.
	LogLevel string `yaml:"log_level" mapstructure:"log_level" validate:"omitempty,oneof=debug info warn warning error"`

	// LogFormat is text or json. Defaults to text.
	LogFormat string `yaml:"log_format" mapstructure:"log_format" validate:"omitempty,oneof=text json"`

	// AllowedOrigins are extra browser origins accepted by the DNS
	// rebinding check. Localhost origins are always accepted.
	AllowedOrigins []string `yaml:"allowed_origins" mapstructure:"allowed_origins" validate:"omitempty,dive,url"`

	// TrustProxy makes the client address come from X-Forwarded-For.
	TrustProxy bool `yaml:"trust_proxy" mapstructure:"trust_proxy"`

	// TLSCertFile and TLSKeyFile enable HTTPS when both are set.
	TLSCertFile string `yaml:"tls_cert_file" mapstructure:"tls_cert_file" validate:"required_with=TLSKeyFile"`
	TLSKeyFile  string `yaml:"tls_key_file" mapstructure:"tls_key_file" validate:"required_with=TLSCertFile"`

	// ShutdownTimeout bounds graceful shutdown (e.g. "10s").
	ShutdownTimeout string `yaml:"shutdown_timeout" mapstructure:"shutdown_timeout" validate:"omitempty,duration"`
}

// LedgerConfig configures the audit ledger. Durations use Go syntax
// ("24h", "5m").
type LedgerConfig struct {
	// MaxEntries caps the number of retained entries. Defaults to 1000.
	MaxEntries int `yaml:"max_entries" mapstructure:"max_entries" validate:"omitempty,min=1"`

	// TTL is how long an entry is kept. Must lie between 1m and 7d.
	TTL string `yaml:"ttl" mapstructure:"ttl" validate:"omitempty,ttl_bounds"`

	// AutoDenyTimeout denies an undecided entry after this long.
	AutoDenyTimeout string `yaml:"auto_deny_timeout" mapstructure:"auto_deny_timeout" validate:"omitempty,duration"`

	// CleanupInterval is how often expired entries are swept.
	CleanupInterval string `yaml:"cleanup_interval" mapstructure:"cleanup_interval" validate:"omitempty,duration"`
}

// ApprovalsConfig locates the approvals document.
type ApprovalsConfig struct {
	// ConfigPath is the approvals document. A .yaml or .yml extension
	// selects YAML, anything else JSON. Defaults to
	// ~/.approval-gate/approvals.json.
	ConfigPath string `yaml:"config_path" mapstructure:"config_path"`

	// Watch reloads the document when it changes on disk. Defaults to true.
	Watch bool `yaml:"watch" mapstructure:"watch"`

	// CacheSize is the number of cached policy decisions. Defaults to 1000.
	CacheSize int `yaml:"cache_size" mapstructure:"cache_size" validate:"omitempty,min=1"`
}

// AdminConfig configures the admin API.
type AdminConfig struct {
	// APIKeys, when non-empty, require a Bearer key on every /api call.
	APIKeys []APIKeyConfig `yaml:"api_keys" mapstructure:"api_keys" validate:"omitempty,dive"`

	// RateLimit is the maximum requests per minute per non-loopback
	// client. Zero disables limiting.
	RateLimit int `yaml:"rate_limit" mapstructure:"rate_limit" validate:"omitempty,min=0"`
}

// APIKeyConfig is a named admin key.
type APIKeyConfig struct {
	// Identity is recorded as the reviewer for decisions made with this key.
	Identity string `yaml:"identity" mapstructure:"identity" validate:"required"`

	// KeyHash is an argon2id hash from "approval-gate hash-key", or
	// "sha256:" followed by the hex digest.
	KeyHash string `yaml:"key_hash" mapstructure:"key_hash" validate:"required,key_hash"`
}

// SetDevDefaults applies development overrides.
func (c *Config) SetDevDefaults() {
	if !c.DevMode {
		return
	}
	c.Server.LogLevel = "debug"
}

// SetDefaults applies default values to unset fields.
func (c *Config) SetDefaults() {
	// Bind to localhost only unless told otherwise.
	if c.Server.HTTPAddr == "" {
		c.Server.HTTPAddr = "127.0.0.1:8080"
	}
	if c.Server.LogLevel == "" {
		c.Server.LogLevel = "info"
	}
	if c.Server.LogFormat == "" {
		c.Server.LogFormat = "text"
	}
	if c.Server.ShutdownTimeout == "" {
		c.Server.ShutdownTimeout = "10s"
	}

	if c.Ledger.MaxEntries == 0 {
		c.Ledger.MaxEntries = approval.DefaultMaxEntries
	}
	if c.Ledger.TTL == "" {
		c.Ledger.TTL = approval.DefaultTTL.String()
	}
	if c.Ledger.AutoDenyTimeout == "" {
		c.Ledger.AutoDenyTimeout = approval.DefaultAutoDenyTimeout.String()
	}
	if c.Ledger.CleanupInterval == "" {
		c.Ledger.CleanupInterval = approval.DefaultCleanupInterval.String()
	}

	if c.Approvals.ConfigPath == "" {
		c.Approvals.ConfigPath = DefaultApprovalsPath()
	}
	// viper.IsSet distinguishes "not set" from an explicit false.
	if !viper.IsSet("approvals.watch") {
		c.Approvals.Watch = true
	}
	if c.Approvals.CacheSize == 0 {
		c.Approvals.CacheSize = 1000
	}
}

// DefaultApprovalsPath is ~/.approval-gate/approvals.json, or a relative
// approvals.json when the home directory is unknown.
func DefaultApprovalsPath() string {
	home, err := os.UserHomeDir()
	if err != nil {
		return "approvals.json"
	}
	return filepath.Join(home, ".approval-gate", "approvals.json")
}

// LedgerSettings converts the ledger section into an approval.LedgerConfig.
// It expects a validated config; unparsable durations fall back to the
// ledger defaults.
func (c *Config) LedgerSettings() approval.LedgerConfig {
	return approval.LedgerConfig{
		MaxEntries:      c.Ledger.MaxEntries,
		TTL:             parseDuration(c.Ledger.TTL),
		AutoDenyTimeout: parseDuration(c.Ledger.AutoDenyTimeout),
		CleanupInterval: parseDuration(c.Ledger.CleanupInterval),
	}
}

// ShutdownTimeout returns the graceful shutdown budget.
func (c *Config) ShutdownTimeout() time.Duration {
	if d := parseDuration(c.Server.ShutdownTimeout); d > 0 {
		return d
	}
	return 10 * time.Second
}

func parseDuration(s string) time.Duration {
	d, err := time.ParseDuration(s)
	if err != nil {
		return 0
	}
	return d
}
