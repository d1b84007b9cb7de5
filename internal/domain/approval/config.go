package approval

import (
	"fmt"
	"time"
)

// Ledger defaults and bounds.
const (
	DefaultMaxEntries      = 1000
	DefaultTTL             = 24 * time.Hour
	DefaultAutoDenyTimeout = 5 * time.Minute
	DefaultCleanupInterval = time.Minute

	MinTTL = time.Minute
	MaxTTL = 7 * 24 * time.Hour
)

// LedgerConfig configures a ledger. Zero values take the defaults above.
type LedgerConfig struct {
	MaxEntries      int
	TTL             time.Duration
	AutoDenyTimeout time.Duration
	CleanupInterval time.Duration
}

// WithDefaults fills zero fields with their defaults.
func (c LedgerConfig) WithDefaults() LedgerConfig {
	if c.MaxEntries == 0 {
		c.MaxEntries = DefaultMaxEntries
	}
	if c.TTL == 0 {
		c.TTL = DefaultTTL
	}
	if c.AutoDenyTimeout == 0 {
		c.AutoDenyTimeout = DefaultAutoDenyTimeout
	}
	if c.CleanupInterval == 0 {
		c.CleanupInterval = DefaultCleanupInterval
	}
	return c
}

// Validate checks the configuration after defaults were applied.
func (c LedgerConfig) Validate() error {
	if c.MaxEntries <= 0 {
		return fmt.Errorf("%w: max entries must be positive, got %d", ErrInvalidConfig, c.MaxEntries)
	}
	if c.TTL < MinTTL || c.TTL > MaxTTL {
		return fmt.Errorf("%w: ttl %s outside [%s, %s]", ErrInvalidConfig, c.TTL, MinTTL, MaxTTL)
	}
	if c.AutoDenyTimeout < 0 {
		return fmt.Errorf("%w: auto-deny timeout must not be negative", ErrInvalidConfig)
	}
	if c.CleanupInterval < 0 {
		return fmt.Errorf("%w: cleanup interval must not be negative", ErrInvalidConfig)
	}
	return nil
}
