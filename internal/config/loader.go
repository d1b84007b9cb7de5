package config

import (
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"runtime"
	"strings"

	"github.com/spf13/viper"
)

const configName = "approval-gate"

// InitViper initializes Viper with the configuration file and environment
// variables. If configFile is empty it searches for approval-gate.yaml/.yml
// in the standard locations. The search requires an explicit extension so
// that the approval-gate binary itself is never picked up.
func InitViper(configFile string) {
	if configFile != "" {
		viper.SetConfigFile(configFile)
	} else if found := findConfigFile(); found != "" {
		viper.SetConfigFile(found)
	} else {
		// ReadInConfig then returns ConfigFileNotFoundError, which
		// LoadConfig treats as env-only mode.
		viper.SetConfigName(configName)
		viper.SetConfigType("yaml")
	}

	// APPROVAL_GATE_SERVER_HTTP_ADDR overrides server.http_addr.
	viper.SetEnvPrefix("APPROVAL_GATE")
	viper.SetEnvKeyReplacer(strings.NewReplacer(".", "_", "-", "_"))
	viper.AutomaticEnv()

	bindNestedEnvKeys()
}

func findConfigFile() string {
	home, _ := os.UserHomeDir()
	paths := []string{
		".",
		filepath.Join(home, "."+configName),
	}
	if runtime.GOOS == "windows" {
		if pd := os.Getenv("ProgramData"); pd != "" {
			paths = append(paths, filepath.Join(pd, configName))
		}
	} else {
		paths = append(paths, "/etc/"+configName)
	}
	return findConfigFileInPaths(paths)
}

// findConfigFileInPaths returns the first approval-gate.yaml or .yml found
// in paths, or "".
func findConfigFileInPaths(paths []string) string {
	for _, dir := range paths {
		for _, ext := range []string{".yaml", ".yml"} {
			path := filepath.Join(dir, configName+ext)
			if _, err := os.Stat(path); err == nil {
				return path
			}
		}
	}
	return ""
}

// bindNestedEnvKeys binds the scalar keys so nested values can be
// overridden from the environment. admin.api_keys is a list and only
// comes from the config file.
func bindNestedEnvKeys() {
	for _, key := range []string{
		"server.http_addr",
		"server.log_level",
		"server.log_format",
		"server.allowed_origins",
		"server.trust_proxy",
		"server.tls_cert_file",
		"server.tls_key_file",
		"server.shutdown_timeout",

		"ledger.max_entries",
		"ledger.ttl",
		"ledger.auto_deny_timeout",
		"ledger.cleanup_interval",

		"approvals.config_path",
		"approvals.watch",
		"approvals.cache_size",

		"admin.rate_limit",

		"dev_mode",
	} {
		_ = viper.BindEnv(key)
	}
}

// LoadConfig reads the configuration file, applies environment overrides
// and defaults, and validates the result.
func LoadConfig() (*Config, error) {
	cfg, err := LoadConfigRaw()
	if err != nil {
		return nil, err
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("config validation failed: %w", err)
	}
	return cfg, nil
}

// LoadConfigRaw reads the configuration and applies defaults, but neither
// applies dev defaults nor validates. Callers use it when CLI flags may
// still change DevMode.
func LoadConfigRaw() (*Config, error) {
	if err := viper.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
		// No file: environment variables only.
	}

	var cfg Config
	if err := viper.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	cfg.SetDefaults()
	return &cfg, nil
}

// ConfigFileUsed returns the loaded configuration file, or "" in
// env-only mode.
func ConfigFileUsed() string {
	return viper.ConfigFileUsed()
}
