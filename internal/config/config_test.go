package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"

	"github.com/spf13/viper"

	"github.com/Sentinel-Gate/approvalgate/internal/domain/approval"
)

func TestConfig_SetDefaults(t *testing.T) {
	t.Parallel()

	var cfg Config
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != "127.0.0.1:8080" {
		t.Errorf("HTTPAddr = %q, want %q", cfg.Server.HTTPAddr, "127.0.0.1:8080")
	}
	if cfg.Server.LogLevel != "info" || cfg.Server.LogFormat != "text" {
		t.Errorf("log = %q/%q, want info/text", cfg.Server.LogLevel, cfg.Server.LogFormat)
	}
	if cfg.Ledger.MaxEntries != 1000 {
		t.Errorf("MaxEntries = %d, want 1000", cfg.Ledger.MaxEntries)
	}
	if cfg.Ledger.TTL != "24h0m0s" || cfg.Ledger.AutoDenyTimeout != "5m0s" || cfg.Ledger.CleanupInterval != "1m0s" {
		t.Errorf("ledger durations = %+v", cfg.Ledger)
	}
	if !cfg.Approvals.Watch {
		t.Error("Approvals.Watch should default to true")
	}
	if cfg.Approvals.CacheSize != 1000 {
		t.Errorf("CacheSize = %d, want 1000", cfg.Approvals.CacheSize)
	}
	if filepath.Base(cfg.Approvals.ConfigPath) != "approvals.json" {
		t.Errorf("ConfigPath = %q", cfg.Approvals.ConfigPath)
	}
}

func TestConfig_SetDefaults_PreservesExistingValues(t *testing.T) {
	t.Parallel()

	cfg := Config{
		Server:    ServerConfig{HTTPAddr: ":9090", LogLevel: "warn"},
		Ledger:    LedgerConfig{MaxEntries: 50, TTL: "2h"},
		Approvals: ApprovalsConfig{ConfigPath: "/srv/approvals.yaml", CacheSize: 10},
	}
	cfg.SetDefaults()

	if cfg.Server.HTTPAddr != ":9090" || cfg.Server.LogLevel != "warn" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Ledger.MaxEntries != 50 || cfg.Ledger.TTL != "2h" {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Approvals.ConfigPath != "/srv/approvals.yaml" || cfg.Approvals.CacheSize != 10 {
		t.Errorf("approvals = %+v", cfg.Approvals)
	}
}

func TestConfig_SetDevDefaults(t *testing.T) {
	t.Parallel()

	cfg := Config{DevMode: true}
	cfg.SetDefaults()
	cfg.SetDevDefaults()
	if cfg.Server.LogLevel != "debug" {
		t.Errorf("LogLevel = %q, want debug", cfg.Server.LogLevel)
	}
}

func TestConfig_LedgerSettings(t *testing.T) {
	t.Parallel()

	cfg := Config{Ledger: LedgerConfig{MaxEntries: 10, TTL: "1h", AutoDenyTimeout: "30s", CleanupInterval: "10s"}}
	got := cfg.LedgerSettings()
	want := approval.LedgerConfig{
		MaxEntries:      10,
		TTL:             time.Hour,
		AutoDenyTimeout: 30 * time.Second,
		CleanupInterval: 10 * time.Second,
	}
	if got != want {
		t.Errorf("LedgerSettings() = %+v, want %+v", got, want)
	}
	if err := got.WithDefaults().Validate(); err != nil {
		t.Errorf("ledger config invalid: %v", err)
	}
}

func TestConfig_ShutdownTimeout(t *testing.T) {
	t.Parallel()

	if got := (&Config{}).ShutdownTimeout(); got != 10*time.Second {
		t.Errorf("default = %v", got)
	}
	cfg := Config{Server: ServerConfig{ShutdownTimeout: "3s"}}
	if got := cfg.ShutdownTimeout(); got != 3*time.Second {
		t.Errorf("ShutdownTimeout() = %v", got)
	}
}

func TestFindConfigFileInPaths_EmptyDir(t *testing.T) {
	t.Parallel()
	if got := findConfigFileInPaths([]string{t.TempDir()}); got != "" {
		t.Errorf("got %q, want empty", got)
	}
}

func TestFindConfigFileInPaths(t *testing.T) {
	t.Parallel()

	tests := []struct {
		name  string
		files []string
		want  string
	}{
		{"yaml", []string{"approval-gate.yaml"}, "approval-gate.yaml"},
		{"yml", []string{"approval-gate.yml"}, "approval-gate.yml"},
		{"prefers yaml", []string{"approval-gate.yml", "approval-gate.yaml"}, "approval-gate.yaml"},
		{"ignores binary", []string{"approval-gate"}, ""},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			dir := t.TempDir()
			for _, f := range tt.files {
				if err := os.WriteFile(filepath.Join(dir, f), []byte("dev_mode: false\n"), 0o600); err != nil {
					t.Fatal(err)
				}
			}
			got := findConfigFileInPaths([]string{dir})
			want := ""
			if tt.want != "" {
				want = filepath.Join(dir, tt.want)
			}
			if got != want {
				t.Errorf("got %q, want %q", got, want)
			}
		})
	}
}

// The loader tests share viper's global state and must not run in parallel.

func TestLoadConfig_FileAndEnv(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "approval-gate.yaml")
	yaml := `
server:
  http_addr: "0.0.0.0:9000"
ledger:
  max_entries: 25
  ttl: 2h
approvals:
  config_path: /tmp/approvals.yaml
  watch: false
admin:
  api_keys:
    - identity: ops
      key_hash: "sha256:` + sha256Hex + `"
`
	if err := os.WriteFile(path, []byte(yaml), 0o600); err != nil {
		t.Fatal(err)
	}
	t.Setenv("APPROVAL_GATE_LEDGER_AUTO_DENY_TIMEOUT", "90s")
	t.Setenv("APPROVAL_GATE_SERVER_LOG_LEVEL", "debug")

	InitViper(path)
	cfg, err := LoadConfig()
	if err != nil {
		t.Fatalf("LoadConfig() error: %v", err)
	}

	if ConfigFileUsed() != path {
		t.Errorf("ConfigFileUsed() = %q", ConfigFileUsed())
	}
	if cfg.Server.HTTPAddr != "0.0.0.0:9000" || cfg.Server.LogLevel != "debug" {
		t.Errorf("server = %+v", cfg.Server)
	}
	if cfg.Ledger.MaxEntries != 25 || cfg.Ledger.TTL != "2h" || cfg.Ledger.AutoDenyTimeout != "90s" {
		t.Errorf("ledger = %+v", cfg.Ledger)
	}
	if cfg.Approvals.Watch {
		t.Error("explicit watch: false was overridden by the default")
	}
	if len(cfg.Admin.APIKeys) != 1 || cfg.Admin.APIKeys[0].Identity != "ops" {
		t.Errorf("admin = %+v", cfg.Admin)
	}
}

func TestLoadConfig_InvalidFile(t *testing.T) {
	viper.Reset()
	t.Cleanup(viper.Reset)

	path := filepath.Join(t.TempDir(), "approval-gate.yaml")
	if err := os.WriteFile(path, []byte("ledger:\n  ttl: 10s\n"), 0o600); err != nil {
		t.Fatal(err)
	}
	InitViper(path)
	if _, err := LoadConfig(); err == nil {
		t.Fatal("LoadConfig() accepted a ttl below the minimum")
	}
}
