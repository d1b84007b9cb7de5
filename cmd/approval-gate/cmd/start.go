package cmd

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"strings"
	"sync"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/approvalgate/internal/adapter/inbound/admin"
	"github.com/Sentinel-Gate/approvalgate/internal/adapter/inbound/http"
	"github.com/Sentinel-Gate/approvalgate/internal/adapter/inbound/mcp"
	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/memory"
	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/approvalgate/internal/config"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
	"github.com/Sentinel-Gate/approvalgate/internal/service"
)

var startCmd = &cobra.Command{
	Use:   "start",
	Short: "Start the approval server",
	Long: `Start the approval-gate server.

The server exposes:
  /mcp      the approval_prompt MCP tool used by agents
  /api/     the admin API (audit log, reviews, approval rules)
  /health   health check
  /metrics  Prometheus metrics

Examples:
  # Start with config file settings
  approval-gate start

  # Start with a specific config file and verbose logging
  approval-gate --config /path/to/approval-gate.yaml start --dev`,
	RunE: runStart,
}

var devMode bool

func init() {
	startCmd.Flags().BoolVar(&devMode, "dev", false, "Enable development mode (debug logging)")
	rootCmd.AddCommand(startCmd)
}

func runStart(cmd *cobra.Command, args []string) error {
	// Validation waits until CLI flags are applied.
	cfg, err := config.LoadConfigRaw()
	if err != nil {
		return fmt.Errorf("failed to load config: %w", err)
	}
	if devMode {
		cfg.DevMode = true
	}
	cfg.SetDevDefaults()
	if err := cfg.Validate(); err != nil {
		return fmt.Errorf("config validation failed: %w", err)
	}

	// stop() restores default signal handling so a second Ctrl+C is a
	// hard kill.
	ctx, stop := signal.NotifyContext(context.Background(), gracefulSignals()...)
	go func() {
		<-ctx.Done()
		stop()
	}()

	logger := newLogger(os.Stderr, cfg.Server.LogLevel, cfg.Server.LogFormat)
	slog.SetDefault(logger)
	if configFile := config.ConfigFileUsed(); configFile != "" {
		logger.Info("loaded config", "file", configFile)
	}

	pidPath := pidFilePath()
	if err := writePIDFile(pidPath); err != nil {
		logger.Warn("failed to write PID file", "path", pidPath, "error", err)
	} else {
		defer removePIDFile(pidPath)
	}

	return serve(ctx, cfg, logger)
}

// serve wires the components and blocks until ctx is cancelled or the
// listener fails.
func serve(ctx context.Context, cfg *config.Config, logger *slog.Logger) error {
	exprs, err := cel.NewEvaluator()
	if err != nil {
		return fmt.Errorf("failed to create expression evaluator: %w", err)
	}
	policies, err := service.NewPolicyService(policy.DefaultSnapshot(), exprs, logger,
		service.WithCacheSize(cfg.Approvals.CacheSize))
	if err != nil {
		return err
	}

	store := state.NewFileConfigStore(cfg.Approvals.ConfigPath, logger)
	configs := service.NewConfigService(store, policies, logger)
	snap, err := configs.Load()
	if err != nil {
		return fmt.Errorf("failed to load approvals config: %w", err)
	}

	ledger, err := memory.NewLedger(cfg.LedgerSettings(), logger)
	if err != nil {
		return fmt.Errorf("failed to create audit ledger: %w", err)
	}
	defer ledger.Stop()
	ledger.StartCleanup(ctx)

	reg := http.NewRegistry()
	metrics := http.NewMetrics(reg)
	http.RegisterLedgerGauges(reg, ledger)
	unsubscribe := ledger.Subscribe(metrics.ObserveLedgerEvent)
	defer unsubscribe()

	var wg sync.WaitGroup
	defer wg.Wait()
	ctx, cancel := context.WithCancel(ctx)
	defer cancel()
	if cfg.Approvals.Watch {
		watcher, err := state.NewWatcher(cfg.Approvals.ConfigPath, func() error {
			err := configs.ReloadFromStore()
			metrics.ObserveReload(err)
			return err
		}, logger)
		if err != nil {
			logger.Warn("approvals hot-reload disabled", "path", cfg.Approvals.ConfigPath, "error", err)
		} else {
			wg.Add(1)
			go func() {
				defer wg.Done()
				if err := watcher.Run(ctx); err != nil {
					logger.Error("approvals file watcher stopped", "error", err)
				}
			}()
		}
	}

	keys, err := adminKeys(cfg.Admin.APIKeys, logger)
	if err != nil {
		return err
	}
	adminHandler := admin.NewHandler(ledger, configs,
		admin.WithKeyVerifier(keys),
		admin.WithRateLimit(cfg.Admin.RateLimit),
		admin.WithLogger(logger),
	)

	approvals := service.NewApprovalService(policies, ledger, metrics, logger)
	mcpServer := mcp.New(approvals, Version, logger)

	srv := http.NewServer(reg, metrics,
		http.WithAddr(cfg.Server.HTTPAddr),
		http.WithTLS(cfg.Server.TLSCertFile, cfg.Server.TLSKeyFile),
		http.WithAllowedOrigins(cfg.Server.AllowedOrigins),
		http.WithTrustProxy(cfg.Server.TrustProxy),
		http.WithShutdownTimeout(cfg.ShutdownTimeout()),
		http.WithLogger(logger),
		http.WithMCPHandler(mcpServer.HTTPHandler()),
		http.WithAPIHandler(adminHandler.Routes()),
		http.WithHealthChecker(http.NewHealthChecker(ledger, policies, Version)),
	)

	printBanner(os.Stderr, cfg, snap, keys != nil)
	return srv.Start(ctx)
}

// adminKeys builds the key verifier, or returns nil when no keys are
// configured and the admin API is open.
func adminKeys(keys []config.APIKeyConfig, logger *slog.Logger) (*admin.KeyVerifier, error) {
	if len(keys) == 0 {
		logger.Warn("no admin API keys configured: /api is unauthenticated")
		return nil, nil
	}
	apiKeys := make([]admin.APIKey, 0, len(keys))
	for _, k := range keys {
		apiKeys = append(apiKeys, admin.APIKey{Name: k.Identity, Hash: k.KeyHash})
	}
	v, err := admin.NewKeyVerifier(apiKeys, logger)
	if err != nil {
		return nil, fmt.Errorf("invalid admin API keys: %w", err)
	}
	return v, nil
}

// newLogger builds the process logger. Unknown levels fall back to info.
func newLogger(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLogLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
}

// parseLogLevel converts a string log level to slog.Level.
// Returns slog.LevelInfo for unrecognized values.
func parseLogLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// printBanner prints the startup summary to w.
func printBanner(w io.Writer, cfg *config.Config, snap *policy.Snapshot, authenticated bool) {
	const (
		reset  = "\033[0m"
		bold   = "\033[1m"
		cyan   = "\033[36m"
		green  = "\033[32m"
		yellow = "\033[33m"
		dim    = "\033[2m"
	)

	scheme := "http"
	if cfg.Server.TLSCertFile != "" {
		scheme = "https"
	}
	base := fmt.Sprintf("%s://%s", scheme, cfg.Server.HTTPAddr)
	if strings.HasPrefix(cfg.Server.HTTPAddr, ":") {
		base = fmt.Sprintf("%s://localhost%s", scheme, cfg.Server.HTTPAddr)
	}

	access := green + "API key required" + reset
	if !authenticated {
		access = yellow + "open" + reset + dim + " (no api keys)" + reset
	}

	active := 0
	for _, r := range snap.Rules {
		if r.IsEnabled() {
			active++
		}
	}

	fmt.Fprintf(w, "\n")
	fmt.Fprintf(w, "  %s%s approval-gate %s%s\n", bold, cyan, Version, reset)
	fmt.Fprintf(w, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(w, "  %-14s %s/mcp\n", "MCP tool:", base)
	fmt.Fprintf(w, "  %-14s %s/api/audit-log\n", "Audit log:", base)
	fmt.Fprintf(w, "  %-14s %s\n", "Admin API:", access)
	fmt.Fprintf(w, "  %-14s %s\n", "Approvals:", cfg.Approvals.ConfigPath)
	fmt.Fprintf(w, "  %-14s %d active / %d total, default %s\n", "Rules:", active, len(snap.Rules), snap.DefaultAction)
	fmt.Fprintf(w, "  %s─────────────────────────────────────%s\n", dim, reset)
	fmt.Fprintf(w, "\n")
}
