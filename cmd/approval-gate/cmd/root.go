// Package cmd provides the CLI commands for approval-gate.
package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/approvalgate/internal/config"
)

var cfgFile string

var rootCmd = &cobra.Command{
	Use:   "approval-gate",
	Short: "approval-gate - human review for AI agent tool calls",
	Long: `approval-gate decides whether an AI agent's tool call may run.

Each call is matched against prioritized approval rules. Matching calls are
approved, denied, or held for a human reviewer, who decides through the
admin API. Every reviewed call is recorded in an in-memory audit log.

Quick start:
  1. approval-gate start
  2. Point the agent's permission prompt tool at http://127.0.0.1:8080/mcp
  3. Review pending calls at http://127.0.0.1:8080/api/audit-log

Configuration:
  Config is loaded from approval-gate.yaml in the current directory,
  $HOME/.approval-gate/, or /etc/approval-gate/.

  Environment variables override config values with the APPROVAL_GATE_ prefix.
  Example: APPROVAL_GATE_SERVER_HTTP_ADDR=:9090

Commands:
  start       Start the approval server
  stop        Stop the running server
  validate    Check an approvals document
  hash-key    Hash an admin API key
  version     Print version information`,
	SilenceUsage: true,
}

// Execute runs the root command.
func Execute() {
	if err := rootCmd.Execute(); err != nil {
		fmt.Fprintln(os.Stderr, err)
		os.Exit(1)
	}
}

func init() {
	cobra.OnInitialize(initConfig)
	rootCmd.PersistentFlags().StringVar(&cfgFile, "config", "", "config file (default: ./approval-gate.yaml)")
}

func initConfig() {
	config.InitViper(cfgFile)
}
