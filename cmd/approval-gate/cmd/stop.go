package cmd

import (
	"fmt"
	"time"

	"github.com/spf13/cobra"
)

var stopGrace time.Duration

var stopCmd = &cobra.Command{
	Use:   "stop",
	Short: "Stop the running approval-gate server",
	Long: `Signal the server recorded in ~/.approval-gate/server.pid to shut down.
A server still running after --grace is killed.`,
	RunE: runStop,
}

func init() {
	stopCmd.Flags().DurationVar(&stopGrace, "grace", 15*time.Second, "how long to wait before killing the server")
	rootCmd.AddCommand(stopCmd)
}

func runStop(cmd *cobra.Command, _ []string) error {
	srv, err := findServer(pidFilePath())
	if err != nil {
		return err
	}

	errOut := cmd.ErrOrStderr()
	fmt.Fprintf(errOut, "Stopping approval-gate server (PID %d)...\n", srv.pid())
	killed, err := srv.stop(stopGrace)
	if err != nil {
		return fmt.Errorf("failed to stop server: %w", err)
	}
	if killed {
		fmt.Fprintf(errOut, "Server did not exit within %s and was killed.\n", stopGrace)
		return nil
	}
	fmt.Fprintln(errOut, "Server stopped.")
	return nil
}
