package cmd

import (
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/cel"
	"github.com/Sentinel-Gate/approvalgate/internal/adapter/outbound/state"
	"github.com/Sentinel-Gate/approvalgate/internal/config"
	"github.com/Sentinel-Gate/approvalgate/internal/domain/policy"
)

var validateCmd = &cobra.Command{
	Use:   "validate [file]",
	Short: "Check an approvals document",
	Long: `Check an approvals document for errors and never-matching patterns.

Without an argument the document named by approvals.config_path is checked.
The exit status is non-zero when the document has errors.

Example:
  approval-gate validate ./approvals.yaml`,
	Args: cobra.MaximumNArgs(1),
	RunE: runValidate,
}

func init() {
	rootCmd.AddCommand(validateCmd)
}

func runValidate(cmd *cobra.Command, args []string) error {
	path := ""
	if len(args) == 1 {
		path = args[0]
	} else {
		cfg, err := config.LoadConfigRaw()
		if err != nil {
			return fmt.Errorf("failed to load config: %w", err)
		}
		path = cfg.Approvals.ConfigPath
	}

	res, err := validateFile(path)
	if err != nil {
		return err
	}

	out := cmd.OutOrStdout()
	for _, w := range res.Warnings {
		fmt.Fprintf(out, "warning: %s\n", w)
	}
	for _, e := range res.Errors {
		fmt.Fprintf(out, "error: %s\n", e)
	}
	if !res.Valid {
		return fmt.Errorf("%s: %d error(s)", path, len(res.Errors))
	}
	fmt.Fprintf(out, "%s: OK\n", path)
	return nil
}

func validateFile(path string) (policy.ValidationResult, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return policy.ValidationResult{}, fmt.Errorf("failed to read approvals document: %w", err)
	}
	doc, err := state.Decode(data, state.FormatForPath(path))
	if err != nil {
		return policy.ValidationResult{}, err
	}
	exprs, err := cel.NewEvaluator()
	if err != nil {
		return policy.ValidationResult{}, fmt.Errorf("failed to create expression evaluator: %w", err)
	}
	return policy.Validate(&doc.Approvals, exprs), nil
}
