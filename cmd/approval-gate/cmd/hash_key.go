package cmd

import (
	"crypto/sha256"
	"encoding/hex"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Sentinel-Gate/approvalgate/internal/adapter/inbound/admin"
)

var hashKeySHA256 bool

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [api-key]",
	Short: "Hash an admin API key",
	Long: `Hash an admin API key for the admin.api_keys[].key_hash field.

The default output is an argon2id PHC string. --sha256 prints
"sha256:<hex>" instead, which verifies faster but is only safe for
long random keys.

Example:
  approval-gate hash-key "my-secret-api-key"
  # Output: $argon2id$v=19$m=65536,t=1,p=...

Security note: The key will appear in shell history.
Consider passing it through an environment variable:
  approval-gate hash-key "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := hashAPIKey(args[0], hashKeySHA256)
		if err != nil {
			return err
		}
		fmt.Fprintln(cmd.OutOrStdout(), hash)
		return nil
	},
}

func hashAPIKey(key string, useSHA256 bool) (string, error) {
	if key == "" {
		return "", fmt.Errorf("api key must not be empty")
	}
	if useSHA256 {
		sum := sha256.Sum256([]byte(key))
		return "sha256:" + hex.EncodeToString(sum[:]), nil
	}
	return admin.HashKey(key)
}

func init() {
	hashKeyCmd.Flags().BoolVar(&hashKeySHA256, "sha256", false, "print a sha256 digest instead of argon2id")
	rootCmd.AddCommand(hashKeyCmd)
}
