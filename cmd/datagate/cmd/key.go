package cmd

import (
	"fmt"

	"github.com/alexedwards/argon2id"
	"github.com/spf13/cobra"
)

var keyCmd = &cobra.Command{
	Use:   "key",
	Short: "Gateway API key tools",
}

var keyHashCmd = &cobra.Command{
	Use:   "hash [api-key]",
	Short: "Generate an Argon2id hash for an API key",
	Long: `Generate an Argon2id hash of an API key for use in config.

The output can be used directly in the auth.api_keys.key_hash field.

Example:
  datagate key hash "dg_my-secret-key"

Security note: the key will appear in shell history. Consider
clearing history after use or passing an environment variable:
  datagate key hash "$MY_API_KEY"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := argon2id.CreateHash(args[0], argon2id.DefaultParams)
		if err != nil {
			return fmt.Errorf("failed to hash key: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	keyCmd.AddCommand(keyHashCmd)
	rootCmd.AddCommand(keyCmd)
}
