package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/Ward-Gate/wardgate/internal/domain/secret"
)

var hashKeyCmd = &cobra.Command{
	Use:   "hash-key [secret]",
	Short: "Generate an argon2id hash for a token or password",
	Long: `Generate an argon2id PHC hash of a secret for use in config.

The output can be used directly as auth.token or auth.password, so the
plaintext secret never has to live in the config file.

Example:
  wardgate hash-key "my-secret-token"
  # Output: $argon2id$v=19$m=48128,t=1,p=1$...

Security note: The secret will appear in shell history.
Consider using an environment variable instead:
  wardgate hash-key "$MY_TOKEN"`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		hash, err := secret.HashArgon2id(args[0])
		if err != nil {
			return fmt.Errorf("hash generation failed: %w", err)
		}
		fmt.Println(hash)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(hashKeyCmd)
}
