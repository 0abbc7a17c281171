package cmd

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/plexsphere/tunneld/internal/keys"
)

var keygenSeed string

var keygenCmd = &cobra.Command{
	Use:   "keygen",
	Short: "Derive a deterministic P-384 signing key pair for development",
	Long: "Derive a P-384 key pair from --seed via HKDF-SHA384 and print the\n" +
		"verifying key's hex encoding, the form tunneld's positional verifying-key\n" +
		"argument expects. The same seed always yields the same key pair, which is\n" +
		"useful for reproducible dev/test fixtures; it is not a substitute for a\n" +
		"securely generated production key.",
	RunE: runKeygen,
}

func init() {
	keygenCmd.Flags().StringVar(&keygenSeed, "seed", "", "seed bytes for deterministic key derivation (required)")
	rootCmd.AddCommand(keygenCmd)
}

func runKeygen(cmd *cobra.Command, _ []string) error {
	if keygenSeed == "" {
		return fmt.Errorf("tunneld keygen: --seed is required")
	}
	priv, err := keys.DeterministicKeyPair([]byte(keygenSeed))
	if err != nil {
		return fmt.Errorf("tunneld keygen: %w", err)
	}
	fmt.Fprintln(cmd.OutOrStdout(), keys.MarshalVerifyingKeyHex(&priv.PublicKey))
	return nil
}
