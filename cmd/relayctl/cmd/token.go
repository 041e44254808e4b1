package cmd

import (
	"fmt"
	"os"
	"path/filepath"
	"time"

	"github.com/spf13/cobra"

	"github.com/austindbirch/claimrelay/internal/auth"
)

var tokenCmd = &cobra.Command{
	Use:   "token",
	Short: "Create signing keys and operator tokens",
	Long: `Generate the RSA key pair used for admin authentication and mint RS256 tokens.
The public key goes into the ingest service's AUTH_PUBLIC_KEY.`,
}

var tokenKeygenCmd = &cobra.Command{
	Use:   "keygen [dir]",
	Short: "Write a new RSA key pair",
	Long: `Write relay-signing.pem and relay-signing.pub.pem into dir (default: current directory).

Example:
  relayctl token keygen ./secrets`,
	Args: cobra.MaximumNArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		dir := "."
		if len(args) == 1 {
			dir = args[0]
		}
		kp, err := auth.GenerateKeyPair()
		if err != nil {
			return err
		}
		priv := filepath.Join(dir, "relay-signing.pem")
		pub := filepath.Join(dir, "relay-signing.pub.pem")
		if err := os.WriteFile(priv, []byte(kp.PrivateKeyPEM), 0o600); err != nil {
			return fmt.Errorf("failed to write private key: %w", err)
		}
		if err := os.WriteFile(pub, []byte(kp.PublicKeyPEM), 0o644); err != nil {
			return fmt.Errorf("failed to write public key: %w", err)
		}
		fmt.Fprintf(cmd.OutOrStdout(), "Private key: %s\nPublic key: %s\n", priv, pub)
		return nil
	},
}

var tokenMintCmd = &cobra.Command{
	Use:   "mint [subject]",
	Short: "Mint an operator token",
	Long: `Sign an RS256 token for the given operator.

Example:
  relayctl token mint ops@example.com --key relay-signing.pem --ttl 8h`,
	Args: cobra.ExactArgs(1),
	RunE: func(cmd *cobra.Command, args []string) error {
		keyFile, _ := cmd.Flags().GetString("key")
		issuer, _ := cmd.Flags().GetString("issuer")
		audience, _ := cmd.Flags().GetString("audience")
		ttl, _ := cmd.Flags().GetDuration("ttl")

		raw, err := os.ReadFile(keyFile)
		if err != nil {
			return fmt.Errorf("failed to read key: %w", err)
		}
		key, err := auth.ParsePrivateKey(string(raw))
		if err != nil {
			return err
		}
		tok, err := auth.SignToken(key, issuer, audience, args[0], ttl)
		if err != nil {
			return err
		}
		if outputJSON {
			printOutput(cmd.OutOrStdout(), map[string]any{
				"token":      tok,
				"token_type": "Bearer",
				"expires_in": int(ttl / time.Second),
			})
			return nil
		}
		fmt.Fprintln(cmd.OutOrStdout(), tok)
		return nil
	},
}

func init() {
	rootCmd.AddCommand(tokenCmd)
	tokenCmd.AddCommand(tokenKeygenCmd)
	tokenCmd.AddCommand(tokenMintCmd)

	tokenMintCmd.Flags().String("key", "relay-signing.pem", "PEM encoded RSA private key")
	tokenMintCmd.Flags().String("issuer", "claimrelay", "token issuer (AUTH_ISSUER)")
	tokenMintCmd.Flags().String("audience", "claimrelay-admin", "token audience (AUTH_AUDIENCE)")
	tokenMintCmd.Flags().Duration("ttl", time.Hour, "token lifetime")
}
