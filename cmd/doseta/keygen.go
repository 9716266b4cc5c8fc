package main

import (
	"crypto"
	"fmt"
	"os"

	"github.com/spf13/cobra"

	"github.com/synqronlabs/doseta/dkim"
)

func newKeygenCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "keygen --type rsa|ed25519|ecdsa --out <prefix>",
		Short: "Generate a signing key pair and print its DNS record",
		Long: `keygen writes <prefix>.key (PKCS#8 private key) and <prefix>.pub (PKIX public
key) and prints the TXT record to publish. With --selector and --domain the
record name is printed too.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			keyType, _ := cmd.Flags().GetString("type")
			out, _ := cmd.Flags().GetString("out")
			selector, _ := cmd.Flags().GetString("selector")
			domain, _ := cmd.Flags().GetString("domain")

			key, err := dkim.GenerateKey(keyType)
			if err != nil {
				return err
			}

			privPEM, err := dkim.MarshalPrivateKeyPEM(key)
			if err != nil {
				return err
			}
			pubPEM, err := dkim.MarshalPublicKeyPEM(key.Public())
			if err != nil {
				return err
			}
			if err := os.WriteFile(out+".key", privPEM, 0o600); err != nil {
				return fmt.Errorf("failed to write private key: %w", err)
			}
			if err := os.WriteFile(out+".pub", pubPEM, 0o644); err != nil {
				return fmt.Errorf("failed to write public key: %w", err)
			}

			txt, err := recordTXT(key.Public())
			if err != nil {
				return err
			}
			if selector != "" && domain != "" {
				fmt.Fprintf(cmd.OutOrStdout(), "%s. IN TXT %q\n", dkim.KeyName(selector, domain), txt)
			} else {
				fmt.Fprintln(cmd.OutOrStdout(), txt)
			}
			return nil
		},
	}

	cmd.Flags().String("type", "rsa", "Key type: rsa, ed25519 or ecdsa")
	cmd.Flags().String("out", "", "Output file prefix (required)")
	cmd.Flags().String("selector", "", "Selector for the printed record name")
	cmd.Flags().String("domain", "", "Domain for the printed record name")
	cmd.MarkFlagRequired("out")
	return cmd
}

func recordTXT(pub crypto.PublicKey) (string, error) {
	record, err := dkim.NewRecord(pub)
	if err != nil {
		return "", err
	}
	return record.ToTXT()
}
