package main

import (
	"os"

	"github.com/spf13/cobra"
)

func newRootCmd() *cobra.Command {
	root := &cobra.Command{
		Use:   "doseta",
		Short: "Sign and verify HTTP messages with DKIM-Signature headers",
		Long: `doseta generates signing keys, signs HTTP headers and bodies, and verifies
DKIM-Signature headers against configurable policies. Keys come from PEM files
or from DNS TXT records under <selector>._domainkey.<domain>.`,
		SilenceUsage: true,
		RunE: func(cmd *cobra.Command, args []string) error {
			return cmd.Help()
		},
	}

	root.AddCommand(newKeygenCmd())
	root.AddCommand(newSignCmd())
	root.AddCommand(newVerifyCmd())
	root.AddCommand(newServeCmd())
	return root
}

func main() {
	if err := newRootCmd().Execute(); err != nil {
		// Cobra prints the error.
		os.Exit(1)
	}
}
