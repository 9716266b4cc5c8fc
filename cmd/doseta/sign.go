package main

import (
	"fmt"
	"os"
	"slices"
	"strings"

	"github.com/spf13/cobra"

	"github.com/synqronlabs/doseta/dkim"
)

func newSignCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "sign --key <key.pem> --domain <d> --selector <s> --header \"Name: value\"... [--body <file>]",
		Short: "Print a DKIM-Signature header for the given headers and body",
		RunE: func(cmd *cobra.Command, args []string) error {
			keyPath, _ := cmd.Flags().GetString("key")
			domain, _ := cmd.Flags().GetString("domain")
			selector, _ := cmd.Flags().GetString("selector")
			headerLines, _ := cmd.Flags().GetStringArray("header")
			bodyPath, _ := cmd.Flags().GetString("body")
			signed, _ := cmd.Flags().GetStringSlice("signed-headers")
			canon, _ := cmd.Flags().GetString("canonicalization")
			expire, _ := cmd.Flags().GetDuration("expire")
			attrs, _ := cmd.Flags().GetStringToString("attribute")

			data, err := os.ReadFile(keyPath)
			if err != nil {
				return fmt.Errorf("failed to read key: %w", err)
			}
			key, err := dkim.ParsePrivateKeyPEM(data)
			if err != nil {
				return err
			}

			headers, err := parseHeaders(headerLines)
			if err != nil {
				return err
			}
			body, err := readBody(bodyPath, cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}

			if len(signed) == 0 {
				for _, line := range headerLines {
					name, _, _ := strings.Cut(line, ":")
					name = strings.TrimSpace(name)
					if !slices.ContainsFunc(signed, func(n string) bool { return strings.EqualFold(n, name) }) {
						signed = append(signed, name)
					}
				}
			}
			headerCanon, bodyCanon, _ := strings.Cut(canon, "/")

			signer := &dkim.Signer{
				Domain:                 domain,
				Selector:               selector,
				PrivateKey:             key,
				Headers:                signed,
				HeaderCanonicalization: dkim.Canonicalization(headerCanon),
				BodyCanonicalization:   dkim.Canonicalization(bodyCanon),
				Expiration:             expire,
				Attributes:             attrs,
			}
			value, err := signer.Sign(headers, body)
			if err != nil {
				return err
			}

			fmt.Fprintf(cmd.OutOrStdout(), "%s: %s\n", dkim.HeaderName, value)
			return nil
		},
	}

	cmd.Flags().String("key", "", "Private key PEM file (required)")
	cmd.Flags().String("domain", "", "Signing domain, d= (required)")
	cmd.Flags().String("selector", "", "Key selector, s= (required)")
	cmd.Flags().StringArray("header", nil, "Header to sign as \"Name: value\" (repeatable)")
	cmd.Flags().String("body", "", "Body file, - for stdin")
	cmd.Flags().StringSlice("signed-headers", nil, "Header names for h= (default: every --header)")
	cmd.Flags().String("canonicalization", "simple/simple", "Header/body canonicalization")
	cmd.Flags().Duration("expire", 0, "Signature lifetime, sets x=")
	cmd.Flags().StringToString("attribute", nil, "Extra tag as name=value (repeatable)")
	cmd.MarkFlagRequired("key")
	cmd.MarkFlagRequired("domain")
	cmd.MarkFlagRequired("selector")
	return cmd
}
