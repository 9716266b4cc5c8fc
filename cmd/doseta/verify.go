package main

import (
	"context"
	"crypto"
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/spf13/cobra"
	"gopkg.in/yaml.v3"

	"github.com/synqronlabs/doseta/dkim"
	"github.com/synqronlabs/doseta/internal/config"
)

// verifyReport is the YAML document printed by verify.
type verifyReport struct {
	Passed  bool           `yaml:"passed"`
	Results []policyReport `yaml:"results"`
}

type policyReport struct {
	Policy    string              `yaml:"policy"`
	Status    string              `yaml:"status"`
	Domain    string              `yaml:"domain,omitempty"`
	Selector  string              `yaml:"selector,omitempty"`
	Algorithm string              `yaml:"algorithm,omitempty"`
	Error     string              `yaml:"error,omitempty"`
	Headers   map[string][]string `yaml:"headers,omitempty"`
}

var errVerifyFailed = errors.New("verification failed")

func newVerifyCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "verify [--config policy.yaml] --header \"Name: value\"... [--body <file>] [--key <pub.pem>]",
		Short: "Verify DKIM-Signature headers and print the validated headers as YAML",
		Long: `verify applies every policy in the configuration file to the given headers and
body. Without policies a single default policy is used. Keys come from each
policy's keyFile, from --key for every signature, or from DNS.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")
			headerLines, _ := cmd.Flags().GetStringArray("header")
			bodyPath, _ := cmd.Flags().GetString("body")
			keyPath, _ := cmd.Flags().GetString("key")
			timeout, _ := cmd.Flags().GetDuration("timeout")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			logger := newLogger(cfg.Logging, cmd.ErrOrStderr())

			headers, err := parseHeaders(headerLines)
			if err != nil {
				return err
			}
			body, err := readBody(bodyPath, cmd.InOrStdin())
			if err != nil {
				return fmt.Errorf("failed to read body: %w", err)
			}

			var repo dkim.KeyRepository
			if keyPath != "" {
				data, err := os.ReadFile(keyPath)
				if err != nil {
					return fmt.Errorf("failed to read key: %w", err)
				}
				key, err := dkim.ParsePublicKeyPEM(data)
				if err != nil {
					return err
				}
				repo = dkim.KeyRepositoryFunc(func(context.Context, *dkim.Signature) (crypto.PublicKey, error) {
					return key, nil
				})
			} else {
				repo = cfg.DNS.KeyRepository(cfg.DNS.Resolver())
			}

			verifier, err := cfg.Verifier(repo)
			if err != nil {
				return err
			}
			verifier.Logger = logger

			ctx, cancel := context.WithTimeout(cmd.Context(), timeout)
			defer cancel()

			results, err := verifier.Verify(ctx, headers, body)
			if err != nil {
				return err
			}

			report := buildReport(cfg, results)
			enc := yaml.NewEncoder(cmd.OutOrStdout())
			enc.SetIndent(2)
			if err := enc.Encode(report); err != nil {
				return err
			}
			if err := enc.Close(); err != nil {
				return err
			}

			if !report.Passed {
				if err := results.Err(); err != nil {
					return fmt.Errorf("%w: %w", errVerifyFailed, err)
				}
				return errVerifyFailed
			}
			return nil
		},
	}

	cmd.Flags().String("config", "", "Policy configuration file")
	cmd.Flags().StringArray("header", nil, "Message header as \"Name: value\" (repeatable)")
	cmd.Flags().String("body", "", "Body file, - for stdin")
	cmd.Flags().String("key", "", "Public key PEM file used for every signature")
	cmd.Flags().Duration("timeout", 30*time.Second, "Key lookup timeout")
	return cmd
}

func buildReport(cfg *config.Config, results *dkim.Results) verifyReport {
	report := verifyReport{Passed: results.Passed()}
	for i, res := range results.Results {
		pr := policyReport{Policy: "default", Status: string(res.Status)}
		if i < len(cfg.Policies) {
			pr.Policy = cfg.Policies[i].Name
			if pr.Policy == "" {
				pr.Policy = fmt.Sprintf("policy-%d", i)
			}
		}
		if res.Signature != nil {
			pr.Domain = res.Signature.Domain
			pr.Selector = res.Signature.Selector
			pr.Algorithm = res.Signature.Algorithm
		}
		if res.Err != nil {
			pr.Error = res.Err.Error()
		}
		if res.Validated != nil {
			pr.Headers = make(map[string][]string, res.Validated.Len())
			for _, name := range res.Validated.Names() {
				pr.Headers[name] = res.Validated.Values(name)
			}
		}
		report.Results = append(report.Results, pr)
	}
	return report
}
