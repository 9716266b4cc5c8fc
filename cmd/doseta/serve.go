package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"net/http/httputil"
	"net/url"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/spf13/cobra"

	"github.com/synqronlabs/doseta/dkim"
	"github.com/synqronlabs/doseta/internal/config"
	"github.com/synqronlabs/doseta/metrics"
)

const shutdownTimeout = 10 * time.Second

func newServeCmd() *cobra.Command {
	cmd := &cobra.Command{
		Use:   "serve --config doseta.yaml",
		Short: "Run a reverse proxy that verifies DKIM-Signature headers",
		Long: `serve forwards requests to server.upstream after applying the configured
policies. Failing requests are answered with 401 when server.rejectOnFail is
set; passing ones carry an Authentication-Results header upstream.`,
		RunE: func(cmd *cobra.Command, args []string) error {
			configPath, _ := cmd.Flags().GetString("config")

			cfg, err := config.Load(configPath)
			if err != nil {
				return err
			}
			if cfg.Server.Upstream == "" {
				return errors.New("server.upstream is required")
			}
			upstream, err := url.Parse(cfg.Server.Upstream)
			if err != nil {
				return fmt.Errorf("invalid upstream: %w", err)
			}

			logger := newLogger(cfg.Logging, cmd.ErrOrStderr())

			var m *metrics.Metrics
			var metricsServer *http.Server
			if cfg.Metrics.Enabled {
				reg := prometheus.NewRegistry()
				if m, err = metrics.NewMetrics(reg); err != nil {
					return fmt.Errorf("failed to create metrics: %w", err)
				}
				mux := http.NewServeMux()
				mux.Handle(cfg.Metrics.Path, promhttp.HandlerFor(reg, promhttp.HandlerOpts{}))
				metricsServer = &http.Server{Addr: cfg.Metrics.Address, Handler: mux}

				go func() {
					logger.Info("starting metrics server", "address", cfg.Metrics.Address)
					if err := metricsServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
						logger.Error("metrics server error", "error", err)
					}
				}()
			}

			verifier, err := cfg.Verifier(cfg.DNS.KeyRepository(cfg.DNS.Resolver()))
			if err != nil {
				return err
			}
			verifier.Logger = logger
			verifier.Metrics = m

			handler := dkim.Middleware(dkim.MiddlewareConfig{
				Verifier:         verifier,
				Logger:           logger,
				Metrics:          m,
				Timeout:          cfg.Server.Timeout,
				MaxBodySize:      cfg.Server.MaxBodySize,
				Hostname:         cfg.Server.Hostname,
				RejectOnFail:     cfg.Server.RejectOnFail,
				RequireSignature: cfg.Server.RequireSignature,
				TrustedNetworks:  cfg.Server.Networks(),
			})(httputil.NewSingleHostReverseProxy(upstream))

			server := &http.Server{
				Addr:              cfg.Server.Address,
				Handler:           handler,
				ReadHeaderTimeout: 10 * time.Second,
			}

			ctx, stop := signal.NotifyContext(cmd.Context(), os.Interrupt, syscall.SIGTERM)
			defer stop()

			errCh := make(chan error, 1)
			go func() {
				logger.Info("doseta proxy listening",
					"address", cfg.Server.Address,
					"upstream", cfg.Server.Upstream,
					"policies", len(verifier.Verifications))
				if err := server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
					errCh <- err
				}
				close(errCh)
			}()

			select {
			case err := <-errCh:
				if err != nil {
					return err
				}
			case <-ctx.Done():
				logger.Info("shutdown signal received, stopping...")
			}

			shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
			defer cancel()
			return shutdown(shutdownCtx, logger, server, metricsServer)
		},
	}

	cmd.Flags().String("config", "", "Configuration file")
	return cmd
}

// shutdown stops the metrics server, logging any failure, then the proxy.
func shutdown(ctx context.Context, logger *slog.Logger, server, metricsServer *http.Server) error {
	if metricsServer != nil {
		if err := metricsServer.Shutdown(ctx); err != nil {
			logger.Warn("metrics server shutdown failed", "error", err)
		}
	}
	return server.Shutdown(ctx)
}
