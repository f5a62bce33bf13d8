// SPDX-FileCopyrightText: Copyright 2025 Addie Labs
// SPDX-License-Identifier: Apache-2.0

package app

import (
	"context"
	"fmt"
	"os/signal"
	"strings"
	"syscall"
	"time"

	"github.com/spf13/cobra"
	"github.com/spf13/viper"

	"github.com/addielabs/mcpbroker/pkg/auth"
	"github.com/addielabs/mcpbroker/pkg/broker"
	"github.com/addielabs/mcpbroker/pkg/broker/server"
	"github.com/addielabs/mcpbroker/pkg/broker/storage"
	"github.com/addielabs/mcpbroker/pkg/broker/upstream"
	"github.com/addielabs/mcpbroker/pkg/logger"
)

var serveCmd = &cobra.Command{
	Use:   "serve",
	Short: "Start the OAuth broker server",
	Long: `Start the OAuth broker server. The broker serves the OAuth endpoints
(authorize, callback, token, register), the discovery documents, and a
bearer-protected MCP endpoint.`,
	RunE: runServe,
}

func init() {
	flags := serveCmd.Flags()
	flags.String("address", ":8090", "Address to listen on")
	flags.String("issuer", "http://localhost:8090", "Externally visible base URL of the broker")
	flags.String("resource-url", "", "Protected resource URL advertised in discovery (defaults to issuer + /mcp)")
	flags.String("upstream-issuer", "", "Upstream OIDC issuer URL (required)")
	flags.String("upstream-client-id", "", "OAuth client id registered with the upstream IdP (required)")
	flags.String("upstream-client-secret", "", "OAuth client secret for the upstream IdP")
	flags.String("upstream-scopes", "openid profile email offline_access", "Space-separated scopes requested upstream")
	flags.Duration("upstream-timeout", upstream.DefaultTimeout, "Timeout for upstream IdP calls")
	flags.String("audience", "", "Expected audience for bearer tokens (empty disables the check)")
	flags.Bool("allow-unregistered-clients", false, "Accept authorization requests from clients that never registered")
	flags.String("storage", "memory", "Storage backend: memory, redis, or postgres")
	flags.String("redis-addr", "localhost:6379", "Redis address when storage=redis")
	flags.String("redis-prefix", "mcpbroker:", "Redis key prefix when storage=redis")
	flags.String("postgres-dsn", "", "Postgres connection string when storage=postgres")
	flags.Duration("pending-ttl", storage.DefaultPendingAuthorizationTTL, "Lifetime of pending authorizations")
	flags.Duration("code-ttl", storage.DefaultAuthorizationCodeTTL, "Lifetime of authorization codes")
	flags.Duration("sweep-interval", storage.DefaultCleanupInterval, "Interval between expiry sweeps")

	for _, name := range []string{
		"address", "issuer", "resource-url",
		"upstream-issuer", "upstream-client-id", "upstream-client-secret",
		"upstream-scopes", "upstream-timeout", "audience",
		"allow-unregistered-clients", "storage",
		"redis-addr", "redis-prefix", "postgres-dsn",
		"pending-ttl", "code-ttl", "sweep-interval",
	} {
		if err := viper.BindPFlag(name, flags.Lookup(name)); err != nil {
			logger.Fatalf("Failed to bind %s flag: %v", name, err)
		}
	}
}

func runServe(_ *cobra.Command, _ []string) error {
	ctx, stop := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer stop()

	issuer := strings.TrimSuffix(viper.GetString("issuer"), "/")
	resourceURL := viper.GetString("resource-url")
	if resourceURL == "" {
		resourceURL = issuer + "/mcp"
	}

	upstreamIssuer := viper.GetString("upstream-issuer")
	upstreamClientID := viper.GetString("upstream-client-id")
	if upstreamIssuer == "" || upstreamClientID == "" {
		return fmt.Errorf("upstream-issuer and upstream-client-id are required")
	}

	store, err := newStore(ctx)
	if err != nil {
		return fmt.Errorf("failed to create storage backend: %w", err)
	}
	defer func() {
		if err := store.Close(); err != nil {
			logger.Warnf("Failed to close storage backend: %v", err)
		}
	}()

	sweepInterval := viper.GetDuration("sweep-interval")
	sweeperDone := storage.StartSweeper(ctx, store, sweepInterval)

	idp, err := upstream.NewOIDCProvider(ctx, &upstream.Config{
		Issuer:       upstreamIssuer,
		ClientID:     upstreamClientID,
		ClientSecret: viper.GetString("upstream-client-secret"),
		RedirectURI:  issuer + "/oauth/callback",
		Scopes:       strings.Fields(viper.GetString("upstream-scopes")),
		Timeout:      viper.GetDuration("upstream-timeout"),
	})
	if err != nil {
		return fmt.Errorf("failed to configure upstream IdP: %w", err)
	}

	verifier, err := auth.NewVerifier(ctx, auth.VerifierConfig{
		Issuer:   idp.Issuer(),
		Audience: viper.GetString("audience"),
		JWKSURL:  idp.JWKSURL(),
	})
	if err != nil {
		return fmt.Errorf("failed to create token verifier: %w", err)
	}

	registry := broker.NewRegistry(store, viper.GetBool("allow-unregistered-clients"))
	b := broker.New(registry, store, idp)
	handler := server.NewHandler(b, verifier, issuer, resourceURL)

	logger.Infow("starting MCP OAuth broker",
		"address", viper.GetString("address"),
		"issuer", issuer,
		"upstream_provider", idp.Name(),
		"storage", viper.GetString("storage"),
	)

	if err := server.Serve(ctx, viper.GetString("address"), handler.Routes()); err != nil {
		return err
	}

	// Let the sweeper drain before the store closes.
	select {
	case <-sweeperDone:
	case <-time.After(5 * time.Second):
	}

	logger.Info("Server shutdown complete")
	return nil
}

func newStore(ctx context.Context) (storage.Store, error) {
	cfg := storage.Config{
		Backend: storage.BackendType(viper.GetString("storage")),
		TTL: storage.TTLConfig{
			PendingAuthorization: viper.GetDuration("pending-ttl"),
			AuthorizationCode:    viper.GetDuration("code-ttl"),
		},
		CleanupInterval: viper.GetDuration("sweep-interval"),
		Redis: storage.RedisConfig{
			Addr:      viper.GetString("redis-addr"),
			KeyPrefix: viper.GetString("redis-prefix"),
		},
		PostgresDSN: viper.GetString("postgres-dsn"),
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return storage.New(ctx, cfg)
}
