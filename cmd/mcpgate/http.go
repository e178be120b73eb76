package main

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net/http"
	"os"
	"os/signal"
	"syscall"
	"time"

	"github.com/corvid-systems/mcpgate/internal/aggregator"
	"github.com/corvid-systems/mcpgate/internal/auditlog"
	"github.com/corvid-systems/mcpgate/internal/config"
	"github.com/corvid-systems/mcpgate/internal/httpserver"
	"github.com/corvid-systems/mcpgate/internal/metrics"
	"github.com/corvid-systems/mcpgate/internal/oauthproxy"
	"github.com/corvid-systems/mcpgate/internal/oauthrs"
	"github.com/corvid-systems/mcpgate/internal/session"
	"github.com/corvid-systems/mcpgate/internal/store"
)

// minStateSigningKeyLen is the shortest OAuth state-JWT signing key
// accepted at construction time (spec.md §3/§7).
const minStateSigningKeyLen = 32

// cmdHTTP runs the combined HTTP server transport: the "/mcp" endpoint,
// the session manager, the OAuth proxy (if configured), and the
// operational endpoints. Grounded on cmd/mcplexer/main.go's runHTTP,
// trimmed of the sqlite/unix-socket/workspace wiring that has no
// SPEC_FULL.md analog.
func cmdHTTP(args []string) error {
	cfg := loadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fileCfg, err := loadFileConfigIfPresent(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	agg := aggregator.New(logger, time.Minute)
	addr := cfg.HTTPAddr
	managementToken := cfg.ManagementToken
	var oauthProxy *oauthproxy.Proxy
	var verifier *oauthrs.Verifier
	var requiredScopes []string

	if fileCfg != nil {
		if err := connectAll(ctx, fileCfg.DownstreamServers, agg, logger); err != nil {
			return fmt.Errorf("connect downstream servers: %w", err)
		}
		if fileCfg.HTTP.Addr != "" {
			addr = fileCfg.HTTP.Addr
		}
		requiredScopes = fileCfg.HTTP.RequiredScopes
		if fileCfg.HTTP.ManagementTokenEnv != "" {
			managementToken = os.Getenv(fileCfg.HTTP.ManagementTokenEnv)
		}
		if fileCfg.OAuth != nil {
			oauthProxy, verifier, err = buildOAuth(fileCfg.OAuth)
			if err != nil {
				return fmt.Errorf("build oauth proxy: %w", err)
			}
		}
	}

	sessions := session.NewManager()
	reg := metrics.NewRegistry()
	bus := auditlog.NewBus()
	audit := auditlog.NewLogger(store.NewMemoryStore(), bus, logger)

	srv := httpserver.New(httpserver.Config{
		Aggregator:      agg,
		Sessions:        sessions,
		Verifier:        verifier,
		OAuthProxy:      oauthProxy,
		Metrics:         reg,
		Audit:           audit,
		ManagementToken: managementToken,
		RequiredScopes:  requiredScopes,
		Log:             logger,
	})

	defer srv.Close()

	httpSrv := &http.Server{Addr: addr, Handler: srv}

	errCh := make(chan error, 1)
	go func() {
		logger.Info("http server listening", "addr", addr)
		if err := httpSrv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		logger.Info("shutting down http server")
		return httpSrv.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}

func buildOAuth(oc *config.OAuthProxyConfig) (*oauthproxy.Proxy, *oauthrs.Verifier, error) {
	signingKey := []byte(os.Getenv(oc.StateSigningKeyEnv))
	if len(signingKey) < minStateSigningKeyLen {
		return nil, nil, fmt.Errorf("state signing key env %q must be at least %d bytes, got %d", oc.StateSigningKeyEnv, minStateSigningKeyLen, len(signingKey))
	}

	proxy := oauthproxy.New(oauthproxy.Config{
		BaseURL: oc.BaseURL,
		Upstream: oauthproxy.UpstreamMetadata{
			Issuer:                oc.UpstreamIssuer,
			AuthorizationEndpoint: oc.UpstreamAuthorizeURL,
			TokenEndpoint:         oc.UpstreamTokenURL,
			IntrospectionEndpoint: oc.UpstreamIntrospectURL,
			RevocationEndpoint:    oc.UpstreamRevokeURL,
		},
		UpstreamClientID: os.Getenv(oc.UpstreamClientIDEnv),
		UpstreamSecret:   os.Getenv(oc.UpstreamSecretEnv),
		StateSigningKey:  signingKey,
		AllowedScopes:    oc.AllowedScopes,
		ScopesSupported:  oc.ScopesSupported,
	}, store.NewMemoryStore())

	introspector := oauthrs.NewRemoteIntrospector(oc.UpstreamIssuer, oc.UpstreamIntrospectURL,
		os.Getenv(oc.UpstreamClientIDEnv), os.Getenv(oc.UpstreamSecretEnv))
	verifier := oauthrs.NewVerifier(introspector.Introspect, "MCP Server", 0, 0)
	verifier.AuthzServer = oc.UpstreamIssuer

	return proxy, verifier, nil
}

func loadFileConfigIfPresent(path string) (*config.FileConfig, error) {
	if path == "" {
		return nil, nil
	}
	if _, err := os.Stat(path); err != nil {
		return nil, nil
	}
	return config.LoadFile(path)
}
