package main

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"

	"github.com/corvid-systems/mcpgate/internal/aggregator"
	"github.com/corvid-systems/mcpgate/internal/config"
	"github.com/corvid-systems/mcpgate/internal/connector"
	"github.com/corvid-systems/mcpgate/internal/protocol"
)

// connectAll builds one connector per configured downstream server and
// registers each with agg once its initialize handshake succeeds. A
// server that fails to connect is logged and skipped rather than
// aborting startup, matching spec.md §4.9's elide-and-continue policy
// for fan-out operations.
func connectAll(ctx context.Context, servers []config.DownstreamServerConfig, agg *aggregator.Aggregator, log *slog.Logger) error {
	for _, sc := range servers {
		transport, err := buildTransport(sc, log)
		if err != nil {
			return fmt.Errorf("build transport for %s: %w", sc.Name, err)
		}

		name := sc.Name
		c := connector.New(connector.Options{
			Name:       name,
			ClientInfo: protocol.ClientInfo{Name: "mcpgate", Version: "0.1.0"},
			OnNotification: func(method string, params json.RawMessage) {
				agg.RefreshListChanged(context.Background(), name, method)
			},
			Logger: log,
		}, transport)

		if _, err := c.Connect(ctx); err != nil {
			log.Error("failed to connect downstream server", "server", name, "error", err)
			continue
		}
		agg.Add(name, c)
		log.Info("connected downstream server", "server", name, "transport", sc.Transport)
	}
	return nil
}

func buildTransport(sc config.DownstreamServerConfig, log *slog.Logger) (connector.Transport, error) {
	switch sc.Transport {
	case "stdio":
		return connector.NewStdioTransport(sc.Command, sc.Args, sc.Env, log), nil
	case "http":
		return connector.NewHTTPClientTransport(sc.URL, connector.AnonymousTokenStore{}, nil, log), nil
	default:
		return nil, fmt.Errorf("unsupported transport %q", sc.Transport)
	}
}
