package main

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"os/signal"
	"syscall"

	"github.com/corvid-systems/mcpgate/internal/aggregator"
	"github.com/corvid-systems/mcpgate/internal/httpserver"
	"github.com/corvid-systems/mcpgate/internal/protocol"
)

// cmdStdio runs mcpgate as a stdio-facing MCP server: it speaks
// line-delimited JSON-RPC on stdin/stdout to a single upstream client
// (the gateway's own protocol surface) while fanning every tool/resource
// operation out to the downstream servers named in the config file.
// Grounded on the teacher's internal/gateway/server.go dispatch loop,
// restructured to dispatch through internal/aggregator/internal/httpserver
// instead of a single downstream.
func cmdStdio(args []string) error {
	cfg := loadConfig()
	logger := slog.New(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: cfg.LogLevel}))
	slog.SetDefault(logger)

	ctx, cancel := signal.NotifyContext(context.Background(), syscall.SIGINT, syscall.SIGTERM)
	defer cancel()

	fileCfg, err := loadFileConfigIfPresent(cfg.ConfigFile)
	if err != nil {
		return fmt.Errorf("load config: %w", err)
	}

	agg := aggregator.New(logger, 0)
	if fileCfg != nil {
		if err := connectAll(ctx, fileCfg.DownstreamServers, agg, logger); err != nil {
			return fmt.Errorf("connect downstream servers: %w", err)
		}
	}

	return runStdioLoop(ctx, os.Stdin, os.Stdout, agg)
}

func runStdioLoop(ctx context.Context, r io.Reader, w io.Writer, agg *aggregator.Aggregator) error {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 1<<20), 1<<20)

	for scanner.Scan() {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}

		line := scanner.Bytes()
		if len(line) == 0 {
			continue
		}

		resp := dispatchLine(ctx, agg, line)
		if resp == nil {
			continue
		}
		if _, err := w.Write(append(resp, '\n')); err != nil {
			return fmt.Errorf("write response: %w", err)
		}
	}
	return scanner.Err()
}

func dispatchLine(ctx context.Context, agg *aggregator.Aggregator, line []byte) []byte {
	msg, rpcErr := protocol.ValidateMessage(line)
	if rpcErr != nil {
		raw, _ := protocol.EncodeError(nil, rpcErr)
		return raw
	}
	if msg.Kind == protocol.KindNotification {
		agg.RefreshListChanged(ctx, "", msg.Method)
		return nil
	}
	if msg.Kind != protocol.KindRequest {
		return nil
	}

	if msg.Method == protocol.MethodInitialize {
		var params protocol.InitializeParams
		_ = json.Unmarshal(msg.Params, &params)
		version, ok := protocol.NegotiateVersion(params.ProtocolVersion)
		if !ok {
			raw, _ := protocol.EncodeError(msg.ID, protocol.NewError(protocol.CodeInvalidRequest,
				"unsupported protocol version: "+params.ProtocolVersion, protocol.SortedSupportedVersions()))
			return raw
		}
		result := protocol.InitializeResult{ProtocolVersion: version, ServerInfo: protocol.ServerInfo{Name: "mcpgate", Version: "0.1.0"}}
		raw, _ := protocol.EncodeResult(msg.ID, result)
		return raw
	}

	result, rpcErr := httpserver.Dispatch(ctx, agg, msg.Method, msg.Params)
	if rpcErr != nil {
		raw, _ := protocol.EncodeError(msg.ID, rpcErr)
		return raw
	}
	raw, _ := protocol.EncodeResult(msg.ID, result)
	return raw
}
