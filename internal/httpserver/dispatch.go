package httpserver

import (
	"context"
	"encoding/json"

	"github.com/corvid-systems/mcpgate/internal/aggregator"
	"github.com/corvid-systems/mcpgate/internal/protocol"
)

// dispatch executes one inbound JSON-RPC request against the aggregator
// and returns the raw result to embed in a response envelope, or an
// *protocol.RPCError to embed in an error envelope. This is the
// fan-out-aware analog of the teacher's gateway.Server.handleRequest,
// which dispatched to a single downstream instead of many.
func Dispatch(ctx context.Context, agg *aggregator.Aggregator, method string, params json.RawMessage) (any, *protocol.RPCError) {
	switch method {
	case protocol.MethodToolsList:
		results, err := agg.ListTools(ctx)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternalError, err.Error(), nil)
		}
		return protocol.ListToolsResult{Tools: namedTools(results)}, nil

	case protocol.MethodResourcesList:
		results, err := agg.ListResources(ctx)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternalError, err.Error(), nil)
		}
		return protocol.ListResourcesResult{Resources: namedResources(results)}, nil

	case protocol.MethodResourceTemplatesList:
		results, err := agg.ListResourceTemplates(ctx)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternalError, err.Error(), nil)
		}
		return protocol.ListResourceTemplatesResult{ResourceTemplates: namedTemplates(results)}, nil

	case protocol.MethodPromptsList:
		results, err := agg.ListPrompts(ctx)
		if err != nil {
			return nil, protocol.NewError(protocol.CodeInternalError, err.Error(), nil)
		}
		return protocol.ListPromptsResult{Prompts: namedPrompts(results)}, nil

	case protocol.MethodToolsCall:
		return dispatchToolCall(ctx, agg, params)

	case protocol.MethodRootsList:
		return struct {
			Roots []protocol.Root `json:"roots"`
		}{Roots: agg.Roots()}, nil

	default:
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "method not found: "+method, nil)
	}
}

type callToolParams struct {
	Name      string          `json:"name"`
	Server    string          `json:"server,omitempty"`
	Arguments json.RawMessage `json:"arguments,omitempty"`
}

// dispatchToolCall routes tools/call to the tool's owning connector. The
// aggregator exposes no direct passthrough for a single server, so the
// caller must disambiguate by server name when more than one server
// exposes a tool of that name; the "server" field added here supplements
// the base protocol's CallToolParams for multi-server routing.
func dispatchToolCall(ctx context.Context, agg *aggregator.Aggregator, params json.RawMessage) (any, *protocol.RPCError) {
	var p callToolParams
	if err := json.Unmarshal(params, &p); err != nil {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid params: "+err.Error(), nil)
	}
	if p.Name == "" {
		return nil, protocol.NewError(protocol.CodeInvalidParams, "invalid params: \"name\" is required", nil)
	}

	c, server, cached, ok := agg.ResolveTool(p.Server, p.Name)
	if !ok {
		return nil, protocol.NewError(protocol.CodeMethodNotFound, "no connected server exposes tool: "+p.Name, nil)
	}
	if cached != nil {
		return *cached, nil
	}

	if schema, ok := agg.ToolInputSchema(server, p.Name); ok {
		if rpcErr := protocol.ValidateToolArguments(schema, p.Arguments); rpcErr != nil {
			return nil, rpcErr
		}
	}

	result, err := c.CallTool(ctx, p.Name, p.Arguments)
	if err != nil {
		return nil, protocol.NewError(protocol.CodeToolError, err.Error(), nil)
	}
	agg.RecordToolCallResult(server, p.Name, *result)
	return *result, nil
}

func namedTools(results []aggregator.Named[protocol.Tool]) []protocol.Tool {
	out := make([]protocol.Tool, len(results))
	for i, r := range results {
		out[i] = r.Value
	}
	return out
}

func namedResources(results []aggregator.Named[protocol.Resource]) []protocol.Resource {
	out := make([]protocol.Resource, len(results))
	for i, r := range results {
		out[i] = r.Value
	}
	return out
}

func namedTemplates(results []aggregator.Named[protocol.ResourceTemplate]) []protocol.ResourceTemplate {
	out := make([]protocol.ResourceTemplate, len(results))
	for i, r := range results {
		out[i] = r.Value
	}
	return out
}

func namedPrompts(results []aggregator.Named[protocol.Prompt]) []protocol.Prompt {
	out := make([]protocol.Prompt, len(results))
	for i, r := range results {
		out[i] = r.Value
	}
	return out
}
