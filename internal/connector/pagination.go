package connector

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/corvid-systems/mcpgate/internal/protocol"
)

// paginate drives the list* family: it repeatedly calls method with the
// cursor carried forward from the previous page's nextCursor, stopping
// when nextCursor is absent. It preserves server order across pages and
// never deduplicates. If the server returns the same nextCursor twice in
// a row, it aborts with INVALID_PARAMS("cursor loop") per spec.md §4.2.
func paginate[T any](
	ctx context.Context,
	c *Connector,
	method string,
	extract func(json.RawMessage) (items []T, nextCursor string, err error),
) ([]T, error) {
	var all []T
	cursor := ""
	seenCursor := ""

	for {
		params := map[string]any{}
		if cursor != "" {
			params["cursor"] = cursor
		}
		raw, err := c.SendRequest(ctx, method, params)
		if err != nil {
			return all, err
		}

		items, next, err := extract(raw)
		if err != nil {
			return all, fmt.Errorf("extract page for %s: %w", method, err)
		}
		all = append(all, items...)

		if next == "" {
			return all, nil
		}
		if next == seenCursor && seenCursor != "" {
			return all, fmt.Errorf("%w", cursorLoopError(method))
		}
		seenCursor = next
		cursor = next
	}
}

func cursorLoopError(method string) error {
	return fmt.Errorf("%w: calling %s, server returned the same nextCursor twice",
		protocol.NewError(protocol.CodeInvalidParams, "cursor loop", nil), method)
}

// ListTools drives "tools/list" pagination to completion.
func (c *Connector) ListTools(ctx context.Context) ([]protocol.Tool, error) {
	return paginate(ctx, c, protocol.MethodToolsList, func(raw json.RawMessage) ([]protocol.Tool, string, error) {
		var res protocol.ListToolsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, "", err
		}
		return res.Tools, res.NextCursor, nil
	})
}

// ListResources drives "resources/list" pagination to completion.
func (c *Connector) ListResources(ctx context.Context) ([]protocol.Resource, error) {
	return paginate(ctx, c, protocol.MethodResourcesList, func(raw json.RawMessage) ([]protocol.Resource, string, error) {
		var res protocol.ListResourcesResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, "", err
		}
		return res.Resources, res.NextCursor, nil
	})
}

// ListResourceTemplates drives "resources/templates/list" pagination.
func (c *Connector) ListResourceTemplates(ctx context.Context) ([]protocol.ResourceTemplate, error) {
	return paginate(ctx, c, protocol.MethodResourceTemplatesList, func(raw json.RawMessage) ([]protocol.ResourceTemplate, string, error) {
		var res protocol.ListResourceTemplatesResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, "", err
		}
		return res.ResourceTemplates, res.NextCursor, nil
	})
}

// ListPrompts drives "prompts/list" pagination to completion.
func (c *Connector) ListPrompts(ctx context.Context) ([]protocol.Prompt, error) {
	return paginate(ctx, c, protocol.MethodPromptsList, func(raw json.RawMessage) ([]protocol.Prompt, string, error) {
		var res protocol.ListPromptsResult
		if err := json.Unmarshal(raw, &res); err != nil {
			return nil, "", err
		}
		return res.Prompts, res.NextCursor, nil
	})
}

// CallTool sends "tools/call" for name with the given arguments.
func (c *Connector) CallTool(ctx context.Context, name string, arguments json.RawMessage) (*protocol.CallToolResult, error) {
	raw, err := c.SendRequest(ctx, protocol.MethodToolsCall, protocol.CallToolParams{Name: name, Arguments: arguments})
	if err != nil {
		return nil, err
	}
	var res protocol.CallToolResult
	if err := json.Unmarshal(raw, &res); err != nil {
		return nil, fmt.Errorf("unmarshal tools/call result: %w", err)
	}
	return &res, nil
}
