// Package aggregator implements the multi-server orchestrator: a
// registry of named connectors fanned out in parallel for list
// operations, cache auto-refresh on list_changed notifications, and
// root broadcast (spec.md §4.9). The parallel-fan-out/errgroup shape is
// grounded on the teacher's internal/downstream/manager.go
// (ListToolsForServers); the per-server-name result tagging and cache
// invalidation are new to this domain.
package aggregator

import (
	"context"
	"encoding/json"
	"log/slog"
	"regexp"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/corvid-systems/mcpgate/internal/cache"
	"github.com/corvid-systems/mcpgate/internal/connector"
	"github.com/corvid-systems/mcpgate/internal/protocol"
)

// Named pairs a result with the connector name that produced it.
type Named[T any] struct {
	Server string
	Value  T
}

// Aggregator holds every connected downstream connector and the caches
// that back list operations.
type Aggregator struct {
	mu         sync.RWMutex
	connectors map[string]*connector.Connector
	roots      map[string]protocol.Root // keyed by URI, uniqueness enforced
	log        *slog.Logger

	toolsCache     *cache.Cache[string, []protocol.Tool]
	resourcesCache *cache.Cache[string, []protocol.Resource]
	templatesCache *cache.Cache[string, []protocol.ResourceTemplate]
	promptsCache   *cache.Cache[string, []protocol.Prompt]

	// ToolCallCache, if set, caches tools/call results for tools judged
	// side-effect-free by MutationPatterns (spec.md §4.9 supplement).
	ToolCallCache    *cache.Cache[string, protocol.CallToolResult]
	MutationPatterns []*regexp.Regexp
}

// New constructs an empty Aggregator. listTTL controls how long cached
// list results live before a caller must refresh explicitly.
func New(log *slog.Logger, listTTL time.Duration) *Aggregator {
	if log == nil {
		log = slog.Default()
	}
	return &Aggregator{
		connectors:     make(map[string]*connector.Connector),
		roots:          make(map[string]protocol.Root),
		log:            log,
		toolsCache:     cache.New[string, []protocol.Tool](1000, listTTL),
		resourcesCache: cache.New[string, []protocol.Resource](1000, listTTL),
		templatesCache: cache.New[string, []protocol.ResourceTemplate](1000, listTTL),
		promptsCache:   cache.New[string, []protocol.Prompt](1000, listTTL),
	}
}

// Add registers a connector under name, replacing any prior registration.
func (a *Aggregator) Add(name string, c *connector.Connector) {
	a.mu.Lock()
	defer a.mu.Unlock()
	a.connectors[name] = c
}

// Remove drops a connector from the registry (it is not disconnected;
// callers are expected to have already torn it down).
func (a *Aggregator) Remove(name string) {
	a.mu.Lock()
	defer a.mu.Unlock()
	delete(a.connectors, name)
	a.toolsCache.Invalidate(name)
	a.resourcesCache.Invalidate(name)
	a.templatesCache.Invalidate(name)
	a.promptsCache.Invalidate(name)
}

func (a *Aggregator) snapshot() map[string]*connector.Connector {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make(map[string]*connector.Connector, len(a.connectors))
	for k, v := range a.connectors {
		out[k] = v
	}
	return out
}

// fanOut runs fn against every registered connector in parallel and
// concatenates the per-server results in sorted server-name order. A failure from one server is logged and elided; the overall
// call only fails if every connector failed (spec.md §4.9).
func fanOut[T any](ctx context.Context, a *Aggregator, label string, fn func(ctx context.Context, name string, c *connector.Connector) ([]T, error)) ([]Named[T], error) {
	names := a.snapshot()
	if len(names) == 0 {
		return nil, nil
	}

	type partial struct {
		name  string
		items []T
		err   error
	}
	results := make([]partial, 0, len(names))
	var mu sync.Mutex

	g, gCtx := errgroup.WithContext(ctx)
	for name, c := range names {
		name, c := name, c
		g.Go(func() error {
			items, err := fn(gCtx, name, c)
			mu.Lock()
			results = append(results, partial{name: name, items: items, err: err})
			mu.Unlock()
			if err != nil {
				a.log.Error("fan-out operation failed for server", "operation", label, "server", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()

	succeeded := 0
	var out []Named[T]
	for _, name := range orderedNames(names) {
		for _, r := range results {
			if r.name != name {
				continue
			}
			if r.err == nil {
				succeeded++
				for _, item := range r.items {
					out = append(out, Named[T]{Server: name, Value: item})
				}
			}
		}
	}
	if succeeded == 0 {
		return nil, errAllServersFailed(label)
	}
	return out, nil
}

// orderedNames returns m's keys in a stable, deterministic order so
// fan-out results are concatenated the same way on every call
// (spec.md:182) rather than following Go's randomized map iteration.
func orderedNames(m map[string]*connector.Connector) []string {
	names := make([]string, 0, len(m))
	for n := range m {
		names = append(names, n)
	}
	sort.Strings(names)
	return names
}

type fanOutError string

func (e fanOutError) Error() string { return string(e) }

func errAllServersFailed(op string) error {
	return fanOutError(op + ": every connected server failed")
}

// ListTools fans tools/list out to every connected server.
func (a *Aggregator) ListTools(ctx context.Context) ([]Named[protocol.Tool], error) {
	return fanOut(ctx, a, "tools/list", func(ctx context.Context, name string, c *connector.Connector) ([]protocol.Tool, error) {
		if cached, ok := a.toolsCache.Get(name); ok {
			return cached, nil
		}
		tools, err := c.ListTools(ctx)
		if err != nil {
			return nil, err
		}
		a.toolsCache.Set(name, tools)
		return tools, nil
	})
}

// ListResources fans resources/list out to every connected server.
func (a *Aggregator) ListResources(ctx context.Context) ([]Named[protocol.Resource], error) {
	return fanOut(ctx, a, "resources/list", func(ctx context.Context, name string, c *connector.Connector) ([]protocol.Resource, error) {
		if cached, ok := a.resourcesCache.Get(name); ok {
			return cached, nil
		}
		resources, err := c.ListResources(ctx)
		if err != nil {
			return nil, err
		}
		a.resourcesCache.Set(name, resources)
		return resources, nil
	})
}

// ListResourceTemplates fans resources/templates/list out to every
// connected server.
func (a *Aggregator) ListResourceTemplates(ctx context.Context) ([]Named[protocol.ResourceTemplate], error) {
	return fanOut(ctx, a, "resources/templates/list", func(ctx context.Context, name string, c *connector.Connector) ([]protocol.ResourceTemplate, error) {
		if cached, ok := a.templatesCache.Get(name); ok {
			return cached, nil
		}
		templates, err := c.ListResourceTemplates(ctx)
		if err != nil {
			return nil, err
		}
		a.templatesCache.Set(name, templates)
		return templates, nil
	})
}

// ListPrompts fans prompts/list out to every connected server.
func (a *Aggregator) ListPrompts(ctx context.Context) ([]Named[protocol.Prompt], error) {
	return fanOut(ctx, a, "prompts/list", func(ctx context.Context, name string, c *connector.Connector) ([]protocol.Prompt, error) {
		if cached, ok := a.promptsCache.Get(name); ok {
			return cached, nil
		}
		prompts, err := c.ListPrompts(ctx)
		if err != nil {
			return nil, err
		}
		a.promptsCache.Set(name, prompts)
		return prompts, nil
	})
}

// RefreshListChanged reacts to a "*/list_changed" notification from one
// server by invalidating (and eagerly repopulating) its cached list for
// that list type. resources/list_changed additionally refreshes resource
// templates (spec.md §4.9 "Cache auto-refresh"). Refresh errors are
// logged at error and swallowed.
func (a *Aggregator) RefreshListChanged(ctx context.Context, serverName, method string) {
	a.mu.RLock()
	c, ok := a.connectors[serverName]
	a.mu.RUnlock()
	if !ok {
		return
	}

	switch method {
	case protocol.MethodToolsListChanged:
		a.refresh(ctx, serverName, "tools/list", func() error {
			tools, err := c.ListTools(ctx)
			if err == nil {
				a.toolsCache.Set(serverName, tools)
			}
			return err
		})
	case protocol.MethodResourcesListChanged:
		a.refresh(ctx, serverName, "resources/list", func() error {
			resources, err := c.ListResources(ctx)
			if err == nil {
				a.resourcesCache.Set(serverName, resources)
			}
			return err
		})
		a.refresh(ctx, serverName, "resources/templates/list", func() error {
			templates, err := c.ListResourceTemplates(ctx)
			if err == nil {
				a.templatesCache.Set(serverName, templates)
			}
			return err
		})
	case protocol.MethodPromptsListChanged:
		a.refresh(ctx, serverName, "prompts/list", func() error {
			prompts, err := c.ListPrompts(ctx)
			if err == nil {
				a.promptsCache.Set(serverName, prompts)
			}
			return err
		})
	}
}

func (a *Aggregator) refresh(ctx context.Context, server, op string, fn func() error) {
	if err := fn(); err != nil {
		a.log.Error("cache refresh failed", "server", server, "operation", op, "error", err)
	}
}

// AddRoot adds a root to the broadcast set and, on change, notifies every
// connected server in parallel. Returns false if the URI already exists
// (spec.md §4.9 "duplicates return false without notifying").
func (a *Aggregator) AddRoot(ctx context.Context, root protocol.Root) bool {
	a.mu.Lock()
	if _, exists := a.roots[root.URI]; exists {
		a.mu.Unlock()
		return false
	}
	a.roots[root.URI] = root
	a.mu.Unlock()

	a.broadcastRootsChanged(ctx)
	return true
}

// RemoveRoot removes a root by URI and, on change, notifies every
// connected server in parallel. Returns false if the URI wasn't present.
func (a *Aggregator) RemoveRoot(ctx context.Context, uri string) bool {
	a.mu.Lock()
	if _, exists := a.roots[uri]; !exists {
		a.mu.Unlock()
		return false
	}
	delete(a.roots, uri)
	a.mu.Unlock()

	a.broadcastRootsChanged(ctx)
	return true
}

func (a *Aggregator) broadcastRootsChanged(ctx context.Context) {
	names := a.snapshot()
	g, gCtx := errgroup.WithContext(ctx)
	for name, c := range names {
		name, c := name, c
		g.Go(func() error {
			if err := c.SendNotification(gCtx, protocol.MethodRootsListChanged, nil); err != nil {
				a.log.Error("failed to broadcast roots/list_changed", "server", name, "error", err)
			}
			return nil
		})
	}
	_ = g.Wait()
}

// Roots returns a snapshot of the current root set.
func (a *Aggregator) Roots() []protocol.Root {
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]protocol.Root, 0, len(a.roots))
	for _, r := range a.roots {
		out = append(out, r)
	}
	return out
}

// IsMutating reports whether toolName matches a configured mutation
// pattern; non-matching tools are eligible for tools/call result
// caching (spec.md §4.9 supplement).
func (a *Aggregator) IsMutating(toolName string) bool {
	for _, pattern := range a.MutationPatterns {
		if pattern.MatchString(toolName) {
			return true
		}
	}
	return false
}

// ResolveTool finds the connector that should handle a tools/call for
// toolName. If server is non-empty it is used directly; otherwise every
// connector's cached tool list is searched and the first match wins,
// using the same deterministic ordering fanOut uses. If a cached,
// non-mutating call-result exists for the pair, it is returned alongside
// so the caller can skip the round trip. The resolved server name is
// always returned so the caller can look up the tool's schema even when
// it passed an empty server.
func (a *Aggregator) ResolveTool(server, toolName string) (*connector.Connector, string, *protocol.CallToolResult, bool) {
	names := a.snapshot()
	if server == "" {
		for _, name := range orderedNames(names) {
			if tools, ok := a.toolsCache.Get(name); ok {
				for _, tool := range tools {
					if tool.Name == toolName {
						server = name
						break
					}
				}
			}
			if server != "" {
				break
			}
		}
	}
	c, ok := names[server]
	if !ok {
		return nil, "", nil, false
	}
	if a.ToolCallCache != nil && !a.IsMutating(toolName) {
		if cached, ok := a.ToolCallCache.Get(server + "\x00" + toolName); ok {
			return c, server, &cached, true
		}
	}
	return c, server, nil, true
}

// ToolInputSchema returns the declared inputSchema for toolName on
// server, from the same cached tool list ResolveTool searches. Returns
// ok=false if the server has no cached tool list or doesn't expose a
// tool by that name; callers treat that as "no schema to validate
// against" rather than an error, since the cache may simply be cold.
func (a *Aggregator) ToolInputSchema(server, toolName string) (json.RawMessage, bool) {
	tools, ok := a.toolsCache.Get(server)
	if !ok {
		return nil, false
	}
	for _, tool := range tools {
		if tool.Name == toolName {
			return tool.InputSchema, true
		}
	}
	return nil, false
}

// RecordToolCallResult caches a tools/call result for non-mutating tools
// so a repeated identical call can be served without a round trip.
func (a *Aggregator) RecordToolCallResult(server, toolName string, result protocol.CallToolResult) {
	if a.ToolCallCache == nil || a.IsMutating(toolName) {
		return
	}
	a.ToolCallCache.Set(server+"\x00"+toolName, result)
}
