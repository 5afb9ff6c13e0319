// Package middleware implements the Middleware Pipeline (spec §4.4, C4): two
// ordered chains wrapping list_tools and call_tool, sharing a request
// context.
//
// Grounded on the teacher's http.go MiddlewareFunc/chainMiddleware shape,
// re-expressed for MCP-level handlers instead of net/http handlers.
package middleware

import (
	"context"
)

// ToolDescriptor is the wire shape list_tools handlers pass along the
// chain.
type ToolDescriptor struct {
	Name        string
	Title       string
	Description string
	InputSchema []byte
	Annotations map[string]any
}

// CallResult is what a call_tool handler ultimately returns.
type CallResult struct {
	Content []ContentBlock
	IsError bool
}

// ContentBlock is one MCP content block (currently only text is produced by
// the core; upstream results are forwarded verbatim by the aggregator).
type ContentBlock struct {
	Type string
	Text string
}

// Executor is the handle to the upstream call path every middleware's
// context carries, letting Smart Discovery / Ask-Agent invoke arbitrary
// upstream tools without depending on the aggregator package directly.
type Executor interface {
	ListTools(ctx context.Context, namespaceUUID, sessionID string) ([]ToolDescriptor, error)
	CallTool(ctx context.Context, namespaceUUID, sessionID, fullName string, arguments map[string]any) (CallResult, error)
}

// ReqContext is the shared context every middleware in both chains receives
// (spec §4.4: "a handle to the upstream call executor").
type ReqContext struct {
	NamespaceUUID string
	SessionID     string
	Exec          Executor
}

// ListToolsHandler serves tools/list for one namespace/session.
type ListToolsHandler func(ctx context.Context, rc ReqContext) ([]ToolDescriptor, error)

// CallToolHandler serves tools/call for one namespace/session.
type CallToolHandler func(ctx context.Context, rc ReqContext, name string, arguments map[string]any) (CallResult, error)

// ListToolsMiddleware wraps a ListToolsHandler with another.
type ListToolsMiddleware func(next ListToolsHandler) ListToolsHandler

// CallToolMiddleware wraps a CallToolHandler with another.
type CallToolMiddleware func(next CallToolHandler) CallToolHandler

// ChainListTools composes middlewares outermost-first, exactly like the
// teacher's chainMiddleware: ChainListTools(base, overrides, smartDiscovery)
// means overrides wraps smartDiscovery wraps base. On list_tools this is
// Tool-Overrides outermost so Smart-Discovery's next() call reaches the
// aggregator base directly and sees canonical names before Overrides ever
// rewrites them (§4.4: "Smart-Discovery must see the full tool list before
// Overrides rewrites names").
func ChainListTools(base ListToolsHandler, mws ...ListToolsMiddleware) ListToolsHandler {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}

// ChainCallTool composes call_tool middlewares in the same outermost-first
// order as ChainListTools.
func ChainCallTool(base CallToolHandler, mws ...CallToolMiddleware) CallToolHandler {
	h := base
	for i := len(mws) - 1; i >= 0; i-- {
		h = mws[i](h)
	}
	return h
}
