// Package aggregator implements the Namespace Aggregator (spec §4.9, C9):
// the merged tool list, full-name dispatch, and refreshTools — the base
// handler the C4 middleware chain wraps.
//
// Grounded on the teacher's response_helpers.go collectTools/
// toolDescriptorFromServer (tool descriptor shape, per-server aggregation)
// and http.go's tryDispatch/toolIndex-by-name (dispatch-by-lookup pattern),
// retargeted from "guess the internal HTTP path" to "split the full name on
// the first __ and look up the membership".
package aggregator

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp-core/internal/errs"
	"github.com/metamcp/metamcp-core/internal/middleware"
	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/overrides"
	"github.com/metamcp/metamcp-core/internal/pool"
	"github.com/metamcp/metamcp-core/internal/ports"
	"github.com/metamcp/metamcp-core/internal/upstream"
)

// FullName builds a tool's namespace-scoped name (§3: "serverName__toolName").
func FullName(serverName, toolName string) string {
	return serverName + "__" + toolName
}

// Aggregator owns a namespace's materialized tool list, dispatch, and
// refreshTools, and is the base handler the C4 chain wraps.
type Aggregator struct {
	store      ports.Store
	pool       *pool.MetaMcpServerPool
	overrides  *overrides.Cache
	onRefresh  func(namespaceUUID string) // invalidate idle session + derived sessions
}

func New(store ports.Store, metaPool *pool.MetaMcpServerPool, overridesCache *overrides.Cache, onRefresh func(namespaceUUID string)) *Aggregator {
	a := &Aggregator{store: store, pool: metaPool, overrides: overridesCache, onRefresh: onRefresh}
	overridesCache.SetBuilder(a.buildOverrideSet)
	return a
}

// buildOverrideSet is overrides.Cache's builder, installed by New so a cache
// miss resolves tool memberships through the same store the aggregator
// already owns rather than leaving overrides unpopulated until something
// else calls RefreshTools (§4.5's cache is keyed by namespace, built from
// NamespaceToolMembership rows).
func (a *Aggregator) buildOverrideSet(ctx context.Context, namespaceUUID string) (*overrides.Set, error) {
	memberships, err := a.store.ListToolMemberships(ctx, namespaceUUID)
	if err != nil {
		return nil, err
	}
	return overrides.Build(memberships, func(m model.NamespaceToolMembership) string {
		tool, err := a.store.GetTool(ctx, m.ToolUUID)
		if err != nil || tool == nil {
			return ""
		}
		server, err := a.store.GetServer(ctx, m.ServerUUID)
		if err != nil || server == nil {
			return ""
		}
		return FullName(server.Name, tool.Name)
	}), nil
}

// memberServers resolves a namespace's ACTIVE server memberships to the
// member McpServers, keyed by server name.
func (a *Aggregator) memberServers(ctx context.Context, namespaceUUID string) (map[string]*model.McpServer, error) {
	memberships, err := a.store.ListServerMemberships(ctx, namespaceUUID)
	if err != nil {
		return nil, err
	}
	out := make(map[string]*model.McpServer, len(memberships))
	for _, m := range memberships {
		if m.Status != model.StatusActive {
			continue
		}
		server, err := a.store.GetServer(ctx, m.ServerUUID)
		if err != nil {
			return nil, err
		}
		out[server.Name] = server
	}
	return out, nil
}

// Members resolves a namespace's ACTIVE member servers, exported for
// internal/httpapi to drive the pool's per-downstream-session attach/detach
// lifecycle (§4.8) independently of the aggregator's own dispatch path.
func (a *Aggregator) Members(ctx context.Context, namespaceUUID string) ([]*model.McpServer, error) {
	servers, err := a.memberServers(ctx, namespaceUUID)
	if err != nil {
		return nil, err
	}
	out := make([]*model.McpServer, 0, len(servers))
	for _, s := range servers {
		out = append(out, s)
	}
	return out, nil
}

// ListTools satisfies the aggregator base of the C4 chain: fetch each
// ACTIVE member's tool list, build full names, and return the union (§4.9:
// "Duplicates on full name are disallowed by construction").
func (a *Aggregator) ListTools(ctx context.Context, namespaceUUID, sessionID string) ([]middleware.ToolDescriptor, error) {
	servers, err := a.memberServers(ctx, namespaceUUID)
	if err != nil {
		return nil, err
	}

	var out []middleware.ToolDescriptor
	for serverName, client := range a.sessionClients(ctx, namespaceUUID, sessionID, servers) {
		tools, err := client.ListTools(ctx)
		if err != nil {
			continue // one misbehaving member must not fail the whole list
		}
		for _, t := range tools {
			out = append(out, middleware.ToolDescriptor{
				Name:        FullName(serverName, t.Name),
				Title:       t.Annotations.Title,
				Description: t.Description,
				InputSchema: rawInputSchema(t),
			})
		}
	}
	return out, nil
}

// rawInputSchema mirrors the teacher's toolDescriptorFromServer: prefer the
// upstream's raw schema bytes, else marshal the typed schema.
func rawInputSchema(t mcp.Tool) json.RawMessage {
	if len(t.RawInputSchema) > 0 {
		return json.RawMessage(t.RawInputSchema)
	}
	schema, _ := json.Marshal(t.InputSchema)
	return schema
}

// sessionClients returns the composed session's per-server clients. If
// sessionID is already attached (httpapi.attach ran before the middleware
// chain ever reaches the aggregator, §4.8), it reuses that session; a miss
// falls back to attaching under sessionID itself rather than a synthetic
// key, so the dispatch path never opens a second, untracked composed
// session behind the downstream session's back.
func (a *Aggregator) sessionClients(ctx context.Context, namespaceUUID, sessionID string, servers map[string]*model.McpServer) map[string]upstream.Client {
	if clients, ok := a.pool.Lookup(sessionID); ok {
		return clients
	}
	members := make([]*model.McpServer, 0, len(servers))
	for _, s := range servers {
		members = append(members, s)
	}
	clients, err := a.pool.Attach(ctx, namespaceUUID, sessionID, members)
	if err != nil {
		return nil
	}
	return clients
}

// CallTool dispatches an incoming full name by splitting on the first __
// and forwarding to the matching member (§4.9). Falls back one level for
// nested-MetaMCP upstreams per the Open Question decision recorded in
// DESIGN.md: reject rather than recurse past one extra hop.
func (a *Aggregator) CallTool(ctx context.Context, namespaceUUID, sessionID, fullName string, arguments map[string]any) (middleware.CallResult, error) {
	servers, err := a.memberServers(ctx, namespaceUUID)
	if err != nil {
		return middleware.CallResult{}, err
	}

	serverName, toolName, ok := splitFullName(fullName, servers)
	if !ok {
		return middleware.CallResult{}, errs.New(errs.Validation, fmt.Sprintf("malformed tool name %q", fullName))
	}

	clients := a.sessionClients(ctx, namespaceUUID, sessionID, servers)
	client, ok := clients[serverName]
	if !ok {
		return middleware.CallResult{}, errs.New(errs.NotFound, fmt.Sprintf("server %q is not a member of this namespace", serverName))
	}

	res, err := client.CallTool(ctx, toolName, arguments)
	if err != nil {
		return middleware.CallResult{}, err
	}
	return toCallResult(res), nil
}

// toCallResult forwards an upstream result verbatim (§4.9's dispatch
// contract makes no claim about reshaping tool output), flattening
// mark3labs/mcp-go's Content union down to the text blocks the core's
// middleware layer understands.
func toCallResult(res *mcp.CallToolResult) middleware.CallResult {
	if res == nil {
		return middleware.CallResult{}
	}
	blocks := make([]middleware.ContentBlock, 0, len(res.Content))
	for _, c := range res.Content {
		if tc, ok := c.(mcp.TextContent); ok {
			blocks = append(blocks, middleware.ContentBlock{Type: "text", Text: tc.Text})
			continue
		}
		if raw, err := json.Marshal(c); err == nil {
			blocks = append(blocks, middleware.ContentBlock{Type: "text", Text: string(raw)})
		}
	}
	return middleware.CallResult{Content: blocks, IsError: res.IsError}
}

// splitFullName implements §4.9's dispatch rule, including the one-level
// nested-MetaMCP fallback: if the first segment isn't a member but a prefix
// up to one more __ is, route there and forward the remainder.
func splitFullName(fullName string, servers map[string]*model.McpServer) (serverName, toolName string, ok bool) {
	i := strings.Index(fullName, "__")
	if i < 0 {
		return "", "", false
	}
	candidate := fullName[:i]
	rest := fullName[i+2:]
	if _, exists := servers[candidate]; exists {
		return candidate, rest, true
	}

	j := strings.Index(rest, "__")
	if j < 0 {
		return "", "", false
	}
	nestedCandidate := fullName[:i+2+j]
	if _, exists := servers[nestedCandidate]; exists {
		return nestedCandidate, fullName[i+2+j+2:], true
	}
	return "", "", false
}

// RefreshResult is refreshTools's return value (§4.9).
type RefreshResult struct {
	ToolsCreated    int
	MappingsCreated int
}

// RefreshEntry is one of refreshTools's inputs: a tool as seen by a
// downstream client after override rewriting.
type RefreshEntry struct {
	Name        string
	Description string
	InputSchema json.RawMessage
}

// RefreshTools bulk-upserts Tool and NamespaceToolMembership rows from a
// downstream-observed tool list, skipping override names so they are never
// persisted as canonical (§4.9).
func (a *Aggregator) RefreshTools(ctx context.Context, namespaceUUID string, entries []RefreshEntry) (RefreshResult, error) {
	servers, err := a.memberServers(ctx, namespaceUUID)
	if err != nil {
		return RefreshResult{}, err
	}
	overrideSet, _ := a.overrides.Get(namespaceUUID)

	grouped := make(map[string][]RefreshEntry) // serverName -> entries
	for _, e := range entries {
		if overrideSet != nil && overrideSet.IsOverrideName(e.Name) {
			continue
		}
		serverName, toolName, ok := splitFullName(e.Name, servers)
		if !ok {
			continue
		}
		grouped[serverName] = append(grouped[serverName], RefreshEntry{Name: toolName, Description: e.Description, InputSchema: e.InputSchema})
	}

	var tools []model.Tool
	for serverName, serverEntries := range grouped {
		server := servers[serverName]
		for _, e := range serverEntries {
			tools = append(tools, model.Tool{
				ServerUUID:  server.UUID,
				Name:        e.Name,
				Description: e.Description,
				InputSchema: e.InputSchema,
			})
		}
	}

	toolsCreated, err := a.store.BulkUpsertTools(ctx, tools)
	if err != nil {
		return RefreshResult{}, err
	}

	memberships := make([]model.NamespaceToolMembership, 0, len(tools))
	for _, t := range tools {
		tool, err := a.store.GetToolByServerAndName(ctx, t.ServerUUID, t.Name)
		if err != nil || tool == nil {
			continue
		}
		memberships = append(memberships, model.NamespaceToolMembership{
			NamespaceUUID: namespaceUUID,
			ToolUUID:      tool.UUID,
			ServerUUID:    t.ServerUUID,
			Status:        model.StatusActive,
		})
	}
	mappingsCreated, err := a.store.BulkUpsertToolMemberships(ctx, memberships)
	if err != nil {
		return RefreshResult{}, err
	}

	a.pool.InvalidateIdleServer(namespaceUUID)
	a.overrides.Invalidate(namespaceUUID)
	if a.onRefresh != nil {
		a.onRefresh(namespaceUUID)
	}

	return RefreshResult{ToolsCreated: toolsCreated, MappingsCreated: mappingsCreated}, nil
}
