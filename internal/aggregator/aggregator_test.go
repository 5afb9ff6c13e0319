package aggregator

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/overrides"
	"github.com/metamcp/metamcp-core/internal/pool"
	"github.com/metamcp/metamcp-core/internal/upstream"
)

type fakeStore struct {
	serverMemberships []model.NamespaceServerMembership
	servers           map[string]*model.McpServer
	tools             map[string]*model.Tool // serverUUID+"/"+name -> tool
	upsertedTools     []model.Tool
	upsertedMembers   []model.NamespaceToolMembership
}

func (s *fakeStore) GetNamespace(ctx context.Context, uuid string) (*model.Namespace, error) { return nil, nil }
func (s *fakeStore) ListServerMemberships(ctx context.Context, namespaceUUID string) ([]model.NamespaceServerMembership, error) {
	return s.serverMemberships, nil
}
func (s *fakeStore) GetServer(ctx context.Context, uuid string) (*model.McpServer, error) {
	return s.servers[uuid], nil
}
func (s *fakeStore) ListToolMemberships(ctx context.Context, namespaceUUID string) ([]model.NamespaceToolMembership, error) {
	return nil, nil
}
func (s *fakeStore) GetTool(ctx context.Context, uuid string) (*model.Tool, error) { return nil, nil }
func (s *fakeStore) GetToolByServerAndName(ctx context.Context, serverUUID, name string) (*model.Tool, error) {
	return s.tools[serverUUID+"/"+name], nil
}
func (s *fakeStore) BulkUpsertTools(ctx context.Context, tools []model.Tool) (int, error) {
	s.upsertedTools = append(s.upsertedTools, tools...)
	for i, t := range tools {
		if t.UUID == "" {
			t.UUID = "tool-generated"
			tools[i] = t
		}
		if s.tools == nil {
			s.tools = make(map[string]*model.Tool)
		}
		cp := t
		s.tools[t.ServerUUID+"/"+t.Name] = &cp
	}
	return len(tools), nil
}
func (s *fakeStore) BulkUpsertToolMemberships(ctx context.Context, memberships []model.NamespaceToolMembership) (int, error) {
	s.upsertedMembers = append(s.upsertedMembers, memberships...)
	return len(memberships), nil
}
func (s *fakeStore) GetAgent(ctx context.Context, uuid string) (*model.NamespaceAgent, error) { return nil, nil }
func (s *fakeStore) ListAgentDocuments(ctx context.Context, agentUUID string) ([]model.NamespaceAgentDocument, error) {
	return nil, nil
}
func (s *fakeStore) SumAgentDocumentTokens(ctx context.Context, agentUUID string) (int, error) { return 0, nil }
func (s *fakeStore) InsertAgentDocument(ctx context.Context, doc model.NamespaceAgentDocument) error {
	return nil
}
func (s *fakeStore) AppendPackageInstallHistory(ctx context.Context, row model.PackageInstallHistory) error {
	return nil
}

type fakeUpstreamClient struct {
	tools []mcp.Tool
}

func (c *fakeUpstreamClient) ListTools(ctx context.Context) ([]mcp.Tool, error) { return c.tools, nil }
func (c *fakeUpstreamClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{Content: []mcp.Content{mcp.TextContent{Type: "text", Text: "ok:" + name}}}, nil
}
func (c *fakeUpstreamClient) Close() error { return nil }

func newTestAggregator(t *testing.T, store *fakeStore) (*Aggregator, *pool.MetaMcpServerPool) {
	t.Helper()
	connect := func(ctx context.Context, server *model.McpServer, implementation mcp.Implementation) (upstream.Client, error) {
		return &fakeUpstreamClient{tools: []mcp.Tool{{Name: "dothing", Description: "does a thing"}}}, nil
	}
	servers := pool.NewMcpServerPool(connect, mcp.Implementation{Name: "test"})
	metaPool := pool.NewMetaMcpServerPool(servers, mcp.Implementation{Name: "test"})
	cache := overrides.NewCache()
	agg := New(store, metaPool, cache, nil)
	return agg, metaPool
}

func baseStore() *fakeStore {
	return &fakeStore{
		serverMemberships: []model.NamespaceServerMembership{
			{NamespaceUUID: "ns1", ServerUUID: "s1", Status: model.StatusActive},
		},
		servers: map[string]*model.McpServer{
			"s1": {UUID: "s1", Name: "alpha"},
		},
	}
}

func TestListToolsReturnsFullNames(t *testing.T) {
	agg, _ := newTestAggregator(t, baseStore())
	tools, err := agg.ListTools(context.Background(), "ns1", "sess1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %d", len(tools))
	}
	if tools[0].Name != "alpha__dothing" {
		t.Fatalf("expected full name alpha__dothing, got %q", tools[0].Name)
	}
}

func TestListToolsReusesAlreadyAttachedSession(t *testing.T) {
	agg, metaPool := newTestAggregator(t, baseStore())

	// httpapi.attach already ran for this downstream session before any
	// tools/list reaches the aggregator, with no member servers resolved yet
	// (deliberately differs from baseStore's real membership) so a reused
	// session is observably empty while a freshly-built one would not be.
	if _, err := metaPool.Attach(context.Background(), "ns1", "sess1", nil); err != nil {
		t.Fatalf("attach: %v", err)
	}

	tools, err := agg.ListTools(context.Background(), "ns1", "sess1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(tools) != 0 {
		t.Fatalf("expected the already-attached (empty) session to be reused, got %d tools", len(tools))
	}
}

func TestCallToolDispatchesToMember(t *testing.T) {
	agg, _ := newTestAggregator(t, baseStore())
	res, err := agg.CallTool(context.Background(), "ns1", "sess1", "alpha__dothing", map[string]any{})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(res.Content) != 1 || res.Content[0].Text != "ok:dothing" {
		t.Fatalf("unexpected result: %+v", res)
	}
}

func TestCallToolRejectsMalformedName(t *testing.T) {
	agg, _ := newTestAggregator(t, baseStore())
	_, err := agg.CallTool(context.Background(), "ns1", "sess1", "no-delimiter", map[string]any{})
	if err == nil {
		t.Fatalf("expected error for malformed name")
	}
}

func TestCallToolRejectsUnknownServer(t *testing.T) {
	agg, _ := newTestAggregator(t, baseStore())
	_, err := agg.CallTool(context.Background(), "ns1", "sess1", "ghost__dothing", map[string]any{})
	if err == nil {
		t.Fatalf("expected error for unknown server")
	}
}

func TestSplitFullNameOneLevelNestedFallback(t *testing.T) {
	servers := map[string]*model.McpServer{
		"nested__inner": {UUID: "s2", Name: "nested__inner"},
	}
	serverName, toolName, ok := splitFullName("nested__inner__sometool", servers)
	if !ok {
		t.Fatalf("expected nested fallback to resolve")
	}
	if serverName != "nested__inner" || toolName != "sometool" {
		t.Fatalf("unexpected split: %q / %q", serverName, toolName)
	}
}

func TestSplitFullNameRejectsBeyondOneExtraHop(t *testing.T) {
	servers := map[string]*model.McpServer{
		"alpha": {UUID: "s1", Name: "alpha"},
	}
	_, _, ok := splitFullName("not__a__member__atall", servers)
	if ok {
		t.Fatalf("expected split to fail beyond one extra hop when no candidate matches")
	}
}

func TestRefreshToolsSkipsOverrideNames(t *testing.T) {
	store := baseStore()
	agg, _ := newTestAggregator(t, store)

	overrideName := "renamed-tool"
	cache := agg.overrides
	set := overrides.Build([]model.NamespaceToolMembership{
		{
			NamespaceUUID: "ns1",
			ServerUUID:    "s1",
			Status:        model.StatusActive,
			OverrideName:  &overrideName,
		},
	}, func(m model.NamespaceToolMembership) string {
		return FullName("alpha", "dothing")
	})
	cache.Put("ns1", set)

	result, err := agg.RefreshTools(context.Background(), "ns1", []RefreshEntry{
		{Name: overrideName, Description: "renamed view", InputSchema: json.RawMessage(`{}`)},
		{Name: "alpha__othertool", Description: "real tool", InputSchema: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ToolsCreated != 1 {
		t.Fatalf("expected override name to be skipped, got %d tools created", result.ToolsCreated)
	}
	if len(store.upsertedTools) != 1 || store.upsertedTools[0].Name != "othertool" {
		t.Fatalf("expected only othertool persisted, got %+v", store.upsertedTools)
	}
}

func TestRefreshToolsBuildsMembershipsFromUpserted(t *testing.T) {
	store := baseStore()
	agg, _ := newTestAggregator(t, store)

	result, err := agg.RefreshTools(context.Background(), "ns1", []RefreshEntry{
		{Name: "alpha__dothing", Description: "does a thing", InputSchema: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if result.ToolsCreated != 1 || result.MappingsCreated != 1 {
		t.Fatalf("expected 1 tool and 1 membership created, got %+v", result)
	}
	if len(store.upsertedMembers) != 1 || store.upsertedMembers[0].ServerUUID != "s1" {
		t.Fatalf("unexpected memberships: %+v", store.upsertedMembers)
	}
}

func TestRefreshToolsInvokesOnRefreshHook(t *testing.T) {
	store := baseStore()
	connect := func(ctx context.Context, server *model.McpServer, implementation mcp.Implementation) (upstream.Client, error) {
		return &fakeUpstreamClient{}, nil
	}
	servers := pool.NewMcpServerPool(connect, mcp.Implementation{Name: "test"})
	metaPool := pool.NewMetaMcpServerPool(servers, mcp.Implementation{Name: "test"})
	cache := overrides.NewCache()

	var refreshed string
	agg := New(store, metaPool, cache, func(namespaceUUID string) { refreshed = namespaceUUID })

	_, err := agg.RefreshTools(context.Background(), "ns1", []RefreshEntry{
		{Name: "alpha__dothing", Description: "does a thing", InputSchema: json.RawMessage(`{}`)},
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if refreshed != "ns1" {
		t.Fatalf("expected onRefresh hook called with ns1, got %q", refreshed)
	}
}
