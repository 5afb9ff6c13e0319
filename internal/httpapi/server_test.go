package httpapi

import (
	"bytes"
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp-core/internal/middleware"
	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/pool"
	"github.com/metamcp/metamcp-core/internal/ports"
	"github.com/metamcp/metamcp-core/internal/session"
	"github.com/metamcp/metamcp-core/internal/upstream"
)

type fakeStore struct{}

func (s *fakeStore) GetNamespace(ctx context.Context, uuid string) (*model.Namespace, error) {
	if uuid == "missing" {
		return nil, context.DeadlineExceeded
	}
	return &model.Namespace{UUID: uuid}, nil
}
func (s *fakeStore) ListServerMemberships(ctx context.Context, namespaceUUID string) ([]model.NamespaceServerMembership, error) {
	return nil, nil
}
func (s *fakeStore) GetServer(ctx context.Context, uuid string) (*model.McpServer, error) { return nil, nil }
func (s *fakeStore) ListToolMemberships(ctx context.Context, namespaceUUID string) ([]model.NamespaceToolMembership, error) {
	return nil, nil
}
func (s *fakeStore) GetTool(ctx context.Context, uuid string) (*model.Tool, error) { return nil, nil }
func (s *fakeStore) GetToolByServerAndName(ctx context.Context, serverUUID, name string) (*model.Tool, error) {
	return nil, nil
}
func (s *fakeStore) BulkUpsertTools(ctx context.Context, tools []model.Tool) (int, error) { return 0, nil }
func (s *fakeStore) BulkUpsertToolMemberships(ctx context.Context, memberships []model.NamespaceToolMembership) (int, error) {
	return 0, nil
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

var _ ports.Store = (*fakeStore)(nil)

type fakeMembers struct{}

func (fakeMembers) Members(ctx context.Context, namespaceUUID string) ([]*model.McpServer, error) {
	return nil, nil
}

type fakeExecutor struct{}

func (fakeExecutor) ListTools(ctx context.Context, namespaceUUID, sessionID string) ([]middleware.ToolDescriptor, error) {
	return []middleware.ToolDescriptor{{Name: "alpha__dothing", Description: "does a thing"}}, nil
}
func (fakeExecutor) CallTool(ctx context.Context, namespaceUUID, sessionID, fullName string, arguments map[string]any) (middleware.CallResult, error) {
	return middleware.CallResult{Content: []middleware.ContentBlock{{Type: "text", Text: "ok"}}}, nil
}

func newTestServer() *Server {
	connect := func(ctx context.Context, server *model.McpServer, implementation mcp.Implementation) (upstream.Client, error) {
		return nil, nil
	}
	servers := pool.NewMcpServerPool(connect, mcp.Implementation{Name: "test"})
	metaPool := pool.NewMetaMcpServerPool(servers, mcp.Implementation{Name: "test"})
	return New(&fakeStore{}, session.New(), metaPool, fakeMembers{}, fakeExecutor{}, nil, nil, "metamcp", "0.1.0")
}

func postJSONRPC(t *testing.T, s *Server, path string, req map[string]any) jsonrpcResponse {
	t.Helper()
	body, err := json.Marshal(req)
	if err != nil {
		t.Fatalf("marshal request: %v", err)
	}
	httpReq := httptest.NewRequest(http.MethodPost, path, bytes.NewReader(body))
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, httpReq)
	var resp jsonrpcResponse
	if err := json.Unmarshal(w.Body.Bytes(), &resp); err != nil {
		t.Fatalf("unmarshal response %q: %v", w.Body.String(), err)
	}
	return resp
}

func TestToolsListReturnsToolsFromExecutor(t *testing.T) {
	s := newTestServer()
	resp := postJSONRPC(t, s, "/ns1/mcp", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "tools/list"})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
	result, ok := resp.Result.(map[string]any)
	if !ok {
		t.Fatalf("expected result map, got %T", resp.Result)
	}
	tools, ok := result["tools"].([]any)
	if !ok || len(tools) != 1 {
		t.Fatalf("expected 1 tool, got %+v", result["tools"])
	}
}

func TestToolsCallDispatchesThroughExecutor(t *testing.T) {
	s := newTestServer()
	resp := postJSONRPC(t, s, "/ns1/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call",
		"params": map[string]any{"name": "alpha__dothing", "arguments": map[string]any{}},
	})
	if resp.Error != nil {
		t.Fatalf("unexpected error: %+v", resp.Error)
	}
}

func TestToolsCallMissingNameIsValidationError(t *testing.T) {
	s := newTestServer()
	resp := postJSONRPC(t, s, "/ns1/mcp", map[string]any{
		"jsonrpc": "2.0", "id": 1, "method": "tools/call", "params": map[string]any{},
	})
	if resp.Error == nil || resp.Error.Code != -32602 {
		t.Fatalf("expected missing-name validation error, got %+v", resp.Error)
	}
}

func TestUnknownMethodReturnsMethodNotFound(t *testing.T) {
	s := newTestServer()
	resp := postJSONRPC(t, s, "/ns1/mcp", map[string]any{"jsonrpc": "2.0", "id": 1, "method": "nope"})
	if resp.Error == nil || resp.Error.Code != -32601 {
		t.Fatalf("expected method-not-found, got %+v", resp.Error)
	}
}

func TestUnknownNamespaceIs404(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/missing/mcp", bytes.NewReader([]byte(`{"jsonrpc":"2.0","id":1,"method":"ping"}`)))
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusNotFound {
		t.Fatalf("expected 404 for unknown namespace, got %d", w.Code)
	}
}

func TestNotificationGetsNoContent(t *testing.T) {
	s := newTestServer()
	req := httptest.NewRequest(http.MethodPost, "/ns1/mcp", bytes.NewReader([]byte(`{"jsonrpc":"2.0","method":"notifications/initialized"}`)))
	w := httptest.NewRecorder()
	s.Mux().ServeHTTP(w, req)
	if w.Code != http.StatusNoContent {
		t.Fatalf("expected 204 for notification, got %d", w.Code)
	}
}
