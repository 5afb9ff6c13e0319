package pool

import (
	"context"
	"sync"
	"sync/atomic"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp-core/internal/errs"
	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/upstream"
)

type fakeClient struct {
	name   string
	closed atomic.Bool
}

func (f *fakeClient) ListTools(ctx context.Context) ([]mcp.Tool, error) { return nil, nil }
func (f *fakeClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	return &mcp.CallToolResult{}, nil
}
func (f *fakeClient) Close() error {
	f.closed.Store(true)
	return nil
}

func countingConnector(connectCount *int32) Connector {
	var mu sync.Mutex
	return func(ctx context.Context, server *model.McpServer, implementation mcp.Implementation) (upstream.Client, error) {
		mu.Lock()
		defer mu.Unlock()
		atomic.AddInt32(connectCount, 1)
		return &fakeClient{name: server.Name}, nil
	}
}

func failingThenSucceedingConnector(failures int) Connector {
	var calls int32
	return func(ctx context.Context, server *model.McpServer, implementation mcp.Implementation) (upstream.Client, error) {
		n := atomic.AddInt32(&calls, 1)
		if int(n) <= failures {
			return nil, errs.New(errs.UpstreamTransient, "transient failure")
		}
		return &fakeClient{name: server.Name}, nil
	}
}

func TestMcpServerPoolAcquireSharesOneClientPerServer(t *testing.T) {
	var connectCount int32
	p := NewMcpServerPool(countingConnector(&connectCount), mcp.Implementation{Name: "test"})
	server := &model.McpServer{UUID: "s1", Name: "alpha"}

	_, release1, err := p.Acquire(context.Background(), server)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	_, release2, err := p.Acquire(context.Background(), server)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if connectCount != 1 {
		t.Fatalf("expected exactly one connect call, got %d", connectCount)
	}
	release1()
	release2()
}

func TestMcpServerPoolInvalidateOnlyWhenRefcountZero(t *testing.T) {
	var connectCount int32
	p := NewMcpServerPool(countingConnector(&connectCount), mcp.Implementation{Name: "test"})
	server := &model.McpServer{UUID: "s1", Name: "alpha"}

	_, release, err := p.Acquire(context.Background(), server)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	p.Invalidate("s1")
	entry := p.servers["s1"]
	if entry.client == nil {
		t.Fatalf("expected client to survive invalidation while refcount > 0")
	}

	release()
	p.Invalidate("s1")
	if entry.client != nil {
		t.Fatalf("expected client torn down once refcount reached zero")
	}
}

func TestConnectWithBackoffRetriesTransientFailures(t *testing.T) {
	connect := failingThenSucceedingConnector(2)
	server := &model.McpServer{UUID: "s1", Name: "alpha"}
	client, err := connectWithBackoff(context.Background(), connect, server, mcp.Implementation{Name: "test"})
	if err != nil {
		t.Fatalf("expected eventual success, got %v", err)
	}
	if client == nil {
		t.Fatalf("expected a client")
	}
}

func TestConnectWithBackoffGivesUpAfterMaxRetries(t *testing.T) {
	connect := failingThenSucceedingConnector(connectMaxRetries + 1)
	server := &model.McpServer{UUID: "s1", Name: "alpha"}
	_, err := connectWithBackoff(context.Background(), connect, server, mcp.Implementation{Name: "test"})
	if err == nil {
		t.Fatalf("expected exhausted retries to surface an error")
	}
}

func TestMetaMcpServerPoolEnsureIdleThenAttach(t *testing.T) {
	var connectCount int32
	servers := NewMcpServerPool(countingConnector(&connectCount), mcp.Implementation{Name: "test"})
	metaPool := NewMetaMcpServerPool(servers, mcp.Implementation{Name: "test"})

	members := []*model.McpServer{{UUID: "s1", Name: "alpha"}, {UUID: "s2", Name: "beta"}}
	metaPool.EnsureIdleServerForNewNamespace(context.Background(), "ns1", members)

	status := metaPool.GetPoolStatus()
	if status.Idle != 1 {
		t.Fatalf("expected 1 idle session, got %d", status.Idle)
	}

	clients, err := metaPool.Attach(context.Background(), "ns1", "session-1", members)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if len(clients) != 2 {
		t.Fatalf("expected 2 member clients, got %d", len(clients))
	}
	if connectCount != 2 {
		t.Fatalf("expected no extra connects on attach (idle session reused), got %d", connectCount)
	}

	status = metaPool.GetPoolStatus()
	if status.Idle != 0 || status.Active != 1 {
		t.Fatalf("expected idle consumed into active, got %+v", status)
	}

	metaPool.Detach("session-1")
	status = metaPool.GetPoolStatus()
	if status.Active != 0 {
		t.Fatalf("expected active session cleared after detach, got %+v", status)
	}
}

func TestInvalidateIdleServerRebuildsOnNextAttach(t *testing.T) {
	var connectCount int32
	servers := NewMcpServerPool(countingConnector(&connectCount), mcp.Implementation{Name: "test"})
	metaPool := NewMetaMcpServerPool(servers, mcp.Implementation{Name: "test"})

	members := []*model.McpServer{{UUID: "s1", Name: "alpha"}}
	metaPool.EnsureIdleServerForNewNamespace(context.Background(), "ns1", members)
	metaPool.InvalidateIdleServer("ns1")

	if status := metaPool.GetPoolStatus(); status.Idle != 0 {
		t.Fatalf("expected idle slot gone after invalidate, got %+v", status)
	}

	if _, err := metaPool.Attach(context.Background(), "ns1", "session-1", members); err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if status := metaPool.GetPoolStatus(); status.Active != 1 {
		t.Fatalf("expected attach to rebuild and activate, got %+v", status)
	}
}

func TestLookupReturnsActiveSessionWithoutRebuilding(t *testing.T) {
	var connectCount int32
	servers := NewMcpServerPool(countingConnector(&connectCount), mcp.Implementation{Name: "test"})
	metaPool := NewMetaMcpServerPool(servers, mcp.Implementation{Name: "test"})

	members := []*model.McpServer{{UUID: "s1", Name: "alpha"}}
	attached, err := metaPool.Attach(context.Background(), "ns1", "session-1", members)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if connectCount != 1 {
		t.Fatalf("expected 1 connect after attach, got %d", connectCount)
	}

	looked, ok := metaPool.Lookup("session-1")
	if !ok {
		t.Fatalf("expected session-1 to be found")
	}
	if len(looked) != len(attached) {
		t.Fatalf("expected Lookup to return the same clients Attach returned, got %d vs %d", len(looked), len(attached))
	}
	if connectCount != 1 {
		t.Fatalf("expected Lookup to connect nothing, got connectCount=%d", connectCount)
	}

	if _, ok := metaPool.Lookup("no-such-session"); ok {
		t.Fatalf("expected Lookup miss for an unattached sessionID")
	}
}
