package smartdiscovery

import (
	"context"
	"testing"

	"github.com/metamcp/metamcp-core/internal/discovery"
	"github.com/metamcp/metamcp-core/internal/model"
)

type fakeStore struct {
	ns *model.Namespace
}

func (f *fakeStore) GetNamespace(ctx context.Context, uuid string) (*model.Namespace, error) {
	return f.ns, nil
}
func (f *fakeStore) ListServerMemberships(ctx context.Context, namespaceUUID string) ([]model.NamespaceServerMembership, error) {
	return nil, nil
}
func (f *fakeStore) GetServer(ctx context.Context, uuid string) (*model.McpServer, error) { return nil, nil }
func (f *fakeStore) ListToolMemberships(ctx context.Context, namespaceUUID string) ([]model.NamespaceToolMembership, error) {
	return nil, nil
}
func (f *fakeStore) GetTool(ctx context.Context, uuid string) (*model.Tool, error) { return nil, nil }
func (f *fakeStore) GetToolByServerAndName(ctx context.Context, serverUUID, name string) (*model.Tool, error) {
	return nil, nil
}
func (f *fakeStore) BulkUpsertTools(ctx context.Context, tools []model.Tool) (int, error) { return 0, nil }
func (f *fakeStore) BulkUpsertToolMemberships(ctx context.Context, memberships []model.NamespaceToolMembership) (int, error) {
	return 0, nil
}
func (f *fakeStore) GetAgent(ctx context.Context, uuid string) (*model.NamespaceAgent, error) { return nil, nil }
func (f *fakeStore) ListAgentDocuments(ctx context.Context, agentUUID string) ([]model.NamespaceAgentDocument, error) {
	return nil, nil
}
func (f *fakeStore) SumAgentDocumentTokens(ctx context.Context, agentUUID string) (int, error) { return 0, nil }
func (f *fakeStore) InsertAgentDocument(ctx context.Context, doc model.NamespaceAgentDocument) error {
	return nil
}
func (f *fakeStore) AppendPackageInstallHistory(ctx context.Context, row model.PackageInstallHistory) error {
	return nil
}

type fakeEmbedder struct{}

func (fakeEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	return []float32{1, 0, 0}, nil
}

func TestExposedSetOrderAndDedup(t *testing.T) {
	store := &fakeStore{ns: &model.Namespace{UUID: "ns1", SmartDiscoveryEnabled: true}}
	e := New(store, discovery.New(fakeEmbedder{}), nil)

	e.SetExposed("s1", "ns1", []string{"alpha__read", ToolFind})
	names := e.ExposedSet("s1", "ns1", []string{"alpha__write"})

	want := []string{ToolFind, ToolAsk, "alpha__write", "alpha__read"}
	if len(names) != len(want) {
		t.Fatalf("got %v, want %v", names, want)
	}
	for i, n := range want {
		if names[i] != n {
			t.Fatalf("at %d: got %q want %q (full: %v)", i, names[i], n, names)
		}
	}
}

func TestSetExposedReplacesNotUnions(t *testing.T) {
	store := &fakeStore{ns: &model.Namespace{UUID: "ns1", SmartDiscoveryEnabled: true}}
	e := New(store, discovery.New(fakeEmbedder{}), nil)

	e.SetExposed("s1", "ns1", []string{"alpha__read"})
	e.SetExposed("s1", "ns1", []string{"beta__query"})

	names := e.ExposedSet("s1", "ns1", nil)
	for _, n := range names {
		if n == "alpha__read" {
			t.Fatalf("expected alpha__read dropped after replace, got %v", names)
		}
	}
}

func TestOnSessionRemovedClearsOnlyThatSession(t *testing.T) {
	store := &fakeStore{ns: &model.Namespace{UUID: "ns1", SmartDiscoveryEnabled: true}}
	e := New(store, discovery.New(fakeEmbedder{}), nil)

	e.SetExposed("s1", "ns1", []string{"alpha__read"})
	e.SetExposed("s2", "ns1", []string{"beta__query"})

	e.OnSessionRemoved("s1")

	if got := e.ExposedSet("s1", "ns1", nil); len(got) != 2 {
		t.Fatalf("expected s1 reduced to synthetic-only, got %v", got)
	}
	got := e.ExposedSet("s2", "ns1", nil)
	found := false
	for _, n := range got {
		if n == "beta__query" {
			found = true
		}
	}
	if !found {
		t.Fatalf("expected s2's exposed set untouched, got %v", got)
	}
}

func TestEnabledUsesNamespaceFlag(t *testing.T) {
	store := &fakeStore{ns: &model.Namespace{UUID: "ns1", SmartDiscoveryEnabled: false}}
	e := New(store, discovery.New(fakeEmbedder{}), nil)

	enabled, err := e.Enabled(context.Background(), "ns1")
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if enabled {
		t.Fatalf("expected disabled")
	}
}
