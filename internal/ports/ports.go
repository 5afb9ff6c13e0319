// Package ports declares the narrow interfaces the core consumes from its
// external collaborators (spec §6): the persistence layer, the embedding
// provider, the chat-completions provider, and the package-install helper.
// The core must stay correct when any of them is unavailable or slow.
package ports

import (
	"context"

	"github.com/metamcp/metamcp-core/internal/model"
)

// Store is the persistence port: CRUD on the entities of §3, with
// transactional bulk upsert for Tool and NamespaceToolMembership.
type Store interface {
	GetNamespace(ctx context.Context, uuid string) (*model.Namespace, error)
	ListServerMemberships(ctx context.Context, namespaceUUID string) ([]model.NamespaceServerMembership, error)
	GetServer(ctx context.Context, uuid string) (*model.McpServer, error)
	ListToolMemberships(ctx context.Context, namespaceUUID string) ([]model.NamespaceToolMembership, error)
	GetTool(ctx context.Context, uuid string) (*model.Tool, error)
	GetToolByServerAndName(ctx context.Context, serverUUID, name string) (*model.Tool, error)

	// BulkUpsertTools inserts/updates Tool rows keyed by (server_uuid, name).
	BulkUpsertTools(ctx context.Context, tools []model.Tool) (created int, err error)
	// BulkUpsertToolMemberships inserts/updates NamespaceToolMembership rows,
	// setting status ACTIVE.
	BulkUpsertToolMemberships(ctx context.Context, memberships []model.NamespaceToolMembership) (created int, err error)

	GetAgent(ctx context.Context, uuid string) (*model.NamespaceAgent, error)
	ListAgentDocuments(ctx context.Context, agentUUID string) ([]model.NamespaceAgentDocument, error)
	SumAgentDocumentTokens(ctx context.Context, agentUUID string) (int, error)
	InsertAgentDocument(ctx context.Context, doc model.NamespaceAgentDocument) error

	AppendPackageInstallHistory(ctx context.Context, row model.PackageInstallHistory) error
}

// Embedder is the embedding provider port. First call may download a model;
// concurrent callers must share one loading future — a responsibility of
// the concrete adapter, not of callers.
type Embedder interface {
	Embed(ctx context.Context, text string) ([]float32, error)
}

// ChatRequest is the input to ChatClient.ChatJSON.
type ChatRequest struct {
	Model       string
	System      string
	User        string
	TimeoutMS   int // 0 => default 30000
	BaseURL     string
	Temperature float32 // 0 => default 0.2
}

// Usage reports token accounting for one chat call.
type Usage struct {
	PromptTokens     int
	CompletionTokens int
	TotalTokens      int
}

// ChatClient is the chat-completions port. The response must be valid JSON;
// callers unmarshal it into their own target type.
type ChatClient interface {
	ChatJSON(ctx context.Context, req ChatRequest) (raw []byte, usage Usage, err error)
}

// PackageInstaller is the optional local-package-install helper port.
type PackageInstaller interface {
	Install(ctx context.Context, manager, packageName string, userID *string) (output string, err error)
}
