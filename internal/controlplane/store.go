// Package controlplane is the reference ports.Store adapter bound at
// cmd/metamcpd (spec §1: "the relational store ... named only by the
// interfaces the core consumes"). It talks to the control plane's REST API
// over plain net/http/json; the core never imports this package directly.
//
// Grounded on the teacher's http.go: plain net/http.Client with
// context-scoped requests, json.NewDecoder/Encoder for bodies, and
// fmt.Errorf-wrapped errors rather than a generic HTTP client library —
// the teacher never reaches for one either.
package controlplane

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/metamcp/metamcp-core/internal/errs"
	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/ports"
)

// Client implements ports.Store against the control plane's REST API.
type Client struct {
	baseURL string
	http    *http.Client
	token   string
}

func New(baseURL, bearerToken string) *Client {
	return &Client{
		baseURL: strings.TrimSuffix(baseURL, "/"),
		http:    &http.Client{Timeout: 10 * time.Second},
		token:   bearerToken,
	}
}

func (c *Client) do(ctx context.Context, method, path string, body, out any) error {
	var reader *bytes.Reader
	if body != nil {
		data, err := json.Marshal(body)
		if err != nil {
			return errs.Wrap(errs.Internal, "marshal control plane request", err)
		}
		reader = bytes.NewReader(data)
	} else {
		reader = bytes.NewReader(nil)
	}

	req, err := http.NewRequestWithContext(ctx, method, c.baseURL+path, reader)
	if err != nil {
		return errs.Wrap(errs.Internal, "build control plane request", err)
	}
	req.Header.Set("Content-Type", "application/json")
	if c.token != "" {
		req.Header.Set("Authorization", "Bearer "+c.token)
	}

	resp, err := c.http.Do(req)
	if err != nil {
		return errs.Wrap(errs.UpstreamTransient, "control plane request failed", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return errs.New(errs.NotFound, fmt.Sprintf("control plane: %s %s not found", method, path))
	}
	if resp.StatusCode >= 500 {
		return errs.New(errs.UpstreamTransient, fmt.Sprintf("control plane: %s %s returned %d", method, path, resp.StatusCode))
	}
	if resp.StatusCode >= 400 {
		return errs.New(errs.Validation, fmt.Sprintf("control plane: %s %s returned %d", method, path, resp.StatusCode))
	}

	if out == nil || resp.StatusCode == http.StatusNoContent {
		return nil
	}
	if err := json.NewDecoder(resp.Body).Decode(out); err != nil {
		return errs.Wrap(errs.Internal, "decode control plane response", err)
	}
	return nil
}

func (c *Client) GetNamespace(ctx context.Context, uuid string) (*model.Namespace, error) {
	var out model.Namespace
	if err := c.do(ctx, http.MethodGet, "/namespaces/"+url.PathEscape(uuid), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListServerMemberships(ctx context.Context, namespaceUUID string) ([]model.NamespaceServerMembership, error) {
	var out []model.NamespaceServerMembership
	err := c.do(ctx, http.MethodGet, "/namespaces/"+url.PathEscape(namespaceUUID)+"/server-memberships", nil, &out)
	return out, err
}

func (c *Client) GetServer(ctx context.Context, uuid string) (*model.McpServer, error) {
	var out model.McpServer
	if err := c.do(ctx, http.MethodGet, "/servers/"+url.PathEscape(uuid), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListToolMemberships(ctx context.Context, namespaceUUID string) ([]model.NamespaceToolMembership, error) {
	var out []model.NamespaceToolMembership
	err := c.do(ctx, http.MethodGet, "/namespaces/"+url.PathEscape(namespaceUUID)+"/tool-memberships", nil, &out)
	return out, err
}

func (c *Client) GetTool(ctx context.Context, uuid string) (*model.Tool, error) {
	var out model.Tool
	if err := c.do(ctx, http.MethodGet, "/tools/"+url.PathEscape(uuid), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) GetToolByServerAndName(ctx context.Context, serverUUID, name string) (*model.Tool, error) {
	q := url.Values{"name": {name}}
	var out model.Tool
	path := "/servers/" + url.PathEscape(serverUUID) + "/tools/by-name?" + q.Encode()
	if err := c.do(ctx, http.MethodGet, path, nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) BulkUpsertTools(ctx context.Context, tools []model.Tool) (int, error) {
	var out struct {
		Created int `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "/tools/bulk-upsert", map[string]any{"tools": tools}, &out)
	return out.Created, err
}

func (c *Client) BulkUpsertToolMemberships(ctx context.Context, memberships []model.NamespaceToolMembership) (int, error) {
	var out struct {
		Created int `json:"created"`
	}
	err := c.do(ctx, http.MethodPost, "/tool-memberships/bulk-upsert", map[string]any{"memberships": memberships}, &out)
	return out.Created, err
}

func (c *Client) GetAgent(ctx context.Context, uuid string) (*model.NamespaceAgent, error) {
	var out model.NamespaceAgent
	if err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(uuid), nil, &out); err != nil {
		return nil, err
	}
	return &out, nil
}

func (c *Client) ListAgentDocuments(ctx context.Context, agentUUID string) ([]model.NamespaceAgentDocument, error) {
	var out []model.NamespaceAgentDocument
	err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentUUID)+"/documents", nil, &out)
	return out, err
}

func (c *Client) SumAgentDocumentTokens(ctx context.Context, agentUUID string) (int, error) {
	var out struct {
		TotalTokens int `json:"totalTokens"`
	}
	err := c.do(ctx, http.MethodGet, "/agents/"+url.PathEscape(agentUUID)+"/documents/token-sum", nil, &out)
	return out.TotalTokens, err
}

func (c *Client) InsertAgentDocument(ctx context.Context, doc model.NamespaceAgentDocument) error {
	return c.do(ctx, http.MethodPost, "/agents/"+url.PathEscape(doc.AgentUUID)+"/documents", doc, nil)
}

func (c *Client) AppendPackageInstallHistory(ctx context.Context, row model.PackageInstallHistory) error {
	return c.do(ctx, http.MethodPost, "/package-install-history", row, nil)
}

var _ ports.Store = (*Client)(nil)
