// Package upstream constructs and drives one mark3labs/mcp-go client per
// McpServer, behind a transport-agnostic Client interface.
//
// Grounded on other_examples/poy-adk-rnd__main.go for the STDIO
// construction/Initialize/ListTools/CallTool shape; SSE and StreamableHTTP
// use the same client package's sibling constructors with the server's
// URL/headers, following the same sequence.
package upstream

import (
	"context"
	"fmt"

	"github.com/mark3labs/mcp-go/client"
	"github.com/mark3labs/mcp-go/client/transport"
	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp-core/internal/errs"
	"github.com/metamcp/metamcp-core/internal/model"
)

// Client is the narrow surface the rest of the core needs from a connected
// upstream MCP server.
type Client interface {
	ListTools(ctx context.Context) ([]mcp.Tool, error)
	CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error)
	Close() error
}

type mcpGoClient struct {
	inner *client.Client
}

// Connect builds and initializes a client for one McpServer, dispatching on
// its Transport (§3: STDIO/SSE/StreamableHTTP).
func Connect(ctx context.Context, server *model.McpServer, implementation mcp.Implementation) (Client, error) {
	var (
		inner *client.Client
		err   error
	)
	switch server.Transport {
	case model.TransportStdio:
		env := make([]string, 0, len(server.Env))
		for k, v := range server.Env {
			env = append(env, fmt.Sprintf("%s=%s", k, v))
		}
		inner, err = client.NewStdioMCPClient(server.Command, env, server.Args...)
	case model.TransportSSE:
		opts := sseOptions(server)
		inner, err = client.NewSSEMCPClient(server.URL, opts...)
	case model.TransportStreamableHTTP:
		opts := streamableOptions(server)
		inner, err = client.NewStreamableHttpClient(server.URL, opts...)
	default:
		return nil, errs.New(errs.Validation, fmt.Sprintf("unknown transport %q for server %s", server.Transport, server.Name))
	}
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamTransient, fmt.Sprintf("connect to server %s", server.Name), err)
	}

	initReq := mcp.InitializeRequest{}
	initReq.Params.ClientInfo = implementation
	if _, err := inner.Initialize(ctx, initReq); err != nil {
		_ = inner.Close()
		return nil, errs.Wrap(errs.UpstreamTransient, fmt.Sprintf("initialize server %s", server.Name), err)
	}

	return &mcpGoClient{inner: inner}, nil
}

func (c *mcpGoClient) ListTools(ctx context.Context) ([]mcp.Tool, error) {
	res, err := c.inner.ListTools(ctx, mcp.ListToolsRequest{})
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamTransient, "list_tools", err)
	}
	return res.Tools, nil
}

func (c *mcpGoClient) CallTool(ctx context.Context, name string, arguments map[string]any) (*mcp.CallToolResult, error) {
	req := mcp.CallToolRequest{}
	req.Params.Name = name
	req.Params.Arguments = arguments
	res, err := c.inner.CallTool(ctx, req)
	if err != nil {
		return nil, errs.Wrap(errs.UpstreamTransient, fmt.Sprintf("call_tool %s", name), err)
	}
	return res, nil
}

func (c *mcpGoClient) Close() error {
	return c.inner.Close()
}

func sseOptions(server *model.McpServer) []transport.ClientOption {
	var opts []transport.ClientOption
	headers := headersWithBearer(server)
	if len(headers) > 0 {
		opts = append(opts, client.WithHeaders(headers))
	}
	return opts
}

func streamableOptions(server *model.McpServer) []transport.StreamableHTTPCOption {
	var opts []transport.StreamableHTTPCOption
	headers := headersWithBearer(server)
	if len(headers) > 0 {
		opts = append(opts, transport.WithHTTPHeaders(headers))
	}
	return opts
}

func headersWithBearer(server *model.McpServer) map[string]string {
	headers := make(map[string]string, len(server.Headers)+1)
	for k, v := range server.Headers {
		headers[k] = v
	}
	if server.BearerToken != "" {
		headers["Authorization"] = "Bearer " + server.BearerToken
	}
	return headers
}
