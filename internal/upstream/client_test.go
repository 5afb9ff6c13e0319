package upstream

import (
	"context"
	"testing"

	"github.com/mark3labs/mcp-go/mcp"

	"github.com/metamcp/metamcp-core/internal/errs"
	"github.com/metamcp/metamcp-core/internal/model"
)

func TestConnectRejectsUnknownTransport(t *testing.T) {
	server := &model.McpServer{Name: "weird", Transport: model.Transport("carrier-pigeon")}
	_, err := Connect(context.Background(), server, mcp.Implementation{Name: "test"})
	if err == nil {
		t.Fatalf("expected error for unknown transport")
	}
	if !errs.Is(err, errs.Validation) {
		t.Fatalf("expected validation error kind, got %v", err)
	}
}

func TestHeadersWithBearerMergesAndOverrides(t *testing.T) {
	server := &model.McpServer{
		Headers:     map[string]string{"X-Custom": "1"},
		BearerToken: "secret",
	}
	headers := headersWithBearer(server)
	if headers["X-Custom"] != "1" {
		t.Fatalf("expected custom header preserved, got %v", headers)
	}
	if headers["Authorization"] != "Bearer secret" {
		t.Fatalf("expected bearer token set, got %v", headers)
	}
}

func TestHeadersWithBearerEmptyWhenNoneConfigured(t *testing.T) {
	server := &model.McpServer{}
	if headers := headersWithBearer(server); len(headers) != 0 {
		t.Fatalf("expected no headers, got %v", headers)
	}
}
