// Package httpapi implements the downstream MCP transport (spec §6): one
// SSE and StreamableHTTP facade per namespace endpoint, JSON-RPC dispatch
// through the C4 middleware chain, and live-session registration into C1.
//
// Grounded on the teacher's http.go almost wholesale: MiddlewareFunc/
// chainMiddleware, jsonrpcRequest/jsonrpcResponse/rpcOK/rpcError,
// handleSSE's event framing and readiness-wait pattern, and the
// responseRecorder-free per-namespace routing it does for each configured
// server. Re-targeted from "one route per statically configured server" to
// "one dynamic route per namespace_uuid", and from "dispatch by HTTP
// sub-request" to "dispatch through the C4 middleware chain in-process".
package httpapi

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log"
	"net/http"
	"path"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/metamcp/metamcp-core/internal/middleware"
	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/pool"
	"github.com/metamcp/metamcp-core/internal/ports"
	"github.com/metamcp/metamcp-core/internal/session"
)

// MemberResolver is the narrow surface httpapi needs to drive the pool's
// per-downstream-session lifecycle; satisfied by *aggregator.Aggregator.
type MemberResolver interface {
	Members(ctx context.Context, namespaceUUID string) ([]*model.McpServer, error)
}

// Server is the MCP facade: one instance serves every namespace endpoint.
type Server struct {
	store    ports.Store
	sessions *session.Registry
	pool     *pool.MetaMcpServerPool
	members  MemberResolver
	exec     middleware.Executor

	listHandler middleware.ListToolsHandler
	callHandler middleware.CallToolHandler

	serverName    string
	serverVersion string
}

// New builds the facade. base is the aggregator's raw list/call pair; mws
// are applied outermost-first exactly like ChainListTools/ChainCallTool
// document. On list_tools callers must pass Tool-Overrides before
// Smart-Discovery so Smart-Discovery's next() call reaches the aggregator
// base directly and sees canonical names (§4.4); call_tool has no such
// constraint since Smart-Discovery only intercepts its own synthetic names.
func New(
	store ports.Store,
	sessions *session.Registry,
	metaPool *pool.MetaMcpServerPool,
	members MemberResolver,
	exec middleware.Executor,
	listMWs []middleware.ListToolsMiddleware,
	callMWs []middleware.CallToolMiddleware,
	serverName, serverVersion string,
) *Server {
	baseList := func(ctx context.Context, rc middleware.ReqContext) ([]middleware.ToolDescriptor, error) {
		return rc.Exec.ListTools(ctx, rc.NamespaceUUID, rc.SessionID)
	}
	baseCall := func(ctx context.Context, rc middleware.ReqContext, name string, arguments map[string]any) (middleware.CallResult, error) {
		return rc.Exec.CallTool(ctx, rc.NamespaceUUID, rc.SessionID, name, arguments)
	}
	return &Server{
		store:         store,
		sessions:      sessions,
		pool:          metaPool,
		members:       members,
		exec:          exec,
		listHandler:   middleware.ChainListTools(baseList, listMWs...),
		callHandler:   middleware.ChainCallTool(baseCall, callMWs...),
		serverName:    serverName,
		serverVersion: serverVersion,
	}
}

// Mux builds the net/http routing table: one dynamic handler matching
// "/{namespaceUUID}/mcp", mirroring the teacher's routeFor-built per-server
// routes but resolved per-request instead of at startup (namespaces are
// created/deleted at runtime through the control plane, unlike the
// teacher's static server list).
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/", s.recoverMiddleware(s.route))
	return mux
}

func (s *Server) recoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("<httpapi> panic serving %s: %v", r.URL.Path, err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	segments := strings.Split(strings.Trim(r.URL.Path, "/"), "/")
	if len(segments) != 2 || segments[1] != "mcp" || segments[0] == "" {
		http.NotFound(w, r)
		return
	}
	namespaceUUID := segments[0]

	ctx := r.Context()
	if _, err := s.store.GetNamespace(ctx, namespaceUUID); err != nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	switch r.Method {
	case http.MethodHead:
		w.Header().Set("mcp-session-id", uuid.New().String())
		w.WriteHeader(http.StatusOK)
	case http.MethodGet:
		s.handleSSE(w, r, namespaceUUID)
	case http.MethodPost:
		s.handlePost(w, r, namespaceUUID)
	case http.MethodDelete:
		s.handleDelete(w, r, namespaceUUID)
	case http.MethodOptions:
		w.Header().Set("Allow", "GET, HEAD, POST, DELETE, OPTIONS")
		w.WriteHeader(http.StatusNoContent)
	default:
		w.Header().Set("Allow", "GET, HEAD, POST, DELETE, OPTIONS")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
	}
}

// ===== SSE attach =====

func (s *Server) handleSSE(w http.ResponseWriter, r *http.Request, namespaceUUID string) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		http.Error(w, "Streaming unsupported", http.StatusInternalServerError)
		return
	}

	sessionID := uuid.New().String()
	endpointName := namespaceUUID
	s.attach(r.Context(), namespaceUUID, sessionID, model.LiveTransportSSE, endpointName)
	defer s.detach(sessionID)

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-store")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.Header().Set("mcp-session-id", sessionID)
	w.WriteHeader(http.StatusOK)

	messagePath := path.Join("/", namespaceUUID, "mcp")
	fmt.Fprintf(w, "event: endpoint\ndata: %s?sessionId=%s\n\n", messagePath, sessionID)
	flusher.Flush()

	ticker := time.NewTicker(15 * time.Second)
	defer ticker.Stop()

	notify := r.Context().Done()
	for {
		select {
		case <-notify:
			return
		case <-ticker.C:
			_, _ = io.WriteString(w, ":\n\n")
			flusher.Flush()
		}
	}
}

func (s *Server) attach(ctx context.Context, namespaceUUID, sessionID string, transport model.LiveTransport, endpointName string) {
	s.sessions.Add(sessionID, endpointName, namespaceUUID, transport)

	members, err := s.members.Members(ctx, namespaceUUID)
	if err != nil {
		log.Printf("<httpapi> failed to resolve members for namespace=%s: %v", namespaceUUID, err)
		return
	}
	if _, err := s.pool.Attach(ctx, namespaceUUID, sessionID, members); err != nil {
		log.Printf("<httpapi> failed to attach pool session=%s namespace=%s: %v", sessionID, namespaceUUID, err)
	}
}

func (s *Server) detach(sessionID string) {
	s.sessions.Remove(sessionID)
	s.pool.Detach(sessionID)
}

func (s *Server) handleDelete(w http.ResponseWriter, r *http.Request, namespaceUUID string) {
	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = r.Header.Get("Mcp-Session-Id")
	}
	if sessionID != "" {
		s.detach(sessionID)
	}
	w.WriteHeader(http.StatusNoContent)
}

// ===== JSON-RPC dispatch =====

type jsonrpcRequest struct {
	JSONRPC string          `json:"jsonrpc"`
	ID      any             `json:"id"`
	Method  string          `json:"method"`
	Params  json.RawMessage `json:"params,omitempty"`
}

type jsonrpcError struct {
	Code    int    `json:"code"`
	Message string `json:"message"`
}

type jsonrpcResponse struct {
	JSONRPC string        `json:"jsonrpc"`
	ID      any           `json:"id"`
	Result  any           `json:"result,omitempty"`
	Error   *jsonrpcError `json:"error,omitempty"`
}

func rpcOK(id, result any) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Result: result}
}

func rpcError(id any, code int, msg string) jsonrpcResponse {
	return jsonrpcResponse{JSONRPC: "2.0", ID: id, Error: &jsonrpcError{Code: code, Message: msg}}
}

func (s *Server) handlePost(w http.ResponseWriter, r *http.Request, namespaceUUID string) {
	body, _ := io.ReadAll(r.Body)
	_ = r.Body.Close()
	if len(body) == 0 {
		body = []byte(`{}`)
	}

	var req jsonrpcRequest
	if err := json.Unmarshal(body, &req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}
	if req.ID == nil {
		w.WriteHeader(http.StatusNoContent)
		return
	}

	sessionID := r.URL.Query().Get("sessionId")
	if sessionID == "" {
		sessionID = r.Header.Get("Mcp-Session-Id")
	}
	if sessionID == "" {
		sessionID = uuid.New().String()
		s.attach(r.Context(), namespaceUUID, sessionID, model.LiveTransportStreamableHTTP, namespaceUUID)
		w.Header().Set("mcp-session-id", sessionID)
	}

	rc := middleware.ReqContext{NamespaceUUID: namespaceUUID, SessionID: sessionID, Exec: s.exec}

	w.Header().Set("Content-Type", "application/json")
	switch req.Method {
	case "initialize":
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, s.buildInitializeResult(r.Context(), rc)))
	case "ping":
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, map[string]any{}))
	case "tools/list":
		tools, err := s.listHandler(r.Context(), rc)
		if err != nil {
			_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32000, err.Error()))
			return
		}
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, map[string]any{"tools": toolsToWire(tools)}))
	case "tools/call":
		var p struct {
			Name      string         `json:"name"`
			Arguments map[string]any `json:"arguments"`
		}
		if len(req.Params) > 0 {
			_ = json.Unmarshal(req.Params, &p)
		}
		if p.Name == "" {
			_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32602, "Missing tool name"))
			return
		}
		result, err := s.callHandler(r.Context(), rc, p.Name, p.Arguments)
		if err != nil {
			_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32000, err.Error()))
			return
		}
		_ = json.NewEncoder(w).Encode(rpcOK(req.ID, callResultToWire(result)))
	default:
		_ = json.NewEncoder(w).Encode(rpcError(req.ID, -32601, "Method not found: "+req.Method))
	}
}

func (s *Server) buildInitializeResult(ctx context.Context, rc middleware.ReqContext) map[string]any {
	tools, err := s.listHandler(ctx, rc)
	if err != nil {
		tools = nil
	}
	capabilities := map[string]any{}
	if len(tools) > 0 {
		capabilities["tools"] = map[string]any{"listChanged": false}
	}
	return map[string]any{
		"protocolVersion": "2024-11-05",
		"serverInfo":      map[string]any{"name": s.serverName, "version": s.serverVersion},
		"capabilities":    capabilities,
		"tools":           toolsToWire(tools),
	}
}

func toolsToWire(tools []middleware.ToolDescriptor) []map[string]any {
	out := make([]map[string]any, 0, len(tools))
	for _, t := range tools {
		entry := map[string]any{"name": t.Name}
		if t.Title != "" {
			entry["title"] = t.Title
		}
		if t.Description != "" {
			entry["description"] = t.Description
		}
		if len(t.InputSchema) > 0 {
			var schema any
			if err := json.Unmarshal(t.InputSchema, &schema); err == nil {
				entry["inputSchema"] = schema
			}
		}
		if len(t.Annotations) > 0 {
			entry["annotations"] = t.Annotations
		}
		out = append(out, entry)
	}
	return out
}

func callResultToWire(res middleware.CallResult) map[string]any {
	content := make([]map[string]any, 0, len(res.Content))
	for _, c := range res.Content {
		content = append(content, map[string]any{"type": c.Type, "text": c.Text})
	}
	return map[string]any{"content": content, "isError": res.IsError}
}
