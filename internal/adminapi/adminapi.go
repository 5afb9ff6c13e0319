// Package adminapi is the control-plane-facing trigger surface (spec §6:
// "update server/tool status; update tool overrides; refresh tools. Every
// mutating operation is the trigger for the invalidations listed in §4").
// The control plane owns namespace/agent/document CRUD and the relational
// store directly; this package exposes only the handful of operations that
// must run inside the core process because they touch in-memory state or a
// shared component the control plane cannot reach on its own: refreshTools
// itself, the bare invalidation trigger for status/override edits that
// don't also refresh tools, and the agent-document budget check, which has
// to run wherever the Token Counter (C2) lives.
//
// Grounded on the teacher's http.go infra helpers (newAuthMiddleware,
// recoverMiddleware) reused verbatim in shape, bound to a
// second mux served alongside internal/httpapi's downstream-facing one.
package adminapi

import (
	"encoding/json"
	"log"
	"net/http"
	"strings"

	"github.com/metamcp/metamcp-core/internal/aggregator"
	"github.com/metamcp/metamcp-core/internal/errs"
	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/overrides"
	"github.com/metamcp/metamcp-core/internal/pool"
	"github.com/metamcp/metamcp-core/internal/ports"
	"github.com/metamcp/metamcp-core/internal/session"
	"github.com/metamcp/metamcp-core/internal/tokencount"
)

// InvalidationHook lets the daemon entrypoint fan an invalidation out to
// whatever else is keyed by namespace (derived smart-discovery state,
// open-api sessions) without adminapi importing those packages directly.
type InvalidationHook func(namespaceUUID string)

// Server is the admin surface the control plane calls after it mutates
// namespaces, server/tool status, or tool overrides.
type Server struct {
	store        ports.Store
	refresh      *aggregator.Aggregator
	overrides    *overrides.Cache
	pool         *pool.MetaMcpServerPool
	sessions     *session.Registry
	installer    ports.PackageInstaller // nil unless METAMCP_ENABLE_PACKAGE_INSTALL is set
	tokenCounter *tokencount.Counter
	onInvalid    InvalidationHook
	tokens       map[string]struct{}
}

// New builds the admin surface. tokens, if non-empty, restricts callers to
// bearer tokens in the set (mirrors the teacher's newAuthMiddleware; an
// empty set means no auth, for local/dev use only). installer may be nil;
// handlePackageInstall then reports the helper as disabled without reaching
// into internal/installer's own env-flag gate. tokenCounter is the shared
// C2 instance also bound into askagent.New, so the document-upload budget
// check and the Ask-Agent prompt-size pre-check count tokens the same way.
func New(store ports.Store, refresh *aggregator.Aggregator, overridesCache *overrides.Cache, metaPool *pool.MetaMcpServerPool, sessions *session.Registry, installer ports.PackageInstaller, tokenCounter *tokencount.Counter, onInvalid InvalidationHook, tokens []string) *Server {
	tokenSet := make(map[string]struct{}, len(tokens))
	for _, t := range tokens {
		tokenSet[t] = struct{}{}
	}
	return &Server{store: store, refresh: refresh, overrides: overridesCache, pool: metaPool, sessions: sessions, installer: installer, tokenCounter: tokenCounter, onInvalid: onInvalid, tokens: tokenSet}
}

// Mux builds the admin routing table, served on a separate listener/port
// from internal/httpapi's downstream-facing mux so the control-plane
// surface is never reachable from outside the trusted network path.
func (s *Server) Mux() *http.ServeMux {
	mux := http.NewServeMux()
	mux.HandleFunc("/admin/namespaces/", s.recoverMiddleware(s.authMiddleware(s.route)))
	mux.HandleFunc("/admin/agents/", s.recoverMiddleware(s.authMiddleware(s.handleAgentDocuments)))
	mux.HandleFunc("/admin/status", s.recoverMiddleware(s.authMiddleware(s.handleStatus)))
	mux.HandleFunc("/admin/package-install", s.recoverMiddleware(s.authMiddleware(s.handlePackageInstall)))
	return mux
}

// handleStatus reports the pool's idle/active counts and the live-session
// registry's per-endpoint breakdown, for the metamcpd status CLI command.
func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodGet {
		w.Header().Set("Allow", "GET")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	poolStatus := s.pool.GetPoolStatus()
	sessionStats := s.sessions.Stats()

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"pool": map[string]any{
			"idle":               poolStatus.Idle,
			"active":             poolStatus.Active,
			"idleNamespaceUUIDs": poolStatus.IdleNamespaceUUIDs,
			"activeSessionIDs":   poolStatus.ActiveSessionIDs,
		},
		"sessions": map[string]any{
			"total":          sessionStats.Total,
			"sse":            sessionStats.SSE,
			"streamableHTTP": sessionStats.StreamableHTTP,
			"byEndpoint":     sessionStats.ByEndpoint,
		},
	})
}

func (s *Server) recoverMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		defer func() {
			if err := recover(); err != nil {
				log.Printf("<adminapi> panic serving %s: %v", r.URL.Path, err)
				http.Error(w, "Internal Server Error", http.StatusInternalServerError)
			}
		}()
		next(w, r)
	}
}

func (s *Server) authMiddleware(next http.HandlerFunc) http.HandlerFunc {
	return func(w http.ResponseWriter, r *http.Request) {
		if len(s.tokens) != 0 {
			token := strings.TrimSpace(strings.TrimPrefix(r.Header.Get("Authorization"), "Bearer "))
			if token == "" {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
			if _, ok := s.tokens[token]; !ok {
				http.Error(w, "Unauthorized", http.StatusUnauthorized)
				return
			}
		}
		next(w, r)
	}
}

// route dispatches "/admin/namespaces/{uuid}/refresh-tools" and
// "/admin/namespaces/{uuid}/invalidate", both POST-only.
func (s *Server) route(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/admin/namespaces/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) != 2 || segments[0] == "" {
		http.NotFound(w, r)
		return
	}
	namespaceUUID, action := segments[0], segments[1]

	switch action {
	case "refresh-tools":
		s.handleRefreshTools(w, r, namespaceUUID)
	case "invalidate":
		s.handleInvalidate(w, r, namespaceUUID)
	default:
		http.NotFound(w, r)
	}
}

type refreshToolsRequest struct {
	Entries []refreshToolEntry `json:"entries"`
}

type refreshToolEntry struct {
	Name        string          `json:"name"`
	Description string          `json:"description,omitempty"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
}

// handleRefreshTools runs §4.9's refreshTools for one namespace (bound to
// the control plane's "refresh tools" operation) and reports the created
// counts.
func (s *Server) handleRefreshTools(w http.ResponseWriter, r *http.Request, namespaceUUID string) {
	var req refreshToolsRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	entries := make([]aggregator.RefreshEntry, 0, len(req.Entries))
	for _, e := range req.Entries {
		entries = append(entries, aggregator.RefreshEntry{Name: e.Name, Description: e.Description, InputSchema: e.InputSchema})
	}

	result, err := s.refresh.RefreshTools(r.Context(), namespaceUUID, entries)
	if err != nil {
		log.Printf("<adminapi> refresh-tools namespace=%s failed: %v", namespaceUUID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"toolsCreated":    result.ToolsCreated,
		"mappingsCreated": result.MappingsCreated,
	})
}

type packageInstallRequest struct {
	Manager     string  `json:"manager"`
	PackageName string  `json:"packageName"`
	UserID      *string `json:"userId,omitempty"`
}

// handlePackageInstall runs the optional local-package-install helper
// (§6's "Package-install helper"), triggered by the control plane rather
// than any downstream session. Reports 501 if no installer was wired in.
func (s *Server) handlePackageInstall(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}
	if s.installer == nil {
		http.Error(w, "package install helper is not enabled", http.StatusNotImplemented)
		return
	}

	var req packageInstallRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	output, err := s.installer.Install(r.Context(), req.Manager, req.PackageName, req.UserID)
	if err != nil {
		log.Printf("<adminapi> package-install manager=%s package=%s failed: %v", req.Manager, req.PackageName, err)
		_ = json.NewEncoder(w).Encode(map[string]any{"output": output, "error": err.Error()})
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{"output": output})
}

type agentDocumentRequest struct {
	Filename string `json:"filename"`
	MIME     string `json:"mime,omitempty"`
	Content  string `json:"content"`
}

// handleAgentDocuments runs C2's second responsibility (§4.2): counting a
// new RAG document's tokens with the same tokencount.Counter the Ask-Agent
// prompt-size check uses, and rejecting with BudgetExceeded before the
// document is ever inserted if the agent's summed document token_count
// would exceed model.DocumentTokenBudget (§3, §8). Bound to
// "/admin/agents/{uuid}/documents" since document CRUD otherwise lives
// entirely in the control plane; this one insert has to run here because
// only the core process holds the shared Counter.
func (s *Server) handleAgentDocuments(w http.ResponseWriter, r *http.Request) {
	if r.Method != http.MethodPost {
		w.Header().Set("Allow", "POST")
		http.Error(w, "Method Not Allowed", http.StatusMethodNotAllowed)
		return
	}

	rest := strings.TrimPrefix(r.URL.Path, "/admin/agents/")
	segments := strings.Split(strings.Trim(rest, "/"), "/")
	if len(segments) != 2 || segments[0] == "" || segments[1] != "documents" {
		http.NotFound(w, r)
		return
	}
	agentUUID := segments[0]

	var req agentDocumentRequest
	if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
		http.Error(w, "Bad Request", http.StatusBadRequest)
		return
	}

	ctx := r.Context()
	agent, err := s.store.GetAgent(ctx, agentUUID)
	if err != nil {
		log.Printf("<adminapi> agent-documents agent=%s lookup failed: %v", agentUUID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}
	if agent == nil {
		http.Error(w, "Not Found", http.StatusNotFound)
		return
	}

	existing, err := s.store.SumAgentDocumentTokens(ctx, agentUUID)
	if err != nil {
		log.Printf("<adminapi> agent-documents agent=%s token sum failed: %v", agentUUID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	tokenCount := s.tokenCounter.Count(agent.Model, req.Content)
	if existing+tokenCount > model.DocumentTokenBudget {
		budgetErr := errs.New(errs.BudgetExceeded, "document would push the agent's document token budget over the limit")
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(http.StatusConflict)
		_ = json.NewEncoder(w).Encode(map[string]any{
			"error":          budgetErr.Error(),
			"existingTokens": existing,
			"documentTokens": tokenCount,
			"budget":         model.DocumentTokenBudget,
		})
		return
	}

	doc := model.NamespaceAgentDocument{
		AgentUUID:  agentUUID,
		Filename:   req.Filename,
		MIME:       req.MIME,
		Content:    req.Content,
		TokenCount: tokenCount,
	}
	if err := s.store.InsertAgentDocument(ctx, doc); err != nil {
		log.Printf("<adminapi> agent-documents agent=%s insert failed: %v", agentUUID, err)
		http.Error(w, err.Error(), http.StatusInternalServerError)
		return
	}

	w.Header().Set("Content-Type", "application/json")
	_ = json.NewEncoder(w).Encode(map[string]any{
		"tokenCount":  tokenCount,
		"totalTokens": existing + tokenCount,
	})
}

// handleInvalidate is the bare trigger for "update server/tool status" and
// "update tool overrides": no tool list to ingest, just drop the cached
// override set and idle pool slot so the next attach/list_tools rebuilds
// from the control plane's already-committed state (§4: "invalidations
// ordered after a control-plane mutation are observed by the next attach or
// the next list_tools call").
func (s *Server) handleInvalidate(w http.ResponseWriter, r *http.Request, namespaceUUID string) {
	s.overrides.Invalidate(namespaceUUID)
	s.pool.InvalidateIdleServer(namespaceUUID)
	if s.onInvalid != nil {
		s.onInvalid(namespaceUUID)
	}
	w.WriteHeader(http.StatusNoContent)
}
