// Package smartdiscovery implements Smart Discovery (spec §4.6, C6): when a
// namespace has it enabled, downstream clients see two synthetic tools
// (metamcp__find, metamcp__ask) and a per-session exposed set instead of the
// full merged registry, until find/ask grow that set.
//
// Grounded on the teacher's tool_overrides.go for the override-aware
// tools/list shape and on http.go's session bookkeeping for per-session
// state; the 5s status TTL and coarse GC follow the teacher's in-memory
// cache patterns re-expressed as an owned struct per spec §9.
package smartdiscovery

import (
	"context"
	"encoding/json"
	"strings"
	"sync"
	"time"

	"github.com/metamcp/metamcp-core/internal/discovery"
	"github.com/metamcp/metamcp-core/internal/ports"
)

const (
	// ToolFind is the synthetic semantic-search tool.
	ToolFind = "metamcp__find"
	// ToolAsk is the synthetic agent-orchestration tool.
	ToolAsk = "metamcp__ask"

	statusTTL      = 5 * time.Second
	gcHighWaterMark = 1000
	gcInterval      = time.Hour
)

func isSynthetic(name string) bool {
	return name == ToolFind || name == ToolAsk
}

// AskRequest is what the metamcp__ask handler hands to the Ask-Agent
// orchestrator (C7).
type AskRequest struct {
	NamespaceUUID       string
	SessionID           string
	NamespaceDescription string
	Query               string
	MaxToolCalls        int
	ExposeLimit         int
}

// AskResult is C7's report, rendered verbatim as the metamcp__ask response.
type AskResult struct {
	Answer            string         `json:"answer"`
	ToolCallsExecuted []any          `json:"toolCallsExecuted"`
	SuggestedTools    []string       `json:"suggestedTools,omitempty"`
	ExposedTools      []string       `json:"exposedTools,omitempty"`
	Followups         []string       `json:"followups,omitempty"`
	Usage             map[string]any `json:"usage,omitempty"`
	TokenUsage        map[string]any `json:"tokenUsage,omitempty"`
}

// AskExecutor is C7's contract as seen from C6; the concrete orchestrator is
// wired in by the caller (cmd/metamcpd), keeping this package free of any
// dependency on askagent.
type AskExecutor interface {
	Ask(ctx context.Context, req AskRequest) (AskResult, error)
}

// ExposeSetter is the hook the Ask-Agent orchestrator (C7) calls to replace
// a session's exposed set once its report names tools to surface (§4.7 step
// 6). *Engine satisfies this directly.
type ExposeSetter interface {
	SetExposed(sessionID, namespaceUUID string, names []string)
}

type statusEntry struct {
	enabled    bool
	desc       string
	pinned     []string
	expiresAt  time.Time
}

type sessionKey struct {
	sessionID     string
	namespaceUUID string
}

// Engine is the C6 singleton, re-expressed per §9 as an explicit object
// constructed once by cmd/metamcpd and shared across namespaces.
type Engine struct {
	store ports.Store
	index *discovery.Index
	ask   AskExecutor

	statusMu sync.Mutex
	status   map[string]statusEntry

	exposedMu  sync.Mutex
	exposed    map[sessionKey][]string
	lastGC     time.Time
}

func New(store ports.Store, index *discovery.Index, ask AskExecutor) *Engine {
	return &Engine{
		store:   store,
		index:   index,
		ask:     ask,
		status:  make(map[string]statusEntry),
		exposed: make(map[sessionKey][]string),
		lastGC:  time.Unix(0, 0),
	}
}

// SetAskExecutor binds the Ask-Agent orchestrator after construction, for
// the one case New's ask parameter can't take it directly: the orchestrator
// itself needs this Engine as its ExposeSetter, so cmd/metamcpd constructs
// Engine with ask=nil, builds the orchestrator against it, then calls this
// once before serving any request. handleAsk's nil check keeps metamcp__ask
// calls safe if a caller skips this step entirely.
func (e *Engine) SetAskExecutor(ask AskExecutor) {
	e.ask = ask
}

// OnSessionRemoved is wired to session.Registry.OnRemove so a disconnecting
// downstream session's exposed-set entries are dropped immediately rather
// than waiting for coarse GC (§4.6, resolving §9 open question on disconnect
// cleanup).
func (e *Engine) OnSessionRemoved(sessionID string) {
	e.exposedMu.Lock()
	defer e.exposedMu.Unlock()
	for k := range e.exposed {
		if k.sessionID == sessionID {
			delete(e.exposed, k)
		}
	}
}

func (e *Engine) namespaceStatus(ctx context.Context, namespaceUUID string) (statusEntry, error) {
	e.statusMu.Lock()
	if s, ok := e.status[namespaceUUID]; ok && time.Now().Before(s.expiresAt) {
		e.statusMu.Unlock()
		return s, nil
	}
	e.statusMu.Unlock()

	ns, err := e.store.GetNamespace(ctx, namespaceUUID)
	if err != nil {
		return statusEntry{}, err
	}
	s := statusEntry{
		enabled:   ns.SmartDiscoveryEnabled,
		desc:      ns.SmartDiscoveryDesc,
		pinned:    append([]string(nil), ns.PinnedTools...),
		expiresAt: time.Now().Add(statusTTL),
	}
	e.statusMu.Lock()
	e.status[namespaceUUID] = s
	e.statusMu.Unlock()
	return s, nil
}

// Enabled reports whether smart discovery is active for a namespace, using
// the 5s TTL cache.
func (e *Engine) Enabled(ctx context.Context, namespaceUUID string) (bool, error) {
	s, err := e.namespaceStatus(ctx, namespaceUUID)
	if err != nil {
		return false, err
	}
	return s.enabled, nil
}

// InvalidateStatus forces the next Enabled/namespaceStatus call to re-read
// from the store, used when a namespace's smart_discovery_enabled flag
// changes.
func (e *Engine) InvalidateStatus(namespaceUUID string) {
	e.statusMu.Lock()
	defer e.statusMu.Unlock()
	delete(e.status, namespaceUUID)
}

// ExposedSet returns this session's current exposed tool names: synthetic
// tools first, then pinned, then previously discovered, de-duplicated by
// name (§4.6 step 3).
func (e *Engine) ExposedSet(sessionID, namespaceUUID string, pinned []string) []string {
	e.exposedMu.Lock()
	discovered := e.exposed[sessionKey{sessionID, namespaceUUID}]
	e.exposedMu.Unlock()

	seen := make(map[string]bool)
	var out []string
	add := func(name string) {
		if name == "" || seen[name] {
			return
		}
		seen[name] = true
		out = append(out, name)
	}
	add(ToolFind)
	add(ToolAsk)
	for _, p := range pinned {
		add(p)
	}
	for _, d := range discovered {
		add(d)
	}
	return out
}

// SetExposed replaces (never unions) a session's discovered-tool set. This
// is the hook both metamcp__find and the Ask-Agent orchestrator (C7) call
// into (§5: "Smart-Discovery setTools for a session is a replace").
func (e *Engine) SetExposed(sessionID, namespaceUUID string, names []string) {
	e.exposedMu.Lock()
	defer e.exposedMu.Unlock()
	e.exposed[sessionKey{sessionID, namespaceUUID}] = append([]string(nil), names...)
	e.maybeGCLocked()
}

// maybeGCLocked drops the entire exposed-set table when it has grown past
// the high-water mark and an hour has elapsed since the last GC (§4.6:
// "coarse GC"). Caller must hold exposedMu.
func (e *Engine) maybeGCLocked() {
	if len(e.exposed) <= gcHighWaterMark {
		return
	}
	if time.Since(e.lastGC) < gcInterval {
		return
	}
	e.exposed = make(map[sessionKey][]string)
	e.lastGC = time.Now()
}

// Count reports how many (session,namespace) entries are currently tracked,
// for observability.
func (e *Engine) Count() int {
	e.exposedMu.Lock()
	defer e.exposedMu.Unlock()
	return len(e.exposed)
}

// FindResult is what metamcp__find reports back.
type FindResult struct {
	Message string           `json:"message"`
	Query   string           `json:"query"`
	Tools   []FindResultTool `json:"tools"`
	Usage   map[string]any   `json:"usage,omitempty"`
}

// FindResultTool is one entry of FindResult.Tools.
type FindResultTool struct {
	Name           string          `json:"name"`
	Description    string          `json:"description"`
	Arguments      json.RawMessage `json:"arguments,omitempty"`
	RelevanceScore float64         `json:"relevanceScore"`
}

// Find runs C3 search scoped to a namespace, clamps limit to [1,20], and
// replaces (not appends to) the session's exposed set with the hit names
// (§4.6).
func (e *Engine) Find(ctx context.Context, namespaceUUID, sessionID, query string, limit int) (FindResult, error) {
	if limit <= 0 {
		limit = discovery.DefaultSearchLimit
	}
	if limit > discovery.MaxSearchLimit {
		limit = discovery.MaxSearchLimit
	}

	hits, err := e.index.Search(ctx, namespaceUUID, query, limit)
	if err != nil {
		return FindResult{}, err
	}

	names := make([]string, 0, len(hits))
	tools := make([]FindResultTool, 0, len(hits))
	for _, h := range hits {
		names = append(names, h.FullName)
		tools = append(tools, FindResultTool{
			Name:           h.FullName,
			Description:    h.Description,
			Arguments:      json.RawMessage(h.InputSchema),
			RelevanceScore: round2(h.Score),
		})
	}
	e.SetExposed(sessionID, namespaceUUID, names)

	return FindResult{
		Message: summarizeFind(len(tools), query),
		Query:   query,
		Tools:   tools,
		Usage:   map[string]any{"indexed": e.index.Count(namespaceUUID), "matched": len(tools)},
	}, nil
}

// indexInBackground converts the canonical tool list (Smart-Discovery is
// innermost on list_tools, so overrides are not yet applied) into
// discovery.ToolRecords
// and launches indexTools (§4.6 step 1: "launch indexTools in the
// background, errors logged, never surfaced").
func (e *Engine) indexInBackground(ctx context.Context, namespaceUUID string, tools []toolRecordLite) {
	records := make([]discovery.ToolRecord, 0, len(tools))
	for _, t := range tools {
		serverName, toolName := splitFullName(t.FullName)
		records = append(records, discovery.ToolRecord{
			FullName:    t.FullName,
			ServerName:  serverName,
			ToolName:    toolName,
			Title:       t.Title,
			Description: t.Description,
			InputSchema: t.InputSchema,
		})
	}
	e.index.IndexTools(ctx, namespaceUUID, records)
}

func splitFullName(fullName string) (serverName, toolName string) {
	if i := strings.Index(fullName, "__"); i >= 0 {
		return fullName[:i], fullName[i+2:]
	}
	return fullName, fullName
}

func summarizeFind(n int, query string) string {
	if n == 0 {
		return "No matching tools found for \"" + query + "\"."
	}
	return "Found matching tools for \"" + query + "\"."
}

func round2(f float64) float64 {
	return float64(int(f*100+0.5)) / 100
}
