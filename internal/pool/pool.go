// Package pool implements the Upstream Connection Pool (spec §4.8, C8): a
// reference-counted McpServerPool of per-server clients, and a
// MetaMcpServerPool of composed per-namespace sessions with one idle slot
// and zero or more active sessions keyed by downstream sessionId.
//
// Grounded on the teacher's http.go startHTTPServer server-bootstrap loop
// (errgroup.Go per server, atomic "ready" gate, PanicIfInvalid tolerance),
// generalized from "connect every server once at startup" to "connect/
// reconnect on demand with refcounts and bounded backoff".
package pool

import (
	"context"
	"fmt"
	"log"
	"math"
	"sync"
	"time"

	"github.com/mark3labs/mcp-go/mcp"
	"golang.org/x/sync/errgroup"

	"github.com/metamcp/metamcp-core/internal/errs"
	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/upstream"
)

const (
	connectMaxRetries  = 3
	connectBaseBackoff = 200 * time.Millisecond
)

// Connector abstracts upstream.Connect so tests can substitute a fake
// client without a real transport.
type Connector func(ctx context.Context, server *model.McpServer, implementation mcp.Implementation) (upstream.Client, error)

type serverEntry struct {
	mu       sync.Mutex
	client   upstream.Client
	refCount int
	server   *model.McpServer
}

// McpServerPool holds one connected client per server_uuid, reference-
// counted across namespaces (§4.8).
type McpServerPool struct {
	connect        Connector
	implementation mcp.Implementation

	mu      sync.Mutex
	servers map[string]*serverEntry
}

func NewMcpServerPool(connect Connector, implementation mcp.Implementation) *McpServerPool {
	return &McpServerPool{connect: connect, implementation: implementation, servers: make(map[string]*serverEntry)}
}

// Acquire returns the shared client for server, connecting it on first use
// with bounded exponential backoff, and a release func the caller must call
// exactly once when done. The pool never retries on call_tool paths — only
// the initial connect (§4.8 failure model).
func (p *McpServerPool) Acquire(ctx context.Context, server *model.McpServer) (upstream.Client, func(), error) {
	p.mu.Lock()
	entry, ok := p.servers[server.UUID]
	if !ok {
		entry = &serverEntry{server: server}
		p.servers[server.UUID] = entry
	}
	p.mu.Unlock()

	entry.mu.Lock()
	defer entry.mu.Unlock()

	if entry.client == nil {
		client, err := connectWithBackoff(ctx, p.connect, server, p.implementation)
		if err != nil {
			return nil, nil, err
		}
		entry.client = client
	}
	entry.refCount++
	client := entry.client

	release := func() {
		entry.mu.Lock()
		defer entry.mu.Unlock()
		entry.refCount--
	}
	return client, release, nil
}

// Invalidate tears down the shared client for server once its refcount has
// reached zero; if still referenced, it marks nothing (callers invalidating
// a namespace are expected to have already released their own reference).
func (p *McpServerPool) Invalidate(serverUUID string) {
	p.mu.Lock()
	entry, ok := p.servers[serverUUID]
	p.mu.Unlock()
	if !ok {
		return
	}
	entry.mu.Lock()
	defer entry.mu.Unlock()
	if entry.refCount > 0 || entry.client == nil {
		return
	}
	_ = entry.client.Close()
	entry.client = nil
}

func connectWithBackoff(ctx context.Context, connect Connector, server *model.McpServer, implementation mcp.Implementation) (upstream.Client, error) {
	var lastErr error
	for attempt := 0; attempt < connectMaxRetries; attempt++ {
		client, err := connect(ctx, server, implementation)
		if err == nil {
			return client, nil
		}
		lastErr = err
		if !errs.Is(err, errs.UpstreamTransient) {
			return nil, err
		}
		backoff := time.Duration(math.Pow(2, float64(attempt))) * connectBaseBackoff
		select {
		case <-time.After(backoff):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}
	return nil, lastErr
}

// namespaceSession is one composed namespace session: one upstream client
// handle per member server, plus the release funcs owed back to
// McpServerPool.
type namespaceSession struct {
	namespaceUUID string
	clients       map[string]upstream.Client // serverName -> client
	releases      []func()
	stale         bool
}

func (s *namespaceSession) close() {
	for _, release := range s.releases {
		release()
	}
}

// MetaMcpServerPool holds one idle composed session per namespace_uuid plus
// zero or more active sessions keyed by downstream sessionId (§4.8).
type MetaMcpServerPool struct {
	servers        *McpServerPool
	implementation mcp.Implementation

	mu              sync.Mutex
	namespaceLocks  map[string]*sync.Mutex
	idle            map[string]*namespaceSession
	active          map[string]*namespaceSession // sessionId -> session
	activeNamespace map[string]string            // sessionId -> namespaceUUID
}

func NewMetaMcpServerPool(servers *McpServerPool, implementation mcp.Implementation) *MetaMcpServerPool {
	return &MetaMcpServerPool{
		servers:         servers,
		implementation:  implementation,
		namespaceLocks:  make(map[string]*sync.Mutex),
		idle:            make(map[string]*namespaceSession),
		active:          make(map[string]*namespaceSession),
		activeNamespace: make(map[string]string),
	}
}

func (p *MetaMcpServerPool) lockFor(namespaceUUID string) *sync.Mutex {
	p.mu.Lock()
	defer p.mu.Unlock()
	l, ok := p.namespaceLocks[namespaceUUID]
	if !ok {
		l = &sync.Mutex{}
		p.namespaceLocks[namespaceUUID] = l
	}
	return l
}

func (p *MetaMcpServerPool) buildSession(ctx context.Context, namespaceUUID string, members []*model.McpServer) (*namespaceSession, error) {
	session := &namespaceSession{namespaceUUID: namespaceUUID, clients: make(map[string]upstream.Client, len(members))}

	var eg errgroup.Group
	var mu sync.Mutex
	for _, server := range members {
		server := server
		eg.Go(func() error {
			client, release, err := p.servers.Acquire(ctx, server)
			if err != nil {
				return fmt.Errorf("acquire server %s: %w", server.Name, err)
			}
			mu.Lock()
			session.clients[server.Name] = client
			session.releases = append(session.releases, release)
			mu.Unlock()
			return nil
		})
	}
	if err := eg.Wait(); err != nil {
		session.close()
		return nil, err
	}
	return session, nil
}

// EnsureIdleServerForNewNamespace builds the idle slot if missing; connect
// errors are logged, never propagated to the control-plane caller (§4.8).
func (p *MetaMcpServerPool) EnsureIdleServerForNewNamespace(ctx context.Context, namespaceUUID string, members []*model.McpServer) {
	lock := p.lockFor(namespaceUUID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	_, exists := p.idle[namespaceUUID]
	p.mu.Unlock()
	if exists {
		return
	}

	session, err := p.buildSession(ctx, namespaceUUID, members)
	if err != nil {
		log.Printf("<pool> failed to build idle session for namespace=%s: %v", namespaceUUID, err)
		return
	}
	p.mu.Lock()
	p.idle[namespaceUUID] = session
	p.mu.Unlock()
}

// InvalidateIdleServer tears down the idle slot; the next attach rebuilds
// it. Never races with in-flight call_tools because the idle slot is only
// consumed under the per-namespace lock (§4.8 invariant).
func (p *MetaMcpServerPool) InvalidateIdleServer(namespaceUUID string) {
	lock := p.lockFor(namespaceUUID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	session, ok := p.idle[namespaceUUID]
	delete(p.idle, namespaceUUID)
	p.mu.Unlock()
	if ok {
		session.close()
	}
}

// InvalidateOpenApiSessions invalidates derived protocol-specific active
// sessions for the given namespaces, deferring upstream teardown until each
// session's in-flight work finishes (§4.8: "active entries are never
// invalidated mid-flight").
func (p *MetaMcpServerPool) InvalidateOpenApiSessions(namespaceUUIDs []string) {
	want := make(map[string]bool, len(namespaceUUIDs))
	for _, n := range namespaceUUIDs {
		want[n] = true
	}
	p.mu.Lock()
	defer p.mu.Unlock()
	for sessionID, ns := range p.activeNamespace {
		if !want[ns] {
			continue
		}
		if session, ok := p.active[sessionID]; ok {
			session.stale = true
		}
	}
}

// CleanupIdleServer tears down the idle slot on namespace deletion.
func (p *MetaMcpServerPool) CleanupIdleServer(namespaceUUID string) {
	p.InvalidateIdleServer(namespaceUUID)
	p.mu.Lock()
	delete(p.namespaceLocks, namespaceUUID)
	p.mu.Unlock()
}

// Attach consumes the idle slot (building one on demand if absent) into an
// active session keyed by sessionID.
func (p *MetaMcpServerPool) Attach(ctx context.Context, namespaceUUID, sessionID string, members []*model.McpServer) (map[string]upstream.Client, error) {
	lock := p.lockFor(namespaceUUID)
	lock.Lock()
	defer lock.Unlock()

	p.mu.Lock()
	session, ok := p.idle[namespaceUUID]
	if ok {
		delete(p.idle, namespaceUUID)
	}
	p.mu.Unlock()

	if !ok || session.stale {
		if session != nil {
			session.close()
		}
		var err error
		session, err = p.buildSession(ctx, namespaceUUID, members)
		if err != nil {
			return nil, err
		}
	}

	p.mu.Lock()
	p.active[sessionID] = session
	p.activeNamespace[sessionID] = namespaceUUID
	p.mu.Unlock()

	return session.clients, nil
}

// Lookup returns the already-attached composed session for a live
// downstream sessionID, without consuming the idle slot or building a new
// session. Callers that dispatch tools/list or tools/call for a session
// httpapi already attached (§4.8) must use this instead of re-Attach-ing.
func (p *MetaMcpServerPool) Lookup(sessionID string) (map[string]upstream.Client, bool) {
	p.mu.Lock()
	defer p.mu.Unlock()
	session, ok := p.active[sessionID]
	if !ok {
		return nil, false
	}
	return session.clients, true
}

// Detach releases an active session's upstream references when its
// downstream session disconnects.
func (p *MetaMcpServerPool) Detach(sessionID string) {
	p.mu.Lock()
	session, ok := p.active[sessionID]
	delete(p.active, sessionID)
	delete(p.activeNamespace, sessionID)
	p.mu.Unlock()
	if ok {
		session.close()
	}
}

// Status is getPoolStatus()'s result (§4.8).
type Status struct {
	Idle               int
	Active             int
	ActiveSessionIDs   []string
	IdleNamespaceUUIDs []string
}

func (p *MetaMcpServerPool) GetPoolStatus() Status {
	p.mu.Lock()
	defer p.mu.Unlock()

	status := Status{Idle: len(p.idle), Active: len(p.active)}
	for ns := range p.idle {
		status.IdleNamespaceUUIDs = append(status.IdleNamespaceUUIDs, ns)
	}
	for sessionID := range p.active {
		status.ActiveSessionIDs = append(status.ActiveSessionIDs, sessionID)
	}
	return status
}
