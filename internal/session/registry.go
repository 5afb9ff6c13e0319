// Package session implements the Live Session Registry (spec §4.1, C1):
// per-endpoint, per-transport counts of currently attached downstream
// clients.
package session

import (
	"log"
	"sort"
	"sync"

	"github.com/metamcp/metamcp-core/internal/model"
)

// RemoveHook is invoked, best-effort, after a session is removed from the
// registry. Used to wire in the per-session cleanup resolving spec §9 OQ1
// (smart-discovery exposed-set cleanup on disconnect) without the registry
// depending on smartdiscovery directly.
type RemoveHook func(sess model.LiveSession)

type endpointCounts struct {
	sse            int
	streamableHTTP int
}

func (e *endpointCounts) total() int { return e.sse + e.streamableHTTP }

// Registry is the process-wide C1 singleton, re-expressed per §9 as an
// explicit object a test can construct fresh.
type Registry struct {
	mu       sync.Mutex
	sessions map[string]model.LiveSession
	byEP     map[string]*endpointCounts
	hooks    []RemoveHook
}

func New() *Registry {
	return &Registry{
		sessions: make(map[string]model.LiveSession),
		byEP:     make(map[string]*endpointCounts),
	}
}

// OnRemove registers a cleanup hook run after Remove actually removes a
// session (never on a no-op remove of an absent id).
func (r *Registry) OnRemove(h RemoveHook) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.hooks = append(r.hooks, h)
}

// Add is idempotent: re-adding an existing session_id is a no-op with a
// warning, never a second counter increment.
func (r *Registry) Add(sessionID, endpoint, namespaceUUID string, transport model.LiveTransport) {
	r.mu.Lock()
	defer r.mu.Unlock()

	if _, exists := r.sessions[sessionID]; exists {
		log.Printf("<session> add: session %s already registered, ignoring", sessionID)
		return
	}

	r.sessions[sessionID] = model.LiveSession{
		SessionID:     sessionID,
		EndpointName:  endpoint,
		NamespaceUUID: namespaceUUID,
		Transport:     transport,
	}

	counts, ok := r.byEP[endpoint]
	if !ok {
		counts = &endpointCounts{}
		r.byEP[endpoint] = counts
	}
	switch transport {
	case model.LiveTransportSSE:
		counts.sse++
	case model.LiveTransportStreamableHTTP:
		counts.streamableHTTP++
	}
}

// Remove is idempotent: removing an absent id is ignored. Counters never go
// negative; an endpoint whose count drops to zero is deleted entirely.
func (r *Registry) Remove(sessionID string) {
	r.mu.Lock()
	sess, exists := r.sessions[sessionID]
	if !exists {
		r.mu.Unlock()
		return
	}
	delete(r.sessions, sessionID)

	if counts, ok := r.byEP[sess.EndpointName]; ok {
		switch sess.Transport {
		case model.LiveTransportSSE:
			if counts.sse > 0 {
				counts.sse--
			}
		case model.LiveTransportStreamableHTTP:
			if counts.streamableHTTP > 0 {
				counts.streamableHTTP--
			}
		}
		if counts.total() == 0 {
			delete(r.byEP, sess.EndpointName)
		}
	}
	hooks := append([]RemoveHook(nil), r.hooks...)
	r.mu.Unlock()

	for _, h := range hooks {
		h(sess)
	}
}

// Get returns the session for sessionID, if attached.
func (r *Registry) Get(sessionID string) (model.LiveSession, bool) {
	r.mu.Lock()
	defer r.mu.Unlock()
	s, ok := r.sessions[sessionID]
	return s, ok
}

// EndpointStat is one row of Stats().byEndpoint, sorted by count desc.
type EndpointStat struct {
	Endpoint       string
	Total          int
	SSE            int
	StreamableHTTP int
}

// Stats is the §4.1 stats() contract.
type Stats struct {
	Total          int
	SSE            int
	StreamableHTTP int
	ByEndpoint     []EndpointStat
}

func (r *Registry) Stats() Stats {
	r.mu.Lock()
	defer r.mu.Unlock()

	stats := Stats{ByEndpoint: make([]EndpointStat, 0, len(r.byEP))}
	for ep, counts := range r.byEP {
		stats.SSE += counts.sse
		stats.StreamableHTTP += counts.streamableHTTP
		stats.ByEndpoint = append(stats.ByEndpoint, EndpointStat{
			Endpoint:       ep,
			Total:          counts.total(),
			SSE:            counts.sse,
			StreamableHTTP: counts.streamableHTTP,
		})
	}
	stats.Total = stats.SSE + stats.StreamableHTTP

	sort.Slice(stats.ByEndpoint, func(i, j int) bool {
		if stats.ByEndpoint[i].Total != stats.ByEndpoint[j].Total {
			return stats.ByEndpoint[i].Total > stats.ByEndpoint[j].Total
		}
		return stats.ByEndpoint[i].Endpoint < stats.ByEndpoint[j].Endpoint
	})
	return stats
}
