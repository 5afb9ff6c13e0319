// Package discovery implements the Discovery Index (spec §4.3, C3): a
// per-namespace in-memory vector index with incremental re-indexing and
// cosine-similarity search.
//
// Grounded on DatanoiseTV-brainmcp's chromem-go usage (vector_backend.go,
// embedder.go): one chromem.Collection per namespace, backed by the
// ports.Embedder adapter bound at cmd/metamcpd. Concurrency control
// (re-entrant indexTools, embedding batch cap) uses golang.org/x/sync's
// singleflight and semaphore, the same module the teacher already depends
// on for errgroup.
package discovery

import (
	"context"
	"fmt"
	"log"
	"sort"
	"sync"

	"github.com/philippgille/chromem-go"
	"golang.org/x/sync/semaphore"
	"golang.org/x/sync/singleflight"

	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/ports"
)

const (
	// DefaultSearchLimit is search()'s default limit (§4.3).
	DefaultSearchLimit = 5
	// MaxSearchLimit is the cap callers must enforce (§4.3: "callers cap at 20").
	MaxSearchLimit = 20
	// DefaultThreshold is search()'s minimum cosine similarity (§4.3).
	DefaultThreshold = 0.3
	// embedBatchSize bounds parallel embedding calls per indexTools run (§4.3).
	embedBatchSize = 5
)

// ToolRecord is the input to indexTools: a tool as currently reported by an
// upstream, already carrying its namespace-scoped full name.
type ToolRecord struct {
	FullName    string // serverName__toolName
	ServerName  string
	ToolName    string // original_name
	Title       string
	Description string
	InputSchema []byte
}

// Hit is one search() result.
type Hit struct {
	FullName    string
	ServerName  string
	OriginalName string
	Description string
	InputSchema []byte
	Score       float64
}

// entry is what the index keeps per tool, independent of chromem's own
// Document shape, so content-hash dedup logic doesn't need to round-trip
// through chromem's metadata encoding.
type entry struct {
	record      ToolRecord
	contentHash string
}

// namespaceIndex is one namespace's chromem collection plus the content
// hashes already indexed.
type namespaceIndex struct {
	mu         sync.RWMutex
	collection *chromem.Collection
	hashes     map[string]string // fullName -> content hash
}

// Index is the process-wide C3 singleton, re-expressed per §9 as an
// explicit object.
type Index struct {
	embedder ports.Embedder
	db       *chromem.DB

	mu         sync.Mutex
	namespaces map[string]*namespaceIndex

	sf  singleflight.Group
	sem *semaphore.Weighted
}

func New(embedder ports.Embedder) *Index {
	return &Index{
		embedder:   embedder,
		db:         chromem.NewDB(),
		namespaces: make(map[string]*namespaceIndex),
		sem:        semaphore.NewWeighted(embedBatchSize),
	}
}

func embeddingText(rec ToolRecord) string {
	title := ""
	if rec.Title != "" {
		title = fmt.Sprintf(" Title: %s.", rec.Title)
	}
	desc := rec.Description
	if desc == "" {
		desc = "No description"
	}
	return fmt.Sprintf("Server: %s. Tool: %s.%s Description: %s", rec.ServerName, rec.ToolName, title, desc)
}

func (idx *Index) embedFunc() chromem.EmbeddingFunc {
	return func(ctx context.Context, text string) ([]float32, error) {
		return idx.embedder.Embed(ctx, text)
	}
}

func (idx *Index) nsIndex(namespaceUUID string) (*namespaceIndex, error) {
	idx.mu.Lock()
	defer idx.mu.Unlock()

	if ns, ok := idx.namespaces[namespaceUUID]; ok {
		return ns, nil
	}
	col, err := idx.db.GetOrCreateCollection(namespaceUUID, nil, idx.embedFunc())
	if err != nil {
		return nil, err
	}
	ns := &namespaceIndex{collection: col, hashes: make(map[string]string)}
	idx.namespaces[namespaceUUID] = ns
	return ns, nil
}

// IndexTools embeds only changed tools (by content hash) and launches
// without blocking the caller — §4.3/§5: "Embedding is non-blocking from
// the caller's perspective." Re-entrant calls for the same namespace share
// one pending operation via singleflight.
func (idx *Index) IndexTools(ctx context.Context, namespaceUUID string, tools []ToolRecord) {
	go func() {
		_, err, _ := idx.sf.Do(namespaceUUID, func() (any, error) {
			return nil, idx.indexToolsSync(context.Background(), namespaceUUID, tools)
		})
		if err != nil {
			log.Printf("<discovery> indexTools namespace=%s failed: %v", namespaceUUID, err)
		}
	}()
}

func (idx *Index) indexToolsSync(ctx context.Context, namespaceUUID string, tools []ToolRecord) error {
	ns, err := idx.nsIndex(namespaceUUID)
	if err != nil {
		return err
	}

	var changed []ToolRecord
	ns.mu.Lock()
	for _, t := range tools {
		h := model.ContentHash(t.ToolName, t.Title, t.Description)
		if existing, ok := ns.hashes[t.FullName]; ok && existing == h {
			continue
		}
		changed = append(changed, t)
	}
	ns.mu.Unlock()

	if len(changed) == 0 {
		return nil
	}

	var wg sync.WaitGroup
	errs := make([]error, len(changed))
	for i, t := range changed {
		if err := idx.sem.Acquire(ctx, 1); err != nil {
			errs[i] = err
			continue
		}
		wg.Add(1)
		go func(i int, t ToolRecord) {
			defer wg.Done()
			defer idx.sem.Release(1)

			emb, err := idx.embedder.Embed(ctx, embeddingText(t))
			if err != nil {
				errs[i] = fmt.Errorf("embed %s: %w", t.FullName, err)
				return
			}
			doc := chromem.Document{
				ID:      t.FullName,
				Content: embeddingText(t),
				Metadata: map[string]string{
					"server_name":   t.ServerName,
					"original_name": t.ToolName,
					"description":   t.Description,
					"input_schema":  string(t.InputSchema),
				},
				Embedding: emb,
			}
			if err := ns.collection.AddDocument(ctx, doc); err != nil {
				errs[i] = fmt.Errorf("add document %s: %w", t.FullName, err)
				return
			}
			ns.mu.Lock()
			ns.hashes[t.FullName] = model.ContentHash(t.ToolName, t.Title, t.Description)
			ns.mu.Unlock()
		}(i, t)
	}
	wg.Wait()

	for _, e := range errs {
		if e != nil {
			log.Printf("<discovery> namespace=%s: %v", namespaceUUID, e)
		}
	}
	return nil
}

// Search embeds query and returns the top-k tools at or above threshold,
// sorted desc by score (§4.3).
func (idx *Index) Search(ctx context.Context, namespaceUUID, query string, limit int) ([]Hit, error) {
	if limit <= 0 {
		limit = DefaultSearchLimit
	}
	if limit > MaxSearchLimit {
		limit = MaxSearchLimit
	}

	ns, err := idx.nsIndex(namespaceUUID)
	if err != nil {
		return nil, err
	}

	queryEmb, err := idx.embedder.Embed(ctx, query)
	if err != nil {
		return nil, fmt.Errorf("embed query: %w", err)
	}

	ns.mu.RLock()
	total := len(ns.hashes)
	ns.mu.RUnlock()
	if total == 0 {
		return nil, nil
	}

	results, err := ns.collection.QueryEmbedding(ctx, queryEmb, total, nil, nil)
	if err != nil {
		return nil, err
	}

	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		if float64(r.Similarity) < DefaultThreshold {
			continue
		}
		hits = append(hits, Hit{
			FullName:     r.ID,
			ServerName:   r.Metadata["server_name"],
			OriginalName: r.Metadata["original_name"],
			Description:  r.Metadata["description"],
			InputSchema:  []byte(r.Metadata["input_schema"]),
			Score:        float64(r.Similarity),
		})
	}
	sort.SliceStable(hits, func(i, j int) bool { return hits[i].Score > hits[j].Score })
	if len(hits) > limit {
		hits = hits[:limit]
	}
	return hits, nil
}

// ClearNamespaceCache drops one namespace's index entirely (e.g. on
// namespace delete).
func (idx *Index) ClearNamespaceCache(namespaceUUID string) {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	delete(idx.namespaces, namespaceUUID)
	_ = idx.db.DeleteCollection(namespaceUUID)
}

// ClearAllCaches drops every namespace's index.
func (idx *Index) ClearAllCaches() {
	idx.mu.Lock()
	defer idx.mu.Unlock()
	for ns := range idx.namespaces {
		_ = idx.db.DeleteCollection(ns)
	}
	idx.namespaces = make(map[string]*namespaceIndex)
}

// Count reports how many tools are currently indexed for a namespace, used
// by getStats()-style observability (E2E scenario 3 in §8).
func (idx *Index) Count(namespaceUUID string) int {
	idx.mu.Lock()
	ns, ok := idx.namespaces[namespaceUUID]
	idx.mu.Unlock()
	if !ok {
		return 0
	}
	ns.mu.RLock()
	defer ns.mu.RUnlock()
	return len(ns.hashes)
}
