// Package overrides implements Tool-Name Overrides (spec §4.5, C5): a
// per-namespace cache of (override_name -> original_name) built from
// membership rows, applied on tools/list and reversed on tools/call.
//
// Grounded on the teacher's tool_overrides.go/response_helpers.go
// (applyToolOverride, mergeAnnotations, normalizeToolAnnotations), adapted
// from file-based master/server fragments to namespace membership rows.
package overrides

import (
	"context"
	"sync"

	"github.com/metamcp/metamcp-core/internal/model"
)

// Descriptor is the (possibly overridden) view of a tool handed to a
// downstream client.
type Descriptor struct {
	FullName    string // original serverName__toolName
	Name        string // exposed name (override or FullName)
	Title       string
	Description string
	Annotations model.AnnotationOverride
	InputSchema []byte
}

// Set is one namespace's resolved override cache.
type Set struct {
	// byOriginal maps full name -> Descriptor with overrides applied.
	byOriginal map[string]*Descriptor
	// aliasToOriginal reverses override_name -> full name, for call_tool.
	aliasToOriginal map[string]string
}

// Build constructs a Set from a namespace's tool memberships. fullName must
// be computed by the caller (aggregator owns full-name construction).
func Build(memberships []model.NamespaceToolMembership, fullName func(m model.NamespaceToolMembership) string) *Set {
	set := &Set{
		byOriginal:      make(map[string]*Descriptor),
		aliasToOriginal: make(map[string]string),
	}
	for _, m := range memberships {
		if m.Status != model.StatusActive {
			continue
		}
		full := fullName(m)
		if full == "" {
			continue // caller couldn't resolve this membership to a full name
		}
		d := &Descriptor{FullName: full, Name: full}
		if m.OverrideName != nil && *m.OverrideName != "" {
			d.Name = *m.OverrideName
			set.aliasToOriginal[d.Name] = full
		}
		if m.OverrideTitle != nil {
			d.Title = *m.OverrideTitle
		}
		if m.OverrideDescription != nil {
			d.Description = *m.OverrideDescription
		}
		if m.OverrideAnnotations != nil {
			d.Annotations = *m.OverrideAnnotations
		}
		set.byOriginal[full] = d
	}
	return set
}

// Resolve returns the override descriptor for a tool's full name, if any.
func (s *Set) Resolve(fullName string) (*Descriptor, bool) {
	if s == nil {
		return nil, false
	}
	d, ok := s.byOriginal[fullName]
	return d, ok
}

// OriginalForAlias reverses an override_name back to its full original
// name, used by call_tool to rewrite incoming override names before
// dispatch.
func (s *Set) OriginalForAlias(alias string) (string, bool) {
	if s == nil {
		return "", false
	}
	full, ok := s.aliasToOriginal[alias]
	return full, ok
}

// IsOverrideName reports whether name is a known override_name (as opposed
// to a canonical full name) in this set. refreshTools (§4.9) uses this to
// avoid persisting override names as canonical tool names.
func (s *Set) IsOverrideName(name string) bool {
	if s == nil {
		return false
	}
	_, ok := s.aliasToOriginal[name]
	return ok
}

// Apply renders the effective name/title/description/annotations for a tool
// given its base (upstream-reported) values, per §4.5: "each tool's
// name/title/description/annotations are replaced by its override when
// set."
func (s *Set) Apply(fullName, baseTitle, baseDescription string, baseAnnotations model.AnnotationOverride) Descriptor {
	out := Descriptor{
		FullName:    fullName,
		Name:        fullName,
		Title:       baseTitle,
		Description: baseDescription,
		Annotations: baseAnnotations,
	}
	d, ok := s.Resolve(fullName)
	if !ok {
		return out
	}
	if d.Name != "" && d.Name != fullName {
		out.Name = d.Name
	}
	if d.Title != "" {
		out.Title = d.Title
	}
	if d.Description != "" {
		out.Description = d.Description
	}
	out.Annotations = mergeAnnotations(baseAnnotations, d.Annotations)
	return out
}

// mergeAnnotations mirrors the teacher's mergeAnnotations: an override field
// set to non-nil wins outright, unset fields keep the base value.
func mergeAnnotations(base, override model.AnnotationOverride) model.AnnotationOverride {
	out := base
	if override.Title != nil {
		out.Title = override.Title
	}
	if override.ReadOnlyHint != nil {
		out.ReadOnlyHint = override.ReadOnlyHint
	}
	if override.DestructiveHint != nil {
		out.DestructiveHint = override.DestructiveHint
	}
	if override.IdempotentHint != nil {
		out.IdempotentHint = override.IdempotentHint
	}
	if override.OpenWorldHint != nil {
		out.OpenWorldHint = override.OpenWorldHint
	}
	return out
}

// Cache is the per-namespace Set cache with explicit invalidation, owned by
// the aggregator (spec §9: "re-expressed as lifetime-scoped caches owned by
// the aggregator; invalidation is a method call").
type Cache struct {
	mu      sync.RWMutex
	sets    map[string]*Set
	builder func(ctx context.Context, namespaceUUID string) (*Set, error)
}

func NewCache() *Cache {
	return &Cache{sets: make(map[string]*Set)}
}

// SetBuilder installs the function GetOrBuild calls on a cache miss. Wired
// once at startup (by aggregator.New) so this package stays free of a
// ports.Store dependency; tests that only need Get/Put/Invalidate never call
// this and see no change in behavior.
func (c *Cache) SetBuilder(build func(ctx context.Context, namespaceUUID string) (*Set, error)) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.builder = build
}

// GetOrBuild returns the cached Set, building and caching it via the
// installed builder on a miss. With no builder installed (as in tests) it
// behaves exactly like Get.
func (c *Cache) GetOrBuild(ctx context.Context, namespaceUUID string) (*Set, error) {
	if s, ok := c.Get(namespaceUUID); ok {
		return s, nil
	}
	c.mu.RLock()
	build := c.builder
	c.mu.RUnlock()
	if build == nil {
		return nil, nil
	}
	set, err := build(ctx, namespaceUUID)
	if err != nil {
		return nil, err
	}
	c.Put(namespaceUUID, set)
	return set, nil
}

func (c *Cache) Get(namespaceUUID string) (*Set, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	s, ok := c.sets[namespaceUUID]
	return s, ok
}

func (c *Cache) Put(namespaceUUID string, set *Set) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.sets[namespaceUUID] = set
}

// Invalidate drops the cached Set for a namespace. Called on any override,
// membership, or namespace update (§4.5).
func (c *Cache) Invalidate(namespaceUUID string) {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.sets, namespaceUUID)
}
