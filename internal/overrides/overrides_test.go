package overrides

import (
	"testing"

	"github.com/metamcp/metamcp-core/internal/model"
)

func strp(s string) *string { return &s }
func boolp(b bool) *bool    { return &b }

func TestBuildAndResolveOverride(t *testing.T) {
	memberships := []model.NamespaceToolMembership{
		{
			ToolUUID:     "t1",
			ServerUUID:   "s1",
			Status:       model.StatusActive,
			OverrideName: strp("fs_read"),
			OverrideAnnotations: &model.AnnotationOverride{
				ReadOnlyHint: boolp(true),
			},
		},
	}
	fullName := func(m model.NamespaceToolMembership) string { return "alpha__read" }

	set := Build(memberships, fullName)

	d, ok := set.Resolve("alpha__read")
	if !ok {
		t.Fatalf("expected resolve to find override")
	}
	if d.Name != "fs_read" {
		t.Fatalf("expected override name fs_read, got %q", d.Name)
	}

	original, ok := set.OriginalForAlias("fs_read")
	if !ok || original != "alpha__read" {
		t.Fatalf("expected reverse alias mapping, got %q ok=%v", original, ok)
	}

	if !set.IsOverrideName("fs_read") {
		t.Fatalf("expected fs_read recognized as override name")
	}
	if set.IsOverrideName("alpha__read") {
		t.Fatalf("canonical full name must not be treated as an override name")
	}
}

func TestApplyMergesAnnotationsWithoutClobbering(t *testing.T) {
	memberships := []model.NamespaceToolMembership{
		{
			ToolUUID:   "t1",
			ServerUUID: "s1",
			Status:     model.StatusActive,
			OverrideAnnotations: &model.AnnotationOverride{
				ReadOnlyHint: boolp(true),
			},
		},
	}
	set := Build(memberships, func(model.NamespaceToolMembership) string { return "alpha__read" })

	base := model.AnnotationOverride{DestructiveHint: boolp(false)}
	out := set.Apply("alpha__read", "Read", "reads a file", base)

	if out.Annotations.ReadOnlyHint == nil || !*out.Annotations.ReadOnlyHint {
		t.Fatalf("expected override readOnlyHint to apply")
	}
	if out.Annotations.DestructiveHint == nil || *out.Annotations.DestructiveHint {
		t.Fatalf("expected base destructiveHint preserved, got %+v", out.Annotations.DestructiveHint)
	}
}

func TestCacheInvalidate(t *testing.T) {
	cache := NewCache()
	cache.Put("ns1", &Set{})
	if _, ok := cache.Get("ns1"); !ok {
		t.Fatalf("expected cached set present")
	}
	cache.Invalidate("ns1")
	if _, ok := cache.Get("ns1"); ok {
		t.Fatalf("expected cached set gone after invalidate")
	}
}

func TestUniqueOverrideNameInvariant(t *testing.T) {
	// Two memberships sharing an override_name would collide in
	// aliasToOriginal; Build keeps the last write, so a caller validating
	// the §3 uniqueness invariant must do so before calling Build (at the
	// persistence layer). This test documents that Build itself does not
	// silently merge them into one entry losing the collision.
	memberships := []model.NamespaceToolMembership{
		{ToolUUID: "t1", Status: model.StatusActive, OverrideName: strp("dup")},
		{ToolUUID: "t2", Status: model.StatusActive, OverrideName: strp("dup")},
	}
	names := map[string]string{"t1": "alpha__read", "t2": "beta__query"}
	set := Build(memberships, func(m model.NamespaceToolMembership) string { return names[m.ToolUUID] })

	if len(set.aliasToOriginal) != 1 {
		t.Fatalf("expected exactly one alias entry to survive a collision, got %d", len(set.aliasToOriginal))
	}
}
