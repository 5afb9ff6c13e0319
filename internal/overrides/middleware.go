package overrides

import (
	"context"

	"github.com/metamcp/metamcp-core/internal/middleware"
	"github.com/metamcp/metamcp-core/internal/model"
)

// ListToolsMiddleware is C5's outermost contract on tools/list: rewrite each
// tool's name/title/description/annotations to its override when set. It
// sits outside Smart-Discovery so indexing/session exposure see canonical
// names first, and only the final, already-filtered list gets renamed on
// its way back to the downstream client (§4.4 ordering note).
func ListToolsMiddleware(cache *Cache) middleware.ListToolsMiddleware {
	return func(next middleware.ListToolsHandler) middleware.ListToolsHandler {
		return func(ctx context.Context, rc middleware.ReqContext) ([]middleware.ToolDescriptor, error) {
			tools, err := next(ctx, rc)
			if err != nil {
				return nil, err
			}
			set, err := cache.GetOrBuild(ctx, rc.NamespaceUUID)
			if err != nil || set == nil {
				return tools, nil
			}
			out := make([]middleware.ToolDescriptor, len(tools))
			for i, t := range tools {
				ann := annotationsFromMap(t.Annotations)
				applied := set.Apply(t.Name, t.Title, t.Description, ann)
				out[i] = middleware.ToolDescriptor{
					Name:        applied.Name,
					Title:       applied.Title,
					Description: applied.Description,
					InputSchema: t.InputSchema,
					Annotations: annotationsToMap(applied.Annotations),
				}
			}
			return out, nil
		}
	}
}

// CallToolMiddleware is C5's innermost-on-call-tool contract: incoming
// override names are mapped back to originals before dispatch.
func CallToolMiddleware(cache *Cache) middleware.CallToolMiddleware {
	return func(next middleware.CallToolHandler) middleware.CallToolHandler {
		return func(ctx context.Context, rc middleware.ReqContext, name string, arguments map[string]any) (middleware.CallResult, error) {
			set, _ := cache.GetOrBuild(ctx, rc.NamespaceUUID)
			resolved := name
			if set != nil {
				if original, ok := set.OriginalForAlias(name); ok {
					resolved = original
				}
			}
			return next(ctx, rc, resolved, arguments)
		}
	}
}

func annotationsFromMap(m map[string]any) (out model.AnnotationOverride) {
	if v, ok := m["title"].(string); ok {
		out.Title = &v
	}
	if v, ok := m["readOnlyHint"].(bool); ok {
		out.ReadOnlyHint = &v
	}
	if v, ok := m["destructiveHint"].(bool); ok {
		out.DestructiveHint = &v
	}
	if v, ok := m["idempotentHint"].(bool); ok {
		out.IdempotentHint = &v
	}
	if v, ok := m["openWorldHint"].(bool); ok {
		out.OpenWorldHint = &v
	}
	return out
}

func annotationsToMap(a model.AnnotationOverride) map[string]any {
	out := make(map[string]any, 5)
	if a.Title != nil {
		out["title"] = *a.Title
	}
	out["readOnlyHint"] = boolOrFalse(a.ReadOnlyHint)
	out["destructiveHint"] = boolOrFalse(a.DestructiveHint)
	out["idempotentHint"] = boolOrFalse(a.IdempotentHint)
	out["openWorldHint"] = boolOrFalse(a.OpenWorldHint)
	return out
}

func boolOrFalse(b *bool) bool {
	if b == nil {
		return false
	}
	return *b
}
