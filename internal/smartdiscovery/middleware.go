package smartdiscovery

import (
	"context"
	"encoding/json"

	"github.com/metamcp/metamcp-core/internal/middleware"
)

// ListToolsMiddleware is C6's innermost-on-list-tools contract, sitting
// right outside the aggregator base so next() always returns the canonical
// (pre-Overrides) tool list: when disabled it passes the true list through
// untouched; when enabled it indexes the canonical names in the background
// and returns the session's exposed set instead (§4.6, §4.4 ordering note).
func ListToolsMiddleware(e *Engine) middleware.ListToolsMiddleware {
	return func(next middleware.ListToolsHandler) middleware.ListToolsHandler {
		return func(ctx context.Context, rc middleware.ReqContext) ([]middleware.ToolDescriptor, error) {
			tools, err := next(ctx, rc)
			if err != nil {
				return nil, err
			}

			enabled, statusErr := e.Enabled(ctx, rc.NamespaceUUID)
			if statusErr != nil || !enabled {
				return tools, nil
			}

			records := make([]toolRecordLite, 0, len(tools))
			for _, t := range tools {
				records = append(records, toolRecordLite{FullName: t.Name, Title: t.Title, Description: t.Description, InputSchema: t.InputSchema})
			}
			e.indexInBackground(ctx, rc.NamespaceUUID, records)

			s, statusErr := e.namespaceStatus(ctx, rc.NamespaceUUID)
			pinned := []string(nil)
			if statusErr == nil {
				pinned = s.pinned
			}
			byName := make(map[string]middleware.ToolDescriptor, len(tools))
			for _, t := range tools {
				byName[t.Name] = t
			}

			names := e.ExposedSet(rc.SessionID, rc.NamespaceUUID, pinned)
			out := make([]middleware.ToolDescriptor, 0, len(names))
			for _, name := range names {
				switch name {
				case ToolFind:
					out = append(out, findToolDescriptor())
				case ToolAsk:
					out = append(out, askToolDescriptor())
				default:
					if t, ok := byName[name]; ok {
						out = append(out, t)
					}
				}
			}
			return out, nil
		}
	}
}

// CallToolMiddleware is C6's outermost contract on tools/call: synthetic
// names are intercepted; everything else passes through (§4.6).
func CallToolMiddleware(e *Engine) middleware.CallToolMiddleware {
	return func(next middleware.CallToolHandler) middleware.CallToolHandler {
		return func(ctx context.Context, rc middleware.ReqContext, name string, arguments map[string]any) (middleware.CallResult, error) {
			if !isSynthetic(name) {
				return next(ctx, rc, name, arguments)
			}

			enabled, err := e.Enabled(ctx, rc.NamespaceUUID)
			if err != nil || !enabled {
				return errorResult("smart discovery is disabled for this namespace"), nil
			}

			switch name {
			case ToolFind:
				return e.handleFind(ctx, rc, arguments)
			case ToolAsk:
				return e.handleAsk(ctx, rc, arguments)
			default:
				return errorResult("unknown synthetic tool"), nil
			}
		}
	}
}

func (e *Engine) handleFind(ctx context.Context, rc middleware.ReqContext, arguments map[string]any) (middleware.CallResult, error) {
	query, _ := arguments["query"].(string)
	if query == "" {
		return errorResult("query is required"), nil
	}
	limit := 0
	if v, ok := arguments["limit"].(float64); ok {
		limit = int(v)
	}
	result, err := e.Find(ctx, rc.NamespaceUUID, rc.SessionID, query, limit)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(result)
}

func (e *Engine) handleAsk(ctx context.Context, rc middleware.ReqContext, arguments map[string]any) (middleware.CallResult, error) {
	if e.ask == nil {
		return errorResult("ask-agent is not configured for this namespace"), nil
	}
	query, _ := arguments["query"].(string)
	if query == "" {
		return errorResult("query is required"), nil
	}
	req := AskRequest{
		NamespaceUUID: rc.NamespaceUUID,
		SessionID:     rc.SessionID,
		Query:         query,
	}
	if v, ok := arguments["maxToolCalls"].(float64); ok {
		req.MaxToolCalls = int(v)
	}
	if v, ok := arguments["exposeLimit"].(float64); ok {
		req.ExposeLimit = int(v)
	}
	if s, statusErr := e.namespaceStatus(ctx, rc.NamespaceUUID); statusErr == nil {
		req.NamespaceDescription = s.desc
	}

	result, err := e.ask.Ask(ctx, req)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return jsonResult(result)
}

type toolRecordLite struct {
	FullName    string
	Title       string
	Description string
	InputSchema []byte
}

func findToolDescriptor() middleware.ToolDescriptor {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query": map[string]any{"type": "string"},
			"limit": map[string]any{"type": "number", "default": 5},
		},
		"required": []string{"query"},
	})
	return middleware.ToolDescriptor{
		Name:        ToolFind,
		Title:       "Find tools",
		Description: "Semantic search over this namespace's tools.",
		InputSchema: schema,
	}
}

func askToolDescriptor() middleware.ToolDescriptor {
	schema, _ := json.Marshal(map[string]any{
		"type": "object",
		"properties": map[string]any{
			"query":        map[string]any{"type": "string"},
			"maxToolCalls": map[string]any{"type": "number"},
			"exposeLimit":  map[string]any{"type": "number"},
		},
		"required": []string{"query"},
	})
	return middleware.ToolDescriptor{
		Name:        ToolAsk,
		Title:       "Ask agent",
		Description: "Delegate a task to this namespace's Ask-Agent.",
		InputSchema: schema,
	}
}

func errorResult(message string) middleware.CallResult {
	return middleware.CallResult{
		IsError: true,
		Content: []middleware.ContentBlock{{Type: "text", Text: message}},
	}
}

func jsonResult(v any) (middleware.CallResult, error) {
	raw, err := json.Marshal(v)
	if err != nil {
		return errorResult(err.Error()), nil
	}
	return middleware.CallResult{Content: []middleware.ContentBlock{{Type: "text", Text: string(raw)}}}, nil
}
