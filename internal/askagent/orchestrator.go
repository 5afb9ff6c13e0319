// Package askagent implements the Ask-Agent Orchestrator (spec §4.7, C7): a
// plan -> execute -> report loop over a chat-completions port, shortlisted
// by the Discovery Index and bounded by a strict token budget.
//
// Grounded on DatanoiseTV-brainmcp's embedder.go/cli.go sequential LLM
// round-trip shape (one request built from a JSON payload, one parsed JSON
// response, repeat), generalized from a single chat loop to the plan/
// execute/report stages this spec requires.
package askagent

import (
	"context"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/metamcp/metamcp-core/internal/discovery"
	"github.com/metamcp/metamcp-core/internal/errs"
	"github.com/metamcp/metamcp-core/internal/middleware"
	"github.com/metamcp/metamcp-core/internal/model"
	"github.com/metamcp/metamcp-core/internal/ports"
	"github.com/metamcp/metamcp-core/internal/smartdiscovery"
	"github.com/metamcp/metamcp-core/internal/tokencount"
)

const (
	shortlistLimit = 12
	resultTruncateLen = 6000
	defaultSystemPrompt = "You are a tool-use planning assistant. Respond with JSON only."
	defaultChatTimeoutMS = 30_000
)

// AgentResolver loads the NamespaceAgent config bound to a namespace.
// Whether a chat API key is configured is passed to New separately.
type AgentResolver interface {
	ResolveAgent(ctx context.Context, namespaceUUID string) (*model.NamespaceAgent, error)
}

// Orchestrator is the C7 singleton, re-expressed per §9 as an explicit
// object constructed once at startup and shared across namespaces.
type Orchestrator struct {
	agents  AgentResolver
	index   *discovery.Index
	chat    ports.ChatClient
	tokens  *tokencount.Counter
	expose  smartdiscovery.ExposeSetter
	exec    middleware.Executor
	apiKeyConfigured bool
}

func New(agents AgentResolver, index *discovery.Index, chat ports.ChatClient, tokens *tokencount.Counter, expose smartdiscovery.ExposeSetter, exec middleware.Executor, apiKeyConfigured bool) *Orchestrator {
	return &Orchestrator{
		agents:           agents,
		index:            index,
		chat:             chat,
		tokens:           tokens,
		expose:           expose,
		exec:             exec,
		apiKeyConfigured: apiKeyConfigured,
	}
}

// toolCandidate is one shortlisted tool plus its allow/deny verdict.
type toolCandidate struct {
	FullName    string `json:"name"`
	Description string `json:"description"`
	InputSchema json.RawMessage `json:"inputSchema,omitempty"`
	Score       float64 `json:"relevanceScore"`
	Allowed     bool    `json:"-"`
}

type toolCallRequest struct {
	Name      string         `json:"name"`
	Arguments map[string]any `json:"arguments,omitempty"`
	Reason    string         `json:"reason,omitempty"`
}

type planResponse struct {
	DirectAnswer *string           `json:"directAnswer,omitempty"`
	ToolCalls    []toolCallRequest `json:"toolCalls,omitempty"`
	ExposeTools  []string          `json:"exposeTools,omitempty"`
	Followups    []string          `json:"followups,omitempty"`
}

type toolCallOutcome struct {
	Name   string `json:"name"`
	OK     bool   `json:"ok"`
	Result string `json:"result,omitempty"`
	Error  string `json:"error,omitempty"`
	Reason string `json:"reason,omitempty"`
}

type reportResponse struct {
	Answer         string   `json:"answer"`
	SuggestedTools []string `json:"suggestedTools,omitempty"`
	ExposeTools    []string `json:"exposeTools,omitempty"`
	Followups      []string `json:"followups,omitempty"`
}

// Ask implements smartdiscovery.AskExecutor: the full plan/execute/report
// loop of §4.7.
func (o *Orchestrator) Ask(ctx context.Context, req smartdiscovery.AskRequest) (smartdiscovery.AskResult, error) {
	agent, err := o.agents.ResolveAgent(ctx, req.NamespaceUUID)
	if err != nil {
		return smartdiscovery.AskResult{}, err
	}
	if agent == nil || !agent.Enabled {
		return smartdiscovery.AskResult{Answer: "The Ask-Agent is disabled for this namespace."}, nil
	}
	if !o.apiKeyConfigured {
		return smartdiscovery.AskResult{}, errs.New(errs.Validation, "no chat provider API key configured for the Ask-Agent")
	}

	requestedMax, requestedExpose := req.MaxToolCalls, req.ExposeLimit
	if requestedMax <= 0 {
		requestedMax = agent.MaxToolCalls
	}
	if requestedExpose <= 0 {
		requestedExpose = agent.ExposeLimit
	}
	maxToolCalls := model.ClampMaxToolCalls(requestedMax)
	exposeLimit := model.ClampExposeLimit(requestedExpose)

	shortlist, err := o.shortlist(ctx, req.NamespaceUUID, agent, req.Query)
	if err != nil {
		return smartdiscovery.AskResult{}, err
	}

	systemPrompt := agent.SystemPrompt
	if systemPrompt == "" {
		systemPrompt = defaultSystemPrompt
	}

	toolsJSON, _ := json.Marshal(shortlist)
	referencesJSON := agent.References
	if len(referencesJSON) == 0 {
		referencesJSON = json.RawMessage("{}")
	}

	planningPayload := map[string]any{
		"namespace":   req.NamespaceDescription,
		"constraints": map[string]any{"maxToolCalls": maxToolCalls, "exposeLimit": exposeLimit},
		"tools":       shortlist,
		"references":  json.RawMessage(referencesJSON),
		"query":       req.Query,
	}
	planningPayloadJSON, _ := json.Marshal(planningPayload)

	total := o.tokens.Count(agent.Model, systemPrompt) +
		o.tokens.Count(agent.Model, string(toolsJSON)) +
		o.tokens.Count(agent.Model, string(referencesJSON)) +
		o.tokens.Count(agent.Model, req.Query) +
		o.tokens.Count(agent.Model, string(planningPayloadJSON))

	if total > model.DocumentTokenBudget {
		return smartdiscovery.AskResult{
			Answer: fmt.Sprintf("Request exceeds the token budget (%d > %d); narrow the query or reduce attached documents.", total, model.DocumentTokenBudget),
			TokenUsage: map[string]any{
				"systemPrompt": o.tokens.Count(agent.Model, systemPrompt),
				"tools":        o.tokens.Count(agent.Model, string(toolsJSON)),
				"references":   o.tokens.Count(agent.Model, string(referencesJSON)),
				"query":        o.tokens.Count(agent.Model, req.Query),
				"total":        total,
				"budget":       model.DocumentTokenBudget,
			},
		}, nil
	}

	plan, planUsage, err := o.plan(ctx, agent, systemPrompt, planningPayloadJSON)
	if err != nil {
		return smartdiscovery.AskResult{}, err
	}

	if plan.DirectAnswer != nil {
		return smartdiscovery.AskResult{
			Answer:     *plan.DirectAnswer,
			Followups:  plan.Followups,
			TokenUsage: map[string]any{"planning": planUsage},
		}, nil
	}

	executed := o.execute(ctx, req.NamespaceUUID, req.SessionID, agent, plan.ToolCalls, maxToolCalls)

	report, reportUsage, err := o.report(ctx, agent, shortlist, plan, executed)
	if err != nil {
		return smartdiscovery.AskResult{}, err
	}

	exposed := o.resolveExposed(agent, plan.ExposeTools, report.ExposeTools, exposeLimit)
	if o.expose != nil {
		o.expose.SetExposed(req.SessionID, req.NamespaceUUID, exposed)
	}

	executedAny := make([]any, len(executed))
	for i, e := range executed {
		executedAny[i] = e
	}

	return smartdiscovery.AskResult{
		Answer:            report.Answer,
		ToolCallsExecuted: executedAny,
		SuggestedTools:    report.SuggestedTools,
		ExposedTools:      exposed,
		Followups:         report.Followups,
		TokenUsage: map[string]any{
			"planning": planUsage,
			"report":   reportUsage,
			"total":    total,
		},
	}, nil
}

func (o *Orchestrator) shortlist(ctx context.Context, namespaceUUID string, agent *model.NamespaceAgent, query string) ([]toolCandidate, error) {
	hits, err := o.index.Search(ctx, namespaceUUID, query, shortlistLimit)
	if err != nil {
		return nil, err
	}
	out := make([]toolCandidate, len(hits))
	for i, h := range hits {
		out[i] = toolCandidate{
			FullName:    h.FullName,
			Description: h.Description,
			InputSchema: json.RawMessage(h.InputSchema),
			Score:       h.Score,
			Allowed:     agent.IsAllowed(h.FullName),
		}
	}
	return out, nil
}

func (o *Orchestrator) plan(ctx context.Context, agent *model.NamespaceAgent, systemPrompt string, payload json.RawMessage) (planResponse, map[string]any, error) {
	raw, usage, err := o.chat.ChatJSON(ctx, ports.ChatRequest{
		Model:     agent.Model,
		System:    systemPrompt,
		User:      string(payload),
		TimeoutMS: defaultChatTimeoutMS,
	})
	if err != nil {
		return planResponse{}, nil, errs.Wrap(errs.UpstreamTransient, "ask-agent planning call failed", err)
	}
	var plan planResponse
	if err := json.Unmarshal(raw, &plan); err != nil {
		return planResponse{}, nil, errs.Wrap(errs.Internal, "ask-agent planning response was not valid JSON", err)
	}
	return plan, usageMap(usage), nil
}

func (o *Orchestrator) report(ctx context.Context, agent *model.NamespaceAgent, shortlist []toolCandidate, plan planResponse, executed []toolCallOutcome) (reportResponse, map[string]any, error) {
	payload, _ := json.Marshal(map[string]any{
		"shortlist":        shortlist,
		"plan":             plan,
		"toolCallsExecuted": executed,
	})
	raw, usage, err := o.chat.ChatJSON(ctx, ports.ChatRequest{
		Model:     agent.Model,
		System:    "Summarize the tool-use session and answer the user's question. Respond with JSON only.",
		User:      string(payload),
		TimeoutMS: defaultChatTimeoutMS,
	})
	if err != nil {
		return reportResponse{}, nil, errs.Wrap(errs.UpstreamTransient, "ask-agent report call failed", err)
	}
	var report reportResponse
	if err := json.Unmarshal(raw, &report); err != nil {
		return reportResponse{}, nil, errs.Wrap(errs.Internal, "ask-agent report response was not valid JSON", err)
	}
	return report, usageMap(usage), nil
}

// execute runs the first min(maxToolCalls,20,0-floored) proposed tool calls,
// refusing synthetic and disallowed names without aborting the loop (§4.7
// step 4).
func (o *Orchestrator) execute(ctx context.Context, namespaceUUID, sessionID string, agent *model.NamespaceAgent, calls []toolCallRequest, maxToolCalls int) []toolCallOutcome {
	if len(calls) > maxToolCalls {
		calls = calls[:maxToolCalls]
	}
	out := make([]toolCallOutcome, 0, len(calls))
	for _, c := range calls {
		if isSyntheticName(c.Name) {
			out = append(out, toolCallOutcome{Name: c.Name, OK: false, Reason: "Refusing recursive call"})
			continue
		}
		if !agent.IsAllowed(c.Name) {
			out = append(out, toolCallOutcome{Name: c.Name, OK: false, Reason: "tool is not allowed for this agent"})
			continue
		}
		res, err := o.exec.CallTool(ctx, namespaceUUID, sessionID, c.Name, c.Arguments)
		if err != nil {
			out = append(out, toolCallOutcome{Name: c.Name, OK: false, Error: err.Error()})
			continue
		}
		out = append(out, toolCallOutcome{Name: c.Name, OK: !res.IsError, Result: truncate(stringifyResult(res), resultTruncateLen)})
	}
	return out
}

func (o *Orchestrator) resolveExposed(agent *model.NamespaceAgent, fromPlan, fromReport []string, exposeLimit int) []string {
	seen := make(map[string]bool)
	var out []string
	add := func(names []string) {
		for _, n := range names {
			if isSyntheticName(n) || seen[n] || !agent.IsAllowed(n) {
				continue
			}
			seen[n] = true
			out = append(out, n)
		}
	}
	add(fromReport)
	add(fromPlan)
	if len(out) > exposeLimit {
		out = out[:exposeLimit]
	}
	return out
}

func isSyntheticName(name string) bool {
	return name == smartdiscovery.ToolFind || name == smartdiscovery.ToolAsk
}

func stringifyResult(res middleware.CallResult) string {
	var sb strings.Builder
	for _, c := range res.Content {
		sb.WriteString(c.Text)
	}
	return sb.String()
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n] + "…(truncated)"
}

func usageMap(u ports.Usage) map[string]any {
	return map[string]any{
		"promptTokens":     u.PromptTokens,
		"completionTokens": u.CompletionTokens,
		"totalTokens":      u.TotalTokens,
	}
}
