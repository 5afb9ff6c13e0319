// Package chatprovider is the reference ports.ChatClient adapter bound at
// cmd/metamcpd (spec §6, C7's only external collaborator besides the
// Discovery Index). The core never imports this package directly.
//
// Grounded on DatanoiseTV-brainmcp's handlers.go askBrainHandler
// (client.Models.GenerateContent call shape, single-candidate/single-part
// response extraction) and main.go's genai.NewClient construction, plus
// embedder.go's batchEmbedLMStudio plain-REST fallback pattern, retargeted
// from embeddings to chat completions for local OpenAI-compatible servers.
package chatprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"strings"
	"time"

	"google.golang.org/genai"

	"github.com/metamcp/metamcp-core/internal/ports"
)

const (
	defaultTimeoutMS   = 30_000
	defaultTemperature = 0.2
)

// GeminiChatClient implements ports.ChatClient against Gemini's
// generateContent API.
type GeminiChatClient struct {
	client *genai.Client
}

func NewGemini(client *genai.Client) *GeminiChatClient {
	return &GeminiChatClient{client: client}
}

func (g *GeminiChatClient) ChatJSON(ctx context.Context, req ports.ChatRequest) ([]byte, ports.Usage, error) {
	if strings.TrimSpace(req.BaseURL) != "" {
		return openAICompatibleChat(ctx, req)
	}

	timeout := timeoutOrDefault(req.TimeoutMS)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}
	cfg := &genai.GenerateContentConfig{
		Temperature: &temperature,
	}
	if req.System != "" {
		cfg.SystemInstruction = &genai.Content{Parts: []*genai.Part{{Text: req.System}}}
	}

	resp, err := g.client.Models.GenerateContent(ctx, req.Model, genai.Text(req.User), cfg)
	if err != nil {
		return nil, ports.Usage{}, fmt.Errorf("gemini chat: %w", err)
	}
	if len(resp.Candidates) == 0 || resp.Candidates[0].Content == nil || len(resp.Candidates[0].Content.Parts) == 0 {
		return nil, ports.Usage{}, fmt.Errorf("gemini chat: no candidates returned (check safety filters)")
	}

	text := resp.Candidates[0].Content.Parts[0].Text
	usage := ports.Usage{}
	if resp.UsageMetadata != nil {
		usage = ports.Usage{
			PromptTokens:     int(resp.UsageMetadata.PromptTokenCount),
			CompletionTokens: int(resp.UsageMetadata.CandidatesTokenCount),
			TotalTokens:      int(resp.UsageMetadata.TotalTokenCount),
		}
	}
	return []byte(text), usage, nil
}

// FixedBaseURL wraps a ChatClient so every request is forced onto baseURL,
// for a daemon configured with one local OpenAI-compatible provider rather
// than per-request BaseURL plumbing through the Ask-Agent orchestrator.
type FixedBaseURL struct {
	ports.ChatClient
	baseURL string
}

func WithFixedBaseURL(c ports.ChatClient, baseURL string) *FixedBaseURL {
	return &FixedBaseURL{ChatClient: c, baseURL: baseURL}
}

func (f *FixedBaseURL) ChatJSON(ctx context.Context, req ports.ChatRequest) ([]byte, ports.Usage, error) {
	req.BaseURL = f.baseURL
	return f.ChatClient.ChatJSON(ctx, req)
}

func timeoutOrDefault(ms int) time.Duration {
	if ms <= 0 {
		ms = defaultTimeoutMS
	}
	return time.Duration(ms) * time.Millisecond
}

type openAIChatRequest struct {
	Model       string              `json:"model"`
	Messages    []openAIChatMessage `json:"messages"`
	Temperature float32             `json:"temperature,omitempty"`
}

type openAIChatMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type openAIChatResponse struct {
	Choices []struct {
		Message openAIChatMessage `json:"message"`
	} `json:"choices"`
	Usage struct {
		PromptTokens     int `json:"prompt_tokens"`
		CompletionTokens int `json:"completion_tokens"`
		TotalTokens      int `json:"total_tokens"`
	} `json:"usage"`
}

// openAICompatibleChat talks to any local server speaking the OpenAI
// /v1/chat/completions request/response shape (LM Studio, Ollama, vLLM),
// selected whenever ChatRequest.BaseURL is set.
func openAICompatibleChat(ctx context.Context, req ports.ChatRequest) ([]byte, ports.Usage, error) {
	timeout := timeoutOrDefault(req.TimeoutMS)
	ctx, cancel := context.WithTimeout(ctx, timeout)
	defer cancel()

	temperature := req.Temperature
	if temperature == 0 {
		temperature = defaultTemperature
	}

	var messages []openAIChatMessage
	if req.System != "" {
		messages = append(messages, openAIChatMessage{Role: "system", Content: req.System})
	}
	messages = append(messages, openAIChatMessage{Role: "user", Content: req.User})

	body, err := json.Marshal(openAIChatRequest{Model: req.Model, Messages: messages, Temperature: temperature})
	if err != nil {
		return nil, ports.Usage{}, fmt.Errorf("marshal chat request: %w", err)
	}

	url := strings.TrimSuffix(req.BaseURL, "/") + "/chat/completions"
	httpReq, err := http.NewRequestWithContext(ctx, http.MethodPost, url, bytes.NewReader(body))
	if err != nil {
		return nil, ports.Usage{}, fmt.Errorf("build chat request: %w", err)
	}
	httpReq.Header.Set("Content-Type", "application/json")

	resp, err := http.DefaultClient.Do(httpReq)
	if err != nil {
		return nil, ports.Usage{}, fmt.Errorf("chat request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, ports.Usage{}, fmt.Errorf("chat request: unexpected status %d", resp.StatusCode)
	}

	var result openAIChatResponse
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, ports.Usage{}, fmt.Errorf("decode chat response: %w", err)
	}
	if len(result.Choices) == 0 {
		return nil, ports.Usage{}, fmt.Errorf("chat response: no choices returned")
	}

	usage := ports.Usage{
		PromptTokens:     result.Usage.PromptTokens,
		CompletionTokens: result.Usage.CompletionTokens,
		TotalTokens:      result.Usage.TotalTokens,
	}
	return []byte(result.Choices[0].Message.Content), usage, nil
}

var _ ports.ChatClient = (*GeminiChatClient)(nil)
