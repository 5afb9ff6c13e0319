// Package embedprovider is the reference ports.Embedder adapter bound at
// cmd/metamcpd (spec §6). The core never imports this package directly.
//
// Grounded on DatanoiseTV-brainmcp's embedder.go: makeGeminiEmbedder/
// batchEmbedGemini for the genai.Client.Models.EmbedContent call shape and
// L2-normalize-after-embed step, and batchEmbedLMStudio for the plain
// OpenAI-compatible REST fallback used by local embedding servers (LM
// Studio, Ollama's /v1/embeddings-compatible endpoints) that never see a
// Gemini API key.
package embedprovider

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"math"
	"net/http"
	"strings"

	"google.golang.org/genai"

	"github.com/metamcp/metamcp-core/internal/ports"
)

// EmbeddingDimension is the output width requested from Gemini's embedding
// model; chromem-go compares vectors of consistent width across a
// collection's lifetime.
const EmbeddingDimension = 768

// taskType is fixed rather than threaded through ports.Embedder.Embed: the
// core calls Embed uniformly for both tool indexing and query text, so there
// is no query/document distinction to forward.
const taskType = "SEMANTIC_SIMILARITY"

// GeminiEmbedder implements ports.Embedder against Gemini's embedding API.
type GeminiEmbedder struct {
	client *genai.Client
	model  string
}

func NewGemini(client *genai.Client, modelName string) *GeminiEmbedder {
	return &GeminiEmbedder{client: client, model: modelName}
}

func (g *GeminiEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	contents := []*genai.Content{{Parts: []*genai.Part{{Text: text}}}}
	dim := int32(EmbeddingDimension)
	res, err := g.client.Models.EmbedContent(ctx, g.model, contents, &genai.EmbedContentConfig{
		TaskType:             taskType,
		OutputDimensionality: &dim,
	})
	if err != nil {
		return nil, fmt.Errorf("gemini embed: %w", err)
	}
	if len(res.Embeddings) == 0 {
		return nil, fmt.Errorf("gemini embed: no embeddings returned")
	}
	values := res.Embeddings[0].Values
	normalize(values)
	return values, nil
}

// OpenAICompatibleEmbedder implements ports.Embedder against any local
// server speaking the OpenAI /v1/embeddings request/response shape (LM
// Studio, Ollama, vLLM).
type OpenAICompatibleEmbedder struct {
	baseURL string
	model   string
	client  *http.Client
}

func NewOpenAICompatible(baseURL, modelName string) *OpenAICompatibleEmbedder {
	return &OpenAICompatibleEmbedder{baseURL: strings.TrimSuffix(baseURL, "/"), model: modelName, client: &http.Client{}}
}

func (o *OpenAICompatibleEmbedder) Embed(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(map[string]any{"model": o.model, "input": []string{text}})
	if err != nil {
		return nil, fmt.Errorf("marshal embed request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, o.baseURL+"/embeddings", bytes.NewReader(body))
	if err != nil {
		return nil, fmt.Errorf("build embed request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")

	resp, err := o.client.Do(req)
	if err != nil {
		return nil, fmt.Errorf("embed request: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("embed request: unexpected status %d", resp.StatusCode)
	}

	var result struct {
		Data []struct {
			Embedding []float32 `json:"embedding"`
		} `json:"data"`
	}
	if err := json.NewDecoder(resp.Body).Decode(&result); err != nil {
		return nil, fmt.Errorf("decode embed response: %w", err)
	}
	if len(result.Data) != 1 {
		return nil, fmt.Errorf("embed response: expected 1 embedding, got %d", len(result.Data))
	}

	values := result.Data[0].Embedding
	normalize(values)
	return values, nil
}

var (
	_ ports.Embedder = (*GeminiEmbedder)(nil)
	_ ports.Embedder = (*OpenAICompatibleEmbedder)(nil)
)

// normalize L2-normalizes v in place so cosine similarity in the Discovery
// Index behaves consistently regardless of which provider produced it.
func normalize(v []float32) {
	var sum float64
	for _, val := range v {
		sum += float64(val * val)
	}
	magnitude := float32(math.Sqrt(sum))
	if magnitude <= 0 {
		return
	}
	for i := range v {
		v[i] /= magnitude
	}
}
