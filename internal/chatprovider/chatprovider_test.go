package chatprovider

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/metamcp/metamcp-core/internal/ports"
)

func TestOpenAICompatibleChatReturnsContentAndUsage(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		var body openAIChatRequest
		if err := json.NewDecoder(r.Body).Decode(&body); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if len(body.Messages) != 2 || body.Messages[0].Role != "system" || body.Messages[1].Role != "user" {
			t.Fatalf("unexpected messages: %+v", body.Messages)
		}
		_ = json.NewEncoder(w).Encode(map[string]any{
			"choices": []map[string]any{{"message": map[string]any{"role": "assistant", "content": `{"ok":true}`}}},
			"usage":   map[string]any{"prompt_tokens": 10, "completion_tokens": 5, "total_tokens": 15},
		})
	}))
	defer srv.Close()

	client := &GeminiChatClient{}
	raw, usage, err := client.ChatJSON(context.Background(), ports.ChatRequest{
		Model:   "local-model",
		System:  "respond with JSON",
		User:    "hello",
		BaseURL: srv.URL,
	})
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}
	if string(raw) != `{"ok":true}` {
		t.Fatalf("unexpected raw: %s", raw)
	}
	if usage.TotalTokens != 15 {
		t.Fatalf("unexpected usage: %+v", usage)
	}
}

func TestOpenAICompatibleChatRejectsNoChoices(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"choices": []any{}})
	}))
	defer srv.Close()

	client := &GeminiChatClient{}
	_, _, err := client.ChatJSON(context.Background(), ports.ChatRequest{Model: "m", User: "hi", BaseURL: srv.URL})
	if err == nil {
		t.Fatal("expected error when no choices are returned")
	}
}

func TestOpenAICompatibleChatRejectsNonOKStatus(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusServiceUnavailable)
	}))
	defer srv.Close()

	client := &GeminiChatClient{}
	_, _, err := client.ChatJSON(context.Background(), ports.ChatRequest{Model: "m", User: "hi", BaseURL: srv.URL})
	if err == nil {
		t.Fatal("expected error on non-200 status")
	}
}
