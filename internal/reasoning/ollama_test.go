package reasoning

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestParseTextToolCalls(t *testing.T) {
	tests := []struct {
		name     string
		content  string
		want     int
		wantName string
	}{
		{
			name:     "raw object",
			content:  `{"name": "recall_facts", "arguments": {"query": "jazz"}}`,
			want:     1,
			wantName: "recall_facts",
		},
		{
			name:     "array",
			content:  `[{"name": "a", "arguments": {}}, {"name": "b", "arguments": {}}]`,
			want:     2,
			wantName: "a",
		},
		{
			name:     "tagged",
			content:  `<tool_call>{"name": "list_goals", "arguments": {}}</tool_call>`,
			want:     1,
			wantName: "list_goals",
		},
		{
			name:     "unclosed tag",
			content:  `<tool_call>{"name": "list_goals", "arguments": {}}`,
			want:     1,
			wantName: "list_goals",
		},
		{name: "plain text", content: "Just a normal reply.", want: 0},
		{name: "empty", content: "", want: 0},
		{name: "json without name", content: `{"arguments": {}}`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			calls := parseTextToolCalls(tt.content)
			if len(calls) != tt.want {
				t.Fatalf("got %d calls, want %d", len(calls), tt.want)
			}
			if tt.want > 0 && calls[0].Function.Name != tt.wantName {
				t.Errorf("first call name = %q, want %q", calls[0].Function.Name, tt.wantName)
			}
		})
	}
}

func TestOllamaChat(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/chat" {
			t.Errorf("path = %s, want /api/chat", r.URL.Path)
		}
		var req ollamaRequest
		if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
			t.Fatalf("decode request: %v", err)
		}
		if req.Stream {
			t.Error("non-streaming Chat should not set stream")
		}

		json.NewEncoder(w).Encode(ollamaResponse{
			Model:           req.Model,
			Message:         Message{Role: "assistant", Content: "Hello back."},
			Done:            true,
			PromptEvalCount: 25,
			EvalCount:       6,
		})
	}))
	defer ts.Close()

	c := NewOllamaClient(ts.URL)
	resp, err := c.Chat(context.Background(), "qwen3:4b", []Message{{Role: "user", Content: "hi"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if resp.Message.Content != "Hello back." {
		t.Errorf("Content = %q", resp.Message.Content)
	}
	if resp.InputTokens != 25 || resp.OutputTokens != 6 {
		t.Errorf("tokens = %d/%d, want 25/6", resp.InputTokens, resp.OutputTokens)
	}
}

func TestOllamaChatStream(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		enc := json.NewEncoder(w)
		enc.Encode(ollamaResponse{Message: Message{Role: "assistant", Content: "Hel"}})
		enc.Encode(ollamaResponse{Message: Message{Role: "assistant", Content: "lo."}})
		enc.Encode(ollamaResponse{Done: true, EvalCount: 4})
	}))
	defer ts.Close()

	var tokens []string
	c := NewOllamaClient(ts.URL)
	resp, err := c.ChatStream(context.Background(), "qwen3:4b",
		[]Message{{Role: "user", Content: "hi"}}, nil,
		func(ev StreamEvent) {
			if ev.Kind == KindToken {
				tokens = append(tokens, ev.Token)
			}
		})
	if err != nil {
		t.Fatalf("ChatStream: %v", err)
	}
	if got := strings.Join(tokens, ""); got != "Hello." {
		t.Errorf("streamed tokens = %q, want Hello.", got)
	}
	if resp.Message.Content != "Hello." {
		t.Errorf("final content = %q", resp.Message.Content)
	}
	if resp.OutputTokens != 4 {
		t.Errorf("OutputTokens = %d, want 4", resp.OutputTokens)
	}
}

func TestOllamaTextToolCallRecovery(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		json.NewEncoder(w).Encode(ollamaResponse{
			Message: Message{
				Role:    "assistant",
				Content: `{"name": "list_goals", "arguments": {}}`,
			},
			Done: true,
		})
	}))
	defer ts.Close()

	c := NewOllamaClient(ts.URL)
	resp, err := c.Chat(context.Background(), "qwen3:4b", []Message{{Role: "user", Content: "goals?"}}, nil)
	if err != nil {
		t.Fatalf("Chat: %v", err)
	}
	if len(resp.Message.ToolCalls) != 1 || resp.Message.ToolCalls[0].Function.Name != "list_goals" {
		t.Fatalf("tool calls = %+v, want recovered list_goals", resp.Message.ToolCalls)
	}
	if resp.Message.Content != "" {
		t.Errorf("content should be cleared after recovery, got %q", resp.Message.Content)
	}
}

func TestOllamaErrorStatus(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		http.Error(w, "model not found", http.StatusNotFound)
	}))
	defer ts.Close()

	c := NewOllamaClient(ts.URL)
	_, err := c.Chat(context.Background(), "missing", []Message{{Role: "user", Content: "hi"}}, nil)
	if err == nil {
		t.Fatal("expected error")
	}
	pe, ok := err.(*ProviderError)
	if !ok {
		t.Fatalf("error type = %T, want *ProviderError", err)
	}
	if pe.StatusCode != http.StatusNotFound {
		t.Errorf("StatusCode = %d, want 404", pe.StatusCode)
	}
}

func TestOllamaPing(t *testing.T) {
	ts := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/api/tags" {
			t.Errorf("path = %s, want /api/tags", r.URL.Path)
		}
		json.NewEncoder(w).Encode(map[string]any{"models": []any{}})
	}))
	defer ts.Close()

	c := NewOllamaClient(ts.URL)
	if err := c.Ping(context.Background()); err != nil {
		t.Errorf("Ping: %v", err)
	}
}
