package reasoning

import (
	"testing"
)

func TestConvertToAnthropic(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "You are Vesper."},
		{Role: "user", Content: "Hello!"},
		{Role: "assistant", Content: "Hi there!"},
		{Role: "user", Content: "Remind me about the dentist."},
	}

	result, system := convertToAnthropic(messages)

	if system != "You are Vesper." {
		t.Errorf("expected system prompt extracted, got %q", system)
	}
	if len(result) != 3 {
		t.Fatalf("expected 3 messages (no system), got %d", len(result))
	}
	if result[0].Role != "user" {
		t.Errorf("expected first message to be user, got %s", result[0].Role)
	}
}

func TestConvertToAnthropicSystemMerging(t *testing.T) {
	messages := []Message{
		{Role: "system", Content: "Identity."},
		{Role: "system", Content: "Facts."},
		{Role: "user", Content: "hi"},
	}

	_, system := convertToAnthropic(messages)
	if system != "Identity.\n\nFacts." {
		t.Errorf("system = %q, want joined prompt", system)
	}
}

func TestConvertToAnthropicWithToolCalls(t *testing.T) {
	messages := []Message{
		{Role: "user", Content: "Remember that I like jazz."},
		{
			Role:      "assistant",
			ToolCalls: []ToolCall{NewToolCall("toolu_abc123", "remember_fact", map[string]any{"subject": "music"})},
		},
		{Role: "tool", Content: "Remembered.", ToolCallID: "toolu_abc123"},
	}

	result, _ := convertToAnthropic(messages)
	if len(result) != 3 {
		t.Fatalf("expected 3 messages, got %d", len(result))
	}

	assistantContent, ok := result[1].Content.([]anthropicContent)
	if !ok {
		t.Fatal("expected assistant content to be []anthropicContent")
	}
	if len(assistantContent) != 1 {
		t.Fatalf("expected 1 content block, got %d", len(assistantContent))
	}
	if assistantContent[0].Type != "tool_use" {
		t.Errorf("expected tool_use block, got %s", assistantContent[0].Type)
	}
	if assistantContent[0].ID != "toolu_abc123" {
		t.Errorf("tool_use ID = %s, want toolu_abc123", assistantContent[0].ID)
	}

	toolResult, ok := result[2].Content.([]anthropicContent)
	if !ok {
		t.Fatal("expected tool result content to be []anthropicContent")
	}
	if toolResult[0].Type != "tool_result" {
		t.Errorf("expected tool_result, got %s", toolResult[0].Type)
	}
	if toolResult[0].ToolUseID != "toolu_abc123" {
		t.Errorf("tool_use_id = %s, want toolu_abc123", toolResult[0].ToolUseID)
	}
	if result[2].Role != "user" {
		t.Errorf("tool result role = %s, want user", result[2].Role)
	}
}

func TestConvertToAnthropicMissingToolCallID(t *testing.T) {
	messages := []Message{
		{
			Role:      "assistant",
			ToolCalls: []ToolCall{NewToolCall("", "list_goals", nil)},
		},
	}

	result, _ := convertToAnthropic(messages)
	blocks := result[0].Content.([]anthropicContent)
	if blocks[0].ID == "" {
		t.Error("expected synthesized tool_use ID for missing call ID")
	}
	if blocks[0].Input == nil {
		t.Error("expected nil arguments replaced with empty object")
	}
}

func TestConvertToolsToAnthropic(t *testing.T) {
	tools := []map[string]any{
		{
			"type": "function",
			"function": map[string]any{
				"name":        "recall_facts",
				"description": "Search stored facts",
				"parameters": map[string]any{
					"type": "object",
					"properties": map[string]any{
						"query": map[string]any{"type": "string"},
					},
					"required": []string{"query"},
				},
			},
		},
		{
			"type": "function",
			"function": map[string]any{
				"name": "no_params",
			},
		},
	}

	result := convertToolsToAnthropic(tools)
	if len(result) != 2 {
		t.Fatalf("expected 2 tools, got %d", len(result))
	}
	if result[0].Name != "recall_facts" {
		t.Errorf("Name = %s, want recall_facts", result[0].Name)
	}
	if result[0].InputSchema == nil {
		t.Error("expected input schema carried through")
	}
	if result[1].InputSchema == nil {
		t.Error("expected default empty schema for tool without parameters")
	}

	if got := convertToolsToAnthropic(nil); got != nil {
		t.Errorf("expected nil for no tools, got %v", got)
	}
}

func TestConvertFromAnthropic(t *testing.T) {
	resp := &anthropicResponse{
		Role:  "assistant",
		Model: "claude-sonnet-4-20250514",
		Content: []anthropicContent{
			{Type: "text", Text: "Let me check. "},
			{Type: "tool_use", ID: "toolu_1", Name: "recall_facts", Input: map[string]any{"query": "jazz"}},
			{Type: "text", Text: "One moment."},
		},
		Usage: anthropicUsage{InputTokens: 120, OutputTokens: 18},
	}

	result := convertFromAnthropic(resp)
	if result.Message.Content != "Let me check. One moment." {
		t.Errorf("Content = %q", result.Message.Content)
	}
	if len(result.Message.ToolCalls) != 1 {
		t.Fatalf("expected 1 tool call, got %d", len(result.Message.ToolCalls))
	}
	tc := result.Message.ToolCalls[0]
	if tc.ID != "toolu_1" || tc.Function.Name != "recall_facts" {
		t.Errorf("tool call = %+v", tc)
	}
	if tc.Function.Arguments["query"] != "jazz" {
		t.Errorf("arguments = %v", tc.Function.Arguments)
	}
	if result.InputTokens != 120 || result.OutputTokens != 18 {
		t.Errorf("tokens = %d/%d, want 120/18", result.InputTokens, result.OutputTokens)
	}
}
