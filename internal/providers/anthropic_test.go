package providers

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"
)

func TestChatParsesToolUse(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := r.Header.Get("x-api-key"); got != "test-key" {
			t.Errorf("x-api-key = %q", got)
		}
		if got := r.Header.Get("anthropic-version"); got != anthropicAPIVersion {
			t.Errorf("anthropic-version = %q", got)
		}
		io.WriteString(w, `{
			"content": [
				{"type": "text", "text": "checking"},
				{"type": "tool_use", "id": "tu_1", "name": "bash", "input": {"command": "ls"}}
			],
			"stop_reason": "tool_use",
			"usage": {"input_tokens": 10, "output_tokens": 5}
		}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("test-key", WithAnthropicBaseURL(srv.URL))
	resp, err := p.Chat(context.Background(), ChatRequest{
		Messages: []Message{{Role: "user", Content: "list files"}},
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.FinishReason != "tool_calls" {
		t.Errorf("FinishReason = %q, want tool_calls", resp.FinishReason)
	}
	if len(resp.ToolCalls) != 1 || resp.ToolCalls[0].Name != "bash" {
		t.Fatalf("ToolCalls = %+v", resp.ToolCalls)
	}
	if cmd := resp.ToolCalls[0].Arguments["command"]; cmd != "ls" {
		t.Errorf("command arg = %v", cmd)
	}
	if resp.Usage.TotalTokens != 15 {
		t.Errorf("TotalTokens = %d, want 15", resp.Usage.TotalTokens)
	}
}

func TestBuildRequestBodyToolResults(t *testing.T) {
	p := NewAnthropicProvider("k")
	body := p.buildRequestBody("m", ChatRequest{
		Messages: []Message{
			{Role: "system", Content: "you are finch"},
			{Role: "user", Content: "hi"},
			{Role: "assistant", Content: "", ToolCalls: []ToolCall{{ID: "tu_1", Name: "bash", Arguments: map[string]interface{}{"command": "ls"}}}},
			{Role: "tool", Content: "file.txt", ToolCallID: "tu_1"},
		},
		Tools: []ToolDefinition{{Name: "bash", Description: "run", InputSchema: map[string]interface{}{"type": "object"}}},
	}, false)

	msgs := body["messages"].([]map[string]interface{})
	if len(msgs) != 3 {
		t.Fatalf("got %d messages, want 3 (system separated)", len(msgs))
	}
	// Tool result must ride as a user message with tool_result block.
	toolMsg := msgs[2]
	if toolMsg["role"] != "user" {
		t.Errorf("tool result role = %v, want user", toolMsg["role"])
	}
	blocks := toolMsg["content"].([]map[string]interface{})
	if blocks[0]["type"] != "tool_result" || blocks[0]["tool_use_id"] != "tu_1" {
		t.Errorf("tool result block = %+v", blocks[0])
	}
	if _, ok := body["system"]; !ok {
		t.Error("system blocks missing from body")
	}

	// Whole body must be JSON-serializable (the wire payload).
	if _, err := json.Marshal(body); err != nil {
		t.Errorf("body not marshalable: %v", err)
	}
}

func TestChatRetriesTransientFailure(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		if calls == 1 {
			w.WriteHeader(http.StatusInternalServerError)
			return
		}
		io.WriteString(w, `{"content":[{"type":"text","text":"ok"}],"stop_reason":"end_turn","usage":{"input_tokens":1,"output_tokens":1}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL),
		WithAnthropicRetry(RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, Factor: 2}))
	resp, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err != nil {
		t.Fatal(err)
	}
	if calls != 2 {
		t.Errorf("calls = %d, want 2", calls)
	}
	if resp.Content != "ok" {
		t.Errorf("Content = %q", resp.Content)
	}
}

func TestChatDoesNotRetryClientError(t *testing.T) {
	calls := 0
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		calls++
		w.WriteHeader(http.StatusBadRequest)
		io.WriteString(w, `{"error":{"type":"invalid_request_error"}}`)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL),
		WithAnthropicRetry(RetryConfig{MaxRetries: 2, InitialDelay: time.Millisecond, Factor: 2}))
	_, err := p.Chat(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}})
	if err == nil {
		t.Fatal("expected error")
	}
	var httpErr *HTTPError
	if !errors.As(err, &httpErr) || httpErr.Status != 400 {
		t.Errorf("error = %v, want HTTPError 400", err)
	}
	if calls != 1 {
		t.Errorf("calls = %d, want 1 (no retry on 400)", calls)
	}
}

func TestChatStreamAccumulates(t *testing.T) {
	stream := strings.Join([]string{
		`event: message_start`,
		`data: {"message":{"usage":{"input_tokens":7}}}`,
		``,
		`event: content_block_delta`,
		`data: {"delta":{"type":"text_delta","text":"hel"}}`,
		``,
		`event: content_block_delta`,
		`data: {"delta":{"type":"text_delta","text":"lo"}}`,
		``,
		`event: message_delta`,
		`data: {"delta":{"stop_reason":"end_turn"},"usage":{"output_tokens":3}}`,
		``,
		`event: message_stop`,
		`data: {}`,
		``,
	}, "\n")
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		io.WriteString(w, stream)
	}))
	defer srv.Close()

	p := NewAnthropicProvider("k", WithAnthropicBaseURL(srv.URL))
	var chunks []string
	resp, err := p.ChatStream(context.Background(), ChatRequest{Messages: []Message{{Role: "user", Content: "x"}}}, func(c StreamChunk) {
		if c.Content != "" {
			chunks = append(chunks, c.Content)
		}
	})
	if err != nil {
		t.Fatal(err)
	}
	if resp.Content != "hello" {
		t.Errorf("Content = %q, want hello", resp.Content)
	}
	if len(chunks) != 2 {
		t.Errorf("chunks = %v", chunks)
	}
	if resp.Usage == nil || resp.Usage.TotalTokens != 10 {
		t.Errorf("Usage = %+v", resp.Usage)
	}
}

func TestParseRetryAfter(t *testing.T) {
	tests := []struct {
		in   string
		want time.Duration
	}{
		{"", 0},
		{"5", 5 * time.Second},
		{"garbage", 0},
		{"-1", 0},
	}
	for _, tt := range tests {
		if got := ParseRetryAfter(tt.in); got != tt.want {
			t.Errorf("ParseRetryAfter(%q) = %v, want %v", tt.in, got, tt.want)
		}
	}
}
