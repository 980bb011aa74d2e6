package providers

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"
	"time"
)

const testSchema = `{
	"name":"election_form",
	"strict":false,
	"schema":{
		"type":"object",
		"properties":{
			"records":{"type":"array","items":{"type":"object","properties":{"vote_count":{"type":"integer"}},"required":["vote_count"]}}
		},
		"required":["records"]
	}
}`

func openRouterReply(content string) map[string]any {
	return map[string]any{
		"id":    "test-id",
		"model": "google/gemini-2.5-flash",
		"choices": []map[string]any{
			{
				"message": map[string]any{
					"role":    "assistant",
					"content": content,
				},
				"finish_reason": "stop",
			},
		},
		"usage": map[string]any{
			"prompt_tokens":     10,
			"completion_tokens": 8,
			"total_tokens":      18,
			"cost":              0.0012,
		},
	}
}

func TestOpenRouterClient_GenerateStructured(t *testing.T) {
	t.Run("successful structured call", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			if r.URL.Path != "/chat/completions" {
				t.Errorf("unexpected path: %s", r.URL.Path)
			}
			if r.Method != "POST" {
				t.Errorf("unexpected method: %s", r.Method)
			}
			if auth := r.Header.Get("Authorization"); auth != "Bearer test-key" {
				t.Errorf("unexpected authorization: %s", auth)
			}

			var req openRouterRequest
			if err := json.NewDecoder(r.Body).Decode(&req); err != nil {
				t.Fatalf("decode request: %v", err)
			}
			if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_schema" {
				t.Errorf("expected json_schema response format, got %+v", req.ResponseFormat)
			}
			if req.Temperature != 0 {
				t.Errorf("temperature = %v, want 0", req.Temperature)
			}

			w.Header().Set("Content-Type", "application/json")
			json.NewEncoder(w).Encode(openRouterReply(`{"records":[{"vote_count":1}]}`))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{
			APIKey:  "test-key",
			BaseURL: server.URL,
		})

		result, err := client.GenerateStructured(context.Background(), &StructuredRequest{
			Messages:       []Message{{Role: "user", Content: "Read the form"}},
			ResponseFormat: JSONSchemaFormat(json.RawMessage(testSchema)),
		})
		if err != nil {
			t.Fatalf("GenerateStructured() error = %v", err)
		}
		if result.FinishReason != "stop" {
			t.Errorf("FinishReason = %q", result.FinishReason)
		}
		if result.TotalTokens != 18 {
			t.Errorf("TotalTokens = %d, want 18", result.TotalTokens)
		}
		if result.CostUSD != 0.0012 {
			t.Errorf("CostUSD = %v", result.CostUSD)
		}
		if len(result.ParsedJSON) == 0 {
			t.Error("expected ParsedJSON to be set")
		}
	})

	t.Run("images keep page order", func(t *testing.T) {
		var received []openRouterContent
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req struct {
				Messages []struct {
					Content []openRouterContent `json:"content"`
				} `json:"messages"`
			}
			json.NewDecoder(r.Body).Decode(&req)
			if len(req.Messages) > 0 {
				received = req.Messages[0].Content
			}
			json.NewEncoder(w).Encode(openRouterReply("[]"))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
		png := []byte("\x89PNG\r\n\x1a\n0000")
		_, err := client.GenerateStructured(context.Background(), &StructuredRequest{
			Messages: []Message{{Role: "user", Content: "pages", Images: [][]byte{[]byte("page-1"), png}}},
		})
		if err != nil {
			t.Fatalf("GenerateStructured() error = %v", err)
		}
		if len(received) != 3 {
			t.Fatalf("expected text + 2 images, got %d parts", len(received))
		}
		if received[0].Type != "text" {
			t.Errorf("first part = %s, want text", received[0].Type)
		}
		if !strings.HasPrefix(received[1].ImageURL.URL, "data:image/jpeg;base64,") {
			t.Errorf("unknown bytes should default to jpeg: %s", received[1].ImageURL.URL[:30])
		}
		if !strings.HasPrefix(received[2].ImageURL.URL, "data:image/png;base64,") {
			t.Errorf("png not detected: %s", received[2].ImageURL.URL[:30])
		}
	})

	t.Run("retries transient errors then succeeds", func(t *testing.T) {
		var calls atomic.Int32
		var lastBody string
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req openRouterRequest
			json.NewDecoder(r.Body).Decode(&req)
			lastBody, _ = req.Messages[0].Content.(string)
			if calls.Add(1) < 3 {
				w.WriteHeader(http.StatusBadGateway)
				return
			}
			json.NewEncoder(w).Encode(openRouterReply("[]"))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{
			APIKey:     "k",
			BaseURL:    server.URL,
			RetryDelay: time.Millisecond,
		})
		result, err := client.GenerateStructured(context.Background(), &StructuredRequest{
			Messages: []Message{{Role: "user", Content: "hi"}},
		})
		if err != nil {
			t.Fatalf("GenerateStructured() error = %v", err)
		}
		if result.Attempts != 3 {
			t.Errorf("Attempts = %d, want 3", result.Attempts)
		}
		if !strings.Contains(lastBody, "retry_2_id") {
			t.Errorf("expected nonce on retried request, got %q", lastBody)
		}
	})

	t.Run("non-retryable status fails fast", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			calls.Add(1)
			w.WriteHeader(http.StatusUnauthorized)
			w.Write([]byte(`{"error": {"message": "bad key"}}`))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL, RetryDelay: time.Millisecond})
		_, err := client.GenerateStructured(context.Background(), &StructuredRequest{
			Messages: []Message{{Role: "user", Content: "hi"}},
		})
		var se *StatusError
		if !errors.As(err, &se) || se.StatusCode != http.StatusUnauthorized {
			t.Fatalf("expected 401 StatusError, got %v", err)
		}
		if calls.Load() != 1 {
			t.Errorf("calls = %d, want 1", calls.Load())
		}
	})

	t.Run("rate limit exhausts retries", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			w.WriteHeader(http.StatusTooManyRequests)
			w.Write([]byte(`{"error": {"message": "Rate limit exceeded"}}`))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL, RetryDelay: time.Millisecond, MaxRetries: 2})
		_, err := client.GenerateStructured(context.Background(), &StructuredRequest{
			Messages: []Message{{Role: "user", Content: "hi"}},
		})
		var rl *RateLimitError
		if !errors.As(err, &rl) {
			t.Fatalf("expected RateLimitError, got %v", err)
		}
		if !strings.Contains(err.Error(), "max retries (2) exceeded") {
			t.Errorf("unexpected error text: %v", err)
		}
	})

	t.Run("context cancellation", func(t *testing.T) {
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			time.Sleep(100 * time.Millisecond)
			w.WriteHeader(http.StatusOK)
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})

		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		_, err := client.GenerateStructured(ctx, &StructuredRequest{
			Messages: []Message{{Role: "user", Content: "test"}},
		})
		if !errors.Is(err, context.Canceled) {
			t.Errorf("expected context.Canceled, got %v", err)
		}
	})

	t.Run("anthropic models repair locally", func(t *testing.T) {
		var calls atomic.Int32
		server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			var req openRouterRequest
			json.NewDecoder(r.Body).Decode(&req)
			if req.ResponseFormat != nil {
				t.Error("anthropic models should not get a native response_format")
			}
			if calls.Add(1) == 1 {
				json.NewEncoder(w).Encode(openRouterReply(`{"records":[{"vote_count":"many"}]}`))
				return
			}
			if len(req.Messages) < 3 {
				t.Errorf("repair request should carry the failed answer, got %d messages", len(req.Messages))
			}
			json.NewEncoder(w).Encode(openRouterReply("```json\n{\"records\":[{\"vote_count\":3}]}\n```"))
		}))
		defer server.Close()

		client := NewOpenRouterClient(OpenRouterConfig{APIKey: "k", BaseURL: server.URL})
		result, err := client.GenerateStructured(context.Background(), &StructuredRequest{
			Model:          "anthropic/claude-sonnet-4.5",
			Messages:       []Message{{Role: "system", Content: "sys"}, {Role: "user", Content: "read"}},
			ResponseFormat: JSONSchemaFormat(json.RawMessage(testSchema)),
		})
		if err != nil {
			t.Fatalf("GenerateStructured() error = %v", err)
		}
		if result.Attempts != 2 {
			t.Errorf("Attempts = %d, want 2", result.Attempts)
		}
		if string(result.ParsedJSON) != `{"records":[{"vote_count":3}]}` {
			t.Errorf("ParsedJSON = %s", result.ParsedJSON)
		}
	})
}

func TestOpenRouterClient_Config(t *testing.T) {
	client := NewOpenRouterClient(OpenRouterConfig{APIKey: "test-key"})

	if client.Name() != OpenRouterName {
		t.Errorf("Name() = %s, want %s", client.Name(), OpenRouterName)
	}
	if client.baseURL != OpenRouterBaseURL {
		t.Errorf("baseURL = %s, want %s", client.baseURL, OpenRouterBaseURL)
	}
	if client.maxRetries != 3 || client.retryDelay != time.Second {
		t.Errorf("retry defaults = %d/%v", client.maxRetries, client.retryDelay)
	}
}

// TestOpenRouterIntegration runs a real call against the OpenRouter API.
// Requires OPENROUTER_API_KEY environment variable to be set.
func TestOpenRouterIntegration(t *testing.T) {
	cfg := LoadTestConfig()
	if !cfg.HasOpenRouter() {
		t.Skip("OPENROUTER_API_KEY not set - skipping integration test")
	}

	client := NewOpenRouterClient(OpenRouterConfig{APIKey: cfg.OpenRouterAPIKey})
	ctx, cancel := context.WithTimeout(context.Background(), 60*time.Second)
	defer cancel()

	result, err := client.GenerateStructured(ctx, &StructuredRequest{
		Messages: []Message{
			{Role: "system", Content: "Respond only with JSON."},
			{Role: "user", Content: `A form lists party "A" with 12 votes. Return {"records":[...]}.`},
		},
		ResponseFormat: JSONSchemaFormat(json.RawMessage(testSchema)),
		MaxTokens:      200,
	})
	if err != nil {
		t.Fatalf("GenerateStructured() error = %v", err)
	}
	if err := validateStructuredJSON(json.RawMessage(testSchema), result.ParsedJSON); err != nil {
		t.Errorf("response does not validate: %v (%s)", err, result.Content)
	}
	t.Logf("Model: %s, tokens: %d, time: %v", result.ModelUsed, result.TotalTokens, result.ExecutionTime)
}
