package providers

import (
	"context"
	"encoding/json"
	"strings"
	"time"
)

// Generator is the single capability the pipeline needs from a model provider:
// schema-constrained generation returning a text/JSON payload and a finish reason.
type Generator interface {
	// GenerateStructured sends one request and returns the model's answer.
	// Implementations do not retry on empty output; callers own that policy.
	GenerateStructured(ctx context.Context, req *StructuredRequest) (*StructuredResponse, error)

	// Name returns the provider identifier (e.g., "openrouter").
	Name() string
}

// Message represents a chat message.
type Message struct {
	Role    string   `json:"role"` // "system", "user", "assistant"
	Content string   `json:"content"`
	Images  [][]byte `json:"-"` // Page images, sent in order after Content
}

// ResponseFormat specifies structured output format.
type ResponseFormat struct {
	Type string `json:"type"` // "json_schema"
	// JSONSchema is the wrapped document {"name","strict","description","schema"}.
	JSONSchema json.RawMessage `json:"json_schema,omitempty"`
}

// JSONSchemaFormat wraps a schema document as a json_schema response format.
func JSONSchemaFormat(wrapped json.RawMessage) *ResponseFormat {
	return &ResponseFormat{Type: "json_schema", JSONSchema: wrapped}
}

// StructuredRequest is a request to a Generator.
type StructuredRequest struct {
	// Required
	Messages []Message `json:"messages"`

	// Model selection (uses client default if empty)
	Model string `json:"model,omitempty"`

	// Generation parameters
	Temperature float64  `json:"temperature"`
	MaxTokens   int      `json:"max_tokens,omitempty"`
	TopP        *float64 `json:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty"`

	// Structured output
	ResponseFormat *ResponseFormat `json:"response_format,omitempty"`

	// Request tracking
	RequestID string `json:"-"`
}

// SystemPrompt returns the content of the first system message.
func (r *StructuredRequest) SystemPrompt() string {
	for _, m := range r.Messages {
		if m.Role == "system" {
			return m.Content
		}
	}
	return ""
}

// ImageCount returns the number of images across all messages.
func (r *StructuredRequest) ImageCount() int {
	n := 0
	for _, m := range r.Messages {
		n += len(m.Images)
	}
	return n
}

// StructuredResponse is the complete response from one generation call.
type StructuredResponse struct {
	// Response content
	Content    string          `json:"content"`
	ParsedJSON json.RawMessage `json:"parsed_json,omitempty"` // Set when Content parsed as JSON

	FinishReason string `json:"finish_reason,omitempty"`

	// Token counts
	PromptTokens     int `json:"prompt_tokens"`
	CompletionTokens int `json:"completion_tokens"`
	ReasoningTokens  int `json:"reasoning_tokens,omitempty"`
	TotalTokens      int `json:"total_tokens"`

	// Cost and timing
	CostUSD       float64       `json:"cost_usd"`
	ExecutionTime time.Duration `json:"execution_time"`

	// Provider info
	Provider  string `json:"provider"`
	ModelUsed string `json:"model_used"`

	// Request tracking
	RequestID string `json:"request_id"`
	Attempts  int    `json:"attempts"`
}

// HasText reports whether the response carries a non-empty payload.
func (r *StructuredResponse) HasText() bool {
	return r != nil && len(strings.TrimSpace(r.Content)) > 0
}
