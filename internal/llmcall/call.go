// Package llmcall builds records of individual model calls for traceability.
// Every call carries its prompt key and hash, the model and provider that
// answered, token usage and the raw response.
package llmcall

import (
	"errors"
	"time"

	"github.com/google/uuid"

	"github.com/jackzampolin/tally/internal/providers"
)

// Call represents a recorded LLM API call.
type Call struct {
	// Unique identifier
	ID string `json:"id"`

	// Timing
	Timestamp time.Time `json:"timestamp"`
	LatencyMs int       `json:"latency_ms"`

	// Context references
	FormSetName string `json:"form_set_name,omitempty"`
	RequestID   string `json:"request_id,omitempty"`
	Attempt     int    `json:"attempt,omitempty"`

	// Prompt traceability
	PromptKey  string `json:"prompt_key"`
	PromptHash string `json:"prompt_hash,omitempty"` // Content hash of the exact prompt text used

	// Model info
	Provider    string   `json:"provider"`
	Model       string   `json:"model"`
	Temperature *float64 `json:"temperature,omitempty"`

	// Token usage
	InputTokens  int     `json:"input_tokens"`
	OutputTokens int     `json:"output_tokens"`
	TotalTokens  int     `json:"total_tokens"`
	CostUSD      float64 `json:"cost_usd,omitempty"`

	// Response
	Response     string `json:"response"`
	FinishReason string `json:"finish_reason,omitempty"`

	// Status
	Success bool   `json:"success"`
	Error   string `json:"error,omitempty"`
}

// RecordOptions provides context for recording an LLM call.
type RecordOptions struct {
	FormSetName string
	Attempt     int

	// Prompt identification (required for traceability)
	PromptKey  string
	PromptHash string

	// Requested model and provider, used when the response does not name them.
	Provider string
	Model    string

	// Request parameters (pointer to distinguish "not set" from "set to 0")
	Temperature *float64

	// Latency is used for failed calls, which carry no response timing.
	Latency time.Duration
}

// FromStructured creates a Call from a structured response.
// Returns nil if resp is nil.
func FromStructured(resp *providers.StructuredResponse, opts RecordOptions) *Call {
	if resp == nil {
		return nil
	}

	call := newCall(opts)
	call.LatencyMs = int(resp.ExecutionTime.Milliseconds())
	call.RequestID = resp.RequestID
	call.InputTokens = resp.PromptTokens
	call.OutputTokens = resp.CompletionTokens
	call.TotalTokens = resp.TotalTokens
	call.CostUSD = resp.CostUSD
	call.Response = resp.Content
	call.FinishReason = resp.FinishReason
	call.Success = resp.HasText()
	if !call.Success {
		call.Error = providers.ErrEmptyResponse.Error()
	}

	if resp.Provider != "" {
		call.Provider = resp.Provider
	}
	if resp.ModelUsed != "" {
		call.Model = resp.ModelUsed
	}
	return call
}

// FromError creates a Call for a request that produced no response.
func FromError(err error, opts RecordOptions) *Call {
	call := newCall(opts)
	call.LatencyMs = int(opts.Latency.Milliseconds())
	if err == nil {
		err = errors.New("no response")
	}
	call.Error = err.Error()
	return call
}

func newCall(opts RecordOptions) *Call {
	return &Call{
		ID:          uuid.New().String(),
		Timestamp:   time.Now(),
		FormSetName: opts.FormSetName,
		Attempt:     opts.Attempt,
		PromptKey:   opts.PromptKey,
		PromptHash:  opts.PromptHash,
		Provider:    opts.Provider,
		Model:       opts.Model,
		Temperature: opts.Temperature,
	}
}

// Metrics returns the numeric fields for span annotation.
func (c *Call) Metrics() map[string]float64 {
	m := map[string]float64{
		"latency_ms":    float64(c.LatencyMs),
		"input_tokens":  float64(c.InputTokens),
		"output_tokens": float64(c.OutputTokens),
		"total_tokens":  float64(c.TotalTokens),
	}
	if c.CostUSD > 0 {
		m["cost_usd"] = c.CostUSD
	}
	return m
}

// Tags returns the string fields for span annotation. llm spans always
// carry model and provider.
func (c *Call) Tags() map[string]string {
	tags := map[string]string{
		"model":      c.Model,
		"provider":   c.Provider,
		"prompt_key": c.PromptKey,
	}
	if c.PromptHash != "" {
		tags["prompt_hash"] = c.PromptHash
	}
	if c.FinishReason != "" {
		tags["finish_reason"] = c.FinishReason
	}
	if c.RequestID != "" {
		tags["request_id"] = c.RequestID
	}
	return tags
}
