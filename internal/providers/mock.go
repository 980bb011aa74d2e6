package providers

import (
	"context"
	"fmt"
	"sync"
	"sync/atomic"
	"time"
)

const MockGeneratorName = "mock"

// MockResponse is one scripted answer. Panic makes the call panic with the given value.
type MockResponse struct {
	Content      string
	FinishReason string
	Err          error
	Nil          bool // return (nil, nil)
	Panic        any
}

// MockGenerator is a Generator for testing. Scripted responses are consumed in
// order; once exhausted the last one repeats. With no script it answers ResponseText.
type MockGenerator struct {
	// Configurable behavior
	Latency      time.Duration
	ResponseText string
	Responses    []MockResponse

	// Handler, when set, overrides the script.
	Handler func(ctx context.Context, req *StructuredRequest) (*StructuredResponse, error)

	// State
	mu           sync.Mutex
	requests     []*StructuredRequest
	requestCount atomic.Int64
}

// NewMockGenerator creates a mock that answers with the given responses in order.
func NewMockGenerator(responses ...MockResponse) *MockGenerator {
	return &MockGenerator{
		ResponseText: "[]",
		Responses:    responses,
	}
}

// NewMockGeneratorText is shorthand for a mock that always answers text.
func NewMockGeneratorText(text string) *MockGenerator {
	return NewMockGenerator(MockResponse{Content: text})
}

// Name returns the client identifier.
func (m *MockGenerator) Name() string {
	return MockGeneratorName
}

// GenerateStructured returns the next scripted response.
func (m *MockGenerator) GenerateStructured(ctx context.Context, req *StructuredRequest) (*StructuredResponse, error) {
	start := time.Now()
	count := m.requestCount.Add(1)

	m.mu.Lock()
	m.requests = append(m.requests, req)
	m.mu.Unlock()

	if m.Latency > 0 {
		select {
		case <-time.After(m.Latency):
		case <-ctx.Done():
			return nil, ctx.Err()
		}
	}

	if m.Handler != nil {
		return m.Handler(ctx, req)
	}

	scripted := MockResponse{Content: m.ResponseText, FinishReason: "stop"}
	if len(m.Responses) > 0 {
		idx := int(count) - 1
		if idx >= len(m.Responses) {
			idx = len(m.Responses) - 1
		}
		scripted = m.Responses[idx]
	}

	if scripted.Panic != nil {
		panic(scripted.Panic)
	}
	if scripted.Err != nil {
		return nil, scripted.Err
	}
	if scripted.Nil {
		return nil, nil
	}

	finish := scripted.FinishReason
	if finish == "" {
		finish = "stop"
	}

	// Simulate token counting
	promptTokens := 0
	for _, msg := range req.Messages {
		promptTokens += len(msg.Content)/4 + 258*len(msg.Images) // Rough estimate
	}
	completionTokens := len(scripted.Content) / 4

	result := &StructuredResponse{
		Content:          scripted.Content,
		FinishReason:     finish,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		TotalTokens:      promptTokens + completionTokens,
		ExecutionTime:    time.Since(start),
		Provider:         MockGeneratorName,
		ModelUsed:        req.Model,
		RequestID:        fmt.Sprintf("mock-%d", count),
		Attempts:         1,
	}
	if req.ResponseFormat != nil && scripted.Content != "" {
		if parsed, err := parseStructuredJSON(scripted.Content); err == nil {
			result.ParsedJSON = parsed
		}
	}
	return result, nil
}

// RequestCount returns the number of requests made.
func (m *MockGenerator) RequestCount() int64 {
	return m.requestCount.Load()
}

// Requests returns the requests received so far.
func (m *MockGenerator) Requests() []*StructuredRequest {
	m.mu.Lock()
	defer m.mu.Unlock()
	return append([]*StructuredRequest(nil), m.requests...)
}

// Reset resets the request counter and history.
func (m *MockGenerator) Reset() {
	m.requestCount.Store(0)
	m.mu.Lock()
	m.requests = nil
	m.mu.Unlock()
}

// Verify interface
var _ Generator = (*MockGenerator)(nil)
