package providers

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/google/uuid"
	"github.com/liushuangls/go-anthropic/v2"
)

const (
	AnthropicName         = "anthropic"
	anthropicDefaultModel = "claude-sonnet-4-5"
	anthropicMaxTokens    = 8192
)

// AnthropicConfig holds configuration for the Anthropic client.
type AnthropicConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
}

// AnthropicClient implements Generator using the Anthropic Messages API.
// The schema travels in the system prompt and answers are validated and
// repaired locally.
type AnthropicClient struct {
	apiKey       string
	defaultModel string
	client       *anthropic.Client
}

// NewAnthropicClient creates a new Anthropic client.
func NewAnthropicClient(cfg AnthropicConfig) *AnthropicClient {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = anthropicDefaultModel
	}
	var opts []anthropic.ClientOption
	if cfg.BaseURL != "" {
		opts = append(opts, anthropic.WithBaseURL(cfg.BaseURL))
	}
	return &AnthropicClient{
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		client:       anthropic.NewClient(cfg.APIKey, opts...),
	}
}

// Name returns the provider identifier.
func (c *AnthropicClient) Name() string {
	return AnthropicName
}

// GenerateStructured asks for JSON through the prompt and validates it locally.
func (c *AnthropicClient) GenerateStructured(ctx context.Context, req *StructuredRequest) (*StructuredResponse, error) {
	if req.ResponseFormat != nil {
		return generateWithRepair(ctx, req, c.generate)
	}
	return c.generate(ctx, req)
}

func (c *AnthropicClient) generate(ctx context.Context, req *StructuredRequest) (*StructuredResponse, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}
	maxTokens := req.MaxTokens
	if maxTokens <= 0 {
		maxTokens = anthropicMaxTokens
	}
	temperature := float32(req.Temperature)

	msgReq := anthropic.MessagesRequest{
		Model:       anthropic.Model(model),
		System:      req.SystemPrompt(),
		Messages:    anthropicMessages(req.Messages),
		MaxTokens:   maxTokens,
		Temperature: &temperature,
	}
	if req.TopP != nil {
		topP := float32(*req.TopP)
		msgReq.TopP = &topP
	}
	if req.TopK != nil {
		topK := *req.TopK
		msgReq.TopK = &topK
	}

	resp, err := c.client.CreateMessages(ctx, msgReq)
	if err != nil {
		return nil, fmt.Errorf("anthropic request failed: %w", err)
	}

	var text strings.Builder
	for _, content := range resp.Content {
		if content.Text != nil {
			text.WriteString(*content.Text)
		}
	}

	return &StructuredResponse{
		Content:          text.String(),
		FinishReason:     string(resp.StopReason),
		PromptTokens:     resp.Usage.InputTokens,
		CompletionTokens: resp.Usage.OutputTokens,
		TotalTokens:      resp.Usage.InputTokens + resp.Usage.OutputTokens,
		ExecutionTime:    time.Since(start),
		Provider:         AnthropicName,
		ModelUsed:        string(resp.Model),
		RequestID:        requestID,
		Attempts:         1,
	}, nil
}

func anthropicMessages(messages []Message) []anthropic.Message {
	out := make([]anthropic.Message, 0, len(messages))
	for _, m := range messages {
		if m.Role == "system" {
			continue
		}
		role := anthropic.RoleUser
		if m.Role == "assistant" {
			role = anthropic.RoleAssistant
		}
		content := make([]anthropic.MessageContent, 0, len(m.Images)+1)
		for _, img := range m.Images {
			content = append(content, anthropic.NewImageMessageContent(
				anthropic.NewMessageContentSource(
					anthropic.MessagesContentSourceTypeBase64,
					sniffImageMIME(img),
					base64.StdEncoding.EncodeToString(img),
				),
			))
		}
		if m.Content != "" {
			content = append(content, anthropic.NewTextMessageContent(m.Content))
		}
		out = append(out, anthropic.Message{Role: role, Content: content})
	}
	return out
}

var _ Generator = (*AnthropicClient)(nil)
