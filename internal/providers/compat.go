package providers

import (
	"context"
	"errors"
	"fmt"
	"math"
	"net/http"
	"time"

	"github.com/google/uuid"
	goopenai "github.com/sashabaranov/go-openai"
)

const (
	CompatName           = "compat"
	OllamaDefaultBaseURL = "http://localhost:11434/v1"
)

// CompatConfig holds configuration for an OpenAI-compatible endpoint
// (Ollama, vLLM, LM Studio and similar).
type CompatConfig struct {
	APIKey       string
	BaseURL      string
	DefaultModel string
	Timeout      time.Duration
	HTTPClient   *http.Client // Optional (tests)
}

// CompatClient implements Generator against any OpenAI-compatible chat API.
type CompatClient struct {
	baseURL      string
	defaultModel string
	client       *goopenai.Client
}

// NewCompatClient creates a new OpenAI-compatible client.
func NewCompatClient(cfg CompatConfig) *CompatClient {
	if cfg.BaseURL == "" {
		cfg.BaseURL = OllamaDefaultBaseURL
	}
	if cfg.Timeout == 0 {
		cfg.Timeout = 300 * time.Second
	}

	config := goopenai.DefaultConfig(cfg.APIKey)
	config.BaseURL = cfg.BaseURL
	if cfg.HTTPClient != nil {
		config.HTTPClient = cfg.HTTPClient
	} else {
		config.HTTPClient = &http.Client{Timeout: cfg.Timeout}
	}

	return &CompatClient{
		baseURL:      cfg.BaseURL,
		defaultModel: cfg.DefaultModel,
		client:       goopenai.NewClientWithConfig(config),
	}
}

// Name returns the provider identifier.
func (c *CompatClient) Name() string {
	return CompatName
}

// GenerateStructured sends a chat completion with a json_schema response format.
func (c *CompatClient) GenerateStructured(ctx context.Context, req *StructuredRequest) (*StructuredResponse, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	model := req.Model
	if model == "" {
		model = c.defaultModel
	}

	chatReq := goopenai.ChatCompletionRequest{
		Model:       model,
		Messages:    compatMessages(req.Messages),
		MaxTokens:   req.MaxTokens,
		Temperature: float32(req.Temperature),
	}
	// go-openai omits a zero temperature, which servers read as their default.
	if chatReq.Temperature == 0 {
		chatReq.Temperature = math.SmallestNonzeroFloat32
	}
	if req.TopP != nil {
		chatReq.TopP = float32(*req.TopP)
	}
	if req.ResponseFormat != nil {
		w, err := unwrapSchema(req.ResponseFormat.JSONSchema)
		if err != nil {
			return nil, err
		}
		chatReq.ResponseFormat = &goopenai.ChatCompletionResponseFormat{
			Type: goopenai.ChatCompletionResponseFormatTypeJSONSchema,
			JSONSchema: &goopenai.ChatCompletionResponseFormatJSONSchema{
				Name:        w.Name,
				Description: w.Description,
				Schema:      w.Schema,
				Strict:      w.Strict,
			},
		}
	}

	resp, err := c.client.CreateChatCompletion(ctx, chatReq)
	if err != nil {
		return nil, mapCompatError(err)
	}
	if len(resp.Choices) == 0 {
		return nil, fmt.Errorf("%w: no choices in response", ErrEmptyResponse)
	}

	choice := resp.Choices[0]
	result := &StructuredResponse{
		Content:          choice.Message.Content,
		FinishReason:     string(choice.FinishReason),
		PromptTokens:     resp.Usage.PromptTokens,
		CompletionTokens: resp.Usage.CompletionTokens,
		TotalTokens:      resp.Usage.TotalTokens,
		ExecutionTime:    time.Since(start),
		Provider:         CompatName,
		ModelUsed:        resp.Model,
		RequestID:        requestID,
		Attempts:         1,
	}
	if req.ResponseFormat != nil && result.Content != "" {
		if parsed, err := parseStructuredJSON(result.Content); err == nil {
			result.ParsedJSON = parsed
		}
	}
	return result, nil
}

func compatMessages(messages []Message) []goopenai.ChatCompletionMessage {
	out := make([]goopenai.ChatCompletionMessage, 0, len(messages))
	for _, m := range messages {
		msg := goopenai.ChatCompletionMessage{Role: m.Role}
		if len(m.Images) == 0 {
			msg.Content = m.Content
			out = append(out, msg)
			continue
		}
		msg.MultiContent = make([]goopenai.ChatMessagePart, 0, len(m.Images)+1)
		msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
			Type: goopenai.ChatMessagePartTypeText,
			Text: m.Content,
		})
		for _, img := range m.Images {
			msg.MultiContent = append(msg.MultiContent, goopenai.ChatMessagePart{
				Type: goopenai.ChatMessagePartTypeImageURL,
				ImageURL: &goopenai.ChatMessageImageURL{
					URL:    dataURL(img),
					Detail: goopenai.ImageURLDetailAuto,
				},
			})
		}
		out = append(out, msg)
	}
	return out
}

func mapCompatError(err error) error {
	var apiErr *goopenai.APIError
	if errors.As(err, &apiErr) {
		if apiErr.HTTPStatusCode == http.StatusTooManyRequests {
			return &RateLimitError{Message: fmt.Sprintf("rate limited: %s", apiErr.Message), StatusCode: apiErr.HTTPStatusCode}
		}
		return &StatusError{Provider: CompatName, StatusCode: apiErr.HTTPStatusCode, Message: apiErr.Message}
	}
	var reqErr *goopenai.RequestError
	if errors.As(err, &reqErr) {
		return &StatusError{Provider: CompatName, StatusCode: reqErr.HTTPStatusCode, Message: string(reqErr.Body)}
	}
	return err
}

var _ Generator = (*CompatClient)(nil)
