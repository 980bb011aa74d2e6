package providers

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/google/generative-ai-go/genai"
	"github.com/google/uuid"
	"google.golang.org/api/googleapi"
	"google.golang.org/api/option"
)

const (
	GeminiName         = "gemini"
	geminiDefaultModel = "gemini-2.5-flash"
)

// GeminiConfig holds configuration for the Gemini client.
type GeminiConfig struct {
	APIKey       string
	DefaultModel string
	Endpoint     string // Optional (tests, regional endpoints)
}

// GeminiClient implements Generator using the Gemini API with a native
// response schema.
type GeminiClient struct {
	apiKey       string
	defaultModel string
	client       *genai.Client
}

// NewGeminiClient creates a new Gemini client. Close releases its connections.
func NewGeminiClient(ctx context.Context, cfg GeminiConfig) (*GeminiClient, error) {
	if cfg.DefaultModel == "" {
		cfg.DefaultModel = geminiDefaultModel
	}
	opts := []option.ClientOption{option.WithAPIKey(cfg.APIKey)}
	if cfg.Endpoint != "" {
		opts = append(opts, option.WithEndpoint(cfg.Endpoint))
	}
	client, err := genai.NewClient(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to create gemini client: %w", err)
	}
	return &GeminiClient{
		apiKey:       cfg.APIKey,
		defaultModel: cfg.DefaultModel,
		client:       client,
	}, nil
}

// Name returns the provider identifier.
func (c *GeminiClient) Name() string {
	return GeminiName
}

// Close releases the underlying client.
func (c *GeminiClient) Close() error {
	return c.client.Close()
}

// GenerateStructured sends one GenerateContent call with ResponseSchema set.
func (c *GeminiClient) GenerateStructured(ctx context.Context, req *StructuredRequest) (*StructuredResponse, error) {
	start := time.Now()

	requestID := req.RequestID
	if requestID == "" {
		requestID = uuid.New().String()
	}
	modelName := req.Model
	if modelName == "" {
		modelName = c.defaultModel
	}

	model := c.client.GenerativeModel(modelName)
	model.SetTemperature(float32(req.Temperature))
	if req.MaxTokens > 0 {
		model.SetMaxOutputTokens(int32(req.MaxTokens))
	}
	if req.TopP != nil {
		model.SetTopP(float32(*req.TopP))
	}
	if req.TopK != nil {
		model.SetTopK(int32(*req.TopK))
	}
	if sys := req.SystemPrompt(); sys != "" {
		model.SystemInstruction = genai.NewUserContent(genai.Text(sys))
	}
	if req.ResponseFormat != nil {
		w, err := unwrapSchema(req.ResponseFormat.JSONSchema)
		if err != nil {
			return nil, err
		}
		schema, err := geminiSchema(w.Schema)
		if err != nil {
			return nil, err
		}
		model.ResponseMIMEType = "application/json"
		model.ResponseSchema = schema
	}

	var parts []genai.Part
	for _, m := range req.Messages {
		if m.Role == "system" {
			continue
		}
		if m.Content != "" {
			parts = append(parts, genai.Text(m.Content))
		}
		for _, img := range m.Images {
			format := strings.TrimPrefix(sniffImageMIME(img), "image/")
			parts = append(parts, genai.ImageData(format, img))
		}
	}

	resp, err := model.GenerateContent(ctx, parts...)
	if err != nil {
		return nil, mapGeminiError(err)
	}
	if len(resp.Candidates) == 0 {
		return nil, fmt.Errorf("%w: no candidates in response", ErrEmptyResponse)
	}

	cand := resp.Candidates[0]
	var text strings.Builder
	if cand.Content != nil {
		for _, p := range cand.Content.Parts {
			if t, ok := p.(genai.Text); ok {
				text.WriteString(string(t))
			}
		}
	}

	result := &StructuredResponse{
		Content:       text.String(),
		FinishReason:  strings.ToLower(cand.FinishReason.String()),
		ExecutionTime: time.Since(start),
		Provider:      GeminiName,
		ModelUsed:     modelName,
		RequestID:     requestID,
		Attempts:      1,
	}
	if resp.UsageMetadata != nil {
		result.PromptTokens = int(resp.UsageMetadata.PromptTokenCount)
		result.CompletionTokens = int(resp.UsageMetadata.CandidatesTokenCount)
		result.TotalTokens = int(resp.UsageMetadata.TotalTokenCount)
	}
	if req.ResponseFormat != nil && result.Content != "" {
		if parsed, err := parseStructuredJSON(result.Content); err == nil {
			result.ParsedJSON = parsed
		}
	}
	return result, nil
}

// geminiSchema converts the JSON-schema subset used by this repo into a genai.Schema.
// ["T","null"] unions become Nullable; keywords Gemini does not support are dropped.
func geminiSchema(raw json.RawMessage) (*genai.Schema, error) {
	var node map[string]any
	if err := json.Unmarshal(raw, &node); err != nil {
		return nil, fmt.Errorf("invalid schema for gemini: %w", err)
	}
	return convertGeminiSchema(node)
}

func convertGeminiSchema(node map[string]any) (*genai.Schema, error) {
	s := &genai.Schema{}
	if d, ok := node["description"].(string); ok {
		s.Description = d
	}

	typeName := ""
	switch t := node["type"].(type) {
	case string:
		typeName = t
	case []any:
		for _, item := range t {
			name, _ := item.(string)
			if name == "null" {
				s.Nullable = true
				continue
			}
			typeName = name
		}
	}

	switch typeName {
	case "string":
		s.Type = genai.TypeString
		if enum, ok := node["enum"].([]any); ok {
			for _, e := range enum {
				if v, ok := e.(string); ok {
					s.Enum = append(s.Enum, v)
				}
			}
		}
	case "number":
		s.Type = genai.TypeNumber
	case "integer":
		s.Type = genai.TypeInteger
	case "boolean":
		s.Type = genai.TypeBoolean
	case "array":
		s.Type = genai.TypeArray
		if items, ok := node["items"].(map[string]any); ok {
			child, err := convertGeminiSchema(items)
			if err != nil {
				return nil, err
			}
			s.Items = child
		}
	case "object":
		s.Type = genai.TypeObject
		if props, ok := node["properties"].(map[string]any); ok {
			s.Properties = make(map[string]*genai.Schema, len(props))
			for name, p := range props {
				pm, ok := p.(map[string]any)
				if !ok {
					return nil, fmt.Errorf("property %s is not an object", name)
				}
				child, err := convertGeminiSchema(pm)
				if err != nil {
					return nil, fmt.Errorf("property %s: %w", name, err)
				}
				s.Properties[name] = child
			}
		}
		if req, ok := node["required"].([]any); ok {
			for _, r := range req {
				if v, ok := r.(string); ok {
					s.Required = append(s.Required, v)
				}
			}
		}
	default:
		return nil, fmt.Errorf("unsupported schema type %q", typeName)
	}
	return s, nil
}

func mapGeminiError(err error) error {
	var gErr *googleapi.Error
	if errors.As(err, &gErr) {
		if gErr.Code == http.StatusTooManyRequests {
			return &RateLimitError{Message: fmt.Sprintf("Gemini rate limited: %s", gErr.Message), StatusCode: gErr.Code}
		}
		return &StatusError{Provider: "Gemini", StatusCode: gErr.Code, Message: gErr.Message}
	}
	return err
}

var _ Generator = (*GeminiClient)(nil)
