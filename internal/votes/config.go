package votes

import "fmt"

const (
	// DefaultTemperature keeps extraction deterministic.
	DefaultTemperature = 0.0
	// DefaultMaxTokens is used when no max_tokens is configured.
	DefaultMaxTokens = 8192

	MinTemperature = 0.0
	MaxTemperature = 2.0
	MaxMaxTokens   = 65536
)

// GenerationConfig describes how the model is invoked. Construct it with
// NewGenerationConfig and pass it by value.
type GenerationConfig struct {
	Model       string   `json:"model" yaml:"model"`
	Temperature float64  `json:"temperature" yaml:"temperature"`
	MaxTokens   int      `json:"max_tokens" yaml:"max_tokens"`
	TopP        *float64 `json:"top_p,omitempty" yaml:"top_p,omitempty"`
	TopK        *int     `json:"top_k,omitempty" yaml:"top_k,omitempty"`
}

// GenerationOption customizes a GenerationConfig.
type GenerationOption func(*GenerationConfig)

// WithTemperature sets the sampling temperature.
func WithTemperature(t float64) GenerationOption {
	return func(c *GenerationConfig) { c.Temperature = t }
}

// WithMaxTokens sets the output token ceiling.
func WithMaxTokens(n int) GenerationOption {
	return func(c *GenerationConfig) { c.MaxTokens = n }
}

// WithTopP sets nucleus sampling.
func WithTopP(p float64) GenerationOption {
	return func(c *GenerationConfig) { c.TopP = &p }
}

// WithTopK sets top-k sampling.
func WithTopK(k int) GenerationOption {
	return func(c *GenerationConfig) { c.TopK = &k }
}

// NewGenerationConfig builds and validates a GenerationConfig.
func NewGenerationConfig(model string, opts ...GenerationOption) (GenerationConfig, error) {
	cfg := GenerationConfig{
		Model:       model,
		Temperature: DefaultTemperature,
		MaxTokens:   DefaultMaxTokens,
	}
	for _, opt := range opts {
		opt(&cfg)
	}
	if err := cfg.Validate(); err != nil {
		return GenerationConfig{}, err
	}
	return cfg, nil
}

// Validate checks the documented domains of each field.
func (c GenerationConfig) Validate() error {
	if c.Temperature < MinTemperature || c.Temperature > MaxTemperature {
		return fmt.Errorf("temperature %.2f out of range [%.1f, %.1f]", c.Temperature, MinTemperature, MaxTemperature)
	}
	if c.MaxTokens <= 0 || c.MaxTokens > MaxMaxTokens {
		return fmt.Errorf("max_tokens %d out of range (0, %d]", c.MaxTokens, MaxMaxTokens)
	}
	if c.TopP != nil && (*c.TopP <= 0 || *c.TopP > 1) {
		return fmt.Errorf("top_p %.2f out of range (0, 1]", *c.TopP)
	}
	if c.TopK != nil && *c.TopK <= 0 {
		return fmt.Errorf("top_k must be positive, got %d", *c.TopK)
	}
	return nil
}
