package providers

import (
	"os"
)

// TestConfig holds provider configurations loaded from environment variables.
// This allows live tests to use the same configuration pattern as production.
type TestConfig struct {
	OpenRouterAPIKey string
	OpenAIAPIKey     string
	GeminiAPIKey     string
	AnthropicAPIKey  string
}

// LoadTestConfig loads provider API keys from environment variables.
func LoadTestConfig() TestConfig {
	return TestConfig{
		OpenRouterAPIKey: os.Getenv("OPENROUTER_API_KEY"),
		OpenAIAPIKey:     os.Getenv("OPENAI_API_KEY"),
		GeminiAPIKey:     os.Getenv("GEMINI_API_KEY"),
		AnthropicAPIKey:  os.Getenv("ANTHROPIC_API_KEY"),
	}
}

// HasOpenRouter returns true if OpenRouter API key is configured.
func (c TestConfig) HasOpenRouter() bool {
	return c.OpenRouterAPIKey != ""
}

// HasAny returns true if any provider key is configured.
func (c TestConfig) HasAny() bool {
	return c.OpenRouterAPIKey != "" || c.OpenAIAPIKey != "" || c.GeminiAPIKey != "" || c.AnthropicAPIKey != ""
}

// ToRegistryConfig converts test config to a RegistryConfig for the provider registry.
// Only includes providers that have API keys configured.
func (c TestConfig) ToRegistryConfig() RegistryConfig {
	cfg := RegistryConfig{LLMProviders: make(map[string]LLMProviderConfig)}
	add := func(name, typ, key string) {
		if key == "" {
			return
		}
		cfg.LLMProviders[name] = LLMProviderConfig{Type: typ, APIKey: key, RateLimit: 60, Enabled: true}
	}
	add("openrouter", TypeOpenRouter, c.OpenRouterAPIKey)
	add("openai", TypeOpenAI, c.OpenAIAPIKey)
	add("gemini", TypeGemini, c.GeminiAPIKey)
	add("anthropic", TypeAnthropic, c.AnthropicAPIKey)
	return cfg
}
