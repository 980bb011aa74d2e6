package config

// Config holds tally configuration.
// Stored at: ./config.yaml or ~/.tally/config.yaml
type Config struct {
	LLMProviders map[string]LLMProviderCfg `mapstructure:"llm_providers" yaml:"llm_providers"`
	Defaults     DefaultsCfg               `mapstructure:"defaults" yaml:"defaults"`
	Extraction   ExtractionCfg             `mapstructure:"extraction" yaml:"extraction"`
	Judge        JudgeCfg                  `mapstructure:"judge" yaml:"judge"`
	Validation   ValidationCfg             `mapstructure:"validation" yaml:"validation"`
	Trace        TraceCfg                  `mapstructure:"trace" yaml:"trace"`
	Prompts      PromptsCfg                `mapstructure:"prompts" yaml:"prompts"`
}

// LLMProviderCfg configures an LLM provider.
type LLMProviderCfg struct {
	Type           string `mapstructure:"type" yaml:"type"`                       // "openrouter", "openai", "gemini", "anthropic", "compat", "ollama", "mock"
	Model          string `mapstructure:"model" yaml:"model"`                     // Model name
	APIKey         string `mapstructure:"api_key" yaml:"api_key"`                 // API key (supports ${ENV_VAR} syntax)
	BaseURL        string `mapstructure:"base_url" yaml:"base_url,omitempty"`     // Endpoint override
	RateLimit      int    `mapstructure:"rate_limit" yaml:"rate_limit"`           // Requests per minute
	TimeoutSeconds int    `mapstructure:"timeout_seconds" yaml:"timeout_seconds"` // HTTP timeout
	Enabled        bool   `mapstructure:"enabled" yaml:"enabled"`
}

// DefaultsCfg specifies default provider and generation settings.
type DefaultsCfg struct {
	ExtractProvider string  `mapstructure:"extract_provider" yaml:"extract_provider"`
	JudgeProvider   string  `mapstructure:"judge_provider" yaml:"judge_provider"`
	ExtractModel    string  `mapstructure:"extract_model" yaml:"extract_model"`
	JudgeModel      string  `mapstructure:"judge_model" yaml:"judge_model"`
	Temperature     float64 `mapstructure:"temperature" yaml:"temperature"`
	MaxTokens       int     `mapstructure:"max_tokens" yaml:"max_tokens"`
}

// ExtractionCfg tunes the extraction invoker.
type ExtractionCfg struct {
	TimeoutSeconds int `mapstructure:"timeout_seconds" yaml:"timeout_seconds"`
}

// JudgeCfg tunes the judge retry loop.
type JudgeCfg struct {
	MaxAttempts       int `mapstructure:"max_attempts" yaml:"max_attempts"`
	RetryDelaySeconds int `mapstructure:"retry_delay_seconds" yaml:"retry_delay_seconds"`
}

// ValidationCfg toggles optional validation rules.
type ValidationCfg struct {
	// Strict enables the ballot arithmetic check.
	Strict bool `mapstructure:"strict" yaml:"strict"`
}

// TraceCfg selects where closed spans are exported.
type TraceCfg struct {
	Exporter        string `mapstructure:"exporter" yaml:"exporter"` // log, jsonl, mongo, redis, none
	JSONLPath       string `mapstructure:"jsonl_path" yaml:"jsonl_path"`
	MongoURI        string `mapstructure:"mongo_uri" yaml:"mongo_uri"`
	MongoDatabase   string `mapstructure:"mongo_database" yaml:"mongo_database"`
	MongoCollection string `mapstructure:"mongo_collection" yaml:"mongo_collection"`
	RedisAddr       string `mapstructure:"redis_addr" yaml:"redis_addr"`
	RedisPassword   string `mapstructure:"redis_password" yaml:"redis_password,omitempty"`
	RedisStream     string `mapstructure:"redis_stream" yaml:"redis_stream"`
	BatchSize       int    `mapstructure:"batch_size" yaml:"batch_size"`
	FlushIntervalMs int    `mapstructure:"flush_interval_ms" yaml:"flush_interval_ms"`
}

// PromptsCfg points at a directory of prompt overrides.
type PromptsCfg struct {
	OverrideDir string `mapstructure:"override_dir" yaml:"override_dir,omitempty"`
}

// DefaultConfig returns configuration with sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		LLMProviders: map[string]LLMProviderCfg{
			"openrouter": {
				Type:           "openrouter",
				Model:          "google/gemini-2.5-flash",
				APIKey:         "${OPENROUTER_API_KEY}",
				RateLimit:      150,
				TimeoutSeconds: 120,
				Enabled:        true,
			},
			"openai": {
				Type:           "openai",
				Model:          "gpt-4o",
				APIKey:         "${OPENAI_API_KEY}",
				TimeoutSeconds: 120,
				Enabled:        false,
			},
			"gemini": {
				Type:    "gemini",
				Model:   "gemini-2.5-flash",
				APIKey:  "${GEMINI_API_KEY}",
				Enabled: false,
			},
			"anthropic": {
				Type:    "anthropic",
				Model:   "claude-sonnet-4-20250514",
				APIKey:  "${ANTHROPIC_API_KEY}",
				Enabled: false,
			},
			"ollama": {
				Type:           "ollama",
				Model:          "qwen2.5vl:7b",
				BaseURL:        "http://localhost:11434/v1",
				TimeoutSeconds: 300,
				Enabled:        false,
			},
		},
		Defaults: DefaultsCfg{
			ExtractProvider: "openrouter",
			JudgeProvider:   "openrouter",
			ExtractModel:    "google/gemini-2.5-flash",
			JudgeModel:      "google/gemini-2.5-pro",
			Temperature:     0.0,
			MaxTokens:       8192,
		},
		Extraction: ExtractionCfg{TimeoutSeconds: 120},
		Judge: JudgeCfg{
			MaxAttempts:       3,
			RetryDelaySeconds: 1,
		},
		Validation: ValidationCfg{Strict: false},
		Trace: TraceCfg{
			Exporter:        "log",
			JSONLPath:       "traces/spans.jsonl",
			MongoURI:        "${MONGO_URI}",
			MongoDatabase:   "tally",
			MongoCollection: "spans",
			RedisAddr:       "localhost:6379",
			RedisStream:     "tally:spans",
			BatchSize:       100,
			FlushIntervalMs: 5000,
		},
	}
}

// GetLLMProvider returns an LLM provider config by name.
func (c *Config) GetLLMProvider(name string) (LLMProviderCfg, bool) {
	cfg, ok := c.LLMProviders[name]
	return cfg, ok
}

// EnabledLLMProviders returns all enabled LLM providers.
func (c *Config) EnabledLLMProviders() map[string]LLMProviderCfg {
	result := make(map[string]LLMProviderCfg)
	for name, cfg := range c.LLMProviders {
		if cfg.Enabled {
			result[name] = cfg
		}
	}
	return result
}
