package providers

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"sort"
	"sync"
	"time"
)

// Provider types accepted in configuration.
const (
	TypeOpenRouter = "openrouter"
	TypeOpenAI     = "openai"
	TypeGemini     = "gemini"
	TypeAnthropic  = "anthropic"
	TypeCompat     = "compat" // also "ollama"
	TypeOllama     = "ollama"
	TypeMock       = "mock"
)

// Registry holds named generators.
// It supports config-driven instantiation, hot-reload, and provides thread-safe access.
type Registry struct {
	mu      sync.RWMutex
	entries map[string]registryEntry
	logger  *slog.Logger
}

type registryEntry struct {
	generator Generator
	cfg       LLMProviderConfig
	fromCfg   bool
}

// NewRegistry creates a new empty provider registry.
func NewRegistry() *Registry {
	return &Registry{
		entries: make(map[string]registryEntry),
		logger:  slog.Default(),
	}
}

// SetLogger sets the logger for the registry.
func (r *Registry) SetLogger(logger *slog.Logger) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.logger = logger
}

// Register adds a generator by name. Registered generators survive Reload.
func (r *Registry) Register(name string, g Generator) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.replace(name, registryEntry{generator: g})
	r.logger.Info("registered generator", "name", name)
}

// Unregister removes a generator by name.
func (r *Registry) Unregister(name string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if e, ok := r.entries[name]; ok {
		closeGenerator(e.generator, r.logger)
		delete(r.entries, name)
		r.logger.Info("unregistered generator", "name", name)
	}
}

// Get returns a generator by name.
func (r *Registry) Get(name string) (Generator, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	e, ok := r.entries[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrProviderNotFound, name)
	}
	return e.generator, nil
}

// Has checks if a generator is registered.
func (r *Registry) Has(name string) bool {
	r.mu.RLock()
	defer r.mu.RUnlock()
	_, ok := r.entries[name]
	return ok
}

// List returns all registered generator names in sorted order.
func (r *Registry) List() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	names := make([]string, 0, len(r.entries))
	for name := range r.entries {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Close releases every generator that holds resources.
func (r *Registry) Close() {
	r.mu.Lock()
	defer r.mu.Unlock()
	for name, e := range r.entries {
		closeGenerator(e.generator, r.logger)
		delete(r.entries, name)
	}
}

// RegistryConfig defines the providers to instantiate from config.
type RegistryConfig struct {
	// LLMProviders maps provider names to their config
	LLMProviders map[string]LLMProviderConfig
}

// LLMProviderConfig matches config.LLMProviderCfg with resolved API key.
type LLMProviderConfig struct {
	Type      string        // "openrouter", "openai", "gemini", "anthropic", "compat", "mock"
	Model     string        // Default model name
	APIKey    string        // Resolved API key
	BaseURL   string        // Optional endpoint override
	RateLimit int           // Requests per minute, 0 disables limiting
	Timeout   time.Duration // HTTP timeout, 0 uses the client default
	Enabled   bool
}

func (c LLMProviderConfig) usable() bool {
	if !c.Enabled {
		return false
	}
	switch c.Type {
	case TypeCompat, TypeOllama, TypeMock:
		return true
	default:
		return c.APIKey != ""
	}
}

// NewRegistryFromConfig creates a registry with providers based on configuration.
// Only enabled providers with valid API keys will be registered.
func NewRegistryFromConfig(cfg RegistryConfig) *Registry {
	r := NewRegistry()
	r.Reload(cfg)
	return r
}

// Reload updates the registry based on new configuration.
// Providers that are no longer configured will be unregistered.
// Providers with changed settings will be re-created.
func (r *Registry) Reload(cfg RegistryConfig) {
	r.mu.Lock()
	defer r.mu.Unlock()

	want := make(map[string]bool)
	for name, provCfg := range cfg.LLMProviders {
		if !provCfg.usable() {
			continue
		}
		want[name] = true

		existing, hasExisting := r.entries[name]
		if hasExisting && existing.fromCfg && existing.cfg == provCfg {
			continue
		}

		g, err := createGenerator(provCfg, r.logger)
		if err != nil {
			r.logger.Warn("failed to create generator", "name", name, "type", provCfg.Type, "error", err)
			continue
		}
		r.replace(name, registryEntry{generator: g, cfg: provCfg, fromCfg: true})
		if hasExisting {
			r.logger.Info("updated generator", "name", name, "type", provCfg.Type)
		} else {
			r.logger.Info("registered generator", "name", name, "type", provCfg.Type)
		}
	}

	// Remove config-backed providers that are no longer configured
	for name, e := range r.entries {
		if e.fromCfg && !want[name] {
			closeGenerator(e.generator, r.logger)
			delete(r.entries, name)
			r.logger.Info("unregistered generator", "name", name)
		}
	}
}

// replace swaps an entry, closing the old generator. Must be called with lock held.
func (r *Registry) replace(name string, e registryEntry) {
	if old, ok := r.entries[name]; ok && old.generator != e.generator {
		closeGenerator(old.generator, r.logger)
	}
	r.entries[name] = e
}

// createGenerator creates a generator based on provider type.
func createGenerator(cfg LLMProviderConfig, logger *slog.Logger) (Generator, error) {
	var g Generator
	switch cfg.Type {
	case TypeOpenRouter:
		g = NewOpenRouterClient(OpenRouterConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Timeout:      cfg.Timeout,
			Logger:       logger,
		})
	case TypeOpenAI:
		g = NewOpenAIClient(OpenAIConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Timeout:      cfg.Timeout,
		})
	case TypeGemini:
		gc, err := NewGeminiClient(context.Background(), GeminiConfig{
			APIKey:       cfg.APIKey,
			DefaultModel: cfg.Model,
			Endpoint:     cfg.BaseURL,
		})
		if err != nil {
			return nil, err
		}
		g = gc
	case TypeAnthropic:
		g = NewAnthropicClient(AnthropicConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
		})
	case TypeCompat, TypeOllama:
		g = NewCompatClient(CompatConfig{
			APIKey:       cfg.APIKey,
			BaseURL:      cfg.BaseURL,
			DefaultModel: cfg.Model,
			Timeout:      cfg.Timeout,
		})
	case TypeMock:
		g = NewMockGenerator()
	default:
		return nil, fmt.Errorf("unknown provider type %q", cfg.Type)
	}

	if cfg.RateLimit > 0 {
		g = NewRateLimited(g, cfg.RateLimit)
	}
	return g, nil
}

func closeGenerator(g Generator, logger *slog.Logger) {
	if rl, ok := g.(*RateLimited); ok {
		g = rl.Unwrap()
	}
	if c, ok := g.(io.Closer); ok {
		if err := c.Close(); err != nil {
			logger.Warn("failed to close generator", "name", g.Name(), "error", err)
		}
	}
}
