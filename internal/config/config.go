package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"regexp"
	"slices"
	"strings"
	"sync"
	"time"

	"github.com/fsnotify/fsnotify"
	"github.com/joho/godotenv"
	"github.com/spf13/viper"
	"gopkg.in/yaml.v2"

	"github.com/jackzampolin/tally/internal/providers"
	"github.com/jackzampolin/tally/internal/trace"
)

// EnvPrefix prefixes environment overrides, e.g. TALLY_DEFAULTS_EXTRACT_MODEL.
const EnvPrefix = "TALLY"

var (
	envRef         = regexp.MustCompile(`\$\{([^}]+)\}`)
	envKeyReplacer = strings.NewReplacer(".", "_")
)

// Manager handles loading and hot-reloading configuration.
type Manager struct {
	v         *viper.Viper
	mu        sync.RWMutex
	config    *Config
	callbacks []func(*Config)
	errs      []func(error)
}

// NewManager creates a new config manager and loads initial config.
// An empty cfgFile searches ./config.yaml then ~/.tally/config.yaml; a
// missing file is not an error.
func NewManager(cfgFile string) (*Manager, error) {
	cm := &Manager{
		v:         viper.New(),
		callbacks: make([]func(*Config), 0),
	}

	if err := cm.initViper(cfgFile); err != nil {
		return nil, err
	}

	cfg, err := cm.load()
	if err != nil {
		return nil, err
	}
	cm.config = cfg

	return cm, nil
}

// initViper sets up viper with defaults and config file.
func (cm *Manager) initViper(cfgFile string) error {
	v := cm.v
	for _, e := range DefaultEntries() {
		v.SetDefault(e.Key, e.Value)
	}

	// Environment variables with TALLY_ prefix; nested keys use underscores.
	v.SetEnvPrefix(EnvPrefix)
	v.SetEnvKeyReplacer(envKeyReplacer)
	v.AutomaticEnv()

	if cfgFile != "" {
		v.SetConfigFile(cfgFile)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath(".")
		v.AddConfigPath("$HOME/.tally")
	}

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return fmt.Errorf("error reading config file: %w", err)
		}
	}

	return nil
}

// load parses the current viper state into a Config struct.
func (cm *Manager) load() (*Config, error) {
	var cfg Config
	if err := cm.v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}
	// A file that declares llm_providers replaces the default set entirely.
	if len(cfg.LLMProviders) == 0 {
		cfg.LLMProviders = DefaultConfig().LLMProviders
	}
	return &cfg, nil
}

// Get returns the current configuration (thread-safe).
func (cm *Manager) Get() *Config {
	cm.mu.RLock()
	defer cm.mu.RUnlock()
	return cm.config
}

// Value returns the raw value of a single dotted key.
func (cm *Manager) Value(key string) (any, error) {
	if err := ValidateKey(key); err != nil {
		return nil, err
	}
	if !cm.v.IsSet(key) {
		return nil, fmt.Errorf("%w: %s", ErrUnknownKey, key)
	}
	return cm.v.Get(key), nil
}

// ConfigFile returns the file the manager loaded, or "" when running on defaults.
func (cm *Manager) ConfigFile() string {
	return cm.v.ConfigFileUsed()
}

// OnChange registers a callback for config changes.
func (cm *Manager) OnChange(fn func(*Config)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.callbacks = append(cm.callbacks, fn)
}

// OnError registers a callback for reloads that fail to parse. The previous
// config stays active.
func (cm *Manager) OnError(fn func(error)) {
	cm.mu.Lock()
	defer cm.mu.Unlock()
	cm.errs = append(cm.errs, fn)
}

// WatchConfig enables hot-reloading of configuration.
func (cm *Manager) WatchConfig() {
	cm.v.OnConfigChange(func(e fsnotify.Event) {
		cfg, err := cm.load()
		if err != nil {
			cm.mu.RLock()
			errs := slices.Clone(cm.errs)
			cm.mu.RUnlock()
			for _, fn := range errs {
				fn(fmt.Errorf("reload %s: %w", e.Name, err))
			}
			return
		}

		cm.mu.Lock()
		cm.config = cfg
		callbacks := make([]func(*Config), len(cm.callbacks))
		copy(callbacks, cm.callbacks)
		cm.mu.Unlock()

		for _, fn := range callbacks {
			fn(cfg)
		}
	})
	cm.v.WatchConfig()
}

// LoadEnvFiles loads KEY=value pairs from .env files into the process
// environment. Missing files are skipped; variables already set win.
func LoadEnvFiles(paths ...string) error {
	for _, p := range paths {
		if _, err := os.Stat(p); errors.Is(err, fs.ErrNotExist) {
			continue
		}
		if err := godotenv.Load(p); err != nil {
			return fmt.Errorf("load %s: %w", p, err)
		}
	}
	return nil
}

// ResolveEnvVars expands ${ENV_VAR} references in a string.
func ResolveEnvVars(value string) string {
	if value == "" {
		return value
	}
	return envRef.ReplaceAllStringFunc(value, func(match string) string {
		return os.Getenv(match[2 : len(match)-1])
	})
}

// ResolveAPIKey returns the resolved API key of a named provider.
func (c *Config) ResolveAPIKey(provider string) string {
	return ResolveEnvVars(c.LLMProviders[provider].APIKey)
}

// ToProviderRegistryConfig converts the config to a format suitable for providers.Registry.
// It resolves all ${ENV_VAR} references in API keys and base URLs.
func (c *Config) ToProviderRegistryConfig() providers.RegistryConfig {
	cfg := providers.RegistryConfig{
		LLMProviders: make(map[string]providers.LLMProviderConfig),
	}

	for name, llm := range c.LLMProviders {
		cfg.LLMProviders[name] = providers.LLMProviderConfig{
			Type:      llm.Type,
			Model:     llm.Model,
			APIKey:    ResolveEnvVars(llm.APIKey),
			BaseURL:   ResolveEnvVars(llm.BaseURL),
			RateLimit: llm.RateLimit,
			Timeout:   seconds(llm.TimeoutSeconds),
			Enabled:   llm.Enabled,
		}
	}

	return cfg
}

// ToExporterConfig maps the trace section onto trace.NewExporter options.
func (c *Config) ToExporterConfig() trace.ExporterConfig {
	t := c.Trace
	return trace.ExporterConfig{
		Type:            t.Exporter,
		JSONLPath:       t.JSONLPath,
		MongoURI:        ResolveEnvVars(t.MongoURI),
		MongoDatabase:   t.MongoDatabase,
		MongoCollection: t.MongoCollection,
		RedisAddr:       ResolveEnvVars(t.RedisAddr),
		RedisPassword:   ResolveEnvVars(t.RedisPassword),
		RedisStream:     t.RedisStream,
	}
}

// ToSinkConfig returns batching settings for a trace.Sink around exp.
func (c *Config) ToSinkConfig(exp trace.Exporter) trace.SinkConfig {
	return trace.SinkConfig{
		Exporter:      exp,
		BatchSize:     c.Trace.BatchSize,
		FlushInterval: time.Duration(c.Trace.FlushIntervalMs) * time.Millisecond,
	}
}

// ExtractionTimeout returns the per-call extraction deadline.
func (c *Config) ExtractionTimeout() time.Duration {
	return seconds(c.Extraction.TimeoutSeconds)
}

// JudgeRetryDelay returns the first judge backoff wait.
func (c *Config) JudgeRetryDelay() time.Duration {
	return seconds(c.Judge.RetryDelaySeconds)
}

func seconds(n int) time.Duration {
	if n <= 0 {
		return 0
	}
	return time.Duration(n) * time.Second
}

// WriteDefault writes the default configuration to the specified path.
// It refuses to overwrite an existing file unless force is set.
func WriteDefault(path string, force bool) error {
	if !force {
		if _, err := os.Stat(path); err == nil {
			return fmt.Errorf("%s already exists", path)
		}
	}

	cfg := DefaultConfig()
	data, err := yaml.Marshal(cfg)
	if err != nil {
		return fmt.Errorf("failed to marshal config: %w", err)
	}

	header := []byte(`# Tally configuration
# API keys use ${ENV_VAR} syntax to reference environment variables.
# Set these in your shell or a .env file: OPENROUTER_API_KEY=xxx GEMINI_API_KEY=xxx
# Any key can be overridden with TALLY_<SECTION>_<KEY>, e.g. TALLY_DEFAULTS_EXTRACT_MODEL.

`)
	return os.WriteFile(path, append(header, data...), 0o644)
}
