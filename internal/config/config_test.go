package config

import (
	"os"
	"path/filepath"
	"strings"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jackzampolin/tally/internal/providers"
	"github.com/jackzampolin/tally/internal/trace"
)

func writeConfig(t *testing.T, content string) string {
	t.Helper()
	configFile := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(configFile, []byte(content), 0o644); err != nil {
		t.Fatalf("failed to write config file: %v", err)
	}
	return configFile
}

func TestDefaultConfig(t *testing.T) {
	cfg := DefaultConfig()

	if cfg.LLMProviders["openrouter"].APIKey != "${OPENROUTER_API_KEY}" {
		t.Error("expected openrouter API key placeholder")
	}
	if _, ok := cfg.GetLLMProvider(cfg.Defaults.ExtractProvider); !ok {
		t.Errorf("default extract provider %q is not configured", cfg.Defaults.ExtractProvider)
	}
	if cfg.Judge.MaxAttempts != 3 || cfg.Judge.RetryDelaySeconds != 1 {
		t.Errorf("judge defaults = %+v", cfg.Judge)
	}
	if cfg.Extraction.TimeoutSeconds != 120 {
		t.Errorf("extraction timeout = %d", cfg.Extraction.TimeoutSeconds)
	}
	if cfg.Validation.Strict {
		t.Error("strict validation should be off by default")
	}
	if len(cfg.EnabledLLMProviders()) != 1 {
		t.Errorf("enabled providers = %v", cfg.EnabledLLMProviders())
	}
}

func TestResolveEnvVars(t *testing.T) {
	t.Run("resolves environment variable", func(t *testing.T) {
		t.Setenv("TEST_API_KEY", "secret123")

		result := ResolveEnvVars("${TEST_API_KEY}")
		if result != "secret123" {
			t.Errorf("expected secret123, got %s", result)
		}
	})

	t.Run("returns empty for missing env var", func(t *testing.T) {
		result := ResolveEnvVars("${DEFINITELY_NOT_SET_12345}")
		if result != "" {
			t.Errorf("expected empty string, got %s", result)
		}
	})

	t.Run("expands inside a longer value", func(t *testing.T) {
		t.Setenv("TEST_MONGO_HOST", "db.internal")
		result := ResolveEnvVars("mongodb://${TEST_MONGO_HOST}:27017")
		if result != "mongodb://db.internal:27017" {
			t.Errorf("got %s", result)
		}
	})

	t.Run("leaves literal values unchanged", func(t *testing.T) {
		result := ResolveEnvVars("literal-value")
		if result != "literal-value" {
			t.Errorf("expected literal-value, got %s", result)
		}
	})
}

func TestConfig_ResolveAPIKey(t *testing.T) {
	t.Setenv("TEST_OPENROUTER_KEY", "or-key-123")

	cfg := &Config{
		LLMProviders: map[string]LLMProviderCfg{
			"openrouter": {APIKey: "${TEST_OPENROUTER_KEY}"},
			"literal":    {APIKey: "direct-key"},
		},
	}

	if got := cfg.ResolveAPIKey("openrouter"); got != "or-key-123" {
		t.Errorf("expected or-key-123, got %s", got)
	}
	if got := cfg.ResolveAPIKey("literal"); got != "direct-key" {
		t.Errorf("expected direct-key, got %s", got)
	}
	if got := cfg.ResolveAPIKey("missing"); got != "" {
		t.Errorf("expected empty key, got %s", got)
	}
}

func TestConfig_ToProviderRegistryConfig(t *testing.T) {
	t.Setenv("TEST_GEMINI_KEY", "g-key")
	cfg := &Config{
		LLMProviders: map[string]LLMProviderCfg{
			"gemini": {Type: "gemini", Model: "gemini-2.5-flash", APIKey: "${TEST_GEMINI_KEY}", RateLimit: 60, TimeoutSeconds: 30, Enabled: true},
			"local":  {Type: "ollama", BaseURL: "http://localhost:11434/v1"},
		},
	}

	got := cfg.ToProviderRegistryConfig()

	want := providers.LLMProviderConfig{
		Type:      "gemini",
		Model:     "gemini-2.5-flash",
		APIKey:    "g-key",
		RateLimit: 60,
		Timeout:   30 * time.Second,
		Enabled:   true,
	}
	if got.LLMProviders["gemini"] != want {
		t.Errorf("gemini = %+v, want %+v", got.LLMProviders["gemini"], want)
	}
	local := got.LLMProviders["local"]
	if local.BaseURL != "http://localhost:11434/v1" || local.Timeout != 0 || local.Enabled {
		t.Errorf("local = %+v", local)
	}
}

func TestConfig_TraceMapping(t *testing.T) {
	t.Setenv("TEST_MONGO_URI", "mongodb://m:27017")
	cfg := DefaultConfig()
	cfg.Trace.Exporter = trace.ExporterMongo
	cfg.Trace.MongoURI = "${TEST_MONGO_URI}"
	cfg.Trace.BatchSize = 25
	cfg.Trace.FlushIntervalMs = 250

	exp := cfg.ToExporterConfig()
	if exp.Type != trace.ExporterMongo || exp.MongoURI != "mongodb://m:27017" || exp.MongoCollection != "spans" {
		t.Errorf("exporter config = %+v", exp)
	}

	sink := cfg.ToSinkConfig(trace.NewMemoryExporter())
	if sink.BatchSize != 25 || sink.FlushInterval != 250*time.Millisecond || sink.Exporter == nil {
		t.Errorf("sink config = %+v", sink)
	}
}

func TestConfig_Durations(t *testing.T) {
	cfg := &Config{Extraction: ExtractionCfg{TimeoutSeconds: 45}, Judge: JudgeCfg{RetryDelaySeconds: -1}}
	if cfg.ExtractionTimeout() != 45*time.Second {
		t.Errorf("ExtractionTimeout() = %v", cfg.ExtractionTimeout())
	}
	if cfg.JudgeRetryDelay() != 0 {
		t.Errorf("JudgeRetryDelay() = %v, want 0 for a negative value", cfg.JudgeRetryDelay())
	}
}

func TestNewManager(t *testing.T) {
	t.Run("loads from config file", func(t *testing.T) {
		configFile := writeConfig(t, `
defaults:
  extract_model: "test/vision"
validation:
  strict: true
llm_providers:
  local:
    type: ollama
    model: qwen2.5vl
    enabled: true
`)

		mgr, err := NewManager(configFile)
		if err != nil {
			t.Fatalf("failed to create manager: %v", err)
		}

		cfg := mgr.Get()
		if cfg.Defaults.ExtractModel != "test/vision" {
			t.Errorf("expected test/vision, got %s", cfg.Defaults.ExtractModel)
		}
		if !cfg.Validation.Strict {
			t.Error("expected strict validation")
		}
		if cfg.LLMProviders["local"].Type != "ollama" {
			t.Errorf("providers = %+v", cfg.LLMProviders)
		}
		// Unset keys keep their defaults.
		if cfg.Judge.MaxAttempts != 3 || cfg.Trace.Exporter != "log" {
			t.Errorf("defaults lost: judge=%+v trace=%s", cfg.Judge, cfg.Trace.Exporter)
		}
		if mgr.ConfigFile() != configFile {
			t.Errorf("ConfigFile() = %s", mgr.ConfigFile())
		}
	})

	t.Run("environment overrides file", func(t *testing.T) {
		t.Setenv("TALLY_DEFAULTS_JUDGE_MODEL", "env/judge")
		t.Setenv("TALLY_JUDGE_MAX_ATTEMPTS", "5")
		configFile := writeConfig(t, "defaults:\n  judge_model: file/judge\n")

		mgr, err := NewManager(configFile)
		if err != nil {
			t.Fatal(err)
		}
		cfg := mgr.Get()
		if cfg.Defaults.JudgeModel != "env/judge" || cfg.Judge.MaxAttempts != 5 {
			t.Errorf("env overrides not applied: %+v %+v", cfg.Defaults, cfg.Judge)
		}
	})

	t.Run("rejects malformed file", func(t *testing.T) {
		configFile := writeConfig(t, "defaults: [unclosed")
		if _, err := NewManager(configFile); err == nil {
			t.Error("expected error for malformed YAML")
		}
	})
}

func TestManager_Value(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "trace:\n  exporter: jsonl\n"))
	if err != nil {
		t.Fatal(err)
	}

	v, err := mgr.Value("trace.exporter")
	if err != nil || v != "jsonl" {
		t.Errorf("Value(trace.exporter) = %v, %v", v, err)
	}
	if _, err := mgr.Value("trace.nope"); err == nil {
		t.Error("expected unknown key error")
	}
	if _, err := mgr.Value("bad key!"); err == nil {
		t.Error("expected invalid key error")
	}
}

func TestManager_OnChange_Multiple(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "validation:\n  strict: false\n"))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})
	mgr.OnChange(func(cfg *Config) {})

	mgr.mu.RLock()
	if len(mgr.callbacks) != 3 {
		t.Errorf("expected 3 callbacks, got %d", len(mgr.callbacks))
	}
	mgr.mu.RUnlock()
}

func TestManager_Get_ThreadSafe(t *testing.T) {
	mgr, err := NewManager(writeConfig(t, "defaults:\n  extract_provider: openrouter\n"))
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	done := make(chan struct{})
	for i := 0; i < 10; i++ {
		go func() {
			for j := 0; j < 100; j++ {
				cfg := mgr.Get()
				_ = cfg.Defaults.ExtractProvider
			}
			done <- struct{}{}
		}()
	}

	for i := 0; i < 10; i++ {
		<-done
	}
}

func TestManager_WatchConfig(t *testing.T) {
	configFile := writeConfig(t, `
defaults:
  extract_model: "initial/model"
`)

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	if got := mgr.Get().Defaults.ExtractModel; got != "initial/model" {
		t.Errorf("initial value mismatch: got %s", got)
	}

	var callbackCount atomic.Int32
	var lastValue atomic.Value

	mgr.OnChange(func(cfg *Config) {
		callbackCount.Add(1)
		lastValue.Store(cfg.Defaults.ExtractModel)
	})

	mgr.WatchConfig()

	// Give fsnotify time to set up the watcher
	time.Sleep(100 * time.Millisecond)

	newContent := `
defaults:
  extract_model: "updated/model"
`
	if err := os.WriteFile(configFile, []byte(newContent), 0o644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) {
		if v, _ := lastValue.Load().(string); v == "updated/model" {
			break
		}
		time.Sleep(50 * time.Millisecond)
	}

	if callbackCount.Load() == 0 {
		t.Fatal("callback was not invoked after config file change")
	}
	if v, _ := lastValue.Load().(string); v != "updated/model" {
		t.Errorf("callback saw %q, want updated/model", v)
	}
	if got := mgr.Get().Defaults.ExtractModel; got != "updated/model" {
		t.Errorf("Get() after reload = %s", got)
	}
}

func TestLoadEnvFiles(t *testing.T) {
	dir := t.TempDir()
	envFile := filepath.Join(dir, ".env")
	if err := os.WriteFile(envFile, []byte("TALLY_TEST_DOTENV=from-file\n"), 0o644); err != nil {
		t.Fatal(err)
	}
	t.Cleanup(func() { os.Unsetenv("TALLY_TEST_DOTENV") })

	if err := LoadEnvFiles(filepath.Join(dir, "missing.env"), envFile); err != nil {
		t.Fatalf("LoadEnvFiles() error = %v", err)
	}
	if got := os.Getenv("TALLY_TEST_DOTENV"); got != "from-file" {
		t.Errorf("TALLY_TEST_DOTENV = %q", got)
	}
}

func TestWriteDefault(t *testing.T) {
	path := filepath.Join(t.TempDir(), "config.yaml")

	if err := WriteDefault(path, false); err != nil {
		t.Fatalf("WriteDefault() error = %v", err)
	}
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatal(err)
	}
	for _, want := range []string{"# Tally configuration", "llm_providers:", "extract_provider: openrouter", "exporter: log"} {
		if !strings.Contains(string(data), want) {
			t.Errorf("written config missing %q", want)
		}
	}

	if err := WriteDefault(path, false); err == nil {
		t.Error("expected error when file exists")
	}
	if err := WriteDefault(path, true); err != nil {
		t.Errorf("WriteDefault(force) error = %v", err)
	}

	mgr, err := NewManager(path)
	if err != nil {
		t.Fatalf("written config does not load: %v", err)
	}
	if mgr.Get().Defaults.JudgeModel != DefaultConfig().Defaults.JudgeModel {
		t.Error("round-tripped config differs from defaults")
	}
}

func TestManager_WatchConfig_ReloadError(t *testing.T) {
	configFile := writeConfig(t, `
judge:
  max_attempts: 5
`)

	mgr, err := NewManager(configFile)
	if err != nil {
		t.Fatalf("failed to create manager: %v", err)
	}

	var errCount atomic.Int32
	mgr.OnError(func(error) { errCount.Add(1) })
	mgr.OnChange(func(*Config) { t.Error("OnChange called for an undecodable config") })
	mgr.WatchConfig()
	time.Sleep(100 * time.Millisecond)

	if err := os.WriteFile(configFile, []byte("judge:\n  max_attempts: \"many\"\n"), 0o644); err != nil {
		t.Fatalf("failed to write updated config file: %v", err)
	}

	deadline := time.Now().Add(2 * time.Second)
	for time.Now().Before(deadline) && errCount.Load() == 0 {
		time.Sleep(50 * time.Millisecond)
	}

	if errCount.Load() == 0 {
		t.Fatal("OnError was not invoked for a bad reload")
	}
	if got := mgr.Get().Judge.MaxAttempts; got != 5 {
		t.Errorf("MaxAttempts = %d, want previous value 5", got)
	}
}
