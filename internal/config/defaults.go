package config

import (
	"errors"
	"fmt"
	"sort"
	"strings"
	"unicode"
)

var (
	// ErrInvalidKey is returned for malformed dotted keys.
	ErrInvalidKey = errors.New("invalid config key")
	// ErrUnknownKey is returned when a key is neither configured nor defaulted.
	ErrUnknownKey = errors.New("unknown config key")
)

// Entry is a single documented config key with its default value.
type Entry struct {
	Key         string `json:"key" yaml:"key"`
	Value       any    `json:"value" yaml:"value"`
	Description string `json:"description" yaml:"description"`
}

// DefaultEntries returns the scalar configuration keys with their defaults.
// Provider maps are defaulted as a whole from DefaultConfig.
func DefaultEntries() []Entry {
	d := DefaultConfig()
	return []Entry{
		// ===================
		// Defaults
		// ===================
		{
			Key:         "defaults.extract_provider",
			Value:       d.Defaults.ExtractProvider,
			Description: "Provider used for vote extraction",
		},
		{
			Key:         "defaults.judge_provider",
			Value:       d.Defaults.JudgeProvider,
			Description: "Provider used for judge evaluation",
		},
		{
			Key:         "defaults.extract_model",
			Value:       d.Defaults.ExtractModel,
			Description: "Vision model used for vote extraction",
		},
		{
			Key:         "defaults.judge_model",
			Value:       d.Defaults.JudgeModel,
			Description: "Model used to score extractions",
		},
		{
			Key:         "defaults.temperature",
			Value:       d.Defaults.Temperature,
			Description: "Sampling temperature for extraction (0-2)",
		},
		{
			Key:         "defaults.max_tokens",
			Value:       d.Defaults.MaxTokens,
			Description: "Maximum completion tokens for extraction",
		},

		// ===================
		// Extraction / Judge
		// ===================
		{
			Key:         "extraction.timeout_seconds",
			Value:       d.Extraction.TimeoutSeconds,
			Description: "Deadline for a single extraction call",
		},
		{
			Key:         "judge.max_attempts",
			Value:       d.Judge.MaxAttempts,
			Description: "Judge calls before giving up with score 0",
		},
		{
			Key:         "judge.retry_delay_seconds",
			Value:       d.Judge.RetryDelaySeconds,
			Description: "First judge backoff wait, doubled per attempt",
		},
		{
			Key:         "validation.strict",
			Value:       d.Validation.Strict,
			Description: "Reject records whose ballot totals do not add up",
		},
		{
			Key:         "prompts.override_dir",
			Value:       d.Prompts.OverrideDir,
			Description: "Directory of prompt override files (empty uses embedded prompts)",
		},

		// ===================
		// Trace
		// ===================
		{
			Key:         "trace.exporter",
			Value:       d.Trace.Exporter,
			Description: "Span exporter: log, jsonl, mongo, redis or none",
		},
		{
			Key:         "trace.jsonl_path",
			Value:       d.Trace.JSONLPath,
			Description: "File spans are appended to by the jsonl exporter",
		},
		{
			Key:         "trace.mongo_uri",
			Value:       d.Trace.MongoURI,
			Description: "MongoDB connection string (uses environment variable)",
		},
		{
			Key:         "trace.mongo_database",
			Value:       d.Trace.MongoDatabase,
			Description: "MongoDB database for spans",
		},
		{
			Key:         "trace.mongo_collection",
			Value:       d.Trace.MongoCollection,
			Description: "MongoDB collection for spans",
		},
		{
			Key:         "trace.redis_addr",
			Value:       d.Trace.RedisAddr,
			Description: "Redis address for the stream exporter",
		},
		{
			Key:         "trace.redis_password",
			Value:       d.Trace.RedisPassword,
			Description: "Redis password (supports ${ENV_VAR} syntax)",
		},
		{
			Key:         "trace.redis_stream",
			Value:       d.Trace.RedisStream,
			Description: "Redis stream spans are appended to",
		},
		{
			Key:         "trace.batch_size",
			Value:       d.Trace.BatchSize,
			Description: "Spans per export batch",
		},
		{
			Key:         "trace.flush_interval_ms",
			Value:       d.Trace.FlushIntervalMs,
			Description: "Maximum wait before a partial batch is exported",
		},
	}
}

// GetDefault returns the default entry for a config key, or nil if none exists.
func GetDefault(key string) *Entry {
	for _, e := range DefaultEntries() {
		if e.Key == key {
			return &e
		}
	}
	return nil
}

// EntriesWithPrefix returns default entries under a dotted prefix, sorted by key.
func EntriesWithPrefix(prefix string) []Entry {
	var out []Entry
	for _, e := range DefaultEntries() {
		if prefix == "" || e.Key == prefix || strings.HasPrefix(e.Key, prefix+".") {
			out = append(out, e)
		}
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Key < out[j].Key })
	return out
}

// ValidateKey checks if a config key contains only allowed characters.
// Valid keys contain: letters, digits, dots, underscores, and hyphens.
func ValidateKey(key string) error {
	if key == "" {
		return fmt.Errorf("%w: key cannot be empty", ErrInvalidKey)
	}
	for i, r := range key {
		if !unicode.IsLetter(r) && !unicode.IsDigit(r) && r != '.' && r != '_' && r != '-' {
			return fmt.Errorf("%w: invalid character %q at position %d", ErrInvalidKey, r, i)
		}
	}
	if key[0] == '.' || key[len(key)-1] == '.' {
		return fmt.Errorf("%w: key cannot start or end with a dot", ErrInvalidKey)
	}
	return nil
}
