package main

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"os"

	"github.com/jackzampolin/tally/internal/config"
	"github.com/jackzampolin/tally/internal/extract"
	"github.com/jackzampolin/tally/internal/judge"
	"github.com/jackzampolin/tally/internal/prompts"
	extractionprompts "github.com/jackzampolin/tally/internal/prompts/extraction"
	judgeprompts "github.com/jackzampolin/tally/internal/prompts/judge"
	"github.com/jackzampolin/tally/internal/svcctx"
	"github.com/jackzampolin/tally/internal/votes"
)

var errNoServices = errors.New("services not initialized")

// generationFlags are the per-run overrides shared by extract.
type generationFlags struct {
	Provider    string
	Model       string
	Temperature float64
	MaxTokens   int
}

// newResolver returns a resolver with both prompt families registered.
// Overrides come from prompts.override_dir, else ~/.tally/prompts if present.
func newResolver(ctx context.Context, cfg *config.Config) *prompts.Resolver {
	h := svcctx.HomeFrom(ctx)
	dir := cfg.Prompts.OverrideDir
	if h != nil {
		if dir != "" {
			dir = h.Resolve(dir)
		} else if _, err := os.Stat(h.PromptsDir()); err == nil {
			dir = h.PromptsDir()
		}
	}
	r := prompts.NewResolver(dir, svcctx.LoggerFrom(ctx))
	extractionprompts.RegisterPrompts(r)
	judgeprompts.RegisterPrompts(r)
	return r
}

// newPipeline wires an extraction pipeline from config, with flags taking
// precedence over config defaults.
func newPipeline(ctx context.Context, flags generationFlags) (*extract.Pipeline, votes.GenerationConfig, error) {
	cfg := svcctx.ConfigFrom(ctx)
	registry := svcctx.RegistryFrom(ctx)
	if cfg == nil || registry == nil {
		return nil, votes.GenerationConfig{}, errNoServices
	}
	logger := svcctx.LoggerFrom(ctx)
	tracer := svcctx.TracerFrom(ctx)

	provider := firstNonEmpty(flags.Provider, cfg.Defaults.ExtractProvider)
	gen, err := registry.Get(provider)
	if err != nil {
		return nil, votes.GenerationConfig{}, err
	}

	model := firstNonEmpty(flags.Model, cfg.Defaults.ExtractModel, cfg.LLMProviders[provider].Model)
	opts := []votes.GenerationOption{votes.WithTemperature(cfg.Defaults.Temperature)}
	if flags.Temperature >= 0 {
		opts = append(opts, votes.WithTemperature(flags.Temperature))
	}
	if n := firstPositive(flags.MaxTokens, cfg.Defaults.MaxTokens); n > 0 {
		opts = append(opts, votes.WithMaxTokens(n))
	}
	genCfg, err := votes.NewGenerationConfig(model, opts...)
	if err != nil {
		return nil, votes.GenerationConfig{}, fmt.Errorf("generation config: %w", err)
	}

	builder, err := extract.NewBuilder(extract.BuilderConfig{
		Prompts: newResolver(ctx, cfg),
		Logger:  logger,
	})
	if err != nil {
		return nil, votes.GenerationConfig{}, err
	}

	p, err := extract.NewPipeline(extract.PipelineConfig{
		Builder: builder,
		Invoker: extract.NewInvoker(extract.InvokerConfig{
			Generator: gen,
			Timeout:   cfg.ExtractionTimeout(),
			Tracer:    tracer,
			Logger:    logger,
		}),
		Validator: extract.NewValidator(cfg.Validation.Strict),
		Tracer:    tracer,
		Logger:    logger,
	})
	if err != nil {
		return nil, votes.GenerationConfig{}, err
	}
	return p, genCfg, nil
}

// newEvaluator wires the judge from config.
func newEvaluator(ctx context.Context, providerFlag, modelFlag string) (*judge.Evaluator, error) {
	cfg := svcctx.ConfigFrom(ctx)
	registry := svcctx.RegistryFrom(ctx)
	if cfg == nil || registry == nil {
		return nil, errNoServices
	}

	provider := firstNonEmpty(providerFlag, cfg.Defaults.JudgeProvider)
	gen, err := registry.Get(provider)
	if err != nil {
		return nil, err
	}

	attempts := cfg.Judge.MaxAttempts
	if attempts < 0 {
		attempts = 0
	}
	return judge.New(judge.Config{
		Generator:   gen,
		Model:       firstNonEmpty(modelFlag, cfg.Defaults.JudgeModel, cfg.LLMProviders[provider].Model),
		MaxAttempts: uint(attempts),
		RetryDelay:  cfg.JudgeRetryDelay(),
		Prompts:     newResolver(ctx, cfg),
		Tracer:      svcctx.TracerFrom(ctx),
		Logger:      svcctx.LoggerFrom(ctx),
	}), nil
}

// readRecords loads a JSON file holding either a bare record array or a
// {"records": [...]} object.
func readRecords(path string) ([]votes.ExtractedRecord, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, err
	}

	var records []votes.ExtractedRecord
	if err := json.Unmarshal(data, &records); err == nil {
		return records, nil
	}

	var wrapped struct {
		Records *[]votes.ExtractedRecord `json:"records"`
	}
	if err := json.Unmarshal(data, &wrapped); err != nil {
		return nil, fmt.Errorf("parse %s: %w", path, err)
	}
	if wrapped.Records == nil {
		return nil, fmt.Errorf("parse %s: expected an array or an object with a records key", path)
	}
	return *wrapped.Records, nil
}

func firstNonEmpty(values ...string) string {
	for _, v := range values {
		if v != "" {
			return v
		}
	}
	return ""
}

func firstPositive(values ...int) int {
	for _, v := range values {
		if v > 0 {
			return v
		}
	}
	return 0
}
