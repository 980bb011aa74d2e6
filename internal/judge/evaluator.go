// Package judge scores an extraction against a reference with a second
// model. Judging is advisory: every failure becomes a zero score and
// nothing is returned as an error.
package judge

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/avast/retry-go/v4"

	"github.com/jackzampolin/tally/internal/llmcall"
	"github.com/jackzampolin/tally/internal/prompts"
	judgeprompts "github.com/jackzampolin/tally/internal/prompts/judge"
	"github.com/jackzampolin/tally/internal/providers"
	"github.com/jackzampolin/tally/internal/schema"
	"github.com/jackzampolin/tally/internal/trace"
	"github.com/jackzampolin/tally/internal/votes"
)

// Defaults for the judge call loop.
const (
	DefaultMaxAttempts = 3
	DefaultRetryDelay  = time.Second
	DefaultMaxTokens   = 2048
	DefaultCallTimeout = 120 * time.Second
)

// Span names opened by the evaluator.
const (
	SpanEvaluate    = "evaluate_extraction"
	SpanBuildPrompt = "build_judge_prompt"
	SpanCall        = "judge_call"
	SpanParse       = "parse_judge_response"
	SpanLogResults  = "log_results"
)

// ErrNoResponse is the attempt failure when the judge answers with nothing.
var ErrNoResponse = errors.New("judge returned no text")

// Config configures an Evaluator.
type Config struct {
	Generator   providers.Generator
	Model       string
	Temperature float64
	MaxTokens   int // default: 2048

	MaxAttempts uint          // default: 3
	RetryDelay  time.Duration // first backoff wait, doubled per attempt (default: 1s)
	CallTimeout time.Duration // per attempt (default: 120s)
	// Timer drives the backoff waits; tests replace it to record them.
	Timer retry.Timer

	Prompts  *prompts.Resolver
	Tracer   *trace.Tracer
	Recorder *llmcall.Recorder
	Logger   *slog.Logger
}

// Evaluator runs the judge state machine: build prompt, call with backoff,
// parse, log.
type Evaluator struct {
	generator   providers.Generator
	model       string
	temperature float64
	maxTokens   int

	maxAttempts uint
	retryDelay  time.Duration
	callTimeout time.Duration
	timer       retry.Timer

	prompts  *prompts.Resolver
	schema   *schema.Schema
	tracer   *trace.Tracer
	recorder *llmcall.Recorder
	logger   *slog.Logger
}

// New creates an evaluator.
func New(cfg Config) *Evaluator {
	if cfg.MaxTokens <= 0 {
		cfg.MaxTokens = DefaultMaxTokens
	}
	if cfg.MaxAttempts == 0 {
		cfg.MaxAttempts = DefaultMaxAttempts
	}
	if cfg.RetryDelay <= 0 {
		cfg.RetryDelay = DefaultRetryDelay
	}
	if cfg.CallTimeout <= 0 {
		cfg.CallTimeout = DefaultCallTimeout
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.NewResolver("", cfg.Logger)
		judgeprompts.RegisterPrompts(cfg.Prompts)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = trace.Nop()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = llmcall.NewRecorder()
	}

	return &Evaluator{
		generator:   cfg.Generator,
		model:       cfg.Model,
		temperature: cfg.Temperature,
		maxTokens:   cfg.MaxTokens,
		maxAttempts: cfg.MaxAttempts,
		retryDelay:  cfg.RetryDelay,
		callTimeout: cfg.CallTimeout,
		timer:       cfg.Timer,
		prompts:     cfg.Prompts,
		schema:      schema.MustGet(schema.JudgeScore),
		tracer:      cfg.Tracer,
		recorder:    cfg.Recorder,
		logger:      cfg.Logger,
	}
}

// Evaluate scores actual against expected. It never fails: errors and
// panics are tagged on the workflow span, logged once and turned into a
// zero score.
func (e *Evaluator) Evaluate(ctx context.Context, actual, expected []votes.ExtractedRecord, formSetName string) (score votes.JudgeScore) {
	ctx, span := e.tracer.Start(ctx, SpanEvaluate, trace.KindWorkflow)
	span.SetTag("form_set_name", formSetName)
	span.SetInput(map[string]any{
		"form_set_name":    formSetName,
		"actual_records":   len(actual),
		"expected_records": len(expected),
	})

	defer func() {
		if r := recover(); r != nil {
			score = e.fail(span, formSetName, &trace.PanicError{Value: r})
		}
	}()

	result, err := e.evaluate(ctx, actual, expected, formSetName)
	if err != nil {
		return e.fail(span, formSetName, err)
	}

	span.SetMetric("score", result.Score)
	span.SetMetric("error_count", float64(len(result.ErrorsFound)))
	span.SetTag("reasoning", result.Reasoning)
	span.SetOutput(result)
	span.End(nil)
	return result
}

func (e *Evaluator) evaluate(ctx context.Context, actual, expected []votes.ExtractedRecord, formSetName string) (votes.JudgeScore, error) {
	if e.generator == nil {
		return votes.JudgeScore{}, providers.ErrProviderNotFound
	}

	req, err := trace.RunValue(ctx, e.tracer, SpanBuildPrompt, trace.KindTask, func(ctx context.Context, span *trace.Span) (*providers.StructuredRequest, error) {
		req, hash, err := e.buildRequest(actual, expected, formSetName)
		if err != nil {
			return nil, err
		}
		span.SetMetric("prompt_length", float64(len(req.Messages[0].Content)+len(req.Messages[1].Content)))
		span.SetMetadata("prompt_hash", hash)
		return req, nil
	})
	if err != nil {
		return votes.JudgeScore{}, err
	}

	resp, callErr := e.call(ctx, req, formSetName)
	if ctx.Err() != nil {
		return votes.JudgeScore{}, fmt.Errorf("judge call interrupted: %w", ctx.Err())
	}

	result, err := trace.RunValue(ctx, e.tracer, SpanParse, trace.KindTask, func(ctx context.Context, span *trace.Span) (votes.JudgeScore, error) {
		if !resp.HasText() {
			span.SetTag("parsed", "false")
			reason := fmt.Sprintf("no response from judge after %d attempts", e.maxAttempts)
			if callErr != nil {
				reason = fmt.Sprintf("%s: %v", reason, callErr)
			}
			return votes.ZeroScore(reason), nil
		}
		return parseScore(resp)
	})
	if err != nil {
		return votes.JudgeScore{}, err
	}

	trace.Run(ctx, e.tracer, SpanLogResults, trace.KindTask, func(ctx context.Context, span *trace.Span) error {
		span.SetMetric("score", result.Score)
		span.SetMetric("error_count", float64(len(result.ErrorsFound)))
		span.SetTag("reasoning", result.Reasoning)
		e.logger.Info("judge evaluation",
			"form_set_name", formSetName,
			"score", result.Score,
			"reasoning", result.Reasoning,
			"error_count", len(result.ErrorsFound))
		return nil
	})

	return result, nil
}

func (e *Evaluator) buildRequest(actual, expected []votes.ExtractedRecord, formSetName string) (*providers.StructuredRequest, string, error) {
	actualJSON, err := recordsJSON(actual)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode actual records: %w", err)
	}
	expectedJSON, err := recordsJSON(expected)
	if err != nil {
		return nil, "", fmt.Errorf("failed to encode expected records: %w", err)
	}

	system, err := e.prompts.Resolve(judgeprompts.SystemPromptKey)
	if err != nil {
		return nil, "", err
	}
	userTmpl, err := e.prompts.Resolve(judgeprompts.UserPromptKey)
	if err != nil {
		return nil, "", err
	}
	user, err := prompts.Render(judgeprompts.UserPromptKey, userTmpl.Text, judgeprompts.UserData{
		FormSetName: formSetName,
		Actual:      actualJSON,
		Expected:    expectedJSON,
	})
	if err != nil {
		return nil, "", err
	}

	req := &providers.StructuredRequest{
		Messages: []providers.Message{
			{Role: "system", Content: system.Text},
			{Role: "user", Content: user},
		},
		Model:          e.model,
		Temperature:    e.temperature,
		MaxTokens:      e.maxTokens,
		ResponseFormat: providers.JSONSchemaFormat(e.schema.Wrapped),
	}
	return req, prompts.HashText(system.Text + userTmpl.Text), nil
}

// call runs up to maxAttempts judge calls, waiting RetryDelay, then twice
// that, and so on between them. It returns the last response obtained,
// which may be nil or blank.
func (e *Evaluator) call(ctx context.Context, req *providers.StructuredRequest, formSetName string) (*providers.StructuredResponse, error) {
	var last *providers.StructuredResponse
	attempt := uint(0)

	opts := []retry.Option{
		retry.Attempts(e.maxAttempts),
		retry.Delay(e.retryDelay),
		retry.DelayType(retry.BackOffDelay),
		retry.LastErrorOnly(true),
		retry.Context(ctx),
		retry.RetryIf(func(err error) bool {
			return !errors.Is(err, context.Canceled)
		}),
		retry.OnRetry(func(n uint, err error) {
			e.logger.Debug("judge attempt failed",
				"form_set_name", formSetName,
				"attempt", n+1,
				"max_attempts", e.maxAttempts,
				"error", err)
		}),
	}
	if e.timer != nil {
		opts = append(opts, retry.WithTimer(e.timer))
	}

	resp, err := retry.DoWithData(func() (*providers.StructuredResponse, error) {
		attempt++
		return e.attempt(ctx, req, formSetName, attempt, &last)
	}, opts...)
	if err == nil {
		return resp, nil
	}
	return last, err
}

// attempt is one ApiCall step inside its own llm span.
func (e *Evaluator) attempt(ctx context.Context, req *providers.StructuredRequest, formSetName string, n uint, last **providers.StructuredResponse) (*providers.StructuredResponse, error) {
	return trace.RunValue(ctx, e.tracer, SpanCall, trace.KindLLM, func(ctx context.Context, span *trace.Span) (*providers.StructuredResponse, error) {
		span.SetTag("model", e.model)
		span.SetTag("provider", e.generator.Name())
		span.SetMetric("attempt", float64(n))

		callCtx, cancel := context.WithTimeout(ctx, e.callTimeout)
		defer cancel()

		start := time.Now()
		resp, err := e.generator.GenerateStructured(callCtx, req)
		opts := llmcall.RecordOptions{
			FormSetName: formSetName,
			Attempt:     int(n),
			PromptKey:   judgeprompts.UserPromptKey,
			Provider:    e.generator.Name(),
			Model:       e.model,
			Temperature: &e.temperature,
			Latency:     time.Since(start),
		}

		if err != nil {
			e.recorder.Record(span, llmcall.FromError(err, opts))
			return nil, err
		}
		if resp != nil {
			*last = resp
		}
		if !resp.HasText() {
			e.recorder.Record(span, llmcall.FromError(ErrNoResponse, opts))
			return nil, ErrNoResponse
		}
		e.recorder.Record(span, llmcall.FromStructured(resp, opts))
		return resp, nil
	})
}

// fail is the single place judge errors are logged.
func (e *Evaluator) fail(span *trace.Span, formSetName string, err error) votes.JudgeScore {
	score := votes.ZeroScore(fmt.Sprintf("judge failed: %v", err))
	span.SetMetric("score", 0)
	span.SetOutput(score)
	span.End(err)
	e.logger.Error("judge evaluation failed",
		"form_set_name", formSetName,
		"error", err,
		"error_type", trace.ErrorType(err))
	return score
}

func recordsJSON(records []votes.ExtractedRecord) (string, error) {
	if records == nil {
		records = []votes.ExtractedRecord{}
	}
	data, err := json.MarshalIndent(records, "", "  ")
	if err != nil {
		return "", err
	}
	return string(data), nil
}

// parseScore decodes the judge's JSON answer.
func parseScore(resp *providers.StructuredResponse) (votes.JudgeScore, error) {
	raw := resp.ParsedJSON
	if len(raw) == 0 {
		raw = json.RawMessage(resp.Content)
	}
	var score votes.JudgeScore
	if err := json.Unmarshal(raw, &score); err != nil {
		return votes.JudgeScore{}, fmt.Errorf("failed to parse judge response %q: %w", votes.Truncate(resp.Content), err)
	}
	return score.Normalize(), nil
}
