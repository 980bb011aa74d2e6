package extract

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/jackzampolin/tally/internal/llmcall"
	"github.com/jackzampolin/tally/internal/providers"
	"github.com/jackzampolin/tally/internal/schema"
	"github.com/jackzampolin/tally/internal/trace"
	"github.com/jackzampolin/tally/internal/votes"
)

// DefaultTimeout bounds one extraction call.
const DefaultTimeout = 120 * time.Second

// Span names opened by the invoker.
const (
	SpanGenerate = "generate_structured"
	SpanParse    = "parse_response"
)

// InvokerConfig configures an Invoker.
type InvokerConfig struct {
	Generator providers.Generator
	Timeout   time.Duration // default: 120s
	Tracer    *trace.Tracer
	Recorder  *llmcall.Recorder
	Logger    *slog.Logger
}

// Invoker runs a single schema-constrained model call. It never retries.
type Invoker struct {
	generator providers.Generator
	timeout   time.Duration
	tracer    *trace.Tracer
	recorder  *llmcall.Recorder
	logger    *slog.Logger
}

// NewInvoker creates an invoker.
func NewInvoker(cfg InvokerConfig) *Invoker {
	if cfg.Timeout <= 0 {
		cfg.Timeout = DefaultTimeout
	}
	if cfg.Tracer == nil {
		cfg.Tracer = trace.Nop()
	}
	if cfg.Recorder == nil {
		cfg.Recorder = llmcall.NewRecorder()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Invoker{
		generator: cfg.Generator,
		timeout:   cfg.Timeout,
		tracer:    cfg.Tracer,
		recorder:  cfg.Recorder,
		logger:    cfg.Logger,
	}
}

// Timeout returns the configured call deadline.
func (inv *Invoker) Timeout() time.Duration {
	return inv.timeout
}

// Invoke sends parts to the generator and parses the records. meta is
// enriched with timing, usage and finish reason even when the call fails.
// Failures are *votes.ExtractionError.
func (inv *Invoker) Invoke(ctx context.Context, parts PromptParts, cfg votes.GenerationConfig, meta *votes.ExtractionMetadata) ([]votes.ExtractedRecord, error) {
	if meta == nil {
		meta = &votes.ExtractionMetadata{Model: cfg.Model, Temperature: cfg.Temperature, MaxTokens: cfg.MaxTokens}
	}
	start := time.Now()

	resp, err := inv.generate(ctx, parts, cfg, meta)
	meta.DurationMs = time.Since(start).Milliseconds()
	if err != nil {
		return nil, err
	}

	var records []votes.ExtractedRecord
	err = trace.Run(ctx, inv.tracer, SpanParse, trace.KindTask, func(ctx context.Context, span *trace.Span) error {
		span.SetMetric("response_bytes", float64(len(resp.Content)))
		var perr error
		records, perr = parseRecords(resp, parts.SchemaName)
		if perr != nil {
			return &votes.ExtractionError{
				Kind:        votes.ErrMalformedResponse,
				FormSetName: meta.FormSetName,
				Elapsed:     time.Since(start),
				Raw:         votes.Truncate(resp.Content),
				Err:         perr,
			}
		}
		span.SetMetric("num_records", float64(len(records)))
		return nil
	})
	if err != nil {
		return nil, err
	}
	return records, nil
}

// generate performs the model call inside an llm span.
func (inv *Invoker) generate(ctx context.Context, parts PromptParts, cfg votes.GenerationConfig, meta *votes.ExtractionMetadata) (*providers.StructuredResponse, error) {
	if inv.generator == nil {
		return nil, &votes.ExtractionError{
			Kind:        votes.ErrProvider,
			FormSetName: meta.FormSetName,
			Err:         providers.ErrProviderNotFound,
		}
	}

	spanCtx, span := inv.tracer.Start(ctx, SpanGenerate, trace.KindLLM)
	span.SetTag("model", cfg.Model)
	span.SetTag("provider", inv.generator.Name())
	span.SetInput(map[string]any{
		"form_set_name": meta.FormSetName,
		"num_images":    len(parts.Images),
		"schema":        parts.SchemaName,
		"prompt_hash":   parts.PromptHash,
	})

	var (
		resp *providers.StructuredResponse
		err  error
	)
	defer func() {
		if r := recover(); r != nil {
			span.End(&trace.PanicError{Value: r})
			panic(r)
		}
		span.End(err)
	}()

	callCtx, cancel := context.WithTimeout(spanCtx, inv.timeout)
	defer cancel()

	start := time.Now()
	resp, err = inv.call(callCtx, inv.request(parts, cfg))
	elapsed := time.Since(start)

	opts := llmcall.RecordOptions{
		FormSetName: meta.FormSetName,
		PromptKey:   parts.SystemKey,
		PromptHash:  parts.PromptHash,
		Provider:    inv.generator.Name(),
		Model:       cfg.Model,
		Temperature: &cfg.Temperature,
		Latency:     elapsed,
		Attempt:     1,
	}

	timedOut := errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil
	switch {
	case timedOut:
		cause := err
		if cause == nil {
			cause = context.DeadlineExceeded
		}
		inv.recorder.Record(span, llmcall.FromError(cause, opts))
		err = &votes.ExtractionError{
			Kind:        votes.ErrTimeout,
			FormSetName: meta.FormSetName,
			Elapsed:     elapsed,
			Err:         cause,
		}
		return nil, err

	case err != nil:
		inv.recorder.Record(span, llmcall.FromError(err, opts))
		err = &votes.ExtractionError{
			Kind:        votes.ErrProvider,
			FormSetName: meta.FormSetName,
			Elapsed:     elapsed,
			Err:         err,
		}
		return nil, err

	case resp == nil:
		err = &votes.ExtractionError{
			Kind:        votes.ErrMalformedResponse,
			FormSetName: meta.FormSetName,
			Elapsed:     elapsed,
			Err:         providers.ErrEmptyResponse,
		}
		inv.recorder.Record(span, llmcall.FromError(providers.ErrEmptyResponse, opts))
		return nil, err
	}

	meta.Provider = resp.Provider
	meta.FinishReason = resp.FinishReason
	meta.PromptTokens = resp.PromptTokens
	meta.CompletionTokens = resp.CompletionTokens
	meta.TotalTokens = resp.TotalTokens
	if meta.Provider == "" {
		meta.Provider = inv.generator.Name()
	}

	inv.recorder.Record(span, llmcall.FromStructured(resp, opts))
	return resp, nil
}

// callResult carries a generator answer back from its goroutine.
type callResult struct {
	resp  *providers.StructuredResponse
	err   error
	panic any
}

// call returns as soon as ctx is done, even if the generator ignores ctx.
// The abandoned goroutine's answer is discarded.
func (inv *Invoker) call(ctx context.Context, req *providers.StructuredRequest) (*providers.StructuredResponse, error) {
	done := make(chan callResult, 1)
	go func() {
		var res callResult
		defer func() {
			if r := recover(); r != nil {
				res = callResult{panic: r}
			}
			done <- res
		}()
		res.resp, res.err = inv.generator.GenerateStructured(ctx, req)
	}()

	select {
	case res := <-done:
		if res.panic != nil {
			panic(res.panic)
		}
		return res.resp, res.err
	case <-ctx.Done():
		return nil, ctx.Err()
	}
}

func (inv *Invoker) request(parts PromptParts, cfg votes.GenerationConfig) *providers.StructuredRequest {
	return &providers.StructuredRequest{
		Messages: []providers.Message{
			{Role: "system", Content: parts.System},
			{Role: "user", Content: parts.User, Images: parts.Images},
		},
		Model:          cfg.Model,
		Temperature:    cfg.Temperature,
		MaxTokens:      cfg.MaxTokens,
		TopP:           cfg.TopP,
		TopK:           cfg.TopK,
		ResponseFormat: providers.JSONSchemaFormat(parts.Schema),
	}
}

// recordsEnvelope is the schema-level shape of an extraction response.
type recordsEnvelope struct {
	Records []votes.ExtractedRecord `json:"records"`
}

// parseRecords accepts a bare JSON array of records or {"records": [...]},
// checks it against the schema and decodes it.
func parseRecords(resp *providers.StructuredResponse, schemaName string) ([]votes.ExtractedRecord, error) {
	raw := resp.ParsedJSON
	if len(raw) == 0 {
		if !resp.HasText() {
			return nil, providers.ErrEmptyResponse
		}
		raw = json.RawMessage(strings.TrimSpace(resp.Content))
	}

	doc, err := envelope(raw)
	if err != nil {
		return nil, err
	}

	if schemaName != "" {
		s, err := schema.Get(schemaName)
		if err != nil {
			return nil, err
		}
		if err := s.Validate(doc); err != nil {
			return nil, err
		}
	}

	var env recordsEnvelope
	if err := json.Unmarshal(doc, &env); err != nil {
		return nil, fmt.Errorf("failed to decode records: %w", err)
	}
	if env.Records == nil {
		env.Records = []votes.ExtractedRecord{}
	}
	return env.Records, nil
}

// envelope normalizes raw into {"records": [...]}.
func envelope(raw json.RawMessage) (json.RawMessage, error) {
	var probe any
	if err := json.Unmarshal(raw, &probe); err != nil {
		return nil, fmt.Errorf("response is not valid JSON: %w", err)
	}
	switch v := probe.(type) {
	case []any:
		return json.Marshal(map[string]json.RawMessage{"records": raw})
	case map[string]any:
		if _, ok := v["records"]; !ok {
			return nil, errors.New(`response object has no "records" field`)
		}
		return raw, nil
	default:
		return nil, fmt.Errorf("response is a JSON %T, want an array or object", probe)
	}
}
