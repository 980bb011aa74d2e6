package extract

import (
	"context"
	"errors"
	"log/slog"
	"time"

	"github.com/jackzampolin/tally/internal/trace"
	"github.com/jackzampolin/tally/internal/votes"
)

// Span names opened by the pipeline.
const (
	SpanExtractVotes = "extract_votes"
	SpanBuildPrompt  = "build_prompt"
	SpanValidate     = "validate_records"
)

// PipelineConfig wires the extraction stages.
type PipelineConfig struct {
	Builder   *Builder
	Invoker   *Invoker
	Validator *Validator
	Tracer    *trace.Tracer
	Logger    *slog.Logger
}

// Pipeline runs Builder, Invoker and Validator in sequence under one
// workflow span. It holds no per-request state and is safe for concurrent use.
type Pipeline struct {
	builder   *Builder
	invoker   *Invoker
	validator *Validator
	tracer    *trace.Tracer
	logger    *slog.Logger
}

// NewPipeline creates a pipeline. Builder and Invoker are required.
func NewPipeline(cfg PipelineConfig) (*Pipeline, error) {
	if cfg.Builder == nil {
		return nil, errors.New("extract pipeline requires a builder")
	}
	if cfg.Invoker == nil {
		return nil, errors.New("extract pipeline requires an invoker")
	}
	if cfg.Validator == nil {
		cfg.Validator = NewValidator(false)
	}
	if cfg.Tracer == nil {
		cfg.Tracer = trace.Nop()
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	return &Pipeline{
		builder:   cfg.Builder,
		invoker:   cfg.Invoker,
		validator: cfg.Validator,
		tracer:    cfg.Tracer,
		logger:    cfg.Logger,
	}, nil
}

// ExtractVotes extracts and validates the records on one form set.
// images are the pages in physical order.
func (p *Pipeline) ExtractVotes(ctx context.Context, images [][]byte, formSetName string, cfg votes.GenerationConfig) ([]votes.ExtractedRecord, votes.ValidationOutcome, error) {
	return p.Extract(ctx, votes.ExtractionRequest{
		Images:      votes.ImagesFromBytes(images),
		FormSetName: formSetName,
		Config:      cfg,
	})
}

// Extract is ExtractVotes for requests whose images carry references.
// Errors are *votes.ImageDecodeError or *votes.ExtractionError, except for
// an invalid generation config.
func (p *Pipeline) Extract(ctx context.Context, req votes.ExtractionRequest) ([]votes.ExtractedRecord, votes.ValidationOutcome, error) {
	var (
		records []votes.ExtractedRecord
		outcome votes.ValidationOutcome
		meta    *votes.ExtractionMetadata
	)
	start := time.Now()

	err := trace.Run(ctx, p.tracer, SpanExtractVotes, trace.KindWorkflow, func(ctx context.Context, span *trace.Span) error {
		span.SetInput(map[string]any{
			"form_set_name": req.FormSetName,
			"num_images":    len(req.Images),
			"model":         req.Config.Model,
		})
		span.SetTag("form_set_name", req.FormSetName)

		if err := req.Config.Validate(); err != nil {
			return err
		}

		var parts PromptParts
		err := trace.Run(ctx, p.tracer, SpanBuildPrompt, trace.KindTask, func(ctx context.Context, span *trace.Span) error {
			var err error
			parts, meta, err = p.builder.Build(req)
			if err != nil {
				return err
			}
			span.SetMetric("num_images", float64(len(parts.Images)))
			span.SetMetric("prompt_length", float64(len(parts.System)+len(parts.User)))
			span.SetMetadata("prompt_hash", parts.PromptHash)
			return nil
		})
		if err != nil {
			return err
		}

		records, err = p.invoker.Invoke(ctx, parts, req.Config, meta)
		defer func() {
			span.SetMetrics(meta.Metrics())
			span.SetTags(meta.Tags())
		}()
		if err != nil {
			return err
		}

		return trace.Run(ctx, p.tracer, SpanValidate, trace.KindTask, func(ctx context.Context, vspan *trace.Span) error {
			outcome = p.validator.Validate(records)
			vspan.SetMetric("num_records", float64(len(records)))
			vspan.SetTag("outcome", outcome.Kind().String())
			vspan.SetOutput(outcome)
			span.SetTag("validation", outcome.Kind().String())
			span.SetOutput(map[string]any{
				"num_records": len(records),
				"validation":  outcome,
			})
			return nil
		})
	})
	if err != nil {
		p.logFailure(req.FormSetName, time.Since(start), err)
		return nil, votes.ValidationOutcome{}, err
	}

	attrs := []any{
		"form_set_name", req.FormSetName,
		"records", len(records),
		"validation", outcome.Kind().String(),
		"duration_ms", time.Since(start).Milliseconds(),
	}
	if meta != nil {
		attrs = append(attrs, "total_tokens", meta.TotalTokens)
	}
	if !outcome.IsValid() {
		attrs = append(attrs, "reason", outcome.Reason, "index", outcome.Index)
	}
	p.logger.Info("extraction complete", attrs...)

	return records, outcome, nil
}

// logFailure is the single place extraction errors are logged.
func (p *Pipeline) logFailure(formSetName string, elapsed time.Duration, err error) {
	attrs := []any{
		"form_set_name", formSetName,
		"elapsed_ms", elapsed.Milliseconds(),
		"error", err,
		"error_type", trace.ErrorType(err),
	}
	var ee *votes.ExtractionError
	if errors.As(err, &ee) && ee.Raw != "" {
		attrs = append(attrs, "raw", ee.Raw)
	}
	p.logger.Error("extraction failed", attrs...)
}
