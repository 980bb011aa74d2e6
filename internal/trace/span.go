package trace

import (
	"context"
	"errors"
	"fmt"
	"maps"
	"sync"
	"time"
)

// Kind classifies a span.
type Kind string

const (
	// KindWorkflow is an externally invoked operation: one extraction, one judge evaluation.
	KindWorkflow Kind = "workflow"
	// KindTask is a local sub-step with no network calls.
	KindTask Kind = "task"
	// KindLLM is a single model inference.
	KindLLM Kind = "llm"
)

// Outcome is the tag every closed span carries.
type Outcome string

const (
	OutcomeOK        Outcome = "ok"
	OutcomeError     Outcome = "error"
	OutcomeCancelled Outcome = "cancelled"
)

// Tag keys set by End.
const (
	TagOutcome      = "outcome"
	TagError        = "error"
	TagErrorMessage = "error.message"
	TagErrorType    = "error.type"
	MetricDuration  = "duration_ms"
)

// ClosedSpan is the immutable record handed to the sink when a span ends.
type ClosedSpan struct {
	ID         string             `json:"id"`
	TraceID    string             `json:"trace_id"`
	ParentID   string             `json:"parent_id,omitempty"`
	Name       string             `json:"name"`
	Kind       Kind               `json:"kind"`
	StartedAt  time.Time          `json:"started_at"`
	EndedAt    time.Time          `json:"ended_at"`
	DurationMs int64              `json:"duration_ms"`
	Outcome    Outcome            `json:"outcome"`
	Input      any                `json:"input_data,omitempty"`
	Output     any                `json:"output_data,omitempty"`
	Metadata   map[string]any     `json:"metadata,omitempty"`
	Metrics    map[string]float64 `json:"metrics,omitempty"`
	Tags       map[string]string  `json:"tags,omitempty"`
}

// Span is an open unit of work. Annotations are buffered on the span and
// frozen by End; setters called after End are ignored.
type Span struct {
	tracer *Tracer
	ctx    context.Context

	id       string
	traceID  string
	parentID string
	name     string
	kind     Kind
	start    time.Time

	mu       sync.Mutex
	ended    bool
	input    any
	output   any
	metadata map[string]any
	metrics  map[string]float64
	tags     map[string]string
}

func (s *Span) ID() string       { return s.id }
func (s *Span) TraceID() string  { return s.traceID }
func (s *Span) ParentID() string { return s.parentID }
func (s *Span) Name() string     { return s.name }
func (s *Span) Kind() Kind       { return s.kind }

// SetInput records the span's input_data.
func (s *Span) SetInput(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.input = v
	}
}

// SetOutput records the span's output_data.
func (s *Span) SetOutput(v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if !s.ended {
		s.output = v
	}
}

func (s *Span) SetMetadata(key string, v any) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.metadata == nil {
		s.metadata = make(map[string]any)
	}
	s.metadata[key] = v
}

func (s *Span) SetMetric(key string, v float64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.metrics == nil {
		s.metrics = make(map[string]float64)
	}
	s.metrics[key] = v
}

func (s *Span) SetTag(key, v string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.ended {
		return
	}
	if s.tags == nil {
		s.tags = make(map[string]string)
	}
	s.tags[key] = v
}

// SetMetrics merges m into the span's metrics.
func (s *Span) SetMetrics(m map[string]float64) {
	for k, v := range m {
		s.SetMetric(k, v)
	}
}

// SetTags merges m into the span's tags.
func (s *Span) SetTags(m map[string]string) {
	for k, v := range m {
		s.SetTag(k, v)
	}
}

// RecordError tags the span with err without closing it.
func (s *Span) RecordError(err error) {
	if err == nil {
		return
	}
	s.SetTag(TagError, "true")
	s.SetTag(TagErrorMessage, err.Error())
	s.SetTag(TagErrorType, ErrorType(err))
}

// Ended reports whether End has been called.
func (s *Span) Ended() bool {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.ended
}

// End closes the span and emits it. Only the first call has any effect;
// it returns false for every later call.
func (s *Span) End(err error) bool {
	outcome := s.outcome(err)
	if err != nil {
		s.RecordError(err)
	}

	s.mu.Lock()
	if s.ended {
		s.mu.Unlock()
		return false
	}
	s.ended = true
	end := s.tracer.now()
	closed := ClosedSpan{
		ID:         s.id,
		TraceID:    s.traceID,
		ParentID:   s.parentID,
		Name:       s.name,
		Kind:       s.kind,
		StartedAt:  s.start,
		EndedAt:    end,
		DurationMs: end.Sub(s.start).Milliseconds(),
		Outcome:    outcome,
		Input:      s.input,
		Output:     s.output,
		Metadata:   maps.Clone(s.metadata),
		Metrics:    maps.Clone(s.metrics),
		Tags:       maps.Clone(s.tags),
	}
	s.mu.Unlock()

	if closed.Metrics == nil {
		closed.Metrics = make(map[string]float64, 1)
	}
	closed.Metrics[MetricDuration] = float64(closed.DurationMs)
	if closed.Tags == nil {
		closed.Tags = make(map[string]string, 1)
	}
	closed.Tags[TagOutcome] = string(outcome)

	s.tracer.finish(closed)
	return true
}

// outcome is cancelled when the error is a cancellation or the context the
// span was started under is done; a deadline owned by a callee is an error.
func (s *Span) outcome(err error) Outcome {
	switch {
	case err == nil:
		return OutcomeOK
	case errors.Is(err, context.Canceled), s.ctx.Err() != nil:
		return OutcomeCancelled
	default:
		return OutcomeError
	}
}

// ErrorType returns the class name used for the error.type tag.
func ErrorType(err error) string {
	var typed interface{ ErrorType() string }
	if errors.As(err, &typed) {
		return typed.ErrorType()
	}
	var p *PanicError
	if errors.As(err, &p) {
		return "panic"
	}
	return fmt.Sprintf("%T", err)
}

// PanicError carries a recovered panic value.
type PanicError struct {
	Value any
}

func (e *PanicError) Error() string {
	return fmt.Sprintf("panic: %v", e.Value)
}
