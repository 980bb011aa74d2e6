// Package trace builds workflow, task and llm span trees for the extraction
// and judge pipelines. The active span travels in context.Context; closed
// spans are handed to an Emitter, normally a batching Sink in front of an
// Exporter.
package trace

import (
	"context"
	"log/slog"
	"sync/atomic"
	"time"

	"github.com/google/uuid"
)

// Emitter receives closed spans. Implementations must not block the caller
// for long and must tolerate concurrent calls.
type Emitter interface {
	Emit(span ClosedSpan)
}

// Tracer opens spans. The zero value is not usable; use New or Nop.
type Tracer struct {
	emitter Emitter
	logger  *slog.Logger
	now     func() time.Time

	started atomic.Int64
	ended   atomic.Int64
}

// Option configures a Tracer.
type Option func(*Tracer)

// WithLogger sets the logger used to report emitter failures.
func WithLogger(logger *slog.Logger) Option {
	return func(t *Tracer) {
		if logger != nil {
			t.logger = logger
		}
	}
}

// WithClock replaces time.Now.
func WithClock(now func() time.Time) Option {
	return func(t *Tracer) {
		if now != nil {
			t.now = now
		}
	}
}

// New creates a tracer emitting to emitter. A nil emitter drops spans.
func New(emitter Emitter, opts ...Option) *Tracer {
	t := &Tracer{
		emitter: emitter,
		logger:  slog.Default(),
		now:     time.Now,
	}
	for _, opt := range opts {
		opt(t)
	}
	return t
}

// Nop returns a tracer that discards every span.
func Nop() *Tracer {
	return New(nil)
}

// Start opens a span named name. Its parent is the span carried by ctx, if
// any; the returned context carries the new span.
func (t *Tracer) Start(ctx context.Context, name string, kind Kind) (context.Context, *Span) {
	if ctx == nil {
		ctx = context.Background()
	}
	span := &Span{
		tracer: t,
		ctx:    ctx,
		id:     uuid.New().String(),
		name:   name,
		kind:   kind,
		start:  t.now(),
	}
	if parent := SpanFromContext(ctx); parent != nil {
		span.traceID = parent.traceID
		span.parentID = parent.id
	} else {
		span.traceID = uuid.New().String()
	}
	t.started.Add(1)
	return ContextWithSpan(ctx, span), span
}

// Open returns the number of spans started but not yet ended.
func (t *Tracer) Open() int64 {
	return t.started.Load() - t.ended.Load()
}

// Started returns the number of spans opened so far.
func (t *Tracer) Started() int64 {
	return t.started.Load()
}

func (t *Tracer) finish(span ClosedSpan) {
	t.ended.Add(1)
	if t.emitter == nil {
		return
	}
	defer func() {
		if r := recover(); r != nil {
			t.logger.Warn("span emitter panicked, dropping span",
				"span", span.Name,
				"trace_id", span.TraceID,
				"panic", r)
		}
	}()
	t.emitter.Emit(span)
}

type spanKey struct{}

// ContextWithSpan returns a copy of ctx carrying span as the active span.
func ContextWithSpan(ctx context.Context, span *Span) context.Context {
	return context.WithValue(ctx, spanKey{}, span)
}

// SpanFromContext returns the active span, or nil.
func SpanFromContext(ctx context.Context) *Span {
	if ctx == nil {
		return nil
	}
	span, _ := ctx.Value(spanKey{}).(*Span)
	return span
}

// Run opens a span, calls fn with the span's context and closes the span
// with fn's error. A panic in fn closes the span as an error and is
// re-raised.
func Run(ctx context.Context, t *Tracer, name string, kind Kind, fn func(ctx context.Context, span *Span) error) error {
	_, err := RunValue(ctx, t, name, kind, func(ctx context.Context, span *Span) (struct{}, error) {
		return struct{}{}, fn(ctx, span)
	})
	return err
}

// RunValue is Run for functions that also return a value.
func RunValue[T any](ctx context.Context, t *Tracer, name string, kind Kind, fn func(ctx context.Context, span *Span) (T, error)) (result T, err error) {
	ctx, span := t.Start(ctx, name, kind)
	defer func() {
		if r := recover(); r != nil {
			span.End(&PanicError{Value: r})
			panic(r)
		}
		span.End(err)
	}()
	return fn(ctx, span)
}
