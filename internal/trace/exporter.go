package trace

import (
	"bufio"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"slices"
	"sync"
	"time"
)

// Exporter names accepted by NewExporter.
const (
	ExporterLog   = "log"
	ExporterJSONL = "jsonl"
	ExporterMongo = "mongo"
	ExporterRedis = "redis"
	ExporterNone  = "none"
)

// ExporterConfig selects and configures an exporter.
type ExporterConfig struct {
	Type string

	JSONLPath string

	MongoURI        string
	MongoDatabase   string
	MongoCollection string

	RedisAddr     string
	RedisPassword string
	RedisDB       int
	RedisStream   string
	RedisMaxLen   int64

	Logger *slog.Logger
}

// NewExporter builds the exporter named by cfg.Type. It returns a nil
// Exporter for "none" or an empty type.
func NewExporter(ctx context.Context, cfg ExporterConfig) (Exporter, error) {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.Default()
	}

	switch cfg.Type {
	case "", ExporterNone:
		return nil, nil
	case ExporterLog:
		return NewLogExporter(logger), nil
	case ExporterJSONL:
		return NewJSONLExporter(cfg.JSONLPath)
	case ExporterMongo:
		return NewMongoExporter(ctx, MongoConfig{
			URI:        cfg.MongoURI,
			Database:   cfg.MongoDatabase,
			Collection: cfg.MongoCollection,
		})
	case ExporterRedis:
		return NewRedisExporter(ctx, RedisConfig{
			Addr:     cfg.RedisAddr,
			Password: cfg.RedisPassword,
			DB:       cfg.RedisDB,
			Stream:   cfg.RedisStream,
			MaxLen:   cfg.RedisMaxLen,
		})
	default:
		return nil, fmt.Errorf("unknown trace exporter %q", cfg.Type)
	}
}

// CloseExporter releases exporter resources if it holds any.
func CloseExporter(ctx context.Context, e Exporter) error {
	switch c := e.(type) {
	case interface{ Close(context.Context) error }:
		return c.Close(ctx)
	case io.Closer:
		return c.Close()
	}
	return nil
}

// LogExporter writes one log line per span.
type LogExporter struct {
	logger *slog.Logger
}

func NewLogExporter(logger *slog.Logger) *LogExporter {
	if logger == nil {
		logger = slog.Default()
	}
	return &LogExporter{logger: logger}
}

func (e *LogExporter) Export(ctx context.Context, spans []ClosedSpan) error {
	for _, s := range spans {
		attrs := []any{
			"trace_id", s.TraceID,
			"span_id", s.ID,
			"kind", s.Kind,
			"outcome", s.Outcome,
			"duration_ms", s.DurationMs,
		}
		if s.ParentID != "" {
			attrs = append(attrs, "parent_id", s.ParentID)
		}
		if msg, ok := s.Tags[TagErrorMessage]; ok {
			attrs = append(attrs, "error", msg)
		}
		e.logger.InfoContext(ctx, "span "+s.Name, attrs...)
	}
	return nil
}

// JSONLExporter appends spans to a file, one JSON object per line.
type JSONLExporter struct {
	mu   sync.Mutex
	file *os.File
	w    *bufio.Writer
}

func NewJSONLExporter(path string) (*JSONLExporter, error) {
	if path == "" {
		return nil, fmt.Errorf("jsonl exporter requires a path")
	}
	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("failed to create trace directory: %w", err)
	}
	f, err := os.OpenFile(path, os.O_CREATE|os.O_APPEND|os.O_WRONLY, 0o644)
	if err != nil {
		return nil, fmt.Errorf("failed to open trace file: %w", err)
	}
	return &JSONLExporter{file: f, w: bufio.NewWriter(f)}, nil
}

func (e *JSONLExporter) Export(ctx context.Context, spans []ClosedSpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()

	enc := json.NewEncoder(e.w)
	for _, s := range spans {
		if err := enc.Encode(s); err != nil {
			return fmt.Errorf("failed to encode span %s: %w", s.ID, err)
		}
	}
	return e.w.Flush()
}

func (e *JSONLExporter) Close() error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if err := e.w.Flush(); err != nil {
		e.file.Close()
		return err
	}
	return e.file.Close()
}

// MemoryExporter records spans in memory. It is both an Exporter and an
// Emitter, so tests can attach it to a Tracer directly.
type MemoryExporter struct {
	mu    sync.Mutex
	spans []ClosedSpan
	err   error
}

func NewMemoryExporter() *MemoryExporter {
	return &MemoryExporter{}
}

// FailWith makes later Export calls return err.
func (e *MemoryExporter) FailWith(err error) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.err = err
}

func (e *MemoryExporter) Export(ctx context.Context, spans []ClosedSpan) error {
	e.mu.Lock()
	defer e.mu.Unlock()
	if e.err != nil {
		return e.err
	}
	e.spans = append(e.spans, spans...)
	return nil
}

func (e *MemoryExporter) Emit(span ClosedSpan) {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = append(e.spans, span)
}

// Spans returns a copy of the recorded spans in close order.
func (e *MemoryExporter) Spans() []ClosedSpan {
	e.mu.Lock()
	defer e.mu.Unlock()
	return slices.Clone(e.spans)
}

// Find returns the first recorded span named name.
func (e *MemoryExporter) Find(name string) (ClosedSpan, bool) {
	e.mu.Lock()
	defer e.mu.Unlock()
	for _, s := range e.spans {
		if s.Name == name {
			return s, true
		}
	}
	return ClosedSpan{}, false
}

// Count returns how many recorded spans are named name.
func (e *MemoryExporter) Count(name string) int {
	e.mu.Lock()
	defer e.mu.Unlock()
	n := 0
	for _, s := range e.spans {
		if s.Name == name {
			n++
		}
	}
	return n
}

func (e *MemoryExporter) Reset() {
	e.mu.Lock()
	defer e.mu.Unlock()
	e.spans = nil
}

// spanDocument flattens a span into JSON-compatible values for stores that
// need plain maps.
func spanDocument(s ClosedSpan) (map[string]any, error) {
	data, err := json.Marshal(s)
	if err != nil {
		return nil, err
	}
	var doc map[string]any
	if err := json.Unmarshal(data, &doc); err != nil {
		return nil, err
	}
	doc["started_at"] = s.StartedAt.UTC()
	doc["ended_at"] = s.EndedAt.UTC()
	return doc, nil
}

var (
	_ Exporter = (*LogExporter)(nil)
	_ Exporter = (*JSONLExporter)(nil)
	_ Exporter = (*MemoryExporter)(nil)
	_ Emitter  = (*MemoryExporter)(nil)
	_ Emitter  = (*Sink)(nil)
)

// durationOr returns d, or def when d is not positive.
func durationOr(d, def time.Duration) time.Duration {
	if d <= 0 {
		return def
	}
	return d
}
