package trace

import (
	"context"
	"errors"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"
)

// ErrSinkClosed is returned by Flush after Stop.
var ErrSinkClosed = errors.New("trace sink closed")

// Exporter ships a batch of closed spans to a backend.
type Exporter interface {
	Export(ctx context.Context, spans []ClosedSpan) error
}

// SinkConfig configures the span sink.
type SinkConfig struct {
	Exporter      Exporter
	BatchSize     int           // Flush after N spans (default: 100)
	FlushInterval time.Duration // Or after duration (default: 5s)
	QueueSize     int           // Buffer size (default: 1000)
	ExportTimeout time.Duration // Per-batch export deadline (default: 10s)
	Logger        *slog.Logger
}

// Sink batches closed spans and exports them on a background goroutine.
// Emit never blocks: when the queue is full the span is dropped. Export
// failures are logged and dropped.
type Sink struct {
	exporter Exporter
	logger   *slog.Logger

	batchSize     int
	flushInterval time.Duration
	exportTimeout time.Duration

	queue   chan ClosedSpan
	batch   []ClosedSpan
	flushCh chan chan struct{}

	mu      sync.RWMutex
	closed  bool
	started bool

	dropped  atomic.Int64
	exported atomic.Int64
	failed   atomic.Int64

	ctx      context.Context
	cancel   context.CancelFunc
	wg       sync.WaitGroup
	stopOnce sync.Once
}

// NewSink creates a new span sink.
func NewSink(cfg SinkConfig) *Sink {
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = 100
	}
	if cfg.FlushInterval <= 0 {
		cfg.FlushInterval = 5 * time.Second
	}
	if cfg.QueueSize <= 0 {
		cfg.QueueSize = 1000
	}
	if cfg.ExportTimeout <= 0 {
		cfg.ExportTimeout = 10 * time.Second
	}
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}

	return &Sink{
		exporter:      cfg.Exporter,
		logger:        cfg.Logger,
		batchSize:     cfg.BatchSize,
		flushInterval: cfg.FlushInterval,
		exportTimeout: cfg.ExportTimeout,
		queue:         make(chan ClosedSpan, cfg.QueueSize),
		batch:         make([]ClosedSpan, 0, cfg.BatchSize),
		flushCh:       make(chan chan struct{}),
	}
}

// Start begins processing spans.
func (s *Sink) Start(ctx context.Context) {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.started || s.closed {
		return
	}
	s.started = true
	s.ctx, s.cancel = context.WithCancel(context.WithoutCancel(ctx))

	s.wg.Add(1)
	go s.runBatcher()
}

// Stop gracefully shuts down the sink, exporting queued spans.
func (s *Sink) Stop() {
	s.stopOnce.Do(func() {
		s.mu.Lock()
		s.closed = true
		started := s.started
		close(s.queue)
		s.mu.Unlock()

		if !started {
			return
		}

		s.logger.Debug("stopping trace sink, flushing remaining spans")
		s.wg.Wait()
		s.cancel()
		s.logger.Debug("trace sink stopped",
			"exported", s.exported.Load(),
			"dropped", s.dropped.Load(),
			"failed", s.failed.Load())
	})
}

// Emit queues a span (fire-and-forget).
func (s *Sink) Emit(span ClosedSpan) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.closed {
		s.dropped.Add(1)
		s.logger.Warn("trace sink closed, dropping span", "span", span.Name, "kind", span.Kind)
		return
	}

	select {
	case s.queue <- span:
	default:
		s.dropped.Add(1)
		s.logger.Warn("trace queue full, dropping span", "span", span.Name, "kind", span.Kind)
	}
}

// Flush exports everything queued so far and waits for it.
func (s *Sink) Flush(ctx context.Context) error {
	s.mu.RLock()
	if s.closed {
		s.mu.RUnlock()
		return ErrSinkClosed
	}
	if !s.started {
		s.mu.RUnlock()
		return errors.New("trace sink not started")
	}
	s.mu.RUnlock()

	done := make(chan struct{})
	select {
	case s.flushCh <- done:
	case <-s.ctx.Done():
		return ErrSinkClosed
	case <-ctx.Done():
		return ctx.Err()
	}

	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return ctx.Err()
	}
}

// Dropped returns the number of spans discarded because the queue was full
// or the sink was closed.
func (s *Sink) Dropped() int64 { return s.dropped.Load() }

// Exported returns the number of spans the exporter accepted.
func (s *Sink) Exported() int64 { return s.exported.Load() }

// runBatcher collects spans and flushes on size/time triggers.
func (s *Sink) runBatcher() {
	defer s.wg.Done()

	ticker := time.NewTicker(s.flushInterval)
	defer ticker.Stop()

	for {
		select {
		case span, ok := <-s.queue:
			if !ok {
				s.flushBatch()
				return
			}
			s.addToBatch(span)

		case <-ticker.C:
			s.flushBatch()

		case done := <-s.flushCh:
			s.drainQueue()
			s.flushBatch()
			close(done)
		}
	}
}

func (s *Sink) drainQueue() {
	for {
		select {
		case span, ok := <-s.queue:
			if !ok {
				return
			}
			s.addToBatch(span)
		default:
			return
		}
	}
}

func (s *Sink) addToBatch(span ClosedSpan) {
	s.batch = append(s.batch, span)
	if len(s.batch) >= s.batchSize {
		s.flushBatch()
	}
}

func (s *Sink) flushBatch() {
	if len(s.batch) == 0 {
		return
	}
	spans := s.batch
	s.batch = make([]ClosedSpan, 0, s.batchSize)

	if s.exporter == nil {
		return
	}

	s.logger.Debug("exporting spans", "count", len(spans))

	ctx, cancel := context.WithTimeout(s.ctx, s.exportTimeout)
	defer cancel()

	if err := s.export(ctx, spans); err != nil {
		s.failed.Add(int64(len(spans)))
		s.logger.Warn("span export failed, dropping batch",
			"count", len(spans),
			"error", err)
		return
	}
	s.exported.Add(int64(len(spans)))
}

func (s *Sink) export(ctx context.Context, spans []ClosedSpan) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = &PanicError{Value: r}
		}
	}()
	return s.exporter.Export(ctx, spans)
}
