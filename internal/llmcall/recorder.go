package llmcall

import (
	"strings"

	"github.com/jackzampolin/tally/internal/trace"
)

// Recorder attaches LLM call records to llm spans.
type Recorder struct {
	// MaxResponseBytes caps the response kept on the span; 0 keeps it all.
	MaxResponseBytes int
}

// NewRecorder creates a new LLM call recorder.
func NewRecorder() *Recorder {
	return &Recorder{}
}

// Record annotates span with call. A nil span or call is ignored.
func (r *Recorder) Record(span *trace.Span, call *Call) {
	if span == nil || call == nil {
		return
	}

	if r.MaxResponseBytes > 0 && len(call.Response) > r.MaxResponseBytes {
		trimmed := *call
		trimmed.Response = strings.ToValidUTF8(call.Response[:r.MaxResponseBytes], "")
		call = &trimmed
	}

	span.SetTags(call.Tags())
	span.SetMetrics(call.Metrics())
	if call.Attempt > 0 {
		span.SetMetric("attempt", float64(call.Attempt))
	}
	span.SetOutput(call)
}
