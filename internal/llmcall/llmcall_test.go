package llmcall

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackzampolin/tally/internal/providers"
	"github.com/jackzampolin/tally/internal/trace"
)

func TestFromStructured(t *testing.T) {
	temp := 0.0
	resp := &providers.StructuredResponse{
		Content:          `{"records":[]}`,
		FinishReason:     "stop",
		PromptTokens:     100,
		CompletionTokens: 20,
		TotalTokens:      120,
		ExecutionTime:    1500 * time.Millisecond,
		Provider:         "openrouter",
		ModelUsed:        "google/gemini-2.5-flash",
		RequestID:        "req-1",
	}

	call := FromStructured(resp, RecordOptions{
		FormSetName: "ballot-7",
		PromptKey:   "extraction.system",
		PromptHash:  "abc",
		Provider:    "requested",
		Model:       "requested-model",
		Temperature: &temp,
		Attempt:     1,
	})

	if !call.Success || call.Error != "" {
		t.Errorf("Success = %v, Error = %q", call.Success, call.Error)
	}
	if call.Provider != "openrouter" || call.Model != "google/gemini-2.5-flash" {
		t.Errorf("provider/model = %s/%s, want response values", call.Provider, call.Model)
	}
	if call.LatencyMs != 1500 || call.TotalTokens != 120 || call.RequestID != "req-1" {
		t.Errorf("unexpected call: %+v", call)
	}
	if call.ID == "" {
		t.Error("missing ID")
	}

	if FromStructured(nil, RecordOptions{}) != nil {
		t.Error("FromStructured(nil) should be nil")
	}
}

func TestFromStructured_EmptyText(t *testing.T) {
	call := FromStructured(&providers.StructuredResponse{Content: "  "}, RecordOptions{Provider: "mock", Model: "m"})
	if call.Success {
		t.Error("blank response recorded as success")
	}
	if call.Provider != "mock" || call.Model != "m" {
		t.Errorf("fallback provider/model = %s/%s", call.Provider, call.Model)
	}
}

func TestFromError(t *testing.T) {
	call := FromError(errors.New("503"), RecordOptions{Model: "m", Latency: time.Second})
	if call.Success || call.Error != "503" || call.LatencyMs != 1000 {
		t.Errorf("unexpected call: %+v", call)
	}
}

func TestRecorder_AnnotatesSpan(t *testing.T) {
	mem := trace.NewMemoryExporter()
	tracer := trace.New(mem)
	_, span := tracer.Start(context.Background(), "generate", trace.KindLLM)

	call := FromStructured(&providers.StructuredResponse{
		Content:     "ผลคะแนน",
		Provider:    "mock",
		ModelUsed:   "m",
		TotalTokens: 9,
	}, RecordOptions{PromptKey: "judge.user", Attempt: 2})

	rec := &Recorder{MaxResponseBytes: 4}
	rec.Record(span, call)
	rec.Record(nil, call)
	span.End(nil)

	got, _ := mem.Find("generate")
	if got.Tags["model"] != "m" || got.Tags["provider"] != "mock" || got.Tags["prompt_key"] != "judge.user" {
		t.Errorf("tags = %v", got.Tags)
	}
	if got.Metrics["attempt"] != 2 || got.Metrics["total_tokens"] != 9 {
		t.Errorf("metrics = %v", got.Metrics)
	}
	out, ok := got.Output.(*Call)
	if !ok {
		t.Fatalf("output = %T", got.Output)
	}
	if len(out.Response) > 4 {
		t.Errorf("response not capped: %q", out.Response)
	}
	if call.Response != "ผลคะแนน" {
		t.Error("Record mutated the caller's call")
	}
}
