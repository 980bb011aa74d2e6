package extract

import (
	"context"
	"errors"
	"strings"
	"testing"
	"time"

	"github.com/jackzampolin/tally/internal/providers"
	"github.com/jackzampolin/tally/internal/trace"
	"github.com/jackzampolin/tally/internal/votes"
)

func buildParts(t *testing.T, pages int) (PromptParts, *votes.ExtractionMetadata, votes.GenerationConfig) {
	t.Helper()
	b, err := NewBuilder(BuilderConfig{})
	if err != nil {
		t.Fatal(err)
	}
	images := make([]votes.Image, pages)
	for i := range images {
		images[i] = votes.Image{Data: pagePNG(t, uint8(i*40))}
	}
	cfg := testConfig(t)
	parts, meta, err := b.Build(votes.ExtractionRequest{Images: images, FormSetName: "form-a", Config: cfg})
	if err != nil {
		t.Fatal(err)
	}
	return parts, meta, cfg
}

func TestInvoker_ParsesResponses(t *testing.T) {
	tests := []struct {
		name    string
		content string
		want    int
	}{
		{name: "bare array", content: `[{"party_name":"A","vote_count":120},{"candidate_name":"B","vote_count":7}]`, want: 2},
		{name: "records object", content: `{"records":[{"party_name":"A","vote_count":1}]}`, want: 1},
		{name: "fenced", content: "```json\n[{\"party_name\":\"A\",\"vote_count\":1}]\n```", want: 1},
		{name: "empty array", content: `[]`, want: 0},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, meta, cfg := buildParts(t, 1)
			gen := providers.NewMockGeneratorText(tt.content)
			inv := NewInvoker(InvokerConfig{Generator: gen, Logger: quietLogger()})

			records, err := inv.Invoke(context.Background(), parts, cfg, meta)
			if err != nil {
				t.Fatalf("Invoke() error = %v", err)
			}
			if len(records) != tt.want {
				t.Errorf("got %d records, want %d", len(records), tt.want)
			}
			if records == nil {
				t.Error("records should be non-nil")
			}
		})
	}
}

func TestInvoker_SendsPrompt(t *testing.T) {
	parts, meta, cfg := buildParts(t, 2)
	gen := providers.NewMockGeneratorText(`[]`)
	inv := NewInvoker(InvokerConfig{Generator: gen, Logger: quietLogger()})

	if _, err := inv.Invoke(context.Background(), parts, cfg, meta); err != nil {
		t.Fatal(err)
	}

	reqs := gen.Requests()
	if len(reqs) != 1 {
		t.Fatalf("generator called %d times, want 1", len(reqs))
	}
	req := reqs[0]
	if req.Model != "test/model" || req.Temperature != 0.2 || req.MaxTokens != votes.DefaultMaxTokens {
		t.Errorf("request config = %s/%v/%d", req.Model, req.Temperature, req.MaxTokens)
	}
	if req.ResponseFormat == nil || req.ResponseFormat.Type != "json_schema" {
		t.Errorf("response format = %+v", req.ResponseFormat)
	}
	if req.SystemPrompt() != parts.System {
		t.Error("system message not sent")
	}
	if req.ImageCount() != 2 {
		t.Errorf("sent %d images, want 2", req.ImageCount())
	}
}

func TestInvoker_EnrichesMetadata(t *testing.T) {
	parts, meta, cfg := buildParts(t, 1)
	gen := providers.NewMockGenerator(providers.MockResponse{
		Content:      `[{"party_name":"A","vote_count":3}]`,
		FinishReason: "length",
	})
	gen.Latency = 5 * time.Millisecond
	inv := NewInvoker(InvokerConfig{Generator: gen, Logger: quietLogger()})

	if _, err := inv.Invoke(context.Background(), parts, cfg, meta); err != nil {
		t.Fatal(err)
	}
	if meta.FinishReason != "length" || meta.Provider != providers.MockGeneratorName {
		t.Errorf("finish/provider = %q/%q", meta.FinishReason, meta.Provider)
	}
	if meta.TotalTokens == 0 || meta.TotalTokens != meta.PromptTokens+meta.CompletionTokens {
		t.Errorf("tokens = %d/%d/%d", meta.PromptTokens, meta.CompletionTokens, meta.TotalTokens)
	}
	if meta.DurationMs < 5 {
		t.Errorf("DurationMs = %d, want >= 5", meta.DurationMs)
	}
}

func TestInvoker_Timeout(t *testing.T) {
	parts, meta, cfg := buildParts(t, 1)
	gen := providers.NewMockGeneratorText(`[]`)
	gen.Latency = time.Second

	mem := trace.NewMemoryExporter()
	inv := NewInvoker(InvokerConfig{
		Generator: gen,
		Timeout:   20 * time.Millisecond,
		Tracer:    trace.New(mem),
		Logger:    quietLogger(),
	})

	start := time.Now()
	_, err := inv.Invoke(context.Background(), parts, cfg, meta)
	if time.Since(start) > 500*time.Millisecond {
		t.Errorf("Invoke() took %v, timeout not enforced", time.Since(start))
	}

	var ee *votes.ExtractionError
	if !errors.As(err, &ee) || ee.Kind != votes.ErrTimeout {
		t.Fatalf("Invoke() error = %v, want timeout ExtractionError", err)
	}
	if ee.FormSetName != "form-a" || ee.Elapsed <= 0 {
		t.Errorf("error context = %q / %v", ee.FormSetName, ee.Elapsed)
	}
	if gen.RequestCount() != 1 {
		t.Errorf("generator called %d times, want 1 (no retries)", gen.RequestCount())
	}

	span, ok := mem.Find(SpanGenerate)
	if !ok {
		t.Fatal("llm span not emitted")
	}
	if span.Outcome != trace.OutcomeError || span.Tags[trace.TagErrorType] != "timeout" {
		t.Errorf("span outcome/type = %s/%s", span.Outcome, span.Tags[trace.TagErrorType])
	}
}

func TestInvoker_TimeoutWhenGeneratorIgnoresContext(t *testing.T) {
	parts, meta, cfg := buildParts(t, 1)
	release := make(chan struct{})
	defer close(release)
	gen := providers.NewMockGeneratorText(`[]`)
	gen.Handler = func(ctx context.Context, req *providers.StructuredRequest) (*providers.StructuredResponse, error) {
		select {
		case <-release:
		case <-time.After(2 * time.Second):
		}
		return &providers.StructuredResponse{Content: `[]`}, nil
	}

	mem := trace.NewMemoryExporter()
	inv := NewInvoker(InvokerConfig{
		Generator: gen,
		Timeout:   50 * time.Millisecond,
		Tracer:    trace.New(mem),
		Logger:    quietLogger(),
	})

	start := time.Now()
	_, err := inv.Invoke(context.Background(), parts, cfg, meta)
	if elapsed := time.Since(start); elapsed > 500*time.Millisecond {
		t.Errorf("Invoke() took %v, want it bounded by the 50ms timeout", elapsed)
	}

	var ee *votes.ExtractionError
	if !errors.As(err, &ee) || ee.Kind != votes.ErrTimeout {
		t.Fatalf("Invoke() error = %v, want timeout ExtractionError", err)
	}
	if span, ok := mem.Find(SpanGenerate); !ok || span.Outcome != trace.OutcomeError {
		t.Errorf("llm span = %+v, found %v", span, ok)
	}
}

func TestInvoker_CallerCancel(t *testing.T) {
	parts, meta, cfg := buildParts(t, 1)
	gen := providers.NewMockGeneratorText(`[]`)
	gen.Latency = time.Second

	mem := trace.NewMemoryExporter()
	inv := NewInvoker(InvokerConfig{Generator: gen, Tracer: trace.New(mem), Logger: quietLogger()})

	ctx, cancel := context.WithCancel(context.Background())
	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := inv.Invoke(ctx, parts, cfg, meta)
	var ee *votes.ExtractionError
	if !errors.As(err, &ee) || ee.Kind != votes.ErrProvider {
		t.Fatalf("Invoke() error = %v, want provider ExtractionError", err)
	}
	if !errors.Is(err, context.Canceled) {
		t.Errorf("error should wrap context.Canceled: %v", err)
	}
	if span, _ := mem.Find(SpanGenerate); span.Outcome != trace.OutcomeCancelled {
		t.Errorf("span outcome = %s, want cancelled", span.Outcome)
	}
}

func TestInvoker_MalformedResponse(t *testing.T) {
	long := strings.Repeat("ไม่ใช่ JSON ", 200)

	tests := []struct {
		name    string
		content string
	}{
		{name: "prose", content: long},
		{name: "wrong type", content: `[{"party_name":"A","vote_count":"many"}]`},
		{name: "missing vote count", content: `[{"party_name":"A"}]`},
		{name: "unknown field", content: `[{"party_name":"A","vote_count":1,"seat":3}]`},
		{name: "object without records", content: `{"rows":[]}`},
		{name: "scalar", content: `42`},
		{name: "blank", content: "   "},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, meta, cfg := buildParts(t, 1)
			inv := NewInvoker(InvokerConfig{Generator: providers.NewMockGeneratorText(tt.content), Logger: quietLogger()})

			records, err := inv.Invoke(context.Background(), parts, cfg, meta)
			if records != nil {
				t.Errorf("records = %v, want nil", records)
			}
			var ee *votes.ExtractionError
			if !errors.As(err, &ee) || ee.Kind != votes.ErrMalformedResponse {
				t.Fatalf("Invoke() error = %v, want malformed ExtractionError", err)
			}
			if len(ee.Raw) > votes.MaxRawExcerpt {
				t.Errorf("Raw is %d bytes, want <= %d", len(ee.Raw), votes.MaxRawExcerpt)
			}
			if tt.name == "prose" && !strings.HasPrefix(long, ee.Raw) {
				t.Error("Raw should be a prefix of the response")
			}
		})
	}
}

func TestInvoker_ProviderErrors(t *testing.T) {
	tests := []struct {
		name     string
		response providers.MockResponse
		wantKind votes.ErrorKind
	}{
		{name: "status error", response: providers.MockResponse{Err: &providers.StatusError{Provider: "mock", StatusCode: 500, Message: "down"}}, wantKind: votes.ErrProvider},
		{name: "nil response", response: providers.MockResponse{Nil: true}, wantKind: votes.ErrMalformedResponse},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			parts, meta, cfg := buildParts(t, 1)
			inv := NewInvoker(InvokerConfig{Generator: providers.NewMockGenerator(tt.response), Logger: quietLogger()})

			_, err := inv.Invoke(context.Background(), parts, cfg, meta)
			var ee *votes.ExtractionError
			if !errors.As(err, &ee) || ee.Kind != tt.wantKind {
				t.Fatalf("Invoke() error = %v, want kind %s", err, tt.wantKind)
			}
		})
	}

	t.Run("no generator", func(t *testing.T) {
		parts, meta, cfg := buildParts(t, 1)
		_, err := NewInvoker(InvokerConfig{Logger: quietLogger()}).Invoke(context.Background(), parts, cfg, meta)
		if !errors.Is(err, providers.ErrProviderNotFound) {
			t.Errorf("Invoke() error = %v", err)
		}
	})
}

func TestInvoker_LLMSpan(t *testing.T) {
	parts, meta, cfg := buildParts(t, 1)
	mem := trace.NewMemoryExporter()
	inv := NewInvoker(InvokerConfig{
		Generator: providers.NewMockGeneratorText(`[{"party_name":"A","vote_count":1}]`),
		Tracer:    trace.New(mem),
		Logger:    quietLogger(),
	})

	if _, err := inv.Invoke(context.Background(), parts, cfg, meta); err != nil {
		t.Fatal(err)
	}

	llm, ok := mem.Find(SpanGenerate)
	if !ok {
		t.Fatal("llm span missing")
	}
	if llm.Kind != trace.KindLLM || llm.Tags["model"] != "test/model" || llm.Tags["provider"] != providers.MockGeneratorName {
		t.Errorf("llm span = %+v", llm)
	}
	if llm.Tags["prompt_hash"] != parts.PromptHash {
		t.Errorf("prompt_hash tag = %q", llm.Tags["prompt_hash"])
	}
	parse, ok := mem.Find(SpanParse)
	if !ok || parse.Kind != trace.KindTask || parse.Metrics["num_records"] != 1 {
		t.Errorf("parse span = %+v", parse)
	}
}
