package providers

import (
	"context"
	"encoding/json"
	"errors"
	"sync"
	"testing"
	"time"
)

func TestMockGenerator(t *testing.T) {
	t.Run("scripted responses in order", func(t *testing.T) {
		boom := errors.New("boom")
		m := NewMockGenerator(
			MockResponse{Err: boom},
			MockResponse{Nil: true},
			MockResponse{Content: `{"a":1}`},
		)
		req := &StructuredRequest{Model: "m", ResponseFormat: JSONSchemaFormat(json.RawMessage(`{}`))}

		if _, err := m.GenerateStructured(context.Background(), req); !errors.Is(err, boom) {
			t.Errorf("first call err = %v", err)
		}
		if resp, err := m.GenerateStructured(context.Background(), req); resp != nil || err != nil {
			t.Errorf("second call = %v, %v", resp, err)
		}
		for i := 0; i < 2; i++ {
			resp, err := m.GenerateStructured(context.Background(), req)
			if err != nil {
				t.Fatal(err)
			}
			if string(resp.ParsedJSON) != `{"a":1}` {
				t.Errorf("ParsedJSON = %s", resp.ParsedJSON)
			}
		}
		if m.RequestCount() != 4 {
			t.Errorf("RequestCount = %d, want 4", m.RequestCount())
		}
	})

	t.Run("panic", func(t *testing.T) {
		m := NewMockGenerator(MockResponse{Panic: "kaboom"})
		defer func() {
			if r := recover(); r != "kaboom" {
				t.Errorf("recover() = %v", r)
			}
		}()
		m.GenerateStructured(context.Background(), &StructuredRequest{})
	})

	t.Run("latency honours context", func(t *testing.T) {
		m := NewMockGenerator()
		m.Latency = time.Second
		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if _, err := m.GenerateStructured(ctx, &StructuredRequest{}); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("err = %v", err)
		}
	})

	t.Run("concurrent requests", func(t *testing.T) {
		m := NewMockGenerator()
		var wg sync.WaitGroup
		for i := 0; i < 20; i++ {
			wg.Add(1)
			go func() {
				defer wg.Done()
				m.GenerateStructured(context.Background(), &StructuredRequest{})
			}()
		}
		wg.Wait()
		if m.RequestCount() != 20 || len(m.Requests()) != 20 {
			t.Errorf("RequestCount = %d, Requests = %d", m.RequestCount(), len(m.Requests()))
		}
		m.Reset()
		if m.RequestCount() != 0 || len(m.Requests()) != 0 {
			t.Error("Reset() should clear state")
		}
	})
}

func TestRateLimited(t *testing.T) {
	t.Run("burst then waits", func(t *testing.T) {
		m := NewMockGeneratorText(`{}`)
		g := NewRateLimited(m, 2)
		for i := 0; i < 2; i++ {
			if _, err := g.GenerateStructured(context.Background(), &StructuredRequest{}); err != nil {
				t.Fatalf("call %d: %v", i, err)
			}
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if _, err := g.GenerateStructured(ctx, &StructuredRequest{}); err == nil {
			t.Error("third call should not get a token within 10ms")
		}
		if m.RequestCount() != 2 {
			t.Errorf("generator called %d times, want 2", m.RequestCount())
		}
		if s := g.Status(); s.Admitted != 2 || s.RequestsPerMinute != 2 {
			t.Errorf("unexpected status: %+v", s)
		}
	})

	t.Run("429 holds later calls", func(t *testing.T) {
		m := NewMockGenerator(MockResponse{Err: &RateLimitError{Message: "slow down", RetryAfter: time.Second, StatusCode: 429}})
		g := NewRateLimited(m, 10)
		_, err := g.GenerateStructured(context.Background(), &StructuredRequest{})
		var rl *RateLimitError
		if !errors.As(err, &rl) {
			t.Fatalf("err = %v", err)
		}

		s := g.Status()
		if s.Throttled != 1 || s.HoldUntil.IsZero() {
			t.Errorf("limiter should hold after 429: %+v", s)
		}

		ctx, cancel := context.WithTimeout(context.Background(), 10*time.Millisecond)
		defer cancel()
		if _, err := g.GenerateStructured(ctx, &StructuredRequest{}); !errors.Is(err, context.DeadlineExceeded) {
			t.Errorf("held call err = %v, want deadline exceeded", err)
		}
		if m.RequestCount() != 1 {
			t.Errorf("generator called %d times during hold", m.RequestCount())
		}
	})

	t.Run("delegates", func(t *testing.T) {
		m := NewMockGeneratorText(`{}`)
		g := NewRateLimited(m, 0)
		if g.Name() != MockGeneratorName || g.Unwrap() != m {
			t.Error("wrapper should delegate Name and Unwrap")
		}
		if g.Status().RequestsPerMinute != DefaultRequestsPerMinute {
			t.Errorf("default rpm = %d", g.Status().RequestsPerMinute)
		}
	})
}
