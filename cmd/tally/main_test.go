package main

import (
	"bytes"
	"context"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/jackzampolin/tally/internal/home"
	"github.com/jackzampolin/tally/internal/svcctx"
)

func TestReadRecords(t *testing.T) {
	dir := t.TempDir()
	write := func(name, content string) string {
		p := filepath.Join(dir, name)
		if err := os.WriteFile(p, []byte(content), 0o644); err != nil {
			t.Fatal(err)
		}
		return p
	}

	tests := []struct {
		name    string
		content string
		want    int
		wantErr bool
	}{
		{name: "array", content: `[{"party_name":"A","vote_count":1},{"candidate_name":"B","vote_count":2}]`, want: 2},
		{name: "wrapped", content: `{"form_set_name":"x","records":[{"party_name":"A","vote_count":1}]}`, want: 1},
		{name: "empty array", content: `[]`, want: 0},
		{name: "no records key", content: `{"rows":[]}`, wantErr: true},
		{name: "garbage", content: `not json`, wantErr: true},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := readRecords(write(strings.ReplaceAll(tt.name, " ", "_")+".json", tt.content))
			if (err != nil) != tt.wantErr {
				t.Fatalf("readRecords() error = %v, wantErr %v", err, tt.wantErr)
			}
			if !tt.wantErr && len(got) != tt.want {
				t.Errorf("got %d records, want %d", len(got), tt.want)
			}
		})
	}

	if _, err := readRecords(filepath.Join(dir, "missing.json")); err == nil {
		t.Error("expected error for missing file")
	}
}

func TestNewLogger(t *testing.T) {
	t.Run("json to writer", func(t *testing.T) {
		var buf bytes.Buffer
		logger, closer, err := newLogger(logOptions{Level: "debug", Format: "json"}, &buf)
		if err != nil {
			t.Fatal(err)
		}
		defer closer.Close()
		logger.Debug("hello", "k", "v")
		if !strings.Contains(buf.String(), `"msg":"hello"`) {
			t.Errorf("output = %s", buf.String())
		}
	})

	t.Run("level filters", func(t *testing.T) {
		var buf bytes.Buffer
		logger, _, err := newLogger(logOptions{Level: "warn"}, &buf)
		if err != nil {
			t.Fatal(err)
		}
		logger.Info("quiet")
		if buf.Len() != 0 {
			t.Errorf("info logged at warn level: %s", buf.String())
		}
	})

	t.Run("rotating file", func(t *testing.T) {
		path := filepath.Join(t.TempDir(), "logs", "tally.log")
		logger, closer, err := newLogger(logOptions{Level: "info", File: path}, io.Discard)
		if err != nil {
			t.Fatal(err)
		}
		logger.Info("to file")
		closer.Close()
		data, err := os.ReadFile(path)
		if err != nil || !strings.Contains(string(data), "to file") {
			t.Errorf("log file = %q, %v", data, err)
		}
	})

	t.Run("bad options", func(t *testing.T) {
		if _, _, err := newLogger(logOptions{Level: "loud"}, io.Discard); err == nil {
			t.Error("expected level error")
		}
		if _, _, err := newLogger(logOptions{Level: "info", Format: "xml"}, io.Discard); err == nil {
			t.Error("expected format error")
		}
	})
}

func TestStartServices_Wiring(t *testing.T) {
	h, _ := home.New(t.TempDir())
	cfgPath := filepath.Join(h.Path(), "config.yaml")
	cfgYAML := `
llm_providers:
  fake:
    type: mock
    model: fake/vision
    enabled: true
defaults:
  extract_provider: fake
  judge_provider: fake
  extract_model: ""
  judge_model: fake/judge
  temperature: 0.1
  max_tokens: 1024
trace:
  exporter: jsonl
  jsonl_path: traces/spans.jsonl
`
	if err := os.WriteFile(cfgPath, []byte(cfgYAML), 0o644); err != nil {
		t.Fatal(err)
	}

	logger := slog.New(slog.NewTextHandler(io.Discard, nil))
	svcs, stop, err := startServices(context.Background(), cfgPath, h, logger)
	if err != nil {
		t.Fatalf("startServices() error = %v", err)
	}
	defer stop()

	if !svcs.Registry.Has("fake") {
		t.Errorf("providers = %v", svcs.Registry.List())
	}
	if svcs.Sink == nil {
		t.Fatal("jsonl exporter should start a sink")
	}

	ctx := svcctx.WithServices(context.Background(), svcs)
	_, genCfg, err := newPipeline(ctx, generationFlags{Temperature: -1})
	if err != nil {
		t.Fatalf("newPipeline() error = %v", err)
	}
	// Empty extract_model falls back to the provider's model.
	if genCfg.Model != "fake/vision" || genCfg.Temperature != 0.1 || genCfg.MaxTokens != 1024 {
		t.Errorf("generation config = %+v", genCfg)
	}

	_, genCfg, err = newPipeline(ctx, generationFlags{Model: "flag/model", Temperature: 0.7, MaxTokens: 99})
	if err != nil {
		t.Fatal(err)
	}
	if genCfg.Model != "flag/model" || genCfg.Temperature != 0.7 || genCfg.MaxTokens != 99 {
		t.Errorf("flag overrides = %+v", genCfg)
	}

	if _, _, err := newPipeline(ctx, generationFlags{Provider: "missing", Temperature: -1}); err == nil {
		t.Error("expected error for unknown provider")
	}

	if _, err := newEvaluator(ctx, "", ""); err != nil {
		t.Errorf("newEvaluator() error = %v", err)
	}

	stop()
	if _, err := os.Stat(filepath.Join(h.Path(), "traces", "spans.jsonl")); err != nil {
		t.Errorf("jsonl file not created under home: %v", err)
	}
}

func TestNewPipeline_WithoutServices(t *testing.T) {
	if _, _, err := newPipeline(context.Background(), generationFlags{}); err == nil {
		t.Error("expected error without services")
	}
}
