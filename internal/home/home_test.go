package home

import (
	"os"
	"path/filepath"
	"testing"
)

func TestNew(t *testing.T) {
	t.Run("with explicit path", func(t *testing.T) {
		dir, err := New("/tmp/test-tally")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}
		if dir.Path() != "/tmp/test-tally" {
			t.Errorf("expected path /tmp/test-tally, got %s", dir.Path())
		}
	})

	t.Run("with empty path uses default", func(t *testing.T) {
		dir, err := New("")
		if err != nil {
			t.Fatalf("unexpected error: %v", err)
		}

		home, _ := os.UserHomeDir()
		expected := filepath.Join(home, DefaultDirName)
		if dir.Path() != expected {
			t.Errorf("expected path %s, got %s", expected, dir.Path())
		}
	})
}

func TestDir_Paths(t *testing.T) {
	dir, _ := New("/tmp/test-tally")

	tests := []struct {
		name string
		got  string
		want string
	}{
		{"ConfigPath", dir.ConfigPath(), "/tmp/test-tally/config.yaml"},
		{"EnvPath", dir.EnvPath(), "/tmp/test-tally/.env"},
		{"PromptsDir", dir.PromptsDir(), "/tmp/test-tally/prompts"},
		{"TracesDir", dir.TracesDir(), "/tmp/test-tally/traces"},
		{"LogPath", dir.LogPath(), "/tmp/test-tally/logs/tally.log"},
		{"ExportPath", dir.ExportPath("district-7"), "/tmp/test-tally/exports/district-7.xlsx"},
		{"Resolve relative", dir.Resolve("traces/spans.jsonl"), "/tmp/test-tally/traces/spans.jsonl"},
		{"Resolve absolute", dir.Resolve("/var/spans.jsonl"), "/var/spans.jsonl"},
		{"Resolve empty", dir.Resolve(""), ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if tt.got != tt.want {
				t.Errorf("expected %s, got %s", tt.want, tt.got)
			}
		})
	}
}

func TestDir_EnsureExists(t *testing.T) {
	tallyDir := filepath.Join(t.TempDir(), "tally-test")

	dir, err := New(tallyDir)
	if err != nil {
		t.Fatalf("unexpected error: %v", err)
	}

	if dir.Exists() {
		t.Error("directory should not exist before EnsureExists")
	}

	if err := dir.EnsureExists(); err != nil {
		t.Fatalf("EnsureExists failed: %v", err)
	}

	if !dir.Exists() {
		t.Error("directory should exist after EnsureExists")
	}

	if err := dir.EnsureDir(dir.ExportsDir()); err != nil {
		t.Fatalf("EnsureDir failed: %v", err)
	}
	if _, err := os.Stat(dir.ExportsDir()); err != nil {
		t.Errorf("exports directory missing: %v", err)
	}
}

func TestDir_ConfigExists(t *testing.T) {
	dir, _ := New(t.TempDir())

	if dir.ConfigExists() {
		t.Error("config should not exist initially")
	}

	if err := os.WriteFile(dir.ConfigPath(), []byte("validation:\n  strict: true\n"), 0o644); err != nil {
		t.Fatalf("failed to create test config: %v", err)
	}

	if !dir.ConfigExists() {
		t.Error("config should exist after creation")
	}
}
