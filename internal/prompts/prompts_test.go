package prompts

import (
	"os"
	"path/filepath"
	"reflect"
	"strings"
	"testing"
)

func TestExtractVariables(t *testing.T) {
	tests := []struct {
		text string
		want []string
	}{
		{"Form {{.FormSetName}} has {{ .NumImages }} pages", []string{"FormSetName", "NumImages"}},
		{"{{.A}} {{.A}}", []string{"A"}},
		{"{{.Form.Name}}", []string{"Form.Name"}},
		{"no variables", nil},
	}
	for _, tt := range tests {
		t.Run(tt.text, func(t *testing.T) {
			if got := ExtractVariables(tt.text); !reflect.DeepEqual(got, tt.want) {
				t.Errorf("ExtractVariables() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestHashText(t *testing.T) {
	if HashText("a") == HashText("b") {
		t.Error("different text should hash differently")
	}
	if len(HashText("a")) != 64 {
		t.Errorf("expected hex sha256, got %q", HashText("a"))
	}
}

func TestRender(t *testing.T) {
	out, err := Render("k", "Hello {{.Name}}", struct{ Name string }{"tally"})
	if err != nil || out != "Hello tally" {
		t.Fatalf("Render() = %q, %v", out, err)
	}
	if _, err := Render("k", "{{.Missing}}", map[string]string{}); err == nil {
		t.Error("expected error for missing key")
	}
}

func TestResolver(t *testing.T) {
	dir := t.TempDir()
	r := NewResolver(dir, nil)
	r.Register(EmbeddedPrompt{Key: "a.system", Text: "embedded {{.X}}"})
	r.Register(EmbeddedPrompt{Key: "b.system", Text: "other"})

	t.Run("embedded default", func(t *testing.T) {
		p, err := r.Resolve("a.system")
		if err != nil {
			t.Fatal(err)
		}
		if p.IsOverride || p.Text != "embedded {{.X}}" || p.Hash != HashText(p.Text) {
			t.Errorf("unexpected prompt: %+v", p)
		}
		if !reflect.DeepEqual(p.Variables, []string{"X"}) {
			t.Errorf("variables = %v", p.Variables)
		}
	})

	t.Run("override file wins", func(t *testing.T) {
		if err := os.WriteFile(filepath.Join(dir, "b.system.tmpl"), []byte("overridden"), 0o644); err != nil {
			t.Fatal(err)
		}
		p, err := r.Resolve("b.system")
		if err != nil {
			t.Fatal(err)
		}
		if !p.IsOverride || p.Text != "overridden" || !strings.HasSuffix(p.Source, "b.system.tmpl") {
			t.Errorf("unexpected prompt: %+v", p)
		}
	})

	t.Run("unknown key", func(t *testing.T) {
		if _, err := r.Resolve("missing"); err == nil {
			t.Error("expected error")
		}
	})

	if got := len(r.AllEmbedded()); got != 2 {
		t.Errorf("AllEmbedded() len = %d", got)
	}
}
