// Package schema holds the JSON schemas sent to models for structured output.
// Schemas are embedded at build time and compiled once; the registry is
// read-only after package init and safe for concurrent use.
package schema

import (
	"bytes"
	"embed"
	"encoding/json"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

//go:embed schemas/*.json
var schemaFS embed.FS

const (
	// ElectionForm describes one record per candidate/party line plus ballot statistics.
	ElectionForm = "election_form"
	// JudgeScore describes the judge model's {score, reasoning, errors} answer.
	JudgeScore = "judge_score"
)

// ErrUnknownSchema is returned by Get for names not in the registry.
var ErrUnknownSchema = errors.New("unknown schema")

// Schema is one named structured-output schema.
type Schema struct {
	Name        string
	Description string
	Strict      bool
	// Wrapped is the provider-facing document: {"name","strict","description","schema"}.
	Wrapped json.RawMessage
	// Core is the inner JSON schema used for validation.
	Core json.RawMessage

	compiled *jsonschema.Schema
}

type wrapper struct {
	Name        string          `json:"name"`
	Strict      bool            `json:"strict"`
	Description string          `json:"description"`
	Schema      json.RawMessage `json:"schema"`
}

var (
	loadOnce sync.Once
	registry map[string]*Schema
	loadErr  error
)

func load() {
	entries, err := schemaFS.ReadDir("schemas")
	if err != nil {
		loadErr = fmt.Errorf("failed to read embedded schemas: %w", err)
		return
	}
	registry = make(map[string]*Schema, len(entries))
	for _, e := range entries {
		filename := "schemas/" + e.Name()
		content, err := schemaFS.ReadFile(filename)
		if err != nil {
			loadErr = fmt.Errorf("failed to read schema %s: %w", e.Name(), err)
			return
		}
		s, err := parse(content)
		if err != nil {
			loadErr = fmt.Errorf("schema %s: %w", e.Name(), err)
			return
		}
		registry[s.Name] = s
	}
}

func parse(content []byte) (*Schema, error) {
	var w wrapper
	if err := json.Unmarshal(content, &w); err != nil {
		return nil, fmt.Errorf("invalid JSON: %w", err)
	}
	if w.Name == "" || len(w.Schema) == 0 {
		return nil, fmt.Errorf("missing name or schema")
	}

	compiler := jsonschema.NewCompiler()
	url := w.Name + ".json"
	if err := compiler.AddResource(url, bytes.NewReader(w.Schema)); err != nil {
		return nil, fmt.Errorf("failed to load: %w", err)
	}
	compiled, err := compiler.Compile(url)
	if err != nil {
		return nil, fmt.Errorf("failed to compile: %w", err)
	}

	return &Schema{
		Name:        w.Name,
		Description: w.Description,
		Strict:      w.Strict,
		Wrapped:     json.RawMessage(content),
		Core:        w.Schema,
		compiled:    compiled,
	}, nil
}

// Get returns a schema by name.
func Get(name string) (*Schema, error) {
	loadOnce.Do(load)
	if loadErr != nil {
		return nil, loadErr
	}
	s, ok := registry[name]
	if !ok {
		return nil, fmt.Errorf("%w: %s", ErrUnknownSchema, name)
	}
	return s, nil
}

// MustGet is Get for names known at compile time.
func MustGet(name string) *Schema {
	s, err := Get(name)
	if err != nil {
		panic(err)
	}
	return s
}

// Names lists registered schemas in sorted order.
func Names() []string {
	loadOnce.Do(load)
	names := make([]string, 0, len(registry))
	for name := range registry {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Validate checks a JSON document against the schema.
func (s *Schema) Validate(doc json.RawMessage) error {
	var v any
	if err := json.Unmarshal(doc, &v); err != nil {
		return fmt.Errorf("failed to decode JSON for validation: %w", err)
	}
	if err := s.compiled.Validate(v); err != nil {
		return fmt.Errorf("document does not match %s schema: %w", s.Name, err)
	}
	return nil
}

// Describe renders a compact, prompt-friendly field listing.
func (s *Schema) Describe() string {
	var root struct {
		Properties map[string]json.RawMessage `json:"properties"`
	}
	if err := json.Unmarshal(s.Core, &root); err != nil {
		return string(s.Core)
	}

	// A single array property is described by its item fields.
	props := root.Properties
	if len(props) == 1 {
		for _, raw := range props {
			var arr struct {
				Items struct {
					Properties map[string]json.RawMessage `json:"properties"`
				} `json:"items"`
			}
			if json.Unmarshal(raw, &arr) == nil && len(arr.Items.Properties) > 0 {
				props = arr.Items.Properties
			}
		}
	}

	names := make([]string, 0, len(props))
	for name := range props {
		names = append(names, name)
	}
	sort.Strings(names)

	var b strings.Builder
	for _, name := range names {
		var field struct {
			Type        any    `json:"type"`
			Description string `json:"description"`
		}
		_ = json.Unmarshal(props[name], &field)
		fmt.Fprintf(&b, "- %s (%s): %s\n", name, typeString(field.Type), field.Description)
	}
	return b.String()
}

func typeString(t any) string {
	switch v := t.(type) {
	case string:
		return v
	case []any:
		parts := make([]string, 0, len(v))
		for _, p := range v {
			if s, ok := p.(string); ok {
				parts = append(parts, s)
			}
		}
		return strings.Join(parts, "|")
	default:
		return "any"
	}
}
