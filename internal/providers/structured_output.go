package providers

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/santhosh-tekuri/jsonschema/v5"
)

// maxStructuredRepairAttempts is how many times a provider without native
// structured output is re-asked after an invalid answer.
const maxStructuredRepairAttempts = 2

// maxRepairEcho caps how much of a bad answer is quoted back in a repair prompt.
const maxRepairEcho = 12000

var errNoJSON = errors.New("failed to parse structured JSON")

// adaptedResponseFormat converts a response format for OpenRouter. Anthropic
// models get no native format: OpenRouter may route them to backends that
// reject Anthropic's structured-output headers, so they go through
// generateWithRepair instead.
func adaptedResponseFormat(model string, rf *ResponseFormat) (*openRouterResponseFormat, error) {
	if rf == nil || isAnthropicModel(model) {
		return nil, nil
	}
	schemaRaw, err := sanitizeStructuredSchemaForModel(model, rf.JSONSchema)
	if err != nil {
		return nil, err
	}
	return &openRouterResponseFormat{Type: rf.Type, JSONSchema: schemaRaw}, nil
}

// sanitizeStructuredSchemaForModel drops integer minimum/maximum bounds for
// Anthropic models, which reject them in output schemas. The bounds are still
// enforced by validateStructuredJSON.
func sanitizeStructuredSchemaForModel(model string, schemaRaw json.RawMessage) (json.RawMessage, error) {
	if len(schemaRaw) == 0 || !isAnthropicModel(model) {
		return schemaRaw, nil
	}

	var root any
	if err := json.Unmarshal(schemaRaw, &root); err != nil {
		return nil, fmt.Errorf("failed to parse structured schema: %w", err)
	}
	walkSchema(root, func(node map[string]any) {
		if hasType(node["type"], "integer") {
			for _, k := range []string{"minimum", "maximum", "exclusiveMinimum", "exclusiveMaximum"} {
				delete(node, k)
			}
		}
	})

	out, err := json.Marshal(root)
	if err != nil {
		return nil, fmt.Errorf("failed to serialize sanitized structured schema: %w", err)
	}
	return out, nil
}

func isAnthropicModel(model string) bool {
	return strings.HasPrefix(strings.ToLower(strings.TrimSpace(model)), "anthropic/")
}

// walkSchema calls fn on every object node of a decoded schema.
func walkSchema(node any, fn func(map[string]any)) {
	switch n := node.(type) {
	case map[string]any:
		fn(n)
		for _, v := range n {
			walkSchema(v, fn)
		}
	case []any:
		for _, v := range n {
			walkSchema(v, fn)
		}
	}
}

// hasType reports whether a schema "type" value (string or list) names want.
func hasType(typeVal any, want string) bool {
	switch t := typeVal.(type) {
	case string:
		return t == want
	case []any:
		for _, item := range t {
			if item == want {
				return true
			}
		}
	}
	return false
}

// parseStructuredJSON returns the first complete JSON object or array in a
// model answer, compacted. Markdown fences and prose around the document are
// skipped.
func parseStructuredJSON(content string) (json.RawMessage, error) {
	content = strings.TrimSpace(content)
	if content == "" {
		return nil, fmt.Errorf("empty structured output")
	}
	if json.Valid([]byte(content)) {
		return compactJSON(content)
	}

	for i := 0; i < len(content); i++ {
		if content[i] != '{' && content[i] != '[' {
			continue
		}
		var raw json.RawMessage
		if err := json.NewDecoder(strings.NewReader(content[i:])).Decode(&raw); err == nil {
			return compactJSON(string(raw))
		}
	}
	return nil, errNoJSON
}

func compactJSON(s string) (json.RawMessage, error) {
	var buf bytes.Buffer
	if err := json.Compact(&buf, []byte(s)); err != nil {
		return nil, fmt.Errorf("failed to normalize structured output: %w", err)
	}
	return buf.Bytes(), nil
}

// schemaWrapper is the provider-facing schema document.
type schemaWrapper struct {
	Name        string          `json:"name"`
	Strict      bool            `json:"strict"`
	Description string          `json:"description,omitempty"`
	Schema      json.RawMessage `json:"schema"`
}

// unwrapSchema splits a wrapped schema into its parts. A bare schema document
// is returned with a generic name.
func unwrapSchema(schemaRaw json.RawMessage) (schemaWrapper, error) {
	var w schemaWrapper
	if err := json.Unmarshal(schemaRaw, &w); err != nil {
		return schemaWrapper{}, fmt.Errorf("invalid structured schema JSON: %w", err)
	}
	if len(w.Schema) == 0 {
		// Alternate wrapper: {"type":"json_schema","json_schema":{...}}
		var alt struct {
			JSONSchema *schemaWrapper `json:"json_schema"`
		}
		if err := json.Unmarshal(schemaRaw, &alt); err == nil && alt.JSONSchema != nil && len(alt.JSONSchema.Schema) > 0 {
			return *alt.JSONSchema, nil
		}
		return schemaWrapper{Name: "response", Schema: schemaRaw}, nil
	}
	if w.Name == "" {
		w.Name = "response"
	}
	return w, nil
}

// compiledSchemas caches compiled validators by schema document.
var compiledSchemas sync.Map // string -> *jsonschema.Schema

func compileStructuredSchema(doc json.RawMessage) (*jsonschema.Schema, error) {
	key := string(doc)
	if cached, ok := compiledSchemas.Load(key); ok {
		return cached.(*jsonschema.Schema), nil
	}

	compiler := jsonschema.NewCompiler()
	if err := compiler.AddResource("schema.json", bytes.NewReader(doc)); err != nil {
		return nil, fmt.Errorf("failed to load structured schema: %w", err)
	}
	compiled, err := compiler.Compile("schema.json")
	if err != nil {
		return nil, fmt.Errorf("failed to compile structured schema: %w", err)
	}
	compiledSchemas.Store(key, compiled)
	return compiled, nil
}

// validateStructuredJSON checks parsed output against the canonical,
// unsanitized schema.
func validateStructuredJSON(schemaRaw, parsed json.RawMessage) error {
	if len(schemaRaw) == 0 || len(parsed) == 0 {
		return nil
	}
	w, err := unwrapSchema(schemaRaw)
	if err != nil {
		return err
	}
	compiled, err := compileStructuredSchema(w.Schema)
	if err != nil {
		return err
	}

	var doc any
	if err := json.Unmarshal(parsed, &doc); err != nil {
		return fmt.Errorf("failed to decode structured JSON for validation: %w", err)
	}
	if err := compiled.Validate(doc); err != nil {
		return fmt.Errorf("structured output does not match schema: %w", err)
	}
	return nil
}

// structuredInstruction is appended to the system prompt for providers that
// have no native schema-constrained decoding.
func structuredInstruction(schemaRaw json.RawMessage) string {
	w, err := unwrapSchema(schemaRaw)
	if err != nil {
		return ""
	}
	return fmt.Sprintf(`

Respond with ONLY a JSON document (no markdown, no commentary) that conforms to this JSON schema:
%s`, string(w.Schema))
}

// structuredRepairPrompt quotes the rejected answer and the reason back to
// the model.
func structuredRepairPrompt(schemaRaw json.RawMessage, lastOutput string, issue error) string {
	lastOutput = strings.TrimSpace(lastOutput)
	if len(lastOutput) > maxRepairEcho {
		lastOutput = lastOutput[:maxRepairEcho] + "\n...[truncated]"
	}

	var b strings.Builder
	b.WriteString("Your previous answer was rejected: ")
	b.WriteString(issue.Error())
	b.WriteString("\n\nPrevious answer:\n")
	b.WriteString(lastOutput)
	b.WriteString("\n\nReply again with ONLY a JSON document (no markdown, no commentary) that conforms to this schema:\n")
	b.Write(schemaRaw)
	return b.String()
}

type generateFunc func(ctx context.Context, req *StructuredRequest) (*StructuredResponse, error)

// generateWithRepair asks for JSON through the prompt, validates the answer
// locally and re-asks with the validation issue up to maxStructuredRepairAttempts
// times. When every attempt fails validation the last response is returned as-is
// so the caller can classify it.
func generateWithRepair(ctx context.Context, req *StructuredRequest, call generateFunc) (*StructuredResponse, error) {
	schemaRaw := req.ResponseFormat.JSONSchema

	attemptReq := *req
	attemptReq.ResponseFormat = nil
	attemptReq.Messages = withSchemaInstruction(req.Messages, structuredInstruction(schemaRaw))

	var last *StructuredResponse
	for attempt := 0; attempt <= maxStructuredRepairAttempts; attempt++ {
		resp, err := call(ctx, &attemptReq)
		if err != nil {
			return nil, err
		}
		resp.Attempts = attempt + 1
		last = resp

		parsed, issue := parseStructuredJSON(resp.Content)
		if issue == nil {
			issue = validateStructuredJSON(schemaRaw, parsed)
		}
		if issue == nil {
			resp.ParsedJSON = parsed
			return resp, nil
		}

		attemptReq.Messages = append(append([]Message(nil), attemptReq.Messages...),
			Message{Role: "assistant", Content: resp.Content},
			Message{Role: "user", Content: structuredRepairPrompt(schemaRaw, resp.Content, issue)},
		)
	}
	return last, nil
}

// withSchemaInstruction appends instruction to the system message, adding one if absent.
func withSchemaInstruction(messages []Message, instruction string) []Message {
	out := make([]Message, 0, len(messages)+1)
	found := false
	for _, m := range messages {
		if m.Role == "system" && !found {
			m.Content += instruction
			found = true
		}
		out = append(out, m)
	}
	if !found {
		out = append([]Message{{Role: "system", Content: strings.TrimSpace(instruction)}}, out...)
	}
	return out
}
