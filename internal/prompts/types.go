// Package prompts provides prompt management with embedded defaults and
// optional on-disk overrides.
//
// Embedded .tmpl files are the source of truth. An override directory
// (prompts.override_dir in config) may shadow any key with a file named
// <key>.tmpl; the resolved prompt carries the hash of whichever text won so
// every LLM call can be traced to an exact prompt version.
package prompts

// EmbeddedPrompt represents a prompt loaded from an embedded .tmpl file.
type EmbeddedPrompt struct {
	Key         string   // Hierarchical key: extraction.system
	Text        string   // The prompt text (Go template)
	Description string   // Human-readable description
	Variables   []string // Extracted template variables
	Hash        string   // SHA256 hash of the text for change detection
}

// ResolvedPrompt is the result of resolving a prompt key.
type ResolvedPrompt struct {
	Key        string   `json:"key"`
	Text       string   `json:"text"`
	Variables  []string `json:"variables,omitempty"`
	IsOverride bool     `json:"is_override"`
	Hash       string   `json:"hash"`
	Source     string   `json:"source,omitempty"` // override file path, empty for embedded
}
