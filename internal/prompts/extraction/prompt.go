// Package extraction holds the prompts for reading vote counts off form images.
package extraction

import (
	_ "embed"

	"github.com/jackzampolin/tally/internal/prompts"
)

//go:embed system.tmpl
var systemPrompt string

//go:embed user.tmpl
var userPromptTmpl string

// Prompt keys
const (
	SystemPromptKey = "extraction.system"
	UserPromptKey   = "extraction.user"
)

// UserData is the template data for the user prompt.
type UserData struct {
	FormSetName       string
	NumImages         int
	SchemaDescription string
}

// SystemPrompt returns the embedded system prompt.
func SystemPrompt() string {
	return systemPrompt
}

// UserPrompt renders the embedded user prompt.
func UserPrompt(data UserData) (string, error) {
	return prompts.Render(UserPromptKey, userPromptTmpl, data)
}

// RegisterPrompts registers the extraction prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemPromptKey,
		Text:        systemPrompt,
		Description: "Election form extraction system prompt - fixed instruction header",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         UserPromptKey,
		Text:        userPromptTmpl,
		Description: "Election form extraction user prompt - form set name and schema description",
	})
}
