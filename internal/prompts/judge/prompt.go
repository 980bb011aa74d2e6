// Package judge holds the prompts for scoring an extraction against a reference.
package judge

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
	SystemPromptKey = "judge.system"
	UserPromptKey   = "judge.user"
)

// UserData is the template data for the user prompt. Actual and Expected are JSON.
type UserData struct {
	FormSetName string
	Actual      string
	Expected    string
}

// SystemPrompt returns the embedded system prompt.
func SystemPrompt() string {
	return systemPrompt
}

// UserPrompt renders the embedded user prompt.
func UserPrompt(data UserData) (string, error) {
	return prompts.Render(UserPromptKey, userPromptTmpl, data)
}

// RegisterPrompts registers the judge prompts with the resolver.
func RegisterPrompts(r *prompts.Resolver) {
	r.Register(prompts.EmbeddedPrompt{
		Key:         SystemPromptKey,
		Text:        systemPrompt,
		Description: "Judge system prompt - scoring rubric",
	})
	r.Register(prompts.EmbeddedPrompt{
		Key:         UserPromptKey,
		Text:        userPromptTmpl,
		Description: "Judge user prompt - reference and extraction side by side",
	})
}
