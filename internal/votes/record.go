// Package votes holds the data model shared by the extraction and judge pipelines:
// generation settings, extracted election-form records, validation outcomes and judge scores.
package votes

import (
	"strings"
	"time"
)

// UnknownName is reported when a record carries neither a candidate nor a party name.
const UnknownName = "Unknown"

// ExtractedRecord is one line of the model's structured output.
// Form-level fields repeat on every line of the same form.
type ExtractedRecord struct {
	CandidateName *string `json:"candidate_name,omitempty" yaml:"candidate_name,omitempty"`
	PartyName     *string `json:"party_name,omitempty" yaml:"party_name,omitempty"`
	VoteCount     int     `json:"vote_count" yaml:"vote_count"`

	Province *string `json:"province,omitempty" yaml:"province,omitempty"`
	District *string `json:"district,omitempty" yaml:"district,omitempty"`
	Date     *string `json:"date,omitempty" yaml:"date,omitempty"`

	BallotsUsed   int `json:"ballots_used,omitempty" yaml:"ballots_used,omitempty"`
	BallotsValid  int `json:"ballots_valid,omitempty" yaml:"ballots_valid,omitempty"`
	BallotsVoid   int `json:"ballots_void,omitempty" yaml:"ballots_void,omitempty"`
	BallotsNoVote int `json:"ballots_no_vote,omitempty" yaml:"ballots_no_vote,omitempty"`
}

// ResolvedName returns candidate_name, else party_name, else UnknownName.
// Blank strings count as absent.
func (r ExtractedRecord) ResolvedName() string {
	if name, ok := nonBlank(r.CandidateName); ok {
		return name
	}
	if name, ok := nonBlank(r.PartyName); ok {
		return name
	}
	return UnknownName
}

// HasName reports whether either name field resolves.
func (r ExtractedRecord) HasName() bool {
	_, candidate := nonBlank(r.CandidateName)
	_, party := nonBlank(r.PartyName)
	return candidate || party
}

func nonBlank(s *string) (string, bool) {
	if s == nil {
		return "", false
	}
	v := strings.TrimSpace(*s)
	if v == "" {
		return "", false
	}
	return v, true
}

// StringPtr is a small helper for building records in code and tests.
func StringPtr(s string) *string {
	return &s
}

// Image is one scanned page of a form-set. Ref is an optional human-readable
// reference (usually a file path) used in error messages.
type Image struct {
	Data []byte
	Ref  string
}

// ExtractionRequest is the immutable input to one extraction call.
type ExtractionRequest struct {
	Images      []Image
	FormSetName string
	Config      GenerationConfig
}

// ImagesFromBytes wraps raw page blobs in Image values, preserving order.
func ImagesFromBytes(blobs [][]byte) []Image {
	images := make([]Image, len(blobs))
	for i, b := range blobs {
		images[i] = Image{Data: b}
	}
	return images
}

// ExtractionMetadata accumulates facts about one extraction call.
// The builder creates it; the invoker enriches it with timing and usage.
type ExtractionMetadata struct {
	FormSetName string    `json:"form_set_name"`
	NumImages   int       `json:"num_images"`
	Model       string    `json:"model"`
	Temperature float64   `json:"temperature"`
	MaxTokens   int       `json:"max_tokens"`
	PromptHash  string    `json:"prompt_hash,omitempty"`
	StartedAt   time.Time `json:"started_at"`
	DurationMs  int64     `json:"duration_ms"`

	Provider         string `json:"provider,omitempty"`
	FinishReason     string `json:"finish_reason,omitempty"`
	PromptTokens     int    `json:"prompt_tokens"`
	CompletionTokens int    `json:"completion_tokens"`
	TotalTokens      int    `json:"total_tokens"`
}

// Metrics returns the numeric fields for span annotation.
func (m *ExtractionMetadata) Metrics() map[string]float64 {
	return map[string]float64{
		"num_images":        float64(m.NumImages),
		"duration_ms":       float64(m.DurationMs),
		"prompt_tokens":     float64(m.PromptTokens),
		"completion_tokens": float64(m.CompletionTokens),
		"total_tokens":      float64(m.TotalTokens),
		"temperature":       m.Temperature,
	}
}

// Tags returns the string fields for span annotation.
func (m *ExtractionMetadata) Tags() map[string]string {
	tags := map[string]string{
		"form_set_name": m.FormSetName,
		"model":         m.Model,
	}
	if m.Provider != "" {
		tags["provider"] = m.Provider
	}
	if m.FinishReason != "" {
		tags["finish_reason"] = m.FinishReason
	}
	if m.PromptHash != "" {
		tags["prompt_hash"] = m.PromptHash
	}
	return tags
}
