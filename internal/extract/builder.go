// Package extract turns scanned election-form pages into validated vote
// records: Builder assembles the multimodal prompt, Invoker runs the
// schema-constrained model call, Validator applies the domain rules, and
// Pipeline strings them together under one workflow span.
package extract

import (
	"bytes"
	"encoding/json"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	_ "image/png"
	"log/slog"
	"time"

	_ "golang.org/x/image/bmp"
	_ "golang.org/x/image/tiff"
	_ "golang.org/x/image/webp"

	"github.com/jackzampolin/tally/internal/prompts"
	"github.com/jackzampolin/tally/internal/prompts/extraction"
	"github.com/jackzampolin/tally/internal/schema"
	"github.com/jackzampolin/tally/internal/votes"
)

// ErrNoImages is wrapped by the ImageDecodeError returned for an empty request.
var ErrNoImages = errors.New("extraction request has no images")

// PromptParts is the provider-neutral prompt for one extraction call.
// Images[i] is the i-th page of the request, unmodified.
type PromptParts struct {
	System string
	User   string
	Images [][]byte

	SchemaName string
	// Schema is the provider-facing wrapped schema document.
	Schema json.RawMessage

	SystemKey  string
	UserKey    string
	PromptHash string
}

// BuilderConfig configures a Builder.
type BuilderConfig struct {
	// Prompts resolves the extraction templates; overrides on disk win.
	// Defaults to the embedded prompts.
	Prompts *prompts.Resolver
	// SchemaName defaults to schema.ElectionForm.
	SchemaName string
	Now        func() time.Time
	Logger     *slog.Logger
}

// Builder assembles extraction prompts. It never touches the network.
type Builder struct {
	prompts *prompts.Resolver
	schema  *schema.Schema
	now     func() time.Time
	logger  *slog.Logger
}

// NewBuilder creates a builder. It fails only when the schema is unknown.
func NewBuilder(cfg BuilderConfig) (*Builder, error) {
	if cfg.Logger == nil {
		cfg.Logger = slog.Default()
	}
	if cfg.Now == nil {
		cfg.Now = time.Now
	}
	if cfg.SchemaName == "" {
		cfg.SchemaName = schema.ElectionForm
	}
	if cfg.Prompts == nil {
		cfg.Prompts = prompts.NewResolver("", cfg.Logger)
		extraction.RegisterPrompts(cfg.Prompts)
	}

	s, err := schema.Get(cfg.SchemaName)
	if err != nil {
		return nil, err
	}

	return &Builder{
		prompts: cfg.Prompts,
		schema:  s,
		now:     cfg.Now,
		logger:  cfg.Logger,
	}, nil
}

// Schema returns the schema the builder attaches to prompts.
func (b *Builder) Schema() *schema.Schema {
	return b.schema
}

// Build assembles the prompt for req and starts its metadata. Every image
// is probed; the first unreadable one fails the build with a
// *votes.ImageDecodeError naming its index.
func (b *Builder) Build(req votes.ExtractionRequest) (PromptParts, *votes.ExtractionMetadata, error) {
	if len(req.Images) == 0 {
		return PromptParts{}, nil, &votes.ImageDecodeError{Index: -1, Err: ErrNoImages}
	}

	images := make([][]byte, len(req.Images))
	for i, img := range req.Images {
		if err := probeImage(img.Data); err != nil {
			return PromptParts{}, nil, &votes.ImageDecodeError{Index: i, Ref: img.Ref, Err: err}
		}
		images[i] = img.Data
	}

	system, err := b.prompts.Resolve(extraction.SystemPromptKey)
	if err != nil {
		return PromptParts{}, nil, fmt.Errorf("failed to resolve system prompt: %w", err)
	}
	userTmpl, err := b.prompts.Resolve(extraction.UserPromptKey)
	if err != nil {
		return PromptParts{}, nil, fmt.Errorf("failed to resolve user prompt: %w", err)
	}
	user, err := prompts.Render(extraction.UserPromptKey, userTmpl.Text, extraction.UserData{
		FormSetName:       req.FormSetName,
		NumImages:         len(images),
		SchemaDescription: b.schema.Describe(),
	})
	if err != nil {
		return PromptParts{}, nil, err
	}

	hash := prompts.HashText(system.Text + userTmpl.Text)

	parts := PromptParts{
		System:     system.Text,
		User:       user,
		Images:     images,
		SchemaName: b.schema.Name,
		Schema:     b.schema.Wrapped,
		SystemKey:  extraction.SystemPromptKey,
		UserKey:    extraction.UserPromptKey,
		PromptHash: hash,
	}

	meta := &votes.ExtractionMetadata{
		FormSetName: req.FormSetName,
		NumImages:   len(images),
		Model:       req.Config.Model,
		Temperature: req.Config.Temperature,
		MaxTokens:   req.Config.MaxTokens,
		PromptHash:  hash,
		StartedAt:   b.now(),
	}

	if system.IsOverride || userTmpl.IsOverride {
		b.logger.Debug("using prompt override",
			"form_set_name", req.FormSetName,
			"system_override", system.IsOverride,
			"user_override", userTmpl.IsOverride,
			"prompt_hash", hash)
	}

	return parts, meta, nil
}

// probeImage decodes just the image header.
func probeImage(data []byte) error {
	if len(data) == 0 {
		return errors.New("empty image data")
	}
	cfg, _, err := image.DecodeConfig(bytes.NewReader(data))
	if err != nil {
		return err
	}
	if cfg.Width <= 0 || cfg.Height <= 0 {
		return fmt.Errorf("invalid image dimensions %dx%d", cfg.Width, cfg.Height)
	}
	return nil
}
