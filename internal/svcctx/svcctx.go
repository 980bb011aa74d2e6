// Package svcctx provides service context for dependency injection via context.
// This package is separate from cmd so library code can pull services without import cycles.
package svcctx

import (
	"context"
	"log/slog"

	"github.com/jackzampolin/tally/internal/config"
	"github.com/jackzampolin/tally/internal/home"
	"github.com/jackzampolin/tally/internal/providers"
	"github.com/jackzampolin/tally/internal/trace"
)

// Services holds all core services that flow through context.
// Components extract what they need via the individual extractors.
type Services struct {
	Logger   *slog.Logger
	Config   *config.Manager
	Registry *providers.Registry
	Tracer   *trace.Tracer
	Sink     *trace.Sink
	Home     *home.Dir
}

type servicesKey struct{}

// WithServices returns a new context with services attached.
func WithServices(ctx context.Context, s *Services) context.Context {
	return context.WithValue(ctx, servicesKey{}, s)
}

// ServicesFrom extracts the full Services struct from context.
// Returns nil if not present.
func ServicesFrom(ctx context.Context) *Services {
	s, _ := ctx.Value(servicesKey{}).(*Services)
	return s
}

// LoggerFrom extracts the logger from context, falling back to slog.Default.
func LoggerFrom(ctx context.Context) *slog.Logger {
	if s := ServicesFrom(ctx); s != nil && s.Logger != nil {
		return s.Logger
	}
	return slog.Default()
}

// ConfigFrom extracts the current configuration snapshot from context.
func ConfigFrom(ctx context.Context) *config.Config {
	if s := ServicesFrom(ctx); s != nil && s.Config != nil {
		return s.Config.Get()
	}
	return nil
}

// RegistryFrom extracts the provider registry from context.
func RegistryFrom(ctx context.Context) *providers.Registry {
	if s := ServicesFrom(ctx); s != nil {
		return s.Registry
	}
	return nil
}

// TracerFrom extracts the tracer from context, falling back to a no-op tracer.
func TracerFrom(ctx context.Context) *trace.Tracer {
	if s := ServicesFrom(ctx); s != nil && s.Tracer != nil {
		return s.Tracer
	}
	return trace.Nop()
}

// HomeFrom extracts the home directory from context.
func HomeFrom(ctx context.Context) *home.Dir {
	if s := ServicesFrom(ctx); s != nil {
		return s.Home
	}
	return nil
}
