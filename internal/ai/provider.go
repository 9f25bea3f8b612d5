// Package ai builds organizational context for generative providers,
// dispatches to the first configured one, and falls back to a deterministic
// simulator when none is configured.
package ai

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"flowlens/internal/config"
)

// Provider generates text for a system and user prompt. Implementations
// must honor ctx cancellation.
type Provider interface {
	Name() string
	Generate(ctx context.Context, system, user string) (string, error)
}

var (
	ErrNoProvider      = errors.New("no ai provider configured")
	ErrUnknownProvider = errors.New("unknown ai provider")
)

const SimulationName = "simulation"

// ProviderError wraps a failed provider call.
type ProviderError struct {
	Provider string
	Err      error
}

func (e *ProviderError) Error() string {
	return fmt.Sprintf("%s: %v", e.Provider, e.Err)
}

func (e *ProviderError) Unwrap() error { return e.Err }

// NewProvider builds a provider from config. It returns ErrNoProvider when
// the provider is disabled or its API key is not set.
func NewProvider(cfg config.ProviderConfig) (Provider, error) {
	if cfg.Enabled != nil && !*cfg.Enabled {
		return nil, ErrNoProvider
	}
	key := cfg.APIKey()
	if key == "" {
		return nil, ErrNoProvider
	}
	switch cfg.Name {
	case "openai":
		return NewOpenAI(key, cfg), nil
	case "anthropic":
		return NewAnthropic(key, cfg), nil
	default:
		return nil, fmt.Errorf("%w: %s", ErrUnknownProvider, cfg.Name)
	}
}

// ProvidersFromConfig returns the configured providers in priority order,
// skipping those without credentials. An empty list is valid.
func ProvidersFromConfig(cfg config.AIConfig, log *zap.SugaredLogger) []Provider {
	var out []Provider
	for _, pc := range cfg.Providers {
		p, err := NewProvider(pc)
		if err != nil {
			if !errors.Is(err, ErrNoProvider) && log != nil {
				log.Warnw("skipping ai provider", "provider", pc.Name, "error", err)
			}
			continue
		}
		if log != nil {
			log.Infow("ai provider configured", "provider", p.Name())
		}
		out = append(out, p)
	}
	if len(out) == 0 && log != nil {
		log.Warnw("no ai providers configured, using simulation")
	}
	return out
}
