package llm

import (
	"context"
	"log/slog"
	"sync"

	"github.com/raphaelgruber/atomgraph/internal/config"
	"github.com/raphaelgruber/atomgraph/internal/metrics"
)

// Factory builds a Generator for a provider/model pair.
type Factory func(ctx context.Context, provider, model string) (Generator, error)

// Generator produces text from a prompt. *Model implements it.
type Generator interface {
	Generate(ctx context.Context, prompt, systemPrompt, languageHint string) (string, error)
}

// Registry builds and caches generators per provider/model. It is created
// once at process start and passed to whoever needs to resolve an agent
// config to a generator.
type Registry struct {
	factory Factory

	mu    sync.Mutex
	cache map[string]Generator
}

// NewRegistry returns a registry backed by the langchaingo providers.
func NewRegistry(cfg config.Config, logger *slog.Logger, collector *metrics.Collector) *Registry {
	return NewRegistryWithFactory(func(ctx context.Context, provider, model string) (Generator, error) {
		return NewModel(ctx, cfg, provider, model, logger, collector)
	})
}

// NewRegistryWithFactory returns a registry using a custom factory.
func NewRegistryWithFactory(factory Factory) *Registry {
	return &Registry{factory: factory, cache: make(map[string]Generator)}
}

// Get returns the cached generator for provider/model, building it on first use.
func (r *Registry) Get(ctx context.Context, provider, model string) (Generator, error) {
	key := provider + "/" + model

	r.mu.Lock()
	defer r.mu.Unlock()

	if g, ok := r.cache[key]; ok {
		return g, nil
	}
	g, err := r.factory(ctx, provider, model)
	if err != nil {
		return nil, err
	}
	r.cache[key] = g
	return g, nil
}
