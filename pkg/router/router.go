package router

import (
	"context"
	"fmt"
	"log/slog"

	"github.com/pario-ai/pit/pkg/config"
	"github.com/pario-ai/pit/pkg/provider"
)

// Route represents a resolved provider and model to try.
type Route struct {
	Provider config.ProviderConfig
	Model    string
}

// Factory builds a generator for one configured provider.
type Factory func(p config.ProviderConfig) provider.Generator

// DefaultFactory builds SDK-backed generators from the provider type.
func DefaultFactory(p config.ProviderConfig) provider.Generator {
	if p.Type == "anthropic" {
		return provider.NewAnthropic(p.APIKey, p.URL)
	}
	return provider.NewOpenAI(p.APIKey, p.URL)
}

// Router resolves requested model names to ordered provider+model chains
// and streams through them, falling back on retryable failures.
type Router struct {
	cfg        *config.Config
	generators map[string]provider.Generator
	logger     *slog.Logger
}

// New creates a Router from the given configuration.
func New(cfg *config.Config) *Router {
	return NewWithFactory(cfg, DefaultFactory, nil)
}

// NewWithFactory creates a Router whose generators come from factory.
func NewWithFactory(cfg *config.Config, factory Factory, logger *slog.Logger) *Router {
	if logger == nil {
		logger = slog.Default()
	}
	gens := make(map[string]provider.Generator, len(cfg.Providers))
	for _, p := range cfg.Providers {
		gens[p.Name] = factory(p)
	}
	return &Router{cfg: cfg, generators: gens, logger: logger}
}

// Resolve returns an ordered list of routes for the requested model.
// If the model matches a configured route, the route's targets are returned.
// Otherwise, the first provider is used with the original model name.
func (r *Router) Resolve(requestedModel string) ([]Route, error) {
	if len(r.cfg.Providers) == 0 {
		return nil, fmt.Errorf("no providers configured")
	}

	// Build provider index by name
	providerIndex := make(map[string]config.ProviderConfig, len(r.cfg.Providers))
	for _, p := range r.cfg.Providers {
		providerIndex[p.Name] = p
	}

	// Check configured routes
	for _, route := range r.cfg.Router.Routes {
		if route.Model != requestedModel {
			continue
		}
		var routes []Route
		for _, target := range route.Targets {
			p, ok := providerIndex[target.Provider]
			if !ok {
				continue // skip unknown providers
			}
			model := target.Model
			if model == "" {
				model = requestedModel
			}
			routes = append(routes, Route{Provider: p, Model: model})
		}
		if len(routes) == 0 {
			return nil, fmt.Errorf("route %q: all providers unknown", requestedModel)
		}
		return routes, nil
	}

	// No matching route, default to first provider
	return []Route{{Provider: r.cfg.Providers[0], Model: requestedModel}}, nil
}

// Stream implements provider.Generator. Routes are tried in order. A
// route is abandoned for the next one only when it failed with a
// retryable error before producing any text.
func (r *Router) Stream(ctx context.Context, req provider.Request, onDelta provider.DeltaFunc) (provider.Result, error) {
	routes, err := r.Resolve(req.Model)
	if err != nil {
		return provider.Result{}, err
	}

	var lastErr error
	for i, route := range routes {
		gen, ok := r.generators[route.Provider.Name]
		if !ok {
			continue
		}
		sent := false
		attempt := req
		attempt.Model = route.Model
		res, err := gen.Stream(ctx, attempt, func(d string) error {
			sent = true
			return onDelta(d)
		})
		if err == nil {
			return res, nil
		}
		lastErr = err
		if sent || !provider.Retryable(err) || i == len(routes)-1 {
			return res, err
		}
		r.logger.Warn("provider failed, trying next route",
			"provider", route.Provider.Name, "model", route.Model, "error", err)
	}
	if lastErr == nil {
		lastErr = fmt.Errorf("model %q: no usable provider", req.Model)
	}
	return provider.Result{}, lastErr
}
