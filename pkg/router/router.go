// Package router resolves client-facing endpoints and models to concrete
// upstream provider routes. Resolution is deterministic: the same catalog
// and request always produce the same route hash.
package router

import (
	"fmt"

	"github.com/aexlabs/aex/pkg/codec"
	"github.com/aexlabs/aex/pkg/config"
)

// RoutePlan is a fully resolved upstream destination.
type RoutePlan struct {
	RequestedModel string
	ProviderName   string
	ProviderModel  string
	BaseURL        string
	UpstreamPath   string
	RouteHash      string
}

// endpointPaths maps accepted client endpoints to the provider-side path.
// Both the native /v1 prefix and the /openai/v1 compatibility prefix are
// accepted.
var endpointPaths = map[string]string{
	"/v1/chat":                    "/chat/completions",
	"/v1/chat/completions":        "/chat/completions",
	"/openai/v1/chat/completions": "/chat/completions",
	"/v1/responses":               "/responses",
	"/openai/v1/responses":        "/responses",
	"/v1/embeddings":              "/embeddings",
	"/openai/v1/embeddings":       "/embeddings",
}

// SupportedEndpoint reports whether the endpoint has an upstream mapping.
func SupportedEndpoint(endpoint string) bool {
	_, ok := endpointPaths[endpoint]
	return ok
}

// Resolver plans routes against the active model catalog.
type Resolver struct {
	catalog *config.CatalogStore
}

func NewResolver(catalog *config.CatalogStore) *Resolver {
	return &Resolver{catalog: catalog}
}

// DefaultModel exposes the catalog default for requests without a model.
func (r *Resolver) DefaultModel() string {
	return r.catalog.DefaultModel()
}

// Model exposes the catalog entry for cost estimation and policy checks.
func (r *Resolver) Model(name string) (config.ModelConfig, bool) {
	return r.catalog.Model(name)
}

// Resolve maps (endpoint, model) to a RoutePlan. The error message is
// client-facing: unknown models read as not-allowed rather than not-found so
// the catalog contents stay opaque.
func (r *Resolver) Resolve(endpoint, modelName string) (*RoutePlan, error) {
	model, ok := r.catalog.Model(modelName)
	if !ok {
		return nil, fmt.Errorf("Model '%s' not allowed", modelName)
	}
	provider, ok := r.catalog.Provider(model.Provider)
	if !ok {
		return nil, fmt.Errorf("Provider '%s' not configured", model.Provider)
	}
	path, ok := endpointPaths[endpoint]
	if !ok {
		return nil, fmt.Errorf("Unsupported endpoint '%s'", endpoint)
	}

	routePayload := map[string]any{
		"endpoint":        endpoint,
		"provider":        model.Provider,
		"provider_model":  model.ProviderModel,
		"requested_model": modelName,
		"base_url":        provider.BaseURL,
	}
	canonical, err := codec.CanonicalJSON(routePayload)
	if err != nil {
		return nil, fmt.Errorf("hashing route: %w", err)
	}

	return &RoutePlan{
		RequestedModel: modelName,
		ProviderName:   model.Provider,
		ProviderModel:  model.ProviderModel,
		BaseURL:        provider.BaseURL,
		UpstreamPath:   path,
		RouteHash:      codec.StableHash(canonical),
	}, nil
}
