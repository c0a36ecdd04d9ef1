package router

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexlabs/aex/pkg/config"
)

func testCatalog(t *testing.T) *config.CatalogStore {
	t.Helper()
	store := config.NewCatalogStore(t.TempDir())
	require.NoError(t, store.Replace(&config.Catalog{
		Version:      1,
		DefaultModel: "gpt-4o-mini",
		Providers: map[string]config.ProviderConfig{
			"openai": {BaseURL: "https://api.openai.com/v1", Type: "openai_compatible"},
		},
		Models: map[string]config.ModelConfig{
			"gpt-4o-mini": {
				Provider:      "openai",
				ProviderModel: "gpt-4o-mini-2024-07-18",
				Pricing:       config.ModelPricing{InputMicro: 1, OutputMicro: 2},
				Limits:        config.ModelLimits{MaxTokens: 16384},
			},
		},
	}))
	return store
}

func TestResolve(t *testing.T) {
	r := NewResolver(testCatalog(t))

	plan, err := r.Resolve("/v1/chat/completions", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "openai", plan.ProviderName)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", plan.ProviderModel)
	assert.Equal(t, "/chat/completions", plan.UpstreamPath)
	assert.Equal(t, "https://api.openai.com/v1", plan.BaseURL)
	assert.Len(t, plan.RouteHash, 64)
}

func TestResolveDeterministic(t *testing.T) {
	r := NewResolver(testCatalog(t))
	a, err := r.Resolve("/v1/chat/completions", "gpt-4o-mini")
	require.NoError(t, err)
	b, err := r.Resolve("/v1/chat/completions", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, a.RouteHash, b.RouteHash)

	c, err := r.Resolve("/v1/chat", "gpt-4o-mini")
	require.NoError(t, err)
	assert.NotEqual(t, a.RouteHash, c.RouteHash, "different client endpoints hash differently")
}

func TestResolveCompatPrefix(t *testing.T) {
	r := NewResolver(testCatalog(t))
	plan, err := r.Resolve("/openai/v1/embeddings", "gpt-4o-mini")
	require.NoError(t, err)
	assert.Equal(t, "/embeddings", plan.UpstreamPath)
}

func TestResolveErrors(t *testing.T) {
	r := NewResolver(testCatalog(t))

	_, err := r.Resolve("/v1/chat/completions", "unknown-model")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "not allowed")

	_, err = r.Resolve("/v1/images/generations", "gpt-4o-mini")
	require.Error(t, err)
	assert.Contains(t, err.Error(), "Unsupported endpoint")
}

func TestSupportedEndpoint(t *testing.T) {
	assert.True(t, SupportedEndpoint("/v1/responses"))
	assert.False(t, SupportedEndpoint("/v1/files"))
}
