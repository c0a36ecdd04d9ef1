package config

import (
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const sampleCatalog = `
version: 1
default_model: gpt-4o-mini
providers:
  openai:
    base_url: https://api.openai.com/v1
    type: openai_compatible
  groq:
    base_url: https://api.groq.com/openai/v1
    type: openai_compatible
models:
  gpt-4o-mini:
    provider: openai
    provider_model: gpt-4o-mini-2024-07-18
    pricing:
      input_micro: 1
      output_micro: 2
    limits:
      max_tokens: 16384
    capabilities:
      tools: true
      vision: true
  llama-3.1-8b:
    provider: groq
    provider_model: llama-3.1-8b-instant
    pricing:
      input_micro: 1
      output_micro: 1
    limits:
      max_tokens: 8192
    capabilities: {}
`

func writeCatalog(t *testing.T, content string) string {
	t.Helper()
	dir := t.TempDir()
	require.NoError(t, os.WriteFile(filepath.Join(dir, "models.yaml"), []byte(content), 0o644))
	return dir
}

func TestCatalogStore_Load(t *testing.T) {
	store := NewCatalogStore(writeCatalog(t, sampleCatalog))
	require.NoError(t, store.Load())

	m, ok := store.Model("gpt-4o-mini")
	require.True(t, ok)
	assert.Equal(t, "openai", m.Provider)
	assert.Equal(t, "gpt-4o-mini-2024-07-18", m.ProviderModel)
	assert.Equal(t, int64(2), m.Pricing.OutputMicro)
	assert.Equal(t, 16384, m.Limits.MaxTokens)
	assert.True(t, m.Capabilities.Tools)

	p, ok := store.Provider("groq")
	require.True(t, ok)
	assert.Equal(t, "https://api.groq.com/openai/v1", p.BaseURL)

	assert.Equal(t, "gpt-4o-mini", store.DefaultModel())

	_, ok = store.Model("missing")
	assert.False(t, ok)
}

func TestCatalogStore_InvalidCatalogRejected(t *testing.T) {
	cases := map[string]string{
		"unknown provider": `
version: 1
providers: {}
models:
  m:
    provider: nope
    provider_model: x
    pricing: {input_micro: 1, output_micro: 1}
    limits: {max_tokens: 10}
    capabilities: {}
`,
		"bad version": `
version: 2
providers: {}
models: {}
`,
		"default not in models": `
version: 1
default_model: ghost
providers:
  p: {base_url: http://x, type: openai_compatible}
models:
  m:
    provider: p
    provider_model: x
    pricing: {input_micro: 1, output_micro: 1}
    limits: {max_tokens: 10}
    capabilities: {}
`,
	}
	for name, doc := range cases {
		t.Run(name, func(t *testing.T) {
			store := NewCatalogStore(writeCatalog(t, doc))
			assert.Error(t, store.Load())
			assert.Nil(t, store.Catalog())
		})
	}
}

func TestCatalogStore_ReloadKeepsPreviousOnFailure(t *testing.T) {
	dir := writeCatalog(t, sampleCatalog)
	store := NewCatalogStore(dir)
	require.NoError(t, store.Load())

	require.NoError(t, os.WriteFile(filepath.Join(dir, "models.yaml"), []byte("version: 9"), 0o644))
	err := store.Load()
	require.Error(t, err)
	assert.Contains(t, err.Error(), "previous retained")

	_, ok := store.Model("gpt-4o-mini")
	assert.True(t, ok)
}

func TestSettings_DurationsAndLists(t *testing.T) {
	t.Setenv("AEX_RESERVATION_TTL", "45s")
	t.Setenv("AEX_IDEMPOTENCY_WAIT", "2")
	t.Setenv("AEX_EMBEDDINGS_DIMENSIONS_UNSUPPORTED_PROVIDERS", "groq, local")
	t.Setenv("AEX_STRICT_START", "1")

	s := Load()
	assert.Equal(t, "45s", s.ReservationTTL.String())
	assert.Equal(t, "2s", s.IdempotencyWait.String())
	assert.Equal(t, []string{"groq", "local"}, s.EmbeddingsDimensionsUnsupported)
	assert.True(t, s.StrictStart)
}

func TestProviderAPIKey(t *testing.T) {
	t.Setenv("MY_PROVIDER_API_KEY", "sk-test")
	key, err := ProviderAPIKey("my-provider")
	require.NoError(t, err)
	assert.Equal(t, "sk-test", key)

	_, err = ProviderAPIKey("unset-provider")
	assert.Error(t, err)
}
