package admission

import (
	"net/http"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexlabs/aex/pkg/config"
	"github.com/aexlabs/aex/pkg/ledger"
)

func TestDeriveExecutionID_Precedence(t *testing.T) {
	body := map[string]any{"model": "m", "messages": []any{}}

	// No key: execution id is the request hash.
	id, hash, err := DeriveExecutionID("a1", "/v1/chat/completions", body, "", "", "")
	require.NoError(t, err)
	assert.Equal(t, hash, id)
	assert.Len(t, hash, 64)

	// Idempotency key derives a distinct stable id.
	keyed, hash2, err := DeriveExecutionID("a1", "/v1/chat/completions", body, "order-42", "", "")
	require.NoError(t, err)
	assert.Equal(t, hash, hash2)
	assert.NotEqual(t, hash, keyed)

	keyedAgain, _, err := DeriveExecutionID("a1", "/v1/chat/completions", body, "order-42", "", "")
	require.NoError(t, err)
	assert.Equal(t, keyed, keyedAgain)

	// Explicit id wins over everything.
	explicit, _, err := DeriveExecutionID("a1", "/v1/chat/completions", body, "order-42", "", "exec-7")
	require.NoError(t, err)
	assert.Equal(t, "exec-7", explicit)
}

func TestDeriveExecutionID_StepChangesHash(t *testing.T) {
	body := map[string]any{"model": "m"}
	_, h1, err := DeriveExecutionID("a1", "/v1/chat/completions", body, "", "step-1", "")
	require.NoError(t, err)
	_, h2, err := DeriveExecutionID("a1", "/v1/chat/completions", body, "", "step-2", "")
	require.NoError(t, err)
	assert.NotEqual(t, h1, h2)
}

func TestResolveScope(t *testing.T) {
	agent := &ledger.Agent{Name: "a1", TenantID: "acme", ProjectID: "p1"}

	// Missing headers inherit the agent assignment.
	tenant, project, err := ResolveScope(http.Header{}, agent)
	require.NoError(t, err)
	assert.Equal(t, "acme", tenant)
	assert.Equal(t, "p1", project)

	// Matching headers pass.
	h := http.Header{}
	h.Set(HeaderTenantID, "acme")
	h.Set(HeaderProjectID, "p1")
	_, _, err = ResolveScope(h, agent)
	require.NoError(t, err)

	// Mismatched tenant is a hard 403.
	h.Set(HeaderTenantID, "other")
	_, _, err = ResolveScope(h, agent)
	require.Error(t, err)
	ce, ok := ledger.AsControlError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusForbidden, ce.Status)
}

func TestResolveScope_DefaultsWhenUnassigned(t *testing.T) {
	agent := &ledger.Agent{Name: "a1"}
	tenant, project, err := ResolveScope(http.Header{}, agent)
	require.NoError(t, err)
	assert.Equal(t, "default", tenant)
	assert.Equal(t, "default", project)
}

func testModel() config.ModelConfig {
	return config.ModelConfig{
		Provider:      "openai",
		ProviderModel: "gpt-4o-mini-2024-07-18",
		Pricing:       config.ModelPricing{InputMicro: 10, OutputMicro: 20},
		Limits:        config.ModelLimits{MaxTokens: 1000},
	}
}

func TestEstimateCost_Chat(t *testing.T) {
	// 8 chars of input -> 2 tokens at 10u, plus 100 output tokens at 20u.
	body := map[string]any{
		"messages":   []any{map[string]any{"role": "user", "content": "12345678"}},
		"max_tokens": float64(100),
	}
	cost, err := EstimateCost("/v1/chat/completions", body, testModel())
	require.NoError(t, err)
	assert.Equal(t, int64(2*10+100*20), cost)
}

func TestEstimateCost_ChatDefaultsToModelLimit(t *testing.T) {
	body := map[string]any{
		"messages": []any{map[string]any{"role": "user", "content": "1234"}},
	}
	cost, err := EstimateCost("/v1/chat/completions", body, testModel())
	require.NoError(t, err)
	assert.Equal(t, int64(1*10+1000*20), cost)
}

func TestEstimateCost_Responses(t *testing.T) {
	body := map[string]any{
		"input":             "12345678",
		"max_output_tokens": float64(50),
	}
	cost, err := EstimateCost("/v1/responses", body, testModel())
	require.NoError(t, err)
	assert.Equal(t, int64(2*10+50*20), cost)
}

func TestEstimateCost_EmbeddingsMinimumOneToken(t *testing.T) {
	cost, err := EstimateCost("/v1/embeddings", map[string]any{"input": "ab"}, testModel())
	require.NoError(t, err)
	assert.Equal(t, int64(10), cost)

	// List inputs concatenate.
	cost, err = EstimateCost("/v1/embeddings", map[string]any{"input": []any{"1234", "5678"}}, testModel())
	require.NoError(t, err)
	assert.Equal(t, int64(2*10), cost)
}

func TestEstimateCost_UnsupportedEndpoint(t *testing.T) {
	_, err := EstimateCost("/v1/images/generations", map[string]any{}, testModel())
	require.Error(t, err)
	ce, ok := ledger.AsControlError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusBadRequest, ce.Status)
}

func TestApplyPatch_Whitelist(t *testing.T) {
	original := map[string]any{"model": "m", "max_tokens": 100}
	patch := map[string]any{
		"max_tokens": 50,
		"model":      "other",
		"messages":   []any{},
	}
	patched := applyPatch(original, patch)
	assert.Equal(t, 50, patched["max_tokens"])
	assert.Equal(t, "m", patched["model"], "non-whitelisted keys never patch")
	assert.NotContains(t, patched, "stream")

	// Original is untouched.
	assert.Equal(t, 100, original["max_tokens"])
}
