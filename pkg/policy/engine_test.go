package policy

import (
	"database/sql"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexlabs/aex/pkg/ledger"
)

func permissiveAgent() *ledger.Agent {
	return &ledger.Agent{
		Name:                 "worker-1",
		TokenScope:           "execution",
		AllowStreaming:       true,
		AllowTools:           true,
		AllowFunctionCalling: true,
		AllowVision:          true,
	}
}

func chatPayload(content string) map[string]any {
	return map[string]any{
		"model": "gpt-4o-mini",
		"messages": []any{
			map[string]any{"role": "user", "content": content},
		},
	}
}

func TestKernel_ModelWhitelist(t *testing.T) {
	agent := permissiveAgent()
	agent.AllowedModels = sql.NullString{String: `["gpt-4o-mini"]`, Valid: true}

	engine := NewEngine()
	d := engine.EvaluateRequest(agent, chatPayload("hi"), "gpt-4o-mini", "/v1/chat/completions", "x")
	assert.True(t, d.Allow)

	d = engine.EvaluateRequest(agent, chatPayload("hi"), "gpt-4o", "/v1/chat/completions", "x")
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "not in allowed models")
}

func TestKernel_CapabilityGates(t *testing.T) {
	engine := NewEngine()

	agent := permissiveAgent()
	agent.AllowStreaming = false
	payload := chatPayload("hi")
	payload["stream"] = true
	d := engine.EvaluateRequest(agent, payload, "m", "/v1/chat/completions", "x")
	assert.False(t, d.Allow)
	assert.Equal(t, "Streaming is disabled for this agent", d.Reason)

	agent = permissiveAgent()
	agent.AllowTools = false
	payload = chatPayload("hi")
	payload["tools"] = []any{map[string]any{"function": map[string]any{"name": "search"}}}
	d = engine.EvaluateRequest(agent, payload, "m", "/v1/chat/completions", "x")
	assert.False(t, d.Allow)

	agent = permissiveAgent()
	agent.AllowedToolNames = sql.NullString{String: `["lookup"]`, Valid: true}
	d = engine.EvaluateRequest(agent, payload, "m", "/v1/chat/completions", "x")
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "Tool 'search'")

	agent = permissiveAgent()
	agent.AllowVision = false
	payload = map[string]any{
		"messages": []any{
			map[string]any{"role": "user", "content": []any{
				map[string]any{"type": "image_url", "image_url": map[string]any{"url": "data:..."}},
			}},
		},
	}
	d = engine.EvaluateRequest(agent, payload, "m", "/v1/chat/completions", "x")
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "Vision")
}

func TestKernel_TokenCaps(t *testing.T) {
	engine := NewEngine()

	agent := permissiveAgent()
	agent.MaxInputTokens = sql.NullInt64{Int64: 2, Valid: true}
	d := engine.EvaluateRequest(agent, chatPayload("a long prompt exceeding two tokens"), "m", "/v1/chat/completions", "x")
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "input tokens")

	agent = permissiveAgent()
	agent.MaxOutputTokens = sql.NullInt64{Int64: 100, Valid: true}
	payload := chatPayload("hi")
	payload["max_tokens"] = float64(500)
	d = engine.EvaluateRequest(agent, payload, "m", "/v1/chat/completions", "x")
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "max_tokens")

	agent = permissiveAgent()
	agent.MaxTokensPerRequest = sql.NullInt64{Int64: 10, Valid: true}
	payload = chatPayload("0123456789012345678901234567890123456789")
	payload["max_tokens"] = float64(5)
	d = engine.EvaluateRequest(agent, payload, "m", "/v1/chat/completions", "x")
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "per-request limit")
}

type stubPlugin struct {
	name   string
	result PluginResult
	err    error
}

func (p stubPlugin) Name() string                          { return p.name }
func (p stubPlugin) Evaluate(Context) (PluginResult, error) { return p.result, p.err }

func TestEngine_DenyWins(t *testing.T) {
	engine := NewEngine(
		stubPlugin{name: "b-deny", result: PluginResult{Decision: "deny", Reason: "quota window closed"}},
		stubPlugin{name: "a-allow", result: PluginResult{Decision: "allow"}},
	)
	d := engine.EvaluateRequest(permissiveAgent(), chatPayload("hi"), "m", "/v1/chat/completions", "x")
	assert.False(t, d.Allow)
	assert.Equal(t, "quota window closed", d.Reason)
	// Lexical order: a-allow evaluated before b-deny.
	require.Len(t, d.PluginTrace, 3)
	assert.Equal(t, "kernel", d.PluginTrace[0].Stage)
	assert.Equal(t, "a-allow", d.PluginTrace[1].Stage)
	assert.Equal(t, "b-deny", d.PluginTrace[2].Stage)
}

func TestEngine_BrokenPluginDenies(t *testing.T) {
	engine := NewEngine(stubPlugin{name: "flaky", err: errors.New("boom")})
	d := engine.EvaluateRequest(permissiveAgent(), chatPayload("hi"), "m", "/v1/chat/completions", "x")
	assert.False(t, d.Allow)
	assert.Contains(t, d.Reason, "flaky")
}

func TestEngine_PatchMerge(t *testing.T) {
	engine := NewEngine(
		stubPlugin{name: "a", result: PluginResult{Decision: "abstain", Patch: map[string]any{"max_tokens": 50, "temperature": 0.2}}},
		stubPlugin{name: "b", result: PluginResult{Decision: "allow", Patch: map[string]any{"max_tokens": 25}}},
	)
	d := engine.EvaluateRequest(permissiveAgent(), chatPayload("hi"), "m", "/v1/chat/completions", "x")
	require.True(t, d.Allow)
	assert.Equal(t, 25, d.Patch["max_tokens"])
	assert.Equal(t, 0.2, d.Patch["temperature"])
}

func TestEngine_DecisionHashDeterministic(t *testing.T) {
	engine := NewEngine()
	a := engine.EvaluateRequest(permissiveAgent(), chatPayload("hi"), "m", "/v1/chat/completions", "x")
	b := engine.EvaluateRequest(permissiveAgent(), chatPayload("hi"), "m", "/v1/chat/completions", "x")
	assert.Equal(t, a.DecisionHash, b.DecisionHash)
	assert.Len(t, a.DecisionHash, 64)

	agent := permissiveAgent()
	agent.AllowStreaming = false
	payload := chatPayload("hi")
	payload["stream"] = true
	c := engine.EvaluateRequest(agent, payload, "m", "/v1/chat/completions", "x")
	assert.NotEqual(t, a.DecisionHash, c.DecisionHash)
}

func TestValidateResponse(t *testing.T) {
	agent := permissiveAgent()
	agent.MaxOutputTokens = sql.NullInt64{Int64: 10, Valid: true}

	ok, _ := ValidateResponse(agent, map[string]any{"usage": map[string]any{"completion_tokens": float64(5)}})
	assert.True(t, ok)

	ok, reason := ValidateResponse(agent, map[string]any{"usage": map[string]any{"completion_tokens": float64(50)}})
	assert.False(t, ok)
	assert.Contains(t, reason, "exceeded agent limit")
}
