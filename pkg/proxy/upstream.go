package proxy

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/aexlabs/aex/pkg/config"
	"github.com/aexlabs/aex/pkg/ledger"
)

// BuildChatUpstream translates a client chat request into the provider
// payload. The requested model is swapped for the provider model and
// max_tokens is clamped against the catalog limit.
func BuildChatUpstream(body map[string]any, model config.ModelConfig) (map[string]any, error) {
	upstream := map[string]any{
		"model":       model.ProviderModel,
		"messages":    valueOr(body["messages"], []any{}),
		"temperature": valueOr(body["temperature"], 1.0),
		"top_p":       valueOr(body["top_p"], 1.0),
		"stream":      valueOr(body["stream"], false),
		"stop":        body["stop"],
	}

	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		upstream["tools"] = tools
		if body["tool_choice"] != nil {
			upstream["tool_choice"] = body["tool_choice"]
		}
	}
	if body["response_format"] != nil {
		upstream["response_format"] = body["response_format"]
	}

	if reqMax := intValue(body["max_tokens"]); reqMax > 0 {
		if reqMax > int64(model.Limits.MaxTokens) {
			return nil, ledger.NewControlError(http.StatusBadRequest,
				fmt.Sprintf("max_tokens %d exceeds limit %d", reqMax, model.Limits.MaxTokens))
		}
		upstream["max_tokens"] = reqMax
	} else {
		upstream["max_tokens"] = model.Limits.MaxTokens
	}
	return upstream, nil
}

// BuildResponsesUpstream translates a client responses-API request.
func BuildResponsesUpstream(body map[string]any, model config.ModelConfig) (map[string]any, error) {
	input := body["input"]
	if input == nil {
		input = valueOr(body["messages"], []any{})
	}
	upstream := map[string]any{
		"model":        model.ProviderModel,
		"input":        input,
		"instructions": body["instructions"],
		"temperature":  valueOr(body["temperature"], 1.0),
		"top_p":        valueOr(body["top_p"], 1.0),
	}

	switch {
	case intValue(body["max_output_tokens"]) > 0:
		upstream["max_output_tokens"] = intValue(body["max_output_tokens"])
	case intValue(body["max_tokens"]) > 0:
		upstream["max_output_tokens"] = intValue(body["max_tokens"])
	default:
		upstream["max_output_tokens"] = model.Limits.MaxTokens
	}

	if tools, ok := body["tools"].([]any); ok && len(tools) > 0 {
		upstream["tools"] = tools
	}
	if body["metadata"] != nil {
		upstream["metadata"] = body["metadata"]
	}
	return upstream, nil
}

// BuildEmbeddingsUpstream translates a client embeddings request. The
// dimensions parameter is stripped for providers that reject it.
func BuildEmbeddingsUpstream(body map[string]any, model config.ModelConfig, dimensionsUnsupported []string) (map[string]any, error) {
	upstream := map[string]any{
		"model": model.ProviderModel,
		"input": body["input"],
	}
	if body["encoding_format"] != nil {
		upstream["encoding_format"] = body["encoding_format"]
	}
	if body["dimensions"] != nil && !providerIn(model.Provider, dimensionsUnsupported) {
		upstream["dimensions"] = body["dimensions"]
	}
	if body["user"] != nil {
		upstream["user"] = body["user"]
	}
	return upstream, nil
}

// HeaderProviderKey lets passthrough-enabled agents supply their own
// upstream credential per request.
const HeaderProviderKey = "X-AEX-Provider-Key"

// ResolveProviderKey picks the upstream credential: a passthrough header
// when the agent is allowed to use one, otherwise the daemon's configured
// key for the provider.
func ResolveProviderKey(agent *ledger.Agent, headers http.Header, provider string) (string, error) {
	if passthrough := headers.Get(HeaderProviderKey); passthrough != "" {
		if !agent.AllowPassthrough {
			return "", ledger.NewControlError(http.StatusForbidden, "Passthrough mode not enabled for this agent")
		}
		return passthrough, nil
	}
	key, err := config.ProviderAPIKey(provider)
	if err != nil {
		return "", ledger.NewControlError(http.StatusInternalServerError,
			fmt.Sprintf("API key not configured for provider '%s'", provider))
	}
	return key, nil
}

func providerIn(provider string, list []string) bool {
	provider = strings.ToLower(strings.TrimSpace(provider))
	for _, p := range list {
		if strings.ToLower(strings.TrimSpace(p)) == provider {
			return true
		}
	}
	return false
}

func valueOr(v, def any) any {
	if v == nil {
		return def
	}
	return v
}

func intValue(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	}
	return 0
}
