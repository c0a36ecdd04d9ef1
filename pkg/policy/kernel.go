// Package policy evaluates requests against agent capabilities. The kernel
// is a set of pure checks over the agent row; plugins extend it through
// static registration and a deterministic deny-wins reducer.
package policy

import (
	"fmt"

	"github.com/aexlabs/aex/pkg/ledger"
)

// validateRequest runs the capability kernel. Pure: no I/O, no side effects.
func validateRequest(agent *ledger.Agent, payload map[string]any, modelName string) (bool, string) {
	if allowed := agent.AllowedModelList(); allowed != nil {
		if !contains(allowed, modelName) {
			return false, fmt.Sprintf("Model '%s' not in allowed models: %v", modelName, allowed)
		}
	}

	if truthy(payload["stream"]) && !agent.AllowStreaming {
		return false, "Streaming is disabled for this agent"
	}

	if tools, ok := payload["tools"].([]any); ok && len(tools) > 0 {
		if !agent.AllowTools {
			return false, "Tool usage is disabled for this agent"
		}
		if allowed := agent.AllowedToolList(); allowed != nil {
			for _, t := range tools {
				name := toolFunctionName(t)
				if name != "" && !contains(allowed, name) {
					return false, fmt.Sprintf("Tool '%s' not in allowed tools: %v", name, allowed)
				}
			}
		}
	}

	if payload["tool_choice"] != nil && !agent.AllowFunctionCalling {
		return false, "Function calling is disabled for this agent"
	}

	if !agent.AllowVision && hasImageContent(payload) {
		return false, "Vision (image inputs) is disabled for this agent"
	}

	if agent.MaxInputTokens.Valid {
		est := EstimateTokens(messageText(payload))
		if est > agent.MaxInputTokens.Int64 {
			return false, fmt.Sprintf("Estimated input tokens (%d) exceeds agent limit (%d)", est, agent.MaxInputTokens.Int64)
		}
	}

	if agent.MaxOutputTokens.Valid {
		if reqMax := intField(payload, "max_tokens"); reqMax > 0 && reqMax > agent.MaxOutputTokens.Int64 {
			return false, fmt.Sprintf("Requested max_tokens (%d) exceeds agent limit (%d)", reqMax, agent.MaxOutputTokens.Int64)
		}
	}

	if agent.MaxTokensPerRequest.Valid {
		estTotal := EstimateTokens(messageText(payload)) + intField(payload, "max_tokens")
		if estTotal > agent.MaxTokensPerRequest.Int64 {
			return false, fmt.Sprintf("Estimated total tokens (%d) exceeds agent per-request limit (%d)", estTotal, agent.MaxTokensPerRequest.Int64)
		}
	}

	if agent.StrictMode {
		if truthy(payload["stream"]) && !agent.AllowStreaming {
			return false, "Strict mode: streaming not explicitly allowed"
		}
		if tools, ok := payload["tools"].([]any); ok && len(tools) > 0 && !agent.AllowTools {
			return false, "Strict mode: tools not explicitly allowed"
		}
	}

	return true, ""
}

// ValidateResponse runs the post-flight output check. Callers treat a
// failure as a warning, never a settlement blocker.
func ValidateResponse(agent *ledger.Agent, response map[string]any) (bool, string) {
	if agent.MaxOutputTokens.Valid {
		if usage, ok := response["usage"].(map[string]any); ok {
			actual := intFieldFrom(usage, "completion_tokens")
			if actual > agent.MaxOutputTokens.Int64 {
				return false, fmt.Sprintf("Response output tokens (%d) exceeded agent limit (%d)", actual, agent.MaxOutputTokens.Int64)
			}
		}
	}
	return true, ""
}

// EstimateTokens applies the 4-chars-per-token heuristic used everywhere a
// precise tokenizer is unavailable.
func EstimateTokens(text string) int64 {
	return int64(len(text) / 4)
}

func messageText(payload map[string]any) string {
	messages, ok := payload["messages"].([]any)
	if !ok {
		return ""
	}
	var text string
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		if content, ok := msg["content"].(string); ok {
			text += content
		}
	}
	return text
}

func hasImageContent(payload map[string]any) bool {
	messages, ok := payload["messages"].([]any)
	if !ok {
		return false
	}
	for _, m := range messages {
		msg, ok := m.(map[string]any)
		if !ok {
			continue
		}
		parts, ok := msg["content"].([]any)
		if !ok {
			continue
		}
		for _, p := range parts {
			if part, ok := p.(map[string]any); ok && part["type"] == "image_url" {
				return true
			}
		}
	}
	return false
}

func toolFunctionName(tool any) string {
	t, ok := tool.(map[string]any)
	if !ok {
		return ""
	}
	fn, ok := t["function"].(map[string]any)
	if !ok {
		return ""
	}
	name, _ := fn["name"].(string)
	return name
}

func truthy(v any) bool {
	b, ok := v.(bool)
	return ok && b
}

func intField(payload map[string]any, key string) int64 {
	return intFieldFrom(payload, key)
}

func intFieldFrom(m map[string]any, key string) int64 {
	switch v := m[key].(type) {
	case float64:
		return int64(v)
	case int:
		return int64(v)
	case int64:
		return v
	}
	return 0
}

func contains(list []string, s string) bool {
	for _, item := range list {
		if item == s {
			return true
		}
	}
	return false
}
