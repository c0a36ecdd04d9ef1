package admission

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/aexlabs/aex/pkg/config"
	"github.com/aexlabs/aex/pkg/ledger"
)

// EstimateCost computes the worst-case micro-USD cost for a request before
// dispatch: estimated input tokens at the input rate plus the output ceiling
// at the output rate. Over-estimation is released at settlement, so the
// estimate errs high.
func EstimateCost(endpoint string, body map[string]any, model config.ModelConfig) (int64, error) {
	switch {
	case strings.HasSuffix(endpoint, "/chat/completions"), strings.HasSuffix(endpoint, "/chat"):
		return estimateChatCost(body, model), nil
	case strings.HasSuffix(endpoint, "/responses"):
		return estimateResponsesCost(body, model), nil
	case strings.HasSuffix(endpoint, "/embeddings"):
		return estimateEmbeddingsCost(body, model), nil
	}
	return 0, ledger.NewControlError(http.StatusBadRequest, fmt.Sprintf("Unsupported endpoint '%s'", endpoint))
}

func estimateChatCost(body map[string]any, model config.ModelConfig) int64 {
	var input strings.Builder
	if messages, ok := body["messages"].([]any); ok {
		for _, m := range messages {
			msg, ok := m.(map[string]any)
			if !ok {
				continue
			}
			input.WriteString(stringify(msg["content"]))
		}
	}
	estInputTokens := int64(input.Len() / 4)

	maxTokens := intValue(body["max_tokens"])
	if maxTokens <= 0 {
		maxTokens = int64(model.Limits.MaxTokens)
	}
	return estInputTokens*model.Pricing.InputMicro + maxTokens*model.Pricing.OutputMicro
}

func estimateResponsesCost(body map[string]any, model config.ModelConfig) int64 {
	estInputTokens := int64(len(inputText(body["input"])) / 4)

	maxTokens := intValue(body["max_output_tokens"])
	if maxTokens <= 0 {
		maxTokens = intValue(body["max_tokens"])
	}
	if maxTokens <= 0 {
		maxTokens = int64(model.Limits.MaxTokens)
	}
	return estInputTokens*model.Pricing.InputMicro + maxTokens*model.Pricing.OutputMicro
}

func estimateEmbeddingsCost(body map[string]any, model config.ModelConfig) int64 {
	estInputTokens := int64(len(inputText(body["input"])) / 4)
	if estInputTokens < 1 {
		estInputTokens = 1
	}
	return estInputTokens * model.Pricing.InputMicro
}

// inputText flattens the polymorphic "input" field (string or list).
func inputText(input any) string {
	switch v := input.(type) {
	case string:
		return v
	case []any:
		var b strings.Builder
		for _, item := range v {
			b.WriteString(stringify(item))
		}
		return b.String()
	case nil:
		return ""
	}
	return stringify(input)
}

func stringify(v any) string {
	switch s := v.(type) {
	case string:
		return s
	case nil:
		return ""
	}
	return fmt.Sprintf("%v", v)
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
