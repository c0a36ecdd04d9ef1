// Package proxy dispatches admitted requests to upstream OpenAI-compatible
// providers and settles the reservation exactly once: commit on a usable
// response, release on every failure path.
package proxy

import (
	"bufio"
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"strings"

	"github.com/aexlabs/aex/pkg/config"
	"github.com/aexlabs/aex/pkg/ledger"
	"github.com/aexlabs/aex/pkg/policy"
	"github.com/aexlabs/aex/pkg/ratelimit"
)

// settler is the slice of the ledger the proxy needs. *ledger.Ledger
// satisfies it.
type settler interface {
	MarkDispatched(ctx context.Context, executionID string)
	Commit(ctx context.Context, p ledger.CommitParams) error
	Release(ctx context.Context, agent, executionID string, estimatedMicro int64, reason string, statusCode int) error
}

// Proxy holds the shared upstream HTTP clients and settlement handles.
type Proxy struct {
	ledger  settler
	limiter *ratelimit.Limiter

	client *http.Client
	// streamClient has no overall timeout; SSE relays are bounded by the
	// request context instead.
	streamClient *http.Client

	dimensionsUnsupported []string
}

func New(l *ledger.Ledger, limiter *ratelimit.Limiter, settings *config.Settings) *Proxy {
	return &Proxy{
		ledger:                l,
		limiter:               limiter,
		client:                &http.Client{Timeout: settings.UpstreamTimeout},
		streamClient:          &http.Client{},
		dimensionsUnsupported: settings.EmbeddingsDimensionsUnsupported,
	}
}

// Dispatch is one admitted request ready for the upstream provider.
type Dispatch struct {
	Agent          *ledger.Agent
	ExecutionID    string
	Endpoint       string
	ModelName      string
	Model          config.ModelConfig
	EstimatedMicro int64
	TargetURL      string
	APIKey         string
	Body           map[string]any
	Scope          ratelimit.Scope
}

// Result is a completed non-streaming dispatch. CostMicro is the committed
// spend, zero on released dispatches.
type Result struct {
	StatusCode int
	Body       map[string]any
	CostMicro  int64
}

// Do performs a non-streaming dispatch and settles the reservation.
func (p *Proxy) Do(ctx context.Context, d Dispatch) (*Result, error) {
	// Settlement must land even when the caller's context is already
	// canceled, otherwise an abandoned request leaves its hold stuck in
	// RESERVED until the recovery sweep.
	settleCtx := context.WithoutCancel(ctx)
	p.ledger.MarkDispatched(settleCtx, d.ExecutionID)

	resp, err := p.post(ctx, p.client, d)
	if err != nil {
		slog.Error("Upstream dispatch failed", "endpoint", d.Endpoint, "execution_id", d.ExecutionID, "error", err)
		p.release(settleCtx, d, "Upstream provider error", http.StatusBadGateway)
		return nil, ledger.NewControlError(http.StatusBadGateway, "Upstream provider error")
	}
	defer resp.Body.Close()

	raw, err := io.ReadAll(resp.Body)
	if err != nil {
		slog.Error("Failed reading upstream response", "endpoint", d.Endpoint, "execution_id", d.ExecutionID, "error", err)
		p.release(settleCtx, d, "Upstream provider error", http.StatusBadGateway)
		return nil, ledger.NewControlError(http.StatusBadGateway, "Upstream provider error")
	}

	if resp.StatusCode != http.StatusOK {
		errBody := parseJSONBody(raw)
		detail := truncateDetail(extractErrorDetail(errBody, raw))
		slog.Warn("Upstream request failed",
			"endpoint", d.Endpoint, "status_code", resp.StatusCode, "detail", detail)
		p.release(settleCtx, d,
			fmt.Sprintf("Upstream %s failed with HTTP %d: %s", d.Endpoint, resp.StatusCode, detail),
			resp.StatusCode)
		return &Result{StatusCode: resp.StatusCode, Body: errBody}, nil
	}

	var respJSON map[string]any
	if err := json.Unmarshal(raw, &respJSON); err != nil {
		p.release(settleCtx, d, "Upstream returned malformed JSON", http.StatusBadGateway)
		return nil, ledger.NewControlError(http.StatusBadGateway, "Upstream provider error")
	}

	usage, _ := respJSON["usage"].(map[string]any)
	promptTokens, completionTokens := usageTokens(usage)
	actualMicro := promptTokens*d.Model.Pricing.InputMicro + completionTokens*d.Model.Pricing.OutputMicro

	if ok, reason := policy.ValidateResponse(d.Agent, respJSON); !ok {
		slog.Warn("Post-flight policy violation", "agent", d.Agent.Name, "reason", reason)
	}

	if err := p.ledger.Commit(settleCtx, ledger.CommitParams{
		Agent:            d.Agent.Name,
		ExecutionID:      d.ExecutionID,
		EstimatedMicro:   d.EstimatedMicro,
		ActualMicro:      actualMicro,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		ModelName:        d.ModelName,
		ResponseBody:     respJSON,
	}); err != nil {
		return nil, err
	}
	p.limiter.AddTokens(settleCtx, d.Scope, promptTokens+completionTokens)

	// Never expose the provider model externally.
	if _, ok := respJSON["model"]; ok {
		respJSON["model"] = d.ModelName
	}
	return &Result{StatusCode: http.StatusOK, Body: respJSON, CostMicro: actualMicro}, nil
}

// Stream relays an SSE dispatch to the client, rewriting model names and
// settling when the stream ends. A disconnect or relay failure before the
// final chunk releases the full reservation.
func (p *Proxy) Stream(ctx context.Context, w http.ResponseWriter, d Dispatch) error {
	// A mid-stream client disconnect cancels ctx; settlement still has to
	// reach the ledger, so all settle calls run on a non-cancelable context.
	settleCtx := context.WithoutCancel(ctx)
	p.ledger.MarkDispatched(settleCtx, d.ExecutionID)

	resp, err := p.post(ctx, p.streamClient, d)
	if err != nil {
		slog.Error("Streaming dispatch failed", "execution_id", d.ExecutionID, "error", err)
		p.release(settleCtx, d, "Streaming setup error", http.StatusBadGateway)
		return ledger.NewControlError(http.StatusBadGateway, "Upstream provider error")
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		raw, _ := io.ReadAll(resp.Body)
		p.release(settleCtx, d,
			fmt.Sprintf("Streaming upstream failed with HTTP %d", resp.StatusCode),
			resp.StatusCode)
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(resp.StatusCode)
		errBody := parseJSONBody(raw)
		_ = json.NewEncoder(w).Encode(errBody)
		return nil
	}

	flusher, _ := w.(http.Flusher)
	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.Header().Set("X-Accel-Buffering", "no")
	w.WriteHeader(http.StatusOK)

	settled := false
	defer func() {
		if !settled {
			p.release(settleCtx, d, "Streaming ended before settlement", http.StatusBadGateway)
		}
	}()

	var promptTokens, completionTokens int64

	scanner := bufio.NewScanner(resp.Body)
	scanner.Buffer(make([]byte, 0, 64*1024), 1024*1024)
	for scanner.Scan() {
		line := scanner.Text()
		out := line + "\n"

		if data, ok := strings.CutPrefix(line, "data: "); ok && strings.TrimSpace(data) != "[DONE]" {
			var chunk map[string]any
			if err := json.Unmarshal([]byte(data), &chunk); err == nil {
				chunk["model"] = d.ModelName

				if usage, ok := chunk["usage"].(map[string]any); ok && usage != nil {
					if pt, ct := usageTokens(usage); pt > 0 || ct > 0 {
						if pt > 0 {
							promptTokens = pt
						}
						if ct > 0 {
							completionTokens = ct
						}
					}
				}
				if choices, ok := chunk["choices"].([]any); ok {
					for _, c := range choices {
						choice, ok := c.(map[string]any)
						if !ok {
							continue
						}
						delta, _ := choice["delta"].(map[string]any)
						if content, _ := delta["content"].(string); content != "" {
							tokens := int64(len(content) / 4)
							if tokens < 1 {
								tokens = 1
							}
							completionTokens += tokens
						}
					}
				}

				rewritten, err := json.Marshal(chunk)
				if err == nil {
					out = "data: " + string(rewritten) + "\n\n"
				}
			}
		} else if ok {
			out = "data: [DONE]\n\n"
		}

		if _, err := io.WriteString(w, out); err != nil {
			// Client went away mid-stream; the deferred release settles.
			slog.Warn("Client disconnected during stream", "execution_id", d.ExecutionID, "error", err)
			return nil
		}
		if flusher != nil {
			flusher.Flush()
		}
	}
	if err := scanner.Err(); err != nil {
		slog.Error("Streaming relay failed", "execution_id", d.ExecutionID, "error", err)
		p.release(settleCtx, d, "Streaming relay failed", http.StatusBadGateway)
		settled = true
		return nil
	}

	actualMicro := promptTokens*d.Model.Pricing.InputMicro + completionTokens*d.Model.Pricing.OutputMicro
	if err := p.ledger.Commit(settleCtx, ledger.CommitParams{
		Agent:            d.Agent.Name,
		ExecutionID:      d.ExecutionID,
		EstimatedMicro:   d.EstimatedMicro,
		ActualMicro:      actualMicro,
		PromptTokens:     promptTokens,
		CompletionTokens: completionTokens,
		ModelName:        d.ModelName,
		ResponseBody: map[string]any{
			"stream": true,
			"usage": map[string]any{
				"prompt_tokens":     promptTokens,
				"completion_tokens": completionTokens,
			},
		},
	}); err != nil {
		return nil
	}
	settled = true
	p.limiter.AddTokens(settleCtx, d.Scope, promptTokens+completionTokens)
	return nil
}

func (p *Proxy) post(ctx context.Context, client *http.Client, d Dispatch) (*http.Response, error) {
	payload, err := json.Marshal(d.Body)
	if err != nil {
		return nil, fmt.Errorf("encoding upstream body: %w", err)
	}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, d.TargetURL, bytes.NewReader(payload))
	if err != nil {
		return nil, fmt.Errorf("building upstream request: %w", err)
	}
	req.Header.Set("Authorization", "Bearer "+d.APIKey)
	req.Header.Set("Content-Type", "application/json")
	return client.Do(req)
}

func (p *Proxy) release(ctx context.Context, d Dispatch, reason string, statusCode int) {
	if err := p.ledger.Release(ctx, d.Agent.Name, d.ExecutionID, d.EstimatedMicro, reason, statusCode); err != nil {
		slog.Error("Failed releasing reservation after dispatch failure",
			"execution_id", d.ExecutionID, "error", err)
	}
}

// usageTokens extracts token counts from an OpenAI-compatible usage object.
// Providers vary naming by endpoint.
func usageTokens(usage map[string]any) (prompt, completion int64) {
	if usage == nil {
		return 0, 0
	}
	prompt = firstInt(usage, "prompt_tokens", "input_tokens", "total_tokens")
	completion = firstInt(usage, "completion_tokens", "output_tokens")
	return prompt, completion
}

func firstInt(m map[string]any, keys ...string) int64 {
	for _, k := range keys {
		if v := intValue(m[k]); v > 0 {
			return v
		}
	}
	return 0
}

func parseJSONBody(raw []byte) map[string]any {
	var m map[string]any
	if err := json.Unmarshal(raw, &m); err != nil {
		return map[string]any{"error": string(raw)}
	}
	return m
}

// extractErrorDetail digs the human-readable message out of the varied error
// shapes providers return.
func extractErrorDetail(body map[string]any, raw []byte) string {
	var detail any
	for _, key := range []string{"error", "message", "detail"} {
		if v, ok := body[key]; ok && v != nil {
			detail = v
			break
		}
	}
	if nested, ok := detail.(map[string]any); ok {
		if msg, ok := nested["message"].(string); ok && msg != "" {
			detail = msg
		} else {
			detail = fmt.Sprintf("%v", nested)
		}
	}
	if detail == nil || detail == "" {
		return string(raw)
	}
	if s, ok := detail.(string); ok {
		return s
	}
	return fmt.Sprintf("%v", detail)
}

// truncateDetail bounds stored upstream error text.
func truncateDetail(detail string) string {
	detail = strings.ReplaceAll(detail, "\n", " ")
	if len(detail) > 240 {
		return detail[:240]
	}
	return detail
}
