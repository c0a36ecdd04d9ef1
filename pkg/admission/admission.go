// Package admission runs the front half of the execution pipeline: identity
// derivation, idempotency, rate limits, policy and budget reservation. A
// request that clears admission holds a funded reservation and is safe to
// dispatch upstream.
package admission

import (
	"context"
	"fmt"
	"net/http"
	"sort"
	"time"

	"github.com/aexlabs/aex/pkg/config"
	"github.com/aexlabs/aex/pkg/ledger"
	"github.com/aexlabs/aex/pkg/lifecycle"
	"github.com/aexlabs/aex/pkg/policy"
	"github.com/aexlabs/aex/pkg/ratelimit"
	"github.com/aexlabs/aex/pkg/router"
)

// supportedPatchKeys bounds what a policy patch may rewrite. Anything else
// in a patch is dropped silently.
var supportedPatchKeys = map[string]bool{
	"max_tokens":  true,
	"temperature": true,
	"top_p":       true,
	"stream":      true,
	"tool_choice": true,
}

// Request is one inbound execution attempt.
type Request struct {
	Endpoint string
	Body     map[string]any
	Headers  http.Header
	Agent    *ledger.Agent
	// ExplicitExecutionID overrides derivation (v2 admission surface).
	ExplicitExecutionID string
}

// Result is a cleared admission: either a fresh funded reservation or a
// replayed prior outcome.
type Result struct {
	ExecutionID    string
	RequestHash    string
	Route          *router.RoutePlan
	Policy         policy.Decision
	RequestBody    map[string]any
	EstimatedMicro int64
	TenantID       string
	ProjectID      string
	ExpiresAt      time.Time

	IdempotentReplay   bool
	CachedStatusCode   int
	CachedResponseBody map[string]any
	CachedErrorBody    map[string]any
}

// Controller wires the admission stages together.
type Controller struct {
	ledger  *ledger.Ledger
	router  *router.Resolver
	policy  *policy.Engine
	limiter *ratelimit.Limiter

	idempotencyWait time.Duration
	idempotencyPoll time.Duration
}

func NewController(l *ledger.Ledger, r *router.Resolver, p *policy.Engine, rl *ratelimit.Limiter, settings *config.Settings) *Controller {
	return &Controller{
		ledger:          l,
		router:          r,
		policy:          p,
		limiter:         rl,
		idempotencyWait: settings.IdempotencyWait,
		idempotencyPoll: settings.IdempotencyPoll,
	}
}

// Admit executes the full pipeline. Denials and conflicts come back as
// *ledger.ControlError with the mapped HTTP status.
func (c *Controller) Admit(ctx context.Context, req Request) (*Result, error) {
	agent := req.Agent

	if !lifecycle.CanExecute(agent.LifecycleState) {
		return nil, &ledger.ControlError{
			Status:     http.StatusLocked,
			Detail:     fmt.Sprintf("Agent state is %s; execution blocked", agent.LifecycleState),
			ReasonCode: "LIFECYCLE_LOCKED",
		}
	}

	tenantID, projectID, err := ResolveScope(req.Headers, agent)
	if err != nil {
		return nil, err
	}

	modelName, _ := req.Body["model"].(string)
	if modelName == "" {
		modelName = c.router.DefaultModel()
	}
	route, err := c.router.Resolve(req.Endpoint, modelName)
	if err != nil {
		return nil, ledger.NewControlError(http.StatusForbidden, err.Error())
	}
	model, _ := c.router.Model(modelName)
	if tools, ok := req.Body["tools"].([]any); ok && len(tools) > 0 && !model.Capabilities.Tools {
		return nil, ledger.NewControlError(http.StatusBadRequest,
			fmt.Sprintf("Model '%s' does not support tools", modelName))
	}

	executionID, requestHash, err := DeriveExecutionID(
		agent.Name, req.Endpoint, req.Body,
		req.Headers.Get(HeaderIdempotencyKey),
		req.Headers.Get(HeaderStepID),
		req.ExplicitExecutionID,
	)
	if err != nil {
		return nil, err
	}

	base := Result{
		ExecutionID: executionID,
		RequestHash: requestHash,
		Route:       route,
		RequestBody: req.Body,
		TenantID:    tenantID,
		ProjectID:   projectID,
	}

	cached, err := c.ledger.GetExecution(ctx, executionID)
	if err != nil {
		return nil, err
	}
	if cached != nil && cached.RequestHash != "" && cached.RequestHash != requestHash {
		return nil, &ledger.ControlError{
			Status:     http.StatusConflict,
			Detail:     "Idempotency conflict: execution_id is already bound to a different request hash",
			ReasonCode: "IDEMPOTENCY_CONFLICT",
		}
	}
	if cached != nil {
		if cached.State.Terminal() {
			return replayResult(base, policy.CacheDecision(), cached), nil
		}
		// A sibling holds this id and is still running. Wait briefly for its
		// terminal result rather than double-dispatching.
		awaited, err := c.ledger.AwaitTerminal(ctx, executionID, c.idempotencyWait, c.idempotencyPoll)
		if err != nil {
			return nil, err
		}
		if awaited != nil {
			return replayResult(base, policy.CacheDecision(), awaited), nil
		}
		return nil, inProgressConflict(executionID)
	}

	if err := c.limiter.Check(ctx, agent, tenantID, projectID); err != nil {
		return nil, err
	}

	decision := c.policy.EvaluateRequest(agent, req.Body, modelName, req.Endpoint, executionID)
	if !decision.Allow {
		if err := c.ledger.RecordPolicyViolation(ctx, tenantID, projectID, executionID, agent.Name, decision.Reason, req.Endpoint); err != nil {
			return nil, fmt.Errorf("recording policy violation: %w", err)
		}
		return nil, &ledger.ControlError{
			Status:     http.StatusForbidden,
			Detail:     fmt.Sprintf("Policy violation: %s", decision.Reason),
			ReasonCode: "POLICY_VIOLATION",
		}
	}

	body := applyPatch(req.Body, decision.Patch)

	estimated, err := EstimateCost(req.Endpoint, body, model)
	if err != nil {
		return nil, err
	}

	reservation, err := c.ledger.Reserve(ctx, ledger.ReserveParams{
		Agent:          agent.Name,
		TenantID:       tenantID,
		ProjectID:      projectID,
		ExecutionID:    executionID,
		Endpoint:       req.Endpoint,
		RequestHash:    requestHash,
		EstimatedMicro: estimated,
		PolicyHash:     decision.DecisionHash,
		RouteHash:      route.RouteHash,
	})
	if err != nil {
		return nil, err
	}

	base.Policy = decision
	base.RequestBody = body
	base.EstimatedMicro = estimated

	if reservation.Reused && reservation.State == ledger.StateReserved {
		awaited, err := c.ledger.AwaitTerminal(ctx, executionID, c.idempotencyWait, c.idempotencyPoll)
		if err != nil {
			return nil, err
		}
		if awaited != nil {
			return replayResult(base, decision, awaited), nil
		}
		return nil, inProgressConflict(executionID)
	}
	if reservation.Reused && reservation.State.Terminal() {
		out := base
		out.IdempotentReplay = true
		out.CachedStatusCode = reservation.StatusCode
		out.CachedResponseBody = reservation.ResponseBody
		out.CachedErrorBody = reservation.ErrorBody
		return &out, nil
	}

	base.ExpiresAt = reservation.ExpiresAt
	return &base, nil
}

func replayResult(base Result, decision policy.Decision, cached *ledger.CachedExecution) *Result {
	out := base
	out.Policy = decision
	out.IdempotentReplay = true
	out.CachedStatusCode = int(cached.StatusCode.Int64)
	out.CachedResponseBody = cached.ResponseBody
	out.CachedErrorBody = cached.ErrorBody
	return &out
}

func inProgressConflict(executionID string) *ledger.ControlError {
	return &ledger.ControlError{
		Status:     http.StatusConflict,
		Detail:     fmt.Sprintf("Execution already in progress for idempotency key (%s)", executionID),
		ReasonCode: "EXECUTION_IN_PROGRESS",
	}
}

// applyPatch merges whitelisted policy patch keys over the request body in
// sorted key order.
func applyPatch(original, patch map[string]any) map[string]any {
	if len(patch) == 0 {
		return original
	}
	body := make(map[string]any, len(original)+len(patch))
	for k, v := range original {
		body[k] = v
	}
	keys := make([]string, 0, len(patch))
	for k := range patch {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	for _, k := range keys {
		if supportedPatchKeys[k] {
			body[k] = patch[k]
		}
	}
	return body
}
