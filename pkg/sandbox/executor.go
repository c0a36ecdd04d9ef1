package sandbox

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"

	"github.com/aexlabs/aex/pkg/codec"
	"github.com/aexlabs/aex/pkg/ledger"
)

// Runner executes a plugin under a capability token. The daemon only defines
// the seam; deployments supply the isolation mechanism.
type Runner interface {
	Run(ctx context.Context, plugin *PluginRecord, capabilityToken string, input map[string]any) (map[string]any, error)
}

// UnconfiguredRunner rejects every execution. Used when no runner backend is
// wired in.
type UnconfiguredRunner struct{}

func (UnconfiguredRunner) Run(context.Context, *PluginRecord, string, map[string]any) (map[string]any, error) {
	return nil, errors.New("no tool runner configured")
}

// Executor drives the tool execution flow: allowlist, idempotent
// reservation, capability minting, the runner call and settlement.
type Executor struct {
	ledger   *ledger.Ledger
	registry *Registry
	minter   *Minter
	runner   Runner
}

func NewExecutor(l *ledger.Ledger, registry *Registry, minter *Minter, runner Runner) *Executor {
	if runner == nil {
		runner = UnconfiguredRunner{}
	}
	return &Executor{ledger: l, registry: registry, minter: minter, runner: runner}
}

// ExecuteParams is one tool invocation request.
type ExecuteParams struct {
	Agent               *ledger.Agent
	TenantID            string
	ProjectID           string
	ToolName            string
	Arguments           any
	ExplicitExecutionID string
	IdempotencyKey      string
}

// ExecuteResult is the client-facing outcome, fresh or replayed.
type ExecuteResult struct {
	ExecutionID string
	ToolName    string
	StatusCode  int
	Result      any
	Stdout      any
	Stderr      any
	ErrorBody   map[string]any
}

// Execute runs one tool invocation end to end.
func (e *Executor) Execute(ctx context.Context, p ExecuteParams) (*ExecuteResult, error) {
	toolName := strings.TrimSpace(p.ToolName)
	if toolName == "" {
		return nil, ledger.NewControlError(http.StatusBadRequest, "tool_name is required")
	}
	if !e.toolAllowed(p.Agent, toolName) {
		return nil, ledger.NewControlError(http.StatusForbidden,
			fmt.Sprintf("Tool '%s' is not allowed for this agent", toolName))
	}

	argsJSON, err := codec.CanonicalJSON(argumentsOrEmpty(p.Arguments))
	if err != nil {
		return nil, ledger.NewControlError(http.StatusBadRequest, "Arguments are not serializable")
	}
	executionID := toolExecutionID(p.Agent.Name, toolName, argsJSON, p.ExplicitExecutionID, p.IdempotencyKey)
	requestHash := codec.StableHash(p.Agent.Name, "tool.execute.request", toolName, argsJSON)

	plugin, err := e.registry.GetEnabled(ctx, toolName)
	if err != nil {
		if errors.Is(err, ErrPluginNotFound) {
			return nil, ledger.NewControlError(http.StatusNotFound, err.Error())
		}
		return nil, err
	}
	manifest := plugin.ParseManifest()

	reservation, err := e.ledger.Reserve(ctx, ledger.ReserveParams{
		Agent:          p.Agent.Name,
		TenantID:       p.TenantID,
		ProjectID:      p.ProjectID,
		ExecutionID:    executionID,
		Endpoint:       "/v1/tools/execute",
		RequestHash:    requestHash,
		EstimatedMicro: manifest.CostMicro,
		PolicyHash:     codec.StableHash("tool.exec.policy", p.Agent.Name, toolName),
		RouteHash:      codec.StableHash("tool.exec.route", toolName),
	})
	if err != nil {
		return nil, err
	}

	if reservation.Reused && reservation.State.Terminal() {
		return replayedResult(executionID, toolName, reservation), nil
	}
	if reservation.Reused && reservation.State == ledger.StateReserved {
		return nil, &ledger.ControlError{
			Status:     http.StatusConflict,
			Detail:     fmt.Sprintf("Tool execution already in progress (%s)", executionID),
			ReasonCode: "EXECUTION_IN_PROGRESS",
		}
	}

	capToken, err := e.minter.Mint(CapabilityToken{
		ExecutionID:    executionID,
		Agent:          p.Agent.Name,
		ToolName:       toolName,
		AllowedFS:      manifest.AllowedFS,
		NetPolicy:      manifest.NetPolicy,
		TTL:            manifest.TTL,
		MaxOutputBytes: manifest.MaxOutputBytes,
	})
	if err != nil {
		return nil, fmt.Errorf("minting capability token: %w", err)
	}
	e.ledger.MarkDispatched(ctx, executionID)

	output, err := e.runner.Run(ctx, plugin, capToken, inputPayload(p.Arguments))
	if err != nil {
		reason := fmt.Sprintf("Tool execution failed: %v", err)
		if relErr := e.ledger.Release(ctx, p.Agent.Name, executionID, manifest.CostMicro, reason, http.StatusBadRequest); relErr != nil {
			return nil, relErr
		}
		denied := map[string]any{"tool_name": toolName, "error": err.Error()}
		if auditErr := e.ledger.RecordAudit(ctx, p.TenantID, p.ProjectID, executionID, p.Agent.Name,
			"tool.exec.denied", denied, "TOOL_EXEC_DENIED", 0, denied); auditErr != nil {
			return nil, auditErr
		}
		return nil, ledger.NewControlError(http.StatusBadRequest, reason)
	}

	responseBody := map[string]any{
		"tool_name": toolName,
		"result":    output["result"],
		"stdout":    output["stdout"],
		"stderr":    output["stderr"],
	}
	if err := e.ledger.Commit(ctx, ledger.CommitParams{
		Agent:          p.Agent.Name,
		ExecutionID:    executionID,
		EstimatedMicro: manifest.CostMicro,
		ActualMicro:    manifest.CostMicro,
		ModelName:      "tool:" + toolName,
		ResponseBody:   responseBody,
	}); err != nil {
		return nil, err
	}
	if err := e.ledger.RecordAudit(ctx, p.TenantID, p.ProjectID, executionID, p.Agent.Name,
		"tool.exec", map[string]any{"tool_name": toolName, "cost_micro": manifest.CostMicro},
		"TOOL_EXEC", 0, map[string]any{"tool_name": toolName, "execution_id": executionID, "cost_micro": manifest.CostMicro}); err != nil {
		return nil, err
	}

	return &ExecuteResult{
		ExecutionID: executionID,
		ToolName:    toolName,
		StatusCode:  http.StatusOK,
		Result:      output["result"],
		Stdout:      output["stdout"],
		Stderr:      output["stderr"],
	}, nil
}

func (e *Executor) toolAllowed(agent *ledger.Agent, toolName string) bool {
	if !agent.AllowTools {
		return false
	}
	allowed := agent.AllowedToolList()
	if allowed == nil {
		return true
	}
	return containsString(allowed, toolName)
}

// toolExecutionID: explicit id, then idempotency key, then the canonical
// argument hash.
func toolExecutionID(agent, toolName, argsJSON, explicit, idempotencyKey string) string {
	if forced := strings.TrimSpace(explicit); forced != "" {
		return forced
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		return codec.StableHash(agent, "tool.execute", toolName, key)
	}
	return codec.StableHash(agent, "tool.execute", toolName, argsJSON)
}

func replayedResult(executionID, toolName string, reservation *ledger.ReservationDecision) *ExecuteResult {
	status := reservation.StatusCode
	if status == 0 {
		status = http.StatusOK
	}
	out := &ExecuteResult{
		ExecutionID: executionID,
		ToolName:    toolName,
		StatusCode:  status,
	}
	if status >= 400 {
		out.ErrorBody = reservation.ErrorBody
		if out.ErrorBody == nil {
			out.ErrorBody = map[string]any{"detail": "cached tool execution error"}
		}
		return out
	}
	if body := reservation.ResponseBody; body != nil {
		out.Result = body["result"]
		out.Stdout = body["stdout"]
		out.Stderr = body["stderr"]
	}
	return out
}

// inputPayload normalizes arbitrary arguments into the map shape runners
// receive.
func inputPayload(arguments any) map[string]any {
	switch v := arguments.(type) {
	case map[string]any:
		return v
	case []any:
		return map[string]any{"items": v}
	}
	return map[string]any{"value": arguments}
}

func argumentsOrEmpty(arguments any) any {
	if arguments == nil {
		return map[string]any{}
	}
	return arguments
}
