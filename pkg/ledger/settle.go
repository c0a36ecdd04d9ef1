package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// CommitParams settles actual usage against a reservation.
type CommitParams struct {
	Agent            string
	ExecutionID      string
	EstimatedMicro   int64
	ActualMicro      int64
	PromptTokens     int64
	CompletionTokens int64
	ModelName        string
	ResponseBody     map[string]any
	StatusCode       int
}

// Commit settles usage exactly once. The reservation state CAS
// (RESERVED -> COMMITTED) is the at-most-once guard: a second commit for the
// same execution is a no-op, a commit racing a release fails loudly.
func (l *Ledger) Commit(ctx context.Context, p CommitParams) error {
	now := time.Now().UTC().Truncate(time.Second)
	if p.StatusCode == 0 {
		p.StatusCode = 200
	}

	var tenantScope string
	var committed bool

	err := l.client.WithTx(ctx, func(tx *sql.Tx) error {
		execution, err := getExecutionScopeTx(tx, p.ExecutionID)
		if err != nil {
			return err
		}
		if execution == nil {
			return fmt.Errorf("%w: %s", ErrExecutionNotFound, p.ExecutionID)
		}
		tenantScope = execution.TenantID

		if execution.State == StateCommitted {
			return nil
		}

		res, err := tx.Exec(`
			UPDATE reservations
			SET state = 'COMMITTED', actual_micro = $1, settled_at = $2
			WHERE execution_id = $3 AND state = 'RESERVED'`,
			p.ActualMicro, now, p.ExecutionID)
		if err != nil {
			return fmt.Errorf("reservation CAS: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			existing, err := getReservationTx(tx, p.ExecutionID)
			if err != nil {
				return err
			}
			if existing != nil && existing.State == ReservationCommitted {
				return nil
			}
			return fmt.Errorf("%w: refusing duplicate settlement for %s", ErrSettlementConflict, p.ExecutionID)
		}

		if _, err := tx.Exec(`
			UPDATE agents
			SET reserved_micro = GREATEST(0::bigint, reserved_micro - $1::bigint),
			    spent_micro = spent_micro + $2,
			    tokens_used_prompt = tokens_used_prompt + $3,
			    tokens_used_completion = tokens_used_completion + $4,
			    last_activity = NOW()
			WHERE name = $5`,
			p.EstimatedMicro, p.ActualMicro, p.PromptTokens, p.CompletionTokens, p.Agent); err != nil {
			return fmt.Errorf("applying spend: %w", err)
		}

		if total := p.PromptTokens + p.CompletionTokens; total > 0 {
			if _, err := tx.Exec(`
				UPDATE rate_windows
				SET tokens_count = tokens_count + $1
				WHERE agent = $2`,
				total, p.Agent); err != nil {
				return fmt.Errorf("updating token window: %w", err)
			}
		}

		var responseText any
		if p.ResponseBody != nil {
			raw, err := json.Marshal(p.ResponseBody)
			if err != nil {
				return fmt.Errorf("encoding response body: %w", err)
			}
			responseText = string(raw)
		}
		if _, err := tx.Exec(`
			UPDATE executions
			SET state = $1, status_code = $2, response_body = $3, error_body = NULL,
			    updated_at = $4, terminal_at = $4
			WHERE execution_id = $5`,
			string(StateCommitted), p.StatusCode, responseText, now, p.ExecutionID); err != nil {
			return fmt.Errorf("marking execution committed: %w", err)
		}

		payload := map[string]any{
			"cost_micro":        p.ActualMicro,
			"estimated_micro":   p.EstimatedMicro,
			"prompt_tokens":     p.PromptTokens,
			"completion_tokens": p.CompletionTokens,
			"model":             nullable(p.ModelName),
		}
		if err := appendChainEvent(tx, execution.TenantID, execution.ProjectID, p.ExecutionID, p.Agent, "usage.commit", payload); err != nil {
			return err
		}
		if err := appendCompatEvent(tx, execution.TenantID, execution.ProjectID, p.Agent, "usage.commit", p.ActualMicro, p.ModelName); err != nil {
			return err
		}
		if err := syncBudgetScope(tx, p.Agent, execution.TenantID, execution.ProjectID); err != nil {
			return err
		}
		committed = true
		return nil
	})

	if err != nil {
		slog.Error("Accounting integrity failure during commit",
			"agent", p.Agent, "execution_id", p.ExecutionID, "error", err, "integrity", true)
		return fmt.Errorf("commit: %w", err)
	}

	if committed {
		l.notify(ctx, tenantScope, "budget.committed", p.ExecutionID, map[string]any{
			"agent":             p.Agent,
			"estimated_micro":   p.EstimatedMicro,
			"actual_micro":      p.ActualMicro,
			"prompt_tokens":     p.PromptTokens,
			"completion_tokens": p.CompletionTokens,
			"model":             p.ModelName,
		})
	}
	return nil
}

// Release returns a reservation's hold on failed dispatch paths. Idempotent:
// executions already COMMITTED or RELEASED are left untouched.
func (l *Ledger) Release(ctx context.Context, agent, executionID string, estimatedMicro int64, reason string, statusCode int) error {
	now := time.Now().UTC().Truncate(time.Second)
	if statusCode == 0 {
		statusCode = 502
	}
	errorPayload := map[string]any{"detail": reason}

	var tenantScope string
	var released bool

	err := l.client.WithTx(ctx, func(tx *sql.Tx) error {
		execution, err := getExecutionScopeTx(tx, executionID)
		if err != nil {
			return err
		}
		if execution == nil {
			return nil
		}
		tenantScope = execution.TenantID

		if execution.State == StateCommitted || execution.State == StateReleased {
			return nil
		}

		res, err := tx.Exec(`
			UPDATE reservations
			SET state = 'RELEASED', settled_at = $1
			WHERE execution_id = $2 AND state = 'RESERVED'`,
			now, executionID)
		if err != nil {
			return fmt.Errorf("reservation CAS: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows > 0 {
			if _, err := tx.Exec(
				`UPDATE agents SET reserved_micro = GREATEST(0::bigint, reserved_micro - $1::bigint) WHERE name = $2`,
				estimatedMicro, agent); err != nil {
				return fmt.Errorf("decrementing reserved counter: %w", err)
			}
		}

		errorJSON, _ := json.Marshal(errorPayload)
		if _, err := tx.Exec(`
			UPDATE executions
			SET state = $1, status_code = $2, error_body = $3, updated_at = $4, terminal_at = $4
			WHERE execution_id = $5`,
			string(StateReleased), statusCode, string(errorJSON), now, executionID); err != nil {
			return fmt.Errorf("marking execution released: %w", err)
		}

		if err := appendChainEvent(tx, execution.TenantID, execution.ProjectID, executionID, agent, "reservation.release",
			map[string]any{"reason": reason, "estimated_micro": estimatedMicro}); err != nil {
			return err
		}
		if err := appendCompatEvent(tx, execution.TenantID, execution.ProjectID, agent, "reservation.release", 0,
			map[string]any{"reason": reason, "execution_id": executionID}); err != nil {
			return err
		}
		if err := syncBudgetScope(tx, agent, execution.TenantID, execution.ProjectID); err != nil {
			return err
		}
		released = true
		return nil
	})

	if err != nil {
		slog.Error("Failed to release reservation", "agent", agent, "execution_id", executionID, "error", err)
		return fmt.Errorf("release: %w", err)
	}

	if released {
		l.notify(ctx, tenantScope, "budget.released", executionID, map[string]any{
			"agent":           agent,
			"reason":          reason,
			"estimated_micro": estimatedMicro,
			"status_code":     statusCode,
		})
	}
	return nil
}

// MarkDispatched records that the request left for the upstream provider.
// Terminal executions are left untouched; unknown ids are ignored.
func (l *Ledger) MarkDispatched(ctx context.Context, executionID string) {
	now := time.Now().UTC().Truncate(time.Second)
	err := l.client.WithTx(ctx, func(tx *sql.Tx) error {
		execution, err := getExecutionScopeTx(tx, executionID)
		if err != nil {
			return err
		}
		if execution == nil || execution.State.Terminal() {
			return nil
		}
		if _, err := tx.Exec(
			`UPDATE executions SET state = $1, updated_at = $2 WHERE execution_id = $3`,
			string(StateDispatched), now, executionID); err != nil {
			return fmt.Errorf("marking dispatched: %w", err)
		}
		return appendChainEvent(tx, execution.TenantID, execution.ProjectID, executionID, execution.Agent,
			"execution.dispatched", map[string]any{"state": string(StateDispatched)})
	})
	if err != nil {
		slog.Warn("Unable to mark dispatched", "execution_id", executionID, "error", err)
	}
}

// MarkFailed transitions an execution to FAILED when no reservation exists
// to release. Terminal executions are left untouched.
func (l *Ledger) MarkFailed(ctx context.Context, executionID, reason string, statusCode int) {
	now := time.Now().UTC().Truncate(time.Second)
	if statusCode == 0 {
		statusCode = 500
	}

	var tenantScope string
	var failed bool

	err := l.client.WithTx(ctx, func(tx *sql.Tx) error {
		execution, err := getExecutionScopeTx(tx, executionID)
		if err != nil {
			return err
		}
		if execution == nil || execution.State.Terminal() {
			return nil
		}
		tenantScope = execution.TenantID

		errorJSON, _ := json.Marshal(map[string]any{"detail": reason})
		if _, err := tx.Exec(`
			UPDATE executions
			SET state = $1, status_code = $2, error_body = $3, updated_at = $4, terminal_at = $4
			WHERE execution_id = $5`,
			string(StateFailed), statusCode, string(errorJSON), now, executionID); err != nil {
			return fmt.Errorf("marking failed: %w", err)
		}
		if err := appendChainEvent(tx, execution.TenantID, execution.ProjectID, executionID, execution.Agent,
			"execution.failed", map[string]any{"reason": reason, "status_code": statusCode}); err != nil {
			return err
		}
		if err := appendCompatEvent(tx, execution.TenantID, execution.ProjectID, execution.Agent, "execution.failed", 0,
			map[string]any{"reason": reason, "status_code": statusCode}); err != nil {
			return err
		}
		failed = true
		return nil
	})
	if err != nil {
		slog.Error("Failed to mark execution failed", "execution_id", executionID, "error", err)
		return
	}

	if failed {
		l.notify(ctx, tenantScope, "execution.failed", executionID, map[string]any{
			"reason": reason, "status_code": statusCode,
		})
	}
}

// executionScope is the minimal execution projection used by settlement.
type executionScope struct {
	State     ExecutionState
	Agent     string
	TenantID  string
	ProjectID string
}

func getExecutionScopeTx(tx *sql.Tx, executionID string) (*executionScope, error) {
	row := tx.QueryRow(`
		SELECT state, agent,
		       COALESCE(NULLIF(tenant_id, ''), $2) AS tenant_id,
		       COALESCE(NULLIF(project_id, ''), $3) AS project_id
		FROM executions
		WHERE execution_id = $1`,
		executionID, DefaultTenantID, DefaultProjectID)

	var e executionScope
	var state string
	err := row.Scan(&state, &e.Agent, &e.TenantID, &e.ProjectID)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading execution scope %s: %w", executionID, err)
	}
	e.State = ExecutionState(state)
	return &e, nil
}
