package ledger

import (
	"context"
	"database/sql"
	"fmt"
)

// reservationRow mirrors one reservations record.
type reservationRow struct {
	ExecutionID    string
	Agent          string
	EstimatedMicro int64
	ActualMicro    int64
	State          string
	ExpiryAt       sql.NullTime
}

// lockAgent reads the agent row FOR UPDATE, serializing all budget
// mutations for that agent within the surrounding transaction.
func lockAgent(tx *sql.Tx, name string) (*Agent, error) {
	row := tx.QueryRow(`
		SELECT name,
		       COALESCE(NULLIF(tenant_id, ''), $2) AS tenant_id,
		       COALESCE(NULLIF(project_id, ''), $3) AS project_id,
		       budget_micro, spent_micro, reserved_micro,
		       rpm_limit, max_tokens_per_minute, lifecycle_state
		FROM agents
		WHERE name = $1
		FOR UPDATE`,
		name, DefaultTenantID, DefaultProjectID)

	var a Agent
	err := row.Scan(&a.Name, &a.TenantID, &a.ProjectID,
		&a.BudgetMicro, &a.SpentMicro, &a.ReservedMicro,
		&a.RPMLimit, &a.MaxTokensPerMinute, &a.LifecycleState)
	if err == sql.ErrNoRows {
		return nil, &ControlError{Status: 404, Detail: "Agent not found", ReasonCode: "AGENT_NOT_FOUND"}
	}
	if err != nil {
		return nil, fmt.Errorf("locking agent %s: %w", name, err)
	}
	return &a, nil
}

func getExecutionTx(tx *sql.Tx, executionID string) (*CachedExecution, error) {
	row := tx.QueryRow(`
		SELECT state, status_code, response_body, error_body, COALESCE(request_hash, ''), agent
		FROM executions
		WHERE execution_id = $1`, executionID)

	var state string
	var statusCode sql.NullInt64
	var responseBody, errorBody sql.NullString
	var requestHash, agent string
	err := row.Scan(&state, &statusCode, &responseBody, &errorBody, &requestHash, &agent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading execution %s: %w", executionID, err)
	}
	return &CachedExecution{
		State:        ExecutionState(state),
		StatusCode:   statusCode,
		ResponseBody: jsonOrRaw(responseBody),
		ErrorBody:    jsonOrRaw(errorBody),
		RequestHash:  requestHash,
		Agent:        agent,
	}, nil
}

func getReservationTx(tx *sql.Tx, executionID string) (*reservationRow, error) {
	row := tx.QueryRow(`
		SELECT execution_id, agent, estimated_micro, actual_micro, state, expiry_at
		FROM reservations
		WHERE execution_id = $1`, executionID)

	var r reservationRow
	err := row.Scan(&r.ExecutionID, &r.Agent, &r.EstimatedMicro, &r.ActualMicro, &r.State, &r.ExpiryAt)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading reservation %s: %w", executionID, err)
	}
	return &r, nil
}

// syncBudgetScope materializes agent budget counters into the normalized
// budgets and quota_limits tables under the agent:<tenant>:<project>:<name>
// scope key.
func syncBudgetScope(tx *sql.Tx, agent, tenantID, projectID string) error {
	row := tx.QueryRow(`
		SELECT budget_micro, spent_micro, reserved_micro, rpm_limit, max_tokens_per_minute
		FROM agents WHERE name = $1`, agent)

	var budget, spent, reserved int64
	var rpmLimit int
	var tpmLimit sql.NullInt64
	if err := row.Scan(&budget, &spent, &reserved, &rpmLimit, &tpmLimit); err != nil {
		if err == sql.ErrNoRows {
			return nil
		}
		return fmt.Errorf("reading agent counters: %w", err)
	}

	scopeKey := fmt.Sprintf("agent:%s:%s:%s", tenantID, projectID, agent)
	if _, err := tx.Exec(`
		INSERT INTO budgets (
			budget_key, tenant_id, project_id, agent, scope_type, period,
			limit_micro, spent_micro, reserved_micro
		) VALUES ($1, $2, $3, $4, 'AGENT', 'TOTAL', $5, $6, $7)
		ON CONFLICT (budget_key) DO UPDATE SET
			limit_micro = EXCLUDED.limit_micro,
			spent_micro = EXCLUDED.spent_micro,
			reserved_micro = EXCLUDED.reserved_micro,
			version = budgets.version + 1`,
		scopeKey, tenantID, projectID, agent, budget, spent, reserved); err != nil {
		return fmt.Errorf("syncing budget scope: %w", err)
	}

	if _, err := tx.Exec(`
		INSERT INTO quota_limits (scope_key, tenant_id, project_id, agent, rpm_limit, tpm_limit)
		VALUES ($1, $2, $3, $4, $5, $6)
		ON CONFLICT (scope_key) DO UPDATE SET
			rpm_limit = EXCLUDED.rpm_limit,
			tpm_limit = EXCLUDED.tpm_limit,
			updated_at = NOW()`,
		scopeKey, tenantID, projectID, agent, rpmLimit, tpmLimit); err != nil {
		return fmt.Errorf("syncing quota scope: %w", err)
	}
	return nil
}

// GetExecution returns the stored execution record, or nil when unknown.
func (l *Ledger) GetExecution(ctx context.Context, executionID string) (*CachedExecution, error) {
	row := l.client.DB().QueryRowContext(ctx, `
		SELECT state, status_code, response_body, error_body, COALESCE(request_hash, ''), agent
		FROM executions
		WHERE execution_id = $1`, executionID)

	var state string
	var statusCode sql.NullInt64
	var responseBody, errorBody sql.NullString
	var requestHash, agent string
	err := row.Scan(&state, &statusCode, &responseBody, &errorBody, &requestHash, &agent)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading execution %s: %w", executionID, err)
	}
	return &CachedExecution{
		State:        ExecutionState(state),
		StatusCode:   statusCode,
		ResponseBody: jsonOrRaw(responseBody),
		ErrorBody:    jsonOrRaw(errorBody),
		RequestHash:  requestHash,
		Agent:        agent,
	}, nil
}

// SettlementView is the execution/reservation join used by the external
// settlement surface.
type SettlementView struct {
	Agent            string
	ExecutionState   ExecutionState
	ReservationState sql.NullString
	EstimatedMicro   int64
}

// GetSettlementView returns settlement state for one execution, or nil when
// the execution is unknown.
func (l *Ledger) GetSettlementView(ctx context.Context, executionID string) (*SettlementView, error) {
	row := l.client.DB().QueryRowContext(ctx, `
		SELECT e.agent, e.state, r.state, COALESCE(r.estimated_micro, 0)
		FROM executions e
		LEFT JOIN reservations r ON r.execution_id = e.execution_id
		WHERE e.execution_id = $1`, executionID)

	var agentName, execState string
	var resState sql.NullString
	var estimated int64
	err := row.Scan(&agentName, &execState, &resState, &estimated)
	if err == sql.ErrNoRows {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("reading settlement view %s: %w", executionID, err)
	}
	return &SettlementView{
		Agent:            agentName,
		ExecutionState:   ExecutionState(execState),
		ReservationState: resState,
		EstimatedMicro:   estimated,
	}, nil
}
