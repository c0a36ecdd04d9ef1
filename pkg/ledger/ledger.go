package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aexlabs/aex/pkg/database"
)

// Notifier receives budget lifecycle notifications after a settlement
// transaction commits. Delivery is best-effort and must never block or fail
// the financial path.
type Notifier interface {
	Notify(ctx context.Context, tenantID, eventType, executionID string, payload map[string]any)
}

// Ledger performs all budget mutations. Every operation runs in a single
// transaction with the agent row locked FOR UPDATE, and appends its chain
// events before committing.
type Ledger struct {
	client   *database.Client
	notifier Notifier

	// ReservationTTL bounds how long a reservation may stay unsettled
	// before the recovery sweep releases it.
	ReservationTTL time.Duration
}

// New creates a Ledger. notifier may be nil.
func New(client *database.Client, notifier Notifier) *Ledger {
	return &Ledger{
		client:         client,
		notifier:       notifier,
		ReservationTTL: 180 * time.Second,
	}
}

// Client exposes the underlying database client to collaborating packages
// (recovery sweep, observability queries).
func (l *Ledger) Client() *database.Client { return l.client }

func (l *Ledger) notify(ctx context.Context, tenantID, eventType, executionID string, payload map[string]any) {
	if l.notifier == nil {
		return
	}
	l.notifier.Notify(ctx, tenantID, eventType, executionID, payload)
}

// ReserveParams carries one admission decision into the ledger.
type ReserveParams struct {
	Agent          string
	TenantID       string
	ProjectID      string
	ExecutionID    string
	Endpoint       string
	RequestHash    string
	EstimatedMicro int64
	PolicyHash     string
	RouteHash      string
}

// Reserve places an idempotent budget hold. Exactly one outcome:
//   - a fresh reservation (Reserved=true)
//   - a reused prior terminal result or sibling reservation (Reused=true)
//   - a denial or conflict, returned as *ControlError
func (l *Ledger) Reserve(ctx context.Context, p ReserveParams) (*ReservationDecision, error) {
	now := time.Now().UTC().Truncate(time.Second)
	expiry := now.Add(l.ReservationTTL)

	var decision *ReservationDecision
	var denial *ControlError
	var notifyEvent string
	var notifyPayload map[string]any
	var tenantScope, projectScope string

	err := l.client.WithTx(ctx, func(tx *sql.Tx) error {
		agent, err := lockAgent(tx, p.Agent)
		if err != nil {
			return err
		}
		tenantScope, projectScope = agent.TenantID, agent.ProjectID

		if p.TenantID != "" && tenantScope != p.TenantID {
			return NewControlError(http.StatusForbidden, "Agent is not mapped to requested tenant")
		}
		if p.ProjectID != "" && projectScope != p.ProjectID {
			return NewControlError(http.StatusForbidden, "Agent is not mapped to requested project")
		}
		if agent.LifecycleState != "READY" {
			return &ControlError{
				Status:     http.StatusLocked,
				Detail:     fmt.Sprintf("Agent state is %s; execution blocked", agent.LifecycleState),
				ReasonCode: "LIFECYCLE_LOCKED",
			}
		}

		existing, err := getExecutionTx(tx, p.ExecutionID)
		if err != nil {
			return err
		}
		existingReservation, err := getReservationTx(tx, p.ExecutionID)
		if err != nil {
			return err
		}

		if existing != nil && existing.RequestHash != "" && existing.RequestHash != p.RequestHash {
			return &ControlError{
				Status:     http.StatusConflict,
				Detail:     "Idempotency conflict: execution_id is already bound to a different request hash",
				ReasonCode: "IDEMPOTENCY_CONFLICT",
			}
		}

		if existing != nil && existing.State.Terminal() {
			decision = &ReservationDecision{
				ExecutionID:    p.ExecutionID,
				EstimatedMicro: p.EstimatedMicro,
				Reused:         true,
				State:          existing.State,
				StatusCode:     int(existing.StatusCode.Int64),
				ResponseBody:   existing.ResponseBody,
				ErrorBody:      existing.ErrorBody,
			}
			return nil
		}

		if existingReservation != nil && existingReservation.State == ReservationReserved {
			est := existingReservation.EstimatedMicro
			if est == 0 {
				est = p.EstimatedMicro
			}
			decision = &ReservationDecision{
				ExecutionID:    p.ExecutionID,
				EstimatedMicro: est,
				Reused:         true,
				State:          StateReserved,
				ExpiresAt:      existingReservation.ExpiryAt.Time,
			}
			return nil
		}

		if existing == nil {
			_, err = tx.Exec(`
				INSERT INTO executions (
					execution_id, tenant_id, project_id, agent, endpoint,
					request_hash, policy_hash, route_hash, state, created_at, updated_at
				) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $10)`,
				p.ExecutionID, tenantScope, projectScope, p.Agent, p.Endpoint,
				p.RequestHash, nullable(p.PolicyHash), nullable(p.RouteHash),
				string(StateReserving), now)
		} else {
			_, err = tx.Exec(`
				UPDATE executions
				SET tenant_id = $1, project_id = $2, endpoint = $3, request_hash = $4,
				    policy_hash = $5, route_hash = $6, updated_at = $7
				WHERE execution_id = $8`,
				tenantScope, projectScope, p.Endpoint, p.RequestHash,
				nullable(p.PolicyHash), nullable(p.RouteHash), now, p.ExecutionID)
		}
		if err != nil {
			return fmt.Errorf("upserting execution: %w", err)
		}

		remaining := agent.RemainingMicro()
		if p.EstimatedMicro > remaining {
			errorPayload := map[string]any{
				"detail":          "Insufficient budget",
				"estimated_micro": p.EstimatedMicro,
				"remaining_micro": remaining,
			}
			errorJSON, _ := json.Marshal(errorPayload)
			if _, err := tx.Exec(`
				UPDATE executions
				SET state = $1, status_code = 402, error_body = $2, updated_at = $3, terminal_at = $3
				WHERE execution_id = $4`,
				string(StateDenied), string(errorJSON), now, p.ExecutionID); err != nil {
				return fmt.Errorf("recording denial: %w", err)
			}
			if err := appendChainEvent(tx, tenantScope, projectScope, p.ExecutionID, p.Agent, "budget.deny", errorPayload); err != nil {
				return err
			}
			if err := appendCompatEvent(tx, tenantScope, projectScope, p.Agent, "budget.deny", 0, errorPayload); err != nil {
				return err
			}
			if err := syncBudgetScope(tx, p.Agent, tenantScope, projectScope); err != nil {
				return err
			}
			notifyEvent = "execution.denied"
			notifyPayload = map[string]any{
				"agent":           p.Agent,
				"endpoint":        p.Endpoint,
				"detail":          "Insufficient budget",
				"estimated_micro": p.EstimatedMicro,
				"remaining_micro": remaining,
			}
			// The denial is a committed ledger outcome: return nil so the
			// DENIED execution and its events persist, and surface the 402
			// after the transaction closes.
			denial = &ControlError{
				Status:     http.StatusPaymentRequired,
				Detail:     "Insufficient budget",
				ReasonCode: "BUDGET_EXCEEDED",
				Extra: map[string]any{
					"estimated_micro": p.EstimatedMicro,
					"remaining_micro": remaining,
				},
			}
			return nil
		}

		res, err := tx.Exec(`
			INSERT INTO reservations (
				execution_id, tenant_id, project_id, agent, estimated_micro,
				actual_micro, state, reserved_at, expiry_at
			) VALUES ($1, $2, $3, $4, $5, 0, 'RESERVED', $6, $7)
			ON CONFLICT (execution_id) DO NOTHING`,
			p.ExecutionID, tenantScope, projectScope, p.Agent, p.EstimatedMicro, now, expiry)
		if err != nil {
			return fmt.Errorf("inserting reservation: %w", err)
		}
		if rows, _ := res.RowsAffected(); rows == 0 {
			decision = &ReservationDecision{
				ExecutionID:    p.ExecutionID,
				EstimatedMicro: p.EstimatedMicro,
				Reused:         true,
				State:          StateReserved,
			}
			return nil
		}

		if _, err := tx.Exec(
			`UPDATE agents SET reserved_micro = reserved_micro + $1 WHERE name = $2`,
			p.EstimatedMicro, p.Agent); err != nil {
			return fmt.Errorf("incrementing reserved counter: %w", err)
		}
		if _, err := tx.Exec(
			`UPDATE executions SET state = $1, updated_at = $2 WHERE execution_id = $3`,
			string(StateReserved), now, p.ExecutionID); err != nil {
			return fmt.Errorf("marking execution reserved: %w", err)
		}

		reservePayload := map[string]any{
			"estimated_micro": p.EstimatedMicro,
			"expiry_at":       expiry.Format(time.RFC3339),
		}
		if err := appendChainEvent(tx, tenantScope, projectScope, p.ExecutionID, p.Agent, "budget.reserve", reservePayload); err != nil {
			return err
		}
		if err := appendCompatEvent(tx, tenantScope, projectScope, p.Agent, "budget.reserve", 0,
			map[string]any{"estimated_micro": p.EstimatedMicro, "execution_id": p.ExecutionID}); err != nil {
			return err
		}
		if err := syncBudgetScope(tx, p.Agent, tenantScope, projectScope); err != nil {
			return err
		}

		notifyEvent = "budget.reserved"
		notifyPayload = map[string]any{
			"agent":           p.Agent,
			"execution_id":    p.ExecutionID,
			"estimated_micro": p.EstimatedMicro,
			"expiry_at":       expiry.Format(time.RFC3339),
		}
		decision = &ReservationDecision{
			ExecutionID:    p.ExecutionID,
			Reserved:       true,
			EstimatedMicro: p.EstimatedMicro,
			ExpiresAt:      expiry,
		}
		return nil
	})

	if err != nil {
		if ce, ok := AsControlError(err); ok {
			return nil, ce
		}
		slog.Error("Failed budget reservation", "agent", p.Agent, "execution_id", p.ExecutionID, "error", err)
		return nil, fmt.Errorf("reserve: %w", err)
	}

	if notifyEvent != "" {
		l.notify(ctx, tenantScope, notifyEvent, p.ExecutionID, notifyPayload)
	}
	if denial != nil {
		return nil, denial
	}
	return decision, nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
