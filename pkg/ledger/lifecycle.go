package ledger

import (
	"context"
	"database/sql"
	"fmt"
	"net/http"

	"github.com/aexlabs/aex/pkg/lifecycle"
)

// LifecycleTransition records one applied FSM edge.
type LifecycleTransition struct {
	Agent     string `json:"agent"`
	FromState string `json:"from_state"`
	ToState   string `json:"to_state"`
	Reason    string `json:"reason"`
}

// TransitionLifecycle applies a validated lifecycle edge under the agent row
// lock and appends the transition to the event chain.
func (l *Ledger) TransitionLifecycle(ctx context.Context, agent, toState, reason string) (*LifecycleTransition, error) {
	toState = lifecycle.Normalize(toState)
	if !lifecycle.IsState(toState) {
		return nil, NewControlError(http.StatusBadRequest, fmt.Sprintf("Invalid target state '%s'", toState))
	}

	var transition *LifecycleTransition
	err := l.client.WithTx(ctx, func(tx *sql.Tx) error {
		locked, err := lockAgent(tx, agent)
		if err != nil {
			return err
		}
		fromState := lifecycle.Normalize(locked.LifecycleState)
		if fromState == "" {
			fromState = lifecycle.Ready
		}
		if !lifecycle.CanTransition(fromState, toState) {
			return &ControlError{
				Status:     http.StatusConflict,
				Detail:     fmt.Sprintf("Transition not allowed: %s -> %s", fromState, toState),
				ReasonCode: "LIFECYCLE_TRANSITION_DENIED",
			}
		}

		if _, err := tx.Exec(`
			UPDATE agents
			SET lifecycle_state = $1, lifecycle_reason = $2, last_activity = NOW()
			WHERE name = $3`,
			toState, reason, agent); err != nil {
			return fmt.Errorf("updating lifecycle state: %w", err)
		}

		payload := map[string]any{"from": fromState, "to": toState, "reason": reason}
		if err := appendChainEvent(tx, locked.TenantID, locked.ProjectID, "", agent, "agent.state.transition", payload); err != nil {
			return err
		}
		if err := appendCompatEvent(tx, locked.TenantID, locked.ProjectID, agent, "AGENT_STATE", 0, payload); err != nil {
			return err
		}

		transition = &LifecycleTransition{Agent: agent, FromState: fromState, ToState: toState, Reason: reason}
		return nil
	})
	if err != nil {
		if ce, ok := AsControlError(err); ok {
			return nil, ce
		}
		return nil, fmt.Errorf("lifecycle transition: %w", err)
	}
	return transition, nil
}
