package ledger

import (
	"context"
	"fmt"
	"strings"
)

// InvariantResult is one deterministic integrity check over the database.
// Checks never mutate state.
type InvariantResult struct {
	Name   string `json:"name"`
	Passed bool   `json:"passed"`
	Detail string `json:"detail,omitempty"`
}

// CheckInvariants runs the full invariant suite.
func (l *Ledger) CheckInvariants(ctx context.Context) ([]InvariantResult, error) {
	checks := []func(context.Context) (InvariantResult, error){
		l.checkSpentWithinBudget,
		l.checkNoNegativeValues,
		l.checkReservedMatchesReservations,
		l.checkUsageEventsNonNegative,
		l.checkSpentMatchesEvents,
		l.checkChainValid,
	}
	results := make([]InvariantResult, 0, len(checks))
	for _, check := range checks {
		r, err := check(ctx)
		if err != nil {
			return nil, err
		}
		results = append(results, r)
	}
	return results, nil
}

// CheckStartupGate runs the minimal integrity gate executed before serving:
// spend within budget and no negative counters.
func (l *Ledger) CheckStartupGate(ctx context.Context) ([]InvariantResult, error) {
	first, err := l.checkSpentWithinBudget(ctx)
	if err != nil {
		return nil, err
	}
	second, err := l.checkNoNegativeValues(ctx)
	if err != nil {
		return nil, err
	}
	return []InvariantResult{first, second}, nil
}

func (l *Ledger) checkSpentWithinBudget(ctx context.Context) (InvariantResult, error) {
	violations, err := l.collectViolations(ctx, `
		SELECT name || ': spent=' || spent_micro || ' > budget=' || budget_micro
		FROM agents WHERE spent_micro > budget_micro`)
	if err != nil {
		return InvariantResult{}, fmt.Errorf("spent_within_budget: %w", err)
	}
	return invariantFrom("spent_within_budget", violations), nil
}

func (l *Ledger) checkNoNegativeValues(ctx context.Context) (InvariantResult, error) {
	violations, err := l.collectViolations(ctx, `
		SELECT name || ': budget=' || budget_micro || ', spent=' || spent_micro || ', reserved=' || reserved_micro
		FROM agents
		WHERE budget_micro < 0 OR spent_micro < 0 OR reserved_micro < 0`)
	if err != nil {
		return InvariantResult{}, fmt.Errorf("no_negative_values: %w", err)
	}
	return invariantFrom("no_negative_values", violations), nil
}

func (l *Ledger) checkReservedMatchesReservations(ctx context.Context) (InvariantResult, error) {
	violations, err := l.collectViolations(ctx, `
		SELECT a.name || ': reserved_micro=' || a.reserved_micro || ', active_sum=' || COALESCE(r.total, 0)
		FROM agents a
		LEFT JOIN (
			SELECT agent, SUM(estimated_micro) AS total
			FROM reservations WHERE state = 'RESERVED'
			GROUP BY agent
		) r ON r.agent = a.name
		WHERE a.reserved_micro != COALESCE(r.total, 0)`)
	if err != nil {
		return InvariantResult{}, fmt.Errorf("reserved_matches_reservations: %w", err)
	}
	return invariantFrom("reserved_matches_reservations", violations), nil
}

func (l *Ledger) checkUsageEventsNonNegative(ctx context.Context) (InvariantResult, error) {
	violations, err := l.collectViolations(ctx, `
		SELECT 'event #' || id || ' agent=' || COALESCE(agent, '?') || ' cost=' || COALESCE(cost_micro::text, 'NULL')
		FROM events
		WHERE action = 'usage.commit' AND (cost_micro IS NULL OR cost_micro < 0)`)
	if err != nil {
		return InvariantResult{}, fmt.Errorf("usage_events_nonnegative: %w", err)
	}
	return invariantFrom("usage_events_nonnegative", violations), nil
}

func (l *Ledger) checkSpentMatchesEvents(ctx context.Context) (InvariantResult, error) {
	violations, err := l.collectViolations(ctx, `
		SELECT a.name || ': spent_micro=' || a.spent_micro || ', event_sum=' || COALESCE(e.total, 0)
		FROM agents a
		LEFT JOIN (
			SELECT agent, SUM(cost_micro) AS total
			FROM events WHERE action = 'usage.commit'
			GROUP BY agent
		) e ON e.agent = a.name
		WHERE a.spent_micro != COALESCE(e.total, 0)`)
	if err != nil {
		return InvariantResult{}, fmt.Errorf("spent_matches_events: %w", err)
	}
	return invariantFrom("spent_matches_events", violations), nil
}

func (l *Ledger) checkChainValid(ctx context.Context) (InvariantResult, error) {
	result, err := l.VerifyHashChain(ctx)
	if err != nil {
		return InvariantResult{}, fmt.Errorf("chain_valid: %w", err)
	}
	return InvariantResult{Name: "chain_valid", Passed: result.OK, Detail: detailUnlessOK(result)}, nil
}

func detailUnlessOK(r *ReplayResult) string {
	if r.OK {
		return ""
	}
	return r.Detail
}

func (l *Ledger) collectViolations(ctx context.Context, query string) ([]string, error) {
	rows, err := l.client.DB().QueryContext(ctx, query)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var violations []string
	for rows.Next() {
		var v string
		if err := rows.Scan(&v); err != nil {
			return nil, err
		}
		violations = append(violations, v)
	}
	return violations, rows.Err()
}

func invariantFrom(name string, violations []string) InvariantResult {
	if len(violations) == 0 {
		return InvariantResult{Name: name, Passed: true}
	}
	return InvariantResult{
		Name:   name,
		Passed: false,
		Detail: "Violations: " + strings.Join(violations, "; "),
	}
}
