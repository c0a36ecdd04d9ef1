// Package recovery reconciles executions and reservations left non-terminal
// by crashes. The sweep runs once at startup and then periodically.
package recovery

import (
	"context"
	"database/sql"
	"fmt"
	"log/slog"
	"time"

	"github.com/aexlabs/aex/pkg/database"
	"github.com/aexlabs/aex/pkg/ledger"
	"github.com/aexlabs/aex/pkg/observability"
)

// Result summarizes one sweep pass.
type Result struct {
	Released int `json:"released"`
	Failed   int `json:"failed"`
	Scanned  int `json:"scanned"`
}

// Sweeper scans for stranded work and settles it through the ledger so every
// recovery action lands in the audit chain.
type Sweeper struct {
	client  *database.Client
	ledger  *ledger.Ledger
	metrics *observability.Metrics
	now     func() time.Time
}

func NewSweeper(client *database.Client, l *ledger.Ledger, metrics *observability.Metrics) *Sweeper {
	return &Sweeper{client: client, ledger: l, metrics: metrics, now: time.Now}
}

type candidate struct {
	executionID    string
	agent          string
	execState      string
	estimatedMicro int64
	resState       sql.NullString
	expiryAt       sql.NullTime
}

// Sweep recovers every non-terminal execution it can settle: expired RESERVED
// tickets are released, executions stranded without a reservation are failed.
func (s *Sweeper) Sweep(ctx context.Context) (Result, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT e.execution_id, e.agent, e.state,
		       COALESCE(r.estimated_micro, 0), r.state, r.expiry_at
		FROM executions e
		LEFT JOIN reservations r ON r.execution_id = e.execution_id
		WHERE e.state NOT IN ('COMMITTED', 'DENIED', 'RELEASED', 'FAILED')
		ORDER BY e.execution_id ASC`)
	if err != nil {
		return Result{}, fmt.Errorf("scanning non-terminal executions: %w", err)
	}
	defer rows.Close()

	var candidates []candidate
	for rows.Next() {
		var c candidate
		if err := rows.Scan(&c.executionID, &c.agent, &c.execState,
			&c.estimatedMicro, &c.resState, &c.expiryAt); err != nil {
			return Result{}, fmt.Errorf("scanning recovery candidate: %w", err)
		}
		candidates = append(candidates, c)
	}
	if err := rows.Err(); err != nil {
		return Result{}, err
	}

	result := Result{Scanned: len(candidates)}
	now := s.now().UTC()
	for _, c := range candidates {
		switch classify(c, now) {
		case actionRelease:
			err := s.ledger.Release(ctx, c.agent, c.executionID, c.estimatedMicro,
				"Recovered stale reservation", 504)
			if err != nil {
				slog.Warn("Failed to release stale reservation",
					"execution_id", c.executionID, "error", err)
				continue
			}
			result.Released++
			s.count("released")
		case actionFail:
			reason := "Missing reservation during recovery"
			if c.execState == "RESERVING" {
				reason = "Interrupted during reserving"
			}
			s.ledger.MarkFailed(ctx, c.executionID, reason, 500)
			result.Failed++
			s.count("failed")
		}
	}

	if result.Released > 0 || result.Failed > 0 {
		slog.Warn("Crash recovery sweep completed",
			"reservations_released", result.Released,
			"executions_failed", result.Failed,
			"scanned", result.Scanned)
	}
	return result, nil
}

type action int

const (
	actionNone action = iota
	actionRelease
	actionFail
)

// classify decides what a sweep does with one candidate. Live RESERVED
// tickets are left alone for the in-flight request to settle.
func classify(c candidate, now time.Time) action {
	if c.resState.Valid && c.resState.String == "RESERVED" {
		if c.expiryAt.Valid && now.After(c.expiryAt.Time) {
			return actionRelease
		}
		return actionNone
	}
	if c.resState.Valid {
		return actionNone
	}
	switch c.execState {
	case "RESERVING", "DISPATCHED", "RESPONSE_RECEIVED":
		return actionFail
	}
	return actionNone
}

func (s *Sweeper) count(kind string) {
	if s.metrics != nil {
		s.metrics.RecoverySweeps.WithLabelValues(kind).Inc()
	}
}
