package api

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/gin-gonic/gin"
)

// activitySnapshot builds the recent-activity view: newest executions,
// reservations and events with execution state counts.
func (s *Server) activitySnapshot(ctx context.Context, limit int) (gin.H, error) {
	if limit <= 0 || limit > 500 {
		limit = 40
	}

	executions, stateCounts, err := s.recentExecutions(ctx, limit)
	if err != nil {
		return nil, err
	}
	reservations, err := s.recentReservations(ctx, limit)
	if err != nil {
		return nil, err
	}
	events, err := s.ledger.RecentEvents(ctx, "", limit)
	if err != nil {
		return nil, err
	}
	compat, err := s.recentCompatEvents(ctx, limit)
	if err != nil {
		return nil, err
	}

	return gin.H{
		"execution_state_counts": stateCounts,
		"executions":             executions,
		"reservations":           reservations,
		"event_log":              events,
		"compat_events":          compat,
	}, nil
}

func (s *Server) recentExecutions(ctx context.Context, limit int) ([]gin.H, map[string]int, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT execution_id, tenant_id, project_id, agent, endpoint, state,
		       status_code, created_at, updated_at, terminal_at
		FROM executions
		ORDER BY COALESCE(updated_at, created_at) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, nil, fmt.Errorf("listing recent executions: %w", err)
	}
	defer rows.Close()

	var out []gin.H
	counts := map[string]int{}
	for rows.Next() {
		var executionID, tenantID, projectID, agent, endpoint, state string
		var statusCode sql.NullInt64
		var createdAt time.Time
		var updatedAt, terminalAt sql.NullTime
		if err := rows.Scan(&executionID, &tenantID, &projectID, &agent, &endpoint, &state,
			&statusCode, &createdAt, &updatedAt, &terminalAt); err != nil {
			return nil, nil, fmt.Errorf("scanning execution row: %w", err)
		}
		counts[state]++
		item := gin.H{
			"execution_id": executionID,
			"tenant_id":    tenantID,
			"project_id":   projectID,
			"agent":        agent,
			"endpoint":     endpoint,
			"state":        state,
			"created_at":   createdAt.UTC().Format(time.RFC3339),
		}
		if statusCode.Valid {
			item["status_code"] = statusCode.Int64
		}
		if updatedAt.Valid {
			item["updated_at"] = updatedAt.Time.UTC().Format(time.RFC3339)
		}
		if terminalAt.Valid {
			item["terminal_at"] = terminalAt.Time.UTC().Format(time.RFC3339)
		}
		out = append(out, item)
	}
	return out, counts, rows.Err()
}

func (s *Server) recentReservations(ctx context.Context, limit int) ([]gin.H, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT execution_id, tenant_id, project_id, agent, estimated_micro,
		       COALESCE(actual_micro, 0), state, reserved_at, settled_at, expiry_at
		FROM reservations
		ORDER BY COALESCE(settled_at, reserved_at) DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing recent reservations: %w", err)
	}
	defer rows.Close()

	var out []gin.H
	for rows.Next() {
		var executionID, tenantID, projectID, agent, state string
		var estimated, actual int64
		var reservedAt time.Time
		var settledAt, expiryAt sql.NullTime
		if err := rows.Scan(&executionID, &tenantID, &projectID, &agent,
			&estimated, &actual, &state, &reservedAt, &settledAt, &expiryAt); err != nil {
			return nil, fmt.Errorf("scanning reservation row: %w", err)
		}
		item := gin.H{
			"execution_id":    executionID,
			"tenant_id":       tenantID,
			"project_id":      projectID,
			"agent":           agent,
			"estimated_micro": estimated,
			"actual_micro":    actual,
			"state":           state,
			"reserved_at":     reservedAt.UTC().Format(time.RFC3339),
		}
		if settledAt.Valid {
			item["settled_at"] = settledAt.Time.UTC().Format(time.RFC3339)
		}
		if expiryAt.Valid {
			item["expiry_at"] = expiryAt.Time.UTC().Format(time.RFC3339)
		}
		out = append(out, item)
	}
	return out, rows.Err()
}

func (s *Server) recentCompatEvents(ctx context.Context, limit int) ([]gin.H, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT id, tenant_id, project_id, COALESCE(agent, ''), action, cost_micro, ts, COALESCE(metadata, '')
		FROM events
		ORDER BY id DESC
		LIMIT $1`, limit)
	if err != nil {
		return nil, fmt.Errorf("listing compat events: %w", err)
	}
	defer rows.Close()

	var out []gin.H
	for rows.Next() {
		var id int64
		var tenantID, projectID, agent, action, metadata string
		var costMicro int64
		var ts time.Time
		if err := rows.Scan(&id, &tenantID, &projectID, &agent, &action, &costMicro, &ts, &metadata); err != nil {
			return nil, fmt.Errorf("scanning compat event: %w", err)
		}
		item := gin.H{
			"id":         id,
			"tenant_id":  tenantID,
			"project_id": projectID,
			"agent":      agent,
			"action":     action,
			"cost_micro": costMicro,
			"timestamp":  ts.UTC().Format(time.RFC3339),
		}
		if metadata != "" {
			var parsed any
			if err := json.Unmarshal([]byte(metadata), &parsed); err == nil {
				item["metadata"] = parsed
			} else {
				item["metadata"] = metadata
			}
		}
		out = append(out, item)
	}
	return out, rows.Err()
}
