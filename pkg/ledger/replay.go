package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"strings"

	"github.com/aexlabs/aex/pkg/codec"
)

// ReplayResult reports one audit pass: chain verification or balance replay.
type ReplayResult struct {
	OK       bool   `json:"ok"`
	Detail   string `json:"detail"`
	Expected string `json:"expected,omitempty"`
	Observed string `json:"observed,omitempty"`
}

// VerifyHashChain recomputes every event hash per partition and reports the
// first deviation.
func (l *Ledger) VerifyHashChain(ctx context.Context) (*ReplayResult, error) {
	rows, err := l.client.DB().QueryContext(ctx, `
		SELECT seq, chain_partition, COALESCE(execution_id, ''), event_type, payload_json, prev_hash, event_hash
		FROM event_log
		ORDER BY chain_partition ASC, seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	defer rows.Close()

	prevByPartition := make(map[string]string)
	count := 0
	for rows.Next() {
		var seq int64
		var partition, executionID, eventType, payloadJSON, prevHash, eventHash string
		if err := rows.Scan(&seq, &partition, &executionID, &eventType, &payloadJSON, &prevHash, &eventHash); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if partition == "" {
			partition = DefaultTenantID
		}
		prev, ok := prevByPartition[partition]
		if !ok {
			prev = GenesisHash
		}
		expected := codec.StableHash(prev, eventType, executionID, payloadJSON)
		if prevHash != prev {
			return &ReplayResult{
				OK:       false,
				Detail:   fmt.Sprintf("prev_hash mismatch at partition=%s seq=%d", partition, seq),
				Expected: prev,
				Observed: prevHash,
			}, nil
		}
		if eventHash != expected {
			return &ReplayResult{
				OK:       false,
				Detail:   fmt.Sprintf("event_hash mismatch at partition=%s seq=%d", partition, seq),
				Expected: expected,
				Observed: eventHash,
			}, nil
		}
		prevByPartition[partition] = eventHash
		count++
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event log: %w", err)
	}
	return &ReplayResult{OK: true, Detail: fmt.Sprintf("hash chain verified for %d events", count)}, nil
}

type balanceState struct {
	SpentMicro    int64
	ReservedMicro int64
}

// ReplayBalances folds the event log into per-agent spend and reservation
// deltas and compares them against the materialized agent counters.
func (l *Ledger) ReplayBalances(ctx context.Context) (*ReplayResult, error) {
	rows, err := l.client.DB().QueryContext(ctx, `
		SELECT COALESCE(agent, ''), event_type, payload_json
		FROM event_log
		ORDER BY seq ASC`)
	if err != nil {
		return nil, fmt.Errorf("reading event log: %w", err)
	}
	defer rows.Close()

	replayed := make(map[string]*balanceState)
	for rows.Next() {
		var agent, eventType, payloadJSON string
		if err := rows.Scan(&agent, &eventType, &payloadJSON); err != nil {
			return nil, fmt.Errorf("scanning event row: %w", err)
		}
		if agent == "" {
			continue
		}
		state, ok := replayed[agent]
		if !ok {
			state = &balanceState{}
			replayed[agent] = state
		}

		var payload map[string]any
		if err := json.Unmarshal([]byte(payloadJSON), &payload); err != nil {
			return nil, fmt.Errorf("parsing payload at agent %s: %w", agent, err)
		}

		switch eventType {
		case "budget.reserve":
			state.ReservedMicro += payloadInt64(payload, "estimated_micro")
		case "usage.commit":
			state.SpentMicro += payloadInt64(payload, "cost_micro")
			// Commit settles the reservation by its estimated amount; a
			// missing estimate clamps at zero.
			if est := payloadInt64(payload, "estimated_micro"); est > 0 {
				state.ReservedMicro = max64(0, state.ReservedMicro-est)
			}
		case "reservation.release":
			if est := payloadInt64(payload, "estimated_micro"); est > 0 {
				state.ReservedMicro = max64(0, state.ReservedMicro-est)
			}
		}
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterating event log: %w", err)
	}

	agentRows, err := l.client.DB().QueryContext(ctx,
		`SELECT name, spent_micro, reserved_micro FROM agents`)
	if err != nil {
		return nil, fmt.Errorf("reading agents: %w", err)
	}
	defer agentRows.Close()

	var mismatches []string
	for agentRows.Next() {
		var name string
		var spent, reserved int64
		if err := agentRows.Scan(&name, &spent, &reserved); err != nil {
			return nil, fmt.Errorf("scanning agent row: %w", err)
		}
		rep, ok := replayed[name]
		if !ok {
			rep = &balanceState{}
		}
		if rep.SpentMicro != spent {
			mismatches = append(mismatches,
				fmt.Sprintf("%s: spent replay=%d live=%d", name, rep.SpentMicro, spent))
		}
		if rep.ReservedMicro != reserved {
			mismatches = append(mismatches,
				fmt.Sprintf("%s: reserved replay=%d live=%d", name, rep.ReservedMicro, reserved))
		}
	}
	if err := agentRows.Err(); err != nil {
		return nil, fmt.Errorf("iterating agents: %w", err)
	}

	if len(mismatches) > 0 {
		if len(mismatches) > 10 {
			mismatches = mismatches[:10]
		}
		return &ReplayResult{OK: false, Detail: strings.Join(mismatches, "; ")}, nil
	}
	return &ReplayResult{OK: true, Detail: "ledger replay matches spent counters"}, nil
}

func payloadInt64(payload map[string]any, key string) int64 {
	switch v := payload[key].(type) {
	case float64:
		return int64(v)
	case json.Number:
		n, _ := v.Int64()
		return n
	case int64:
		return v
	case int:
		return int64(v)
	}
	return 0
}

func max64(a, b int64) int64 {
	if a > b {
		return a
	}
	return b
}

// ChainEvent is one event_log row as exposed by the audit API.
type ChainEvent struct {
	Seq         int64          `json:"seq"`
	TenantID    string         `json:"tenant_id"`
	ExecutionID string         `json:"execution_id,omitempty"`
	Agent       string         `json:"agent,omitempty"`
	EventType   string         `json:"event_type"`
	Payload     map[string]any `json:"payload"`
	PrevHash    string         `json:"prev_hash"`
	EventHash   string         `json:"event_hash"`
}

// RecentEvents lists the newest chain events, optionally filtered to one
// execution.
func (l *Ledger) RecentEvents(ctx context.Context, executionID string, limit int) ([]ChainEvent, error) {
	if limit <= 0 || limit > 1000 {
		limit = 100
	}
	query := `
		SELECT seq, tenant_id, COALESCE(execution_id, ''), COALESCE(agent, ''),
		       event_type, payload_json, prev_hash, event_hash
		FROM event_log`
	args := []any{}
	if executionID != "" {
		query += ` WHERE execution_id = $1 ORDER BY seq DESC LIMIT $2`
		args = append(args, executionID, limit)
	} else {
		query += ` ORDER BY seq DESC LIMIT $1`
		args = append(args, limit)
	}

	rows, err := l.client.DB().QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("reading events: %w", err)
	}
	defer rows.Close()

	var events []ChainEvent
	for rows.Next() {
		var ev ChainEvent
		var payloadJSON string
		if err := rows.Scan(&ev.Seq, &ev.TenantID, &ev.ExecutionID, &ev.Agent,
			&ev.EventType, &payloadJSON, &ev.PrevHash, &ev.EventHash); err != nil {
			return nil, fmt.Errorf("scanning event: %w", err)
		}
		ev.Payload = jsonOrRaw(sql.NullString{String: payloadJSON, Valid: payloadJSON != ""})
		events = append(events, ev)
	}
	return events, rows.Err()
}
