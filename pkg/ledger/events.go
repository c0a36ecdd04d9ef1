package ledger

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"

	"github.com/aexlabs/aex/pkg/codec"
)

// GenesisHash seeds each partition's hash chain.
const GenesisHash = "GENESIS"

// appendChainEvent appends one event to the hash-chained event_log inside an
// open transaction. Appends are serialized per tenant partition with a
// transaction-scoped advisory lock, so concurrent writers to different
// tenants never contend.
func appendChainEvent(tx *sql.Tx, tenantID, projectID, executionID, agent, eventType string, payload map[string]any) error {
	payloadJSON, err := codec.CanonicalJSON(payload)
	if err != nil {
		return fmt.Errorf("canonicalizing %s payload: %w", eventType, err)
	}

	partition := tenantID
	if partition == "" {
		partition = DefaultTenantID
	}

	if _, err := tx.Exec(
		`SELECT pg_advisory_xact_lock(hashtext('aex_chain:' || $1::text))`, partition); err != nil {
		return fmt.Errorf("acquiring chain lock for %s: %w", partition, err)
	}

	prevHash := GenesisHash
	err = tx.QueryRow(
		`SELECT event_hash FROM event_log WHERE chain_partition = $1 ORDER BY seq DESC LIMIT 1`,
		partition).Scan(&prevHash)
	if err != nil && err != sql.ErrNoRows {
		return fmt.Errorf("reading chain head for %s: %w", partition, err)
	}

	eventHash := codec.StableHash(prevHash, eventType, executionID, payloadJSON)

	var execID any
	if executionID != "" {
		execID = executionID
	}
	var agentVal any
	if agent != "" {
		agentVal = agent
	}

	_, err = tx.Exec(`
		INSERT INTO event_log (
			tenant_id, project_id, execution_id, agent, event_type,
			payload_json, prev_hash, event_hash, chain_partition
		) VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)`,
		partition, orDefault(projectID, DefaultProjectID), execID, agentVal,
		eventType, payloadJSON, prevHash, eventHash, partition)
	if err != nil {
		return fmt.Errorf("appending %s event: %w", eventType, err)
	}
	return nil
}

// appendCompatEvent writes a legacy flat event row. Burn-rate windows and
// the CLI metrics views read these.
func appendCompatEvent(tx *sql.Tx, tenantID, projectID, agent, action string, costMicro int64, metadata any) error {
	var metadataText any
	switch m := metadata.(type) {
	case nil:
	case string:
		metadataText = m
	default:
		raw, err := json.Marshal(m)
		if err != nil {
			return fmt.Errorf("encoding %s metadata: %w", action, err)
		}
		metadataText = string(raw)
	}

	var agentVal any
	if agent != "" {
		agentVal = agent
	}

	_, err := tx.Exec(`
		INSERT INTO events (tenant_id, project_id, agent, action, cost_micro, metadata)
		VALUES ($1, $2, $3, $4, $5, $6)`,
		orDefault(tenantID, DefaultTenantID), orDefault(projectID, DefaultProjectID),
		agentVal, action, costMicro, metadataText)
	if err != nil {
		return fmt.Errorf("appending compat %s event: %w", action, err)
	}
	return nil
}

// AppendEvent appends a single chain event in its own transaction. Callers
// inside the ledger use appendChainEvent directly so the event commits with
// the mutation it describes.
func (l *Ledger) AppendEvent(ctx context.Context, tenantID, projectID, executionID, agent, eventType string, payload map[string]any) error {
	return l.client.WithTx(ctx, func(tx *sql.Tx) error {
		return appendChainEvent(tx, tenantID, projectID, executionID, agent, eventType, payload)
	})
}

// RecordAudit writes a chain event and its legacy counterpart atomically.
// Used for auditable outcomes that move no money (policy denials, tool
// executions).
func (l *Ledger) RecordAudit(ctx context.Context, tenantID, projectID, executionID, agent, eventType string, payload map[string]any, compatAction string, compatCost int64, compatMetadata any) error {
	return l.client.WithTx(ctx, func(tx *sql.Tx) error {
		if err := appendChainEvent(tx, tenantID, projectID, executionID, agent, eventType, payload); err != nil {
			return err
		}
		return appendCompatEvent(tx, tenantID, projectID, agent, compatAction, compatCost, compatMetadata)
	})
}

// RecordPolicyViolation writes the policy.violation chain event and its
// legacy counterpart atomically.
func (l *Ledger) RecordPolicyViolation(ctx context.Context, tenantID, projectID, executionID, agent, reason, endpoint string) error {
	payload := map[string]any{"reason": reason, "endpoint": endpoint}
	return l.RecordAudit(ctx, tenantID, projectID, executionID, agent, "policy.violation", payload, "POLICY_VIOLATION", 0, payload)
}

// RecordAction writes a legacy flat event row in its own transaction.
func (l *Ledger) RecordAction(ctx context.Context, tenantID, projectID, agent, action string, costMicro int64, metadata any) error {
	return l.client.WithTx(ctx, func(tx *sql.Tx) error {
		return appendCompatEvent(tx, tenantID, projectID, agent, action, costMicro, metadata)
	})
}

func orDefault(s, def string) string {
	if s == "" {
		return def
	}
	return s
}
