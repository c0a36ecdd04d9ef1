// Package ledger implements the financial core of the control plane:
// budget reservations, exactly-once settlement, the hash-chained event log,
// and the replay/invariant auditor.
package ledger

import (
	"database/sql"
	"encoding/json"
	"time"
)

// ExecutionState is the admission/settlement lifecycle of one execution.
type ExecutionState string

const (
	StateReserving        ExecutionState = "RESERVING"
	StateReserved         ExecutionState = "RESERVED"
	StateDispatched       ExecutionState = "DISPATCHED"
	StateResponseReceived ExecutionState = "RESPONSE_RECEIVED"
	StateCommitted        ExecutionState = "COMMITTED"
	StateReleased         ExecutionState = "RELEASED"
	StateDenied           ExecutionState = "DENIED"
	StateFailed           ExecutionState = "FAILED"
)

// Terminal reports whether the state admits no further transitions.
func (s ExecutionState) Terminal() bool {
	switch s {
	case StateCommitted, StateReleased, StateDenied, StateFailed:
		return true
	}
	return false
}

// Reservation states. A reservation settles exactly once: COMMITTED on
// success, RELEASED on any failure path.
const (
	ReservationReserved  = "RESERVED"
	ReservationCommitted = "COMMITTED"
	ReservationReleased  = "RELEASED"
)

// Default scope applied when an agent has no explicit tenancy mapping.
const (
	DefaultTenantID  = "default"
	DefaultProjectID = "default"
)

// Agent is the materialized account row: identity, budget counters, token
// caps, capability gates and the lifecycle state.
type Agent struct {
	Name      string
	TenantID  string
	ProjectID string

	APIToken       string
	TokenHash      sql.NullString
	TokenExpiresAt sql.NullTime
	TokenScope     string

	BudgetMicro   int64
	SpentMicro    int64
	ReservedMicro int64

	RPMLimit            int
	MaxInputTokens      sql.NullInt64
	MaxOutputTokens     sql.NullInt64
	MaxTokensPerRequest sql.NullInt64
	MaxTokensPerMinute  sql.NullInt64

	TokensUsedPrompt     int64
	TokensUsedCompletion int64

	AllowedModels    sql.NullString
	AllowedToolNames sql.NullString

	AllowStreaming       bool
	AllowTools           bool
	AllowFunctionCalling bool
	AllowVision          bool
	AllowPassthrough     bool
	StrictMode           bool

	LifecycleState  string
	LifecycleReason sql.NullString

	CreatedAt    time.Time
	LastActivity sql.NullTime
}

// RemainingMicro is the budget headroom available for new reservations.
func (a *Agent) RemainingMicro() int64 {
	return a.BudgetMicro - a.SpentMicro - a.ReservedMicro
}

// AllowedModelList parses the allowed_models JSON column. nil means no
// restriction; an empty list denies every model.
func (a *Agent) AllowedModelList() []string {
	return parseJSONStringList(a.AllowedModels)
}

// AllowedToolList parses the allowed_tool_names JSON column.
func (a *Agent) AllowedToolList() []string {
	return parseJSONStringList(a.AllowedToolNames)
}

func parseJSONStringList(col sql.NullString) []string {
	if !col.Valid || col.String == "" {
		return nil
	}
	var list []string
	if err := json.Unmarshal([]byte(col.String), &list); err != nil {
		// Malformed restriction column fails closed.
		return []string{}
	}
	return list
}

// ReservationDecision is the outcome of Reserve: a fresh reservation, or a
// reused prior result for idempotent replays.
type ReservationDecision struct {
	ExecutionID    string
	Reserved       bool
	EstimatedMicro int64
	Reused         bool
	State          ExecutionState
	StatusCode     int
	ResponseBody   map[string]any
	ErrorBody      map[string]any
	ExpiresAt      time.Time
}

// CachedExecution is the stored terminal (or in-flight) result of an
// execution used by the idempotency cache.
type CachedExecution struct {
	State        ExecutionState
	StatusCode   sql.NullInt64
	ResponseBody map[string]any
	ErrorBody    map[string]any
	RequestHash  string
	Agent        string
}

func jsonOrRaw(text sql.NullString) map[string]any {
	if !text.Valid || text.String == "" {
		return nil
	}
	var m map[string]any
	if err := json.Unmarshal([]byte(text.String), &m); err != nil {
		return map[string]any{"raw": text.String}
	}
	return m
}
