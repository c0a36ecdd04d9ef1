package ledger

import (
	"context"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
)

// MinTokenLength is the minimum accepted API token length (16 bytes of
// entropy rendered as 32 hex chars).
const MinTokenLength = 32

// HashToken produces the stored lookup hash for a raw API token.
func HashToken(raw string) string {
	sum := sha256.Sum256([]byte(raw))
	return hex.EncodeToString(sum[:])
}

const agentColumns = `
	name,
	COALESCE(NULLIF(tenant_id, ''), 'default') AS tenant_id,
	COALESCE(NULLIF(project_id, ''), 'default') AS project_id,
	api_token, token_hash, token_expires_at, token_scope,
	budget_micro, spent_micro, reserved_micro,
	rpm_limit, max_input_tokens, max_output_tokens,
	max_tokens_per_request, max_tokens_per_minute,
	tokens_used_prompt, tokens_used_completion,
	allowed_models, allowed_tool_names,
	allow_streaming, allow_tools, allow_function_calling, allow_vision,
	allow_passthrough, strict_mode,
	lifecycle_state, lifecycle_reason,
	created_at, last_activity`

func scanAgent(row *sql.Row) (*Agent, error) {
	var a Agent
	err := row.Scan(
		&a.Name, &a.TenantID, &a.ProjectID,
		&a.APIToken, &a.TokenHash, &a.TokenExpiresAt, &a.TokenScope,
		&a.BudgetMicro, &a.SpentMicro, &a.ReservedMicro,
		&a.RPMLimit, &a.MaxInputTokens, &a.MaxOutputTokens,
		&a.MaxTokensPerRequest, &a.MaxTokensPerMinute,
		&a.TokensUsedPrompt, &a.TokensUsedCompletion,
		&a.AllowedModels, &a.AllowedToolNames,
		&a.AllowStreaming, &a.AllowTools, &a.AllowFunctionCalling, &a.AllowVision,
		&a.AllowPassthrough, &a.StrictMode,
		&a.LifecycleState, &a.LifecycleReason,
		&a.CreatedAt, &a.LastActivity)
	if err != nil {
		return nil, err
	}
	return &a, nil
}

// Authenticate resolves an agent from a bearer token.
//
// Flow: reject weak tokens, look up by token hash, fall back to the raw
// api_token column for legacy agents, then enforce the token TTL.
func (l *Ledger) Authenticate(ctx context.Context, token string) (*Agent, error) {
	if len(token) < MinTokenLength {
		return nil, NewControlError(http.StatusUnauthorized, "Invalid API token: insufficient entropy")
	}

	row := l.client.DB().QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE token_hash = $1`, HashToken(token))
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		row = l.client.DB().QueryRowContext(ctx,
			`SELECT `+agentColumns+` FROM agents WHERE api_token = $1`, token)
		agent, err = scanAgent(row)
	}
	if err == sql.ErrNoRows {
		return nil, NewControlError(http.StatusUnauthorized, "Invalid API token")
	}
	if err != nil {
		return nil, fmt.Errorf("authenticating token: %w", err)
	}

	if agent.TokenExpiresAt.Valid && time.Now().After(agent.TokenExpiresAt.Time) {
		return nil, NewControlError(http.StatusUnauthorized, "API token has expired")
	}
	return agent, nil
}

// GetAgent loads an agent by name.
func (l *Ledger) GetAgent(ctx context.Context, name string) (*Agent, error) {
	row := l.client.DB().QueryRowContext(ctx,
		`SELECT `+agentColumns+` FROM agents WHERE name = $1`, name)
	agent, err := scanAgent(row)
	if err == sql.ErrNoRows {
		return nil, fmt.Errorf("%w: %s", ErrAgentNotFound, name)
	}
	if err != nil {
		return nil, fmt.Errorf("reading agent %s: %w", name, err)
	}
	return agent, nil
}

// RegisterAgentParams describes a new agent account.
type RegisterAgentParams struct {
	Name        string
	TenantID    string
	ProjectID   string
	BudgetMicro int64
	RPMLimit    int
	TokenTTL    time.Duration
	TokenScope  string

	AllowedModels       []string
	AllowedToolNames    []string
	MaxInputTokens      int
	MaxOutputTokens     int
	MaxTokensPerRequest int
	MaxTokensPerMinute  int

	AllowStreaming       bool
	AllowTools           bool
	AllowFunctionCalling bool
	AllowVision          bool
	AllowPassthrough     bool
	StrictMode           bool
}

// RegisterAgent creates an agent with a freshly minted token and returns the
// raw token. The raw token is shown exactly once; only its hash is kept for
// lookups going forward.
func (l *Ledger) RegisterAgent(ctx context.Context, p RegisterAgentParams) (string, error) {
	if p.Name == "" {
		return "", NewControlError(http.StatusBadRequest, "Agent name is required")
	}
	if p.BudgetMicro < 0 {
		return "", NewControlError(http.StatusBadRequest, "Budget must be non-negative")
	}
	scope := p.TokenScope
	if scope == "" {
		scope = "execution"
	}
	if scope != "execution" && scope != "read-only" {
		return "", NewControlError(http.StatusBadRequest, "Token scope must be execution or read-only")
	}

	token := uuid.NewString() + uuid.NewString() // 72 chars, well past the entropy floor
	var expiresAt any
	if p.TokenTTL > 0 {
		expiresAt = time.Now().UTC().Add(p.TokenTTL)
	}

	err := l.client.WithTx(ctx, func(tx *sql.Tx) error {
		_, err := tx.Exec(`
			INSERT INTO agents (
				name, tenant_id, project_id, api_token, token_hash, token_expires_at, token_scope,
				budget_micro, rpm_limit,
				allowed_models, allowed_tool_names,
				max_input_tokens, max_output_tokens, max_tokens_per_request, max_tokens_per_minute,
				allow_streaming, allow_tools, allow_function_calling, allow_vision,
				allow_passthrough, strict_mode
			) VALUES (
				$1, $2, $3, $4, $5, $6, $7, $8, $9, $10, $11,
				$12, $13, $14, $15, $16, $17, $18, $19, $20, $21
			)`,
			p.Name, orDefault(p.TenantID, DefaultTenantID), orDefault(p.ProjectID, DefaultProjectID),
			token, HashToken(token), expiresAt, scope,
			p.BudgetMicro, p.RPMLimit,
			jsonListOrNil(p.AllowedModels), jsonListOrNil(p.AllowedToolNames),
			zeroToNil(p.MaxInputTokens), zeroToNil(p.MaxOutputTokens),
			zeroToNil(p.MaxTokensPerRequest), zeroToNil(p.MaxTokensPerMinute),
			p.AllowStreaming, p.AllowTools, p.AllowFunctionCalling, p.AllowVision,
			p.AllowPassthrough, p.StrictMode)
		if err != nil {
			return fmt.Errorf("inserting agent: %w", err)
		}
		if _, err := tx.Exec(
			`INSERT INTO rate_windows (agent, tenant_id, project_id) VALUES ($1, $2, $3)
			 ON CONFLICT (agent) DO NOTHING`,
			p.Name, orDefault(p.TenantID, DefaultTenantID), orDefault(p.ProjectID, DefaultProjectID)); err != nil {
			return fmt.Errorf("seeding rate window: %w", err)
		}
		if err := appendChainEvent(tx, orDefault(p.TenantID, DefaultTenantID), orDefault(p.ProjectID, DefaultProjectID),
			"", p.Name, "agent.registered", map[string]any{
				"budget_micro": p.BudgetMicro,
				"rpm_limit":    p.RPMLimit,
				"token_scope":  scope,
			}); err != nil {
			return err
		}
		return syncBudgetScope(tx, p.Name, orDefault(p.TenantID, DefaultTenantID), orDefault(p.ProjectID, DefaultProjectID))
	})
	if err != nil {
		return "", fmt.Errorf("register agent: %w", err)
	}
	return token, nil
}

// AgentSummary is the read-only admin projection of one account.
type AgentSummary struct {
	Name           string  `json:"name"`
	TenantID       string  `json:"tenant_id"`
	ProjectID      string  `json:"project_id"`
	BudgetMicro    int64   `json:"budget_micro"`
	SpentMicro     int64   `json:"spent_micro"`
	ReservedMicro  int64   `json:"reserved_micro"`
	RemainingMicro int64   `json:"remaining_micro"`
	SpentUSD       float64 `json:"spent_usd"`
	LifecycleState string  `json:"lifecycle_state"`
	RPMLimit       int     `json:"rpm_limit"`
}

// ListAgents returns admin summaries for every account.
func (l *Ledger) ListAgents(ctx context.Context) ([]AgentSummary, error) {
	rows, err := l.client.DB().QueryContext(ctx, `
		SELECT name,
		       COALESCE(NULLIF(tenant_id, ''), 'default'),
		       COALESCE(NULLIF(project_id, ''), 'default'),
		       budget_micro, spent_micro, reserved_micro, lifecycle_state, rpm_limit
		FROM agents
		ORDER BY name`)
	if err != nil {
		return nil, fmt.Errorf("listing agents: %w", err)
	}
	defer rows.Close()

	var out []AgentSummary
	for rows.Next() {
		var s AgentSummary
		if err := rows.Scan(&s.Name, &s.TenantID, &s.ProjectID,
			&s.BudgetMicro, &s.SpentMicro, &s.ReservedMicro, &s.LifecycleState, &s.RPMLimit); err != nil {
			return nil, fmt.Errorf("scanning agent: %w", err)
		}
		s.RemainingMicro = s.BudgetMicro - s.SpentMicro - s.ReservedMicro
		s.SpentUSD = float64(s.SpentMicro) / 1e6
		out = append(out, s)
	}
	return out, rows.Err()
}

func jsonListOrNil(list []string) any {
	if list == nil {
		return nil
	}
	raw, _ := json.Marshal(list)
	return string(raw)
}

func zeroToNil(n int) any {
	if n == 0 {
		return nil
	}
	return n
}
