package admission

import (
	"fmt"
	"net/http"
	"strings"

	"github.com/aexlabs/aex/pkg/codec"
	"github.com/aexlabs/aex/pkg/ledger"
)

// Request headers the pipeline reads.
const (
	HeaderIdempotencyKey = "Idempotency-Key"
	HeaderStepID         = "X-AEX-Step-Id"
	HeaderTenantID       = "X-AEX-Tenant-Id"
	HeaderProjectID      = "X-AEX-Project-Id"
)

// CanonicalRequestHash identifies a request for replay and cache identity.
// Two requests with the same agent, endpoint, step and canonical body are
// the same execution.
func CanonicalRequestHash(agent, endpoint string, body map[string]any, stepID string) (string, error) {
	bodyText, err := codec.CanonicalJSON(body)
	if err != nil {
		return "", fmt.Errorf("canonicalizing request body: %w", err)
	}
	return codec.StableHash(agent, endpoint, stepID, bodyText), nil
}

// DeriveExecutionID resolves the execution id and request hash for an
// inbound request. Precedence: explicit id, then idempotency key, then the
// request hash itself.
func DeriveExecutionID(agent, endpoint string, body map[string]any, idempotencyKey, stepID, explicit string) (executionID, requestHash string, err error) {
	requestHash, err = CanonicalRequestHash(agent, endpoint, body, strings.TrimSpace(stepID))
	if err != nil {
		return "", "", err
	}

	if forced := strings.TrimSpace(explicit); forced != "" {
		return forced, requestHash, nil
	}
	if key := strings.TrimSpace(idempotencyKey); key != "" {
		return codec.StableHash(agent, endpoint, key), requestHash, nil
	}
	return requestHash, requestHash, nil
}

// ResolveScope resolves the effective tenant and project. The agent's
// assignment is the isolation boundary: missing headers inherit it, explicit
// headers must match it.
func ResolveScope(headers http.Header, agent *ledger.Agent) (tenantID, projectID string, err error) {
	agentTenant := normalizeScope(agent.TenantID, ledger.DefaultTenantID)
	agentProject := normalizeScope(agent.ProjectID, ledger.DefaultProjectID)

	tenantID = normalizeScope(headers.Get(HeaderTenantID), agentTenant)
	projectID = normalizeScope(headers.Get(HeaderProjectID), agentProject)

	if tenantID != agentTenant {
		return "", "", ledger.NewControlError(http.StatusForbidden, "Tenant scope mismatch for authenticated agent token")
	}
	if projectID != agentProject {
		return "", "", ledger.NewControlError(http.StatusForbidden, "Project scope mismatch for authenticated agent token")
	}
	return tenantID, projectID, nil
}

func normalizeScope(value, fallback string) string {
	if v := strings.TrimSpace(value); v != "" {
		return v
	}
	return fallback
}
