// Package sandbox holds the tool-plugin registry, capability tokens and the
// tool execution flow. Actual plugin processes run behind the Runner seam.
package sandbox

import (
	"encoding/base64"
	"encoding/json"
	"fmt"
	"sort"
	"time"

	"github.com/aexlabs/aex/pkg/codec"
)

// DefaultCapabilitySecret signs tokens when no secret is configured. Local
// development only; production deploys set AEX_CAPABILITY_SECRET.
const DefaultCapabilitySecret = "aex-local-cap-token-secret"

// DefaultCapabilityTTL caps token lifetime when the deployment does not
// configure AEX_CAPABILITY_TTL.
const DefaultCapabilityTTL = 5 * time.Minute

// CapabilityToken scopes one tool execution: which plugin, for which
// execution, with what filesystem, network and output bounds.
type CapabilityToken struct {
	ExecutionID    string
	Agent          string
	ToolName       string
	AllowedFS      []string
	NetPolicy      string
	TTL            time.Duration
	MaxOutputBytes int
}

// Minter signs and verifies capability tokens.
type Minter struct {
	secret string
	now    func() time.Time

	// MaxTTL bounds every minted token and substitutes for a missing TTL.
	MaxTTL time.Duration
}

func NewMinter(secret string) *Minter {
	if secret == "" {
		secret = DefaultCapabilitySecret
	}
	return &Minter{secret: secret, now: time.Now, MaxTTL: DefaultCapabilityTTL}
}

// Mint produces a signed, url-safe token. The signature covers the canonical
// JSON payload, so any field tampering invalidates it.
func (m *Minter) Mint(token CapabilityToken) (string, error) {
	if m.MaxTTL > 0 && (token.TTL <= 0 || token.TTL > m.MaxTTL) {
		token.TTL = m.MaxTTL
	}
	payload := m.payloadMap(token, m.now().UnixMilli())
	payloadJSON, err := codec.CanonicalJSON(payload)
	if err != nil {
		return "", fmt.Errorf("canonicalizing capability payload: %w", err)
	}
	sig := codec.StableHash(m.secret, payloadJSON)

	body, err := codec.CanonicalJSON(map[string]any{"payload": payload, "sig": sig})
	if err != nil {
		return "", fmt.Errorf("encoding capability token: %w", err)
	}
	return base64.URLEncoding.EncodeToString([]byte(body)), nil
}

// Verify decodes a token, checks the signature and the TTL, and returns the
// embedded capabilities.
func (m *Minter) Verify(encoded string) (*CapabilityToken, error) {
	raw, err := base64.URLEncoding.DecodeString(encoded)
	if err != nil {
		return nil, fmt.Errorf("decoding capability token: %w", err)
	}
	var wrapper struct {
		Payload map[string]any `json:"payload"`
		Sig     string         `json:"sig"`
	}
	if err := json.Unmarshal(raw, &wrapper); err != nil {
		return nil, fmt.Errorf("parsing capability token: %w", err)
	}

	payloadJSON, err := codec.CanonicalJSON(wrapper.Payload)
	if err != nil {
		return nil, fmt.Errorf("canonicalizing capability payload: %w", err)
	}
	if wrapper.Sig != codec.StableHash(m.secret, payloadJSON) {
		return nil, fmt.Errorf("capability token signature mismatch")
	}

	issued := intField(wrapper.Payload, "issued_ms")
	ttl := intField(wrapper.Payload, "ttl_ms")
	if m.now().UnixMilli() > issued+ttl {
		return nil, fmt.Errorf("capability token expired")
	}

	return &CapabilityToken{
		ExecutionID:    stringField(wrapper.Payload, "execution_id"),
		Agent:          stringField(wrapper.Payload, "agent"),
		ToolName:       stringField(wrapper.Payload, "tool_name"),
		AllowedFS:      stringListField(wrapper.Payload, "allowed_fs"),
		NetPolicy:      stringField(wrapper.Payload, "net_policy"),
		TTL:            time.Duration(ttl) * time.Millisecond,
		MaxOutputBytes: int(intField(wrapper.Payload, "max_output_bytes")),
	}, nil
}

func (m *Minter) payloadMap(token CapabilityToken, issuedMillis int64) map[string]any {
	allowedFS := append([]string(nil), token.AllowedFS...)
	sort.Strings(allowedFS)
	return map[string]any{
		"execution_id":     token.ExecutionID,
		"agent":            token.Agent,
		"tool_name":        token.ToolName,
		"allowed_fs":       allowedFS,
		"net_policy":       token.NetPolicy,
		"ttl_ms":           token.TTL.Milliseconds(),
		"max_output_bytes": token.MaxOutputBytes,
		"issued_ms":        issuedMillis,
	}
}

func stringField(m map[string]any, key string) string {
	s, _ := m[key].(string)
	return s
}

func intField(m map[string]any, key string) int64 {
	return intValue(m[key])
}

func intValue(v any) int64 {
	switch n := v.(type) {
	case float64:
		return int64(n)
	case int:
		return int64(n)
	case int64:
		return n
	case json.Number:
		i, _ := n.Int64()
		return i
	}
	return 0
}

func stringListField(m map[string]any, key string) []string {
	list, ok := m[key].([]any)
	if !ok {
		return nil
	}
	out := make([]string, 0, len(list))
	for _, v := range list {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	return out
}
