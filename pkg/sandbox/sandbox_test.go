package sandbox

import (
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestCapabilityTokenRoundTrip(t *testing.T) {
	minter := NewMinter("test-secret")
	token := CapabilityToken{
		ExecutionID:    "exec-1",
		Agent:          "worker-1",
		ToolName:       "lookup",
		AllowedFS:      []string{"/b", "/a"},
		NetPolicy:      "deny",
		TTL:            3 * time.Second,
		MaxOutputBytes: 65536,
	}

	encoded, err := minter.Mint(token)
	require.NoError(t, err)

	decoded, err := minter.Verify(encoded)
	require.NoError(t, err)
	assert.Equal(t, "exec-1", decoded.ExecutionID)
	assert.Equal(t, "worker-1", decoded.Agent)
	assert.Equal(t, "lookup", decoded.ToolName)
	assert.Equal(t, []string{"/a", "/b"}, decoded.AllowedFS, "filesystem list is canonicalized")
	assert.Equal(t, 3*time.Second, decoded.TTL)
	assert.Equal(t, 65536, decoded.MaxOutputBytes)
}

func TestCapabilityTokenWrongSecret(t *testing.T) {
	encoded, err := NewMinter("secret-a").Mint(CapabilityToken{
		ExecutionID: "exec-1", Agent: "a", ToolName: "t", TTL: time.Second, MaxOutputBytes: 1024,
	})
	require.NoError(t, err)

	_, err = NewMinter("secret-b").Verify(encoded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "signature mismatch")
}

func TestCapabilityTokenTTLBound(t *testing.T) {
	minter := NewMinter("test-secret")
	minter.MaxTTL = 10 * time.Second

	// A missing TTL inherits the configured bound.
	encoded, err := minter.Mint(CapabilityToken{
		ExecutionID: "exec-1", Agent: "a", ToolName: "t", MaxOutputBytes: 1024,
	})
	require.NoError(t, err)
	decoded, err := minter.Verify(encoded)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, decoded.TTL)

	// An oversized TTL is clamped down to it.
	encoded, err = minter.Mint(CapabilityToken{
		ExecutionID: "exec-2", Agent: "a", ToolName: "t", TTL: time.Hour, MaxOutputBytes: 1024,
	})
	require.NoError(t, err)
	decoded, err = minter.Verify(encoded)
	require.NoError(t, err)
	assert.Equal(t, 10*time.Second, decoded.TTL)

	// A TTL inside the bound is kept as minted.
	encoded, err = minter.Mint(CapabilityToken{
		ExecutionID: "exec-3", Agent: "a", ToolName: "t", TTL: 2 * time.Second, MaxOutputBytes: 1024,
	})
	require.NoError(t, err)
	decoded, err = minter.Verify(encoded)
	require.NoError(t, err)
	assert.Equal(t, 2*time.Second, decoded.TTL)
}

func TestCapabilityTokenExpiry(t *testing.T) {
	minter := NewMinter("test-secret")
	issued := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	minter.now = func() time.Time { return issued }

	encoded, err := minter.Mint(CapabilityToken{
		ExecutionID: "exec-1", Agent: "a", ToolName: "t", TTL: 500 * time.Millisecond, MaxOutputBytes: 1024,
	})
	require.NoError(t, err)

	// Still valid inside the TTL.
	minter.now = func() time.Time { return issued.Add(400 * time.Millisecond) }
	_, err = minter.Verify(encoded)
	require.NoError(t, err)

	minter.now = func() time.Time { return issued.Add(time.Second) }
	_, err = minter.Verify(encoded)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "expired")
}

func TestParseManifestClamps(t *testing.T) {
	record := &PluginRecord{
		PackagePath: "/opt/plugins/lookup.tar",
		ManifestJSON: `{
			"allowed_fs": ["/tmp/scratch"],
			"net_policy": "egress",
			"ttl_ms": 600000,
			"max_output_bytes": 10,
			"cost_micro": 99999999999
		}`,
	}
	manifest := record.ParseManifest()
	assert.Equal(t, 60*time.Second, manifest.TTL)
	assert.Equal(t, 1024, manifest.MaxOutputBytes)
	assert.Equal(t, int64(10_000_000), manifest.CostMicro)
	assert.Equal(t, "egress", manifest.NetPolicy)
	assert.Contains(t, manifest.AllowedFS, "/opt/plugins/lookup.tar")
	assert.Contains(t, manifest.AllowedFS, "/tmp/scratch")
}

func TestParseManifestDefaults(t *testing.T) {
	record := &PluginRecord{ManifestJSON: `{}`}
	manifest := record.ParseManifest()
	assert.Equal(t, "deny", manifest.NetPolicy)
	assert.Equal(t, 3*time.Second, manifest.TTL)
	assert.Equal(t, 65536, manifest.MaxOutputBytes)
	assert.Equal(t, int64(500), manifest.CostMicro)
}

func TestParseManifestEstimatedCostFallback(t *testing.T) {
	record := &PluginRecord{ManifestJSON: `{"estimated_cost_micro": 1200}`}
	assert.Equal(t, int64(1200), record.ParseManifest().CostMicro)

	negative := &PluginRecord{ManifestJSON: `{"cost_micro": -5}`}
	assert.Equal(t, int64(0), negative.ParseManifest().CostMicro)
}

func TestToolExecutionIDPrecedence(t *testing.T) {
	argsJSON := `{"q":"x"}`

	assert.Equal(t, "forced", toolExecutionID("a", "t", argsJSON, "forced", "key"))

	keyed := toolExecutionID("a", "t", argsJSON, "", "key")
	hashed := toolExecutionID("a", "t", argsJSON, "", "")
	assert.NotEqual(t, keyed, hashed)
	assert.Len(t, keyed, 64)
	assert.Equal(t, keyed, toolExecutionID("a", "t", argsJSON, "", "key"))
}

func TestInputPayloadShapes(t *testing.T) {
	assert.Equal(t, map[string]any{"q": "x"}, inputPayload(map[string]any{"q": "x"}))
	assert.Equal(t, map[string]any{"items": []any{"a"}}, inputPayload([]any{"a"}))
	assert.Equal(t, map[string]any{"value": "plain"}, inputPayload("plain"))
	assert.Equal(t, map[string]any{"value": nil}, inputPayload(nil))
}
