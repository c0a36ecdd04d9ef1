package ratelimit

import (
	"context"
	"testing"
	"time"

	"github.com/alicebob/miniredis/v2"
	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexlabs/aex/pkg/ledger"
)

type recordedAction struct {
	Agent    string
	Action   string
	Metadata any
}

type fakeRecorder struct {
	actions []recordedAction
}

func (r *fakeRecorder) RecordAction(_ context.Context, _, _, agent, action string, _ int64, metadata any) error {
	r.actions = append(r.actions, recordedAction{Agent: agent, Action: action, Metadata: metadata})
	return nil
}

func testLimiter(t *testing.T) (*Limiter, *miniredis.Miniredis, *fakeRecorder) {
	t.Helper()
	mr := miniredis.RunT(t)
	client := redis.NewClient(&redis.Options{Addr: mr.Addr()})
	t.Cleanup(func() { _ = client.Close() })

	rec := &fakeRecorder{}
	limiter := New(nil, client, rec)
	limiter.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 30, 10, 0, time.UTC)
	}
	return limiter, mr, rec
}

func TestRedisRPMLimit(t *testing.T) {
	limiter, _, rec := testLimiter(t)
	ctx := context.Background()
	scope := Scope{TenantID: "default", ProjectID: "default", Agent: "worker-1"}
	limits := Limits{RPM: 2}

	require.NoError(t, limiter.CheckLimits(ctx, scope, limits))
	require.NoError(t, limiter.CheckLimits(ctx, scope, limits))

	err := limiter.CheckLimits(ctx, scope, limits)
	require.Error(t, err)
	ce, ok := ledger.AsControlError(err)
	require.True(t, ok)
	assert.Equal(t, 429, ce.Status)
	assert.Equal(t, "RPM rate limit exceeded", ce.Detail)
	assert.Equal(t, "RATE_LIMIT", ce.ReasonCode)

	require.Len(t, rec.actions, 1)
	assert.Equal(t, "RATE_LIMIT", rec.actions[0].Action)
	assert.Equal(t, "RPM Limit: 2 (redis)", rec.actions[0].Metadata)
}

func TestRedisTPMLimit(t *testing.T) {
	limiter, mr, _ := testLimiter(t)
	ctx := context.Background()
	scope := Scope{TenantID: "default", ProjectID: "default", Agent: "worker-1"}
	tpm := int64(1000)
	limits := Limits{RPM: 100, TPM: &tpm}

	// Under the token limit: allowed.
	require.NoError(t, limiter.CheckLimits(ctx, scope, limits))

	mr.Set("aex:rate:tok:default:default:worker-1:202603011230", "1500")
	err := limiter.CheckLimits(ctx, scope, limits)
	require.Error(t, err)
	ce, ok := ledger.AsControlError(err)
	require.True(t, ok)
	assert.Equal(t, 429, ce.Status)
	assert.Equal(t, "TPM rate limit exceeded", ce.Detail)
}

func TestRedisWindowKeyBucketsByMinute(t *testing.T) {
	limiter, mr, _ := testLimiter(t)
	ctx := context.Background()
	scope := Scope{TenantID: "acme", ProjectID: "p1", Agent: "worker-2"}

	require.NoError(t, limiter.CheckLimits(ctx, scope, Limits{RPM: 10}))
	val, err := mr.Get("aex:rate:req:acme:p1:worker-2:202603011230")
	require.NoError(t, err)
	assert.Equal(t, "1", val)

	// New minute, fresh counter.
	limiter.now = func() time.Time {
		return time.Date(2026, 3, 1, 12, 31, 0, 0, time.UTC)
	}
	require.NoError(t, limiter.CheckLimits(ctx, scope, Limits{RPM: 1}))
}

func TestRedisKeyExpiry(t *testing.T) {
	limiter, mr, _ := testLimiter(t)
	ctx := context.Background()
	scope := Scope{TenantID: "default", ProjectID: "default", Agent: "worker-1"}

	require.NoError(t, limiter.CheckLimits(ctx, scope, Limits{RPM: 10}))
	// 50s remain in the window plus the 5s grace.
	ttl := mr.TTL("aex:rate:req:default:default:worker-1:202603011230")
	assert.InDelta(t, 55*time.Second, ttl, float64(2*time.Second))
}

func TestAddTokens(t *testing.T) {
	limiter, mr, _ := testLimiter(t)
	ctx := context.Background()
	scope := Scope{TenantID: "default", ProjectID: "default", Agent: "worker-1"}

	limiter.AddTokens(ctx, scope, 120)
	limiter.AddTokens(ctx, scope, 30)

	val, err := mr.Get("aex:rate:tok:default:default:worker-1:202603011230")
	require.NoError(t, err)
	assert.Equal(t, "150", val)
}

func TestWindowTTLFloor(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 30, 59, 900_000_000, time.UTC)
	assert.GreaterOrEqual(t, windowTTL(now), 5*time.Second)
}

