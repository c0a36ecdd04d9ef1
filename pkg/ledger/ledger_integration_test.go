package ledger_test

import (
	"context"
	"net/http"
	"sync"
	"testing"
	"time"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/aexlabs/aex/pkg/ledger"
	"github.com/aexlabs/aex/pkg/recovery"
	"github.com/aexlabs/aex/test/util"
)

func newTestLedger(t *testing.T) *ledger.Ledger {
	client, _ := util.SetupTestDatabase(t)
	return ledger.New(client, nil)
}

func registerTestAgent(t *testing.T, l *ledger.Ledger, budget int64) string {
	t.Helper()
	name := "agent-" + uuid.NewString()[:8]
	_, err := l.RegisterAgent(context.Background(), ledger.RegisterAgentParams{
		Name:        name,
		BudgetMicro: budget,
		RPMLimit:    60,
	})
	require.NoError(t, err)
	return name
}

func reserveParams(agent string, estimated int64) ledger.ReserveParams {
	return ledger.ReserveParams{
		Agent:          agent,
		ExecutionID:    "exec-" + uuid.NewString(),
		Endpoint:       "/v1/chat/completions",
		RequestHash:    uuid.NewString(),
		EstimatedMicro: estimated,
	}
}

func TestReserveCommitLifecycle(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	agent := registerTestAgent(t, l, 10_000_000)

	params := reserveParams(agent, 5000)
	decision, err := l.Reserve(ctx, params)
	require.NoError(t, err)
	assert.True(t, decision.Reserved)
	assert.False(t, decision.Reused)
	assert.Equal(t, int64(5000), decision.EstimatedMicro)
	assert.False(t, decision.ExpiresAt.IsZero())

	acct, err := l.GetAgent(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(5000), acct.ReservedMicro)
	assert.Equal(t, int64(0), acct.SpentMicro)

	require.NoError(t, l.Commit(ctx, ledger.CommitParams{
		Agent:            agent,
		ExecutionID:      params.ExecutionID,
		EstimatedMicro:   5000,
		ActualMicro:      2250,
		PromptTokens:     100,
		CompletionTokens: 50,
		ModelName:        "gpt-test",
		ResponseBody:     map[string]any{"usage": map[string]any{"prompt_tokens": 100}},
	}))

	acct, err = l.GetAgent(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.ReservedMicro)
	assert.Equal(t, int64(2250), acct.SpentMicro)
	assert.Equal(t, int64(10_000_000-2250), acct.RemainingMicro())

	exec, err := l.GetExecution(ctx, params.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateCommitted, exec.State)
	assert.Equal(t, int64(http.StatusOK), exec.StatusCode.Int64)

	assertLedgerClean(t, l)
}

func TestReserveInsufficientBudget(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	agent := registerTestAgent(t, l, 1000)

	params := reserveParams(agent, 5000)
	_, err := l.Reserve(ctx, params)
	require.Error(t, err)

	ce, ok := ledger.AsControlError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusPaymentRequired, ce.Status)
	assert.Equal(t, "BUDGET_EXCEEDED", ce.ReasonCode)
	assert.Equal(t, int64(5000), ce.Extra["estimated_micro"])
	assert.Equal(t, int64(1000), ce.Extra["remaining_micro"])

	// The denial is a committed ledger outcome, not a rolled-back error.
	exec, err := l.GetExecution(ctx, params.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateDenied, exec.State)
	assert.Equal(t, int64(http.StatusPaymentRequired), exec.StatusCode.Int64)

	acct, err := l.GetAgent(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.ReservedMicro)
	assert.Equal(t, int64(0), acct.SpentMicro)

	assertLedgerClean(t, l)
}

func TestReserveIdempotentReplay(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	agent := registerTestAgent(t, l, 1_000_000)

	params := reserveParams(agent, 3000)
	_, err := l.Reserve(ctx, params)
	require.NoError(t, err)
	require.NoError(t, l.Commit(ctx, ledger.CommitParams{
		Agent:          agent,
		ExecutionID:    params.ExecutionID,
		EstimatedMicro: 3000,
		ActualMicro:    1500,
		ModelName:      "gpt-test",
		ResponseBody:   map[string]any{"id": "resp-1"},
	}))

	// Same execution_id and request hash replays the cached outcome.
	replay, err := l.Reserve(ctx, params)
	require.NoError(t, err)
	assert.True(t, replay.Reused)
	assert.Equal(t, ledger.StateCommitted, replay.State)
	assert.Equal(t, http.StatusOK, replay.StatusCode)
	assert.Equal(t, "resp-1", replay.ResponseBody["id"])

	// Replaying must not double-spend.
	acct, err := l.GetAgent(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(1500), acct.SpentMicro)
}

func TestReserveConcurrentSameExecution(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	agent := registerTestAgent(t, l, 1_000_000)

	const workers = 8
	params := reserveParams(agent, 2000)

	decisions := make([]*ledger.ReservationDecision, workers)
	errs := make([]error, workers)
	var wg sync.WaitGroup
	for i := 0; i < workers; i++ {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			decisions[i], errs[i] = l.Reserve(ctx, params)
		}(i)
	}
	wg.Wait()

	// Exactly one caller wins the insert; the rest replay the live hold.
	fresh, reused := 0, 0
	for i := 0; i < workers; i++ {
		require.NoError(t, errs[i])
		if decisions[i].Reused {
			reused++
			assert.Equal(t, ledger.StateReserved, decisions[i].State)
		} else {
			fresh++
		}
	}
	assert.Equal(t, 1, fresh)
	assert.Equal(t, workers-1, reused)

	// The hold is taken once, never multiplied by the race.
	acct, err := l.GetAgent(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(2000), acct.ReservedMicro)

	require.NoError(t, l.Commit(ctx, ledger.CommitParams{
		Agent:          agent,
		ExecutionID:    params.ExecutionID,
		EstimatedMicro: 2000,
		ActualMicro:    900,
		ModelName:      "gpt-test",
		ResponseBody:   map[string]any{"id": "resp-race"},
	}))

	acct, err = l.GetAgent(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.ReservedMicro)
	assert.Equal(t, int64(900), acct.SpentMicro)

	assertLedgerClean(t, l)
}

func TestReserveIdempotencyConflict(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	agent := registerTestAgent(t, l, 1_000_000)

	params := reserveParams(agent, 3000)
	_, err := l.Reserve(ctx, params)
	require.NoError(t, err)

	conflicting := params
	conflicting.RequestHash = uuid.NewString()
	_, err = l.Reserve(ctx, conflicting)
	require.Error(t, err)

	ce, ok := ledger.AsControlError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusConflict, ce.Status)
	assert.Equal(t, "IDEMPOTENCY_CONFLICT", ce.ReasonCode)
}

func TestReleaseReturnsHold(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	agent := registerTestAgent(t, l, 1_000_000)

	params := reserveParams(agent, 4000)
	_, err := l.Reserve(ctx, params)
	require.NoError(t, err)

	require.NoError(t, l.Release(ctx, agent, params.ExecutionID, 4000,
		"Upstream provider error", http.StatusBadGateway))

	acct, err := l.GetAgent(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.ReservedMicro)
	assert.Equal(t, int64(0), acct.SpentMicro)

	exec, err := l.GetExecution(ctx, params.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReleased, exec.State)

	// Release is idempotent.
	require.NoError(t, l.Release(ctx, agent, params.ExecutionID, 4000, "again", http.StatusBadGateway))
	acct, err = l.GetAgent(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.ReservedMicro)

	// A commit racing a completed release fails loudly.
	err = l.Commit(ctx, ledger.CommitParams{
		Agent:          agent,
		ExecutionID:    params.ExecutionID,
		EstimatedMicro: 4000,
		ActualMicro:    100,
	})
	require.ErrorIs(t, err, ledger.ErrSettlementConflict)

	assertLedgerClean(t, l)
}

func TestRecoverySweepReleasesExpiredReservation(t *testing.T) {
	ctx := context.Background()
	client, _ := util.SetupTestDatabase(t)
	l := ledger.New(client, nil)
	l.ReservationTTL = -time.Second // every reservation is born expired
	agent := registerTestAgent(t, l, 1_000_000)

	params := reserveParams(agent, 7000)
	_, err := l.Reserve(ctx, params)
	require.NoError(t, err)

	sweeper := recovery.NewSweeper(client, l, nil)
	result, err := sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 1, result.Released)
	assert.Equal(t, 0, result.Failed)

	exec, err := l.GetExecution(ctx, params.ExecutionID)
	require.NoError(t, err)
	assert.Equal(t, ledger.StateReleased, exec.State)

	acct, err := l.GetAgent(ctx, agent)
	require.NoError(t, err)
	assert.Equal(t, int64(0), acct.ReservedMicro)

	// Sweeping again finds nothing to settle.
	result, err = sweeper.Sweep(ctx)
	require.NoError(t, err)
	assert.Equal(t, 0, result.Released)
	assert.Equal(t, 0, result.Failed)

	assertLedgerClean(t, l)
}

func TestSettlementView(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	agent := registerTestAgent(t, l, 1_000_000)

	view, err := l.GetSettlementView(ctx, "exec-unknown")
	require.NoError(t, err)
	assert.Nil(t, view)

	params := reserveParams(agent, 2500)
	_, err = l.Reserve(ctx, params)
	require.NoError(t, err)

	view, err = l.GetSettlementView(ctx, params.ExecutionID)
	require.NoError(t, err)
	require.NotNil(t, view)
	assert.Equal(t, agent, view.Agent)
	assert.Equal(t, ledger.StateReserved, view.ExecutionState)
	assert.Equal(t, int64(2500), view.EstimatedMicro)
}

func TestLifecycleBlocksReservation(t *testing.T) {
	ctx := context.Background()
	l := newTestLedger(t)
	agent := registerTestAgent(t, l, 1_000_000)

	_, err := l.TransitionLifecycle(ctx, agent, "PAUSED", "budget review")
	require.NoError(t, err)

	_, err = l.Reserve(ctx, reserveParams(agent, 1000))
	require.Error(t, err)
	ce, ok := ledger.AsControlError(err)
	require.True(t, ok)
	assert.Equal(t, http.StatusLocked, ce.Status)
	assert.Equal(t, "LIFECYCLE_LOCKED", ce.ReasonCode)
}

// assertLedgerClean runs the invariant suite, the hash chain verification
// and the balance replay, all of which must pass after any sequence of
// ledger operations.
func assertLedgerClean(t *testing.T, l *ledger.Ledger) {
	t.Helper()
	ctx := context.Background()

	results, err := l.CheckInvariants(ctx)
	require.NoError(t, err)
	for _, r := range results {
		assert.True(t, r.Passed, "invariant %s: %s", r.Name, r.Detail)
	}

	chain, err := l.VerifyHashChain(ctx)
	require.NoError(t, err)
	assert.True(t, chain.OK, chain.Detail)

	replay, err := l.ReplayBalances(ctx)
	require.NoError(t, err)
	assert.True(t, replay.OK, replay.Detail)
}
