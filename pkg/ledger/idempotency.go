package ledger

import (
	"context"
	"fmt"
	"time"
)

// AwaitTerminal polls for a terminal result of an in-flight execution with
// the same id. Returns the cached terminal execution, or nil when the wait
// budget is exhausted while the sibling is still running.
func (l *Ledger) AwaitTerminal(ctx context.Context, executionID string, wait, poll time.Duration) (*CachedExecution, error) {
	deadline := time.Now().Add(wait)
	for {
		cached, err := l.GetExecution(ctx, executionID)
		if err != nil {
			return nil, fmt.Errorf("awaiting terminal result: %w", err)
		}
		if cached != nil && cached.State.Terminal() {
			return cached, nil
		}
		if time.Now().After(deadline) {
			return nil, nil
		}
		select {
		case <-ctx.Done():
			return nil, ctx.Err()
		case <-time.After(poll):
		}
	}
}
