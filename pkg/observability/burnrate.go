package observability

import (
	"context"
	"fmt"
	"time"
)

// BurnEvent is one committed spend sample for burn-rate estimation.
type BurnEvent struct {
	Timestamp time.Time
	CostMicro int64
}

// burnWindows are the standard estimation windows.
var burnWindows = []struct {
	key   string
	width time.Duration
}{
	{"1m", time.Minute},
	{"15m", 15 * time.Minute},
	{"1h", time.Hour},
}

// BurnRates estimates micro-units/sec of committed spend across the standard
// windows from the audit event log.
func (m *Monitor) BurnRates(ctx context.Context) (map[string]int64, error) {
	now := m.now().UTC()
	rows, err := m.client.DB().QueryContext(ctx, `
		SELECT ts, cost_micro
		FROM events
		WHERE cost_micro > 0 AND ts >= $1`, now.Add(-time.Hour))
	if err != nil {
		return nil, fmt.Errorf("loading spend events: %w", err)
	}
	defer rows.Close()

	var events []BurnEvent
	for rows.Next() {
		var ev BurnEvent
		if err := rows.Scan(&ev.Timestamp, &ev.CostMicro); err != nil {
			return nil, fmt.Errorf("scanning spend event: %w", err)
		}
		events = append(events, ev)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return EstimateBurnWindows(events, now), nil
}

// EstimateBurnWindows computes micro-units/sec per window. Rates use integer
// division so they are stable across replays.
func EstimateBurnWindows(events []BurnEvent, now time.Time) map[string]int64 {
	out := make(map[string]int64, len(burnWindows))
	for _, window := range burnWindows {
		cutoff := now.Add(-window.width)
		var total int64
		for _, ev := range events {
			if ev.Timestamp.Before(cutoff) {
				continue
			}
			if ev.CostMicro > 0 {
				total += ev.CostMicro
			}
		}
		seconds := int64(window.width / time.Second)
		if seconds < 1 {
			seconds = 1
		}
		out[window.key] = total / seconds
	}
	return out
}
