// Package observability synthesizes operational alerts, burn-rate estimates,
// and liveness/readiness reports from ledger state.
package observability

import (
	"context"
	"fmt"
	"math"
	"time"

	"github.com/aexlabs/aex/pkg/config"
	"github.com/aexlabs/aex/pkg/database"
	"github.com/aexlabs/aex/pkg/ledger"
)

// Alert severities.
const (
	SeverityCritical = "critical"
	SeverityWarning  = "warning"
	SeverityInfo     = "info"
)

// alertWindow is the lookback for short-window trend alerts.
const alertWindow = 10 * time.Minute

// trendSampleLimit caps the executions scanned for trend alerts.
const trendSampleLimit = 2000

// criticalInvariants are the checks whose failure blocks readiness.
var criticalInvariants = map[string]bool{
	"spent_within_budget":           true,
	"no_negative_values":            true,
	"reserved_matches_reservations": true,
	"chain_valid":                   true,
}

// Alert is one active operational condition.
type Alert struct {
	ID            string  `json:"id"`
	Severity      string  `json:"severity"`
	Message       string  `json:"message"`
	Detail        string  `json:"detail,omitempty"`
	Value         float64 `json:"value,omitempty"`
	Threshold     float64 `json:"threshold,omitempty"`
	WindowMinutes int     `json:"window_minutes,omitempty"`
	Samples       int     `json:"samples,omitempty"`
}

// Monitor evaluates alert conditions against the database.
type Monitor struct {
	client   *database.Client
	ledger   *ledger.Ledger
	settings *config.Settings
	now      func() time.Time
}

func NewMonitor(client *database.Client, l *ledger.Ledger, settings *config.Settings) *Monitor {
	return &Monitor{client: client, ledger: l, settings: settings, now: time.Now}
}

// CollectAlerts gathers active alerts from ledger state, short-window trends,
// and the invariant suite.
func (m *Monitor) CollectAlerts(ctx context.Context) ([]Alert, error) {
	alerts := []Alert{}
	windowMinutes := int(alertWindow / time.Minute)
	now := m.now().UTC()

	var staleCount int
	err := m.client.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM reservations
		WHERE state = 'RESERVED' AND expiry_at IS NOT NULL AND expiry_at < $1`, now).Scan(&staleCount)
	if err != nil {
		return nil, fmt.Errorf("counting stale reservations: %w", err)
	}
	if staleCount >= m.settings.StaleReservationCritical {
		alerts = append(alerts, Alert{
			ID:            "stale_reservations",
			Severity:      SeverityCritical,
			Message:       "Stale RESERVED tickets exceed threshold",
			Value:         float64(staleCount),
			Threshold:     float64(m.settings.StaleReservationCritical),
			WindowMinutes: windowMinutes,
		})
	}

	var nonTerminal int
	err = m.client.DB().QueryRowContext(ctx, `
		SELECT COUNT(*) FROM executions
		WHERE state NOT IN ('COMMITTED', 'DENIED', 'RELEASED', 'FAILED')`).Scan(&nonTerminal)
	if err != nil {
		return nil, fmt.Errorf("counting non-terminal executions: %w", err)
	}
	if nonTerminal >= m.settings.NonTerminalCritical {
		alerts = append(alerts, Alert{
			ID:        "non_terminal_executions",
			Severity:  SeverityCritical,
			Message:   "Non-terminal executions exceed threshold",
			Value:     float64(nonTerminal),
			Threshold: float64(m.settings.NonTerminalCritical),
		})
	}

	trend, err := m.collectTrend(ctx, now.Add(-alertWindow))
	if err != nil {
		return nil, err
	}
	if trend.total > 0 {
		ratio := float64(trend.denied) / float64(trend.total)
		if ratio >= m.settings.DenialRatioWarning {
			alerts = append(alerts, Alert{
				ID:            "high_denial_ratio",
				Severity:      SeverityWarning,
				Message:       "High denial ratio in recent execution window",
				Value:         math.Round(ratio*10000) / 10000,
				Threshold:     m.settings.DenialRatioWarning,
				WindowMinutes: windowMinutes,
				Samples:       trend.total,
			})
		}
	}
	if trend.rateLimited >= m.settings.Provider429Spike {
		alerts = append(alerts, Alert{
			ID:            "provider_429_spike",
			Severity:      SeverityWarning,
			Message:       "Provider 429 spike detected",
			Value:         float64(trend.rateLimited),
			Threshold:     float64(m.settings.Provider429Spike),
			WindowMinutes: windowMinutes,
		})
	}

	checks, err := m.ledger.CheckInvariants(ctx)
	if err != nil {
		return nil, fmt.Errorf("running invariant checks: %w", err)
	}
	for _, check := range checks {
		if check.Passed {
			continue
		}
		severity := SeverityWarning
		if criticalInvariants[check.Name] {
			severity = SeverityCritical
		}
		alerts = append(alerts, Alert{
			ID:       "invariant_" + check.Name,
			Severity: severity,
			Message:  fmt.Sprintf("Invariant failed: %s", check.Name),
			Detail:   check.Detail,
		})
	}

	return alerts, nil
}

type trendCounts struct {
	total       int
	denied      int
	rateLimited int
}

func (m *Monitor) collectTrend(ctx context.Context, cutoff time.Time) (trendCounts, error) {
	rows, err := m.client.DB().QueryContext(ctx, `
		SELECT state, COALESCE(status_code, 0)
		FROM (
			SELECT state, status_code, COALESCE(updated_at, created_at) AS seen_at
			FROM executions
			ORDER BY COALESCE(updated_at, created_at) DESC
			LIMIT $1
		) recent
		WHERE seen_at >= $2`, trendSampleLimit, cutoff)
	if err != nil {
		return trendCounts{}, fmt.Errorf("scanning recent executions: %w", err)
	}
	defer rows.Close()

	var counts trendCounts
	for rows.Next() {
		var state string
		var statusCode int
		if err := rows.Scan(&state, &statusCode); err != nil {
			return trendCounts{}, fmt.Errorf("scanning execution trend row: %w", err)
		}
		counts.total++
		if state == "DENIED" {
			counts.denied++
		}
		if statusCode == 429 {
			counts.rateLimited++
		}
	}
	return counts, rows.Err()
}

// SummarizeAlerts counts alerts per severity plus a total.
func SummarizeAlerts(alerts []Alert) map[string]int {
	summary := map[string]int{
		SeverityCritical: 0,
		SeverityWarning:  0,
		SeverityInfo:     0,
		"total":          0,
	}
	for _, alert := range alerts {
		sev := alert.Severity
		if _, ok := summary[sev]; !ok {
			sev = SeverityInfo
		}
		summary[sev]++
		summary["total"]++
	}
	return summary
}
