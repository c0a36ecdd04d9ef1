package observability

import (
	"testing"
	"time"

	"github.com/prometheus/client_golang/prometheus"
	"github.com/stretchr/testify/assert"
)

func TestEstimateBurnWindows(t *testing.T) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	events := []BurnEvent{
		{Timestamp: now.Add(-30 * time.Second), CostMicro: 600_000},
		{Timestamp: now.Add(-10 * time.Minute), CostMicro: 900_000},
		{Timestamp: now.Add(-50 * time.Minute), CostMicro: 3_600_000},
		{Timestamp: now.Add(-2 * time.Hour), CostMicro: 99_000_000},
	}

	rates := EstimateBurnWindows(events, now)

	assert.Equal(t, int64(600_000/60), rates["1m"])
	assert.Equal(t, int64((600_000+900_000)/900), rates["15m"])
	assert.Equal(t, int64((600_000+900_000+3_600_000)/3600), rates["1h"])
}

func TestEstimateBurnWindowsEmpty(t *testing.T) {
	rates := EstimateBurnWindows(nil, time.Now())
	assert.Equal(t, int64(0), rates["1m"])
	assert.Equal(t, int64(0), rates["15m"])
	assert.Equal(t, int64(0), rates["1h"])
}

func TestEstimateBurnWindowsIgnoresNegative(t *testing.T) {
	now := time.Now().UTC()
	rates := EstimateBurnWindows([]BurnEvent{
		{Timestamp: now, CostMicro: -500},
		{Timestamp: now, CostMicro: 120_000},
	}, now)
	assert.Equal(t, int64(2000), rates["1m"])
}

func TestSummarizeAlerts(t *testing.T) {
	alerts := []Alert{
		{ID: "a", Severity: SeverityCritical},
		{ID: "b", Severity: SeverityWarning},
		{ID: "c", Severity: SeverityWarning},
		{ID: "d", Severity: "bogus"},
	}
	summary := SummarizeAlerts(alerts)
	assert.Equal(t, 1, summary[SeverityCritical])
	assert.Equal(t, 2, summary[SeverityWarning])
	assert.Equal(t, 1, summary[SeverityInfo], "unknown severities count as info")
	assert.Equal(t, 4, summary["total"])
}

func TestSummarizeAlertsEmpty(t *testing.T) {
	summary := SummarizeAlerts(nil)
	assert.Equal(t, 0, summary["total"])
	assert.Equal(t, 0, summary[SeverityCritical])
}

func TestNewMetricsRegisters(t *testing.T) {
	reg := prometheus.NewRegistry()
	m := NewMetrics(reg)

	m.AdmissionDecisions.WithLabelValues("/v1/chat/completions", "admitted").Inc()
	m.Settlements.WithLabelValues("committed").Inc()
	m.WebhookDeliveries.WithLabelValues("DELIVERED").Inc()

	families, err := reg.Gather()
	assert.NoError(t, err)
	names := make([]string, 0, len(families))
	for _, fam := range families {
		names = append(names, fam.GetName())
	}
	assert.Contains(t, names, "aex_admission_decisions_total")
	assert.Contains(t, names, "aex_settlements_total")
	assert.Contains(t, names, "aex_webhook_deliveries_total")
}
