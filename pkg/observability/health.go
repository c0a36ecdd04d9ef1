package observability

import (
	"context"
	"time"

	"github.com/aexlabs/aex/pkg/config"
	"github.com/aexlabs/aex/pkg/database"
	"github.com/aexlabs/aex/pkg/ledger"
	"github.com/aexlabs/aex/pkg/version"
)

// Health produces liveness and readiness reports.
type Health struct {
	client  *database.Client
	ledger  *ledger.Ledger
	catalog *config.CatalogStore
	monitor *Monitor
	now     func() time.Time
}

func NewHealth(client *database.Client, l *ledger.Ledger, catalog *config.CatalogStore, monitor *Monitor) *Health {
	return &Health{client: client, ledger: l, catalog: catalog, monitor: monitor, now: time.Now}
}

// Liveness reports process liveness without touching the database.
func (h *Health) Liveness() map[string]any {
	return map[string]any{
		"status":  "ok",
		"version": version.Full(),
		"ts":      h.now().UTC().Format(time.RFC3339),
	}
}

// Readiness runs the readiness gate: database reachability, critical
// invariants, model catalog, and active critical alerts.
func (h *Health) Readiness(ctx context.Context) (bool, map[string]any) {
	checks := map[string]any{}
	ready := true

	dbHealth, err := database.Health(ctx, h.client.DB())
	if err != nil {
		checks["database"] = map[string]any{"ok": false, "error": err.Error()}
		ready = false
	} else {
		checks["database"] = map[string]any{"ok": true, "response_time_ms": dbHealth.ResponseTime}
	}

	if ready {
		results, err := h.ledger.CheckInvariants(ctx)
		if err != nil {
			checks["invariants"] = map[string]any{"ok": false, "error": err.Error()}
			ready = false
		} else {
			var failed []ledger.InvariantResult
			criticalFailures := 0
			for _, r := range results {
				if r.Passed {
					continue
				}
				failed = append(failed, r)
				if criticalInvariants[r.Name] {
					criticalFailures++
				}
			}
			checks["invariants"] = map[string]any{
				"ok":     criticalFailures == 0,
				"failed": failed,
			}
			if criticalFailures > 0 {
				ready = false
			}
		}
	}

	defaultModel := h.catalog.DefaultModel()
	_, modelOK := h.catalog.Model(defaultModel)
	checks["config"] = map[string]any{"ok": modelOK, "default_model": defaultModel}
	if !modelOK {
		ready = false
	}

	var alerts []Alert
	if ready {
		collected, err := h.monitor.CollectAlerts(ctx)
		if err != nil {
			checks["alerts"] = map[string]any{"ok": false, "error": err.Error()}
			ready = false
		} else {
			alerts = collected
			summary := SummarizeAlerts(alerts)
			checks["alerts"] = summary
			if summary[SeverityCritical] > 0 {
				ready = false
			}
		}
	}

	status := "ready"
	if !ready {
		status = "not_ready"
	}
	payload := map[string]any{
		"ready":   ready,
		"status":  status,
		"version": version.Full(),
		"ts":      h.now().UTC().Format(time.RFC3339),
		"checks":  checks,
		"alerts":  alerts,
	}
	return ready, payload
}
