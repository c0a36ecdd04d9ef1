package webhooks

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"time"
)

// maxAttempts bounds retries per delivery before it is abandoned.
const maxAttempts = 5

// RetryWorker periodically redelivers failed webhook attempts.
type RetryWorker struct {
	dispatcher *Dispatcher
	interval   time.Duration

	cancel context.CancelFunc
	done   chan struct{}
}

func NewRetryWorker(dispatcher *Dispatcher, interval time.Duration) *RetryWorker {
	return &RetryWorker{dispatcher: dispatcher, interval: interval}
}

// Start launches the retry loop.
func (w *RetryWorker) Start(ctx context.Context) {
	if w.cancel != nil {
		return
	}
	ctx, w.cancel = context.WithCancel(ctx)
	w.done = make(chan struct{})

	go w.run(ctx)

	slog.Info("Webhook retry worker started", "interval", w.interval)
}

// Stop signals the loop to exit and waits for it to finish.
func (w *RetryWorker) Stop() {
	if w.cancel == nil {
		return
	}
	w.cancel()
	<-w.done
	slog.Info("Webhook retry worker stopped")
}

func (w *RetryWorker) run(ctx context.Context) {
	defer close(w.done)

	ticker := time.NewTicker(w.interval)
	defer ticker.Stop()

	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.C:
			if retried, err := w.RetryFailed(ctx); err != nil {
				slog.Warn("Webhook retry pass failed", "error", err)
			} else if retried > 0 {
				slog.Info("Retried failed webhook deliveries", "count", retried)
			}
		}
	}
}

// RetryFailed re-attempts every FAILED delivery that still has attempts
// left. Returns the number of deliveries retried.
func (w *RetryWorker) RetryFailed(ctx context.Context) (int, error) {
	rows, err := w.dispatcher.client.DB().QueryContext(ctx, `
		SELECT d.id, d.subscription_id, d.tenant_id, d.event_type,
		       COALESCE(d.execution_id, ''), d.payload_json, s.url, COALESCE(s.secret, '')
		FROM webhook_deliveries d
		JOIN webhook_subscriptions s ON s.id = d.subscription_id
		WHERE d.status = 'FAILED' AND d.attempts < $1 AND s.enabled = TRUE
		ORDER BY d.id ASC
		LIMIT 100`, maxAttempts)
	if err != nil {
		return 0, fmt.Errorf("listing failed deliveries: %w", err)
	}
	defer rows.Close()

	type retryItem struct {
		target      pendingDelivery
		tenantID    string
		eventType   string
		executionID string
		payloadJSON string
	}
	var items []retryItem
	for rows.Next() {
		var item retryItem
		if err := rows.Scan(&item.target.DeliveryID, &item.target.SubscriptionID,
			&item.tenantID, &item.eventType, &item.executionID,
			&item.payloadJSON, &item.target.URL, &item.target.Secret); err != nil {
			return 0, fmt.Errorf("scanning failed delivery: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return 0, err
	}

	for _, item := range items {
		var payload map[string]any
		if err := json.Unmarshal([]byte(item.payloadJSON), &payload); err != nil {
			slog.Warn("Skipping delivery with malformed payload", "delivery_id", item.target.DeliveryID)
			continue
		}
		w.dispatcher.attempt(ctx, item.target, item.eventType, item.tenantID, item.executionID, payload)
	}
	return len(items), nil
}
