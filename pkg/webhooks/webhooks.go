// Package webhooks fans budget and execution events out to tenant-registered
// endpoints. Delivery is best-effort and fully audited: every attempt is a
// webhook_deliveries row, and a retry worker picks up failures.
package webhooks

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/aexlabs/aex/pkg/codec"
	"github.com/aexlabs/aex/pkg/database"
)

// Delivery statuses.
const (
	StatusPending   = "PENDING"
	StatusDelivered = "DELIVERED"
	StatusFailed    = "FAILED"
)

// Signature and event-type headers on outbound requests.
const (
	HeaderSignature = "X-AEX-Signature"
	HeaderEventType = "X-AEX-Event-Type"
)

// Dispatcher implements ledger.Notifier over HTTP webhooks.
type Dispatcher struct {
	client     *database.Client
	httpClient *http.Client
	now        func() time.Time
	observe    func(status string)
}

// SetObserver registers a callback invoked with the outcome status of every
// delivery attempt.
func (d *Dispatcher) SetObserver(fn func(status string)) {
	d.observe = fn
}

func New(client *database.Client, timeout time.Duration) *Dispatcher {
	return &Dispatcher{
		client:     client,
		httpClient: &http.Client{Timeout: timeout},
		now:        time.Now,
	}
}

// Notify records and attempts delivery to every matching subscription.
// Failures are logged and left for the retry worker; the caller's financial
// path is never affected.
func (d *Dispatcher) Notify(ctx context.Context, tenantID, eventType, executionID string, payload map[string]any) {
	targets, err := d.enqueue(ctx, tenantID, eventType, executionID, payload)
	if err != nil {
		slog.Warn("Failed to enqueue webhook deliveries",
			"tenant_id", tenantID, "event_type", eventType, "error", err)
		return
	}
	for _, target := range targets {
		d.attempt(ctx, target, eventType, tenantID, executionID, payload)
	}
}

// pendingDelivery is one enqueued attempt.
type pendingDelivery struct {
	DeliveryID     int64
	SubscriptionID int64
	URL            string
	Secret         string
}

func (d *Dispatcher) enqueue(ctx context.Context, tenantID, eventType, executionID string, payload map[string]any) ([]pendingDelivery, error) {
	rows, err := d.client.DB().QueryContext(ctx, `
		SELECT id, url, COALESCE(secret, ''), event_types_json
		FROM webhook_subscriptions
		WHERE tenant_id = $1 AND enabled = TRUE
		ORDER BY id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	payloadJSON, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encoding payload: %w", err)
	}

	var targets []pendingDelivery
	for rows.Next() {
		var id int64
		var url, secret, eventTypesJSON string
		if err := rows.Scan(&id, &url, &secret, &eventTypesJSON); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		if !eventTypeMatches(eventTypesJSON, eventType) {
			continue
		}

		var deliveryID int64
		err := d.client.DB().QueryRowContext(ctx, `
			INSERT INTO webhook_deliveries (
				subscription_id, tenant_id, event_type, execution_id, payload_json, status, attempts
			) VALUES ($1, $2, $3, $4, $5, 'PENDING', 0)
			RETURNING id`,
			id, tenantID, eventType, nullableString(executionID), string(payloadJSON)).Scan(&deliveryID)
		if err != nil {
			return nil, fmt.Errorf("recording delivery: %w", err)
		}
		targets = append(targets, pendingDelivery{
			DeliveryID:     deliveryID,
			SubscriptionID: id,
			URL:            url,
			Secret:         secret,
		})
	}
	return targets, rows.Err()
}

func (d *Dispatcher) attempt(ctx context.Context, target pendingDelivery, eventType, tenantID, executionID string, payload map[string]any) {
	status, httpStatus, errText := d.deliver(ctx, target, eventType, tenantID, executionID, payload)
	if d.observe != nil {
		d.observe(status)
	}

	_, err := d.client.DB().ExecContext(ctx, `
		UPDATE webhook_deliveries
		SET status = $1,
		    attempts = attempts + 1,
		    http_status = $2,
		    error = $3,
		    delivered_at = CASE WHEN $1 = 'DELIVERED' THEN NOW() ELSE delivered_at END
		WHERE id = $4`,
		status, nullableInt(httpStatus), nullableString(errText), target.DeliveryID)
	if err != nil {
		slog.Warn("Failed to record webhook delivery outcome", "delivery_id", target.DeliveryID, "error", err)
	}

	if status != StatusDelivered {
		slog.Warn("Webhook delivery failed",
			"tenant_id", tenantID, "event_type", eventType,
			"subscription_id", target.SubscriptionID,
			"http_status", httpStatus, "error", errText)
	}
}

// deliver signs and posts one envelope. The signature is an HMAC-SHA256 of
// the canonical JSON body so receivers can verify it byte-for-byte.
func (d *Dispatcher) deliver(ctx context.Context, target pendingDelivery, eventType, tenantID, executionID string, payload map[string]any) (status string, httpStatus int, errText string) {
	envelope := map[string]any{
		"event_id":     fmt.Sprintf("wh_%d", target.DeliveryID),
		"event_type":   eventType,
		"tenant_id":    tenantID,
		"execution_id": nilIfEmpty(executionID),
		"ts":           d.now().UTC().Truncate(time.Second).Format(time.RFC3339),
		"payload":      payload,
	}
	body, err := codec.CanonicalJSON(envelope)
	if err != nil {
		return StatusFailed, 0, fmt.Sprintf("encoding envelope: %v", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, target.URL, bytes.NewReader([]byte(body)))
	if err != nil {
		return StatusFailed, 0, fmt.Sprintf("building request: %v", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set(HeaderEventType, eventType)
	if target.Secret != "" {
		req.Header.Set(HeaderSignature, Sign(target.Secret, body))
	}

	resp, err := d.httpClient.Do(req)
	if err != nil {
		return StatusFailed, 0, err.Error()
	}
	defer resp.Body.Close()

	if resp.StatusCode >= 400 {
		return StatusFailed, resp.StatusCode, fmt.Sprintf("HTTP %d", resp.StatusCode)
	}
	return StatusDelivered, resp.StatusCode, ""
}

// Sign computes the hex HMAC-SHA256 receivers verify against X-AEX-Signature.
func Sign(secret, body string) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(body))
	return hex.EncodeToString(mac.Sum(nil))
}

// eventTypeMatches applies the subscription filter. Empty and "*" filters
// match everything; malformed filters match everything rather than silently
// dropping events.
func eventTypeMatches(eventTypesJSON, eventType string) bool {
	if eventTypesJSON == "" {
		return true
	}
	var allowed []string
	if err := json.Unmarshal([]byte(eventTypesJSON), &allowed); err != nil {
		return true
	}
	if len(allowed) == 0 {
		return true
	}
	for _, t := range allowed {
		if t == eventType || t == "*" {
			return true
		}
	}
	return false
}

func nullableString(s string) any {
	if s == "" {
		return nil
	}
	return s
}

func nullableInt(n int) any {
	if n == 0 {
		return nil
	}
	return n
}

func nilIfEmpty(s string) any {
	if s == "" {
		return nil
	}
	return s
}
