package webhooks

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/aexlabs/aex/pkg/database"
)

// ErrSubscriptionNotFound is returned for unknown or foreign-tenant ids.
var ErrSubscriptionNotFound = errors.New("webhook subscription not found")

// Subscription is one tenant webhook registration.
type Subscription struct {
	ID         int64
	TenantID   string
	URL        string
	EventTypes []string
	HasSecret  bool
	Enabled    bool
	CreatedAt  time.Time
}

// Store maintains webhook subscriptions.
type Store struct {
	client *database.Client
}

func NewStore(client *database.Client) *Store {
	return &Store{client: client}
}

// Create registers a subscription. The secret is stored but never read back
// through the API.
func (s *Store) Create(ctx context.Context, tenantID, url string, eventTypes []string, secret string) (*Subscription, error) {
	if eventTypes == nil {
		eventTypes = []string{}
	}
	eventTypesJSON, err := json.Marshal(eventTypes)
	if err != nil {
		return nil, fmt.Errorf("encoding event types: %w", err)
	}

	sub := &Subscription{
		TenantID:   tenantID,
		URL:        url,
		EventTypes: eventTypes,
		HasSecret:  secret != "",
		Enabled:    true,
	}
	err = s.client.DB().QueryRowContext(ctx, `
		INSERT INTO webhook_subscriptions (tenant_id, url, event_types_json, secret, enabled)
		VALUES ($1, $2, $3, $4, TRUE)
		RETURNING id, created_at`,
		tenantID, url, string(eventTypesJSON), nullableString(secret)).Scan(&sub.ID, &sub.CreatedAt)
	if err != nil {
		return nil, fmt.Errorf("creating subscription: %w", err)
	}
	return sub, nil
}

// List returns a tenant's subscriptions.
func (s *Store) List(ctx context.Context, tenantID string) ([]Subscription, error) {
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT id, tenant_id, url, event_types_json, COALESCE(secret, ''), enabled, created_at
		FROM webhook_subscriptions
		WHERE tenant_id = $1
		ORDER BY id ASC`, tenantID)
	if err != nil {
		return nil, fmt.Errorf("listing subscriptions: %w", err)
	}
	defer rows.Close()

	var out []Subscription
	for rows.Next() {
		var sub Subscription
		var eventTypesJSON, secret string
		if err := rows.Scan(&sub.ID, &sub.TenantID, &sub.URL, &eventTypesJSON, &secret, &sub.Enabled, &sub.CreatedAt); err != nil {
			return nil, fmt.Errorf("scanning subscription: %w", err)
		}
		_ = json.Unmarshal([]byte(eventTypesJSON), &sub.EventTypes)
		sub.HasSecret = secret != ""
		out = append(out, sub)
	}
	return out, rows.Err()
}

// Delete removes a subscription within its tenant scope.
func (s *Store) Delete(ctx context.Context, tenantID string, id int64) error {
	res, err := s.client.DB().ExecContext(ctx,
		`DELETE FROM webhook_subscriptions WHERE id = $1 AND tenant_id = $2`, id, tenantID)
	if err != nil {
		return fmt.Errorf("deleting subscription: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}
	return nil
}

// SetEnabled toggles delivery for a subscription.
func (s *Store) SetEnabled(ctx context.Context, tenantID string, id int64, enabled bool) error {
	res, err := s.client.DB().ExecContext(ctx,
		`UPDATE webhook_subscriptions SET enabled = $1 WHERE id = $2 AND tenant_id = $3`,
		enabled, id, tenantID)
	if err != nil {
		return fmt.Errorf("updating subscription: %w", err)
	}
	if rows, _ := res.RowsAffected(); rows == 0 {
		return fmt.Errorf("%w: %d", ErrSubscriptionNotFound, id)
	}
	return nil
}

// DeliveryRecord is one audited attempt, exposed on the v2 surface.
type DeliveryRecord struct {
	ID             int64
	SubscriptionID int64
	EventType      string
	ExecutionID    sql.NullString
	Status         string
	Attempts       int
	HTTPStatus     sql.NullInt64
	Error          sql.NullString
	CreatedAt      time.Time
	DeliveredAt    sql.NullTime
}

// RecentDeliveries lists a tenant's latest delivery attempts.
func (s *Store) RecentDeliveries(ctx context.Context, tenantID string, limit int) ([]DeliveryRecord, error) {
	if limit <= 0 || limit > 500 {
		limit = 100
	}
	rows, err := s.client.DB().QueryContext(ctx, `
		SELECT id, subscription_id, event_type, execution_id, status, attempts,
		       http_status, error, created_at, delivered_at
		FROM webhook_deliveries
		WHERE tenant_id = $1
		ORDER BY id DESC
		LIMIT $2`, tenantID, limit)
	if err != nil {
		return nil, fmt.Errorf("listing deliveries: %w", err)
	}
	defer rows.Close()

	var out []DeliveryRecord
	for rows.Next() {
		var d DeliveryRecord
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.ExecutionID, &d.Status,
			&d.Attempts, &d.HTTPStatus, &d.Error, &d.CreatedAt, &d.DeliveredAt); err != nil {
			return nil, fmt.Errorf("scanning delivery: %w", err)
		}
		out = append(out, d)
	}
	return out, rows.Err()
}
