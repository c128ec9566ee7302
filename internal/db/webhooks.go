package db

import (
	"context"
	"database/sql"
	"encoding/json"

	"github.com/google/uuid"
	"github.com/lib/pq"
)

type InsertWebhookSubscriptionParams struct {
	ID              uuid.UUID
	OwnerKind       string
	OwnerID         string
	Url             string
	Secret          string
	Scope           string
	EventTypes      []string
	TaskIDs         []string
	CustomHeaders   json.RawMessage
	TimeoutMs       int32
	MaxRetries      int32
	RetryMultiplier float64
	Tags            []string
	Metadata        json.RawMessage
}

func scanSubscription(row *sql.Row) (WebhookSubscription, error) {
	var s WebhookSubscription
	var eventTypes, taskIDs, tags pq.StringArray
	err := row.Scan(&s.ID, &s.OwnerKind, &s.OwnerID, &s.Url, &s.Secret, &s.Scope, &eventTypes,
		&taskIDs, &s.CustomHeaders, &s.TimeoutMs, &s.MaxRetries, &s.RetryMultiplier, &s.IsActive,
		&s.ConsecutiveFailures, &tags, &s.Metadata, &s.CreatedAt, &s.UpdatedAt)
	s.EventTypes, s.TaskIDs, s.Tags = eventTypes, taskIDs, tags
	return s, err
}

func (q *Queries) InsertWebhookSubscription(ctx context.Context, arg InsertWebhookSubscriptionParams) (WebhookSubscription, error) {
	row := q.db.QueryRowContext(ctx, `
INSERT INTO webhook_subscriptions
  (id, owner_kind, owner_id, url, secret, scope, event_types, task_ids, custom_headers,
   timeout_ms, max_retries, retry_multiplier, is_active, consecutive_failures, tags, metadata,
   created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,true,0,$13,$14,now(),now())
RETURNING id, owner_kind, owner_id, url, secret, scope, event_types, task_ids, custom_headers,
          timeout_ms, max_retries, retry_multiplier, is_active, consecutive_failures, tags,
          metadata, created_at, updated_at`,
		arg.ID, arg.OwnerKind, arg.OwnerID, arg.Url, arg.Secret, arg.Scope,
		pq.StringArray(arg.EventTypes), pq.StringArray(arg.TaskIDs), arg.CustomHeaders,
		arg.TimeoutMs, arg.MaxRetries, arg.RetryMultiplier, pq.StringArray(arg.Tags), arg.Metadata)
	return scanSubscription(row)
}

func (q *Queries) GetWebhookSubscription(ctx context.Context, id uuid.UUID) (WebhookSubscription, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, owner_kind, owner_id, url, secret, scope, event_types, task_ids, custom_headers,
       timeout_ms, max_retries, retry_multiplier, is_active, consecutive_failures, tags,
       metadata, created_at, updated_at
FROM webhook_subscriptions WHERE id = $1`, id)
	return scanSubscription(row)
}

// ListActiveWebhookSubscriptionsByOwner resolves subscriptions for C6 step 1.
func (q *Queries) ListActiveWebhookSubscriptionsByOwner(ctx context.Context, ownerKind, ownerID string) ([]WebhookSubscription, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, owner_kind, owner_id, url, secret, scope, event_types, task_ids, custom_headers,
       timeout_ms, max_retries, retry_multiplier, is_active, consecutive_failures, tags,
       metadata, created_at, updated_at
FROM webhook_subscriptions WHERE owner_kind = $1 AND owner_id = $2 AND is_active = true`, ownerKind, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []WebhookSubscription
	for rows.Next() {
		var s WebhookSubscription
		var eventTypes, taskIDs, tags pq.StringArray
		if err := rows.Scan(&s.ID, &s.OwnerKind, &s.OwnerID, &s.Url, &s.Secret, &s.Scope, &eventTypes,
			&taskIDs, &s.CustomHeaders, &s.TimeoutMs, &s.MaxRetries, &s.RetryMultiplier, &s.IsActive,
			&s.ConsecutiveFailures, &tags, &s.Metadata, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.EventTypes, s.TaskIDs, s.Tags = eventTypes, taskIDs, tags
		out = append(out, s)
	}
	return out, rows.Err()
}

func (q *Queries) ListWebhookSubscriptionsByOwner(ctx context.Context, ownerKind, ownerID string) ([]WebhookSubscription, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, owner_kind, owner_id, url, secret, scope, event_types, task_ids, custom_headers,
       timeout_ms, max_retries, retry_multiplier, is_active, consecutive_failures, tags,
       metadata, created_at, updated_at
FROM webhook_subscriptions WHERE owner_kind = $1 AND owner_id = $2 ORDER BY created_at DESC`, ownerKind, ownerID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookSubscription
	for rows.Next() {
		var s WebhookSubscription
		var eventTypes, taskIDs, tags pq.StringArray
		if err := rows.Scan(&s.ID, &s.OwnerKind, &s.OwnerID, &s.Url, &s.Secret, &s.Scope, &eventTypes,
			&taskIDs, &s.CustomHeaders, &s.TimeoutMs, &s.MaxRetries, &s.RetryMultiplier, &s.IsActive,
			&s.ConsecutiveFailures, &tags, &s.Metadata, &s.CreatedAt, &s.UpdatedAt); err != nil {
			return nil, err
		}
		s.EventTypes, s.TaskIDs, s.Tags = eventTypes, taskIDs, tags
		out = append(out, s)
	}
	return out, rows.Err()
}

type UpdateWebhookSubscriptionParams struct {
	ID              uuid.UUID
	Url             string
	Scope           string
	EventTypes      []string
	TaskIDs         []string
	CustomHeaders   json.RawMessage
	TimeoutMs       int32
	MaxRetries      int32
	RetryMultiplier float64
	Tags            []string
	Metadata        json.RawMessage
}

func (q *Queries) UpdateWebhookSubscription(ctx context.Context, arg UpdateWebhookSubscriptionParams) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE webhook_subscriptions SET url=$2, scope=$3, event_types=$4, task_ids=$5, custom_headers=$6,
       timeout_ms=$7, max_retries=$8, retry_multiplier=$9, tags=$10, metadata=$11, updated_at=now()
WHERE id=$1`, arg.ID, arg.Url, arg.Scope, pq.StringArray(arg.EventTypes), pq.StringArray(arg.TaskIDs),
		arg.CustomHeaders, arg.TimeoutMs, arg.MaxRetries, arg.RetryMultiplier, pq.StringArray(arg.Tags), arg.Metadata)
	return err
}

func (q *Queries) SetWebhookSubscriptionActive(ctx context.Context, id uuid.UUID, active bool) error {
	_, err := q.db.ExecContext(ctx, `UPDATE webhook_subscriptions SET is_active=$2, updated_at=now() WHERE id=$1`, id, active)
	return err
}

func (q *Queries) DeleteWebhookSubscription(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `DELETE FROM webhook_subscriptions WHERE id=$1`, id)
	return err
}

func (q *Queries) IncrementSubscriptionConsecutiveFailures(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `UPDATE webhook_subscriptions SET consecutive_failures = consecutive_failures + 1, updated_at = now() WHERE id=$1`, id)
	return err
}

func (q *Queries) ResetSubscriptionConsecutiveFailures(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `UPDATE webhook_subscriptions SET consecutive_failures = 0, updated_at = now() WHERE id=$1`, id)
	return err
}

// --- deliveries ---

type InsertWebhookDeliveryParams struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	EventType      string
	ResourceType   string
	ResourceID     string
	Payload        json.RawMessage
}

func scanDelivery(row *sql.Row) (WebhookDelivery, error) {
	var d WebhookDelivery
	err := row.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.ResourceType, &d.ResourceID,
		&d.Payload, &d.Status, &d.AttemptNumber, &d.NextRetryAt, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt)
	return d, err
}

func (q *Queries) InsertWebhookDelivery(ctx context.Context, arg InsertWebhookDeliveryParams) (WebhookDelivery, error) {
	row := q.db.QueryRowContext(ctx, `
INSERT INTO webhook_deliveries
  (id, subscription_id, event_type, resource_type, resource_id, payload, status, attempt_number, created_at, updated_at)
VALUES ($1,$2,$3,$4,$5,$6,'pending',0,now(),now())
RETURNING id, subscription_id, event_type, resource_type, resource_id, payload, status,
          attempt_number, next_retry_at, error_message, created_at, updated_at`,
		arg.ID, arg.SubscriptionID, arg.EventType, arg.ResourceType, arg.ResourceID, arg.Payload)
	return scanDelivery(row)
}

func (q *Queries) GetWebhookDelivery(ctx context.Context, id uuid.UUID) (WebhookDelivery, error) {
	row := q.db.QueryRowContext(ctx, `
SELECT id, subscription_id, event_type, resource_type, resource_id, payload, status,
       attempt_number, next_retry_at, error_message, created_at, updated_at
FROM webhook_deliveries WHERE id=$1`, id)
	return scanDelivery(row)
}

func (q *Queries) ListWebhookDeliveries(ctx context.Context, subscriptionID uuid.UUID, status string, limit, offset int32) ([]WebhookDelivery, error) {
	query := `
SELECT id, subscription_id, event_type, resource_type, resource_id, payload, status,
       attempt_number, next_retry_at, error_message, created_at, updated_at
FROM webhook_deliveries WHERE subscription_id=$1`
	args := []any{subscriptionID}
	if status != "" {
		query += ` AND status=$2 ORDER BY created_at DESC LIMIT $3 OFFSET $4`
		args = append(args, status, limit, offset)
	} else {
		query += ` ORDER BY created_at DESC LIMIT $2 OFFSET $3`
		args = append(args, limit, offset)
	}
	rows, err := q.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.ResourceType, &d.ResourceID,
			&d.Payload, &d.Status, &d.AttemptNumber, &d.NextRetryAt, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q *Queries) MarkWebhookDeliveryDelivered(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE webhook_deliveries SET status='delivered', error_message=NULL, next_retry_at=NULL, updated_at=now()
WHERE id=$1`, id)
	return err
}

type MarkWebhookDeliveryRetryParams struct {
	ID            uuid.UUID
	AttemptNumber int32
	NextRetryAt   sql.NullTime
	ErrorMessage  string
}

func (q *Queries) MarkWebhookDeliveryRetry(ctx context.Context, arg MarkWebhookDeliveryRetryParams) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE webhook_deliveries SET status='pending', attempt_number=$2, next_retry_at=$3, error_message=$4, updated_at=now()
WHERE id=$1`, arg.ID, arg.AttemptNumber, arg.NextRetryAt, arg.ErrorMessage)
	return err
}

func (q *Queries) MarkWebhookDeliveryFailed(ctx context.Context, id uuid.UUID, attemptNumber int32, errMsg string) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE webhook_deliveries SET status='failed', attempt_number=$2, error_message=$3, updated_at=now()
WHERE id=$1`, id, attemptNumber, errMsg)
	return err
}

// ListDueRetries finds pending deliveries whose backoff has elapsed, so the
// worker can re-enqueue them.
func (q *Queries) ListDueRetries(ctx context.Context, limit int32) ([]WebhookDelivery, error) {
	rows, err := q.db.QueryContext(ctx, `
SELECT id, subscription_id, event_type, resource_type, resource_id, payload, status,
       attempt_number, next_retry_at, error_message, created_at, updated_at
FROM webhook_deliveries
WHERE status = 'pending' AND attempt_number > 0 AND next_retry_at IS NOT NULL AND next_retry_at <= now()
ORDER BY next_retry_at ASC
LIMIT $1`, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var out []WebhookDelivery
	for rows.Next() {
		var d WebhookDelivery
		if err := rows.Scan(&d.ID, &d.SubscriptionID, &d.EventType, &d.ResourceType, &d.ResourceID,
			&d.Payload, &d.Status, &d.AttemptNumber, &d.NextRetryAt, &d.ErrorMessage, &d.CreatedAt, &d.UpdatedAt); err != nil {
			return nil, err
		}
		out = append(out, d)
	}
	return out, rows.Err()
}

func (q *Queries) ReplayWebhookDelivery(ctx context.Context, id uuid.UUID) error {
	_, err := q.db.ExecContext(ctx, `
UPDATE webhook_deliveries SET status='pending', attempt_number=1, error_message=NULL, next_retry_at=NULL, updated_at=now()
WHERE id=$1`, id)
	return err
}
