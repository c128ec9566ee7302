// Package webhook implements the Webhook Dispatcher (C6): subscription
// resolution for a (event_type, resource_type, resource_id, owner) tuple,
// signed HTTP delivery, and a retry queue with exponential backoff.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"database/sql"
	"encoding/hex"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/model"
	"github.com/anycrawl/anycrawl/internal/queue"
)

// QueueName is where WebhookDelivery rows are dispatched.
const QueueName = "webhooks"

// Dispatcher resolves subscriptions and enqueues deliveries.
type Dispatcher struct {
	db    *sql.DB
	queue *queue.Queue
}

func New(database *sql.DB, q *queue.Queue) *Dispatcher {
	return &Dispatcher{db: database, queue: q}
}

// Event is the payload handed to Fire for a single occurrence.
type Event struct {
	Type       model.EventType
	Resource   model.ResourceType
	ResourceID string
	Owner      model.Owner
	Payload    map[string]any
}

// Fire resolves active subscriptions for the event's owner, filters by
// event-type and scope, creates a pending WebhookDelivery row per match,
// and enqueues it on the webhooks queue. Fire is best-effort:
// resolution/enqueue failures are returned but never block the
// orchestrator's own job-completion path.
func (d *Dispatcher) Fire(ctx context.Context, ev Event) error {
	q := db.New(d.db)

	subs, err := q.ListActiveWebhookSubscriptionsByOwner(ctx, string(ev.Owner.Kind), ev.Owner.ID)
	if err != nil {
		return fmt.Errorf("webhook: resolve subscriptions: %w", err)
	}

	ev.Payload["job_id"] = ev.ResourceID

	for _, sub := range subs {
		if !eventTypeAllowed(sub.EventTypes, ev.Type) {
			continue
		}
		if sub.Scope == string(model.ScopeSpecific) && !taskAllowed(sub.TaskIDs, ev.ResourceID) {
			continue
		}

		payloadJSON, err := json.Marshal(ev.Payload)
		if err != nil {
			return fmt.Errorf("webhook: marshal payload: %w", err)
		}

		delivery, err := q.InsertWebhookDelivery(ctx, db.InsertWebhookDeliveryParams{
			ID:             uuid.New(),
			SubscriptionID: sub.ID,
			EventType:      string(ev.Type),
			ResourceType:   string(ev.Resource),
			ResourceID:     ev.ResourceID,
			Payload:        payloadJSON,
		})
		if err != nil {
			return fmt.Errorf("webhook: create delivery row: %w", err)
		}

		if err := d.queue.Enqueue(ctx, QueueName, delivery.ID.String(), delivery); err != nil {
			return fmt.Errorf("webhook: enqueue delivery: %w", err)
		}
	}
	return nil
}

func eventTypeAllowed(allowed []string, ev model.EventType) bool {
	for _, a := range allowed {
		if a == string(ev) {
			return true
		}
	}
	return false
}

func taskAllowed(taskIDs []string, resourceID string) bool {
	for _, id := range taskIDs {
		if id == resourceID {
			return true
		}
	}
	return false
}

// Replay resets a delivery row to pending with attempt_number=1 and
// re-enqueues it under a "<deliveryId>-replay" message key so it can't
// collide with the original delivery's still-in-flight queue/lease entry.
func (d *Dispatcher) Replay(ctx context.Context, deliveryID uuid.UUID) error {
	q := db.New(d.db)
	if err := q.ReplayWebhookDelivery(ctx, deliveryID); err != nil {
		return fmt.Errorf("webhook: replay reset: %w", err)
	}
	delivery, err := q.GetWebhookDelivery(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("webhook: load delivery for replay: %w", err)
	}
	return d.queue.Enqueue(ctx, QueueName, deliveryID.String()+"-replay", delivery)
}

// Sign computes hex(HMAC-SHA256(secret, timestamp + "." + body)).
func Sign(secret string, timestamp string, body []byte) string {
	mac := hmac.New(sha256.New, []byte(secret))
	mac.Write([]byte(timestamp + "."))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

// NextRetryDelay computes initial_delay * multiplier^(attempt-1) (default
// multiplier 2, initial delay 1s).
func NextRetryDelay(attempt int32, initialDelay time.Duration, multiplier float64) time.Duration {
	if initialDelay <= 0 {
		initialDelay = time.Second
	}
	if multiplier <= 0 {
		multiplier = 2
	}
	factor := 1.0
	for i := int32(1); i < attempt; i++ {
		factor *= multiplier
	}
	return time.Duration(float64(initialDelay) * factor)
}
