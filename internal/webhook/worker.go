package webhook

import (
	"bytes"
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"io"
	"log/slog"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl/internal/db"
)

// WorkerConfig controls the delivery worker pool, named and defaulted the
// way the pack's ackify-ce webhook worker does.
type WorkerConfig struct {
	Concurrency    int
	PollInterval   time.Duration
	RequestTimeout time.Duration
}

func DefaultWorkerConfig() WorkerConfig {
	return WorkerConfig{Concurrency: 4, PollInterval: 2 * time.Second, RequestTimeout: 10 * time.Second}
}

// Worker leases WebhookDelivery messages off the webhooks queue and
// performs the signed HTTP POST, applying the retry/backoff policy on
// failure.
type Worker struct {
	dispatcher *Dispatcher
	http       *http.Client
	cfg        WorkerConfig
	logger     *slog.Logger

	wg     sync.WaitGroup
	stopCh chan struct{}
}

func NewWorker(d *Dispatcher, cfg WorkerConfig, logger *slog.Logger) *Worker {
	if cfg.Concurrency <= 0 {
		cfg.Concurrency = 4
	}
	if cfg.PollInterval <= 0 {
		cfg.PollInterval = 2 * time.Second
	}
	if cfg.RequestTimeout <= 0 {
		cfg.RequestTimeout = 10 * time.Second
	}
	return &Worker{
		dispatcher: d,
		http:       &http.Client{Timeout: cfg.RequestTimeout},
		cfg:        cfg,
		logger:     logger,
		stopCh:     make(chan struct{}),
	}
}

func (w *Worker) Start(ctx context.Context) {
	for i := 0; i < w.cfg.Concurrency; i++ {
		w.wg.Add(1)
		go w.loop(ctx)
	}
	w.wg.Add(1)
	go w.retryLoop(ctx)
}

func (w *Worker) Stop() {
	close(w.stopCh)
	w.wg.Wait()
}

func (w *Worker) loop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			msg, err := w.dispatcher.queue.Lease(ctx, QueueName)
			if err != nil {
				w.logger.Error("webhook worker: lease failed", "error", err)
				continue
			}
			if msg == nil {
				continue
			}
			deliveryID, err := decodeDeliveryID(msg.Payload)
			if err != nil {
				w.logger.Error("webhook worker: decode delivery id failed", "job_id", msg.JobID, "error", err)
				_ = w.dispatcher.queue.Ack(ctx, QueueName, msg.JobID)
				continue
			}
			if err := w.Deliver(ctx, deliveryID); err != nil {
				w.logger.Error("webhook worker: deliver failed", "delivery_id", deliveryID, "error", err)
			}
			if err := w.dispatcher.queue.Ack(ctx, QueueName, msg.JobID); err != nil {
				w.logger.Error("webhook worker: ack failed", "delivery_id", deliveryID, "error", err)
			}
		}
	}
}

// retryLoop periodically scans for pending deliveries whose backoff has
// elapsed and re-enqueues them, since MarkWebhookDeliveryRetry only updates
// the row and does not itself push a queue message.
func (w *Worker) retryLoop(ctx context.Context) {
	defer w.wg.Done()
	ticker := time.NewTicker(w.cfg.PollInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-w.stopCh:
			return
		case <-ticker.C:
			if err := w.RequeueDueRetries(ctx, 100); err != nil {
				w.logger.Error("webhook worker: requeue due retries failed", "error", err)
			}
		}
	}
}

// RequeueDueRetries re-enqueues pending deliveries whose next_retry_at has
// elapsed, up to limit per scan.
func (w *Worker) RequeueDueRetries(ctx context.Context, limit int32) error {
	q := db.New(w.dispatcher.db)
	due, err := q.ListDueRetries(ctx, limit)
	if err != nil {
		return fmt.Errorf("list due retries: %w", err)
	}
	for _, d := range due {
		if err := w.dispatcher.queue.Enqueue(ctx, QueueName, d.ID.String(), d); err != nil {
			w.logger.Error("webhook worker: re-enqueue due retry failed", "delivery_id", d.ID, "error", err)
		}
	}
	return nil
}

// decodeDeliveryID recovers the business delivery id from a queued message's
// payload. The queue's own job id (Message.JobID) is only a dedup/lease key
// and, for replayed deliveries, carries a "-replay" suffix that is not
// itself a valid UUID.
func decodeDeliveryID(payload json.RawMessage) (uuid.UUID, error) {
	var v struct {
		ID uuid.UUID `json:"ID"`
	}
	if err := json.Unmarshal(payload, &v); err != nil {
		return uuid.Nil, fmt.Errorf("decode delivery id: %w", err)
	}
	return v.ID, nil
}

// Deliver performs one delivery attempt for the given delivery id and
// applies the retry/backoff-or-terminal-failure transition. It is the
// testable core of the worker loop.
func (w *Worker) Deliver(ctx context.Context, deliveryID uuid.UUID) error {
	q := db.New(w.dispatcher.db)

	delivery, err := q.GetWebhookDelivery(ctx, deliveryID)
	if err != nil {
		return fmt.Errorf("load delivery: %w", err)
	}
	sub, err := q.GetWebhookSubscription(ctx, delivery.SubscriptionID)
	if err != nil {
		return fmt.Errorf("load subscription: %w", err)
	}

	timestamp := time.Now().UTC().Format(time.RFC3339)
	signature := Sign(sub.Secret, timestamp, delivery.Payload)

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, sub.Url, bytes.NewReader(delivery.Payload))
	if err != nil {
		return fmt.Errorf("build request: %w", err)
	}
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("X-Webhook-Event", delivery.EventType)
	req.Header.Set("X-Webhook-Id", delivery.ID.String())
	req.Header.Set("X-Webhook-Timestamp", timestamp)
	req.Header.Set("X-Webhook-Signature", signature)
	if len(sub.CustomHeaders) > 0 {
		var customHeaders map[string]string
		if err := json.Unmarshal(sub.CustomHeaders, &customHeaders); err == nil {
			for k, v := range customHeaders {
				req.Header.Set(k, v)
			}
		}
	}

	resp, deliverErr := w.http.Do(req)
	if deliverErr == nil {
		defer resp.Body.Close()
		_, _ = io.Copy(io.Discard, resp.Body)
	}

	success := deliverErr == nil && resp.StatusCode >= 200 && resp.StatusCode < 300
	if success {
		return q.MarkWebhookDeliveryDelivered(ctx, deliveryID)
	}

	attempt := delivery.AttemptNumber + 1
	errMsg := deliveryErrorMessage(deliverErr, resp)

	if attempt < sub.MaxRetries {
		nextRetryAt := time.Now().Add(NextRetryDelay(attempt, time.Second, sub.RetryMultiplier))
		return q.MarkWebhookDeliveryRetry(ctx, db.MarkWebhookDeliveryRetryParams{
			ID:            deliveryID,
			AttemptNumber: attempt,
			NextRetryAt:   sql.NullTime{Time: nextRetryAt, Valid: true},
			ErrorMessage:  errMsg,
		})
	}

	if err := q.MarkWebhookDeliveryFailed(ctx, deliveryID, attempt, errMsg); err != nil {
		return err
	}
	return q.IncrementSubscriptionConsecutiveFailures(ctx, delivery.SubscriptionID)
}

func deliveryErrorMessage(err error, resp *http.Response) string {
	if err != nil {
		return err.Error()
	}
	return fmt.Sprintf("non-2xx response: %d", resp.StatusCode)
}
