// Package queue implements the Queue & Worker Dispatch component (C4): a
// durable named-queue abstraction over Redis with lease/visibility-timeout
// semantics, so a worker crash makes a message redeliverable rather than
// lost.
package queue

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/redis/go-redis/v9"
)

// ErrNotFound is returned by operations addressing a message that is
// neither queued nor leased.
var ErrNotFound = errors.New("queue: message not found")

// Message mirrors the QueueMessage data model. JobID is the queue's own
// dedup/lease key: it usually equals the business job/delivery id, but a
// caller that needs a distinct message identity (e.g. a webhook replay,
// which must not collide with the original delivery's still-in-flight
// lease) is free to pass any opaque string.
type Message struct {
	JobID      string          `json:"job_id"`
	Queue      string          `json:"queue"`
	Payload    json.RawMessage `json:"payload"`
	EnqueuedAt time.Time       `json:"enqueued_at"`
}

// Queue is a durable named-queue handle over Redis lists plus a
// per-message visibility-timeout sorted set, grounded on the QueueBackend
// interface shape from the pack's redis-work-queue example (Enqueue,
// Dequeue/lease, Ack, Nack, Length, Stats) but trimmed to what the
// operation orchestrators actually need.
type Queue struct {
	rdb              *redis.Client
	visibilityTimeout time.Duration
}

func New(rdb *redis.Client, visibilityTimeout time.Duration) *Queue {
	if visibilityTimeout <= 0 {
		visibilityTimeout = 5 * time.Minute
	}
	return &Queue{rdb: rdb, visibilityTimeout: visibilityTimeout}
}

func queuedKey(name string) string  { return "anycrawl:queue:" + name + ":pending" }
func leasedKey(name string) string  { return "anycrawl:queue:" + name + ":leased" }
func messageKey(jobID string) string { return "anycrawl:queue:message:" + jobID }
func resultKey(jobID string) string  { return "anycrawl:queue:result:" + jobID }

// Enqueue pushes a message onto the named queue under the given message id.
// jobID is the queue's own dedup/lease key (see Message.JobID); callers that
// need a message identity distinct from the business id they also carry in
// payload (e.g. a webhook replay) pass one here.
func (q *Queue) Enqueue(ctx context.Context, queueName string, jobID string, payload any) error {
	body, err := json.Marshal(payload)
	if err != nil {
		return fmt.Errorf("queue: marshal payload: %w", err)
	}
	msg := Message{JobID: jobID, Queue: queueName, Payload: body, EnqueuedAt: time.Now()}
	msgBody, err := json.Marshal(msg)
	if err != nil {
		return err
	}

	pipe := q.rdb.TxPipeline()
	pipe.Set(ctx, messageKey(jobID), msgBody, 24*time.Hour)
	pipe.LPush(ctx, queuedKey(queueName), jobID)
	_, err = pipe.Exec(ctx)
	if err != nil {
		return fmt.Errorf("queue: enqueue: %w", err)
	}
	return nil
}

// Lease pops the next message from the queue and marks it leased with a
// visibility-timeout deadline; a crashed worker's message becomes eligible
// for re-delivery once the lease expires (see RequeueExpiredLeases).
func (q *Queue) Lease(ctx context.Context, queueName string) (*Message, error) {
	jobID, err := q.rdb.RPop(ctx, queuedKey(queueName)).Result()
	if err == redis.Nil {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("queue: lease: %w", err)
	}

	deadline := time.Now().Add(q.visibilityTimeout).Unix()
	if err := q.rdb.ZAdd(ctx, leasedKey(queueName), redis.Z{Score: float64(deadline), Member: jobID}).Err(); err != nil {
		return nil, fmt.Errorf("queue: record lease: %w", err)
	}

	body, err := q.rdb.Get(ctx, messageKey(jobID)).Bytes()
	if err == redis.Nil {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("queue: load message: %w", err)
	}
	var msg Message
	if err := json.Unmarshal(body, &msg); err != nil {
		return nil, fmt.Errorf("queue: decode message: %w", err)
	}
	return &msg, nil
}

// Ack removes a leased message; the queue considers the job complete.
func (q *Queue) Ack(ctx context.Context, queueName string, jobID string) error {
	pipe := q.rdb.TxPipeline()
	pipe.ZRem(ctx, leasedKey(queueName), jobID)
	pipe.Del(ctx, messageKey(jobID))
	_, err := pipe.Exec(ctx)
	return err
}

// Nack re-queues a leased message for another worker (requeue=true) or
// drops it (requeue=false).
func (q *Queue) Nack(ctx context.Context, queueName string, jobID string, requeue bool) error {
	if err := q.rdb.ZRem(ctx, leasedKey(queueName), jobID).Err(); err != nil {
		return err
	}
	if !requeue {
		return q.rdb.Del(ctx, messageKey(jobID)).Err()
	}
	return q.rdb.LPush(ctx, queuedKey(queueName), jobID).Err()
}

// Cancel is best-effort: it drops a queued-but-not-yet-leased message, and
// is idempotent on missing jobs.
func (q *Queue) Cancel(ctx context.Context, queueName string, jobID string) error {
	_ = q.rdb.LRem(ctx, queuedKey(queueName), 0, jobID).Err()
	_ = q.rdb.ZRem(ctx, leasedKey(queueName), jobID).Err()
	return q.rdb.Del(ctx, messageKey(jobID)).Err()
}

// RequeueExpiredLeases scans the leased set for entries whose deadline has
// passed and pushes them back onto the pending list, implementing the
// queue's visibility-timeout redelivery guarantee.
func (q *Queue) RequeueExpiredLeases(ctx context.Context, queueName string) (int, error) {
	now := float64(time.Now().Unix())
	expired, err := q.rdb.ZRangeByScore(ctx, leasedKey(queueName), &redis.ZRangeBy{Min: "-inf", Max: fmt.Sprintf("%f", now)}).Result()
	if err != nil {
		return 0, fmt.Errorf("queue: scan expired leases: %w", err)
	}
	for _, jobID := range expired {
		pipe := q.rdb.TxPipeline()
		pipe.ZRem(ctx, leasedKey(queueName), jobID)
		pipe.LPush(ctx, queuedKey(queueName), jobID)
		if _, err := pipe.Exec(ctx); err != nil {
			return 0, fmt.Errorf("queue: requeue %s: %w", jobID, err)
		}
	}
	return len(expired), nil
}

// Length returns the number of queued (not yet leased) messages.
func (q *Queue) Length(ctx context.Context, queueName string) (int64, error) {
	return q.rdb.LLen(ctx, queuedKey(queueName)).Result()
}

// PublishCompletion and WaitForCompletion implement waitForCompletion(queue,
// jobId, timeoutMs) by way of a Redis pub/sub-style blocking list pop: the
// worker pushes a sentinel onto a per-job result key, and the caller blocks
// on it up to the timeout.
func (q *Queue) PublishCompletion(ctx context.Context, jobID string, status string) error {
	pipe := q.rdb.TxPipeline()
	pipe.RPush(ctx, resultKey(jobID), status)
	pipe.Expire(ctx, resultKey(jobID), time.Hour)
	_, err := pipe.Exec(ctx)
	return err
}

// WaitForCompletion blocks up to timeout for a worker to publish a terminal
// status for jobID; the default request-level timeout is 60s when the
// caller passes zero.
func (q *Queue) WaitForCompletion(ctx context.Context, jobID string, timeout time.Duration) (string, bool, error) {
	if timeout <= 0 {
		timeout = 60 * time.Second
	}
	res, err := q.rdb.BLPop(ctx, timeout, resultKey(jobID)).Result()
	if err == redis.Nil {
		return "", false, nil
	}
	if err != nil {
		return "", false, fmt.Errorf("queue: wait for completion: %w", err)
	}
	if len(res) < 2 {
		return "", false, nil
	}
	return res[1], true, nil
}
