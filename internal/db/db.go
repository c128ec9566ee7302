// Package db is a hand-written, sqlc-shaped data access layer over the
// anycrawl schema. It mirrors the style sqlc generates (Queries wrapping
// a *sql.DB/*sql.Tx, one Params struct per statement) without requiring
// the code generator to run.
package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"time"

	"github.com/google/uuid"
	"github.com/sqlc-dev/pqtype"
)

// DBTX is satisfied by both *sql.DB and *sql.Tx, matching sqlc's generated
// interface so Queries can run inside or outside a transaction.
type DBTX interface {
	ExecContext(context.Context, string, ...any) (sql.Result, error)
	QueryContext(context.Context, string, ...any) (*sql.Rows, error)
	QueryRowContext(context.Context, string, ...any) *sql.Row
}

// Queries is the hand-rolled equivalent of a sqlc-generated Queries type.
type Queries struct {
	db DBTX
}

func New(db DBTX) *Queries {
	return &Queries{db: db}
}

// WithTx returns a Queries bound to the given transaction.
func (q *Queries) WithTx(tx *sql.Tx) *Queries {
	return &Queries{db: tx}
}

// Job mirrors a row of the jobs table.
type Job struct {
	ID          uuid.UUID
	Type        string
	Status      string
	Url         string
	Input       json.RawMessage
	Output      pqtype.NullRawMessage
	Error       sql.NullString
	CreatedAt   time.Time
	UpdatedAt   time.Time
	CompletedAt sql.NullTime
	Priority    int32
	Sync        bool
	TenantID    uuid.NullUUID
	ApiKeyID    uuid.NullUUID

	QueueName       sql.NullString
	CreditsUsed     float64
	DeductedAt      sql.NullTime
	CacheHits       int32
	TotalCount      int32
	CompletedCount  int32
	FailedCount     int32
	FailureMessage  sql.NullString
}

// Document mirrors a row of the documents table.
type Document struct {
	ID         uuid.UUID
	JobID      uuid.UUID
	Url        string
	Markdown   sql.NullString
	Html       sql.NullString
	RawHtml    sql.NullString
	Metadata   json.RawMessage
	StatusCode sql.NullInt32
	Engine     sql.NullString
	CreatedAt  time.Time
}

// ApiKey mirrors a row of the api_key table.
type ApiKey struct {
	ID                 uuid.UUID
	KeyHash             string
	Label               string
	IsAdmin             bool
	Credits             float64
	RateLimitPerMinute  sql.NullInt32
	TenantID            sql.NullString
	LastUsedAt          sql.NullTime
	CreatedAt           time.Time
}

// BillingLedgerEntry mirrors a row of the billing_ledger table.
type BillingLedgerEntry struct {
	ID             uuid.UUID
	IdempotencyKey string
	JobID          uuid.UUID
	ApiKeyID       uuid.UUID
	Mode           string
	Reason         string
	Charged        float64
	BeforeUsed     float64
	AfterUsed      float64
	BeforeCredits  sql.NullFloat64
	AfterCredits   sql.NullFloat64
	Details        json.RawMessage
	CreatedAt      time.Time
}

// WebhookSubscription mirrors a row of the webhook_subscriptions table.
type WebhookSubscription struct {
	ID                  uuid.UUID
	OwnerKind           string
	OwnerID             string
	Url                 string
	Secret              string
	Scope               string
	EventTypes          []string
	TaskIDs             []string
	CustomHeaders       json.RawMessage
	TimeoutMs           int32
	MaxRetries          int32
	RetryMultiplier     float64
	IsActive            bool
	ConsecutiveFailures int32
	Tags                []string
	Metadata            json.RawMessage
	CreatedAt           time.Time
	UpdatedAt           time.Time
}

// WebhookDelivery mirrors a row of the webhook_deliveries table.
type WebhookDelivery struct {
	ID             uuid.UUID
	SubscriptionID uuid.UUID
	EventType      string
	ResourceType   string
	ResourceID     string
	Payload        json.RawMessage
	Status         string
	AttemptNumber  int32
	NextRetryAt    sql.NullTime
	ErrorMessage   sql.NullString
	CreatedAt      time.Time
	UpdatedAt      time.Time
}

// ScheduledTask mirrors a row of the scheduled_tasks table (periodic/managed
// task definitions that own one or more task_executions).
type ScheduledTask struct {
	ID              uuid.UUID
	JobID           uuid.UUID
	Kind            string
	TotalExecutions int32
	SucceededCount  int32
	FailedCount     int32
	CreatedAt       time.Time
	UpdatedAt       time.Time
}

// TaskExecution mirrors a row of the task_executions table: one row per
// job, created on the job's first move to running, reaped by the
// scheduler when stale.
type TaskExecution struct {
	ID            uuid.UUID
	ScheduledTask uuid.UUID
	JobID         uuid.UUID
	Status        string
	StartedAt     time.Time
	FinishedAt    sql.NullTime
	FailureReason sql.NullString
}
