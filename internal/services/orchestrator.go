// Package services' orchestrator composes the Job Lifecycle & Billing
// Core components (C1 cache, C2 billing, C3 store, C4 queue, C6 webhooks,
// C8 estimator) into a single control flow: request → estimator admits →
// fingerprint → cache lookup → hit/miss branch → charge → webhook →
// response.
package services

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl/internal/billing"
	"github.com/anycrawl/anycrawl/internal/cache"
	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/estimator"
	"github.com/anycrawl/anycrawl/internal/model"
	"github.com/anycrawl/anycrawl/internal/queue"
	"github.com/anycrawl/anycrawl/internal/scheduler"
	"github.com/anycrawl/anycrawl/internal/scraper"
	"github.com/anycrawl/anycrawl/internal/store"
	"github.com/anycrawl/anycrawl/internal/webhook"
)

// ErrInsufficientCredits is returned by the admission check when the
// owning api-key does not have enough balance to cover the estimate;
// callers surface it as HTTP 402.
var ErrInsufficientCredits = errors.New("services: insufficient credits")

// Orchestrator wires the lifecycle components together for one tenant's
// request path. It holds no per-request state.
type Orchestrator struct {
	Store    *store.Store
	Cache    *cache.Store
	Billing  *billing.Ledger
	Queue    *queue.Queue
	Webhooks *webhook.Dispatcher
	Weights  estimator.Weights

	CreditsEnabled  bool
	WebhooksEnabled bool
}

// ScrapeParams is the subset of a scrape request the orchestrator needs,
// already validated and normalized by the HTTP layer.
type ScrapeParams struct {
	URL         string
	ApiKeyID    uuid.UUID
	AvailableCredits float64

	Engine        string
	Formats       []interface{}
	JSONOptions   any
	IncludeJSON   bool
	ExtractSource string
	Summary       bool
	OnlyMainContent *bool
	OCROptions    *bool
	Proxy         string
	WaitFor       int
	WaitUntil     string
	WaitForSelector []string
	UsesTemplate     bool
	HasCustomHeaders bool
	HasActions       bool
	MaxAge *time.Duration
}

// ScrapeOutcome is returned to the HTTP handler.
type ScrapeOutcome struct {
	Job       db.Job
	Document  *model.Document
	FromCache bool
}

func (p ScrapeParams) estimatorRequest() estimator.ScrapeRequest {
	return estimator.ScrapeRequest{
		Proxy:         p.Proxy,
		JSONOptions:   p.IncludeJSON,
		ExtractSource: p.ExtractSource,
		Summary:       p.Summary,
		UsesTemplate:  p.UsesTemplate,
	}
}

func formatsToStrings(formats []interface{}) []string {
	out := make([]string, 0, len(formats))
	for _, f := range formats {
		if s, ok := f.(string); ok {
			out = append(out, s)
		}
	}
	return out
}

func (p ScrapeParams) cacheOptions() cache.Options {
	return cache.Options{
		Engine:           p.Engine,
		Formats:          formatsToStrings(p.Formats),
		JSONOptions:      p.JSONOptions,
		OnlyMainContent:  p.OnlyMainContent,
		ExtractSource:    p.ExtractSource,
		OCROptions:       p.OCROptions,
		WaitFor:          p.WaitFor,
		WaitUntil:        p.WaitUntil,
		WaitForSelector:  p.WaitForSelector,
		Proxy:            p.Proxy,
		ProxyRawURL:      p.URL,
		UsesTemplate:     p.UsesTemplate,
		HasCustomHeaders: p.HasCustomHeaders,
		HasActions:       p.HasActions,
	}
}

// Scrape runs the full scrape control flow.
func (o *Orchestrator) Scrape(ctx context.Context, p ScrapeParams) (*ScrapeOutcome, error) {
	estCredits := o.Weights.EstimateScrape(p.estimatorRequest())
	if o.CreditsEnabled && p.AvailableCredits < estCredits {
		return nil, ErrInsufficientCredits
	}

	normURL, err := cache.NormalizeURL(p.URL)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: normalize url: %w", err)
	}
	urlHash := cache.URLHash(normURL)
	opts := cache.NormalizeOptions(p.cacheOptions())
	optionsHash, err := cache.OptionsHash(opts)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: hash options: %w", err)
	}

	jobID := uuid.New()

	if !cache.IsBypassed(opts) && o.Cache != nil {
		if entry, hit, err := o.Cache.Lookup(ctx, urlHash, optionsHash, p.MaxAge); err == nil && hit {
			return o.finalizeCacheHit(ctx, jobID, p, entry)
		}
	}

	return o.dispatchAndWait(ctx, jobID, p, urlHash, optionsHash)
}

// finalizeCacheHit synthesizes a completed job from a cache hit, fires
// created/started/completed webhooks in order, charges via chargeToUsed
// keyed on the final used count, and returns the cached payload.
func (o *Orchestrator) finalizeCacheHit(ctx context.Context, jobID uuid.UUID, p ScrapeParams, entry *cache.PageEntry) (*ScrapeOutcome, error) {
	job, err := o.Store.CreateJob(ctx, jobID, model.JobKindScrape, "", p.URL, nil, true, 0, nil, &p.ApiKeyID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create job: %w", err)
	}
	o.fireScrapeEvent(ctx, model.EventScrapeCreated, jobID, p.ApiKeyID)

	if err := o.Store.MarkRunning(ctx, jobID); err != nil {
		return nil, err
	}
	o.fireScrapeEvent(ctx, model.EventScrapeStarted, jobID, p.ApiKeyID)

	var doc model.Document
	if err := json.Unmarshal(entry.Document, &doc); err != nil {
		return nil, fmt.Errorf("orchestrator: decode cached document: %w", err)
	}
	if err := o.Store.MarkCompleted(ctx, jobID, 1, 1, 0, entry.Document); err != nil {
		return nil, err
	}
	if err := o.Store.UpdateCacheHits(ctx, jobID, 1); err != nil {
		return nil, err
	}

	details := o.Weights.BuildScrapeChargeDetails(p.estimatorRequest())
	if err := o.chargeFinalize(ctx, jobID, p.ApiKeyID, "api_request_finalize", details); err != nil {
		return nil, fmt.Errorf("orchestrator: charge cache hit: %w", err)
	}

	o.fireScrapeEvent(ctx, model.EventScrapeCompleted, jobID, p.ApiKeyID)

	return &ScrapeOutcome{Job: job, Document: &doc, FromCache: true}, nil
}

// dispatchAndWait enqueues the job for worker execution and blocks for
// completion up to the queue's default timeout, then charges and fires
// the completion webhook on the cache-miss branch.
func (o *Orchestrator) dispatchAndWait(ctx context.Context, jobID uuid.UUID, p ScrapeParams, urlHash, optionsHash string) (*ScrapeOutcome, error) {
	queueName := "scrape-" + p.Engine
	if p.Engine == "" {
		queueName = "scrape-cheerio"
	}

	job, err := o.Store.CreateJob(ctx, jobID, model.JobKindScrape, queueName, p.URL, nil, true, 0, nil, &p.ApiKeyID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create job: %w", err)
	}
	o.fireScrapeEvent(ctx, model.EventScrapeCreated, jobID, p.ApiKeyID)

	if err := o.Queue.Enqueue(ctx, queueName, jobID.String(), map[string]any{
		"job_id": jobID, "url": p.URL, "engine": p.Engine, "url_hash": urlHash,
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: enqueue: %w", err)
	}
	o.fireScrapeEvent(ctx, model.EventScrapeStarted, jobID, p.ApiKeyID)

	status, ok, err := o.Queue.WaitForCompletion(ctx, jobID.String(), 0)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: wait for completion: %w", err)
	}
	if !ok {
		// Timed out waiting: best-effort cancel, mark failed, credit zero.
		_ = o.Queue.Cancel(ctx, queueName, jobID.String())
		_ = o.Store.MarkFailed(ctx, jobID, "timed out waiting for completion", true, 0)
		o.fireScrapeEvent(ctx, model.EventScrapeCancelled, jobID, p.ApiKeyID)
		job, _ = o.Store.GetJobByID(ctx, jobID)
		return &ScrapeOutcome{Job: job}, fmt.Errorf("orchestrator: job %s timed out", jobID)
	}
	if status != "completed" {
		// adapter_failure: job already marked failed by the worker; charge
		// zero and fire cancelled per spec.md §7.
		o.fireScrapeEvent(ctx, model.EventScrapeCancelled, jobID, p.ApiKeyID)
		job, _ = o.Store.GetJobByID(ctx, jobID)
		return &ScrapeOutcome{Job: job}, fmt.Errorf("orchestrator: job %s did not complete: status=%q", jobID, status)
	}

	job, docs, err := o.Store.GetCrawlJobAndDocuments(ctx, jobID)
	if err != nil {
		return nil, err
	}
	docService := NewJobDocumentService()
	built := docService.BuildDocuments(docs, JobDocumentFormatOptions{Formats: p.Formats, IncludeSummary: true, IncludeJSON: p.IncludeJSON})
	var doc *model.Document
	if len(built) > 0 {
		doc = &built[0]
	}

	details := o.Weights.BuildScrapeChargeDetails(p.estimatorRequest())
	if err := o.chargeFinalize(ctx, jobID, p.ApiKeyID, "api_request_finalize", details); err != nil {
		return nil, fmt.Errorf("orchestrator: charge scrape: %w", err)
	}

	if o.Cache != nil && doc != nil && !cache.IsBypassed(p.cacheOptions()) {
		body, err := json.Marshal(doc)
		if err == nil {
			_ = o.Cache.Store(ctx, urlHash, optionsHash, cache.PageEntry{URL: p.URL, Document: body}, time.Now().UnixMilli())
		}
	}

	o.fireScrapeEvent(ctx, model.EventScrapeCompleted, jobID, p.ApiKeyID)

	return &ScrapeOutcome{Job: job, Document: doc}, nil
}

func (o *Orchestrator) fireScrapeEvent(ctx context.Context, evType model.EventType, jobID, apiKeyID uuid.UUID) {
	o.fireEvent(ctx, evType, model.ResourceScrape, jobID, apiKeyID, nil)
}

// chargeFinalize issues the single target-mode finalize charge every
// operation fires on completion. A duplicate idempotency key means this
// job was already charged (e.g. a webhook replay re-entering the same
// code path); per the target-mode idempotency rule that is a no-op, not
// a request failure.
func (o *Orchestrator) chargeFinalize(ctx context.Context, jobID, apiKeyID uuid.UUID, reason string, details model.ChargeDetails) error {
	if !o.CreditsEnabled {
		return nil
	}
	idemKey := fmt.Sprintf("billing:target:%s:%v:%s", jobID, details.Total, reason)
	_, err := o.Billing.ChargeToUsed(ctx, jobID, apiKeyID, details.Total, reason, idemKey, details)
	if err != nil && errors.Is(err, billing.ErrDuplicateTarget) {
		return nil
	}
	return err
}

// ExecuteScrapeJob is the worker-side executor a queue consumer calls
// after leasing a scrape message: it runs the scraping adapter, stores
// the resulting document, and finalizes the job's status, then publishes
// the completion signal the orchestrator's WaitForCompletion blocks on.
func ExecuteScrapeJob(ctx context.Context, st *store.Store, q *queue.Queue, jobID uuid.UUID, url string, fetch func(ctx context.Context, url string) (*scraper.Result, error), svc ScrapeService) error {
	if err := st.MarkRunning(ctx, jobID); err != nil {
		return err
	}

	res, err := fetch(ctx, url)
	if err != nil {
		_ = st.MarkFailed(ctx, jobID, err.Error(), false, 1)
		_ = q.PublishCompletion(ctx, jobID.String(), "failed")
		return err
	}

	result, err := svc.Scrape(ctx, &ScrapeRequest{Result: res})
	if err != nil {
		_ = st.MarkFailed(ctx, jobID, err.Error(), false, 1)
		_ = q.PublishCompletion(ctx, jobID.String(), "failed")
		return err
	}

	metadata, err := json.Marshal(result.Document.Metadata)
	if err != nil {
		return err
	}
	var statusCode *int32
	if result.Document.Metadata.StatusCode != 0 {
		sc := int32(result.Document.Metadata.StatusCode)
		statusCode = &sc
	}
	engine := result.Document.Engine
	if err := st.AddDocument(ctx, jobID, url, strPtr(result.Document.Markdown), strPtr(result.Document.HTML),
		strPtr(result.Document.RawHTML), metadata, statusCode, &engine); err != nil {
		return err
	}

	output, err := json.Marshal(result.Document)
	if err != nil {
		return err
	}
	if err := st.MarkCompleted(ctx, jobID, 1, 1, 0, output); err != nil {
		return err
	}
	// The job is already committed completed at this point; a failure to
	// publish the completion signal is an ack that got lost, not a failed
	// job, so it's reported as a DispatchCommittedError rather than a bare
	// error (spec.md §4.5's dispatch-committed classification rule).
	if err := q.PublishCompletion(ctx, jobID.String(), "completed"); err != nil {
		return &scheduler.DispatchCommittedError{JobUUID: jobID.String(), Err: fmt.Errorf("publish completion: %w", err)}
	}
	return nil
}

func strPtr(s string) *string {
	if s == "" {
		return nil
	}
	return &s
}
