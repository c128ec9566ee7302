package services

import (
	"context"
	"encoding/json"
	"fmt"
	"net/url"
	"strings"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl/internal/config"
	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/estimator"
	"github.com/anycrawl/anycrawl/internal/model"
	"github.com/anycrawl/anycrawl/internal/scraper"
	"github.com/anycrawl/anycrawl/internal/webhook"
)

// CrawlParams is the subset of a crawl request the orchestrator needs,
// already validated and normalized by the HTTP layer.
type CrawlParams struct {
	URL              string
	ApiKeyID         uuid.UUID
	AvailableCredits float64

	Limit             int
	MaxDepth          int
	Formats           []interface{}
	IncludeSubdomains bool
	AllowExternal     bool
	Engine            string // "cheerio" (default) or "rod"
}

// CrawlOutcome is returned to the HTTP handler immediately after the
// crawl job is admitted and dispatched; the crawl itself runs
// asynchronously on a worker.
type CrawlOutcome struct {
	Job db.Job
}

func engineQueueSuffix(engine string) string {
	if engine == "rod" {
		return "rod"
	}
	return "cheerio"
}

// Crawl admits, charges the first page immediately (delta mode, reason
// api_crawl_initial per spec.md §4.7), enqueues the seed job, and fires
// crawl.created/crawl.started. The crawl worker (ExecuteCrawlJob) does
// the actual page-by-page traversal and per-page billing.
func (o *Orchestrator) Crawl(ctx context.Context, p CrawlParams) (*CrawlOutcome, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = 1
	}

	estCredits := o.Weights.EstimateCrawl(limit)
	if o.CreditsEnabled && p.AvailableCredits < estCredits {
		return nil, ErrInsufficientCredits
	}

	jobID := uuid.New()
	queueName := "crawl-" + engineQueueSuffix(p.Engine)

	job, err := o.Store.CreateJob(ctx, jobID, model.JobKindCrawl, queueName, p.URL, p, true, 0, nil, &p.ApiKeyID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create crawl job: %w", err)
	}

	o.fireEvent(ctx, model.EventCrawlCreated, model.ResourceCrawl, jobID, p.ApiKeyID, nil)

	if o.CreditsEnabled {
		details := o.Weights.BuildCrawlPageChargeDetails(estimator.ScrapeRequest{})
		idemKey := fmt.Sprintf("billing:delta:%s:api_crawl_initial", jobID)
		if _, err := o.Billing.ChargeDelta(ctx, jobID, p.ApiKeyID, details.Total, "api_crawl_initial", idemKey, details); err != nil {
			return nil, fmt.Errorf("orchestrator: charge crawl initial: %w", err)
		}
	}

	if err := o.Queue.Enqueue(ctx, queueName, jobID.String(), map[string]any{
		"job_id":             jobID,
		"url":                p.URL,
		"limit":              limit,
		"max_depth":          p.MaxDepth,
		"include_subdomains": p.IncludeSubdomains,
		"allow_external":     p.AllowExternal,
		"engine":             p.Engine,
		"api_key_id":         p.ApiKeyID,
		"formats":            p.Formats,
	}); err != nil {
		return nil, fmt.Errorf("orchestrator: enqueue crawl: %w", err)
	}

	o.fireEvent(ctx, model.EventCrawlStarted, model.ResourceCrawl, jobID, p.ApiKeyID, nil)

	return &CrawlOutcome{Job: job}, nil
}

func (o *Orchestrator) fireEvent(ctx context.Context, evType model.EventType, resource model.ResourceType, jobID, apiKeyID uuid.UUID, payload map[string]any) {
	if !o.WebhooksEnabled || o.Webhooks == nil {
		return
	}
	if payload == nil {
		payload = map[string]any{}
	}
	_ = o.Webhooks.Fire(ctx, webhook.Event{
		Type:       evType,
		Resource:   resource,
		ResourceID: jobID.String(),
		Owner:      model.OwnerAPIKey(apiKeyID.String()),
		Payload:    payload,
	})
}

// CrawlMessage mirrors the payload the Crawl orchestrator enqueues.
type CrawlMessage struct {
	JobID             uuid.UUID       `json:"job_id"`
	URL               string          `json:"url"`
	Limit             int             `json:"limit"`
	MaxDepth          int             `json:"max_depth"`
	IncludeSubdomains bool            `json:"include_subdomains"`
	AllowExternal     bool            `json:"allow_external"`
	Engine            string          `json:"engine"`
	ApiKeyID          uuid.UUID       `json:"api_key_id"`
	Formats           []interface{}   `json:"formats"`
}

// ExecuteCrawlJob is the worker-side counterpart of Crawl: it performs a
// breadth-first traversal of the site starting at the seed URL up to
// Limit pages and MaxDepth link-hops, storing each successfully scraped
// page as a document. The seed page itself is not separately billed
// (it was already charged as api_crawl_initial by the orchestrator);
// every subsequent successfully scraped page fires crawl.page_success
// and charges crawl_page_v1 via chargeDelta. When the traversal
// finishes, the job is marked completed and crawl.completed fires.
func (o *Orchestrator) ExecuteCrawlJob(ctx context.Context, cfg *config.Config, msg CrawlMessage, fetch func(ctx context.Context, url string) (*scraper.Result, error)) error {
	jobID := msg.JobID
	if err := o.Store.MarkRunning(ctx, jobID); err != nil {
		return err
	}

	limit := msg.Limit
	if limit <= 0 {
		limit = 1
	}
	maxDepth := msg.MaxDepth
	if maxDepth <= 0 {
		maxDepth = 5
	}

	type frontierItem struct {
		url   string
		depth int
	}

	baseURL, err := url.Parse(msg.URL)
	if err != nil {
		_ = o.Store.MarkFailed(ctx, jobID, err.Error(), false, 0)
		o.fireEvent(ctx, model.EventCrawlCancelled, model.ResourceCrawl, jobID, msg.ApiKeyID, nil)
		return err
	}

	visited := map[string]bool{msg.URL: true}
	frontier := []frontierItem{{url: msg.URL, depth: 0}}

	var total, completed, failed int32
	pageIndex := 0

	for len(frontier) > 0 && int(completed) < limit {
		select {
		case <-ctx.Done():
			_ = o.Store.MarkFailed(ctx, jobID, "crawl cancelled", true, 0)
			o.fireEvent(ctx, model.EventCrawlCancelled, model.ResourceCrawl, jobID, msg.ApiKeyID, nil)
			return ctx.Err()
		default:
		}

		item := frontier[0]
		frontier = frontier[1:]

		res, err := fetch(ctx, item.url)
		total++
		if err != nil {
			failed++
			continue
		}

		result, err := NewScrapeService(cfg).Scrape(ctx, &ScrapeRequest{Result: res, Formats: msg.Formats})
		if err != nil || result.Document == nil {
			failed++
			continue
		}

		metadataJSON, _ := json.Marshal(result.Document.Metadata)
		var statusCode *int32
		if result.Document.Metadata.StatusCode != 0 {
			sc := int32(result.Document.Metadata.StatusCode)
			statusCode = &sc
		}
		engine := result.Document.Engine
		if err := o.Store.AddDocument(ctx, jobID, item.url, strPtr(result.Document.Markdown), strPtr(result.Document.HTML),
			strPtr(result.Document.RawHTML), metadataJSON, statusCode, &engine); err != nil {
			failed++
			continue
		}

		completed++
		pageIndex++

		// The seed page (pageIndex==1) was already charged as
		// api_crawl_initial by the orchestrator on job creation.
		if pageIndex > 1 {
			if o.CreditsEnabled {
				details := o.Weights.BuildCrawlPageChargeDetails(estimator.ScrapeRequest{})
				idemKey := fmt.Sprintf("billing:delta:%s:crawl_page:%d", jobID, pageIndex)
				if _, err := o.Billing.ChargeDelta(ctx, jobID, msg.ApiKeyID, details.Total, "crawl_page", idemKey, details); err != nil {
					_ = o.Store.MarkFailed(ctx, jobID, err.Error(), false, 1)
					return err
				}
			}
			o.fireEvent(ctx, model.EventCrawlPageSuccess, model.ResourceCrawl, jobID, msg.ApiKeyID, map[string]any{"url": item.url})
		}

		if item.depth >= maxDepth {
			continue
		}
		for _, l := range result.Document.Links {
			if int(completed)+len(frontier) >= limit {
				break
			}
			linkURL, err := baseURL.Parse(l)
			if err != nil {
				continue
			}
			if !msg.AllowExternal && !sameHostOrSubdomain(baseURL.Hostname(), linkURL.Hostname(), msg.IncludeSubdomains) {
				continue
			}
			norm := linkURL.String()
			if visited[norm] {
				continue
			}
			visited[norm] = true
			frontier = append(frontier, frontierItem{url: norm, depth: item.depth + 1})
		}
	}

	if err := o.Store.MarkCompleted(ctx, jobID, total, completed, failed, nil); err != nil {
		return err
	}

	o.fireEvent(ctx, model.EventCrawlCompleted, model.ResourceCrawl, jobID, msg.ApiKeyID, map[string]any{
		"total": total, "completed": completed, "failed": failed,
	})
	return nil
}

func sameHostOrSubdomain(baseHost, host string, includeSubdomains bool) bool {
	if host == "" {
		return false
	}
	if strings.EqualFold(baseHost, host) {
		return true
	}
	if includeSubdomains {
		if strings.HasSuffix(strings.ToLower(host), "."+strings.ToLower(baseHost)) {
			return true
		}
	}
	return false
}
