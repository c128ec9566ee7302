package services

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl/internal/config"
	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/model"
	"github.com/anycrawl/anycrawl/internal/search"
)

// SearchParams is the subset of a search request the orchestrator needs,
// already validated and normalized by the HTTP layer.
type SearchParams struct {
	Query            string
	Sources          []string
	ApiKeyID         uuid.UUID
	AvailableCredits float64

	Limit             int
	Country           string
	Location          string
	TBS               string
	TimeoutMs         int
	Pages             int
	Concurrent        int
	IgnoreInvalidURLs bool
	ScrapeOptions     *SearchScrapeOptions
}

// SearchOutcome is returned to the HTTP handler after a search job runs
// to completion. Search is always synchronous from the caller's point of
// view, but is still modeled as a job so it bills and fires webhooks the
// same way scrape/crawl do.
type SearchOutcome struct {
	Job              db.Job
	Web              []ScrapedWebResult
	ProviderName     string
	ScrapedCount     int
	InvalidURLCount  int
	ScrapeErrorCount int
}

func durationFromMs(ms int) time.Duration {
	if ms <= 0 {
		return 60 * time.Second
	}
	return time.Duration(ms) * time.Millisecond
}

// Search runs the full billed search control flow: admission, job
// creation, per-page provider fetches (issued concurrently up to
// p.Concurrent, always reassembled back into page order), optional
// per-result scraping, a single finalize charge, and
// created/started/completed webhook events.
func (o *Orchestrator) Search(ctx context.Context, cfg *config.Config, p SearchParams) (*SearchOutcome, error) {
	pages := p.Pages
	if pages <= 0 {
		pages = 1
	}

	estCredits := o.Weights.EstimateSearch(pages, p.ScrapeOptions != nil, p.Limit)
	if o.CreditsEnabled && p.AvailableCredits < estCredits {
		return nil, ErrInsufficientCredits
	}

	jobID := uuid.New()
	job, err := o.Store.CreateJob(ctx, jobID, model.JobKindSearch, "", p.Query, p, true, 0, nil, &p.ApiKeyID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create search job: %w", err)
	}
	o.fireEvent(ctx, model.EventSearchCreated, model.ResourceSearch, jobID, p.ApiKeyID, nil)

	if err := o.Store.MarkRunning(ctx, jobID); err != nil {
		return nil, err
	}
	o.fireEvent(ctx, model.EventSearchStarted, model.ResourceSearch, jobID, p.ApiKeyID, nil)

	provider, err := search.NewProviderFromConfig(cfg)
	if err != nil {
		_ = o.Store.MarkFailed(ctx, jobID, err.Error(), false, 0)
		o.fireEvent(ctx, model.EventSearchCancelled, model.ResourceSearch, jobID, p.ApiKeyID, nil)
		return nil, err
	}

	concurrent := p.Concurrent
	if concurrent <= 0 {
		concurrent = 1
	}
	if concurrent > pages {
		concurrent = pages
	}

	pageResults := make([][]search.Result, pages)
	var pageErr error
	var mu sync.Mutex
	sem := make(chan struct{}, concurrent)
	var wg sync.WaitGroup

	for i := 0; i < pages; i++ {
		wg.Add(1)
		sem <- struct{}{}
		go func(pageIdx int) {
			defer wg.Done()
			defer func() { <-sem }()

			req := &search.Request{
				Query:            p.Query,
				Sources:          p.Sources,
				Limit:            p.Limit,
				Country:          p.Country,
				Location:         p.Location,
				TBS:              p.TBS,
				Timeout:          durationFromMs(p.TimeoutMs),
				IgnoreInvalidURL: p.IgnoreInvalidURLs,
				Page:             pageIdx + 1,
			}
			res, err := provider.Search(ctx, req)

			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				if pageErr == nil {
					pageErr = err
				}
				return
			}
			pageResults[pageIdx] = res.Web
		}(i)
	}
	wg.Wait()

	if pageErr != nil && pages == 1 {
		_ = o.Store.MarkFailed(ctx, jobID, pageErr.Error(), false, 0)
		o.fireEvent(ctx, model.EventSearchCancelled, model.ResourceSearch, jobID, p.ApiKeyID, nil)
		return nil, pageErr
	}

	// Pages are reassembled strictly in page order, regardless of which
	// fetch finished first.
	var merged []search.Result
	for _, pr := range pageResults {
		merged = append(merged, pr...)
	}
	if p.Limit > 0 && len(merged) > p.Limit {
		merged = merged[:p.Limit]
	}

	providerName := strings.ToLower(strings.TrimSpace(cfg.Search.Provider))
	if providerName == "" {
		providerName = "searxng"
	}

	outcome := &SearchOutcome{ProviderName: providerName}

	if p.ScrapeOptions != nil {
		svc := NewSearchService(cfg)
		scraped, err := svc.ScrapeResults(ctx, merged, p.ScrapeOptions, p.IgnoreInvalidURLs)
		if err != nil {
			_ = o.Store.MarkFailed(ctx, jobID, err.Error(), false, 0)
			o.fireEvent(ctx, model.EventSearchCancelled, model.ResourceSearch, jobID, p.ApiKeyID, nil)
			return nil, err
		}
		outcome.Web = scraped.Web
		outcome.ScrapedCount = scraped.ScrapedCount
		outcome.InvalidURLCount = scraped.InvalidURLCount
		outcome.ScrapeErrorCount = scraped.ScrapeErrorCount
	} else {
		for _, r := range merged {
			outcome.Web = append(outcome.Web, ScrapedWebResult{Title: r.Title, Description: r.Description, URL: r.URL})
		}
	}

	details := o.Weights.BuildSearchChargeDetails(pages, outcome.ScrapedCount)
	if err := o.chargeFinalize(ctx, jobID, p.ApiKeyID, "api_request_finalize", details); err != nil {
		return nil, fmt.Errorf("orchestrator: charge search: %w", err)
	}

	if err := o.Store.MarkCompleted(ctx, jobID, int32(len(merged)), int32(len(outcome.Web)), 0, nil); err != nil {
		return nil, err
	}
	o.fireEvent(ctx, model.EventSearchCompleted, model.ResourceSearch, jobID, p.ApiKeyID, map[string]any{
		"results": len(outcome.Web), "scraped_results": outcome.ScrapedCount,
	})

	job, err = o.Store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}
	outcome.Job = job
	return outcome, nil
}
