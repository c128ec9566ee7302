package services

import (
	"context"
	"fmt"
	"net/url"
	"strings"
	"time"

	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl/internal/config"
	"github.com/anycrawl/anycrawl/internal/crawler"
	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/model"
	"github.com/anycrawl/anycrawl/internal/search"
)

// MapParams is the subset of a map request the orchestrator needs,
// already validated and normalized by the HTTP layer.
type MapParams struct {
	URL              string
	ApiKeyID         uuid.UUID
	AvailableCredits float64

	Limit             int
	Search            string
	IncludeSubdomains bool
	IgnoreQueryParams bool
	AllowExternal     bool
	SitemapMode       string
	TimeoutMs         int
	UsesTemplate      bool
}

// MapOutcome is returned to the HTTP handler once a map job completes.
// Map is always synchronous, but still modeled as a job so it bills and
// fires webhooks the same way scrape/crawl/search do.
type MapOutcome struct {
	Job     db.Job
	Links   []MapLink
	Warning string
}

// Map discovers URLs for a site by combining sitemap/HTML-anchor
// discovery (crawler.Map) with search-engine site: discovery when a
// search provider is configured, deduplicating the merged set and
// trimming it to Limit. Billing is a flat map_base (+ map_template when
// a template was used), charged once on completion.
func (o *Orchestrator) Map(ctx context.Context, cfg *config.Config, p MapParams) (*MapOutcome, error) {
	estCredits := o.Weights.EstimateMap()
	if o.CreditsEnabled && p.AvailableCredits < estCredits {
		return nil, ErrInsufficientCredits
	}

	jobID := uuid.New()
	job, err := o.Store.CreateJob(ctx, jobID, model.JobKindMap, "", p.URL, p, true, 0, nil, &p.ApiKeyID)
	if err != nil {
		return nil, fmt.Errorf("orchestrator: create map job: %w", err)
	}
	o.fireEvent(ctx, model.EventTaskCreated, model.ResourceTask, jobID, p.ApiKeyID, nil)

	if err := o.Store.MarkRunning(ctx, jobID); err != nil {
		return nil, err
	}
	o.fireEvent(ctx, model.EventTaskStarted, model.ResourceTask, jobID, p.ApiKeyID, nil)

	timeoutMs := p.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = cfg.Scraper.TimeoutMs
	}
	mapCtx := ctx
	if timeoutMs > 0 {
		var cancel context.CancelFunc
		mapCtx, cancel = context.WithTimeout(ctx, time.Duration(timeoutMs)*time.Millisecond)
		defer cancel()
	}

	res, err := crawler.Map(mapCtx, crawler.MapOptions{
		URL:               p.URL,
		Limit:             p.Limit,
		Search:            p.Search,
		IncludeSubdomains: p.IncludeSubdomains,
		IgnoreQueryParams: p.IgnoreQueryParams,
		AllowExternal:     p.AllowExternal,
		SitemapMode:       p.SitemapMode,
		Timeout:           time.Duration(timeoutMs) * time.Millisecond,
		RespectRobots:     cfg.Robots.Respect,
		UserAgent:         cfg.Scraper.UserAgent,
	})
	if err != nil {
		_ = o.Store.MarkFailed(ctx, jobID, err.Error(), false, 0)
		o.fireEvent(ctx, model.EventTaskCancelled, model.ResourceTask, jobID, p.ApiKeyID, nil)
		return nil, err
	}

	links := make([]MapLink, 0, len(res.Links))
	seen := make(map[string]bool, len(res.Links))
	for _, l := range res.Links {
		if seen[l.URL] {
			continue
		}
		seen[l.URL] = true
		links = append(links, MapLink{URL: l.URL, Title: l.Title, Description: l.Description})
	}

	warning := res.Warning

	// Consult the search-engine adapter for site: discovery in addition
	// to sitemap/anchor discovery, when a provider is available and
	// sitemap/anchor discovery left fewer than Limit links (or no limit
	// is set); otherwise the adapter is not called. Failures here only
	// downgrade to a warning: sitemap discovery alone still satisfies
	// the request.
	if len(links) < p.Limit || p.Limit <= 0 {
		if hits, err := o.mapSearchDiscovery(ctx, cfg, p); err != nil {
			if warning == "" {
				warning = fmt.Sprintf("search-engine discovery unavailable: %s", err.Error())
			}
		} else {
			for _, l := range hits {
				if p.Limit > 0 && len(links) >= p.Limit {
					break
				}
				if seen[l.URL] {
					continue
				}
				seen[l.URL] = true
				links = append(links, l)
			}
		}
	}

	if p.Limit > 0 && len(links) > p.Limit {
		links = links[:p.Limit]
	}

	details := o.Weights.BuildMapChargeDetails(p.UsesTemplate)
	if err := o.chargeFinalize(ctx, jobID, p.ApiKeyID, "api_request_finalize", details); err != nil {
		return nil, fmt.Errorf("orchestrator: charge map: %w", err)
	}

	if err := o.Store.MarkCompleted(ctx, jobID, int32(len(links)), int32(len(links)), 0, nil); err != nil {
		return nil, err
	}
	o.fireEvent(ctx, model.EventTaskCompleted, model.ResourceTask, jobID, p.ApiKeyID, map[string]any{"links": len(links)})

	job, err = o.Store.GetJobByID(ctx, jobID)
	if err != nil {
		return nil, err
	}

	return &MapOutcome{Job: job, Links: links, Warning: warning}, nil
}

// mapSearchDiscovery issues a `site:<host> <search>` query against the
// configured search provider and converts its hits into map links. It is
// a best-effort addition to sitemap/anchor-based discovery, not a
// replacement for it.
func (o *Orchestrator) mapSearchDiscovery(ctx context.Context, cfg *config.Config, p MapParams) ([]MapLink, error) {
	if !cfg.Search.Enabled {
		return nil, nil
	}
	provider, err := search.NewProviderFromConfig(cfg)
	if err != nil {
		return nil, err
	}

	u, err := url.Parse(p.URL)
	if err != nil || u.Host == "" {
		return nil, fmt.Errorf("map: invalid url for search discovery")
	}

	query := "site:" + u.Host
	if strings.TrimSpace(p.Search) != "" {
		query += " " + p.Search
	}

	limit := p.Limit
	if limit <= 0 {
		limit = 20
	}

	results, err := provider.Search(ctx, &search.Request{
		Query:   query,
		Sources: []string{"web"},
		Limit:   limit,
		Timeout: durationFromMs(p.TimeoutMs),
	})
	if err != nil {
		return nil, err
	}

	links := make([]MapLink, 0, len(results.Web))
	for _, r := range results.Web {
		if strings.TrimSpace(r.URL) == "" {
			continue
		}
		links = append(links, MapLink{URL: r.URL, Title: r.Title, Description: r.Description})
	}
	return links, nil
}
