package http

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl/internal/config"
	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/metrics"
	"github.com/anycrawl/anycrawl/internal/services"
)

// searchHandler implements the billed search endpoint: it estimates the
// credit cost for the requested pages/results, dispatches the query to
// the search-engine adapter through the operation orchestrator
// (optionally scraping each result), and bills once on completion.
func searchHandler(c *fiber.Ctx) error {
	var reqBody SearchRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Bad request, malformed JSON",
		})
	}

	if strings.TrimSpace(reqBody.Query) == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "Missing required field 'query'",
		})
	}

	cfg := c.Locals("config").(*config.Config)

	if !cfg.Search.Enabled {
		return c.Status(http.StatusServiceUnavailable).JSON(ErrorResponse{
			Success: false,
			Code:    "SEARCH_DISABLED",
			Error:   "search is disabled in server configuration",
		})
	}

	orch, _ := c.Locals("orchestrator").(*services.Orchestrator)
	if orch == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_CONFIGURED",
			Error:   "search orchestrator is not configured",
		})
	}

	principal, _ := c.Locals("principal").(Principal)
	var apiKey db.ApiKey
	if v := c.Locals("apiKey"); v != nil {
		apiKey, _ = v.(db.ApiKey)
	}
	var apiKeyID uuid.UUID
	if principal.ApiKeyID != nil {
		apiKeyID = *principal.ApiKeyID
	}

	// Determine sources; v1 currently only supports "web".
	sources := reqBody.Sources
	if len(sources) == 0 {
		sources = []string{"web"}
	} else {
		for _, s := range sources {
			if strings.ToLower(strings.TrimSpace(s)) != "web" {
				return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
					Success: false,
					Code:    "UNSUPPORTED_SOURCE",
					Error:   "only 'web' source is supported in this version",
				})
			}
		}
	}

	limit := cfg.Search.MaxResults
	if limit <= 0 {
		limit = 5
	}
	if reqBody.Limit != nil && *reqBody.Limit > 0 {
		limit = *reqBody.Limit
	}
	if cfg.Search.MaxResults > 0 && limit > cfg.Search.MaxResults {
		limit = cfg.Search.MaxResults
	}

	timeoutMs := cfg.Search.TimeoutMs
	if timeoutMs <= 0 {
		timeoutMs = cfg.Scraper.TimeoutMs
	}
	if reqBody.Timeout != nil && *reqBody.Timeout > 0 {
		timeoutMs = *reqBody.Timeout
	}
	if timeoutMs <= 0 {
		timeoutMs = 60000
	}

	pages := 1
	if reqBody.Pages != nil && *reqBody.Pages > 0 {
		pages = *reqBody.Pages
	}
	concurrent := 1
	if reqBody.Concurrent != nil && *reqBody.Concurrent > 0 {
		concurrent = *reqBody.Concurrent
	}

	ignoreInvalid := false
	if reqBody.IgnoreInvalidURLs != nil {
		ignoreInvalid = *reqBody.IgnoreInvalidURLs
	}

	// For /v1/search, only a limited set of formats are supported
	// when scrapeOptions are provided. Reject unsupported formats
	// early so clients get a clear error instead of silently ignored
	// options or unexpectedly large payloads.
	if reqBody.ScrapeOptions != nil && len(reqBody.ScrapeOptions.Formats) > 0 {
		allowed := map[string]struct{}{
			"markdown": {},
			"html":     {},
			"rawhtml":  {},
		}

		for _, f := range reqBody.ScrapeOptions.Formats {
			formatName := ""
			switch v := f.(type) {
			case string:
				formatName = strings.ToLower(v)
			case map[string]interface{}:
				if t, ok := v["type"].(string); ok {
					formatName = strings.ToLower(t)
				}
			default:
				// Unknown format shape; treat as unsupported.
			}

			if formatName == "" {
				return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
					Success: false,
					Code:    "UNSUPPORTED_FORMAT",
					Error:   "Unsupported format for /v1/search; allowed formats are: markdown, html, rawHtml",
				})
			}

			if _, ok := allowed[formatName]; !ok {
				return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
					Success: false,
					Code:    "UNSUPPORTED_FORMAT",
					Error:   fmt.Sprintf("Unsupported format %q for /v1/search; allowed formats are: markdown, html, rawHtml", formatName),
				})
			}
		}
	}

	var scrapeOpts *services.SearchScrapeOptions
	if reqBody.ScrapeOptions != nil {
		var locOpts *services.LocationOptions
		if reqBody.ScrapeOptions.Location != nil {
			loc := reqBody.ScrapeOptions.Location
			locOpts = &services.LocationOptions{Country: loc.Country, Languages: loc.Languages}
		}
		scrapeOpts = &services.SearchScrapeOptions{
			Formats:    reqBody.ScrapeOptions.Formats,
			Headers:    reqBody.ScrapeOptions.Headers,
			UseBrowser: reqBody.ScrapeOptions.UseBrowser,
			Location:   locOpts,
			TimeoutMs:  timeoutMs,
		}
	}

	params := services.SearchParams{
		Query:             reqBody.Query,
		Sources:           sources,
		ApiKeyID:          apiKeyID,
		AvailableCredits:  apiKey.Credits,
		Limit:             limit,
		Country:           reqBody.Country,
		Location:          reqBody.Location,
		TBS:               reqBody.TBS,
		TimeoutMs:         timeoutMs,
		Pages:             pages,
		Concurrent:        concurrent,
		IgnoreInvalidURLs: ignoreInvalid,
		ScrapeOptions:     scrapeOpts,
	}

	ctx, cancel := context.WithTimeout(c.Context(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	outcome, err := orch.Search(ctx, cfg, params)
	if err != nil {
		if errors.Is(err, services.ErrInsufficientCredits) {
			return c.Status(http.StatusPaymentRequired).JSON(ErrorResponse{
				Success: false,
				Code:    "INSUFFICIENT_CREDITS",
				Error:   err.Error(),
			})
		}
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		return c.Status(status).JSON(ErrorResponse{
			Success: false,
			Code:    "SEARCH_FAILED",
			Error:   err.Error(),
		})
	}

	web := make([]SearchWebResult, 0, len(outcome.Web))
	for _, r := range outcome.Web {
		entry := SearchWebResult{Title: r.Title, Description: r.Description, URL: r.URL}
		if r.Document != nil {
			entry.Document = (*Document)(r.Document)
			entry.Metadata = entry.Document.Metadata
			entry.Engine = entry.Document.Engine
		}
		web = append(web, entry)
	}

	warning := ""
	var warningParts []string
	if outcome.InvalidURLCount > 0 {
		if ignoreInvalid {
			warningParts = append(warningParts, fmt.Sprintf("%d search results had invalid URLs and were dropped", outcome.InvalidURLCount))
		} else {
			warningParts = append(warningParts, fmt.Sprintf("%d search results had invalid URLs and were returned without documents", outcome.InvalidURLCount))
		}
	}
	if outcome.ScrapeErrorCount > 0 {
		if ignoreInvalid {
			warningParts = append(warningParts, fmt.Sprintf("%d search results failed to scrape and were dropped", outcome.ScrapeErrorCount))
		} else {
			warningParts = append(warningParts, fmt.Sprintf("%d search results failed to scrape; returning partial data", outcome.ScrapeErrorCount))
		}
	}
	if len(warningParts) > 0 {
		warning = strings.Join(warningParts, "; ")
	}

	metrics.RecordSearch(outcome.ProviderName, scrapeOpts != nil, len(web), outcome.ScrapedCount)

	if loggerVal := c.Locals("logger"); loggerVal != nil {
		if lg, ok := loggerVal.(interface{ Info(msg string, args ...any) }); ok {
			lg.Info("search_request",
				"query", reqBody.Query,
				"provider", outcome.ProviderName,
				"sources", strings.Join(sources, ","),
				"limit", limit,
				"pages", pages,
				"results", len(web),
				"scraped_results", outcome.ScrapedCount,
				"invalid_url_results", outcome.InvalidURLCount,
				"scrape_error_results", outcome.ScrapeErrorCount,
				"ignore_invalid_urls", ignoreInvalid,
			)
		}
	}

	resp := SearchResponse{
		Success: true,
		Data:    &SearchData{Web: web},
	}
	if warning != "" {
		resp.Warning = warning
	}

	return c.Status(http.StatusOK).JSON(resp)
}
