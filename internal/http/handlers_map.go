package http

import (
	"context"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl/internal/config"
	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/services"
)

// mapHandler implements the billed map endpoint: it estimates the flat
// map credit cost, dispatches sitemap/anchor and search-engine discovery
// through the operation orchestrator, and charges once on completion.
func mapHandler(c *fiber.Ctx) error {
	var reqBody MapRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(MapResponse{
			Success: false,
			Links:   []MapLink{},
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Bad request, malformed JSON",
		})
	}

	if reqBody.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(MapResponse{
			Success: false,
			Links:   []MapLink{},
			Code:    "BAD_REQUEST",
			Error:   "Missing required field 'url'",
		})
	}

	cfg := c.Locals("config").(*config.Config)
	orch, _ := c.Locals("orchestrator").(*services.Orchestrator)
	if orch == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(MapResponse{
			Success: false,
			Links:   []MapLink{},
			Code:    "NOT_CONFIGURED",
			Error:   "map orchestrator is not configured",
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

	timeoutMs := cfg.Scraper.TimeoutMs
	if reqBody.Timeout != nil && *reqBody.Timeout > 0 {
		timeoutMs = *reqBody.Timeout
	}

	limit := cfg.Crawler.MaxPagesDefault
	if reqBody.Limit != nil && *reqBody.Limit > 0 {
		limit = *reqBody.Limit
	}

	includeSubdomains := false
	if reqBody.IncludeSubdomains != nil {
		includeSubdomains = *reqBody.IncludeSubdomains
	}

	ignoreQueryParams := true
	if reqBody.IgnoreQueryParams != nil {
		ignoreQueryParams = *reqBody.IgnoreQueryParams
	}

	allowExternal := false
	if reqBody.AllowExternal != nil {
		allowExternal = *reqBody.AllowExternal
	}

	sitemapMode := reqBody.Sitemap
	if sitemapMode == "" {
		sitemapMode = "include"
	}

	params := services.MapParams{
		URL:               reqBody.URL,
		ApiKeyID:          apiKeyID,
		AvailableCredits:  apiKey.Credits,
		Limit:             limit,
		Search:            reqBody.Search,
		IncludeSubdomains: includeSubdomains,
		IgnoreQueryParams: ignoreQueryParams,
		AllowExternal:     allowExternal,
		SitemapMode:       sitemapMode,
		TimeoutMs:         timeoutMs,
		UsesTemplate:      reqBody.Template != "",
	}

	outcome, err := orch.Map(c.Context(), cfg, params)
	if err != nil {
		if errors.Is(err, services.ErrInsufficientCredits) {
			return c.Status(http.StatusPaymentRequired).JSON(MapResponse{
				Success: false,
				Links:   []MapLink{},
				Code:    "INSUFFICIENT_CREDITS",
				Error:   err.Error(),
			})
		}
		status := http.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		return c.Status(status).JSON(MapResponse{
			Success: false,
			Links:   []MapLink{},
			Code:    "MAP_FAILED",
			Error:   err.Error(),
		})
	}

	linksResp := make([]MapLink, 0, len(outcome.Links))
	for _, l := range outcome.Links {
		linksResp = append(linksResp, MapLink{
			URL:         l.URL,
			Title:       l.Title,
			Description: l.Description,
		})
	}

	return c.Status(http.StatusOK).JSON(MapResponse{
		Success: true,
		Links:   linksResp,
		Warning: outcome.Warning,
	})
}
