package http

import (
	"context"
	"errors"
	"net/http"
	"time"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl/internal/config"
	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/scrapeutil"
	"github.com/anycrawl/anycrawl/internal/services"
)

// scrapeHandler implements the billed scrape endpoint: it estimates the
// credit cost, consults the page cache, and on a miss dispatches the job
// to a worker through the operation orchestrator.
func scrapeHandler(c *fiber.Ctx) error {
	var reqBody ScrapeRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Bad request, malformed JSON",
		})
	}

	if reqBody.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(ErrorResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "Missing required field 'url'",
		})
	}

	cfg := c.Locals("config").(*config.Config)
	orch, _ := c.Locals("orchestrator").(*services.Orchestrator)
	if orch == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(ErrorResponse{
			Success: false,
			Code:    "NOT_CONFIGURED",
			Error:   "scrape orchestrator is not configured",
		})
	}

	principal, _ := c.Locals("principal").(Principal)
	var apiKey db.ApiKey
	if v := c.Locals("apiKey"); v != nil {
		apiKey, _ = v.(db.ApiKey)
	}

	timeoutMs := cfg.Scraper.TimeoutMs
	if reqBody.Timeout != nil && *reqBody.Timeout > 0 {
		timeoutMs = *reqBody.Timeout
	}

	hasJSON, _, _ := scrapeutil.GetJSONFormatConfig(reqBody.Formats)
	extractSource := reqBody.ExtractSource
	if extractSource == "" {
		extractSource = "markdown"
	}

	var apiKeyID uuid.UUID
	if principal.ApiKeyID != nil {
		apiKeyID = *principal.ApiKeyID
	}

	useBrowser := false
	if reqBody.UseBrowser != nil {
		useBrowser = *reqBody.UseBrowser
	}
	engine := "cheerio"
	if useBrowser {
		engine = "rod"
	}

	var maxAge *time.Duration
	if reqBody.MaxAge != nil {
		d := time.Duration(*reqBody.MaxAge) * time.Millisecond
		maxAge = &d
	}

	params := services.ScrapeParams{
		URL:              reqBody.URL,
		ApiKeyID:         apiKeyID,
		AvailableCredits: apiKey.Credits,
		Engine:           engine,
		Formats:          reqBody.Formats,
		IncludeJSON:      hasJSON,
		ExtractSource:    extractSource,
		Summary:          scrapeutil.WantsFormat(reqBody.Formats, "summary"),
		OnlyMainContent:  reqBody.OnlyMainContent,
		Proxy:            reqBody.Proxy,
		WaitFor:          derefInt(reqBody.WaitFor),
		MaxAge:           maxAge,
		UsesTemplate:     reqBody.Template != "",
		HasCustomHeaders: len(reqBody.Headers) > 0,
		HasActions:       len(reqBody.Actions) > 0,
	}

	ctx, cancel := context.WithTimeout(c.Context(), time.Duration(timeoutMs)*time.Millisecond)
	defer cancel()

	outcome, err := orch.Scrape(ctx, params)
	if err != nil {
		if errors.Is(err, services.ErrInsufficientCredits) {
			return c.Status(http.StatusPaymentRequired).JSON(ErrorResponse{
				Success: false,
				Code:    "INSUFFICIENT_CREDITS",
				Error:   err.Error(),
			})
		}
		status := fiber.StatusBadGateway
		if errors.Is(err, context.DeadlineExceeded) {
			status = http.StatusGatewayTimeout
		}
		return c.Status(status).JSON(ErrorResponse{
			Success: false,
			Code:    "SCRAPE_FAILED",
			Error:   err.Error(),
		})
	}

	return c.Status(http.StatusOK).JSON(ScrapeResponse{
		Success: true,
		Data:    outcome.Document,
	})
}

func derefInt(p *int) int {
	if p == nil {
		return 0
	}
	return *p
}
