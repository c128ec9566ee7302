package http

import (
	"database/sql"
	"encoding/json"
	"errors"
	"net/http"

	"github.com/gofiber/fiber/v2"
	"github.com/google/uuid"

	"github.com/anycrawl/anycrawl/internal/config"
	"github.com/anycrawl/anycrawl/internal/db"
	"github.com/anycrawl/anycrawl/internal/services"
	"github.com/anycrawl/anycrawl/internal/store"
)

// crawlHandler implements the billed crawl endpoint: it estimates the
// credit cost for the requested page limit, charges the first page
// immediately, and dispatches the rest of the traversal to a worker
// through the operation orchestrator.
func crawlHandler(c *fiber.Ctx) error {
	var reqBody CrawlRequest
	if err := c.BodyParser(&reqBody); err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(CrawlResponse{
			Success: false,
			Code:    "BAD_REQUEST_INVALID_JSON",
			Error:   "Bad request, malformed JSON",
		})
	}

	if reqBody.URL == "" {
		return c.Status(fiber.StatusBadRequest).JSON(CrawlResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "Missing required field 'url'",
		})
	}

	cfg := c.Locals("config").(*config.Config)
	orch, _ := c.Locals("orchestrator").(*services.Orchestrator)
	if orch == nil {
		return c.Status(fiber.StatusInternalServerError).JSON(CrawlResponse{
			Success: false,
			Code:    "NOT_CONFIGURED",
			Error:   "crawl orchestrator is not configured",
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

	limit := cfg.Crawler.MaxPagesDefault
	if reqBody.Limit != nil && *reqBody.Limit > 0 {
		limit = *reqBody.Limit
	}
	maxDepth := cfg.Crawler.MaxDepthDefault
	if reqBody.MaxDiscoveryDepth != nil && *reqBody.MaxDiscoveryDepth > 0 {
		maxDepth = *reqBody.MaxDiscoveryDepth
	}
	includeSubdomains := false
	if reqBody.AllowSubdomains != nil {
		includeSubdomains = *reqBody.AllowSubdomains
	}
	allowExternal := false
	if reqBody.AllowExternalLinks != nil {
		allowExternal = *reqBody.AllowExternalLinks
	}

	engine := "cheerio"
	if reqBody.ScrapeOptions != nil && reqBody.ScrapeOptions.UseBrowser != nil && *reqBody.ScrapeOptions.UseBrowser {
		engine = "rod"
	}

	params := services.CrawlParams{
		URL:               reqBody.URL,
		ApiKeyID:          apiKeyID,
		AvailableCredits:  apiKey.Credits,
		Limit:             limit,
		MaxDepth:          maxDepth,
		Formats:           reqBody.Formats,
		IncludeSubdomains: includeSubdomains,
		AllowExternal:     allowExternal,
		Engine:            engine,
	}

	outcome, err := orch.Crawl(c.Context(), params)
	if err != nil {
		if errors.Is(err, services.ErrInsufficientCredits) {
			return c.Status(http.StatusPaymentRequired).JSON(CrawlResponse{
				Success: false,
				Code:    "INSUFFICIENT_CREDITS",
				Error:   err.Error(),
			})
		}
		return c.Status(http.StatusInternalServerError).JSON(CrawlResponse{
			Success: false,
			Code:    "CRAWL_JOB_CREATE_FAILED",
			Error:   err.Error(),
		})
	}

	protocol := c.Protocol()
	host := c.Hostname()

	return c.Status(http.StatusOK).JSON(CrawlResponse{
		Success: true,
		ID:      outcome.Job.ID.String(),
		URL:     protocol + "://" + host + "/v1/crawl/" + outcome.Job.ID.String(),
	})
}

func crawlStatusHandler(c *fiber.Ctx) error {
	st := c.Locals("store").(*store.Store)

	idParam := c.Params("id")
	jobID, err := uuid.Parse(idParam)
	if err != nil {
		return c.Status(fiber.StatusBadRequest).JSON(CrawlResponse{
			Success: false,
			Code:    "BAD_REQUEST",
			Error:   "invalid crawl id",
		})
	}

	job, docs, err := st.GetCrawlJobAndDocuments(c.Context(), jobID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return c.Status(fiber.StatusNotFound).JSON(CrawlResponse{
				Success: false,
				Code:    "NOT_FOUND",
				Error:   "crawl job not found",
			})
		}
		return c.Status(http.StatusInternalServerError).JSON(CrawlResponse{
			Success: false,
			Code:    "CRAWL_JOB_LOOKUP_FAILED",
			Error:   err.Error(),
		})
	}

	resp := CrawlResponse{
		Success:     true,
		ID:          job.ID.String(),
		Status:      CrawlStatus(job.Status),
		Total:       len(docs),
		CreditsUsed: int(job.CreditsUsed),
	}

	// Map DB documents into API documents only when completed
	if job.Status == "completed" {
		// Decode the original crawl request to determine requested formats.
		var originalReq CrawlRequest
		_ = json.Unmarshal(job.Input, &originalReq)

		docSvc := services.NewJobDocumentService()
		mapped := docSvc.BuildDocuments(docs, services.JobDocumentFormatOptions{
			Formats:        originalReq.Formats,
			IncludeSummary: true,
			IncludeJSON:    true,
		})

		outDocs := make([]Document, 0, len(mapped))
		for _, d := range mapped {
			outDocs = append(outDocs, Document(d))
		}
		resp.Data = outDocs
	}

	if job.Error.Valid {
		resp.Error = job.Error.String
	}

	return c.Status(http.StatusOK).JSON(resp)
}
