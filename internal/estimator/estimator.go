// Package estimator implements the Credit Estimator & Calculator (C8):
// the pre-charge admission check and the itemized ChargeDetails
// construction the billing ledger writes per operation.
//
// Weights are environment-tunable constants in the style of refyne-api's
// internal/constants tier table, translated from subscription-tier limits
// to AnyCrawl's per-feature credit weights.
package estimator

import (
	"github.com/anycrawl/anycrawl/internal/model"
)

// Weights holds the environment-tunable per-feature credit costs.
type Weights struct {
	BaseScrape          float64
	ProxyAuto           float64
	ProxyBase           float64
	ProxyStealth        float64
	ProxyCustom         float64
	JSONLLM             float64
	Summary             float64
	CrawlTemplate       float64
	CrawlPerPage        float64
	SearchTemplate      float64
	SearchPerPage       float64
	SearchPerScrape     float64
	MapBase             float64
	MapTemplate         float64
}

// DefaultWeights mirrors the documented defaults
// (e.g. ANYCRAWL_PROXY_STEALTH_CREDITS=2).
func DefaultWeights() Weights {
	return Weights{
		BaseScrape:      1,
		ProxyAuto:       0,
		ProxyBase:       0,
		ProxyStealth:    2,
		ProxyCustom:     2,
		JSONLLM:         1,
		Summary:         1,
		CrawlTemplate:   0,
		CrawlPerPage:    1,
		SearchTemplate:  0,
		SearchPerPage:   1,
		SearchPerScrape: 1,
		MapBase:         1,
		MapTemplate:     0,
	}
}

// ScrapeRequest is the subset of a scrape request the estimator needs.
type ScrapeRequest struct {
	Proxy         string
	JSONOptions   bool
	ExtractSource string // "markdown" (default) or "html"
	Summary       bool
	UsesTemplate  bool
}

func (w Weights) proxyCost(proxy string) float64 {
	switch proxy {
	case "auto":
		return w.ProxyAuto
	case "base":
		return w.ProxyBase
	case "stealth":
		return w.ProxyStealth
	case "", "none":
		return 0
	default:
		return w.ProxyCustom
	}
}

// EstimateScrape computes scrape = 1 + proxy + json_llm + summary; json_llm
// is doubled when extract_source=="html".
func (w Weights) EstimateScrape(req ScrapeRequest) float64 {
	total := w.BaseScrape + w.proxyCost(req.Proxy)
	if req.JSONOptions {
		jsonCost := w.JSONLLM
		if req.ExtractSource == "html" {
			jsonCost *= 2
		}
		total += jsonCost
	}
	if req.Summary {
		total += w.Summary
	}
	return total
}

// EstimateCrawlPage applies the same formula as scrape per page
// (crawl_page = scrape).
func (w Weights) EstimateCrawlPage(req ScrapeRequest) float64 {
	return w.EstimateScrape(req)
}

// EstimateCrawl computes crawl_estimate = template + per_page * limit.
func (w Weights) EstimateCrawl(limit int) float64 {
	return w.CrawlTemplate + w.CrawlPerPage*float64(limit)
}

// EstimateSearch computes search_estimate = template + pages + per_scrape *
// limit (when scrape_options present).
func (w Weights) EstimateSearch(pages int, scrapeOptionsPresent bool, limit int) float64 {
	total := w.SearchTemplate + float64(pages)
	if scrapeOptionsPresent {
		total += w.SearchPerScrape * float64(limit)
	}
	return total
}

// EstimateMap computes map = 1 + template.
func (w Weights) EstimateMap() float64 {
	return w.MapBase + w.MapTemplate
}

// BuildScrapeChargeDetails constructs the itemized ChargeDetails the
// ledger stores for a finalized scrape.
func (w Weights) BuildScrapeChargeDetails(req ScrapeRequest) model.ChargeDetails {
	items := []model.ChargeItem{{Code: "base_scrape", Credits: w.BaseScrape}}

	if cost := w.proxyCost(req.Proxy); cost > 0 {
		items = append(items, model.ChargeItem{Code: "proxy_" + proxyCode(req.Proxy), Credits: cost})
	}
	if req.JSONOptions {
		jsonCost := w.JSONLLM
		code := "json_llm"
		if req.ExtractSource == "html" {
			jsonCost *= 2
			code = "json_llm_html"
		}
		items = append(items, model.ChargeItem{Code: code, Credits: jsonCost})
	}
	if req.Summary {
		items = append(items, model.ChargeItem{Code: "summary", Credits: w.Summary})
	}

	var total float64
	for _, it := range items {
		total += it.Credits
	}

	return model.ChargeDetails{
		Version:    1,
		Basis:      "charged_delta",
		Calculator: "scrape_v1",
		Total:      total,
		Items:      items,
	}
}

func proxyCode(proxy string) string {
	switch proxy {
	case "auto", "base", "stealth":
		return proxy
	default:
		return "custom"
	}
}

// BuildCrawlPageChargeDetails constructs the per-page details for the
// crawl_page_v1 charge fired on each successfully scraped page.
func (w Weights) BuildCrawlPageChargeDetails(req ScrapeRequest) model.ChargeDetails {
	d := w.BuildScrapeChargeDetails(req)
	d.Calculator = "crawl_page_v1"
	return d
}

// BuildSearchChargeDetails constructs the itemized details for a search
// finalize charge.
func (w Weights) BuildSearchChargeDetails(pages int, scrapedResults int) model.ChargeDetails {
	items := []model.ChargeItem{{Code: "search_pages", Credits: float64(pages)}}
	if scrapedResults > 0 {
		items = append(items, model.ChargeItem{
			Code:    "search_result_scrape",
			Credits: w.SearchPerScrape * float64(scrapedResults),
		})
	}
	var total float64
	for _, it := range items {
		total += it.Credits
	}
	return model.ChargeDetails{Version: 1, Basis: "charged_delta", Calculator: "search_v1", Total: total, Items: items}
}

// BuildMapChargeDetails constructs the itemized details for a map request.
func (w Weights) BuildMapChargeDetails(usedTemplate bool) model.ChargeDetails {
	items := []model.ChargeItem{{Code: "map_base", Credits: w.MapBase}}
	if usedTemplate && w.MapTemplate > 0 {
		items = append(items, model.ChargeItem{Code: "map_template", Credits: w.MapTemplate})
	}
	var total float64
	for _, it := range items {
		total += it.Credits
	}
	return model.ChargeDetails{Version: 1, Basis: "charged_delta", Calculator: "map_v1", Total: total, Items: items}
}
