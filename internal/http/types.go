package http

import "github.com/anycrawl/anycrawl/internal/model"

// Wire DTOs for the four billed operations (scrape/crawl/search/map).
// Field names are snake_case only; camelCase alternatives are ignored by
// the JSON decoding and are not logged.

// ScrapeFormat represents a single entry of a scrape request's format list.
type ScrapeFormat struct {
	Type string `json:"type"`
}

// ScrapeRequest is the payload for POST /v1/scrape.
type ScrapeRequest struct {
	URL             string            `json:"url"`
	Engine          string            `json:"engine,omitempty"`
	Formats         []interface{}     `json:"formats,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	IncludeTags     []string          `json:"include_tags,omitempty"`
	ExcludeTags     []string          `json:"exclude_tags,omitempty"`
	OnlyMainContent *bool             `json:"only_main_content,omitempty"`
	Timeout         *int              `json:"timeout,omitempty"`
	WaitFor         *int              `json:"wait_for,omitempty"`
	WaitUntil       string            `json:"wait_until,omitempty"`
	WaitForSelector []string          `json:"wait_for_selector,omitempty"`
	Mobile          *bool             `json:"mobile,omitempty"`
	BlockAds        *bool             `json:"block_ads,omitempty"`
	Proxy           string            `json:"proxy,omitempty"`
	UseBrowser      *bool             `json:"use_browser,omitempty"`
	Location        *LocationOptions  `json:"location,omitempty"`

	// JSONOptions carries the json-format extraction schema/prompt when
	// "json" is requested in Formats; ExtractSource picks whether the
	// extractor runs over raw html or rendered markdown (credit weight
	// doubles for "html").
	JSONOptions   interface{} `json:"json_options,omitempty"`
	ExtractSource string      `json:"extract_source,omitempty"`
	OCROptions    *bool       `json:"ocr_options,omitempty"`

	// Template names a reusable named format/field configuration. The
	// scrape estimator adds no credit weight for it, and a request that
	// names one bypasses the page cache.
	Template string        `json:"template,omitempty"`
	Actions  []interface{} `json:"actions,omitempty"`

	// MaxAge bounds how stale a cached result may be, in milliseconds;
	// nil means "use the cache's default TTL".
	MaxAge *int64 `json:"max_age,omitempty"`
}

// LocationOptions describes geo-related options for scraping.
type LocationOptions struct {
	Country   string   `json:"country,omitempty"`
	Languages []string `json:"languages,omitempty"`
}

// Re-export shared types from the model package.
type Metadata = model.Metadata

type Document = model.Document

type LinkMetadata = model.LinkMetadata

// ErrorResponse is the shared error envelope for every endpoint.
type ErrorResponse struct {
	Success bool        `json:"success"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error"`
	Details interface{} `json:"details,omitempty"`
}

// ScrapeResponse is the response envelope for POST /v1/scrape.
type ScrapeResponse struct {
	Success  bool      `json:"success"`
	Warning  string    `json:"warning,omitempty"`
	Data     *Document `json:"data,omitempty"`
	ScrapeID string    `json:"scrape_id,omitempty"`
	Code     string    `json:"code,omitempty"`
	Error    string    `json:"error,omitempty"`
}

// MapRequest is the payload for POST /v1/map.
type MapRequest struct {
	URL               string `json:"url"`
	Search            string `json:"search,omitempty"`
	IncludeSubdomains *bool  `json:"include_subdomains,omitempty"`
	IgnoreQueryParams *bool  `json:"ignore_query_params,omitempty"`
	AllowExternal     *bool  `json:"allow_external_links,omitempty"`
	Sitemap           string `json:"sitemap,omitempty"`
	Limit             *int   `json:"limit,omitempty"`
	Timeout           *int   `json:"timeout,omitempty"`

	// Template names a reusable map configuration.
	Template string `json:"template,omitempty"`
}

type MapLink struct {
	URL         string `json:"url"`
	Title       string `json:"title,omitempty"`
	Description string `json:"description,omitempty"`
}

type MapResponse struct {
	Success bool      `json:"success"`
	Links   []MapLink `json:"links"`
	Warning string    `json:"warning,omitempty"`
	Code    string    `json:"code,omitempty"`
	Error   string    `json:"error,omitempty"`
}

// CrawlRequest is the payload for POST /v1/crawl.
type CrawlRequest struct {
	URL                string        `json:"url"`
	IncludePaths       []string      `json:"include_paths,omitempty"`
	ExcludePaths       []string      `json:"exclude_paths,omitempty"`
	Limit              *int          `json:"limit,omitempty"`
	MaxDiscoveryDepth  *int          `json:"max_discovery_depth,omitempty"`
	AllowExternalLinks *bool         `json:"allow_external_links,omitempty"`
	AllowSubdomains    *bool         `json:"allow_subdomains,omitempty"`
	IgnoreRobotsTxt    *bool         `json:"ignore_robots_txt,omitempty"`
	Sitemap            string        `json:"sitemap,omitempty"`
	DeduplicateSimilar bool          `json:"deduplicate_similar_urls,omitempty"`
	IgnoreQueryParams  *bool         `json:"ignore_query_params,omitempty"`
	RegexOnFullURL     *bool         `json:"regex_on_full_url,omitempty"`
	Delay              *int          `json:"delay,omitempty"`
	Webhook            string        `json:"webhook,omitempty"`
	Formats            []interface{} `json:"formats,omitempty"`
	CrawlEntireDomain  *bool         `json:"crawl_entire_domain,omitempty"`
	MaxConcurrency     *int          `json:"max_concurrency,omitempty"`

	ScrapeOptions *ScrapeOptions `json:"scrape_options,omitempty"`
}

// ScrapeOptions captures per-page scrape configuration that can be
// passed through from crawl- or search-level options.
type ScrapeOptions struct {
	Formats         []interface{}     `json:"formats,omitempty"`
	Headers         map[string]string `json:"headers,omitempty"`
	IncludeTags     []string          `json:"include_tags,omitempty"`
	ExcludeTags     []string          `json:"exclude_tags,omitempty"`
	OnlyMainContent *bool             `json:"only_main_content,omitempty"`
	Timeout         *int              `json:"timeout,omitempty"`
	WaitFor         *int              `json:"wait_for,omitempty"`
	WaitUntil       string            `json:"wait_until,omitempty"`
	Mobile          *bool             `json:"mobile,omitempty"`
	BlockAds        *bool             `json:"block_ads,omitempty"`
	Proxy           string            `json:"proxy,omitempty"`
	UseBrowser      *bool             `json:"use_browser,omitempty"`
	Location        *LocationOptions  `json:"location,omitempty"`

	JSONOptions   interface{} `json:"json_options,omitempty"`
	ExtractSource string      `json:"extract_source,omitempty"`
	Template      string      `json:"template,omitempty"`

	MaxAge *int64 `json:"max_age,omitempty"`
}

type CrawlStatus string

const (
	CrawlStatusPending   CrawlStatus = "pending"
	CrawlStatusRunning   CrawlStatus = "running"
	CrawlStatusCompleted CrawlStatus = "completed"
	CrawlStatusFailed    CrawlStatus = "failed"
)

type CrawlResponse struct {
	Success     bool        `json:"success"`
	ID          string      `json:"id,omitempty"`
	URL         string      `json:"url,omitempty"`
	Status      CrawlStatus `json:"status,omitempty"`
	Total       int         `json:"total,omitempty"`
	CreditsUsed int         `json:"credits_used,omitempty"`
	Data        []Document  `json:"data,omitempty"`
	Code        string      `json:"code,omitempty"`
	Error       string      `json:"error,omitempty"`
	Warning     string      `json:"warning,omitempty"`
}

// SearchRequest is the payload for POST /v1/search.
type SearchRequest struct {
	Query             string         `json:"query"`
	Sources           []string       `json:"sources,omitempty"`
	Categories        []string       `json:"categories,omitempty"`
	Limit             *int           `json:"limit,omitempty"`
	Country           string         `json:"country,omitempty"`
	Location          string         `json:"location,omitempty"`
	TBS               string         `json:"tbs,omitempty"`
	Timeout           *int           `json:"timeout,omitempty"`
	Pages             *int           `json:"pages,omitempty"`
	Concurrent        *int           `json:"concurrent,omitempty"`
	IgnoreInvalidURLs *bool          `json:"ignore_invalid_urls,omitempty"`
	ScrapeOptions     *ScrapeOptions `json:"scrape_options,omitempty"`
}

// SearchWebResult represents a single web search result which may
// optionally include a scraped Document when scrape_options are used.
type SearchWebResult struct {
	Title       string    `json:"title"`
	Description string    `json:"description,omitempty"`
	URL         string    `json:"url"`
	Document    *Document `json:"document,omitempty"`
	Metadata    Metadata  `json:"metadata,omitempty"`
	Engine      string    `json:"engine,omitempty"`
}

// SearchData groups results per source type. v1 only populates
// the Web slice; News and Images are reserved for future use.
type SearchData struct {
	Web    []SearchWebResult `json:"web,omitempty"`
	News   []SearchWebResult `json:"news,omitempty"`
	Images []SearchWebResult `json:"images,omitempty"`
}

// SearchResponse wraps search results in the shared response envelope.
type SearchResponse struct {
	Success bool        `json:"success"`
	Data    *SearchData `json:"data,omitempty"`
	Code    string      `json:"code,omitempty"`
	Error   string      `json:"error,omitempty"`
	Warning string      `json:"warning,omitempty"`
}
